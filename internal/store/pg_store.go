package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/sitegov/governor/internal/models"
)

// PGStore persists proposals, actions, settings and windows in Postgres.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

const proposalColumns = `id, site_id, service_id, change_type, scope, risk_level, confidence,
	title, description, reason, affected_urls, evidence, status, cadence_verdict,
	deploy_window_id, skip_reason, reject_reason, snoozed_until, metrics_before, metrics_after,
	created_at, updated_at, queued_at, applied_at, resolved_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanProposal(row rowScanner) (models.Proposal, error) {
	var (
		p             models.Proposal
		affectedURLs  []byte
		evidence      []byte
		verdict       []byte
		windowID      sql.NullString
		snoozedUntil  sql.NullTime
		metricsBefore []byte
		metricsAfter  []byte
		queuedAt      sql.NullTime
		appliedAt     sql.NullTime
		resolvedAt    sql.NullTime
	)
	if err := row.Scan(
		&p.ID,
		&p.SiteID,
		&p.ServiceID,
		&p.ChangeType,
		&p.Scope,
		&p.RiskLevel,
		&p.Confidence,
		&p.Title,
		&p.Description,
		&p.Reason,
		&affectedURLs,
		&evidence,
		&p.Status,
		&verdict,
		&windowID,
		&p.SkipReason,
		&p.RejectReason,
		&snoozedUntil,
		&metricsBefore,
		&metricsAfter,
		&p.CreatedAt,
		&p.UpdatedAt,
		&queuedAt,
		&appliedAt,
		&resolvedAt,
	); err != nil {
		return models.Proposal{}, err
	}
	p.AffectedURLs = append(json.RawMessage(nil), affectedURLs...)
	p.Evidence = append(json.RawMessage(nil), evidence...)
	p.CadenceVerdict = append(json.RawMessage(nil), verdict...)
	if len(metricsBefore) > 0 {
		p.MetricsBefore = append(json.RawMessage(nil), metricsBefore...)
	}
	if len(metricsAfter) > 0 {
		p.MetricsAfter = append(json.RawMessage(nil), metricsAfter...)
	}
	if windowID.Valid {
		if id, err := uuid.Parse(windowID.String); err == nil {
			p.DeployWindowID = &id
		}
	}
	if snoozedUntil.Valid {
		t := snoozedUntil.Time
		p.SnoozedUntil = &t
	}
	if queuedAt.Valid {
		t := queuedAt.Time
		p.QueuedAt = &t
	}
	if appliedAt.Valid {
		t := appliedAt.Time
		p.AppliedAt = &t
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		p.ResolvedAt = &t
	}
	return p, nil
}

func (s *PGStore) CreateProposal(ctx context.Context, in ProposalInput) (models.Proposal, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	query := `
		INSERT INTO proposals (id, site_id, service_id, change_type, scope, risk_level, confidence,
			title, description, reason, affected_urls, evidence, status, cadence_verdict, metrics_before)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		RETURNING ` + proposalColumns
	row := s.db.QueryRowContext(ctx, query,
		in.ID, in.SiteID, in.ServiceID, in.ChangeType, in.Scope, in.RiskLevel, in.Confidence,
		in.Title, in.Description, in.Reason, ensureJSON(in.AffectedURLs, "[]"), ensureJSON(in.Evidence, "{}"),
		in.Status, ensureJSON(in.CadenceVerdict, "{}"), nullableJSON(in.MetricsBefore))
	p, err := scanProposal(row)
	if err != nil {
		return models.Proposal{}, fmt.Errorf("insert proposal: %w", err)
	}
	return p, nil
}

func (s *PGStore) GetProposal(ctx context.Context, id uuid.UUID) (models.Proposal, error) {
	query := `SELECT ` + proposalColumns + ` FROM proposals WHERE id=$1`
	p, err := scanProposal(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Proposal{}, ErrNotFound
		}
		return models.Proposal{}, fmt.Errorf("get proposal: %w", err)
	}
	return p, nil
}

func (s *PGStore) ListProposals(ctx context.Context, filter ListProposalsFilter) ([]models.Proposal, int, error) {
	where, args := buildProposalFilter(filter)

	var total int
	countQuery := `SELECT COUNT(*) FROM proposals` + where
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count proposals: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	query := fmt.Sprintf(`SELECT %s FROM proposals%s ORDER BY created_at DESC LIMIT %d OFFSET %d`,
		proposalColumns, where, limit, offset)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list proposals: %w", err)
	}
	defer rows.Close()

	var proposals []models.Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan proposal: %w", err)
		}
		proposals = append(proposals, p)
	}
	return proposals, total, rows.Err()
}

func buildProposalFilter(filter ListProposalsFilter) (string, []interface{}) {
	var (
		clauses []string
		args    []interface{}
	)
	add := func(column string, value interface{}) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf("%s=$%d", column, len(args)))
	}
	if filter.SiteID != "" {
		add("site_id", filter.SiteID)
	}
	if filter.ServiceID != "" {
		add("service_id", filter.ServiceID)
	}
	if filter.Status != "" {
		add("status", filter.Status)
	}
	if filter.RiskLevel != "" {
		add("risk_level", filter.RiskLevel)
	}
	if filter.ChangeType != "" {
		add("change_type", filter.ChangeType)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func (s *PGStore) CountOpenProposals(ctx context.Context, siteID string) (int, error) {
	query := `SELECT COUNT(*) FROM proposals WHERE status = ANY($1)`
	args := []interface{}{pq.Array(statusStrings(ReviewStatuses))}
	if siteID != "" {
		query += ` AND site_id=$2`
		args = append(args, siteID)
	}
	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count open proposals: %w", err)
	}
	return count, nil
}

// UpdateProposalStatus is the conditional transition write: the row is only
// mutated while its status is still in the expected source set, so two
// concurrent transitions on the same proposal cannot both succeed.
func (s *PGStore) UpdateProposalStatus(ctx context.Context, in StatusUpdate) (models.Proposal, error) {
	query := `
		UPDATE proposals
		SET status=$2,
		    skip_reason = COALESCE(NULLIF($3,''), skip_reason),
		    reject_reason = COALESCE(NULLIF($4,''), reject_reason),
		    snoozed_until = COALESCE($5, snoozed_until),
		    deploy_window_id = COALESCE($6, deploy_window_id),
		    metrics_after = COALESCE($7, metrics_after),
		    queued_at = COALESCE($8, queued_at),
		    applied_at = COALESCE($9, applied_at),
		    resolved_at = COALESCE($10, resolved_at),
		    updated_at = NOW()
		WHERE id=$1 AND status = ANY($11)
		RETURNING ` + proposalColumns
	var windowID interface{}
	if in.DeployWindowID != nil {
		windowID = in.DeployWindowID.String()
	}
	row := s.db.QueryRowContext(ctx, query,
		in.ID, in.To, in.SkipReason, in.RejectReason, in.SnoozedUntil, windowID,
		nullableJSON(in.MetricsAfter), in.QueuedAt, in.AppliedAt, in.ResolvedAt,
		pq.Array(statusStrings(in.From)))
	p, err := scanProposal(row)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.Proposal{}, fmt.Errorf("update proposal status: %w", err)
	}

	// No row matched: distinguish a missing proposal from a lost race.
	var current models.ProposalStatus
	if err := s.db.QueryRowContext(ctx, `SELECT status FROM proposals WHERE id=$1`, in.ID).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Proposal{}, ErrNotFound
		}
		return models.Proposal{}, fmt.Errorf("check proposal status: %w", err)
	}
	return models.Proposal{}, &StatusConflictError{Current: current}
}

func (s *PGStore) AppendAction(ctx context.Context, in ActionInput) (models.ProposalAction, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	query := `
		INSERT INTO proposal_actions (id, proposal_id, kind, actor, reason, metadata, stream_status)
		VALUES ($1,$2,$3,$4,$5,$6,'pending')
		RETURNING created_at
	`
	var createdAt time.Time
	if err := s.db.QueryRowContext(ctx, query, in.ID, in.ProposalID, in.Kind, in.Actor, in.Reason, ensureJSON(in.Metadata, "{}")).Scan(&createdAt); err != nil {
		return models.ProposalAction{}, fmt.Errorf("insert proposal action: %w", err)
	}
	return models.ProposalAction{
		ID:         in.ID,
		ProposalID: in.ProposalID,
		Kind:       in.Kind,
		Actor:      in.Actor,
		Reason:     in.Reason,
		Metadata:   ensureJSON(in.Metadata, "{}"),
		CreatedAt:  createdAt,
	}, nil
}

func (s *PGStore) ListActions(ctx context.Context, proposalID uuid.UUID) ([]models.ProposalAction, error) {
	const query = `
		SELECT id, proposal_id, kind, actor, reason, metadata, created_at
		FROM proposal_actions
		WHERE proposal_id=$1
		ORDER BY created_at, id
	`
	rows, err := s.db.QueryContext(ctx, query, proposalID)
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	defer rows.Close()

	var actions []models.ProposalAction
	for rows.Next() {
		var (
			a        models.ProposalAction
			metadata []byte
		)
		if err := rows.Scan(&a.ID, &a.ProposalID, &a.Kind, &a.Actor, &a.Reason, &metadata, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		a.Metadata = append(json.RawMessage(nil), metadata...)
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

func (s *PGStore) GetCadenceSettings(ctx context.Context, siteID string) (models.CadenceSettings, error) {
	settings, err := s.selectCadenceSettings(ctx, siteID)
	if err == nil {
		return settings, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.CadenceSettings{}, fmt.Errorf("get cadence settings: %w", err)
	}

	// Lazy creation with documented defaults on first use per site.
	defaults := models.DefaultCadenceSettings(siteID)
	cooldowns, _ := json.Marshal(defaults.CooldownDays)
	insert := `
		INSERT INTO cadence_settings (site_id, max_deploys_per_week, cooldowns)
		VALUES ($1,$2,$3)
		ON CONFLICT (site_id) DO NOTHING
	`
	if _, err := s.db.ExecContext(ctx, insert, siteID, defaults.MaxDeploysPerWeek, cooldowns); err != nil {
		return models.CadenceSettings{}, fmt.Errorf("create default cadence settings: %w", err)
	}
	settings, err = s.selectCadenceSettings(ctx, siteID)
	if err != nil {
		return models.CadenceSettings{}, fmt.Errorf("get cadence settings: %w", err)
	}
	return settings, nil
}

func (s *PGStore) selectCadenceSettings(ctx context.Context, siteID string) (models.CadenceSettings, error) {
	const query = `
		SELECT site_id, max_deploys_per_week, cooldowns, stabilization_until, stabilization_reason, updated_at
		FROM cadence_settings
		WHERE site_id=$1
	`
	var (
		settings  models.CadenceSettings
		cooldowns []byte
		until     sql.NullTime
	)
	if err := s.db.QueryRowContext(ctx, query, siteID).Scan(
		&settings.SiteID, &settings.MaxDeploysPerWeek, &cooldowns,
		&until, &settings.StabilizationReason, &settings.UpdatedAt,
	); err != nil {
		return models.CadenceSettings{}, err
	}
	if err := json.Unmarshal(cooldowns, &settings.CooldownDays); err != nil {
		return models.CadenceSettings{}, fmt.Errorf("decode cooldowns: %w", err)
	}
	if until.Valid {
		t := until.Time
		settings.StabilizationUntil = &t
	}
	return settings, nil
}

func (s *PGStore) UpdateCadenceSettings(ctx context.Context, in SettingsUpdate) (models.CadenceSettings, error) {
	settings, err := s.GetCadenceSettings(ctx, in.SiteID)
	if err != nil {
		return models.CadenceSettings{}, err
	}
	if in.MaxDeploysPerWeek != nil {
		settings.MaxDeploysPerWeek = *in.MaxDeploysPerWeek
	}
	for key, days := range in.CooldownDays {
		settings.CooldownDays[key] = days
	}
	cooldowns, _ := json.Marshal(settings.CooldownDays)
	const query = `
		UPDATE cadence_settings
		SET max_deploys_per_week=$2, cooldowns=$3, updated_at=NOW()
		WHERE site_id=$1
		RETURNING updated_at
	`
	if err := s.db.QueryRowContext(ctx, query, in.SiteID, settings.MaxDeploysPerWeek, cooldowns).Scan(&settings.UpdatedAt); err != nil {
		return models.CadenceSettings{}, fmt.Errorf("update cadence settings: %w", err)
	}
	return settings, nil
}

func (s *PGStore) SetStabilization(ctx context.Context, siteID string, until *time.Time, reason string) (models.CadenceSettings, error) {
	if _, err := s.GetCadenceSettings(ctx, siteID); err != nil {
		return models.CadenceSettings{}, err
	}
	const query = `
		UPDATE cadence_settings
		SET stabilization_until=$2, stabilization_reason=$3, updated_at=NOW()
		WHERE site_id=$1
	`
	if _, err := s.db.ExecContext(ctx, query, siteID, until, reason); err != nil {
		return models.CadenceSettings{}, fmt.Errorf("set stabilization: %w", err)
	}
	return s.GetCadenceSettings(ctx, siteID)
}

func (s *PGStore) ListRecentProposals(ctx context.Context, siteID string, since time.Time) ([]models.Proposal, error) {
	query := `SELECT ` + proposalColumns + ` FROM proposals WHERE site_id=$1 AND created_at >= $2 ORDER BY created_at DESC`
	rows, err := s.db.QueryContext(ctx, query, siteID, since)
	if err != nil {
		return nil, fmt.Errorf("list recent proposals: %w", err)
	}
	defer rows.Close()

	var proposals []models.Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan proposal: %w", err)
		}
		proposals = append(proposals, p)
	}
	return proposals, rows.Err()
}

func (s *PGStore) ListDeployWindows(ctx context.Context, siteID string, since time.Time) ([]models.DeployWindow, error) {
	const query = `
		SELECT id, site_id, scheduled_at, status, executed_at
		FROM deploy_windows
		WHERE site_id=$1 AND (executed_at >= $2 OR scheduled_at >= $2)
		ORDER BY scheduled_at
	`
	rows, err := s.db.QueryContext(ctx, query, siteID, since)
	if err != nil {
		return nil, fmt.Errorf("list deploy windows: %w", err)
	}
	defer rows.Close()

	var windows []models.DeployWindow
	for rows.Next() {
		var (
			w          models.DeployWindow
			executedAt sql.NullTime
		)
		if err := rows.Scan(&w.ID, &w.SiteID, &w.ScheduledAt, &w.Status, &executedAt); err != nil {
			return nil, fmt.Errorf("scan deploy window: %w", err)
		}
		if executedAt.Valid {
			t := executedAt.Time
			w.ExecutedAt = &t
		}
		windows = append(windows, w)
	}
	return windows, rows.Err()
}

func (s *PGStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("db ping: %w", err)
	}
	return nil
}

func statusStrings(statuses []models.ProposalStatus) []string {
	out := make([]string, len(statuses))
	for i, st := range statuses {
		out[i] = string(st)
	}
	return out
}

func nullableJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
