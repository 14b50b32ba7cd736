package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sitegov/governor/internal/models"
)

// MemoryStore is the in-memory Store used for dev mode and acceptance tests.
type MemoryStore struct {
	mu        sync.RWMutex
	proposals map[uuid.UUID]models.Proposal
	actions   map[uuid.UUID][]models.ProposalAction
	settings  map[string]models.CadenceSettings
	windows   map[uuid.UUID]models.DeployWindow
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		proposals: map[uuid.UUID]models.Proposal{},
		actions:   map[uuid.UUID][]models.ProposalAction{},
		settings:  map[string]models.CadenceSettings{},
		windows:   map[uuid.UUID]models.DeployWindow{},
	}
}

func copyJSON(raw json.RawMessage, fallback string) json.RawMessage {
	if len(raw) == 0 {
		if fallback == "" {
			return nil
		}
		return json.RawMessage(fallback)
	}
	return append(json.RawMessage(nil), raw...)
}

func (m *MemoryStore) CreateProposal(ctx context.Context, in ProposalInput) (models.Proposal, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	now := time.Now().UTC()
	p := models.Proposal{
		ID:             in.ID,
		SiteID:         in.SiteID,
		ServiceID:      in.ServiceID,
		ChangeType:     in.ChangeType,
		Scope:          in.Scope,
		RiskLevel:      in.RiskLevel,
		Confidence:     in.Confidence,
		Title:          in.Title,
		Description:    in.Description,
		Reason:         in.Reason,
		AffectedURLs:   copyJSON(in.AffectedURLs, "[]"),
		Evidence:       copyJSON(in.Evidence, "{}"),
		Status:         in.Status,
		CadenceVerdict: copyJSON(in.CadenceVerdict, "{}"),
		MetricsBefore:  copyJSON(in.MetricsBefore, ""),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.proposals[p.ID] = p
	return p, nil
}

func (m *MemoryStore) GetProposal(ctx context.Context, id uuid.UUID) (models.Proposal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.proposals[id]
	if !ok {
		return models.Proposal{}, ErrNotFound
	}
	return p, nil
}

func (m *MemoryStore) ListProposals(ctx context.Context, filter ListProposalsFilter) ([]models.Proposal, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var matched []models.Proposal
	for _, p := range m.proposals {
		if filter.SiteID != "" && p.SiteID != filter.SiteID {
			continue
		}
		if filter.ServiceID != "" && p.ServiceID != filter.ServiceID {
			continue
		}
		if filter.Status != "" && p.Status != filter.Status {
			continue
		}
		if filter.RiskLevel != "" && p.RiskLevel != filter.RiskLevel {
			continue
		}
		if filter.ChangeType != "" && p.ChangeType != filter.ChangeType {
			continue
		}
		matched = append(matched, p)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	total := len(matched)
	start := filter.Offset
	if start < 0 {
		start = 0
	}
	if start > total {
		start = total
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	end := start + limit
	if end > total {
		end = total
	}
	result := make([]models.Proposal, end-start)
	copy(result, matched[start:end])
	return result, total, nil
}

func (m *MemoryStore) CountOpenProposals(ctx context.Context, siteID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, p := range m.proposals {
		if siteID != "" && p.SiteID != siteID {
			continue
		}
		if p.Status == models.StatusOpen || p.Status == models.StatusInReview {
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) UpdateProposalStatus(ctx context.Context, in StatusUpdate) (models.Proposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.proposals[in.ID]
	if !ok {
		return models.Proposal{}, ErrNotFound
	}
	allowed := false
	for _, from := range in.From {
		if p.Status == from {
			allowed = true
			break
		}
	}
	if !allowed {
		return models.Proposal{}, &StatusConflictError{Current: p.Status}
	}
	p.Status = in.To
	if in.SkipReason != "" {
		p.SkipReason = in.SkipReason
	}
	if in.RejectReason != "" {
		p.RejectReason = in.RejectReason
	}
	if in.SnoozedUntil != nil {
		t := *in.SnoozedUntil
		p.SnoozedUntil = &t
	}
	if in.DeployWindowID != nil {
		id := *in.DeployWindowID
		p.DeployWindowID = &id
	}
	if len(in.MetricsAfter) > 0 {
		p.MetricsAfter = copyJSON(in.MetricsAfter, "")
	}
	if in.QueuedAt != nil {
		t := *in.QueuedAt
		p.QueuedAt = &t
	}
	if in.AppliedAt != nil {
		t := *in.AppliedAt
		p.AppliedAt = &t
	}
	if in.ResolvedAt != nil {
		t := *in.ResolvedAt
		p.ResolvedAt = &t
	}
	p.UpdatedAt = time.Now().UTC()
	m.proposals[in.ID] = p
	return p, nil
}

func (m *MemoryStore) AppendAction(ctx context.Context, in ActionInput) (models.ProposalAction, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	a := models.ProposalAction{
		ID:         in.ID,
		ProposalID: in.ProposalID,
		Kind:       in.Kind,
		Actor:      in.Actor,
		Reason:     in.Reason,
		Metadata:   copyJSON(in.Metadata, "{}"),
		CreatedAt:  time.Now().UTC(),
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actions[in.ProposalID] = append(m.actions[in.ProposalID], a)
	return a, nil
}

func (m *MemoryStore) ListActions(ctx context.Context, proposalID uuid.UUID) ([]models.ProposalAction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	actions := m.actions[proposalID]
	result := make([]models.ProposalAction, len(actions))
	copy(result, actions)
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (m *MemoryStore) GetCadenceSettings(ctx context.Context, siteID string) (models.CadenceSettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	settings, ok := m.settings[siteID]
	if !ok {
		settings = models.DefaultCadenceSettings(siteID)
		m.settings[siteID] = settings
	}
	return copySettings(settings), nil
}

func (m *MemoryStore) UpdateCadenceSettings(ctx context.Context, in SettingsUpdate) (models.CadenceSettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	settings, ok := m.settings[in.SiteID]
	if !ok {
		settings = models.DefaultCadenceSettings(in.SiteID)
	}
	if in.MaxDeploysPerWeek != nil {
		settings.MaxDeploysPerWeek = *in.MaxDeploysPerWeek
	}
	for key, days := range in.CooldownDays {
		settings.CooldownDays[key] = days
	}
	settings.UpdatedAt = time.Now().UTC()
	m.settings[in.SiteID] = settings
	return copySettings(settings), nil
}

func (m *MemoryStore) SetStabilization(ctx context.Context, siteID string, until *time.Time, reason string) (models.CadenceSettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	settings, ok := m.settings[siteID]
	if !ok {
		settings = models.DefaultCadenceSettings(siteID)
	}
	if until != nil {
		t := *until
		settings.StabilizationUntil = &t
	} else {
		settings.StabilizationUntil = nil
	}
	settings.StabilizationReason = reason
	settings.UpdatedAt = time.Now().UTC()
	m.settings[siteID] = settings
	return copySettings(settings), nil
}

func (m *MemoryStore) ListRecentProposals(ctx context.Context, siteID string, since time.Time) ([]models.Proposal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var proposals []models.Proposal
	for _, p := range m.proposals {
		if p.SiteID != siteID || p.CreatedAt.Before(since) {
			continue
		}
		proposals = append(proposals, p)
	}
	sort.Slice(proposals, func(i, j int) bool {
		return proposals[i].CreatedAt.After(proposals[j].CreatedAt)
	})
	return proposals, nil
}

func (m *MemoryStore) ListDeployWindows(ctx context.Context, siteID string, since time.Time) ([]models.DeployWindow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var windows []models.DeployWindow
	for _, w := range m.windows {
		if w.SiteID != siteID {
			continue
		}
		if w.ExecutedAt != nil && !w.ExecutedAt.Before(since) {
			windows = append(windows, w)
			continue
		}
		if !w.ScheduledAt.Before(since) {
			windows = append(windows, w)
		}
	}
	sort.Slice(windows, func(i, j int) bool {
		return windows[i].ScheduledAt.Before(windows[j].ScheduledAt)
	})
	return windows, nil
}

// PutDeployWindow seeds a window. The scheduling collaborator owns deploy
// windows in production; this exists for dev mode and tests.
func (m *MemoryStore) PutDeployWindow(w models.DeployWindow) models.DeployWindow {
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.windows[w.ID] = w
	return w
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func copySettings(s models.CadenceSettings) models.CadenceSettings {
	out := s
	out.CooldownDays = make(map[string]int, len(s.CooldownDays))
	for k, v := range s.CooldownDays {
		out.CooldownDays[k] = v
	}
	if s.StabilizationUntil != nil {
		t := *s.StabilizationUntil
		out.StabilizationUntil = &t
	}
	return out
}
