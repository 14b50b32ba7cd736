package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/sitegov/governor/internal/models"
)

var (
	// ErrNotFound is returned when a proposal or settings row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrStatusConflict is returned by UpdateProposalStatus when the row's
	// current status is no longer in the expected source set. Exactly one of
	// two concurrent transitions on the same proposal wins.
	ErrStatusConflict = errors.New("status conflict")
)

// StatusConflictError wraps ErrStatusConflict with the status the proposal
// actually had when the conditional write missed.
type StatusConflictError struct {
	Current models.ProposalStatus
}

func (e *StatusConflictError) Error() string {
	return "status conflict: proposal is " + string(e.Current)
}

func (e *StatusConflictError) Unwrap() error { return ErrStatusConflict }

type Store interface {
	CreateProposal(ctx context.Context, in ProposalInput) (models.Proposal, error)
	GetProposal(ctx context.Context, id uuid.UUID) (models.Proposal, error)
	ListProposals(ctx context.Context, filter ListProposalsFilter) ([]models.Proposal, int, error)
	CountOpenProposals(ctx context.Context, siteID string) (int, error)
	UpdateProposalStatus(ctx context.Context, in StatusUpdate) (models.Proposal, error)

	AppendAction(ctx context.Context, in ActionInput) (models.ProposalAction, error)
	ListActions(ctx context.Context, proposalID uuid.UUID) ([]models.ProposalAction, error)

	GetCadenceSettings(ctx context.Context, siteID string) (models.CadenceSettings, error)
	UpdateCadenceSettings(ctx context.Context, in SettingsUpdate) (models.CadenceSettings, error)
	SetStabilization(ctx context.Context, siteID string, until *time.Time, reason string) (models.CadenceSettings, error)

	ListRecentProposals(ctx context.Context, siteID string, since time.Time) ([]models.Proposal, error)
	ListDeployWindows(ctx context.Context, siteID string, since time.Time) ([]models.DeployWindow, error)

	Ping(ctx context.Context) error
}

type ProposalInput struct {
	ID             uuid.UUID
	SiteID         string
	ServiceID      string
	ChangeType     models.ChangeType
	Scope          models.ChangeScope
	RiskLevel      models.RiskLevel
	Confidence     float64
	Title          string
	Description    string
	Reason         string
	AffectedURLs   json.RawMessage
	Evidence       json.RawMessage
	Status         models.ProposalStatus
	CadenceVerdict json.RawMessage
	MetricsBefore  json.RawMessage
}

// StatusUpdate is a conditional transition: the row is mutated only if its
// current status is still in From. Optional fields are applied when set.
type StatusUpdate struct {
	ID             uuid.UUID
	From           []models.ProposalStatus
	To             models.ProposalStatus
	SkipReason     string
	RejectReason   string
	SnoozedUntil   *time.Time
	DeployWindowID *uuid.UUID
	MetricsAfter   json.RawMessage
	QueuedAt       *time.Time
	AppliedAt      *time.Time
	ResolvedAt     *time.Time
}

type ActionInput struct {
	ID         uuid.UUID
	ProposalID uuid.UUID
	Kind       models.ActionKind
	Actor      string
	Reason     string
	Metadata   json.RawMessage
}

type ListProposalsFilter struct {
	SiteID     string
	ServiceID  string
	Status     models.ProposalStatus
	RiskLevel  models.RiskLevel
	ChangeType models.ChangeType
	Limit      int
	Offset     int
}

type SettingsUpdate struct {
	SiteID            string
	MaxDeploysPerWeek *int
	CooldownDays      map[string]int
}

// ReviewStatuses are the statuses from which single-item review actions and
// bulk actions may proceed.
var ReviewStatuses = []models.ProposalStatus{models.StatusOpen, models.StatusInReview}

func ensureJSON(raw json.RawMessage, fallback string) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(fallback)
	}
	return raw
}
