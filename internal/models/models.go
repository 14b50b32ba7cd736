package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ChangeType classifies what kind of site modification a proposal carries.
type ChangeType string

const (
	ChangeTypeContent     ChangeType = "content"
	ChangeTypeTechnical   ChangeType = "technical"
	ChangeTypePerformance ChangeType = "performance"
	ChangeTypeConfig      ChangeType = "config"
)

// ChangeScope describes the blast radius of a proposal.
type ChangeScope string

const (
	ScopeSinglePage ChangeScope = "single_page"
	ScopeTemplate   ChangeScope = "template"
	ScopeSitewide   ChangeScope = "sitewide"
)

// RiskLevel gates how much autonomy a proposal is granted.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// ProposalStatus covers both the autonomous and the human review tracks.
type ProposalStatus string

const (
	// autonomous track
	StatusProposed   ProposalStatus = "proposed"
	StatusQueued     ProposalStatus = "queued"
	StatusSkipped    ProposalStatus = "skipped"
	StatusRolledBack ProposalStatus = "rolled_back"

	// review track
	StatusOpen        ProposalStatus = "open"
	StatusInReview    ProposalStatus = "in_review"
	StatusAccepted    ProposalStatus = "accepted"
	StatusApplying    ProposalStatus = "applying"
	StatusApplied     ProposalStatus = "applied"
	StatusApplyFailed ProposalStatus = "apply_failed"
	StatusRejected    ProposalStatus = "rejected"
	StatusSnoozed     ProposalStatus = "snoozed"
)

// ActionKind identifies one lifecycle transition in the audit log.
type ActionKind string

const (
	ActionCreated      ActionKind = "created"
	ActionQueued       ActionKind = "queued"
	ActionSkipped      ActionKind = "skipped"
	ActionAccepted     ActionKind = "accepted"
	ActionRejected     ActionKind = "rejected"
	ActionSnoozed      ActionKind = "snoozed"
	ActionApplyStarted ActionKind = "apply_started"
	ActionApplied      ActionKind = "applied"
	ActionApplyFailed  ActionKind = "apply_failed"
	ActionRolledBack   ActionKind = "rolled_back"
)

// Proposal is a pending or resolved suggestion to modify a managed website.
type Proposal struct {
	ID             uuid.UUID       `json:"id"`
	SiteID         string          `json:"siteId"`
	ServiceID      string          `json:"serviceId"`
	ChangeType     ChangeType      `json:"changeType"`
	Scope          ChangeScope     `json:"scope"`
	RiskLevel      RiskLevel       `json:"riskLevel"`
	Confidence     float64         `json:"confidence"`
	Title          string          `json:"title"`
	Description    string          `json:"description,omitempty"`
	Reason         string          `json:"reason,omitempty"`
	AffectedURLs   json.RawMessage `json:"affectedUrls,omitempty"`
	Evidence       json.RawMessage `json:"evidence,omitempty"`
	Status         ProposalStatus  `json:"status"`
	CadenceVerdict json.RawMessage `json:"cadenceVerdict,omitempty"`
	DeployWindowID *uuid.UUID      `json:"deployWindowId,omitempty"`
	SkipReason     string          `json:"skipReason,omitempty"`
	RejectReason   string          `json:"rejectReason,omitempty"`
	SnoozedUntil   *time.Time      `json:"snoozedUntil,omitempty"`
	MetricsBefore  json.RawMessage `json:"metricsBefore,omitempty"`
	MetricsAfter   json.RawMessage `json:"metricsAfter,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
	QueuedAt       *time.Time      `json:"queuedAt,omitempty"`
	AppliedAt      *time.Time      `json:"appliedAt,omitempty"`
	ResolvedAt     *time.Time      `json:"resolvedAt,omitempty"`
}

// ProposalAction is one immutable audit entry. Append-only: rows are never
// updated or deleted, and the log ordered by CreatedAt is the authoritative
// record of a proposal's history.
type ProposalAction struct {
	ID         uuid.UUID       `json:"id"`
	ProposalID uuid.UUID       `json:"proposalId"`
	Kind       ActionKind      `json:"kind"`
	Actor      string          `json:"actor"`
	Reason     string          `json:"reason,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// CadenceSettings is the per-site throttle configuration, created lazily with
// defaults on first use.
type CadenceSettings struct {
	SiteID              string         `json:"siteId"`
	MaxDeploysPerWeek   int            `json:"maxDeploysPerWeek"`
	CooldownDays        map[string]int `json:"cooldownDays"`
	StabilizationUntil  *time.Time     `json:"stabilizationUntil,omitempty"`
	StabilizationReason string         `json:"stabilizationReason,omitempty"`
	UpdatedAt           time.Time      `json:"updatedAt"`
}

// Cooldown table keys. Template/sitewide scope always resolves to CooldownTemplate.
const (
	CooldownContent   = "content"
	CooldownTitleMeta = "title_meta"
	CooldownTemplate  = "template"
	CooldownTechnical = "technical"
	CooldownPerf      = "performance"
)

// DefaultCadenceSettings returns the documented per-site defaults.
func DefaultCadenceSettings(siteID string) CadenceSettings {
	return CadenceSettings{
		SiteID:            siteID,
		MaxDeploysPerWeek: 2,
		CooldownDays: map[string]int{
			CooldownContent:   7,
			CooldownTitleMeta: 14,
			CooldownTemplate:  21,
			CooldownTechnical: 14,
			CooldownPerf:      7,
		},
		UpdatedAt: time.Now().UTC(),
	}
}

// DeployWindowStatus is the lifecycle of a scheduled execution slot.
type DeployWindowStatus string

const (
	WindowPending  DeployWindowStatus = "pending"
	WindowExecuted DeployWindowStatus = "executed"
	WindowSkipped  DeployWindowStatus = "skipped"
)

// DeployWindow is a scheduled execution slot. The scheduling collaborator owns
// writes; this core only reads executed windows to count against the weekly cap.
type DeployWindow struct {
	ID          uuid.UUID          `json:"id"`
	SiteID      string             `json:"siteId"`
	ScheduledAt time.Time          `json:"scheduledAt"`
	Status      DeployWindowStatus `json:"status"`
	ExecutedAt  *time.Time         `json:"executedAt,omitempty"`
}

// CadenceVerdict is the outcome of a cadence policy evaluation. It is recorded
// on the proposal at creation and embedded in CadenceBlocked responses.
type CadenceVerdict struct {
	Pass                bool       `json:"pass"`
	Reason              string     `json:"reason,omitempty"`
	NextEligibleAt      *time.Time `json:"nextEligibleAt,omitempty"`
	InStabilizationMode bool       `json:"inStabilizationMode"`
	DeploysThisWeek     int        `json:"deploysThisWeek"`
	MaxDeploysPerWeek   int        `json:"maxDeploysPerWeek"`
}

// Marshal returns the verdict as a JSON blob for persistence on the proposal row.
func (v CadenceVerdict) Marshal() json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
