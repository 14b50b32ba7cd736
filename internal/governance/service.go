// Package governance implements the proposal lifecycle state machines, the
// risk gate and bulk processing on top of the cadence policy engine. All
// transitions are conditional writes, and every successful transition appends
// exactly one action to the append-only audit log.
package governance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/sitegov/governor/internal/cadence"
	"github.com/sitegov/governor/internal/executor"
	"github.com/sitegov/governor/internal/models"
	"github.com/sitegov/governor/internal/store"
)

const systemActor = "system:governor"

type Service struct {
	store      store.Store
	executor   executor.Executor
	dispatcher *Dispatcher
	now        func() time.Time
}

func New(st store.Store, exec executor.Executor, dispatcher *Dispatcher) *Service {
	if dispatcher == nil {
		dispatcher = NewDispatcher(0)
	}
	return &Service{
		store:      st,
		executor:   exec,
		dispatcher: dispatcher,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Drain waits for in-flight background applies. Used on shutdown and in tests.
func (s *Service) Drain() { s.dispatcher.Wait() }

// CreateRequest is an inbound proposal from an analysis agent or an operator.
// Autonomous proposals enter the proposed->queued->applied track and are
// skipped outright on a failing cadence verdict; review proposals enter open
// and wait for a human.
type CreateRequest struct {
	SiteID        string
	ServiceID     string
	ChangeType    models.ChangeType
	Scope         models.ChangeScope
	RiskLevel     models.RiskLevel
	Confidence    float64
	Title         string
	Description   string
	Reason        string
	AffectedURLs  json.RawMessage
	Evidence      json.RawMessage
	MetricsBefore json.RawMessage
	Autonomous    bool
	DryRun        bool
}

func (r CreateRequest) validate() error {
	if r.SiteID == "" {
		return &ValidationError{Msg: "siteId required"}
	}
	if r.Title == "" {
		return &ValidationError{Msg: "title required"}
	}
	switch r.ChangeType {
	case models.ChangeTypeContent, models.ChangeTypeTechnical, models.ChangeTypePerformance, models.ChangeTypeConfig:
	default:
		return &ValidationError{Msg: fmt.Sprintf("unknown changeType %q", r.ChangeType)}
	}
	switch r.Scope {
	case models.ScopeSinglePage, models.ScopeTemplate, models.ScopeSitewide:
	default:
		return &ValidationError{Msg: fmt.Sprintf("unknown scope %q", r.Scope)}
	}
	switch r.RiskLevel {
	case models.RiskLow, models.RiskMedium, models.RiskHigh, models.RiskCritical:
	default:
		return &ValidationError{Msg: fmt.Sprintf("unknown riskLevel %q", r.RiskLevel)}
	}
	return nil
}

// CreateProposal evaluates the cadence policy, records the verdict on the new
// proposal, and for autonomous proposals forces skipped on a failing verdict.
// With DryRun set nothing is written and only the verdict is returned;
// evaluation is pure so the preview is free of side effects.
func (s *Service) CreateProposal(ctx context.Context, req CreateRequest) (models.Proposal, models.CadenceVerdict, error) {
	if err := req.validate(); err != nil {
		return models.Proposal{}, models.CadenceVerdict{}, err
	}

	verdict, err := s.evaluateCadence(ctx, cadence.Candidate{
		SiteID:     req.SiteID,
		ChangeType: req.ChangeType,
		Scope:      req.Scope,
	})
	if err != nil {
		return models.Proposal{}, models.CadenceVerdict{}, err
	}
	if req.DryRun {
		return models.Proposal{}, verdict, nil
	}

	status := models.StatusOpen
	if req.Autonomous {
		status = models.StatusProposed
	}
	actor := req.ServiceID
	if actor == "" {
		actor = systemActor
	}

	proposal, err := s.store.CreateProposal(ctx, store.ProposalInput{
		SiteID:         req.SiteID,
		ServiceID:      req.ServiceID,
		ChangeType:     req.ChangeType,
		Scope:          req.Scope,
		RiskLevel:      req.RiskLevel,
		Confidence:     req.Confidence,
		Title:          req.Title,
		Description:    req.Description,
		Reason:         req.Reason,
		AffectedURLs:   req.AffectedURLs,
		Evidence:       req.Evidence,
		Status:         status,
		CadenceVerdict: verdict.Marshal(),
		MetricsBefore:  req.MetricsBefore,
	})
	if err != nil {
		return models.Proposal{}, verdict, err
	}
	s.appendAction(ctx, proposal.ID, models.ActionCreated, actor, "", verdict.Marshal())

	if req.Autonomous && !verdict.Pass {
		now := s.now()
		proposal, err = s.store.UpdateProposalStatus(ctx, store.StatusUpdate{
			ID:         proposal.ID,
			From:       []models.ProposalStatus{models.StatusProposed},
			To:         models.StatusSkipped,
			SkipReason: verdict.Reason,
			ResolvedAt: &now,
		})
		if err != nil {
			return models.Proposal{}, verdict, err
		}
		s.appendAction(ctx, proposal.ID, models.ActionSkipped, systemActor, verdict.Reason, nil)
	}

	return proposal, verdict, nil
}

// EvaluateCadence is the dry-run entry point: it consults settings and recent
// history without mutating anything.
func (s *Service) EvaluateCadence(ctx context.Context, candidate cadence.Candidate) (models.CadenceVerdict, error) {
	return s.evaluateCadence(ctx, candidate)
}

func (s *Service) evaluateCadence(ctx context.Context, candidate cadence.Candidate) (models.CadenceVerdict, error) {
	settings, err := s.store.GetCadenceSettings(ctx, candidate.SiteID)
	if err != nil {
		return models.CadenceVerdict{}, fmt.Errorf("load cadence settings: %w", err)
	}
	now := s.now()
	lookback := maxCooldownDays(settings)
	history, err := s.store.ListRecentProposals(ctx, candidate.SiteID, now.AddDate(0, 0, -lookback))
	if err != nil {
		return models.CadenceVerdict{}, fmt.Errorf("load proposal history: %w", err)
	}
	windows, err := s.store.ListDeployWindows(ctx, candidate.SiteID, now.AddDate(0, 0, -7))
	if err != nil {
		return models.CadenceVerdict{}, fmt.Errorf("load deploy windows: %w", err)
	}
	return cadence.Evaluate(settings, history, windows, candidate, now), nil
}

func maxCooldownDays(settings models.CadenceSettings) int {
	max := 21
	for _, days := range settings.CooldownDays {
		if days > max {
			max = days
		}
	}
	return max
}

// AcceptRequest carries the accept options of the review workflow. Override
// deliberately bypasses a failing cadence verdict on apply-now.
type AcceptRequest struct {
	Actor        string
	ApplyNow     bool
	Confirmation Confirmation
	Override     bool
}

// Accept moves an open/in_review proposal to accepted, gated on risk. With
// ApplyNow it then moves synchronously to applying and dispatches the
// executor in the background.
func (s *Service) Accept(ctx context.Context, id uuid.UUID, req AcceptRequest) (models.Proposal, error) {
	proposal, err := s.store.GetProposal(ctx, id)
	if err != nil {
		return models.Proposal{}, err
	}
	// Status first: prompting for confirmation on an action that can never
	// succeed would be misleading.
	if proposal.Status != models.StatusOpen && proposal.Status != models.StatusInReview {
		return models.Proposal{}, &InvalidStateError{Action: "accept", Current: proposal.Status}
	}
	if err := s.checkRiskGate(proposal, "accept"); err != nil && !req.Confirmation.Understood {
		return models.Proposal{}, err
	}
	if req.ApplyNow && !req.Override {
		if err := s.checkCadenceForApply(ctx, proposal); err != nil {
			return models.Proposal{}, err
		}
	}

	proposal, err = s.store.UpdateProposalStatus(ctx, store.StatusUpdate{
		ID:   id,
		From: store.ReviewStatuses,
		To:   models.StatusAccepted,
	})
	if err != nil {
		return models.Proposal{}, s.transitionError("accept", err)
	}
	s.appendAction(ctx, id, models.ActionAccepted, req.Actor, "", actionMeta(map[string]interface{}{"applyNow": req.ApplyNow}))

	if !req.ApplyNow {
		return proposal, nil
	}
	return s.startApply(ctx, proposal, req.Actor)
}

// ApplyRequest carries the standalone apply options.
type ApplyRequest struct {
	Actor        string
	Confirmation Confirmation
	Override     bool
}

// Apply starts execution of an accepted proposal. apply_failed is also a legal
// source so failed applies can be retried deliberately.
func (s *Service) Apply(ctx context.Context, id uuid.UUID, req ApplyRequest) (models.Proposal, error) {
	proposal, err := s.store.GetProposal(ctx, id)
	if err != nil {
		return models.Proposal{}, err
	}
	if proposal.Status != models.StatusAccepted && proposal.Status != models.StatusApplyFailed {
		return models.Proposal{}, &InvalidStateError{Action: "apply", Current: proposal.Status}
	}
	if err := s.checkRiskGate(proposal, "apply"); err != nil && !req.Confirmation.Understood {
		return models.Proposal{}, err
	}
	if !req.Override {
		if err := s.checkCadenceForApply(ctx, proposal); err != nil {
			return models.Proposal{}, err
		}
	}
	return s.startApply(ctx, proposal, req.Actor)
}

// checkCadenceForApply re-consults the policy engine right before execution.
// A failing verdict surfaces as CadenceBlocked with the full verdict attached
// so callers can wait or override explicitly.
func (s *Service) checkCadenceForApply(ctx context.Context, proposal models.Proposal) error {
	verdict, err := s.evaluateCadence(ctx, cadence.Candidate{
		SiteID:     proposal.SiteID,
		ChangeType: proposal.ChangeType,
		Scope:      proposal.Scope,
	})
	if err != nil {
		return err
	}
	if !verdict.Pass {
		return &CadenceBlockedError{Verdict: verdict}
	}
	return nil
}

// startApply flips the proposal to applying with a conditional write and
// dispatches the executor. The caller is never blocked on executor latency.
func (s *Service) startApply(ctx context.Context, proposal models.Proposal, actor string) (models.Proposal, error) {
	updated, err := s.store.UpdateProposalStatus(ctx, store.StatusUpdate{
		ID:   proposal.ID,
		From: []models.ProposalStatus{models.StatusAccepted, models.StatusApplyFailed},
		To:   models.StatusApplying,
	})
	if err != nil {
		return models.Proposal{}, s.transitionError("apply", err)
	}
	s.appendAction(ctx, proposal.ID, models.ActionApplyStarted, actor, "", nil)

	s.dispatcher.Go("apply-"+proposal.ID.String(), func(taskCtx context.Context) {
		s.runApply(taskCtx, updated)
	})
	return updated, nil
}

// runApply is the background half of apply. The proposal always reaches an
// explicit terminal-or-retryable state; it is never left in applying. The
// terminal write uses its own context so a timed-out execution can still be
// recorded.
func (s *Service) runApply(execCtx context.Context, proposal models.Proposal) {
	result, err := s.executor.Execute(execCtx, proposal)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err == nil && result.Success {
		now := s.now()
		if _, updErr := s.store.UpdateProposalStatus(ctx, store.StatusUpdate{
			ID:           proposal.ID,
			From:         []models.ProposalStatus{models.StatusApplying},
			To:           models.StatusApplied,
			MetricsAfter: result.MetricsAfter,
			AppliedAt:    &now,
			ResolvedAt:   &now,
		}); updErr != nil {
			log.Printf("[governance] mark applied %s: %v", proposal.ID, updErr)
			return
		}
		s.appendAction(ctx, proposal.ID, models.ActionApplied, systemActor, result.Detail, nil)
		return
	}

	reason := result.Detail
	if err != nil {
		reason = err.Error()
	}
	if _, updErr := s.store.UpdateProposalStatus(ctx, store.StatusUpdate{
		ID:   proposal.ID,
		From: []models.ProposalStatus{models.StatusApplying},
		To:   models.StatusApplyFailed,
	}); updErr != nil {
		log.Printf("[governance] mark apply failed %s: %v", proposal.ID, updErr)
		return
	}
	s.appendAction(ctx, proposal.ID, models.ActionApplyFailed, systemActor, reason, nil)
}

// Reject is allowed from open, in_review or accepted.
func (s *Service) Reject(ctx context.Context, id uuid.UUID, actor, reason string) (models.Proposal, error) {
	now := s.now()
	proposal, err := s.store.UpdateProposalStatus(ctx, store.StatusUpdate{
		ID:           id,
		From:         []models.ProposalStatus{models.StatusOpen, models.StatusInReview, models.StatusAccepted},
		To:           models.StatusRejected,
		RejectReason: reason,
		ResolvedAt:   &now,
	})
	if err != nil {
		return models.Proposal{}, s.transitionError("reject", err)
	}
	s.appendAction(ctx, id, models.ActionRejected, actor, reason, nil)
	return proposal, nil
}

// Snooze parks an open/in_review proposal until a future timestamp. Snoozed
// proposals do not self-reactivate; that sweep belongs to an external
// scheduler.
func (s *Service) Snooze(ctx context.Context, id uuid.UUID, actor string, until time.Time) (models.Proposal, error) {
	if !until.After(s.now()) {
		return models.Proposal{}, &ValidationError{Msg: "snoozedUntil must be in the future"}
	}
	proposal, err := s.store.UpdateProposalStatus(ctx, store.StatusUpdate{
		ID:           id,
		From:         store.ReviewStatuses,
		To:           models.StatusSnoozed,
		SnoozedUntil: &until,
	})
	if err != nil {
		return models.Proposal{}, s.transitionError("snooze", err)
	}
	s.appendAction(ctx, id, models.ActionSnoozed, actor, "", actionMeta(map[string]interface{}{"snoozedUntil": until.UTC().Format(time.RFC3339)}))
	return proposal, nil
}

// Queue assigns a deploy window to an autonomous proposal. The scheduling
// collaborator calls this; the window assignment is mandatory.
func (s *Service) Queue(ctx context.Context, id uuid.UUID, windowID uuid.UUID, actor string) (models.Proposal, error) {
	if windowID == uuid.Nil {
		return models.Proposal{}, &ValidationError{Msg: "deployWindowId required"}
	}
	now := s.now()
	proposal, err := s.store.UpdateProposalStatus(ctx, store.StatusUpdate{
		ID:             id,
		From:           []models.ProposalStatus{models.StatusProposed},
		To:             models.StatusQueued,
		DeployWindowID: &windowID,
		QueuedAt:       &now,
	})
	if err != nil {
		return models.Proposal{}, s.transitionError("queue", err)
	}
	s.appendAction(ctx, id, models.ActionQueued, actor, "", actionMeta(map[string]interface{}{"deployWindowId": windowID.String()}))
	return proposal, nil
}

// ReportApplied records the outcome of a queued proposal executed inside a
// deploy window, including the after-execution metrics snapshot.
func (s *Service) ReportApplied(ctx context.Context, id uuid.UUID, actor string, metricsAfter json.RawMessage, detail string) (models.Proposal, error) {
	now := s.now()
	proposal, err := s.store.UpdateProposalStatus(ctx, store.StatusUpdate{
		ID:           id,
		From:         []models.ProposalStatus{models.StatusQueued},
		To:           models.StatusApplied,
		MetricsAfter: metricsAfter,
		AppliedAt:    &now,
		ResolvedAt:   &now,
	})
	if err != nil {
		return models.Proposal{}, s.transitionError("report applied", err)
	}
	s.appendAction(ctx, id, models.ActionApplied, actor, detail, nil)
	return proposal, nil
}

// Rollback is a terminal manual reversal of a queued or applied proposal and
// requires a reason.
func (s *Service) Rollback(ctx context.Context, id uuid.UUID, actor, reason string) (models.Proposal, error) {
	if reason == "" {
		return models.Proposal{}, &ValidationError{Msg: "rollback reason required"}
	}
	now := s.now()
	proposal, err := s.store.UpdateProposalStatus(ctx, store.StatusUpdate{
		ID:         id,
		From:       []models.ProposalStatus{models.StatusQueued, models.StatusApplied},
		To:         models.StatusRolledBack,
		ResolvedAt: &now,
	})
	if err != nil {
		return models.Proposal{}, s.transitionError("rollback", err)
	}
	s.appendAction(ctx, id, models.ActionRolledBack, actor, reason, nil)
	return proposal, nil
}

// checkRiskGate returns the confirmation-required validation error for
// high/critical risk, nil otherwise.
func (s *Service) checkRiskGate(proposal models.Proposal, action string) error {
	if RequiresConfirmation(proposal.RiskLevel) {
		return &ValidationError{
			Msg:                  fmt.Sprintf("%s of a %s-risk proposal requires explicit confirmation", action, proposal.RiskLevel),
			RequiresConfirmation: true,
		}
	}
	return nil
}

func (s *Service) transitionError(action string, err error) error {
	var conflict *store.StatusConflictError
	if errors.As(err, &conflict) {
		return &InvalidStateError{Action: action, Current: conflict.Current}
	}
	if errors.Is(err, store.ErrStatusConflict) {
		return &InvalidStateError{Action: action}
	}
	return err
}

// appendAction records one audit entry for a successful transition. Failures
// here are logged, never silently dropped, and never abort the transition that
// already happened.
func (s *Service) appendAction(ctx context.Context, proposalID uuid.UUID, kind models.ActionKind, actor, reason string, metadata json.RawMessage) {
	if actor == "" {
		actor = systemActor
	}
	if _, err := s.store.AppendAction(ctx, store.ActionInput{
		ProposalID: proposalID,
		Kind:       kind,
		Actor:      actor,
		Reason:     reason,
		Metadata:   metadata,
	}); err != nil {
		log.Printf("[governance] append action %s for %s: %v", kind, proposalID, err)
	}
}

func actionMeta(m map[string]interface{}) json.RawMessage {
	b, _ := json.Marshal(m)
	return b
}

// GetProposal returns a proposal with its full action history.
func (s *Service) GetProposal(ctx context.Context, id uuid.UUID) (models.Proposal, []models.ProposalAction, error) {
	proposal, err := s.store.GetProposal(ctx, id)
	if err != nil {
		return models.Proposal{}, nil, err
	}
	actions, err := s.store.ListActions(ctx, id)
	if err != nil {
		return models.Proposal{}, nil, err
	}
	return proposal, actions, nil
}

// ListProposals returns proposals matching the filter plus the total and the
// open-count used for UI badges.
func (s *Service) ListProposals(ctx context.Context, filter store.ListProposalsFilter) ([]models.Proposal, int, int, error) {
	proposals, total, err := s.store.ListProposals(ctx, filter)
	if err != nil {
		return nil, 0, 0, err
	}
	openCount, err := s.store.CountOpenProposals(ctx, filter.SiteID)
	if err != nil {
		return nil, 0, 0, err
	}
	return proposals, total, openCount, nil
}

func (s *Service) OpenProposalCount(ctx context.Context, siteID string) (int, error) {
	return s.store.CountOpenProposals(ctx, siteID)
}

func (s *Service) GetCadenceSettings(ctx context.Context, siteID string) (models.CadenceSettings, error) {
	return s.store.GetCadenceSettings(ctx, siteID)
}

func (s *Service) UpdateCadenceSettings(ctx context.Context, in store.SettingsUpdate) (models.CadenceSettings, error) {
	if in.MaxDeploysPerWeek != nil && *in.MaxDeploysPerWeek < 0 {
		return models.CadenceSettings{}, &ValidationError{Msg: "maxDeploysPerWeek must be >= 0"}
	}
	for key, days := range in.CooldownDays {
		if days < 0 {
			return models.CadenceSettings{}, &ValidationError{Msg: fmt.Sprintf("cooldown %q must be >= 0 days", key)}
		}
	}
	return s.store.UpdateCadenceSettings(ctx, in)
}

// SetStabilization toggles the site-wide freeze. durationDays <= 0 disables it.
func (s *Service) SetStabilization(ctx context.Context, siteID string, durationDays int, reason string) (models.CadenceSettings, error) {
	if durationDays <= 0 {
		return s.store.SetStabilization(ctx, siteID, nil, "")
	}
	until := s.now().AddDate(0, 0, durationDays)
	return s.store.SetStabilization(ctx, siteID, &until, reason)
}
