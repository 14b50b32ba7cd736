package governance

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/sitegov/governor/internal/models"
	"github.com/sitegov/governor/internal/store"
)

// BulkAction is one of accept, reject or snooze applied to many proposals.
type BulkAction string

const (
	BulkAccept BulkAction = "accept"
	BulkReject BulkAction = "reject"
	BulkSnooze BulkAction = "snooze"
)

const defaultSnoozeDays = 7

type BulkRequest struct {
	IDs      []uuid.UUID
	Action   BulkAction
	Actor    string
	ApplyNow bool
	Reason   string
	Until    *time.Time
}

type BulkItemResult struct {
	ID      uuid.UUID `json:"id"`
	Success bool      `json:"success"`
	Error   string    `json:"error,omitempty"`
}

type BulkResult struct {
	Results      []BulkItemResult `json:"results"`
	SuccessCount int              `json:"successCount"`
	FailCount    int              `json:"failCount"`
}

// ProcessBulk applies one action per id, independently and best-effort. A
// failing id never aborts or rolls back the others; high/critical-risk
// proposals are excluded from bulk accept and always require individual
// review.
func (s *Service) ProcessBulk(ctx context.Context, req BulkRequest) (BulkResult, error) {
	switch req.Action {
	case BulkAccept, BulkReject, BulkSnooze:
	default:
		return BulkResult{}, &ValidationError{Msg: "action must be accept, reject or snooze"}
	}
	if len(req.IDs) == 0 {
		return BulkResult{}, &ValidationError{Msg: "ids required"}
	}

	result := BulkResult{Results: make([]BulkItemResult, 0, len(req.IDs))}
	for _, id := range req.IDs {
		if err := s.processBulkItem(ctx, id, req); err != nil {
			result.Results = append(result.Results, BulkItemResult{ID: id, Error: err.Error()})
			result.FailCount++
			continue
		}
		result.Results = append(result.Results, BulkItemResult{ID: id, Success: true})
		result.SuccessCount++
	}
	return result, nil
}

func (s *Service) processBulkItem(ctx context.Context, id uuid.UUID, req BulkRequest) error {
	proposal, err := s.store.GetProposal(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errors.New("proposal not found")
		}
		return err
	}
	if proposal.Status != models.StatusOpen && proposal.Status != models.StatusInReview {
		return &InvalidStateError{Action: string(req.Action), Current: proposal.Status}
	}

	switch req.Action {
	case BulkAccept:
		if RequiresConfirmation(proposal.RiskLevel) {
			return errors.New("requires individual approval")
		}
		_, err = s.Accept(ctx, id, AcceptRequest{Actor: req.Actor, ApplyNow: req.ApplyNow})
	case BulkReject:
		_, err = s.Reject(ctx, id, req.Actor, req.Reason)
	case BulkSnooze:
		until := s.now().AddDate(0, 0, defaultSnoozeDays)
		if req.Until != nil {
			until = *req.Until
		}
		_, err = s.Snooze(ctx, id, req.Actor, until)
	}
	return err
}
