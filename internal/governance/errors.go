package governance

import (
	"fmt"

	"github.com/sitegov/governor/internal/models"
)

// InvalidStateError reports an action that is not legal from the proposal's
// current status. No mutation has occurred.
type InvalidStateError struct {
	Action  string
	Current models.ProposalStatus
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s: proposal is %s", e.Action, e.Current)
}

// ValidationError reports malformed input. RequiresConfirmation is set when
// the only problem is a missing confirmation on a high/critical-risk action,
// so callers can prompt instead of showing a generic failure.
type ValidationError struct {
	Msg                  string
	RequiresConfirmation bool
}

func (e *ValidationError) Error() string { return e.Msg }

// CadenceBlockedError is a deliberate business outcome, not a system fault:
// the policy engine declined. The full verdict travels with it so callers can
// render "try again after X".
type CadenceBlockedError struct {
	Verdict models.CadenceVerdict
}

func (e *CadenceBlockedError) Error() string {
	if e.Verdict.Reason != "" {
		return "cadence blocked: " + e.Verdict.Reason
	}
	return "cadence blocked"
}
