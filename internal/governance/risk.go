package governance

import "github.com/sitegov/governor/internal/models"

// Confirmation is the explicit acknowledgement required before a high or
// critical-risk proposal may proceed to execution.
type Confirmation struct {
	Understood bool `json:"understood"`
}

// RequiresConfirmation is the risk gate predicate. Accept, accept-and-apply-now
// and apply all use it; bulk accept uses it inverted to exclude high/critical
// proposals from batch acceptance.
func RequiresConfirmation(risk models.RiskLevel) bool {
	return risk == models.RiskHigh || risk == models.RiskCritical
}
