// Package executor is the boundary to the worker that actually performs a site
// modification. The governance core only depends on the Executor interface and
// stays consistent regardless of the collaborator's latency or failure mode.
package executor

import (
	"context"
	"encoding/json"

	"github.com/sitegov/governor/internal/models"
)

// Result is the terminal outcome reported by the apply worker.
type Result struct {
	Success      bool            `json:"success"`
	Detail       string          `json:"detail,omitempty"`
	MetricsAfter json.RawMessage `json:"metricsAfter,omitempty"`
}

type Executor interface {
	Execute(ctx context.Context, proposal models.Proposal) (Result, error)
}

// Static is a canned executor for dev mode and tests.
type Static struct {
	Result Result
	Err    error
}

func (s Static) Execute(ctx context.Context, proposal models.Proposal) (Result, error) {
	if s.Err != nil {
		return Result{}, s.Err
	}
	return s.Result, nil
}
