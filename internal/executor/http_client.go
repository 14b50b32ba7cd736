package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/sitegov/governor/internal/models"
)

type HTTPClientConfig struct {
	BaseURL      string
	SubmitPath   string
	ReportPath   string // poll URL is ReportPath + "/" + runID
	Timeout      time.Duration
	PollInterval time.Duration
	HTTPClient   *http.Client
}

// HTTPClient talks to an apply worker over its submit/poll contract:
// POST submit -> {runId}, then GET report/{runId} until the run reaches a
// terminal state or the context deadline cuts it off.
type HTTPClient struct {
	baseURL      string
	submitPath   string
	reportPath   string
	client       *http.Client
	timeout      time.Duration
	pollInterval time.Duration
}

func NewHTTPClient(cfg HTTPClientConfig) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("executor base url required")
	}
	submitPath := cfg.SubmitPath
	if submitPath == "" {
		submitPath = "/runs"
	}
	reportPath := cfg.ReportPath
	if reportPath == "" {
		reportPath = "/runs"
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &HTTPClient{
		baseURL:      strings.TrimSuffix(cfg.BaseURL, "/"),
		submitPath:   submitPath,
		reportPath:   reportPath,
		client:       client,
		timeout:      timeout,
		pollInterval: pollInterval,
	}, nil
}

type submitResponse struct {
	RunID string `json:"runId"`
}

type reportResponse struct {
	Status       string          `json:"status"` // running | succeeded | failed
	Detail       string          `json:"detail,omitempty"`
	MetricsAfter json.RawMessage `json:"metricsAfter,omitempty"`
}

var errRunPending = fmt.Errorf("run still in progress")

func (c *HTTPClient) Execute(ctx context.Context, proposal models.Proposal) (Result, error) {
	runID, err := c.submit(ctx, proposal)
	if err != nil {
		return Result{}, err
	}

	// Poll with exponential backoff until the run is terminal. The caller's
	// context bounds the total wait.
	policy := backoff.WithContext(newPollPolicy(c.pollInterval), ctx)
	var report reportResponse
	operation := func() error {
		r, err := c.fetchReport(ctx, runID)
		if err != nil {
			return backoff.Permanent(err)
		}
		if r.Status != "succeeded" && r.Status != "failed" {
			return errRunPending
		}
		report = r
		return nil
	}
	if err := backoff.Retry(operation, policy); err != nil {
		return Result{}, fmt.Errorf("executor run %s: %w", runID, err)
	}

	return Result{
		Success:      report.Status == "succeeded",
		Detail:       report.Detail,
		MetricsAfter: report.MetricsAfter,
	}, nil
}

func newPollPolicy(initial time.Duration) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0 // bounded by the caller's context
	return b
}

func (c *HTTPClient) submit(ctx context.Context, proposal models.Proposal) (string, error) {
	body, err := json.Marshal(proposal)
	if err != nil {
		return "", fmt.Errorf("executor marshal proposal: %w", err)
	}
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+c.submitPath, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("executor build submit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("executor submit: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return "", fmt.Errorf("executor submit rejected: %s", resp.Status)
	}
	var submitted submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&submitted); err != nil {
		return "", fmt.Errorf("executor decode submit response: %w", err)
	}
	if submitted.RunID == "" {
		return "", fmt.Errorf("executor submit response missing runId")
	}
	return submitted.RunID, nil
}

func (c *HTTPClient) fetchReport(ctx context.Context, runID string) (reportResponse, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.baseURL+c.reportPath+"/"+runID, nil)
	if err != nil {
		return reportResponse{}, fmt.Errorf("executor build report request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return reportResponse{}, fmt.Errorf("executor fetch report: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return reportResponse{}, fmt.Errorf("executor report %s: %s", runID, resp.Status)
	}
	var report reportResponse
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return reportResponse{}, fmt.Errorf("executor decode report: %w", err)
	}
	return report, nil
}
