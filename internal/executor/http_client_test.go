package executor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/sitegov/governor/internal/models"
)

func testProposal() models.Proposal {
	return models.Proposal{
		ID:         uuid.New(),
		SiteID:     "site-1",
		ChangeType: models.ChangeTypeContent,
		Scope:      models.ScopeSinglePage,
		Status:     models.StatusApplying,
		Title:      "rewrite hero copy",
	}
}

func TestHTTPClientSubmitAndPoll(t *testing.T) {
	var polls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/runs":
			var p models.Proposal
			if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
				t.Errorf("decode submitted proposal: %v", err)
			}
			json.NewEncoder(w).Encode(map[string]string{"runId": "run-42"})
		case r.Method == http.MethodGet && r.URL.Path == "/runs/run-42":
			if atomic.AddInt32(&polls, 1) < 3 {
				json.NewEncoder(w).Encode(map[string]string{"status": "running"})
				return
			}
			json.NewEncoder(w).Encode(map[string]interface{}{
				"status":       "succeeded",
				"detail":       "deployed",
				"metricsAfter": map[string]int{"lcp_ms": 1700},
			})
		default:
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client, err := NewHTTPClient(HTTPClientConfig{BaseURL: srv.URL, PollInterval: time.Millisecond})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	result, err := client.Execute(context.Background(), testProposal())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !result.Success || result.Detail != "deployed" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if string(result.MetricsAfter) != `{"lcp_ms":1700}` {
		t.Fatalf("unexpected metricsAfter: %s", result.MetricsAfter)
	}
	if atomic.LoadInt32(&polls) < 3 {
		t.Fatalf("expected at least 3 polls, got %d", polls)
	}
}

func TestHTTPClientFailedRun(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			json.NewEncoder(w).Encode(map[string]string{"runId": "run-7"})
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "failed", "detail": "lint gate rejected change"})
	}))
	defer srv.Close()

	client, err := NewHTTPClient(HTTPClientConfig{BaseURL: srv.URL, PollInterval: time.Millisecond})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	result, err := client.Execute(context.Background(), testProposal())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Success {
		t.Fatalf("expected failed run")
	}
	if result.Detail != "lint gate rejected change" {
		t.Fatalf("unexpected detail: %q", result.Detail)
	}
}

func TestHTTPClientSubmitRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client, err := NewHTTPClient(HTTPClientConfig{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if _, err := client.Execute(context.Background(), testProposal()); err == nil {
		t.Fatalf("expected error on rejected submit")
	}
}

func TestHTTPClientContextBoundsPolling(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			json.NewEncoder(w).Encode(map[string]string{"runId": "run-9"})
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "running"})
	}))
	defer srv.Close()

	client, err := NewHTTPClient(HTTPClientConfig{BaseURL: srv.URL, PollInterval: time.Millisecond})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := client.Execute(ctx, testProposal()); err == nil {
		t.Fatalf("expected error when run never terminates")
	}
}
