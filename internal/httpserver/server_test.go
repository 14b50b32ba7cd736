package httpserver

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sitegov/governor/internal/executor"
	"github.com/sitegov/governor/internal/governance"
	"github.com/sitegov/governor/internal/store"
)

func newTestServer(t *testing.T) (*httptest.Server, *governance.Service) {
	t.Helper()
	st := store.NewMemoryStore()
	exec := &executor.Static{Result: executor.Result{Success: true, Detail: "ok"}}
	svc := governance.New(st, exec, nil)
	srv := httptest.NewServer(New(svc, st).Router())
	t.Cleanup(srv.Close)
	return srv, svc
}

func doJSON(t *testing.T, method, url string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	var payload map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp, payload
}

func createBody(riskLevel string) map[string]interface{} {
	return map[string]interface{}{
		"siteId":     "site-1",
		"serviceId":  "svc-analysis",
		"changeType": "content",
		"scope":      "single_page",
		"riskLevel":  riskLevel,
		"confidence": 0.8,
		"title":      "rewrite hero copy",
	}
}

func createProposal(t *testing.T, srv *httptest.Server, riskLevel string) string {
	t.Helper()
	resp, payload := doJSON(t, http.MethodPost, srv.URL+"/governor/proposals", createBody(riskLevel))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d (%v)", resp.StatusCode, payload)
	}
	proposal := payload["proposal"].(map[string]interface{})
	return proposal["id"].(string)
}

func TestCreateAndGetProposal(t *testing.T) {
	srv, _ := newTestServer(t)
	id := createProposal(t, srv, "low")

	resp, payload := doJSON(t, http.MethodGet, srv.URL+"/governor/proposals/"+id, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	proposal := payload["proposal"].(map[string]interface{})
	if proposal["status"] != "open" {
		t.Fatalf("expected open, got %v", proposal["status"])
	}
	actions := payload["actions"].([]interface{})
	if len(actions) != 1 {
		t.Fatalf("expected one created action, got %d", len(actions))
	}
}

func TestCreateDryRunReturnsVerdictOnly(t *testing.T) {
	srv, _ := newTestServer(t)
	body := createBody("low")
	body["dryRun"] = true

	resp, payload := doJSON(t, http.MethodPost, srv.URL+"/governor/proposals", body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for dry run, got %d", resp.StatusCode)
	}
	verdict := payload["verdict"].(map[string]interface{})
	if verdict["pass"] != true {
		t.Fatalf("expected passing verdict, got %v", verdict)
	}
	if _, ok := payload["proposal"]; ok {
		t.Fatalf("dry run must not return a proposal")
	}

	resp, list := doJSON(t, http.MethodGet, srv.URL+"/governor/proposals", nil)
	if resp.StatusCode != http.StatusOK || list["total"].(float64) != 0 {
		t.Fatalf("dry run must not persist anything: %v", list)
	}
}

func TestCreateValidationError(t *testing.T) {
	srv, _ := newTestServer(t)
	body := createBody("low")
	body["changeType"] = "weird"

	resp, payload := doJSON(t, http.MethodPost, srv.URL+"/governor/proposals", body)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d (%v)", resp.StatusCode, payload)
	}
}

func TestGetUnknownProposal(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, _ := doJSON(t, http.MethodGet, srv.URL+"/governor/proposals/6c1a4f3e-14c5-4f5e-9282-b16f0e9e2c77", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/governor/proposals/not-a-uuid", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed id, got %d", resp.StatusCode)
	}
}

func TestAcceptHighRiskRequiresConfirmation(t *testing.T) {
	srv, _ := newTestServer(t)
	id := createProposal(t, srv, "high")

	resp, payload := doJSON(t, http.MethodPost, srv.URL+"/governor/proposals/"+id+"/accept", map[string]interface{}{
		"actor": "user:alex",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	if payload["requiresConfirmation"] != true {
		t.Fatalf("expected requiresConfirmation=true, got %v", payload)
	}

	resp, payload = doJSON(t, http.MethodPost, srv.URL+"/governor/proposals/"+id+"/accept", map[string]interface{}{
		"actor":        "user:alex",
		"confirmation": map[string]bool{"understood": true},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with confirmation, got %d (%v)", resp.StatusCode, payload)
	}
	proposal := payload["proposal"].(map[string]interface{})
	if proposal["status"] != "accepted" {
		t.Fatalf("expected accepted, got %v", proposal["status"])
	}
}

func TestAcceptApplyNowBlockedByStabilization(t *testing.T) {
	srv, _ := newTestServer(t)
	id := createProposal(t, srv, "low")

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/governor/sites/site-1/stabilization", map[string]interface{}{
		"enabled":      true,
		"durationDays": 3,
		"reason":       "incident follow-up",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("enable stabilization: %d", resp.StatusCode)
	}

	resp, payload := doJSON(t, http.MethodPost, srv.URL+"/governor/proposals/"+id+"/accept", map[string]interface{}{
		"actor":    "user:alex",
		"applyNow": true,
	})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d (%v)", resp.StatusCode, payload)
	}
	verdict := payload["verdict"].(map[string]interface{})
	if verdict["inStabilizationMode"] != true {
		t.Fatalf("expected stabilization verdict, got %v", verdict)
	}
}

func TestRejectConflict(t *testing.T) {
	srv, _ := newTestServer(t)
	id := createProposal(t, srv, "low")

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/governor/proposals/"+id+"/reject", map[string]string{
		"actor":  "user:alex",
		"reason": "not now",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first reject: %d", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/governor/proposals/"+id+"/reject", map[string]string{
		"actor":  "user:alex",
		"reason": "again",
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 on double reject, got %d", resp.StatusCode)
	}
}

func TestApplyAcceptedProposal(t *testing.T) {
	srv, svc := newTestServer(t)
	id := createProposal(t, srv, "low")

	if resp, _ := doJSON(t, http.MethodPost, srv.URL+"/governor/proposals/"+id+"/accept", map[string]string{"actor": "user:alex"}); resp.StatusCode != http.StatusOK {
		t.Fatalf("accept: %d", resp.StatusCode)
	}

	resp, payload := doJSON(t, http.MethodPost, srv.URL+"/governor/proposals/"+id+"/apply", map[string]string{"actor": "user:alex"})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d (%v)", resp.StatusCode, payload)
	}
	svc.Drain()

	_, payload = doJSON(t, http.MethodGet, srv.URL+"/governor/proposals/"+id, nil)
	proposal := payload["proposal"].(map[string]interface{})
	if proposal["status"] != "applied" {
		t.Fatalf("expected applied after drain, got %v", proposal["status"])
	}
}

func TestBulkAccept(t *testing.T) {
	srv, _ := newTestServer(t)
	ids := []string{
		createProposal(t, srv, "low"),
		createProposal(t, srv, "medium"),
		createProposal(t, srv, "high"),
	}

	resp, payload := doJSON(t, http.MethodPost, srv.URL+"/governor/proposals/bulk", map[string]interface{}{
		"ids":    ids,
		"action": "accept",
		"actor":  "user:alex",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("bulk: %d (%v)", resp.StatusCode, payload)
	}
	if payload["successCount"].(float64) != 2 || payload["failCount"].(float64) != 1 {
		t.Fatalf("expected 2/1, got %v", payload)
	}
}

func TestListFiltersAndOpenCount(t *testing.T) {
	srv, _ := newTestServer(t)
	createProposal(t, srv, "low")
	createProposal(t, srv, "low")
	id := createProposal(t, srv, "low")
	if resp, _ := doJSON(t, http.MethodPost, srv.URL+"/governor/proposals/"+id+"/reject", map[string]string{"actor": "user:alex", "reason": "dup"}); resp.StatusCode != http.StatusOK {
		t.Fatalf("reject: %d", resp.StatusCode)
	}

	resp, payload := doJSON(t, http.MethodGet, srv.URL+"/governor/proposals?site=site-1&status=open", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list: %d", resp.StatusCode)
	}
	if payload["total"].(float64) != 2 || payload["openCount"].(float64) != 2 {
		t.Fatalf("expected total=2 openCount=2, got %v", payload)
	}

	resp, count := doJSON(t, http.MethodGet, srv.URL+"/governor/proposals/open-count?site=site-1", nil)
	if resp.StatusCode != http.StatusOK || count["openCount"].(float64) != 2 {
		t.Fatalf("expected openCount=2, got %v", count)
	}
}

func TestCadenceSettingsRoundTrip(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, settings := doJSON(t, http.MethodGet, srv.URL+"/governor/sites/site-1/cadence", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get settings: %d", resp.StatusCode)
	}
	if settings["maxDeploysPerWeek"].(float64) != 2 {
		t.Fatalf("expected default cap 2, got %v", settings["maxDeploysPerWeek"])
	}

	resp, updated := doJSON(t, http.MethodPut, srv.URL+"/governor/sites/site-1/cadence", map[string]interface{}{
		"maxDeploysPerWeek": 4,
		"cooldownDays":      map[string]int{"content": 3},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update settings: %d (%v)", resp.StatusCode, updated)
	}
	if updated["maxDeploysPerWeek"].(float64) != 4 {
		t.Fatalf("expected cap 4, got %v", updated)
	}
	cooldowns := updated["cooldownDays"].(map[string]interface{})
	if cooldowns["content"].(float64) != 3 || cooldowns["template"].(float64) != 21 {
		t.Fatalf("unexpected cooldowns: %v", cooldowns)
	}

	resp, bad := doJSON(t, http.MethodPut, srv.URL+"/governor/sites/site-1/cadence", map[string]interface{}{
		"maxDeploysPerWeek": -1,
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for negative cap, got %d (%v)", resp.StatusCode, bad)
	}
}

func TestStabilizationToggle(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, settings := doJSON(t, http.MethodPost, srv.URL+"/governor/sites/site-1/stabilization", map[string]interface{}{
		"enabled":      true,
		"durationDays": 5,
		"reason":       "core web vitals regression",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("enable: %d", resp.StatusCode)
	}
	if settings["stabilizationUntil"] == nil {
		t.Fatalf("expected stabilizationUntil set, got %v", settings)
	}

	resp, settings = doJSON(t, http.MethodPost, srv.URL+"/governor/sites/site-1/stabilization", map[string]interface{}{
		"enabled": false,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("disable: %d", resp.StatusCode)
	}
	if _, ok := settings["stabilizationUntil"]; ok {
		t.Fatalf("expected stabilizationUntil cleared, got %v", settings)
	}

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/governor/sites/site-1/stabilization", map[string]interface{}{
		"enabled": true,
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 when enabling without duration, got %d", resp.StatusCode)
	}
}

func TestHealthAndReady(t *testing.T) {
	srv, _ := newTestServer(t)
	for _, path := range []string{"/health", "/ready"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("get %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, resp.StatusCode)
		}
	}
}
