package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/sitegov/governor/internal/governance"
	"github.com/sitegov/governor/internal/models"
	"github.com/sitegov/governor/internal/store"
)

type Server struct {
	service *governance.Service
	store   store.Store
}

func New(svc *governance.Service, st store.Store) *Server {
	return &Server{service: svc, store: st}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)

	r.Route("/governor", func(r chi.Router) {
		r.Route("/proposals", func(r chi.Router) {
			r.Get("/", s.handleList)
			r.Post("/", s.handleCreate)
			r.Get("/open-count", s.handleOpenCount)
			r.Post("/bulk", s.handleBulk)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGet)
				r.Post("/accept", s.handleAccept)
				r.Post("/reject", s.handleReject)
				r.Post("/snooze", s.handleSnooze)
				r.Post("/apply", s.handleApply)
				r.Post("/queue", s.handleQueue)
				r.Post("/applied", s.handleReportApplied)
				r.Post("/rollback", s.handleRollback)
			})
		})
		r.Route("/sites/{site}", func(r chi.Router) {
			r.Get("/cadence", s.handleGetCadence)
			r.Put("/cadence", s.handleUpdateCadence)
			r.Post("/stabilization", s.handleStabilization)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "time": time.Now().UTC()})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "store not ready"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type createRequest struct {
	SiteID        string          `json:"siteId"`
	ServiceID     string          `json:"serviceId"`
	ChangeType    string          `json:"changeType"`
	Scope         string          `json:"scope"`
	RiskLevel     string          `json:"riskLevel"`
	Confidence    float64         `json:"confidence"`
	Title         string          `json:"title"`
	Description   string          `json:"description"`
	Reason        string          `json:"reason"`
	AffectedURLs  json.RawMessage `json:"affectedUrls"`
	Evidence      json.RawMessage `json:"evidence"`
	MetricsBefore json.RawMessage `json:"metricsBefore"`
	Autonomous    bool            `json:"autonomous"`
	DryRun        bool            `json:"dryRun"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	proposal, verdict, err := s.service.CreateProposal(r.Context(), governance.CreateRequest{
		SiteID:        req.SiteID,
		ServiceID:     req.ServiceID,
		ChangeType:    models.ChangeType(req.ChangeType),
		Scope:         models.ChangeScope(req.Scope),
		RiskLevel:     models.RiskLevel(req.RiskLevel),
		Confidence:    req.Confidence,
		Title:         req.Title,
		Description:   req.Description,
		Reason:        req.Reason,
		AffectedURLs:  req.AffectedURLs,
		Evidence:      req.Evidence,
		MetricsBefore: req.MetricsBefore,
		Autonomous:    req.Autonomous,
		DryRun:        req.DryRun,
	})
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if req.DryRun {
		respondJSON(w, http.StatusOK, map[string]interface{}{"verdict": verdict})
		return
	}
	respondJSON(w, http.StatusCreated, map[string]interface{}{"proposal": proposal, "verdict": verdict})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.ListProposalsFilter{
		SiteID:     q.Get("site"),
		ServiceID:  q.Get("service"),
		Status:     models.ProposalStatus(q.Get("status")),
		RiskLevel:  models.RiskLevel(q.Get("risk")),
		ChangeType: models.ChangeType(q.Get("type")),
	}
	if v := q.Get("limit"); v != "" {
		filter.Limit, _ = strconv.Atoi(v)
	}
	if v := q.Get("offset"); v != "" {
		filter.Offset, _ = strconv.Atoi(v)
	}
	proposals, total, openCount, err := s.service.ListProposals(r.Context(), filter)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if proposals == nil {
		proposals = []models.Proposal{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"items":     proposals,
		"total":     total,
		"openCount": openCount,
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	proposal, actions, err := s.service.GetProposal(r.Context(), id)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if actions == nil {
		actions = []models.ProposalAction{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"proposal": proposal, "actions": actions})
}

func (s *Server) handleOpenCount(w http.ResponseWriter, r *http.Request) {
	count, err := s.service.OpenProposalCount(r.Context(), r.URL.Query().Get("site"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"openCount": count})
}

type acceptRequest struct {
	Actor        string                  `json:"actor"`
	ApplyNow     bool                    `json:"applyNow"`
	Confirmation governance.Confirmation `json:"confirmation"`
	Override     bool                    `json:"override"`
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	var req acceptRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	proposal, err := s.service.Accept(r.Context(), id, governance.AcceptRequest{
		Actor:        req.Actor,
		ApplyNow:     req.ApplyNow,
		Confirmation: req.Confirmation,
		Override:     req.Override,
	})
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"proposal": proposal})
}

type rejectRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	var req rejectRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	proposal, err := s.service.Reject(r.Context(), id, req.Actor, req.Reason)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"proposal": proposal})
}

type snoozeRequest struct {
	Actor string    `json:"actor"`
	Until time.Time `json:"until"`
}

func (s *Server) handleSnooze(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	var req snoozeRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Until.IsZero() {
		respondError(w, http.StatusBadRequest, "until required")
		return
	}
	proposal, err := s.service.Snooze(r.Context(), id, req.Actor, req.Until)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"proposal": proposal})
}

type applyRequest struct {
	Actor        string                  `json:"actor"`
	Confirmation governance.Confirmation `json:"confirmation"`
	Override     bool                    `json:"override"`
}

func (s *Server) handleApply(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	var req applyRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	proposal, err := s.service.Apply(r.Context(), id, governance.ApplyRequest{
		Actor:        req.Actor,
		Confirmation: req.Confirmation,
		Override:     req.Override,
	})
	if err != nil {
		respondServiceError(w, err)
		return
	}
	// 202: execution continues in the background.
	respondJSON(w, http.StatusAccepted, map[string]interface{}{"proposal": proposal})
}

type queueRequest struct {
	Actor          string `json:"actor"`
	DeployWindowID string `json:"deployWindowId"`
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	var req queueRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	windowID, err := uuid.Parse(req.DeployWindowID)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid deployWindowId")
		return
	}
	proposal, err := s.service.Queue(r.Context(), id, windowID, req.Actor)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"proposal": proposal})
}

type reportAppliedRequest struct {
	Actor        string          `json:"actor"`
	Detail       string          `json:"detail"`
	MetricsAfter json.RawMessage `json:"metricsAfter"`
}

func (s *Server) handleReportApplied(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	var req reportAppliedRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	proposal, err := s.service.ReportApplied(r.Context(), id, req.Actor, req.MetricsAfter, req.Detail)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"proposal": proposal})
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	var req rejectRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	proposal, err := s.service.Rollback(r.Context(), id, req.Actor, req.Reason)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"proposal": proposal})
}

type bulkRequest struct {
	IDs      []string   `json:"ids"`
	Action   string     `json:"action"`
	Actor    string     `json:"actor"`
	ApplyNow bool       `json:"applyNow"`
	Reason   string     `json:"reason"`
	Until    *time.Time `json:"until"`
}

func (s *Server) handleBulk(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	ids := make([]uuid.UUID, 0, len(req.IDs))
	for _, raw := range req.IDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid proposal id: "+raw)
			return
		}
		ids = append(ids, id)
	}
	result, err := s.service.ProcessBulk(r.Context(), governance.BulkRequest{
		IDs:      ids,
		Action:   governance.BulkAction(req.Action),
		Actor:    req.Actor,
		ApplyNow: req.ApplyNow,
		Reason:   req.Reason,
		Until:    req.Until,
	})
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleGetCadence(w http.ResponseWriter, r *http.Request) {
	settings, err := s.service.GetCadenceSettings(r.Context(), chi.URLParam(r, "site"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, settings)
}

type updateCadenceRequest struct {
	MaxDeploysPerWeek *int           `json:"maxDeploysPerWeek"`
	CooldownDays      map[string]int `json:"cooldownDays"`
}

func (s *Server) handleUpdateCadence(w http.ResponseWriter, r *http.Request) {
	var req updateCadenceRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	settings, err := s.service.UpdateCadenceSettings(r.Context(), store.SettingsUpdate{
		SiteID:            chi.URLParam(r, "site"),
		MaxDeploysPerWeek: req.MaxDeploysPerWeek,
		CooldownDays:      req.CooldownDays,
	})
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, settings)
}

type stabilizationRequest struct {
	Enabled      bool   `json:"enabled"`
	DurationDays int    `json:"durationDays"`
	Reason       string `json:"reason"`
}

func (s *Server) handleStabilization(w http.ResponseWriter, r *http.Request) {
	var req stabilizationRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	days := req.DurationDays
	if !req.Enabled {
		days = 0
	} else if days <= 0 {
		respondError(w, http.StatusBadRequest, "durationDays required to enable stabilization mode")
		return
	}
	settings, err := s.service.SetStabilization(r.Context(), chi.URLParam(r, "site"), days, req.Reason)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, settings)
}

// --- helpers ---

func parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid proposal id")
		return uuid.Nil, false
	}
	return id, true
}

func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

// respondServiceError maps the governance error taxonomy onto HTTP statuses.
// CadenceBlocked is a business outcome and carries the full verdict so UIs can
// show "try again after X" instead of a generic failure.
func respondServiceError(w http.ResponseWriter, err error) {
	var (
		validation *governance.ValidationError
		invalid    *governance.InvalidStateError
		blocked    *governance.CadenceBlockedError
	)
	switch {
	case errors.As(err, &validation):
		respondJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error":                validation.Msg,
			"requiresConfirmation": validation.RequiresConfirmation,
		})
	case errors.As(err, &invalid):
		respondJSON(w, http.StatusConflict, map[string]string{"error": invalid.Error()})
	case errors.As(err, &blocked):
		respondJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"error":   blocked.Error(),
			"verdict": blocked.Verdict,
		})
	case errors.Is(err, store.ErrNotFound):
		respondError(w, http.StatusNotFound, "not found")
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}
