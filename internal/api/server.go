// Package api exposes the control plane over HTTP: action submission,
// approval decisions, manual rollback, event ingress, and record lookup.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ghantakiran/ShieldOps-sub002/internal/approval"
	"github.com/ghantakiran/ShieldOps-sub002/internal/audit"
	"github.com/ghantakiran/ShieldOps-sub002/internal/model"
	"github.com/ghantakiran/ShieldOps-sub002/internal/store"
	"github.com/ghantakiran/ShieldOps-sub002/internal/supervisor"
	"github.com/ghantakiran/ShieldOps-sub002/internal/workflow"
)

// Server routes control plane HTTP traffic.
type Server struct {
	router    *mux.Router
	engine    *workflow.Engine
	approvals *approval.Manager
	sup       *supervisor.Orchestrator
	store     store.RecordStore
	trail     *audit.Trail
	gatherer  prometheus.Gatherer
	logger    *slog.Logger
}

// NewServer wires the HTTP layer.
func NewServer(engine *workflow.Engine, approvals *approval.Manager, sup *supervisor.Orchestrator, st store.RecordStore, trail *audit.Trail, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	s := &Server{
		router:    mux.NewRouter(),
		engine:    engine,
		approvals: approvals,
		sup:       sup,
		store:     st,
		trail:     trail,
		gatherer:  gatherer,
		logger:    logger,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/readyz", s.handleReady).Methods("GET")
	s.router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods("GET")

	v1 := s.router.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/remediations", s.handleSubmitRemediation).Methods("POST")
	v1.HandleFunc("/remediations", s.handleListRemediations).Methods("GET")
	v1.HandleFunc("/remediations/{id}", s.handleGetRemediation).Methods("GET")
	v1.HandleFunc("/remediations/{id}/approve", s.handleApprove).Methods("POST")
	v1.HandleFunc("/remediations/{id}/deny", s.handleDeny).Methods("POST")
	v1.HandleFunc("/remediations/{id}/rollback", s.handleRollback).Methods("POST")
	v1.HandleFunc("/remediations/{id}/cancel", s.handleCancel).Methods("POST")
	v1.HandleFunc("/events", s.handlePostEvent).Methods("POST")
	v1.HandleFunc("/supervisor/records", s.handleListSupervisorRecords).Methods("GET")
	v1.HandleFunc("/supervisor/records/{id}", s.handleGetSupervisorRecord).Methods("GET")
	v1.HandleFunc("/audit/{ref_id}", s.handleListAudit).Methods("GET")
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSONResponse(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"service":   "controlplane",
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	s.writeJSONResponse(w, http.StatusOK, map[string]any{"status": "ready"})
}

type submitRemediationRequest struct {
	Type              string         `json:"type"`
	TargetResource    string         `json:"target_resource"`
	Environment       string         `json:"environment"`
	RiskHint          string         `json:"risk_hint,omitempty"`
	Parameters        map[string]any `json:"parameters,omitempty"`
	AffectedResources []string       `json:"affected_resources,omitempty"`
	InvestigationID   string         `json:"investigation_id,omitempty"`
	AlertID           string         `json:"alert_id,omitempty"`
	RequestedBy       string         `json:"requested_by"`
}

func (s *Server) handleSubmitRemediation(w http.ResponseWriter, r *http.Request) {
	var req submitRemediationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if req.Type == "" || req.TargetResource == "" || req.Environment == "" {
		s.writeErrorResponse(w, http.StatusBadRequest, "missing required fields: type, target_resource, environment")
		return
	}
	switch model.Environment(req.Environment) {
	case model.EnvDevelopment, model.EnvStaging, model.EnvProduction:
	default:
		s.writeErrorResponse(w, http.StatusBadRequest, "environment must be development, staging, or production")
		return
	}

	action := model.NewAction(model.ActionType(req.Type), req.TargetResource, model.Environment(req.Environment), req.RequestedBy)
	action.RiskHint = model.RiskLevel(req.RiskHint)
	action.Parameters = req.Parameters
	action.AffectedResources = req.AffectedResources
	action.InvestigationID = req.InvestigationID
	action.AlertID = req.AlertID

	rec, err := s.engine.Submit(r.Context(), action)
	if err != nil {
		s.logger.Error("failed to submit remediation", "error", err)
		s.writeErrorResponse(w, http.StatusInternalServerError, "failed to submit remediation")
		return
	}
	s.writeJSONResponse(w, http.StatusAccepted, rec)
}

func (s *Server) handleListRemediations(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	records, err := s.store.ListRemediations(r.Context(), limit)
	if err != nil {
		s.writeErrorResponse(w, http.StatusInternalServerError, "failed to list remediations")
		return
	}
	s.writeJSONResponse(w, http.StatusOK, map[string]any{"remediations": records, "count": len(records)})
}

func (s *Server) handleGetRemediation(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.GetRemediation(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeErrorResponse(w, http.StatusNotFound, "remediation not found")
		return
	}
	s.writeJSONResponse(w, http.StatusOK, rec)
}

type decisionRequest struct {
	Approver string `json:"approver"`
	Reason   string `json:"reason,omitempty"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	s.handleDecision(w, r, model.DecisionApprove)
}

func (s *Server) handleDeny(w http.ResponseWriter, r *http.Request) {
	s.handleDecision(w, r, model.DecisionDeny)
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request, decision model.Decision) {
	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if req.Approver == "" {
		s.writeErrorResponse(w, http.StatusBadRequest, "missing required field: approver")
		return
	}
	if decision == model.DecisionDeny && req.Reason == "" {
		s.writeErrorResponse(w, http.StatusBadRequest, "a denial requires a reason")
		return
	}

	rec, err := s.store.GetRemediation(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeErrorResponse(w, http.StatusNotFound, "remediation not found")
		return
	}
	if rec.ApprovalID == "" {
		s.writeErrorResponse(w, http.StatusConflict, "remediation has no approval request")
		return
	}

	approvalReq, err := s.approvals.SubmitDecision(r.Context(), rec.ApprovalID, req.Approver, decision, req.Reason)
	switch {
	case errors.Is(err, model.ErrApprovalClosed):
		s.writeErrorResponse(w, http.StatusConflict, "approval request already resolved")
		return
	case errors.Is(err, model.ErrDuplicateApprover):
		s.writeErrorResponse(w, http.StatusConflict, "second approval must come from a different approver")
		return
	case errors.Is(err, model.ErrNotFound):
		s.writeErrorResponse(w, http.StatusNotFound, "approval request not found")
		return
	case err != nil:
		s.logger.Error("failed to record approval decision", "record_id", rec.ID, "error", err)
		s.writeErrorResponse(w, http.StatusInternalServerError, "failed to record decision")
		return
	}
	s.writeJSONResponse(w, http.StatusOK, approvalReq)
}

type rollbackRequest struct {
	Reason      string `json:"reason"`
	RequestedBy string `json:"requested_by"`
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	var req rollbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if req.Reason == "" {
		s.writeErrorResponse(w, http.StatusBadRequest, "missing required field: reason")
		return
	}

	result, err := s.engine.TriggerRollback(r.Context(), mux.Vars(r)["id"], req.Reason, req.RequestedBy)
	if errors.Is(err, model.ErrNotFound) {
		s.writeErrorResponse(w, http.StatusNotFound, "remediation not found")
		return
	}
	if err != nil && result == nil {
		s.writeErrorResponse(w, http.StatusConflict, err.Error())
		return
	}
	s.writeJSONResponse(w, http.StatusOK, result)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	err := s.engine.Cancel(r.Context(), mux.Vars(r)["id"], req.Reason)
	switch {
	case errors.Is(err, model.ErrNotFound):
		s.writeErrorResponse(w, http.StatusNotFound, "remediation not found")
		return
	case errors.Is(err, model.ErrCancelTooLate):
		s.writeErrorResponse(w, http.StatusConflict, "execution already started; cancellation refused")
		return
	case err != nil:
		s.writeErrorResponse(w, http.StatusConflict, err.Error())
		return
	}
	s.writeJSONResponse(w, http.StatusAccepted, map[string]any{"status": "cancellation requested"})
}

type postEventRequest struct {
	ID      string            `json:"id,omitempty"`
	Type    string            `json:"type"`
	Source  string            `json:"source,omitempty"`
	Payload map[string]any    `json:"payload,omitempty"`
	Labels  map[string]string `json:"labels,omitempty"`
}

// handlePostEvent is the synchronous ingress path; it converges on the
// same supervisor entry point as the bus consumer.
func (s *Server) handlePostEvent(w http.ResponseWriter, r *http.Request) {
	var req postEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if req.Type == "" {
		s.writeErrorResponse(w, http.StatusBadRequest, "missing required field: type")
		return
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	ev := &model.SupervisorEvent{
		ID:         req.ID,
		Type:       model.EventType(req.Type),
		Source:     req.Source,
		Payload:    req.Payload,
		Labels:     req.Labels,
		ReceivedAt: time.Now().UTC(),
	}
	rec, err := s.sup.Handle(r.Context(), ev)
	if errors.Is(err, model.ErrDuplicateEvent) {
		s.writeErrorResponse(w, http.StatusConflict, "event already processed")
		return
	}
	if err != nil {
		s.logger.Error("failed to handle event", "event_id", ev.ID, "error", err)
		s.writeErrorResponse(w, http.StatusInternalServerError, "failed to handle event")
		return
	}
	s.writeJSONResponse(w, http.StatusAccepted, rec)
}

func (s *Server) handleListSupervisorRecords(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	records, err := s.store.ListSupervisors(r.Context(), limit)
	if err != nil {
		s.writeErrorResponse(w, http.StatusInternalServerError, "failed to list supervisor records")
		return
	}
	s.writeJSONResponse(w, http.StatusOK, map[string]any{"records": records, "count": len(records)})
}

func (s *Server) handleGetSupervisorRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.GetSupervisor(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeErrorResponse(w, http.StatusNotFound, "supervisor record not found")
		return
	}
	s.writeJSONResponse(w, http.StatusOK, rec)
}

func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := s.trail.List(r.Context(), mux.Vars(r)["ref_id"])
	if err != nil {
		s.writeErrorResponse(w, http.StatusInternalServerError, "failed to list audit entries")
		return
	}
	s.writeJSONResponse(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}

func (s *Server) writeJSONResponse(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) writeErrorResponse(w http.ResponseWriter, status int, message string) {
	s.writeJSONResponse(w, status, map[string]any{
		"error":     message,
		"timestamp": time.Now().UTC(),
	})
}
