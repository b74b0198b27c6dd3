// Package api exposes the control plane over HTTP: read-only views of
// agents and the workflow, plus command endpoints for every lifecycle
// operation.
package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/joescharf/conductor/internal/backend"
	"github.com/joescharf/conductor/internal/control"
	"github.com/joescharf/conductor/internal/models"
)

// Server provides the REST API handlers.
type Server struct {
	plane *control.Plane
}

// NewServer creates a new API server.
func NewServer(p *control.Plane) *Server {
	return &Server{plane: p}
}

// Router returns an http.Handler for the API routes.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/agents", s.listAgents)
	mux.HandleFunc("POST /api/v1/agents", s.spawnAgent)
	mux.HandleFunc("DELETE /api/v1/agents", s.clearAgents)
	mux.HandleFunc("GET /api/v1/agents/{id}", s.getAgent)
	mux.HandleFunc("GET /api/v1/agents/{id}/output", s.agentOutput)
	mux.HandleFunc("POST /api/v1/agents/{id}/cancel", s.cancelAgent)
	mux.HandleFunc("POST /api/v1/agents/{id}/pause", s.pauseAgent)
	mux.HandleFunc("POST /api/v1/agents/{id}/resume", s.resumeAgent)
	mux.HandleFunc("POST /api/v1/agents/{id}/retry", s.retryAgent)
	mux.HandleFunc("POST /api/v1/agents/{id}/progress", s.updateProgress)
	mux.HandleFunc("POST /api/v1/agents/{id}/approval", s.respondToApproval)

	mux.HandleFunc("GET /api/v1/workflow", s.getWorkflow)
	mux.HandleFunc("POST /api/v1/workflow", s.startWorkflow)
	mux.HandleFunc("DELETE /api/v1/workflow", s.clearWorkflow)
	mux.HandleFunc("POST /api/v1/workflow/approve", s.approvePhase)
	mux.HandleFunc("POST /api/v1/workflow/reject", s.rejectPhase)
	mux.HandleFunc("POST /api/v1/workflow/retry", s.retryWorkflow)
	mux.HandleFunc("POST /api/v1/workflow/recover-approval", s.recoverApproval)
	mux.HandleFunc("POST /api/v1/workflow/cancel", s.cancelWorkflow)

	mux.HandleFunc("GET /api/v1/templates", s.listTemplates)
	mux.HandleFunc("GET /api/v1/status", s.statusOverview)
	mux.HandleFunc("POST /api/v1/reset", s.reset)

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// errStatus maps a command error onto an HTTP status.
func errStatus(err error) int {
	if strings.Contains(err.Error(), "not found") {
		return http.StatusNotFound
	}
	return http.StatusConflict
}

// --- Agents ---

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.plane.Manager.List())
}

func (s *Server) getAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	a, ok := s.plane.Manager.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "agent not found: "+id)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) agentOutput(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	out, err := s.plane.AgentOutput(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"output": out})
}

type spawnRequest struct {
	Kind           string
	Task           string
	Dependencies   []string
	Model          string
	SandboxPolicy  string
	ApprovalPolicy string
	TaskTimeoutSec int
}

func (s *Server) spawnAgent(w http.ResponseWriter, r *http.Request) {
	var req spawnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Task == "" {
		writeError(w, http.StatusBadRequest, "task is required")
		return
	}
	kind := models.AgentKind(req.Kind)
	if kind == "" {
		kind = models.AgentKindCustom
	}
	overrides := models.ConfigOverrides{
		Model:          req.Model,
		SandboxPolicy:  models.SandboxPolicy(req.SandboxPolicy),
		ApprovalPolicy: models.ApprovalPolicy(req.ApprovalPolicy),
		TaskTimeout:    time.Duration(req.TaskTimeoutSec) * time.Second,
	}
	id := s.plane.Manager.Spawn(kind, req.Task, req.Dependencies, overrides)
	a, _ := s.plane.Manager.Get(id)
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) clearAgents(w http.ResponseWriter, r *http.Request) {
	removed := s.plane.Manager.Clear()
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (s *Server) cancelAgent(w http.ResponseWriter, r *http.Request) {
	s.agentCommand(w, r, s.plane.Manager.Cancel)
}

func (s *Server) pauseAgent(w http.ResponseWriter, r *http.Request) {
	s.agentCommand(w, r, s.plane.Manager.Pause)
}

func (s *Server) resumeAgent(w http.ResponseWriter, r *http.Request) {
	s.agentCommand(w, r, s.plane.Manager.Resume)
}

func (s *Server) agentCommand(w http.ResponseWriter, r *http.Request, fn func(string) error) {
	id := r.PathValue("id")
	if err := fn(id); err != nil {
		writeError(w, errStatus(err), err.Error())
		return
	}
	a, _ := s.plane.Manager.Get(id)
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) retryAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	newID, err := s.plane.Manager.Retry(id)
	if err != nil {
		writeError(w, errStatus(err), err.Error())
		return
	}
	a, _ := s.plane.Manager.Get(newID)
	writeJSON(w, http.StatusOK, a)
}

type progressRequest struct {
	Current     int
	Total       int
	Description string
}

func (s *Server) updateProgress(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req progressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := s.plane.Manager.UpdateProgress(id, req.Current, req.Total, req.Description); err != nil {
		writeError(w, errStatus(err), err.Error())
		return
	}
	a, _ := s.plane.Manager.Get(id)
	writeJSON(w, http.StatusOK, a)
}

type approvalRequest struct {
	ItemID    string
	RequestID string
	Decision  string
	Amendment string
}

func (s *Server) respondToApproval(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req approvalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	decision := backend.ApprovalDecision(req.Decision)
	if decision != backend.DecisionApproved && decision != backend.DecisionDenied {
		writeError(w, http.StatusBadRequest, "decision must be approved or denied")
		return
	}
	if err := s.plane.Manager.RespondToApproval(id, req.ItemID, req.RequestID, decision, req.Amendment); err != nil {
		writeError(w, errStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"delivered": true})
}

// --- Workflow ---

func (s *Server) getWorkflow(w http.ResponseWriter, r *http.Request) {
	wf := s.plane.Engine.Workflow()
	if wf == nil {
		writeError(w, http.StatusNotFound, "no workflow")
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

type startWorkflowRequest struct {
	Template string
	Task     string
}

func (s *Server) startWorkflow(w http.ResponseWriter, r *http.Request) {
	var req startWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Template == "" || req.Task == "" {
		writeError(w, http.StatusBadRequest, "template and task are required")
		return
	}
	wf, err := s.plane.StartWorkflow(r.Context(), req.Template, req.Task)
	if err != nil {
		writeError(w, errStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, wf)
}

type phaseDecisionRequest struct {
	PhaseID string
	Reason  string
}

func (s *Server) approvePhase(w http.ResponseWriter, r *http.Request) {
	var req phaseDecisionRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if err := s.plane.ApprovePhase(r.Context(), req.PhaseID); err != nil {
		writeError(w, errStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.plane.Engine.Workflow())
}

func (s *Server) rejectPhase(w http.ResponseWriter, r *http.Request) {
	var req phaseDecisionRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if err := s.plane.RejectPhase(r.Context(), req.PhaseID, req.Reason); err != nil {
		writeError(w, errStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.plane.Engine.Workflow())
}

func (s *Server) retryWorkflow(w http.ResponseWriter, r *http.Request) {
	if err := s.plane.RetryWorkflow(r.Context()); err != nil {
		writeError(w, errStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.plane.Engine.Workflow())
}

func (s *Server) recoverApproval(w http.ResponseWriter, r *http.Request) {
	var req phaseDecisionRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if err := s.plane.RecoverApprovalTimeout(r.Context(), req.PhaseID); err != nil {
		writeError(w, errStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.plane.Engine.Workflow())
}

func (s *Server) cancelWorkflow(w http.ResponseWriter, r *http.Request) {
	if err := s.plane.CancelWorkflow(r.Context()); err != nil {
		writeError(w, errStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.plane.Engine.Workflow())
}

func (s *Server) clearWorkflow(w http.ResponseWriter, r *http.Request) {
	if err := s.plane.ClearWorkflow(r.Context()); err != nil {
		writeError(w, errStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cleared": true})
}

// --- Misc ---

func (s *Server) listTemplates(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.plane.Templates.Names())
}

func (s *Server) statusOverview(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.plane.Status())
}

func (s *Server) reset(w http.ResponseWriter, r *http.Request) {
	s.plane.Reset()
	writeJSON(w, http.StatusOK, map[string]bool{"reset": true})
}
