package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/avlonitis/ergon/internal/runtime"
	"github.com/avlonitis/ergon/internal/schedule"
	"github.com/avlonitis/ergon/internal/store"
)

func (s *Server) registerAPI(mux *http.ServeMux) {
	// Workflow runs
	mux.HandleFunc("POST /api/workflows", s.submitWorkflow)
	mux.HandleFunc("GET /api/workflows", s.listWorkflowRuns)
	mux.HandleFunc("GET /api/workflows/{id}", s.getWorkflowRun)
	mux.HandleFunc("DELETE /api/workflows/{id}", s.cancelWorkflowRun)
	mux.HandleFunc("GET /api/workflows/definitions", s.listWorkflowDefinitions)

	// Agents
	mux.HandleFunc("GET /api/agents", s.listAgents)
	mux.HandleFunc("GET /api/agents/{id}/metrics", s.getAgentMetrics)

	// Triggers
	mux.HandleFunc("GET /api/triggers", s.listTriggers)
	mux.HandleFunc("POST /api/triggers", s.createTrigger)
	mux.HandleFunc("PUT /api/triggers/{id}", s.updateTrigger)
	mux.HandleFunc("DELETE /api/triggers/{id}", s.deleteTrigger)

	// Secrets (metadata only on read)
	mux.HandleFunc("GET /api/secrets", s.listSecrets)
	mux.HandleFunc("POST /api/secrets", s.createSecret)
	mux.HandleFunc("DELETE /api/secrets/{name}", s.deleteSecret)

	// Status
	mux.HandleFunc("GET /api/status", s.getStatus)
}

type submitWorkflowRequest struct {
	WorkflowID string         `json:"workflow_id"`
	Parameters map[string]any `json:"parameters"`
	Priority   string         `json:"priority"`
	MaxRetries *int           `json:"max_retries"`
}

// submitWorkflow accepts a run request and returns 202 immediately; the run
// executes in the background.
func (s *Server) submitWorkflow(w http.ResponseWriter, r *http.Request) {
	var req submitWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.WorkflowID == "" {
		jsonError(w, "workflow_id is required", http.StatusBadRequest)
		return
	}

	var constraints *store.JobConstraints
	if req.MaxRetries != nil {
		constraints = &store.JobConstraints{MaxRetries: req.MaxRetries}
	}

	runID, err := s.orch.Orchestrate(req.WorkflowID, req.Parameters, req.Priority, constraints)
	if err != nil {
		var unknown *runtime.UnknownWorkflowError
		var validation *runtime.ValidationError
		switch {
		case errors.As(err, &unknown), errors.As(err, &validation):
			jsonError(w, err.Error(), http.StatusBadRequest)
		default:
			jsonError(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"run_id":      runID,
		"workflow_id": req.WorkflowID,
		"status":      "pending",
	})
}

func (s *Server) listWorkflowRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.orch.ListRuns(50)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, runs)
}

func (s *Server) getWorkflowRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.orch.Monitor(r.PathValue("id"))
	if err != nil {
		var unknown *runtime.UnknownWorkflowError
		if errors.As(err, &unknown) {
			jsonError(w, "run not found", http.StatusNotFound)
			return
		}
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, run)
}

func (s *Server) cancelWorkflowRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.orch.Cancel(id); err != nil {
		var unknown *runtime.UnknownWorkflowError
		if errors.As(err, &unknown) {
			jsonError(w, "run not found", http.StatusNotFound)
			return
		}
		jsonError(w, err.Error(), http.StatusConflict)
		return
	}
	jsonResponse(w, map[string]string{"run_id": id, "status": "cancelling"})
}

func (s *Server) listWorkflowDefinitions(w http.ResponseWriter, r *http.Request) {
	defs := s.orch.Definitions()
	out := make([]map[string]any, 0, len(defs))
	for id, def := range defs {
		out = append(out, map[string]any{
			"id":          id,
			"name":        def.Name,
			"description": def.Description,
			"steps":       len(def.Steps),
		})
	}
	jsonResponse(w, out)
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	type agentView struct {
		ID            string          `json:"id"`
		Type          string          `json:"type"`
		Capabilities  []string        `json:"capabilities,omitempty"`
		Load          int             `json:"load"`
		MaxLoad       int             `json:"max_load"`
		Health        string          `json:"health"`
		AvgResponseMs float64         `json:"avg_response_ms"`
		Status        string          `json:"status,omitempty"`
		Metrics       runtime.Metrics `json:"metrics"`
	}

	infos := s.table.Snapshot()
	out := make([]agentView, 0, len(infos))
	for _, info := range infos {
		view := agentView{
			ID:            info.ID,
			Type:          info.Type,
			Capabilities:  info.Capabilities,
			Load:          info.Load,
			MaxLoad:       info.MaxLoad,
			Health:        info.Health,
			AvgResponseMs: info.AvgResponseMs,
		}
		if s.manager != nil {
			if rt, ok := s.manager.Runtime(info.ID); ok {
				view.Status = rt.Status()
				view.Metrics = rt.Metrics()
			}
		}
		out = append(out, view)
	}
	jsonResponse(w, out)
}

func (s *Server) getAgentMetrics(w http.ResponseWriter, r *http.Request) {
	metrics, err := s.store.QueryMetrics(r.PathValue("id"), r.URL.Query().Get("name"), 100)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, metrics)
}

func (s *Server) listTriggers(w http.ResponseWriter, r *http.Request) {
	triggers, err := s.store.ListTriggers()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	type triggerView struct {
		store.Trigger
		ScheduleText string `json:"schedule_text"`
	}
	out := make([]triggerView, 0, len(triggers))
	for _, t := range triggers {
		out = append(out, triggerView{Trigger: t, ScheduleText: schedule.Describe(t.Schedule)})
	}
	jsonResponse(w, out)
}

type triggerRequest struct {
	WorkflowID string          `json:"workflow_id"`
	Name       string          `json:"name"`
	Schedule   string          `json:"schedule"`
	Parameters json.RawMessage `json:"parameters"`
	Status     string          `json:"status"`
}

func (s *Server) createTrigger(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.WorkflowID == "" {
		jsonError(w, "workflow_id is required", http.StatusBadRequest)
		return
	}
	if _, ok := s.orch.Definitions()[req.WorkflowID]; !ok {
		jsonError(w, "unknown workflow: "+req.WorkflowID, http.StatusBadRequest)
		return
	}

	normalized, err := schedule.Normalize(req.Schedule)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	trigger := &store.Trigger{
		ID:         uuid.NewString(),
		WorkflowID: req.WorkflowID,
		Name:       req.Name,
		Schedule:   normalized,
		Parameters: req.Parameters,
		Status:     "active",
		NextRunAt:  schedule.NextRun(normalized),
	}
	if err := s.store.SaveTrigger(trigger); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, trigger)
}

func (s *Server) updateTrigger(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	existing, err := s.store.GetTrigger(id)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if existing == nil {
		jsonError(w, "trigger not found", http.StatusNotFound)
		return
	}

	var req triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if req.WorkflowID != "" {
		existing.WorkflowID = req.WorkflowID
	}
	if req.Name != "" {
		existing.Name = req.Name
	}
	if req.Parameters != nil {
		existing.Parameters = req.Parameters
	}
	if req.Status != "" {
		existing.Status = req.Status
	}
	if req.Schedule != "" {
		normalized, err := schedule.Normalize(req.Schedule)
		if err != nil {
			jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		existing.Schedule = normalized
		existing.NextRunAt = schedule.NextRun(normalized)
	}

	if err := s.store.SaveTrigger(existing); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, existing)
}

func (s *Server) deleteTrigger(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteTrigger(r.PathValue("id")); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "deleted"})
}

func (s *Server) listSecrets(w http.ResponseWriter, r *http.Request) {
	if s.vault == nil {
		jsonError(w, "vault not configured", http.StatusServiceUnavailable)
		return
	}
	secrets, err := s.vault.List()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	// Secret structs hide Value/Nonce from JSON; only metadata leaves here.
	jsonResponse(w, secrets)
}

func (s *Server) createSecret(w http.ResponseWriter, r *http.Request) {
	if s.vault == nil {
		jsonError(w, "vault not configured", http.StatusServiceUnavailable)
		return
	}

	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		Value       string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Name == "" || req.Value == "" {
		jsonError(w, "name and value are required", http.StatusBadRequest)
		return
	}

	if err := s.vault.Set(req.Name, req.Description, req.Value); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"name": req.Name, "status": "stored"})
}

func (s *Server) deleteSecret(w http.ResponseWriter, r *http.Request) {
	if s.vault == nil {
		jsonError(w, "vault not configured", http.StatusServiceUnavailable)
		return
	}
	if err := s.vault.Delete(r.PathValue("name")); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "deleted"})
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"version":   s.version,
		"uptime":    time.Since(s.startedAt).String(),
		"workflows": len(s.orch.Definitions()),
		"agents":    len(s.table.Snapshot()),
	}
	jsonResponse(w, status)
}

func jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
