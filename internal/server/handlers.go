package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/nodeflow-io/nodeflow/internal/engine"
	"github.com/nodeflow-io/nodeflow/internal/store"
	"github.com/nodeflow-io/nodeflow/internal/workflow/model"
)

// runRequest is the body of run endpoints. Items seed the start node;
// StartNode overrides trigger selection.
type runRequest struct {
	Items     []model.Item `json:"items,omitempty"`
	StartNode string       `json:"startNode,omitempty"`
}

// adhocRequest carries a full workflow definition to run without
// persisting it.
type adhocRequest struct {
	Workflow  model.Workflow `json:"workflow"`
	Items     []model.Item   `json:"items,omitempty"`
	StartNode string         `json:"startNode,omitempty"`
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	workflows, err := s.workflows.List(r.Context())
	if err != nil {
		s.logger.Error("listing workflows", "error", err)
		s.respondError(w, http.StatusInternalServerError, "failed to list workflows")
		return
	}
	s.respondJSON(w, http.StatusOK, workflows)
}

func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var wf model.Workflow
	if err := json.NewDecoder(r.Body).Decode(&wf); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	report := s.validator.Validate(&wf)
	if !report.Valid() {
		s.respondJSON(w, http.StatusUnprocessableEntity, report)
		return
	}

	if err := s.workflows.Create(r.Context(), &wf); err != nil {
		s.logger.Error("creating workflow", "error", err)
		s.respondError(w, http.StatusInternalServerError, "failed to create workflow")
		return
	}
	s.respondJSON(w, http.StatusCreated, &wf)
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.workflows.Get(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, store.ErrNotFound) {
		s.respondError(w, http.StatusNotFound, "workflow not found")
		return
	}
	if err != nil {
		s.logger.Error("getting workflow", "error", err)
		s.respondError(w, http.StatusInternalServerError, "failed to get workflow")
		return
	}
	s.respondJSON(w, http.StatusOK, wf)
}

func (s *Server) handleUpdateWorkflow(w http.ResponseWriter, r *http.Request) {
	var wf model.Workflow
	if err := json.NewDecoder(r.Body).Decode(&wf); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	wf.ID = mux.Vars(r)["id"]

	report := s.validator.Validate(&wf)
	if !report.Valid() {
		s.respondJSON(w, http.StatusUnprocessableEntity, report)
		return
	}

	err := s.workflows.Update(r.Context(), &wf)
	if errors.Is(err, store.ErrNotFound) {
		s.respondError(w, http.StatusNotFound, "workflow not found")
		return
	}
	if err != nil {
		s.logger.Error("updating workflow", "error", err)
		s.respondError(w, http.StatusInternalServerError, "failed to update workflow")
		return
	}
	s.respondJSON(w, http.StatusOK, &wf)
}

func (s *Server) handleDeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	err := s.workflows.Delete(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, store.ErrNotFound) {
		s.respondError(w, http.StatusNotFound, "workflow not found")
		return
	}
	if err != nil {
		s.logger.Error("deleting workflow", "error", err)
		s.respondError(w, http.StatusInternalServerError, "failed to delete workflow")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleValidateWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.workflows.Get(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, store.ErrNotFound) {
		s.respondError(w, http.StatusNotFound, "workflow not found")
		return
	}
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to get workflow")
		return
	}
	s.respondJSON(w, http.StatusOK, s.validator.Validate(wf))
}

func (s *Server) handleRunWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.workflows.Get(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, store.ErrNotFound) {
		s.respondError(w, http.StatusNotFound, "workflow not found")
		return
	}
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to get workflow")
		return
	}

	var req runRequest
	if r.Body != nil {
		// An empty body runs from the trigger with no seed items.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	s.runAndRespond(w, r, wf, req.StartNode, req.Items, engine.ModeManual)
}

func (s *Server) handleRunAdhoc(w http.ResponseWriter, r *http.Request) {
	var req adhocRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	report := s.validator.Validate(&req.Workflow)
	if !report.Valid() {
		s.respondJSON(w, http.StatusUnprocessableEntity, report)
		return
	}
	s.runAndRespond(w, r, &req.Workflow, req.StartNode, req.Items, engine.ModeManual)
}

func (s *Server) runAndRespond(w http.ResponseWriter, r *http.Request, wf *model.Workflow, startNode string, items []model.Item, mode string) {
	ec, err := s.engine.Run(r.Context(), wf, startNode, items, mode)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if rec, ok := s.recorder.Get(ec.ExecutionID); ok {
		s.respondJSON(w, http.StatusOK, rec)
		return
	}
	s.respondJSON(w, http.StatusOK, ec)
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.recorder.List(r.URL.Query().Get("workflowId")))
}

func (s *Server) handleClearExecutions(w http.ResponseWriter, r *http.Request) {
	s.recorder.Clear()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.recorder.Get(mux.Vars(r)["id"])
	if !ok {
		s.respondError(w, http.StatusNotFound, "execution not found")
		return
	}
	s.respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDeleteExecution(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !s.recorder.Delete(id) {
		if _, ok := s.recorder.Get(id); ok {
			s.respondError(w, http.StatusConflict, "execution is still running")
			return
		}
		s.respondError(w, http.StatusNotFound, "execution not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !s.engine.Cancel(id) {
		s.respondError(w, http.StatusNotFound, "no running execution with that id")
		return
	}
	s.respondJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

func (s *Server) handleResumeExecution(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	var items []model.Item
	if r.Body != nil {
		var req runRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err == nil {
			items = req.Items
		}
	}
	if !s.engine.Resume(vars["id"], vars["handle"], items) {
		s.respondError(w, http.StatusNotFound, "no waiting node with that handle")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.registry.Descriptors())
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	wf, err := s.workflows.Get(r.Context(), mux.Vars(r)["workflowId"])
	if errors.Is(err, store.ErrNotFound) {
		s.respondError(w, http.StatusNotFound, "workflow not found")
		return
	}
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to get workflow")
		return
	}
	if !wf.Active {
		s.respondError(w, http.StatusBadRequest, "workflow is not active")
		return
	}

	trigger := webhookTrigger(wf)
	if trigger == nil {
		s.respondError(w, http.StatusBadRequest, "workflow has no webhook trigger")
		return
	}
	if method := triggerMethod(trigger); method != "" && !strings.EqualFold(method, r.Method) {
		s.respondError(w, http.StatusMethodNotAllowed, "method not accepted by webhook trigger")
		return
	}

	item := webhookItem(r)
	ec, err := s.engine.Run(r.Context(), wf, trigger.Name, []model.Item{item}, engine.ModeWebhook)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	status := http.StatusOK
	if ec.Status == engine.StatusFailed {
		status = http.StatusInternalServerError
	}
	s.respondJSON(w, status, map[string]interface{}{
		"executionId": ec.ExecutionID,
		"status":      ec.Status,
	})
}

func webhookTrigger(wf *model.Workflow) *model.Node {
	for i := range wf.Nodes {
		if wf.Nodes[i].Type == "webhook" && !wf.Nodes[i].Disabled {
			return &wf.Nodes[i]
		}
	}
	return nil
}

// triggerMethod reads the trigger's declared "method" property; empty
// and "ANY" leave the webhook unrestricted.
func triggerMethod(node *model.Node) string {
	m, _ := node.Parameters["method"].(string)
	if strings.EqualFold(m, "ANY") {
		return ""
	}
	return m
}

// webhookItem builds the trigger item from the incoming request, in the
// same {body, headers, query, method} shape the Webhook node emits for
// manual test runs.
func webhookItem(r *http.Request) model.Item {
	headers := make(map[string]interface{}, len(r.Header))
	for name := range r.Header {
		headers[name] = r.Header.Get(name)
	}
	query := make(map[string]interface{})
	for name, values := range r.URL.Query() {
		if len(values) == 1 {
			query[name] = values[0]
		} else {
			query[name] = values
		}
	}

	var body interface{}
	if r.Body != nil {
		var decoded interface{}
		if err := json.NewDecoder(r.Body).Decode(&decoded); err == nil {
			body = decoded
		}
	}

	return model.NewItem(map[string]interface{}{
		"method":  r.Method,
		"headers": headers,
		"query":   query,
		"body":    body,
	})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("encoding response", "error", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
