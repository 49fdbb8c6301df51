// Copyright 2026 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/tombee/switchboard/internal/queue"
	"github.com/tombee/switchboard/internal/quota"
	"github.com/tombee/switchboard/internal/registry"
	"github.com/tombee/switchboard/internal/server/httputil"
	"github.com/tombee/switchboard/internal/store"
	sberrors "github.com/tombee/switchboard/pkg/errors"
	"github.com/tombee/switchboard/pkg/workflow"
)

// maxRequestBody bounds control API request bodies.
const maxRequestBody = 4 << 20

// decode reads and validates a JSON request body.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	body := http.MaxBytesReader(w, r.Body, maxRequestBody)
	dec := json.NewDecoder(body)
	if err := dec.Decode(dst); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %s", err))
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %s", err))
		return false
	}
	return true
}

func (s *Server) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.deps.Queue.Health(r.Context())
	status := "ok"
	code := http.StatusOK
	if !health.Healthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	httputil.WriteJSON(w, code, map[string]any{
		"status": status,
		"gitSha": s.gitSHA,
		"queue":  health,
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

type validateRequest struct {
	Graph json.RawMessage `json:"graph" validate:"required"`
}

type validationPayload struct {
	Valid   bool                       `json:"valid"`
	Errors  []workflow.ValidationIssue `json:"errors"`
	Message string                     `json:"message,omitempty"`
}

func (s *Server) handleValidateWorkflow(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if !s.decode(w, r, &req) {
		return
	}
	result, err := s.validateGraph(req.Graph)
	if err != nil {
		httputil.WriteTypedError(w, err)
		return
	}
	payload := validationPayload{Valid: result.Valid, Errors: result.Errors}
	if !result.Valid {
		payload.Message = fmt.Sprintf("graph has %d validation error(s)", len(result.Errors))
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"validation": payload,
	})
}

// validateGraph runs structural validation plus registry binding checks
// for action and trigger nodes.
func (s *Server) validateGraph(raw json.RawMessage) (workflow.ValidationResult, error) {
	g, err := workflow.ParseGraph(raw)
	if err != nil {
		return workflow.ValidationResult{}, err
	}
	result := workflow.Validate(g)
	for i := range g.Nodes {
		n := &g.Nodes[i]
		role := n.Role()
		if role != workflow.RoleAction && role != workflow.RoleTrigger {
			continue
		}
		appID := n.AppID()
		if appID == "" {
			continue
		}
		if _, ok := s.deps.Connectors.Definition(appID); !ok {
			result.Errors = append(result.Errors, workflow.ValidationIssue{
				Code:    sberrors.CodeMissingApp,
				NodeID:  n.ID,
				Message: fmt.Sprintf("unknown connector %q", appID),
			})
			continue
		}
		if _, ok := s.deps.Connectors.FunctionByType(n.Type); !ok {
			result.Errors = append(result.Errors, workflow.ValidationIssue{
				Code:    sberrors.CodeMissingFunction,
				NodeID:  n.ID,
				Message: fmt.Sprintf("connector %q has no function for %q", appID, n.Type),
			})
		}
	}
	result.Valid = len(result.Errors) == 0
	return result, nil
}

type saveFlowRequest struct {
	ID       string          `json:"id"`
	Name     string          `json:"name" validate:"required"`
	Graph    json.RawMessage `json:"graph" validate:"required"`
	Metadata map[string]any  `json:"metadata"`
}

func (s *Server) handleSaveFlow(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	var req saveFlowRequest
	if !s.decode(w, r, &req) {
		return
	}
	result, err := s.validateGraph(req.Graph)
	if err != nil {
		httputil.WriteTypedError(w, err)
		return
	}
	if !result.Valid {
		httputil.WriteJSON(w, http.StatusBadRequest, map[string]any{
			"success":    false,
			"validation": validationPayload{Valid: false, Errors: result.Errors},
		})
		return
	}

	id := req.ID
	action := "workflow.updated"
	if id == "" {
		id = uuid.NewString()
		action = "workflow.created"
	} else {
		existing, err := s.deps.Store.GetWorkflow(r.Context(), id)
		if err == nil && existing.OrganizationID != p.OrganizationID {
			httputil.WriteTypedError(w, &sberrors.NotFoundError{Resource: "workflow", ID: id})
			return
		}
	}
	wf := &store.Workflow{
		ID:             id,
		OrganizationID: p.OrganizationID,
		UserID:         p.UserID,
		Name:           req.Name,
		Graph:          req.Graph,
		Variables:      req.Metadata,
		Active:         true,
	}
	if err := s.deps.Store.SaveWorkflow(r.Context(), wf); err != nil {
		httputil.WriteTypedError(w, err)
		return
	}
	s.deps.Audit.Record(r.Context(), p.OrganizationID, p.UserID, action, id,
		map[string]any{"name": req.Name})
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"workflowId": id,
	})
}

type enqueueRequest struct {
	WorkflowID  string         `json:"workflowId" validate:"required"`
	TriggerType string         `json:"triggerType"`
	InitialData map[string]any `json:"initialData"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	var req enqueueRequest
	if !s.decode(w, r, &req) {
		return
	}
	wf, err := s.deps.Store.GetWorkflow(r.Context(), req.WorkflowID)
	if err != nil {
		httputil.WriteTypedError(w, err)
		return
	}
	if wf.OrganizationID != p.OrganizationID {
		httputil.WriteTypedError(w, &sberrors.NotFoundError{Resource: "workflow", ID: req.WorkflowID})
		return
	}

	triggerType := workflow.TriggerType(req.TriggerType)
	if req.TriggerType == "" {
		triggerType = workflow.TriggerManual
	}
	runReq := &queue.RunRequest{
		WorkflowID:     wf.ID,
		OrganizationID: p.OrganizationID,
		UserID:         p.UserID,
		TriggerType:    triggerType,
		TriggerData: queue.TriggerData{
			Payload:   req.InitialData,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Source:    "manual",
		},
	}
	executionID, err := s.deps.Queue.Enqueue(r.Context(), runReq)
	if err != nil {
		httputil.WriteTypedError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"executionId": executionID})
}

type dryRunRequest struct {
	WorkflowID  string          `json:"workflowId"`
	Graph       json.RawMessage `json:"graph"`
	InitialData map[string]any  `json:"initialData"`
}

func (s *Server) handleDryRun(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	var req dryRunRequest
	if !s.decode(w, r, &req) {
		return
	}

	var wf *store.Workflow
	switch {
	case req.WorkflowID != "":
		loaded, err := s.deps.Store.GetWorkflow(r.Context(), req.WorkflowID)
		if err != nil {
			httputil.WriteTypedError(w, err)
			return
		}
		if loaded.OrganizationID != p.OrganizationID {
			httputil.WriteTypedError(w, &sberrors.NotFoundError{Resource: "workflow", ID: req.WorkflowID})
			return
		}
		wf = loaded
	case len(req.Graph) > 0:
		wf = &store.Workflow{
			ID:             "dry-run-" + uuid.NewString(),
			OrganizationID: p.OrganizationID,
			UserID:         p.UserID,
			Name:           "dry run",
			Graph:          req.Graph,
		}
	default:
		httputil.WriteError(w, http.StatusBadRequest, "workflowId or graph is required")
		return
	}

	runReq := &queue.RunRequest{
		WorkflowID:     wf.ID,
		OrganizationID: p.OrganizationID,
		UserID:         p.UserID,
		TriggerType:    workflow.TriggerManual,
		TriggerData: queue.TriggerData{
			Payload:   req.InitialData,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Source:    "manual",
		},
	}
	rec, err := s.deps.Runner.DryRun(r.Context(), wf, runReq)
	if err != nil {
		httputil.WriteTypedError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, rec)
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	id := chi.URLParam(r, "id")
	rec, err := s.deps.Store.GetExecution(r.Context(), id)
	if err != nil {
		httputil.WriteTypedError(w, err)
		return
	}
	if rec.OrganizationID != p.OrganizationID {
		httputil.WriteTypedError(w, &sberrors.NotFoundError{Resource: "execution", ID: id})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, rec)
}

func (s *Server) handleListConnectors(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	orgID := r.URL.Query().Get("organizationId")
	if orgID == "" || !p.IsAdmin() {
		orgID = p.OrganizationID
	}
	org, err := s.deps.Store.GetOrganization(r.Context(), orgID)
	if err != nil {
		httputil.WriteTypedError(w, err)
		return
	}
	infos := s.deps.Connectors.ListConnectors(registry.Filter{
		Plan:      org.Plan,
		Overrides: org.FeatureFlags,
	})
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"connectors": infos})
}

func (s *Server) handleListFunctions(w http.ResponseWriter, r *http.Request) {
	appID := chi.URLParam(r, "appId")
	def, ok := s.deps.Connectors.Definition(appID)
	if !ok {
		httputil.WriteTypedError(w, &sberrors.NotFoundError{Resource: "connector", ID: appID})
		return
	}
	actions := make([]any, 0, len(def.Functions))
	triggers := make([]any, 0)
	for i := range def.Functions {
		fn := &def.Functions[i]
		entry := map[string]any{
			"id":          fn.ID,
			"name":        fn.Name,
			"description": fn.Description,
			"parameters":  fn.Parameters,
		}
		if fn.IsTrigger() {
			triggers = append(triggers, entry)
		} else {
			actions = append(actions, entry)
		}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"appId":    appID,
		"actions":  actions,
		"triggers": triggers,
	})
}

func (s *Server) handleListConnections(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	conns, err := s.deps.Store.ListConnections(r.Context(), p.OrganizationID, r.URL.Query().Get("connectorId"))
	if err != nil {
		httputil.WriteTypedError(w, err)
		return
	}
	// Connection ciphertext never serializes; this is belt and braces
	// against a future struct change.
	for _, c := range conns {
		c.Ciphertext = nil
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"connections": conns})
}

func (s *Server) handleListListeners(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	triggers, err := s.deps.Store.ListWebhookTriggers(r.Context(), p.OrganizationID)
	if err != nil {
		httputil.WriteTypedError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"listeners": triggers})
}

// listenerForUpdate loads a webhook trigger and checks tenant ownership.
func (s *Server) listenerForUpdate(w http.ResponseWriter, r *http.Request) (*store.Trigger, bool) {
	p, _ := PrincipalFrom(r.Context())
	id := chi.URLParam(r, "id")
	trig, err := s.deps.Store.GetTrigger(r.Context(), id)
	if err != nil {
		httputil.WriteTypedError(w, err)
		return nil, false
	}
	if trig.OrganizationID != p.OrganizationID {
		httputil.WriteTypedError(w, &sberrors.NotFoundError{Resource: "trigger", ID: id})
		return nil, false
	}
	return trig, true
}

func (s *Server) handleDeactivateListener(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	trig, ok := s.listenerForUpdate(w, r)
	if !ok {
		return
	}
	if err := s.deps.Store.SetTriggerActive(r.Context(), trig.ID, false); err != nil {
		httputil.WriteTypedError(w, err)
		return
	}
	s.deps.Audit.Record(r.Context(), p.OrganizationID, p.UserID, "trigger.removed", trig.ID,
		map[string]any{"deactivated": true})
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleDeleteListener(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	trig, ok := s.listenerForUpdate(w, r)
	if !ok {
		return
	}
	if err := s.deps.Store.DeleteTrigger(r.Context(), trig.ID); err != nil {
		httputil.WriteTypedError(w, err)
		return
	}
	s.deps.Audit.Record(r.Context(), p.OrganizationID, p.UserID, "trigger.removed", trig.ID, nil)
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleUsageExport(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	q := r.URL.Query()

	req := quota.ExportRequest{
		OrganizationID: p.OrganizationID,
		Plan:           q.Get("plan"),
		Format:         q.Get("format"),
	}
	if v := q.Get("startDate"); v != "" {
		t, err := parseDate(v)
		if err != nil {
			httputil.WriteError(w, http.StatusBadRequest, "startDate must be YYYY-MM-DD or RFC3339")
			return
		}
		req.Start = t
	}
	if v := q.Get("endDate"); v != "" {
		t, err := parseDate(v)
		if err != nil {
			httputil.WriteError(w, http.StatusBadRequest, "endDate must be YYYY-MM-DD or RFC3339")
			return
		}
		req.End = t
	}

	switch req.Format {
	case quota.FormatJSON:
		w.Header().Set("Content-Type", "application/json")
	default:
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", `attachment; filename="usage.csv"`)
	}
	if err := s.deps.Exporter.ExportUsage(r.Context(), req, w); err != nil {
		// Headers may already be out; log and close.
		s.logger.Error("usage export failed", "error", err)
	}
}

func parseDate(v string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", v); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, v)
}
