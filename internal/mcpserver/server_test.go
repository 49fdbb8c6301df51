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

package mcpserver

import (
	"context"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/switchboard/internal/queue"
	"github.com/tombee/switchboard/internal/store"
	sberrors "github.com/tombee/switchboard/pkg/errors"
	"github.com/tombee/switchboard/pkg/workflow"
)

type fakeMCPStore struct {
	workflows  map[string]*store.Workflow
	executions map[string]*workflow.ExecutionRecord
}

func (f *fakeMCPStore) ListWorkflows(_ context.Context, orgID string) ([]*store.Workflow, error) {
	var out []*store.Workflow
	for _, wf := range f.workflows {
		if wf.OrganizationID == orgID {
			out = append(out, wf)
		}
	}
	return out, nil
}

func (f *fakeMCPStore) GetWorkflow(_ context.Context, id string) (*store.Workflow, error) {
	wf, ok := f.workflows[id]
	if !ok {
		return nil, &sberrors.NotFoundError{Resource: "workflow", ID: id}
	}
	return wf, nil
}

func (f *fakeMCPStore) GetExecution(_ context.Context, id string) (*workflow.ExecutionRecord, error) {
	rec, ok := f.executions[id]
	if !ok {
		return nil, &sberrors.NotFoundError{Resource: "execution", ID: id}
	}
	return rec, nil
}

type fakeMCPEnqueuer struct {
	requests []*queue.RunRequest
	err      error
}

func (f *fakeMCPEnqueuer) Enqueue(_ context.Context, req *queue.RunRequest) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.requests = append(f.requests, req)
	return "exec-1", nil
}

func callRequest(name string, args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func newTestServer(t *testing.T) (*Server, *fakeMCPStore, *fakeMCPEnqueuer) {
	t.Helper()
	st := &fakeMCPStore{
		workflows: map[string]*store.Workflow{
			"wf-1": {ID: "wf-1", OrganizationID: "org-1", Name: "Notify", Active: true, Version: 3},
			"wf-2": {ID: "wf-2", OrganizationID: "org-2", Name: "Other"},
		},
		executions: map[string]*workflow.ExecutionRecord{
			"exec-1": {ID: "exec-1", OrganizationID: "org-1", WorkflowID: "wf-1", Status: workflow.StatusSucceeded},
			"exec-2": {ID: "exec-2", OrganizationID: "org-2", WorkflowID: "wf-2"},
		},
	}
	enq := &fakeMCPEnqueuer{}
	srv, err := New(Config{OrganizationID: "org-1", UserID: "user-1"}, st, enq, nil)
	require.NoError(t, err)
	return srv, st, enq
}

func textOf(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected text content")
	return text.Text
}

func TestNewRequiresOrganization(t *testing.T) {
	_, err := New(Config{}, &fakeMCPStore{}, &fakeMCPEnqueuer{}, nil)
	require.Error(t, err)
}

func TestListWorkflowsScopedToOrg(t *testing.T) {
	srv, _, _ := newTestServer(t)

	res, err := srv.handleListWorkflows(context.Background(), callRequest("list_workflows", nil))
	require.NoError(t, err)
	require.False(t, res.IsError)

	body := textOf(t, res)
	assert.Contains(t, body, "wf-1")
	assert.Contains(t, body, "Notify")
	assert.NotContains(t, body, "wf-2")
}

func TestRunWorkflowEnqueuesManualRun(t *testing.T) {
	srv, _, enq := newTestServer(t)

	res, err := srv.handleRunWorkflow(context.Background(), callRequest("run_workflow", map[string]any{
		"workflow_id":  "wf-1",
		"initial_data": map[string]any{"channel": "#ops"},
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)
	assert.Contains(t, textOf(t, res), "exec-1")

	require.Len(t, enq.requests, 1)
	req := enq.requests[0]
	assert.Equal(t, "wf-1", req.WorkflowID)
	assert.Equal(t, "org-1", req.OrganizationID)
	assert.Equal(t, "user-1", req.UserID)
	assert.Equal(t, workflow.TriggerManual, req.TriggerType)
	assert.Equal(t, "manual", req.TriggerData.Source)
	assert.Equal(t, "#ops", req.TriggerData.Payload["channel"])
}

func TestRunWorkflowRequiresWorkflowID(t *testing.T) {
	srv, _, enq := newTestServer(t)

	res, err := srv.handleRunWorkflow(context.Background(), callRequest("run_workflow", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Empty(t, enq.requests)
}

func TestRunWorkflowHidesForeignWorkflows(t *testing.T) {
	srv, _, enq := newTestServer(t)

	res, err := srv.handleRunWorkflow(context.Background(), callRequest("run_workflow", map[string]any{
		"workflow_id": "wf-2",
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, textOf(t, res), "not found")
	assert.Empty(t, enq.requests)
}

func TestRunWorkflowSurfacesAdmissionRejection(t *testing.T) {
	srv, _, enq := newTestServer(t)
	enq.err = &sberrors.AdmissionError{
		Code:     sberrors.CodeExecutionQuotaExceeded,
		Resource: "workflow_runs",
		Current:  500,
		Limit:    500,
	}

	res, err := srv.handleRunWorkflow(context.Background(), callRequest("run_workflow", map[string]any{
		"workflow_id": "wf-1",
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, textOf(t, res), "EXECUTION_QUOTA_EXCEEDED")
}

func TestGetExecutionScopedToOrg(t *testing.T) {
	srv, _, _ := newTestServer(t)

	res, err := srv.handleGetExecution(context.Background(), callRequest("get_execution", map[string]any{
		"execution_id": "exec-1",
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)
	assert.Contains(t, textOf(t, res), "wf-1")

	res, err = srv.handleGetExecution(context.Background(), callRequest("get_execution", map[string]any{
		"execution_id": "exec-2",
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}
