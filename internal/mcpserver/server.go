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

// Package mcpserver exposes workflow operations as MCP tools over
// stdio, so agent tooling can list, run and inspect workflows through
// the same admission path as the HTTP API.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/tombee/switchboard/internal/queue"
	"github.com/tombee/switchboard/internal/store"
	"github.com/tombee/switchboard/pkg/workflow"
)

// Store is the persistence surface the tools need.
type Store interface {
	ListWorkflows(ctx context.Context, orgID string) ([]*store.Workflow, error)
	GetWorkflow(ctx context.Context, id string) (*store.Workflow, error)
	GetExecution(ctx context.Context, id string) (*workflow.ExecutionRecord, error)
}

// Enqueuer admits runs onto the execution queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, req *queue.RunRequest) (string, error)
}

// Config configures the MCP server.
type Config struct {
	// Name is the server name (default: "switchboard").
	Name string

	// Version is the build version.
	Version string

	// OrganizationID and UserID are the operator identity tool calls
	// run as. Required: MCP has no per-call auth.
	OrganizationID string
	UserID         string
}

// Server wraps the MCP stdio server and its tools.
type Server struct {
	mcpServer *server.MCPServer
	store     Store
	enqueuer  Enqueuer
	cfg       Config
	logger    *slog.Logger
}

// New builds the MCP server and registers its tools. The logger must
// write to stderr; stdout carries the MCP protocol.
func New(cfg Config, st Store, enq Enqueuer, logger *slog.Logger) (*Server, error) {
	if cfg.Name == "" {
		cfg.Name = "switchboard"
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.OrganizationID == "" {
		return nil, fmt.Errorf("mcp server requires an organization id")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}

	s := &Server{
		mcpServer: server.NewMCPServer(cfg.Name, cfg.Version),
		store:     st,
		enqueuer:  enq,
		cfg:       cfg,
		logger:    logger,
	}
	s.registerTools()
	return s, nil
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcp.Tool{
		Name:        "list_workflows",
		Description: "List the organization's workflows with ids, names and active state.",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}, s.handleListWorkflows)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "run_workflow",
		Description: "Enqueue a workflow execution. Runs pass the same quota admission as API calls; quota rejections return the stable error code.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"workflow_id": map[string]interface{}{
					"type":        "string",
					"description": "The workflow to run (from list_workflows)",
				},
				"initial_data": map[string]interface{}{
					"type":        "object",
					"description": "Optional trigger payload passed to the workflow",
				},
			},
			Required: []string{"workflow_id"},
		},
	}, s.handleRunWorkflow)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "get_execution",
		Description: "Fetch an execution record with per-node results and status.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"execution_id": map[string]interface{}{
					"type":        "string",
					"description": "The execution id returned by run_workflow",
				},
			},
			Required: []string{"execution_id"},
		},
	}, s.handleGetExecution)
}

func (s *Server) handleListWorkflows(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflows, err := s.store.ListWorkflows(ctx, s.cfg.OrganizationID)
	if err != nil {
		return errorResponse(fmt.Sprintf("listing workflows failed: %v", err)), nil
	}

	type row struct {
		ID      string `json:"id"`
		Name    string `json:"name"`
		Active  bool   `json:"active"`
		Version int    `json:"version"`
	}
	rows := make([]row, 0, len(workflows))
	for _, wf := range workflows {
		rows = append(rows, row{ID: wf.ID, Name: wf.Name, Active: wf.Active, Version: wf.Version})
	}
	return jsonResponse(rows)
}

func (s *Server) handleRunWorkflow(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := request.RequireString("workflow_id")
	if err != nil {
		return errorResponse("Missing or invalid 'workflow_id' argument"), nil
	}

	wf, err := s.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return errorResponse(fmt.Sprintf("workflow lookup failed: %v", err)), nil
	}
	if wf.OrganizationID != s.cfg.OrganizationID {
		return errorResponse(fmt.Sprintf("workflow not found: %s", workflowID)), nil
	}

	var initialData map[string]any
	if args := request.GetArguments(); args != nil {
		if data, ok := args["initial_data"].(map[string]any); ok {
			initialData = data
		}
	}

	now := time.Now().UTC()
	executionID, err := s.enqueuer.Enqueue(ctx, &queue.RunRequest{
		WorkflowID:     wf.ID,
		OrganizationID: s.cfg.OrganizationID,
		UserID:         s.cfg.UserID,
		TriggerType:    workflow.TriggerManual,
		TriggerData: queue.TriggerData{
			Payload:   initialData,
			Timestamp: now.Format(time.RFC3339),
			Source:    "manual",
		},
	})
	if err != nil {
		return errorResponse(fmt.Sprintf("enqueue rejected: %v", err)), nil
	}
	return jsonResponse(map[string]string{"executionId": executionID})
}

func (s *Server) handleGetExecution(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := request.RequireString("execution_id")
	if err != nil {
		return errorResponse("Missing or invalid 'execution_id' argument"), nil
	}

	rec, err := s.store.GetExecution(ctx, executionID)
	if err != nil {
		return errorResponse(fmt.Sprintf("execution lookup failed: %v", err)), nil
	}
	if rec.OrganizationID != s.cfg.OrganizationID {
		return errorResponse(fmt.Sprintf("execution not found: %s", executionID)), nil
	}
	return jsonResponse(rec)
}

// Run serves the MCP protocol over stdio until the transport closes.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting mcp server", slog.String("version", s.cfg.Version))
	if err := server.ServeStdio(s.mcpServer); err != nil {
		return fmt.Errorf("mcp server error: %w", err)
	}
	return nil
}

func errorResponse(message string) *mcp.CallToolResult {
	return mcp.NewToolResultError(message)
}

func jsonResponse(v any) (*mcp.CallToolResult, error) {
	encoded, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResponse(fmt.Sprintf("encoding result failed: %v", err)), nil
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.NewTextContent(string(encoded)),
		},
	}, nil
}
