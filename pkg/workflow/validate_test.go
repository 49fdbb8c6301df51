package workflow

import (
	"testing"

	"github.com/tombee/switchboard/pkg/errors"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		graph     *Graph
		wantValid bool
		wantCodes []errors.Code
	}{
		{
			name:      "valid linear graph",
			graph:     linearGraph(),
			wantValid: true,
		},
		{
			name:      "valid diamond graph",
			graph:     diamondGraph(),
			wantValid: true,
		},
		{
			name:      "empty graph",
			graph:     &Graph{},
			wantCodes: []errors.Code{errors.CodeInvalidGraph},
		},
		{
			name: "duplicate node ids",
			graph: &Graph{
				Nodes: []Node{
					{ID: "n", Type: "trigger.slack.new_message"},
					{ID: "n", Type: "action.slack.send_message"},
				},
			},
			wantCodes: []errors.Code{errors.CodeInvalidGraph},
		},
		{
			name: "no trigger node",
			graph: &Graph{
				Nodes: []Node{
					{ID: "a", Type: "action.slack.send_message"},
				},
			},
			wantCodes: []errors.Code{errors.CodeInvalidGraph},
		},
		{
			name: "unknown node role",
			graph: &Graph{
				Nodes: []Node{
					{ID: "t", Type: "trigger.slack.new_message"},
					{ID: "x", Type: "subflow.foo.bar"},
				},
			},
			wantCodes: []errors.Code{errors.CodeUnknownNodeType},
		},
		{
			name: "action missing connector",
			graph: &Graph{
				Nodes: []Node{
					{ID: "t", Type: "trigger.slack.new_message"},
					{ID: "a", Type: "action"},
				},
			},
			wantCodes: []errors.Code{errors.CodeMissingApp},
		},
		{
			name: "action missing function",
			graph: &Graph{
				Nodes: []Node{
					{ID: "t", Type: "trigger.slack.new_message"},
					{ID: "a", Type: "action.slack"},
				},
			},
			wantCodes: []errors.Code{errors.CodeMissingFunction},
		},
		{
			name: "edge to unknown node",
			graph: &Graph{
				Nodes: []Node{
					{ID: "t", Type: "trigger.slack.new_message"},
				},
				Edges: []Edge{{Source: "t", Target: "ghost"}},
			},
			wantCodes: []errors.Code{errors.CodeInvalidGraph},
		},
		{
			name: "cycle outside loop body",
			graph: &Graph{
				Nodes: []Node{
					{ID: "t", Type: "trigger.slack.new_message"},
					{ID: "a", Type: "action.slack.send_message"},
					{ID: "b", Type: "transform"},
				},
				Edges: []Edge{
					{Source: "t", Target: "a"},
					{Source: "a", Target: "b"},
					{Source: "b", Target: "a"},
				},
			},
			wantCodes: []errors.Code{errors.CodeInvalidGraph, errors.CodeInvalidGraph},
		},
		{
			name: "cycle inside declared loop body is allowed",
			graph: &Graph{
				Nodes: []Node{
					{ID: "t", Type: "trigger.slack.new_message"},
					{ID: "loop", Type: "loop", Data: NodeData{
						"config": map[string]any{"bodyNodes": []any{"a", "b"}},
					}},
					{ID: "a", Type: "action.slack.send_message"},
					{ID: "b", Type: "transform"},
				},
				Edges: []Edge{
					{Source: "t", Target: "loop"},
					{Source: "a", Target: "b"},
					{Source: "b", Target: "a"},
				},
			},
			wantValid: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Validate(tt.graph)
			if result.Valid != tt.wantValid {
				t.Fatalf("Valid = %v, want %v (errors: %v)", result.Valid, tt.wantValid, result.Errors)
			}
			if tt.wantValid {
				if len(result.Errors) != 0 {
					t.Errorf("valid graph should carry no issues, got %v", result.Errors)
				}
				return
			}
			if len(result.Errors) != len(tt.wantCodes) {
				t.Fatalf("got %d issues %v, want %d", len(result.Errors), result.Errors, len(tt.wantCodes))
			}
			for i, code := range tt.wantCodes {
				if result.Errors[i].Code != code {
					t.Errorf("issue %d code = %q, want %q", i, result.Errors[i].Code, code)
				}
			}
		})
	}
}

func TestValidateCollectsMultipleIssues(t *testing.T) {
	g := &Graph{
		Nodes: []Node{
			{ID: "a", Type: "action"},
			{ID: "x", Type: "wat"},
		},
	}
	result := Validate(g)
	if result.Valid {
		t.Fatal("expected invalid graph")
	}
	// Missing app, unknown type, and no trigger.
	if len(result.Errors) != 3 {
		t.Errorf("got %d issues, want 3: %v", len(result.Errors), result.Errors)
	}
}
