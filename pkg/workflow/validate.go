package workflow

import (
	"fmt"

	"github.com/tombee/switchboard/pkg/errors"
)

// ValidationIssue describes a single graph validation failure in a form
// suitable for returning to API callers.
type ValidationIssue struct {
	// Code is the stable machine-readable failure code
	Code errors.Code `json:"code"`

	// NodeID identifies the offending node, when the issue is node-scoped
	NodeID string `json:"nodeId,omitempty"`

	// Message is the human-readable explanation
	Message string `json:"message"`
}

// ValidationResult is the outcome of validating a graph.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationIssue `json:"errors"`
}

// Validate checks the structural invariants of a workflow graph: unique
// node ids, edges referencing existing nodes, at least one trigger node,
// parseable node types, and acyclicity outside declared loop bodies. It
// collects every issue rather than stopping at the first.
func Validate(g *Graph) ValidationResult {
	var issues []ValidationIssue

	if g == nil || len(g.Nodes) == 0 {
		issues = append(issues, ValidationIssue{
			Code:    errors.CodeInvalidGraph,
			Message: "graph has no nodes",
		})
		return ValidationResult{Valid: false, Errors: issues}
	}

	seen := make(map[string]bool, len(g.Nodes))
	hasTrigger := false
	for i, n := range g.Nodes {
		if n.ID == "" {
			issues = append(issues, ValidationIssue{
				Code:    errors.CodeInvalidGraph,
				Message: fmt.Sprintf("node at index %d has an empty id", i),
			})
			continue
		}
		if seen[n.ID] {
			issues = append(issues, ValidationIssue{
				Code:    errors.CodeInvalidGraph,
				NodeID:  n.ID,
				Message: fmt.Sprintf("duplicate node id %q", n.ID),
			})
			continue
		}
		seen[n.ID] = true

		nt, err := ParseNodeType(n.Type)
		if err != nil {
			issues = append(issues, ValidationIssue{
				Code:    typeIssueCode(n),
				NodeID:  n.ID,
				Message: err.Error(),
			})
			continue
		}
		if nt.Role == RoleTrigger {
			hasTrigger = true
		}
	}

	if !hasTrigger {
		issues = append(issues, ValidationIssue{
			Code:    errors.CodeInvalidGraph,
			Message: "graph has no trigger node",
		})
	}

	for _, e := range g.Edges {
		if !seen[e.Source] {
			issues = append(issues, ValidationIssue{
				Code:    errors.CodeInvalidGraph,
				Message: fmt.Sprintf("edge %s references unknown source node %q", e.EdgeID(), e.Source),
			})
		}
		if !seen[e.Target] {
			issues = append(issues, ValidationIssue{
				Code:    errors.CodeInvalidGraph,
				Message: fmt.Sprintf("edge %s references unknown target node %q", e.EdgeID(), e.Target),
			})
		}
	}

	// Cycle detection only makes sense once ids and edges are coherent.
	if len(issues) == 0 {
		plan, err := g.Plan()
		if err == nil {
			for _, id := range plan.Order() {
				if plan.CycleSuspected(id) && !inLoopBody(g, id) {
					issues = append(issues, ValidationIssue{
						Code:    errors.CodeInvalidGraph,
						NodeID:  id,
						Message: fmt.Sprintf("node %q is part of a cycle outside a declared loop body", id),
					})
				}
			}
		}
	}

	return ValidationResult{Valid: len(issues) == 0, Errors: issues}
}

// typeIssueCode maps a type parse failure to the most specific stable
// code. A recognized role with missing connector parts is a binding
// problem, not an unknown type.
func typeIssueCode(n Node) errors.Code {
	parts := splitTypeHead(n.Type)
	if !Role(parts).IsValid() {
		return errors.CodeUnknownNodeType
	}
	if n.AppID() == "" {
		return errors.CodeMissingApp
	}
	return errors.CodeMissingFunction
}

func splitTypeHead(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			return s[:i]
		}
	}
	return s
}

// inLoopBody reports whether the node id belongs to any loop node's
// declared body subgraph.
func inLoopBody(g *Graph, id string) bool {
	for _, n := range g.Nodes {
		if n.Role() != RoleLoop {
			continue
		}
		for _, member := range n.Data.LoopBody() {
			if member == id {
				return true
			}
		}
	}
	return false
}
