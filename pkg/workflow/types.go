// Package workflow defines the workflow graph model and its execution
// primitives.
//
// A workflow is a directed acyclic graph of nodes. Each node carries a
// role (trigger, action, transform, condition, loop) encoded as a prefix
// of its type string; action and trigger nodes additionally name the
// connector and function they bind to ("action.slack.send_message").
// Loop bodies are declared subgraphs referenced by node id, never
// back-edges, so the outer graph stays acyclic.
package workflow

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tombee/switchboard/pkg/errors"
)

// Role classifies what a node does during execution.
type Role string

const (
	// RoleTrigger marks the node that starts an execution. Its output is
	// the trigger payload seeded by the dispatcher.
	RoleTrigger Role = "trigger"

	// RoleAction invokes a connector function against an external vendor.
	RoleAction Role = "action"

	// RoleTransform produces output equal to its resolved parameters.
	RoleTransform Role = "transform"

	// RoleCondition evaluates branch rules and selects one outgoing edge.
	RoleCondition Role = "condition"

	// RoleLoop iterates a declared body subgraph over a collection.
	RoleLoop Role = "loop"
)

// Valid roles for validation
var validRoles = map[Role]bool{
	RoleTrigger:   true,
	RoleAction:    true,
	RoleTransform: true,
	RoleCondition: true,
	RoleLoop:      true,
}

// IsValid checks if a role is valid.
func (r Role) IsValid() bool {
	return validRoles[r]
}

// NodeType is the parsed form of a node's type string.
type NodeType struct {
	// Role is the execution role prefix
	Role Role

	// AppID names the connector for action and trigger nodes
	AppID string

	// FunctionID names the connector function for action and trigger nodes
	FunctionID string
}

// ParseNodeType parses a node type string such as "action.slack.send_message"
// or "condition". Action and trigger types require both a connector id and a
// function id; the remaining roles take none.
func ParseNodeType(s string) (NodeType, error) {
	if s == "" {
		return NodeType{}, &errors.ValidationError{
			Field:      "type",
			Message:    "node type cannot be empty",
			Suggestion: "use a role prefix such as action, trigger, transform, condition, or loop",
		}
	}

	parts := strings.SplitN(s, ".", 3)
	role := Role(parts[0])
	if !role.IsValid() {
		return NodeType{}, &errors.ValidationError{
			Field:      "type",
			Message:    fmt.Sprintf("unknown node role %q", parts[0]),
			Suggestion: "valid roles are trigger, action, transform, condition, loop",
		}
	}

	nt := NodeType{Role: role}
	if role == RoleAction || role == RoleTrigger {
		if len(parts) < 2 || parts[1] == "" {
			return NodeType{}, &errors.ValidationError{
				Field:      "type",
				Message:    fmt.Sprintf("%s node type %q is missing a connector id", role, s),
				Suggestion: fmt.Sprintf("use the form %s.<connectorId>.<functionId>", role),
			}
		}
		if len(parts) < 3 || parts[2] == "" {
			return NodeType{}, &errors.ValidationError{
				Field:      "type",
				Message:    fmt.Sprintf("%s node type %q is missing a function id", role, s),
				Suggestion: fmt.Sprintf("use the form %s.<connectorId>.<functionId>", role),
			}
		}
		nt.AppID = parts[1]
		nt.FunctionID = parts[2]
	}

	return nt, nil
}

// FunctionKey returns the canonical lookup key for this node type.
// Action and trigger nodes produce "role.app.function"; the structural
// roles produce the bare role name.
func (t NodeType) FunctionKey() string {
	if t.Role == RoleAction || t.Role == RoleTrigger {
		return FunctionKey(t.Role, t.AppID, t.FunctionID)
	}
	return string(t.Role)
}

// FunctionKey builds the canonical "role.app.function" key used by the
// connector registry for O(1) function lookup.
func FunctionKey(role Role, appID, functionID string) string {
	return string(role) + "." + appID + "." + functionID
}

// NodeData holds the node's configuration payload. It is map-backed so
// that builder-supplied keys survive a parse/serialize round trip; typed
// accessors cover the fields the runtime interprets.
type NodeData map[string]any

// Label returns the human-readable node label.
func (d NodeData) Label() string { return d.stringField("label") }

// App returns the connector id declared in the data payload. Action and
// trigger nodes usually carry the same id in their type string; the data
// field wins when both are present.
func (d NodeData) App() string { return d.stringField("app") }

// Function returns the connector function id declared in the data payload.
func (d NodeData) Function() string { return d.stringField("function") }

// ConnectionID returns the stored connection this node executes with.
func (d NodeData) ConnectionID() string { return d.stringField("connectionId") }

// Parameters returns the raw parameter map. Values may be literals or
// resolver directives; interpretation happens at execution time.
func (d NodeData) Parameters() map[string]any { return d.mapField("parameters") }

// Config returns the role-specific configuration map (condition rules,
// loop body, retry policy).
func (d NodeData) Config() map[string]any { return d.mapField("config") }

// LoopBody returns the declared body subgraph node ids for loop nodes.
// Returns nil when the node declares no body.
func (d NodeData) LoopBody() []string {
	cfg := d.Config()
	if cfg == nil {
		return nil
	}
	raw, ok := cfg["bodyNodes"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		ids := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				ids = append(ids, s)
			}
		}
		return ids
	default:
		return nil
	}
}

func (d NodeData) stringField(key string) string {
	if d == nil {
		return ""
	}
	s, _ := d[key].(string)
	return s
}

func (d NodeData) mapField(key string) map[string]any {
	if d == nil {
		return nil
	}
	m, _ := d[key].(map[string]any)
	return m
}

// Node is a single vertex in a workflow graph.
type Node struct {
	// ID is the unique node identifier within this graph
	ID string `json:"id"`

	// Type encodes the role and, for action/trigger nodes, the bound
	// connector function ("action.slack.send_message")
	Type string `json:"type"`

	// Data is the node configuration payload
	Data NodeData `json:"data,omitempty"`

	// Position is builder layout state. It is carried opaquely and never
	// interpreted by the runtime.
	Position json.RawMessage `json:"position,omitempty"`
}

// ParsedType parses the node's type string.
func (n *Node) ParsedType() (NodeType, error) {
	return ParseNodeType(n.Type)
}

// Role returns the node's role, or the empty string when the type does
// not parse.
func (n *Node) Role() Role {
	nt, err := ParseNodeType(n.Type)
	if err != nil {
		return ""
	}
	return nt.Role
}

// AppID returns the connector id for this node, preferring the data
// payload over the type string.
func (n *Node) AppID() string {
	if app := n.Data.App(); app != "" {
		return app
	}
	nt, err := ParseNodeType(n.Type)
	if err != nil {
		return ""
	}
	return nt.AppID
}

// FunctionID returns the connector function id for this node, preferring
// the data payload over the type string.
func (n *Node) FunctionID() string {
	if fn := n.Data.Function(); fn != "" {
		return fn
	}
	nt, err := ParseNodeType(n.Type)
	if err != nil {
		return ""
	}
	return nt.FunctionID
}

// Edge is a directed connection between two nodes. Condition nodes label
// their outgoing edges with a branch label or match value.
type Edge struct {
	// ID is the optional edge identifier. When absent, EdgeID synthesizes
	// a stable one from the endpoints.
	ID string `json:"id,omitempty"`

	// Source is the upstream node id
	Source string `json:"source"`

	// Target is the downstream node id
	Target string `json:"target"`

	// Label is the optional branch label for condition edges
	Label string `json:"label,omitempty"`

	// Value is the optional branch match value for condition edges
	Value any `json:"value,omitempty"`
}

// EdgeID returns the edge identifier, synthesizing "source->target" when
// the graph did not assign one.
func (e Edge) EdgeID() string {
	if e.ID != "" {
		return e.ID
	}
	return e.Source + "->" + e.Target
}

// Graph is a complete workflow definition: nodes plus directed edges.
type Graph struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`

	// StopOnError aborts the walk at the first node failure. The default
	// records the failure, skips its downstream subgraph, and keeps
	// running independent branches.
	StopOnError bool `json:"stopOnError,omitempty"`
}

// ParseGraph decodes a JSON workflow graph. The inverse, json.Marshal,
// preserves every key the builder supplied.
func ParseGraph(data []byte) (*Graph, error) {
	var g Graph
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, &errors.ValidationError{
			Field:      "graph",
			Message:    fmt.Sprintf("invalid graph JSON: %s", err.Error()),
			Suggestion: "the graph must be an object with nodes[] and edges[]",
		}
	}
	return &g, nil
}

// NodeByID returns the node with the given id.
func (g *Graph) NodeByID(id string) (*Node, bool) {
	for i := range g.Nodes {
		if g.Nodes[i].ID == id {
			return &g.Nodes[i], true
		}
	}
	return nil, false
}

// TriggerNodes returns every node with the trigger role, in declaration
// order.
func (g *Graph) TriggerNodes() []Node {
	var triggers []Node
	for _, n := range g.Nodes {
		if n.Role() == RoleTrigger {
			triggers = append(triggers, n)
		}
	}
	return triggers
}
