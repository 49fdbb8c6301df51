package resolve

import (
	"fmt"

	"github.com/tombee/switchboard/pkg/workflow/expression"
)

// Directive modes recognized in parameter leaves.
const (
	ModeRef  = "ref"
	ModeExpr = "expr"
)

// Context is the read-only data a resolution runs against: prior node
// outputs keyed by node id (including the "trigger" seed), workflow
// variables, and any loop aliases in effect.
type Context struct {
	// NodeOutputs maps node id to that node's output. The dispatcher
	// seeds the "trigger" entry before the walk starts.
	NodeOutputs map[string]any

	// Variables are workflow-scoped values visible as variables.* in
	// expressions.
	Variables map[string]any

	// Aliases are loop-iteration bindings (item, index) merged into the
	// expression scope root.
	Aliases map[string]any
}

// Scope materializes the expression scope: steps.<nodeId>, trigger,
// variables.*, sibling outputs by short name, and loop aliases. Aliases
// win over sibling names on collision.
func (c *Context) Scope() map[string]any {
	scope := make(map[string]any, len(c.NodeOutputs)+len(c.Aliases)+3)
	steps := make(map[string]any, len(c.NodeOutputs))
	for id, out := range c.NodeOutputs {
		if id == "trigger" {
			continue
		}
		steps[id] = out
		scope[id] = out
	}
	scope["steps"] = steps
	scope["trigger"] = c.NodeOutputs["trigger"]
	scope["variables"] = c.Variables
	for k, v := range c.Aliases {
		scope[k] = v
	}
	return scope
}

// Resolver resolves parameter trees. Safe for concurrent use; the
// expression evaluator it wraps caches compiled programs.
type Resolver struct {
	eval *expression.Evaluator
}

// New creates a parameter resolver.
func New() *Resolver {
	return &Resolver{eval: expression.New()}
}

// Parameters resolves a node's parameter tree against the context.
// Literal leaves are copied verbatim; ref and expr directives are
// resolved in place. A directive that resolves to undefined has its key
// dropped from the result, with a diagnostic recording why.
func (r *Resolver) Parameters(params map[string]any, ctx *Context) (map[string]any, []string) {
	if params == nil {
		return map[string]any{}, nil
	}
	var diags []string
	resolved := r.resolveMap(params, ctx, "", &diags)
	return resolved, diags
}

// Value resolves a single parameter leaf. The boolean result is false
// when the leaf resolved to undefined.
func (r *Resolver) Value(leaf any, ctx *Context) (any, bool, []string) {
	var diags []string
	value, ok := r.resolveLeaf(leaf, ctx, "", &diags)
	return value, ok, diags
}

func (r *Resolver) resolveMap(m map[string]any, ctx *Context, at string, diags *[]string) map[string]any {
	out := make(map[string]any, len(m))
	for key, value := range m {
		path := key
		if at != "" {
			path = at + "." + key
		}
		resolved, ok := r.resolveLeaf(value, ctx, path, diags)
		if !ok {
			continue
		}
		out[key] = resolved
	}
	return out
}

func (r *Resolver) resolveSlice(s []any, ctx *Context, at string, diags *[]string) []any {
	out := make([]any, 0, len(s))
	for i, value := range s {
		resolved, ok := r.resolveLeaf(value, ctx, fmt.Sprintf("%s[%d]", at, i), diags)
		if !ok {
			// Undefined array members collapse rather than leaving holes.
			continue
		}
		out = append(out, resolved)
	}
	return out
}

// resolveLeaf dispatches one subtree: directives resolve, containers
// recurse, everything else copies verbatim.
func (r *Resolver) resolveLeaf(value any, ctx *Context, at string, diags *[]string) (any, bool) {
	switch v := value.(type) {
	case map[string]any:
		if mode, ok := v["mode"].(string); ok {
			switch mode {
			case ModeRef:
				return r.resolveRef(v, ctx, at, diags)
			case ModeExpr:
				return r.resolveExpr(v, ctx, at, diags)
			}
		}
		return r.resolveMap(v, ctx, at, diags), true
	case []any:
		return r.resolveSlice(v, ctx, at, diags), true
	default:
		return value, true
	}
}

func (r *Resolver) resolveRef(directive map[string]any, ctx *Context, at string, diags *[]string) (any, bool) {
	nodeID, _ := directive["nodeId"].(string)
	pathText, _ := directive["path"].(string)
	if nodeID == "" {
		*diags = append(*diags, fmt.Sprintf("%s: ref directive is missing nodeId", at))
		return nil, false
	}

	root, ok := ctx.NodeOutputs[nodeID]
	if !ok {
		*diags = append(*diags, fmt.Sprintf("%s: ref target node %q has no output", at, nodeID))
		return nil, false
	}
	if pathText == "" {
		return root, true
	}

	segments, err := parsePath(pathText)
	if err != nil {
		*diags = append(*diags, fmt.Sprintf("%s: %s", at, err.Error()))
		return nil, false
	}

	value, ok := walkPath(root, segments)
	if !ok {
		*diags = append(*diags, fmt.Sprintf("%s: path %q not present in output of %q", at, pathText, nodeID))
		return nil, false
	}
	return value, true
}

func (r *Resolver) resolveExpr(directive map[string]any, ctx *Context, at string, diags *[]string) (any, bool) {
	exprText, _ := directive["expression"].(string)
	fallback, hasFallback := directive["fallback"]

	var result expression.Result
	if expected := expectedType(directive); expected != "" {
		result = r.eval.EvaluateTyped(exprText, ctx.Scope(), expected)
	} else {
		result = r.eval.Evaluate(exprText, ctx.Scope())
	}

	if result.Valid {
		return result.Value, true
	}

	for _, d := range result.Diagnostics {
		*diags = append(*diags, fmt.Sprintf("%s: %s", at, d))
	}
	if hasFallback {
		return fallback, true
	}
	return nil, false
}

// expectedType extracts the optional result schema from an expr
// directive. Both a bare type name and a {"type": name} object are
// accepted.
func expectedType(directive map[string]any) string {
	raw, ok := directive["expectedResultSchema"]
	if !ok {
		return ""
	}
	switch v := raw.(type) {
	case string:
		return v
	case map[string]any:
		t, _ := v["type"].(string)
		return t
	default:
		return ""
	}
}
