package expression

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// programCacheSize bounds the compiled-program LRU. Workflows re-run the
// same expressions constantly; 512 distinct sources per process is ample.
const programCacheSize = 512

// Result is the outcome of evaluating one expression.
type Result struct {
	// Value is the computed value; nil when Valid is false
	Value any `json:"value"`

	// Valid reports whether evaluation completed without error
	Valid bool `json:"valid"`

	// Diagnostics lists parse or evaluation problems in order
	Diagnostics []string `json:"diagnostics,omitempty"`
}

// Evaluator compiles and runs sandboxed expressions. Compiled programs
// are cached in a bounded LRU keyed by source text. Safe for concurrent
// use.
type Evaluator struct {
	cache *lru.Cache[string, *program]
}

// New creates a new expression evaluator.
func New() *Evaluator {
	cache, _ := lru.New[string, *program](programCacheSize)
	return &Evaluator{cache: cache}
}

// Evaluate runs an expression against the given scope. The scope is the
// complete identifier universe: any root identifier not present is an
// evaluation error. Member access into missing keys yields null rather
// than an error so optional fields compose.
func (e *Evaluator) Evaluate(expression string, scope map[string]any) Result {
	prog, err := e.compile(expression)
	if err != nil {
		return Result{Valid: false, Diagnostics: []string{fmt.Sprintf("parse error: %s", err.Error())}}
	}

	ev := &evaluation{scope: scope}
	value, err := prog.root.eval(ev)
	if err != nil {
		return Result{Valid: false, Diagnostics: []string{fmt.Sprintf("evaluation error: %s", err.Error())}}
	}

	return Result{Value: value, Valid: true}
}

// EvaluateTyped runs an expression and additionally checks the result
// against an expected type name (string, number, boolean, object,
// array, null). A mismatch invalidates the result.
func (e *Evaluator) EvaluateTyped(expression string, scope map[string]any, expectedType string) Result {
	result := e.Evaluate(expression, scope)
	if !result.Valid || expectedType == "" {
		return result
	}
	if actual := typeName(result.Value); actual != expectedType {
		result.Valid = false
		result.Diagnostics = append(result.Diagnostics,
			fmt.Sprintf("expected result of type %s, got %s", expectedType, actual))
		result.Value = nil
	}
	return result
}

// CacheSize returns the number of cached compiled programs.
func (e *Evaluator) CacheSize() int {
	return e.cache.Len()
}

// ClearCache drops every cached program. Mainly useful for testing.
func (e *Evaluator) ClearCache() {
	e.cache.Purge()
}

func (e *Evaluator) compile(expression string) (*program, error) {
	if prog, ok := e.cache.Get(expression); ok {
		return prog, nil
	}
	prog, err := parse(expression)
	if err != nil {
		return nil, err
	}
	e.cache.Add(expression, prog)
	return prog, nil
}

// typeName maps a Go value to its JSON-ish type name.
func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64, float32, int, int32, int64:
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}

// evaluation carries per-run state through the AST walk.
type evaluation struct {
	scope map[string]any
}

func (n *literalNode) eval(ev *evaluation) (any, error) {
	return n.value, nil
}

func (n *identNode) eval(ev *evaluation) (any, error) {
	value, ok := ev.scope[n.name]
	if !ok {
		return nil, fmt.Errorf("identifier %q is not in scope", n.name)
	}
	return value, nil
}

func (n *memberNode) eval(ev *evaluation) (any, error) {
	target, err := n.target.eval(ev)
	if err != nil {
		return nil, err
	}
	switch v := target.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		return v[n.name], nil
	default:
		return nil, nil
	}
}

func (n *indexNode) eval(ev *evaluation) (any, error) {
	target, err := n.target.eval(ev)
	if err != nil {
		return nil, err
	}
	index, err := n.index.eval(ev)
	if err != nil {
		return nil, err
	}

	switch v := target.(type) {
	case nil:
		return nil, nil
	case []any:
		i, ok := toInt(index)
		if !ok {
			return nil, fmt.Errorf("array index must be a number, got %s", typeName(index))
		}
		if i < 0 || int(i) >= len(v) {
			return nil, nil
		}
		return v[i], nil
	case map[string]any:
		key, ok := index.(string)
		if !ok {
			return nil, fmt.Errorf("object key must be a string, got %s", typeName(index))
		}
		return v[key], nil
	default:
		return nil, nil
	}
}

func (n *unaryNode) eval(ev *evaluation) (any, error) {
	operand, err := n.operand.eval(ev)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case "!":
		return !truthy(operand), nil
	case "-":
		f, ok := toFloat(operand)
		if !ok {
			return nil, fmt.Errorf("cannot negate %s", typeName(operand))
		}
		return -f, nil
	}
	return nil, fmt.Errorf("unknown unary operator %q", n.op)
}

func (n *binaryNode) eval(ev *evaluation) (any, error) {
	// Short-circuit boolean operators before evaluating the right side.
	switch n.op {
	case "&&":
		left, err := n.left.eval(ev)
		if err != nil {
			return nil, err
		}
		if !truthy(left) {
			return false, nil
		}
		right, err := n.right.eval(ev)
		if err != nil {
			return nil, err
		}
		return truthy(right), nil
	case "||":
		left, err := n.left.eval(ev)
		if err != nil {
			return nil, err
		}
		if truthy(left) {
			return true, nil
		}
		right, err := n.right.eval(ev)
		if err != nil {
			return nil, err
		}
		return truthy(right), nil
	}

	left, err := n.left.eval(ev)
	if err != nil {
		return nil, err
	}
	right, err := n.right.eval(ev)
	if err != nil {
		return nil, err
	}

	switch n.op {
	case "==":
		return looseEqual(left, right), nil
	case "!=":
		return !looseEqual(left, right), nil
	case "<", ">", "<=", ">=":
		return compare(n.op, left, right)
	case "+":
		// String concatenation when either side is a string.
		if ls, ok := left.(string); ok {
			return ls + stringify(right), nil
		}
		if rs, ok := right.(string); ok {
			return stringify(left) + rs, nil
		}
		return arith(n.op, left, right)
	case "-", "*", "/", "%":
		return arith(n.op, left, right)
	}
	return nil, fmt.Errorf("unknown operator %q", n.op)
}

func (n *callNode) eval(ev *evaluation) (any, error) {
	fn, ok := builtins[n.name]
	if !ok {
		return nil, fmt.Errorf("unknown function %s", n.name)
	}
	args := make([]any, len(n.args))
	for i, arg := range n.args {
		value, err := arg.eval(ev)
		if err != nil {
			return nil, err
		}
		args[i] = value
	}
	return fn(args)
}

func compare(op string, left, right any) (any, error) {
	// Strings compare lexicographically, everything else numerically.
	if ls, lok := left.(string); lok {
		rs, rok := right.(string)
		if !rok {
			return nil, fmt.Errorf("cannot compare string with %s", typeName(right))
		}
		switch op {
		case "<":
			return ls < rs, nil
		case ">":
			return ls > rs, nil
		case "<=":
			return ls <= rs, nil
		case ">=":
			return ls >= rs, nil
		}
	}

	lf, lok := toFloat(left)
	rf, rok := toFloat(right)
	if !lok || !rok {
		return nil, fmt.Errorf("cannot compare %s with %s", typeName(left), typeName(right))
	}
	switch op {
	case "<":
		return lf < rf, nil
	case ">":
		return lf > rf, nil
	case "<=":
		return lf <= rf, nil
	case ">=":
		return lf >= rf, nil
	}
	return nil, fmt.Errorf("unknown comparison %q", op)
}

func arith(op string, left, right any) (any, error) {
	lf, lok := toFloat(left)
	rf, rok := toFloat(right)
	if !lok || !rok {
		return nil, fmt.Errorf("cannot apply %q to %s and %s", op, typeName(left), typeName(right))
	}
	switch op {
	case "+":
		return lf + rf, nil
	case "-":
		return lf - rf, nil
	case "*":
		return lf * rf, nil
	case "/":
		if rf == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		return lf / rf, nil
	case "%":
		li := int64(lf)
		ri := int64(rf)
		if ri == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		return float64(li % ri), nil
	}
	return nil, fmt.Errorf("unknown operator %q", op)
}

// looseEqual compares with numeric coercion so 1 == 1.0 regardless of
// the concrete Go type the JSON decoder produced.
func looseEqual(left, right any) bool {
	if left == nil && right == nil {
		return true
	}
	lf, lok := toFloat(left)
	rf, rok := toFloat(right)
	if lok && rok {
		return lf == rf
	}
	return left == right
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case int:
		return t != 0
	case int64:
		return t != 0
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	default:
		return 0, false
	}
}

func toInt(v any) (int64, bool) {
	f, ok := toFloat(v)
	if !ok {
		return 0, false
	}
	return int64(f), true
}
