package expression

import (
	"fmt"
	"reflect"
	"strings"
	"testing"
)

func testScope() map[string]any {
	return map[string]any{
		"trigger": map[string]any{
			"payload": map[string]any{
				"id":     "ord-1",
				"region": "eu-west",
				"amount": 42.5,
				"items":  []any{"a", "b", "c"},
			},
		},
		"steps": map[string]any{
			"enrichment": map[string]any{
				"score": 0.92,
				"tags":  []any{"vip"},
			},
			"count": map[string]any{
				"total": float64(7),
			},
		},
		"variables": map[string]any{
			"threshold": 0.9,
		},
	}
}

func TestEvaluate(t *testing.T) {
	eval := New()
	tests := []struct {
		name string
		expr string
		want any
	}{
		{"number literal", "42", float64(42)},
		{"decimal literal", "3.5", 3.5},
		{"string literal single quotes", "'hello'", "hello"},
		{"string literal double quotes", `"hello"`, "hello"},
		{"true literal", "true", true},
		{"null literal", "null", nil},
		{"scope member access", "trigger.payload.id", "ord-1"},
		{"nested number", "steps.enrichment.score", 0.92},
		{"array index", "trigger.payload.items[1]", "b"},
		{"bracket string key", `trigger.payload["region"]`, "eu-west"},
		{"arithmetic", "1 + 2 * 3", float64(7)},
		{"parenthesized", "(1 + 2) * 3", float64(9)},
		{"modulo", "steps.count.total % 2", float64(1)},
		{"unary minus", "-trigger.payload.amount", -42.5},
		{"comparison greater", "steps.enrichment.score > variables.threshold", true},
		{"comparison lesser", "steps.enrichment.score < 0.5", false},
		{"equality with coercion", "steps.count.total == 7", true},
		{"inequality", "trigger.payload.region != 'us-east'", true},
		{"string comparison", "'apple' < 'banana'", true},
		{"boolean and", "steps.enrichment.score > 0.9 && trigger.payload.region == 'eu-west'", true},
		{"boolean or short circuit", "true || missing_is_never_evaluated", true},
		{"negation", "!false", true},
		{"string concat operator", "'order-' + trigger.payload.id", "order-ord-1"},
		{"number concat to string", "'total: ' + steps.count.total", "total: 7"},
		{"missing member yields null", "trigger.payload.ghost", nil},
		{"missing member chain yields null", "trigger.payload.ghost.deeper", nil},
		{"out of range index yields null", "trigger.payload.items[10]", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := eval.Evaluate(tt.expr, testScope())
			if !result.Valid {
				t.Fatalf("Evaluate(%q) invalid: %v", tt.expr, result.Diagnostics)
			}
			if !reflect.DeepEqual(result.Value, tt.want) {
				t.Errorf("Evaluate(%q) = %v (%T), want %v (%T)", tt.expr, result.Value, result.Value, tt.want, tt.want)
			}
		})
	}
}

func TestEvaluateErrors(t *testing.T) {
	eval := New()
	tests := []struct {
		name string
		expr string
	}{
		{"empty expression", ""},
		{"unterminated string", "'oops"},
		{"dangling operator", "1 +"},
		{"unknown root identifier", "not_in_scope"},
		{"unknown function", "$explode(1)"},
		{"division by zero", "1 / 0"},
		{"bad comparison types", "'a' < 1"},
		{"unexpected trailing token", "1 2"},
		{"unclosed paren", "(1 + 2"},
		{"unclosed bracket", "trigger.payload.items[0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := eval.Evaluate(tt.expr, testScope())
			if result.Valid {
				t.Fatalf("Evaluate(%q) should fail, got %v", tt.expr, result.Value)
			}
			if len(result.Diagnostics) == 0 {
				t.Error("expected diagnostics")
			}
		})
	}
}

func TestEvaluateNodeLimit(t *testing.T) {
	eval := New()
	// 300 additions exceed the 256 node cap.
	expr := "1" + strings.Repeat(" + 1", 300)
	result := eval.Evaluate(expr, nil)
	if result.Valid {
		t.Fatal("oversized expression should be rejected")
	}
	if !strings.Contains(result.Diagnostics[0], "nodes") {
		t.Errorf("diagnostic = %v", result.Diagnostics)
	}
}

func TestEvaluateDepthLimit(t *testing.T) {
	eval := New()
	expr := strings.Repeat("(", 100) + "1" + strings.Repeat(")", 100)
	result := eval.Evaluate(expr, nil)
	if result.Valid {
		t.Fatal("deeply nested expression should be rejected")
	}
	if !strings.Contains(result.Diagnostics[0], "depth") {
		t.Errorf("diagnostic = %v", result.Diagnostics)
	}
}

func TestEvaluateTyped(t *testing.T) {
	eval := New()

	ok := eval.EvaluateTyped("steps.enrichment.score", testScope(), "number")
	if !ok.Valid {
		t.Fatalf("expected valid result: %v", ok.Diagnostics)
	}

	mismatch := eval.EvaluateTyped("steps.enrichment.score", testScope(), "string")
	if mismatch.Valid {
		t.Fatal("type mismatch should invalidate the result")
	}
	if mismatch.Value != nil {
		t.Errorf("mismatched value should be nil, got %v", mismatch.Value)
	}

	arr := eval.EvaluateTyped("trigger.payload.items", testScope(), "array")
	if !arr.Valid {
		t.Fatalf("expected array to pass: %v", arr.Diagnostics)
	}
}

func TestEvaluatorCache(t *testing.T) {
	eval := New()
	if eval.CacheSize() != 0 {
		t.Fatalf("fresh cache size = %d", eval.CacheSize())
	}

	eval.Evaluate("1 + 1", nil)
	eval.Evaluate("1 + 1", nil)
	eval.Evaluate("2 + 2", nil)
	if eval.CacheSize() != 2 {
		t.Errorf("cache size = %d, want 2", eval.CacheSize())
	}

	eval.ClearCache()
	if eval.CacheSize() != 0 {
		t.Errorf("cache size after clear = %d", eval.CacheSize())
	}
}

func TestEvaluatorCacheBounded(t *testing.T) {
	eval := New()
	for i := 0; i < programCacheSize+50; i++ {
		eval.Evaluate(fmt.Sprintf("%d + 0", i), nil)
	}
	if eval.CacheSize() > programCacheSize {
		t.Errorf("cache size = %d exceeds bound %d", eval.CacheSize(), programCacheSize)
	}
}
