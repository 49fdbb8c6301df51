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

package webhook

import (
	"encoding/json"
	"testing"
)

func TestParseFiltersMapForm(t *testing.T) {
	filters, err := ParseFilters(map[string]any{
		"filters": map[string]any{
			"event.type": "order.created",
			"source":     "api",
		},
	})
	if err != nil {
		t.Fatalf("ParseFilters() error = %v", err)
	}
	if len(filters) != 2 {
		t.Fatalf("got %d filters, want 2", len(filters))
	}
	// Map form sorts by path for determinism.
	if filters[0].Path != "event.type" || filters[1].Path != "source" {
		t.Errorf("paths = %q, %q", filters[0].Path, filters[1].Path)
	}
	if filters[0].Op != FilterEquals {
		t.Errorf("op = %q, want equals", filters[0].Op)
	}
}

func TestParseFiltersArrayForm(t *testing.T) {
	var metadata map[string]any
	raw := `{"filters":[{"path":"tags","op":"contains","value":"urgent"},{"path":"status","value":"open"}]}`
	if err := json.Unmarshal([]byte(raw), &metadata); err != nil {
		t.Fatal(err)
	}
	filters, err := ParseFilters(metadata)
	if err != nil {
		t.Fatalf("ParseFilters() error = %v", err)
	}
	if len(filters) != 2 {
		t.Fatalf("got %d filters, want 2", len(filters))
	}
	if filters[0].Op != FilterContains || filters[0].Value != "urgent" {
		t.Errorf("filter 0 = %+v", filters[0])
	}
}

func TestParseFiltersErrors(t *testing.T) {
	if _, err := ParseFilters(map[string]any{"filters": []any{map[string]any{"op": "equals"}}}); err == nil {
		t.Error("ParseFilters() accepted filter without path")
	}
	if _, err := ParseFilters(map[string]any{"filters": []any{map[string]any{"path": "a", "op": "regex"}}}); err == nil {
		t.Error("ParseFilters() accepted unknown op")
	}
	if filters, err := ParseFilters(nil); err != nil || filters != nil {
		t.Errorf("ParseFilters(nil) = %v, %v", filters, err)
	}
}

func TestMatchFilters(t *testing.T) {
	payload := map[string]any{
		"event": map[string]any{"type": "order.created", "total": float64(42)},
		"tags":  []any{"new", "priority"},
		"note":  "rush order for q3",
	}

	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"dot path equality", Filter{Path: "event.type", Value: "order.created"}, true},
		{"dot path mismatch", Filter{Path: "event.type", Value: "order.updated"}, false},
		{"numeric equality across types", Filter{Path: "event.total", Value: 42}, true},
		{"missing path", Filter{Path: "event.missing", Value: "x"}, false},
		{"path through non-map", Filter{Path: "note.deeper", Value: "x"}, false},
		{"contains on string", Filter{Path: "note", Op: FilterContains, Value: "rush"}, true},
		{"contains on string miss", Filter{Path: "note", Op: FilterContains, Value: "calm"}, false},
		{"contains on array", Filter{Path: "tags", Op: FilterContains, Value: "priority"}, true},
		{"contains on array miss", Filter{Path: "tags", Op: FilterContains, Value: "low"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MatchFilters([]Filter{tt.filter}, payload); got != tt.want {
				t.Errorf("MatchFilters() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMatchFiltersAllMustPass(t *testing.T) {
	payload := map[string]any{"a": "1", "b": "2"}
	filters := []Filter{
		{Path: "a", Value: "1"},
		{Path: "b", Value: "wrong"},
	}
	if MatchFilters(filters, payload) {
		t.Error("MatchFilters() = true with one failing filter")
	}
}

func TestEventHashStability(t *testing.T) {
	payload := map[string]any{"b": float64(2), "a": float64(1)}

	h1 := EventHash("wf", "wh", "trig", "slack", payload, []byte(`{"b":2,"a":1}`))
	h2 := EventHash("wf", "wh", "trig", "slack", map[string]any{"a": float64(1), "b": float64(2)}, []byte(`{"a": 1, "b": 2}`))
	if h1 != h2 {
		t.Errorf("equivalent payloads hash differently: %q vs %q", h1, h2)
	}

	if EventHash("wf2", "wh", "trig", "slack", payload, nil) == h1 {
		t.Error("different workflow ids share a hash")
	}
	if EventHash("wf", "wh", "trig", "stripe", payload, nil) == h1 {
		t.Error("different sources share a hash")
	}
}

func TestRingAppendEviction(t *testing.T) {
	var tokens []string
	for i := 0; i < 5; i++ {
		tokens = RingAppend(tokens, string(rune('a'+i)), 3)
	}
	if len(tokens) != 3 {
		t.Fatalf("ring size = %d, want 3", len(tokens))
	}
	if tokens[0] != "c" || tokens[2] != "e" {
		t.Errorf("ring = %v, want [c d e]", tokens)
	}
}
