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
	"fmt"
	"sort"
	"strings"
)

// Filter ops.
const (
	FilterEquals   = "equals"
	FilterContains = "contains"
)

// Filter is one condition a delivery's payload must satisfy. Path is a
// dot path into the parsed payload ("event.type").
type Filter struct {
	Path  string `json:"path"`
	Op    string `json:"op,omitempty"`
	Value any    `json:"value"`
}

// ParseFilters reads filters from trigger metadata. Filters live under
// the "filters" key in either form: a map of path to expected value
// (equality), or an array of {path, op, value} objects. A missing key
// means no filtering.
func ParseFilters(metadata map[string]any) ([]Filter, error) {
	raw, found := metadata["filters"]
	if !found || raw == nil {
		return nil, nil
	}

	if byPath, isMap := raw.(map[string]any); isMap {
		filters := make([]Filter, 0, len(byPath))
		for path, value := range byPath {
			filters = append(filters, Filter{Path: path, Op: FilterEquals, Value: value})
		}
		sort.Slice(filters, func(i, j int) bool { return filters[i].Path < filters[j].Path })
		return filters, nil
	}

	// Round-trip through JSON so both []any (from stored metadata) and
	// []Filter (from tests) decode uniformly.
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("encoding filters: %w", err)
	}
	var filters []Filter
	if err := json.Unmarshal(encoded, &filters); err != nil {
		return nil, fmt.Errorf("filters must be a path map or an array of {path, op, value}: %w", err)
	}
	for i := range filters {
		if filters[i].Path == "" {
			return nil, fmt.Errorf("filter %d: path is required", i)
		}
		switch filters[i].Op {
		case "", FilterEquals, FilterContains:
		default:
			return nil, fmt.Errorf("filter %d: unknown op %q", i, filters[i].Op)
		}
	}
	return filters, nil
}

// MatchFilters reports whether the payload satisfies every filter.
// A filter whose path is absent from the payload does not match.
func MatchFilters(filters []Filter, payload map[string]any) bool {
	for _, f := range filters {
		value, found := lookupPath(payload, f.Path)
		if !found {
			return false
		}
		switch f.Op {
		case FilterContains:
			if !containsValue(value, f.Value) {
				return false
			}
		default:
			if !valuesEqual(value, f.Value) {
				return false
			}
		}
	}
	return true
}

// lookupPath walks a dot path through nested maps.
func lookupPath(payload map[string]any, path string) (any, bool) {
	var current any = payload
	for _, segment := range strings.Split(path, ".") {
		m, isMap := current.(map[string]any)
		if !isMap {
			return nil, false
		}
		next, found := m[segment]
		if !found {
			return nil, false
		}
		current = next
	}
	return current, true
}

// valuesEqual compares leniently across JSON number representations:
// a stored filter value of 42 must match a payload float64 42.
func valuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == b
	}
	if na, aNum := toFloat(a); aNum {
		if nb, bNum := toFloat(b); bNum {
			return na == nb
		}
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

// containsValue implements the contains op: substring match for
// strings, membership for arrays.
func containsValue(haystack, needle any) bool {
	switch h := haystack.(type) {
	case string:
		return strings.Contains(h, fmt.Sprint(needle))
	case []any:
		for _, item := range h {
			if valuesEqual(item, needle) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
