package resolve

import (
	"fmt"
	"strconv"
	"strings"
)

// segmentKind classifies one path segment.
type segmentKind int

const (
	segmentField segmentKind = iota
	segmentIndex
	segmentKey
	segmentFilter
)

// pathSegment is one step of a parsed ref path.
type pathSegment struct {
	kind  segmentKind
	field string // segmentField, segmentKey; also the predicate field for segmentFilter
	index int    // segmentIndex
	op    string // segmentFilter
	value any    // segmentFilter literal
}

// comparison operators allowed in filter predicates
var filterOps = []string{"==", "!=", ">=", "<=", ">", "<"}

// parsePath parses a ref path such as "recommendations[score > 0.9].product"
// into its segments.
func parsePath(path string) ([]pathSegment, error) {
	var segments []pathSegment
	i := 0
	expectField := true

	for i < len(path) {
		switch {
		case path[i] == '.':
			if expectField {
				return nil, fmt.Errorf("path %q: unexpected '.' at %d", path, i)
			}
			i++
			expectField = true

		case path[i] == '[':
			end := findBracketEnd(path, i)
			if end < 0 {
				return nil, fmt.Errorf("path %q: unclosed '[' at %d", path, i)
			}
			inner := strings.TrimSpace(path[i+1 : end])
			seg, err := parseBracket(inner)
			if err != nil {
				return nil, fmt.Errorf("path %q: %s", path, err.Error())
			}
			segments = append(segments, seg)
			i = end + 1
			expectField = false

		default:
			start := i
			for i < len(path) && path[i] != '.' && path[i] != '[' {
				i++
			}
			name := strings.TrimSpace(path[start:i])
			if name == "" {
				return nil, fmt.Errorf("path %q: empty segment at %d", path, start)
			}
			segments = append(segments, pathSegment{kind: segmentField, field: name})
			expectField = false
		}
	}

	if expectField && len(segments) > 0 {
		return nil, fmt.Errorf("path %q: trailing '.'", path)
	}
	if len(segments) == 0 {
		return nil, fmt.Errorf("path is empty")
	}
	return segments, nil
}

// findBracketEnd locates the matching ']' for the '[' at start, skipping
// over quoted strings so keys may contain brackets.
func findBracketEnd(path string, start int) int {
	inQuote := byte(0)
	for i := start + 1; i < len(path); i++ {
		c := path[i]
		if inQuote != 0 {
			if c == inQuote && path[i-1] != '\\' {
				inQuote = 0
			}
			continue
		}
		switch c {
		case '"', '\'':
			inQuote = c
		case ']':
			return i
		}
	}
	return -1
}

// parseBracket interprets the text between brackets as an index, a
// quoted key, or a filter predicate.
func parseBracket(inner string) (pathSegment, error) {
	if inner == "" {
		return pathSegment{}, fmt.Errorf("empty brackets")
	}

	// Quoted key: ["some key"]
	if inner[0] == '"' || inner[0] == '\'' {
		quote := inner[0]
		if len(inner) < 2 || inner[len(inner)-1] != quote {
			return pathSegment{}, fmt.Errorf("unterminated key %s", inner)
		}
		key := strings.ReplaceAll(inner[1:len(inner)-1], "\\"+string(quote), string(quote))
		return pathSegment{kind: segmentKey, field: key}, nil
	}

	// Numeric index: [3]
	if idx, err := strconv.Atoi(inner); err == nil {
		return pathSegment{kind: segmentIndex, index: idx}, nil
	}

	// Filter predicate: [field op literal]
	for _, op := range filterOps {
		at := strings.Index(inner, op)
		if at <= 0 {
			continue
		}
		field := strings.TrimSpace(inner[:at])
		litText := strings.TrimSpace(inner[at+len(op):])
		if field == "" || litText == "" {
			return pathSegment{}, fmt.Errorf("malformed predicate %q", inner)
		}
		lit, err := parseLiteral(litText)
		if err != nil {
			return pathSegment{}, err
		}
		return pathSegment{kind: segmentFilter, field: field, op: op, value: lit}, nil
	}

	return pathSegment{}, fmt.Errorf("unrecognized bracket content %q", inner)
}

// parseLiteral parses a predicate literal: quoted string, number,
// boolean, or null.
func parseLiteral(text string) (any, error) {
	if len(text) >= 2 && (text[0] == '"' || text[0] == '\'') {
		quote := text[0]
		if text[len(text)-1] != quote {
			return nil, fmt.Errorf("unterminated literal %s", text)
		}
		return strings.ReplaceAll(text[1:len(text)-1], "\\"+string(quote), string(quote)), nil
	}
	switch text {
	case "true":
		return true, nil
	case "false":
		return false, nil
	case "null":
		return nil, nil
	}
	f, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid literal %q", text)
	}
	return f, nil
}

// walkPath follows parsed segments through a value. The boolean result
// is false when the path runs into missing data; that is the ordinary
// "undefined" outcome, never an error.
func walkPath(root any, segments []pathSegment) (any, bool) {
	current := root
	projecting := false

	for _, seg := range segments {
		switch seg.kind {
		case segmentField, segmentKey:
			if projecting {
				collection, ok := current.([]any)
				if !ok {
					return nil, false
				}
				var projected []any
				for _, elem := range collection {
					m, ok := elem.(map[string]any)
					if !ok {
						continue
					}
					if v, ok := m[seg.field]; ok {
						projected = append(projected, v)
					}
				}
				if projected == nil {
					projected = []any{}
				}
				current = projected
				continue
			}
			m, ok := current.(map[string]any)
			if !ok {
				return nil, false
			}
			v, ok := m[seg.field]
			if !ok {
				return nil, false
			}
			current = v

		case segmentIndex:
			arr, ok := current.([]any)
			if !ok {
				return nil, false
			}
			if seg.index < 0 || seg.index >= len(arr) {
				return nil, false
			}
			current = arr[seg.index]
			projecting = false

		case segmentFilter:
			arr, ok := current.([]any)
			if !ok {
				return nil, false
			}
			matches := []any{}
			for _, elem := range arr {
				m, ok := elem.(map[string]any)
				if !ok {
					continue
				}
				field, ok := m[seg.field]
				if !ok {
					continue
				}
				if predicateHolds(field, seg.op, seg.value) {
					matches = append(matches, elem)
				}
			}
			current = matches
			projecting = true
		}
	}

	return current, true
}

// predicateHolds applies one comparison. Numeric comparison coerces both
// sides; ordering operators on non-numbers never hold.
func predicateHolds(left any, op string, right any) bool {
	switch op {
	case "==":
		return looseEqual(left, right)
	case "!=":
		return !looseEqual(left, right)
	}

	lf, lok := toFloat(left)
	rf, rok := toFloat(right)
	if !lok || !rok {
		return false
	}
	switch op {
	case ">":
		return lf > rf
	case "<":
		return lf < rf
	case ">=":
		return lf >= rf
	case "<=":
		return lf <= rf
	}
	return false
}

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
