package expression

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// builtinFunc is the signature of a builtin expression function.
type builtinFunc func(args []any) (any, error)

// builtins is the complete function namespace visible to expressions.
// Nothing outside this table is callable.
var builtins = map[string]builtinFunc{
	"$uppercase": uppercaseFunc,
	"$lower":     lowerFunc,
	"$now":       nowFunc,
	"$date":      dateFunc,
	"$json":      jsonFunc,
	"$int":       intFunc,
	"$float":     floatFunc,
	"$len":       lenFunc,
	"$concat":    concatFunc,
}

// nowFn is swapped in tests for deterministic time.
var nowFn = time.Now

// uppercaseFunc upper-cases its string argument.
// Usage: $uppercase(trigger.payload.region)
func uppercaseFunc(args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("$uppercase requires exactly 1 argument, got %d", len(args))
	}
	return strings.ToUpper(stringify(args[0])), nil
}

// lowerFunc lower-cases its string argument.
func lowerFunc(args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("$lower requires exactly 1 argument, got %d", len(args))
	}
	return strings.ToLower(stringify(args[0])), nil
}

// nowFunc returns the current UTC instant as an RFC 3339 string.
func nowFunc(args []any) (any, error) {
	if len(args) != 0 {
		return nil, fmt.Errorf("$now takes no arguments, got %d", len(args))
	}
	return nowFn().UTC().Format(time.RFC3339), nil
}

// dateFunc returns the UTC calendar date (YYYY-MM-DD). With no argument
// it uses the current time; with one argument it parses an RFC 3339
// string or epoch-seconds number.
func dateFunc(args []any) (any, error) {
	switch len(args) {
	case 0:
		return nowFn().UTC().Format("2006-01-02"), nil
	case 1:
		t, err := coerceTime(args[0])
		if err != nil {
			return nil, err
		}
		return t.UTC().Format("2006-01-02"), nil
	default:
		return nil, fmt.Errorf("$date takes at most 1 argument, got %d", len(args))
	}
}

func coerceTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case string:
		parsed, err := time.Parse(time.RFC3339, t)
		if err != nil {
			return time.Time{}, fmt.Errorf("$date: cannot parse %q as RFC 3339", t)
		}
		return parsed, nil
	default:
		if f, ok := toFloat(v); ok {
			return time.Unix(int64(f), 0), nil
		}
		return time.Time{}, fmt.Errorf("$date: cannot interpret %s as a time", typeName(v))
	}
}

// jsonFunc serializes its argument to a compact JSON string.
func jsonFunc(args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("$json requires exactly 1 argument, got %d", len(args))
	}
	data, err := json.Marshal(args[0])
	if err != nil {
		return nil, fmt.Errorf("$json: %s", err.Error())
	}
	return string(data), nil
}

// intFunc coerces its argument to an integer, truncating toward zero.
func intFunc(args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("$int requires exactly 1 argument, got %d", len(args))
	}
	switch v := args[0].(type) {
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return nil, fmt.Errorf("$int: cannot parse %q as a number", v)
		}
		return float64(int64(f)), nil
	case bool:
		if v {
			return float64(1), nil
		}
		return float64(0), nil
	default:
		if f, ok := toFloat(v); ok {
			return float64(int64(f)), nil
		}
		return nil, fmt.Errorf("$int: cannot convert %s", typeName(args[0]))
	}
}

// floatFunc coerces its argument to a number.
func floatFunc(args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("$float requires exactly 1 argument, got %d", len(args))
	}
	switch v := args[0].(type) {
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return nil, fmt.Errorf("$float: cannot parse %q as a number", v)
		}
		return f, nil
	default:
		if f, ok := toFloat(v); ok {
			return f, nil
		}
		return nil, fmt.Errorf("$float: cannot convert %s", typeName(args[0]))
	}
}

// lenFunc returns the length of a string, array, or object.
func lenFunc(args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("$len requires exactly 1 argument, got %d", len(args))
	}
	switch v := args[0].(type) {
	case nil:
		return float64(0), nil
	case string:
		return float64(len(v)), nil
	case []any:
		return float64(len(v)), nil
	case map[string]any:
		return float64(len(v)), nil
	default:
		return nil, fmt.Errorf("$len: cannot measure %s", typeName(args[0]))
	}
}

// concatFunc joins its arguments into one string, coercing each.
func concatFunc(args []any) (any, error) {
	var sb strings.Builder
	for _, arg := range args {
		sb.WriteString(stringify(arg))
	}
	return sb.String(), nil
}

// stringify converts a value to its string form for concatenation.
// Whole numbers print without a decimal point.
func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		if f, ok := toFloat(v); ok {
			return stringify(f)
		}
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}
