package trigger

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var indexedSegmentRe = regexp.MustCompile(`^([a-zA-Z0-9_\-]*)\[([0-9]+)\]$`)

// LookupPath resolves a dot/array-index path such as "load.cpu" or
// "samples[2].value" against decoded JSON. When the direct lookup misses and
// the root carries a nested "metrics" object, the path is retried there.
func LookupPath(root any, path string) (any, bool) {
	if value, ok := lookup(root, path); ok {
		return value, true
	}
	if m, ok := root.(map[string]any); ok {
		if metrics, ok := m["metrics"]; ok {
			return lookup(metrics, path)
		}
	}
	return nil, false
}

func lookup(root any, path string) (any, bool) {
	current := root
	for _, segment := range strings.Split(path, ".") {
		if segment == "" {
			return nil, false
		}
		name, index := splitIndex(segment)
		if name != "" {
			m, ok := current.(map[string]any)
			if !ok {
				return nil, false
			}
			current, ok = m[name]
			if !ok {
				return nil, false
			}
		}
		if index >= 0 {
			arr, ok := current.([]any)
			if !ok || index >= len(arr) {
				return nil, false
			}
			current = arr[index]
		}
	}
	return current, true
}

func splitIndex(segment string) (string, int) {
	match := indexedSegmentRe.FindStringSubmatch(segment)
	if match == nil {
		return segment, -1
	}
	index, err := strconv.Atoi(match[2])
	if err != nil {
		return segment, -1
	}
	return match[1], index
}

func ToFloat(val any) (float64, error) {
	switch t := val.(type) {
	case float64:
		return t, nil
	case float32:
		return float64(t), nil
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case int32:
		return float64(t), nil
	case string:
		return strconv.ParseFloat(t, 64)
	default:
		return 0, fmt.Errorf("unsupported type")
	}
}

// Compare applies a comparison operator, coercing both sides to numbers when
// possible and falling back to string comparison. Unknown operators are an
// evaluation error, never a silent non-match.
func Compare(op string, actual, expected any) (bool, error) {
	left, leftErr := ToFloat(actual)
	right, rightErr := ToFloat(expected)
	if leftErr == nil && rightErr == nil {
		switch op {
		case ">":
			return left > right, nil
		case ">=":
			return left >= right, nil
		case "<":
			return left < right, nil
		case "<=":
			return left <= right, nil
		case "==", "=":
			return left == right, nil
		case "!=":
			return left != right, nil
		default:
			return false, fmt.Errorf("unsupported operator %q", op)
		}
	}
	ls, rs := fmt.Sprint(actual), fmt.Sprint(expected)
	switch op {
	case ">":
		return ls > rs, nil
	case ">=":
		return ls >= rs, nil
	case "<":
		return ls < rs, nil
	case "<=":
		return ls <= rs, nil
	case "==", "=":
		return ls == rs, nil
	case "!=":
		return ls != rs, nil
	default:
		return false, fmt.Errorf("unsupported operator %q", op)
	}
}
