package trigger

import (
	"fmt"
	"sort"

	"flowsentry/internal/anomaly"
	"flowsentry/internal/rules"
)

// EvaluateAggregation reduces a batch of events and compares the result to an
// optional threshold. Without a threshold it matches trivially, reporting the
// computed value as evidence.
func EvaluateAggregation(events []map[string]any, spec rules.AggregationSpec) (bool, map[string]any, error) {
	evidence := map[string]any{"type": spec.Type, "events": len(events)}
	if spec.Field != "" {
		evidence["field"] = spec.Field
	}
	if spec.GroupBy != "" {
		return evaluateGrouped(events, spec, evidence)
	}
	value, err := reduce(events, spec)
	if err != nil {
		return false, evidence, err
	}
	evidence["value"] = value
	matched, err := thresholdMatch(value, spec)
	if err != nil {
		return false, evidence, err
	}
	if spec.Threshold != nil {
		evidence["op"] = opOrDefault(spec.Op)
		evidence["threshold"] = *spec.Threshold
	}
	return matched, evidence, nil
}

func evaluateGrouped(events []map[string]any, spec rules.AggregationSpec, evidence map[string]any) (bool, map[string]any, error) {
	groups := make(map[string][]map[string]any)
	for _, event := range events {
		key := "unknown"
		if raw, ok := LookupPath(event, spec.GroupBy); ok {
			key = fmt.Sprint(raw)
		}
		groups[key] = append(groups[key], event)
	}
	groupValues := make(map[string]float64, len(groups))
	matchedGroups := make([]string, 0)
	for key, group := range groups {
		value, err := reduce(group, spec)
		if err != nil {
			return false, evidence, err
		}
		groupValues[key] = value
		matched, err := thresholdMatch(value, spec)
		if err != nil {
			return false, evidence, err
		}
		if matched {
			matchedGroups = append(matchedGroups, key)
		}
	}
	sort.Strings(matchedGroups)
	evidence["group_by"] = spec.GroupBy
	evidence["groups"] = groupValues
	evidence["matched_groups"] = matchedGroups
	return len(matchedGroups) > 0, evidence, nil
}

func reduce(events []map[string]any, spec rules.AggregationSpec) (float64, error) {
	values := make([]float64, 0, len(events))
	if spec.Field != "" {
		for _, event := range events {
			raw, ok := LookupPath(event, spec.Field)
			if !ok {
				continue
			}
			value, err := ToFloat(raw)
			if err != nil {
				continue
			}
			values = append(values, value)
		}
	}
	switch spec.Type {
	case "count":
		if spec.Field == "" {
			return float64(len(events)), nil
		}
		return float64(len(values)), nil
	case "sum":
		total := 0.0
		for _, v := range values {
			total += v
		}
		return total, nil
	case "avg":
		return anomaly.Mean(values), nil
	case "min":
		if len(values) == 0 {
			return 0, nil
		}
		min := values[0]
		for _, v := range values[1:] {
			if v < min {
				min = v
			}
		}
		return min, nil
	case "max":
		if len(values) == 0 {
			return 0, nil
		}
		max := values[0]
		for _, v := range values[1:] {
			if v > max {
				max = v
			}
		}
		return max, nil
	case "std":
		return anomaly.StdDev(values, false), nil
	case "percentile":
		return anomaly.Percentile(values, spec.Percentile), nil
	default:
		return 0, fmt.Errorf("unsupported aggregation %q", spec.Type)
	}
}

func thresholdMatch(value float64, spec rules.AggregationSpec) (bool, error) {
	if spec.Threshold == nil {
		return true, nil
	}
	return Compare(opOrDefault(spec.Op), value, *spec.Threshold)
}

func opOrDefault(op string) string {
	if op == "" {
		return ">"
	}
	return op
}
