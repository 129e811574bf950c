package trigger

import (
	"testing"

	"flowsentry/internal/rules"
)

func eventsWithLatency(values ...float64) []map[string]any {
	events := make([]map[string]any, 0, len(values))
	for _, v := range values {
		events = append(events, map[string]any{"latency": v})
	}
	return events
}

func TestAggregationCountThreshold(t *testing.T) {
	threshold := 2.0
	spec := rules.AggregationSpec{Type: "count", Threshold: &threshold, Op: ">"}
	matched, evidence, err := EvaluateAggregation(eventsWithLatency(1, 2, 3), spec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !matched {
		t.Fatalf("expected count 3 > 2 to match")
	}
	if evidence["value"] != 3.0 {
		t.Fatalf("expected value 3 got %v", evidence["value"])
	}
}

func TestAggregationAvgNoThreshold(t *testing.T) {
	spec := rules.AggregationSpec{Type: "avg", Field: "latency"}
	matched, evidence, err := EvaluateAggregation(eventsWithLatency(10, 20, 30), spec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !matched {
		t.Fatalf("expected trivial match without threshold")
	}
	if evidence["value"] != 20.0 {
		t.Fatalf("expected avg 20 got %v", evidence["value"])
	}
}

func TestAggregationSumMinMax(t *testing.T) {
	sumSpec := rules.AggregationSpec{Type: "sum", Field: "latency"}
	_, evidence, err := EvaluateAggregation(eventsWithLatency(1, 2, 3), sumSpec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if evidence["value"] != 6.0 {
		t.Fatalf("expected sum 6 got %v", evidence["value"])
	}
	minSpec := rules.AggregationSpec{Type: "min", Field: "latency"}
	_, evidence, err = EvaluateAggregation(eventsWithLatency(5, 2, 9), minSpec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if evidence["value"] != 2.0 {
		t.Fatalf("expected min 2 got %v", evidence["value"])
	}
	maxSpec := rules.AggregationSpec{Type: "max", Field: "latency"}
	_, evidence, err = EvaluateAggregation(eventsWithLatency(5, 2, 9), maxSpec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if evidence["value"] != 9.0 {
		t.Fatalf("expected max 9 got %v", evidence["value"])
	}
}

func TestAggregationStdSingleSample(t *testing.T) {
	spec := rules.AggregationSpec{Type: "std", Field: "latency"}
	_, evidence, err := EvaluateAggregation(eventsWithLatency(42), spec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if evidence["value"] != 0.0 {
		t.Fatalf("expected std 0 for single sample got %v", evidence["value"])
	}
}

func TestAggregationPercentile(t *testing.T) {
	spec := rules.AggregationSpec{Type: "percentile", Field: "latency", Percentile: 50}
	_, evidence, err := EvaluateAggregation(eventsWithLatency(1, 2, 3, 4, 5), spec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if evidence["value"] != 3.0 {
		t.Fatalf("expected p50 3 got %v", evidence["value"])
	}
}

func TestAggregationSkipsNonNumeric(t *testing.T) {
	events := []map[string]any{
		{"latency": 10.0},
		{"latency": "broken"},
		{"other": 5.0},
	}
	spec := rules.AggregationSpec{Type: "count", Field: "latency"}
	_, evidence, err := EvaluateAggregation(events, spec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if evidence["value"] != 1.0 {
		t.Fatalf("expected count of numeric latencies 1 got %v", evidence["value"])
	}
}

func TestAggregationGroupBy(t *testing.T) {
	events := []map[string]any{
		{"host": "a", "latency": 10.0},
		{"host": "a", "latency": 20.0},
		{"host": "b", "latency": 200.0},
	}
	threshold := 100.0
	spec := rules.AggregationSpec{Type: "avg", Field: "latency", GroupBy: "host", Threshold: &threshold, Op: ">"}
	matched, evidence, err := EvaluateAggregation(events, spec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !matched {
		t.Fatalf("expected host b to breach")
	}
	matchedGroups := evidence["matched_groups"].([]string)
	if len(matchedGroups) != 1 || matchedGroups[0] != "b" {
		t.Fatalf("expected matched group b got %v", matchedGroups)
	}
}

func TestAggregationUnknownType(t *testing.T) {
	if _, _, err := EvaluateAggregation(nil, rules.AggregationSpec{Type: "median"}); err == nil {
		t.Fatalf("expected error for unsupported aggregation")
	}
}
