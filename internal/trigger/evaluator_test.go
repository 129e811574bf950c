package trigger

import (
	"context"
	"testing"
	"time"

	"flowsentry/internal/rules"
)

type fakeFetcher struct {
	response any
	err      error
	calls    int
}

func (f *fakeFetcher) Fetch(ctx context.Context, runtime, endpoint, method string, params map[string]any) (any, error) {
	f.calls++
	return f.response, f.err
}

type fakeBaselines struct {
	values   map[string][]float64
	appended []float64
}

func (f *fakeBaselines) GetBaseline(ctx context.Context, ruleID string) ([]float64, error) {
	return f.values[ruleID], nil
}

func (f *fakeBaselines) AppendBaseline(ctx context.Context, ruleID string, value float64, maxSize int, ttl time.Duration) error {
	f.appended = append(f.appended, value)
	return nil
}

func TestEvaluateScheduleAlwaysMatches(t *testing.T) {
	e := NewEvaluator(nil, nil, nil)
	matched, evidence, err := e.Evaluate(context.Background(), "r1", rules.TriggerSpec{Type: rules.TriggerSchedule, Schedule: &rules.ScheduleSpec{}}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !matched {
		t.Fatalf("expected schedule trigger to match")
	}
	if evidence["trigger_type"] != "schedule" {
		t.Fatalf("unexpected evidence %v", evidence)
	}
}

func TestEvaluateCompositeAND(t *testing.T) {
	e := NewEvaluator(nil, nil, nil)
	spec := rules.TriggerSpec{Type: rules.TriggerEvent, Event: &rules.EventSpec{
		Conditions: []rules.Condition{
			{Field: "cpu", Op: ">", Value: 80},
			{Field: "mem", Op: ">", Value: 90},
		},
		Logic: "AND",
	}}
	matched, _, err := e.Evaluate(context.Background(), "r1", spec, map[string]any{"cpu": 85.0, "mem": 95.0})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !matched {
		t.Fatalf("expected AND to match")
	}
	matched, evidence, err := e.Evaluate(context.Background(), "r1", spec, map[string]any{"cpu": 85.0, "mem": 50.0})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if matched {
		t.Fatalf("expected AND to fail with mem 50")
	}
	if evidence["matched_count"] != 1 {
		t.Fatalf("expected matched_count 1 got %v", evidence["matched_count"])
	}
}

func TestEvaluateCompositeNOT(t *testing.T) {
	e := NewEvaluator(nil, nil, nil)
	spec := rules.TriggerSpec{Type: rules.TriggerEvent, Event: &rules.EventSpec{
		Conditions: []rules.Condition{
			{Field: "cpu", Op: ">", Value: 80},
			{Field: "mem", Op: ">", Value: 90},
		},
		Logic: "NOT",
	}}
	matched, _, err := e.Evaluate(context.Background(), "r1", spec, map[string]any{"cpu": 10.0, "mem": 10.0})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !matched {
		t.Fatalf("expected NOT to match when no condition is true")
	}
}

func TestEvaluateCompositeOR(t *testing.T) {
	e := NewEvaluator(nil, nil, nil)
	spec := rules.TriggerSpec{Type: rules.TriggerEvent, Event: &rules.EventSpec{
		Conditions: []rules.Condition{
			{Field: "cpu", Op: ">", Value: 80},
			{Field: "mem", Op: ">", Value: 90},
		},
		Logic: "OR",
	}}
	matched, _, err := e.Evaluate(context.Background(), "r1", spec, map[string]any{"cpu": 85.0, "mem": 10.0})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !matched {
		t.Fatalf("expected OR to match")
	}
}

func TestEvaluateEventEmptyConditions(t *testing.T) {
	e := NewEvaluator(nil, nil, nil)
	spec := rules.TriggerSpec{Type: rules.TriggerEvent, Event: &rules.EventSpec{}}
	matched, _, err := e.Evaluate(context.Background(), "r1", spec, map[string]any{"cpu": 1.0})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !matched {
		t.Fatalf("expected empty condition list to match trivially")
	}
}

func TestEvaluateEventMissingField(t *testing.T) {
	e := NewEvaluator(nil, nil, nil)
	spec := rules.TriggerSpec{Type: rules.TriggerEvent, Event: &rules.EventSpec{Field: "disk", Op: ">", Value: 1}}
	matched, evidence, err := e.Evaluate(context.Background(), "r1", spec, map[string]any{"cpu": 85.0})
	if err != nil {
		t.Fatalf("missing field must not be an error: %v", err)
	}
	if matched {
		t.Fatalf("expected non-match for missing field")
	}
	cond := evidence["condition"].(map[string]any)
	if cond["found"] != false {
		t.Fatalf("expected found=false got %v", cond)
	}
}

func TestEvaluateEventUnknownOp(t *testing.T) {
	e := NewEvaluator(nil, nil, nil)
	spec := rules.TriggerSpec{Type: rules.TriggerEvent, Event: &rules.EventSpec{Field: "cpu", Op: "~", Value: 1}}
	if _, _, err := e.Evaluate(context.Background(), "r1", spec, map[string]any{"cpu": 85.0}); err == nil {
		t.Fatalf("expected error for unknown operator")
	}
}

func TestEvaluateEventStringCompare(t *testing.T) {
	e := NewEvaluator(nil, nil, nil)
	spec := rules.TriggerSpec{Type: rules.TriggerEvent, Event: &rules.EventSpec{Field: "status", Op: "==", Value: "critical"}}
	matched, _, err := e.Evaluate(context.Background(), "r1", spec, map[string]any{"status": "critical"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !matched {
		t.Fatalf("expected string equality to match")
	}
}

func TestEvaluateMetricFromPayload(t *testing.T) {
	e := NewEvaluator(nil, nil, nil)
	threshold := 90.0
	spec := rules.TriggerSpec{Type: rules.TriggerMetric, Metric: &rules.MetricSpec{
		ValuePath: "data.cpu",
		Threshold: &threshold,
		Op:        ">",
	}}
	matched, evidence, err := e.Evaluate(context.Background(), "r1", spec, map[string]any{
		"data": map[string]any{"cpu": 95.5},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !matched {
		t.Fatalf("expected metric to match")
	}
	if evidence["value"] != 95.5 {
		t.Fatalf("expected value 95.5 got %v", evidence["value"])
	}
}

func TestEvaluateMetricNonNumeric(t *testing.T) {
	e := NewEvaluator(nil, nil, nil)
	threshold := 90.0
	spec := rules.TriggerSpec{Type: rules.TriggerMetric, Metric: &rules.MetricSpec{
		ValuePath: "data.cpu",
		Threshold: &threshold,
		Op:        ">",
	}}
	matched, evidence, err := e.Evaluate(context.Background(), "r1", spec, map[string]any{
		"data": map[string]any{"cpu": map[string]any{"raw": true}},
	})
	if err != nil {
		t.Fatalf("non-numeric value must not be an error: %v", err)
	}
	if matched {
		t.Fatalf("expected non-match for non-numeric value")
	}
	if evidence["reason"] != "value_not_numeric" {
		t.Fatalf("unexpected evidence %v", evidence)
	}
}

func TestEvaluateMetricFromRuntime(t *testing.T) {
	fetcher := &fakeFetcher{response: map[string]any{"result": map[string]any{"load": 42.0}}}
	e := NewEvaluator(fetcher, nil, nil)
	threshold := 40.0
	spec := rules.TriggerSpec{Type: rules.TriggerMetric, Metric: &rules.MetricSpec{
		ValuePath: "result.load",
		Threshold: &threshold,
		Op:        ">=",
		Runtime:   "ops",
		Endpoint:  "/load",
	}}
	matched, _, err := e.Evaluate(context.Background(), "r1", spec, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !matched {
		t.Fatalf("expected runtime metric to match")
	}
	if fetcher.calls != 1 {
		t.Fatalf("expected one fetch got %d", fetcher.calls)
	}
}

func TestEvaluateMetricUnresolved(t *testing.T) {
	e := NewEvaluator(nil, nil, nil)
	threshold := 40.0
	spec := rules.TriggerSpec{Type: rules.TriggerMetric, Metric: &rules.MetricSpec{
		ValuePath: "result.load",
		Threshold: &threshold,
		Op:        ">",
	}}
	matched, evidence, err := e.Evaluate(context.Background(), "r1", spec, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if matched {
		t.Fatalf("expected non-match without payload or runtime")
	}
	if evidence["reason"] != "value_unresolved" {
		t.Fatalf("unexpected evidence %v", evidence)
	}
}

func TestEvaluateAnomalyWithSpecBaseline(t *testing.T) {
	e := NewEvaluator(nil, nil, nil)
	spec := rules.TriggerSpec{Type: rules.TriggerAnomaly, Anomaly: &rules.AnomalySpec{
		ValuePath:      "latency",
		Method:         "zscore",
		BaselineValues: []float64{1, 2, 3, 4, 5},
	}}
	matched, evidence, err := e.Evaluate(context.Background(), "r1", spec, map[string]any{"latency": 100.0})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !matched {
		t.Fatalf("expected anomaly, evidence %v", evidence)
	}
}

func TestEvaluateAnomalyUsesBaselineStore(t *testing.T) {
	store := &fakeBaselines{values: map[string][]float64{"r1": {10, 10, 10, 10, 10}}}
	e := NewEvaluator(nil, store, nil)
	spec := rules.TriggerSpec{Type: rules.TriggerAnomaly, Anomaly: &rules.AnomalySpec{ValuePath: "latency"}}
	matched, _, err := e.Evaluate(context.Background(), "r1", spec, map[string]any{"latency": 10.0})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if matched {
		t.Fatalf("expected no anomaly on flat baseline")
	}
	if len(store.appended) != 1 || store.appended[0] != 10 {
		t.Fatalf("expected observed value appended got %v", store.appended)
	}
}

func TestEvaluateAnomalyMetricsFallback(t *testing.T) {
	e := NewEvaluator(nil, nil, nil)
	spec := rules.TriggerSpec{Type: rules.TriggerAnomaly, Anomaly: &rules.AnomalySpec{
		ValuePath:      "latency",
		BaselineValues: []float64{1, 2, 3},
	}}
	matched, _, err := e.Evaluate(context.Background(), "r1", spec, map[string]any{
		"metrics": map[string]any{"latency": 50.0},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !matched {
		t.Fatalf("expected anomaly via metrics fallback")
	}
}

func TestLookupPathArrayIndex(t *testing.T) {
	payload := map[string]any{
		"samples": []any{
			map[string]any{"value": 1.0},
			map[string]any{"value": 2.0},
		},
	}
	value, ok := LookupPath(payload, "samples[1].value")
	if !ok {
		t.Fatalf("expected path hit")
	}
	if value != 2.0 {
		t.Fatalf("expected 2.0 got %v", value)
	}
	if _, ok := LookupPath(payload, "samples[5].value"); ok {
		t.Fatalf("expected out-of-range index to miss")
	}
}

func TestCompareUnknownOpErrorsOnStrings(t *testing.T) {
	if _, err := Compare("~", "a", "b"); err == nil {
		t.Fatalf("expected error for unknown operator on strings")
	}
}
