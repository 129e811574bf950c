package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"flowsentry/internal/anomaly"
	"flowsentry/internal/rules"
)

const (
	defaultBaselineSize = 100
	defaultBaselineTTL  = 24 * time.Hour
)

// Fetcher resolves a metric value from a configured runtime endpoint.
type Fetcher interface {
	Fetch(ctx context.Context, runtime, endpoint, method string, params map[string]any) (any, error)
}

// BaselineStore holds rolling baseline samples for anomaly rules.
type BaselineStore interface {
	GetBaseline(ctx context.Context, ruleID string) ([]float64, error)
	AppendBaseline(ctx context.Context, ruleID string, value float64, maxSize int, ttl time.Duration) error
}

type Evaluator struct {
	fetcher   Fetcher
	baselines BaselineStore
	logger    *slog.Logger
}

// NewEvaluator builds an evaluator. fetcher and baselines may be nil; rules
// that need them then resolve to non-matches instead of failing.
func NewEvaluator(fetcher Fetcher, baselines BaselineStore, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{fetcher: fetcher, baselines: baselines, logger: logger}
}

// Evaluate resolves a trigger spec against an optional payload. Evidence is
// always returned, on match and non-match alike.
func (e *Evaluator) Evaluate(ctx context.Context, ruleID string, spec rules.TriggerSpec, payload map[string]any) (bool, map[string]any, error) {
	switch spec.Type {
	case rules.TriggerSchedule:
		return true, map[string]any{"trigger_type": "schedule"}, nil
	case rules.TriggerEvent:
		return evaluateEvent(spec.Event, payload)
	case rules.TriggerMetric:
		return e.evaluateMetric(ctx, spec.Metric, payload)
	case rules.TriggerAnomaly:
		return e.evaluateAnomaly(ctx, ruleID, spec.Anomaly, payload)
	default:
		return false, map[string]any{"trigger_type": string(spec.Type)}, fmt.Errorf("unsupported trigger type %q", spec.Type)
	}
}

func evaluateEvent(spec *rules.EventSpec, payload map[string]any) (bool, map[string]any, error) {
	if spec == nil {
		return false, map[string]any{"trigger_type": "event"}, fmt.Errorf("event trigger spec is missing")
	}
	if len(spec.Conditions) > 0 {
		return evaluateComposite(spec, payload)
	}
	evidence := map[string]any{"trigger_type": "event"}
	if spec.Window != nil {
		evidence["window"] = spec.Window
	}
	if spec.Aggregation != nil {
		evidence["aggregation"] = spec.Aggregation
	}
	if spec.Field == "" {
		evidence["reason"] = "no_conditions"
		return true, evidence, nil
	}
	matched, condEvidence, err := evaluateCondition(rules.Condition{Field: spec.Field, Op: spec.Op, Value: spec.Value}, payload)
	evidence["condition"] = condEvidence
	return matched, evidence, err
}

func evaluateComposite(spec *rules.EventSpec, payload map[string]any) (bool, map[string]any, error) {
	logic := strings.ToUpper(spec.Logic)
	if logic == "" {
		logic = "AND"
	}
	evidence := map[string]any{"trigger_type": "event", "logic": logic}
	results := make([]map[string]any, 0, len(spec.Conditions))
	trueCount := 0
	for _, cond := range spec.Conditions {
		matched, condEvidence, err := evaluateCondition(cond, payload)
		results = append(results, condEvidence)
		if err != nil {
			evidence["conditions"] = results
			return false, evidence, err
		}
		if matched {
			trueCount++
		}
	}
	evidence["conditions"] = results
	evidence["matched_count"] = trueCount
	switch logic {
	case "AND":
		return trueCount == len(spec.Conditions), evidence, nil
	case "OR":
		return trueCount > 0, evidence, nil
	case "NOT":
		return trueCount == 0, evidence, nil
	default:
		return false, evidence, fmt.Errorf("unsupported logic %q", spec.Logic)
	}
}

func evaluateCondition(cond rules.Condition, payload map[string]any) (bool, map[string]any, error) {
	evidence := map[string]any{"field": cond.Field, "op": cond.Op, "expected": cond.Value}
	value, found := LookupPath(payload, cond.Field)
	if !found {
		evidence["found"] = false
		return false, evidence, nil
	}
	evidence["found"] = true
	evidence["actual"] = value
	matched, err := Compare(cond.Op, value, cond.Value)
	if err != nil {
		return false, evidence, err
	}
	evidence["matched"] = matched
	return matched, evidence, nil
}

func (e *Evaluator) evaluateMetric(ctx context.Context, spec *rules.MetricSpec, payload map[string]any) (bool, map[string]any, error) {
	evidence := map[string]any{"trigger_type": "metric"}
	if spec == nil {
		return false, evidence, fmt.Errorf("metric trigger spec is missing")
	}
	evidence["value_path"] = spec.ValuePath
	if spec.Aggregation != nil {
		evidence["aggregation"] = spec.Aggregation
	}
	if spec.Threshold == nil {
		return false, evidence, fmt.Errorf("metric trigger requires a threshold")
	}
	evidence["op"] = spec.Op
	evidence["threshold"] = *spec.Threshold
	value, ok, err := e.resolveValue(ctx, spec.Runtime, spec.Endpoint, spec.Method, spec.Params, spec.ValuePath, payload, evidence)
	if err != nil {
		return false, evidence, err
	}
	if !ok {
		return false, evidence, nil
	}
	evidence["value"] = value
	matched, err := Compare(spec.Op, value, *spec.Threshold)
	if err != nil {
		return false, evidence, err
	}
	evidence["matched"] = matched
	return matched, evidence, nil
}

func (e *Evaluator) evaluateAnomaly(ctx context.Context, ruleID string, spec *rules.AnomalySpec, payload map[string]any) (bool, map[string]any, error) {
	evidence := map[string]any{"trigger_type": "anomaly"}
	if spec == nil {
		return false, evidence, fmt.Errorf("anomaly trigger spec is missing")
	}
	evidence["value_path"] = spec.ValuePath
	method := anomaly.MethodZScore
	if spec.Method != "" {
		parsed, err := anomaly.ParseMethod(spec.Method)
		if err != nil {
			return false, evidence, err
		}
		method = parsed
	}
	evidence["method"] = string(method)
	value, ok, err := e.resolveValue(ctx, spec.Runtime, spec.Endpoint, spec.HTTPMethod, spec.Params, spec.ValuePath, payload, evidence)
	if err != nil {
		return false, evidence, err
	}
	if !ok {
		return false, evidence, nil
	}
	evidence["value"] = value

	baseline := spec.BaselineValues
	fromStore := false
	if len(baseline) == 0 && e.baselines != nil {
		stored, err := e.baselines.GetBaseline(ctx, ruleID)
		if err != nil {
			e.logger.Warn("baseline fetch failed", slog.String("rule_id", ruleID), slog.String("error", err.Error()))
		} else {
			baseline = stored
			fromStore = true
		}
	}
	evidence["baseline_samples"] = len(baseline)

	result, err := anomaly.Detect(baseline, value, method, spec.Config)
	if err != nil {
		return false, evidence, err
	}
	if math.IsInf(result.Score, 0) {
		// Zero-MAD deviations score infinite; JSON cannot carry that.
		evidence["score"] = "inf"
	} else {
		evidence["score"] = result.Score
	}
	evidence["details"] = result.Details

	if fromStore || len(spec.BaselineValues) == 0 {
		e.recordBaseline(ctx, ruleID, value, spec.BaselineSize)
	}
	return result.IsAnomaly, evidence, nil
}

func (e *Evaluator) recordBaseline(ctx context.Context, ruleID string, value float64, maxSize int) {
	if e.baselines == nil {
		return
	}
	if maxSize <= 0 {
		maxSize = defaultBaselineSize
	}
	if err := e.baselines.AppendBaseline(ctx, ruleID, value, maxSize, defaultBaselineTTL); err != nil {
		e.logger.Warn("baseline append failed", slog.String("rule_id", ruleID), slog.String("error", err.Error()))
	}
}

// resolveValue reads the metric value from the supplied payload when present,
// otherwise fetches the configured runtime endpoint. A missing or non-numeric
// value is a non-match, not an error.
func (e *Evaluator) resolveValue(ctx context.Context, runtime, endpoint, method string, params map[string]any, valuePath string, payload map[string]any, evidence map[string]any) (float64, bool, error) {
	var root any
	switch {
	case payload != nil:
		root = payload
		evidence["source"] = "payload"
	case e.fetcher != nil && runtime != "":
		evidence["source"] = "runtime"
		evidence["runtime"] = runtime
		evidence["endpoint"] = endpoint
		fetched, err := e.fetcher.Fetch(ctx, runtime, endpoint, method, params)
		if err != nil {
			return 0, false, fmt.Errorf("runtime fetch: %w", err)
		}
		root = fetched
	default:
		evidence["reason"] = "value_unresolved"
		return 0, false, nil
	}
	raw, found := LookupPath(root, valuePath)
	if !found {
		evidence["reason"] = "path_not_found"
		return 0, false, nil
	}
	value, err := ToFloat(raw)
	if err != nil {
		evidence["reason"] = "value_not_numeric"
		evidence["raw_value"] = raw
		return 0, false, nil
	}
	return value, true, nil
}
