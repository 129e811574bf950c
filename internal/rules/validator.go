package rules

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"flowsentry/internal/anomaly"
)

type ErrorDetail struct {
	Field   string `json:"field"`
	Problem string `json:"problem"`
	Hint    string `json:"hint"`
}

type ValidationError struct {
	Code    string        `json:"code"`
	Message string        `json:"message"`
	Details []ErrorDetail `json:"details"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

var conditionOps = map[string]bool{
	">": true, "<": true, ">=": true, "<=": true, "==": true, "=": true, "!=": true,
}

var aggregationTypes = map[string]bool{
	"count": true, "sum": true, "avg": true, "min": true, "max": true, "std": true, "percentile": true,
}

func ValidateTriggerSpec(spec TriggerSpec) *ValidationError {
	var details []ErrorDetail
	switch spec.Type {
	case TriggerEvent:
		details = validateEvent(spec.Event)
	case TriggerMetric:
		details = validateMetric(spec.Metric)
	case TriggerSchedule:
		details = validateSchedule(spec.Schedule)
	case TriggerAnomaly:
		details = validateAnomaly(spec.Anomaly)
	default:
		details = []ErrorDetail{{Field: "trigger_type", Problem: "unsupported", Hint: "Use event, metric, schedule, or anomaly"}}
	}
	if len(details) > 0 {
		return &ValidationError{Code: "TRIGGER_SPEC_INVALID", Message: "trigger spec failed validation", Details: details}
	}
	return nil
}

func validateEvent(spec *EventSpec) []ErrorDetail {
	if spec == nil {
		return []ErrorDetail{{Field: "trigger_spec", Problem: "missing", Hint: "Provide an event trigger spec"}}
	}
	var details []ErrorDetail
	if len(spec.Conditions) > 0 {
		switch strings.ToUpper(spec.Logic) {
		case "", "AND", "OR", "NOT":
		default:
			details = append(details, ErrorDetail{Field: "logic", Problem: "unsupported", Hint: "Use AND, OR, or NOT"})
		}
		for i, cond := range spec.Conditions {
			if cond.Field == "" {
				details = append(details, ErrorDetail{Field: fmt.Sprintf("conditions[%d].field", i), Problem: "missing", Hint: "Provide a payload field path"})
			}
			if !conditionOps[cond.Op] {
				details = append(details, ErrorDetail{Field: fmt.Sprintf("conditions[%d].op", i), Problem: "unsupported", Hint: "Use > < >= <= == = or !="})
			}
		}
	} else if spec.Field != "" {
		if !conditionOps[spec.Op] {
			details = append(details, ErrorDetail{Field: "op", Problem: "unsupported", Hint: "Use > < >= <= == = or !="})
		}
	}
	details = append(details, validateAggregation(spec.Aggregation, "aggregation")...)
	if spec.Window != nil && spec.Window.SizeSeconds <= 0 {
		details = append(details, ErrorDetail{Field: "window.size_seconds", Problem: "invalid", Hint: "Window size must be positive"})
	}
	return details
}

func validateMetric(spec *MetricSpec) []ErrorDetail {
	if spec == nil {
		return []ErrorDetail{{Field: "trigger_spec", Problem: "missing", Hint: "Provide a metric trigger spec"}}
	}
	var details []ErrorDetail
	if spec.ValuePath == "" {
		details = append(details, ErrorDetail{Field: "value_path", Problem: "missing", Hint: "Example: data.cpu_usage"})
	}
	if spec.Threshold == nil {
		details = append(details, ErrorDetail{Field: "threshold", Problem: "missing", Hint: "Provide a numeric threshold"})
	}
	if !conditionOps[spec.Op] {
		details = append(details, ErrorDetail{Field: "op", Problem: "unsupported", Hint: "Use > < >= <= == = or !="})
	}
	if spec.PollIntervalSeconds < 0 {
		details = append(details, ErrorDetail{Field: "poll_interval_seconds", Problem: "invalid", Hint: "Must be zero or positive"})
	}
	details = append(details, validateAggregation(spec.Aggregation, "aggregation")...)
	return details
}

func validateSchedule(spec *ScheduleSpec) []ErrorDetail {
	if spec == nil {
		return []ErrorDetail{{Field: "trigger_spec", Problem: "missing", Hint: "Provide a schedule trigger spec"}}
	}
	var details []ErrorDetail
	if spec.Cron != "" {
		if _, err := cron.ParseStandard(spec.Cron); err != nil {
			details = append(details, ErrorDetail{Field: "cron", Problem: "invalid", Hint: "Use a standard 5-field cron expression"})
		}
	}
	if spec.IntervalSeconds < 0 {
		details = append(details, ErrorDetail{Field: "interval_seconds", Problem: "invalid", Hint: "Must be zero or positive"})
	}
	return details
}

func validateAnomaly(spec *AnomalySpec) []ErrorDetail {
	if spec == nil {
		return []ErrorDetail{{Field: "trigger_spec", Problem: "missing", Hint: "Provide an anomaly trigger spec"}}
	}
	var details []ErrorDetail
	if spec.ValuePath == "" {
		details = append(details, ErrorDetail{Field: "value_path", Problem: "missing", Hint: "Example: data.cpu_usage"})
	}
	if spec.Method != "" {
		if _, err := anomaly.ParseMethod(spec.Method); err != nil {
			details = append(details, ErrorDetail{Field: "method", Problem: "unsupported", Hint: "Use zscore, iqr, ema, or robust_zscore"})
		}
	}
	if spec.BaselineSize < 0 {
		details = append(details, ErrorDetail{Field: "baseline_size", Problem: "invalid", Hint: "Must be zero or positive"})
	}
	return details
}

func validateAggregation(spec *AggregationSpec, prefix string) []ErrorDetail {
	if spec == nil {
		return nil
	}
	var details []ErrorDetail
	if !aggregationTypes[spec.Type] {
		details = append(details, ErrorDetail{Field: prefix + ".type", Problem: "unsupported", Hint: "Use count, sum, avg, min, max, std, or percentile"})
	}
	if spec.Type != "" && spec.Type != "count" && spec.Field == "" {
		details = append(details, ErrorDetail{Field: prefix + ".field", Problem: "missing", Hint: "Provide the field to aggregate"})
	}
	if spec.Type == "percentile" && (spec.Percentile < 0 || spec.Percentile > 100) {
		details = append(details, ErrorDetail{Field: prefix + ".percentile", Problem: "out of range", Hint: "Use a percentile between 0 and 100"})
	}
	if spec.Threshold != nil && spec.Op != "" && !conditionOps[spec.Op] {
		details = append(details, ErrorDetail{Field: prefix + ".op", Problem: "unsupported", Hint: "Use > < >= <= == = or !="})
	}
	return details
}

func ValidateActionSpec(spec ActionSpec) *ValidationError {
	var details []ErrorDetail
	switch spec.Type {
	case ActionWebhook:
		details = validateWebhook(spec.Webhook)
	case ActionAPICall:
		details = validateAPICall(spec.APICall)
	case ActionAPIScript:
		if spec.APIScript == nil || spec.APIScript.Script == "" {
			details = append(details, ErrorDetail{Field: "script", Problem: "missing", Hint: "Provide a script name"})
		}
	case ActionTriggerRule:
		details = validateTriggerRule(spec.TriggerRule)
	default:
		details = []ErrorDetail{{Field: "type", Problem: "unsupported", Hint: "Use webhook, api_call, api_script, or trigger_rule"}}
	}
	if len(details) > 0 {
		return &ValidationError{Code: "ACTION_SPEC_INVALID", Message: "action spec failed validation", Details: details}
	}
	return nil
}

func validateWebhook(spec *WebhookAction) []ErrorDetail {
	if spec == nil || spec.URL == "" {
		return []ErrorDetail{{Field: "url", Problem: "missing", Hint: "Provide a webhook URL"}}
	}
	parsed, err := url.Parse(spec.URL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return []ErrorDetail{{Field: "url", Problem: "invalid", Hint: "Use an absolute http or https URL"}}
	}
	return nil
}

func validateAPICall(spec *APICallAction) []ErrorDetail {
	var details []ErrorDetail
	if spec == nil {
		return []ErrorDetail{{Field: "action_spec", Problem: "missing", Hint: "Provide an api_call action spec"}}
	}
	if spec.Runtime == "" {
		details = append(details, ErrorDetail{Field: "runtime", Problem: "missing", Hint: "Name a configured runtime"})
	}
	if spec.Endpoint == "" {
		details = append(details, ErrorDetail{Field: "endpoint", Problem: "missing", Hint: "Provide an endpoint path"})
	}
	return details
}

func validateTriggerRule(spec *TriggerRuleAction) []ErrorDetail {
	if spec == nil || spec.RuleID == "" {
		return []ErrorDetail{{Field: "rule_id", Problem: "missing", Hint: "Provide the target rule id"}}
	}
	if _, err := uuid.Parse(spec.RuleID); err != nil {
		return []ErrorDetail{{Field: "rule_id", Problem: "invalid", Hint: "Must be a UUID"}}
	}
	return nil
}
