package rules

import (
	"encoding/json"
	"fmt"

	"flowsentry/internal/anomaly"
)

type TriggerType string

const (
	TriggerEvent    TriggerType = "event"
	TriggerMetric   TriggerType = "metric"
	TriggerSchedule TriggerType = "schedule"
	TriggerAnomaly  TriggerType = "anomaly"
)

func ParseTriggerType(raw string) (TriggerType, error) {
	switch TriggerType(raw) {
	case TriggerEvent, TriggerMetric, TriggerSchedule, TriggerAnomaly:
		return TriggerType(raw), nil
	default:
		return "", fmt.Errorf("unsupported trigger type %q", raw)
	}
}

type ActionType string

const (
	ActionWebhook     ActionType = "webhook"
	ActionAPICall     ActionType = "api_call"
	ActionAPIScript   ActionType = "api_script"
	ActionTriggerRule ActionType = "trigger_rule"
)

func ParseActionType(raw string) (ActionType, error) {
	switch ActionType(raw) {
	case ActionWebhook, ActionAPICall, ActionAPIScript, ActionTriggerRule:
		return ActionType(raw), nil
	default:
		return "", fmt.Errorf("unsupported action type %q", raw)
	}
}

// TriggerSpec is the parsed form of a rule's trigger_spec column. Exactly one
// variant pointer is set, selected by Type.
type TriggerSpec struct {
	Type     TriggerType
	Event    *EventSpec
	Metric   *MetricSpec
	Schedule *ScheduleSpec
	Anomaly  *AnomalySpec
}

type Condition struct {
	Field string `json:"field"`
	Op    string `json:"op"`
	Value any    `json:"value"`
}

type EventSpec struct {
	Field       string           `json:"field"`
	Op          string           `json:"op"`
	Value       any              `json:"value"`
	Conditions  []Condition      `json:"conditions"`
	Logic       string           `json:"logic"`
	Aggregation *AggregationSpec `json:"aggregation"`
	Window      *WindowSpec      `json:"window"`
}

type MetricSpec struct {
	ValuePath           string           `json:"value_path"`
	Threshold           *float64         `json:"threshold"`
	Op                  string           `json:"op"`
	Runtime             string           `json:"runtime"`
	Endpoint            string           `json:"endpoint"`
	Method              string           `json:"method"`
	Params              map[string]any   `json:"params"`
	PollIntervalSeconds int              `json:"poll_interval_seconds"`
	Aggregation         *AggregationSpec `json:"aggregation"`
}

type ScheduleSpec struct {
	Cron            string `json:"cron"`
	IntervalSeconds int    `json:"interval_seconds"`
}

type AnomalySpec struct {
	ValuePath      string         `json:"value_path"`
	Method         string         `json:"method"`
	Config         anomaly.Config `json:"config"`
	BaselineValues []float64      `json:"baseline_values"`
	BaselineSize   int            `json:"baseline_size"`
	Runtime        string         `json:"runtime"`
	Endpoint       string         `json:"endpoint"`
	HTTPMethod     string         `json:"http_method"`
	Params         map[string]any `json:"params"`
}

type AggregationSpec struct {
	Type       string   `json:"type"`
	Field      string   `json:"field"`
	GroupBy    string   `json:"group_by"`
	Threshold  *float64 `json:"threshold"`
	Op         string   `json:"op"`
	Percentile float64  `json:"percentile"`
}

type WindowSpec struct {
	Type         string `json:"type"`
	SizeSeconds  int    `json:"size_seconds"`
	SlideSeconds int    `json:"slide_seconds"`
}

// ActionSpec is the parsed form of a rule's action_spec column. Exactly one
// variant pointer is set, selected by Type.
type ActionSpec struct {
	Type        ActionType
	Webhook     *WebhookAction
	APICall     *APICallAction
	APIScript   *APIScriptAction
	TriggerRule *TriggerRuleAction
}

type WebhookAction struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Params  map[string]any    `json:"params"`
	Body    map[string]any    `json:"body"`
}

type APICallAction struct {
	Runtime  string         `json:"runtime"`
	Endpoint string         `json:"endpoint"`
	Method   string         `json:"method"`
	Params   map[string]any `json:"params"`
}

type APIScriptAction struct {
	Script string         `json:"script"`
	Args   map[string]any `json:"args"`
}

type TriggerRuleAction struct {
	RuleID  string         `json:"rule_id"`
	Payload map[string]any `json:"payload"`
}

func ParseTriggerSpec(triggerType string, raw json.RawMessage) (TriggerSpec, error) {
	parsed, err := ParseTriggerType(triggerType)
	if err != nil {
		return TriggerSpec{}, err
	}
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	spec := TriggerSpec{Type: parsed}
	switch parsed {
	case TriggerEvent:
		spec.Event = &EventSpec{}
		if err := json.Unmarshal(raw, spec.Event); err != nil {
			return TriggerSpec{}, fmt.Errorf("parse event trigger spec: %w", err)
		}
	case TriggerMetric:
		spec.Metric = &MetricSpec{}
		if err := json.Unmarshal(raw, spec.Metric); err != nil {
			return TriggerSpec{}, fmt.Errorf("parse metric trigger spec: %w", err)
		}
	case TriggerSchedule:
		spec.Schedule = &ScheduleSpec{}
		if err := json.Unmarshal(raw, spec.Schedule); err != nil {
			return TriggerSpec{}, fmt.Errorf("parse schedule trigger spec: %w", err)
		}
	case TriggerAnomaly:
		spec.Anomaly = &AnomalySpec{}
		if err := json.Unmarshal(raw, spec.Anomaly); err != nil {
			return TriggerSpec{}, fmt.Errorf("parse anomaly trigger spec: %w", err)
		}
	}
	return spec, nil
}

func ParseActionSpec(raw json.RawMessage) (ActionSpec, error) {
	if len(raw) == 0 {
		return ActionSpec{}, fmt.Errorf("empty action spec")
	}
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return ActionSpec{}, fmt.Errorf("parse action spec: %w", err)
	}
	parsed, err := ParseActionType(envelope.Type)
	if err != nil {
		return ActionSpec{}, err
	}
	spec := ActionSpec{Type: parsed}
	switch parsed {
	case ActionWebhook:
		spec.Webhook = &WebhookAction{}
		if err := json.Unmarshal(raw, spec.Webhook); err != nil {
			return ActionSpec{}, fmt.Errorf("parse webhook action: %w", err)
		}
	case ActionAPICall:
		spec.APICall = &APICallAction{}
		if err := json.Unmarshal(raw, spec.APICall); err != nil {
			return ActionSpec{}, fmt.Errorf("parse api_call action: %w", err)
		}
	case ActionAPIScript:
		spec.APIScript = &APIScriptAction{}
		if err := json.Unmarshal(raw, spec.APIScript); err != nil {
			return ActionSpec{}, fmt.Errorf("parse api_script action: %w", err)
		}
	case ActionTriggerRule:
		spec.TriggerRule = &TriggerRuleAction{}
		if err := json.Unmarshal(raw, spec.TriggerRule); err != nil {
			return ActionSpec{}, fmt.Errorf("parse trigger_rule action: %w", err)
		}
	}
	return spec, nil
}
