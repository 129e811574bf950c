package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"flowsentry/internal/locks"
	"flowsentry/internal/metrics"
	"flowsentry/internal/rules"
	"flowsentry/internal/security"
	"flowsentry/internal/storage"
	"flowsentry/internal/stream"
	"flowsentry/internal/trigger"
)

// RuleSource resolves chained rules.
type RuleSource interface {
	GetRule(ctx context.Context, id string) (storage.RuleRecord, error)
}

// ExecutionLogStore persists one log row per dispatch.
type ExecutionLogStore interface {
	RecordExecutionLog(ctx context.Context, rec storage.ExecutionLogRecord) (storage.ExecutionLogRecord, error)
}

// Caller reaches configured runtime endpoints for api_call actions.
type Caller interface {
	Fetch(ctx context.Context, runtime, endpoint, method string, params map[string]any) (any, error)
}

// ScriptRunner executes api_script actions in an external sandbox.
type ScriptRunner interface {
	Run(ctx context.Context, script string, args map[string]any) (any, error)
}

// Options controls a single dispatch. Depth tracks rule chaining and is
// managed by the dispatcher itself; callers leave it zero.
type Options struct {
	DryRun bool
	Depth  int
}

// Result is the structured outcome of one dispatch, also serialized into the
// execution event published to live subscribers.
type Result struct {
	RuleID     string         `json:"rule_id"`
	RuleName   string         `json:"rule_name"`
	Status     string         `json:"status"`
	Matched    bool           `json:"matched"`
	DurationMS int64          `json:"duration_ms"`
	References map[string]any `json:"references"`
	Error      string         `json:"error,omitempty"`
	LogID      string         `json:"log_id,omitempty"`
}

type Deps struct {
	Rules       RuleSource
	Logs        ExecutionLogStore
	Evaluator   *trigger.Evaluator
	Locker      locks.Locker
	Caller      Caller
	Scripts     ScriptRunner
	Guard       *security.EgressGuard
	Client      *http.Client
	Limiter     *rate.Limiter
	Limits      security.Limits
	Broadcaster *stream.Broadcaster
	Metrics     *metrics.EngineMetrics
	Logger      *slog.Logger
}

// Dispatcher runs the evaluate, lock, act, log sequence for one rule.
type Dispatcher struct {
	deps Deps
}

func NewDispatcher(deps Deps) *Dispatcher {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Client == nil {
		deps.Client = http.DefaultClient
	}
	if deps.Limits == (security.Limits{}) {
		deps.Limits = security.DefaultLimits()
	}
	return &Dispatcher{deps: deps}
}

// Execute evaluates the rule's trigger against the payload and, when it
// matches, runs the configured action under the rule's cluster lock. Exactly
// one execution log is written on every path. Dry runs stop after
// evaluation: no lock, no action.
func (d *Dispatcher) Execute(ctx context.Context, rule storage.RuleRecord, payload map[string]any, executedBy string, opts Options) (out Result) {
	started := time.Now()
	res := &Result{
		RuleID:     rule.ID,
		RuleName:   rule.Name,
		Status:     storage.ExecStatusFail,
		References: map[string]any{},
	}

	var lease *locks.Lease
	defer func() {
		res.DurationMS = time.Since(started).Milliseconds()
		d.record(ctx, res, executedBy)
		if lease != nil {
			lease.Release(ctx)
		}
		out = *res
	}()

	if opts.Depth > d.deps.Limits.MaxChainDepth {
		res.Error = fmt.Sprintf("rule chain depth %d exceeded", d.deps.Limits.MaxChainDepth)
		return *res
	}

	triggerSpec, err := rules.ParseTriggerSpec(rule.TriggerType, rule.TriggerSpec)
	if err != nil {
		res.Error = err.Error()
		return *res
	}
	actionSpec, err := rules.ParseActionSpec(rule.ActionSpec)
	if err != nil {
		res.Error = err.Error()
		return *res
	}

	matched, evidence, err := d.evaluate(ctx, rule, triggerSpec, payload)
	res.References["trigger"] = evidence
	res.Matched = matched
	if err != nil {
		res.Error = err.Error()
		return *res
	}

	if opts.DryRun {
		res.Status = storage.ExecStatusDryRun
		return *res
	}

	lease, err = d.deps.Locker.TryAcquire(ctx, locks.RuleKey(rule.ID))
	if err != nil {
		res.Error = fmt.Sprintf("acquire rule lock: %s", err)
		return *res
	}
	if lease == nil {
		res.Status = storage.ExecStatusSkipped
		res.References["reason"] = "rule already running"
		return *res
	}

	if !matched {
		res.Status = storage.ExecStatusSuccess
		return *res
	}

	actionEvidence, err := d.runAction(ctx, rule, actionSpec, payload, opts.Depth)
	res.References["action"] = actionEvidence
	if err != nil {
		res.Error = err.Error()
		return *res
	}
	res.Status = storage.ExecStatusSuccess
	return *res
}

func (d *Dispatcher) evaluate(ctx context.Context, rule storage.RuleRecord, spec rules.TriggerSpec, payload map[string]any) (bool, map[string]any, error) {
	matched, evidence, err := d.deps.Evaluator.Evaluate(ctx, rule.ID, spec, payload)
	if d.deps.Metrics != nil {
		outcome := "unmatched"
		switch {
		case err != nil:
			outcome = "error"
		case matched:
			outcome = "matched"
		}
		d.deps.Metrics.EvaluationsTotal.WithLabelValues(rule.TriggerType, outcome).Inc()
	}
	return matched, evidence, err
}

func (d *Dispatcher) runAction(ctx context.Context, rule storage.RuleRecord, spec rules.ActionSpec, payload map[string]any, depth int) (map[string]any, error) {
	switch spec.Type {
	case rules.ActionWebhook:
		return d.runWebhook(ctx, spec.Webhook, payload)
	case rules.ActionAPICall:
		return d.runAPICall(ctx, spec.APICall)
	case rules.ActionAPIScript:
		return d.runScript(ctx, spec.APIScript)
	case rules.ActionTriggerRule:
		return d.runChained(ctx, rule, spec.TriggerRule, depth)
	default:
		return map[string]any{"type": string(spec.Type)}, fmt.Errorf("unsupported action type %q", spec.Type)
	}
}

func (d *Dispatcher) runWebhook(ctx context.Context, action *rules.WebhookAction, payload map[string]any) (map[string]any, error) {
	evidence := map[string]any{"type": "webhook", "url": action.URL}

	if d.deps.Guard != nil {
		if err := d.deps.Guard.ValidateURL(ctx, action.URL); err != nil {
			return evidence, fmt.Errorf("webhook url rejected: %w", err)
		}
	}
	if d.deps.Limiter != nil {
		if err := d.deps.Limiter.Wait(ctx); err != nil {
			return evidence, err
		}
	}

	method := strings.ToUpper(action.Method)
	if method == "" {
		method = http.MethodPost
	}
	evidence["method"] = method

	target := action.URL
	if len(action.Params) > 0 {
		parsed, err := url.Parse(action.URL)
		if err != nil {
			return evidence, fmt.Errorf("parse webhook url: %w", err)
		}
		query := parsed.Query()
		for key, value := range action.Params {
			query.Set(key, fmt.Sprint(value))
		}
		parsed.RawQuery = query.Encode()
		target = parsed.String()
	}

	var body io.Reader
	if method != http.MethodGet {
		data := action.Body
		if len(data) == 0 {
			data = payload
		}
		if len(data) > 0 {
			raw, err := json.Marshal(data)
			if err != nil {
				return evidence, fmt.Errorf("marshal webhook body: %w", err)
			}
			body = bytes.NewReader(raw)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, d.deps.Limits.ActionTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return evidence, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, value := range action.Headers {
		req.Header.Set(key, value)
	}

	resp, err := d.deps.Client.Do(req)
	if err != nil {
		return evidence, fmt.Errorf("webhook call: %w", err)
	}
	defer resp.Body.Close()

	evidence["status_code"] = resp.StatusCode
	if snippet := readSnippet(resp.Body, d.deps.Limits.MaxResponseBytes); snippet != "" {
		evidence["response"] = snippet
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return evidence, fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return evidence, nil
}

func (d *Dispatcher) runAPICall(ctx context.Context, action *rules.APICallAction) (map[string]any, error) {
	evidence := map[string]any{"type": "api_call", "runtime": action.Runtime, "endpoint": action.Endpoint}
	if d.deps.Caller == nil {
		return evidence, errors.New("no runtime registry configured")
	}
	ctx, cancel := context.WithTimeout(ctx, d.deps.Limits.ActionTimeout)
	defer cancel()
	result, err := d.deps.Caller.Fetch(ctx, action.Runtime, action.Endpoint, action.Method, action.Params)
	if err != nil {
		return evidence, fmt.Errorf("api call: %w", err)
	}
	evidence["result"] = result
	return evidence, nil
}

func (d *Dispatcher) runScript(ctx context.Context, action *rules.APIScriptAction) (map[string]any, error) {
	evidence := map[string]any{"type": "api_script", "script": action.Script}
	if d.deps.Scripts == nil {
		return evidence, errors.New("no script runner configured")
	}
	ctx, cancel := context.WithTimeout(ctx, d.deps.Limits.ActionTimeout)
	defer cancel()
	result, err := d.deps.Scripts.Run(ctx, action.Script, action.Args)
	if err != nil {
		return evidence, fmt.Errorf("script run: %w", err)
	}
	evidence["result"] = result
	return evidence, nil
}

// runChained dispatches another rule under the same lock discipline. A cycle
// back into a rule that is still running loses its lock acquisition and
// collapses into a skipped execution rather than recursing forever.
func (d *Dispatcher) runChained(ctx context.Context, parent storage.RuleRecord, action *rules.TriggerRuleAction, depth int) (map[string]any, error) {
	evidence := map[string]any{"type": "trigger_rule", "rule_id": action.RuleID}
	if d.deps.Rules == nil {
		return evidence, errors.New("no rule source configured")
	}
	target, err := d.deps.Rules.GetRule(ctx, action.RuleID)
	if err != nil {
		return evidence, fmt.Errorf("chained rule: %w", err)
	}
	if !target.IsActive {
		return evidence, fmt.Errorf("chained rule %s is inactive", action.RuleID)
	}

	chained := d.Execute(ctx, target, action.Payload, "rule:"+parent.ID, Options{Depth: depth + 1})
	evidence["result"] = map[string]any{
		"status":  chained.Status,
		"matched": chained.Matched,
		"log_id":  chained.LogID,
	}
	if chained.Status == storage.ExecStatusFail {
		return evidence, fmt.Errorf("chained rule %s failed: %s", action.RuleID, chained.Error)
	}
	return evidence, nil
}

// record writes the single execution log row for this dispatch and publishes
// the execution event. Runs detached from the caller's cancellation so a
// timed-out dispatch still gets its log.
func (d *Dispatcher) record(ctx context.Context, res *Result, executedBy string) {
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	refs, err := json.Marshal(res.References)
	if err != nil {
		refs = []byte(`{}`)
	}
	var errMsg *string
	if res.Error != "" {
		errMsg = &res.Error
	}
	rec, err := d.deps.Logs.RecordExecutionLog(recordCtx, storage.ExecutionLogRecord{
		RuleID:     res.RuleID,
		Status:     res.Status,
		DurationMS: res.DurationMS,
		References: refs,
		ExecutedBy: executedBy,
		Error:      errMsg,
	})
	if err != nil {
		d.deps.Logger.Error("execution log write failed",
			slog.String("rule_id", res.RuleID),
			slog.String("error", err.Error()))
	} else {
		res.LogID = rec.ID
	}

	if d.deps.Metrics != nil {
		d.deps.Metrics.DispatchesTotal.WithLabelValues(res.Status).Inc()
	}
	if d.deps.Broadcaster != nil {
		d.deps.Broadcaster.Publish(stream.EventExecution, res)
	}
}

func readSnippet(r io.Reader, max int) string {
	if max <= 0 {
		max = 1024
	}
	data, err := io.ReadAll(io.LimitReader(r, int64(max)))
	if err != nil || len(data) == 0 {
		return ""
	}
	return string(data)
}
