package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"flowsentry/internal/crypto"
	"flowsentry/internal/metrics"
	"flowsentry/internal/security"
	"flowsentry/internal/storage"
	"flowsentry/internal/stream"
	"flowsentry/internal/trigger"
)

// Store is the notification engine's view of persistence. The append-only
// notification log doubles as the cooldown and rate-limit lookback source.
type Store interface {
	ListActiveNotifications(ctx context.Context, channel string) ([]storage.NotificationRecord, error)
	ListSnapshotsSince(ctx context.Context, since time.Time) ([]storage.SnapshotRecord, error)
	CreateNotificationLog(ctx context.Context, rec storage.NotificationLogRecord) (storage.NotificationLogRecord, error)
	LastSentAt(ctx context.Context, notificationID, dedupKey string) (time.Time, error)
	CountSentSince(ctx context.Context, notificationID string, since time.Time) (int, error)
	CountUnacked(ctx context.Context) (int, error)
}

type Deps struct {
	Store       Store
	Encryptor   crypto.Encryptor
	Guard       *security.EgressGuard
	Client      *http.Client
	Limits      security.Limits
	Broadcaster *stream.Broadcaster
	Metrics     *metrics.EngineMetrics
	Logger      *slog.Logger
}

// Engine evaluates webhook notification policies against recent metric-poll
// snapshots, one pass per scheduler tick.
type Engine struct {
	deps Deps
}

func NewEngine(deps Deps) *Engine {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Client == nil {
		deps.Client = http.DefaultClient
	}
	if deps.Limits == (security.Limits{}) {
		deps.Limits = security.DefaultLimits()
	}
	if deps.Encryptor == nil {
		deps.Encryptor = crypto.Noop{}
	}
	return &Engine{deps: deps}
}

// Run performs one evaluation pass over all active webhook notifications.
// Individual failures are logged and do not abort the pass.
func (e *Engine) Run(ctx context.Context) {
	notifications, err := e.deps.Store.ListActiveNotifications(ctx, ChannelWebhook)
	if err != nil {
		e.deps.Logger.Error("list notifications failed", slog.String("error", err.Error()))
		return
	}
	for _, rec := range notifications {
		if ctx.Err() != nil {
			return
		}
		e.process(ctx, rec)
	}
}

func (e *Engine) process(ctx context.Context, rec storage.NotificationRecord) {
	spec, err := ParseTrigger(rec.Trigger)
	if err != nil {
		e.deps.Logger.Warn("notification trigger unusable",
			slog.String("notification_id", rec.ID),
			slog.String("error", err.Error()))
		return
	}
	if spec.Type != TriggerTypeSnapshotThreshold {
		e.deps.Logger.Warn("unsupported notification trigger type",
			slog.String("notification_id", rec.ID),
			slog.String("type", spec.Type))
		return
	}

	since := time.Now().Add(-time.Duration(spec.WindowMinutes) * time.Minute)
	snapshots, err := e.deps.Store.ListSnapshotsSince(ctx, since)
	if err != nil {
		e.deps.Logger.Error("load snapshots failed",
			slog.String("notification_id", rec.ID),
			slog.String("error", err.Error()))
		return
	}

	breach, observed, ok := findBreach(snapshots, spec)
	if !ok {
		return
	}

	policy := ParsePolicy(rec.Policy)
	dedupKey := DedupKey(rec.ID, spec)
	summary := snapshotSummary(breach, spec, observed)

	lastSent, err := e.deps.Store.LastSentAt(ctx, rec.ID, dedupKey)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		e.deps.Logger.Error("cooldown lookup failed",
			slog.String("notification_id", rec.ID),
			slog.String("error", err.Error()))
		return
	}
	if err == nil && time.Since(lastSent) < time.Duration(policy.CooldownSeconds)*time.Second {
		e.logOutcome(ctx, rec, storage.NotifyStatusSkipped, dedupKey,
			fmt.Sprintf("cooldown active (%ds)", policy.CooldownSeconds), nil, nil, summary)
		return
	}

	sentLastHour, err := e.deps.Store.CountSentSince(ctx, rec.ID, time.Now().Add(-time.Hour))
	if err != nil {
		e.deps.Logger.Error("rate limit lookup failed",
			slog.String("notification_id", rec.ID),
			slog.String("error", err.Error()))
		return
	}
	if sentLastHour >= policy.MaxPerHour {
		e.logOutcome(ctx, rec, storage.NotifyStatusSkipped, dedupKey,
			fmt.Sprintf("hourly rate limit reached (%d)", policy.MaxPerHour), nil, nil, summary)
		return
	}

	status, respStatus, respBody, reason := e.deliver(ctx, rec, spec, observed, breach)
	e.logOutcome(ctx, rec, status, dedupKey, reason, respStatus, respBody, summary)
}

// findBreach returns the newest snapshot in the window whose counter
// satisfies the threshold.
func findBreach(snapshots []storage.SnapshotRecord, spec TriggerSpec) (storage.SnapshotRecord, float64, bool) {
	for _, snap := range snapshots {
		value, ok := counterValue(snap, spec.Field)
		if !ok {
			continue
		}
		matched, err := trigger.Compare(spec.Op, value, spec.Value)
		if err == nil && matched {
			return snap, value, true
		}
	}
	return storage.SnapshotRecord{}, 0, false
}

func counterValue(snap storage.SnapshotRecord, field string) (float64, bool) {
	switch field {
	case "evaluated":
		return float64(snap.RulesEvaluated), true
	case "matched":
		return float64(snap.RulesMatched), true
	case "skipped":
		return float64(snap.RulesSkipped), true
	case "failed":
		return float64(snap.RulesFailed), true
	default:
		return 0, false
	}
}

func snapshotSummary(snap storage.SnapshotRecord, spec TriggerSpec, observed float64) []byte {
	summary := map[string]any{
		"snapshot_id": snap.ID,
		"instance_id": snap.InstanceID,
		"evaluated":   snap.RulesEvaluated,
		"matched":     snap.RulesMatched,
		"skipped":     snap.RulesSkipped,
		"failed":      snap.RulesFailed,
		"created_at":  snap.CreatedAt,
		"field":       spec.Field,
		"op":          spec.Op,
		"value":       spec.Value,
		"observed":    observed,
	}
	data, err := json.Marshal(summary)
	if err != nil {
		return []byte(`{}`)
	}
	return data
}

func (e *Engine) deliver(ctx context.Context, rec storage.NotificationRecord, spec TriggerSpec, observed float64, snap storage.SnapshotRecord) (string, *int, *string, string) {
	if e.deps.Guard != nil {
		if err := e.deps.Guard.ValidateURL(ctx, rec.TargetURL); err != nil {
			return storage.NotifyStatusFail, nil, nil, fmt.Sprintf("target url rejected: %s", err)
		}
	}

	headers, err := crypto.DecryptHeaders(e.deps.Encryptor, rec.Headers)
	if err != nil {
		return storage.NotifyStatusFail, nil, nil, fmt.Sprintf("decrypt headers: %s", err)
	}

	payload := map[string]any{
		"notification_id": rec.ID,
		"name":            rec.Name,
		"severity":        spec.Severity,
		"field":           spec.Field,
		"op":              spec.Op,
		"value":           spec.Value,
		"observed":        observed,
		"instance_id":     snap.InstanceID,
		"fired_at":        time.Now().UTC(),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return storage.NotifyStatusFail, nil, nil, fmt.Sprintf("marshal payload: %s", err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.deps.Limits.NotifyTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rec.TargetURL, bytes.NewReader(body))
	if err != nil {
		return storage.NotifyStatusFail, nil, nil, err.Error()
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := e.deps.Client.Do(req)
	if err != nil {
		return storage.NotifyStatusFail, nil, nil, fmt.Sprintf("webhook call failed: %s", err)
	}
	defer resp.Body.Close()

	statusCode := resp.StatusCode
	var respBody *string
	if snippet := readSnippet(resp.Body, e.deps.Limits.MaxResponseBytes); snippet != "" {
		respBody = &snippet
	}
	if statusCode < 200 || statusCode >= 300 {
		return storage.NotifyStatusFail, &statusCode, respBody, fmt.Sprintf("webhook returned status %d", statusCode)
	}
	return storage.NotifyStatusSent, &statusCode, respBody, "delivered"
}

// logOutcome records the attempt and pushes new_event plus a refreshed
// unacked-count summary to live subscribers.
func (e *Engine) logOutcome(ctx context.Context, rec storage.NotificationRecord, status, dedupKey, reason string, respStatus *int, respBody *string, summary []byte) {
	logCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	created, err := e.deps.Store.CreateNotificationLog(logCtx, storage.NotificationLogRecord{
		NotificationID: rec.ID,
		Status:         status,
		DedupKey:       dedupKey,
		Reason:         reason,
		ResponseStatus: respStatus,
		ResponseBody:   respBody,
		Snapshot:       summary,
	})
	if err != nil {
		e.deps.Logger.Error("notification log write failed",
			slog.String("notification_id", rec.ID),
			slog.String("error", err.Error()))
		return
	}

	if e.deps.Metrics != nil {
		e.deps.Metrics.NotificationsTotal.WithLabelValues(status).Inc()
	}
	if e.deps.Broadcaster == nil {
		return
	}
	e.deps.Broadcaster.Publish(stream.EventNew, map[string]any{
		"id":              created.ID,
		"notification_id": rec.ID,
		"name":            rec.Name,
		"status":          status,
		"reason":          reason,
		"dedup_key":       dedupKey,
		"fired_at":        created.FiredAt,
	})
	unacked, err := e.deps.Store.CountUnacked(logCtx)
	if err != nil {
		e.deps.Logger.Error("unacked count failed", slog.String("error", err.Error()))
		return
	}
	e.deps.Broadcaster.Publish(stream.EventSummary, map[string]any{"unacked_count": unacked})
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
