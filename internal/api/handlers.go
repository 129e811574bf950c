package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"flowsentry/internal/dispatch"
	"flowsentry/internal/scheduler"
	"flowsentry/internal/storage"
	"flowsentry/internal/stream"
)

const (
	defaultTimeout   = 30 * time.Second
	defaultStaleness = 30 * time.Second

	defaultLogLimit = 50
	maxLogLimit     = 500
)

// Store is the handler's view of persistence.
type Store interface {
	GetRule(ctx context.Context, id string) (storage.RuleRecord, error)
	ListExecutionLogs(ctx context.Context, ruleID string, limit int, status string) ([]storage.ExecutionLogRecord, error)
	ListInstances(ctx context.Context) ([]storage.InstanceRecord, error)
	CurrentLeader(ctx context.Context, staleness time.Duration) (storage.InstanceRecord, error)
	LatestSnapshot(ctx context.Context) (storage.SnapshotRecord, error)
	AckNotificationLog(ctx context.Context, id string) error
	CountUnacked(ctx context.Context) (int, error)
	ListRecentNotificationLogs(ctx context.Context, limit int) ([]storage.NotificationLogRecord, error)
}

// Dispatcher runs one rule through the evaluate/lock/act/log sequence.
type Dispatcher interface {
	Execute(ctx context.Context, rule storage.RuleRecord, payload map[string]any, executedBy string, opts dispatch.Options) dispatch.Result
}

// Engine reports this instance's scheduler state.
type Engine interface {
	Info() scheduler.Info
}

type Handler struct {
	Repo        Store
	Dispatcher  Dispatcher
	Engine      Engine
	Stream      http.Handler
	Metrics     http.Handler
	Broadcaster *stream.Broadcaster
	Timeout     time.Duration
	Staleness   time.Duration
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/healthz", h.handleHealth)
	if h.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.Metrics)
	}
	r.Route("/api", func(r chi.Router) {
		r.Get("/engine/status", h.handleEngineStatus)
		r.Route("/rules/{ruleID}", func(r chi.Router) {
			r.Post("/execute", h.handleRuleExecute)
			r.Post("/simulate", h.handleRuleSimulate)
			r.Get("/executions", h.handleRuleExecutions)
		})
		r.Route("/events", func(r chi.Router) {
			if h.Stream != nil {
				r.Method(http.MethodGet, "/stream", h.Stream)
			}
			r.Get("/", h.handleEventsList)
			r.Get("/unacked-count", h.handleUnackedCount)
			r.Post("/{logID}/ack", h.handleEventAck)
		})
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (h *Handler) handleRuleExecute(w http.ResponseWriter, r *http.Request) {
	h.runRule(w, r, false)
}

func (h *Handler) handleRuleSimulate(w http.ResponseWriter, r *http.Request) {
	h.runRule(w, r, true)
}

func (h *Handler) runRule(w http.ResponseWriter, r *http.Request, dryRun bool) {
	id := chi.URLParam(r, "ruleID")

	var payload map[string]any
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &payload); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "message": err.Error()})
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout())
	defer cancel()

	rule, err := h.Repo.GetRule(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]any{"ok": false, "message": "rule not found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "message": "failed to load rule"})
		return
	}

	res := h.Dispatcher.Execute(ctx, rule, payload, "manual", dispatch.Options{DryRun: dryRun})
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleRuleExecutions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "ruleID")

	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "message": "invalid limit"})
		return
	}
	status := r.URL.Query().Get("status")
	if status != "" && !validExecStatus(status) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "message": "invalid status filter"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout())
	defer cancel()

	if _, err := h.Repo.GetRule(ctx, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]any{"ok": false, "message": "rule not found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "message": "failed to load rule"})
		return
	}

	logs, err := h.Repo.ListExecutionLogs(ctx, id, limit, status)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "message": "failed to list executions"})
		return
	}

	items := make([]executionLogResponse, 0, len(logs))
	for _, rec := range logs {
		items = append(items, toExecutionLogResponse(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

func (h *Handler) handleEngineStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout())
	defer cancel()

	resp := map[string]any{}
	if h.Engine != nil {
		resp["instance"] = h.Engine.Info()
	}

	instances, err := h.Repo.ListInstances(ctx)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "message": "failed to list instances"})
		return
	}
	staleness := h.staleness()
	now := time.Now()
	list := make([]instanceStatus, 0, len(instances))
	for _, rec := range instances {
		list = append(list, instanceStatus{
			InstanceID:    rec.InstanceID,
			IsLeader:      rec.IsLeader,
			LastHeartbeat: rec.LastHeartbeat,
			StartedAt:     rec.StartedAt,
			Stale:         now.Sub(rec.LastHeartbeat) > staleness,
		})
	}
	resp["instances"] = list

	leader, err := h.Repo.CurrentLeader(ctx, staleness)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		resp["leader"] = nil
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "message": "failed to resolve leader"})
		return
	default:
		resp["leader"] = instanceStatus{
			InstanceID:    leader.InstanceID,
			IsLeader:      true,
			LastHeartbeat: leader.LastHeartbeat,
			StartedAt:     leader.StartedAt,
		}
	}

	snap, err := h.Repo.LatestSnapshot(ctx)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		resp["snapshot"] = nil
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "message": "failed to load snapshot"})
		return
	default:
		resp["snapshot"] = toSnapshotStatus(snap)
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleEventsList(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "message": "invalid limit"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout())
	defer cancel()

	logs, err := h.Repo.ListRecentNotificationLogs(ctx, limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "message": "failed to list events"})
		return
	}
	items := make([]notificationLogResponse, 0, len(logs))
	for _, rec := range logs {
		items = append(items, toNotificationLogResponse(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

func (h *Handler) handleUnackedCount(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout())
	defer cancel()

	count, err := h.Repo.CountUnacked(ctx)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "message": "failed to count events"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"unacked_count": count})
}

func (h *Handler) handleEventAck(w http.ResponseWriter, r *http.Request) {
	logID := chi.URLParam(r, "logID")

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout())
	defer cancel()

	err := h.Repo.AckNotificationLog(ctx, logID)
	if errors.Is(err, storage.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]any{"ok": false, "message": "event not found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "message": "failed to ack event"})
		return
	}

	count, err := h.Repo.CountUnacked(ctx)
	if err == nil && h.Broadcaster != nil {
		h.Broadcaster.Publish(stream.EventAck, map[string]any{"id": logID})
		h.Broadcaster.Publish(stream.EventSummary, map[string]any{"unacked_count": count})
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "unacked_count": count})
}

func (h *Handler) timeout() time.Duration {
	if h.Timeout > 0 {
		return h.Timeout
	}
	return defaultTimeout
}

func (h *Handler) staleness() time.Duration {
	if h.Staleness > 0 {
		return h.Staleness
	}
	return defaultStaleness
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return defaultLogLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, errors.New("invalid limit")
	}
	if limit > maxLogLimit {
		limit = maxLogLimit
	}
	return limit, nil
}

func validExecStatus(status string) bool {
	switch status {
	case storage.ExecStatusSuccess, storage.ExecStatusFail, storage.ExecStatusSkipped, storage.ExecStatusDryRun:
		return true
	}
	return false
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
