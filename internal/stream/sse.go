package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const defaultPingInterval = 15 * time.Second

// SummaryFunc produces the initial summary payload sent to a client right
// after it connects.
type SummaryFunc func(ctx context.Context) (any, error)

// SSEHandler streams broadcaster events to a client as server-sent events.
type SSEHandler struct {
	broadcaster *Broadcaster
	summary     SummaryFunc
	logger      *slog.Logger
	ping        time.Duration
	clients     prometheus.Gauge
}

func NewSSEHandler(b *Broadcaster, summary SummaryFunc, clients prometheus.Gauge, logger *slog.Logger) *SSEHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SSEHandler{
		broadcaster: b,
		summary:     summary,
		logger:      logger,
		ping:        defaultPingInterval,
		clients:     clients,
	}
}

func (h *SSEHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	sub := h.broadcaster.Subscribe()
	defer h.broadcaster.Unsubscribe(sub)

	if h.clients != nil {
		h.clients.Inc()
		defer h.clients.Dec()
	}
	h.logger.Info("sse client connected")
	defer h.logger.Info("sse client disconnected")

	ctx := r.Context()

	// Subscribed before fetching the summary, so events raised in between
	// are queued rather than lost.
	if h.summary != nil {
		payload, err := h.summary(ctx)
		if err != nil {
			h.logger.Error("sse initial summary failed", slog.String("error", err.Error()))
		} else if err := writeFrame(w, EventSummary, payload); err != nil {
			return
		}
		flusher.Flush()
	}

	ticker := time.NewTicker(h.ping)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := writeFrame(w, EventPing, map[string]any{"at": time.Now().UTC()}); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if err := writeFrame(w, ev.Type, ev.Data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeFrame(w http.ResponseWriter, eventType string, data any) error {
	body, err := json.Marshal(data)
	if err != nil {
		body = []byte(fmt.Sprintf("%q", err.Error()))
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, body)
	return err
}
