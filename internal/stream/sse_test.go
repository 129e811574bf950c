package stream

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// pipeResponseWriter lets the test read streamed frames as the handler
// writes them.
type pipeResponseWriter struct {
	header http.Header
	pw     *io.PipeWriter
}

func (p *pipeResponseWriter) Header() http.Header         { return p.header }
func (p *pipeResponseWriter) Write(b []byte) (int, error) { return p.pw.Write(b) }
func (p *pipeResponseWriter) WriteHeader(statusCode int)  {}
func (p *pipeResponseWriter) Flush()                      {}

func readFrame(t *testing.T, r *bufio.Reader) (string, string) {
	t.Helper()
	var eventType, data string
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read frame: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			return eventType, data
		case strings.HasPrefix(line, "event: "):
			eventType = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func TestSSEStreamsSummaryThenEvents(t *testing.T) {
	b := NewBroadcaster()
	summary := func(ctx context.Context) (any, error) {
		return map[string]any{"unacked": 3}, nil
	}
	handler := NewSSEHandler(b, summary, nil, nil)

	pr, pw := io.Pipe()
	w := &pipeResponseWriter{header: http.Header{}, pw: pw}

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/api/events/stream", nil).WithContext(ctx)

	done := make(chan struct{})
	go func() {
		handler.ServeHTTP(w, req)
		pw.Close()
		close(done)
	}()

	reader := bufio.NewReader(pr)

	eventType, data := readFrame(t, reader)
	if eventType != EventSummary {
		t.Fatalf("expected first frame %q got %q", EventSummary, eventType)
	}
	if !strings.Contains(data, `"unacked":3`) {
		t.Fatalf("expected summary payload, got %q", data)
	}

	// Reading the summary frame proves the subscription is live.
	b.Publish(EventNew, map[string]any{"id": "log-1"})

	eventType, data = readFrame(t, reader)
	if eventType != EventNew {
		t.Fatalf("expected %q frame got %q", EventNew, eventType)
	}
	if !strings.Contains(data, "log-1") {
		t.Fatalf("expected event payload, got %q", data)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("handler did not exit on client disconnect")
	}

	if got := b.Subscribers(); got != 0 {
		t.Fatalf("expected subscriber cleanup, %d left", got)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected event-stream content type got %q", ct)
	}
}

func TestSSEPing(t *testing.T) {
	b := NewBroadcaster()
	handler := NewSSEHandler(b, nil, nil, nil)
	handler.ping = 10 * time.Millisecond

	pr, pw := io.Pipe()
	w := &pipeResponseWriter{header: http.Header{}, pw: pw}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/events/stream", nil).WithContext(ctx)

	go func() {
		handler.ServeHTTP(w, req)
		pw.Close()
	}()

	eventType, _ := readFrame(t, bufio.NewReader(pr))
	if eventType != EventPing {
		t.Fatalf("expected ping frame got %q", eventType)
	}
}

type noFlushWriter struct {
	header http.Header
	status int
}

func (n *noFlushWriter) Header() http.Header         { return n.header }
func (n *noFlushWriter) Write(b []byte) (int, error) { return len(b), nil }
func (n *noFlushWriter) WriteHeader(statusCode int)  { n.status = statusCode }

func TestSSERejectsNonFlushableWriter(t *testing.T) {
	handler := NewSSEHandler(NewBroadcaster(), nil, nil, nil)
	w := &noFlushWriter{header: http.Header{}}
	req := httptest.NewRequest(http.MethodGet, "/api/events/stream", nil)

	handler.ServeHTTP(w, req)
	if w.status != http.StatusInternalServerError {
		t.Fatalf("expected 500 got %d", w.status)
	}
}
