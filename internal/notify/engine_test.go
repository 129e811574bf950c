package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"flowsentry/internal/crypto"
	"flowsentry/internal/security"
	"flowsentry/internal/storage"
	"flowsentry/internal/stream"
)

type fakeStore struct {
	mu            sync.Mutex
	notifications []storage.NotificationRecord
	snapshots     []storage.SnapshotRecord
	logs          []storage.NotificationLogRecord
	lastSent      map[string]time.Time
	unacked       int
}

func (f *fakeStore) ListActiveNotifications(ctx context.Context, channel string) ([]storage.NotificationRecord, error) {
	return f.notifications, nil
}

func (f *fakeStore) ListSnapshotsSince(ctx context.Context, since time.Time) ([]storage.SnapshotRecord, error) {
	return f.snapshots, nil
}

func (f *fakeStore) CreateNotificationLog(ctx context.Context, rec storage.NotificationLogRecord) (storage.NotificationLogRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec.ID = fmt.Sprintf("nlog-%d", len(f.logs)+1)
	rec.FiredAt = time.Now()
	f.logs = append(f.logs, rec)
	return rec, nil
}

func (f *fakeStore) LastSentAt(ctx context.Context, notificationID, dedupKey string) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	at, ok := f.lastSent[notificationID+"|"+dedupKey]
	if !ok {
		return time.Time{}, storage.ErrNotFound
	}
	return at, nil
}

func (f *fakeStore) CountSentSince(ctx context.Context, notificationID string, since time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, rec := range f.logs {
		if rec.NotificationID == notificationID && rec.Status == storage.NotifyStatusSent {
			count++
		}
	}
	return count, nil
}

func (f *fakeStore) CountUnacked(ctx context.Context) (int, error) {
	return f.unacked, nil
}

func (f *fakeStore) statuses() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.logs))
	for _, rec := range f.logs {
		out = append(out, rec.Status)
	}
	return out
}

func webhookNotification(id, targetURL, trigger, policy string) storage.NotificationRecord {
	return storage.NotificationRecord{
		ID:        id,
		Name:      "notify " + id,
		Channel:   ChannelWebhook,
		TargetURL: targetURL,
		Trigger:   []byte(trigger),
		Policy:    []byte(policy),
		IsActive:  true,
	}
}

func failedSnapshot(failures int, age time.Duration) storage.SnapshotRecord {
	return storage.SnapshotRecord{
		ID:          fmt.Sprintf("snap-%d", failures),
		InstanceID:  "inst-1",
		IsLeader:    true,
		RulesFailed: failures,
		CreatedAt:   time.Now().Add(-age),
	}
}

func newTestEngine(store *fakeStore, client *http.Client, b *stream.Broadcaster) *Engine {
	return NewEngine(Deps{
		Store:       store,
		Guard:       security.NewEgressGuard(true),
		Client:      client,
		Broadcaster: b,
	})
}

func TestRunSendsOnBreach(t *testing.T) {
	var gotPayload map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotPayload)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	store := &fakeStore{
		notifications: []storage.NotificationRecord{
			webhookNotification("n1", server.URL, `{"field":"failed","op":">","value":3}`, `{}`),
		},
		snapshots: []storage.SnapshotRecord{failedSnapshot(5, time.Minute)},
		lastSent:  map[string]time.Time{},
	}
	engine := newTestEngine(store, server.Client(), nil)

	engine.Run(context.Background())

	statuses := store.statuses()
	if len(statuses) != 1 || statuses[0] != storage.NotifyStatusSent {
		t.Fatalf("expected single sent log got %v", statuses)
	}
	if store.logs[0].DedupKey == "" {
		t.Fatalf("expected dedup key on log")
	}
	if store.logs[0].ResponseStatus == nil || *store.logs[0].ResponseStatus != 200 {
		t.Fatalf("expected response status 200 got %v", store.logs[0].ResponseStatus)
	}
	if gotPayload["observed"] != 5.0 {
		t.Fatalf("expected observed 5 in payload got %v", gotPayload["observed"])
	}
}

func TestRunNoBreachIsNoop(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer server.Close()

	store := &fakeStore{
		notifications: []storage.NotificationRecord{
			webhookNotification("n1", server.URL, `{"field":"failed","op":">","value":3}`, `{}`),
		},
		snapshots: []storage.SnapshotRecord{failedSnapshot(1, time.Minute)},
		lastSent:  map[string]time.Time{},
	}
	engine := newTestEngine(store, server.Client(), nil)

	engine.Run(context.Background())

	if calls.Load() != 0 {
		t.Fatalf("expected no delivery")
	}
	if len(store.statuses()) != 0 {
		t.Fatalf("expected no logs, got %v", store.statuses())
	}
}

func TestCooldownSuppressesThenExpires(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	notification := webhookNotification("n1", server.URL,
		`{"field":"failed","op":">","value":3}`, `{"cooldown_seconds":300}`)
	spec, err := ParseTrigger(notification.Trigger)
	if err != nil {
		t.Fatalf("parse trigger: %v", err)
	}
	key := "n1|" + DedupKey("n1", spec)

	store := &fakeStore{
		notifications: []storage.NotificationRecord{notification},
		snapshots:     []storage.SnapshotRecord{failedSnapshot(5, time.Minute)},
		lastSent:      map[string]time.Time{key: time.Now().Add(-60 * time.Second)},
	}
	engine := newTestEngine(store, server.Client(), nil)

	engine.Run(context.Background())
	statuses := store.statuses()
	if len(statuses) != 1 || statuses[0] != storage.NotifyStatusSkipped {
		t.Fatalf("expected skipped inside cooldown got %v", statuses)
	}
	if !strings.Contains(store.logs[0].Reason, "cooldown") {
		t.Fatalf("expected cooldown reason got %q", store.logs[0].Reason)
	}

	// Past the cooldown window the same breach sends again.
	store.mu.Lock()
	store.lastSent[key] = time.Now().Add(-400 * time.Second)
	store.mu.Unlock()

	engine.Run(context.Background())
	statuses = store.statuses()
	if len(statuses) != 2 || statuses[1] != storage.NotifyStatusSent {
		t.Fatalf("expected sent after cooldown got %v", statuses)
	}
}

func TestHourlyRateLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	store := &fakeStore{
		notifications: []storage.NotificationRecord{
			webhookNotification("n1", server.URL,
				`{"field":"failed","op":">","value":3}`, `{"max_per_hour":2,"cooldown_seconds":300}`),
		},
		snapshots: []storage.SnapshotRecord{failedSnapshot(5, time.Minute)},
		lastSent:  map[string]time.Time{},
	}
	engine := newTestEngine(store, server.Client(), nil)

	for i := 0; i < 3; i++ {
		engine.Run(context.Background())
	}

	var sent, skipped int
	for _, status := range store.statuses() {
		switch status {
		case storage.NotifyStatusSent:
			sent++
		case storage.NotifyStatusSkipped:
			skipped++
		}
	}
	if sent != 2 || skipped != 1 {
		t.Fatalf("expected 2 sent 1 skipped got %d sent %d skipped", sent, skipped)
	}
	last := store.logs[len(store.logs)-1]
	if !strings.Contains(last.Reason, "rate limit") {
		t.Fatalf("expected rate limit reason got %q", last.Reason)
	}
}

func TestDeliveryBlockedBySSRFGuard(t *testing.T) {
	store := &fakeStore{
		notifications: []storage.NotificationRecord{
			webhookNotification("n1", "http://169.254.169.254/hook",
				`{"field":"failed","op":">","value":3}`, `{}`),
		},
		snapshots: []storage.SnapshotRecord{failedSnapshot(5, time.Minute)},
		lastSent:  map[string]time.Time{},
	}
	engine := NewEngine(Deps{
		Store: store,
		Guard: security.NewEgressGuard(false),
	})

	engine.Run(context.Background())

	statuses := store.statuses()
	if len(statuses) != 1 || statuses[0] != storage.NotifyStatusFail {
		t.Fatalf("expected fail log got %v", statuses)
	}
	if !strings.Contains(store.logs[0].Reason, "rejected") {
		t.Fatalf("expected rejection reason got %q", store.logs[0].Reason)
	}
}

func TestEncryptedHeadersApplied(t *testing.T) {
	var gotToken string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.Header.Get("X-Token")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	enc, err := crypto.NewAesGcmEncryptor([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("new encryptor: %v", err)
	}
	headers, err := crypto.EncryptHeaders(enc, map[string]string{"X-Token": "s3cret"})
	if err != nil {
		t.Fatalf("encrypt headers: %v", err)
	}

	notification := webhookNotification("n1", server.URL, `{"field":"failed","op":">","value":3}`, `{}`)
	notification.Headers = headers

	store := &fakeStore{
		notifications: []storage.NotificationRecord{notification},
		snapshots:     []storage.SnapshotRecord{failedSnapshot(5, time.Minute)},
		lastSent:      map[string]time.Time{},
	}
	engine := NewEngine(Deps{
		Store:     store,
		Encryptor: enc,
		Guard:     security.NewEgressGuard(true),
		Client:    server.Client(),
	})

	engine.Run(context.Background())

	if gotToken != "s3cret" {
		t.Fatalf("expected decrypted header applied, got %q", gotToken)
	}
}

func TestOutcomePublishesEvents(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	store := &fakeStore{
		notifications: []storage.NotificationRecord{
			webhookNotification("n1", server.URL, `{"field":"failed","op":">","value":3}`, `{}`),
		},
		snapshots: []storage.SnapshotRecord{failedSnapshot(5, time.Minute)},
		lastSent:  map[string]time.Time{},
		unacked:   7,
	}
	broadcaster := stream.NewBroadcaster()
	sub := broadcaster.Subscribe()

	engine := newTestEngine(store, server.Client(), broadcaster)
	engine.Run(context.Background())

	first := <-sub.C
	if first.Type != stream.EventNew {
		t.Fatalf("expected new_event first got %q", first.Type)
	}
	second := <-sub.C
	if second.Type != stream.EventSummary {
		t.Fatalf("expected summary got %q", second.Type)
	}
	summary := second.Data.(map[string]any)
	if summary["unacked_count"] != 7 {
		t.Fatalf("expected unacked_count 7 got %v", summary["unacked_count"])
	}
}
