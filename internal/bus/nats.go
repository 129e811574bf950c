package bus

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"flowsentry/internal/stream"
)

// SubjectEngineEvents carries engine events between replicas so SSE clients
// behind a load balancer see them regardless of which instance produced them.
const SubjectEngineEvents = "engine.events"

var ruleSubjects = []string{
	"rule.created",
	"rule.updated",
	"rule.enabled",
	"rule.disabled",
	"rule.deleted",
}

type Bus struct {
	Conn *nats.Conn
}

func Connect(url string) (*Bus, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, err
	}
	return &Bus{Conn: conn}, nil
}

func (b *Bus) Close() {
	if b.Conn != nil {
		b.Conn.Drain()
		b.Conn.Close()
	}
}

func (b *Bus) Publish(subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return b.Conn.Publish(subject, data)
}

// RuleEvent is the payload of rule.* change notifications published by the
// CRUD layer.
type RuleEvent struct {
	RuleID string `json:"rule_id"`
}

// SubscribeRuleEvents registers the handler for every rule change subject.
func (b *Bus) SubscribeRuleEvents(handler func(subject string, evt RuleEvent)) error {
	for _, subject := range ruleSubjects {
		if _, err := b.Conn.Subscribe(subject, func(msg *nats.Msg) {
			var evt RuleEvent
			_ = json.Unmarshal(msg.Data, &evt)
			handler(msg.Subject, evt)
		}); err != nil {
			return err
		}
	}
	return nil
}

// Envelope wraps a broadcast event with its origin instance so replicas can
// ignore their own publications when relaying.
type Envelope struct {
	Origin string    `json:"origin"`
	Type   string    `json:"type"`
	Data   any       `json:"data"`
	At     time.Time `json:"at"`
}

// MirrorBroadcaster wires the local broadcaster to the bus in both
// directions: local events are published under SubjectEngineEvents, and
// events from other instances are relayed into the local broadcaster.
func (b *Bus) MirrorBroadcaster(broadcaster *stream.Broadcaster, instanceID string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	broadcaster.SetMirror(func(ev stream.Event) {
		env := Envelope{Origin: instanceID, Type: ev.Type, Data: ev.Data, At: ev.At}
		if err := b.Publish(SubjectEngineEvents, env); err != nil {
			logger.Warn("event mirror publish failed", slog.String("error", err.Error()))
		}
	})

	_, err := b.Conn.Subscribe(SubjectEngineEvents, func(msg *nats.Msg) {
		var env Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			logger.Warn("event mirror decode failed", slog.String("error", err.Error()))
			return
		}
		if env.Origin == instanceID {
			return
		}
		broadcaster.Relay(stream.Event{Type: env.Type, Data: env.Data, At: env.At})
	})
	return err
}
