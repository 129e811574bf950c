package stream

import (
	"sync"
	"time"
)

// queueCapacity bounds each subscriber's backlog. A subscriber that stops
// draining loses its oldest events, never the newest.
const queueCapacity = 200

// Well-known event types pushed to live subscribers.
const (
	EventSummary   = "summary"
	EventNew       = "new_event"
	EventAck       = "ack_event"
	EventExecution = "execution"
	EventPing      = "ping"
)

// Event is a single broadcast payload.
type Event struct {
	Type string    `json:"type"`
	Data any       `json:"data"`
	At   time.Time `json:"at"`
}

// Subscriber is one live consumer of the broadcast stream. Receive from C
// until it is closed by Unsubscribe.
type Subscriber struct {
	C  <-chan Event
	ch chan Event
	id uint64
}

// Broadcaster fans events out to every live subscriber without ever blocking
// the publisher. Publishers are serialized under the mutex, so the
// evict-then-enqueue path cannot race another sender into a full queue.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[uint64]*Subscriber
	nextID uint64
	mirror func(Event)
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: map[uint64]*Subscriber{}}
}

// SetMirror installs a hook invoked for every locally published event, used
// to relay events to other replicas over the bus. The hook runs outside the
// subscriber lock and must not call back into Publish.
func (b *Broadcaster) SetMirror(fn func(Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mirror = fn
}

// Subscribe registers a new subscriber with a bounded queue.
func (b *Broadcaster) Subscribe() *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	ch := make(chan Event, queueCapacity)
	sub := &Subscriber{C: ch, ch: ch, id: b.nextID}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes the subscriber and closes its channel. Safe to call
// while publishes are in flight; at most once per subscriber.
func (b *Broadcaster) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Subscribers reports the number of live subscribers.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Publish fans the event out to all subscribers and the mirror hook. When a
// subscriber's queue is full the oldest queued event is evicted so the new
// one always fits.
func (b *Broadcaster) Publish(eventType string, data any) {
	b.publish(Event{Type: eventType, Data: data, At: time.Now().UTC()}, true)
}

// Relay injects an event that originated on another replica: it reaches
// local subscribers but is not mirrored back to the bus.
func (b *Broadcaster) Relay(ev Event) {
	b.publish(ev, false)
}

func (b *Broadcaster) publish(ev Event, mirrored bool) {
	b.mu.Lock()
	for _, sub := range b.subs {
		select {
		case sub.ch <- ev:
			continue
		default:
		}
		// Queue full: drop the oldest entry. The receiver may have drained
		// concurrently, in which case there is room anyway.
		select {
		case <-sub.ch:
		default:
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
	mirror := b.mirror
	b.mu.Unlock()

	if mirrored && mirror != nil {
		mirror(ev)
	}
}
