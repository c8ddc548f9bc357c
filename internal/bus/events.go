package bus

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is an internal notification: connection state transitions,
// credential persistence results, handler faults.
type Event struct {
	Type      string
	Source    string
	Payload   any
	Timestamp time.Time
}

// EventHandler is a callback for events.
type EventHandler func(Event)

// Well-known event types. Topics ending in "." are families: subscribing
// to "protocol." receives every protocol event.
const (
	EventStateChanged     = "connection.state"
	EventCredentials      = "credentials."
	EventCredsPersisted   = EventCredentials + "persisted"
	EventCredsPersistFail = EventCredentials + "persist_failed"
	EventHandlerFault     = "dispatch.handler_fault"
	EventProtocol         = "protocol."
)

// ProtocolTopic returns the topic that protocol events of the given kind are
// re-emitted on.
func ProtocolTopic(kind string) string {
	return EventProtocol + kind
}

const historySize = 256

type subscription struct {
	id      string
	topic   string
	handler EventHandler
}

func (s subscription) matches(topic string) bool {
	if strings.HasSuffix(s.topic, ".") {
		return strings.HasPrefix(topic, s.topic)
	}
	return s.topic == topic
}

// EventBus delivers events synchronously to topic subscribers and keeps
// the most recent event per topic.
type EventBus struct {
	mu     sync.RWMutex
	subs   []subscription
	last   map[string]Event
	ring   [historySize]Event
	next   int
	total  int
	logger *slog.Logger
}

func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{last: make(map[string]Event), logger: logger}
}

// On subscribes handler to topic and returns a subscription id for Off.
func (eb *EventBus) On(topic string, handler EventHandler) string {
	id := uuid.NewString()
	eb.mu.Lock()
	eb.subs = append(eb.subs, subscription{id: id, topic: topic, handler: handler})
	eb.mu.Unlock()
	return id
}

// Off cancels a subscription. Unknown ids are ignored.
func (eb *EventBus) Off(id string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	for i, s := range eb.subs {
		if s.id == id {
			eb.subs = append(eb.subs[:i:i], eb.subs[i+1:]...)
			return
		}
	}
}

// Emit records event and runs every matching handler in subscription
// order. A panicking handler is logged and skipped.
func (eb *EventBus) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	eb.mu.Lock()
	eb.last[event.Type] = event
	eb.ring[eb.next] = event
	eb.next = (eb.next + 1) % historySize
	eb.total++
	var targets []subscription
	for _, s := range eb.subs {
		if s.matches(event.Type) {
			targets = append(targets, s)
		}
	}
	eb.mu.Unlock()

	for _, s := range targets {
		eb.deliver(s, event)
	}
}

func (eb *EventBus) deliver(s subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error("event handler panic", "event", event.Type, "subscription", s.topic, "panic", r)
		}
	}()
	s.handler(event)
}

// Last returns the most recent event emitted on topic.
func (eb *EventBus) Last(topic string) (Event, bool) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	ev, ok := eb.last[topic]
	return ev, ok
}

// Recent returns up to the last 256 events whose type matches topic, oldest
// first. Family topics ("protocol.") match by prefix.
func (eb *EventBus) Recent(topic string) []Event {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	filter := subscription{topic: topic}
	n := min(eb.total, historySize)
	start := (eb.next - n + historySize) % historySize
	var out []Event
	for i := range n {
		ev := eb.ring[(start+i)%historySize]
		if filter.matches(ev.Type) {
			out = append(out, ev)
		}
	}
	return out
}
