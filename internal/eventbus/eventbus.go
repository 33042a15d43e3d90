// Package eventbus implements NEXUS's synchronous pub/sub event stream: a
// bounded ring buffer of recent events and per-type subscriber handlers.
package eventbus

import (
	"sync"
	"time"

	"github.com/nexus-agent/nexus/internal/logging"
)

// WildcardEventType receives every emitted event regardless of type.
const WildcardEventType = "*"

// recentEventsCap bounds the ring buffer.
const recentEventsCap = 200

// Event is a single emitted occurrence.
type Event struct {
	Type      string                 `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Handler processes an emitted event. Handlers are invoked synchronously on
// the emitting goroutine and MUST be fast and non-blocking;
// a handler panic is recovered and logged, never propagated to Emit.
type Handler func(Event)

// Bus is a thread-safe synchronous event bus with a bounded recent-event
// ring buffer.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	recent   []Event
	next     int
	filled   bool
}

// New constructs an empty event bus.
func New() *Bus {
	return &Bus{
		handlers: make(map[string][]Handler),
		recent:   make([]Event, recentEventsCap),
	}
}

// Subscribe registers handler for eventType; use WildcardEventType to
// receive all events.
func (b *Bus) Subscribe(eventType string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// Emit builds an Event, appends it to the ring buffer, then invokes every
// matching handler (wildcard + exact type) under a snapshot of the
// subscriber list so handler panics/slow paths don't hold the bus lock.
func (b *Bus) Emit(eventType string, data map[string]interface{}) Event {
	event := Event{Type: eventType, Timestamp: time.Now(), Data: data}

	b.mu.Lock()
	b.recent[b.next] = event
	b.next = (b.next + 1) % recentEventsCap
	if b.next == 0 {
		b.filled = true
	}
	snapshot := append(append([]Handler{}, b.handlers[eventType]...), b.handlers[WildcardEventType]...)
	b.mu.Unlock()

	for _, h := range snapshot {
		invokeSafely(h, event)
	}
	return event
}

func invokeSafely(h Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			logging.Get(logging.CategoryEventBus).Warn("handler panic for event %s: %v", event.Type, r)
		}
	}()
	h(event)
}

// GetRecentEvents returns up to limit most-recent events, most-recent last,
// optionally filtered to a single event type.
func (b *Bus) GetRecentEvents(limit int, filterType string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var ordered []Event
	if b.filled {
		ordered = append(ordered, b.recent[b.next:]...)
		ordered = append(ordered, b.recent[:b.next]...)
	} else {
		ordered = append(ordered, b.recent[:b.next]...)
	}

	var filtered []Event
	for _, e := range ordered {
		if filterType != "" && e.Type != filterType {
			continue
		}
		filtered = append(filtered, e)
	}

	if limit > 0 && len(filtered) > limit {
		filtered = filtered[len(filtered)-limit:]
	}
	return filtered
}
