package event

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/joescharf/lanes/internal/logging"
)

// Handler handles one event.
type Handler func(Event)

type subscription struct {
	id      string
	handler Handler
}

// Bus is a synchronous publish/subscribe hub. Handlers run on the
// publisher's goroutine in registration order; a panicking handler is logged
// and does not stop delivery to the rest.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]subscription // event type or "*" -> subscriptions
	logger *slog.Logger

	dropped atomic.Uint64
}

// NewBus creates an empty bus. A nil logger discards.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		subs:   make(map[string][]subscription),
		logger: logging.OrNop(logger).With("component", "event"),
	}
}

// Subscribe registers handler for one event type and returns its id.
func (b *Bus) Subscribe(eventType string, handler Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := uuid.NewString()
	b.subs[eventType] = append(b.subs[eventType], subscription{id: id, handler: handler})
	return id
}

// SubscribeAll registers handler for every event type.
func (b *Bus) SubscribeAll(handler Handler) string {
	return b.Subscribe("*", handler)
}

// Unsubscribe removes a subscription; it reports whether id was found.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for eventType, subs := range b.subs {
		for i, sub := range subs {
			if sub.id == id {
				b.subs[eventType] = append(subs[:i:i], subs[i+1:]...)
				return true
			}
		}
	}
	return false
}

// Publish delivers e to type-specific handlers, then to wildcard handlers.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	specific := append([]subscription(nil), b.subs[e.EventType()]...)
	wildcard := append([]subscription(nil), b.subs["*"]...)
	b.mu.RUnlock()

	for _, sub := range specific {
		b.safeCall(sub.handler, e)
	}
	for _, sub := range wildcard {
		b.safeCall(sub.handler, e)
	}
}

func (b *Bus) safeCall(h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", e.EventType(), "session_id", e.SessionID(),
				"panic", r, "stack", string(debug.Stack()))
		}
	}()
	h(e)
}

// Stream subscribes to the given event types (all when none are given) and
// delivers them on a buffered channel until ctx is done, when the channel is
// closed. Events that find the buffer full are dropped and counted.
func (b *Bus) Stream(ctx context.Context, buffer int, eventTypes ...string) <-chan Event {
	ch := make(chan Event, buffer)

	var mu sync.Mutex
	closed := false
	forward := func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
			b.logger.Warn("event stream full, dropping event", "event", e.EventType(), "session_id", e.SessionID())
		}
	}

	var ids []string
	if len(eventTypes) == 0 {
		ids = append(ids, b.SubscribeAll(forward))
	}
	for _, t := range eventTypes {
		ids = append(ids, b.Subscribe(t, forward))
	}

	go func() {
		<-ctx.Done()
		for _, id := range ids {
			b.Unsubscribe(id)
		}
		mu.Lock()
		closed = true
		close(ch)
		mu.Unlock()
	}()
	return ch
}

// Dropped returns how many events streams have discarded.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// SubscriptionCount returns the number of active subscriptions.
func (b *Bus) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := 0
	for _, subs := range b.subs {
		n += len(subs)
	}
	return n
}
