// Package eventbus implements the in-process, topic-keyed publish/subscribe
// fabric every domain core uses to announce entity mutations without
// coupling producers to consumers.
package eventbus

import (
	"context"
	"log/slog"
	"sync"
)

// Event is a single published domain event.
type Event struct {
	Topic string
	Data  any
}

// Handler receives a published Event. A panicking handler is recovered and
// logged; it never prevents other subscribers from receiving the event.
type Handler func(ctx context.Context, evt Event)

type subscriber struct {
	id      uint64
	handler Handler
}

// Bus is a synchronous, single-process publish/subscribe fabric. Ordering:
// per-topic FIFO among events published from the same goroutine.
type Bus struct {
	mu        sync.RWMutex
	subs      map[string][]subscriber
	nextID    uint64
	logger    *slog.Logger
}

// New creates an empty Bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{subs: make(map[string][]subscriber), logger: logger}
}

// Subscribe registers handler for topic and returns a function that
// removes the registration.
func (b *Bus) Subscribe(topic string, handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[topic] = append(b.subs[topic], subscriber{id: id, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[topic]
		for i, s := range list {
			if s.id == id {
				b.subs[topic] = append(list[:i], list[i+1:]...)
				return
			}
		}
	}
}

// Publish fans evt out to every subscriber of evt.Topic, synchronously, in
// registration order. A subscriber that panics is recovered and logged;
// the remaining subscribers still run.
func (b *Bus) Publish(ctx context.Context, evt Event) {
	b.mu.RLock()
	list := make([]subscriber, len(b.subs[evt.Topic]))
	copy(list, b.subs[evt.Topic])
	b.mu.RUnlock()

	for _, s := range list {
		b.dispatch(ctx, s, evt)
	}
}

func (b *Bus) dispatch(ctx context.Context, s subscriber, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			if b.logger != nil {
				b.logger.Error("event subscriber panicked",
					"topic", evt.Topic, "subscriber_id", s.id, "panic", r)
			}
		}
	}()
	s.handler(ctx, evt)
}
