// Package events provides the in-process pub/sub hub used by the pool, the
// client manager, and individual sessions. Handlers run synchronously on the
// emitting goroutine, in registration order; a panicking handler is recovered
// and logged without affecting the handlers after it.
package events

import (
	"sync"

	"go.uber.org/zap"
)

// Hub is a dispatch registry keyed by event name. The zero value is not
// usable; construct with NewHub.
type Hub struct {
	mu     sync.Mutex
	seq    uint64
	subs   map[string][]subscription
	logger *zap.Logger
}

type subscription struct {
	id   uint64
	once bool
	fn   func(any)
}

// NewHub returns an empty hub. A nil logger disables panic reporting.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		subs:   make(map[string][]subscription),
		logger: logger,
	}
}

// On registers fn for name and returns an idempotent unsubscribe func.
func (h *Hub) On(name string, fn func(any)) func() {
	return h.add(name, fn, false)
}

// Once registers fn to run for at most one emission. The handler is
// deregistered before it is invoked, so re-emitting from inside it does not
// recurse.
func (h *Hub) Once(name string, fn func(any)) func() {
	return h.add(name, fn, true)
}

func (h *Hub) add(name string, fn func(any), once bool) func() {
	h.mu.Lock()
	h.seq++
	id := h.seq
	h.subs[name] = append(h.subs[name], subscription{id: id, once: once, fn: fn})
	h.mu.Unlock()

	var unsubOnce sync.Once
	return func() {
		unsubOnce.Do(func() { h.remove(name, id) })
	}
}

func (h *Hub) remove(name string, id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	list := h.subs[name]
	for i, s := range list {
		if s.id == id {
			kept := make([]subscription, 0, len(list)-1)
			kept = append(kept, list[:i]...)
			kept = append(kept, list[i+1:]...)
			h.subs[name] = kept
			return
		}
	}
}

// Emit dispatches payload to every handler registered for name, in
// registration order. Handlers run outside the hub lock, so they may
// subscribe and unsubscribe freely; a handler removed during the emission it
// is part of still runs.
func (h *Hub) Emit(name string, payload any) {
	h.mu.Lock()
	list := h.subs[name]
	snapshot := make([]subscription, len(list))
	copy(snapshot, list)
	if len(list) > 0 {
		kept := make([]subscription, 0, len(list))
		for _, s := range list {
			if !s.once {
				kept = append(kept, s)
			}
		}
		h.subs[name] = kept
	}
	h.mu.Unlock()

	for _, s := range snapshot {
		h.dispatch(name, s.fn, payload)
	}
}

func (h *Hub) dispatch(name string, fn func(any), payload any) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("event handler panicked",
				zap.String("event", name),
				zap.Any("panic", r))
		}
	}()
	fn(payload)
}

// Len reports the number of handlers currently registered for name.
func (h *Hub) Len(name string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[name])
}

// Topic is a typed view over a single hub event name. Payloads emitted
// through a topic are received only by handlers registered through a topic
// of the same payload type; mismatched payloads are dropped.
type Topic[T any] struct {
	hub  *Hub
	name string
}

// NewTopic binds a payload type to an event name on hub.
func NewTopic[T any](hub *Hub, name string) *Topic[T] {
	return &Topic[T]{hub: hub, name: name}
}

// Name returns the underlying event name.
func (t *Topic[T]) Name() string { return t.name }

// On registers fn and returns an idempotent unsubscribe func.
func (t *Topic[T]) On(fn func(T)) func() {
	return t.hub.On(t.name, func(p any) {
		if v, ok := p.(T); ok {
			fn(v)
		}
	})
}

// Once registers fn for a single emission.
func (t *Topic[T]) Once(fn func(T)) func() {
	return t.hub.Once(t.name, func(p any) {
		if v, ok := p.(T); ok {
			fn(v)
		}
	})
}

// Emit dispatches v to the topic's handlers synchronously.
func (t *Topic[T]) Emit(v T) {
	t.hub.Emit(t.name, v)
}

// Len reports the number of handlers registered for the topic's name.
func (t *Topic[T]) Len() int {
	return t.hub.Len(t.name)
}
