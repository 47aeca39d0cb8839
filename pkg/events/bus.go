// Package events is a typed, priority ordered event registry. Handlers
// are registered explicitly per event kind and run synchronously on the
// emitting goroutine.
package events

import (
	"sort"
	"sync"
)

// Kind tags an event type
type Kind string

// Event is anything that can be emitted on a Bus
type Event interface {
	Kind() Kind
}

// Cancellable events can be vetoed by a handler
type Cancellable interface {
	Event
	Cancelled() bool
	SetCancelled(bool)
}

// Cancel is embedded by cancellable events
type Cancel struct {
	cancelled bool
}

// Cancelled reports whether a handler vetoed the event
func (c *Cancel) Cancelled() bool {
	return c.cancelled
}

// SetCancelled sets or clears the veto
func (c *Cancel) SetCancelled(v bool) {
	c.cancelled = v
}

// Handler receives an emitted event
type Handler func(Event)

// Priorities commonly used by subscribers. Higher runs first.
const (
	PriorityLowest  = -100
	PriorityLow     = -50
	PriorityNormal  = 0
	PriorityHigh    = 50
	PriorityHighest = 100
	PriorityMonitor = 1000
)

type subscription struct {
	id              uint64
	priority        int
	ignoreCancelled bool
	fn              Handler
}

// SubscribeOption configures a subscription
type SubscribeOption func(*subscription)

// WithPriority orders the handler among others of the same kind
func WithPriority(priority int) SubscribeOption {
	return func(s *subscription) {
		s.priority = priority
	}
}

// IgnoreCancelled skips the handler once an earlier one cancelled the event
func IgnoreCancelled() SubscribeOption {
	return func(s *subscription) {
		s.ignoreCancelled = true
	}
}

// Bus dispatches events to subscribed handlers. The zero value is not
// usable; a nil *Bus silently drops every event.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Kind][]*subscription
	nextID   uint64
}

// New creates an empty bus
func New() *Bus {
	return &Bus{handlers: make(map[Kind][]*subscription)}
}

// Subscribe registers fn for events of kind. The returned function removes it.
// Handler lists are copied on write so Emit can iterate a snapshot.
func (b *Bus) Subscribe(kind Kind, fn Handler, opts ...SubscribeOption) func() {
	sub := &subscription{fn: fn}
	for _, opt := range opts {
		opt(sub)
	}

	b.mu.Lock()
	b.nextID++
	sub.id = b.nextID
	old := b.handlers[kind]
	list := make([]*subscription, 0, len(old)+1)
	list = append(append(list, old...), sub)
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].priority > list[j].priority
	})
	b.handlers[kind] = list
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.handlers[kind]
		for i, s := range list {
			if s.id == sub.id {
				b.handlers[kind] = append(list[:i:i], list[i+1:]...)
				return
			}
		}
	}
}

// Emit runs every handler for the event kind and reports whether the
// event ended up cancelled. Non-cancellable events always report false.
func (b *Bus) Emit(e Event) bool {
	if b == nil {
		return false
	}

	b.mu.RLock()
	list := b.handlers[e.Kind()]
	b.mu.RUnlock()

	c, cancellable := e.(Cancellable)
	for _, sub := range list {
		if sub.ignoreCancelled && cancellable && c.Cancelled() {
			continue
		}
		sub.fn(e)
	}

	return cancellable && c.Cancelled()
}

// Count returns the number of handlers registered for kind
func (b *Bus) Count(kind Kind) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[kind])
}

// On subscribes a handler typed to one concrete event. The kind is taken
// from T's zero value, so Kind must not dereference its receiver.
func On[T Event](b *Bus, fn func(T), opts ...SubscribeOption) func() {
	var zero T
	return b.Subscribe(zero.Kind(), func(e Event) {
		if typed, ok := e.(T); ok {
			fn(typed)
		}
	}, opts...)
}
