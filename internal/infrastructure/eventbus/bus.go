package eventbus

import (
	"sync"
)

// Handler consumes one published payload. Handlers run synchronously on the
// goroutine that calls Trigger, in registration order.
type Handler func(payload any)

type subscription struct {
	id uint64
	fn Handler
}

// Bus is an in-process publish/subscribe registry. It multiplexes inbound
// transport events and locally synthesized events to any number of
// subscribers. There is no replay: a handler registered after an event was
// triggered never sees it.
type Bus struct {
	mu       sync.Mutex
	seq      uint64
	handlers map[string][]subscription
}

func New() *Bus {
	return &Bus{handlers: make(map[string][]subscription)}
}

// On registers handler for event and returns an unsubscribe function.
// Multiple handlers per event are supported; Trigger invokes them in
// registration order. The returned function is idempotent.
func (b *Bus) On(event string, h Handler) func() {
	b.mu.Lock()
	b.seq++
	id := b.seq
	b.handlers[event] = append(b.handlers[event], subscription{id: id, fn: h})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		subs := b.handlers[event]
		for i, s := range subs {
			if s.id == id {
				b.handlers[event] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
		if len(b.handlers[event]) == 0 {
			delete(b.handlers, event)
		}
		b.mu.Unlock()
	}
}

// Trigger fans payload out to all current subscribers of event. The handler
// list is snapshotted under the lock so a handler may unsubscribe itself (or
// others) without corrupting the iteration.
func (b *Bus) Trigger(event string, payload any) {
	b.mu.Lock()
	subs := b.handlers[event]
	snapshot := make([]subscription, len(subs))
	copy(snapshot, subs)
	b.mu.Unlock()

	for _, s := range snapshot {
		s.fn(payload)
	}
}
