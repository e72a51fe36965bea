package audit

import (
	"sync"

	"github.com/bdpdx/rezilient-auth-control-plane/internal/store"
)

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

// Bus is a fan-out pub/sub bus for cross-service audit events, giving an
// external transport layer a live tail of the audit stream without this
// package needing to implement any transport itself.
type Bus struct {
	mu   sync.RWMutex
	subs map[uint64]chan store.AuditEvent
	next uint64
}

// NewBus creates a ready-to-use Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]chan store.AuditEvent)}
}

// Publish sends event to all current subscribers without blocking; a
// subscriber whose buffer is full has the event dropped for it.
func (b *Bus) Publish(event store.AuditEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Subscribe returns a channel receiving all future cross-service events
// and a cancel function the caller must invoke when done.
func (b *Bus) Subscribe() (<-chan store.AuditEvent, func()) {
	ch := make(chan store.AuditEvent, subscriberBufferSize)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}

	return ch, cancel
}
