package bus

import (
	"strings"
	"sync"
	"time"
)

// Bus is the in-process event spine of the daemon: the sync engine and the
// WhatsApp event handler publish onto it, the HTTP event stream and the
// daemon state machine consume from it. Delivery is best-effort; a slow
// consumer loses events rather than stalling the sync loop.
type Bus struct {
	mu     sync.RWMutex
	subs   []*subscriber
	nextID int
}

type subscriber struct {
	id        int
	namespace string
	ch        chan Event
}

func New() *Bus {
	return &Bus{}
}

// Publish fans evt out to every subscriber whose namespace prefixes
// evt.Kind. Events without a timestamp are stamped here, so consumers can
// rely on Timestamp being set.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !strings.HasPrefix(evt.Kind, sub.namespace) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			// Subscriber buffer full; drop rather than block the publisher.
		}
	}
}

// Subscribe registers a consumer for all events whose Kind starts with
// namespace (empty matches everything). The returned function removes the
// subscription; the channel is never closed, so a drained subscriber simply
// stops receiving.
func (b *Bus) Subscribe(namespace string, bufSize int) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs = append(b.subs, &subscriber{id: id, namespace: namespace, ch: ch})
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, sub := range b.subs {
			if sub.id == id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}
}
