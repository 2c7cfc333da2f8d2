package bus

import (
	"strings"
	"sync"
)

// Bus is an in-process publish/subscribe event bus with namespace filtering.
//
// Delivery never blocks the publisher. A subscriber whose buffer is full is
// evicted: its channel is closed so the consumer can tell it missed events.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]*subscription
	next int
}

type subscription struct {
	namespace string
	ch        chan Event
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*subscription),
	}
}

// Publish sends an event to all subscribers whose namespace is a prefix of
// the event's topic.
func (b *Bus) Publish(evt Event) {
	topic := evt.Topic()

	var full []int
	b.mu.RLock()
	for id, sub := range b.subs {
		if !strings.HasPrefix(topic, sub.namespace) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			full = append(full, id)
		}
	}
	b.mu.RUnlock()

	if len(full) == 0 {
		return
	}
	b.mu.Lock()
	for _, id := range full {
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub.ch)
		}
	}
	b.mu.Unlock()
}

// Subscribe returns a channel that receives events matching the given namespace prefix.
// bufSize controls the channel buffer. Returns the channel and an unsubscribe function.
// The channel is closed only when the subscriber is evicted for falling behind.
func (b *Bus) Subscribe(namespace string, bufSize int) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = &subscription{namespace: namespace, ch: ch}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
