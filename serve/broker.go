package serve

import (
	"sync"

	monument "github.com/monument-sim/monument"
)

const maxSubscribers = 50

// EventBroker fans engine events out to live-stream subscribers. It
// implements monument.Publisher, so every namespace engine publishes
// straight into it.
type EventBroker struct {
	subscribers map[chan monument.Event]string // channel -> namespace filter ("" = all)
	mu          sync.RWMutex
}

// NewEventBroker creates a new broker.
func NewEventBroker() *EventBroker {
	return &EventBroker{
		subscribers: make(map[chan monument.Event]string),
	}
}

// Subscribe returns a channel receiving events for one namespace, or for
// all namespaces when namespace is empty. The caller must call
// Unsubscribe when done. Returns nil when the broker is full.
func (b *EventBroker) Subscribe(namespace string) chan monument.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.subscribers) >= maxSubscribers {
		return nil
	}

	ch := make(chan monument.Event, 64)
	b.subscribers[ch] = namespace
	return ch
}

// Unsubscribe removes a subscriber channel.
func (b *EventBroker) Unsubscribe(ch chan monument.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(ch)
	}
}

// Close closes all subscriber channels, causing stream handlers to exit.
func (b *EventBroker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, ch)
	}
}

// Publish sends an event to every subscriber whose filter matches.
// Non-blocking: a subscriber with a full buffer misses the event.
func (b *EventBroker) Publish(event monument.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch, ns := range b.subscribers {
		if ns != "" && ns != event.Namespace {
			continue
		}
		select {
		case ch <- event:
		default:
			// Subscriber too slow, drop event
		}
	}
}
