package events

import (
	"sync"
	"sync/atomic"
)

const defaultHubBufferSize = 16

// EventHub fans events out to the streams attached to one client context.
type EventHub struct {
	mu     sync.RWMutex
	subs   map[chan Event]struct{}
	size   int
	closed bool

	dropped atomic.Uint64
}

// NewEventHub creates a hub whose subscriber channels buffer size events.
func NewEventHub(size int) *EventHub {
	if size <= 0 {
		size = defaultHubBufferSize
	}
	return &EventHub{subs: make(map[chan Event]struct{}), size: size}
}

// Subscribe returns a new stream channel. It returns nil once the hub is closed.
func (h *EventHub) Subscribe() chan Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	ch := make(chan Event, h.size)
	h.subs[ch] = struct{}{}
	return ch
}

func (h *EventHub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	if _, ok := h.subs[ch]; ok {
		delete(h.subs, ch)
		close(ch)
	}
	h.mu.Unlock()
}

// Publish hands ev to every stream. It returns false if no stream took it.
func (h *EventHub) Publish(ev Event) bool {
	if h == nil {
		return false
	}
	delivered := false
	h.mu.RLock()
	for ch := range h.subs {
		// Non-blocking send; drop if subscriber is slow
		select {
		case ch <- ev:
			delivered = true
		default:
			h.dropped.Add(1)
		}
	}
	h.mu.RUnlock()
	return delivered
}

// Subscribers returns the number of attached streams.
func (h *EventHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns how many sends were dropped because a stream was full.
func (h *EventHub) Dropped() uint64 {
	return h.dropped.Load()
}

// Close closes every stream and rejects new ones.
func (h *EventHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.subs {
		delete(h.subs, ch)
		close(ch)
	}
}
