// Package sse fans job progress out to server-sent event listeners.
package sse

import (
	"sync"
	"sync/atomic"
)

// Event types.
const (
	TypeProgress = "progress"
	TypeDone     = "done"
)

type Event struct {
	Type string
	Data string // JSON payload
}

// Hub is an in-memory topic hub. Progress events are dropped for listeners
// that fall behind; a done event always reaches every listener.
type Hub struct {
	mu      sync.Mutex
	topics  map[string]map[chan Event]struct{}
	closed  bool
	dropped atomic.Int64
}

func New() *Hub {
	return &Hub{topics: make(map[string]map[chan Event]struct{})}
}

// JobTopic is the topic job progress is published on.
func JobTopic(jobID string) string {
	return "job:" + jobID
}

// Subscribe registers a listener on topic. The channel is closed by the
// returned cancel func or by Close, whichever comes first.
func (h *Hub) Subscribe(topic string) (<-chan Event, func()) {
	ch := make(chan Event, 16)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	subs := h.topics[topic]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		h.topics[topic] = subs
	}
	subs[ch] = struct{}{}

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.topics[topic][ch]; !ok {
			return
		}
		delete(h.topics[topic], ch)
		if len(h.topics[topic]) == 0 {
			delete(h.topics, topic)
		}
		close(ch)
	}
}

// Publish delivers event to the listeners of topic and returns how many got
// it. It never blocks.
func (h *Hub) Publish(topic string, event Event) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for ch := range h.topics[topic] {
		if offer(ch, event) {
			n++
			continue
		}
		h.dropped.Add(1)
	}
	return n
}

func offer(ch chan Event, event Event) bool {
	select {
	case ch <- event:
		return true
	default:
	}
	if event.Type != TypeDone {
		return false
	}
	// Make room by discarding the oldest queued progress event.
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- event:
		return true
	default:
		return false
	}
}

// Subscribers returns the number of listeners on topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.topics[topic])
}

// Dropped counts events skipped for slow listeners.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Close ends every open subscription so long-lived streams return. Later
// subscriptions receive an already closed channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for topic, subs := range h.topics {
		for ch := range subs {
			close(ch)
		}
		delete(h.topics, topic)
	}
}
