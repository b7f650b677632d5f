// Package events fans out typed runtime notifications (state changes,
// faults, trigger overruns, step progress) to web and CLI subscribers.
package events

import (
	"encoding/json"
	"sync"
)

type Hub struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	last map[string]Event
}

func NewHub() *Hub {
	return &Hub{subs: make(map[chan Event]struct{}), last: make(map[string]Event)}
}

func (h *Hub) Subscribe() chan Event {
	ch := make(chan Event, 32)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	if _, ok := h.subs[ch]; ok {
		delete(h.subs, ch)
		close(ch)
	}
	h.mu.Unlock()
}

// Publish never blocks: slow subscribers drop events. A nil hub is a no-op.
func (h *Hub) Publish(name string, payload any) {
	if h == nil {
		return
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return
	}
	msg := Event{Name: name, Data: b}
	h.mu.Lock()
	h.last[name] = msg
	for ch := range h.subs {
		select {
		case ch <- msg:
		default:
		}
	}
	h.mu.Unlock()
}

// Last returns the most recent event published under name.
func (h *Hub) Last(name string) (Event, bool) {
	if h == nil {
		return Event{}, false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	e, ok := h.last[name]
	return e, ok
}
