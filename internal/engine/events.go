package engine

import (
	"sync"
)

// Event names emitted to external subscribers (UI modules, telemetry).
const (
	// EventSet fires after every successful in-memory mutation
	EventSet = "state:set"
	// EventRecovered fires after corruption recovery reverted to the fallback snapshot
	EventRecovered = "state:recovered"
	// EventConflictResolved fires after a conflict was reconciled automatically
	EventConflictResolved = "state:conflict-resolved"
	// EventConflictDetected fires under the manual strategy, which never reconciles
	EventConflictDetected = "state:conflict-detected"
)

// Event is one notification for external subscribers. Events carry plain Go
// values; subscribers never see the live state tree.
type Event struct {
	Name   string
	Fields map[string]any
}

// eventHub fans events out to subscriber channels. Sends are non-blocking: a
// subscriber with a full channel misses the event rather than stalling the
// engine.
type eventHub struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

func newEventHub() *eventHub {
	return &eventHub{subs: make(map[int]chan Event)}
}

func (h *eventHub) subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = ch
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

func (h *eventHub) emit(name string, fields map[string]any) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ev := Event{Name: name, Fields: fields}
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			// Subscriber buffer full, skip
		}
	}
}
