package broadcast

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/statesync/statesync/pkg/statemsg"
)

// Bus is an in-process broadcast channel shared by execution contexts hosted
// in the same process. Each context joins the bus and receives every message
// published by the others; a context never receives its own messages.
type Bus struct {
	mu      sync.RWMutex
	members map[string]*busMember
	logger  zerolog.Logger
}

type busMember struct {
	contextID string
	inbox     chan *statemsg.Message
	done      chan struct{}

	handlerMu sync.RWMutex
	handler   Handler
}

// NewBus creates an empty bus.
func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{
		members: make(map[string]*busMember),
		logger:  logger.With().Str("component", "broadcast-bus").Logger(),
	}
}

// Join attaches a context to the bus and returns its Broadcaster endpoint.
// Joining twice with the same context ID replaces the earlier member.
func (b *Bus) Join(contextID string) Broadcaster {
	m := &busMember{
		contextID: contextID,
		inbox:     make(chan *statemsg.Message, 16),
		done:      make(chan struct{}),
	}
	go m.deliverLoop()

	b.mu.Lock()
	if old, ok := b.members[contextID]; ok {
		close(old.done)
	}
	b.members[contextID] = m
	b.mu.Unlock()

	return &busEndpoint{bus: b, member: m}
}

// deliverLoop hands queued messages to the member's handler off the
// publisher's goroutine.
func (m *busMember) deliverLoop() {
	for {
		select {
		case <-m.done:
			return
		case msg := <-m.inbox:
			m.handlerMu.RLock()
			h := m.handler
			m.handlerMu.RUnlock()
			if h != nil {
				h(msg)
			}
		}
	}
}

// publish fans a message out to every member except the sender. A member with
// a full inbox misses the message; at-most-once delivery is the contract.
func (b *Bus) publish(from string, msg *statemsg.Message) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, m := range b.members {
		if id == from {
			continue
		}
		select {
		case m.inbox <- msg:
		default:
			b.logger.Debug().Str("context", id).Msg("Member inbox full, dropping broadcast")
		}
	}
}

func (b *Bus) leave(m *busMember) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cur, ok := b.members[m.contextID]; ok && cur == m {
		delete(b.members, m.contextID)
		close(m.done)
	}
}

// busEndpoint is one member's view of the bus.
type busEndpoint struct {
	bus    *Bus
	member *busMember
}

// Publish implements Broadcaster.
func (e *busEndpoint) Publish(msg *statemsg.Message) {
	e.bus.publish(e.member.contextID, msg)
}

// RegisterHandler implements Broadcaster.
func (e *busEndpoint) RegisterHandler(h Handler) {
	e.member.handlerMu.Lock()
	e.member.handler = h
	e.member.handlerMu.Unlock()
}

// Close implements Broadcaster.
func (e *busEndpoint) Close() error {
	e.bus.leave(e.member)
	return nil
}
