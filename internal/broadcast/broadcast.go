// Package broadcast carries committed state between execution contexts over a
// shared ephemeral channel. Delivery is fire-and-forget, at-most-once and
// unordered; receivers reconcile by logical clock, never by arrival order.
//
// Two channel implementations are provided: Bus, an in-process loopback for
// contexts hosted in the same process (and for tests), and Channel, a
// websocket client that relays messages through a Hub shared by contexts in
// different processes.
package broadcast

import (
	"github.com/statesync/statesync/pkg/statemsg"
)

// Handler receives inbound broadcast messages. Handlers must not block.
type Handler func(msg *statemsg.Message)

// Broadcaster publishes committed state to other execution contexts and
// delivers their broadcasts to a registered handler.
type Broadcaster interface {
	// Publish sends a message to all other contexts, fire-and-forget.
	Publish(msg *statemsg.Message)

	// RegisterHandler registers the handler for inbound messages.
	RegisterHandler(h Handler)

	// Close detaches from the channel.
	Close() error
}

// Nop is a Broadcaster that drops everything; used when cross-context sync is
// disabled.
type Nop struct{}

// Publish implements Broadcaster.
func (Nop) Publish(*statemsg.Message) {}

// RegisterHandler implements Broadcaster.
func (Nop) RegisterHandler(Handler) {}

// Close implements Broadcaster.
func (Nop) Close() error { return nil }
