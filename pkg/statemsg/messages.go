// Package statemsg defines the shared wire messages exchanged between
// execution contexts over the broadcast channel.
package statemsg

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion is the current broadcast protocol version.
// Version history:
//   - v1: Initial implementation with full-state updates
const ProtocolVersion = 1

// Type identifies the type of broadcast message.
type Type string

const (
	// TypeStateUpdate is published after a context commits a state write
	TypeStateUpdate Type = "state-update"
)

// Message is the envelope for all cross-context broadcast messages.
// Delivery is fire-and-forget and unordered; receivers order updates by the
// embedded state timestamp, never by arrival order.
type Message struct {
	Version   int             `json:"version"` // Protocol version for compatibility checking
	Type      Type            `json:"type"`
	ID        string          `json:"id"`        // Unique message ID
	From      string          `json:"from"`      // Sender's context ID
	State     json.RawMessage `json:"state"`     // Serialized state blob
	Timestamp int64           `json:"timestamp"` // Logical clock of the carried state (ms)
}

// Marshal serializes the message for transmission.
func (m *Message) Marshal() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal broadcast message: %w", err)
	}
	return data, nil
}

// Unmarshal parses a received broadcast message and checks protocol compatibility.
func Unmarshal(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal broadcast message: %w", err)
	}
	if m.Version > ProtocolVersion {
		return nil, fmt.Errorf("unsupported protocol version %d (max %d)", m.Version, ProtocolVersion)
	}
	return &m, nil
}
