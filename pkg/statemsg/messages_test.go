package statemsg

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnmarshal_RejectsNewerProtocol(t *testing.T) {
	msg := &Message{
		Version:   ProtocolVersion + 1,
		Type:      TypeStateUpdate,
		ID:        "m1",
		From:      "ctx-a",
		State:     json.RawMessage(`{"version":1,"timestamp":1}`),
		Timestamp: 1,
	}
	data, err := msg.Marshal()
	require.NoError(t, err)

	_, err = Unmarshal(data)
	assert.Error(t, err, "messages from a newer protocol are dropped, not guessed at")
}

func TestUnmarshal_CurrentProtocol(t *testing.T) {
	msg := &Message{
		Version:   ProtocolVersion,
		Type:      TypeStateUpdate,
		ID:        "m1",
		From:      "ctx-a",
		State:     json.RawMessage(`{"version":1,"timestamp":7,"activeTab":"general"}`),
		Timestamp: 7,
	}
	data, err := msg.Marshal()
	require.NoError(t, err)

	got, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, "ctx-a", got.From)
	assert.Equal(t, TypeStateUpdate, got.Type)
	assert.Equal(t, int64(7), got.Timestamp)

	_, err = Unmarshal([]byte("###"))
	assert.Error(t, err)
}
