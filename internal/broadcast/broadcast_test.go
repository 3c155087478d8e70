package broadcast

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/statesync/statesync/pkg/statemsg"
)

// collector accumulates received messages for assertions.
type collector struct {
	mu   sync.Mutex
	msgs []*statemsg.Message
}

func (c *collector) handler() Handler {
	return func(msg *statemsg.Message) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.msgs = append(c.msgs, msg)
	}
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func (c *collector) waitFor(t *testing.T, n int) []*statemsg.Message {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		if len(c.msgs) >= n {
			out := append([]*statemsg.Message(nil), c.msgs...)
			c.mu.Unlock()
			return out
		}
		c.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d messages", n)
	return nil
}

func testMessage(from string, ts int64) *statemsg.Message {
	return &statemsg.Message{
		Version:   statemsg.ProtocolVersion,
		Type:      statemsg.TypeStateUpdate,
		ID:        "msg-" + from,
		From:      from,
		State:     json.RawMessage(`{"version":1,"timestamp":` + "1" + `}`),
		Timestamp: ts,
	}
}

func TestBus_FanOutExceptSender(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	a := bus.Join("ctx-a")
	b := bus.Join("ctx-b")
	c := bus.Join("ctx-c")
	defer func() { _ = a.Close(); _ = b.Close(); _ = c.Close() }()

	var recvB, recvC, recvA collector
	a.RegisterHandler(recvA.handler())
	b.RegisterHandler(recvB.handler())
	c.RegisterHandler(recvC.handler())

	a.Publish(testMessage("ctx-a", 100))

	recvB.waitFor(t, 1)
	recvC.waitFor(t, 1)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, recvA.count(), "sender never receives its own broadcast")
}

func TestBus_CloseStopsDelivery(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	a := bus.Join("ctx-a")
	b := bus.Join("ctx-b")

	var recvB collector
	b.RegisterHandler(recvB.handler())
	require.NoError(t, b.Close())

	a.Publish(testMessage("ctx-a", 1))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, recvB.count())
}

func TestHub_RelaysBetweenContexts(t *testing.T) {
	hub := NewHub(zerolog.Nop(), prometheus.NewRegistry())
	server := httptest.NewServer(hub.Handler())
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"

	a, err := Dial(wsURL, "ctx-a", zerolog.Nop())
	require.NoError(t, err)
	defer func() { _ = a.Close() }()

	b, err := Dial(wsURL, "ctx-b", zerolog.Nop())
	require.NoError(t, err)
	defer func() { _ = b.Close() }()

	var recvA, recvB collector
	a.RegisterHandler(recvA.handler())
	b.RegisterHandler(recvB.handler())

	// Wait until both clients are registered before publishing.
	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, 2, hub.ClientCount())

	a.Publish(testMessage("ctx-a", 500))

	msgs := recvB.waitFor(t, 1)
	assert.Equal(t, "ctx-a", msgs[0].From)
	assert.Equal(t, statemsg.TypeStateUpdate, msgs[0].Type)
	assert.Equal(t, int64(500), msgs[0].Timestamp)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, recvA.count(), "hub never echoes to the sender")
}

func TestHub_RequiresContextParam(t *testing.T) {
	hub := NewHub(zerolog.Nop(), prometheus.NewRegistry())
	server := httptest.NewServer(hub.Handler())
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	_, err := Dial(wsURL, "", zerolog.Nop())
	assert.Error(t, err, "upgrade rejected without a context id")
}

func TestChannel_DropsMalformedInbound(t *testing.T) {
	hub := NewHub(zerolog.Nop(), prometheus.NewRegistry())
	server := httptest.NewServer(hub.Handler())
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"

	a, err := Dial(wsURL, "ctx-a", zerolog.Nop())
	require.NoError(t, err)
	defer func() { _ = a.Close() }()
	b, err := Dial(wsURL, "ctx-b", zerolog.Nop())
	require.NoError(t, err)
	defer func() { _ = b.Close() }()

	var recvB collector
	b.RegisterHandler(recvB.handler())

	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	// Raw garbage straight onto the wire: receivers must drop it quietly.
	a.writeChan <- []byte("###not json###")
	a.Publish(testMessage("ctx-a", 7))

	msgs := recvB.waitFor(t, 1)
	assert.Equal(t, int64(7), msgs[0].Timestamp, "valid message still delivered after garbage")
	assert.Equal(t, 1, recvB.count())
}
