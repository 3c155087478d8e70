package broadcast

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/statesync/statesync/pkg/statemsg"
)

// Channel connects one execution context to a shared Hub over websocket.
// Publishing is fire-and-forget: queue overflows and connection failures drop
// the message, never block or surface to the caller.
type Channel struct {
	contextID string
	conn      *websocket.Conn
	logger    zerolog.Logger

	writeChan chan []byte
	closeChan chan struct{}
	closeOnce sync.Once

	handlerMu sync.RWMutex
	handler   Handler
}

// Dial connects to a hub. hubURL is the websocket endpoint, e.g.
// "ws://127.0.0.1:7350/ws".
func Dial(hubURL, contextID string, logger zerolog.Logger) (*Channel, error) {
	url := fmt.Sprintf("%s?context=%s", hubURL, contextID)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial broadcast hub: %w", err)
	}

	c := &Channel{
		contextID: contextID,
		conn:      conn,
		logger:    logger.With().Str("component", "broadcast").Str("context", contextID).Logger(),
		writeChan: make(chan []byte, 64),
		closeChan: make(chan struct{}),
	}
	go c.readLoop()
	go c.writeLoop()
	return c, nil
}

// Publish implements Broadcaster.
func (c *Channel) Publish(msg *statemsg.Message) {
	data, err := msg.Marshal()
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to marshal broadcast")
		return
	}
	select {
	case c.writeChan <- data:
	default:
		c.logger.Debug().Msg("Broadcast queue full, dropping message")
	}
}

// RegisterHandler implements Broadcaster.
func (c *Channel) RegisterHandler(h Handler) {
	c.handlerMu.Lock()
	c.handler = h
	c.handlerMu.Unlock()
}

// Close implements Broadcaster.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		close(c.closeChan)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = c.conn.Close()
	})
	return nil
}

// readLoop delivers inbound hub messages to the handler. Malformed messages
// are dropped; a read error ends the channel (no reconnect, the channel is
// ephemeral by design).
func (c *Channel) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closeChan:
			default:
				c.logger.Debug().Err(err).Msg("Broadcast channel read error")
			}
			return
		}

		msg, err := statemsg.Unmarshal(data)
		if err != nil {
			c.logger.Debug().Err(err).Msg("Dropping malformed broadcast")
			continue
		}

		c.handlerMu.RLock()
		h := c.handler
		c.handlerMu.RUnlock()
		if h != nil {
			h(msg)
		}
	}
}

// writeLoop serializes outbound writes.
func (c *Channel) writeLoop() {
	for {
		select {
		case <-c.closeChan:
			return
		case data := <-c.writeChan:
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug().Err(err).Msg("Broadcast write failed, dropping message")
				return
			}
		}
	}
}
