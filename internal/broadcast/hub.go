package broadcast

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // Same-origin enforcement is the deployment's job
	},
}

// hubClient is one connected execution context.
type hubClient struct {
	contextID string
	conn      *websocket.Conn
	writeChan chan []byte
	closeChan chan struct{}
	closed    bool
	closeMu   sync.Mutex
}

// Hub relays state-update broadcasts between connected execution contexts.
// It does not inspect payloads beyond routing: a message from one client is
// forwarded to every other client, fire-and-forget.
type Hub struct {
	mu      sync.Mutex
	clients map[string]*hubClient
	logger  zerolog.Logger
	metrics *hubMetrics
	mux     *http.ServeMux
}

type hubMetrics struct {
	connected prometheus.Gauge
	relayed   prometheus.Counter
	dropped   prometheus.Counter
}

// NewHub creates a broadcast hub. Pass nil to register metrics with the
// default Prometheus registry.
func NewHub(logger zerolog.Logger, registry prometheus.Registerer) *Hub {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	h := &Hub{
		clients: make(map[string]*hubClient),
		logger:  logger.With().Str("component", "broadcast-hub").Logger(),
		metrics: &hubMetrics{
			connected: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
				Name: "statesync_hub_connected_contexts",
				Help: "Number of currently connected execution contexts",
			}),
			relayed: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "statesync_hub_relayed_messages_total",
				Help: "Total broadcast messages relayed between contexts",
			}),
			dropped: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "statesync_hub_dropped_messages_total",
				Help: "Total broadcast messages dropped due to full client buffers",
			}),
		},
		mux: http.NewServeMux(),
	}
	h.mux.HandleFunc("/ws", h.handleWS)
	h.mux.Handle("/metrics", promhttp.Handler())
	h.mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return h
}

// Handler returns the hub's HTTP handler (websocket, metrics, health).
func (h *Hub) Handler() http.Handler {
	return h.mux
}

// ClientCount returns the number of connected contexts.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// handleWS upgrades a context's connection and pumps its messages.
// The context identifies itself with the ?context= query parameter.
func (h *Hub) handleWS(w http.ResponseWriter, r *http.Request) {
	contextID := r.URL.Query().Get("context")
	if contextID == "" {
		http.Error(w, "context parameter required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Str("context", contextID).Msg("Websocket upgrade failed")
		return
	}

	client := h.register(contextID, conn)
	defer h.unregister(client)

	h.logger.Info().Str("context", contextID).Msg("Context connected")

	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		return nil
	})

	for {
		_ = conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug().Err(err).Str("context", contextID).Msg("Read error")
			}
			return
		}
		h.relay(contextID, data)
	}
}

// register adds a client, replacing any earlier connection for the same context.
func (h *Hub) register(contextID string, conn *websocket.Conn) *hubClient {
	h.mu.Lock()
	defer h.mu.Unlock()

	if existing, ok := h.clients[contextID]; ok {
		existing.close()
	}

	client := &hubClient{
		contextID: contextID,
		conn:      conn,
		writeChan: make(chan []byte, 64),
		closeChan: make(chan struct{}),
	}
	h.clients[contextID] = client
	h.metrics.connected.Set(float64(len(h.clients)))

	go client.writeLoop(h.logger)
	return client
}

func (h *Hub) unregister(client *hubClient) {
	h.mu.Lock()
	if cur, ok := h.clients[client.contextID]; ok && cur == client {
		delete(h.clients, client.contextID)
	}
	h.metrics.connected.Set(float64(len(h.clients)))
	h.mu.Unlock()

	client.close()
	h.logger.Info().Str("context", client.contextID).Msg("Context disconnected")
}

// relay forwards a message to every context except the sender. Full client
// buffers drop the message; ordering and delivery are best effort.
func (h *Hub) relay(from string, data []byte) {
	h.mu.Lock()
	targets := make([]*hubClient, 0, len(h.clients))
	for id, c := range h.clients {
		if id != from {
			targets = append(targets, c)
		}
	}
	h.mu.Unlock()

	for _, c := range targets {
		select {
		case c.writeChan <- data:
			h.metrics.relayed.Inc()
		default:
			h.metrics.dropped.Inc()
			h.logger.Debug().Str("context", c.contextID).Msg("Client buffer full, dropping broadcast")
		}
	}
}

// writeLoop serializes writes and keeps the connection alive with pings.
func (c *hubClient) writeLoop(logger zerolog.Logger) {
	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	for {
		select {
		case <-c.closeChan:
			return
		case <-pingTicker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				logger.Debug().Err(err).Str("context", c.contextID).Msg("Ping failed")
				return
			}
		case data := <-c.writeChan:
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				logger.Debug().Err(err).Str("context", c.contextID).Msg("Write failed")
				return
			}
		}
	}
}

func (c *hubClient) close() {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.closeChan)
	_ = c.conn.Close()
}
