// Package gateway is the downstream WebSocket surface: the fan-out hub, the
// per-client session pumps and the subscription registry. Delivery is
// non-blocking per client; a slow or dead client is evicted once its send
// buffer overflows, without stalling anyone else.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"market-data-service/internal/metrics"
	"market-data-service/internal/model"
)

// HistoryRequester schedules OHLC snapshot hydration for one client. The
// context is the client's session context; cancelling it aborts pending
// jobs at the next suspension point.
type HistoryRequester interface {
	Request(ctx context.Context, clientID string, instruments, intervals []string)
}

// Hub routes Tick, Candle and Portfolio events to the matching clients.
type Hub struct {
	registry *Registry
	log      zerolog.Logger
	metrics  *metrics.Metrics
	history  HistoryRequester

	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*Client
}

// NewHub builds a hub over the given registry.
func NewHub(registry *Registry, log zerolog.Logger, m *metrics.Metrics) *Hub {
	return &Hub{
		registry: registry,
		log:      log,
		metrics:  m,
		clients:  make(map[string]*Client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Downstream clients are trusted peers.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// SetHistory wires the hydrator in after construction (the hydrator itself
// needs the hub as its snapshot sender).
func (h *Hub) SetHistory(hr HistoryRequester) {
	h.history = hr
}

// HandleWS upgrades an HTTP request and registers the session.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("ws upgrade failed")
		return
	}
	h.register(conn)
}

// register creates the client, installs its filters and starts the pumps.
func (h *Hub) register(conn *websocket.Conn) *Client {
	c := newClient(uuid.NewString(), conn, h)

	h.registry.Add(c.ID)
	h.mu.Lock()
	h.clients[c.ID] = c
	count := len(h.clients)
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.DownstreamClients.Set(float64(count))
	}

	h.log.Info().Str("client", c.ID).Int("total", count).Msg("client connected")

	c.enqueueJSON(map[string]any{
		"type":                  "connection",
		"status":                "connected",
		"client_id":             c.ID,
		"message":               "Connected to market data service",
		"current_subscriptions": h.registry.TickSubscriptions(c.ID),
	})

	go c.writePump()
	go c.readPump()
	return c
}

// removeClient tears one session down: filters, socket, pending hydration.
// Idempotent; safe from any goroutine.
func (h *Hub) removeClient(c *Client) {
	c.closeOnce.Do(func() {
		h.registry.Remove(c.ID)
		h.mu.Lock()
		delete(h.clients, c.ID)
		count := len(h.clients)
		h.mu.Unlock()
		if h.metrics != nil {
			h.metrics.DownstreamClients.Set(float64(count))
		}

		// The send queue is never closed: broadcasts may still be racing
		// trySend. Cancelling the session context stops both pumps and any
		// frames left in the buffer go to the GC with the client.
		c.cancel()
		c.conn.Close()
		h.log.Info().Str("client", c.ID).Int("total", count).Msg("client disconnected")
	})
}

// BroadcastTick delivers a market_data event to matching clients.
func (h *Hub) BroadcastTick(t *model.Tick) {
	payload, err := json.Marshal(map[string]any{"type": "market_data", "data": t})
	if err != nil {
		return
	}
	h.deliver(h.registry.TickTargets(t.InstrumentKey), payload)
}

// BroadcastCandle delivers an ohlc_data event to matching clients.
func (h *Hub) BroadcastCandle(c *model.Candle) {
	payload, err := json.Marshal(map[string]any{"type": "ohlc_data", "data": c})
	if err != nil {
		return
	}
	h.deliver(h.registry.CandleTargets(c.InstrumentKey, c.Interval), payload)
}

// BroadcastPortfolio delivers the opaque portfolio payload to wildcard
// clients; portfolio events are never filtered by instrument.
func (h *Hub) BroadcastPortfolio(raw []byte) {
	payload, err := json.Marshal(map[string]any{"type": "portfolio_data", "data": json.RawMessage(raw)})
	if err != nil {
		return
	}
	h.deliver(h.registry.PortfolioTargets(), payload)
}

// SendTo delivers a prebuilt frame to one client. Returns false when the
// client is gone.
func (h *Hub) SendTo(clientID string, payload []byte) bool {
	h.mu.RLock()
	c, ok := h.clients[clientID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	if !c.trySend(payload) {
		h.evict(c)
		return false
	}
	return true
}

// deliver fans a payload out to the given client ids. Sends never block:
// a full buffer marks the client for eviction after the remaining clients
// got the event.
func (h *Hub) deliver(ids []string, payload []byte) {
	if len(ids) == 0 {
		return
	}
	h.mu.RLock()
	targets := make([]*Client, 0, len(ids))
	for _, id := range ids {
		if c, ok := h.clients[id]; ok {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	var evicted []*Client
	for _, c := range targets {
		if !c.trySend(payload) {
			evicted = append(evicted, c)
		}
	}
	for _, c := range evicted {
		h.evict(c)
	}
}

func (h *Hub) evict(c *Client) {
	if h.metrics != nil {
		h.metrics.BroadcastDrops.Inc()
	}
	h.log.Warn().Str("client", c.ID).Msg("send buffer overflow, evicting client")
	go h.removeClient(c)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Shutdown closes every session.
func (h *Hub) Shutdown() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	for _, c := range clients {
		h.removeClient(c)
	}
}
