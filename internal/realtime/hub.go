// Package realtime hosts the browser-facing WebSocket endpoint. Each widget
// tab holds one connection; webhook payloads are pushed as events the client
// must acknowledge per delivery.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/rexy-labs/chat-relay/internal/metrics"
	"github.com/rexy-labs/chat-relay/internal/relayerr"
)

// Binder maintains conversation routes for connections.
type Binder interface {
	Bind(conversationID, connID string)
	UnbindAll(connID string)
}

// Config holds realtime channel configuration.
type Config struct {
	// AckTimeout bounds the wait for a client delivery acknowledgment.
	AckTimeout time.Duration

	// PingInterval and PongWait are stretched beyond the transport defaults
	// so throttled background tabs are not falsely declared dead.
	PingInterval time.Duration
	PongWait     time.Duration

	// WriteWait bounds each socket write.
	WriteWait time.Duration
}

func (c *Config) fill() {
	if c.AckTimeout == 0 {
		c.AckTimeout = 5 * time.Second
	}
	if c.PingInterval == 0 {
		c.PingInterval = 60 * time.Second
	}
	if c.PongWait == 0 {
		c.PongWait = 90 * time.Second
	}
	if c.WriteWait == 0 {
		c.WriteWait = 10 * time.Second
	}
}

// Hub owns the live connection registry and implements the delivery side of
// the conversation router.
type Hub struct {
	cfg     Config
	metrics *metrics.Metrics
	logger  zerolog.Logger

	upgrader websocket.Upgrader

	mu     sync.Mutex
	binder Binder
	conns  map[string]*Conn
	closed bool
}

// NewHub creates a hub. SetBinder must be called before serving traffic.
func NewHub(cfg Config, m *metrics.Metrics, logger zerolog.Logger) *Hub {
	cfg.fill()
	return &Hub{
		cfg:     cfg,
		metrics: m,
		logger:  logger.With().Str("component", "realtime").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The widget is embedded on arbitrary customer pages.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[string]*Conn),
	}
}

// SetBinder wires the conversation router. Separate from NewHub because the
// router also needs the hub as its delivery, so one side attaches late.
func (h *Hub) SetBinder(b Binder) {
	h.mu.Lock()
	h.binder = b
	h.mu.Unlock()
}

// Handler returns the WebSocket upgrade endpoint for GET /ws.
func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ws, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Warn().Err(err).Msg("websocket upgrade failed")
			return
		}

		c := newConn(h, ws)
		if !h.add(c) {
			_ = ws.Close()
			return
		}

		h.logger.Info().Str("connection", c.id).Str("remote", r.RemoteAddr).Msg("client connected")

		c.enqueue(frame{Event: EventConnected, Data: mustRaw(map[string]string{"connectionId": c.id})})
		go c.writePump()
		go c.readPump()
	}
}

// SendWebhookUpdate pushes payload to connID and waits for the client ack.
// A delivery whose ack times out while the transport still looks healthy is
// replayed once with the same delivery ID so the client can deduplicate; any
// further failure drops the connection and its routes.
func (h *Hub) SendWebhookUpdate(ctx context.Context, connID string, payload json.RawMessage) error {
	h.mu.Lock()
	c := h.conns[connID]
	h.mu.Unlock()
	if c == nil {
		h.metrics.RecordPush("no_connection")
		return fmt.Errorf("connection %s: %w", connID, relayerr.ErrNotConnected)
	}

	deliveryID := uuid.New().String()
	err := c.deliver(ctx, deliveryID, payload)
	if err == nil {
		h.metrics.RecordPush("ok")
		return nil
	}

	if errors.Is(err, errAckTimeout) && c.live(h.cfg.PongWait) {
		h.logger.Warn().Str("connection", connID).Str("delivery", deliveryID).
			Msg("delivery ack timed out, replaying once")
		if rerr := c.deliver(ctx, deliveryID, payload); rerr == nil {
			h.metrics.RecordPush("retried")
			return nil
		}
	}

	h.metrics.RecordPush("dropped")
	h.logger.Warn().Err(err).Str("connection", connID).Msg("dropping unresponsive connection")
	c.close()
	return fmt.Errorf("delivery to %s failed: %w", connID, err)
}

// IsLive reports whether connID is registered and recently responsive.
func (h *Hub) IsLive(connID string) bool {
	h.mu.Lock()
	c := h.conns[connID]
	h.mu.Unlock()
	return c != nil && c.live(h.cfg.PongWait)
}

// Len returns the number of registered connections.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Close drops every connection. Called on shutdown.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
}

func (h *Hub) add(c *Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.conns[c.id] = c
	h.metrics.LiveConnections.Set(float64(len(h.conns)))
	return true
}

// remove unregisters the connection and clears its conversation routes.
func (h *Hub) remove(c *Conn) {
	h.mu.Lock()
	_, present := h.conns[c.id]
	delete(h.conns, c.id)
	h.metrics.LiveConnections.Set(float64(len(h.conns)))
	binder := h.binder
	h.mu.Unlock()

	if present {
		if binder != nil {
			binder.UnbindAll(c.id)
		}
		h.logger.Info().Str("connection", c.id).Msg("client disconnected")
	}
}

// bind routes conversationID to the connection on authenticate.
func (h *Hub) bind(conversationID, connID string) {
	h.mu.Lock()
	binder := h.binder
	h.mu.Unlock()
	if binder != nil {
		binder.Bind(conversationID, connID)
	}
}

// mustRaw marshals v, panicking on failure (for known-good inputs).
func mustRaw(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic("realtime: failed to marshal: " + err.Error())
	}
	return b
}
