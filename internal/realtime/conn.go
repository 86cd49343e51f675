package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/rexy-labs/chat-relay/internal/relayerr"
)

// Events exchanged with the widget.
const (
	EventConnected     = "connected"      // server → client, on open
	EventAuthenticate  = "authenticate"   // client → server, binds a conversation
	EventAuthenticated = "authenticated"  // server → client, bind confirmed
	EventWebhookUpdate = "webhook_update" // server → client, provider answer
	EventAck           = "ack"            // client → server, delivery receipt
)

// errAckTimeout marks a delivery the client never acknowledged.
var errAckTimeout = errors.New("realtime: delivery not acknowledged")

// frame is the wire format for both directions.
type frame struct {
	Event      string          `json:"event"`
	DeliveryID string          `json:"deliveryId,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// authenticateData is the client's authenticate payload.
type authenticateData struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId,omitempty"`
}

// Conn is one registered websocket connection.
type Conn struct {
	id  string
	hub *Hub
	ws  *websocket.Conn

	sendCh    chan frame
	done      chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	acks     map[string]chan struct{} // delivery ID → receipt signal
	lastPong time.Time
}

func newConn(h *Hub, ws *websocket.Conn) *Conn {
	return &Conn{
		id:       uuid.New().String(),
		hub:      h,
		ws:       ws,
		sendCh:   make(chan frame, 16),
		done:     make(chan struct{}),
		acks:     make(map[string]chan struct{}),
		lastPong: time.Now(),
	}
}

// live reports whether the transport answered a ping within pongWait.
func (c *Conn) live(pongWait time.Duration) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastPong) < pongWait
}

// enqueue queues a frame for the write pump, dropping it if the connection
// is gone or the queue is saturated.
func (c *Conn) enqueue(f frame) bool {
	select {
	case c.sendCh <- f:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

// deliver sends one webhook_update and waits for the matching ack.
func (c *Conn) deliver(ctx context.Context, deliveryID string, payload json.RawMessage) error {
	ackCh := c.registerAck(deliveryID)
	defer c.releaseAck(deliveryID)

	if !c.enqueue(frame{Event: EventWebhookUpdate, DeliveryID: deliveryID, Data: payload}) {
		return fmt.Errorf("connection %s: %w", c.id, relayerr.ErrNotConnected)
	}

	timer := time.NewTimer(c.hub.cfg.AckTimeout)
	defer timer.Stop()

	select {
	case <-ackCh:
		return nil
	case <-timer.C:
		return errAckTimeout
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return fmt.Errorf("connection %s: %w", c.id, relayerr.ErrNotConnected)
	}
}

// registerAck returns the receipt channel for deliveryID, reusing the one a
// previous attempt created so a replayed delivery shares its signal.
func (c *Conn) registerAck(deliveryID string) chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.acks[deliveryID]
	if !ok {
		ch = make(chan struct{})
		c.acks[deliveryID] = ch
	}
	return ch
}

func (c *Conn) releaseAck(deliveryID string) {
	c.mu.Lock()
	delete(c.acks, deliveryID)
	c.mu.Unlock()
}

func (c *Conn) signalAck(deliveryID string) {
	c.mu.Lock()
	ch, ok := c.acks[deliveryID]
	if ok {
		delete(c.acks, deliveryID)
	}
	c.mu.Unlock()
	if ok {
		close(ch)
	}
}

// writePump serializes all socket writes: queued frames plus keepalive pings.
func (c *Conn) writePump() {
	ticker := time.NewTicker(c.hub.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case f := <-c.sendCh:
			c.ws.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteWait))
			if err := c.ws.WriteJSON(f); err != nil {
				c.hub.logger.Debug().Err(err).Str("connection", c.id).Msg("ws write error")
				c.close()
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// readPump consumes client frames until the socket dies.
func (c *Conn) readPump() {
	defer c.close()

	c.ws.SetReadDeadline(time.Now().Add(c.hub.cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		c.mu.Lock()
		c.lastPong = time.Now()
		c.mu.Unlock()
		c.ws.SetReadDeadline(time.Now().Add(c.hub.cfg.PongWait))
		return nil
	})

	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.hub.logger.Debug().Err(err).Str("connection", c.id).Msg("ws read error")
			}
			return
		}

		// Any client traffic proves the transport is alive.
		c.mu.Lock()
		c.lastPong = time.Now()
		c.mu.Unlock()
		c.ws.SetReadDeadline(time.Now().Add(c.hub.cfg.PongWait))

		var f frame
		if err := json.Unmarshal(msg, &f); err != nil {
			c.hub.logger.Warn().Err(err).Str("connection", c.id).Msg("ws parse error")
			continue
		}

		switch f.Event {
		case EventAuthenticate:
			var data authenticateData
			if err := json.Unmarshal(f.Data, &data); err != nil || data.ConversationID == "" {
				c.hub.logger.Warn().Str("connection", c.id).Msg("authenticate without conversationId")
				continue
			}
			c.hub.bind(data.ConversationID, c.id)
			c.enqueue(frame{Event: EventAuthenticated, Data: mustRaw(map[string]string{
				"conversationId": data.ConversationID,
			})})
		case EventAck:
			if f.DeliveryID != "" {
				c.signalAck(f.DeliveryID)
			}
		default:
			c.hub.logger.Debug().Str("connection", c.id).Str("event", f.Event).Msg("ignoring unknown event")
		}
	}
}

// close tears the connection down exactly once and clears its routes.
func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		_ = c.ws.Close()
		c.hub.remove(c)
	})
}
