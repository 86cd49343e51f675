// Package router maps conversations to the live realtime connection that
// should receive their webhook updates.
package router

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"
)

// Delivery pushes payloads to a specific realtime connection.
type Delivery interface {
	// SendWebhookUpdate delivers payload to connID and waits for the
	// application-level acknowledgment.
	SendWebhookUpdate(ctx context.Context, connID string, payload json.RawMessage) error
	// IsLive reports whether connID is currently connected.
	IsLive(connID string) bool
}

// Router owns the conversation→connection route table. A conversation maps to
// at most one connection (last bind wins, so a tab refresh steals the route);
// a connection may own many conversations, tracked in a reverse set for O(1)
// cleanup on disconnect.
type Router struct {
	mu       sync.Mutex
	routes   map[string]string              // conversation ID → connection ID
	owned    map[string]map[string]struct{} // connection ID → owned conversation IDs
	delivery Delivery
	logger   zerolog.Logger
}

// New creates an empty router pushing through delivery.
func New(delivery Delivery, logger zerolog.Logger) *Router {
	return &Router{
		routes:   make(map[string]string),
		owned:    make(map[string]map[string]struct{}),
		delivery: delivery,
		logger:   logger.With().Str("component", "router").Logger(),
	}
}

// Bind routes conversationID to connID, displacing any previous route.
func (r *Router) Bind(conversationID, connID string) {
	if conversationID == "" || connID == "" {
		return
	}

	r.mu.Lock()
	if prev, ok := r.routes[conversationID]; ok && prev != connID {
		if set, ok := r.owned[prev]; ok {
			delete(set, conversationID)
			if len(set) == 0 {
				delete(r.owned, prev)
			}
		}
	}
	r.routes[conversationID] = connID
	set, ok := r.owned[connID]
	if !ok {
		set = make(map[string]struct{})
		r.owned[connID] = set
	}
	set[conversationID] = struct{}{}
	r.mu.Unlock()

	r.logger.Debug().
		Str("conversation", conversationID).
		Str("connection", connID).
		Msg("conversation bound")
}

// Push delivers payload to the connection bound to conversationID. Returns
// false when no route exists, the connection is gone, or delivery failed;
// there is no retry queue for offline recipients — the caller logs and drops.
func (r *Router) Push(ctx context.Context, conversationID string, payload json.RawMessage) bool {
	r.mu.Lock()
	connID, ok := r.routes[conversationID]
	r.mu.Unlock()

	if !ok {
		r.logger.Info().Str("conversation", conversationID).Msg("no route for conversation")
		return false
	}
	if !r.delivery.IsLive(connID) {
		r.logger.Warn().
			Str("conversation", conversationID).
			Str("connection", connID).
			Msg("routed connection no longer live")
		return false
	}

	if err := r.delivery.SendWebhookUpdate(ctx, connID, payload); err != nil {
		r.logger.Warn().Err(err).
			Str("conversation", conversationID).
			Str("connection", connID).
			Msg("realtime delivery failed")
		return false
	}
	return true
}

// UnbindAll removes every route owned by connID. Called on disconnect.
func (r *Router) UnbindAll(connID string) {
	r.mu.Lock()
	set := r.owned[connID]
	for conversationID := range set {
		// Only remove routes still pointing at this connection; a newer
		// bind may already have claimed the conversation.
		if r.routes[conversationID] == connID {
			delete(r.routes, conversationID)
		}
	}
	delete(r.owned, connID)
	n := len(set)
	r.mu.Unlock()

	if n > 0 {
		r.logger.Info().Str("connection", connID).Int("conversations", n).Msg("routes cleaned up")
	}
}

// ConnectionFor returns the connection currently bound to conversationID.
func (r *Router) ConnectionFor(conversationID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	connID, ok := r.routes[conversationID]
	return connID, ok
}

// Len returns the number of bound conversations.
func (r *Router) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.routes)
}
