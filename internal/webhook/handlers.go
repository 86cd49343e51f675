// Package webhook receives asynchronous provider callbacks. Every answer the
// provider produces arrives here as a POST, gets correlated back to any
// waiting submission, and is pushed to the conversation's live browser
// connection.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/rexy-labs/chat-relay/internal/history"
	"github.com/rexy-labs/chat-relay/internal/metrics"
)

// Resolver completes a pending submission waiting on the correlation key.
type Resolver interface {
	Resolve(key string, payload json.RawMessage) bool
}

// Pusher delivers the payload to the conversation's live connection,
// reporting whether anything received it.
type Pusher interface {
	Push(ctx context.Context, conversationID string, payload json.RawMessage) bool
}

// Config holds webhook receiver configuration.
type Config struct {
	// BearerToken authenticates incoming callbacks.
	BearerToken string

	// SigningSecret enables HMAC-SHA256 signature verification when set.
	SigningSecret string

	// PublicURL is the externally reachable webhook endpoint, shown by Info.
	PublicURL string
}

// Handlers holds dependencies for webhook HTTP handlers.
type Handlers struct {
	cfg      Config
	resolver Resolver
	pusher   Pusher
	log      *history.Log
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

// NewHandlers creates webhook handlers.
func NewHandlers(cfg Config, resolver Resolver, pusher Pusher, log *history.Log, m *metrics.Metrics, logger zerolog.Logger) *Handlers {
	return &Handlers{
		cfg:      cfg,
		resolver: resolver,
		pusher:   pusher,
		log:      log,
		metrics:  m,
		logger:   logger.With().Str("component", "webhook").Logger(),
	}
}

// receiveResponse is the acknowledgment body for accepted callbacks.
type receiveResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	RequestID string `json:"requestId,omitempty"`
}

// Receive handles POST /webhook/provider. Authenticated, parseable callbacks
// always get a 200 so the provider never retries a payload we already
// consumed; delivery problems are ours to log, not the provider's to replay.
func (h *Handlers) Receive(c *fiber.Ctx) error {
	if !h.authenticated(c) {
		h.metrics.RecordWebhook("unauthorized")
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"success": false,
			"error":   "unauthorized",
		})
	}

	body := c.Body()
	if !h.signatureValid(c, body) {
		h.metrics.RecordWebhook("bad_signature")
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"success": false,
			"error":   "invalid signature",
		})
	}

	var fields struct {
		RequestID      string `json:"requestId"`
		ID             string `json:"id"`
		ConversationID string `json:"conversationId"`
	}
	if err := json.Unmarshal(body, &fields); err != nil || !isJSONObject(body) {
		h.metrics.RecordWebhook("malformed")
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"error":   "payload must be a JSON object",
		})
	}

	key := fields.RequestID
	if key == "" {
		key = fields.ID
	}
	if key == "" {
		key = fields.ConversationID
	}

	payload := append(json.RawMessage(nil), body...)

	resolved := false
	if key != "" {
		resolved = h.resolver.Resolve(key, payload)
	}

	conversationID := fields.ConversationID
	if conversationID == "" {
		conversationID = key
	}

	pushed := false
	if conversationID != "" {
		pushed = h.pusher.Push(c.Context(), conversationID, payload)
		if !pushed {
			h.logger.Debug().Str("conversation", conversationID).
				Msg("no live connection for webhook payload")
		}
	}

	h.log.Append(conversationID, history.DirectionOutbound, payload)

	outcome := "dropped"
	switch {
	case resolved && pushed:
		outcome = "resolved_and_pushed"
	case resolved:
		outcome = "resolved"
	case pushed:
		outcome = "pushed"
	}
	h.metrics.RecordWebhook(outcome)

	h.logger.Info().
		Str("key", key).
		Str("conversation", conversationID).
		Bool("resolved", resolved).
		Bool("pushed", pushed).
		Msg("webhook received")

	return c.JSON(receiveResponse{
		Success:   true,
		Message:   "Webhook received successfully",
		RequestID: key,
	})
}

// Info handles GET /webhook/info. It reports the endpoint and credential to
// paste into the provider console, plus a ready-to-run probe.
func (h *Handlers) Info(c *fiber.Ctx) error {
	endpoint := h.cfg.PublicURL
	if endpoint == "" {
		endpoint = c.BaseURL() + "/webhook/provider"
	}

	curl := fmt.Sprintf(
		`curl -X POST %s -H "Authorization: Bearer %s" -H "Content-Type: application/json" -d '{"requestId":"test-1","conversationId":"test-1"}'`,
		endpoint, h.cfg.BearerToken)

	return c.JSON(fiber.Map{
		"webhookUrl":  endpoint,
		"bearerToken": h.cfg.BearerToken,
		"curlExample": curl,
		"signed":      h.cfg.SigningSecret != "",
	})
}

// Test handles GET /webhook/test, a plain reachability probe.
func (h *Handlers) Test(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":    "ok",
		"message":   "Webhook endpoint is reachable",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// authenticated checks the bearer credential with a constant-time compare.
func (h *Handlers) authenticated(c *fiber.Ctx) bool {
	auth := c.Get(fiber.HeaderAuthorization)
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.cfg.BearerToken)) == 1
}

// signatureValid verifies the HMAC-SHA256 body signature. Verification only
// runs when a secret is configured and the provider actually sent the header;
// either side missing means the check passes.
func (h *Handlers) signatureValid(c *fiber.Ctx, body []byte) bool {
	if h.cfg.SigningSecret == "" {
		return true
	}
	sig := c.Get("X-Signature")
	if sig == "" {
		return true
	}

	hexDigest, _ := strings.CutPrefix(sig, "sha256=")
	got, err := hex.DecodeString(hexDigest)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(h.cfg.SigningSecret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// isJSONObject reports whether raw is a JSON object, not an array or scalar.
func isJSONObject(raw []byte) bool {
	trimmed := strings.TrimLeft(string(raw), " \t\r\n")
	return strings.HasPrefix(trimmed, "{")
}
