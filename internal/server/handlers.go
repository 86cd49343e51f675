package server

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rexy-labs/chat-relay/internal/history"
	"github.com/rexy-labs/chat-relay/internal/metrics"
	"github.com/rexy-labs/chat-relay/internal/pending"
	"github.com/rexy-labs/chat-relay/internal/provider"
	"github.com/rexy-labs/chat-relay/internal/router"
)

// Gateway submits messages upstream.
type Gateway interface {
	Submit(ctx context.Context, msg provider.Message) (json.RawMessage, error)
}

// TokenStatus reports the provider credential state.
type TokenStatus interface {
	Status(ctx context.Context) (bool, time.Time)
}

// Handlers holds dependencies for the widget-facing API.
type Handlers struct {
	gateway     Gateway
	pending     *pending.Table
	routes      *router.Router
	log         *history.Log
	tokens      TokenStatus
	metrics     *metrics.Metrics
	waitTimeout time.Duration
	logger      zerolog.Logger
}

// NewHandlers creates API handlers.
func NewHandlers(
	gateway Gateway,
	table *pending.Table,
	routes *router.Router,
	log *history.Log,
	tokens TokenStatus,
	m *metrics.Metrics,
	waitTimeout time.Duration,
	logger zerolog.Logger,
) *Handlers {
	if waitTimeout == 0 {
		waitTimeout = 30 * time.Second
	}
	return &Handlers{
		gateway:     gateway,
		pending:     table,
		routes:      routes,
		log:         log,
		tokens:      tokens,
		metrics:     m,
		waitTimeout: waitTimeout,
		logger:      logger.With().Str("component", "api").Logger(),
	}
}

// SubmitMessage handles POST /api/messages. The provider only acknowledges
// synchronously; the answer arrives later on the webhook. Callers either poll
// their realtime connection or set wait to hold this request open until the
// webhook resolves it.
func (h *Handlers) SubmitMessage(c *fiber.Ctx) error {
	var req SubmitMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request",
			"Invalid request body: "+err.Error())
	}

	if strings.TrimSpace(req.Text) == "" {
		return problemResponse(c, fiber.StatusBadRequest,
			"missing_text", "Bad Request",
			"Message text is required")
	}

	if req.ConversationID == "" {
		req.ConversationID = uuid.New().String()
	}

	// Bind the realtime route up front so a webhook racing the ack still
	// finds the connection.
	if req.ConnectionID != "" {
		h.routes.Bind(req.ConversationID, req.ConnectionID)
	}

	key := req.ConversationID

	var waiter *pending.Waiter
	if req.Wait {
		waiter = h.pending.Register(key, h.waitTimeout)
	}

	start := time.Now()
	ack, err := h.gateway.Submit(c.Context(), provider.Message{
		ConversationID: req.ConversationID,
		UserID:         req.UserID,
		Text:           req.Text,
		Metadata:       req.Metadata,
	})
	h.metrics.ObserveSubmitDuration(time.Since(start).Seconds())

	if err != nil {
		h.metrics.RecordSubmission("error")
		if waiter != nil {
			h.pending.Reject(key, err)
		}
		h.logger.Error().Err(err).Str("conversation", req.ConversationID).Msg("provider submission failed")
		return problemResponse(c, fiber.StatusBadGateway,
			"upstream_error", "Bad Gateway",
			"Provider rejected the message: "+err.Error())
	}
	h.metrics.RecordSubmission("accepted")

	if sent, merr := json.Marshal(fiber.Map{"text": req.Text, "userId": req.UserID}); merr == nil {
		h.log.Append(req.ConversationID, history.DirectionInbound, sent)
	}

	resp := SubmitMessageResponse{
		ConversationID: req.ConversationID,
		RequestID:      key,
		Ack:            ack,
	}

	if waiter != nil {
		result, werr := waiter.Wait(c.Context())
		if werr != nil {
			// The submission itself succeeded; the missing answer is
			// reported inline rather than failing the request.
			resp.Error = werr.Error()
			h.logger.Info().Err(werr).Str("conversation", req.ConversationID).Msg("inline wait ended without answer")
		} else {
			resp.Response = result
		}
	}

	return c.JSON(resp)
}

// TokenStatus handles GET /api/token.
func (h *Handlers) TokenStatus(c *fiber.Ctx) error {
	valid, expiresAt := h.tokens.Status(c.Context())
	resp := TokenStatusResponse{Valid: valid}
	if !expiresAt.IsZero() {
		resp.ExpiresAt = expiresAt.UTC().Format(time.RFC3339)
	}
	return c.JSON(resp)
}

// ListConversations handles GET /api/conversations.
func (h *Handlers) ListConversations(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"conversations": h.log.Summaries()})
}

// GetConversation handles GET /api/conversations/:id.
func (h *Handlers) GetConversation(c *fiber.Ctx) error {
	id := c.Params("id")
	entries, ok := h.log.Get(id)
	if !ok {
		return problemResponse(c, fiber.StatusNotFound,
			"conversation_not_found", "Not Found",
			"Conversation not found: "+id)
	}
	return c.JSON(ConversationResponse{ConversationID: id, Entries: entries})
}

func problemResponse(c *fiber.Ctx, status int, errType, title, detail string) error {
	return c.Status(status).JSON(ProblemDetail{
		Type:     errType,
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: c.Path(),
	})
}
