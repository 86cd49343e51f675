// Package provider is the HTTP client for the conversational AI provider's
// process-message API. Submissions are acknowledged synchronously; the actual
// answer arrives later on the webhook.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/rexy-labs/chat-relay/internal/relayerr"
)

// TokenSource supplies the bearer credential for provider calls.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate(ctx context.Context) (string, error)
}

// Config holds provider client configuration.
type Config struct {
	// BaseURL is the provider API root, e.g. "https://aiapi-us.example.com".
	BaseURL string

	// ProcessPath is the process-message endpoint path.
	ProcessPath string

	// Channel identity headers the provider requires on every call.
	Channel            string
	IntegrationChannel string
	ChannelRefID       string
	VirtualAgentID     string

	// Timeout bounds each submission round trip.
	Timeout time.Duration
}

// Message is an outbound user message.
type Message struct {
	ConversationID string         `json:"conversationId,omitempty"`
	UserID         string         `json:"-"`
	Text           string         `json:"-"`
	Metadata       map[string]any `json:"-"`
}

// Client submits messages to the provider.
type Client struct {
	cfg    Config
	tokens TokenSource
	client *http.Client
	logger zerolog.Logger
}

// NewClient creates a provider client drawing credentials from tokens.
func NewClient(cfg Config, tokens TokenSource, logger zerolog.Logger) *Client {
	if cfg.ProcessPath == "" {
		cfg.ProcessPath = "/v1/conversations/process-message"
	}
	if cfg.IntegrationChannel == "" {
		cfg.IntegrationChannel = "CHAT_API"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Client{
		cfg:    cfg,
		tokens: tokens,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.With().Str("component", "provider").Logger(),
	}
}

// Submit POSTs the message and returns the provider acknowledgment. When the
// provider rejects the call as unauthenticated, the credential is regenerated
// and the submission replayed exactly once; a second failure propagates.
func (c *Client) Submit(ctx context.Context, msg Message) (json.RawMessage, error) {
	body, err := json.Marshal(buildPayload(msg))
	if err != nil {
		return nil, fmt.Errorf("marshaling message: %w", err)
	}

	tok, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring credential: %w", err)
	}

	ack, err := c.post(ctx, tok, body)
	if err == nil || !relayerr.IsAuthFailure(err) {
		return ack, err
	}

	c.logger.Warn().Err(err).Str("conversation", msg.ConversationID).
		Msg("provider rejected credential, refreshing and replaying once")

	tok, rerr := c.tokens.Invalidate(ctx)
	if rerr != nil {
		return nil, fmt.Errorf("refreshing credential after auth failure: %w", rerr)
	}
	return c.post(ctx, tok, body)
}

// buildPayload mirrors the provider's process-message body shape.
func buildPayload(msg Message) map[string]any {
	userID := msg.UserID
	if userID == "" {
		userID = msg.ConversationID
	}
	payload := map[string]any{
		"conversationId": msg.ConversationID,
		"user":           map[string]any{"id": userID},
		"message": map[string]any{
			"type": "text",
			"text": msg.Text,
		},
	}
	if len(msg.Metadata) > 0 {
		payload["metadata"] = msg.Metadata
	}
	return payload
}

func (c *Client) post(ctx context.Context, token string, body []byte) (json.RawMessage, error) {
	endpoint, err := url.JoinPath(c.cfg.BaseURL, c.cfg.ProcessPath)
	if err != nil {
		return nil, fmt.Errorf("building provider URL: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating provider request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-channel", c.cfg.Channel)
	req.Header.Set("x-integration-channel", c.cfg.IntegrationChannel)
	req.Header.Set("x-channel-ref-id", c.cfg.ChannelRefID)
	req.Header.Set("x-virtual-agent-id", c.cfg.VirtualAgentID)
	req.Header.Set("x-auth-token", token)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &relayerr.APIError{Service: "provider", Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &relayerr.APIError{Service: "provider", StatusCode: resp.StatusCode, Message: "reading response", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, relayerr.NewAPIError("provider", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if resp.StatusCode == http.StatusNoContent || len(raw) == 0 {
		return json.RawMessage(`{}`), nil
	}
	return json.RawMessage(raw), nil
}
