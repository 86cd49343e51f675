package server

import "encoding/json"

// SubmitMessageRequest is the widget's message submission body.
type SubmitMessageRequest struct {
	ConversationID string         `json:"conversationId,omitempty"`
	ConnectionID   string         `json:"connectionId,omitempty"`
	UserID         string         `json:"userId,omitempty"`
	Text           string         `json:"text"`
	Metadata       map[string]any `json:"metadata,omitempty"`

	// Wait asks the relay to hold the request open until the provider's
	// webhook answers or the wait window lapses.
	Wait bool `json:"wait,omitempty"`
}

// SubmitMessageResponse carries the provider acknowledgment and, when the
// caller waited, the webhook answer.
type SubmitMessageResponse struct {
	ConversationID string          `json:"conversationId"`
	RequestID      string          `json:"requestId"`
	Ack            json.RawMessage `json:"ack,omitempty"`
	Response       json.RawMessage `json:"response,omitempty"`
	Error          string          `json:"error,omitempty"`
}

// TokenStatusResponse reports the provider credential state.
type TokenStatusResponse struct {
	Valid     bool   `json:"valid"`
	ExpiresAt string `json:"expiresAt,omitempty"`
}

// ConversationResponse is one conversation's logged traffic.
type ConversationResponse struct {
	ConversationID string `json:"conversationId"`
	Entries        any    `json:"entries"`
}

// ProblemDetail is the error response body (RFC 7807 shape).
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}
