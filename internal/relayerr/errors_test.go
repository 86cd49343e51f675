package relayerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAPIError_Error(t *testing.T) {
	err := NewAPIError("provider", 502, "bad gateway")
	assert.Contains(t, err.Error(), "provider")
	assert.Contains(t, err.Error(), "502")
}

func TestAPIError_Unwrap(t *testing.T) {
	inner := errors.New("connection refused")
	err := &APIError{Service: "auth", StatusCode: 0, Message: "dial failed", Err: inner}
	assert.True(t, errors.Is(err, inner))
}

func TestIsAuthFailure_StatusCodes(t *testing.T) {
	assert.True(t, IsAuthFailure(NewAPIError("provider", 401, "nope")))
	assert.True(t, IsAuthFailure(NewAPIError("provider", 403, "nope")))
	assert.False(t, IsAuthFailure(NewAPIError("provider", 500, "boom")))
	assert.False(t, IsAuthFailure(NewAPIError("provider", 400, "bad payload shape")))
}

func TestIsAuthFailure_BodyKeywords(t *testing.T) {
	assert.True(t, IsAuthFailure(NewAPIError("provider", 400, "Auth Token Expired")))
	assert.True(t, IsAuthFailure(NewAPIError("provider", 422, "request UNAUTHORIZED")))
	// 5xx bodies are never treated as auth failures.
	assert.False(t, IsAuthFailure(NewAPIError("provider", 500, "token service crashed")))
}

func TestIsAuthFailure_Wrapped(t *testing.T) {
	err := fmt.Errorf("submitting message: %w", NewAPIError("provider", 401, "denied"))
	assert.True(t, IsAuthFailure(err))
	assert.False(t, IsAuthFailure(errors.New("plain")))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(NewAPIError("auth", 503, "overloaded")))
	assert.True(t, IsRetryable(NewAPIError("auth", 429, "slow down")))
	assert.False(t, IsRetryable(NewAPIError("auth", 401, "denied")))
	assert.True(t, IsRetryable(ErrUnavailable))
	assert.False(t, IsRetryable(errors.New("plain")))
}
