// Package relayerr provides structured error types for the chat relay.
package relayerr

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for common failure modes.
var (
	ErrTokenAcquisition = errors.New("token acquisition failed")
	ErrWaitTimeout      = errors.New("no webhook response before deadline")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrNoRoute          = errors.New("no live consumer for conversation")
	ErrNotConnected     = errors.New("connection not live")
	ErrInvalidInput     = errors.New("invalid input")
	ErrUnavailable      = errors.New("service unavailable")
)

// APIError represents an error from an external API call.
type APIError struct {
	Service    string
	StatusCode int
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s API error (status %d): %s: %v", e.Service, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("%s API error (status %d): %s", e.Service, e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error { return e.Err }

// NewAPIError creates a new API error.
func NewAPIError(service string, statusCode int, message string) *APIError {
	return &APIError{Service: service, StatusCode: statusCode, Message: message}
}

// authKeywords are body fragments that mark a provider rejection as an
// authentication failure even when the status code is not 401/403.
var authKeywords = []string{"token", "unauthorized", "expired", "forbidden"}

// IsAuthFailure returns true if the error is an authentication failure from
// an upstream API (invalid, missing or expired credential).
func IsAuthFailure(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	if apiErr.StatusCode == 401 || apiErr.StatusCode == 403 {
		return true
	}
	if apiErr.StatusCode >= 200 && apiErr.StatusCode < 500 {
		msg := strings.ToLower(apiErr.Message)
		for _, kw := range authKeywords {
			if strings.Contains(msg, kw) {
				return true
			}
		}
	}
	return false
}

// IsRetryable returns true if the error is likely transient and worth retrying.
func IsRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		// Status 0 means the request never got a verdict (dial/read failure).
		case 0, 429, 500, 502, 503, 504:
			return true
		}
		return false
	}
	return errors.Is(err, ErrUnavailable)
}
