// Package credstore provides TTL-bound storage for upstream credentials.
package credstore

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("credential not found")
	ErrExpired  = errors.New("credential expired")
)

// Credential is a stored bearer credential with metadata.
type Credential struct {
	Key          string    `json:"key"`
	Value        string    `json:"value"`
	RefreshValue string    `json:"refresh_value,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// IsExpired checks if the credential has expired.
func (c *Credential) IsExpired() bool {
	return time.Now().After(c.ExpiresAt)
}

// TTL returns the remaining lifetime, or zero if already expired.
func (c *Credential) TTL() time.Duration {
	d := time.Until(c.ExpiresAt)
	if d < 0 {
		return 0
	}
	return d
}

// Store defines the credential storage interface.
type Store interface {
	// Put stores a credential under its Key with the given TTL.
	Put(ctx context.Context, cred Credential, ttl time.Duration) error
	// Get retrieves a live credential by key. Returns ErrNotFound or ErrExpired.
	Get(ctx context.Context, key string) (*Credential, error)
	// Delete removes a credential by key.
	Delete(ctx context.Context, key string) error
	// Cleanup removes all expired credentials, returning how many were dropped.
	Cleanup(ctx context.Context) (int, error)
}
