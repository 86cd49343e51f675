package credstore

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory credential store. A single process owns the
// provider credential, so no external cache is involved.
type MemoryStore struct {
	mu    sync.RWMutex
	creds map[string]*Credential
}

// NewMemoryStore creates a new in-memory credential store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		creds: make(map[string]*Credential),
	}
}

func (m *MemoryStore) Put(_ context.Context, cred Credential, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cred.ExpiresAt = time.Now().Add(ttl)
	m.creds[cred.Key] = &cred
	return nil
}

func (m *MemoryStore) Get(_ context.Context, key string) (*Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cred, ok := m.creds[key]
	if !ok {
		return nil, ErrNotFound
	}
	if cred.IsExpired() {
		return nil, ErrExpired
	}
	copied := *cred
	return &copied, nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.creds, key)
	return nil
}

func (m *MemoryStore) Cleanup(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for k, cred := range m.creds {
		if cred.IsExpired() {
			delete(m.creds, k)
			count++
		}
	}
	return count, nil
}
