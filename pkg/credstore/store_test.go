package credstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_PutGet(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	err := s.Put(ctx, Credential{Key: "provider", Value: "tok-abc", RefreshValue: "ref-xyz"}, time.Minute)
	require.NoError(t, err)

	cred, err := s.Get(ctx, "provider")
	require.NoError(t, err)
	assert.Equal(t, "tok-abc", cred.Value)
	assert.Equal(t, "ref-xyz", cred.RefreshValue)
	assert.Greater(t, cred.TTL(), 30*time.Second)
}

func TestMemoryStore_GetMissing(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_GetExpired(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, Credential{Key: "provider", Value: "tok"}, -time.Second))

	_, err := s.Get(ctx, "provider")
	assert.ErrorIs(t, err, ErrExpired)
}

func TestMemoryStore_Delete(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, Credential{Key: "provider", Value: "tok"}, time.Minute))
	require.NoError(t, s.Delete(ctx, "provider"))

	_, err := s.Get(ctx, "provider")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_Cleanup(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, Credential{Key: "live", Value: "a"}, time.Minute))
	require.NoError(t, s.Put(ctx, Credential{Key: "dead-1", Value: "b"}, -time.Second))
	require.NoError(t, s.Put(ctx, Credential{Key: "dead-2", Value: "c"}, -time.Second))

	n, err := s.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = s.Get(ctx, "live")
	assert.NoError(t, err)
}

func TestMemoryStore_GetReturnsCopy(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, Credential{Key: "provider", Value: "tok"}, time.Minute))

	cred, err := s.Get(ctx, "provider")
	require.NoError(t, err)
	cred.Value = "mutated"

	again, err := s.Get(ctx, "provider")
	require.NoError(t, err)
	assert.Equal(t, "tok", again.Value)
}
