package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rexy-labs/chat-relay/internal/history"
	"github.com/rexy-labs/chat-relay/internal/metrics"
)

type fakeResolver struct {
	keys     []string
	resolved bool
}

func (f *fakeResolver) Resolve(key string, _ json.RawMessage) bool {
	f.keys = append(f.keys, key)
	return f.resolved
}

type fakePusher struct {
	conversations []string
	dead          bool
}

func (f *fakePusher) Push(_ context.Context, conversationID string, _ json.RawMessage) bool {
	f.conversations = append(f.conversations, conversationID)
	return !f.dead
}

type fixture struct {
	app      *fiber.App
	resolver *fakeResolver
	pusher   *fakePusher
	log      *history.Log
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	if cfg.BearerToken == "" {
		cfg.BearerToken = "secret-bearer"
	}
	f := &fixture{
		resolver: &fakeResolver{resolved: true},
		pusher:   &fakePusher{},
		log:      history.NewLog(10, 10),
	}
	h := NewHandlers(cfg, f.resolver, f.pusher, f.log, metrics.New(), zerolog.Nop())

	f.app = fiber.New()
	f.app.Post("/webhook/provider", h.Receive)
	f.app.Get("/webhook/info", h.Info)
	f.app.Get("/webhook/test", h.Test)
	return f
}

func (f *fixture) post(t *testing.T, body string, mutate func(*http.Request)) *http.Response {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook/provider", bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer secret-bearer")
	if mutate != nil {
		mutate(req)
	}
	resp, err := f.app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func TestReceive_ResolvesAndPushes(t *testing.T) {
	f := newFixture(t, Config{})

	resp := f.post(t, `{"requestId":"c-1:r-1","conversationId":"c-1","message":"hello"}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "Webhook received successfully", body["message"])
	assert.Equal(t, "c-1:r-1", body["requestId"])

	assert.Equal(t, []string{"c-1:r-1"}, f.resolver.keys)
	assert.Equal(t, []string{"c-1"}, f.pusher.conversations)

	entries, ok := f.log.Get("c-1")
	require.True(t, ok)
	require.Len(t, entries, 1)
	assert.Equal(t, history.DirectionOutbound, entries[0].Direction)
}

func TestReceive_MissingBearerRejected(t *testing.T) {
	f := newFixture(t, Config{})

	resp := f.post(t, `{"requestId":"x"}`, func(r *http.Request) {
		r.Header.Del("Authorization")
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Empty(t, f.resolver.keys)
}

func TestReceive_WrongBearerRejected(t *testing.T) {
	f := newFixture(t, Config{})

	resp := f.post(t, `{"requestId":"x"}`, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer wrong")
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestReceive_MalformedBodyRejected(t *testing.T) {
	f := newFixture(t, Config{})

	for _, body := range []string{`not json`, `[1,2,3]`, `"just a string"`} {
		resp := f.post(t, body, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "body %q", body)
	}
	assert.Empty(t, f.resolver.keys)
}

func TestReceive_KeyDerivationFallback(t *testing.T) {
	f := newFixture(t, Config{})

	// No requestId: falls back to id.
	f.post(t, `{"id":"fallback-id","conversationId":"c-2"}`, nil)
	// No requestId or id: falls back to conversationId.
	f.post(t, `{"conversationId":"c-3"}`, nil)

	assert.Equal(t, []string{"fallback-id", "c-3"}, f.resolver.keys)
}

func TestReceive_OKEvenWhenNothingConsumes(t *testing.T) {
	f := newFixture(t, Config{})
	f.resolver.resolved = false
	f.pusher.dead = true

	resp := f.post(t, `{"requestId":"r-9","conversationId":"c-9"}`, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestReceive_NoCorrelationKeySkipsResolve(t *testing.T) {
	f := newFixture(t, Config{})

	resp := f.post(t, `{"message":"orphan"}`, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, f.resolver.keys)
	assert.Empty(t, f.pusher.conversations)
}

func TestReceive_ValidSignatureAccepted(t *testing.T) {
	secret := "signing-secret"
	f := newFixture(t, Config{SigningSecret: secret})

	body := `{"requestId":"r-1","conversationId":"c-1"}`
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	sig := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	resp := f.post(t, body, func(r *http.Request) {
		r.Header.Set("X-Signature", sig)
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestReceive_BadSignatureRejected(t *testing.T) {
	f := newFixture(t, Config{SigningSecret: "signing-secret"})

	resp := f.post(t, `{"requestId":"r-1"}`, func(r *http.Request) {
		r.Header.Set("X-Signature", "sha256=deadbeef")
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestReceive_MissingSignatureHeaderStillAccepted(t *testing.T) {
	f := newFixture(t, Config{SigningSecret: "signing-secret"})

	resp := f.post(t, `{"requestId":"r-1","conversationId":"c-1"}`, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestInfo(t *testing.T) {
	f := newFixture(t, Config{PublicURL: "https://relay.example.com/webhook/provider"})

	req := httptest.NewRequest(http.MethodGet, "/webhook/info", nil)
	resp, err := f.app.Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, "https://relay.example.com/webhook/provider", body["webhookUrl"])
	assert.Equal(t, "secret-bearer", body["bearerToken"])
	assert.Contains(t, body["curlExample"], "Authorization: Bearer secret-bearer")
}

func TestTest(t *testing.T) {
	f := newFixture(t, Config{})

	req := httptest.NewRequest(http.MethodGet, "/webhook/test", nil)
	resp, err := f.app.Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, "ok", body["status"])
}
