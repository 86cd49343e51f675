// Package token manages the bearer credential for calling the conversational
// AI provider: lazy refresh on expiry, forced invalidation after downstream
// auth failures, and single-flight coalescing of concurrent refreshes.
package token

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rexy-labs/chat-relay/internal/relayerr"
	"github.com/rexy-labs/chat-relay/internal/retry"
	"github.com/rexy-labs/chat-relay/pkg/credstore"
)

const cacheKey = "provider"

// Config holds token provider configuration.
type Config struct {
	// AuthURL is the provider's generate-token endpoint.
	AuthURL string

	// RefreshURL is the provider's refresh-token endpoint. Optional; when
	// empty, expired credentials are regenerated from scratch.
	RefreshURL string

	// Channel identity headers required by the provider's auth endpoints.
	Channel        string
	ChannelRefID   string
	VirtualAgentID string

	// RefreshLead regenerates the credential this long before its declared
	// expiry, so an in-flight submission never carries a token about to die.
	RefreshLead time.Duration

	// FallbackTTL is the conservative lifetime assumed when the provider
	// declares no expiry and the token carries no readable exp claim.
	FallbackTTL time.Duration

	// HTTPTimeout bounds each auth endpoint call.
	HTTPTimeout time.Duration
}

// Provider acquires and caches the provider bearer credential.
type Provider struct {
	cfg     Config
	client  *http.Client
	store   credstore.Store
	logger  zerolog.Logger
	onEvent func(trigger string)

	mu   sync.Mutex
	call *refreshCall
}

// refreshCall is a single in-flight refresh shared by concurrent callers.
type refreshCall struct {
	done  chan struct{}
	token string
	err   error
}

// tokenResponse covers the field spellings the auth endpoints use.
type tokenResponse struct {
	Token        string `json:"token"`
	AccessToken  string `json:"accessToken"`
	AuthToken    string `json:"authToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn"`
}

func (r tokenResponse) value() string {
	switch {
	case r.Token != "":
		return r.Token
	case r.AccessToken != "":
		return r.AccessToken
	default:
		return r.AuthToken
	}
}

// NewProvider creates a token provider backed by store.
func NewProvider(cfg Config, store credstore.Store, logger zerolog.Logger) *Provider {
	if cfg.ChannelRefID == "" {
		cfg.ChannelRefID = uuid.New().String()
	}
	if cfg.RefreshLead == 0 {
		cfg.RefreshLead = time.Minute
	}
	if cfg.FallbackTTL == 0 {
		cfg.FallbackTTL = 15 * time.Minute
	}
	if cfg.HTTPTimeout == 0 {
		cfg.HTTPTimeout = 15 * time.Second
	}
	return &Provider{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.HTTPTimeout},
		store:  store,
		logger: logger.With().Str("component", "token").Logger(),
	}
}

// OnRefresh registers a callback invoked with the refresh trigger, used to
// feed the token-refresh counter.
func (p *Provider) OnRefresh(fn func(trigger string)) {
	p.onEvent = fn
}

// Token returns a credential valid for at least the refresh lead, refreshing
// it first when necessary. Concurrent callers share one upstream call.
func (p *Provider) Token(ctx context.Context) (string, error) {
	if cred, err := p.store.Get(ctx, cacheKey); err == nil && cred.TTL() > p.cfg.RefreshLead {
		return cred.Value, nil
	}
	return p.refresh(ctx, "expiry")
}

// Invalidate drops the cached credential and acquires a fresh one. Called
// after the provider rejects a submission as unauthenticated.
func (p *Provider) Invalidate(ctx context.Context) (string, error) {
	if err := p.store.Delete(ctx, cacheKey); err != nil {
		return "", fmt.Errorf("dropping cached credential: %w", err)
	}
	p.logger.Info().Msg("credential invalidated, forcing refresh")
	return p.refresh(ctx, "invalidate")
}

// Status reports whether a live credential is cached and when it expires.
func (p *Provider) Status(ctx context.Context) (bool, time.Time) {
	cred, err := p.store.Get(ctx, cacheKey)
	if err != nil {
		return false, time.Time{}
	}
	return true, cred.ExpiresAt
}

func (p *Provider) refresh(ctx context.Context, trigger string) (string, error) {
	p.mu.Lock()
	if p.call != nil {
		call := p.call
		p.mu.Unlock()
		select {
		case <-call.done:
			return call.token, call.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	call := &refreshCall{done: make(chan struct{})}
	p.call = call
	p.mu.Unlock()

	call.token, call.err = p.fetch(ctx, trigger)

	p.mu.Lock()
	p.call = nil
	p.mu.Unlock()
	close(call.done)

	return call.token, call.err
}

// fetch performs the actual token acquisition. Transient auth-endpoint
// failures are retried inside the refresh path; a definitive rejection
// surfaces immediately as a token acquisition error.
func (p *Provider) fetch(ctx context.Context, trigger string) (string, error) {
	if p.cfg.AuthURL == "" {
		return "", fmt.Errorf("%w: auth URL not configured", relayerr.ErrTokenAcquisition)
	}

	var resp tokenResponse

	// Prefer the refresh-token flow when a refresh credential survives the
	// access token (the cache keeps it past the access token's lead window).
	refreshValue := ""
	if cred, err := p.store.Get(ctx, cacheKey); err == nil {
		refreshValue = cred.RefreshValue
	}

	err := retry.Do(ctx, retry.Config{
		MaxAttempts: 3,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    2 * time.Second,
		Jitter:      true,
	}, func(ctx context.Context) error {
		var callErr error
		if refreshValue != "" && p.cfg.RefreshURL != "" && trigger == "expiry" {
			resp, callErr = p.post(ctx, p.cfg.RefreshURL, map[string]string{"refreshToken": refreshValue})
			if callErr == nil {
				return nil
			}
			// A rejected refresh token falls back to full generation.
			refreshValue = ""
		}
		resp, callErr = p.post(ctx, p.cfg.AuthURL, nil)
		return callErr
	})
	if err != nil {
		if p.onEvent != nil {
			p.onEvent("failure")
		}
		return "", fmt.Errorf("%w: %v", relayerr.ErrTokenAcquisition, err)
	}

	value := resp.value()
	if value == "" {
		if p.onEvent != nil {
			p.onEvent("failure")
		}
		return "", fmt.Errorf("%w: auth endpoint returned no token", relayerr.ErrTokenAcquisition)
	}

	ttl := p.resolveTTL(value, resp.ExpiresIn)
	if err := p.store.Put(ctx, credstore.Credential{
		Key:          cacheKey,
		Value:        value,
		RefreshValue: resp.RefreshToken,
	}, ttl); err != nil {
		return "", fmt.Errorf("caching credential: %w", err)
	}

	if p.onEvent != nil {
		p.onEvent(trigger)
	}
	p.logger.Info().Dur("ttl", ttl).Str("trigger", trigger).Msg("credential refreshed")
	return value, nil
}

// post calls an auth endpoint with the channel identity headers.
func (p *Provider) post(ctx context.Context, url string, body map[string]string) (tokenResponse, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return tokenResponse{}, fmt.Errorf("marshaling auth request: %w", err)
		}
		reader = strings.NewReader(string(encoded))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, reader)
	if err != nil {
		return tokenResponse{}, fmt.Errorf("creating auth request: %w", err)
	}
	if p.cfg.Channel != "" {
		req.Header.Set("x-channel", p.cfg.Channel)
	}
	req.Header.Set("x-channel-ref-id", p.cfg.ChannelRefID)
	if p.cfg.VirtualAgentID != "" {
		req.Header.Set("x-virtual-agent-id", p.cfg.VirtualAgentID)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	httpResp, err := p.client.Do(req)
	if err != nil {
		return tokenResponse{}, &relayerr.APIError{Service: "auth", Message: "request failed", Err: err}
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return tokenResponse{}, &relayerr.APIError{Service: "auth", StatusCode: httpResp.StatusCode, Message: "reading response", Err: err}
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return tokenResponse{}, relayerr.NewAPIError("auth", httpResp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var resp tokenResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		// Some auth endpoints return the raw token string.
		resp = tokenResponse{Token: strings.TrimSpace(string(raw))}
	}
	return resp, nil
}

// resolveTTL picks the credential lifetime: upstream-declared expiry, the
// token's own exp claim when it is a JWT, or the conservative fallback.
func (p *Provider) resolveTTL(value string, expiresIn int64) time.Duration {
	if expiresIn > 0 {
		return time.Duration(expiresIn) * time.Second
	}
	if exp, ok := jwtExpiry(value); ok {
		if ttl := time.Until(exp); ttl > 0 {
			return ttl
		}
	}
	return p.cfg.FallbackTTL
}

// jwtExpiry reads the exp claim without verifying the signature; only the
// provider can verify its own tokens, we just need the declared lifetime.
func jwtExpiry(value string) (time.Time, bool) {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(value, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
