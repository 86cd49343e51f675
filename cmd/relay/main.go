package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/rexy-labs/chat-relay/internal/config"
	"github.com/rexy-labs/chat-relay/internal/health"
	"github.com/rexy-labs/chat-relay/internal/history"
	"github.com/rexy-labs/chat-relay/internal/metrics"
	"github.com/rexy-labs/chat-relay/internal/pending"
	"github.com/rexy-labs/chat-relay/internal/provider"
	"github.com/rexy-labs/chat-relay/internal/realtime"
	"github.com/rexy-labs/chat-relay/internal/router"
	"github.com/rexy-labs/chat-relay/internal/server"
	"github.com/rexy-labs/chat-relay/internal/token"
	"github.com/rexy-labs/chat-relay/internal/webhook"
	"github.com/rexy-labs/chat-relay/pkg/credstore"
)

func main() {
	// Setup structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stdout).With().Timestamp().Caller().Logger()

	if os.Getenv("ENVIRONMENT") == "development" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	log.Logger = logger

	// Load config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	// Set log level
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err == nil {
		zerolog.SetGlobalLevel(level)
	}

	logger.Info().
		Str("environment", cfg.Environment).
		Int("http_port", cfg.HTTPPort).
		Str("realtime_addr", cfg.RealtimeAddr).
		Msg("starting chat relay")

	if cfg.WebhookTokenGenerated {
		logger.Warn().
			Str("bearer_token", cfg.WebhookBearerToken).
			Msg("no WEBHOOK_BEARER_TOKEN configured, generated one for this run; register it in the provider console")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	m := metrics.New()

	// Token provider with in-memory credential cache
	tokens := token.NewProvider(token.Config{
		AuthURL:        cfg.ProviderAuthURL,
		RefreshURL:     cfg.ProviderRefreshURL,
		Channel:        cfg.ProviderChannel,
		ChannelRefID:   cfg.ProviderChannelRefID,
		VirtualAgentID: cfg.ProviderVirtualAgentID,
		RefreshLead:    cfg.TokenRefreshLead,
		FallbackTTL:    cfg.TokenFallbackTTL,
		HTTPTimeout:    cfg.ProviderTimeout,
	}, credstore.NewMemoryStore(), logger)
	tokens.OnRefresh(m.RecordTokenRefresh)

	// Upstream gateway
	gateway := provider.NewClient(provider.Config{
		BaseURL:            cfg.ProviderBaseURL,
		Channel:            cfg.ProviderChannel,
		IntegrationChannel: cfg.ProviderIntegration,
		ChannelRefID:       cfg.ProviderChannelRefID,
		VirtualAgentID:     cfg.ProviderVirtualAgentID,
		Timeout:            cfg.ProviderTimeout,
	}, tokens, logger)

	// Correlation and routing
	table := pending.NewTable(logger)
	table.OnSizeChange(func(n int) { m.PendingWaiters.Set(float64(n)) })

	hub := realtime.NewHub(realtime.Config{
		AckTimeout:   cfg.AckTimeout,
		PingInterval: cfg.WSPingInterval,
		PongWait:     cfg.WSPongWait,
	}, m, logger)

	routes := router.New(hub, logger)
	hub.SetBinder(routes)

	convLog := history.NewLog(cfg.HistoryLimit, cfg.HistoryMaxConvs)

	// Health checker
	checker := health.NewChecker(logger)
	checker.Register("provider_token", func(ctx context.Context) health.Status {
		if valid, _ := tokens.Status(ctx); valid {
			return health.StatusOK
		}
		// Not fatal: the next submission fetches a fresh credential.
		return health.StatusDegraded
	})

	// Fiber API server (widget API + provider webhooks)
	api := server.NewHandlers(gateway, table, routes, convLog, tokens, m, cfg.SubmitWaitTimeout, logger)
	hooks := webhook.NewHandlers(webhook.Config{
		BearerToken:   cfg.WebhookBearerToken,
		SigningSecret: cfg.WebhookSigningSecret,
		PublicURL:     cfg.WebhookPublicURL,
	}, table, routes, convLog, m, logger)
	apiServer := server.NewServer(server.Config{
		Port:        cfg.HTTPPort,
		CORSOrigins: cfg.CORSOrigins,
	}, api, hooks, checker, logger)

	// Plain HTTP server for the WebSocket endpoint and Prometheus metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.Handler())
	mux.Handle("/metrics", m.Handler())

	realtimeServer := &http.Server{
		Addr:        cfg.RealtimeAddr,
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := apiServer.Start(); err != nil {
			logger.Error().Err(err).Msg("api server error")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info().Str("addr", cfg.RealtimeAddr).Msg("realtime server starting")
		if err := realtimeServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("realtime server error")
		}
	}()

	// Warm the provider credential so the first submission is not taxed with
	// the auth round trip.
	warmCtx, warmCancel := context.WithTimeout(ctx, 10*time.Second)
	if _, err := tokens.Token(warmCtx); err != nil {
		logger.Warn().Err(err).Msg("credential warmup failed (non-fatal)")
	}
	warmCancel()

	// Wait for shutdown signal
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down gracefully")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("api server shutdown error")
	}
	if err := realtimeServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("realtime server shutdown error")
	}
	hub.Close()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Msg("all goroutines stopped")
	case <-time.After(15 * time.Second):
		logger.Warn().Msg("forced shutdown after timeout")
	}

	logger.Info().Msg("chat relay stopped")
}
