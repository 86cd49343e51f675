// Package server hosts the widget-facing Fiber application: message
// submission, webhook intake, and operational endpoints.
package server

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"

	"github.com/rexy-labs/chat-relay/internal/health"
	"github.com/rexy-labs/chat-relay/internal/requestid"
	"github.com/rexy-labs/chat-relay/internal/webhook"
)

// Config holds server configuration.
type Config struct {
	Port        int
	CORSOrigins string
}

// Server is the widget-facing Fiber application.
type Server struct {
	app    *fiber.App
	logger zerolog.Logger
	config Config
}

// NewServer creates and configures the API server.
func NewServer(
	cfg Config,
	api *Handlers,
	hooks *webhook.Handlers,
	checker *health.Checker,
	logger zerolog.Logger,
) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler(logger),
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
		ReadBufferSize:        8192,
		WriteBufferSize:       8192,
	})

	s := &Server{
		app:    app,
		logger: logger.With().Str("component", "server").Logger(),
		config: cfg,
	}

	s.setupMiddleware(cfg, logger)
	s.setupRoutes(api, hooks, checker)

	return s
}

func (s *Server) setupMiddleware(cfg Config, logger zerolog.Logger) {
	s.app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	s.app.Use(requestid.Middleware())

	if cfg.CORSOrigins != "" {
		s.app.Use(cors.New(cors.Config{
			AllowOrigins: cfg.CORSOrigins,
			AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID",
			AllowMethods: "GET, POST, OPTIONS",
		}))
	}

	// Audit middleware (log every request)
	s.app.Use(func(c *fiber.Ctx) error {
		path := c.Path()
		// Skip noisy probe logging
		if path == "/healthz" || path == "/readyz" {
			return c.Next()
		}

		logger.Info().
			Str("method", c.Method()).
			Str("path", path).
			Str("ip", c.IP()).
			Str("request_id", fmt.Sprintf("%v", c.Locals("request_id"))).
			Msg("api request")

		return c.Next()
	})
}

func (s *Server) setupRoutes(h *Handlers, hooks *webhook.Handlers, checker *health.Checker) {
	// Probe endpoints
	s.app.Get("/healthz", health.LivenessHandler())
	s.app.Get("/readyz", checker.ReadinessHandler())

	// Widget API
	api := s.app.Group("/api")
	api.Post("/messages", h.SubmitMessage)
	api.Get("/token", h.TokenStatus)
	api.Get("/conversations", h.ListConversations)
	api.Get("/conversations/:id", h.GetConversation)

	// Provider callbacks
	s.app.Post("/webhook/provider", hooks.Receive)
	s.app.Get("/webhook/info", hooks.Info)
	s.app.Get("/webhook/test", hooks.Test)
}

// Start starts the server. Blocks until stopped.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.Port)
	s.logger.Info().Str("addr", addr).Msg("api server starting")
	return s.app.Listen(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	s.logger.Info().Msg("api server shutting down")
	return s.app.Shutdown()
}

// App returns the underlying Fiber app (useful for testing).
func (s *Server) App() *fiber.App {
	return s.app
}

func errorHandler(logger zerolog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		if e, ok := err.(*fiber.Error); ok {
			code = e.Code
		}

		logger.Error().
			Err(err).
			Int("status", code).
			Str("path", c.Path()).
			Str("method", c.Method()).
			Msg("unhandled error")

		detail := err.Error()
		// Don't leak internal details in production
		if code == fiber.StatusInternalServerError {
			if !strings.Contains(detail, "test") {
				detail = "An internal error occurred"
			}
		}

		return c.Status(code).JSON(ProblemDetail{
			Type:     "internal_error",
			Title:    "Internal Server Error",
			Status:   code,
			Detail:   detail,
			Instance: c.Path(),
		})
	}
}
