package server

import (
	"context"
	"time"

	"github.com/fluxbase-eu/backplane/internal/backplane"
	"github.com/fluxbase-eu/backplane/internal/bus"
	"github.com/fluxbase-eu/backplane/internal/config"
	"github.com/fluxbase-eu/backplane/internal/observability"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/rs/zerolog/log"
)

// Server hosts the HTTP surface of a backplane node: health, metrics and
// the WebSocket endpoint.
type Server struct {
	app      *fiber.App
	cfg      *config.Config
	bus      *bus.Bus
	relay    *backplane.Backplane
	registry *Registry
	ws       *WSHandler
	metrics  *observability.Metrics
	started  time.Time
}

// New creates the HTTP server. relay is nil when running on the local
// backend; metrics may be nil when disabled.
func New(cfg *config.Config, b *bus.Bus, relay *backplane.Backplane, metrics *observability.Metrics) *Server {
	app := fiber.New(fiber.Config{
		ServerHeader:          "Backplane",
		AppName:               "Backplane",
		BodyLimit:             cfg.Server.BodyLimit,
		ReadTimeout:           cfg.Server.ReadTimeout,
		WriteTimeout:          cfg.Server.WriteTimeout,
		IdleTimeout:           cfg.Server.IdleTimeout,
		DisableStartupMessage: !cfg.Debug,
		ErrorHandler:          errorHandler,
	})

	registry := NewRegistry()
	if metrics != nil {
		registry.SetMetrics(metrics)
	}

	s := &Server{
		app:      app,
		cfg:      cfg,
		bus:      b,
		relay:    relay,
		registry: registry,
		ws:       NewWSHandler(b, registry),
		metrics:  metrics,
		started:  time.Now(),
	}

	s.setupMiddlewares()
	s.setupRoutes()
	return s
}

// setupMiddlewares sets up global middlewares
func (s *Server) setupMiddlewares() {
	s.app.Use(requestid.New())

	if s.cfg.Debug {
		s.app.Use(logger.New(logger.Config{
			Format: "[${time}] ${status} - ${latency} ${method} ${path} ${error}\n",
		}))
	}

	s.app.Use(recover.New(recover.Config{
		EnableStackTrace: s.cfg.Debug,
	}))

	if s.metrics != nil {
		s.app.Use(s.metrics.MetricsMiddleware())
	}
}

// setupRoutes sets up all routes
func (s *Server) setupRoutes() {
	s.app.Get("/health", s.handleHealth)

	if s.cfg.Metrics.Enabled && s.metrics != nil {
		handler := s.metrics.Handler()
		s.app.Get("/metrics", func(c *fiber.Ctx) error {
			s.metrics.UpdateUptime(s.started)
			return handler(c)
		})
	}

	s.app.Get("/ws", s.ws.HandleWebSocket)
}

// handleHealth handles health check requests
func (s *Server) handleHealth(c *fiber.Ctx) error {
	topics, subscribers := s.bus.Stats()

	relayReady := true
	if s.relay != nil {
		relayReady = s.relay.Ready()
	}

	status := "ok"
	httpStatus := fiber.StatusOK
	if !relayReady {
		status = "degraded"
		httpStatus = fiber.StatusServiceUnavailable
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":  status,
		"backend": s.cfg.Backend,
		"services": fiber.Map{
			"relay": relayReady,
			"bus":   true,
		},
		"bus": fiber.Map{
			"topics":      topics,
			"subscribers": subscribers,
		},
		"sessions":  s.registry.Count(),
		"timestamp": time.Now().UTC(),
	})
}

// Start starts the HTTP server
func (s *Server) Start() error {
	return s.app.Listen(s.cfg.Server.Address)
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Closing WebSocket sessions")
	s.registry.Shutdown()

	log.Info().Msg("Shutting down HTTP server")
	return s.app.ShutdownWithContext(ctx)
}

// errorHandler handles errors globally
func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	if code >= 500 {
		log.Error().Err(err).Str("path", c.Path()).Msg("Server error")
	}

	return c.Status(code).JSON(fiber.Map{
		"error": message,
		"code":  code,
	})
}
