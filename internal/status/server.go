// Package status serves run progress, metrics and recent log lines over HTTP while a
// benchmark is running.
package status

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/basekick-labs/cardbench/internal/logger"
	"github.com/basekick-labs/cardbench/internal/metrics"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"
)

// StatsProvider exposes circuit breaker statistics
type StatsProvider interface {
	Stats() map[string]interface{}
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DefaultServerConfig returns the default status server configuration
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Port:         8090,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// Deps are the sources the handlers read from. Breaker, Scheduler and Sampler may be nil.
type Deps struct {
	Tracker   *Tracker
	Breaker   StatsProvider
	Scheduler StatusProvider
	Sampler   *metrics.Sampler
}

// StatusProvider reports the state of the cycle scheduler
type StatusProvider interface {
	Status() map[string]interface{}
}

// Server is the status HTTP server
type Server struct {
	app       *fiber.App
	deps      Deps
	port      int
	startedAt time.Time
	logger    zerolog.Logger
}

// NewServer creates a status server with routes registered
func NewServer(cfg *ServerConfig, deps Deps, logger zerolog.Logger) *Server {
	if cfg == nil {
		cfg = DefaultServerConfig()
	}
	if deps.Tracker == nil {
		deps.Tracker = NewTracker("")
	}
	log := logger.With().Str("component", "status-server").Logger()

	app := fiber.New(fiber.Config{
		AppName:               "cardbench",
		ReadTimeout:           cfg.ReadTimeout,
		WriteTimeout:          cfg.WriteTimeout,
		IdleTimeout:           cfg.IdleTimeout,
		DisableStartupMessage: true,
		ErrorHandler:          customErrorHandler(log),
	})

	app.Use(recover.New(recover.Config{EnableStackTrace: true}))
	app.Use(requestLogger(log))

	s := &Server{
		app:       app,
		deps:      deps,
		port:      cfg.Port,
		startedAt: time.Now(),
		logger:    log,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.app.Get("/health", s.healthHandler)
	s.app.Get("/metrics", s.metricsHandler)
	s.app.Get("/api/v1/status", s.statusHandler)
	s.app.Get("/api/v1/logs", s.logsHandler)
	s.app.Get("/api/v1/timeseries", s.timeseriesHandler)
}

func (s *Server) healthHandler(c *fiber.Ctx) error {
	uptime := time.Since(s.startedAt)
	return c.JSON(fiber.Map{
		"status":     "ok",
		"time":       time.Now().UTC().Format(time.RFC3339),
		"uptime":     uptime.Round(time.Second).String(),
		"uptime_sec": int64(uptime.Seconds()),
	})
}

// metricsHandler serves Prometheus text, or JSON when the client asks for it
func (s *Server) metricsHandler(c *fiber.Ctx) error {
	m := metrics.Get()
	if c.Get("Accept") == "application/json" {
		return c.JSON(m.Snapshot())
	}
	c.Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	return c.SendString(m.PrometheusFormat())
}

func (s *Server) statusHandler(c *fiber.Ctx) error {
	resp := fiber.Map{
		"progress":       s.deps.Tracker.Snapshot(),
		"active_workers": metrics.Get().Snapshot()["active_workers"],
	}
	if s.deps.Breaker != nil {
		resp["circuit_breaker"] = s.deps.Breaker.Stats()
	}
	if s.deps.Scheduler != nil {
		resp["scheduler"] = s.deps.Scheduler.Status()
	}
	return c.JSON(resp)
}

func (s *Server) logsHandler(c *fiber.Ctx) error {
	limit := 100
	if l := c.Query("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed <= 0 || parsed > 500 {
			return fiber.NewError(fiber.StatusBadRequest, "limit must be between 1 and 500")
		}
		limit = parsed
	}

	entries := logger.GetBuffer().Recent(limit)
	return c.JSON(fiber.Map{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"count":     len(entries),
		"limit":     limit,
		"logs":      entries,
	})
}

func (s *Server) timeseriesHandler(c *fiber.Ctx) error {
	if s.deps.Sampler == nil {
		return fiber.NewError(fiber.StatusServiceUnavailable, "time series sampling is disabled")
	}

	minutes := 15
	if v := c.Query("minutes"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 || parsed > 1440 {
			return fiber.NewError(fiber.StatusBadRequest, "minutes must be between 1 and 1440")
		}
		minutes = parsed
	}

	points := s.deps.Sampler.Recent(time.Duration(minutes) * time.Minute)
	return c.JSON(fiber.Map{
		"minutes": minutes,
		"count":   len(points),
		"points":  points,
	})
}

// Start listens in the background
func (s *Server) Start() error {
	s.logger.Info().Int("port", s.port).Msg("Starting status server")

	go func() {
		addr := fmt.Sprintf(":%d", s.port)
		if err := s.app.Listen(addr); err != nil {
			s.logger.Error().Err(err).Msg("Status server stopped listening")
		}
	}()
	return nil
}

// Shutdown stops the server, waiting up to timeout for open requests
func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.app.ShutdownWithContext(ctx); err != nil {
		return fmt.Errorf("status server shutdown failed: %w", err)
	}
	s.logger.Info().Msg("Status server stopped")
	return nil
}

// App returns the underlying fiber app
func (s *Server) App() *fiber.App {
	return s.app
}

func customErrorHandler(logger zerolog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		if e, ok := err.(*fiber.Error); ok {
			code = e.Code
		}

		if code >= 500 {
			logger.Error().
				Err(err).
				Int("status", code).
				Str("method", c.Method()).
				Str("path", c.Path()).
				Msg("Request error")
		}

		return c.Status(code).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
}

// requestLogger logs failed requests only
func requestLogger(logger zerolog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		status := c.Response().StatusCode()
		if err != nil {
			if e, ok := err.(*fiber.Error); ok {
				status = e.Code
			} else {
				status = fiber.StatusInternalServerError
			}
		}
		if status >= 400 {
			logger.Debug().
				Str("method", c.Method()).
				Str("path", c.Path()).
				Int("status", status).
				Dur("duration_ms", time.Since(start)).
				Msg("HTTP request error")
		}
		return err
	}
}
