// Package api provides the RESTful HTTP API: a resolver status snapshot,
// Prometheus metrics, and optional pprof endpoints.
package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gofiber/contrib/fiberzap"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/pprof"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/database64128/stubdns-go/resolver"
	"go.uber.org/zap"
)

// Config stores the configuration for the RESTful API.
type Config struct {
	// Enabled controls whether the API server is enabled.
	Enabled bool `json:"enabled"`

	// Listen is the address to listen on.
	Listen string `json:"listen"`

	// DebugPprof enables pprof endpoints for debugging and profiling.
	DebugPprof bool `json:"debugPprof"`
}

// Server is the RESTful API server.
type Server struct {
	logger *zap.Logger
	app    *fiber.App
	listen string
}

// NewServer creates the API server. statusFn must be safe to call from
// any goroutine and return a point-in-time resolver snapshot.
func (c *Config) NewServer(logger *zap.Logger, statusFn func() resolver.Status, gatherer prometheus.Gatherer) (*Server, error) {
	if c.Listen == "" {
		return nil, errors.New("api: no listen address")
	}

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
	})

	app.Use(fiberzap.New(fiberzap.Config{
		Logger: logger,
	}))

	if c.DebugPprof {
		app.Use(pprof.New())
	}

	app.Get("/api/v1/status", func(fc *fiber.Ctx) error {
		return fc.JSON(statusFn())
	})

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})))

	app.Use(func(fc *fiber.Ctx) error {
		return fc.SendStatus(http.StatusNotFound)
	})

	return &Server{
		logger: logger,
		app:    app,
		listen: c.Listen,
	}, nil
}

// ZapField implements the Service interface.
func (s *Server) ZapField() zap.Field {
	return zap.String("server", "api")
}

// Start starts the API server.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		if err := s.app.Listen(s.listen); err != nil {
			s.logger.Error("Failed to serve API", zap.String("listen", s.listen), zap.Error(err))
		}
	}()
	return nil
}

// Stop stops the API server.
func (s *Server) Stop() error {
	return s.app.Shutdown()
}
