// Package core provides the API chassis for the PropCanvas billing service.
// It creates a chi router and enforces cross-cutting concerns -- logging,
// request correlation, panic recovery, and error handling -- before requests
// reach domain-specific handlers.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"propcanvas/internal/config"
)

// MetricsCollector defines the interface for recording API telemetry.
type MetricsCollector interface {
	// RecordRequest records API request metrics including latency and count.
	RecordRequest(method, endpoint, status string, duration time.Duration)
}

// RouteRegistrar registers a handler group on a router. Registrars are
// populated by the application entry point; the indirection avoids import
// cycles between core and handler packages.
type RouteRegistrar func(r chi.Router)

// Server encapsulates the HTTP dependencies for the billing API, allowing
// injection during testing and distinct configuration per environment.
type Server struct {
	Config    *config.Config
	Logger    *slog.Logger
	Validator *Validator
	Metrics   MetricsCollector

	// HealthProbes are checked by GET /health.
	HealthProbes []HealthProbe

	// V1RouteRegistrars mount under /v1; WebhookRegistrars mount under
	// /webhooks, outside the versioned namespace so provider dashboards
	// keep a stable callback URL.
	V1RouteRegistrars []RouteRegistrar
	WebhookRegistrars []RouteRegistrar

	router *chi.Mux

	closers []func(context.Context) error
}

// NewServer initializes dependencies, sets up the router, and prepares the
// server for route mounting. The caller mounts routes (via MountRoutes) after
// construction; the separation lets tests customize route registration.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}

	return &Server{
		Config:    cfg,
		Logger:    logger,
		Validator: NewValidator(logger),
		router:    chi.NewRouter(),
	}, nil
}

// Handler returns the http.Handler interface for the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// OnShutdown registers a cleanup function invoked during Shutdown, in
// registration order.
func (s *Server) OnShutdown(fn func(context.Context) error) {
	s.closers = append(s.closers, fn)
}

// Shutdown performs graceful termination: registered cleanup functions run
// first (database pools, flushes), and the first failure is returned after
// all of them have been attempted.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.Info("server shutdown initiated")

	var firstErr error
	for _, closer := range s.closers {
		if err := closer(ctx); err != nil {
			s.Logger.Error("shutdown cleanup failed", "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	s.Logger.Info("server shutdown complete")
	return firstErr
}
