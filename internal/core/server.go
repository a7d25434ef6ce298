// Package core provides the HTTP chassis for the billing API. It creates a
// chi router, enforces cross-cutting concerns (panic recovery, request ids,
// logging, metrics, authentication) and renders the JSON envelope shared by
// every handler.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"stratplan/internal/config"
)

// RouteRegistrar mounts a group of routes.
type RouteRegistrar func(r chi.Router)

// Server encapsulates the dependencies of the API so tests can inject fakes.
type Server struct {
	Config        *config.Config
	Logger        *slog.Logger
	Validator     *Validator
	Metrics       MetricsCollector
	Authenticator Authenticator
	HealthProbes  []HealthProbe

	// PublicRouteRegistrars mount unauthenticated routes at the root (the
	// provider webhook). V1RouteRegistrars mount under /v1.
	PublicRouteRegistrars []RouteRegistrar
	V1RouteRegistrars     []RouteRegistrar

	// Closers run on Shutdown in registration order.
	Closers []func(ctx context.Context) error

	router *chi.Mux
}

// NewServer prepares a server; the caller registers routes and then calls
// MountRoutes.
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
		Validator: NewValidator(cfg.Server.DashboardURL),
		router:    chi.NewRouter(),
	}, nil
}

// Handler returns the http.Handler for the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Shutdown releases server resources and returns the joined close errors.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.InfoContext(ctx, "server shutdown initiated")

	var errs []error
	for _, c := range s.Closers {
		if err := c(ctx); err != nil {
			s.Logger.ErrorContext(ctx, "error releasing server resource", "error", err)
			errs = append(errs, err)
		}
	}

	s.Logger.InfoContext(ctx, "server shutdown complete")
	return errors.Join(errs...)
}
