// Package core provides the HTTP chassis for the Subledger API: the chi
// router, the global middleware chain (correlation, recovery, logging,
// security headers, metrics), response envelopes, and the health endpoints.
// It enforces cross-cutting concerns before requests reach the webhook
// ingress and ops handlers.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"subledger/internal/config"
)

// MetricsCollector defines the interface for recording API telemetry.
// Implementations record request latency and count to CloudWatch or
// equivalent backends; the route is the chi pattern, not the raw path, so
// the metric dimension stays bounded.
type MetricsCollector interface {
	RecordRequest(ctx context.Context, method, route, status string, duration time.Duration)
}

// Storage is the chassis's view of the persistence layer: enough to probe
// readiness and to release pooled connections on shutdown. The server never
// runs queries itself; handlers are constructed with their own narrow
// repository interfaces and mounted through the route registrars.
type Storage interface {
	Ping(ctx context.Context) error
	Close()
}

// Server encapsulates all dependencies for the Subledger API, allowing for
// easy injection during testing and distinct configuration for different
// environments.
type Server struct {
	Config    *config.Config
	Storage   Storage
	Logger    *slog.Logger
	Validator *Validator
	Metrics   MetricsCollector

	// IngressRegistrars mount public routes at the router root. The webhook
	// ingress lives here: Stripe signs its own deliveries, so these paths
	// carry no API token.
	IngressRegistrars []func(chi.Router)

	// V1RouteRegistrars mount the ops surface under /v1, behind the ops
	// token guard. Populated by the application entry point; the
	// indirection avoids import cycles between core and handler packages.
	V1RouteRegistrars []func(chi.Router)

	// HealthProbes back the readiness endpoint. NewServer seeds the
	// database probe from Storage; the entry point appends the rest
	// (queue reachability).
	HealthProbes []HealthProbe

	// Internal router
	router *chi.Mux
}

// NewServer initializes dependencies, sets up the router, and prepares the
// server for route mounting. It performs a "fail-fast" check on critical
// configuration.
//
// The caller is responsible for mounting routes (via MountRoutes) after
// construction. This separation allows tests to customize route
// registration.
func NewServer(
	cfg *config.Config,
	storage Storage,
	logger *slog.Logger,
) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if storage == nil {
		return nil, fmt.Errorf("storage must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}

	s := &Server{
		Config:    cfg,
		Storage:   storage,
		Logger:    logger,
		Validator: NewValidator(logger),
		router:    chi.NewRouter(),
	}

	// The database probe is intrinsic: every deployment of this server has
	// a store behind it.
	s.HealthProbes = []HealthProbe{NewProbe("database", storage.Ping)}

	return s, nil
}

// Handler returns the http.Handler interface for the router.
// Used by http.ListenAndServe in the API entry point.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux for route registration.
// This is used internally by route-mounting methods and tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Shutdown performs a graceful termination of server resources. The HTTP
// listener itself is drained by the entry point (http.Server.Shutdown);
// this releases what the chassis owns, which today is the connection pool.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.Info("server shutdown initiated")

	s.Storage.Close()

	s.Logger.Info("server shutdown complete")
	return nil
}
