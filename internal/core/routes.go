package core

import (
	"github.com/go-chi/chi/v5"
)

// defaultRedactedHeaders lists header names whose values are masked in request
// logs to prevent accidental leakage of credentials or signature material.
var defaultRedactedHeaders = []string{
	"Authorization",
	"Stripe-Signature",
	"Cookie",
}

// MountRoutes defines the top-level routing hierarchy.
// It registers the global middleware chain, the public ingress routes, the
// token-guarded ops group, and the health endpoints.
func (s *Server) MountRoutes() {
	// Global Middleware Registration (strict order matters).
	s.registerGlobalMiddleware()

	// Public ingress routes (webhook endpoints). Authenticity is the
	// signature check inside the handler, not a bearer token.
	for _, registrar := range s.IngressRegistrars {
		registrar(s.router)
	}

	// Ops surface, guarded by the static ops token.
	s.router.Route("/v1", s.mountV1)

	// Health endpoints (public: load balancers and orchestrators call these).
	s.router.Get("/health", s.HandleHealth)
	s.router.Get("/health/ready", s.HandleReady)
}

// registerGlobalMiddleware applies middleware in strict order.
//
// Ordering Rationale:
//  1. RequestID        - Outermost so the correlation ID reaches every log
//     line and error body, including the ones the Recoverer writes.
//  2. Recoverer        - Catches panics from everything below; writes a
//     standardized JSON 500.
//  3. RequestLogger    - Structured logging (redacted headers).
//  4. SecurityHeaders  - Ensures all responses include security headers.
//  5. Metrics          - Request latency and count recording.
func (s *Server) registerGlobalMiddleware() {
	s.router.Use(RequestIDMiddleware)
	s.router.Use(s.Recoverer)
	s.router.Use(RequestLogger(s.Logger, s.redactedHeaders()))
	s.router.Use(s.SecurityHeadersMiddleware)
	s.router.Use(s.MetricsMiddleware)
}

// mountV1 registers the ops endpoints behind the token guard. Handler routes
// are registered via V1RouteRegistrars, which are populated by the
// application entry point (main.go). This indirection avoids import cycles
// between core and handler packages.
func (s *Server) mountV1(r chi.Router) {
	r.Use(s.RequireOpsToken)
	for _, registrar := range s.V1RouteRegistrars {
		registrar(r)
	}
}

// redactedHeaders returns the header names to redact in request logs.
func (s *Server) redactedHeaders() []string {
	return defaultRedactedHeaders
}
