package core

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
)

// newMountedServer builds a server with routes mounted and optional
// registrars, ready to serve httptest requests.
func newMountedServer(t *testing.T, configure func(*Server)) *Server {
	t.Helper()

	srv, err := NewServer(testConfig(), &MockStorage{}, slog.Default())
	if err != nil {
		t.Fatalf("NewServer returned unexpected error: %v", err)
	}
	if configure != nil {
		configure(srv)
	}
	srv.MountRoutes()
	return srv
}

func TestMountRoutes_HealthIsPublic(t *testing.T) {
	srv := newMountedServer(t, nil)

	for _, path := range []string{"/health", "/health/ready"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("GET %s status = %d, want %d", path, rec.Code, http.StatusOK)
		}
	}
}

func TestMountRoutes_IngressRegistrarsAreRootLevelAndPublic(t *testing.T) {
	srv := newMountedServer(t, func(s *Server) {
		s.IngressRegistrars = append(s.IngressRegistrars, func(r chi.Router) {
			r.Post("/webhooks", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			})
		})
	})

	// No Authorization header: ingress paths must still be reachable.
	req := httptest.NewRequest(http.MethodPost, "/webhooks", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("POST /webhooks status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestMountRoutes_V1RequiresOpsToken(t *testing.T) {
	srv := newMountedServer(t, func(s *Server) {
		s.V1RouteRegistrars = append(s.V1RouteRegistrars, func(r chi.Router) {
			r.Get("/ping", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			})
		})
	})

	// Without a token the guard rejects.
	req := httptest.NewRequest(http.MethodGet, "/v1/ping", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}

	// With the configured token the route is reachable.
	req = httptest.NewRequest(http.MethodGet, "/v1/ping", nil)
	req.Header.Set("Authorization", "Bearer test-ops-token")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("authenticated status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestMountRoutes_ResponsesCarryRequestID(t *testing.T) {
	srv := newMountedServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Header().Get("X-Request-Id") == "" {
		t.Error("X-Request-Id response header should be set")
	}
}

func TestMountRoutes_ResponsesCarrySecurityHeaders(t *testing.T) {
	srv := newMountedServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	want := map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"X-XSS-Protection":       "1; mode=block",
	}
	for header, value := range want {
		if got := rec.Header().Get(header); got != value {
			t.Errorf("%s = %q, want %q", header, got, value)
		}
	}
}

func TestMountRoutes_MetricsUseRoutePattern(t *testing.T) {
	metrics := &MockMetricsCollector{}
	srv := newMountedServer(t, func(s *Server) {
		s.Metrics = metrics
		s.V1RouteRegistrars = append(s.V1RouteRegistrars, func(r chi.Router) {
			r.Get("/webhook-events/{id}", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			})
		})
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/webhook-events/evt_123", nil)
	req.Header.Set("Authorization", "Bearer test-ops-token")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	calls := metrics.Calls()
	if len(calls) != 1 {
		t.Fatalf("metrics calls = %d, want 1", len(calls))
	}
	if calls[0].Route != "/v1/webhook-events/{id}" {
		t.Errorf("recorded route = %q, want the chi pattern", calls[0].Route)
	}
	if calls[0].Status != "200" {
		t.Errorf("recorded status = %q, want %q", calls[0].Status, "200")
	}
}

func TestMountRoutes_PanicBecomesJSON500(t *testing.T) {
	srv := newMountedServer(t, func(s *Server) {
		s.IngressRegistrars = append(s.IngressRegistrars, func(r chi.Router) {
			r.Get("/boom", func(w http.ResponseWriter, r *http.Request) {
				panic("kaboom")
			})
		})
	})

	req := httptest.NewRequest(http.MethodGet, "/boom", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}

	var resp APIErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("panic response is not valid JSON: %v", err)
	}
	if resp.Error.Code != "internal_unexpected_error" {
		t.Errorf("error code = %q, want %q", resp.Error.Code, "internal_unexpected_error")
	}
	// RequestID middleware sits above the recoverer, so even a panic
	// response carries the correlation ID.
	if resp.Error.RequestID == "" {
		t.Error("panic response should carry a request ID")
	}
}
