package core

import (
	"context"
	"log/slog"
	"net/http"
	"testing"

	"subledger/internal/config"
)

func testConfig() *config.Config {
	return &config.Config{
		Environment: "local",
		Ops: config.OpsConfig{
			APIToken: config.SecretString("test-ops-token"),
		},
	}
}

func TestNewServer_Success(t *testing.T) {
	cfg := testConfig()
	storage := &MockStorage{}
	logger := slog.Default()

	srv, err := NewServer(cfg, storage, logger)
	if err != nil {
		t.Fatalf("NewServer returned unexpected error: %v", err)
	}
	if srv == nil {
		t.Fatal("NewServer returned nil server")
	}
	if srv.Config != cfg {
		t.Error("Config field not set correctly")
	}
	if srv.Storage != storage {
		t.Error("Storage field not set correctly")
	}
	if srv.Logger != logger {
		t.Error("Logger field not set correctly")
	}
	if srv.Validator == nil {
		t.Error("Validator should be initialized by constructor")
	}
	if srv.router == nil {
		t.Error("internal router should be initialized by constructor")
	}
}

func TestNewServer_SeedsDatabaseProbe(t *testing.T) {
	storage := &MockStorage{}

	srv, err := NewServer(testConfig(), storage, slog.Default())
	if err != nil {
		t.Fatalf("NewServer returned unexpected error: %v", err)
	}

	if len(srv.HealthProbes) != 1 {
		t.Fatalf("HealthProbes length = %d, want 1", len(srv.HealthProbes))
	}
	probe := srv.HealthProbes[0]
	if probe.Name() != "database" {
		t.Errorf("probe name = %q, want %q", probe.Name(), "database")
	}

	if err := probe.Check(context.Background()); err != nil {
		t.Fatalf("probe.Check returned unexpected error: %v", err)
	}
	if storage.Pings() != 1 {
		t.Errorf("storage pings = %d, want 1", storage.Pings())
	}
}

func TestNewServer_NilConfig(t *testing.T) {
	srv, err := NewServer(nil, &MockStorage{}, slog.Default())
	if err == nil {
		t.Fatal("NewServer should return error for nil config")
	}
	if srv != nil {
		t.Error("NewServer should return nil server on error")
	}
}

func TestNewServer_NilStorage(t *testing.T) {
	srv, err := NewServer(testConfig(), nil, slog.Default())
	if err == nil {
		t.Fatal("NewServer should return error for nil storage")
	}
	if srv != nil {
		t.Error("NewServer should return nil server on error")
	}
}

func TestNewServer_NilLogger(t *testing.T) {
	srv, err := NewServer(testConfig(), &MockStorage{}, nil)
	if err == nil {
		t.Fatal("NewServer should return error for nil logger")
	}
	if srv != nil {
		t.Error("NewServer should return nil server on error")
	}
}

func TestServer_Handler(t *testing.T) {
	srv, err := NewServer(testConfig(), &MockStorage{}, slog.Default())
	if err != nil {
		t.Fatalf("NewServer returned unexpected error: %v", err)
	}

	handler := srv.Handler()
	if handler == nil {
		t.Fatal("Handler() returned nil")
	}
	// Verify it implements http.Handler
	var _ http.Handler = handler
}

func TestServer_Router(t *testing.T) {
	srv, err := NewServer(testConfig(), &MockStorage{}, slog.Default())
	if err != nil {
		t.Fatalf("NewServer returned unexpected error: %v", err)
	}

	if srv.Router() == nil {
		t.Fatal("Router() returned nil")
	}
}

func TestServer_Shutdown_ClosesStorage(t *testing.T) {
	storage := &MockStorage{}
	srv, err := NewServer(testConfig(), storage, slog.Default())
	if err != nil {
		t.Fatalf("NewServer returned unexpected error: %v", err)
	}

	if err := srv.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown returned unexpected error: %v", err)
	}
	if !storage.Closed() {
		t.Error("Shutdown should have called Close on storage")
	}
}
