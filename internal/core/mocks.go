package core

import (
	"context"
	"sync"
	"time"
)

// --- MockMetricsCollector ---

// MockMetricsCollector implements the MetricsCollector interface for testing.
// It records every call for assertion.
//
// Usage:
//
//	mock := &MockMetricsCollector{}
//	srv.Metrics = mock
//	// ... drive requests ...
//	if len(mock.Calls()) != 1 { ... }
type MockMetricsCollector struct {
	// mu protects calls for concurrent access.
	mu sync.Mutex

	calls []RequestMetric
}

// RequestMetric records the arguments of a single RecordRequest invocation.
type RequestMetric struct {
	Method   string
	Route    string
	Status   string
	Duration time.Duration
}

// RecordRequest implements the MetricsCollector interface.
func (m *MockMetricsCollector) RecordRequest(_ context.Context, method, route, status string, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, RequestMetric{
		Method:   method,
		Route:    route,
		Status:   status,
		Duration: duration,
	})
}

// Calls returns a copy of the recorded invocations.
func (m *MockMetricsCollector) Calls() []RequestMetric {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RequestMetric, len(m.calls))
	copy(out, m.calls)
	return out
}

// --- MockStorage ---

// MockStorage implements the Storage interface for testing. It allows
// injecting a ping error and records whether Close was called.
//
// Usage:
//
//	storage := &MockStorage{}
//	srv, err := NewServer(cfg, storage, logger)
//	// ...
//	srv.Shutdown(ctx)
//	if !storage.Closed() { ... }
type MockStorage struct {
	// PingErr is the error returned by Ping. Defaults to nil (healthy).
	PingErr error

	// PingFunc is an optional function that overrides the default behavior.
	// When set, it takes precedence over PingErr.
	PingFunc func(ctx context.Context) error

	// mu protects the counters for concurrent access.
	mu sync.Mutex

	pings  int
	closed bool
}

// Ping implements the Storage interface.
func (m *MockStorage) Ping(ctx context.Context) error {
	m.mu.Lock()
	m.pings++
	m.mu.Unlock()

	if m.PingFunc != nil {
		return m.PingFunc(ctx)
	}
	return m.PingErr
}

// Close implements the Storage interface.
func (m *MockStorage) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}

// Pings returns how many times Ping was called.
func (m *MockStorage) Pings() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pings
}

// Closed reports whether Close was called.
func (m *MockStorage) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Compile-time interface assertions.
var (
	_ MetricsCollector = (*MockMetricsCollector)(nil)
	_ Storage          = (*MockStorage)(nil)
)
