package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestMockMetricsCollector_RecordsCalls(t *testing.T) {
	mock := &MockMetricsCollector{}

	mock.RecordRequest(context.Background(), "GET", "/v1/webhook-events", "200", 5*time.Millisecond)
	mock.RecordRequest(context.Background(), "POST", "/webhooks/stripe", "400", time.Millisecond)

	calls := mock.Calls()
	if len(calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(calls))
	}
	if calls[0].Method != "GET" || calls[0].Route != "/v1/webhook-events" || calls[0].Status != "200" {
		t.Errorf("unexpected first call: %+v", calls[0])
	}
	if calls[1].Status != "400" {
		t.Errorf("expected second call status 400, got %q", calls[1].Status)
	}
}

func TestMockMetricsCollector_CallsReturnsCopy(t *testing.T) {
	mock := &MockMetricsCollector{}
	mock.RecordRequest(context.Background(), "GET", "/health", "200", time.Millisecond)

	calls := mock.Calls()
	calls[0].Status = "tampered"

	if mock.Calls()[0].Status != "200" {
		t.Error("mutating the returned slice must not affect recorded calls")
	}
}

func TestMockMetricsCollector_ConcurrentAccess(t *testing.T) {
	mock := &MockMetricsCollector{}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mock.RecordRequest(context.Background(), "GET", "/health", "200", time.Millisecond)
		}()
	}
	wg.Wait()

	if got := len(mock.Calls()); got != 20 {
		t.Errorf("expected 20 recorded calls, got %d", got)
	}
}

func TestMockStorage_Defaults(t *testing.T) {
	storage := &MockStorage{}

	if err := storage.Ping(context.Background()); err != nil {
		t.Errorf("expected healthy ping by default, got %v", err)
	}
	if storage.Pings() != 1 {
		t.Errorf("expected 1 ping, got %d", storage.Pings())
	}
	if storage.Closed() {
		t.Error("storage should not be closed before Close is called")
	}

	storage.Close()
	if !storage.Closed() {
		t.Error("Closed() should report true after Close")
	}
}

func TestMockStorage_PingErr(t *testing.T) {
	wantErr := errors.New("connection refused")
	storage := &MockStorage{PingErr: wantErr}

	if err := storage.Ping(context.Background()); !errors.Is(err, wantErr) {
		t.Errorf("expected injected error, got %v", err)
	}
}

func TestMockStorage_PingFuncOverridesPingErr(t *testing.T) {
	storage := &MockStorage{
		PingErr: errors.New("static error"),
		PingFunc: func(ctx context.Context) error {
			return nil
		},
	}

	if err := storage.Ping(context.Background()); err != nil {
		t.Errorf("PingFunc should take precedence over PingErr, got %v", err)
	}
}

func TestMockStorage_PingFuncSeesContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	storage := &MockStorage{
		PingFunc: func(ctx context.Context) error {
			return ctx.Err()
		},
	}

	if err := storage.Ping(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
