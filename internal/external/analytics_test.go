package external

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"subledger/internal/types"
)

func newTestAnalyticsClient(t *testing.T, serverURL string) *AnalyticsClient {
	t.Helper()
	base := NewBaseClient(
		&http.Client{Timeout: 5 * time.Second},
		"test-analytics",
		RetryPolicy{
			MaxRetries: 0,
			MinWait:    1 * time.Millisecond,
			MaxWait:    10 * time.Millisecond,
		},
		"Subledger-Test/1.0",
		WithSleepFunc(noopSleep),
	)

	return NewAnalyticsClientWithBase(base, AnalyticsClientConfig{
		Endpoint: serverURL,
		WriteKey: "wk_test_123",
	})
}

func TestTrack_PostsEventWithAuth(t *testing.T) {
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/track" {
			t.Errorf("expected path /v1/track, got %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer wk_test_123" {
			t.Errorf("expected Bearer wk_test_123, got %q", auth)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("expected JSON content type, got %q", ct)
		}

		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("failed to decode body: %v", err)
		}

		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	client := newTestAnalyticsClient(t, server.URL)

	err := client.Track(context.Background(), "subscription_renewed", "org_42", map[string]any{
		"subscription_id": "sub_123",
		"amount_cents":    float64(4200),
	})
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if gotBody["event"] != "subscription_renewed" {
		t.Errorf("expected event subscription_renewed, got %v", gotBody["event"])
	}
	if gotBody["organization_id"] != "org_42" {
		t.Errorf("expected organization_id org_42, got %v", gotBody["organization_id"])
	}
	props, ok := gotBody["properties"].(map[string]any)
	if !ok {
		t.Fatalf("expected properties object, got %T", gotBody["properties"])
	}
	if props["subscription_id"] != "sub_123" {
		t.Errorf("expected subscription_id property, got %v", props["subscription_id"])
	}
	if _, hasTS := gotBody["timestamp"]; !hasTS {
		t.Error("expected timestamp in payload")
	}
}

func TestTrack_OmitsEmptyProperties(t *testing.T) {
	var rawBody map[string]json.RawMessage
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&rawBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := newTestAnalyticsClient(t, server.URL)

	if err := client.Track(context.Background(), "account_updated", "org_42", nil); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if _, present := rawBody["properties"]; present {
		t.Error("expected properties to be omitted when nil")
	}
}

func TestTrack_CollectorRejectionMapsToUpstreamAnalytics(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(map[string]string{"error": "unknown write key"})
	}))
	defer server.Close()

	client := newTestAnalyticsClient(t, server.URL)

	err := client.Track(context.Background(), "account_updated", "org_42", nil)
	if err == nil {
		t.Fatal("expected error, got nil")
	}

	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected *types.AppError, got %T: %v", err, err)
	}
	if appErr.Code != types.ErrCodeUpstreamAnalytics {
		t.Errorf("expected code %s, got %s", types.ErrCodeUpstreamAnalytics, appErr.Code)
	}
}

func TestTrack_ServerErrorPassesThroughBaseClientCode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := newTestAnalyticsClient(t, server.URL)

	err := client.Track(context.Background(), "account_updated", "org_42", nil)
	if err == nil {
		t.Fatal("expected error, got nil")
	}

	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected *types.AppError, got %T: %v", err, err)
	}
	if appErr.Code != types.ErrCodeUpstreamUnavailable {
		t.Errorf("expected code %s, got %s", types.ErrCodeUpstreamUnavailable, appErr.Code)
	}
}

func TestTrack_EndpointTrailingSlashTrimmed(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	base := NewBaseClient(
		&http.Client{Timeout: 5 * time.Second},
		"test-analytics-slash",
		RetryPolicy{MaxRetries: 0, MinWait: time.Millisecond, MaxWait: time.Millisecond},
		"Subledger-Test/1.0",
		WithSleepFunc(noopSleep),
	)
	client := NewAnalyticsClientWithBase(base, AnalyticsClientConfig{
		Endpoint: server.URL + "/",
		WriteKey: "wk",
	})

	if err := client.Track(context.Background(), "e", "org", nil); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if gotPath != "/v1/track" {
		t.Errorf("expected path /v1/track, got %q", gotPath)
	}
}
