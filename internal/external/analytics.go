package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"subledger/internal/types"
)

// AnalyticsClientConfig holds the configuration for creating an
// AnalyticsClient.
type AnalyticsClientConfig struct {
	// Endpoint is the collector's base URL; track calls POST to
	// {Endpoint}/v1/track.
	Endpoint string
	// WriteKey authenticates against the collector.
	WriteKey string
	Logger   *slog.Logger
}

// AnalyticsClient implements types.AnalyticsTracker by posting JSON track
// calls to the product analytics collector through BaseClient. Analytics is
// advisory: callers treat a failed Track as a retryable side effect, never
// as a pipeline fault.
type AnalyticsClient struct {
	base     *BaseClient
	endpoint string
	writeKey string
	logger   *slog.Logger
}

// NewAnalyticsClient creates an AnalyticsClient with collector-specific
// retry tuning.
func NewAnalyticsClient(httpClient *http.Client, cfg AnalyticsClientConfig) *AnalyticsClient {
	base := NewBaseClient(
		httpClient,
		"analytics",
		RetryPolicy{
			MaxRetries: 2,
			MinWait:    500 * time.Millisecond,
			MaxWait:    5 * time.Second,
		},
		"Subledger/1.0",
		WithSleepFunc(time.Sleep),
	)

	return newAnalyticsClient(base, cfg)
}

// NewAnalyticsClientWithBase creates an AnalyticsClient with a
// pre-configured BaseClient for tests.
func NewAnalyticsClientWithBase(base *BaseClient, cfg AnalyticsClientConfig) *AnalyticsClient {
	return newAnalyticsClient(base, cfg)
}

func newAnalyticsClient(base *BaseClient, cfg AnalyticsClientConfig) *AnalyticsClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &AnalyticsClient{
		base:     base,
		endpoint: strings.TrimSuffix(cfg.Endpoint, "/"),
		writeKey: cfg.WriteKey,
		logger:   logger,
	}
}

// trackPayload is the collector's track call body.
type trackPayload struct {
	Event          string         `json:"event"`
	OrganizationID string         `json:"organization_id"`
	Properties     map[string]any `json:"properties,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
}

// Track forwards one event to the collector. The collector acknowledges with
// 200 or 202; anything else maps to an upstream analytics error.
func (a *AnalyticsClient) Track(ctx context.Context, event string, organizationID string, properties map[string]any) error {
	payload := trackPayload{
		Event:          event,
		OrganizationID: organizationID,
		Properties:     properties,
		Timestamp:      time.Now().UTC(),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to marshal analytics track payload",
			err,
		)
	}

	reqURL := a.endpoint + "/v1/track"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(body))
	if err != nil {
		return types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to create analytics track request",
			err,
		)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.writeKey)

	resp, err := a.base.Do(req)
	if err != nil {
		return a.wrapAnalyticsError("Track", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusAccepted {
		io.Copy(io.Discard, resp.Body)
		return nil
	}

	return a.handleErrorResponse(resp, "Track")
}

// ---------------------------------------------------------------------------
// Error Handling
// ---------------------------------------------------------------------------

// analyticsErrorResponse is the JSON error body the collector returns.
type analyticsErrorResponse struct {
	Error string `json:"error"`
}

// handleErrorResponse reads a collector error response and maps it to a
// types.AppError.
func (a *AnalyticsClient) handleErrorResponse(resp *http.Response, operation string) error {
	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return types.NewAppError(
			types.ErrCodeUpstreamAnalytics,
			fmt.Sprintf("%s: collector returned status %d and response body was unreadable", operation, resp.StatusCode),
			readErr,
		)
	}

	var collErr analyticsErrorResponse
	errMsg := string(body)
	if jsonErr := json.Unmarshal(body, &collErr); jsonErr == nil && collErr.Error != "" {
		errMsg = collErr.Error
	}

	return types.NewAppError(
		types.ErrCodeUpstreamAnalytics,
		fmt.Sprintf("%s: collector error (%d): %s", operation, resp.StatusCode, errMsg),
		nil,
	)
}

// wrapAnalyticsError wraps a BaseClient transport error with context.
func (a *AnalyticsClient) wrapAnalyticsError(operation string, err error) error {
	if _, ok := err.(*types.AppError); ok {
		return err
	}
	return types.NewAppError(
		types.ErrCodeUpstreamAnalytics,
		fmt.Sprintf("%s: collector request failed: %v", operation, err),
		err,
	)
}

// Compile-time assertion that AnalyticsClient satisfies types.AnalyticsTracker.
var _ types.AnalyticsTracker = (*AnalyticsClient)(nil)
