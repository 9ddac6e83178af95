package external

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"subledger/internal/types"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

// stripeAPIBase is the default Stripe API base URL.
// Overridable in tests via StripeClientConfig.BaseURL.
const stripeAPIBase = "https://api.stripe.com"

// StripeClientConfig holds the configuration for creating a StripeClient.
type StripeClientConfig struct {
	SecretKey string
	BaseURL   string // Override for testing; defaults to stripeAPIBase
	Logger    *slog.Logger
}

// StripeClient implements StripeAPI with direct HTTP calls to the Stripe REST
// API through BaseClient: form-encoded requests, bearer auth, a pinned
// Stripe-Version header, and the shared circuit breaker and retry behavior.
// Going through BaseClient also makes every operation testable against a
// plain httptest server.
type StripeClient struct {
	base      *BaseClient
	secretKey string
	baseURL   string
	logger    *slog.Logger
}

// NewStripeClient creates a StripeClient with Stripe-specific retry tuning.
// The httpClient should carry a timeout of around 20 seconds so a slow Stripe
// call cannot pin a worker slot indefinitely.
func NewStripeClient(httpClient *http.Client, cfg StripeClientConfig) *StripeClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = stripeAPIBase
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	base := NewBaseClient(
		httpClient,
		"stripe",
		RetryPolicy{
			MaxRetries: 2,
			MinWait:    500 * time.Millisecond,
			MaxWait:    5 * time.Second,
		},
		"Subledger/1.0",
		WithSleepFunc(time.Sleep),
	)

	return &StripeClient{
		base:      base,
		secretKey: cfg.SecretKey,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		logger:    logger,
	}
}

// NewStripeClientWithBase creates a StripeClient with a pre-configured
// BaseClient. Tests use this to disable retries for deterministic behavior.
func NewStripeClientWithBase(base *BaseClient, cfg StripeClientConfig) *StripeClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = stripeAPIBase
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &StripeClient{
		base:      base,
		secretKey: cfg.SecretKey,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		logger:    logger,
	}
}

// ---------------------------------------------------------------------------
// StripeAPI Implementation
// ---------------------------------------------------------------------------

// GetAccount fetches a connected account. The account's metadata carries the
// organization_id the deauthorization flow resolves against.
func (s *StripeClient) GetAccount(ctx context.Context, accountID string) (*StripeAccount, error) {
	resp, err := s.doGet(ctx, "/v1/accounts/"+url.PathEscape(accountID), nil)
	if err != nil {
		return nil, s.wrapStripeError("GetAccount", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.handleErrorResponse(resp, "GetAccount")
	}

	var account StripeAccount
	if err := json.NewDecoder(resp.Body).Decode(&account); err != nil {
		return nil, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe account response",
			err,
		)
	}

	return &account, nil
}

// GetSubscription fetches a subscription. Stripe embeds the first page of
// items inline, which covers every subscription we manage.
func (s *StripeClient) GetSubscription(ctx context.Context, subscriptionID string) (*StripeSubscription, error) {
	resp, err := s.doGet(ctx, "/v1/subscriptions/"+url.PathEscape(subscriptionID), nil)
	if err != nil {
		return nil, s.wrapStripeError("GetSubscription", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.handleErrorResponse(resp, "GetSubscription")
	}

	var sub StripeSubscription
	if err := json.NewDecoder(resp.Body).Decode(&sub); err != nil {
		return nil, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe subscription response",
			err,
		)
	}

	return &sub, nil
}

// ListSubscriptionItems returns the items of a subscription. A single page
// of 100 is more than Stripe permits items per subscription, so no paging
// loop is needed.
func (s *StripeClient) ListSubscriptionItems(ctx context.Context, subscriptionID string) ([]StripeSubscriptionItem, error) {
	params := url.Values{}
	params.Set("subscription", subscriptionID)
	params.Set("limit", "100")

	resp, err := s.doGet(ctx, "/v1/subscription_items", params)
	if err != nil {
		return nil, s.wrapStripeError("ListSubscriptionItems", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.handleErrorResponse(resp, "ListSubscriptionItems")
	}

	var list StripeSubscriptionItemList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe subscription item list",
			err,
		)
	}

	return list.Data, nil
}

// CreateSubscriptionItem adds an item to a subscription under an
// Idempotency-Key, so the retry loop cannot produce duplicate items.
func (s *StripeClient) CreateSubscriptionItem(ctx context.Context, input CreateSubscriptionItemInput) (*StripeSubscriptionItem, error) {
	params := url.Values{}
	params.Set("subscription", input.SubscriptionID)
	params.Set("price", input.PriceID)

	resp, err := s.doPost(ctx, "/v1/subscription_items", params, input.IdempotencyKey)
	if err != nil {
		return nil, s.wrapStripeError("CreateSubscriptionItem", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.handleErrorResponse(resp, "CreateSubscriptionItem")
	}

	var item StripeSubscriptionItem
	if err := json.NewDecoder(resp.Body).Decode(&item); err != nil {
		return nil, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe subscription item response",
			err,
		)
	}

	s.logger.InfoContext(ctx, "stripe subscription item created",
		"subscription_id", input.SubscriptionID,
		"item_id", item.ID,
		"price_id", input.PriceID,
	)

	return &item, nil
}

// CreateUsageRecord reports a usage quantity against a metered subscription
// item with action=increment. The Idempotency-Key makes a replayed report a
// no-op on Stripe's side.
func (s *StripeClient) CreateUsageRecord(ctx context.Context, input CreateUsageRecordInput) error {
	params := url.Values{}
	params.Set("quantity", strconv.FormatInt(input.Quantity, 10))
	params.Set("timestamp", strconv.FormatInt(input.Timestamp.Unix(), 10))
	params.Set("action", "increment")

	path := "/v1/subscription_items/" + url.PathEscape(input.SubscriptionItemID) + "/usage_records"
	resp, err := s.doPost(ctx, path, params, input.IdempotencyKey)
	if err != nil {
		return s.wrapStripeError("CreateUsageRecord", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return s.handleErrorResponse(resp, "CreateUsageRecord")
	}

	// The response body repeats the inputs; draining it keeps the
	// connection reusable.
	io.Copy(io.Discard, resp.Body)

	return nil
}

// ---------------------------------------------------------------------------
// HTTP Helpers
// ---------------------------------------------------------------------------

// doGet performs an authenticated GET request to the Stripe API.
func (s *StripeClient) doGet(ctx context.Context, path string, params url.Values) (*http.Response, error) {
	reqURL := s.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	s.setAuthHeaders(req)

	return s.base.Do(req)
}

// doPost performs an authenticated POST to the Stripe API with a
// form-encoded body. A non-empty idempotencyKey is attached as the
// Idempotency-Key header.
func (s *StripeClient) doPost(ctx context.Context, path string, params url.Values, idempotencyKey string) (*http.Response, error) {
	reqURL := s.baseURL + path
	body := params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, strings.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	s.setAuthHeaders(req)

	return s.base.Do(req)
}

// setAuthHeaders sets the Stripe API authentication and version headers.
func (s *StripeClient) setAuthHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+s.secretKey)
	req.Header.Set("Stripe-Version", stripe.APIVersion)
}

// ---------------------------------------------------------------------------
// Error Handling
// ---------------------------------------------------------------------------

// stripeErrorResponse represents the JSON error body returned by the Stripe API.
type stripeErrorResponse struct {
	Error stripeErrorBody `json:"error"`
}

type stripeErrorBody struct {
	Type        string `json:"type"`
	Code        string `json:"code"`
	DeclineCode string `json:"decline_code"`
	Message     string `json:"message"`
	Param       string `json:"param"`
	DocURL      string `json:"doc_url"`
}

// handleErrorResponse reads a Stripe error response and maps it to a
// types.AppError.
func (s *StripeClient) handleErrorResponse(resp *http.Response, operation string) error {
	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return types.NewAppError(
			types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe returned status %d and response body was unreadable", operation, resp.StatusCode),
			readErr,
		)
	}

	var stripeErr stripeErrorResponse
	if jsonErr := json.Unmarshal(body, &stripeErr); jsonErr != nil {
		return types.NewAppError(
			types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe returned status %d with non-JSON body", operation, resp.StatusCode),
			jsonErr,
		)
	}

	return s.mapStripeError(operation, resp.StatusCode, notFoundCodeFor(resp.Request), &stripeErr.Error)
}

// notFoundCodeFor picks the not-found code matching the resource a request
// addressed. Account paths resolve to the account code; everything else the
// client touches is subscription-shaped.
func notFoundCodeFor(req *http.Request) types.ErrorCode {
	if req != nil && strings.Contains(req.URL.Path, "/accounts/") {
		return types.ErrCodeNotFoundAccount
	}
	return types.ErrCodeNotFoundSubscription
}

// mapStripeError translates a Stripe error body into a types.AppError.
func (s *StripeClient) mapStripeError(operation string, statusCode int, notFound types.ErrorCode, stripeErr *stripeErrorBody) error {
	// Card declines carry their decline_code in the error details.
	if stripeErr.Code == "card_declined" || stripeErr.DeclineCode != "" {
		return types.NewAppErrorWithDetails(
			types.ErrCodePaymentDeclined,
			fmt.Sprintf("%s: payment declined: %s", operation, stripeErr.Message),
			nil,
			map[string]any{
				"decline_code": stripeErr.DeclineCode,
				"stripe_code":  stripeErr.Code,
			},
		)
	}

	switch {
	case statusCode == http.StatusTooManyRequests:
		return types.NewAppError(
			types.ErrCodeUpstreamRateLimited,
			fmt.Sprintf("%s: Stripe rate limit exceeded", operation),
			nil,
		)
	case statusCode >= 500:
		return types.NewAppError(
			types.ErrCodeUpstreamUnavailable,
			fmt.Sprintf("%s: Stripe server error: %s", operation, stripeErr.Message),
			nil,
		)
	case statusCode == http.StatusNotFound:
		return types.NewAppError(
			notFound,
			fmt.Sprintf("%s: Stripe resource not found: %s", operation, stripeErr.Message),
			nil,
		)
	default:
		return types.NewAppError(
			types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe error (%d): %s", operation, statusCode, stripeErr.Message),
			nil,
		)
	}
}

// wrapStripeError wraps a BaseClient transport error with operation context.
func (s *StripeClient) wrapStripeError(operation string, err error) error {
	// AppErrors from BaseClient (open breaker, exhausted retries) already
	// carry the right code; pass them through unchanged.
	if _, ok := err.(*types.AppError); ok {
		return err
	}
	return types.NewAppError(
		types.ErrCodeUpstreamStripe,
		fmt.Sprintf("%s: Stripe request failed: %v", operation, err),
		err,
	)
}

// ---------------------------------------------------------------------------
// Webhook Verification
// ---------------------------------------------------------------------------

// StripeVerifier implements WebhookVerifier using stripe-go's webhook
// signature validation: HMAC-SHA256 over the raw payload with the default
// timestamp tolerance, constant-time comparison included.
type StripeVerifier struct{}

// Verify validates a Stripe-Signature header against the raw payload. An
// empty secret is a deployment fault and fails closed; it never degrades
// into accepting unsigned traffic.
func (v *StripeVerifier) Verify(payload []byte, header string, secret string) error {
	if secret == "" {
		return types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"webhook signing secret is not configured",
			nil,
		)
	}
	if header == "" {
		return types.NewAppError(
			types.ErrCodeMissingSignature,
			"request carries no Stripe-Signature header",
			nil,
		)
	}
	if err := webhook.ValidatePayload(payload, header, secret); err != nil {
		return types.NewAppError(
			types.ErrCodeInvalidSignature,
			"webhook signature verification failed",
			err,
		)
	}
	return nil
}

// Compile-time assertions for the interfaces this file implements.
var (
	_ StripeAPI       = (*StripeClient)(nil)
	_ WebhookVerifier = (*StripeVerifier)(nil)
)
