package external

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"subledger/internal/types"
)

// Stub implementations for local development and tests. They are wired in
// when APP_ENV=local so the stack runs without Stripe keys, SES sending
// rights, or a collector write key. Every stub logs what it would have done
// and returns a safe default.

// ---------------------------------------------------------------------------
// StubWebhookVerifier
// ---------------------------------------------------------------------------

// StubWebhookVerifier implements WebhookVerifier by accepting every payload.
// Local use only; production wiring always installs StripeVerifier.
type StubWebhookVerifier struct {
	logger *slog.Logger
}

// NewStubWebhookVerifier creates a new StubWebhookVerifier.
func NewStubWebhookVerifier(logger *slog.Logger) *StubWebhookVerifier {
	return &StubWebhookVerifier{logger: logger}
}

func (s *StubWebhookVerifier) Verify(payload []byte, header string, secret string) error {
	s.logger.Warn("stub verifier accepted webhook without signature check",
		"payload_bytes", len(payload),
	)
	return nil
}

// ---------------------------------------------------------------------------
// StubEmailSender
// ---------------------------------------------------------------------------

// StubEmailSender implements types.EmailSender by logging the message
// instead of delivering it.
type StubEmailSender struct {
	logger *slog.Logger
}

// NewStubEmailSender creates a new StubEmailSender.
func NewStubEmailSender(logger *slog.Logger) *StubEmailSender {
	return &StubEmailSender{logger: logger}
}

func (s *StubEmailSender) Send(ctx context.Context, to []string, subject, textBody string) (string, error) {
	msgID := "stub-" + uuid.NewString()
	s.logger.InfoContext(ctx, "stub email send",
		"to", to,
		"subject", subject,
		"body_bytes", len(textBody),
		"message_id", msgID,
	)
	return msgID, nil
}

// ---------------------------------------------------------------------------
// StubAnalyticsTracker
// ---------------------------------------------------------------------------

// StubAnalyticsTracker implements types.AnalyticsTracker by logging the
// track call.
type StubAnalyticsTracker struct {
	logger *slog.Logger
}

// NewStubAnalyticsTracker creates a new StubAnalyticsTracker.
func NewStubAnalyticsTracker(logger *slog.Logger) *StubAnalyticsTracker {
	return &StubAnalyticsTracker{logger: logger}
}

func (s *StubAnalyticsTracker) Track(ctx context.Context, event string, organizationID string, properties map[string]any) error {
	s.logger.InfoContext(ctx, "stub analytics track",
		"event", event,
		"organization_id", organizationID,
		"properties", len(properties),
	)
	return nil
}

// ---------------------------------------------------------------------------
// StubIdentityProvider
// ---------------------------------------------------------------------------

// StubIdentityProvider implements types.IdentityProvider with a fixed local
// organization: one admin who is also the billing contact, one member.
type StubIdentityProvider struct {
	logger *slog.Logger
}

// NewStubIdentityProvider creates a new StubIdentityProvider.
func NewStubIdentityProvider(logger *slog.Logger) *StubIdentityProvider {
	return &StubIdentityProvider{logger: logger}
}

func (s *StubIdentityProvider) VerifySession(ctx context.Context, header http.Header) (*types.Session, error) {
	s.logger.InfoContext(ctx, "stub session verification")
	return &types.Session{
		UserID:         "user_local",
		OrganizationID: "org_local",
		ExpiresAt:      time.Now().UTC().Add(24 * time.Hour),
	}, nil
}

func (s *StubIdentityProvider) ListMembers(ctx context.Context, organizationID string) ([]types.Member, error) {
	s.logger.InfoContext(ctx, "stub member listing", "organization_id", organizationID)
	return []types.Member{
		{UserID: "user_local", Email: "owner@example.test", Role: "admin", Billing: true},
		{UserID: "user_local_2", Email: "dev@example.test", Role: "member", Billing: false},
	}, nil
}

// ---------------------------------------------------------------------------
// StubStripeAPI
// ---------------------------------------------------------------------------

// StubStripeAPI implements StripeAPI with canned responses: every account is
// fully enabled and every subscription is active with one metered item.
type StubStripeAPI struct {
	logger *slog.Logger
}

// NewStubStripeAPI creates a new StubStripeAPI.
func NewStubStripeAPI(logger *slog.Logger) *StubStripeAPI {
	return &StubStripeAPI{logger: logger}
}

func (s *StubStripeAPI) GetAccount(ctx context.Context, accountID string) (*StripeAccount, error) {
	s.logger.InfoContext(ctx, "stub stripe get account", "account_id", accountID)
	return &StripeAccount{
		ID:               accountID,
		ChargesEnabled:   true,
		PayoutsEnabled:   true,
		DetailsSubmitted: true,
		Metadata:         map[string]string{"organization_id": "org_local"},
	}, nil
}

func (s *StubStripeAPI) GetSubscription(ctx context.Context, subscriptionID string) (*StripeSubscription, error) {
	s.logger.InfoContext(ctx, "stub stripe get subscription", "subscription_id", subscriptionID)
	return &StripeSubscription{
		ID:               subscriptionID,
		Customer:         "cus_local",
		Status:           "active",
		CurrentPeriodEnd: time.Now().UTC().Add(30 * 24 * time.Hour).Unix(),
		Items: StripeSubscriptionItemList{
			Data: []StripeSubscriptionItem{stubMeteredItem()},
		},
	}, nil
}

func (s *StubStripeAPI) ListSubscriptionItems(ctx context.Context, subscriptionID string) ([]StripeSubscriptionItem, error) {
	s.logger.InfoContext(ctx, "stub stripe list subscription items", "subscription_id", subscriptionID)
	return []StripeSubscriptionItem{stubMeteredItem()}, nil
}

func (s *StubStripeAPI) CreateSubscriptionItem(ctx context.Context, input CreateSubscriptionItemInput) (*StripeSubscriptionItem, error) {
	s.logger.InfoContext(ctx, "stub stripe create subscription item",
		"subscription_id", input.SubscriptionID,
		"price_id", input.PriceID,
	)
	item := stubMeteredItem()
	item.Price.ID = input.PriceID
	return &item, nil
}

func (s *StubStripeAPI) CreateUsageRecord(ctx context.Context, input CreateUsageRecordInput) error {
	s.logger.InfoContext(ctx, "stub stripe create usage record",
		"subscription_item_id", input.SubscriptionItemID,
		"quantity", input.Quantity,
	)
	return nil
}

func stubMeteredItem() StripeSubscriptionItem {
	return StripeSubscriptionItem{
		ID: "si_local",
		Price: StripePrice{
			ID:        "price_local_metered",
			Recurring: StripePriceRecurring{Interval: "month", UsageType: "metered"},
		},
	}
}

// ---------------------------------------------------------------------------
// Interface Compliance
// ---------------------------------------------------------------------------

var (
	_ WebhookVerifier        = (*StubWebhookVerifier)(nil)
	_ types.EmailSender      = (*StubEmailSender)(nil)
	_ types.AnalyticsTracker = (*StubAnalyticsTracker)(nil)
	_ types.IdentityProvider = (*StubIdentityProvider)(nil)
	_ StripeAPI              = (*StubStripeAPI)(nil)
)
