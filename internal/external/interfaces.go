package external

import (
	"context"
	"time"
)

// ---------------------------------------------------------------------------
// Webhook Verification
// ---------------------------------------------------------------------------

// WebhookVerifier checks the signature header of an inbound webhook against
// the raw payload. Verification runs on the exact bytes read from the wire,
// before any JSON decoding.
type WebhookVerifier interface {
	Verify(payload []byte, header string, secret string) error
}

// ---------------------------------------------------------------------------
// Stripe REST API
// ---------------------------------------------------------------------------

// StripeAPI is the outbound Stripe surface the billing services depend on.
// It exists for enrichment and usage reporting only; webhook payloads are
// never re-fetched through it.
type StripeAPI interface {
	// GetAccount fetches a connected account, including its metadata and
	// requirements block.
	GetAccount(ctx context.Context, accountID string) (*StripeAccount, error)

	// GetSubscription fetches a subscription with its items expanded inline.
	GetSubscription(ctx context.Context, subscriptionID string) (*StripeSubscription, error)

	// ListSubscriptionItems returns the items of a subscription.
	ListSubscriptionItems(ctx context.Context, subscriptionID string) ([]StripeSubscriptionItem, error)

	// CreateSubscriptionItem adds an item to a subscription. The call is
	// sent with an Idempotency-Key so a retried request cannot create a
	// duplicate item.
	CreateSubscriptionItem(ctx context.Context, input CreateSubscriptionItemInput) (*StripeSubscriptionItem, error)

	// CreateUsageRecord reports a usage quantity against a metered
	// subscription item, also under an Idempotency-Key.
	CreateUsageRecord(ctx context.Context, input CreateUsageRecordInput) error
}

// CreateSubscriptionItemInput carries the parameters for adding an item to an
// existing subscription.
type CreateSubscriptionItemInput struct {
	SubscriptionID string
	PriceID        string
	// IdempotencyKey deduplicates retried create calls on Stripe's side.
	IdempotencyKey string
}

// CreateUsageRecordInput carries one usage report for a metered item. The
// quantity is always recorded with action=increment.
type CreateUsageRecordInput struct {
	SubscriptionItemID string
	Quantity           int64
	Timestamp          time.Time
	IdempotencyKey     string
}

// ---------------------------------------------------------------------------
// Stripe Resource Shapes
// ---------------------------------------------------------------------------

// StripeAccount is the slice of a Stripe connected account the pipeline
// reads: capability flags, the requirements block, and metadata (which holds
// the reverse mapping to our organization ID).
type StripeAccount struct {
	ID               string                    `json:"id"`
	ChargesEnabled   bool                      `json:"charges_enabled"`
	PayoutsEnabled   bool                      `json:"payouts_enabled"`
	DetailsSubmitted bool                      `json:"details_submitted"`
	Requirements     StripeAccountRequirements `json:"requirements"`
	Metadata         map[string]string         `json:"metadata"`
}

// StripeAccountRequirements describes why an account is restricted and what
// Stripe still needs from it.
type StripeAccountRequirements struct {
	DisabledReason string   `json:"disabled_reason"`
	CurrentlyDue   []string `json:"currently_due"`
}

// StripeSubscription is a subscription with its items embedded, as the
// subscriptions endpoint returns them.
type StripeSubscription struct {
	ID                string                     `json:"id"`
	Customer          string                     `json:"customer"`
	Status            string                     `json:"status"`
	CurrentPeriodEnd  int64                      `json:"current_period_end"`
	CancelAtPeriodEnd bool                       `json:"cancel_at_period_end"`
	Items             StripeSubscriptionItemList `json:"items"`
	Metadata          map[string]string          `json:"metadata"`
}

// StripeSubscriptionItemList is the embedded list object Stripe nests under
// a subscription's items field.
type StripeSubscriptionItemList struct {
	Data    []StripeSubscriptionItem `json:"data"`
	HasMore bool                     `json:"has_more"`
}

// StripeSubscriptionItem is one line of a subscription.
type StripeSubscriptionItem struct {
	ID    string      `json:"id"`
	Price StripePrice `json:"price"`
}

// StripePrice carries the price fields the pipeline inspects. Recurring
// distinguishes metered prices from licensed ones.
type StripePrice struct {
	ID        string               `json:"id"`
	Nickname  string               `json:"nickname"`
	Recurring StripePriceRecurring `json:"recurring"`
}

// StripePriceRecurring is the recurring block of a price.
type StripePriceRecurring struct {
	Interval  string `json:"interval"`
	UsageType string `json:"usage_type"`
}

// PeriodEnd returns the subscription's current period end as a UTC time.
func (s *StripeSubscription) PeriodEnd() time.Time {
	return time.Unix(s.CurrentPeriodEnd, 0).UTC()
}

// MeteredItem returns the first subscription item whose price is metered,
// or nil when the subscription has none.
func (s *StripeSubscription) MeteredItem() *StripeSubscriptionItem {
	for i := range s.Items.Data {
		if s.Items.Data[i].Price.Recurring.UsageType == "metered" {
			return &s.Items.Data[i]
		}
	}
	return nil
}
