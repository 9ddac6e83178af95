package types

import (
	"encoding/json"
	"time"
)

// WebhookEvent is the durable record of one inbound processor notification.
// Exactly one row exists per external event id; that uniqueness is the
// serialization point that turns at-least-once delivery into
// exactly-once-effect processing.
type WebhookEvent struct {
	ID         string `json:"id" db:"id"`
	ExternalID string `json:"external_id" db:"external_id"`

	// Classification
	EventType WebhookEventType `json:"event_type" db:"event_type"`
	Endpoint  WebhookEndpoint  `json:"endpoint" db:"endpoint"`

	// Original delivery, kept verbatim for audit and re-verification.
	Payload json.RawMessage `json:"payload" db:"payload"`
	Headers JSONMap         `json:"headers,omitempty" db:"headers"`

	// Processing state. All worker mutations are conditional on
	// processed = FALSE; a processed row is immutable.
	Processed   bool       `json:"processed" db:"processed"`
	ProcessedAt *time.Time `json:"processed_at,omitempty" db:"processed_at"`
	RetryCount  int        `json:"retry_count" db:"retry_count"`
	LastError   string     `json:"last_error,omitempty" db:"last_error"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty" db:"next_retry_at"`

	ReceivedAt time.Time  `json:"received_at" db:"received_at"`
	ArchivedAt *time.Time `json:"archived_at,omitempty" db:"archived_at"`
}

// State derives the operator-facing read-model state from the row columns.
// maxRetries is the worker's configured retry ceiling: a row that failed and
// has no further retry scheduled once the ceiling is reached is dead.
func (e *WebhookEvent) State(maxRetries int) WebhookEventState {
	switch {
	case e.Processed:
		return EventStateProcessed
	case e.LastError != "" && e.NextRetryAt == nil && e.RetryCount >= maxRetries:
		return EventStateDead
	case e.LastError != "":
		return EventStateFailed
	default:
		return EventStatePending
	}
}

// Actor identifies who or what caused a domain event.
type Actor struct {
	ID             string    `json:"id"`
	Type           ActorType `json:"type"`
	OrganizationID string    `json:"organization_id,omitempty"`
}

// EventMetadata carries non-payload context on a DomainEvent.
type EventMetadata struct {
	Source        string `json:"source"`
	Environment   string `json:"environment,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// DomainEvent is a normalized internal fact published on the event bus after
// a state change. Immutable once published; persisted for audit and replay
// even when no subscriber is registered. RetryCount and LastError track
// side-effect delivery bookkeeping only, never the fact itself.
type DomainEvent struct {
	ID             string          `json:"id" db:"id"`
	Type           DomainEventType `json:"type" db:"event_type"`
	Version        int             `json:"version" db:"version"`
	Actor          Actor           `json:"actor" db:"-"`
	OrganizationID string          `json:"organization_id,omitempty" db:"organization_id"`
	Payload        json.RawMessage `json:"payload" db:"payload"`
	Metadata       EventMetadata   `json:"metadata" db:"-"`
	OccurredAt     time.Time       `json:"occurred_at" db:"occurred_at"`

	// Side-effect delivery bookkeeping.
	RetryCount int    `json:"retry_count" db:"retry_count"`
	LastError  string `json:"last_error,omitempty" db:"last_error"`
}

// ConnectedAccount projects a processor connected account's onboarding
// state. Keyed by the processor's account id; LastEventAt guards against
// out-of-order webhook application.
type ConnectedAccount struct {
	AccountID        string     `json:"account_id" db:"account_id"`
	OrganizationID   string     `json:"organization_id" db:"organization_id"`
	ChargesEnabled   bool       `json:"charges_enabled" db:"charges_enabled"`
	PayoutsEnabled   bool       `json:"payouts_enabled" db:"payouts_enabled"`
	DetailsSubmitted bool       `json:"details_submitted" db:"details_submitted"`
	DisabledReason   string     `json:"disabled_reason,omitempty" db:"disabled_reason"`
	DeauthorizedAt   *time.Time `json:"deauthorized_at,omitempty" db:"deauthorized_at"`
	LastEventAt      time.Time  `json:"last_event_at" db:"last_event_at"`
	UpdatedAt        time.Time  `json:"updated_at" db:"updated_at"`
}

// Plan is one entry in the catalog synced from the processor's price
// lifecycle events. Keyed by the processor price id.
type Plan struct {
	PriceID     string    `json:"price_id" db:"price_id"`
	ProductID   string    `json:"product_id" db:"product_id"`
	Nickname    string    `json:"nickname,omitempty" db:"nickname"`
	UnitAmount  int64     `json:"unit_amount" db:"unit_amount"`
	Currency    string    `json:"currency" db:"currency"`
	Interval    string    `json:"interval,omitempty" db:"billing_interval"`
	UsageType   string    `json:"usage_type" db:"usage_type"`
	Active      bool      `json:"active" db:"active"`
	LastEventAt time.Time `json:"last_event_at" db:"last_event_at"`
	SyncedAt    time.Time `json:"synced_at" db:"synced_at"`
}

// OrgSubscription projects an organization's current subscription state.
type OrgSubscription struct {
	OrganizationID   string             `json:"organization_id" db:"organization_id"`
	SubscriptionID   string             `json:"subscription_id" db:"subscription_id"`
	PriceID          string             `json:"price_id" db:"price_id"`
	Status           SubscriptionStatus `json:"status" db:"status"`
	CurrentPeriodEnd *time.Time         `json:"current_period_end,omitempty" db:"current_period_end"`
	MeteredItemID    string             `json:"metered_item_id,omitempty" db:"metered_item_id"`
	LastEventAt      time.Time          `json:"last_event_at" db:"last_event_at"`
	UpdatedAt        time.Time          `json:"updated_at" db:"updated_at"`
}

// PaymentRecord mirrors the terminal outcome of one processor payment
// object (payment intent, charge refund, or payout).
type PaymentRecord struct {
	PaymentID      string         `json:"payment_id" db:"payment_id"`
	Kind           PaymentKind    `json:"kind" db:"kind"`
	OrganizationID string         `json:"organization_id,omitempty" db:"organization_id"`
	Amount         int64          `json:"amount" db:"amount"`
	Currency       string         `json:"currency" db:"currency"`
	Outcome        PaymentOutcome `json:"outcome" db:"outcome"`
	FailureMessage string         `json:"failure_message,omitempty" db:"failure_message"`
	OccurredAt     time.Time      `json:"occurred_at" db:"occurred_at"`
	LastEventAt    time.Time      `json:"last_event_at" db:"last_event_at"`
}

// UsageCounter accumulates metered usage per organization and metric.
// The reporter pushes accumulated-reported deltas to the processor and
// advances reported; both columns only ever grow.
type UsageCounter struct {
	OrganizationID string      `json:"organization_id" db:"organization_id"`
	Metric         UsageMetric `json:"metric" db:"metric"`
	Accumulated    int64       `json:"accumulated" db:"accumulated"`
	Reported       int64       `json:"reported" db:"reported"`
	UpdatedAt      time.Time   `json:"updated_at" db:"updated_at"`
}

// PendingDelta returns the usage not yet reported to the processor.
func (u *UsageCounter) PendingDelta() int64 {
	return u.Accumulated - u.Reported
}

// PayloadArchive is the manifest row for one batch of webhook payloads
// offloaded to object storage by the maintenance archiver.
type PayloadArchive struct {
	ID         string    `json:"id" db:"id"`
	Day        time.Time `json:"day" db:"day"`
	ObjectKey  string    `json:"object_key" db:"object_key"`
	EventCount int       `json:"event_count" db:"event_count"`
	ByteSize   int64     `json:"byte_size" db:"byte_size"`
	Digest     string    `json:"digest" db:"digest"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// Session is the identity provider's view of an authenticated request.
type Session struct {
	UserID         string    `json:"user_id"`
	OrganizationID string    `json:"organization_id"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// Member is one organization member as reported by the identity provider.
type Member struct {
	UserID  string `json:"user_id"`
	Email   string `json:"email"`
	Role    string `json:"role"`
	Billing bool   `json:"billing_contact"`
}
