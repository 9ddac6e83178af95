package types

import "time"

// Domain event payloads. The billing services construct these when
// publishing; bus consumers decode them. JSON tags are snake_case and part
// of the audit trail format: rows already written must keep parsing, so
// renaming a key is a breaking change.

// AccountEventPayload is the payload of billing.account.* events.
type AccountEventPayload struct {
	AccountID        string `json:"account_id"`
	OrganizationID   string `json:"organization_id,omitempty"`
	ChargesEnabled   bool   `json:"charges_enabled"`
	PayoutsEnabled   bool   `json:"payouts_enabled"`
	DetailsSubmitted bool   `json:"details_submitted"`
	DisabledReason   string `json:"disabled_reason,omitempty"`
}

// PlanEventPayload is the payload of billing.plan.* events.
type PlanEventPayload struct {
	PriceID    string `json:"price_id"`
	ProductID  string `json:"product_id,omitempty"`
	Nickname   string `json:"nickname,omitempty"`
	UnitAmount int64  `json:"unit_amount"`
	Currency   string `json:"currency"`
	Interval   string `json:"interval,omitempty"`
	UsageType  string `json:"usage_type,omitempty"`
	Active     bool   `json:"active"`
}

// SubscriptionEventPayload is the payload of billing.subscription.changed.
type SubscriptionEventPayload struct {
	SubscriptionID   string             `json:"subscription_id"`
	OrganizationID   string             `json:"organization_id"`
	PriceID          string             `json:"price_id,omitempty"`
	Status           SubscriptionStatus `json:"status"`
	PreviousStatus   SubscriptionStatus `json:"previous_status,omitempty"`
	CurrentPeriodEnd *time.Time         `json:"current_period_end,omitempty"`
	MeteredItemID    string             `json:"metered_item_id,omitempty"`
}

// PaymentEventPayload is the payload of billing.payment.* and
// billing.payout.* events.
type PaymentEventPayload struct {
	PaymentID      string         `json:"payment_id"`
	Kind           PaymentKind    `json:"kind"`
	OrganizationID string         `json:"organization_id,omitempty"`
	Amount         int64          `json:"amount"`
	Currency       string         `json:"currency"`
	Outcome        PaymentOutcome `json:"outcome"`
	FailureMessage string         `json:"failure_message,omitempty"`

	// Final marks a failure the processor will not retry again: dunning is
	// exhausted and recovery requires customer or operator action.
	Final bool `json:"final,omitempty"`
}

// UsageReportedPayload is the payload of billing.usage.reported.
type UsageReportedPayload struct {
	OrganizationID     string      `json:"organization_id"`
	Metric             UsageMetric `json:"metric"`
	Quantity           int64       `json:"quantity"`
	SubscriptionItemID string      `json:"subscription_item_id,omitempty"`
}
