package billing

import (
	"encoding/json"
	"time"

	"subledger/internal/types"
)

// Wire shapes for the processor payloads the billing services consume.
// We deliberately do not decode into stripe-go's full event types: each
// struct here declares only the fields a projection reads, so an SDK
// upgrade or an unrecognized field can never break event application.
// The stored webhook body is the source of truth; nothing here is ever
// re-fetched from the processor.

// stripeEventEnvelope is the outer event object common to every delivery.
// Account is only set on Connect deliveries and names the connected account
// the event originated from.
type stripeEventEnvelope struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created"`
	Account string          `json:"account"`
	Data    stripeEventData `json:"data"`
}

type stripeEventData struct {
	Object json.RawMessage `json:"object"`
}

// eventTime is the processor-side creation time of the event. Every
// last_event_at guard compares against this, never against receipt time,
// so redelivery order cannot reorder state.
func (e *stripeEventEnvelope) eventTime() time.Time {
	return time.Unix(e.Created, 0).UTC()
}

// object decodes the nested data.object into the given wire struct.
func (e *stripeEventEnvelope) object(v any) error {
	if err := json.Unmarshal(e.Data.Object, v); err != nil {
		return types.NewAppError(types.ErrCodeEventUnprocessable, "malformed event object", err)
	}
	return nil
}

// parseEnvelope decodes the stored webhook payload. A body that does not
// parse is permanently unprocessable; retrying cannot fix it.
func parseEnvelope(event *types.WebhookEvent) (*stripeEventEnvelope, error) {
	var env stripeEventEnvelope
	if err := json.Unmarshal(event.Payload, &env); err != nil {
		return nil, types.NewAppError(types.ErrCodeEventUnprocessable, "malformed webhook payload", err)
	}
	return &env, nil
}

// stripeAccountObj is the account object carried by account.updated.
type stripeAccountObj struct {
	ID               string `json:"id"`
	ChargesEnabled   bool   `json:"charges_enabled"`
	PayoutsEnabled   bool   `json:"payouts_enabled"`
	DetailsSubmitted bool   `json:"details_submitted"`
	Requirements     struct {
		DisabledReason string `json:"disabled_reason"`
	} `json:"requirements"`
	Metadata map[string]string `json:"metadata"`
}

// stripeCapabilityObj is the capability object carried by capability.updated.
// Only the owning account matters; the account's current state is fetched,
// since the capability object alone does not carry the combined flags.
type stripeCapabilityObj struct {
	ID      string `json:"id"`
	Account string `json:"account"`
	Status  string `json:"status"`
}

// stripeSubscriptionObj is the subscription object carried by
// customer.subscription.* events, with its items embedded.
type stripeSubscriptionObj struct {
	ID               string `json:"id"`
	Status           string `json:"status"`
	CurrentPeriodEnd int64  `json:"current_period_end"`
	Items            struct {
		Data []stripeSubscriptionItemObj `json:"data"`
	} `json:"items"`
	Metadata map[string]string `json:"metadata"`
}

type stripeSubscriptionItemObj struct {
	ID    string `json:"id"`
	Price struct {
		ID        string `json:"id"`
		Recurring struct {
			Interval  string `json:"interval"`
			UsageType string `json:"usage_type"`
		} `json:"recurring"`
	} `json:"price"`
}

// licensedPriceID returns the price of the first non-metered item, the one
// that represents the organization's plan. Falls back to the first item of
// any kind for single-item subscriptions.
func (s *stripeSubscriptionObj) licensedPriceID() string {
	for i := range s.Items.Data {
		if s.Items.Data[i].Price.Recurring.UsageType != "metered" {
			return s.Items.Data[i].Price.ID
		}
	}
	if len(s.Items.Data) > 0 {
		return s.Items.Data[0].Price.ID
	}
	return ""
}

// meteredItemID returns the id of the first metered item in the body, or
// empty when the delivery does not carry one.
func (s *stripeSubscriptionObj) meteredItemID() string {
	for i := range s.Items.Data {
		if s.Items.Data[i].Price.Recurring.UsageType == "metered" {
			return s.Items.Data[i].ID
		}
	}
	return ""
}

// periodEnd converts the subscription's period end to a nullable UTC time.
func (s *stripeSubscriptionObj) periodEnd() *time.Time {
	if s.CurrentPeriodEnd == 0 {
		return nil
	}
	t := time.Unix(s.CurrentPeriodEnd, 0).UTC()
	return &t
}

// stripePriceObj is the price object carried by price.* events.
type stripePriceObj struct {
	ID         string `json:"id"`
	Product    string `json:"product"`
	Nickname   string `json:"nickname"`
	UnitAmount int64  `json:"unit_amount"`
	Currency   string `json:"currency"`
	Active     bool   `json:"active"`
	Recurring  struct {
		Interval  string `json:"interval"`
		UsageType string `json:"usage_type"`
	} `json:"recurring"`
}

// stripePaymentIntentObj is the payment intent object carried by
// payment_intent.* events.
type stripePaymentIntentObj struct {
	ID               string `json:"id"`
	Amount           int64  `json:"amount"`
	AmountReceived   int64  `json:"amount_received"`
	Currency         string `json:"currency"`
	Status           string `json:"status"`
	LastPaymentError *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"last_payment_error"`
	Metadata map[string]string `json:"metadata"`
}

// failureMessage returns the processor's decline reason, or empty when the
// intent carries none.
func (p *stripePaymentIntentObj) failureMessage() string {
	if p.LastPaymentError == nil {
		return ""
	}
	if p.LastPaymentError.Message != "" {
		return p.LastPaymentError.Message
	}
	return p.LastPaymentError.Code
}

// stripeChargeObj is the charge object carried by charge.refunded.
type stripeChargeObj struct {
	ID             string            `json:"id"`
	Amount         int64             `json:"amount"`
	AmountRefunded int64             `json:"amount_refunded"`
	Currency       string            `json:"currency"`
	PaymentIntent  string            `json:"payment_intent"`
	Metadata       map[string]string `json:"metadata"`
}

// stripePayoutObj is the payout object carried by payout.* events.
type stripePayoutObj struct {
	ID             string            `json:"id"`
	Amount         int64             `json:"amount"`
	Currency       string            `json:"currency"`
	Status         string            `json:"status"`
	FailureMessage string            `json:"failure_message"`
	Metadata       map[string]string `json:"metadata"`
}
