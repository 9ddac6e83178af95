package billing

import (
	"context"
	"fmt"
	"log/slog"

	"subledger/internal/types"
)

// PaymentStore is the payment projection surface.
type PaymentStore interface {
	Upsert(ctx context.Context, record *types.PaymentRecord) (bool, error)
}

// SubscriptionStateSource reads an organization's subscription to judge
// whether a failed payment is final.
type SubscriptionStateSource interface {
	Get(ctx context.Context, organizationID string) (*types.OrgSubscription, error)
}

// AccountSource resolves connected accounts to organizations for payout
// events, which carry no metadata of their own when the processor pays out
// automatically.
type AccountSource interface {
	Get(ctx context.Context, accountID string) (*types.ConnectedAccount, error)
}

// PaymentService projects payment, refund, and payout outcomes into the
// payment_records table and announces them on the bus.
type PaymentService struct {
	store    PaymentStore
	subs     SubscriptionStateSource
	accounts AccountSource
	bus      EventPublisher
	logger   *slog.Logger
}

// NewPaymentService creates a PaymentService. A nil logger falls back to
// slog.Default().
func NewPaymentService(store PaymentStore, subs SubscriptionStateSource, accounts AccountSource, bus EventPublisher, logger *slog.Logger) *PaymentService {
	if logger == nil {
		logger = slog.Default()
	}
	return &PaymentService{store: store, subs: subs, accounts: accounts, bus: bus, logger: logger}
}

// ApplyPaymentEvent applies one payment-category webhook event.
func (s *PaymentService) ApplyPaymentEvent(ctx context.Context, event *types.WebhookEvent) error {
	env, err := parseEnvelope(event)
	if err != nil {
		return err
	}

	switch event.EventType {
	case types.EventPaymentSucceeded:
		return s.applyIntent(ctx, event, env, types.PaymentSucceeded)
	case types.EventPaymentFailed:
		return s.applyIntent(ctx, event, env, types.PaymentFailed)
	case types.EventPaymentCanceled:
		return s.applyIntent(ctx, event, env, types.PaymentCanceled)
	case types.EventChargeRefunded:
		return s.applyRefund(ctx, event, env)
	case types.EventPayoutPaid:
		return s.applyPayout(ctx, event, env, types.PayoutSettled)
	case types.EventPayoutFailed:
		return s.applyPayout(ctx, event, env, types.PaymentFailed)
	default:
		return types.NewAppError(types.ErrCodeEventUnprocessable,
			fmt.Sprintf("payment service cannot handle event type %q", event.EventType), nil)
	}
}

func (s *PaymentService) applyIntent(ctx context.Context, event *types.WebhookEvent, env *stripeEventEnvelope, outcome types.PaymentOutcome) error {
	var obj stripePaymentIntentObj
	if err := env.object(&obj); err != nil {
		return err
	}
	if obj.ID == "" {
		return types.NewAppError(types.ErrCodeEventUnprocessable, "payment event carries no intent id", nil)
	}

	amount := obj.Amount
	if outcome == types.PaymentSucceeded && obj.AmountReceived > 0 {
		amount = obj.AmountReceived
	}

	orgID := orgFromMetadata(obj.Metadata)
	record := &types.PaymentRecord{
		PaymentID:      obj.ID,
		Kind:           types.PaymentKindIntent,
		OrganizationID: orgID,
		Amount:         amount,
		Currency:       obj.Currency,
		Outcome:        outcome,
		FailureMessage: obj.failureMessage(),
		OccurredAt:     env.eventTime(),
		LastEventAt:    env.eventTime(),
	}
	applied, err := s.project(ctx, event, record)
	if err != nil || !applied {
		return err
	}

	payload := types.PaymentEventPayload{
		PaymentID:      record.PaymentID,
		Kind:           record.Kind,
		OrganizationID: orgID,
		Amount:         record.Amount,
		Currency:       record.Currency,
		Outcome:        outcome,
		FailureMessage: record.FailureMessage,
	}

	switch outcome {
	case types.PaymentSucceeded:
		return s.publish(ctx, event, types.DomainPaymentSucceeded, orgID, payload)
	case types.PaymentFailed:
		payload.Final = s.isFinalFailure(ctx, orgID)
		return s.publish(ctx, event, types.DomainPaymentFailed, orgID, payload)
	default:
		// An abandoned intent is recorded for the ledger but announces
		// nothing: downstream consumers only care about the outcome of
		// attempted payments.
		s.logger.DebugContext(ctx, "canceled payment intent recorded",
			"payment_id", record.PaymentID,
			"organization_id", orgID)
		return nil
	}
}

func (s *PaymentService) applyRefund(ctx context.Context, event *types.WebhookEvent, env *stripeEventEnvelope) error {
	var obj stripeChargeObj
	if err := env.object(&obj); err != nil {
		return err
	}
	if obj.ID == "" {
		return types.NewAppError(types.ErrCodeEventUnprocessable, "refund event carries no charge id", nil)
	}

	orgID := orgFromMetadata(obj.Metadata)
	record := &types.PaymentRecord{
		PaymentID:      obj.ID,
		Kind:           types.PaymentKindCharge,
		OrganizationID: orgID,
		Amount:         obj.AmountRefunded,
		Currency:       obj.Currency,
		Outcome:        types.PaymentRefunded,
		OccurredAt:     env.eventTime(),
		LastEventAt:    env.eventTime(),
	}
	applied, err := s.project(ctx, event, record)
	if err != nil || !applied {
		return err
	}

	payload := types.PaymentEventPayload{
		PaymentID:      record.PaymentID,
		Kind:           record.Kind,
		OrganizationID: orgID,
		Amount:         record.Amount,
		Currency:       record.Currency,
		Outcome:        types.PaymentRefunded,
	}
	return s.publish(ctx, event, types.DomainPaymentRefunded, orgID, payload)
}

func (s *PaymentService) applyPayout(ctx context.Context, event *types.WebhookEvent, env *stripeEventEnvelope, outcome types.PaymentOutcome) error {
	var obj stripePayoutObj
	if err := env.object(&obj); err != nil {
		return err
	}
	if obj.ID == "" {
		return types.NewAppError(types.ErrCodeEventUnprocessable, "payout event carries no payout id", nil)
	}

	orgID := orgFromMetadata(obj.Metadata)
	if orgID == "" {
		orgID = s.payoutOrg(ctx, env)
	}

	record := &types.PaymentRecord{
		PaymentID:      obj.ID,
		Kind:           types.PaymentKindPayout,
		OrganizationID: orgID,
		Amount:         obj.Amount,
		Currency:       obj.Currency,
		Outcome:        outcome,
		FailureMessage: obj.FailureMessage,
		OccurredAt:     env.eventTime(),
		LastEventAt:    env.eventTime(),
	}
	applied, err := s.project(ctx, event, record)
	if err != nil || !applied {
		return err
	}

	payload := types.PaymentEventPayload{
		PaymentID:      record.PaymentID,
		Kind:           record.Kind,
		OrganizationID: orgID,
		Amount:         record.Amount,
		Currency:       record.Currency,
		Outcome:        outcome,
		FailureMessage: record.FailureMessage,
	}
	if outcome == types.PayoutSettled {
		return s.publish(ctx, event, types.DomainPayoutSettled, orgID, payload)
	}
	return s.publish(ctx, event, types.DomainPayoutFailed, orgID, payload)
}

// project upserts the record and reports whether the write applied. A stale
// event is logged and dropped without publishing.
func (s *PaymentService) project(ctx context.Context, event *types.WebhookEvent, record *types.PaymentRecord) (bool, error) {
	applied, err := s.store.Upsert(ctx, record)
	if err != nil {
		return false, err
	}
	if !applied {
		s.logger.InfoContext(ctx, "stale payment event skipped",
			"payment_id", record.PaymentID,
			"event_type", string(event.EventType),
			"webhook_event_id", event.ID)
		return false, nil
	}

	s.logger.InfoContext(ctx, "payment record updated",
		"payment_id", record.PaymentID,
		"kind", string(record.Kind),
		"outcome", string(record.Outcome),
		"organization_id", record.OrganizationID,
		"amount", record.Amount,
		"currency", record.Currency)
	return true, nil
}

func (s *PaymentService) publish(ctx context.Context, event *types.WebhookEvent, t types.DomainEventType, orgID string, payload types.PaymentEventPayload) error {
	evt, err := newDomainEvent(t, webhookActor(event), orgID, payload)
	if err != nil {
		return err
	}
	return s.bus.Publish(ctx, evt)
}

// isFinalFailure reports whether a failed payment has exhausted the
// processor's retry schedule. The processor keeps a subscription in
// past_due while its dunning retries run; once it gives up, the
// subscription moves to unpaid or canceled, and a failure arriving in that
// state needs the customer or an operator to act. The judgement uses our
// own projection, never an API fetch, so it can trail the processor by one
// event on delivery races. It only feeds alerting, so a miss is a delayed
// alert, not lost state.
func (s *PaymentService) isFinalFailure(ctx context.Context, organizationID string) bool {
	if organizationID == "" {
		return false
	}
	sub, err := s.subs.Get(ctx, organizationID)
	if err != nil {
		return false
	}
	switch sub.Status {
	case types.SubStatusUnpaid, types.SubStatusCanceled, types.SubStatusIncompleteExpired:
		return true
	default:
		return false
	}
}

// payoutOrg resolves the payout's organization through the connected
// account named on the Connect envelope. Payouts for accounts we do not
// track are recorded without an organization.
func (s *PaymentService) payoutOrg(ctx context.Context, env *stripeEventEnvelope) string {
	if env.Account == "" {
		return ""
	}
	account, err := s.accounts.Get(ctx, env.Account)
	if err != nil {
		s.logger.DebugContext(ctx, "payout account has no organization mapping",
			"account_id", env.Account)
		return ""
	}
	return account.OrganizationID
}
