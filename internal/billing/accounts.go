package billing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"subledger/internal/external"
	"subledger/internal/types"
)

// AccountStore is the connected-account state the account service reads
// and writes.
type AccountStore interface {
	Upsert(ctx context.Context, account *types.ConnectedAccount) (bool, error)
	Get(ctx context.Context, accountID string) (*types.ConnectedAccount, error)
	MarkDeauthorized(ctx context.Context, accountID string, eventAt time.Time) (bool, error)
}

// AccountFetcher is the slice of the processor API used for capability
// enrichment. The capability object on the wire does not carry the combined
// account flags, so those events are the one place the pipeline reaches out.
type AccountFetcher interface {
	GetAccount(ctx context.Context, accountID string) (*external.StripeAccount, error)
}

// AccountService projects account and capability lifecycle events into the
// connected_accounts table and announces state changes on the bus.
type AccountService struct {
	store  AccountStore
	stripe AccountFetcher
	bus    EventPublisher
	logger *slog.Logger
}

// NewAccountService creates an AccountService. A nil logger falls back to
// slog.Default().
func NewAccountService(store AccountStore, stripe AccountFetcher, bus EventPublisher, logger *slog.Logger) *AccountService {
	if logger == nil {
		logger = slog.Default()
	}
	return &AccountService{store: store, stripe: stripe, bus: bus, logger: logger}
}

// ApplyAccountEvent applies one account-category webhook event.
func (s *AccountService) ApplyAccountEvent(ctx context.Context, event *types.WebhookEvent) error {
	env, err := parseEnvelope(event)
	if err != nil {
		return err
	}

	switch event.EventType {
	case types.EventAccountUpdated:
		return s.applyAccountUpdate(ctx, event, env)
	case types.EventCapabilityUpdated:
		return s.applyCapabilityUpdate(ctx, event, env)
	case types.EventAccountDeauthorized:
		return s.applyDeauthorization(ctx, event, env)
	default:
		return types.NewAppError(types.ErrCodeEventUnprocessable,
			fmt.Sprintf("account service cannot handle event type %q", event.EventType), nil)
	}
}

// applyAccountUpdate projects the account snapshot carried in the webhook
// body. No processor call is made; the body is the source of truth.
func (s *AccountService) applyAccountUpdate(ctx context.Context, event *types.WebhookEvent, env *stripeEventEnvelope) error {
	var obj stripeAccountObj
	if err := env.object(&obj); err != nil {
		return err
	}
	if obj.ID == "" {
		return types.NewAppError(types.ErrCodeEventUnprocessable, "account event carries no account id", nil)
	}

	orgID, err := s.resolveOrg(ctx, obj.ID, obj.Metadata)
	if err != nil {
		return err
	}
	if orgID == "" {
		s.logger.WarnContext(ctx, "account has no organization mapping, skipping",
			"account_id", obj.ID,
			"webhook_event_id", event.ID)
		return nil
	}

	account := &types.ConnectedAccount{
		AccountID:        obj.ID,
		OrganizationID:   orgID,
		ChargesEnabled:   obj.ChargesEnabled,
		PayoutsEnabled:   obj.PayoutsEnabled,
		DetailsSubmitted: obj.DetailsSubmitted,
		DisabledReason:   obj.Requirements.DisabledReason,
		LastEventAt:      env.eventTime(),
	}
	return s.projectAccount(ctx, event, account)
}

// applyCapabilityUpdate refreshes the owning account's state after a
// capability change. The account fetch returns all capability flags in one
// call, so a burst of capability events converges on the same snapshot.
func (s *AccountService) applyCapabilityUpdate(ctx context.Context, event *types.WebhookEvent, env *stripeEventEnvelope) error {
	var obj stripeCapabilityObj
	if err := env.object(&obj); err != nil {
		return err
	}

	accountID := obj.Account
	if accountID == "" {
		accountID = env.Account
	}
	if accountID == "" {
		return types.NewAppError(types.ErrCodeEventUnprocessable, "capability event carries no account id", nil)
	}

	fetched, err := s.stripe.GetAccount(ctx, accountID)
	if err != nil {
		if types.HasCode(err, types.ErrCodeNotFoundAccount) {
			s.logger.InfoContext(ctx, "account no longer exists upstream, skipping capability event",
				"account_id", accountID,
				"webhook_event_id", event.ID)
			return nil
		}
		return err
	}

	orgID, err := s.resolveOrg(ctx, accountID, fetched.Metadata)
	if err != nil {
		return err
	}
	if orgID == "" {
		s.logger.WarnContext(ctx, "account has no organization mapping, skipping",
			"account_id", accountID,
			"webhook_event_id", event.ID)
		return nil
	}

	account := &types.ConnectedAccount{
		AccountID:        accountID,
		OrganizationID:   orgID,
		ChargesEnabled:   fetched.ChargesEnabled,
		PayoutsEnabled:   fetched.PayoutsEnabled,
		DetailsSubmitted: fetched.DetailsSubmitted,
		DisabledReason:   fetched.Requirements.DisabledReason,
		LastEventAt:      env.eventTime(),
	}
	return s.projectAccount(ctx, event, account)
}

// applyDeauthorization handles the platform disconnect. The event's object
// is the application, not the account, so the account id comes from the
// Connect envelope and the owning organization from our own row.
func (s *AccountService) applyDeauthorization(ctx context.Context, event *types.WebhookEvent, env *stripeEventEnvelope) error {
	if env.Account == "" {
		return types.NewAppError(types.ErrCodeEventUnprocessable, "deauthorization event carries no account id", nil)
	}

	existing, err := s.store.Get(ctx, env.Account)
	if err != nil {
		if types.HasCode(err, types.ErrCodeNotFoundAccount) {
			s.logger.WarnContext(ctx, "deauthorization for unknown account, skipping",
				"account_id", env.Account,
				"webhook_event_id", event.ID)
			return nil
		}
		return err
	}

	applied, err := s.store.MarkDeauthorized(ctx, env.Account, env.eventTime())
	if err != nil {
		return err
	}
	if !applied {
		s.logger.InfoContext(ctx, "stale account event skipped",
			"account_id", env.Account,
			"event_type", string(event.EventType),
			"webhook_event_id", event.ID)
		return nil
	}

	payload := types.AccountEventPayload{
		AccountID:      env.Account,
		OrganizationID: existing.OrganizationID,
	}
	evt, err := newDomainEvent(types.DomainAccountDeauthorized, webhookActor(event), existing.OrganizationID, payload)
	if err != nil {
		return err
	}
	return s.bus.Publish(ctx, evt)
}

// resolveOrg maps a processor account to our organization, preferring the
// metadata stamp and falling back to the stored row for accounts onboarded
// before metadata stamping existed.
func (s *AccountService) resolveOrg(ctx context.Context, accountID string, metadata map[string]string) (string, error) {
	if orgID := orgFromMetadata(metadata); orgID != "" {
		return orgID, nil
	}
	existing, err := s.store.Get(ctx, accountID)
	if err != nil {
		if types.HasCode(err, types.ErrCodeNotFoundAccount) {
			return "", nil
		}
		return "", err
	}
	return existing.OrganizationID, nil
}

// projectAccount upserts the snapshot and publishes the change when it
// applied. A stale snapshot is logged and dropped.
func (s *AccountService) projectAccount(ctx context.Context, event *types.WebhookEvent, account *types.ConnectedAccount) error {
	applied, err := s.store.Upsert(ctx, account)
	if err != nil {
		return err
	}
	if !applied {
		s.logger.InfoContext(ctx, "stale account event skipped",
			"account_id", account.AccountID,
			"event_type", string(event.EventType),
			"webhook_event_id", event.ID)
		return nil
	}

	s.logger.InfoContext(ctx, "connected account updated",
		"account_id", account.AccountID,
		"organization_id", account.OrganizationID,
		"charges_enabled", account.ChargesEnabled,
		"payouts_enabled", account.PayoutsEnabled)

	payload := types.AccountEventPayload{
		AccountID:        account.AccountID,
		OrganizationID:   account.OrganizationID,
		ChargesEnabled:   account.ChargesEnabled,
		PayoutsEnabled:   account.PayoutsEnabled,
		DetailsSubmitted: account.DetailsSubmitted,
		DisabledReason:   account.DisabledReason,
	}
	evt, err := newDomainEvent(types.DomainAccountUpdated, webhookActor(event), account.OrganizationID, payload)
	if err != nil {
		return err
	}
	return s.bus.Publish(ctx, evt)
}
