package billing

import (
	"context"
	"fmt"
	"log/slog"

	"subledger/internal/external"
	"subledger/internal/types"
)

// SubscriptionStore is the org subscription projection surface.
type SubscriptionStore interface {
	Get(ctx context.Context, organizationID string) (*types.OrgSubscription, error)
	Upsert(ctx context.Context, sub *types.OrgSubscription) (bool, error)
	SetMeteredItem(ctx context.Context, organizationID string, itemID string) (bool, error)
}

// MeteredPlanSource finds the catalog price the ensure-metered-item flow
// creates items against.
type MeteredPlanSource interface {
	FindMetered(ctx context.Context) (*types.Plan, error)
}

// SubscriptionItemAPI is the slice of the processor API the ensure flow
// uses. Creation always carries an idempotency key, so a retried webhook
// cannot produce a second item.
type SubscriptionItemAPI interface {
	ListSubscriptionItems(ctx context.Context, subscriptionID string) ([]external.StripeSubscriptionItem, error)
	CreateSubscriptionItem(ctx context.Context, input external.CreateSubscriptionItemInput) (*external.StripeSubscriptionItem, error)
}

// SubscriptionService projects subscription lifecycle events into the
// org_subscriptions table. On creation it also guarantees the subscription
// carries the metered item that usage records are later reported against.
type SubscriptionService struct {
	store  SubscriptionStore
	plans  MeteredPlanSource
	stripe SubscriptionItemAPI
	bus    EventPublisher
	logger *slog.Logger
}

// NewSubscriptionService creates a SubscriptionService. A nil logger falls
// back to slog.Default().
func NewSubscriptionService(store SubscriptionStore, plans MeteredPlanSource, stripe SubscriptionItemAPI, bus EventPublisher, logger *slog.Logger) *SubscriptionService {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriptionService{store: store, plans: plans, stripe: stripe, bus: bus, logger: logger}
}

// ApplySubscriptionEvent applies one subscription lifecycle webhook event.
func (s *SubscriptionService) ApplySubscriptionEvent(ctx context.Context, event *types.WebhookEvent) error {
	switch event.EventType {
	case types.EventSubscriptionCreated, types.EventSubscriptionUpdated, types.EventSubscriptionDeleted:
	default:
		return types.NewAppError(types.ErrCodeEventUnprocessable,
			fmt.Sprintf("subscription service cannot handle event type %q", event.EventType), nil)
	}

	env, err := parseEnvelope(event)
	if err != nil {
		return err
	}
	var obj stripeSubscriptionObj
	if err := env.object(&obj); err != nil {
		return err
	}
	if obj.ID == "" {
		return types.NewAppError(types.ErrCodeEventUnprocessable, "subscription event carries no subscription id", nil)
	}

	orgID := orgFromMetadata(obj.Metadata)
	if orgID == "" {
		s.logger.WarnContext(ctx, "subscription has no organization metadata, skipping",
			"subscription_id", obj.ID,
			"webhook_event_id", event.ID)
		return nil
	}

	// The deleted notification is the cancellation fact itself, whatever
	// status string the final snapshot happens to carry.
	status := types.SubscriptionStatus(obj.Status)
	if event.EventType == types.EventSubscriptionDeleted {
		status = types.SubStatusCanceled
	}

	var prev *types.OrgSubscription
	if existing, err := s.store.Get(ctx, orgID); err == nil {
		prev = existing
	} else if !types.HasCode(err, types.ErrCodeNotFoundSubscription) {
		return err
	}

	sub := &types.OrgSubscription{
		OrganizationID:   orgID,
		SubscriptionID:   obj.ID,
		PriceID:          obj.licensedPriceID(),
		Status:           status,
		CurrentPeriodEnd: obj.periodEnd(),
		MeteredItemID:    obj.meteredItemID(),
		LastEventAt:      env.eventTime(),
	}

	// The ensure flow runs before the write so the snapshot itself carries
	// the item id, and a failure in it leaves nothing half applied: the
	// webhook redelivery retries the whole flow. Every step is idempotent.
	if event.EventType == types.EventSubscriptionCreated && sub.MeteredItemID == "" {
		itemID, err := s.ensureMeteredItem(ctx, orgID, obj.ID, prev)
		if err != nil {
			return err
		}
		sub.MeteredItemID = itemID
	}

	applied, err := s.store.Upsert(ctx, sub)
	if err != nil {
		return err
	}
	if !applied {
		// The snapshot lost the ordering race, but a discovered item id
		// still fills an empty slot on the newer row.
		if sub.MeteredItemID != "" {
			if _, err := s.store.SetMeteredItem(ctx, orgID, sub.MeteredItemID); err != nil {
				return err
			}
		}
		s.logger.InfoContext(ctx, "stale subscription event skipped",
			"organization_id", orgID,
			"subscription_id", obj.ID,
			"webhook_event_id", event.ID)
		return nil
	}

	meteredItemID := sub.MeteredItemID
	if meteredItemID == "" && prev != nil {
		meteredItemID = prev.MeteredItemID
	}

	s.logger.InfoContext(ctx, "org subscription updated",
		"organization_id", orgID,
		"subscription_id", obj.ID,
		"status", string(status),
		"metered_item_id", meteredItemID)

	payload := types.SubscriptionEventPayload{
		SubscriptionID:   obj.ID,
		OrganizationID:   orgID,
		PriceID:          sub.PriceID,
		Status:           status,
		CurrentPeriodEnd: sub.CurrentPeriodEnd,
		MeteredItemID:    meteredItemID,
	}
	if prev != nil {
		payload.PreviousStatus = prev.Status
	}
	evt, err := newDomainEvent(types.DomainSubscriptionChanged, webhookActor(event), orgID, payload)
	if err != nil {
		return err
	}
	return s.bus.Publish(ctx, evt)
}

// ensureMeteredItem resolves the metered item the subscription reports
// usage against. Resolution order: our stored row, the processor's item
// list, and finally item creation from the catalog's metered price. An
// empty id with a nil error means the catalog has no metered price to
// create from; the projection proceeds without one.
func (s *SubscriptionService) ensureMeteredItem(ctx context.Context, orgID, subscriptionID string, prev *types.OrgSubscription) (string, error) {
	if prev != nil && prev.MeteredItemID != "" {
		return prev.MeteredItemID, nil
	}

	items, err := s.stripe.ListSubscriptionItems(ctx, subscriptionID)
	if err != nil {
		return "", err
	}
	for i := range items {
		if items[i].Price.Recurring.UsageType == "metered" {
			return items[i].ID, nil
		}
	}

	plan, err := s.plans.FindMetered(ctx)
	if err != nil {
		return "", err
	}
	if plan == nil {
		s.logger.WarnContext(ctx, "no active metered plan in catalog, usage reporting unavailable",
			"organization_id", orgID,
			"subscription_id", subscriptionID)
		return "", nil
	}

	item, err := s.stripe.CreateSubscriptionItem(ctx, external.CreateSubscriptionItemInput{
		SubscriptionID: subscriptionID,
		PriceID:        plan.PriceID,
		IdempotencyKey: fmt.Sprintf("si-create-%s-%s", subscriptionID, plan.PriceID),
	})
	if err != nil {
		return "", err
	}

	s.logger.InfoContext(ctx, "metered subscription item created",
		"organization_id", orgID,
		"subscription_id", subscriptionID,
		"item_id", item.ID,
		"price_id", plan.PriceID)
	return item.ID, nil
}
