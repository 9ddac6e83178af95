package billing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"subledger/internal/types"
)

// PlanStore is the catalog surface the plan service writes.
type PlanStore interface {
	Upsert(ctx context.Context, plan *types.Plan) (bool, error)
	Retire(ctx context.Context, priceID string, eventAt time.Time) (bool, error)
}

// PlanService syncs the processor's price lifecycle into the local plans
// catalog. The catalog is platform-wide; its events carry no organization.
type PlanService struct {
	store  PlanStore
	bus    EventPublisher
	logger *slog.Logger
}

// NewPlanService creates a PlanService. A nil logger falls back to
// slog.Default().
func NewPlanService(store PlanStore, bus EventPublisher, logger *slog.Logger) *PlanService {
	if logger == nil {
		logger = slog.Default()
	}
	return &PlanService{store: store, bus: bus, logger: logger}
}

// ApplyPriceEvent applies one price lifecycle webhook event.
func (s *PlanService) ApplyPriceEvent(ctx context.Context, event *types.WebhookEvent) error {
	env, err := parseEnvelope(event)
	if err != nil {
		return err
	}

	var obj stripePriceObj
	if err := env.object(&obj); err != nil {
		return err
	}
	if obj.ID == "" {
		return types.NewAppError(types.ErrCodeEventUnprocessable, "price event carries no price id", nil)
	}

	switch event.EventType {
	case types.EventPriceCreated, types.EventPriceUpdated:
		return s.syncPlan(ctx, event, env, &obj)
	case types.EventPriceDeleted:
		return s.retirePlan(ctx, event, env, &obj)
	default:
		return types.NewAppError(types.ErrCodeEventUnprocessable,
			fmt.Sprintf("plan service cannot handle event type %q", event.EventType), nil)
	}
}

func (s *PlanService) syncPlan(ctx context.Context, event *types.WebhookEvent, env *stripeEventEnvelope, obj *stripePriceObj) error {
	plan := &types.Plan{
		PriceID:     obj.ID,
		ProductID:   obj.Product,
		Nickname:    obj.Nickname,
		UnitAmount:  obj.UnitAmount,
		Currency:    obj.Currency,
		Interval:    obj.Recurring.Interval,
		UsageType:   obj.Recurring.UsageType,
		Active:      obj.Active,
		LastEventAt: env.eventTime(),
	}

	applied, err := s.store.Upsert(ctx, plan)
	if err != nil {
		return err
	}
	if !applied {
		s.logger.InfoContext(ctx, "stale price event skipped",
			"price_id", plan.PriceID,
			"event_type", string(event.EventType),
			"webhook_event_id", event.ID)
		return nil
	}

	s.logger.InfoContext(ctx, "plan synced",
		"price_id", plan.PriceID,
		"product_id", plan.ProductID,
		"usage_type", plan.UsageType,
		"active", plan.Active)

	evt, err := newDomainEvent(types.DomainPlanSynced, webhookActor(event), "", planPayload(plan))
	if err != nil {
		return err
	}
	return s.bus.Publish(ctx, evt)
}

// retirePlan marks the price inactive. The row stays in the catalog because
// existing subscriptions may still reference it.
func (s *PlanService) retirePlan(ctx context.Context, event *types.WebhookEvent, env *stripeEventEnvelope, obj *stripePriceObj) error {
	applied, err := s.store.Retire(ctx, obj.ID, env.eventTime())
	if err != nil {
		return err
	}
	if !applied {
		s.logger.InfoContext(ctx, "stale price event skipped",
			"price_id", obj.ID,
			"event_type", string(event.EventType),
			"webhook_event_id", event.ID)
		return nil
	}

	s.logger.InfoContext(ctx, "plan retired", "price_id", obj.ID)

	payload := types.PlanEventPayload{
		PriceID:   obj.ID,
		ProductID: obj.Product,
		Nickname:  obj.Nickname,
		Active:    false,
	}
	evt, err := newDomainEvent(types.DomainPlanRetired, webhookActor(event), "", payload)
	if err != nil {
		return err
	}
	return s.bus.Publish(ctx, evt)
}

func planPayload(plan *types.Plan) types.PlanEventPayload {
	return types.PlanEventPayload{
		PriceID:    plan.PriceID,
		ProductID:  plan.ProductID,
		Nickname:   plan.Nickname,
		UnitAmount: plan.UnitAmount,
		Currency:   plan.Currency,
		Interval:   plan.Interval,
		UsageType:  plan.UsageType,
		Active:     plan.Active,
	}
}
