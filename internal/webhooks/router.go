// Package webhooks implements the worker side of the pipeline: routing
// stored webhook events to the billing domain services, disposing of
// failed jobs through the retry scheduler, and emitting the pipeline's
// CloudWatch telemetry.
package webhooks

import (
	"context"
	"fmt"
	"log/slog"

	"subledger/internal/types"
)

// AccountApplier projects account and capability lifecycle events.
type AccountApplier interface {
	ApplyAccountEvent(ctx context.Context, event *types.WebhookEvent) error
}

// PlanApplier syncs the plan catalog from price lifecycle events.
type PlanApplier interface {
	ApplyPriceEvent(ctx context.Context, event *types.WebhookEvent) error
}

// SubscriptionApplier projects subscription lifecycle events.
type SubscriptionApplier interface {
	ApplySubscriptionEvent(ctx context.Context, event *types.WebhookEvent) error
}

// PaymentApplier projects payment, refund, and payout events.
type PaymentApplier interface {
	ApplyPaymentEvent(ctx context.Context, event *types.WebhookEvent) error
}

// Router dispatches stored webhook events to the billing service that owns
// their event type. The type set is closed: adding a routable type means
// declaring the enum value and extending the switch here, never runtime
// registration.
type Router struct {
	accounts      AccountApplier
	plans         PlanApplier
	subscriptions SubscriptionApplier
	payments      PaymentApplier
	logger        *slog.Logger
}

// NewRouter creates a Router over the four billing services.
func NewRouter(accounts AccountApplier, plans PlanApplier, subscriptions SubscriptionApplier, payments PaymentApplier, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		accounts:      accounts,
		plans:         plans,
		subscriptions: subscriptions,
		payments:      payments,
		logger:        logger,
	}
}

// Route runs the billing service for one stored event. EventTypeUnknown is
// a successful no-op: the processor marks the row processed and the
// unrecognized delivery stays queryable through the ops API.
func (r *Router) Route(ctx context.Context, event *types.WebhookEvent) error {
	switch event.EventType {
	case types.EventAccountUpdated,
		types.EventCapabilityUpdated,
		types.EventAccountDeauthorized:
		return r.accounts.ApplyAccountEvent(ctx, event)

	case types.EventPriceCreated,
		types.EventPriceUpdated,
		types.EventPriceDeleted:
		return r.plans.ApplyPriceEvent(ctx, event)

	case types.EventSubscriptionCreated,
		types.EventSubscriptionUpdated,
		types.EventSubscriptionDeleted:
		return r.subscriptions.ApplySubscriptionEvent(ctx, event)

	case types.EventPaymentSucceeded,
		types.EventPaymentFailed,
		types.EventPaymentCanceled,
		types.EventChargeRefunded,
		types.EventPayoutPaid,
		types.EventPayoutFailed:
		return r.payments.ApplyPaymentEvent(ctx, event)

	case types.EventTypeUnknown:
		r.logger.InfoContext(ctx, "unrecognized webhook event type, nothing to apply",
			"event_id", event.ID,
			"external_id", event.ExternalID,
		)
		return nil

	default:
		// A declared enum value with no case above is a missed route.
		// Failing permanent sends the job to the dead-letter topic where
		// the gap is visible, instead of burning the retry budget.
		return types.NewAppError(types.ErrCodeEventUnprocessable,
			fmt.Sprintf("no route for event type %q", event.EventType), nil)
	}
}
