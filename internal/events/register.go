package events

import (
	"log/slog"

	"subledger/internal/types"
)

// orgScopedEvents are the billing facts that represent metered activity for
// one organization. billing.usage.reported is deliberately absent: counting
// the act of reporting usage as usage would feed the meter its own output.
var orgScopedEvents = []types.DomainEventType{
	types.DomainAccountUpdated,
	types.DomainAccountDeauthorized,
	types.DomainSubscriptionChanged,
	types.DomainPaymentSucceeded,
	types.DomainPaymentFailed,
	types.DomainPaymentRefunded,
	types.DomainPayoutSettled,
	types.DomainPayoutFailed,
}

// allBillingEvents is every domain event type the pipeline publishes.
var allBillingEvents = []types.DomainEventType{
	types.DomainAccountUpdated,
	types.DomainAccountDeauthorized,
	types.DomainPlanSynced,
	types.DomainPlanRetired,
	types.DomainSubscriptionChanged,
	types.DomainPaymentSucceeded,
	types.DomainPaymentFailed,
	types.DomainPaymentRefunded,
	types.DomainPayoutSettled,
	types.DomainPayoutFailed,
	types.DomainUsageReported,
}

// HandlerDeps bundles the dependencies of the standard consumer set. Every
// field is required; binaries that disable a provider pass its stub.
type HandlerDeps struct {
	Identity  types.IdentityProvider
	Email     types.EmailSender
	Usage     UsageAccumulator
	Analytics types.AnalyticsTracker
	Logger    *slog.Logger
}

// RegisterBillingHandlers subscribes the standard consumer set onto bus:
// ops-alert (100, inline), email-receipts (50, queued), usage-meter (20,
// inline), and analytics (10, queued). Both binaries call this during
// wiring so the registered set never diverges between processes.
func RegisterBillingHandlers(bus *Bus, deps HandlerDeps) {
	alert := NewOpsAlertHandler(deps.Logger)
	bus.Subscribe(types.DomainPaymentFailed, alert)

	receipts := NewReceiptHandler(deps.Identity, deps.Email, deps.Logger)
	bus.Subscribe(types.DomainPaymentSucceeded, receipts)
	bus.Subscribe(types.DomainPaymentFailed, receipts)

	meter := NewUsageMeterHandler(deps.Usage, deps.Logger)
	for _, t := range orgScopedEvents {
		bus.Subscribe(t, meter)
	}

	track := NewAnalyticsHandler(deps.Analytics, deps.Logger)
	for _, t := range allBillingEvents {
		bus.Subscribe(t, track)
	}
}
