package webhooks

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"subledger/internal/billing"
	"subledger/internal/types"
)

// Compile-time checks that the billing services satisfy the router's
// applier interfaces.
var (
	_ AccountApplier      = (*billing.AccountService)(nil)
	_ PlanApplier         = (*billing.PlanService)(nil)
	_ SubscriptionApplier = (*billing.SubscriptionService)(nil)
	_ PaymentApplier      = (*billing.PaymentService)(nil)
)

type fakeApplier struct {
	calls []*types.WebhookEvent
	err   error
}

func (f *fakeApplier) apply(event *types.WebhookEvent) error {
	f.calls = append(f.calls, event)
	return f.err
}

func (f *fakeApplier) ApplyAccountEvent(_ context.Context, event *types.WebhookEvent) error {
	return f.apply(event)
}

func (f *fakeApplier) ApplyPriceEvent(_ context.Context, event *types.WebhookEvent) error {
	return f.apply(event)
}

func (f *fakeApplier) ApplySubscriptionEvent(_ context.Context, event *types.WebhookEvent) error {
	return f.apply(event)
}

func (f *fakeApplier) ApplyPaymentEvent(_ context.Context, event *types.WebhookEvent) error {
	return f.apply(event)
}

type routerFixture struct {
	router        *Router
	accounts      *fakeApplier
	plans         *fakeApplier
	subscriptions *fakeApplier
	payments      *fakeApplier
}

func newRouterFixture() *routerFixture {
	f := &routerFixture{
		accounts:      &fakeApplier{},
		plans:         &fakeApplier{},
		subscriptions: &fakeApplier{},
		payments:      &fakeApplier{},
	}
	f.router = NewRouter(f.accounts, f.plans, f.subscriptions, f.payments, slog.Default())
	return f
}

func storedEvent(eventType types.WebhookEventType) *types.WebhookEvent {
	return &types.WebhookEvent{
		ID:         "wh_1",
		ExternalID: "evt_1",
		EventType:  eventType,
		Endpoint:   types.EndpointPlatform,
	}
}

func TestRouter_DispatchByCategory(t *testing.T) {
	cases := []struct {
		eventType types.WebhookEventType
		target    func(*routerFixture) *fakeApplier
	}{
		{types.EventAccountUpdated, func(f *routerFixture) *fakeApplier { return f.accounts }},
		{types.EventCapabilityUpdated, func(f *routerFixture) *fakeApplier { return f.accounts }},
		{types.EventAccountDeauthorized, func(f *routerFixture) *fakeApplier { return f.accounts }},
		{types.EventPriceCreated, func(f *routerFixture) *fakeApplier { return f.plans }},
		{types.EventPriceUpdated, func(f *routerFixture) *fakeApplier { return f.plans }},
		{types.EventPriceDeleted, func(f *routerFixture) *fakeApplier { return f.plans }},
		{types.EventSubscriptionCreated, func(f *routerFixture) *fakeApplier { return f.subscriptions }},
		{types.EventSubscriptionUpdated, func(f *routerFixture) *fakeApplier { return f.subscriptions }},
		{types.EventSubscriptionDeleted, func(f *routerFixture) *fakeApplier { return f.subscriptions }},
		{types.EventPaymentSucceeded, func(f *routerFixture) *fakeApplier { return f.payments }},
		{types.EventPaymentFailed, func(f *routerFixture) *fakeApplier { return f.payments }},
		{types.EventPaymentCanceled, func(f *routerFixture) *fakeApplier { return f.payments }},
		{types.EventChargeRefunded, func(f *routerFixture) *fakeApplier { return f.payments }},
		{types.EventPayoutPaid, func(f *routerFixture) *fakeApplier { return f.payments }},
		{types.EventPayoutFailed, func(f *routerFixture) *fakeApplier { return f.payments }},
	}

	for _, tc := range cases {
		t.Run(string(tc.eventType), func(t *testing.T) {
			f := newRouterFixture()
			event := storedEvent(tc.eventType)

			if err := f.router.Route(context.Background(), event); err != nil {
				t.Fatalf("Route() error = %v", err)
			}

			target := tc.target(f)
			if len(target.calls) != 1 {
				t.Fatalf("target applier calls = %d, want 1", len(target.calls))
			}
			if target.calls[0] != event {
				t.Error("applier did not receive the routed event")
			}

			total := len(f.accounts.calls) + len(f.plans.calls) + len(f.subscriptions.calls) + len(f.payments.calls)
			if total != 1 {
				t.Errorf("total applier calls = %d, want 1", total)
			}
		})
	}
}

func TestRouter_UnknownTypeIsNoOp(t *testing.T) {
	f := newRouterFixture()

	if err := f.router.Route(context.Background(), storedEvent(types.EventTypeUnknown)); err != nil {
		t.Fatalf("Route() error = %v, want nil", err)
	}

	total := len(f.accounts.calls) + len(f.plans.calls) + len(f.subscriptions.calls) + len(f.payments.calls)
	if total != 0 {
		t.Errorf("applier calls = %d, want 0 for unknown type", total)
	}
}

func TestRouter_ServiceErrorPropagates(t *testing.T) {
	f := newRouterFixture()
	want := errors.New("projection failed")
	f.payments.err = want

	err := f.router.Route(context.Background(), storedEvent(types.EventPaymentFailed))
	if !errors.Is(err, want) {
		t.Fatalf("Route() error = %v, want %v", err, want)
	}
}
