package billing

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"

	"subledger/internal/db"
	"subledger/internal/events"
	"subledger/internal/external"
	"subledger/internal/types"
)

// Compile-time checks that the production implementations satisfy the
// narrow interfaces the services declare.
var (
	_ AccountStore            = (*db.ConnectedAccountRepository)(nil)
	_ AccountSource           = (*db.ConnectedAccountRepository)(nil)
	_ PlanStore               = (*db.PlanRepository)(nil)
	_ MeteredPlanSource       = (*db.PlanRepository)(nil)
	_ SubscriptionStore       = (*db.OrgSubscriptionRepository)(nil)
	_ SubscriptionStateSource = (*db.OrgSubscriptionRepository)(nil)
	_ MeteredItemSource       = (*db.OrgSubscriptionRepository)(nil)
	_ PaymentStore            = (*db.PaymentRecordRepository)(nil)
	_ UsageCounterSource      = (*db.UsageCounterRepository)(nil)
	_ AccountFetcher          = (external.StripeAPI)(nil)
	_ SubscriptionItemAPI     = (external.StripeAPI)(nil)
	_ UsageRecordAPI          = (external.StripeAPI)(nil)
	_ EventPublisher          = (*events.Bus)(nil)
)

// testCreated is the processor-side created timestamp used by the webhook
// bodies in these tests.
const testCreated int64 = 1787000000

func testEventTime() time.Time {
	return time.Unix(testCreated, 0).UTC()
}

// webhookEvent builds a stored webhook row around the given raw body.
func webhookEvent(t *testing.T, eventType types.WebhookEventType, endpoint types.WebhookEndpoint, body string) *types.WebhookEvent {
	t.Helper()
	return &types.WebhookEvent{
		ID:         "wh_1",
		ExternalID: "evt_ext_1",
		EventType:  eventType,
		Endpoint:   endpoint,
		Payload:    json.RawMessage(body),
		ReceivedAt: time.Now().UTC(),
	}
}

// decodePayload unmarshals a published domain event's payload for asserts.
func decodePayload[T any](t *testing.T, event *types.DomainEvent) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(event.Payload, &out); err != nil {
		t.Fatalf("decode event payload: %v", err)
	}
	return out
}

// --- Mock implementations ---

type mockPublisher struct {
	mock.Mock
	events []*types.DomainEvent
}

func (m *mockPublisher) Publish(ctx context.Context, event *types.DomainEvent) error {
	m.events = append(m.events, event)
	args := m.Called(ctx, event)
	return args.Error(0)
}

type mockAccountStore struct {
	mock.Mock
}

func (m *mockAccountStore) Upsert(ctx context.Context, account *types.ConnectedAccount) (bool, error) {
	args := m.Called(ctx, account)
	return args.Bool(0), args.Error(1)
}

func (m *mockAccountStore) Get(ctx context.Context, accountID string) (*types.ConnectedAccount, error) {
	args := m.Called(ctx, accountID)
	if a := args.Get(0); a != nil {
		return a.(*types.ConnectedAccount), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockAccountStore) MarkDeauthorized(ctx context.Context, accountID string, eventAt time.Time) (bool, error) {
	args := m.Called(ctx, accountID, eventAt)
	return args.Bool(0), args.Error(1)
}

type mockAccountFetcher struct {
	mock.Mock
}

func (m *mockAccountFetcher) GetAccount(ctx context.Context, accountID string) (*external.StripeAccount, error) {
	args := m.Called(ctx, accountID)
	if a := args.Get(0); a != nil {
		return a.(*external.StripeAccount), args.Error(1)
	}
	return nil, args.Error(1)
}

type mockPlanStore struct {
	mock.Mock
}

func (m *mockPlanStore) Upsert(ctx context.Context, plan *types.Plan) (bool, error) {
	args := m.Called(ctx, plan)
	return args.Bool(0), args.Error(1)
}

func (m *mockPlanStore) Retire(ctx context.Context, priceID string, eventAt time.Time) (bool, error) {
	args := m.Called(ctx, priceID, eventAt)
	return args.Bool(0), args.Error(1)
}

func (m *mockPlanStore) FindMetered(ctx context.Context) (*types.Plan, error) {
	args := m.Called(ctx)
	if p := args.Get(0); p != nil {
		return p.(*types.Plan), args.Error(1)
	}
	return nil, args.Error(1)
}

type mockSubscriptionStore struct {
	mock.Mock
}

func (m *mockSubscriptionStore) Get(ctx context.Context, organizationID string) (*types.OrgSubscription, error) {
	args := m.Called(ctx, organizationID)
	if s := args.Get(0); s != nil {
		return s.(*types.OrgSubscription), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockSubscriptionStore) Upsert(ctx context.Context, sub *types.OrgSubscription) (bool, error) {
	args := m.Called(ctx, sub)
	return args.Bool(0), args.Error(1)
}

func (m *mockSubscriptionStore) SetMeteredItem(ctx context.Context, organizationID string, itemID string) (bool, error) {
	args := m.Called(ctx, organizationID, itemID)
	return args.Bool(0), args.Error(1)
}

type mockItemAPI struct {
	mock.Mock
}

func (m *mockItemAPI) ListSubscriptionItems(ctx context.Context, subscriptionID string) ([]external.StripeSubscriptionItem, error) {
	args := m.Called(ctx, subscriptionID)
	if items := args.Get(0); items != nil {
		return items.([]external.StripeSubscriptionItem), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockItemAPI) CreateSubscriptionItem(ctx context.Context, input external.CreateSubscriptionItemInput) (*external.StripeSubscriptionItem, error) {
	args := m.Called(ctx, input)
	if item := args.Get(0); item != nil {
		return item.(*external.StripeSubscriptionItem), args.Error(1)
	}
	return nil, args.Error(1)
}

type mockPaymentStore struct {
	mock.Mock
}

func (m *mockPaymentStore) Upsert(ctx context.Context, record *types.PaymentRecord) (bool, error) {
	args := m.Called(ctx, record)
	return args.Bool(0), args.Error(1)
}

type mockCounterSource struct {
	mock.Mock
}

func (m *mockCounterSource) ListPending(ctx context.Context) ([]*types.UsageCounter, error) {
	args := m.Called(ctx)
	if c := args.Get(0); c != nil {
		return c.([]*types.UsageCounter), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockCounterSource) AdvanceReported(ctx context.Context, organizationID string, metric types.UsageMetric, reported int64) (bool, error) {
	args := m.Called(ctx, organizationID, metric, reported)
	return args.Bool(0), args.Error(1)
}

type mockUsageAPI struct {
	mock.Mock
}

func (m *mockUsageAPI) CreateUsageRecord(ctx context.Context, input external.CreateUsageRecordInput) error {
	args := m.Called(ctx, input)
	return args.Error(0)
}
