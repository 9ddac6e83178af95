package types

// WebhookEventType identifies an inbound payment-processor event. The set is
// closed: every value the pipeline routes is declared here, and the router
// switches over this type exhaustively. Wire strings that do not map to a
// declared value parse to EventTypeUnknown and are handled as a logged no-op
// rather than an error.
type WebhookEventType string

const (
	// EventTypeUnknown is the zero value for unrecognized wire strings.
	EventTypeUnknown WebhookEventType = ""

	// Account / capability lifecycle (connected-account onboarding state).
	EventAccountUpdated      WebhookEventType = "account.updated"
	EventCapabilityUpdated   WebhookEventType = "capability.updated"
	EventAccountDeauthorized WebhookEventType = "account.application.deauthorized"

	// Subscription / price lifecycle (plan catalog and org subscription sync).
	EventSubscriptionCreated WebhookEventType = "customer.subscription.created"
	EventSubscriptionUpdated WebhookEventType = "customer.subscription.updated"
	EventSubscriptionDeleted WebhookEventType = "customer.subscription.deleted"
	EventPriceCreated        WebhookEventType = "price.created"
	EventPriceUpdated        WebhookEventType = "price.updated"
	EventPriceDeleted        WebhookEventType = "price.deleted"

	// Payment lifecycle (charges, payment intents, payouts).
	EventPaymentSucceeded WebhookEventType = "payment_intent.succeeded"
	EventPaymentFailed    WebhookEventType = "payment_intent.payment_failed"
	EventPaymentCanceled  WebhookEventType = "payment_intent.canceled"
	EventChargeRefunded   WebhookEventType = "charge.refunded"
	EventPayoutPaid       WebhookEventType = "payout.paid"
	EventPayoutFailed     WebhookEventType = "payout.failed"
)

// ParseWebhookEventType maps a wire string to a declared event type.
// Unlisted strings return EventTypeUnknown; adding a new routable type is a
// compile-time change here and in the router, never a runtime registration.
func ParseWebhookEventType(s string) WebhookEventType {
	switch WebhookEventType(s) {
	case EventAccountUpdated,
		EventCapabilityUpdated,
		EventAccountDeauthorized,
		EventSubscriptionCreated,
		EventSubscriptionUpdated,
		EventSubscriptionDeleted,
		EventPriceCreated,
		EventPriceUpdated,
		EventPriceDeleted,
		EventPaymentSucceeded,
		EventPaymentFailed,
		EventPaymentCanceled,
		EventChargeRefunded,
		EventPayoutPaid,
		EventPayoutFailed:
		return WebhookEventType(s)
	default:
		return EventTypeUnknown
	}
}

// EventCategory groups webhook event types by the domain service that
// handles them. Used for routing decisions and metric dimensions.
type EventCategory string

const (
	CategoryAccount      EventCategory = "account"
	CategorySubscription EventCategory = "subscription"
	CategoryPayment      EventCategory = "payment"
	CategoryUnknown      EventCategory = "unknown"
)

// Category returns the handler category for an event type.
func (t WebhookEventType) Category() EventCategory {
	switch t {
	case EventAccountUpdated, EventCapabilityUpdated, EventAccountDeauthorized:
		return CategoryAccount
	case EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionDeleted,
		EventPriceCreated, EventPriceUpdated, EventPriceDeleted:
		return CategorySubscription
	case EventPaymentSucceeded, EventPaymentFailed, EventPaymentCanceled,
		EventChargeRefunded, EventPayoutPaid, EventPayoutFailed:
		return CategoryPayment
	default:
		return CategoryUnknown
	}
}

// WebhookEndpoint identifies which ingress path received an event. Platform
// and connect deliveries are signed with different shared secrets.
type WebhookEndpoint string

const (
	EndpointPlatform WebhookEndpoint = "platform"
	EndpointConnect  WebhookEndpoint = "connect"
)

// DomainEventType names an internal normalized fact published on the event
// bus. Namespaced dot-separated strings; subscribers register per type.
type DomainEventType string

const (
	DomainAccountUpdated      DomainEventType = "billing.account.updated"
	DomainAccountDeauthorized DomainEventType = "billing.account.deauthorized"
	DomainPlanSynced          DomainEventType = "billing.plan.synced"
	DomainPlanRetired         DomainEventType = "billing.plan.retired"
	DomainSubscriptionChanged DomainEventType = "billing.subscription.changed"
	DomainPaymentSucceeded    DomainEventType = "billing.payment.succeeded"
	DomainPaymentFailed       DomainEventType = "billing.payment.failed"
	DomainPaymentRefunded     DomainEventType = "billing.payment.refunded"
	DomainPayoutSettled       DomainEventType = "billing.payout.settled"
	DomainPayoutFailed        DomainEventType = "billing.payout.failed"
	DomainUsageReported       DomainEventType = "billing.usage.reported"
)

// ActorType identifies what caused a domain event.
type ActorType string

const (
	ActorSystem  ActorType = "system"
	ActorUser    ActorType = "user"
	ActorWebhook ActorType = "webhook"
)

// SubscriptionStatus represents the state of a billing subscription as
// reported by the payment processor.
type SubscriptionStatus string

const (
	SubStatusActive            SubscriptionStatus = "active"
	SubStatusPastDue           SubscriptionStatus = "past_due"
	SubStatusCanceled          SubscriptionStatus = "canceled"
	SubStatusIncomplete        SubscriptionStatus = "incomplete"
	SubStatusIncompleteExpired SubscriptionStatus = "incomplete_expired"
	SubStatusTrialing          SubscriptionStatus = "trialing"
	SubStatusUnpaid            SubscriptionStatus = "unpaid"
)

// PaymentKind identifies which processor object a payment record mirrors.
type PaymentKind string

const (
	PaymentKindIntent PaymentKind = "payment_intent"
	PaymentKindCharge PaymentKind = "charge"
	PaymentKindPayout PaymentKind = "payout"
)

// PaymentOutcome is the normalized terminal state of a payment record.
type PaymentOutcome string

const (
	PaymentSucceeded PaymentOutcome = "succeeded"
	PaymentFailed    PaymentOutcome = "failed"
	PaymentCanceled  PaymentOutcome = "canceled"
	PaymentRefunded  PaymentOutcome = "refunded"
	PayoutSettled    PaymentOutcome = "settled"
)

// UsageMetric identifies a metered quantity reported to the processor.
type UsageMetric string

const (
	MetricAPICalls    UsageMetric = "api_calls"
	MetricActiveSeats UsageMetric = "active_seats"
)

// WebhookEventState is a derived read-model state for the ops API. It is
// computed from the processed/retry columns, not stored.
type WebhookEventState string

const (
	EventStatePending   WebhookEventState = "pending"
	EventStateProcessed WebhookEventState = "processed"
	EventStateFailed    WebhookEventState = "failed"
	EventStateDead      WebhookEventState = "dead"
)
