package types

import "time"

// WebhookJob is the queue envelope referencing one stored WebhookEvent.
// It deliberately carries no payload: the payload lives on the row, so a
// redelivered or replayed job can never drift from the stored truth.
// JSON tags use snake_case; messages already in flight must keep parsing
// across deploys, so renaming a key is a wire format break.
type WebhookJob struct {
	// EventID is the internal WebhookEvent primary key.
	EventID string `json:"event_id"`
	// ExternalID and EventType ride along for log context and routing
	// pre-checks; the row remains authoritative.
	ExternalID string           `json:"external_id"`
	EventType  WebhookEventType `json:"event_type"`
	Endpoint   WebhookEndpoint  `json:"endpoint"`

	// Attempt is the authoritative retry counter, carried across the
	// republish cycle. 0 on first enqueue; incremented by the retry
	// scheduler before each requeue.
	Attempt int `json:"attempt"`

	// Observability
	TraceID    string    `json:"trace_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// SideEffectJob asks the worker to run one queued bus handler against one
// persisted DomainEvent. Produced by the event bus for handlers whose
// ShouldQueue is true; the handler's input is loaded from the audit store.
type SideEffectJob struct {
	DomainEventID string `json:"domain_event_id"`
	HandlerName   string `json:"handler_name"`

	Attempt int `json:"attempt"`

	TraceID    string    `json:"trace_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}
