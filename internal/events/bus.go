// Package events implements the domain event bus. Billing services publish
// normalized facts here after a state change; the bus persists every event
// to the audit store before any consumer sees it, runs inline handlers
// synchronously in priority order, and defers queued handlers to the
// side-effects topic so external-API work never blocks webhook processing.
//
// The bus is an explicit injected object, never a package-level singleton.
// Both the API server and the worker construct it the same way at startup.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"subledger/internal/types"
)

// Handler consumes domain events. Implementations must be safe for
// concurrent use; inline handlers run on the publisher's goroutine while
// queued handlers run later on a worker.
type Handler interface {
	// Name identifies the handler in logs, failure records, and
	// side-effect job envelopes. Names must be unique per bus.
	Name() string

	// Priority orders dispatch; higher runs first.
	Priority() int

	// ShouldQueue reports whether Handle runs on the side-effects topic
	// instead of inline. Anything that calls an external API should queue.
	ShouldQueue() bool

	// Handle processes one event. Returning stop=true short-circuits
	// lower-priority handlers; a returned error is recorded on the event
	// row and, for queued handlers, retried.
	Handle(ctx context.Context, event *types.DomainEvent) (stop bool, err error)
}

// AuditStore is the slice of the domain event repository the bus needs:
// persisting the fact before dispatch and recording handler failures after.
type AuditStore interface {
	Insert(ctx context.Context, e *types.DomainEvent) error
	RecordHandlerFailure(ctx context.Context, id string, handlerErr string) error
}

// JobEnqueuer publishes side-effect jobs for queued handlers.
type JobEnqueuer interface {
	PublishSideEffect(ctx context.Context, job types.SideEffectJob, delay time.Duration) error
}

// BusOption configures optional Bus behavior.
type BusOption func(*Bus)

// WithSource sets the default Metadata.Source stamped on published events
// whose metadata does not name one.
func WithSource(source string) BusOption {
	return func(b *Bus) { b.source = source }
}

// WithEnvironment sets the Metadata.Environment stamped on published events
// whose metadata does not name one.
func WithEnvironment(env string) BusOption {
	return func(b *Bus) { b.environment = env }
}

// Bus fans persisted domain events out to subscribed handlers.
type Bus struct {
	store       AuditStore
	enqueuer    JobEnqueuer
	logger      *slog.Logger
	source      string
	environment string

	mu       sync.RWMutex
	handlers map[types.DomainEventType][]Handler
	byName   map[string]Handler

	wg sync.WaitGroup
}

// NewBus creates a Bus persisting through store and deferring queued
// handlers through enqueuer.
func NewBus(store AuditStore, enqueuer JobEnqueuer, logger *slog.Logger, opts ...BusOption) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{
		store:    store,
		enqueuer: enqueuer,
		logger:   logger,
		source:   "billing",
		handlers: make(map[types.DomainEventType][]Handler),
		byName:   make(map[string]Handler),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a handler for one event type. Registration happens at
// process start, before the first Publish; Subscribe is not meant to race
// with dispatch. The same handler may subscribe to many types.
func (b *Bus) Subscribe(eventType types.DomainEventType, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if existing, ok := b.byName[h.Name()]; ok && existing != h {
		b.logger.Warn("replacing handler registered under the same name", "handler", h.Name())
	}
	b.byName[h.Name()] = h

	hs := append(b.handlers[eventType], h)
	sort.SliceStable(hs, func(i, j int) bool { return hs[i].Priority() > hs[j].Priority() })
	b.handlers[eventType] = hs
}

// Handler returns the handler registered under name. The side-effect
// consumer resolves queued job envelopes through this lookup.
func (b *Bus) Handler(name string) (Handler, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	h, ok := b.byName[name]
	return h, ok
}

// Publish assigns the event its identity, persists it to the audit store,
// and then notifies matching handlers in priority order. The returned error
// covers the audit write only: once the fact is stored, handler failures are
// logged and recorded on the row but never propagated, and a stop=true
// return from a handler short-circuits everything at lower priority.
//
// Events are persisted even when no handler is subscribed; the audit trail
// does not depend on consumers existing.
func (b *Bus) Publish(ctx context.Context, event *types.DomainEvent) error {
	if event == nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "cannot publish nil domain event", nil)
	}

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	if event.Version == 0 {
		event.Version = 1
	}
	if event.Metadata.Source == "" {
		event.Metadata.Source = b.source
	}
	if event.Metadata.Environment == "" {
		event.Metadata.Environment = b.environment
	}
	if event.Metadata.CorrelationID == "" {
		event.Metadata.CorrelationID = types.GetTraceID(ctx)
	}

	// Audit first. A fact that cannot be stored is not published.
	if err := b.store.Insert(ctx, event); err != nil {
		return err
	}

	b.dispatch(ctx, event)
	return nil
}

// PublishAsync publishes without waiting for dispatch and discards the
// result; failures are observable only through logs and the audit row. The
// publish survives cancellation of the caller's context. Close waits for
// all in-flight asynchronous publishes.
func (b *Bus) PublishAsync(ctx context.Context, event *types.DomainEvent) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ctx := context.WithoutCancel(ctx)
		if err := b.Publish(ctx, event); err != nil {
			b.logger.ErrorContext(ctx, "async event publish failed", "error", err)
		}
	}()
}

// Close waits for in-flight asynchronous publishes to finish. Publish and
// Subscribe must not be called after Close.
func (b *Bus) Close() {
	b.wg.Wait()
}

func (b *Bus) dispatch(ctx context.Context, event *types.DomainEvent) {
	b.mu.RLock()
	hs := b.handlers[event.Type]
	b.mu.RUnlock()

	for _, h := range hs {
		if h.ShouldQueue() {
			b.enqueue(ctx, h, event)
			continue
		}
		if b.runInline(ctx, h, event) {
			b.logger.InfoContext(ctx, "event propagation stopped",
				"event_id", event.ID,
				"event_type", string(event.Type),
				"handler", h.Name(),
			)
			return
		}
	}
}

// enqueue defers a queued handler by publishing a side-effect job that
// references the persisted event. Enqueue failures are recorded on the row
// like handler failures; they never fail the publish.
func (b *Bus) enqueue(ctx context.Context, h Handler, event *types.DomainEvent) {
	trace := types.GetTraceID(ctx)
	if trace == "" {
		trace = event.Metadata.CorrelationID
	}

	job := types.SideEffectJob{
		DomainEventID: event.ID,
		HandlerName:   h.Name(),
		Attempt:       0,
		TraceID:       trace,
		EnqueuedAt:    time.Now().UTC(),
	}
	if err := b.enqueuer.PublishSideEffect(ctx, job, 0); err != nil {
		b.logger.ErrorContext(ctx, "failed to enqueue side-effect job",
			"event_id", event.ID,
			"handler", h.Name(),
			"error", err,
		)
		b.recordFailure(ctx, event, h.Name(), err)
	}
}

// runInline runs one inline handler with per-handler isolation: errors and
// panics are logged and recorded on the event row, and a handler that fails
// cannot stop propagation.
func (b *Bus) runInline(ctx context.Context, h Handler, event *types.DomainEvent) (stop bool) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.ErrorContext(ctx, "event handler panicked",
				"event_id", event.ID,
				"handler", h.Name(),
				"panic", r,
			)
			b.recordFailure(ctx, event, h.Name(), fmt.Errorf("panic: %v", r))
			stop = false
		}
	}()

	st, err := h.Handle(ctx, event)
	if err != nil {
		b.logger.ErrorContext(ctx, "event handler failed",
			"event_id", event.ID,
			"event_type", string(event.Type),
			"handler", h.Name(),
			"error", err,
		)
		b.recordFailure(ctx, event, h.Name(), err)
		return false
	}
	return st
}

func (b *Bus) recordFailure(ctx context.Context, event *types.DomainEvent, handlerName string, cause error) {
	msg := fmt.Sprintf("%s: %v", handlerName, cause)
	if err := b.store.RecordHandlerFailure(ctx, event.ID, msg); err != nil {
		b.logger.ErrorContext(ctx, "failed to record handler failure",
			"event_id", event.ID,
			"handler", handlerName,
			"error", err,
		)
	}
}
