package webhooks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"subledger/internal/events"
	"subledger/internal/queue"
	"subledger/internal/types"
)

// WebhookStore is the slice of the webhook event repository the processor
// needs. Get loads the stored row; MarkProcessed and RecordFailure are
// conditional on processed = FALSE and report whether they applied.
type WebhookStore interface {
	Get(ctx context.Context, id string) (*types.WebhookEvent, error)
	MarkProcessed(ctx context.Context, id string) (bool, error)
	RecordFailure(ctx context.Context, id string, lastError string, retryCount int, nextRetryAt *time.Time) (bool, error)
}

// DomainStore loads persisted domain events for side-effect jobs and
// records handler failures on them.
type DomainStore interface {
	Get(ctx context.Context, id string) (*types.DomainEvent, error)
	RecordHandlerFailure(ctx context.Context, id string, handlerErr string) error
}

// EventRouter dispatches a stored event to its billing service.
type EventRouter interface {
	Route(ctx context.Context, event *types.WebhookEvent) error
}

// HandlerResolver finds the bus handler a side-effect job names.
type HandlerResolver interface {
	Handler(name string) (events.Handler, bool)
}

// RetryDecider disposes of failed jobs: republish with backoff, park, or
// dead-letter. Implemented by queue.RetryScheduler.
type RetryDecider interface {
	ScheduleRetry(ctx context.Context, job types.WebhookJob, cause error) (queue.RetryOutcome, error)
	DeadLetter(ctx context.Context, job types.WebhookJob, reason string) error
	ScheduleSideEffectRetry(ctx context.Context, job types.SideEffectJob, cause error) (queue.RetryOutcome, error)
	DeadLetterSideEffect(ctx context.Context, job types.SideEffectJob, reason string) error
	DeadLetterRaw(ctx context.Context, body []byte, reason string) error
}

// Processor drives one queue delivery through the worker pipeline. A single
// Processor is shared by every goroutine in the worker pool; all fields are
// read-only after construction.
//
// The Process methods return an error only when the disposal itself failed
// (store unreachable, republish rejected). The caller must then leave the
// delivery unacked so the visibility timeout redelivers it; every other
// outcome, including dead-lettering, consumes the delivery.
type Processor struct {
	store    WebhookStore
	domain   DomainStore
	router   EventRouter
	handlers HandlerResolver
	retries  RetryDecider
	metrics  PipelineMetrics
	logger   *slog.Logger
}

// NewProcessor creates a Processor over the pipeline dependencies.
func NewProcessor(store WebhookStore, domain DomainStore, router EventRouter, handlers HandlerResolver, retries RetryDecider, metrics PipelineMetrics, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		store:    store,
		domain:   domain,
		router:   router,
		handlers: handlers,
		retries:  retries,
		metrics:  metrics,
		logger:   logger,
	}
}

// ProcessWebhookJob handles one delivery from the webhook-jobs topic.
// sentAt is the SQS enqueue time for queue-lag telemetry; zero skips it.
func (p *Processor) ProcessWebhookJob(ctx context.Context, body []byte, sentAt time.Time) error {
	var job types.WebhookJob
	if err := json.Unmarshal(body, &job); err != nil {
		p.logger.ErrorContext(ctx, "undecodable webhook job envelope, dead-lettering", "error", err)
		p.metrics.RecordDeadLetter(ctx, string(queue.TopicWebhookJobs), queue.ReasonUndecodable)
		return p.retries.DeadLetterRaw(ctx, body, queue.ReasonUndecodable)
	}

	ctx = types.WithTraceID(ctx, job.TraceID)
	logger := p.logger.With(
		"event_id", job.EventID,
		"external_id", job.ExternalID,
		"event_type", string(job.EventType),
		"attempt", job.Attempt,
		"trace_id", job.TraceID,
	)
	if !sentAt.IsZero() {
		p.metrics.RecordQueueLag(ctx, string(queue.TopicWebhookJobs), time.Since(sentAt))
	}

	event, err := p.store.Get(ctx, job.EventID)
	if err != nil {
		if types.HasCode(err, types.ErrCodeNotFoundWebhookEvent) {
			logger.ErrorContext(ctx, "webhook job references a missing event row, dead-lettering")
			p.metrics.RecordDeadLetter(ctx, string(queue.TopicWebhookJobs), queue.ReasonMissingRow)
			return p.retries.DeadLetter(ctx, job, queue.ReasonMissingRow)
		}
		return err
	}

	category := event.EventType.Category()

	// Race guard: a redelivered or replayed job for an already-processed
	// row is consumed without touching anything.
	if event.Processed {
		logger.InfoContext(ctx, "event already processed, dropping job")
		p.metrics.RecordProcess(ctx, category, types.MetricResultDuplicate)
		return nil
	}

	start := time.Now()
	routeErr := p.route(ctx, event)
	p.metrics.RecordProcessLatency(ctx, category, time.Since(start))

	if routeErr == nil {
		applied, err := p.store.MarkProcessed(ctx, event.ID)
		if err != nil {
			return err
		}
		if applied {
			logger.InfoContext(ctx, "webhook event processed")
		} else {
			logger.InfoContext(ctx, "event marked processed by a concurrent worker")
		}
		p.metrics.RecordProcess(ctx, category, types.MetricResultSuccess)
		return nil
	}

	return p.disposeWebhookFailure(ctx, logger, job, category, routeErr)
}

// route runs the router with per-job panic recovery, so one poisoned
// payload is a recorded failure instead of a dead worker process.
func (p *Processor) route(ctx context.Context, event *types.WebhookEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = types.NewAppError(types.ErrCodeInternalUnexpected,
				fmt.Sprintf("panic while processing event: %v", r), nil)
		}
	}()
	return p.router.Route(ctx, event)
}

// disposeWebhookFailure records the failure and hands the job to the retry
// scheduler. Permanent-class errors skip the retry budget entirely.
func (p *Processor) disposeWebhookFailure(ctx context.Context, logger *slog.Logger, job types.WebhookJob, category types.EventCategory, cause error) error {
	if !types.IsRetryable(cause) {
		logger.ErrorContext(ctx, "permanent processing failure, dead-lettering", "error", cause)
		applied, err := p.store.RecordFailure(ctx, job.EventID, cause.Error(), job.Attempt, nil)
		if err != nil {
			return err
		}
		if !applied {
			logger.InfoContext(ctx, "event processed concurrently, dropping failure")
			return nil
		}
		if err := p.retries.DeadLetter(ctx, job, queue.ReasonPermanent); err != nil {
			return err
		}
		p.metrics.RecordProcess(ctx, category, types.MetricResultDead)
		p.metrics.RecordDeadLetter(ctx, string(queue.TopicWebhookJobs), queue.ReasonPermanent)
		return nil
	}

	outcome, err := p.retries.ScheduleRetry(ctx, job, cause)
	if err != nil {
		return err
	}

	switch outcome {
	case queue.RetryDeadLettered:
		logger.ErrorContext(ctx, "retry budget spent, job dead-lettered", "error", cause)
		p.metrics.RecordProcess(ctx, category, types.MetricResultDead)
		p.metrics.RecordDeadLetter(ctx, string(queue.TopicWebhookJobs), queue.ReasonMaxRetries)
	case queue.RetryDropped:
		p.metrics.RecordProcess(ctx, category, types.MetricResultDuplicate)
	default:
		logger.WarnContext(ctx, "processing failed, retry scheduled",
			"error", cause,
			"outcome", string(outcome),
		)
		p.metrics.RecordProcess(ctx, category, types.MetricResultRetry)
	}
	return nil
}

// ProcessSideEffect handles one delivery from the side-effects topic: load
// the persisted domain event, resolve the named bus handler, run it.
func (p *Processor) ProcessSideEffect(ctx context.Context, body []byte, sentAt time.Time) error {
	var job types.SideEffectJob
	if err := json.Unmarshal(body, &job); err != nil {
		p.logger.ErrorContext(ctx, "undecodable side-effect envelope, dead-lettering", "error", err)
		p.metrics.RecordDeadLetter(ctx, string(queue.TopicSideEffects), queue.ReasonUndecodable)
		return p.retries.DeadLetterRaw(ctx, body, queue.ReasonUndecodable)
	}

	ctx = types.WithTraceID(ctx, job.TraceID)
	logger := p.logger.With(
		"domain_event_id", job.DomainEventID,
		"handler", job.HandlerName,
		"attempt", job.Attempt,
		"trace_id", job.TraceID,
	)
	if !sentAt.IsZero() {
		p.metrics.RecordQueueLag(ctx, string(queue.TopicSideEffects), time.Since(sentAt))
	}

	event, err := p.domain.Get(ctx, job.DomainEventID)
	if err != nil {
		if types.HasCode(err, types.ErrCodeNotFoundDomainEvent) {
			logger.ErrorContext(ctx, "side-effect job references a missing domain event, dead-lettering")
			p.metrics.RecordDeadLetter(ctx, string(queue.TopicSideEffects), queue.ReasonMissingRow)
			return p.retries.DeadLetterSideEffect(ctx, job, queue.ReasonMissingRow)
		}
		return err
	}

	handler, ok := p.handlers.Handler(job.HandlerName)
	if !ok {
		// A job can outlive its handler across a deploy. It can never
		// succeed, so it goes straight to the dead-letter topic.
		logger.ErrorContext(ctx, "side-effect handler not registered, dead-lettering")
		p.metrics.RecordDeadLetter(ctx, string(queue.TopicSideEffects), queue.ReasonUnknownHandler)
		return p.retries.DeadLetterSideEffect(ctx, job, queue.ReasonUnknownHandler)
	}

	handleErr := p.runHandler(ctx, handler, event)
	if handleErr == nil {
		logger.InfoContext(ctx, "side effect delivered")
		p.metrics.RecordSideEffect(ctx, job.HandlerName, types.MetricResultSuccess)
		return nil
	}

	if !types.IsRetryable(handleErr) {
		logger.ErrorContext(ctx, "permanent side-effect failure, dead-lettering", "error", handleErr)
		if err := p.domain.RecordHandlerFailure(ctx, job.DomainEventID, handleErr.Error()); err != nil {
			return err
		}
		if err := p.retries.DeadLetterSideEffect(ctx, job, queue.ReasonPermanent); err != nil {
			return err
		}
		p.metrics.RecordSideEffect(ctx, job.HandlerName, types.MetricResultDead)
		p.metrics.RecordDeadLetter(ctx, string(queue.TopicSideEffects), queue.ReasonPermanent)
		return nil
	}

	outcome, err := p.retries.ScheduleSideEffectRetry(ctx, job, handleErr)
	if err != nil {
		return err
	}

	switch outcome {
	case queue.RetryDeadLettered:
		logger.ErrorContext(ctx, "side-effect retry budget spent, dead-lettered", "error", handleErr)
		p.metrics.RecordSideEffect(ctx, job.HandlerName, types.MetricResultDead)
		p.metrics.RecordDeadLetter(ctx, string(queue.TopicSideEffects), queue.ReasonMaxRetries)
	default:
		logger.WarnContext(ctx, "side effect failed, retry scheduled",
			"error", handleErr,
			"outcome", string(outcome),
		)
		p.metrics.RecordSideEffect(ctx, job.HandlerName, types.MetricResultRetry)
	}
	return nil
}

// runHandler runs one bus handler with the same panic isolation the bus
// gives inline handlers. The stop flag only affects inline propagation, so
// it is ignored here.
func (p *Processor) runHandler(ctx context.Context, h events.Handler, event *types.DomainEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = types.NewAppError(types.ErrCodeInternalUnexpected,
				fmt.Sprintf("handler panic: %v", r), nil)
		}
	}()
	_, err = h.Handle(ctx, event)
	return err
}
