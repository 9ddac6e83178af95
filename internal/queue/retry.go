package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"subledger/internal/config"
	"subledger/internal/types"
)

// maxQueueDelay mirrors the SQS DelaySeconds cap. Backoffs beyond it cannot
// ride the queue and are parked on the event row instead.
const maxQueueDelay = 15 * time.Minute

// maxBackoff caps the computed backoff against duration overflow.
const maxBackoff = 30 * 24 * time.Hour

// Dead-letter reasons carried on the reason message attribute.
const (
	ReasonMaxRetries     = "max_retries_exhausted"
	ReasonPermanent      = "permanent_error"
	ReasonUndecodable    = "undecodable_envelope"
	ReasonMissingRow     = "event_row_missing"
	ReasonUnknownHandler = "unknown_handler"
)

// RetryPolicy defines the exponential backoff for failed jobs. The wait
// before retry n is BaseMinutes^n minutes, so the default base of 5 yields
// 5, 25, then 125 minute delays.
type RetryPolicy struct {
	MaxAttempts int
	BaseMinutes int
}

// PolicyFromConfig builds the retry policy from worker configuration.
func PolicyFromConfig(cfg config.WorkerConfig) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: cfg.MaxRetries,
		BaseMinutes: cfg.RetryBaseMinutes,
	}
}

// Delay computes the backoff before retry number attempt.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := p.BaseMinutes
	if base < 1 {
		base = 1
	}

	minutes := float64(base)
	for i := 1; i < attempt; i++ {
		minutes *= float64(base)
	}

	d := time.Duration(minutes * float64(time.Minute))
	if d < 0 || d > maxBackoff {
		// Guard against overflow.
		d = maxBackoff
	}
	return d
}

// RetryOutcome reports what the scheduler decided to do with a failed job.
type RetryOutcome string

const (
	// RetryRequeued means the job went back onto its topic with a delay.
	RetryRequeued RetryOutcome = "requeued"
	// RetryParked means the backoff exceeded the SQS delay cap, so the
	// resume time was recorded as next_retry_at on the event row. The
	// maintenance requeue job re-enqueues it once due.
	RetryParked RetryOutcome = "parked"
	// RetryDeadLettered means the attempt budget is spent and the job
	// moved to the dead-letter topic.
	RetryDeadLettered RetryOutcome = "dead_lettered"
	// RetryDropped means the event row was marked processed by another
	// worker while this job was failing; there is nothing left to retry.
	RetryDropped RetryOutcome = "dropped"
)

// WebhookFailureStore is the slice of the webhook event store the scheduler
// needs: recording a failure and, when parking, the next_retry_at stamp.
type WebhookFailureStore interface {
	RecordFailure(ctx context.Context, id string, lastError string, retryCount int, nextRetryAt *time.Time) (bool, error)
}

// DomainFailureStore records handler failures on domain event rows.
type DomainFailureStore interface {
	RecordHandlerFailure(ctx context.Context, id string, handlerErr string) error
}

// RetryScheduler decides what happens to a failed job: republish with an
// SQS delay, park the event row when the backoff exceeds the DelaySeconds
// cap, or hand the job to the dead-letter topic once the attempt budget is
// spent. Workers report failures here and ack the original delivery after
// the scheduler returns; the scheduler is the only component that requeues.
type RetryScheduler struct {
	publisher *Publisher
	webhooks  WebhookFailureStore
	events    DomainFailureStore
	policy    RetryPolicy
	logger    *slog.Logger
}

// NewRetryScheduler creates a RetryScheduler publishing through publisher
// and recording failures through the two stores.
func NewRetryScheduler(publisher *Publisher, webhooks WebhookFailureStore, events DomainFailureStore, policy RetryPolicy, logger *slog.Logger) *RetryScheduler {
	return &RetryScheduler{
		publisher: publisher,
		webhooks:  webhooks,
		events:    events,
		policy:    policy,
		logger:    logger,
	}
}

// ScheduleRetry disposes of a webhook job whose processing attempt just
// failed with cause. The failure is recorded on the event row first, so the
// row's retry_count and last_error always reflect the envelope that will be
// delivered next. Then the job is requeued, parked, or dead-lettered.
func (s *RetryScheduler) ScheduleRetry(ctx context.Context, job types.WebhookJob, cause error) (RetryOutcome, error) {
	if job.Attempt >= s.policy.MaxAttempts {
		applied, err := s.webhooks.RecordFailure(ctx, job.EventID, cause.Error(), job.Attempt, nil)
		if err != nil {
			return "", err
		}
		if !applied {
			return s.dropped(ctx, job), nil
		}
		if err := s.DeadLetter(ctx, job, ReasonMaxRetries); err != nil {
			return "", err
		}
		return RetryDeadLettered, nil
	}

	next := job.Attempt + 1
	delay := s.policy.Delay(next)

	if delay > maxQueueDelay {
		resumeAt := time.Now().UTC().Add(delay)
		applied, err := s.webhooks.RecordFailure(ctx, job.EventID, cause.Error(), next, &resumeAt)
		if err != nil {
			return "", err
		}
		if !applied {
			return s.dropped(ctx, job), nil
		}
		s.logger.InfoContext(ctx, "webhook job parked",
			"event_id", job.EventID,
			"attempt", next,
			"resume_at", resumeAt,
			"trace_id", job.TraceID,
		)
		return RetryParked, nil
	}

	applied, err := s.webhooks.RecordFailure(ctx, job.EventID, cause.Error(), next, nil)
	if err != nil {
		return "", err
	}
	if !applied {
		return s.dropped(ctx, job), nil
	}

	job.Attempt = next
	if err := s.publisher.PublishWebhookJob(ctx, job, delay); err != nil {
		return "", err
	}
	return RetryRequeued, nil
}

// DeadLetter abandons a webhook job: the envelope is published to the
// dead-letter topic tagged with reason, and the caller acks the original.
func (s *RetryScheduler) DeadLetter(ctx context.Context, job types.WebhookJob, reason string) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: failed to marshal webhook job %s for dead-letter: %w", job.EventID, err)
	}
	return s.publisher.PublishDeadLetter(ctx, body, reason, job.TraceID, job.Attempt)
}

// ScheduleSideEffectRetry disposes of a failed side-effect job. The failure
// is recorded on the domain event row, then the job is requeued with backoff
// or dead-lettered once the shared attempt budget is spent. Domain event
// rows have no parking column, so backoffs past the SQS cap are clamped to
// it rather than parked.
func (s *RetryScheduler) ScheduleSideEffectRetry(ctx context.Context, job types.SideEffectJob, cause error) (RetryOutcome, error) {
	if err := s.events.RecordHandlerFailure(ctx, job.DomainEventID, cause.Error()); err != nil {
		return "", err
	}

	if job.Attempt >= s.policy.MaxAttempts {
		if err := s.DeadLetterSideEffect(ctx, job, ReasonMaxRetries); err != nil {
			return "", err
		}
		return RetryDeadLettered, nil
	}

	next := job.Attempt + 1
	delay := s.policy.Delay(next)
	if delay > maxQueueDelay {
		delay = maxQueueDelay
	}

	job.Attempt = next
	if err := s.publisher.PublishSideEffect(ctx, job, delay); err != nil {
		return "", err
	}
	return RetryRequeued, nil
}

// DeadLetterSideEffect abandons a side-effect job the same way DeadLetter
// abandons a webhook job.
func (s *RetryScheduler) DeadLetterSideEffect(ctx context.Context, job types.SideEffectJob, reason string) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: failed to marshal side-effect job for event %s for dead-letter: %w", job.DomainEventID, err)
	}
	return s.publisher.PublishDeadLetter(ctx, body, reason, job.TraceID, job.Attempt)
}

// DeadLetterRaw forwards a message body that never parsed into a job
// envelope. The body goes to the dead-letter topic verbatim; there is no
// trace or attempt to carry because the envelope was unreadable.
func (s *RetryScheduler) DeadLetterRaw(ctx context.Context, body []byte, reason string) error {
	return s.publisher.PublishDeadLetter(ctx, body, reason, "", 0)
}

func (s *RetryScheduler) dropped(ctx context.Context, job types.WebhookJob) RetryOutcome {
	s.logger.InfoContext(ctx, "retry dropped, event already processed",
		"event_id", job.EventID,
		"trace_id", job.TraceID,
	)
	return RetryDropped
}
