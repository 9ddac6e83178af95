package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"subledger/internal/db"
	"subledger/internal/types"
)

// --- Mock Failure Stores ---

type recordedFailure struct {
	id          string
	lastError   string
	retryCount  int
	nextRetryAt *time.Time
}

// mockWebhookFailureStore captures RecordFailure calls against webhook
// event rows.
type mockWebhookFailureStore struct {
	calls   []recordedFailure
	applied bool
	err     error
}

func (m *mockWebhookFailureStore) RecordFailure(_ context.Context, id string, lastError string, retryCount int, nextRetryAt *time.Time) (bool, error) {
	m.calls = append(m.calls, recordedFailure{id: id, lastError: lastError, retryCount: retryCount, nextRetryAt: nextRetryAt})
	if m.err != nil {
		return false, m.err
	}
	return m.applied, nil
}

// mockDomainFailureStore captures RecordHandlerFailure calls against domain
// event rows.
type mockDomainFailureStore struct {
	ids  []string
	errs []string
	err  error
}

func (m *mockDomainFailureStore) RecordHandlerFailure(_ context.Context, id string, handlerErr string) error {
	m.ids = append(m.ids, id)
	m.errs = append(m.errs, handlerErr)
	return m.err
}

// --- Test Helpers ---

func newTestScheduler(sender *mockSQSSender, webhooks *mockWebhookFailureStore, events *mockDomainFailureStore) *RetryScheduler {
	policy := RetryPolicy{MaxAttempts: 3, BaseMinutes: 5}
	pub := NewPublisher(sender, testQueueConfig(), slog.Default())
	return NewRetryScheduler(pub, webhooks, events, policy, slog.Default())
}

// --- Tests ---

func TestRetryPolicy_Delay(t *testing.T) {
	tests := []struct {
		name    string
		policy  RetryPolicy
		attempt int
		want    time.Duration
	}{
		{"first retry", RetryPolicy{MaxAttempts: 3, BaseMinutes: 5}, 1, 5 * time.Minute},
		{"second retry", RetryPolicy{MaxAttempts: 3, BaseMinutes: 5}, 2, 25 * time.Minute},
		{"third retry", RetryPolicy{MaxAttempts: 3, BaseMinutes: 5}, 3, 125 * time.Minute},
		{"attempt floor", RetryPolicy{MaxAttempts: 3, BaseMinutes: 5}, 0, 5 * time.Minute},
		{"base two", RetryPolicy{MaxAttempts: 3, BaseMinutes: 2}, 3, 8 * time.Minute},
		{"base floor", RetryPolicy{MaxAttempts: 3, BaseMinutes: 0}, 2, time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.policy.Delay(tt.attempt); got != tt.want {
				t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
			}
		})
	}
}

func TestRetryPolicy_DelayOverflowCapped(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, BaseMinutes: 5}

	got := policy.Delay(100)
	if got != maxBackoff {
		t.Errorf("Delay(100) = %v, want cap %v", got, maxBackoff)
	}
	if got < 0 {
		t.Error("Delay must never go negative")
	}
}

func TestScheduleRetry_FirstFailureRequeuesWithBaseDelay(t *testing.T) {
	sender := &mockSQSSender{}
	webhooks := &mockWebhookFailureStore{applied: true}
	scheduler := newTestScheduler(sender, webhooks, &mockDomainFailureStore{})

	job := testWebhookJob()
	cause := fmt.Errorf("stripe: 502 bad gateway")

	outcome, err := scheduler.ScheduleRetry(context.Background(), job, cause)
	if err != nil {
		t.Fatalf("ScheduleRetry returned unexpected error: %v", err)
	}
	if outcome != RetryRequeued {
		t.Fatalf("expected outcome %q, got %q", RetryRequeued, outcome)
	}

	// The failure lands on the row before the republish.
	if len(webhooks.calls) != 1 {
		t.Fatalf("expected 1 RecordFailure call, got %d", len(webhooks.calls))
	}
	rec := webhooks.calls[0]
	if rec.id != job.EventID {
		t.Errorf("expected failure recorded on %q, got %q", job.EventID, rec.id)
	}
	if rec.lastError != cause.Error() {
		t.Errorf("expected last error %q, got %q", cause.Error(), rec.lastError)
	}
	if rec.retryCount != 1 {
		t.Errorf("expected retry count 1, got %d", rec.retryCount)
	}
	if rec.nextRetryAt != nil {
		t.Errorf("expected nil nextRetryAt for a requeue, got %v", rec.nextRetryAt)
	}

	// The republished envelope carries the incremented attempt and the base
	// backoff of 5 minutes.
	if len(sender.calls) != 1 {
		t.Fatalf("expected 1 SQS call, got %d", len(sender.calls))
	}
	call := sender.calls[0]
	if *call.QueueUrl != testWebhookJobsURL {
		t.Errorf("expected requeue on %q, got %q", testWebhookJobsURL, *call.QueueUrl)
	}
	if call.DelaySeconds != 300 {
		t.Errorf("expected DelaySeconds 300, got %d", call.DelaySeconds)
	}

	var requeued types.WebhookJob
	if err := json.Unmarshal([]byte(*call.MessageBody), &requeued); err != nil {
		t.Fatalf("failed to unmarshal requeued job: %v", err)
	}
	if requeued.Attempt != 1 {
		t.Errorf("expected requeued attempt 1, got %d", requeued.Attempt)
	}
}

func TestScheduleRetry_SecondFailureParksPastSQSCap(t *testing.T) {
	sender := &mockSQSSender{}
	webhooks := &mockWebhookFailureStore{applied: true}
	scheduler := newTestScheduler(sender, webhooks, &mockDomainFailureStore{})

	job := testWebhookJob()
	job.Attempt = 1

	before := time.Now().UTC()
	outcome, err := scheduler.ScheduleRetry(context.Background(), job, fmt.Errorf("timeout"))
	after := time.Now().UTC()
	if err != nil {
		t.Fatalf("ScheduleRetry returned unexpected error: %v", err)
	}
	if outcome != RetryParked {
		t.Fatalf("expected outcome %q, got %q", RetryParked, outcome)
	}

	// The 25 minute backoff exceeds the 900 second DelaySeconds cap, so the
	// job parks on the row instead of riding the queue.
	if len(sender.calls) != 0 {
		t.Fatalf("expected no SQS calls for a park, got %d", len(sender.calls))
	}

	rec := webhooks.calls[0]
	if rec.retryCount != 2 {
		t.Errorf("expected retry count 2, got %d", rec.retryCount)
	}
	if rec.nextRetryAt == nil {
		t.Fatal("expected nextRetryAt to be set for a park")
	}
	wantLow := before.Add(25 * time.Minute)
	wantHigh := after.Add(25 * time.Minute)
	if rec.nextRetryAt.Before(wantLow) || rec.nextRetryAt.After(wantHigh) {
		t.Errorf("nextRetryAt %v not in expected range [%v, %v]", rec.nextRetryAt, wantLow, wantHigh)
	}
}

func TestScheduleRetry_ExhaustedBudgetDeadLetters(t *testing.T) {
	sender := &mockSQSSender{}
	webhooks := &mockWebhookFailureStore{applied: true}
	scheduler := newTestScheduler(sender, webhooks, &mockDomainFailureStore{})

	job := testWebhookJob()
	job.Attempt = 3

	outcome, err := scheduler.ScheduleRetry(context.Background(), job, fmt.Errorf("still failing"))
	if err != nil {
		t.Fatalf("ScheduleRetry returned unexpected error: %v", err)
	}
	if outcome != RetryDeadLettered {
		t.Fatalf("expected outcome %q, got %q", RetryDeadLettered, outcome)
	}

	// The terminal failure is still recorded on the row, with no resume time.
	rec := webhooks.calls[0]
	if rec.retryCount != 3 {
		t.Errorf("expected retry count 3, got %d", rec.retryCount)
	}
	if rec.nextRetryAt != nil {
		t.Errorf("expected nil nextRetryAt for dead-letter, got %v", rec.nextRetryAt)
	}

	if len(sender.calls) != 1 {
		t.Fatalf("expected 1 SQS call, got %d", len(sender.calls))
	}
	call := sender.calls[0]
	if *call.QueueUrl != testDeadLetterURL {
		t.Errorf("expected publish to %q, got %q", testDeadLetterURL, *call.QueueUrl)
	}

	reason, ok := call.MessageAttributes["reason"]
	if !ok {
		t.Fatal("expected 'reason' message attribute to be set")
	}
	if *reason.StringValue != ReasonMaxRetries {
		t.Errorf("expected reason %q, got %q", ReasonMaxRetries, *reason.StringValue)
	}

	// The dead-letter body is the original envelope, still decodable.
	var buried types.WebhookJob
	if err := json.Unmarshal([]byte(*call.MessageBody), &buried); err != nil {
		t.Fatalf("failed to unmarshal dead-letter body: %v", err)
	}
	if buried.EventID != job.EventID {
		t.Errorf("expected buried EventID %q, got %q", job.EventID, buried.EventID)
	}
	if buried.Attempt != 3 {
		t.Errorf("expected buried attempt 3, got %d", buried.Attempt)
	}
}

func TestScheduleRetry_DroppedWhenRowAlreadyProcessed(t *testing.T) {
	sender := &mockSQSSender{}
	webhooks := &mockWebhookFailureStore{applied: false}
	scheduler := newTestScheduler(sender, webhooks, &mockDomainFailureStore{})

	outcome, err := scheduler.ScheduleRetry(context.Background(), testWebhookJob(), fmt.Errorf("timeout"))
	if err != nil {
		t.Fatalf("ScheduleRetry returned unexpected error: %v", err)
	}
	if outcome != RetryDropped {
		t.Fatalf("expected outcome %q, got %q", RetryDropped, outcome)
	}
	if len(sender.calls) != 0 {
		t.Errorf("expected no SQS calls for a dropped retry, got %d", len(sender.calls))
	}
}

func TestScheduleRetry_StoreError(t *testing.T) {
	sender := &mockSQSSender{}
	webhooks := &mockWebhookFailureStore{err: fmt.Errorf("connection refused")}
	scheduler := newTestScheduler(sender, webhooks, &mockDomainFailureStore{})

	_, err := scheduler.ScheduleRetry(context.Background(), testWebhookJob(), fmt.Errorf("timeout"))
	if err == nil {
		t.Fatal("expected error from ScheduleRetry, got nil")
	}
	if len(sender.calls) != 0 {
		t.Errorf("expected no SQS calls when the store fails, got %d", len(sender.calls))
	}
}

func TestScheduleRetry_PublishError(t *testing.T) {
	sender := &mockSQSSender{err: fmt.Errorf("service unavailable")}
	webhooks := &mockWebhookFailureStore{applied: true}
	scheduler := newTestScheduler(sender, webhooks, &mockDomainFailureStore{})

	_, err := scheduler.ScheduleRetry(context.Background(), testWebhookJob(), fmt.Errorf("timeout"))
	if err == nil {
		t.Fatal("expected error from ScheduleRetry when publish fails, got nil")
	}
}

func TestScheduleSideEffectRetry_RecordsFailureAndRequeues(t *testing.T) {
	sender := &mockSQSSender{}
	events := &mockDomainFailureStore{}
	scheduler := newTestScheduler(sender, &mockWebhookFailureStore{}, events)

	job := testSideEffectJob()
	job.Attempt = 1
	cause := fmt.Errorf("ses: throttled")

	outcome, err := scheduler.ScheduleSideEffectRetry(context.Background(), job, cause)
	if err != nil {
		t.Fatalf("ScheduleSideEffectRetry returned unexpected error: %v", err)
	}
	if outcome != RetryRequeued {
		t.Fatalf("expected outcome %q, got %q", RetryRequeued, outcome)
	}

	if len(events.ids) != 1 || events.ids[0] != job.DomainEventID {
		t.Fatalf("expected handler failure recorded on %q, got %v", job.DomainEventID, events.ids)
	}
	if events.errs[0] != cause.Error() {
		t.Errorf("expected recorded error %q, got %q", cause.Error(), events.errs[0])
	}

	// Domain events have no parking column: the 25 minute backoff clamps to
	// the SQS cap instead.
	call := sender.calls[0]
	if *call.QueueUrl != testSideEffectsURL {
		t.Errorf("expected requeue on %q, got %q", testSideEffectsURL, *call.QueueUrl)
	}
	if call.DelaySeconds != 900 {
		t.Errorf("expected DelaySeconds clamped to 900, got %d", call.DelaySeconds)
	}

	var requeued types.SideEffectJob
	if err := json.Unmarshal([]byte(*call.MessageBody), &requeued); err != nil {
		t.Fatalf("failed to unmarshal requeued job: %v", err)
	}
	if requeued.Attempt != 2 {
		t.Errorf("expected requeued attempt 2, got %d", requeued.Attempt)
	}
}

func TestScheduleSideEffectRetry_ExhaustedBudgetDeadLetters(t *testing.T) {
	sender := &mockSQSSender{}
	events := &mockDomainFailureStore{}
	scheduler := newTestScheduler(sender, &mockWebhookFailureStore{}, events)

	job := testSideEffectJob()
	job.Attempt = 3

	outcome, err := scheduler.ScheduleSideEffectRetry(context.Background(), job, fmt.Errorf("still failing"))
	if err != nil {
		t.Fatalf("ScheduleSideEffectRetry returned unexpected error: %v", err)
	}
	if outcome != RetryDeadLettered {
		t.Fatalf("expected outcome %q, got %q", RetryDeadLettered, outcome)
	}

	call := sender.calls[0]
	if *call.QueueUrl != testDeadLetterURL {
		t.Errorf("expected publish to %q, got %q", testDeadLetterURL, *call.QueueUrl)
	}

	var buried types.SideEffectJob
	if err := json.Unmarshal([]byte(*call.MessageBody), &buried); err != nil {
		t.Fatalf("failed to unmarshal dead-letter body: %v", err)
	}
	if buried.HandlerName != job.HandlerName {
		t.Errorf("expected buried handler %q, got %q", job.HandlerName, buried.HandlerName)
	}
}

func TestScheduleSideEffectRetry_RecordFailureError(t *testing.T) {
	sender := &mockSQSSender{}
	events := &mockDomainFailureStore{err: fmt.Errorf("connection refused")}
	scheduler := newTestScheduler(sender, &mockWebhookFailureStore{}, events)

	_, err := scheduler.ScheduleSideEffectRetry(context.Background(), testSideEffectJob(), fmt.Errorf("timeout"))
	if err == nil {
		t.Fatal("expected error from ScheduleSideEffectRetry, got nil")
	}
	if len(sender.calls) != 0 {
		t.Errorf("expected no SQS calls when the store fails, got %d", len(sender.calls))
	}
}

func TestDeadLetter_PublishesEnvelopeWithReason(t *testing.T) {
	sender := &mockSQSSender{}
	scheduler := newTestScheduler(sender, &mockWebhookFailureStore{}, &mockDomainFailureStore{})

	job := testWebhookJob()
	job.Attempt = 1

	err := scheduler.DeadLetter(context.Background(), job, ReasonPermanent)
	if err != nil {
		t.Fatalf("DeadLetter returned unexpected error: %v", err)
	}

	call := sender.calls[0]
	if *call.QueueUrl != testDeadLetterURL {
		t.Errorf("expected publish to %q, got %q", testDeadLetterURL, *call.QueueUrl)
	}

	reason := call.MessageAttributes["reason"]
	if *reason.StringValue != ReasonPermanent {
		t.Errorf("expected reason %q, got %q", ReasonPermanent, *reason.StringValue)
	}
	attempt := call.MessageAttributes["attempt"]
	if *attempt.StringValue != "1" {
		t.Errorf("expected attempt attribute \"1\", got %q", *attempt.StringValue)
	}

	var buried types.WebhookJob
	if err := json.Unmarshal([]byte(*call.MessageBody), &buried); err != nil {
		t.Fatalf("failed to unmarshal dead-letter body: %v", err)
	}
	if buried.ExternalID != job.ExternalID {
		t.Errorf("expected buried ExternalID %q, got %q", job.ExternalID, buried.ExternalID)
	}
}

// Compile-time checks that the real repositories satisfy the scheduler's
// narrow store interfaces.
var (
	_ WebhookFailureStore = (*db.WebhookEventRepository)(nil)
	_ DomainFailureStore  = (*db.DomainEventRepository)(nil)
)
