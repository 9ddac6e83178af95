// Package queue implements the SQS transport between webhook ingestion and
// the worker fleet: a publisher for the webhook-jobs, side-effects, and
// dead-letter topics, a long-poll consumer, and the retry scheduler that
// owns the republish / park / dead-letter decision for failed jobs.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"subledger/internal/config"
	"subledger/internal/types"
)

// Topic names one of the pipeline's SQS queues. The publisher maps topics
// to queue URLs at construction time, so callers never handle raw URLs.
type Topic string

const (
	// TopicWebhookJobs carries WebhookJob envelopes from the ingress
	// endpoint and the retry scheduler to the webhook worker.
	TopicWebhookJobs Topic = "webhook-jobs"
	// TopicSideEffects carries SideEffectJob envelopes produced by the
	// event bus for queued handlers.
	TopicSideEffects Topic = "side-effects"
	// TopicDeadLetter receives jobs the pipeline has given up on, tagged
	// with a reason attribute for ops tooling.
	TopicDeadLetter Topic = "dead-letter"
)

// Message attribute keys. Attributes ride outside the body so redrive
// tooling can filter dead-letter traffic without decoding envelopes.
const (
	attrTraceID = "trace_id"
	attrAttempt = "attempt"
	attrHandler = "handler"
	attrReason  = "reason"
)

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// Publisher sends job envelopes to the pipeline's SQS topics.
//
// All delays are subject to the SQS DelaySeconds ceiling of 900 seconds
// (15 minutes); anything longer is clamped. Retries that need a longer wait
// go through the RetryScheduler, which parks them on the event row instead.
type Publisher struct {
	client SQSSender
	urls   map[Topic]string
	logger *slog.Logger
}

// NewPublisher creates a Publisher targeting the queue URLs from cfg.
func NewPublisher(client SQSSender, cfg config.QueueConfig, logger *slog.Logger) *Publisher {
	return &Publisher{
		client: client,
		urls: map[Topic]string{
			TopicWebhookJobs: cfg.WebhookJobsURL,
			TopicSideEffects: cfg.SideEffectsURL,
			TopicDeadLetter:  cfg.DeadLetterURL,
		},
		logger: logger,
	}
}

// PublishWebhookJob serializes job and sends it to the webhook-jobs topic
// with the given delay. trace_id and attempt ride as message attributes.
//
// The caller owns job.Attempt: the ingress endpoint publishes attempt 0 and
// the retry scheduler increments before republishing, so the consumer always
// sees an accurate attempt number.
func (p *Publisher) PublishWebhookJob(ctx context.Context, job types.WebhookJob, delay time.Duration) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: failed to marshal webhook job %s: %w", job.EventID, err)
	}

	attrs := map[string]sqsTypes.MessageAttributeValue{}
	setAttr(attrs, attrTraceID, job.TraceID)
	setAttr(attrs, attrAttempt, strconv.Itoa(job.Attempt))

	delaySec, err := p.send(ctx, TopicWebhookJobs, body, attrs, delay)
	if err != nil {
		return err
	}

	p.logger.InfoContext(ctx, "webhook job published",
		"event_id", job.EventID,
		"external_id", job.ExternalID,
		"event_type", job.EventType,
		"attempt", job.Attempt,
		"delay_seconds", delaySec,
		"trace_id", job.TraceID,
	)

	return nil
}

// PublishSideEffect serializes job and sends it to the side-effects topic
// with the given delay. trace_id, attempt, and handler ride as message
// attributes.
func (p *Publisher) PublishSideEffect(ctx context.Context, job types.SideEffectJob, delay time.Duration) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: failed to marshal side-effect job for event %s: %w", job.DomainEventID, err)
	}

	attrs := map[string]sqsTypes.MessageAttributeValue{}
	setAttr(attrs, attrTraceID, job.TraceID)
	setAttr(attrs, attrAttempt, strconv.Itoa(job.Attempt))
	setAttr(attrs, attrHandler, job.HandlerName)

	delaySec, err := p.send(ctx, TopicSideEffects, body, attrs, delay)
	if err != nil {
		return err
	}

	p.logger.InfoContext(ctx, "side-effect job published",
		"domain_event_id", job.DomainEventID,
		"handler", job.HandlerName,
		"attempt", job.Attempt,
		"delay_seconds", delaySec,
		"trace_id", job.TraceID,
	)

	return nil
}

// PublishDeadLetter sends a job body verbatim to the dead-letter topic.
// The body is whatever the original message carried, decodable or not, so
// nothing is lost between the source queue and the dead-letter queue. The
// reason, trace_id, and attempt travel as message attributes.
func (p *Publisher) PublishDeadLetter(ctx context.Context, body []byte, reason string, traceID string, attempt int) error {
	attrs := map[string]sqsTypes.MessageAttributeValue{}
	setAttr(attrs, attrReason, reason)
	setAttr(attrs, attrTraceID, traceID)
	setAttr(attrs, attrAttempt, strconv.Itoa(attempt))

	if _, err := p.send(ctx, TopicDeadLetter, body, attrs, 0); err != nil {
		return err
	}

	p.logger.WarnContext(ctx, "job dead-lettered",
		"reason", reason,
		"attempt", attempt,
		"trace_id", traceID,
	)

	return nil
}

// send delivers one message to the named topic and reports the DelaySeconds
// actually applied after clamping.
func (p *Publisher) send(ctx context.Context, topic Topic, body []byte, attrs map[string]sqsTypes.MessageAttributeValue, delay time.Duration) (int32, error) {
	queueURL, ok := p.urls[topic]
	if !ok || queueURL == "" {
		return 0, fmt.Errorf("queue: no queue URL configured for topic %s", topic)
	}

	// Clamp delay to the SQS maximum of 900 seconds.
	delaySec := int32(delay.Seconds())
	if delaySec > 900 {
		delaySec = 900
	}
	if delaySec < 0 {
		delaySec = 0
	}

	input := &sqs.SendMessageInput{
		QueueUrl:          aws.String(queueURL),
		MessageBody:       aws.String(string(body)),
		DelaySeconds:      delaySec,
		MessageAttributes: attrs,
	}

	if _, err := p.client.SendMessage(ctx, input); err != nil {
		return 0, fmt.Errorf("queue: failed to send message to %s: %w", topic, err)
	}

	return delaySec, nil
}

// setAttr adds a String message attribute. SQS rejects empty attribute
// values, so blank fields are omitted entirely.
func setAttr(attrs map[string]sqsTypes.MessageAttributeValue, key, value string) {
	if value == "" {
		return
	}
	attrs[key] = sqsTypes.MessageAttributeValue{
		DataType:    aws.String("String"),
		StringValue: aws.String(value),
	}
}
