package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"subledger/internal/config"
)

// SQSReceiver abstracts the SQS receive/delete pair for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSReceiver interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Delivery is one received message. The message stays invisible to other
// consumers for the configured lease; Ack deletes it, and doing nothing
// returns it to the queue when the lease expires.
type Delivery struct {
	MessageID     string
	Body          []byte
	ReceiptHandle string

	// SentAt is when SQS first accepted the message, parsed from the
	// SentTimestamp system attribute. Zero if the attribute was absent.
	SentAt time.Time

	client   SQSReceiver
	queueURL string
}

// Ack deletes the message from the queue. Only call it once the work the
// message asked for is either complete or durably recorded elsewhere; an
// unacked message is redelivered after the lease expires.
func (d *Delivery) Ack(ctx context.Context) error {
	_, err := d.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(d.queueURL),
		ReceiptHandle: aws.String(d.ReceiptHandle),
	})
	if err != nil {
		return fmt.Errorf("queue: failed to delete message %s: %w", d.MessageID, err)
	}
	return nil
}

// Consumer long-polls one SQS queue and hands back deliveries with their
// ack handles attached.
type Consumer struct {
	client       SQSReceiver
	queueURL     string
	waitTime     int32
	batchSize    int32
	leaseSeconds int32
}

// NewConsumer creates a Consumer for queueURL using the shared tuning from
// cfg: long-poll wait, batch size, and the visibility lease granted to each
// received message.
func NewConsumer(client SQSReceiver, queueURL string, cfg config.QueueConfig) *Consumer {
	return &Consumer{
		client:       client,
		queueURL:     queueURL,
		waitTime:     int32(cfg.WaitTimeSeconds),
		batchSize:    int32(cfg.BatchSize),
		leaseSeconds: int32(cfg.LeaseSeconds),
	}
}

// Receive long-polls for up to the configured wait time and returns at most
// one batch of deliveries. An empty batch with a nil error is a quiet poll;
// callers loop and receive again.
func (c *Consumer) Receive(ctx context.Context) ([]Delivery, error) {
	out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: c.batchSize,
		WaitTimeSeconds:     c.waitTime,
		VisibilityTimeout:   c.leaseSeconds,
		MessageSystemAttributeNames: []sqsTypes.MessageSystemAttributeName{
			sqsTypes.MessageSystemAttributeNameSentTimestamp,
		},
		MessageAttributeNames: []string{"All"},
	})
	if err != nil {
		return nil, fmt.Errorf("queue: failed to receive from %s: %w", c.queueURL, err)
	}

	deliveries := make([]Delivery, 0, len(out.Messages))
	for _, msg := range out.Messages {
		deliveries = append(deliveries, Delivery{
			MessageID:     aws.ToString(msg.MessageId),
			Body:          []byte(aws.ToString(msg.Body)),
			ReceiptHandle: aws.ToString(msg.ReceiptHandle),
			SentAt:        parseSentTimestamp(msg.Attributes),
			client:        c.client,
			queueURL:      c.queueURL,
		})
	}

	return deliveries, nil
}

// parseSentTimestamp converts the SentTimestamp attribute, epoch
// milliseconds as a decimal string, into a time.Time.
func parseSentTimestamp(attrs map[string]string) time.Time {
	raw, ok := attrs[string(sqsTypes.MessageSystemAttributeNameSentTimestamp)]
	if !ok {
		return time.Time{}
	}
	millis, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(millis).UTC()
}
