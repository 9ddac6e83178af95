package webhooks

import (
	"context"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"subledger/internal/types"
)

// PipelineMetrics is the telemetry surface for the webhook pipeline:
// ingress outcomes, processing outcomes and latency, queue lag, side-effect
// delivery, and dead-letter traffic. Implementations must never fail the
// caller; metric emission is best effort.
type PipelineMetrics interface {
	RecordIngest(ctx context.Context, endpoint types.WebhookEndpoint, result string)
	RecordProcess(ctx context.Context, category types.EventCategory, result string)
	RecordProcessLatency(ctx context.Context, category types.EventCategory, d time.Duration)
	RecordQueueLag(ctx context.Context, topic string, lag time.Duration)
	RecordSideEffect(ctx context.Context, handler string, result string)
	RecordDeadLetter(ctx context.Context, topic string, reason string)
}

// CloudWatchClient abstracts the PutMetricData operation for testability.
// Production code uses *cloudwatch.Client from aws-sdk-go-v2.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchMetrics emits pipeline telemetry to CloudWatch under the
// types.MetricNamespace namespace, one datum per call. Emission failures
// are logged and swallowed; telemetry must never affect processing.
type CloudWatchMetrics struct {
	client CloudWatchClient
	logger *slog.Logger
}

// NewCloudWatchMetrics creates a CloudWatchMetrics over client.
func NewCloudWatchMetrics(client CloudWatchClient, logger *slog.Logger) *CloudWatchMetrics {
	if logger == nil {
		logger = slog.Default()
	}
	return &CloudWatchMetrics{client: client, logger: logger}
}

func (m *CloudWatchMetrics) RecordIngest(ctx context.Context, endpoint types.WebhookEndpoint, result string) {
	m.put(ctx, types.MetricIngestAttempt, 1, cwtypes.StandardUnitCount,
		dim(types.DimEndpoint, string(endpoint)),
		dim(types.DimResult, result),
	)
}

func (m *CloudWatchMetrics) RecordProcess(ctx context.Context, category types.EventCategory, result string) {
	m.put(ctx, types.MetricProcessAttempt, 1, cwtypes.StandardUnitCount,
		dim(types.DimCategory, string(category)),
		dim(types.DimResult, result),
	)
}

func (m *CloudWatchMetrics) RecordProcessLatency(ctx context.Context, category types.EventCategory, d time.Duration) {
	m.put(ctx, types.MetricProcessLatency, float64(d.Milliseconds()), cwtypes.StandardUnitMilliseconds,
		dim(types.DimCategory, string(category)),
	)
}

func (m *CloudWatchMetrics) RecordQueueLag(ctx context.Context, topic string, lag time.Duration) {
	m.put(ctx, types.MetricQueueLag, float64(lag.Milliseconds()), cwtypes.StandardUnitMilliseconds,
		dim(types.DimTopic, topic),
	)
}

func (m *CloudWatchMetrics) RecordSideEffect(ctx context.Context, handler string, result string) {
	m.put(ctx, types.MetricSideEffect, 1, cwtypes.StandardUnitCount,
		dim(types.DimHandler, handler),
		dim(types.DimResult, result),
	)
}

func (m *CloudWatchMetrics) RecordDeadLetter(ctx context.Context, topic string, reason string) {
	m.put(ctx, types.MetricDeadLettered, 1, cwtypes.StandardUnitCount,
		dim(types.DimTopic, topic),
		dim(types.DimResult, reason),
	)
}

// RecordRequest emits API request telemetry. It additionally satisfies the
// server chassis's MetricsCollector interface, so one collector serves both
// the pipeline and the HTTP surface.
func (m *CloudWatchMetrics) RecordRequest(ctx context.Context, method, route, status string, d time.Duration) {
	m.put(ctx, types.MetricAPILatency, float64(d.Milliseconds()), cwtypes.StandardUnitMilliseconds,
		dim(types.DimMethod, method),
		dim(types.DimRoute, route),
		dim(types.DimResult, status),
	)
}

func (m *CloudWatchMetrics) put(ctx context.Context, name string, value float64, unit cwtypes.StandardUnit, dims ...cwtypes.Dimension) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(types.MetricNamespace),
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: aws.String(name),
				Value:      aws.Float64(value),
				Unit:       unit,
				Dimensions: dims,
			},
		},
	}
	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.WarnContext(ctx, "failed to put metric data",
			"metric", name,
			"error", err,
		)
	}
}

func dim(name, value string) cwtypes.Dimension {
	return cwtypes.Dimension{Name: aws.String(name), Value: aws.String(value)}
}

// NoopMetrics discards all telemetry. Used in local mode and tests.
type NoopMetrics struct{}

func (NoopMetrics) RecordIngest(context.Context, types.WebhookEndpoint, string) {}

func (NoopMetrics) RecordProcess(context.Context, types.EventCategory, string) {}

func (NoopMetrics) RecordProcessLatency(context.Context, types.EventCategory, time.Duration) {}

func (NoopMetrics) RecordQueueLag(context.Context, string, time.Duration) {}

func (NoopMetrics) RecordSideEffect(context.Context, string, string) {}

func (NoopMetrics) RecordDeadLetter(context.Context, string, string) {}

func (NoopMetrics) RecordRequest(context.Context, string, string, string, time.Duration) {}

var (
	_ PipelineMetrics = (*CloudWatchMetrics)(nil)
	_ PipelineMetrics = NoopMetrics{}
)
