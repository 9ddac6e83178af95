package types

// Telemetry metric names for CloudWatch.
// All components MUST use these constants.
const (
	// Metric Names
	MetricIngestAttempt  = "IngestAttempt"
	MetricProcessAttempt = "ProcessAttempt"
	MetricProcessLatency = "ProcessLatency"
	MetricQueueLag       = "QueueLag"
	MetricDeadLettered   = "DeadLettered"
	MetricSideEffect     = "SideEffectAttempt"
	MetricAPILatency     = "APILatency"

	// Dimension Keys
	DimEndpoint = "Endpoint"
	DimResult   = "Result"
	DimCategory = "Category"
	DimHandler  = "Handler"
	DimTopic    = "Topic"
	DimMethod   = "Method"
	DimRoute    = "Route"

	// Metric Namespace
	MetricNamespace = "Subledger"
)

// Result dimension values shared by ingest and process metrics.
const (
	MetricResultSuccess   = "success"
	MetricResultDuplicate = "duplicate"
	MetricResultRejected  = "rejected"
	MetricResultFailure   = "failure"
	MetricResultRetry     = "retry"
	MetricResultDead      = "dead_letter"
	MetricResultSkipped   = "skipped"
)
