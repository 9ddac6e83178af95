// Package config defines the global configuration structure for the Subledger
// services. Configuration is loaded once at process start and is immutable
// thereafter. It follows 12-Factor App principles by strictly separating
// code from configuration.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> AWS SSM Parameter Store (Lowest)
//
// Any missing required value or invalid format causes the application to fail
// immediately on startup (fail fast).
package config

import (
	"time"

	"subledger/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type used
// throughout configuration to prevent accidental logging of sensitive values.
type SecretString = types.SecretString

// Config is the top-level configuration struct shared by the API server, the
// webhook worker, and the maintenance binary. It is populated once during
// process initialization and never modified. Sub-components receive only the
// specific config subsets they require (Least Privilege principle).
type Config struct {
	// System Metadata
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"OTEL_SERVICE_NAME" default:"subledger"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Domain Configurations
	Server    ServerConfig
	Database  DatabaseConfig
	AWS       AWSConfig
	Stripe    StripeConfig
	Queue     QueueConfig
	Worker    WorkerConfig
	Ops       OpsConfig
	Email     EmailConfig
	Analytics AnalyticsConfig

	// Build Metadata (Injected via ldflags, not Env)
	Build BuildInfo
}

// ServerConfig holds HTTP server and public URL configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8080"`
	// Public URLs for links in receipts and ops alerts (no trailing slash)
	APIExternalURL string `envconfig:"API_EXTERNAL_URL" validate:"required,url"` // e.g., https://api.subledger.io
	DashboardURL   string `envconfig:"DASHBOARD_URL" validate:"required,url"`    // e.g., https://app.subledger.io
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	// Resolved from SSM or Env
	URL SecretString `envconfig:"DATABASE_URL" validate:"required,url"`

	// Tuning Parameters
	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	ConnectTimeout    time.Duration `envconfig:"DB_CONNECT_TIMEOUT" default:"2s"`     // Fail fast when the database is unreachable
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"` // Detect dead connections during failover
}

// AWSConfig holds AWS regional configuration and resource identifiers that
// are not queue URLs (queues live in QueueConfig).
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	// ArchiveBucket is the cold-storage bucket for aged webhook payloads.
	ArchiveBucket string `envconfig:"ARCHIVE_BUCKET"`

	// LocalStack Support (Empty in Prod)
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// StripeConfig holds payment processor credentials and webhook signing secrets.
type StripeConfig struct {
	SecretKey SecretString `envconfig:"STRIPE_SECRET_KEY" validate:"required"`

	// One signing secret per endpoint. An unset secret fails startup rather
	// than letting the verifier degrade into accepting anything.
	WebhookSecret        SecretString `envconfig:"STRIPE_WEBHOOK_SECRET" validate:"required"`
	ConnectWebhookSecret SecretString `envconfig:"STRIPE_CONNECT_WEBHOOK_SECRET" validate:"required"`

	APIBaseURL string `envconfig:"STRIPE_API_BASE_URL" default:"https://api.stripe.com" validate:"required,url"`
}

// QueueConfig holds the SQS queue URLs and delivery tuning for the job queue.
type QueueConfig struct {
	WebhookJobsURL string `envconfig:"QUEUE_WEBHOOK_JOBS_URL" validate:"required,url"`
	SideEffectsURL string `envconfig:"QUEUE_SIDE_EFFECTS_URL" validate:"required,url"`
	DeadLetterURL  string `envconfig:"QUEUE_DEAD_LETTER_URL" validate:"required,url"`

	// LeaseSeconds is the visibility timeout applied on receive. A job not
	// acked within the lease returns to the queue for another worker.
	LeaseSeconds int `envconfig:"QUEUE_LEASE_SECONDS" default:"120" validate:"min=30,max=43200"`
	// WaitTimeSeconds enables long polling; 20 is the SQS maximum.
	WaitTimeSeconds int `envconfig:"QUEUE_WAIT_TIME_SECONDS" default:"20" validate:"min=0,max=20"`
	// BatchSize is messages per receive call; 10 is the SQS maximum.
	BatchSize int `envconfig:"QUEUE_BATCH_SIZE" default:"10" validate:"min=1,max=10"`
}

// WorkerConfig holds the webhook worker's concurrency and retry tuning.
type WorkerConfig struct {
	Concurrency int `envconfig:"WORKER_CONCURRENCY" default:"5" validate:"min=1"`
	// MaxRetries is the retry budget per job. A job failing on attempt
	// MaxRetries is dead-lettered instead of requeued.
	MaxRetries int `envconfig:"WORKER_MAX_RETRIES" default:"3" validate:"min=0"`
	// RetryBaseMinutes is the backoff base: delay = base^attempt minutes.
	RetryBaseMinutes int `envconfig:"WORKER_RETRY_BASE_MINUTES" default:"5" validate:"min=1"`
	// DrainTimeout bounds how long in-flight jobs may run after a shutdown
	// signal before the process gives up waiting.
	DrainTimeout time.Duration `envconfig:"WORKER_DRAIN_TIMEOUT" default:"30s"`
}

// OpsConfig holds the operational surface settings: the ops API token and
// maintenance task tuning.
type OpsConfig struct {
	// APIToken guards the /v1 observability endpoints.
	APIToken SecretString `envconfig:"OPS_API_TOKEN" validate:"required"`

	// ArchiveRetentionDays is the age threshold for the archive_payloads task.
	ArchiveRetentionDays int `envconfig:"ARCHIVE_RETENTION_DAYS" default:"90" validate:"min=1"`
	// RequeueBatchSize caps how many parked jobs one requeue_due run republishes.
	RequeueBatchSize int `envconfig:"REQUEUE_BATCH_SIZE" default:"100" validate:"min=1"`
}

// EmailConfig holds receipt email delivery settings (SES v2).
type EmailConfig struct {
	Enabled     bool   `envconfig:"EMAIL_ENABLED" default:"true"`
	FromAddress string `envconfig:"EMAIL_FROM_ADDRESS" default:"billing@subledger.io"`
	FromName    string `envconfig:"EMAIL_FROM_NAME" default:"Subledger Billing"`
	// ConfigurationSet routes SES delivery events; empty uses the account default.
	ConfigurationSet string `envconfig:"SES_CONFIGURATION_SET"`
}

// AnalyticsConfig holds the product analytics collector settings.
type AnalyticsConfig struct {
	Enabled bool `envconfig:"ANALYTICS_ENABLED" default:"true"`
	// Endpoint is the collector ingest URL. Required only when Enabled.
	Endpoint string       `envconfig:"ANALYTICS_ENDPOINT" validate:"omitempty,url"`
	WriteKey SecretString `envconfig:"ANALYTICS_WRITE_KEY"`
}

// BuildInfo holds build-time metadata injected via ldflags.
// These values are NOT populated from environment variables.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures to aid debugging.
type ConfigErrorType string

const (
	// ErrMissingEnv indicates a required environment variable was not found.
	ErrMissingEnv ConfigErrorType = "MISSING_ENV"
	// ErrSSMResolution indicates a failure when fetching secrets from AWS SSM.
	ErrSSMResolution ConfigErrorType = "SSM_FAILURE"
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates a failure when parsing environment variable values
	// into their target types.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)
