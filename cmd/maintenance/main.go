// Package main is the entry point for the subledger maintenance multiplexer.
//
// One invocation runs one maintenance task and exits. The platform scheduler
// (cron, an ECS scheduled task, or an operator's shell) invokes the binary
// with a JSON task payload; the handler takes a distributed job lock, records
// job history, dispatches to the matching scheduler service, and reports the
// outcome. Concurrent invocations of the same task within the same hour
// collapse onto a single run through the lock.
//
// Handler flow:
//  1. Decode the MaintenancePayload from -payload (or stdin).
//  2. Determine the reference time: payload override or now.
//  3. Acquire the job lock "task:hour".
//  4. Record job start in job_history.
//  5. Dispatch on the task type.
//  6. Record completion with status and item count.
//
// Tasks: requeue_due republishes parked webhook jobs whose backoff has
// elapsed, report_usage pushes accumulated usage deltas to the payment
// processor, archive_payloads offloads aged webhook payloads to S3.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"

	"subledger/internal/billing"
	"subledger/internal/config"
	"subledger/internal/db"
	"subledger/internal/events"
	"subledger/internal/external"
	"subledger/internal/queue"
	"subledger/internal/scheduler"
	"subledger/internal/security"
	"subledger/internal/types"
)

const (
	// startupTimeout bounds dependency initialization.
	startupTimeout = 15 * time.Second

	// lockTTL is the time-to-live for job locks. Fifteen minutes covers the
	// typical run duration with margin; a crashed run frees its lock when
	// the TTL lapses.
	lockTTL = 15 * time.Minute

	// archiveBatchSize is the number of archivable rows fetched per drain
	// iteration of the archive_payloads task.
	archiveBatchSize = 500
)

// RequeueService republishes parked webhook jobs whose backoff has elapsed.
type RequeueService interface {
	RequeueDue(ctx context.Context, now time.Time, limit int) (int, error)
}

// UsageReportService pushes accumulated usage deltas to the payment processor.
type UsageReportService interface {
	ReportPending(ctx context.Context) (*billing.ReportSummary, error)
}

// PayloadArchiveService offloads aged webhook payloads to object storage.
type PayloadArchiveService interface {
	ArchivePayloads(ctx context.Context, now time.Time, retentionDays int, batchSize int) (int, error)
}

// JobLocker abstracts the distributed lock acquisition.
type JobLocker interface {
	Acquire(ctx context.Context, lockID string, workerID string, ttl time.Duration) (bool, error)
}

// JobHistorian abstracts the job history recording.
type JobHistorian interface {
	Start(ctx context.Context, jobType string) (int64, error)
	Finish(ctx context.Context, id int64, status string, items int, err error) error
}

// ServiceRegistry holds the service implementations the multiplexer routes
// to, one field per task. Fields are interfaces to enable testing; production
// wiring backs them with the scheduler and billing packages.
type ServiceRegistry struct {
	Requeue RequeueService
	Usage   UsageReportService
	Archive PayloadArchiveService
}

// Handler holds the dependencies for one maintenance invocation.
type Handler struct {
	Services   ServiceRegistry
	JobLock    JobLocker
	JobHistory JobHistorian
	WorkerID   string

	// RequeueLimit caps jobs republished per requeue_due run.
	RequeueLimit int
	// ArchiveRetentionDays is the age threshold for archive_payloads.
	ArchiveRetentionDays int

	Logger *slog.Logger
}

// Handle executes the task the payload names.
//
//  1. Determine the reference time.
//  2. Acquire the hour-scoped job lock.
//  3. Record job start, dispatch, record completion.
//
// A lock held by another worker is not an error: the run reports itself
// skipped and exits cleanly.
func (h *Handler) Handle(ctx context.Context, payload scheduler.MaintenancePayload) (string, error) {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}

	now := time.Now().UTC()
	if payload.ReferenceTime != nil {
		now = payload.ReferenceTime.UTC()
	}

	taskStr := string(payload.Task)
	logger.InfoContext(ctx, "maintenance handler invoked",
		"task", taskStr,
		"reference_time", now.Format(time.RFC3339),
		"worker_id", h.WorkerID,
	)

	if payload.Task == "" {
		return "", fmt.Errorf("empty task type in maintenance payload")
	}

	// Hour-scoped lock: retries of the same scheduled slot collapse, the
	// next slot gets a fresh lock ID.
	lockID := fmt.Sprintf("%s:%s", payload.Task, now.Truncate(time.Hour).Format("2006-01-02T15"))
	acquired, err := h.JobLock.Acquire(ctx, lockID, h.WorkerID, lockTTL)
	if err != nil {
		return "", fmt.Errorf("acquiring job lock %s: %w", lockID, err)
	}
	if !acquired {
		logger.InfoContext(ctx, "job lock held elsewhere, skipping run",
			"lock_id", lockID,
		)
		return fmt.Sprintf("skipped: lock %s held by another worker", lockID), nil
	}

	jobID, err := h.JobHistory.Start(ctx, taskStr)
	if err != nil {
		logger.ErrorContext(ctx, "failed to record job start",
			"task", taskStr,
			"error", err,
		)
		// Non-fatal: the task still runs, jobID 0 skips Finish.
		jobID = 0
	}

	items, execErr := h.dispatch(ctx, payload.Task, now)

	status := "success"
	if execErr != nil {
		status = "failed"
	}
	if jobID != 0 {
		if finishErr := h.JobHistory.Finish(ctx, jobID, status, items, execErr); finishErr != nil {
			logger.ErrorContext(ctx, "failed to record job completion",
				"job_id", jobID,
				"task", taskStr,
				"error", finishErr,
			)
		}
	}

	if execErr != nil {
		return "", fmt.Errorf("task %s failed: %w", taskStr, execErr)
	}

	result := fmt.Sprintf("task %s complete: %d items processed", taskStr, items)
	logger.InfoContext(ctx, "maintenance task complete",
		"task", taskStr,
		"items", items,
	)
	return result, nil
}

// dispatch routes a task type to its service. Returns the number of items
// processed and any error.
func (h *Handler) dispatch(ctx context.Context, task scheduler.TaskType, now time.Time) (int, error) {
	switch task {
	case scheduler.TaskRequeueDue:
		return h.Services.Requeue.RequeueDue(ctx, now, h.RequeueLimit)

	case scheduler.TaskReportUsage:
		summary, err := h.Services.Usage.ReportPending(ctx)
		if err != nil {
			return 0, err
		}
		if summary.Failed > 0 {
			// Failed counters keep their watermarks; the next scheduled
			// run retries them. Surfacing the error keeps the failure
			// visible in job history.
			return summary.Reported, fmt.Errorf("%d usage pushes failed (%d reported, %d skipped)",
				summary.Failed, summary.Reported, summary.Skipped)
		}
		return summary.Reported, nil

	case scheduler.TaskArchivePayloads:
		return h.Services.Archive.ArchivePayloads(ctx, now, h.ArchiveRetentionDays, archiveBatchSize)

	default:
		return 0, fmt.Errorf("unknown task type: %q", task)
	}
}

func main() {
	payloadFlag := flag.String("payload", "", `maintenance payload JSON; "-" or empty reads stdin`)
	flag.Parse()

	if err := run(*payloadFlag); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run(payloadFlag string) error {
	payload, err := readPayload(payloadFlag, os.Stdin)
	if err != nil {
		return err
	}

	cfg, err := config.LoadConfig(secretProvider())
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("subledger maintenance starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"task", string(payload.Task),
	)

	startCtx, cancelStart := context.WithTimeout(context.Background(), startupTimeout)
	defer cancelStart()

	pool, err := db.NewPool(startCtx, cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database pool: %w", err)
	}
	repos := db.NewRepositories(pool)
	defer repos.Close()

	awsCfg, err := newAWSConfig(startCtx, cfg.AWS)
	if err != nil {
		return fmt.Errorf("loading AWS config: %w", err)
	}
	sqsClient := sqs.NewFromConfig(awsCfg)
	publisher := queue.NewPublisher(sqsClient, cfg.Queue, logger)

	httpClient := &http.Client{Timeout: 20 * time.Second}
	if cfg.Environment != "local" {
		httpClient, err = security.NewSafeHTTPClient(20*time.Second, 3)
		if err != nil {
			return fmt.Errorf("building outbound HTTP client: %w", err)
		}
	}

	var stripeAPI external.StripeAPI
	if cfg.Environment == "local" {
		stripeAPI = external.NewStubStripeAPI(logger)
	} else {
		stripeAPI = external.NewStripeClient(httpClient, external.StripeClientConfig{
			SecretKey: cfg.Stripe.SecretKey.Unmask(),
			BaseURL:   cfg.Stripe.APIBaseURL,
			Logger:    logger,
		})
	}

	var email types.EmailSender = external.NewStubEmailSender(logger)
	if cfg.Email.Enabled && cfg.Environment != "local" {
		email = external.NewSESClient(awsCfg, external.SESClientConfig{
			FromAddress:      cfg.Email.FromAddress,
			FromName:         cfg.Email.FromName,
			ConfigurationSet: cfg.Email.ConfigurationSet,
			Logger:           logger,
		})
	}

	var analytics types.AnalyticsTracker = external.NewStubAnalyticsTracker(logger)
	if cfg.Analytics.Enabled && cfg.Analytics.Endpoint != "" {
		analytics = external.NewAnalyticsClient(httpClient, external.AnalyticsClientConfig{
			Endpoint: cfg.Analytics.Endpoint,
			WriteKey: cfg.Analytics.WriteKey.Unmask(),
			Logger:   logger,
		})
	}

	// Identity stays on the stub in every environment: the account directory
	// service that will back it is not integrated yet.
	identity := external.NewStubIdentityProvider(logger)

	// The usage reporter publishes through the same bus and consumer set as
	// the worker; queued handlers it triggers ride the side-effects queue
	// back into that process.
	bus := events.NewBus(repos.DomainEvents, publisher, logger,
		events.WithSource("maintenance"),
		events.WithEnvironment(cfg.Environment),
	)
	events.RegisterBillingHandlers(bus, events.HandlerDeps{
		Identity:  identity,
		Email:     email,
		Usage:     repos.UsageCounters,
		Analytics: analytics,
		Logger:    logger,
	})

	uploader := external.NewS3ArchiveUploader(awsCfg, cfg.AWS.ArchiveBucket, logger)

	handler := &Handler{
		Services: ServiceRegistry{
			Requeue: scheduler.NewRequeueService(repos.WebhookEvents, publisher, logger),
			Usage:   billing.NewUsageReporter(repos.UsageCounters, repos.Subscriptions, stripeAPI, bus, logger),
			Archive: scheduler.NewPayloadArchiveService(repos.WebhookEvents, repos.PayloadArchives, uploader, logger),
		},
		JobLock:              repos.JobLocks,
		JobHistory:           repos.JobHistory,
		WorkerID:             uuid.NewString(),
		RequeueLimit:         cfg.Ops.RequeueBatchSize,
		ArchiveRetentionDays: cfg.Ops.ArchiveRetentionDays,
		Logger:               logger,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	result, err := handler.Handle(ctx, payload)

	// Flush async publishes before the pool closes underneath them.
	bus.Close()

	if err != nil {
		return err
	}
	logger.Info("maintenance run finished", "result", result)
	return nil
}

// readPayload decodes the MaintenancePayload from raw, or from stdin when
// raw is empty or "-".
func readPayload(raw string, stdin io.Reader) (scheduler.MaintenancePayload, error) {
	var payload scheduler.MaintenancePayload

	data := []byte(raw)
	if raw == "" || raw == "-" {
		b, err := io.ReadAll(stdin)
		if err != nil {
			return payload, fmt.Errorf("reading payload from stdin: %w", err)
		}
		data = b
	}

	if err := json.Unmarshal(data, &payload); err != nil {
		return payload, fmt.Errorf("decoding maintenance payload: %w", err)
	}
	return payload, nil
}

// secretProvider selects the configuration secret source. Local mode skips
// SSM entirely; everywhere else secrets resolve from Parameter Store in the
// region named by the environment (configuration is not loaded yet at this
// point, so the region cannot come from it).
func secretProvider() config.SecretProvider {
	if os.Getenv("APP_ENV") == "local" {
		return nil
	}
	region := os.Getenv("AWS_REGION")
	if region == "" {
		region = "us-east-1"
	}
	return config.NewSSMProvider(region)
}

// newAWSConfig loads the default AWS config chain for the configured region.
// When an endpoint override is set (LocalStack), every AWS client built from
// the returned config targets it.
func newAWSConfig(ctx context.Context, cfg config.AWSConfig) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.EndpointURL != "" {
		opts = append(opts, awsconfig.WithBaseEndpoint(cfg.EndpointURL))
	}
	return awsconfig.LoadDefaultConfig(ctx, opts...)
}

// newLogger creates a structured slog.Logger configured for the given log level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     lvl,
		AddSource: false,
	})
	return slog.New(handler)
}
