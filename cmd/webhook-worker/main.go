// Package main is the entry point for the subledger webhook worker.
//
// The worker consumes webhook jobs and side-effect jobs from their SQS queues
// and drives every delivery through the processing pipeline: load the stored
// event, route it to its billing service, publish the resulting domain events
// on the in-process bus, and dispose of failures through the retry scheduler
// (republish with backoff, park, or dead-letter).
//
// Startup:
//  1. Load configuration (SSM-backed outside local).
//  2. Open the Postgres pool and build the repositories.
//  3. Build the AWS clients (SQS, CloudWatch, SES), the Stripe client, and
//     the analytics client; local mode swaps in loopback stubs.
//  4. Build the domain event bus and subscribe the billing consumers.
//  5. Build the billing services, the event router, and the processor.
//  6. Run one receive loop per queue feeding a bounded worker pool.
//
// Shutdown: SIGINT or SIGTERM stops the receive loops immediately; jobs
// already in flight get the configured drain window to finish. Deliveries
// that never get acked return to their queue when the visibility lease
// expires, so a hard kill loses no work.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"golang.org/x/sync/errgroup"

	"subledger/internal/billing"
	"subledger/internal/config"
	"subledger/internal/db"
	"subledger/internal/events"
	"subledger/internal/external"
	"subledger/internal/queue"
	"subledger/internal/security"
	"subledger/internal/types"
	"subledger/internal/webhooks"
)

const (
	// startupTimeout bounds dependency initialization.
	startupTimeout = 15 * time.Second

	// receiveBackoff is the pause after a failed receive call, so a queue
	// outage cycles calmly instead of hot-looping.
	receiveBackoff = 5 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig(secretProvider())
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("subledger webhook worker starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"concurrency", cfg.Worker.Concurrency,
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

	var metrics webhooks.PipelineMetrics = webhooks.NewCloudWatchMetrics(cloudwatch.NewFromConfig(awsCfg), logger)
	if cfg.Environment == "local" {
		metrics = webhooks.NoopMetrics{}
	}

	// External clients. Outbound HTTP shares one client; the Stripe and
	// analytics calls are short and a 20 second cap covers both. Outside
	// local mode the client refuses to dial private address ranges, since
	// both endpoints come from deploy-time configuration.
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
	// service that will back it is not integrated yet, so receipts address
	// the fixed local billing contact.
	identity := external.NewStubIdentityProvider(logger)

	// Domain event bus and its consumers. Queued handlers re-enter this
	// process through the side-effects queue.
	bus := events.NewBus(repos.DomainEvents, publisher, logger, events.WithEnvironment(cfg.Environment))
	events.RegisterBillingHandlers(bus, events.HandlerDeps{
		Identity:  identity,
		Email:     email,
		Usage:     repos.UsageCounters,
		Analytics: analytics,
		Logger:    logger,
	})

	// Billing services and the event router.
	accounts := billing.NewAccountService(repos.Accounts, stripeAPI, bus, logger)
	plans := billing.NewPlanService(repos.Plans, bus, logger)
	subscriptions := billing.NewSubscriptionService(repos.Subscriptions, repos.Plans, stripeAPI, bus, logger)
	payments := billing.NewPaymentService(repos.Payments, repos.Subscriptions, repos.Accounts, bus, logger)
	router := webhooks.NewRouter(accounts, plans, subscriptions, payments, logger)

	retries := queue.NewRetryScheduler(publisher, repos.WebhookEvents, repos.DomainEvents, queue.PolicyFromConfig(cfg.Worker), logger)
	processor := webhooks.NewProcessor(repos.WebhookEvents, repos.DomainEvents, router, bus, retries, metrics, logger)

	webhookJobs := queue.NewConsumer(sqsClient, cfg.Queue.WebhookJobsURL, cfg.Queue)
	sideEffects := queue.NewConsumer(sqsClient, cfg.Queue.SideEffectsURL, cfg.Queue)

	logger.Info("webhook worker initialized",
		"webhook_jobs_queue", cfg.Queue.WebhookJobsURL,
		"side_effects_queue", cfg.Queue.SideEffectsURL,
		"max_retries", cfg.Worker.MaxRetries,
		"drain_timeout", cfg.Worker.DrainTimeout.String(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// In-flight jobs run on a context that survives the shutdown signal;
	// the drain window below is what bounds them.
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()

	work := make(chan task)

	var workers sync.WaitGroup
	for i := 0; i < cfg.Worker.Concurrency; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			for t := range work {
				t.run(workCtx, logger)
			}
		}()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return receiveLoop(gctx, webhookJobs, "webhook-jobs", processor.ProcessWebhookJob, work, logger)
	})
	g.Go(func() error {
		return receiveLoop(gctx, sideEffects, "side-effects", processor.ProcessSideEffect, work, logger)
	})

	if err := g.Wait(); err != nil {
		logger.Error("receive loop failed", "error", err)
	}
	close(work)

	// Drain: give in-flight jobs the configured window, then cut them off.
	logger.Info("draining in-flight jobs", "drain_timeout", cfg.Worker.DrainTimeout.String())
	drained := make(chan struct{})
	go func() {
		workers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		logger.Info("worker drained cleanly")
	case <-time.After(cfg.Worker.DrainTimeout):
		logger.Warn("drain timeout exceeded, cancelling in-flight jobs")
		cancelWork()
		<-drained
	}

	// Flush async bus publishes before the pool closes underneath them.
	bus.Close()

	logger.Info("webhook worker stopped")
	return nil
}

// processFunc is the shape shared by ProcessWebhookJob and ProcessSideEffect.
type processFunc func(ctx context.Context, body []byte, sentAt time.Time) error

// task is one delivery paired with the pipeline entry that handles its queue.
type task struct {
	delivery queue.Delivery
	handle   processFunc
	queue    string
}

// run processes the delivery and acks it on every outcome except a failed
// disposal, which leaves the message for redelivery after the lease expires.
func (t task) run(ctx context.Context, logger *slog.Logger) {
	if err := t.handle(ctx, t.delivery.Body, t.delivery.SentAt); err != nil {
		logger.ErrorContext(ctx, "job disposal failed, leaving delivery for redelivery",
			"queue", t.queue,
			"message_id", t.delivery.MessageID,
			"error", err,
		)
		return
	}
	if err := t.delivery.Ack(ctx); err != nil {
		logger.ErrorContext(ctx, "failed to ack delivery",
			"queue", t.queue,
			"message_id", t.delivery.MessageID,
			"error", err,
		)
	}
}

// receiveLoop long-polls one queue and feeds deliveries to the worker pool
// until ctx is cancelled. Receive errors are logged and retried after a
// pause; a queue outage must not crash the worker.
func receiveLoop(ctx context.Context, consumer *queue.Consumer, queueName string, handle processFunc, work chan<- task, logger *slog.Logger) error {
	for {
		deliveries, err := consumer.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.ErrorContext(ctx, "queue receive failed",
				"queue", queueName,
				"error", err,
			)
			select {
			case <-time.After(receiveBackoff):
			case <-ctx.Done():
				return nil
			}
			continue
		}

		for _, d := range deliveries {
			select {
			case work <- task{delivery: d, handle: handle, queue: queueName}:
			case <-ctx.Done():
				// Undispatched deliveries return to the queue when
				// their lease expires.
				return nil
			}
		}
	}
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
