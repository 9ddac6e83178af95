// Package main is the entry point for the subledger API server.
//
// It loads configuration, opens the Postgres pool, builds the SQS publisher
// and CloudWatch metrics, wires the webhook ingress and ops handlers onto the
// core chassis, and serves HTTP until a shutdown signal arrives.
//
// The webhook ingress is mounted at the router root (Stripe signs its own
// deliveries); the ops surface is mounted under /v1 behind the ops token.
// Graceful shutdown is handled via OS signal interception (SIGINT, SIGTERM).
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"subledger/internal/api/handlers"
	"subledger/internal/config"
	"subledger/internal/core"
	"subledger/internal/db"
	"subledger/internal/external"
	"subledger/internal/queue"
	"subledger/internal/webhooks"
)

// startupTimeout bounds dependency initialization: everything between config
// load and the first Listen must finish inside it.
const startupTimeout = 15 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on error.
func run() error {
	cfg, err := config.LoadConfig(secretProvider())
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("subledger API starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
	)

	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database pool: %w", err)
	}
	repos := db.NewRepositories(pool)

	awsCfg, err := newAWSConfig(ctx, cfg.AWS)
	if err != nil {
		return fmt.Errorf("loading AWS config: %w", err)
	}
	sqsClient := sqs.NewFromConfig(awsCfg)
	publisher := queue.NewPublisher(sqsClient, cfg.Queue, logger)

	// Local mode swaps the pieces that need real credentials: the verifier
	// accepts unsigned payloads and telemetry stays out of CloudWatch.
	var metrics core.MetricsCollector = webhooks.NewCloudWatchMetrics(cloudwatch.NewFromConfig(awsCfg), logger)
	var verifier external.WebhookVerifier = &external.StripeVerifier{}
	if cfg.Environment == "local" {
		metrics = webhooks.NoopMetrics{}
		verifier = external.NewStubWebhookVerifier(logger)
	}

	// Build the server.
	srv, err := core.NewServer(cfg, repos, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	srv.Metrics = metrics

	// Public ingress: the two signed webhook endpoints.
	ingress := handlers.NewWebhookHandler(verifier, repos.WebhookEvents, publisher, cfg.Stripe, logger)
	srv.IngressRegistrars = append(srv.IngressRegistrars, ingress.RegisterRoutes)

	// Ops surface under /v1: pipeline visibility and replay.
	ops := handlers.NewEventsHandler(repos.WebhookEvents, repos.DomainEvents, publisher, cfg.Worker, logger)
	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars, ops.RegisterRoutes)

	// Readiness covers both coordination planes: the database probe comes
	// from NewServer; the queue probe checks the webhook-jobs queue, which
	// ingress cannot accept events without.
	srv.HealthProbes = append(srv.HealthProbes, core.NewProbe("queue", func(ctx context.Context) error {
		_, err := sqsClient.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
			QueueUrl: aws.String(cfg.Queue.WebhookJobsURL),
		})
		return err
	}))

	// Mount all routes (middleware chain + ingress + /v1 + health).
	srv.MountRoutes()

	return runHTTPServer(srv, cfg, logger)
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

// runHTTPServer starts the server in standard HTTP mode with graceful shutdown.
func runHTTPServer(srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Channel to capture server errors from ListenAndServe.
	serverErr := make(chan error, 1)

	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	// Wait for shutdown signal or server error.
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Graceful shutdown with a 10-second deadline.
	logger.Info("initiating graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	// Shutdown server resources (DB pool).
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server resource shutdown error", "error", err)
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped cleanly")
	return nil
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
