// Package handlers contains the HTTP handler implementations for the
// Subledger API: the public webhook ingress called by the payment processor
// and the token-guarded ops surface under /v1.
//
// The webhook endpoints are NOT behind auth middleware. Security is provided
// by verifying the Stripe-Signature header over the raw body; everything
// after a valid signature is acknowledged with 200 and handled
// asynchronously.
package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"subledger/internal/config"
	"subledger/internal/core"
	"subledger/internal/external"
	"subledger/internal/types"
)

// maxWebhookBodySize caps inbound webhook payloads at 64 KiB. Stripe events
// are far smaller in practice; the cap bounds what an unauthenticated caller
// can make the verifier hash.
const maxWebhookBodySize = 64 * 1024

// ---------------------------------------------------------------------------
// Interfaces for ingress dependencies
// ---------------------------------------------------------------------------

// WebhookStore is the slice of the webhook event repository the ingress
// endpoint needs: the dedup lookup and the race-free insert.
type WebhookStore interface {
	// FindByExternalID returns the stored event for the processor's event id,
	// or a not-found AppError on first delivery.
	FindByExternalID(ctx context.Context, externalID string) (*types.WebhookEvent, error)

	// InsertIfNew inserts the event unless the external id is already
	// claimed. Returns false when a concurrent delivery won the insert.
	InsertIfNew(ctx context.Context, e *types.WebhookEvent) (bool, error)
}

// JobEnqueuer publishes the job that hands a stored event to the worker.
type JobEnqueuer interface {
	PublishWebhookJob(ctx context.Context, job types.WebhookJob, delay time.Duration) error
}

// ---------------------------------------------------------------------------
// Webhook ingress
// ---------------------------------------------------------------------------

// WebhookHandler receives asynchronous events from the payment processor,
// verifies them, persists them idempotently, and enqueues a processing job.
// It never does domain work inline: the response must go out fast, and all
// real processing happens in the worker.
type WebhookHandler struct {
	verifier external.WebhookVerifier
	store    WebhookStore
	jobs     JobEnqueuer

	// One signing secret per endpoint; platform and connect deliveries are
	// signed with different shared secrets.
	platformSecret types.SecretString
	connectSecret  types.SecretString

	logger *slog.Logger
}

// NewWebhookHandler creates a WebhookHandler with the provided dependencies.
func NewWebhookHandler(
	verifier external.WebhookVerifier,
	store WebhookStore,
	jobs JobEnqueuer,
	stripeCfg config.StripeConfig,
	logger *slog.Logger,
) *WebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookHandler{
		verifier:       verifier,
		store:          store,
		jobs:           jobs,
		platformSecret: stripeCfg.WebhookSecret,
		connectSecret:  stripeCfg.ConnectWebhookSecret,
		logger:         logger,
	}
}

// RegisterRoutes mounts the webhook endpoints. These are registered at the
// router root (not under /v1) because they are public: the ops token
// middleware must never see them.
func (h *WebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks", h.HandlePlatform)
	r.Post("/webhooks/connect", h.HandleConnect)
}

// HandlePlatform processes events delivered to the platform endpoint.
func (h *WebhookHandler) HandlePlatform(w http.ResponseWriter, r *http.Request) {
	h.handle(w, r, types.EndpointPlatform, h.platformSecret)
}

// HandleConnect processes events delivered to the connect endpoint.
func (h *WebhookHandler) HandleConnect(w http.ResponseWriter, r *http.Request) {
	h.handle(w, r, types.EndpointConnect, h.connectSecret)
}

// handle is the shared ingress pipeline, parameterized by endpoint and
// signing secret:
//
//  1. Read the raw body (64 KiB cap).
//  2. Require and verify the Stripe-Signature header; failures are 400 and
//     nothing is persisted.
//  3. Parse the minimal event envelope; malformed JSON behind a valid
//     signature is 400.
//  4. Dedup against the store; a known external id acknowledges as a
//     duplicate without a new job.
//  5. Insert the event row and enqueue the processing job.
//  6. Acknowledge 200 immediately.
//
// Failures after successful verification (store or queue unavailable) log at
// error level and still return 200: a non-2xx would trigger the processor's
// own retry storm against an already-degraded system. The cost is that those
// deliveries surface in logs rather than HTTP codes. 500 stays reserved for
// panics.
func (h *WebhookHandler) handle(w http.ResponseWriter, r *http.Request, endpoint types.WebhookEndpoint, secret types.SecretString) {
	ctx := r.Context()

	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.WarnContext(ctx, "failed to read webhook body",
			"endpoint", endpoint,
			"error", err,
		)
		writeIngestError(w, r, "payload too large or unreadable")
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if sigHeader == "" {
		h.logger.WarnContext(ctx, "missing webhook signature header",
			"endpoint", endpoint,
		)
		writeIngestError(w, r, "missing signature")
		return
	}

	if err := h.verifier.Verify(payload, sigHeader, secret.Unmask()); err != nil {
		h.logger.WarnContext(ctx, "webhook signature verification failed",
			"endpoint", endpoint,
			"signature", truncateSignature(sigHeader),
			"error", err,
		)
		writeIngestError(w, r, "invalid signature")
		return
	}

	// The signature is valid from here on; the payload provably came from
	// the processor.
	var env webhookEnvelope
	if err := json.Unmarshal(payload, &env); err != nil || env.ID == "" {
		h.logger.ErrorContext(ctx, "verified webhook payload is not a valid event envelope",
			"endpoint", endpoint,
			"error", err,
		)
		writeIngestError(w, r, "invalid payload")
		return
	}

	eventType := types.ParseWebhookEventType(env.Type)

	existing, err := h.store.FindByExternalID(ctx, env.ID)
	switch {
	case err == nil && existing != nil:
		h.logger.InfoContext(ctx, "duplicate webhook delivery acknowledged",
			"external_id", env.ID,
			"event_type", env.Type,
			"endpoint", endpoint,
		)
		core.JSON(w, r, http.StatusOK, ingestResponse{Received: true, Duplicate: true})
		return
	case types.HasCode(err, types.ErrCodeNotFoundWebhookEvent):
		// First delivery.
	case err != nil:
		h.logger.ErrorContext(ctx, "webhook store unavailable during dedup check, acknowledging anyway",
			"external_id", env.ID,
			"endpoint", endpoint,
			"error", err,
		)
		core.JSON(w, r, http.StatusOK, ingestResponse{Received: true})
		return
	}

	event := &types.WebhookEvent{
		ExternalID: env.ID,
		EventType:  eventType,
		Endpoint:   endpoint,
		Payload:    json.RawMessage(payload),
		Headers:    snapshotHeaders(r.Header),
	}

	inserted, err := h.store.InsertIfNew(ctx, event)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to persist webhook event, acknowledging anyway",
			"external_id", env.ID,
			"event_type", env.Type,
			"endpoint", endpoint,
			"error", err,
		)
		core.JSON(w, r, http.StatusOK, ingestResponse{Received: true})
		return
	}
	if !inserted {
		// A concurrent delivery claimed the external id between the dedup
		// check and the insert. The unique constraint resolved the race.
		h.logger.InfoContext(ctx, "concurrent duplicate webhook delivery acknowledged",
			"external_id", env.ID,
			"endpoint", endpoint,
		)
		core.JSON(w, r, http.StatusOK, ingestResponse{Received: true, Duplicate: true})
		return
	}

	job := types.WebhookJob{
		EventID:    event.ID,
		ExternalID: env.ID,
		EventType:  eventType,
		Endpoint:   endpoint,
		Attempt:    0,
		TraceID:    types.GetRequestID(ctx),
		EnqueuedAt: time.Now().UTC(),
	}
	if err := h.jobs.PublishWebhookJob(ctx, job, 0); err != nil {
		// The row exists but no job does. The requeue maintenance task will
		// not find it (nothing is parked), so this needs loud logging; the
		// replay endpoint is the recovery path.
		h.logger.ErrorContext(ctx, "failed to enqueue webhook job for stored event",
			"event_id", event.ID,
			"external_id", env.ID,
			"endpoint", endpoint,
			"error", err,
		)
		core.JSON(w, r, http.StatusOK, ingestResponse{Received: true})
		return
	}

	h.logger.InfoContext(ctx, "webhook event accepted",
		"event_id", event.ID,
		"external_id", env.ID,
		"event_type", env.Type,
		"endpoint", endpoint,
	)
	core.JSON(w, r, http.StatusOK, ingestResponse{Received: true})
}

// ---------------------------------------------------------------------------
// Wire shapes
// ---------------------------------------------------------------------------

// webhookEnvelope is the minimal event envelope parsed after verification.
// The full body is stored verbatim on the event row; these fields cover
// dedup, classification, and log context. The stripe-go event type is
// deliberately not imported: the stored body stays the source of truth.
type webhookEnvelope struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
}

// ingestResponse is the acknowledgement body for the webhook endpoints.
// The processor's delivery contract wants a bare acknowledgement, not the
// ops API envelope.
type ingestResponse struct {
	Received  bool `json:"received"`
	Duplicate bool `json:"duplicate,omitempty"`
}

// ingestErrorBody mirrors the processor-facing error shape.
type ingestErrorBody struct {
	Error string `json:"error"`
}

// writeIngestError writes the 400 rejection shape used before an event is
// accepted. Only pre-persistence failures use it; after verification the
// endpoint acknowledges instead.
func writeIngestError(w http.ResponseWriter, r *http.Request, msg string) {
	core.JSON(w, r, http.StatusBadRequest, ingestErrorBody{Error: msg})
}

// capturedHeaders is the delivery header subset stored with each event. The
// signature header makes later re-verification of the stored payload
// possible; the rest is delivery forensics.
var capturedHeaders = []string{"Stripe-Signature", "Content-Type", "User-Agent"}

// snapshotHeaders extracts the captured subset of the delivery headers.
func snapshotHeaders(h http.Header) types.JSONMap {
	m := make(types.JSONMap, len(capturedHeaders))
	for _, k := range capturedHeaders {
		if v := h.Get(k); v != "" {
			m[k] = v
		}
	}
	return m
}

// truncateSignature shortens the signature header for logs. Enough survives
// to correlate with the sender's delivery logs without recording the full
// MAC material.
func truncateSignature(sig string) string {
	const keep = 24
	if len(sig) <= keep {
		return sig
	}
	return sig[:keep] + "..."
}
