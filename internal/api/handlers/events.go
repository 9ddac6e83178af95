package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"subledger/internal/config"
	"subledger/internal/core"
	"subledger/internal/types"
)

// WebhookEventReader is the slice of the webhook event store the ops surface
// reads from. List takes the worker's retry ceiling so the repository can
// translate the derived state filter into column predicates.
type WebhookEventReader interface {
	List(ctx context.Context, filters types.WebhookEventFilters, maxRetries int) ([]*types.WebhookEvent, types.PageInfo, error)
	Get(ctx context.Context, id string) (*types.WebhookEvent, error)
}

// DomainEventReader lists recorded domain events for the audit trail query.
type DomainEventReader interface {
	List(ctx context.Context, filters types.DomainEventFilters) ([]*types.DomainEvent, types.PageInfo, error)
}

// EventsHandler serves the token-guarded ops surface: webhook pipeline
// visibility, manual replay, and the domain event audit trail.
type EventsHandler struct {
	webhookEvents WebhookEventReader
	domainEvents  DomainEventReader
	jobs          JobEnqueuer
	maxRetries    int
	logger        *slog.Logger
}

// NewEventsHandler creates the ops events handler. The retry ceiling comes
// from worker configuration so derived states here match what the worker
// actually does with a failing event.
func NewEventsHandler(
	webhookEvents WebhookEventReader,
	domainEvents DomainEventReader,
	jobs JobEnqueuer,
	workerCfg config.WorkerConfig,
	logger *slog.Logger,
) *EventsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventsHandler{
		webhookEvents: webhookEvents,
		domainEvents:  domainEvents,
		jobs:          jobs,
		maxRetries:    workerCfg.MaxRetries,
		logger:        logger,
	}
}

// RegisterRoutes mounts the ops endpoints. Paths are relative, the server
// mounts them under /v1 behind the ops token middleware.
func (h *EventsHandler) RegisterRoutes(r chi.Router) {
	r.Route("/webhook-events", func(r chi.Router) {
		r.Get("/", h.ListWebhookEvents)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetWebhookEvent)
			r.Post("/replay", h.ReplayWebhookEvent)
		})
	})
	r.Get("/domain-events", h.ListDomainEvents)
}

// webhookEventItem decorates a stored row with its derived pipeline state so
// operators do not have to re-derive it from the retry columns.
type webhookEventItem struct {
	*types.WebhookEvent
	State types.WebhookEventState `json:"state"`
}

func (h *EventsHandler) toItem(e *types.WebhookEvent) webhookEventItem {
	return webhookEventItem{WebhookEvent: e, State: e.State(h.maxRetries)}
}

// ListWebhookEvents handles GET /v1/webhook-events. Filters: state,
// event_type, endpoint, limit, cursor.
func (h *EventsHandler) ListWebhookEvents(w http.ResponseWriter, r *http.Request) {
	filters := types.WebhookEventFilters{
		EventType: types.WebhookEventType(r.URL.Query().Get("event_type")),
		Endpoint:  types.WebhookEndpoint(r.URL.Query().Get("endpoint")),
		Cursor:    r.URL.Query().Get("cursor"),
	}

	if state := r.URL.Query().Get("state"); state != "" {
		switch types.WebhookEventState(state) {
		case types.EventStatePending, types.EventStateProcessed, types.EventStateFailed, types.EventStateDead:
			filters.State = types.WebhookEventState(state)
		default:
			core.Error(w, r, types.NewAppErrorWithDetails(
				types.ErrCodeValidationBadRequest,
				"unknown state filter",
				nil,
				map[string]any{"state": "must be one of: pending, processed, failed, dead"},
			))
			return
		}
	}

	limit, err := parseLimitParam(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	filters.Limit = limit

	events, pageInfo, err := h.webhookEvents.List(r.Context(), filters, h.maxRetries)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	items := make([]webhookEventItem, 0, len(events))
	for _, e := range events {
		items = append(items, h.toItem(e))
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{
		Data: items,
		Meta: &types.ResponseMeta{Pagination: &pageInfo},
	})
}

// GetWebhookEvent handles GET /v1/webhook-events/{id}: the full row
// including payload, captured headers, and the last processing error.
func (h *EventsHandler) GetWebhookEvent(w http.ResponseWriter, r *http.Request) {
	event, err := h.webhookEvents.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: h.toItem(event)})
}

// replayResponse confirms a manual re-enqueue.
type replayResponse struct {
	EventID  string `json:"event_id"`
	Enqueued bool   `json:"enqueued"`
}

// ReplayWebhookEvent handles POST /v1/webhook-events/{id}/replay. It
// publishes a fresh job with the attempt counter reset, which is the
// recovery path for events whose original enqueue was lost or whose retries
// are exhausted. Replaying an already processed event is rejected so a
// stray replay cannot double-apply side effects.
func (h *EventsHandler) ReplayWebhookEvent(w http.ResponseWriter, r *http.Request) {
	event, err := h.webhookEvents.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		core.Error(w, r, err)
		return
	}

	if event.Processed {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeConflictAlreadyDone,
			"webhook event already processed",
			nil,
		))
		return
	}

	job := types.WebhookJob{
		EventID:    event.ID,
		ExternalID: event.ExternalID,
		EventType:  event.EventType,
		Endpoint:   event.Endpoint,
		Attempt:    0,
		TraceID:    types.GetRequestID(r.Context()),
		EnqueuedAt: time.Now().UTC(),
	}

	if err := h.jobs.PublishWebhookJob(r.Context(), job, 0); err != nil {
		core.Error(w, r, err)
		return
	}

	actorID := ""
	if actor, ok := types.GetActor(r.Context()); ok {
		actorID = actor.ID
	}
	h.logger.Info("webhook event replay enqueued",
		"event_id", event.ID,
		"external_id", event.ExternalID,
		"event_type", event.EventType,
		"actor_id", actorID,
	)

	core.JSON(w, r, http.StatusOK, core.APIResponse{
		Data: replayResponse{EventID: event.ID, Enqueued: true},
	})
}

// ListDomainEvents handles GET /v1/domain-events. Filters: type,
// organization_id, limit, cursor.
func (h *EventsHandler) ListDomainEvents(w http.ResponseWriter, r *http.Request) {
	filters := types.DomainEventFilters{
		Type:           types.DomainEventType(r.URL.Query().Get("type")),
		OrganizationID: r.URL.Query().Get("organization_id"),
		Cursor:         r.URL.Query().Get("cursor"),
	}

	limit, err := parseLimitParam(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	filters.Limit = limit

	events, pageInfo, err := h.domainEvents.List(r.Context(), filters)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{
		Data: events,
		Meta: &types.ResponseMeta{Pagination: &pageInfo},
	})
}

// parseLimitParam reads the limit query parameter. Zero means "let the
// repository apply its default".
func parseLimitParam(r *http.Request) (int, error) {
	limitStr := r.URL.Query().Get("limit")
	if limitStr == "" {
		return 0, nil
	}
	parsed, err := strconv.Atoi(limitStr)
	if err != nil || parsed < 1 || parsed > 100 {
		return 0, types.NewAppError(
			types.ErrCodeValidationBadRequest,
			"limit must be a number between 1 and 100",
			nil,
		)
	}
	return parsed, nil
}
