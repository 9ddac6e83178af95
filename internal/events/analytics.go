package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"subledger/internal/types"
)

var _ Handler = (*AnalyticsHandler)(nil)

// AnalyticsHandler forwards every billing fact to the analytics collector.
// Queued and lowest priority: purely observational, never on the critical
// path, and a collector outage only delays tracking.
type AnalyticsHandler struct {
	tracker types.AnalyticsTracker
	logger  *slog.Logger
}

// NewAnalyticsHandler creates the analytics tracking consumer.
func NewAnalyticsHandler(tracker types.AnalyticsTracker, logger *slog.Logger) *AnalyticsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AnalyticsHandler{tracker: tracker, logger: logger}
}

func (h *AnalyticsHandler) Name() string      { return "analytics" }
func (h *AnalyticsHandler) Priority() int     { return 10 }
func (h *AnalyticsHandler) ShouldQueue() bool { return true }

// Handle tracks the event under its domain type with the payload fields as
// properties. A payload that is not a JSON object still tracks as a bare
// event; only collector errors are returned for retry.
func (h *AnalyticsHandler) Handle(ctx context.Context, event *types.DomainEvent) (bool, error) {
	var props map[string]any
	if len(event.Payload) > 0 {
		if err := json.Unmarshal(event.Payload, &props); err != nil {
			h.logger.WarnContext(ctx, "event payload is not a JSON object, tracking bare event",
				"domain_event_id", event.ID,
				"event_type", string(event.Type),
			)
		}
	}
	if props == nil {
		props = make(map[string]any)
	}
	props["domain_event_id"] = event.ID
	props["occurred_at"] = event.OccurredAt.Format(time.RFC3339)

	if err := h.tracker.Track(ctx, string(event.Type), event.OrganizationID, props); err != nil {
		return false, err
	}
	return false, nil
}
