package events

import (
	"context"
	"log/slog"

	"subledger/internal/types"
)

var _ Handler = (*UsageMeterHandler)(nil)

// UsageAccumulator is the slice of the usage counter store the meter needs.
type UsageAccumulator interface {
	Add(ctx context.Context, organizationID string, metric types.UsageMetric, delta int64) error
}

// UsageMeterHandler counts each org-scoped billing event against the
// organization's api_calls counter, so the pipeline's own activity feeds
// the usage reporter. Inline: one guarded UPDATE, no external calls.
type UsageMeterHandler struct {
	usage  UsageAccumulator
	logger *slog.Logger
}

// NewUsageMeterHandler creates the usage metering consumer.
func NewUsageMeterHandler(usage UsageAccumulator, logger *slog.Logger) *UsageMeterHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &UsageMeterHandler{usage: usage, logger: logger}
}

func (h *UsageMeterHandler) Name() string      { return "usage-meter" }
func (h *UsageMeterHandler) Priority() int     { return 20 }
func (h *UsageMeterHandler) ShouldQueue() bool { return false }

// Handle increments the organization's api_calls counter by one. Events
// without an organization are skipped; the counter write error is returned
// for bookkeeping but never stops propagation.
func (h *UsageMeterHandler) Handle(ctx context.Context, event *types.DomainEvent) (bool, error) {
	if event.OrganizationID == "" {
		return false, nil
	}

	if err := h.usage.Add(ctx, event.OrganizationID, types.MetricAPICalls, 1); err != nil {
		return false, err
	}

	h.logger.DebugContext(ctx, "usage counter incremented",
		"organization_id", event.OrganizationID,
		"metric", string(types.MetricAPICalls),
		"event_type", string(event.Type),
	)
	return false, nil
}
