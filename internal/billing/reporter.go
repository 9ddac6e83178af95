package billing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"subledger/internal/external"
	"subledger/internal/types"
)

// UsageCounterSource is the pending-usage surface the reporter drains.
type UsageCounterSource interface {
	ListPending(ctx context.Context) ([]*types.UsageCounter, error)
	AdvanceReported(ctx context.Context, organizationID string, metric types.UsageMetric, reported int64) (bool, error)
}

// MeteredItemSource resolves the subscription item a counter reports
// against.
type MeteredItemSource interface {
	Get(ctx context.Context, organizationID string) (*types.OrgSubscription, error)
}

// UsageRecordAPI is the slice of the processor API used to push usage.
type UsageRecordAPI interface {
	CreateUsageRecord(ctx context.Context, input external.CreateUsageRecordInput) error
}

// ReportSummary tallies one reporting run for the maintenance job history.
type ReportSummary struct {
	Reported int `json:"reported"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
}

// UsageReporter pushes accumulated usage deltas to the processor and
// advances the reported watermark. Each counter's idempotency key embeds
// the watermark the delta starts from, so a retried push of the same
// reporting window is replayed by the processor instead of double counted.
type UsageReporter struct {
	counters UsageCounterSource
	subs     MeteredItemSource
	stripe   UsageRecordAPI
	bus      EventPublisher
	logger   *slog.Logger
	now      func() time.Time
}

// NewUsageReporter creates a UsageReporter. A nil logger falls back to
// slog.Default().
func NewUsageReporter(counters UsageCounterSource, subs MeteredItemSource, stripe UsageRecordAPI, bus EventPublisher, logger *slog.Logger) *UsageReporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &UsageReporter{
		counters: counters,
		subs:     subs,
		stripe:   stripe,
		bus:      bus,
		logger:   logger,
		now:      time.Now,
	}
}

// ReportPending pushes every positive accumulated-reported delta to the
// processor. Counters are independent: one organization's failure is
// counted and logged, never aborts the run. The returned error is non-nil
// only when the pending set itself cannot be read.
func (r *UsageReporter) ReportPending(ctx context.Context) (*ReportSummary, error) {
	pending, err := r.counters.ListPending(ctx)
	if err != nil {
		return nil, err
	}

	summary := &ReportSummary{}
	for _, counter := range pending {
		delta := counter.PendingDelta()
		if delta <= 0 {
			summary.Skipped++
			continue
		}

		reported, err := r.reportCounter(ctx, counter, delta)
		switch {
		case err != nil:
			summary.Failed++
			r.logger.ErrorContext(ctx, "usage report failed",
				"organization_id", counter.OrganizationID,
				"metric", string(counter.Metric),
				"delta", delta,
				"error", err)
		case reported:
			summary.Reported++
		default:
			summary.Skipped++
		}
	}

	if summary.Reported > 0 || summary.Failed > 0 {
		r.logger.InfoContext(ctx, "usage reporting run finished",
			"reported", summary.Reported,
			"skipped", summary.Skipped,
			"failed", summary.Failed)
	}
	return summary, nil
}

// reportCounter pushes one counter's delta. Returns false with a nil error
// when the counter has nothing to report against and should stay pending.
func (r *UsageReporter) reportCounter(ctx context.Context, counter *types.UsageCounter, delta int64) (bool, error) {
	sub, err := r.subs.Get(ctx, counter.OrganizationID)
	if err != nil {
		if types.HasCode(err, types.ErrCodeNotFoundSubscription) {
			r.logger.DebugContext(ctx, "usage pending for organization without subscription",
				"organization_id", counter.OrganizationID,
				"metric", string(counter.Metric))
			return false, nil
		}
		return false, err
	}

	// Usage keeps accruing while a subscription is delinquent and flushes
	// if it recovers. A canceled subscription's item is gone upstream, so
	// pushing to it would only fail.
	switch sub.Status {
	case types.SubStatusActive, types.SubStatusTrialing, types.SubStatusPastDue:
	default:
		r.logger.DebugContext(ctx, "subscription not reportable, usage left pending",
			"organization_id", counter.OrganizationID,
			"status", string(sub.Status))
		return false, nil
	}

	if sub.MeteredItemID == "" {
		r.logger.WarnContext(ctx, "subscription has no metered item, usage not reported",
			"organization_id", counter.OrganizationID,
			"subscription_id", sub.SubscriptionID)
		return false, nil
	}

	key := fmt.Sprintf("usage-%s-%s-%d", counter.OrganizationID, counter.Metric, counter.Reported)
	err = r.stripe.CreateUsageRecord(ctx, external.CreateUsageRecordInput{
		SubscriptionItemID: sub.MeteredItemID,
		Quantity:           delta,
		Timestamp:          r.now().UTC(),
		IdempotencyKey:     key,
	})
	if err != nil {
		return false, err
	}

	advanced, err := r.counters.AdvanceReported(ctx, counter.OrganizationID, counter.Metric, counter.Reported+delta)
	if err != nil {
		return false, err
	}
	if !advanced {
		// A concurrent run already moved the watermark; its push carried
		// the same idempotency key, so the processor saw the delta once.
		r.logger.InfoContext(ctx, "reported watermark already advanced",
			"organization_id", counter.OrganizationID,
			"metric", string(counter.Metric))
		return false, nil
	}

	r.logger.InfoContext(ctx, "usage reported",
		"organization_id", counter.OrganizationID,
		"metric", string(counter.Metric),
		"quantity", delta,
		"subscription_item_id", sub.MeteredItemID)

	// The push and the watermark already landed; the announcement is
	// advisory and must not make the run re-report this window.
	payload := types.UsageReportedPayload{
		OrganizationID:     counter.OrganizationID,
		Metric:             counter.Metric,
		Quantity:           delta,
		SubscriptionItemID: sub.MeteredItemID,
	}
	actor := types.Actor{ID: "usage-reporter", Type: types.ActorSystem}
	evt, err := newDomainEvent(types.DomainUsageReported, actor, counter.OrganizationID, payload)
	if err == nil {
		err = r.bus.Publish(ctx, evt)
	}
	if err != nil {
		r.logger.WarnContext(ctx, "usage reported but event publish failed",
			"organization_id", counter.OrganizationID,
			"metric", string(counter.Metric),
			"error", err)
	}
	return true, nil
}
