package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"subledger/internal/types"
)

// The billing projection repositories below share one contract: every write
// is an idempotent upsert keyed by the processor's object id and guarded by
// last_event_at, so a redelivered or out-of-order webhook can never roll a
// projection backwards. Each guarded method returns (applied, error) where
// applied=false means the stored state was already newer (a benign no-op).

// ============================================================
// ConnectedAccountRepository
// ============================================================

// ConnectedAccountRepository provides data access for the connected_accounts
// projection, which mirrors the onboarding state of processor connected
// accounts (charges/payouts capability flags, requirement holds).
type ConnectedAccountRepository struct {
	db DBTX
}

// NewConnectedAccountRepository creates a new ConnectedAccountRepository
// backed by the given database connection (pool or transaction).
func NewConnectedAccountRepository(db DBTX) *ConnectedAccountRepository {
	return &ConnectedAccountRepository{db: db}
}

// Upsert applies an account state snapshot. On conflict the update only
// applies when the stored last_event_at is older than the incoming event
// time.
func (r *ConnectedAccountRepository) Upsert(ctx context.Context, a *types.ConnectedAccount) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`INSERT INTO connected_accounts
		 (account_id, organization_id, charges_enabled, payouts_enabled,
		  details_submitted, disabled_reason, last_event_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		 ON CONFLICT (account_id) DO UPDATE SET
		   organization_id = EXCLUDED.organization_id,
		   charges_enabled = EXCLUDED.charges_enabled,
		   payouts_enabled = EXCLUDED.payouts_enabled,
		   details_submitted = EXCLUDED.details_submitted,
		   disabled_reason = EXCLUDED.disabled_reason,
		   last_event_at = EXCLUDED.last_event_at,
		   updated_at = NOW()
		 WHERE connected_accounts.last_event_at < EXCLUDED.last_event_at`,
		a.AccountID,
		a.OrganizationID,
		a.ChargesEnabled,
		a.PayoutsEnabled,
		a.DetailsSubmitted,
		nilIfEmpty(a.DisabledReason),
		a.LastEventAt,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to upsert connected account", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Get retrieves a connected account by the processor's account id. The
// deauthorization flow uses this to resolve the owning organization, which
// the deauthorization event itself does not carry.
func (r *ConnectedAccountRepository) Get(ctx context.Context, accountID string) (*types.ConnectedAccount, error) {
	var (
		a              types.ConnectedAccount
		disabledReason *string
	)
	err := r.db.QueryRow(ctx,
		`SELECT account_id, organization_id, charges_enabled, payouts_enabled,
		        details_submitted, disabled_reason, deauthorized_at,
		        last_event_at, updated_at
		 FROM connected_accounts
		 WHERE account_id = $1`,
		accountID,
	).Scan(
		&a.AccountID,
		&a.OrganizationID,
		&a.ChargesEnabled,
		&a.PayoutsEnabled,
		&a.DetailsSubmitted,
		&disabledReason,
		&a.DeauthorizedAt,
		&a.LastEventAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundAccount, "connected account not found", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get connected account", err)
	}
	if disabledReason != nil {
		a.DisabledReason = *disabledReason
	}
	return &a, nil
}

// MarkDeauthorized records that the account disconnected from the platform:
// capabilities off, deauthorized_at stamped with the event time. Guarded by
// last_event_at like every projection write.
func (r *ConnectedAccountRepository) MarkDeauthorized(ctx context.Context, accountID string, eventAt time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE connected_accounts
		 SET deauthorized_at = $2,
		     charges_enabled = FALSE,
		     payouts_enabled = FALSE,
		     last_event_at = $2,
		     updated_at = NOW()
		 WHERE account_id = $1
		   AND last_event_at < $2`,
		accountID,
		eventAt,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to mark account deauthorized", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ============================================================
// PlanRepository
// ============================================================

// PlanRepository provides data access for the plans catalog, synced from
// the processor's price lifecycle events.
type PlanRepository struct {
	db DBTX
}

// NewPlanRepository creates a new PlanRepository backed by the given
// database connection (pool or transaction).
func NewPlanRepository(db DBTX) *PlanRepository {
	return &PlanRepository{db: db}
}

// Upsert applies a price snapshot to the catalog, guarded by last_event_at.
func (r *PlanRepository) Upsert(ctx context.Context, p *types.Plan) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`INSERT INTO plans
		 (price_id, product_id, nickname, unit_amount, currency,
		  billing_interval, usage_type, active, last_event_at, synced_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		 ON CONFLICT (price_id) DO UPDATE SET
		   product_id = EXCLUDED.product_id,
		   nickname = EXCLUDED.nickname,
		   unit_amount = EXCLUDED.unit_amount,
		   currency = EXCLUDED.currency,
		   billing_interval = EXCLUDED.billing_interval,
		   usage_type = EXCLUDED.usage_type,
		   active = EXCLUDED.active,
		   last_event_at = EXCLUDED.last_event_at,
		   synced_at = NOW()
		 WHERE plans.last_event_at < EXCLUDED.last_event_at`,
		p.PriceID,
		p.ProductID,
		nilIfEmpty(p.Nickname),
		p.UnitAmount,
		p.Currency,
		nilIfEmpty(p.Interval),
		p.UsageType,
		p.Active,
		p.LastEventAt,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to upsert plan", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Retire marks a price inactive after a deletion event. The row stays in
// the catalog; existing subscriptions may still reference it.
func (r *PlanRepository) Retire(ctx context.Context, priceID string, eventAt time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE plans
		 SET active = FALSE,
		     last_event_at = $2,
		     synced_at = NOW()
		 WHERE price_id = $1
		   AND last_event_at < $2`,
		priceID,
		eventAt,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to retire plan", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Get retrieves a catalog entry by price id.
func (r *PlanRepository) Get(ctx context.Context, priceID string) (*types.Plan, error) {
	row := r.db.QueryRow(ctx,
		`SELECT price_id, product_id, nickname, unit_amount, currency,
		        billing_interval, usage_type, active, last_event_at, synced_at
		 FROM plans
		 WHERE price_id = $1`,
		priceID,
	)
	p, err := scanPlan(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundSubscription, "plan not found", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get plan", err)
	}
	return p, nil
}

// FindMetered returns the most recently synced active metered catalog entry,
// or nil when the catalog has none. The ensure-metered-item flow uses it to
// pick the price for subscription item creation.
func (r *PlanRepository) FindMetered(ctx context.Context) (*types.Plan, error) {
	row := r.db.QueryRow(ctx,
		`SELECT price_id, product_id, nickname, unit_amount, currency,
		        billing_interval, usage_type, active, last_event_at, synced_at
		 FROM plans
		 WHERE active AND usage_type = 'metered'
		 ORDER BY synced_at DESC
		 LIMIT 1`,
	)
	p, err := scanPlan(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to find metered plan", err)
	}
	return p, nil
}

func scanPlan(row pgx.Row) (*types.Plan, error) {
	var (
		p        types.Plan
		nickname *string
		interval *string
	)
	err := row.Scan(
		&p.PriceID,
		&p.ProductID,
		&nickname,
		&p.UnitAmount,
		&p.Currency,
		&interval,
		&p.UsageType,
		&p.Active,
		&p.LastEventAt,
		&p.SyncedAt,
	)
	if err != nil {
		return nil, err
	}
	if nickname != nil {
		p.Nickname = *nickname
	}
	if interval != nil {
		p.Interval = *interval
	}
	return &p, nil
}

// ============================================================
// OrgSubscriptionRepository
// ============================================================

// OrgSubscriptionRepository provides data access for the org_subscriptions
// projection, one row per organization holding its current subscription
// state and the metered item used for usage reporting.
type OrgSubscriptionRepository struct {
	db DBTX
}

// NewOrgSubscriptionRepository creates a new OrgSubscriptionRepository
// backed by the given database connection (pool or transaction).
func NewOrgSubscriptionRepository(db DBTX) *OrgSubscriptionRepository {
	return &OrgSubscriptionRepository{db: db}
}

// Upsert applies a subscription snapshot for an organization, guarded by
// last_event_at. The metered_item_id is preserved across updates when the
// incoming snapshot does not carry one, so the ensure-metered-item flow
// never loses its result to a later lifecycle event.
func (r *OrgSubscriptionRepository) Upsert(ctx context.Context, s *types.OrgSubscription) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`INSERT INTO org_subscriptions
		 (organization_id, subscription_id, price_id, status,
		  current_period_end, metered_item_id, last_event_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		 ON CONFLICT (organization_id) DO UPDATE SET
		   subscription_id = EXCLUDED.subscription_id,
		   price_id = EXCLUDED.price_id,
		   status = EXCLUDED.status,
		   current_period_end = EXCLUDED.current_period_end,
		   metered_item_id = COALESCE(NULLIF(EXCLUDED.metered_item_id, ''), org_subscriptions.metered_item_id),
		   last_event_at = EXCLUDED.last_event_at,
		   updated_at = NOW()
		 WHERE org_subscriptions.last_event_at < EXCLUDED.last_event_at`,
		s.OrganizationID,
		s.SubscriptionID,
		s.PriceID,
		string(s.Status),
		s.CurrentPeriodEnd,
		s.MeteredItemID,
		s.LastEventAt,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to upsert org subscription", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Get retrieves an organization's subscription state. The usage reporter
// reads this to find the metered item to report against.
func (r *OrgSubscriptionRepository) Get(ctx context.Context, organizationID string) (*types.OrgSubscription, error) {
	var (
		s             types.OrgSubscription
		status        string
		meteredItemID *string
	)
	err := r.db.QueryRow(ctx,
		`SELECT organization_id, subscription_id, price_id, status,
		        current_period_end, metered_item_id, last_event_at, updated_at
		 FROM org_subscriptions
		 WHERE organization_id = $1`,
		organizationID,
	).Scan(
		&s.OrganizationID,
		&s.SubscriptionID,
		&s.PriceID,
		&status,
		&s.CurrentPeriodEnd,
		&meteredItemID,
		&s.LastEventAt,
		&s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundSubscription, "org subscription not found", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get org subscription", err)
	}
	s.Status = types.SubscriptionStatus(status)
	if meteredItemID != nil {
		s.MeteredItemID = *meteredItemID
	}
	return &s, nil
}

// SetMeteredItem records the subscription item id created (or discovered)
// by the ensure-metered-item flow. Only fills an empty slot; an existing
// item id is never overwritten.
func (r *OrgSubscriptionRepository) SetMeteredItem(ctx context.Context, organizationID string, itemID string) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE org_subscriptions
		 SET metered_item_id = $2,
		     updated_at = NOW()
		 WHERE organization_id = $1
		   AND (metered_item_id IS NULL OR metered_item_id = '')`,
		organizationID,
		itemID,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to set metered item", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ============================================================
// PaymentRecordRepository
// ============================================================

// PaymentRecordRepository provides data access for the payment_records
// projection, mirroring terminal payment, refund, and payout outcomes.
type PaymentRecordRepository struct {
	db DBTX
}

// NewPaymentRecordRepository creates a new PaymentRecordRepository backed
// by the given database connection (pool or transaction).
func NewPaymentRecordRepository(db DBTX) *PaymentRecordRepository {
	return &PaymentRecordRepository{db: db}
}

// Upsert applies a payment outcome keyed by the processor object id,
// guarded by last_event_at. A redelivered success after a recorded refund
// (older event time) leaves the refund in place.
func (r *PaymentRecordRepository) Upsert(ctx context.Context, p *types.PaymentRecord) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`INSERT INTO payment_records
		 (payment_id, kind, organization_id, amount, currency, outcome,
		  failure_message, occurred_at, last_event_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (payment_id) DO UPDATE SET
		   kind = EXCLUDED.kind,
		   organization_id = EXCLUDED.organization_id,
		   amount = EXCLUDED.amount,
		   currency = EXCLUDED.currency,
		   outcome = EXCLUDED.outcome,
		   failure_message = EXCLUDED.failure_message,
		   occurred_at = EXCLUDED.occurred_at,
		   last_event_at = EXCLUDED.last_event_at
		 WHERE payment_records.last_event_at < EXCLUDED.last_event_at`,
		p.PaymentID,
		string(p.Kind),
		nilIfEmpty(p.OrganizationID),
		p.Amount,
		p.Currency,
		string(p.Outcome),
		nilIfEmpty(p.FailureMessage),
		p.OccurredAt,
		p.LastEventAt,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to upsert payment record", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ============================================================
// UsageCounterRepository
// ============================================================

// UsageCounterRepository provides data access for the usage_counters table.
// Counters accumulate metered usage per organization and metric; both the
// accumulated and reported columns only ever grow, and their difference is
// what the usage reporter pushes to the processor.
type UsageCounterRepository struct {
	db DBTX
}

// NewUsageCounterRepository creates a new UsageCounterRepository backed by
// the given database connection (pool or transaction).
func NewUsageCounterRepository(db DBTX) *UsageCounterRepository {
	return &UsageCounterRepository{db: db}
}

// Add atomically increments an organization's accumulated usage for a
// metric, creating the counter row on first use.
func (r *UsageCounterRepository) Add(ctx context.Context, organizationID string, metric types.UsageMetric, delta int64) error {
	if delta <= 0 {
		return types.NewAppError(types.ErrCodeValidationBadRequest, "usage delta must be positive", nil)
	}

	_, err := r.db.Exec(ctx,
		`INSERT INTO usage_counters (organization_id, metric, accumulated, reported, updated_at)
		 VALUES ($1, $2, $3, 0, NOW())
		 ON CONFLICT (organization_id, metric) DO UPDATE SET
		   accumulated = usage_counters.accumulated + EXCLUDED.accumulated,
		   updated_at = NOW()`,
		organizationID,
		string(metric),
		delta,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to add usage", err)
	}
	return nil
}

// ListPending returns counters with unreported usage (accumulated above
// reported), ordered for deterministic reporting runs.
func (r *UsageCounterRepository) ListPending(ctx context.Context) ([]*types.UsageCounter, error) {
	rows, err := r.db.Query(ctx,
		`SELECT organization_id, metric, accumulated, reported, updated_at
		 FROM usage_counters
		 WHERE accumulated > reported
		 ORDER BY organization_id, metric`,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list pending usage counters", err)
	}
	defer rows.Close()

	var results []*types.UsageCounter
	for rows.Next() {
		var (
			u      types.UsageCounter
			metric string
		)
		if err := rows.Scan(
			&u.OrganizationID,
			&metric,
			&u.Accumulated,
			&u.Reported,
			&u.UpdatedAt,
		); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan usage counter row", err)
		}
		u.Metric = types.UsageMetric(metric)
		results = append(results, &u)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating usage counter rows", err)
	}

	return results, nil
}

// AdvanceReported moves the reported watermark forward after a successful
// push to the processor. The reported < $3 guard keeps the watermark
// monotonic under concurrent reporting runs.
func (r *UsageCounterRepository) AdvanceReported(ctx context.Context, organizationID string, metric types.UsageMetric, reported int64) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE usage_counters
		 SET reported = $3,
		     updated_at = NOW()
		 WHERE organization_id = $1
		   AND metric = $2
		   AND reported < $3`,
		organizationID,
		string(metric),
		reported,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to advance reported usage", err)
	}
	return tag.RowsAffected() > 0, nil
}
