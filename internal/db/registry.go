package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"subledger/internal/config"
)

// NewPool opens a pgx connection pool tuned from configuration and verifies
// connectivity before returning, so a bad DATABASE_URL fails startup instead
// of the first request.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL.Unmask())
	if err != nil {
		return nil, fmt.Errorf("parsing database url: %w", err)
	}

	poolCfg.MaxConns = int32(cfg.MaxConns)
	poolCfg.MinConns = int32(cfg.MinConns)
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.HealthCheckPeriod = cfg.HealthCheckPeriod
	poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return pool, nil
}

// Repositories bundles every repository over one connection pool so entry
// points wire storage with a single constructor call. Consumers still depend
// on their own narrow interfaces; this struct only does the assembly.
type Repositories struct {
	pool *pgxpool.Pool

	WebhookEvents   *WebhookEventRepository
	DomainEvents    *DomainEventRepository
	Accounts        *ConnectedAccountRepository
	Plans           *PlanRepository
	Subscriptions   *OrgSubscriptionRepository
	Payments        *PaymentRecordRepository
	UsageCounters   *UsageCounterRepository
	JobLocks        *JobLockRepository
	JobHistory      *JobHistoryRepository
	PayloadArchives *PayloadArchiveRepository
}

// NewRepositories constructs all repositories over the given pool.
func NewRepositories(pool *pgxpool.Pool) *Repositories {
	return &Repositories{
		pool:            pool,
		WebhookEvents:   NewWebhookEventRepository(pool),
		DomainEvents:    NewDomainEventRepository(pool),
		Accounts:        NewConnectedAccountRepository(pool),
		Plans:           NewPlanRepository(pool),
		Subscriptions:   NewOrgSubscriptionRepository(pool),
		Payments:        NewPaymentRecordRepository(pool),
		UsageCounters:   NewUsageCounterRepository(pool),
		JobLocks:        NewJobLockRepository(pool),
		JobHistory:      NewJobHistoryRepository(pool),
		PayloadArchives: NewPayloadArchiveRepository(pool),
	}
}

// Ping verifies database connectivity. The readiness endpoint calls it
// through a registered probe.
func (r *Repositories) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// Close releases all pooled connections.
func (r *Repositories) Close() {
	r.pool.Close()
}
