package db

import (
	"context"
	"time"

	"github.com/google/uuid"

	"subledger/internal/types"
)

// ============================================================
// JobLockRepository
// ============================================================

// JobLockRepository provides distributed locking via the job_locks table.
// The maintenance binary may be invoked concurrently (overlapping schedules,
// manual runs); the lock guarantees a task body executes single-flight
// within its TTL window. Locking uses INSERT ... ON CONFLICT DO UPDATE to
// acquire atomically, reclaiming rows whose TTL has lapsed.
type JobLockRepository struct {
	db DBTX
}

// NewJobLockRepository creates a new JobLockRepository backed by the given
// database connection (pool or transaction).
func NewJobLockRepository(db DBTX) *JobLockRepository {
	return &JobLockRepository{db: db}
}

// Acquire attempts to insert a lock row. Returns true if acquired, false if
// the lock already exists and has not expired. The lockID is typically
// "task_type:timestamp_hour" (e.g., "archive_payloads:2026-08-25T03").
//
// The locked_at and expires_at values are computed as time.Time in Go to
// avoid PostgreSQL interval parsing incompatibilities with Go's duration
// format.
//
// If the existing row has expired (expires_at < current time), the UPDATE
// succeeds and the caller acquires the lock. If the row is still active,
// the ON CONFLICT WHERE clause prevents the update, and zero rows are
// affected.
func (r *JobLockRepository) Acquire(ctx context.Context, lockID string, workerID string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	expiresAt := now.Add(ttl)

	tag, err := r.db.Exec(ctx,
		`INSERT INTO job_locks (lock_id, locked_by, locked_at, expires_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (lock_id) DO UPDATE
		   SET locked_by = EXCLUDED.locked_by,
		       locked_at = EXCLUDED.locked_at,
		       expires_at = EXCLUDED.expires_at
		   WHERE job_locks.expires_at < $3`,
		lockID,
		workerID,
		now,
		expiresAt,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to acquire job lock", err)
	}

	// RowsAffected is 1 if the INSERT succeeded (new row) or if the
	// ON CONFLICT UPDATE matched (expired lock reclaimed). It is 0 if
	// the lock exists and has not expired (another worker holds it).
	return tag.RowsAffected() > 0, nil
}

// ============================================================
// JobHistoryRepository
// ============================================================

// JobHistoryRepository provides data access for the job_history table.
// History entries record every maintenance task execution for operational
// visibility and debugging.
type JobHistoryRepository struct {
	db DBTX
}

// NewJobHistoryRepository creates a new JobHistoryRepository backed by the
// given database connection (pool or transaction).
func NewJobHistoryRepository(db DBTX) *JobHistoryRepository {
	return &JobHistoryRepository{db: db}
}

// Start inserts a new job_history row with status 'running' and returns
// the auto-generated BIGSERIAL ID. The caller uses this ID to later call
// Finish with the outcome.
func (r *JobHistoryRepository) Start(ctx context.Context, jobType string) (int64, error) {
	var id int64
	err := r.db.QueryRow(ctx,
		`INSERT INTO job_history (job_type, started_at, status)
		 VALUES ($1, NOW(), 'running')
		 RETURNING id`,
		jobType,
	).Scan(&id)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to start job history entry", err)
	}
	return id, nil
}

// Finish updates the job_history row with the final status, item count,
// and optional error message. The status should be 'success' or 'failed'.
// If jobErr is non-nil, its message is stored in the error column.
func (r *JobHistoryRepository) Finish(ctx context.Context, id int64, status string, items int, jobErr error) error {
	var errMsg *string
	if jobErr != nil {
		s := jobErr.Error()
		errMsg = &s
	}

	tag, err := r.db.Exec(ctx,
		`UPDATE job_history
		 SET finished_at = NOW(), status = $2, items = $3, error = $4
		 WHERE id = $1`,
		id,
		status,
		items,
		errMsg,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to finish job history entry", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "job history entry not found", nil)
	}
	return nil
}

// ============================================================
// PayloadArchiveRepository
// ============================================================

// PayloadArchiveRepository provides data access for the payload_archives
// table, the manifest of webhook payload batches offloaded to object
// storage. One row per archived batch: the object key, the number of
// events it holds, the compressed size, and a content digest for
// end-to-end integrity checks.
type PayloadArchiveRepository struct {
	db DBTX
}

// NewPayloadArchiveRepository creates a new PayloadArchiveRepository backed
// by the given database connection (pool or transaction).
func NewPayloadArchiveRepository(db DBTX) *PayloadArchiveRepository {
	return &PayloadArchiveRepository{db: db}
}

// Create inserts a manifest row for an archived batch. If the ID is empty
// a new UUID is assigned; CreatedAt defaults to NOW().
func (r *PayloadArchiveRepository) Create(ctx context.Context, a *types.PayloadArchive) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}

	_, err := r.db.Exec(ctx,
		`INSERT INTO payload_archives
		 (id, day, object_key, event_count, byte_size, digest, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, COALESCE($7, NOW()))`,
		a.ID,
		a.Day,
		a.ObjectKey,
		a.EventCount,
		a.ByteSize,
		a.Digest,
		nilIfZeroTime(a.CreatedAt),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create payload archive manifest", err)
	}
	return nil
}
