package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"subledger/internal/types"
)

// WebhookEventRepository provides data access for the webhook_events table,
// the durable store behind webhook idempotency. One row exists per external
// event id; the UNIQUE constraint on external_id is the serialization point
// that turns the processor's at-least-once delivery into exactly-once-effect
// processing.
//
// Worker-side mutations (MarkProcessed, RecordFailure, ClaimParked) are all
// conditional on processed = FALSE. A processed row is immutable; a zero
// rows-affected result from these methods is a benign race outcome, not an
// error.
type WebhookEventRepository struct {
	db DBTX
}

// NewWebhookEventRepository creates a new WebhookEventRepository backed by
// the given database connection (pool or transaction).
func NewWebhookEventRepository(db DBTX) *WebhookEventRepository {
	return &WebhookEventRepository{db: db}
}

// webhookEventColumns is the canonical SELECT list, matching the scan order
// in scanWebhookEvent.
const webhookEventColumns = `id, external_id, event_type, endpoint, payload, headers,
	processed, processed_at, retry_count, last_error, next_retry_at,
	received_at, archived_at`

// InsertIfNew inserts a webhook event row if no row with the same
// external_id exists. Returns true when the row was inserted, false when a
// concurrent or earlier delivery already claimed the external id. The
// ON CONFLICT DO NOTHING makes the insert race-free: two simultaneous
// deliveries of the same event resolve with exactly one insert.
//
// If e.ID is empty a new UUID is assigned. ReceivedAt defaults to NOW()
// via COALESCE when unset.
func (r *WebhookEventRepository) InsertIfNew(ctx context.Context, e *types.WebhookEvent) (bool, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}

	tag, err := r.db.Exec(ctx,
		`INSERT INTO webhook_events
		 (id, external_id, event_type, endpoint, payload, headers, received_at)
		 VALUES ($1, $2, $3, $4, $5, $6, COALESCE($7, NOW()))
		 ON CONFLICT (external_id) DO NOTHING`,
		e.ID,
		e.ExternalID,
		string(e.EventType),
		string(e.Endpoint),
		e.Payload,
		e.Headers,
		nilIfZeroTime(e.ReceivedAt),
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to insert webhook event", err)
	}
	return tag.RowsAffected() > 0, nil
}

// FindByExternalID retrieves a webhook event by the processor's event id.
// Used by the ingress dedup check. Returns a not-found AppError when no row
// exists; callers treat that as "first delivery".
func (r *WebhookEventRepository) FindByExternalID(ctx context.Context, externalID string) (*types.WebhookEvent, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+webhookEventColumns+`
		 FROM webhook_events
		 WHERE external_id = $1`,
		externalID,
	)
	e, err := scanWebhookEvent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundWebhookEvent, "webhook event not found", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to find webhook event", err)
	}
	return e, nil
}

// Get retrieves a webhook event by its internal UUID.
func (r *WebhookEventRepository) Get(ctx context.Context, id string) (*types.WebhookEvent, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+webhookEventColumns+`
		 FROM webhook_events
		 WHERE id = $1`,
		id,
	)
	e, err := scanWebhookEvent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundWebhookEvent, "webhook event not found", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get webhook event", err)
	}
	return e, nil
}

// MarkProcessed marks a webhook event as processed and clears any parked
// retry cursor. Conditional on processed = FALSE: returns (true, nil) when
// this call performed the transition, (false, nil) when the row was already
// processed or does not exist. The false case is how a worker that lost the
// redelivery race learns to ack without re-running side effects.
func (r *WebhookEventRepository) MarkProcessed(ctx context.Context, id string) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE webhook_events
		 SET processed = TRUE,
		     processed_at = NOW(),
		     next_retry_at = NULL
		 WHERE id = $1
		   AND processed = FALSE`,
		id,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to mark webhook event processed", err)
	}
	return tag.RowsAffected() > 0, nil
}

// RecordFailure records the outcome of a failed processing attempt: the
// error text, the attempt counter from the job envelope, and the parked
// retry cursor (nil when the retry rides the queue delay or the budget is
// exhausted). Conditional on processed = FALSE; returns false when a
// concurrent worker processed the row first.
func (r *WebhookEventRepository) RecordFailure(ctx context.Context, id string, lastError string, retryCount int, nextRetryAt *time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE webhook_events
		 SET retry_count = $2,
		     last_error = $3,
		     next_retry_at = $4
		 WHERE id = $1
		   AND processed = FALSE`,
		id,
		retryCount,
		lastError,
		nextRetryAt,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to record webhook event failure", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListDueParked returns unprocessed events whose parked retry cursor has
// passed, oldest first. The requeue maintenance task feeds these back onto
// the job queue.
func (r *WebhookEventRepository) ListDueParked(ctx context.Context, now time.Time, limit int) ([]*types.WebhookEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.Query(ctx,
		`SELECT `+webhookEventColumns+`
		 FROM webhook_events
		 WHERE processed = FALSE
		   AND next_retry_at IS NOT NULL
		   AND next_retry_at <= $1
		 ORDER BY next_retry_at
		 LIMIT $2`,
		now,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list due parked events", err)
	}
	defer rows.Close()

	var results []*types.WebhookEvent
	for rows.Next() {
		e, scanErr := scanWebhookEvent(rows)
		if scanErr != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan webhook event row", scanErr)
		}
		results = append(results, e)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating webhook event rows", err)
	}

	return results, nil
}

// ClaimParked clears the parked retry cursor on an unprocessed event and
// reports whether this call did the clearing. The requeue task claims each
// due row before republishing so that overlapping maintenance runs cannot
// enqueue the same parked job twice.
func (r *WebhookEventRepository) ClaimParked(ctx context.Context, id string) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE webhook_events
		 SET next_retry_at = NULL
		 WHERE id = $1
		   AND processed = FALSE
		   AND next_retry_at IS NOT NULL`,
		id,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to claim parked event", err)
	}
	return tag.RowsAffected() > 0, nil
}

// List retrieves webhook events for the ops API with filtering by derived
// state, event type, and endpoint. The state filter is translated into
// conditions over the processed/retry columns; maxRetries is the worker's
// configured ceiling, needed to tell a still-retrying failure from a dead
// one. Pagination is cursor-based on received_at using the limit+1 strategy.
func (r *WebhookEventRepository) List(ctx context.Context, filters types.WebhookEventFilters, maxRetries int) ([]*types.WebhookEvent, types.PageInfo, error) {
	limit := filters.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	var conditions []string
	var args []any
	argIdx := 1

	if filters.EventType != "" {
		conditions = append(conditions, fmt.Sprintf("event_type = $%d", argIdx))
		args = append(args, string(filters.EventType))
		argIdx++
	}

	if filters.Endpoint != "" {
		conditions = append(conditions, fmt.Sprintf("endpoint = $%d", argIdx))
		args = append(args, string(filters.Endpoint))
		argIdx++
	}

	switch filters.State {
	case types.EventStateProcessed:
		conditions = append(conditions, "processed = TRUE")
	case types.EventStatePending:
		conditions = append(conditions, "processed = FALSE", "last_error IS NULL")
	case types.EventStateFailed:
		conditions = append(conditions,
			"processed = FALSE",
			"last_error IS NOT NULL",
			fmt.Sprintf("(next_retry_at IS NOT NULL OR retry_count < $%d)", argIdx))
		args = append(args, maxRetries)
		argIdx++
	case types.EventStateDead:
		conditions = append(conditions,
			"processed = FALSE",
			"last_error IS NOT NULL",
			"next_retry_at IS NULL",
			fmt.Sprintf("retry_count >= $%d", argIdx))
		args = append(args, maxRetries)
		argIdx++
	}

	// Cursor-based pagination: fetch rows received before the cursor.
	if filters.Cursor != "" {
		cursorTime, err := time.Parse(time.RFC3339Nano, filters.Cursor)
		if err != nil {
			return nil, types.PageInfo{}, types.NewAppError(
				types.ErrCodeValidationBadRequest,
				"invalid cursor format; expected RFC3339 timestamp",
				err,
			)
		}
		conditions = append(conditions, fmt.Sprintf("received_at < $%d", argIdx))
		args = append(args, cursorTime)
		argIdx++
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, " AND ")
	}

	query := fmt.Sprintf(
		`SELECT `+webhookEventColumns+`
		 FROM webhook_events
		 %s
		 ORDER BY received_at DESC
		 LIMIT $%d`,
		whereClause,
		argIdx,
	)
	args = append(args, limit+1)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, types.PageInfo{}, types.NewAppError(types.ErrCodeInternalDB, "failed to list webhook events", err)
	}
	defer rows.Close()

	var results []*types.WebhookEvent
	for rows.Next() {
		e, scanErr := scanWebhookEvent(rows)
		if scanErr != nil {
			return nil, types.PageInfo{}, types.NewAppError(types.ErrCodeInternalDB, "failed to scan webhook event row", scanErr)
		}
		results = append(results, e)
	}
	if err := rows.Err(); err != nil {
		return nil, types.PageInfo{}, types.NewAppError(types.ErrCodeInternalDB, "error iterating webhook event rows", err)
	}

	pageInfo := types.PageInfo{}
	if len(results) > limit {
		pageInfo.HasMore = true
		pageInfo.NextCursor = results[limit-1].ReceivedAt.Format(time.RFC3339Nano)
		results = results[:limit]
	}

	return results, pageInfo, nil
}

// ListArchivable returns processed events received before the cutoff whose
// payloads have not yet been offloaded, oldest first. The maintenance
// archiver batches these into object storage.
func (r *WebhookEventRepository) ListArchivable(ctx context.Context, before time.Time, limit int) ([]*types.WebhookEvent, error) {
	if limit <= 0 {
		limit = 500
	}

	rows, err := r.db.Query(ctx,
		`SELECT `+webhookEventColumns+`
		 FROM webhook_events
		 WHERE processed = TRUE
		   AND archived_at IS NULL
		   AND received_at < $1
		 ORDER BY received_at
		 LIMIT $2`,
		before,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list archivable events", err)
	}
	defer rows.Close()

	var results []*types.WebhookEvent
	for rows.Next() {
		e, scanErr := scanWebhookEvent(rows)
		if scanErr != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan webhook event row", scanErr)
		}
		results = append(results, e)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating webhook event rows", err)
	}

	return results, nil
}

// MarkArchived stamps archived_at on the given rows after their payloads
// have been written to object storage. Rows and dedup keys remain; only the
// archival marker changes. Returns the number of rows stamped.
func (r *WebhookEventRepository) MarkArchived(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	tag, err := r.db.Exec(ctx,
		`UPDATE webhook_events
		 SET archived_at = NOW()
		 WHERE id = ANY($1)
		   AND archived_at IS NULL`,
		ids,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to mark events archived", err)
	}
	return tag.RowsAffected(), nil
}

// rowScanner is the Scan surface shared by pgx.Row and pgx.Rows, letting
// one scan helper serve both QueryRow and Query call sites.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanWebhookEvent scans one webhook_events row in webhookEventColumns
// order. Nullable columns use pointer intermediates.
func scanWebhookEvent(row rowScanner) (*types.WebhookEvent, error) {
	var (
		e           types.WebhookEvent
		eventType   string
		endpoint    string
		payload     []byte
		headers     []byte
		processedAt *time.Time
		lastError   *string
		nextRetryAt *time.Time
		archivedAt  *time.Time
	)

	err := row.Scan(
		&e.ID,
		&e.ExternalID,
		&eventType,
		&endpoint,
		&payload,
		&headers,
		&e.Processed,
		&processedAt,
		&e.RetryCount,
		&lastError,
		&nextRetryAt,
		&e.ReceivedAt,
		&archivedAt,
	)
	if err != nil {
		return nil, err
	}

	e.EventType = types.WebhookEventType(eventType)
	e.Endpoint = types.WebhookEndpoint(endpoint)
	e.Payload = json.RawMessage(payload)
	if headers != nil {
		_ = json.Unmarshal(headers, &e.Headers)
	}
	e.ProcessedAt = processedAt
	if lastError != nil {
		e.LastError = *lastError
	}
	e.NextRetryAt = nextRetryAt
	e.ArchivedAt = archivedAt

	return &e, nil
}
