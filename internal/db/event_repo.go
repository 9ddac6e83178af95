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

// DomainEventRepository provides data access for the domain_events table,
// the audit trail of normalized internal facts published on the event bus.
// Events are persisted before any handler runs and are never deleted; the
// retry_count and last_error columns track side-effect delivery bookkeeping
// only, never the fact itself.
type DomainEventRepository struct {
	db DBTX
}

// NewDomainEventRepository creates a new DomainEventRepository backed by the
// given database connection (pool or transaction).
func NewDomainEventRepository(db DBTX) *DomainEventRepository {
	return &DomainEventRepository{db: db}
}

const domainEventColumns = `id, event_type, version, actor_id, actor_type,
	organization_id, payload, metadata, occurred_at, retry_count, last_error`

// Insert persists a domain event. The bus assigns the id and timestamp
// before publishing; if either is missing the database-side defaults apply
// (generated UUID, NOW()). Re-inserting an id that already exists is a
// no-op, so replaying a publish cannot duplicate the audit trail.
func (r *DomainEventRepository) Insert(ctx context.Context, e *types.DomainEvent) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Version == 0 {
		e.Version = 1
	}

	_, err := r.db.Exec(ctx,
		`INSERT INTO domain_events
		 (id, event_type, version, actor_id, actor_type, organization_id,
		  payload, metadata, occurred_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, COALESCE($9, NOW()))`,
		e.ID,
		string(e.Type),
		e.Version,
		e.Actor.ID,
		string(e.Actor.Type),
		nilIfEmpty(e.OrganizationID),
		e.Payload,
		e.Metadata,
		nilIfZeroTime(e.OccurredAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to insert domain event", err)
	}
	return nil
}

// Get retrieves a domain event by id. The side-effect consumer loads events
// this way before dispatching a queued handler.
func (r *DomainEventRepository) Get(ctx context.Context, id string) (*types.DomainEvent, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+domainEventColumns+`
		 FROM domain_events
		 WHERE id = $1`,
		id,
	)
	e, err := scanDomainEvent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundDomainEvent, "domain event not found", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get domain event", err)
	}
	return e, nil
}

// List retrieves domain events for the ops audit query, newest first, with
// optional type and organization filters. Pagination is cursor-based on
// occurred_at using the limit+1 strategy.
func (r *DomainEventRepository) List(ctx context.Context, filters types.DomainEventFilters) ([]*types.DomainEvent, types.PageInfo, error) {
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

	if filters.Type != "" {
		conditions = append(conditions, fmt.Sprintf("event_type = $%d", argIdx))
		args = append(args, string(filters.Type))
		argIdx++
	}

	if filters.OrganizationID != "" {
		conditions = append(conditions, fmt.Sprintf("organization_id = $%d", argIdx))
		args = append(args, filters.OrganizationID)
		argIdx++
	}

	if filters.Cursor != "" {
		cursorTime, err := time.Parse(time.RFC3339Nano, filters.Cursor)
		if err != nil {
			return nil, types.PageInfo{}, types.NewAppError(
				types.ErrCodeValidationBadRequest,
				"invalid cursor format; expected RFC3339 timestamp",
				err,
			)
		}
		conditions = append(conditions, fmt.Sprintf("occurred_at < $%d", argIdx))
		args = append(args, cursorTime)
		argIdx++
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, " AND ")
	}

	query := fmt.Sprintf(
		`SELECT `+domainEventColumns+`
		 FROM domain_events
		 %s
		 ORDER BY occurred_at DESC
		 LIMIT $%d`,
		whereClause,
		argIdx,
	)
	args = append(args, limit+1)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, types.PageInfo{}, types.NewAppError(types.ErrCodeInternalDB, "failed to list domain events", err)
	}
	defer rows.Close()

	var results []*types.DomainEvent
	for rows.Next() {
		e, scanErr := scanDomainEvent(rows)
		if scanErr != nil {
			return nil, types.PageInfo{}, types.NewAppError(types.ErrCodeInternalDB, "failed to scan domain event row", scanErr)
		}
		results = append(results, e)
	}
	if err := rows.Err(); err != nil {
		return nil, types.PageInfo{}, types.NewAppError(types.ErrCodeInternalDB, "error iterating domain event rows", err)
	}

	pageInfo := types.PageInfo{}
	if len(results) > limit {
		pageInfo.HasMore = true
		pageInfo.NextCursor = results[limit-1].OccurredAt.Format(time.RFC3339Nano)
		results = results[:limit]
	}

	return results, pageInfo, nil
}

// RecordHandlerFailure increments the side-effect delivery counter and
// stores the latest handler error. The event payload and identity columns
// are never touched; a published fact is immutable.
func (r *DomainEventRepository) RecordHandlerFailure(ctx context.Context, id string, handlerErr string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE domain_events
		 SET retry_count = retry_count + 1,
		     last_error = $2
		 WHERE id = $1`,
		id,
		handlerErr,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to record handler failure", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundDomainEvent, "domain event not found", nil)
	}
	return nil
}

// scanDomainEvent scans one domain_events row in domainEventColumns order.
func scanDomainEvent(row rowScanner) (*types.DomainEvent, error) {
	var (
		e         types.DomainEvent
		eventType string
		actorType string
		orgID     *string
		payload   []byte
		metadata  []byte
		lastError *string
	)

	err := row.Scan(
		&e.ID,
		&eventType,
		&e.Version,
		&e.Actor.ID,
		&actorType,
		&orgID,
		&payload,
		&metadata,
		&e.OccurredAt,
		&e.RetryCount,
		&lastError,
	)
	if err != nil {
		return nil, err
	}

	e.Type = types.DomainEventType(eventType)
	e.Actor.Type = types.ActorType(actorType)
	if orgID != nil {
		e.OrganizationID = *orgID
		e.Actor.OrganizationID = *orgID
	}
	e.Payload = json.RawMessage(payload)
	if metadata != nil {
		_ = json.Unmarshal(metadata, &e.Metadata)
	}
	if lastError != nil {
		e.LastError = *lastError
	}

	return &e, nil
}
