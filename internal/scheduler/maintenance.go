package scheduler

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"subledger/internal/types"
)

// -----------------------------------------------------------------------------
// Requeue Service
// -----------------------------------------------------------------------------

// ParkedEventStore is the slice of the webhook store the requeue task needs.
type ParkedEventStore interface {
	// ListDueParked returns unprocessed events whose next_retry_at has
	// passed, oldest first.
	//
	// SQL: SELECT ... FROM webhook_events WHERE processed = FALSE
	//      AND next_retry_at IS NOT NULL AND next_retry_at <= $1
	//      ORDER BY next_retry_at LIMIT $2
	ListDueParked(ctx context.Context, now time.Time, limit int) ([]*types.WebhookEvent, error)

	// ClaimParked clears next_retry_at and reports whether this call did
	// the clearing, so overlapping runs cannot republish the same job.
	//
	// SQL: UPDATE webhook_events SET next_retry_at = NULL
	//      WHERE id = $1 AND processed = FALSE AND next_retry_at IS NOT NULL
	ClaimParked(ctx context.Context, id string) (bool, error)
}

// JobPublisher publishes webhook jobs back onto the work queue.
type JobPublisher interface {
	PublishWebhookJob(ctx context.Context, job types.WebhookJob, delay time.Duration) error
}

// requeueService feeds parked webhook jobs back onto the queue once their
// backoff, too long to ride an SQS delay, has elapsed.
type requeueService struct {
	store     ParkedEventStore
	publisher JobPublisher
	logger    *slog.Logger
}

// NewRequeueService creates a RequeueService.
func NewRequeueService(store ParkedEventStore, publisher JobPublisher, logger *slog.Logger) *requeueService {
	if logger == nil {
		logger = slog.Default()
	}
	return &requeueService{
		store:     store,
		publisher: publisher,
		logger:    logger,
	}
}

// RequeueDue republishes parked jobs whose next_retry_at has passed. Each row
// is claimed before publishing; a row claimed by a concurrent run is skipped.
// The republished envelope carries Attempt = retry_count, the attempt number
// the retry scheduler recorded when it parked the job, so the worker's
// budget accounting continues where it left off.
//
// A publish failure after a successful claim is logged and skipped: the row
// keeps its retry history, shows up as failed in the ops API, and the replay
// endpoint is the recovery path.
//
// Returns the number of jobs republished.
func (s *requeueService) RequeueDue(ctx context.Context, now time.Time, limit int) (int, error) {
	events, err := s.store.ListDueParked(ctx, now, limit)
	if err != nil {
		return 0, fmt.Errorf("listing due parked events: %w", err)
	}

	if len(events) == 0 {
		s.logger.InfoContext(ctx, "no parked jobs due")
		return 0, nil
	}

	published := 0
	for _, e := range events {
		claimed, err := s.store.ClaimParked(ctx, e.ID)
		if err != nil {
			s.logger.ErrorContext(ctx, "failed to claim parked event",
				"event_id", e.ID,
				"error", err,
			)
			continue
		}
		if !claimed {
			// Another run claimed it, or a worker processed it meanwhile.
			continue
		}

		job := types.WebhookJob{
			EventID:    e.ID,
			ExternalID: e.ExternalID,
			EventType:  e.EventType,
			Endpoint:   e.Endpoint,
			Attempt:    e.RetryCount,
			TraceID:    uuid.NewString(),
			EnqueuedAt: now,
		}

		if err := s.publisher.PublishWebhookJob(ctx, job, 0); err != nil {
			s.logger.ErrorContext(ctx, "failed to republish parked job, event needs manual replay",
				"event_id", e.ID,
				"external_id", e.ExternalID,
				"attempt", job.Attempt,
				"error", err,
			)
			continue
		}
		published++
	}

	s.logger.InfoContext(ctx, "parked job requeue complete",
		"due", len(events),
		"published", published,
	)

	return published, nil
}

// -----------------------------------------------------------------------------
// Payload Archive Service
// -----------------------------------------------------------------------------

// ArchivableEventStore is the slice of the webhook store the archiver needs.
type ArchivableEventStore interface {
	// ListArchivable returns processed events received before the cutoff
	// whose payloads are still inline, oldest first.
	//
	// SQL: SELECT ... FROM webhook_events WHERE processed = TRUE
	//      AND archived_at IS NULL AND received_at < $1
	//      ORDER BY received_at LIMIT $2
	ListArchivable(ctx context.Context, before time.Time, limit int) ([]*types.WebhookEvent, error)

	// MarkArchived stamps archived_at on the given rows. The rows and their
	// dedup keys remain; only the payload is considered offloaded.
	//
	// SQL: UPDATE webhook_events SET archived_at = NOW()
	//      WHERE id = ANY($1) AND archived_at IS NULL
	MarkArchived(ctx context.Context, ids []string) (int64, error)
}

// ArchiveManifestStore records one payload_archives row per written object.
type ArchiveManifestStore interface {
	Create(ctx context.Context, a *types.PayloadArchive) error
}

// PayloadUploader abstracts the object storage write for payload archives.
type PayloadUploader interface {
	// Upload writes data under key in the archive bucket.
	Upload(ctx context.Context, key string, data []byte) error
}

// archivedEventRecord is one NDJSON line of an archive object. It carries
// everything needed to reconstruct the event without the database row.
type archivedEventRecord struct {
	ID          string                  `json:"id"`
	ExternalID  string                  `json:"external_id"`
	EventType   types.WebhookEventType  `json:"event_type"`
	Endpoint    types.WebhookEndpoint   `json:"endpoint"`
	ReceivedAt  time.Time               `json:"received_at"`
	ProcessedAt *time.Time              `json:"processed_at,omitempty"`
	Payload     json.RawMessage         `json:"payload"`
	Headers     types.JSONMap           `json:"headers,omitempty"`
}

// payloadArchiveService offloads aged webhook payloads to object storage:
// one zstd-compressed NDJSON object per received-day per run, a manifest row
// with a blake3 digest of the object as written, then archived_at stamped on
// the source rows.
type payloadArchiveService struct {
	events    ArchivableEventStore
	manifests ArchiveManifestStore
	uploader  PayloadUploader
	encoder   *zstd.Encoder
	logger    *slog.Logger
}

// NewPayloadArchiveService creates a PayloadArchiveService.
func NewPayloadArchiveService(events ArchivableEventStore, manifests ArchiveManifestStore, uploader PayloadUploader, logger *slog.Logger) *payloadArchiveService {
	if logger == nil {
		logger = slog.Default()
	}
	// EncodeAll with default options; construction cannot fail without
	// options.
	encoder, _ := zstd.NewWriter(nil)
	return &payloadArchiveService{
		events:    events,
		manifests: manifests,
		uploader:  uploader,
		encoder:   encoder,
		logger:    logger,
	}
}

// ArchivePayloads batches processed events received more than retentionDays
// ago into object storage. Events are grouped by received-day; each group
// becomes one object under archives/webhooks/<day>/, with the upload
// timestamp in the key so a rerun after a partial failure can never
// overwrite an earlier object. The manifest table is the index of which
// objects hold which day.
//
// Ordering per group: upload, then manifest row, then MarkArchived. A crash
// between upload and mark leaves the rows inline and re-archives them into a
// fresh object on the next run; the manifest keeps both entries.
//
// Returns the number of events archived.
func (s *payloadArchiveService) ArchivePayloads(ctx context.Context, now time.Time, retentionDays int, batchSize int) (int, error) {
	cutoff := now.AddDate(0, 0, -retentionDays)
	total := 0

	for {
		events, err := s.events.ListArchivable(ctx, cutoff, batchSize)
		if err != nil {
			return total, fmt.Errorf("listing archivable events: %w", err)
		}
		if len(events) == 0 {
			break
		}

		for _, day := range groupByDay(events) {
			archived, err := s.archiveDay(ctx, now, day)
			if err != nil {
				return total, err
			}
			total += archived
		}

		if len(events) < batchSize {
			break
		}
	}

	s.logger.InfoContext(ctx, "payload archival complete",
		"archived", total,
		"cutoff", cutoff.Format(time.RFC3339),
	)

	return total, nil
}

// dayGroup is the events of one received-day, in listing order.
type dayGroup struct {
	day    time.Time
	events []*types.WebhookEvent
}

// groupByDay buckets events by their UTC received-day, oldest day first.
func groupByDay(events []*types.WebhookEvent) []dayGroup {
	byDay := make(map[time.Time][]*types.WebhookEvent)
	for _, e := range events {
		day := e.ReceivedAt.UTC().Truncate(24 * time.Hour)
		byDay[day] = append(byDay[day], e)
	}

	groups := make([]dayGroup, 0, len(byDay))
	for day, evts := range byDay {
		groups = append(groups, dayGroup{day: day, events: evts})
	}
	sort.Slice(groups, func(i, j int) bool {
		return groups[i].day.Before(groups[j].day)
	})
	return groups
}

// archiveDay serializes, compresses, uploads, and records one day group.
func (s *payloadArchiveService) archiveDay(ctx context.Context, now time.Time, group dayGroup) (int, error) {
	var buf bytes.Buffer
	for _, e := range group.events {
		line, err := json.Marshal(archivedEventRecord{
			ID:          e.ID,
			ExternalID:  e.ExternalID,
			EventType:   e.EventType,
			Endpoint:    e.Endpoint,
			ReceivedAt:  e.ReceivedAt,
			ProcessedAt: e.ProcessedAt,
			Payload:     e.Payload,
			Headers:     e.Headers,
		})
		if err != nil {
			return 0, fmt.Errorf("serializing event %s for archive: %w", e.ID, err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	compressed := s.encoder.EncodeAll(buf.Bytes(), nil)
	digest := blake3.Sum256(compressed)

	dayStr := group.day.Format("2006-01-02")
	key := fmt.Sprintf("archives/webhooks/%s/%d.ndjson.zst", dayStr, now.UnixNano())

	if err := s.uploader.Upload(ctx, key, compressed); err != nil {
		return 0, fmt.Errorf("uploading payload archive %s: %w", key, err)
	}

	if err := s.manifests.Create(ctx, &types.PayloadArchive{
		Day:        group.day,
		ObjectKey:  key,
		EventCount: len(group.events),
		ByteSize:   int64(len(compressed)),
		Digest:     hex.EncodeToString(digest[:]),
	}); err != nil {
		return 0, fmt.Errorf("recording archive manifest for %s: %w", key, err)
	}

	ids := make([]string, len(group.events))
	for i, e := range group.events {
		ids[i] = e.ID
	}
	marked, err := s.events.MarkArchived(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("marking events archived for %s: %w", key, err)
	}

	s.logger.InfoContext(ctx, "archived payload batch",
		"day", dayStr,
		"object_key", key,
		"events", len(group.events),
		"marked", marked,
		"bytes", len(compressed),
	)

	return len(group.events), nil
}
