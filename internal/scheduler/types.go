// Package scheduler implements the maintenance task services behind the
// cmd/maintenance multiplexer: republishing parked webhook jobs, pushing
// pending usage to the processor, and offloading aged webhook payloads to
// object storage.
//
// Each service is constructed against narrow store interfaces and takes an
// explicit reference time, so tasks are deterministic under test and can be
// backfilled by invoking the binary with an overridden reference_time.
package scheduler

import "time"

// TaskType identifies which maintenance service handles an invocation of the
// multiplexer. Each constant maps to one dispatch arm in cmd/maintenance.
type TaskType string

const (
	// TaskRequeueDue republishes parked webhook jobs whose next_retry_at
	// has passed.
	TaskRequeueDue TaskType = "requeue_due"
	// TaskReportUsage pushes accumulated usage deltas to the processor.
	TaskReportUsage TaskType = "report_usage"
	// TaskArchivePayloads offloads aged webhook payloads to object storage.
	TaskArchivePayloads TaskType = "archive_payloads"
)

// MaintenancePayload is the JSON payload the multiplexer is invoked with,
// via flag or stdin. It identifies the task to execute and optionally
// overrides the reference time for manual invocation or backfilling.
//
//	{
//	  "task": "archive_payloads",
//	  "reference_time": "2026-08-25T03:00:00Z"  // optional
//	}
type MaintenancePayload struct {
	Task TaskType `json:"task"`
	// ReferenceTime lets a manual invocation pin "now" for deterministic
	// execution and backfill. Nil means time.Now().UTC().
	ReferenceTime *time.Time `json:"reference_time,omitempty"`
}
