package job

import (
	"context"
	"encoding/json"
	"time"
)

// Queue is the durable job queue. Enqueue is idempotent by job identifier:
// re-enqueuing an identical definition returns the existing entry.
type Queue interface {
	Enqueue(ctx context.Context, queueType string, groupID int64, definitions ...string) ([]*Info, error)

	// Dequeue leases the oldest available job, or returns (nil, nil) when the
	// queue is empty. A running job whose lease expired is available again.
	Dequeue(ctx context.Context, queueType, worker string, lease time.Duration) (*Info, error)

	// Heartbeat extends the lease and reports whether cancellation was requested.
	Heartbeat(ctx context.Context, id int64, leaseID string) (cancelRequested bool, err error)

	Complete(ctx context.Context, id int64, leaseID string, outcome Outcome) error

	// Abandon releases the lease so the job is redelivered once retryAfter
	// has passed.
	Abandon(ctx context.Context, id int64, leaseID string, retryAfter time.Duration) error

	GetByID(ctx context.Context, queueType string, id int64) (*Info, error)

	// Cancel requests cancellation of every non-terminal job in a group.
	Cancel(ctx context.Context, queueType string, groupID int64) error
}

// WatermarkKey addresses the status row of one orchestrator job.
type WatermarkKey struct {
	QueueType string
	GroupID   int64
	JobID     int64
}

// Watermark is the persisted orchestrator status with its row version.
type Watermark struct {
	WatermarkKey
	Status  *OrchestratorStatus
	Version int64
}

// MetadataStore persists orchestrator watermarks and patient versions.
type MetadataStore interface {
	GetWatermark(ctx context.Context, key WatermarkKey) (*Watermark, error)

	// TryAddWatermark inserts the row if absent and reports whether it did.
	TryAddWatermark(ctx context.Context, w *Watermark) (bool, error)

	// SetWatermark updates the row when w.Version matches, returning
	// ErrConflict otherwise. On success w.Version is advanced.
	SetWatermark(ctx context.Context, w *Watermark) error

	GetPatientVersions(ctx context.Context, queueType string, patientHashes []string) (map[string]int64, error)
	UpdatePatientVersions(ctx context.Context, queueType string, versions map[string]int64) error
}

// TriggerStatus is the lifecycle of one scheduled trigger.
type TriggerStatus string

const (
	TriggerNew       TriggerStatus = "New"
	TriggerRunning   TriggerStatus = "Running"
	TriggerCompleted TriggerStatus = "Completed"
	TriggerFailed    TriggerStatus = "Failed"
	TriggerCancelled TriggerStatus = "Cancelled"
)

// Trigger is the current scheduled window of a queue.
type Trigger struct {
	QueueType         string        `json:"queue_type"`
	SequenceID        int64         `json:"trigger_sequence_id"`
	StartTime         *time.Time    `json:"trigger_start_time,omitempty"`
	EndTime           time.Time     `json:"trigger_end_time"`
	Status            TriggerStatus `json:"trigger_status"`
	OrchestratorJobID int64         `json:"orchestrator_job_id"`
	Version           int64         `json:"-"`
}

// TriggerStore persists the current trigger with optimistic concurrency.
type TriggerStore interface {
	GetTrigger(ctx context.Context, queueType string) (*Trigger, error)
	TryAddTrigger(ctx context.Context, t *Trigger) (bool, error)
	TryUpdateTrigger(ctx context.Context, t *Trigger) (bool, error)
}

// SearchRequest asks a data source for one page of records.
type SearchRequest struct {
	ResourceType string
	Range        TimeRange

	// PatientID restricts the search to a patient compartment.
	PatientID string

	// ResourceID fetches a single resource by id.
	ResourceID string

	Parameters        map[string]string
	ContinuationToken string
}

// SearchResult is one page of raw JSON records in source order.
type SearchResult struct {
	Records           []json.RawMessage
	SizeBytes         int64
	ContinuationToken string
}

// DataSource reads raw records by resource type and time range.
type DataSource interface {
	Search(ctx context.Context, req SearchRequest) (*SearchResult, error)
	GetCount(ctx context.Context, resourceType string, r TimeRange) (int64, error)

	// BoundaryTimestamp returns the last-updated time of the earliest (or
	// latest) record in the range, or nil when the range is empty.
	BoundaryTimestamp(ctx context.Context, resourceType string, r TimeRange, latest bool) (*time.Time, error)
}

// GroupMemberExtractor resolves the patients of a group as of a point in time.
type GroupMemberExtractor interface {
	GroupPatients(ctx context.Context, groupID string, asOf time.Time) ([]string, error)
}

// Record is one structured output row.
type Record = map[string]any

// DataConverter maps raw records onto a schema.
type DataConverter interface {
	// SchemaTypes lists the schema types produced for a resource type.
	SchemaTypes(resourceType string) []string

	// Convert converts records for one schema type. Records that belong to a
	// different resource type are dropped; records that do not match the
	// schema fail the whole call.
	Convert(records []json.RawMessage, schemaType string) ([]Record, error)
}

// DataWriter persists converted batches under deterministic staging keys and
// commits them to the result area.
type DataWriter interface {
	Write(ctx context.Context, batch []Record, jobID int64, schemaType string, partIndex int, dateBucket time.Time) (string, error)
	CleanJobData(ctx context.Context, jobID int64) error
	CommitJobData(ctx context.Context, jobID int64, partCounts map[string]int) error
}

// Executor runs one leased job and returns its serialized result. Returned
// errors are classified with KindOf.
type Executor interface {
	Execute(ctx context.Context, info *Info) (string, error)
}
