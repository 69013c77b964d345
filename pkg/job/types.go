// Package job defines the job model shared by the orchestrator, the
// processing jobs and the queue: definitions, results, statuses and the
// contracts of the external collaborators (queue, metadata store, data
// source, converter and writer).
package job

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Type identifies which executor runs a job definition.
type Type string

const (
	TypeOrchestrator Type = "Orchestrator"
	TypeProcessing   Type = "Processing"
)

// Version selects the identifier-property list and the split strategy.
type Version int

const (
	V1 Version = 1
	V2 Version = 2
	V3 Version = 3
	V4 Version = 4

	// CurrentVersion is stamped on newly created definitions.
	CurrentVersion = V4

	// DefaultVersion applies to definitions that omit JobVersion.
	DefaultVersion = V1
)

// Valid reports whether v is a known job version.
func (v Version) Valid() bool {
	return v >= V1 && v <= V4
}

// Scope is the partitioning strategy for an extraction.
type Scope string

const (
	// ScopeSystem partitions by resource type and time range.
	ScopeSystem Scope = "System"

	// ScopeGroup partitions by patient compartment.
	ScopeGroup Scope = "Group"
)

// Status is the lifecycle state of a queued job.
type Status string

const (
	StatusCreated   Status = "Created"
	StatusRunning   Status = "Running"
	StatusCompleted Status = "Completed"
	StatusFailed    Status = "Failed"
	StatusCancelled Status = "Cancelled"
)

// Terminal reports whether no further transition is expected.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// TimeRange is a half-open [DataStartTime, DataEndTime) window. A nil start
// means the window is open-ended from the epoch.
type TimeRange struct {
	DataStartTime *time.Time `json:"DataStartTime"`
	DataEndTime   time.Time  `json:"DataEndTime"`
}

// Start returns the start of the range, or the zero time when open-ended.
func (r TimeRange) Start() time.Time {
	if r.DataStartTime == nil {
		return time.Time{}
	}
	return *r.DataStartTime
}

// Empty reports whether the range contains no instants.
func (r TimeRange) Empty() bool {
	return r.DataStartTime != nil && !r.DataStartTime.Before(r.DataEndTime)
}

// Contains reports whether t falls in the range.
func (r TimeRange) Contains(t time.Time) bool {
	if r.DataStartTime != nil && t.Before(*r.DataStartTime) {
		return false
	}
	return t.Before(r.DataEndTime)
}

func (r TimeRange) String() string {
	start := "-inf"
	if r.DataStartTime != nil {
		start = r.DataStartTime.UTC().Format(time.RFC3339Nano)
	}
	return fmt.Sprintf("[%s, %s)", start, r.DataEndTime.UTC().Format(time.RFC3339Nano))
}

// TimePtr returns a UTC copy of t as a pointer.
func TimePtr(t time.Time) *time.Time {
	u := t.UTC()
	return &u
}

// TypeFilter selects one resource type and optional source parameters.
type TypeFilter struct {
	ResourceType string            `json:"ResourceType"`
	Parameters   map[string]string `json:"Parameters,omitempty"`
}

// SubJobInfo describes one small partition: a resource type over a time range.
type SubJobInfo struct {
	ResourceType  string    `json:"ResourceType"`
	TimeRange     TimeRange `json:"TimeRange"`
	ResourceCount int64     `json:"ResourceCount"`
}

// SplitProcessingJobInfo bundles sub jobs executed as one processing job.
type SplitProcessingJobInfo struct {
	ResourceCount int64        `json:"ResourceCount"`
	SubJobInfos   []SubJobInfo `json:"SubJobInfos"`
}

// PatientWrapper is a group member with its last processed version (0 for new).
type PatientWrapper struct {
	PatientHash string `json:"PatientHash"`
	VersionID   int64  `json:"VersionId"`
}

// PatientHash is the stored key of a patient id: hex-encoded SHA-256.
func PatientHash(patientID string) string {
	sum := sha256.Sum256([]byte(patientID))
	return hex.EncodeToString(sum[:])
}

// OrchestratorDefinition is the immutable input of an orchestrator job.
type OrchestratorDefinition struct {
	JobType           Type         `json:"JobType"`
	JobVersion        Version      `json:"JobVersion"`
	TriggerSequenceID int64        `json:"TriggerSequenceId"`
	Since             *time.Time   `json:"Since"`
	DataStartTime     *time.Time   `json:"DataStartTime"`
	DataEndTime       time.Time    `json:"DataEndTime"`
	FilterScope       Scope        `json:"FilterScope,omitempty"`
	GroupID           string       `json:"GroupId,omitempty"`
	TypeFilters       []TypeFilter `json:"TypeFilters,omitempty"`
}

// ProcessingDefinition is the immutable input of a processing job.
type ProcessingDefinition struct {
	JobType                 Type                    `json:"JobType"`
	JobVersion              Version                 `json:"JobVersion"`
	TriggerSequenceID       int64                   `json:"TriggerSequenceId"`
	ProcessingJobSequenceID int64                   `json:"ProcessingJobSequenceId"`
	Since                   *time.Time              `json:"Since"`
	DataStartTime           *time.Time              `json:"DataStartTime"`
	DataEndTime             time.Time               `json:"DataEndTime"`
	SplitProcessingJobInfo  *SplitProcessingJobInfo `json:"SplitProcessingJobInfo,omitempty"`
	ToBeProcessedPatients   []PatientWrapper        `json:"ToBeProcessedPatients,omitempty"`
	FilterScope             Scope                   `json:"FilterScope,omitempty"`
	GroupID                 string                  `json:"GroupId,omitempty"`
	TypeFilters             []TypeFilter            `json:"TypeFilters,omitempty"`
}

// Range returns the job-level time range.
func (d *ProcessingDefinition) Range() TimeRange {
	return TimeRange{DataStartTime: d.DataStartTime, DataEndTime: d.DataEndTime}
}

// Encode serializes a definition for the queue.
func Encode(def any) (string, error) {
	data, err := json.Marshal(def)
	if err != nil {
		return "", fmt.Errorf("encode job definition: %w", err)
	}
	return string(data), nil
}

// ProbeType reads only the JobType of a serialized definition.
func ProbeType(definition string) (Type, error) {
	var probe struct {
		JobType Type `json:"JobType"`
	}
	if err := json.Unmarshal([]byte(definition), &probe); err != nil {
		return "", fmt.Errorf("decode job type: %w", err)
	}
	switch probe.JobType {
	case TypeOrchestrator, TypeProcessing:
		return probe.JobType, nil
	default:
		return "", fmt.Errorf("unknown job type %q", probe.JobType)
	}
}

// DecodeOrchestrator parses an orchestrator definition and applies the default version.
func DecodeOrchestrator(definition string) (*OrchestratorDefinition, error) {
	var def OrchestratorDefinition
	if err := json.Unmarshal([]byte(definition), &def); err != nil {
		return nil, fmt.Errorf("decode orchestrator definition: %w", err)
	}
	if def.JobType != TypeOrchestrator {
		return nil, fmt.Errorf("decode orchestrator definition: job type is %q", def.JobType)
	}
	if def.JobVersion == 0 {
		def.JobVersion = DefaultVersion
	}
	return &def, nil
}

// DecodeProcessing parses a processing definition and applies the default version.
func DecodeProcessing(definition string) (*ProcessingDefinition, error) {
	var def ProcessingDefinition
	if err := json.Unmarshal([]byte(definition), &def); err != nil {
		return nil, fmt.Errorf("decode processing definition: %w", err)
	}
	if def.JobType != TypeProcessing {
		return nil, fmt.Errorf("decode processing definition: job type is %q", def.JobType)
	}
	if def.JobVersion == 0 {
		def.JobVersion = DefaultVersion
	}
	return &def, nil
}

// Info is a queued job as stored by the JobQueue.
type Info struct {
	ID              int64      `json:"id"`
	QueueType       string     `json:"queue_type"`
	GroupID         int64      `json:"group_id"`
	Definition      string     `json:"definition"`
	Identifier      string     `json:"identifier"`
	Status          Status     `json:"status"`
	Result          string     `json:"result,omitempty"`
	Error           string     `json:"error,omitempty"`
	CancelRequested bool       `json:"cancel_requested"`
	LeaseID         string     `json:"lease_id,omitempty"`
	LeaseExpiresAt  *time.Time `json:"lease_expires_at,omitempty"`
	DequeueCount    int        `json:"dequeue_count"`
	NotBefore       *time.Time `json:"not_before,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
}

// Outcome is the terminal report a worker submits for a leased job.
type Outcome struct {
	Status Status
	Result string
	Error  string
}
