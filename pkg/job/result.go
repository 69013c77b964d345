package job

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// OrchestratorStatus is the mutable progress record of an orchestrator job.
// It is persisted after every step and is the crash-recovery checkpoint.
type OrchestratorStatus struct {
	StartTime         time.Time  `json:"StartTime"`
	CompleteTime      *time.Time `json:"CompleteTime,omitempty"`
	CreatedJobCount   int64      `json:"CreatedJobCount"`
	CompletedJobCount int64      `json:"CompletedJobCount"`

	// SubmittingProcessingJob holds a definition persisted before enqueue and
	// cleared once the enqueue has been recorded.
	SubmittingProcessingJob []string `json:"SubmittingProcessingJob,omitempty"`

	RunningJobIDs     []int64         `json:"RunningJobIds"`
	SequenceIDToJobID map[int64]int64 `json:"SequenceIdToJobIdMapForRunningJobs"`

	SubmittedResourceTimestamps map[string]time.Time `json:"SubmittedResourceTimestamps"`
	CommittedResourceTimestamps map[string]time.Time `json:"CommittedResourceTimestamps"`
	NextJobTimestamp            *time.Time           `json:"NextJobTimestamp,omitempty"`
	NextPatientIndex            int                  `json:"NextPatientIndex"`

	TotalResourceCounts      map[string]int64 `json:"TotalResourceCounts"`
	ProcessedResourceCounts  map[string]int64 `json:"ProcessedResourceCounts"`
	SkippedResourceCounts    map[string]int64 `json:"SkippedResourceCounts"`
	ProcessedCountInTotal    int64            `json:"ProcessedCountInTotal"`
	ProcessedDataSizeInTotal int64            `json:"ProcessedDataSizeInTotal"`
}

// NewOrchestratorStatus returns an empty status started at now.
func NewOrchestratorStatus(now time.Time) *OrchestratorStatus {
	s := &OrchestratorStatus{StartTime: now.UTC()}
	s.ensureMaps()
	return s
}

func (s *OrchestratorStatus) ensureMaps() {
	if s.SequenceIDToJobID == nil {
		s.SequenceIDToJobID = map[int64]int64{}
	}
	if s.SubmittedResourceTimestamps == nil {
		s.SubmittedResourceTimestamps = map[string]time.Time{}
	}
	if s.CommittedResourceTimestamps == nil {
		s.CommittedResourceTimestamps = map[string]time.Time{}
	}
	if s.TotalResourceCounts == nil {
		s.TotalResourceCounts = map[string]int64{}
	}
	if s.ProcessedResourceCounts == nil {
		s.ProcessedResourceCounts = map[string]int64{}
	}
	if s.SkippedResourceCounts == nil {
		s.SkippedResourceCounts = map[string]int64{}
	}
}

// DecodeOrchestratorStatus parses a persisted status, tolerating unknown fields.
func DecodeOrchestratorStatus(data string) (*OrchestratorStatus, error) {
	s := &OrchestratorStatus{}
	if data != "" {
		if err := json.Unmarshal([]byte(data), s); err != nil {
			return nil, fmt.Errorf("decode orchestrator status: %w", err)
		}
	}
	s.ensureMaps()
	return s, nil
}

// Encode serializes the status.
func (s *OrchestratorStatus) Encode() (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("encode orchestrator status: %w", err)
	}
	return string(data), nil
}

// AddRunning records a newly enqueued processing job.
func (s *OrchestratorStatus) AddRunning(sequenceID, jobID int64) {
	s.ensureMaps()
	s.CreatedJobCount++
	s.SequenceIDToJobID[sequenceID] = jobID
	if !slices.Contains(s.RunningJobIDs, jobID) {
		s.RunningJobIDs = append(s.RunningJobIDs, jobID)
		slices.Sort(s.RunningJobIDs)
	}
}

// RemoveRunning marks the running job with the given sequence id as done.
func (s *OrchestratorStatus) RemoveRunning(sequenceID, jobID int64) {
	delete(s.SequenceIDToJobID, sequenceID)
	s.RunningJobIDs = slices.DeleteFunc(s.RunningJobIDs, func(id int64) bool { return id == jobID })
	s.CompletedJobCount++
}

// RunningCount is the number of enqueued jobs not yet completed.
func (s *OrchestratorStatus) RunningCount() int64 {
	return s.CreatedJobCount - s.CompletedJobCount
}

// Merge folds a completed processing job's counters into the aggregate.
func (s *OrchestratorStatus) Merge(r *ProcessingResult) {
	if r == nil {
		return
	}
	s.ensureMaps()
	addCounts(s.TotalResourceCounts, r.SearchCount)
	addCounts(s.ProcessedResourceCounts, r.ProcessedCount)
	addCounts(s.SkippedResourceCounts, r.SkippedCount)
	s.ProcessedCountInTotal += r.ProcessedCountInTotal
	s.ProcessedDataSizeInTotal += r.ProcessedDataSizeInTotal
}

// AdvanceCommitted moves a committed watermark forward; it never moves back.
func (s *OrchestratorStatus) AdvanceCommitted(resourceType string, t time.Time) {
	s.ensureMaps()
	if cur, ok := s.CommittedResourceTimestamps[resourceType]; ok && !t.After(cur) {
		return
	}
	s.CommittedResourceTimestamps[resourceType] = t.UTC()
}

func addCounts(dst, src map[string]int64) {
	for k, v := range src {
		dst[k] += v
	}
}

// ProcessingResult is reported by a completed processing job.
type ProcessingResult struct {
	ProcessingStartTime      time.Time        `json:"ProcessingStartTime"`
	ProcessingCompleteTime   time.Time        `json:"ProcessingCompleteTime"`
	SearchCount              map[string]int64 `json:"SearchCount"`
	SkippedCount             map[string]int64 `json:"SkippedCount"`
	ProcessedCount           map[string]int64 `json:"ProcessedCount"`
	ProcessedCountInTotal    int64            `json:"ProcessedCountInTotal"`
	ProcessedDataSizeInTotal int64            `json:"ProcessedDataSizeInTotal"`
	ProcessedPatientVersion  map[string]int64 `json:"ProcessedPatientVersion,omitempty"`

	// PartCounts is the number of parts written per schema type; staged parts
	// at or above this index are orphans from an earlier attempt.
	PartCounts map[string]int `json:"PartCounts"`
}

// NewProcessingResult returns an empty result started at now.
func NewProcessingResult(now time.Time) *ProcessingResult {
	return &ProcessingResult{
		ProcessingStartTime:     now.UTC(),
		SearchCount:             map[string]int64{},
		SkippedCount:            map[string]int64{},
		ProcessedCount:          map[string]int64{},
		ProcessedPatientVersion: map[string]int64{},
		PartCounts:              map[string]int{},
	}
}

// DecodeProcessingResult parses a processing job result.
func DecodeProcessingResult(data string) (*ProcessingResult, error) {
	r := &ProcessingResult{}
	if err := json.Unmarshal([]byte(data), r); err != nil {
		return nil, fmt.Errorf("decode processing result: %w", err)
	}
	return r, nil
}

// Encode serializes the result.
func (r *ProcessingResult) Encode() (string, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("encode processing result: %w", err)
	}
	return string(data), nil
}
