package job

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrchestratorStatus_RunningBookkeeping(t *testing.T) {
	s := NewOrchestratorStatus(time.Now())

	s.AddRunning(0, 11)
	s.AddRunning(1, 12)
	assert.Equal(t, int64(2), s.RunningCount())
	assert.Equal(t, []int64{11, 12}, s.RunningJobIDs)

	s.RemoveRunning(0, 11)
	assert.Equal(t, int64(1), s.CompletedJobCount)
	assert.Equal(t, int64(1), s.RunningCount())
	assert.Equal(t, []int64{12}, s.RunningJobIDs)
	assert.NotContains(t, s.SequenceIDToJobID, int64(0))
	assert.LessOrEqual(t, s.CompletedJobCount, s.CreatedJobCount)
}

func TestOrchestratorStatus_Merge(t *testing.T) {
	s := NewOrchestratorStatus(time.Now())
	s.Merge(&ProcessingResult{
		SearchCount:              map[string]int64{"Patient": 3},
		ProcessedCount:           map[string]int64{"Patient": 2},
		SkippedCount:             map[string]int64{"Patient": 1},
		ProcessedCountInTotal:    2,
		ProcessedDataSizeInTotal: 100,
	})
	s.Merge(&ProcessingResult{
		SearchCount:              map[string]int64{"Patient": 1, "Condition": 5},
		ProcessedCount:           map[string]int64{"Condition": 5},
		ProcessedCountInTotal:    5,
		ProcessedDataSizeInTotal: 50,
	})
	s.Merge(nil)

	assert.Equal(t, map[string]int64{"Patient": 4, "Condition": 5}, s.TotalResourceCounts)
	assert.Equal(t, map[string]int64{"Patient": 2, "Condition": 5}, s.ProcessedResourceCounts)
	assert.Equal(t, int64(7), s.ProcessedCountInTotal)
	assert.Equal(t, int64(150), s.ProcessedDataSizeInTotal)
}

func TestOrchestratorStatus_AdvanceCommittedIsMonotonic(t *testing.T) {
	s := NewOrchestratorStatus(time.Now())
	t1 := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	t0 := t1.Add(-time.Hour)

	s.AdvanceCommitted("Patient", t1)
	s.AdvanceCommitted("Patient", t0)
	assert.Equal(t, t1, s.CommittedResourceTimestamps["Patient"])
}

func TestDecodeOrchestratorStatus_ToleratesUnknownFields(t *testing.T) {
	s, err := DecodeOrchestratorStatus(`{"CreatedJobCount":3,"CompletedJobCount":1,"SomeFutureField":{"a":1},"SequenceIdToJobIdMapForRunningJobs":{"1":7,"2":8}}`)
	require.NoError(t, err)
	assert.Equal(t, int64(3), s.CreatedJobCount)
	assert.Equal(t, int64(8), s.SequenceIDToJobID[2])
	assert.NotNil(t, s.CommittedResourceTimestamps)

	empty, err := DecodeOrchestratorStatus("")
	require.NoError(t, err)
	assert.Equal(t, int64(0), empty.CreatedJobCount)
}

func TestErrorClassification(t *testing.T) {
	base := errors.New("boom")

	assert.Equal(t, KindRetryable, KindOf(base))
	assert.Equal(t, KindFatal, KindOf(fmt.Errorf("wrap: %w", Fatal("convert", base))))
	assert.Equal(t, KindCancelled, KindOf(context.Canceled))
	assert.True(t, IsRetryable(Retryable("search", base)))
	assert.False(t, IsRetryable(nil))
	assert.Equal(t, "boom", Cause(fmt.Errorf("outer: %w", Fatal("convert", base))))
	assert.ErrorIs(t, Fatal("convert", base), base)
}

func TestTimeRange(t *testing.T) {
	end := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	open := TimeRange{DataEndTime: end}
	assert.True(t, open.Start().IsZero())
	assert.False(t, open.Empty())
	assert.True(t, open.Contains(time.Unix(0, 0)))
	assert.False(t, open.Contains(end))

	closed := TimeRange{DataStartTime: TimePtr(end), DataEndTime: end}
	assert.True(t, closed.Empty())
}

func TestDecodeDefinitions(t *testing.T) {
	def, err := DecodeProcessing(`{"JobType":"Processing","TriggerSequenceId":4,"DataEndTime":"2024-01-02T00:00:00Z"}`)
	require.NoError(t, err)
	assert.Equal(t, DefaultVersion, def.JobVersion)
	assert.Equal(t, int64(4), def.TriggerSequenceID)

	_, err = DecodeOrchestrator(`{"JobType":"Processing"}`)
	assert.Error(t, err)

	typ, err := ProbeType(`{"JobType":"Orchestrator"}`)
	require.NoError(t, err)
	assert.Equal(t, TypeOrchestrator, typ)

	_, err = ProbeType(`not json`)
	assert.Error(t, err)
}
