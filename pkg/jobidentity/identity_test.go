package jobidentity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/lakeconnector/pkg/job"
)

func orchestratorDef(t *testing.T, version job.Version, end time.Time) string {
	t.Helper()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s, err := job.Encode(job.OrchestratorDefinition{
		JobType:           job.TypeOrchestrator,
		JobVersion:        version,
		TriggerSequenceID: 3,
		DataStartTime:     &start,
		DataEndTime:       end,
	})
	require.NoError(t, err)
	return s
}

func TestComputeIdentifier_IgnoresFieldsOutsideVersionList(t *testing.T) {
	end1 := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	end2 := end1.Add(37 * time.Second)

	// V4 orchestrators drop DataEndTime from the identity.
	a := ComputeIdentifier(orchestratorDef(t, job.V4, end1))
	b := ComputeIdentifier(orchestratorDef(t, job.V4, end2))
	assert.False(t, a.Degraded)
	assert.Equal(t, a.Value, b.Value)

	// V1 orchestrators include it.
	c := ComputeIdentifier(orchestratorDef(t, job.V1, end1))
	d := ComputeIdentifier(orchestratorDef(t, job.V1, end2))
	assert.NotEqual(t, c.Value, d.Value)
}

func TestComputeIdentifier_FieldOrderAndWhitespaceDoNotMatter(t *testing.T) {
	a := ComputeIdentifier(`{"JobType":"Processing","JobVersion":4,"TriggerSequenceId":1,"ProcessingJobSequenceId":2,"DataEndTime":"2024-01-02T00:00:00Z"}`)
	b := ComputeIdentifier(`{ "ProcessingJobSequenceId": 2,
		"DataEndTime": "2024-01-02T00:00:00Z", "TriggerSequenceId": 1, "JobVersion": 4, "JobType": "Processing", "Unrelated": true }`)
	require.False(t, a.Degraded)
	assert.Equal(t, a.Value, b.Value)
}

func TestComputeIdentifier_DiffersOnIdentityProperty(t *testing.T) {
	base := job.ProcessingDefinition{
		JobType:                 job.TypeProcessing,
		JobVersion:              job.V4,
		TriggerSequenceID:       1,
		ProcessingJobSequenceID: 2,
		DataEndTime:             time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
		SplitProcessingJobInfo: &job.SplitProcessingJobInfo{
			ResourceCount: 8,
			SubJobInfos: []job.SubJobInfo{
				{ResourceType: "Patient", ResourceCount: 3, TimeRange: job.TimeRange{DataEndTime: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)}},
			},
		},
	}
	other := base
	other.ProcessingJobSequenceID = 3

	first, err := job.Encode(base)
	require.NoError(t, err)
	second, err := job.Encode(other)
	require.NoError(t, err)

	assert.NotEqual(t, ComputeIdentifier(first).Value, ComputeIdentifier(second).Value)

	changedSplit := base
	changedSplit.SplitProcessingJobInfo = &job.SplitProcessingJobInfo{ResourceCount: 9}
	third, err := job.Encode(changedSplit)
	require.NoError(t, err)
	assert.NotEqual(t, ComputeIdentifier(first).Value, ComputeIdentifier(third).Value)
}

func TestComputeIdentifier_DefaultVersionIsV1(t *testing.T) {
	implicit := ComputeIdentifier(`{"JobType":"Orchestrator","TriggerSequenceId":1,"DataEndTime":"2024-01-02T00:00:00Z"}`)
	explicit := ComputeIdentifier(`{"JobType":"Orchestrator","JobVersion":1,"TriggerSequenceId":1,"DataEndTime":"2024-01-02T00:00:00Z"}`)
	assert.Equal(t, explicit.Value, implicit.Value)

	canonical, err := Canonical(`{"JobType":"Orchestrator","TriggerSequenceId":1,"DataEndTime":"2024-01-02T00:00:00Z"}`)
	require.NoError(t, err)
	assert.Equal(t, `{"JobType":"Orchestrator","TriggerSequenceId":1,"Since":null,"DataStartTime":null,"DataEndTime":"2024-01-02T00:00:00Z"}`, string(canonical))
}

func TestComputeIdentifier_DegradedFallback(t *testing.T) {
	tests := []struct {
		name       string
		definition string
	}{
		{"not json", "definitely not json"},
		{"unknown job type", `{"JobType":"Export"}`},
		{"unsupported version", `{"JobType":"Orchestrator","JobVersion":9}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			first := ComputeIdentifier(tt.definition)
			second := ComputeIdentifier(tt.definition)
			assert.True(t, first.Degraded)
			assert.Error(t, first.Reason)
			assert.Len(t, first.Value, 64)
			assert.Equal(t, first.Value, second.Value)
		})
	}
}

func TestProperties(t *testing.T) {
	props, err := Properties(job.TypeProcessing, job.V4)
	require.NoError(t, err)
	assert.Equal(t, PropSplitProcessingJobInfo, props[len(props)-1])
	assert.NotContains(t, props, PropDataEndTime)

	props[0] = "mutated"
	again, _ := Properties(job.TypeProcessing, job.V4)
	assert.Equal(t, PropJobType, again[0])

	_, err = Properties(job.TypeOrchestrator, job.Version(7))
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}
