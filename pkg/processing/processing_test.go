package processing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/lakeconnector/pkg/convert"
	"github.com/3leaps/lakeconnector/pkg/job"
	"github.com/3leaps/lakeconnector/pkg/provider"
	"github.com/3leaps/lakeconnector/pkg/retry"
)

var (
	since = time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	t0    = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	t1    = time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	t2    = time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)
)

type resource struct {
	raw     json.RawMessage
	id      string
	patient string
	updated time.Time
}

func newResource(resourceType, id, patient, version string, updated time.Time) resource {
	body := map[string]any{
		"resourceType": resourceType,
		"id":           id,
		"meta":         map[string]any{"versionId": version, "lastUpdated": updated.Format(time.RFC3339)},
	}
	if patient != "" && resourceType != "Patient" {
		body["subject"] = map[string]any{"reference": "Patient/" + patient}
	}
	raw, _ := json.Marshal(body)
	if resourceType == "Patient" {
		patient = id
	}
	return resource{raw: raw, id: id, patient: patient, updated: updated}
}

// fakeSource pages through in-memory resources, pageSize records at a time.
type fakeSource struct {
	mu       sync.Mutex
	byType   map[string][]resource
	pageSize int
	failures int
	requests []job.SearchRequest
}

func (s *fakeSource) Search(_ context.Context, req job.SearchRequest) (*job.SearchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if s.failures > 0 {
		s.failures--
		return nil, &provider.Error{Op: "get", Provider: provider.ProviderS3, Err: provider.ErrThrottled}
	}

	var matched []resource
	for _, r := range s.byType[req.ResourceType] {
		if !req.Range.Contains(r.updated) {
			continue
		}
		if req.ResourceID != "" && r.id != req.ResourceID {
			continue
		}
		if req.PatientID != "" && r.patient != req.PatientID {
			continue
		}
		matched = append(matched, r)
	}

	offset := 0
	if req.ContinuationToken != "" {
		_, _ = fmt.Sscanf(req.ContinuationToken, "%d", &offset)
	}
	size := s.pageSize
	if size <= 0 {
		size = 100
	}
	res := &job.SearchResult{}
	end := min(offset+size, len(matched))
	for _, r := range matched[offset:end] {
		res.Records = append(res.Records, r.raw)
		res.SizeBytes += int64(len(r.raw))
	}
	if end < len(matched) {
		res.ContinuationToken = fmt.Sprint(end)
	}
	return res, nil
}

func (s *fakeSource) GetCount(context.Context, string, job.TimeRange) (int64, error) {
	return 0, errors.New("not used")
}

func (s *fakeSource) BoundaryTimestamp(context.Context, string, job.TimeRange, bool) (*time.Time, error) {
	return nil, errors.New("not used")
}

type write struct {
	schemaType string
	part       int
	bucket     time.Time
	records    int
}

type fakeWriter struct {
	writes  []write
	cleaned int
	failAt  int
}

func (w *fakeWriter) Write(_ context.Context, batch []job.Record, jobID int64, schemaType string, part int, bucket time.Time) (string, error) {
	if w.failAt > 0 && len(w.writes)+1 == w.failAt {
		return "", errors.New("disk full")
	}
	w.writes = append(w.writes, write{schemaType: schemaType, part: part, bucket: bucket, records: len(batch)})
	return fmt.Sprintf("staging/%d/%s/%d", jobID, schemaType, part), nil
}

func (w *fakeWriter) CleanJobData(context.Context, int64) error {
	w.cleaned++
	return nil
}

func (w *fakeWriter) CommitJobData(context.Context, int64, map[string]int) error {
	return errors.New("not used")
}

type fakeMembers struct{ ids []string }

func (m fakeMembers) GroupPatients(context.Context, string, time.Time) ([]string, error) {
	return m.ids, nil
}

func testConverter(t *testing.T) *convert.Converter {
	t.Helper()
	schemas := map[string]*convert.Schema{}
	for _, doc := range []string{
		"resourceType: Patient\nfields:\n  - name: id\n    type: string\n",
		"schemaType: Patient_Meta\nresourceType: Patient\nfields:\n  - name: meta\n    type: JSONSTRING\n",
		"resourceType: Observation\nfields:\n  - name: id\n    type: string\n  - name: subject\n    fields:\n      - name: reference\n        type: string\n",
	} {
		s, err := convert.ParseSchema([]byte(doc))
		require.NoError(t, err)
		schemas[s.SchemaType] = s
	}
	return convert.New(schemas, nil)
}

func newExecutor(t *testing.T, src job.DataSource, w *fakeWriter, members job.GroupMemberExtractor, perCommit int) *Executor {
	t.Helper()
	e, err := New(Deps{Source: src, Converter: testConverter(t), Writer: w, Members: members}, Config{
		ResourcesPerCommit: perCommit,
		Retry:              retry.Policy{Retries: 2, Delay: time.Millisecond},
		Now:                func() time.Time { return t2 },
	})
	require.NoError(t, err)
	return e
}

func info(t *testing.T, def *job.ProcessingDefinition) *job.Info {
	t.Helper()
	encoded, err := job.Encode(def)
	require.NoError(t, err)
	return &job.Info{ID: 7, QueueType: "fhir", Definition: encoded}
}

func decode(t *testing.T, out string) *job.ProcessingResult {
	t.Helper()
	r, err := job.DecodeProcessingResult(out)
	require.NoError(t, err)
	return r
}

func observations(n int, patient string, from time.Time) []resource {
	out := make([]resource, n)
	for i := range out {
		out[i] = newResource("Observation", fmt.Sprintf("o%d", i), patient, "1", from.Add(time.Duration(i)*time.Minute))
	}
	return out
}

func TestExecute_SplitSubJobs(t *testing.T) {
	src := &fakeSource{byType: map[string][]resource{
		"Patient":     {newResource("Patient", "p1", "", "1", t0.Add(time.Hour)), newResource("Patient", "p2", "", "1", t1.Add(time.Hour))},
		"Observation": observations(3, "p1", t0),
	}}
	w := &fakeWriter{}
	e := newExecutor(t, src, w, nil, 0)

	def := &job.ProcessingDefinition{
		JobType:    job.TypeProcessing,
		JobVersion: job.V4,
		SplitProcessingJobInfo: &job.SplitProcessingJobInfo{ResourceCount: 4, SubJobInfos: []job.SubJobInfo{
			{ResourceType: "Patient", TimeRange: job.TimeRange{DataStartTime: job.TimePtr(t0), DataEndTime: t1}, ResourceCount: 1},
			{ResourceType: "Observation", TimeRange: job.TimeRange{DataStartTime: job.TimePtr(t0), DataEndTime: t2}, ResourceCount: 3},
		}},
		DataEndTime: t2,
	}
	out, err := e.Execute(context.Background(), info(t, def))
	require.NoError(t, err)
	assert.Equal(t, 1, w.cleaned)

	require.Len(t, w.writes, 3)
	assert.Equal(t, write{schemaType: "Patient", part: 0, bucket: t1, records: 1}, w.writes[0])
	assert.Equal(t, write{schemaType: "Patient_Meta", part: 0, bucket: t1, records: 1}, w.writes[1])
	assert.Equal(t, write{schemaType: "Observation", part: 0, bucket: t2, records: 3}, w.writes[2])

	r := decode(t, out)
	assert.Equal(t, map[string]int64{"Patient": 1, "Observation": 3}, r.SearchCount)
	assert.Equal(t, map[string]int64{"Patient": 1, "Patient_Meta": 1, "Observation": 3}, r.ProcessedCount)
	assert.Equal(t, int64(5), r.ProcessedCountInTotal)
	assert.Equal(t, map[string]int{"Patient": 1, "Patient_Meta": 1, "Observation": 1}, r.PartCounts)
	assert.Equal(t, t2, r.ProcessingCompleteTime)
	assert.Positive(t, r.ProcessedDataSizeInTotal)
}

func TestExecute_FlushesAtCommitThreshold(t *testing.T) {
	src := &fakeSource{byType: map[string][]resource{"Observation": observations(5, "p1", t0)}, pageSize: 1}
	w := &fakeWriter{}
	e := newExecutor(t, src, w, nil, 2)

	def := &job.ProcessingDefinition{
		JobType:       job.TypeProcessing,
		JobVersion:    job.V2,
		DataStartTime: job.TimePtr(t0),
		DataEndTime:   t1,
		TypeFilters:   []job.TypeFilter{{ResourceType: "Observation"}},
	}
	out, err := e.Execute(context.Background(), info(t, def))
	require.NoError(t, err)

	require.Len(t, w.writes, 3)
	for i, n := range []int{2, 2, 1} {
		assert.Equal(t, i, w.writes[i].part)
		assert.Equal(t, n, w.writes[i].records)
		assert.Equal(t, t1, w.writes[i].bucket)
	}
	assert.Equal(t, 3, decode(t, out).PartCounts["Observation"])
	assert.Len(t, src.requests, 5)
}

func TestExecute_CountsSkippedRecords(t *testing.T) {
	mixed := observations(2, "p1", t0)
	mixed = append(mixed, newResource("Patient", "stray", "", "1", t0))
	src := &fakeSource{byType: map[string][]resource{"Observation": mixed}}
	w := &fakeWriter{}
	e := newExecutor(t, src, w, nil, 0)

	def := &job.ProcessingDefinition{
		JobType:     job.TypeProcessing,
		JobVersion:  job.V1,
		DataEndTime: t1,
		TypeFilters: []job.TypeFilter{{ResourceType: "Observation"}},
	}
	out, err := e.Execute(context.Background(), info(t, def))
	require.NoError(t, err)

	r := decode(t, out)
	assert.Equal(t, int64(3), r.SearchCount["Observation"])
	assert.Equal(t, int64(2), r.ProcessedCount["Observation"])
	assert.Equal(t, int64(1), r.SkippedCount["Observation"])
}

func TestExecute_ConversionErrorIsFatal(t *testing.T) {
	bad := resource{raw: json.RawMessage(`{"resourceType":"Observation","id":{"nested":true}}`), updated: t0}
	src := &fakeSource{byType: map[string][]resource{"Observation": {bad}}}
	w := &fakeWriter{}
	e := newExecutor(t, src, w, nil, 0)

	def := &job.ProcessingDefinition{JobType: job.TypeProcessing, DataEndTime: t1, TypeFilters: []job.TypeFilter{{ResourceType: "Observation"}}}
	_, err := e.Execute(context.Background(), info(t, def))
	require.Error(t, err)
	assert.Equal(t, job.KindFatal, job.KindOf(err))
	assert.ErrorIs(t, err, convert.ErrConversion)
	assert.Empty(t, w.writes)
	assert.Equal(t, 2, w.cleaned, "staging is cleaned before the run and after the failure")
}

func TestExecute_WriteErrorIsRetryable(t *testing.T) {
	src := &fakeSource{byType: map[string][]resource{"Observation": observations(1, "p1", t0)}}
	w := &fakeWriter{failAt: 1}
	e := newExecutor(t, src, w, nil, 0)

	def := &job.ProcessingDefinition{JobType: job.TypeProcessing, DataEndTime: t1, TypeFilters: []job.TypeFilter{{ResourceType: "Observation"}}}
	_, err := e.Execute(context.Background(), info(t, def))
	require.Error(t, err)
	assert.True(t, job.IsRetryable(err))
}

func TestExecute_RetriesTransientSearchFailures(t *testing.T) {
	src := &fakeSource{byType: map[string][]resource{"Observation": observations(1, "p1", t0)}, failures: 2}
	w := &fakeWriter{}
	e := newExecutor(t, src, w, nil, 0)

	def := &job.ProcessingDefinition{JobType: job.TypeProcessing, DataEndTime: t1, TypeFilters: []job.TypeFilter{{ResourceType: "Observation"}}}
	_, err := e.Execute(context.Background(), info(t, def))
	require.NoError(t, err)
	assert.Len(t, w.writes, 1)

	src.failures = 3
	_, err = e.Execute(context.Background(), info(t, def))
	require.Error(t, err)
	assert.Equal(t, job.KindFatal, job.KindOf(err), "an exhausted retry budget fails the job")
}

func TestExecute_Cancelled(t *testing.T) {
	src := &fakeSource{byType: map[string][]resource{"Observation": observations(1, "p1", t0)}}
	e := newExecutor(t, src, &fakeWriter{}, nil, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	def := &job.ProcessingDefinition{JobType: job.TypeProcessing, DataEndTime: t1, TypeFilters: []job.TypeFilter{{ResourceType: "Observation"}}}
	_, err := e.Execute(ctx, info(t, def))
	assert.Equal(t, job.KindCancelled, job.KindOf(err))
}

func TestExecute_MalformedDefinitionIsFatal(t *testing.T) {
	e := newExecutor(t, &fakeSource{}, &fakeWriter{}, nil, 0)
	_, err := e.Execute(context.Background(), &job.Info{ID: 1, Definition: `{"JobType":"Orchestrator"}`})
	assert.Equal(t, job.KindFatal, job.KindOf(err))
}

func TestExecute_GroupScope(t *testing.T) {
	src := &fakeSource{byType: map[string][]resource{
		"Patient": {
			newResource("Patient", "known", "", "2", since.Add(time.Hour)),
			newResource("Patient", "fresh", "", "1", t0.Add(time.Hour)),
		},
		"Observation": {
			newResource("Observation", "k-old", "known", "1", since.Add(2*time.Hour)),
			newResource("Observation", "k-new", "known", "1", t0.Add(2*time.Hour)),
			newResource("Observation", "f-old", "fresh", "1", since.Add(2*time.Hour)),
			newResource("Observation", "f-new", "fresh", "1", t0.Add(3*time.Hour)),
		},
	}}
	w := &fakeWriter{}
	e := newExecutor(t, src, w, fakeMembers{ids: []string{"known", "fresh"}}, 0)

	def := &job.ProcessingDefinition{
		JobType:       job.TypeProcessing,
		JobVersion:    job.V4,
		FilterScope:   job.ScopeGroup,
		GroupID:       "g1",
		Since:         job.TimePtr(since),
		DataStartTime: job.TimePtr(t0),
		DataEndTime:   t1,
		TypeFilters:   []job.TypeFilter{{ResourceType: "Patient"}, {ResourceType: "Observation"}},
		ToBeProcessedPatients: []job.PatientWrapper{
			{PatientHash: job.PatientHash("known"), VersionID: 2},
			{PatientHash: job.PatientHash("fresh"), VersionID: 0},
			{PatientHash: job.PatientHash("left-the-group"), VersionID: 1},
		},
	}
	out, err := e.Execute(context.Background(), info(t, def))
	require.NoError(t, err)

	r := decode(t, out)
	assert.Equal(t, map[string]int64{
		job.PatientHash("known"): 2,
		job.PatientHash("fresh"): 1,
	}, r.ProcessedPatientVersion)

	// Unchanged patients are not re-exported; new ones are.
	assert.Equal(t, int64(1), r.ProcessedCount["Patient"])
	// Known patient from DataStartTime (k-new), new patient from Since (f-old, f-new).
	assert.Equal(t, int64(3), r.ProcessedCount["Observation"])

	for _, req := range src.requests {
		if req.ResourceType == "Observation" && req.PatientID == "known" {
			assert.Equal(t, t0, req.Range.Start())
		}
		if req.ResourceType == "Observation" && req.PatientID == "fresh" {
			assert.Equal(t, since, req.Range.Start())
		}
	}
}

func TestExecute_GroupScopeRepeatedPatientHash(t *testing.T) {
	src := &fakeSource{byType: map[string][]resource{
		"Patient":     {newResource("Patient", "fresh", "", "1", t0.Add(time.Hour))},
		"Observation": observations(2, "fresh", t0),
	}}
	w := &fakeWriter{}
	e := newExecutor(t, src, w, fakeMembers{ids: []string{"fresh"}}, 0)

	def := &job.ProcessingDefinition{
		JobType:       job.TypeProcessing,
		JobVersion:    job.V4,
		FilterScope:   job.ScopeGroup,
		GroupID:       "g1",
		Since:         job.TimePtr(since),
		DataStartTime: job.TimePtr(t0),
		DataEndTime:   t1,
		TypeFilters:   []job.TypeFilter{{ResourceType: "Patient"}, {ResourceType: "Observation"}},
		ToBeProcessedPatients: []job.PatientWrapper{
			{PatientHash: job.PatientHash("fresh"), VersionID: 0},
			{PatientHash: job.PatientHash("fresh"), VersionID: 0},
		},
	}
	out, err := e.Execute(context.Background(), info(t, def))
	require.NoError(t, err)

	r := decode(t, out)
	assert.Equal(t, int64(1), r.ProcessedCount["Patient"])
	assert.Equal(t, int64(2), r.ProcessedCount["Observation"])

	searches := map[string]int{}
	for _, req := range src.requests {
		searches[req.ResourceType]++
	}
	assert.Equal(t, map[string]int{"Patient": 1, "Observation": 1}, searches)
}

func TestExecute_GroupScopeNeedsMembers(t *testing.T) {
	e := newExecutor(t, &fakeSource{}, &fakeWriter{}, nil, 0)
	def := &job.ProcessingDefinition{JobType: job.TypeProcessing, FilterScope: job.ScopeGroup, DataEndTime: t1}
	_, err := e.Execute(context.Background(), info(t, def))
	assert.Equal(t, job.KindFatal, job.KindOf(err))
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Deps{}, Config{})
	assert.Error(t, err)
}

func TestNew_DefaultRetryBudget(t *testing.T) {
	deps := Deps{Source: &fakeSource{}, Converter: testConverter(t), Writer: &fakeWriter{}}

	e, err := New(deps, Config{})
	require.NoError(t, err)
	assert.Equal(t, retry.DefaultRetries, e.cfg.Retry.Retries)
	assert.Equal(t, DefaultRetryDelay, e.cfg.Retry.Delay)

	e, err = New(deps, Config{Retry: retry.Policy{Retries: -1}})
	require.NoError(t, err)
	assert.Equal(t, -1, e.cfg.Retry.Retries, "negative budget disables retrying")
}

func TestExecute_UnsetBudgetRetriesThrottledSearch(t *testing.T) {
	src := &fakeSource{byType: map[string][]resource{"Observation": observations(2, "p1", t0)}, failures: 1}
	w := &fakeWriter{}
	// Only the delay is shortened; the budget comes from the defaults.
	e, err := New(Deps{Source: src, Converter: testConverter(t), Writer: w}, Config{
		Retry: retry.Policy{Delay: time.Millisecond},
		Now:   func() time.Time { return t2 },
	})
	require.NoError(t, err)

	def := &job.ProcessingDefinition{JobType: job.TypeProcessing, DataEndTime: t1, TypeFilters: []job.TypeFilter{{ResourceType: "Observation"}}}
	out, err := e.Execute(context.Background(), info(t, def))
	require.NoError(t, err)
	assert.Equal(t, int64(2), decode(t, out).ProcessedCount["Observation"])
	assert.Len(t, src.requests, 2, "one throttled search and one retry")
}
