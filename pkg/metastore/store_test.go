package metastore

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/lakeconnector/pkg/job"
	"github.com/3leaps/lakeconnector/pkg/metrics"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func openTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "meta.db")
	s, err := Open(context.Background(), Config{Path: path}, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func processingDef(t *testing.T, seq int64, end time.Time) string {
	t.Helper()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	def, err := job.Encode(job.ProcessingDefinition{
		JobType:                 job.TypeProcessing,
		JobVersion:              job.V4,
		TriggerSequenceID:       1,
		ProcessingJobSequenceID: seq,
		DataStartTime:           &start,
		DataEndTime:             end,
	})
	require.NoError(t, err)
	return def
}

func TestBuildDSN(t *testing.T) {
	dir := t.TempDir()

	dsn, err := buildDSN(Config{Path: filepath.Join(dir, "a", "meta.db")})
	require.NoError(t, err)
	assert.Equal(t, "file:"+filepath.Join(dir, "a", "meta.db"), dsn)
	assert.DirExists(t, filepath.Join(dir, "a"))

	dsn, err = buildDSN(Config{URL: "libsql://db.example.io", AuthToken: "tok"})
	require.NoError(t, err)
	assert.Equal(t, "libsql://db.example.io?authToken=tok", dsn)

	dsn, err = buildDSN(Config{Path: ":memory:"})
	require.NoError(t, err)
	assert.Equal(t, ":memory:", dsn)

	_, err = buildDSN(Config{})
	assert.Error(t, err)
}

func TestMigrate_Idempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, Migrate(ctx, s.DB()))

	var version int
	require.NoError(t, s.DB().QueryRowContext(ctx, `SELECT schema_version FROM schema_meta WHERE id=1`).Scan(&version))
	assert.Equal(t, SchemaVersion, version)

	var n int
	require.NoError(t, s.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM leases`).Scan(&n))
	assert.Zero(t, n)
}

func TestEnqueue_DeduplicatesByIdentifier(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	end := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

	first, err := s.Enqueue(ctx, "fhir", 0, processingDef(t, 0, end), processingDef(t, 1, end))
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, first[0].ID, first[0].GroupID)
	assert.Equal(t, first[0].GroupID, first[1].GroupID)

	// Same identity with a different end time: V4 excludes DataEndTime.
	again, err := s.Enqueue(ctx, "fhir", first[0].GroupID, processingDef(t, 0, end.Add(time.Hour)))
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, first[0].ID, again[0].ID)

	var n int
	require.NoError(t, s.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs`).Scan(&n))
	assert.Equal(t, 2, n)

	// Another queue type is a separate namespace.
	other, err := s.Enqueue(ctx, "dicom", 0, processingDef(t, 0, end))
	require.NoError(t, err)
	assert.NotEqual(t, first[0].ID, other[0].ID)
}

func TestEnqueue_DegradedIdentifierIsCounted(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := openTestStore(t, WithMetrics(metrics.NewCollector(reg)))
	ctx := context.Background()

	infos, err := s.Enqueue(ctx, "fhir", 0, "not json", "not json")
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, infos[0].ID, infos[1].ID)

	families, err := reg.Gather()
	require.NoError(t, err)
	var degraded float64
	for _, f := range families {
		if f.GetName() == "lakeconnector_job_identifier_degraded_total" {
			degraded = f.GetMetric()[0].GetCounter().GetValue()
		}
	}
	assert.Equal(t, 2.0, degraded)
}

func TestDequeue_LeaseLifecycle(t *testing.T) {
	clock := newManualClock()
	s := openTestStore(t, WithClock(clock.Now))
	ctx := context.Background()
	end := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

	queued, err := s.Enqueue(ctx, "fhir", 0, processingDef(t, 0, end))
	require.NoError(t, err)

	leased, err := s.Dequeue(ctx, "fhir", "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, leased)
	assert.Equal(t, queued[0].ID, leased.ID)
	assert.Equal(t, job.StatusRunning, leased.Status)
	assert.Equal(t, 1, leased.DequeueCount)
	assert.NotEmpty(t, leased.LeaseID)

	// Held lease: nothing else to hand out.
	none, err := s.Dequeue(ctx, "fhir", "w2", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, none)

	clock.Advance(30 * time.Second)
	cancel, err := s.Heartbeat(ctx, leased.ID, leased.LeaseID)
	require.NoError(t, err)
	assert.False(t, cancel)

	// The heartbeat pushed expiry to +90s; at +80s the lease is still held.
	clock.Advance(50 * time.Second)
	none, err = s.Dequeue(ctx, "fhir", "w2", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, none)

	// Once expired, another worker takes it over and the old lease is dead.
	clock.Advance(time.Minute)
	redelivered, err := s.Dequeue(ctx, "fhir", "w2", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, redelivered)
	assert.Equal(t, leased.ID, redelivered.ID)
	assert.Equal(t, 2, redelivered.DequeueCount)
	assert.NotEqual(t, leased.LeaseID, redelivered.LeaseID)

	_, err = s.Heartbeat(ctx, leased.ID, leased.LeaseID)
	assert.ErrorIs(t, err, job.ErrLeaseLost)
	assert.ErrorIs(t, s.Complete(ctx, leased.ID, leased.LeaseID, job.Outcome{Status: job.StatusCompleted}), job.ErrLeaseLost)

	require.NoError(t, s.Complete(ctx, redelivered.ID, redelivered.LeaseID, job.Outcome{Status: job.StatusCompleted, Result: `{"ok":true}`}))
	got, err := s.GetByID(ctx, "fhir", leased.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, got.Status)
	assert.Equal(t, `{"ok":true}`, got.Result)
	assert.NotNil(t, got.EndedAt)
	assert.Empty(t, got.LeaseID)
}

func TestDequeue_OldestFirstAndEmpty(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	end := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

	none, err := s.Dequeue(ctx, "fhir", "w1", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, none)

	queued, err := s.Enqueue(ctx, "fhir", 0, processingDef(t, 0, end), processingDef(t, 1, end))
	require.NoError(t, err)

	a, err := s.Dequeue(ctx, "fhir", "w1", time.Minute)
	require.NoError(t, err)
	b, err := s.Dequeue(ctx, "fhir", "w1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, queued[0].ID, a.ID)
	assert.Equal(t, queued[1].ID, b.ID)
}

func TestAbandon_Redelivers(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	end := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

	_, err := s.Enqueue(ctx, "fhir", 0, processingDef(t, 0, end))
	require.NoError(t, err)
	leased, err := s.Dequeue(ctx, "fhir", "w1", time.Minute)
	require.NoError(t, err)

	require.NoError(t, s.Abandon(ctx, leased.ID, leased.LeaseID, 0))
	again, err := s.Dequeue(ctx, "fhir", "w2", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, leased.ID, again.ID)
	assert.Equal(t, 2, again.DequeueCount)
}

func TestCancel_Group(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	end := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

	queued, err := s.Enqueue(ctx, "fhir", 0, processingDef(t, 0, end), processingDef(t, 1, end))
	require.NoError(t, err)
	group := queued[0].GroupID

	running, err := s.Dequeue(ctx, "fhir", "w1", time.Minute)
	require.NoError(t, err)

	require.NoError(t, s.Cancel(ctx, "fhir", group))

	cancel, err := s.Heartbeat(ctx, running.ID, running.LeaseID)
	require.NoError(t, err)
	assert.True(t, cancel)

	pending, err := s.GetByID(ctx, "fhir", queued[1].ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCancelled, pending.Status)

	// A success reported after cancellation is recorded as cancelled.
	require.NoError(t, s.Complete(ctx, running.ID, running.LeaseID, job.Outcome{Status: job.StatusCompleted}))
	got, err := s.GetByID(ctx, "fhir", running.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCancelled, got.Status)

	jobs, err := s.ListGroup(ctx, "fhir", group)
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}

func TestComplete_FailedStaysFailed(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	end := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

	queued, err := s.Enqueue(ctx, "fhir", 0, processingDef(t, 0, end))
	require.NoError(t, err)
	leased, err := s.Dequeue(ctx, "fhir", "w1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.Cancel(ctx, "fhir", queued[0].GroupID))

	require.NoError(t, s.Complete(ctx, leased.ID, leased.LeaseID, job.Outcome{Status: job.StatusFailed, Error: "boom"}))
	got, err := s.GetByID(ctx, "fhir", leased.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, got.Status)
	assert.Equal(t, "boom", got.Error)

	assert.Error(t, s.Complete(ctx, leased.ID, leased.LeaseID, job.Outcome{Status: job.StatusRunning}))
}

func TestGetByID_NotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetByID(context.Background(), "fhir", 42)
	assert.ErrorIs(t, err, job.ErrNotFound)
}

func TestAbandon_RetryAfterDelaysRedelivery(t *testing.T) {
	clock := newManualClock()
	s := openTestStore(t, WithClock(clock.Now))
	ctx := context.Background()
	end := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

	_, err := s.Enqueue(ctx, "fhir", 0, processingDef(t, 0, end))
	require.NoError(t, err)
	leased, err := s.Dequeue(ctx, "fhir", "w1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.Abandon(ctx, leased.ID, leased.LeaseID, 30*time.Second))

	info, err := s.GetByID(ctx, "fhir", leased.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCreated, info.Status)
	require.NotNil(t, info.NotBefore)
	assert.True(t, info.NotBefore.Equal(clock.Now().Add(30*time.Second).Truncate(time.Millisecond)))

	clock.Advance(29 * time.Second)
	none, err := s.Dequeue(ctx, "fhir", "w2", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, none)

	clock.Advance(time.Second)
	again, err := s.Dequeue(ctx, "fhir", "w2", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, leased.ID, again.ID)
	assert.Nil(t, again.NotBefore, "a new lease clears the delay")
}

func TestMigrate_AddsNotBeforeToVersion1Schema(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "meta.db")
	s, err := Open(ctx, Config{Path: path})
	require.NoError(t, err)
	_, err = s.DB().ExecContext(ctx, `ALTER TABLE jobs DROP COLUMN not_before_ms`)
	require.NoError(t, err)
	_, err = s.DB().ExecContext(ctx, `UPDATE schema_meta SET schema_version = 1`)
	require.NoError(t, err)

	require.NoError(t, Migrate(ctx, s.DB()))
	require.NoError(t, Migrate(ctx, s.DB()), "migration is idempotent")

	var version int
	require.NoError(t, s.DB().QueryRowContext(ctx, `SELECT schema_version FROM schema_meta`).Scan(&version))
	assert.Equal(t, SchemaVersion, version)
	_, err = s.Enqueue(ctx, "fhir", 0, processingDef(t, 0, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)))
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestEnqueue_ConcurrentHandlesKeepOneJob(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "meta.db")
	a, err := Open(ctx, Config{Path: path})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	b, err := Open(ctx, Config{Path: path})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	def := processingDef(t, 0, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC))
	const n = 16
	ids := make([]int64, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := a
			if i%2 == 1 {
				s = b
			}
			out, err := s.Enqueue(ctx, "fhir", 0, def)
			if err != nil {
				errs[i] = err
				return
			}
			ids[i] = out[0].ID
		}()
	}
	wg.Wait()

	for i := range n {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}
	group, err := a.ListGroup(ctx, "fhir", ids[0])
	require.NoError(t, err)
	assert.Len(t, group, 1)

	var rows int
	require.NoError(t, a.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs`).Scan(&rows))
	assert.Equal(t, 1, rows)
}
