// Package orchestrator executes orchestrator jobs. An orchestrator job splits
// its window into processing jobs, enqueues them, waits for them in
// submission order and commits each completed job's staged output before
// advancing its watermarks.
//
// All progress lives in the job's status row in the metadata store, which is
// written after every step. A redelivered orchestrator job resumes from that
// row: a submission interrupted between persist and enqueue is replayed, and
// splitting restarts from the submitted timestamps. Enqueue deduplicates by
// job identifier, so replays never create duplicate processing jobs.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/lakeconnector/pkg/job"
	"github.com/3leaps/lakeconnector/pkg/lease"
	"github.com/3leaps/lakeconnector/pkg/metrics"
	"github.com/3leaps/lakeconnector/pkg/retry"
	"github.com/3leaps/lakeconnector/pkg/splitter"
)

const (
	DefaultMaxRunningJobs           = 20
	DefaultCheckFrequency           = 10 * time.Second
	DefaultPatientsPerProcessingJob = 100
	DefaultInitialInterval          = 3600 * time.Second
	DefaultIncrementalInterval      = 600 * time.Second
	DefaultLeaseDuration            = 3 * time.Minute
	DefaultRetryDelay               = 5 * time.Second

	// legacyInitialThreshold selects the initial interval for windows longer than this.
	legacyInitialThreshold = 60 * time.Minute
)

// Config configures an Orchestrator.
type Config struct {
	// MaxRunningJobs bounds the processing jobs in flight per orchestrator job.
	MaxRunningJobs int

	// CheckFrequency is the wait between polls of the first running job.
	CheckFrequency time.Duration

	PatientsPerProcessingJob int

	// InitialInterval and IncrementalInterval size legacy (V1..V3) windows.
	InitialInterval     time.Duration
	IncrementalInterval time.Duration

	// LeaseDuration is the orchestrator lease duration; it is renewed at a third of it.
	LeaseDuration time.Duration

	Splitter splitter.Config

	// Retry wraps data source calls and the commit pass. An unset budget gets
	// retry.DefaultRetries attempts DefaultRetryDelay apart.
	Retry retry.Policy

	Logger  *zap.Logger
	Metrics *metrics.Collector
	Now     func() time.Time
}

// Deps are the collaborators of an Orchestrator. Members is only needed for
// group-scope jobs.
type Deps struct {
	Queue   job.Queue
	Store   job.MetadataStore
	Source  job.DataSource
	Writer  job.DataWriter
	Members job.GroupMemberExtractor
	Leases  *lease.Coordinator
}

// Orchestrator runs orchestrator jobs.
type Orchestrator struct {
	deps     Deps
	cfg      Config
	splitter *splitter.Splitter
	log      *zap.Logger
	metrics  *metrics.Collector
}

var _ job.Executor = (*Orchestrator)(nil)

// New creates an Orchestrator.
func New(deps Deps, cfg Config) (*Orchestrator, error) {
	if deps.Queue == nil || deps.Store == nil || deps.Source == nil || deps.Writer == nil || deps.Leases == nil {
		return nil, errors.New("orchestrator: queue, store, source, writer and leases are required")
	}
	if cfg.MaxRunningJobs <= 0 {
		cfg.MaxRunningJobs = DefaultMaxRunningJobs
	}
	if cfg.CheckFrequency <= 0 {
		cfg.CheckFrequency = DefaultCheckFrequency
	}
	if cfg.PatientsPerProcessingJob <= 0 {
		cfg.PatientsPerProcessingJob = DefaultPatientsPerProcessingJob
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = DefaultInitialInterval
	}
	if cfg.IncrementalInterval <= 0 {
		cfg.IncrementalInterval = DefaultIncrementalInterval
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = DefaultLeaseDuration
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	cfg.Retry = cfg.Retry.WithDefaults(DefaultRetryDelay)
	if cfg.Retry.Logger == nil {
		cfg.Retry.Logger = log
	}
	if cfg.Splitter.Logger == nil {
		cfg.Splitter.Logger = log
	}
	return &Orchestrator{
		deps:     deps,
		cfg:      cfg,
		splitter: splitter.New(deps.Source, cfg.Splitter),
		log:      log,
		metrics:  cfg.Metrics,
	}, nil
}

// LeaseKey is the key of the lease held while an orchestrator job of the
// given group runs.
func LeaseKey(queueType string, groupID int64) string {
	return fmt.Sprintf("orchestrator/%s/%d", queueType, groupID)
}

// Execute runs the orchestrator job in info and returns its encoded
// job.OrchestratorStatus. When another instance holds the orchestrator lease
// the job is deferred with a retryable error wrapping lease.ErrLeaseHeld.
func (o *Orchestrator) Execute(ctx context.Context, info *job.Info) (string, error) {
	def, err := job.DecodeOrchestrator(info.Definition)
	if err != nil {
		return "", job.Fatal("orchestrator", err)
	}
	if def.FilterScope == "" {
		def.FilterScope = job.ScopeSystem
	}

	r := &run{
		Orchestrator: o,
		info:         info,
		def:          def,
		log: o.log.With(zap.Int64("job_id", info.ID), zap.String("queue_type", info.QueueType),
			zap.Int64("trigger_sequence_id", def.TriggerSequenceID)),
	}

	var out string
	key := LeaseKey(info.QueueType, info.GroupID)
	err = o.deps.Leases.WithLease(ctx, key, o.cfg.LeaseDuration, func(ctx context.Context) error {
		var err error
		out, err = r.execute(ctx)
		return err
	})
	switch {
	case err == nil:
		return out, nil
	case errors.Is(err, lease.ErrLeaseHeld):
		r.log.Info("another orchestrator is active, deferring", zap.String("lease_key", key))
		return "", job.Retryable("orchestrator", err)
	case errors.Is(err, lease.ErrLeaseLost):
		o.metrics.RecordLeaseLost("orchestrator")
		r.log.Warn("orchestrator lease lost", zap.Error(err))
		return "", job.Retryable("orchestrator", err)
	}
	r.log.Info("orchestrator job stopped", zap.Stringer("kind", job.KindOf(err)), zap.Error(err))
	return "", err
}

type run struct {
	*Orchestrator
	info *job.Info
	def  *job.OrchestratorDefinition
	log  *zap.Logger
	wm   *job.Watermark
}

func (r *run) status() *job.OrchestratorStatus {
	return r.wm.Status
}

func (r *run) execute(ctx context.Context) (string, error) {
	if err := r.loadStatus(ctx); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", job.Cancelled("orchestrator", context.Cause(ctx))
	}
	r.log.Info("orchestrator job started",
		zap.String("scope", string(r.def.FilterScope)),
		zap.Int("version", int(r.def.JobVersion)),
		zap.Stringer("window", job.TimeRange{DataStartTime: r.def.DataStartTime, DataEndTime: r.def.DataEndTime}),
		zap.Int64("created", r.status().CreatedJobCount),
		zap.Int64("completed", r.status().CompletedJobCount))

	if err := r.resumeSubmitting(ctx); err != nil {
		return "", err
	}

	var err error
	switch r.def.FilterScope {
	case job.ScopeSystem:
		if r.def.JobVersion >= job.V4 {
			err = r.splitByCount(ctx)
		} else {
			err = r.splitByTimespan(ctx)
		}
	case job.ScopeGroup:
		err = r.splitByPatients(ctx)
	default:
		err = job.Fatal("orchestrator", fmt.Errorf("unsupported filter scope %q", r.def.FilterScope))
	}
	if err != nil {
		return "", err
	}
	r.log.Info("all processing jobs enqueued", zap.Int64("created", r.status().CreatedJobCount))

	for r.status().RunningCount() > 0 {
		if err := r.checkFirstRunning(ctx); err != nil {
			return "", err
		}
		if r.status().RunningCount() > 0 {
			if err := r.wait(ctx); err != nil {
				return "", err
			}
		}
	}

	s := r.status()
	if r.def.FilterScope == job.ScopeSystem {
		for _, tf := range r.def.TypeFilters {
			s.AdvanceCommitted(tf.ResourceType, r.def.DataEndTime)
		}
	}
	complete := r.cfg.Now().UTC()
	s.CompleteTime = &complete
	if err := r.persist(ctx); err != nil {
		return "", err
	}

	r.log.Info("orchestrator job finished",
		zap.Int64("processed", s.ProcessedCountInTotal),
		zap.Int64("bytes", s.ProcessedDataSizeInTotal),
		zap.Duration("latency", complete.Sub(r.def.DataEndTime)))
	out, err := s.Encode()
	if err != nil {
		return "", job.Fatal("orchestrator", err)
	}
	return out, nil
}

func (r *run) key() job.WatermarkKey {
	return job.WatermarkKey{QueueType: r.info.QueueType, GroupID: r.info.GroupID, JobID: r.info.ID}
}

// loadStatus reads the status row, creating it on the first run.
func (r *run) loadStatus(ctx context.Context) error {
	key := r.key()
	wm, err := retry.Do(ctx, "get status", r.cfg.Retry, func(ctx context.Context) (*job.Watermark, error) {
		return r.deps.Store.GetWatermark(ctx, key)
	})
	if err == nil {
		r.wm = wm
		return nil
	}
	if !errors.Is(err, job.ErrNotFound) {
		return err
	}

	wm = &job.Watermark{WatermarkKey: key, Status: job.NewOrchestratorStatus(r.cfg.Now())}
	added, err := retry.Do(ctx, "add status", r.cfg.Retry, func(ctx context.Context) (bool, error) {
		return r.deps.Store.TryAddWatermark(ctx, wm)
	})
	if err != nil {
		return err
	}
	if !added {
		// Lost the insert to another instance; its row is authoritative.
		wm, err = retry.Do(ctx, "get status", r.cfg.Retry, func(ctx context.Context) (*job.Watermark, error) {
			return r.deps.Store.GetWatermark(ctx, key)
		})
		if err != nil {
			return err
		}
	}
	r.wm = wm
	return nil
}

// persist writes the status row. A version conflict means another instance
// advanced the row and this run must stop.
func (r *run) persist(ctx context.Context) error {
	err := retry.Run(ctx, "set status", r.cfg.Retry, func(ctx context.Context) error {
		return r.deps.Store.SetWatermark(ctx, r.wm)
	})
	if err != nil {
		if errors.Is(err, job.ErrConflict) {
			return job.Retryable("set status", err)
		}
		return err
	}
	r.metrics.SetRunningJobs(r.info.QueueType, r.status().RunningCount())
	return nil
}

func (r *run) wait(ctx context.Context) error {
	t := time.NewTimer(r.cfg.CheckFrequency)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return job.Cancelled("orchestrator", context.Cause(ctx))
	case <-t.C:
		return nil
	}
}

// resumeSubmitting replays a submission persisted before a crash.
func (r *run) resumeSubmitting(ctx context.Context) error {
	pending := r.status().SubmittingProcessingJob
	for _, definition := range pending {
		pd, err := job.DecodeProcessing(definition)
		if err != nil {
			return job.Fatal("resume submission", err)
		}
		r.log.Info("resuming interrupted submission", zap.Int64("processing_sequence_id", pd.ProcessingJobSequenceID))
		if err := r.submit(ctx, pd, definition); err != nil {
			return err
		}
	}
	return nil
}

// newProcessing returns a processing definition carrying the job-level
// fields; the caller fills in the partition.
func (r *run) newProcessing() *job.ProcessingDefinition {
	return &job.ProcessingDefinition{
		JobType:                 job.TypeProcessing,
		JobVersion:              r.def.JobVersion,
		TriggerSequenceID:       r.def.TriggerSequenceID,
		ProcessingJobSequenceID: r.status().CreatedJobCount,
		Since:                   r.def.Since,
		DataStartTime:           r.def.DataStartTime,
		DataEndTime:             r.def.DataEndTime,
		FilterScope:             r.def.FilterScope,
		GroupID:                 r.def.GroupID,
		TypeFilters:             r.def.TypeFilters,
	}
}

// submit enqueues one processing job. The definition is persisted in
// SubmittingProcessingJob first and cleared once the enqueue is recorded.
// An empty definition is encoded from pd.
func (r *run) submit(ctx context.Context, pd *job.ProcessingDefinition, definition string) error {
	for int64(r.cfg.MaxRunningJobs) <= r.status().RunningCount() {
		if err := r.checkFirstRunning(ctx); err != nil {
			return err
		}
		if int64(r.cfg.MaxRunningJobs) <= r.status().RunningCount() {
			if err := r.wait(ctx); err != nil {
				return err
			}
		}
	}

	if definition == "" {
		var err error
		if definition, err = job.Encode(pd); err != nil {
			return job.Fatal("submit", err)
		}
	}

	s := r.status()
	s.SubmittingProcessingJob = []string{definition}
	if err := r.persist(ctx); err != nil {
		return err
	}

	infos, err := retry.Do(ctx, "enqueue", r.cfg.Retry, func(ctx context.Context) ([]*job.Info, error) {
		return r.deps.Queue.Enqueue(ctx, r.info.QueueType, r.info.GroupID, definition)
	})
	if err != nil {
		return err
	}
	if len(infos) != 1 {
		return job.Fatal("enqueue", fmt.Errorf("expected 1 job, queue returned %d", len(infos)))
	}
	jobID := infos[0].ID

	s.AddRunning(pd.ProcessingJobSequenceID, jobID)
	if pd.SplitProcessingJobInfo != nil {
		for _, sub := range pd.SplitProcessingJobInfo.SubJobInfos {
			s.SubmittedResourceTimestamps[sub.ResourceType] = sub.TimeRange.DataEndTime.UTC()
		}
	}
	s.SubmittingProcessingJob = nil
	if err := r.persist(ctx); err != nil {
		return err
	}

	r.log.Info("processing job enqueued",
		zap.Int64("processing_job_id", jobID),
		zap.Int64("processing_sequence_id", pd.ProcessingJobSequenceID),
		zap.Int64("running", s.RunningCount()))
	return nil
}

// checkFirstRunning looks at the earliest submitted job still running and,
// once it has finished, commits its output and advances the watermarks.
// Jobs complete in any order but are committed in submission order.
func (r *run) checkFirstRunning(ctx context.Context) error {
	s := r.status()
	seq := s.CompletedJobCount
	jobID, ok := s.SequenceIDToJobID[seq]
	if !ok {
		return job.Fatal("check running job", fmt.Errorf("no job recorded for processing sequence id %d", seq))
	}

	info, err := retry.Do(ctx, "get job", r.cfg.Retry, func(ctx context.Context) (*job.Info, error) {
		return r.deps.Queue.GetByID(ctx, r.info.QueueType, jobID)
	})
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return job.Cancelled("orchestrator", context.Cause(ctx))
	}

	log := r.log.With(zap.Int64("processing_job_id", jobID), zap.Int64("processing_sequence_id", seq))
	switch info.Status {
	case job.StatusCreated, job.StatusRunning:
		log.Debug("first running job not finished", zap.String("status", string(info.Status)))
		return nil
	case job.StatusCompleted:
		if err := r.commit(ctx, info); err != nil {
			return err
		}
	case job.StatusFailed:
		log.Info("processing job failed", zap.String("error", info.Error))
		return job.Retryable("processing job", fmt.Errorf("job %d failed: %s", jobID, info.Error))
	case job.StatusCancelled:
		log.Info("processing job cancelled")
		return job.Cancelled("processing job", fmt.Errorf("job %d cancelled", jobID))
	default:
		return job.Fatal("check running job", fmt.Errorf("job %d has unknown status %q", jobID, info.Status))
	}

	s.RemoveRunning(seq, jobID)
	if err := r.persist(ctx); err != nil {
		return err
	}
	log.Info("processing job committed", zap.Int64("completed", s.CompletedJobCount))
	return nil
}

// commit moves the staged output of a completed job to the result area,
// folds its counters into the status and advances the watermarks. The
// watermarks reach the store with the next persist, after the commit.
func (r *run) commit(ctx context.Context, info *job.Info) error {
	result, err := job.DecodeProcessingResult(info.Result)
	if err != nil {
		return job.Fatal("commit", fmt.Errorf("job %d: %w", info.ID, err))
	}
	pd, err := job.DecodeProcessing(info.Definition)
	if err != nil {
		return job.Fatal("commit", fmt.Errorf("job %d: %w", info.ID, err))
	}

	if err := retry.Run(ctx, "commit job data", r.cfg.Retry, func(ctx context.Context) error {
		return r.deps.Writer.CommitJobData(ctx, info.ID, result.PartCounts)
	}); err != nil {
		return err
	}

	s := r.status()
	s.Merge(result)
	switch {
	case pd.FilterScope == job.ScopeGroup:
		if len(result.ProcessedPatientVersion) > 0 {
			if err := retry.Run(ctx, "update patient versions", r.cfg.Retry, func(ctx context.Context) error {
				return r.deps.Store.UpdatePatientVersions(ctx, r.info.QueueType, result.ProcessedPatientVersion)
			}); err != nil {
				return err
			}
		}
	case pd.SplitProcessingJobInfo != nil:
		for _, sub := range pd.SplitProcessingJobInfo.SubJobInfos {
			s.AdvanceCommitted(sub.ResourceType, sub.TimeRange.DataEndTime)
		}
	default:
		for _, tf := range pd.TypeFilters {
			s.AdvanceCommitted(tf.ResourceType, pd.DataEndTime)
		}
	}

	r.log.Info("committed processing job output",
		zap.Int64("processing_job_id", info.ID),
		zap.Int64("processed", result.ProcessedCountInTotal),
		zap.Int64("bytes", result.ProcessedDataSizeInTotal))
	return nil
}
