// Package scheduler drives a queue's trigger: it enqueues one orchestrator
// job per scheduled window, follows the job to completion and then opens the
// next window.
//
// Any number of scheduler instances may run against the same metadata store.
// Only the holder of the scheduler lease of a queue advances its trigger;
// the others keep trying to take over the lease.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/3leaps/lakeconnector/pkg/job"
	"github.com/3leaps/lakeconnector/pkg/lease"
	"github.com/3leaps/lakeconnector/pkg/metrics"
)

const (
	DefaultCronExpression     = "0 */5 * * * *"
	DefaultJobQueryLatency    = 2 * time.Minute
	DefaultPullingInterval    = 20 * time.Second
	DefaultLeaseDuration      = 180 * time.Second
	DefaultLeaseRenewInterval = 60 * time.Second
)

var cronParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCron parses a cron expression with a leading seconds field.
func ParseCron(expr string) (cron.Schedule, error) {
	s, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse cron expression %q: %w", expr, err)
	}
	return s, nil
}

// Config configures a Scheduler.
type Config struct {
	QueueType string

	// StartTime is the Since of every orchestrator job and the start of the
	// first window; nil exports from the beginning.
	StartTime *time.Time

	// EndTime ends the schedule once a window reaches it; nil runs forever.
	EndTime *time.Time

	CronExpression string

	// JobQueryLatency keeps windows this far behind now so late writes to
	// the source are not missed.
	JobQueryLatency time.Duration

	PullingInterval    time.Duration
	LeaseDuration      time.Duration
	LeaseRenewInterval time.Duration

	// JobVersion is stamped on orchestrator definitions; zero means
	// job.CurrentVersion.
	JobVersion job.Version

	FilterScope job.Scope
	GroupID     string
	TypeFilters []job.TypeFilter

	Logger  *zap.Logger
	Metrics *metrics.Collector
	Now     func() time.Time
}

// Deps are the collaborators of a Scheduler.
type Deps struct {
	Queue    job.Queue
	Triggers job.TriggerStore
	Leases   *lease.Coordinator
}

// Scheduler advances the trigger of one queue.
type Scheduler struct {
	deps     Deps
	cfg      Config
	schedule cron.Schedule
	instance string
	log      *zap.Logger
	metrics  *metrics.Collector
}

// New creates a Scheduler with a random instance id.
func New(deps Deps, cfg Config) (*Scheduler, error) {
	if deps.Queue == nil || deps.Triggers == nil || deps.Leases == nil {
		return nil, errors.New("scheduler: queue, trigger store and leases are required")
	}
	if cfg.QueueType == "" {
		return nil, errors.New("scheduler: queue type is required")
	}
	if cfg.CronExpression == "" {
		cfg.CronExpression = DefaultCronExpression
	}
	schedule, err := ParseCron(cfg.CronExpression)
	if err != nil {
		return nil, err
	}
	if cfg.JobQueryLatency <= 0 {
		cfg.JobQueryLatency = DefaultJobQueryLatency
	}
	if cfg.PullingInterval <= 0 {
		cfg.PullingInterval = DefaultPullingInterval
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = DefaultLeaseDuration
	}
	if cfg.LeaseRenewInterval <= 0 {
		cfg.LeaseRenewInterval = DefaultLeaseRenewInterval
	}
	if cfg.JobVersion == 0 {
		cfg.JobVersion = job.CurrentVersion
	}
	if !cfg.JobVersion.Valid() {
		return nil, fmt.Errorf("scheduler: unsupported job version %d", cfg.JobVersion)
	}
	if cfg.FilterScope == "" {
		cfg.FilterScope = job.ScopeSystem
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	instance := uuid.NewString()
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		deps:     deps,
		cfg:      cfg,
		schedule: schedule,
		instance: instance,
		log:      log.With(zap.String("queue_type", cfg.QueueType), zap.String("instance", instance)),
		metrics:  cfg.Metrics,
	}, nil
}

// LeaseKey is the key of the scheduler lease of a queue.
func LeaseKey(queueType string) string {
	return "scheduler/" + queueType
}

// Run advances the trigger until the schedule ends or ctx is cancelled.
// Errors are logged and retried on the next pull; Run only returns an error
// when ctx ends.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info("scheduler started")
	defer s.log.Info("scheduler stopped")

	key := LeaseKey(s.cfg.QueueType)
	for {
		leaseID, ok, err := s.deps.Leases.Acquire(ctx, key, s.instance, s.cfg.LeaseDuration)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.Error("failed to acquire scheduler lease, will retry", zap.Error(err))
		case !ok:
			s.log.Debug("another scheduler instance holds the lease")
		default:
			ended := s.lead(ctx, key, leaseID)
			if ended {
				return nil
			}
		}

		if err := s.wait(ctx); err != nil {
			return err
		}
	}
}

// lead runs the trigger loop while the lease is held. It reports whether
// the schedule has ended.
func (s *Scheduler) lead(ctx context.Context, key, leaseID string) bool {
	s.log.Info("scheduler lease acquired")
	leaseCtx, stop := s.deps.Leases.Keep(ctx, key, leaseID, s.cfg.LeaseRenewInterval)
	defer func() {
		stop()
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if _, err := s.deps.Leases.Release(releaseCtx, key, leaseID); err != nil {
			s.log.Warn("failed to release scheduler lease", zap.Error(err))
		}
	}()

	for {
		ended, err := s.Step(leaseCtx)
		if err != nil {
			if leaseCtx.Err() != nil {
				break
			}
			s.log.Error("trigger step failed, will retry", zap.Error(err))
		}
		if ended {
			return true
		}
		if s.wait(leaseCtx) != nil {
			break
		}
	}

	if cause := context.Cause(leaseCtx); errors.Is(cause, lease.ErrLeaseLost) {
		s.metrics.RecordLeaseLost("scheduler")
		s.log.Warn("scheduler lease lost", zap.Error(cause))
	}
	return false
}

func (s *Scheduler) wait(ctx context.Context) error {
	t := time.NewTimer(s.cfg.PullingInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Step performs one transition of the trigger state machine and reports
// whether the schedule has ended.
func (s *Scheduler) Step(ctx context.Context) (bool, error) {
	t, err := s.currentTrigger(ctx)
	if err != nil || t == nil {
		return false, err
	}
	s.metrics.SetTriggerSequence(s.cfg.QueueType, t.SequenceID)

	log := s.log.With(zap.Int64("trigger_sequence_id", t.SequenceID))
	switch t.Status {
	case job.TriggerNew:
		return false, s.enqueueOrchestrator(ctx, t, log)
	case job.TriggerRunning:
		return false, s.followOrchestrator(ctx, t, log)
	case job.TriggerCompleted:
		return s.nextTrigger(ctx, t, log)
	case job.TriggerFailed, job.TriggerCancelled:
		log.Error("trigger stopped, waiting for operator action", zap.String("status", string(t.Status)))
		return false, nil
	default:
		return false, fmt.Errorf("trigger %d has unknown status %q", t.SequenceID, t.Status)
	}
}

// currentTrigger loads the trigger, creating the first one when the queue
// has none. It returns nil when no window is open yet.
func (s *Scheduler) currentTrigger(ctx context.Context) (*job.Trigger, error) {
	t, err := s.deps.Triggers.GetTrigger(ctx, s.cfg.QueueType)
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, job.ErrNotFound) {
		return nil, err
	}

	end := s.nextEnd(nil)
	if end == nil {
		return nil, nil
	}
	first := &job.Trigger{
		QueueType: s.cfg.QueueType,
		StartTime: s.cfg.StartTime,
		EndTime:   *end,
		Status:    job.TriggerNew,
	}
	added, err := s.deps.Triggers.TryAddTrigger(ctx, first)
	if err != nil {
		return nil, err
	}
	if added {
		s.log.Info("created initial trigger", zap.Time("end", first.EndTime))
	}
	return s.deps.Triggers.GetTrigger(ctx, s.cfg.QueueType)
}

func (s *Scheduler) enqueueOrchestrator(ctx context.Context, t *job.Trigger, log *zap.Logger) error {
	def := &job.OrchestratorDefinition{
		JobType:           job.TypeOrchestrator,
		JobVersion:        s.cfg.JobVersion,
		TriggerSequenceID: t.SequenceID,
		Since:             s.cfg.StartTime,
		DataStartTime:     t.StartTime,
		DataEndTime:       t.EndTime,
		FilterScope:       s.cfg.FilterScope,
		GroupID:           s.cfg.GroupID,
		TypeFilters:       s.cfg.TypeFilters,
	}
	encoded, err := job.Encode(def)
	if err != nil {
		return err
	}
	infos, err := s.deps.Queue.Enqueue(ctx, s.cfg.QueueType, 0, encoded)
	if err != nil {
		return err
	}
	if len(infos) != 1 {
		return fmt.Errorf("enqueue orchestrator: queue returned %d jobs", len(infos))
	}

	t.OrchestratorJobID = infos[0].ID
	t.Status = job.TriggerRunning
	ok, err := s.deps.Triggers.TryUpdateTrigger(ctx, t)
	if err != nil {
		return err
	}
	if !ok {
		log.Info("trigger changed concurrently, not recording orchestrator job")
		return nil
	}
	log.Info("enqueued orchestrator job", zap.Int64("job_id", t.OrchestratorJobID),
		zap.Stringer("window", job.TimeRange{DataStartTime: t.StartTime, DataEndTime: t.EndTime}))
	return nil
}

func (s *Scheduler) followOrchestrator(ctx context.Context, t *job.Trigger, log *zap.Logger) error {
	info, err := s.deps.Queue.GetByID(ctx, s.cfg.QueueType, t.OrchestratorJobID)
	if err != nil {
		return err
	}
	switch info.Status {
	case job.StatusCompleted:
		t.Status = job.TriggerCompleted
		log.Info("trigger completed", zap.Int64("job_id", info.ID))
	case job.StatusFailed:
		t.Status = job.TriggerFailed
		log.Error("orchestrator job failed", zap.Int64("job_id", info.ID), zap.String("error", info.Error))
	case job.StatusCancelled:
		t.Status = job.TriggerCancelled
		log.Error("orchestrator job cancelled", zap.Int64("job_id", info.ID))
	default:
		return nil
	}
	ok, err := s.deps.Triggers.TryUpdateTrigger(ctx, t)
	if err != nil {
		return err
	}
	if !ok {
		log.Info("trigger changed concurrently")
	}
	return nil
}

// nextTrigger opens the window following a completed trigger. It reports
// true when the configured end time has been reached.
func (s *Scheduler) nextTrigger(ctx context.Context, t *job.Trigger, log *zap.Logger) (bool, error) {
	end := s.nextEnd(&t.EndTime)
	if end == nil {
		log.Debug("next occurrence not reached yet")
		return false, nil
	}
	start := t.EndTime
	if !start.Before(*end) {
		log.Info("schedule reached its end time", zap.Time("end", start))
		return true, nil
	}

	t.SequenceID++
	t.Status = job.TriggerNew
	t.StartTime = job.TimePtr(start)
	t.EndTime = *end
	t.OrchestratorJobID = 0
	ok, err := s.deps.Triggers.TryUpdateTrigger(ctx, t)
	if err != nil {
		return false, err
	}
	if ok {
		log.Info("opened next trigger", zap.Int64("next_sequence_id", t.SequenceID), zap.Time("start", start), zap.Time("end", *end))
	}
	return false, nil
}

// nextEnd returns the end of the window following lastEnd, or nil when the
// next cron occurrence is not yet old enough. The first window ends at
// now minus the query latency.
func (s *Scheduler) nextEnd(lastEnd *time.Time) *time.Time {
	end := s.cfg.Now().UTC().Add(-s.cfg.JobQueryLatency)
	if lastEnd != nil {
		occurrence := s.schedule.Next(lastEnd.UTC())
		if occurrence.After(end) {
			return nil
		}
		end = occurrence.UTC()
	}
	if s.cfg.EndTime != nil && end.After(*s.cfg.EndTime) {
		end = s.cfg.EndTime.UTC()
	}
	return &end
}
