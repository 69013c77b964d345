// Package worker leases jobs from a queue and runs them with the executor
// registered for their type.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/lakeconnector/pkg/events"
	"github.com/3leaps/lakeconnector/pkg/job"
	"github.com/3leaps/lakeconnector/pkg/lease"
	"github.com/3leaps/lakeconnector/pkg/metrics"
	"github.com/3leaps/lakeconnector/pkg/retry"
)

const (
	DefaultLeaseDuration   = 5 * time.Minute
	DefaultPollInterval    = time.Second
	DefaultMaxDequeueCount = 3
	DefaultRetryDelay      = 30 * time.Second
	DefaultMaxRetryDelay   = 10 * time.Minute
)

// errCancelRequested is the cause of a job context cancelled because an
// operator asked for it.
var errCancelRequested = errors.New("cancellation requested")

// Config configures a Worker.
type Config struct {
	QueueType string

	// Name identifies this worker in the queue; defaults to a random id.
	Name string

	Concurrency   int
	LeaseDuration time.Duration

	// HeartbeatInterval defaults to a third of LeaseDuration.
	HeartbeatInterval time.Duration

	// PollInterval is the pause after an empty dequeue.
	PollInterval time.Duration

	// MaxDequeueCount fails a job whose retryable error occurred on its
	// last allowed delivery.
	MaxDequeueCount int

	// RetryDelay keeps a job that failed with a retryable error out of the
	// queue before its next delivery, doubling per delivery up to
	// MaxRetryDelay. A job deferred because its lease is held waits
	// RetryDelay.
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration

	Publisher events.Publisher
	Logger    *zap.Logger
	Metrics   *metrics.Collector
}

// Worker runs jobs of one queue.
type Worker struct {
	queue     job.Queue
	executors map[job.Type]job.Executor
	cfg       Config
	backoff   func(attempt int) time.Duration
	log       *zap.Logger
	metrics   *metrics.Collector
	publisher events.Publisher
}

// New creates a Worker dispatching each job to executors by its type.
func New(queue job.Queue, executors map[job.Type]job.Executor, cfg Config) (*Worker, error) {
	if queue == nil {
		return nil, errors.New("worker: queue is required")
	}
	if len(executors) == 0 {
		return nil, errors.New("worker: at least one executor is required")
	}
	if cfg.QueueType == "" {
		return nil, errors.New("worker: queue type is required")
	}
	if cfg.Name == "" {
		cfg.Name = "worker-" + uuid.NewString()[:8]
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = DefaultLeaseDuration
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = cfg.LeaseDuration / 3
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MaxDequeueCount <= 0 {
		cfg.MaxDequeueCount = DefaultMaxDequeueCount
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.MaxRetryDelay < cfg.RetryDelay {
		cfg.MaxRetryDelay = max(DefaultMaxRetryDelay, cfg.RetryDelay)
	}
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = events.Nop{}
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Worker{
		queue:     queue,
		executors: executors,
		cfg:       cfg,
		backoff:   retry.Exponential(cfg.RetryDelay, cfg.MaxRetryDelay),
		log:       log.With(zap.String("queue_type", cfg.QueueType), zap.String("worker", cfg.Name)),
		metrics:   cfg.Metrics,
		publisher: publisher,
	}, nil
}

// Run processes jobs with Concurrency loops until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("worker started", zap.Int("concurrency", w.cfg.Concurrency))
	var wg sync.WaitGroup
	for i := range w.cfg.Concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.loop(ctx, i)
		}()
	}
	wg.Wait()
	w.log.Info("worker stopped")
	return ctx.Err()
}

func (w *Worker) loop(ctx context.Context, slot int) {
	for ctx.Err() == nil {
		handled, err := w.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			w.log.Error("job loop error", zap.Int("slot", slot), zap.Error(err))
		}
		if handled && err == nil {
			continue
		}
		t := time.NewTimer(w.cfg.PollInterval)
		select {
		case <-ctx.Done():
		case <-t.C:
		}
		t.Stop()
	}
}

// RunOnce leases and runs at most one job. It reports whether a job was
// leased. Errors are queue errors; job failures are recorded on the job.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	info, err := w.queue.Dequeue(ctx, w.cfg.QueueType, w.cfg.Name, w.cfg.LeaseDuration)
	if err != nil {
		return false, err
	}
	if info == nil {
		return false, nil
	}
	return true, w.handle(ctx, info)
}

func (w *Worker) handle(ctx context.Context, info *job.Info) error {
	started := time.Now()
	jobType, err := job.ProbeType(info.Definition)
	log := w.log.With(zap.Int64("job_id", info.ID), zap.Int64("group_id", info.GroupID),
		zap.String("job_type", string(jobType)), zap.Int("dequeue_count", info.DequeueCount))

	var executor job.Executor
	if err == nil {
		var ok bool
		if executor, ok = w.executors[jobType]; !ok {
			err = fmt.Errorf("no executor for job type %q", jobType)
		}
	}
	if err != nil {
		return w.finish(ctx, info, jobType, started, log, job.Outcome{Status: job.StatusFailed, Error: err.Error()})
	}
	if info.CancelRequested {
		return w.finish(ctx, info, jobType, started, log, job.Outcome{Status: job.StatusCancelled})
	}

	log.Info("job started")
	jobCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stop := w.heartbeat(jobCtx, cancel, info, log)
	result, runErr := executor.Execute(jobCtx, info)
	stop()

	cause := context.Cause(jobCtx)
	switch {
	case runErr == nil:
		return w.finish(ctx, info, jobType, started, log, job.Outcome{Status: job.StatusCompleted, Result: result})
	case errors.Is(cause, job.ErrLeaseLost):
		// Another worker owns the job now.
		w.metrics.RecordLeaseLost("job")
		log.Warn("job lease lost, dropping outcome", zap.Error(runErr))
		return nil
	case errors.Is(cause, errCancelRequested):
		return w.finish(ctx, info, jobType, started, log, job.Outcome{Status: job.StatusCancelled, Error: job.Cause(runErr)})
	case ctx.Err() != nil:
		log.Info("worker shutting down, returning job to the queue")
		return w.abandon(ctx, info, 0, log)
	}

	switch job.KindOf(runErr) {
	case job.KindFatal:
		log.Error("job failed", zap.Error(runErr))
		return w.finish(ctx, info, jobType, started, log, job.Outcome{Status: job.StatusFailed, Error: job.Cause(runErr)})
	case job.KindCancelled:
		return w.finish(ctx, info, jobType, started, log, job.Outcome{Status: job.StatusCancelled, Error: job.Cause(runErr)})
	}

	if errors.Is(runErr, lease.ErrLeaseHeld) {
		log.Debug("job deferred", zap.Error(runErr))
		return w.abandon(ctx, info, w.cfg.RetryDelay, log)
	}
	if info.DequeueCount >= w.cfg.MaxDequeueCount {
		log.Error("job failed after its last delivery", zap.Error(runErr))
		return w.finish(ctx, info, jobType, started, log, job.Outcome{Status: job.StatusFailed, Error: job.Cause(runErr)})
	}
	delay := w.backoff(info.DequeueCount)
	log.Warn("job will be retried", zap.Duration("retry_after", delay), zap.Error(runErr))
	return w.abandon(ctx, info, delay, log)
}

// heartbeat extends the job lease until stop is called. It cancels the job
// context when the lease is lost or cancellation was requested.
func (w *Worker) heartbeat(ctx context.Context, cancel context.CancelCauseFunc, info *job.Info, log *zap.Logger) (stop func()) {
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		t := time.NewTicker(w.cfg.HeartbeatInterval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-t.C:
			}
			cancelRequested, err := w.queue.Heartbeat(ctx, info.ID, info.LeaseID)
			switch {
			case errors.Is(err, job.ErrLeaseLost):
				cancel(err)
				return
			case err != nil:
				if ctx.Err() == nil {
					log.Warn("heartbeat failed", zap.Error(err))
				}
			case cancelRequested:
				log.Info("job cancellation requested")
				cancel(errCancelRequested)
				return
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
	}
}

func (w *Worker) finish(ctx context.Context, info *job.Info, jobType job.Type, started time.Time, log *zap.Logger, outcome job.Outcome) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	if err := w.queue.Complete(ctx, info.ID, info.LeaseID, outcome); err != nil {
		if errors.Is(err, job.ErrLeaseLost) {
			w.metrics.RecordLeaseLost("job")
		}
		return fmt.Errorf("record outcome of job %d: %w", info.ID, err)
	}
	elapsed := time.Since(started)
	w.metrics.RecordFinished(string(jobType), string(outcome.Status), elapsed)
	log.Info("job finished", zap.String("status", string(outcome.Status)), zap.Duration("elapsed", elapsed))

	if jobType == job.TypeOrchestrator {
		w.notify(ctx, info, outcome, log)
	}
	return nil
}

func (w *Worker) abandon(ctx context.Context, info *job.Info, retryAfter time.Duration, log *zap.Logger) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := w.queue.Abandon(ctx, info.ID, info.LeaseID, retryAfter); err != nil {
		return fmt.Errorf("abandon job %d: %w", info.ID, err)
	}
	log.Debug("job returned to the queue")
	return nil
}

// notify publishes the outcome of an orchestrator job. Delivery failures are
// only logged.
func (w *Worker) notify(ctx context.Context, info *job.Info, outcome job.Outcome, log *zap.Logger) {
	n := events.JobNotification{
		QueueType: info.QueueType,
		JobID:     info.ID,
		Status:    outcome.Status,
		Error:     outcome.Error,
	}
	if def, err := job.DecodeOrchestrator(info.Definition); err == nil {
		n.TriggerSequenceID = def.TriggerSequenceID
	}
	if outcome.Result != "" {
		if status, err := job.DecodeOrchestratorStatus(outcome.Result); err == nil {
			n.ProcessedCountInTotal = status.ProcessedCountInTotal
			n.ProcessedDataSizeInTotal = status.ProcessedDataSizeInTotal
		}
	}
	if err := w.publisher.Publish(ctx, n); err != nil {
		log.Warn("failed to publish job notification", zap.Error(err))
	}
}
