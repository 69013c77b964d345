package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/3leaps/lakeconnector/internal/config"
	"github.com/3leaps/lakeconnector/internal/observability"
	"github.com/3leaps/lakeconnector/pkg/convert"
	"github.com/3leaps/lakeconnector/pkg/datasource"
	"github.com/3leaps/lakeconnector/pkg/datawriter"
	"github.com/3leaps/lakeconnector/pkg/events"
	"github.com/3leaps/lakeconnector/pkg/job"
	"github.com/3leaps/lakeconnector/pkg/jobconfig"
	"github.com/3leaps/lakeconnector/pkg/lease"
	"github.com/3leaps/lakeconnector/pkg/metastore"
	"github.com/3leaps/lakeconnector/pkg/metrics"
	"github.com/3leaps/lakeconnector/pkg/orchestrator"
	"github.com/3leaps/lakeconnector/pkg/processing"
	"github.com/3leaps/lakeconnector/pkg/provider"
	"github.com/3leaps/lakeconnector/pkg/retry"
	"github.com/3leaps/lakeconnector/pkg/scheduler"
	"github.com/3leaps/lakeconnector/pkg/splitter"
	"github.com/3leaps/lakeconnector/pkg/worker"
)

// services holds the collaborators shared by the service commands.
type services struct {
	cfg    *config.Config
	job    *jobconfig.Config
	log    *zap.Logger
	reg    *prometheus.Registry
	stats  *metrics.Collector
	store  *metastore.Store
	leases *lease.Coordinator

	storages  []provider.Provider
	source    *datasource.Source
	writer    *datawriter.Writer
	converter *convert.Converter
	publisher events.Publisher
}

// loadServiceConfig loads the service config with the --job override.
func loadServiceConfig(ctx context.Context) (*config.Config, error) {
	var overrides []map[string]any
	if jobConfigPath != "" {
		overrides = append(overrides, map[string]any{"job_config": jobConfigPath})
	}
	cfg, err := config.Load(ctx, overrides...)
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid service config", err)
	}
	return cfg, nil
}

// openStore opens only the metastore, for commands that inspect state.
func openStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (*metastore.Store, error) {
	store, err := metastore.Open(ctx, metastore.Config{
		Path:      cfg.Metastore.Path,
		URL:       cfg.Metastore.URL,
		AuthToken: cfg.Metastore.AuthToken,
	}, metastore.WithLogger(log))
	if err != nil {
		return nil, exitError(foundry.ExitExternalServiceUnavailable, "Failed to open metastore", err)
	}
	return store, nil
}

// openServices loads both configs and connects every collaborator. The
// caller must Close the result.
func openServices(ctx context.Context) (_ *services, err error) {
	cfg, err := loadServiceConfig(ctx)
	if err != nil {
		return nil, err
	}
	if cfg.JobConfig == "" {
		return nil, exitError(foundry.ExitInvalidArgument, "No job config", errors.New("set --job or LAKECONNECTOR_JOB_CONFIG"))
	}
	jobCfg, err := jobconfig.Load(cfg.JobConfig)
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid job config", err)
	}

	log, err := observability.NewLogger(config.AppName, cfg.Logging.Level, cfg.Logging.Profile)
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid logging config", err)
	}
	log = log.With(zap.String("queue_type", jobCfg.QueueType))

	rt := &services{cfg: cfg, job: jobCfg, log: log, reg: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			rt.Close()
		}
	}()
	rt.reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rt.stats = metrics.NewCollector(rt.reg)

	rt.store, err = metastore.Open(ctx, metastore.Config{
		Path:      cfg.Metastore.Path,
		URL:       cfg.Metastore.URL,
		AuthToken: cfg.Metastore.AuthToken,
	}, metastore.WithLogger(log), metastore.WithMetrics(rt.stats))
	if err != nil {
		return nil, exitError(foundry.ExitExternalServiceUnavailable, "Failed to open metastore", err)
	}
	rt.leases, err = lease.New(ctx, rt.store.DB(), lease.WithLogger(log))
	if err != nil {
		return nil, exitError(foundry.ExitExternalServiceUnavailable, "Failed to initialize leases", err)
	}

	srcStore, err := jobconfig.OpenStorage(ctx, jobCfg.Source.Storage)
	if err != nil {
		return nil, exitError(foundry.ExitExternalServiceUnavailable, "Failed to open source storage", err)
	}
	rt.storages = append(rt.storages, srcStore)
	lakeStore, err := jobconfig.OpenStorage(ctx, jobCfg.Lake.Storage)
	if err != nil {
		return nil, exitError(foundry.ExitExternalServiceUnavailable, "Failed to open lake storage", err)
	}
	rt.storages = append(rt.storages, lakeStore)

	rt.source = datasource.New(srcStore, datasource.Config{
		Root:        jobCfg.Source.Root,
		PageSize:    jobCfg.Source.PageSize,
		Concurrency: jobCfg.Source.Concurrency,
		RateLimit:   jobCfg.Source.RateLimit,
		Logger:      log.Named("source"),
		Metrics:     rt.stats,
	})
	rt.writer = datawriter.New(lakeStore, rt.leases, datawriter.Config{
		StagingRoot: jobCfg.Lake.StagingRoot,
		ResultRoot:  jobCfg.Lake.ResultRoot,
		Concurrency: jobCfg.Lake.CommitConcurrency,
		Logger:      log.Named("writer"),
	})
	rt.converter, err = convert.NewDefault(log.Named("convert"))
	if err != nil {
		return nil, exitError(foundry.ExitFileReadError, "Failed to load conversion schemas", err)
	}

	rt.publisher, err = events.New(jobCfg.Notifications.NatsURL, log.Named("events"))
	if err != nil {
		return nil, exitError(foundry.ExitExternalServiceUnavailable, "Failed to connect to NATS", err)
	}
	return rt, nil
}

// Close releases every connection opened by openServices.
func (rt *services) Close() {
	if rt.publisher != nil {
		if err := rt.publisher.Close(); err != nil {
			rt.log.Warn("close publisher", zap.Error(err))
		}
	}
	for _, p := range rt.storages {
		_ = p.Close()
	}
	if rt.store != nil {
		if err := rt.store.Close(); err != nil {
			rt.log.Warn("close metastore", zap.Error(err))
		}
	}
	_ = rt.log.Sync()
}

// executors builds the orchestrator and processing executors.
func (rt *services) executors() (map[job.Type]job.Executor, error) {
	o := rt.job.Orchestration
	orch, err := orchestrator.New(orchestrator.Deps{
		Queue:   rt.store,
		Store:   rt.store,
		Source:  rt.source,
		Writer:  rt.writer,
		Members: rt.source,
		Leases:  rt.leases,
	}, orchestrator.Config{
		MaxRunningJobs:           o.MaxRunningJobs,
		CheckFrequency:           o.CheckFrequency,
		PatientsPerProcessingJob: o.PatientsPerProcessingJob,
		InitialInterval:          o.InitialInterval,
		IncrementalInterval:      o.IncrementalInterval,
		Splitter: splitter.Config{
			LowBound:     o.LowBound,
			HighBound:    o.HighBound,
			CountTimeout: splitter.DefaultCountTimeout,
			Logger:       rt.log.Named("splitter"),
		},
		Retry: retry.Policy{
			Retries: o.Retries,
			Delay:   o.RetryDelay,
			Backoff: retry.Exponential(o.RetryDelay, 8*o.RetryDelay),
		},
		Logger:  rt.log.Named("orchestrator"),
		Metrics: rt.stats,
	})
	if err != nil {
		return nil, err
	}

	proc, err := processing.New(processing.Deps{
		Source:    rt.source,
		Converter: rt.converter,
		Writer:    rt.writer,
		Members:   rt.source,
	}, processing.Config{
		ResourcesPerCommit:     rt.job.Processing.ResourcesPerCommit,
		DataSizeBytesPerCommit: rt.job.Processing.DataSizeBytesPerCommit,
		Retry: retry.Policy{
			Retries: rt.job.Processing.Retries,
			Delay:   rt.job.Processing.RetryDelay,
			Backoff: retry.Exponential(rt.job.Processing.RetryDelay, 8*rt.job.Processing.RetryDelay),
		},
		Logger:                 rt.log.Named("processing"),
		Metrics:                rt.stats,
	})
	if err != nil {
		return nil, err
	}

	return map[job.Type]job.Executor{
		job.TypeOrchestrator: orch,
		job.TypeProcessing:   proc,
	}, nil
}

func (rt *services) newScheduler() (*scheduler.Scheduler, error) {
	filters, err := rt.job.TypeFilters(rt.converter.ResourceTypes())
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid type filters", err)
	}
	s := rt.job.Schedule
	return scheduler.New(scheduler.Deps{
		Queue:    rt.store,
		Triggers: rt.store,
		Leases:   rt.leases,
	}, scheduler.Config{
		QueueType:          rt.job.QueueType,
		StartTime:          s.StartTime,
		EndTime:            s.EndTime,
		CronExpression:     s.Cron,
		JobQueryLatency:    s.JobQueryLatency,
		PullingInterval:    rt.cfg.Scheduler.PullingInterval,
		LeaseDuration:      rt.cfg.Scheduler.LeaseDuration,
		LeaseRenewInterval: rt.cfg.Scheduler.LeaseRenewInterval,
		JobVersion:         job.Version(rt.job.Orchestration.JobVersion),
		FilterScope:        rt.job.Scope(),
		GroupID:            rt.job.Filter.GroupID,
		TypeFilters:        filters,
		Logger:             rt.log.Named("scheduler"),
		Metrics:            rt.stats,
	})
}

func (rt *services) newWorker() (*worker.Worker, error) {
	executors, err := rt.executors()
	if err != nil {
		return nil, err
	}
	return worker.New(rt.store, executors, worker.Config{
		QueueType:       rt.job.QueueType,
		Concurrency:     rt.cfg.Workers,
		LeaseDuration:   rt.cfg.Worker.LeaseDuration,
		PollInterval:    rt.cfg.Worker.PollInterval,
		MaxDequeueCount: rt.cfg.Worker.MaxDequeueCount,
		RetryDelay:      rt.cfg.Worker.RetryDelay,
		MaxRetryDelay:   rt.cfg.Worker.MaxRetryDelay,
		Publisher:       rt.publisher,
		Logger:          rt.log.Named("worker"),
		Metrics:         rt.stats,
	})
}

// metastoreChecker reports the metastore as healthy when it answers a ping.
type metastoreChecker struct {
	store *metastore.Store
}

func (c metastoreChecker) CheckHealth(ctx context.Context) error {
	if c.store == nil {
		return errors.New("metastore not open")
	}
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := c.store.DB().PingContext(ctx); err != nil {
		return fmt.Errorf("ping metastore: %w", err)
	}
	return nil
}
