package cmd

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/3leaps/lakeconnector/internal/server"
	"github.com/3leaps/lakeconnector/internal/server/handlers"
)

var (
	runNoScheduler bool
	runNoWorker    bool
	runNoServer    bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the scheduler, workers and HTTP server",
	Long: `Run the scheduler, the job workers and the HTTP server in one process.

Scale out by starting more processes against the same metastore: only one
scheduler holds the lease of a queue at a time, while workers of every
process share the queue.

Examples:
  lakeconnector run --job job.yaml
  lakeconnector run --job job.yaml --no-scheduler   # worker-only node`,
	RunE: runRun,
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run job workers only",
	RunE: func(cmd *cobra.Command, args []string) error {
		runNoScheduler, runNoWorker, runNoServer = true, false, true
		return runRun(cmd, args)
	},
}

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Run the trigger scheduler only",
	RunE: func(cmd *cobra.Command, args []string) error {
		runNoScheduler, runNoWorker, runNoServer = false, true, true
		return runRun(cmd, args)
	},
}

func init() {
	rootCmd.AddCommand(runCmd, workerCmd, schedulerCmd)

	runCmd.Flags().BoolVar(&runNoScheduler, "no-scheduler", false, "Do not run the scheduler")
	runCmd.Flags().BoolVar(&runNoWorker, "no-worker", false, "Do not run job workers")
	runCmd.Flags().BoolVar(&runNoServer, "no-server", false, "Do not serve HTTP")
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := openServices(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()

	g, gctx := errgroup.WithContext(ctx)

	if !runNoScheduler {
		s, err := svc.newScheduler()
		if err != nil {
			return err
		}
		g.Go(func() error { return ignoreCancel(s.Run(gctx)) })
	}

	if !runNoWorker {
		w, err := svc.newWorker()
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Failed to create worker", err)
		}
		g.Go(func() error { return ignoreCancel(w.Run(gctx)) })
	}

	if !runNoServer && (svc.cfg.Health.Enabled || svc.cfg.Metrics.Enabled) {
		hm := handlers.InitHealthManager(versionInfo.Version)
		hm.RegisterChecker("metastore", metastoreChecker{store: svc.store})

		opts := []server.Option{
			server.WithLogger(svc.log.Named("http")),
			server.WithVersion(server.VersionInfo{
				Version:   versionInfo.Version,
				Commit:    versionInfo.Commit,
				BuildDate: versionInfo.BuildDate,
			}),
			server.WithStatusReader(svc.store),
			server.WithTimeouts(server.Timeouts{
				Read:  svc.cfg.Server.ReadTimeout,
				Write: svc.cfg.Server.WriteTimeout,
				Idle:  svc.cfg.Server.IdleTimeout,
			}),
		}
		if svc.cfg.Metrics.Enabled {
			opts = append(opts, server.WithMetrics(svc.reg))
		}
		srv := server.New(svc.cfg.Server.Host, svc.cfg.Server.Port, opts...)
		g.Go(func() error { return srv.Start(gctx, svc.cfg.Server.ShutdownTimeout) })
	}

	svc.log.Info("lakeconnector started",
		zap.String("version", versionInfo.Version),
		zap.Bool("scheduler", !runNoScheduler),
		zap.Bool("worker", !runNoWorker),
		zap.Bool("server", !runNoServer))

	if err := g.Wait(); err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Service stopped", err)
	}
	if ctx.Err() != nil {
		svc.log.Info("shutdown complete")
		return nil
	}
	svc.log.Info("schedule ended")
	return nil
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
