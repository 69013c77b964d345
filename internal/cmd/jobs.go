package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/lakeconnector/internal/observability"
	"github.com/3leaps/lakeconnector/pkg/job"
	"github.com/3leaps/lakeconnector/pkg/jobconfig"
	"github.com/3leaps/lakeconnector/pkg/metastore"
)

var queueTypeFlag string

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and cancel queued jobs",
}

var jobsGetCmd = &cobra.Command{
	Use:   "get <job-id>",
	Short: "Print a job as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withStore(cmd, func(ctx context.Context, store *metastore.Store, queueType string) error {
			info, err := store.GetByID(ctx, queueType, id)
			if err != nil {
				return lookupError("job", err)
			}
			return printJSON(cmd.OutOrStdout(), info)
		})
	},
}

var jobsListCmd = &cobra.Command{
	Use:   "list <group-id>",
	Short: "List the jobs of a group (an orchestrator and its processing jobs)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		groupID, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withStore(cmd, func(ctx context.Context, store *metastore.Store, queueType string) error {
			jobs, err := store.ListGroup(ctx, queueType, groupID)
			if err != nil {
				return exitError(foundry.ExitExternalServiceUnavailable, "Failed to list jobs", err)
			}
			w := cmd.OutOrStdout()
			for _, info := range jobs {
				typ, _ := job.ProbeType(info.Definition)
				fmt.Fprintf(w, "%d\t%s\t%s\tdequeued=%d\n", info.ID, typ, info.Status, info.DequeueCount)
			}
			return nil
		})
	},
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <group-id>",
	Short: "Request cancellation of every unfinished job in a group",
	Long: `Request cancellation of every unfinished job in a group. The group id of an
export is the id of its orchestrator job. Running jobs stop at their next
heartbeat; queued jobs are cancelled immediately.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		groupID, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withStore(cmd, func(ctx context.Context, store *metastore.Store, queueType string) error {
			if err := store.Cancel(ctx, queueType, groupID); err != nil {
				return exitError(foundry.ExitExternalServiceUnavailable, "Failed to cancel group", err)
			}
			observability.CLILogger.Info("Cancellation requested",
				zap.String("queue_type", queueType),
				zap.Int64("group_id", groupID))
			return nil
		})
	},
}

var triggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Show the current trigger of a queue",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, store *metastore.Store, queueType string) error {
			t, err := store.GetTrigger(ctx, queueType)
			if err != nil {
				return lookupError("trigger", err)
			}
			return printJSON(cmd.OutOrStdout(), t)
		})
	},
}

func init() {
	rootCmd.AddCommand(jobsCmd, triggerCmd)
	jobsCmd.AddCommand(jobsGetCmd, jobsListCmd, jobsCancelCmd)

	for _, c := range []*cobra.Command{jobsCmd, triggerCmd} {
		c.PersistentFlags().StringVarP(&queueTypeFlag, "queue", "q", "", "Queue type (default from the job config, else "+jobconfig.DefaultQueueType+")")
	}
}

// withStore opens the metastore and resolves the queue type for fn.
func withStore(cmd *cobra.Command, fn func(ctx context.Context, store *metastore.Store, queueType string) error) error {
	ctx := cmd.Context()
	cfg, err := loadServiceConfig(ctx)
	if err != nil {
		return err
	}

	queueType := queueTypeFlag
	if queueType == "" && cfg.JobConfig != "" {
		jc, err := jobconfig.Load(cfg.JobConfig)
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid job config", err)
		}
		queueType = jc.QueueType
	}
	if queueType == "" {
		queueType = jobconfig.DefaultQueueType
	}

	store, err := openStore(ctx, cfg, observability.CLILogger)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()
	return fn(ctx, store, queueType)
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, exitError(foundry.ExitInvalidArgument, "Invalid id", fmt.Errorf("%q is not a positive integer", s))
	}
	return id, nil
}

func lookupError(what string, err error) error {
	if errors.Is(err, job.ErrNotFound) {
		return exitError(foundry.ExitFileNotFound, "No such "+what, err)
	}
	return exitError(foundry.ExitExternalServiceUnavailable, "Failed to read "+what, err)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
