// Package cmd implements the lakeconnector command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/lakeconnector/internal/config"
	"github.com/3leaps/lakeconnector/internal/observability"
)

// AppIdentity names the binary and its configuration surfaces.
type AppIdentity struct {
	BinaryName string
	EnvPrefix  string
	ConfigName string
}

var (
	versionInfo = struct {
		Version   string
		Commit    string
		BuildDate string
	}{Version: "dev", Commit: "HEAD", BuildDate: "unknown"}

	appIdentity = &AppIdentity{
		BinaryName: config.AppName,
		EnvPrefix:  config.EnvPrefix,
		ConfigName: config.AppName,
	}

	cfgFile       string
	jobConfigPath string
	verbose       bool
)

var rootCmd = &cobra.Command{
	Use:   "lakeconnector",
	Short: "Export FHIR resources into a data lake on a schedule",
	Long: `lakeconnector exports FHIR resources from an NDJSON export into partitioned
data lake files. A scheduler opens one time window per cron tick and enqueues
an orchestrator job for it; the orchestrator splits the window into processing
jobs that workers convert and commit.

Any number of lakeconnector processes may share one metadata store.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		observability.InitCLILogger(appIdentity.BinaryName, verbose)
		config.SetConfigFile(cfgFile)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Service config file (default ./lakeconnector.yaml)")
	rootCmd.PersistentFlags().StringVarP(&jobConfigPath, "job", "j", "", "Connector job config (overrides job_config)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
}

// SetVersionInfo records build metadata for version output.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

func GetAppIdentity() *AppIdentity {
	return appIdentity
}

// Execute runs the root command and returns the process exit code.
func Execute(ctx context.Context) int {
	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	observability.CLILogger.Error("command failed", zap.Error(err))
	fmt.Fprintln(os.Stderr, "Error:", err)
	return exitCode(err)
}

// ExitError carries a foundry exit code through cobra.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s: %v (exit code %d)", e.Message, e.Err, e.Code)
}

func (e *ExitError) Unwrap() error { return e.Err }

func exitError(code int, message string, err error) error {
	return &ExitError{Code: code, Message: message, Err: err}
}

func exitCode(err error) int {
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return 1
}
