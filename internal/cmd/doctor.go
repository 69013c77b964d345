package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/lakeconnector/internal/config"
	"github.com/3leaps/lakeconnector/internal/observability"
	"github.com/3leaps/lakeconnector/pkg/jobconfig"
	"github.com/3leaps/lakeconnector/pkg/provider"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Check the environment, both configs, the metastore and the source and lake
storage. The lake check writes and deletes one probe object.

Examples:
  lakeconnector doctor
  lakeconnector doctor --job job.yaml`,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

// doctorCheck runs one diagnostic and returns a short detail on success.
type doctorCheck struct {
	name string
	run  func(ctx context.Context) (string, error)
}

func runDoctor(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	log := observability.CLILogger
	log.Info("=== " + appIdentity.BinaryName + " doctor ===")

	var (
		cfg    *config.Config
		jobCfg *jobconfig.Config
	)
	checks := []doctorCheck{
		{"Go version", func(context.Context) (string, error) { return runtime.Version(), nil }},
		{"Crucible access", func(context.Context) (string, error) {
			v := crucible.GetVersion()
			if v.Crucible == "" {
				return "", errors.New("cannot access Crucible")
			}
			return "v" + v.Crucible, nil
		}},
		{"Service config", func(ctx context.Context) (string, error) {
			var err error
			cfg, err = loadServiceConfig(ctx)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("metastore %s", metastoreTarget(cfg)), nil
		}},
		{"Metastore", func(ctx context.Context) (string, error) {
			if cfg == nil {
				return "", errors.New("skipped: no service config")
			}
			store, err := openStore(ctx, cfg, log)
			if err != nil {
				return "", err
			}
			defer func() { _ = store.Close() }()
			if err := (metastoreChecker{store: store}).CheckHealth(ctx); err != nil {
				return "", err
			}
			return "reachable", nil
		}},
		{"Job config", func(context.Context) (string, error) {
			if cfg == nil || cfg.JobConfig == "" {
				return "", errors.New("no job config: set --job or LAKECONNECTOR_JOB_CONFIG")
			}
			var err error
			jobCfg, err = jobconfig.Load(cfg.JobConfig)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("queue %s, %s scope", jobCfg.QueueType, jobCfg.Scope()), nil
		}},
		{"Source storage", func(ctx context.Context) (string, error) {
			if jobCfg == nil {
				return "", errors.New("skipped: no job config")
			}
			return checkReadable(ctx, jobCfg.Source.Storage, jobCfg.Source.Root)
		}},
		{"Lake storage", func(ctx context.Context) (string, error) {
			if jobCfg == nil {
				return "", errors.New("skipped: no job config")
			}
			return checkWritable(ctx, jobCfg.Lake.Storage, jobCfg.Lake.StagingRoot)
		}},
	}

	failed := 0
	for i, c := range checks {
		cctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		detail, err := c.run(cctx)
		cancel()
		prefix := fmt.Sprintf("[%d/%d] %s...", i+1, len(checks), c.name)
		if err != nil {
			failed++
			log.Error(prefix+" ❌", zap.Error(err))
			continue
		}
		log.Info(prefix + " ✅ " + detail)
	}

	if key := os.Getenv("AWS_ACCESS_KEY_ID"); key != "" {
		log.Info("AWS credentials from environment", zap.String("access_key_id", maskAccessKey(key)))
	}

	if failed > 0 {
		printAWSCredentialsHelp()
		return exitError(foundry.ExitExternalServiceUnavailable, "Doctor found problems", fmt.Errorf("%d of %d checks failed", failed, len(checks)))
	}
	log.Info("All checks passed")
	return nil
}

func metastoreTarget(cfg *config.Config) string {
	if cfg.Metastore.URL != "" {
		return cfg.Metastore.URL
	}
	return cfg.Metastore.Path
}

func checkReadable(ctx context.Context, s jobconfig.StorageConfig, prefix string) (string, error) {
	p, err := jobconfig.OpenStorage(ctx, s)
	if err != nil {
		return "", err
	}
	defer func() { _ = p.Close() }()
	page, err := p.List(ctx, provider.ListOptions{Prefix: prefix, MaxKeys: 10})
	if err != nil {
		return "", fmt.Errorf("list %q: %w", prefix, err)
	}
	return fmt.Sprintf("%s readable, %d object(s) on first page", s.Provider, len(page.Objects)), nil
}

// checkWritable puts and deletes a probe object under prefix.
func checkWritable(ctx context.Context, s jobconfig.StorageConfig, prefix string) (string, error) {
	p, err := jobconfig.OpenStorage(ctx, s)
	if err != nil {
		return "", err
	}
	defer func() { _ = p.Close() }()
	if prefix == "" {
		prefix = "staging"
	}
	key := fmt.Sprintf("%s/_doctor/%s.probe", prefix, uuid.NewString())
	body := []byte("lakeconnector doctor probe\n")
	if err := p.Put(ctx, key, bytes.NewReader(body), int64(len(body))); err != nil {
		return "", fmt.Errorf("write probe %s: %w", key, err)
	}
	if err := p.Delete(ctx, key); err != nil {
		return "", fmt.Errorf("delete probe %s: %w", key, err)
	}
	return s.Provider + " writable", nil
}

// maskAccessKey keeps only the last four characters of a key.
func maskAccessKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

func printAWSCredentialsHelp() {
	log := observability.CLILogger
	log.Info("")
	log.Info("S3 access needs AWS credentials. Any of:")
	log.Info("  - AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY")
	log.Info("  - AWS_PROFILE, or 'profile' in the storage config")
	log.Info("  - an instance role (set region: imds to resolve the region too)")
}
