package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	ctx := context.Background()

	t.Run("LoadDefaults", func(t *testing.T) {
		cfg, err := Load(ctx)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		assert.Equal(t, "localhost", cfg.Server.Host)
		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
		assert.Equal(t, 30*time.Second, cfg.Server.WriteTimeout)
		assert.Equal(t, 120*time.Second, cfg.Server.IdleTimeout)
		assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)

		assert.Equal(t, "info", cfg.Logging.Level)
		assert.Equal(t, "STRUCTURED", cfg.Logging.Profile)

		assert.True(t, cfg.Metrics.Enabled)
		assert.Equal(t, 9090, cfg.Metrics.Port)
		assert.True(t, cfg.Health.Enabled)

		assert.Equal(t, 5*time.Minute, cfg.Worker.LeaseDuration)
		assert.Equal(t, time.Second, cfg.Worker.PollInterval)
		assert.Equal(t, 3, cfg.Worker.MaxDequeueCount)
		assert.Equal(t, 30*time.Second, cfg.Worker.RetryDelay)
		assert.Equal(t, 10*time.Minute, cfg.Worker.MaxRetryDelay)

		assert.Equal(t, 20*time.Second, cfg.Scheduler.PullingInterval)
		assert.Equal(t, 180*time.Second, cfg.Scheduler.LeaseDuration)
		assert.Equal(t, 60*time.Second, cfg.Scheduler.LeaseRenewInterval)

		assert.Equal(t, 4, cfg.Workers)
		assert.Empty(t, cfg.JobConfig)
	})

	t.Run("MetastorePathDefaultsToAppDataDir", func(t *testing.T) {
		cfg, err := Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, "metastore.db", filepath.Base(cfg.Metastore.Path))
		assert.True(t, strings.Contains(cfg.Metastore.Path, AppName))
	})

	t.Run("MetastoreURLSkipsDefaultPath", func(t *testing.T) {
		cfg, err := Load(ctx, map[string]any{
			"metastore": map[string]any{"url": "libsql://lake.example.turso.io"},
		})
		require.NoError(t, err)
		assert.Empty(t, cfg.Metastore.Path)
		assert.Equal(t, "libsql://lake.example.turso.io", cfg.Metastore.URL)
	})

	t.Run("RuntimeOverrides", func(t *testing.T) {
		overrides := map[string]any{
			"server": map[string]any{
				"port": 9000,
				"host": "0.0.0.0",
			},
			"logging": map[string]any{
				"level": "debug",
			},
			"job_config": "/etc/lakeconnector/job.yaml",
		}

		cfg, err := Load(ctx, overrides)
		require.NoError(t, err)

		assert.Equal(t, "0.0.0.0", cfg.Server.Host)
		assert.Equal(t, 9000, cfg.Server.Port)
		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.Equal(t, "/etc/lakeconnector/job.yaml", cfg.JobConfig)

		assert.Equal(t, "STRUCTURED", cfg.Logging.Profile)
		assert.Equal(t, 9090, cfg.Metrics.Port)
	})

	t.Run("EnvOverrides", func(t *testing.T) {
		t.Setenv("LAKECONNECTOR_PORT", "3000")
		t.Setenv("LAKECONNECTOR_LOG_LEVEL", "warn")
		t.Setenv("LAKECONNECTOR_METRICS_ENABLED", "false")
		t.Setenv("LAKECONNECTOR_WORKERS", "8")
		t.Setenv("LAKECONNECTOR_MAX_DEQUEUE_COUNT", "5")

		cfg, err := Load(ctx)
		require.NoError(t, err)

		assert.Equal(t, 3000, cfg.Server.Port)
		assert.Equal(t, "warn", cfg.Logging.Level)
		assert.False(t, cfg.Metrics.Enabled)
		assert.Equal(t, 8, cfg.Workers)
		assert.Equal(t, 5, cfg.Worker.MaxDequeueCount)
	})

	t.Run("ConfigPrecedence", func(t *testing.T) {
		t.Setenv("LAKECONNECTOR_PORT", "4000")

		cfg, err := Load(ctx, map[string]any{
			"server": map[string]any{"port": 5000},
		})
		require.NoError(t, err)
		assert.Equal(t, 5000, cfg.Server.Port)
	})

	t.Run("CanceledContext", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := Load(cctx)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestLoadConfigFile(t *testing.T) {
	ctx := context.Background()
	defer SetConfigFile("")

	path := filepath.Join(t.TempDir(), "lakeconnector.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 7070
worker:
  lease_duration: 90s
job_config: job.yaml
`), 0o600))

	SetConfigFile(path)

	t.Run("FileValues", func(t *testing.T) {
		cfg, err := Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, 7070, cfg.Server.Port)
		assert.Equal(t, 90*time.Second, cfg.Worker.LeaseDuration)
		assert.Equal(t, "job.yaml", cfg.JobConfig)
		assert.Equal(t, "localhost", cfg.Server.Host)
	})

	t.Run("EnvBeatsFile", func(t *testing.T) {
		t.Setenv("LAKECONNECTOR_PORT", "7171")
		cfg, err := Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, 7171, cfg.Server.Port)
	})

	t.Run("MissingFile", func(t *testing.T) {
		SetConfigFile(filepath.Join(t.TempDir(), "absent.yaml"))
		_, err := Load(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "read config")
	})
}

func TestGetConfig(t *testing.T) {
	cfg, err := Load(context.Background())
	require.NoError(t, err)

	retrieved := GetConfig()
	require.NotNil(t, retrieved)
	assert.Equal(t, cfg.Server.Port, retrieved.Server.Port)
	assert.Equal(t, cfg.Logging.Level, retrieved.Logging.Level)
}

func TestEnvSpecs(t *testing.T) {
	specs := getEnvSpecs()
	require.NotEmpty(t, specs)

	names := make(map[string]bool)
	for _, spec := range specs {
		names[spec.Name] = true
		assert.True(t, strings.HasPrefix(spec.Name, "LAKECONNECTOR_"), spec.Name)
		assert.NotEmpty(t, spec.Path, "env var %s should have a path", spec.Name)
	}

	for _, want := range []string{
		"LAKECONNECTOR_LOG_LEVEL",
		"LAKECONNECTOR_PORT",
		"LAKECONNECTOR_HOST",
		"LAKECONNECTOR_METRICS_PORT",
		"LAKECONNECTOR_METASTORE_PATH",
		"LAKECONNECTOR_METASTORE_URL",
		"LAKECONNECTOR_JOB_CONFIG",
	} {
		assert.True(t, names[want], "%s must be mapped", want)
	}
}

func TestDurationParsing(t *testing.T) {
	t.Setenv("LAKECONNECTOR_READ_TIMEOUT", "45s")
	t.Setenv("LAKECONNECTOR_SHUTDOWN_TIMEOUT", "5m")
	t.Setenv("LAKECONNECTOR_WORKER_POLL_INTERVAL", "250ms")
	t.Setenv("LAKECONNECTOR_WORKER_RETRY_DELAY", "2m")

	cfg, err := Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 45*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Server.ShutdownTimeout)
	assert.Equal(t, 250*time.Millisecond, cfg.Worker.PollInterval)
	assert.Equal(t, 2*time.Minute, cfg.Worker.RetryDelay)
}

func TestConfigReload(t *testing.T) {
	ctx := context.Background()

	cfg1, err := Load(ctx)
	require.NoError(t, err)
	initialPort := cfg1.Server.Port

	cfg2, err := Load(ctx, map[string]any{
		"server": map[string]any{"port": initialPort + 1000},
	})
	require.NoError(t, err)
	assert.Equal(t, initialPort+1000, cfg2.Server.Port)
	assert.Equal(t, cfg2.Server.Port, GetConfig().Server.Port)
}

// resetAppIdentity clears package state for isolated tests.
func resetAppIdentity() *appIdentity {
	configMu.Lock()
	defer configMu.Unlock()
	prev := identity
	identity = nil
	appConfig = nil
	return prev
}

func restoreAppIdentity(id *appIdentity) {
	configMu.Lock()
	identity = id
	configMu.Unlock()
}

func TestGetUserConfigPathsNilIdentity(t *testing.T) {
	defer restoreAppIdentity(resetAppIdentity())
	assert.Empty(t, getUserConfigPaths())
}

func TestGetEnvSpecsNilIdentity(t *testing.T) {
	defer restoreAppIdentity(resetAppIdentity())
	assert.Empty(t, getEnvSpecs())
}

func TestFlatten(t *testing.T) {
	got := flatten("", map[string]any{
		"server":  map[string]any{"port": 1, "tls": map[string]any{"enabled": true}},
		"workers": 2,
	})
	assert.Equal(t, map[string]any{
		"server.port":        1,
		"server.tls.enabled": true,
		"workers":            2,
	}, got)
}
