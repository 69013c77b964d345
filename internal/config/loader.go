// Package config loads the lakeconnector service configuration.
//
// Values are layered, lowest precedence first: built-in defaults, the YAML
// config file, LAKECONNECTOR_* environment variables (a .env file in the
// working directory is loaded first when present), then runtime overrides
// passed to Load, which is how CLI flags are applied.
package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	AppName   = "lakeconnector"
	EnvPrefix = "LAKECONNECTOR"
)

// Config is the service configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Health    HealthConfig    `mapstructure:"health"`
	Metastore MetastoreConfig `mapstructure:"metastore"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`

	// Workers is the number of concurrent job loops per process.
	Workers int `mapstructure:"workers"`

	// JobConfig is the path of the connector job configuration.
	JobConfig string `mapstructure:"job_config"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// MetastoreConfig selects the metadata database. URL takes precedence over
// Path and requires a libSQL-enabled build.
type MetastoreConfig struct {
	Path      string `mapstructure:"path"`
	URL       string `mapstructure:"url"`
	AuthToken string `mapstructure:"auth_token"`
}

type WorkerConfig struct {
	LeaseDuration   time.Duration `mapstructure:"lease_duration"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	MaxDequeueCount int           `mapstructure:"max_dequeue_count"`
	RetryDelay      time.Duration `mapstructure:"retry_delay"`
	MaxRetryDelay   time.Duration `mapstructure:"max_retry_delay"`
}

type SchedulerConfig struct {
	PullingInterval    time.Duration `mapstructure:"pulling_interval"`
	LeaseDuration      time.Duration `mapstructure:"lease_duration"`
	LeaseRenewInterval time.Duration `mapstructure:"lease_renew_interval"`
}

// EnvSpec maps an environment variable to a config key path.
type EnvSpec struct {
	Name string
	Path string
}

var envSuffixes = map[string]string{
	"HOST":                   "server.host",
	"PORT":                   "server.port",
	"READ_TIMEOUT":           "server.read_timeout",
	"WRITE_TIMEOUT":          "server.write_timeout",
	"IDLE_TIMEOUT":           "server.idle_timeout",
	"SHUTDOWN_TIMEOUT":       "server.shutdown_timeout",
	"LOG_LEVEL":              "logging.level",
	"LOG_PROFILE":            "logging.profile",
	"METRICS_ENABLED":        "metrics.enabled",
	"METRICS_PORT":           "metrics.port",
	"HEALTH_ENABLED":         "health.enabled",
	"METASTORE_PATH":         "metastore.path",
	"METASTORE_URL":          "metastore.url",
	"METASTORE_AUTH_TOKEN":   "metastore.auth_token",
	"WORKER_LEASE":           "worker.lease_duration",
	"WORKER_POLL_INTERVAL":   "worker.poll_interval",
	"MAX_DEQUEUE_COUNT":      "worker.max_dequeue_count",
	"WORKER_RETRY_DELAY":     "worker.retry_delay",
	"WORKER_MAX_RETRY_DELAY": "worker.max_retry_delay",
	"SCHEDULER_PULLING":      "scheduler.pulling_interval",
	"WORKERS":                "workers",
	"JOB_CONFIG":             "job_config",
}

var (
	configMu   sync.RWMutex
	appConfig  *Config
	configFile string
	identity   = &appIdentity{binaryName: AppName, envPrefix: EnvPrefix, configName: AppName}
)

// appIdentity names the application for env and path lookups.
type appIdentity struct {
	binaryName string
	envPrefix  string
	configName string
}

// SetConfigFile selects an explicit config file for subsequent loads.
func SetConfigFile(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	configFile = path
}

// Load builds the configuration and makes it the current one. Each
// override is a nested map applied above every other source.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	configMu.Lock()
	defer configMu.Unlock()

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	for _, spec := range getEnvSpecsLocked() {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return nil, fmt.Errorf("bind %s: %w", spec.Name, err)
		}
	}

	for _, o := range overrides {
		for key, value := range flatten("", o) {
			v.Set(key, value)
		}
	}

	var cfg Config
	hook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hook)); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Logging.Profile = strings.ToUpper(cfg.Logging.Profile)
	if cfg.Metastore.Path == "" && cfg.Metastore.URL == "" {
		cfg.Metastore.Path = filepath.Join(gfconfig.GetAppDataDir(identity.configName), "metastore.db")
	}

	appConfig = &cfg
	return &cfg, nil
}

// GetConfig returns the configuration of the last successful Load.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)
	v.SetDefault("health.enabled", true)

	v.SetDefault("metastore.path", "")
	v.SetDefault("metastore.url", "")
	v.SetDefault("metastore.auth_token", "")

	v.SetDefault("worker.lease_duration", "5m")
	v.SetDefault("worker.poll_interval", "1s")
	v.SetDefault("worker.max_dequeue_count", 3)
	v.SetDefault("worker.retry_delay", "30s")
	v.SetDefault("worker.max_retry_delay", "10m")

	v.SetDefault("scheduler.pulling_interval", "20s")
	v.SetDefault("scheduler.lease_duration", "180s")
	v.SetDefault("scheduler.lease_renew_interval", "60s")

	v.SetDefault("workers", 4)
	v.SetDefault("job_config", "")
}

// readConfigFile reads the explicit config file, or the first of
// getUserConfigPaths that exists.
func readConfigFile(v *viper.Viper) error {
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", configFile, err)
		}
		return nil
	}
	for _, path := range getUserConfigPaths() {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
		return nil
	}
	return nil
}

// getUserConfigPaths lists candidate config files, most specific first.
func getUserConfigPaths() []string {
	if identity == nil {
		return nil
	}
	name := identity.configName + ".yaml"
	paths := []string{name}
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, identity.configName, name))
	}
	return paths
}

func getEnvSpecs() []EnvSpec {
	configMu.RLock()
	defer configMu.RUnlock()
	return getEnvSpecsLocked()
}

func getEnvSpecsLocked() []EnvSpec {
	if identity == nil {
		return nil
	}
	specs := make([]EnvSpec, 0, len(envSuffixes))
	for suffix, path := range envSuffixes {
		specs = append(specs, EnvSpec{Name: identity.envPrefix + "_" + suffix, Path: path})
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// flatten turns nested override maps into dotted viper keys.
func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = v
	}
	return out
}
