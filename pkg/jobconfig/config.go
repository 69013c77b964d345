// Package jobconfig loads connector job configurations.
//
// A connector job configuration is a YAML (or JSON) document describing one
// export pipeline: the object storage holding the source NDJSON export, the
// object storage receiving the lake, the resource types to export, the
// schedule and the sizing of orchestration and processing.
//
// Documents are validated against an embedded JSON Schema before they are
// parsed. The schema disallows unknown properties.
//
// Example:
//
//	version: "1.0"
//	queueType: fhir
//	source:
//	  storage:
//	    provider: s3
//	    bucket: clinical-export
//	    region: us-east-1
//	  root: fhir/
//	lake:
//	  storage:
//	    provider: s3
//	    bucket: clinical-lake
//	filter:
//	  types:
//	    - resourceType: Patient
//	    - resourceType: Observation
//	      parameters:
//	        category: vital-signs
//	schedule:
//	  startTime: 2024-01-01T00:00:00Z
//	  cron: "0 */5 * * * *"
package jobconfig

import (
	"time"

	"github.com/3leaps/lakeconnector/pkg/job"
)

// Defaults applied by ApplyDefaults.
const (
	DefaultQueueType                = "fhir"
	DefaultCron                     = "0 */5 * * * *"
	DefaultJobQueryLatency          = 2 * time.Minute
	DefaultMaxRunningJobs           = 20
	DefaultCheckFrequency           = 10 * time.Second
	DefaultPatientsPerProcessingJob = 100
	DefaultInitialInterval          = 3600 * time.Second
	DefaultIncrementalInterval      = 600 * time.Second
	DefaultLowBound          int64  = 10000
	DefaultHighBound         int64  = 100000
	DefaultResourcesPerCommit       = 10000
	DefaultDataSizeBytesPerCommit   = int64(10 << 20)
	DefaultRetries                  = 3
	DefaultRetryDelay               = 5 * time.Second

	ProviderS3   = "s3"
	ProviderFile = "file"

	ScopeSystem = "system"
	ScopeGroup  = "group"
)

// Config is a validated connector job configuration.
type Config struct {
	Schema    string `yaml:"$schema,omitempty"`
	Version   string `yaml:"version"`
	QueueType string `yaml:"queueType,omitempty"`

	Source        SourceConfig        `yaml:"source"`
	Lake          LakeConfig          `yaml:"lake"`
	Filter        FilterConfig        `yaml:"filter,omitempty"`
	Schedule      ScheduleConfig      `yaml:"schedule,omitempty"`
	Orchestration OrchestrationConfig `yaml:"orchestration,omitempty"`
	Processing    ProcessingConfig    `yaml:"processing,omitempty"`
	Notifications NotificationsConfig `yaml:"notifications,omitempty"`
}

// StorageConfig selects and configures an object storage provider.
type StorageConfig struct {
	Provider string `yaml:"provider"`

	// S3 settings.
	Bucket         string `yaml:"bucket,omitempty"`
	Region         string `yaml:"region,omitempty"`
	Endpoint       string `yaml:"endpoint,omitempty"`
	Profile        string `yaml:"profile,omitempty"`
	ForcePathStyle bool   `yaml:"forcePathStyle,omitempty"`

	// BaseDir is the root directory of the file provider.
	BaseDir string `yaml:"baseDir,omitempty"`
}

// SourceConfig locates the NDJSON export.
type SourceConfig struct {
	Storage     StorageConfig `yaml:"storage"`
	Root        string        `yaml:"root,omitempty"`
	PageSize    int           `yaml:"pageSize,omitempty"`
	Concurrency int           `yaml:"concurrency,omitempty"`

	// RateLimit caps storage requests per second; zero is unlimited.
	RateLimit float64 `yaml:"rateLimit,omitempty"`
}

// LakeConfig locates the staging and result areas.
type LakeConfig struct {
	Storage           StorageConfig `yaml:"storage"`
	StagingRoot       string        `yaml:"stagingRoot,omitempty"`
	ResultRoot        string        `yaml:"resultRoot,omitempty"`
	CommitConcurrency int           `yaml:"commitConcurrency,omitempty"`
}

// FilterConfig selects what is exported.
type FilterConfig struct {
	Scope   string             `yaml:"scope,omitempty"`
	GroupID string             `yaml:"groupId,omitempty"`
	Types   []TypeFilterConfig `yaml:"types,omitempty"`
}

// TypeFilterConfig names a resource type, or a glob over resource types,
// with optional search parameters.
type TypeFilterConfig struct {
	ResourceType string            `yaml:"resourceType"`
	Parameters   map[string]string `yaml:"parameters,omitempty"`
}

// ScheduleConfig drives the trigger scheduler.
type ScheduleConfig struct {
	StartTime       *time.Time    `yaml:"startTime,omitempty"`
	EndTime         *time.Time    `yaml:"endTime,omitempty"`
	Cron            string        `yaml:"cron,omitempty"`
	JobQueryLatency time.Duration `yaml:"jobQueryLatency,omitempty"`
}

// OrchestrationConfig sizes orchestrator jobs.
type OrchestrationConfig struct {
	JobVersion               int           `yaml:"jobVersion,omitempty"`
	MaxRunningJobs           int           `yaml:"maxRunningJobs,omitempty"`
	CheckFrequency           time.Duration `yaml:"checkFrequency,omitempty"`
	PatientsPerProcessingJob int           `yaml:"patientsPerProcessingJob,omitempty"`
	InitialInterval          time.Duration `yaml:"initialInterval,omitempty"`
	IncrementalInterval      time.Duration `yaml:"incrementalInterval,omitempty"`
	LowBound                 int64         `yaml:"lowBound,omitempty"`
	HighBound                int64         `yaml:"highBound,omitempty"`

	RetryConfig `yaml:",inline"`
}

// RetryConfig is the retry budget for transient source and storage
// failures. Retries -1 disables retrying.
type RetryConfig struct {
	Retries    int           `yaml:"retries,omitempty"`
	RetryDelay time.Duration `yaml:"retryDelay,omitempty"`
}

func (r *RetryConfig) applyDefaults() {
	if r.Retries == 0 {
		r.Retries = DefaultRetries
	}
	if r.RetryDelay == 0 {
		r.RetryDelay = DefaultRetryDelay
	}
}

// ProcessingConfig sizes the staged parts of processing jobs.
type ProcessingConfig struct {
	ResourcesPerCommit     int   `yaml:"resourcesPerCommit,omitempty"`
	DataSizeBytesPerCommit int64 `yaml:"dataSizeBytesPerCommit,omitempty"`

	RetryConfig `yaml:",inline"`
}

// NotificationsConfig configures job notifications. An empty NATS URL
// disables them.
type NotificationsConfig struct {
	NatsURL string `yaml:"natsUrl,omitempty"`
}

// ApplyDefaults fills unset optional fields.
func (c *Config) ApplyDefaults() {
	if c.QueueType == "" {
		c.QueueType = DefaultQueueType
	}
	if c.Filter.Scope == "" {
		c.Filter.Scope = ScopeSystem
	}
	if c.Schedule.Cron == "" {
		c.Schedule.Cron = DefaultCron
	}
	if c.Schedule.JobQueryLatency == 0 {
		c.Schedule.JobQueryLatency = DefaultJobQueryLatency
	}

	o := &c.Orchestration
	if o.JobVersion == 0 {
		o.JobVersion = int(job.CurrentVersion)
	}
	if o.MaxRunningJobs == 0 {
		o.MaxRunningJobs = DefaultMaxRunningJobs
	}
	if o.CheckFrequency == 0 {
		o.CheckFrequency = DefaultCheckFrequency
	}
	if o.PatientsPerProcessingJob == 0 {
		o.PatientsPerProcessingJob = DefaultPatientsPerProcessingJob
	}
	if o.InitialInterval == 0 {
		o.InitialInterval = DefaultInitialInterval
	}
	if o.IncrementalInterval == 0 {
		o.IncrementalInterval = DefaultIncrementalInterval
	}
	if o.LowBound == 0 {
		o.LowBound = DefaultLowBound
	}
	if o.HighBound == 0 {
		o.HighBound = DefaultHighBound
	}
	o.RetryConfig.applyDefaults()

	if c.Processing.ResourcesPerCommit == 0 {
		c.Processing.ResourcesPerCommit = DefaultResourcesPerCommit
	}
	if c.Processing.DataSizeBytesPerCommit == 0 {
		c.Processing.DataSizeBytesPerCommit = DefaultDataSizeBytesPerCommit
	}
	c.Processing.RetryConfig.applyDefaults()
}

// Scope returns the configured filter scope.
func (c *Config) Scope() job.Scope {
	if c.Filter.Scope == ScopeGroup {
		return job.ScopeGroup
	}
	return job.ScopeSystem
}
