// Package processing executes processing jobs: it reads one partition from
// the data source page by page, converts the records for every schema type
// of their resource type, and writes the converted batches as staged parts.
//
// A processing job never commits its output. The orchestrator commits the
// staged parts recorded in the job result once the job has completed.
package processing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/lakeconnector/pkg/job"
	"github.com/3leaps/lakeconnector/pkg/metrics"
	"github.com/3leaps/lakeconnector/pkg/retry"
)

const (
	// DefaultResourcesPerCommit flushes the cache once it holds this many records.
	DefaultResourcesPerCommit = 10000

	// DefaultDataSizeBytesPerCommit flushes the cache once it holds this many source bytes.
	DefaultDataSizeBytesPerCommit int64 = 10 << 20

	DefaultRetryDelay = 5 * time.Second

	patientResourceType = "Patient"
)

// Config configures an Executor.
type Config struct {
	ResourcesPerCommit     int
	DataSizeBytesPerCommit int64

	// Retry wraps every data source call. An unset budget gets
	// retry.DefaultRetries attempts DefaultRetryDelay apart; negative Retries
	// disables retrying.
	Retry retry.Policy

	Logger  *zap.Logger
	Metrics *metrics.Collector
	Now     func() time.Time
}

// Deps are the collaborators of an Executor. Members is only needed for
// group-scope jobs.
type Deps struct {
	Source    job.DataSource
	Converter job.DataConverter
	Writer    job.DataWriter
	Members   job.GroupMemberExtractor
}

// Executor runs processing jobs.
type Executor struct {
	deps    Deps
	cfg     Config
	log     *zap.Logger
	metrics *metrics.Collector
}

var _ job.Executor = (*Executor)(nil)

// New creates an Executor.
func New(deps Deps, cfg Config) (*Executor, error) {
	if deps.Source == nil || deps.Converter == nil || deps.Writer == nil {
		return nil, errors.New("processing: source, converter and writer are required")
	}
	if cfg.ResourcesPerCommit <= 0 {
		cfg.ResourcesPerCommit = DefaultResourcesPerCommit
	}
	if cfg.DataSizeBytesPerCommit <= 0 {
		cfg.DataSizeBytesPerCommit = DefaultDataSizeBytesPerCommit
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	cfg.Retry = cfg.Retry.WithDefaults(DefaultRetryDelay)
	if cfg.Retry.Logger == nil {
		cfg.Retry.Logger = log
	}
	return &Executor{deps: deps, cfg: cfg, log: log, metrics: cfg.Metrics}, nil
}

// Execute runs the processing job in info and returns its encoded
// job.ProcessingResult. Staged output of an earlier attempt is removed first;
// on failure the staged output of this attempt is removed on a best-effort
// basis.
func (e *Executor) Execute(ctx context.Context, info *job.Info) (string, error) {
	def, err := job.DecodeProcessing(info.Definition)
	if err != nil {
		return "", job.Fatal("processing", err)
	}

	r := &run{
		Executor: e,
		info:     info,
		def:      def,
		log:      e.log.With(zap.Int64("job_id", info.ID), zap.Int64("processing_sequence_id", def.ProcessingJobSequenceID)),
		result:   job.NewProcessingResult(e.cfg.Now()),
		cache:    map[string]*cached{},
		parts:    map[string]int{},
	}

	out, err := r.execute(ctx)
	if err != nil {
		cleanCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if cerr := e.deps.Writer.CleanJobData(cleanCtx, info.ID); cerr != nil {
			r.log.Info("failed to clean staged data", zap.Error(cerr))
		}
		if ctx.Err() != nil && job.KindOf(err) != job.KindFatal {
			return "", job.Cancelled("processing", context.Cause(ctx))
		}
		return "", err
	}
	return out, nil
}

// cached holds the unconverted records of one resource type.
type cached struct {
	records []json.RawMessage
	bucket  time.Time
}

type run struct {
	*Executor
	info   *job.Info
	def    *job.ProcessingDefinition
	log    *zap.Logger
	result *job.ProcessingResult

	cache       map[string]*cached
	order       []string
	cachedCount int
	cachedBytes int64
	parts       map[string]int
}

func (r *run) execute(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", job.Cancelled("processing", context.Cause(ctx))
	}
	r.log.Info("processing job started", zap.String("scope", string(r.def.FilterScope)))

	if err := r.deps.Writer.CleanJobData(ctx, r.info.ID); err != nil {
		return "", job.Retryable("clean staging", err)
	}

	var err error
	switch r.def.FilterScope {
	case job.ScopeSystem, "":
		err = r.runSystem(ctx)
	case job.ScopeGroup:
		err = r.runGroup(ctx)
	default:
		err = job.Fatal("processing", fmt.Errorf("unsupported filter scope %q", r.def.FilterScope))
	}
	if err != nil {
		return "", err
	}

	if err := r.flush(ctx, true); err != nil {
		return "", err
	}
	r.result.ProcessingCompleteTime = r.cfg.Now().UTC()

	r.log.Info("processing job finished",
		zap.Int64("processed", r.result.ProcessedCountInTotal),
		zap.Int64("bytes", r.result.ProcessedDataSizeInTotal))
	out, err := r.result.Encode()
	if err != nil {
		return "", job.Fatal("processing", err)
	}
	return out, nil
}

func (r *run) runSystem(ctx context.Context) error {
	params := make(map[string]map[string]string, len(r.def.TypeFilters))
	for _, tf := range r.def.TypeFilters {
		params[tf.ResourceType] = tf.Parameters
	}

	if r.def.JobVersion >= job.V4 && r.def.SplitProcessingJobInfo != nil {
		for _, sub := range r.def.SplitProcessingJobInfo.SubJobInfos {
			req := job.SearchRequest{ResourceType: sub.ResourceType, Range: sub.TimeRange, Parameters: params[sub.ResourceType]}
			if err := r.searchAll(ctx, req, sub.TimeRange.DataEndTime); err != nil {
				return err
			}
			// Each sub job has its own date bucket.
			if err := r.flush(ctx, true); err != nil {
				return err
			}
		}
		return nil
	}

	for _, tf := range r.def.TypeFilters {
		req := job.SearchRequest{ResourceType: tf.ResourceType, Range: r.def.Range(), Parameters: tf.Parameters}
		if err := r.searchAll(ctx, req, r.def.DataEndTime); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) runGroup(ctx context.Context) error {
	if r.deps.Members == nil {
		return job.Fatal("processing", errors.New("group scope requires a group member extractor"))
	}
	patientIDs, err := retry.Do(ctx, "group members", r.cfg.Retry, func(ctx context.Context) ([]string, error) {
		return r.deps.Members.GroupPatients(ctx, r.def.GroupID, r.def.DataEndTime)
	})
	if err != nil {
		return err
	}
	byHash := make(map[string]string, len(patientIDs))
	for _, id := range patientIDs {
		byHash[job.PatientHash(id)] = id
	}

	patientRequired := false
	for _, tf := range r.def.TypeFilters {
		if tf.ResourceType == patientResourceType {
			patientRequired = true
		}
	}

	seen := make(map[string]struct{}, len(r.def.ToBeProcessedPatients))
	for _, p := range r.def.ToBeProcessedPatients {
		if err := ctx.Err(); err != nil {
			return job.Cancelled("processing", context.Cause(ctx))
		}
		// A repeated hash was fully handled on its first occurrence.
		if _, dup := seen[p.PatientHash]; dup {
			continue
		}
		seen[p.PatientHash] = struct{}{}

		patientID, ok := byHash[p.PatientHash]
		if !ok {
			r.log.Info("patient no longer in group", zap.String("patient_hash", p.PatientHash))
			continue
		}

		found, err := r.processPatient(ctx, patientID, p, patientRequired)
		if err != nil {
			return err
		}
		if !found {
			continue
		}

		// New patients are read from Since; known patients only for the window.
		start := r.def.DataStartTime
		if p.VersionID == 0 {
			start = r.def.Since
		}
		window := job.TimeRange{DataStartTime: start, DataEndTime: r.def.DataEndTime}
		for _, tf := range r.def.TypeFilters {
			if tf.ResourceType == patientResourceType {
				continue
			}
			req := job.SearchRequest{ResourceType: tf.ResourceType, Range: window, PatientID: patientID, Parameters: tf.Parameters}
			if err := r.searchAll(ctx, req, r.def.DataEndTime); err != nil {
				return err
			}
		}
	}
	return nil
}

// processPatient reads the patient resource, caching it when it changed since
// the last run, and records its version. It reports false when the patient
// does not exist in the window.
func (r *run) processPatient(ctx context.Context, patientID string, p job.PatientWrapper, required bool) (bool, error) {
	req := job.SearchRequest{
		ResourceType: patientResourceType,
		ResourceID:   patientID,
		Range:        job.TimeRange{DataEndTime: r.def.DataEndTime},
	}
	var latest json.RawMessage
	var size int64
	for {
		res, err := r.search(ctx, req)
		if err != nil {
			return false, err
		}
		if n := len(res.Records); n > 0 {
			latest = res.Records[n-1]
			size = int64(len(latest))
		}
		if res.ContinuationToken == "" {
			break
		}
		req.ContinuationToken = res.ContinuationToken
	}
	if latest == nil {
		r.log.Info("patient does not exist, skipping", zap.String("patient_hash", p.PatientHash))
		return false, nil
	}

	version, err := versionID(latest)
	if err != nil {
		return false, fmt.Errorf("patient %s: %w", p.PatientHash, err)
	}
	if version != p.VersionID && required {
		r.add(patientResourceType, []json.RawMessage{latest}, size, r.def.DataEndTime)
	}
	r.result.ProcessedPatientVersion[p.PatientHash] = version
	return true, nil
}

func versionID(raw json.RawMessage) (int64, error) {
	var res struct {
		Meta struct {
			VersionID string `json:"versionId"`
		} `json:"meta"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return 0, fmt.Errorf("decode patient: %w", err)
	}
	v, err := strconv.ParseInt(res.Meta.VersionID, 10, 64)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("invalid meta.versionId %q", res.Meta.VersionID)
	}
	return v, nil
}

func (r *run) search(ctx context.Context, req job.SearchRequest) (*job.SearchResult, error) {
	return retry.Do(ctx, "search "+req.ResourceType, r.cfg.Retry, func(ctx context.Context) (*job.SearchResult, error) {
		return r.deps.Source.Search(ctx, req)
	})
}

// searchAll pages through req, caching records and flushing when the cache
// reaches a commit threshold.
func (r *run) searchAll(ctx context.Context, req job.SearchRequest, bucket time.Time) error {
	for {
		if err := ctx.Err(); err != nil {
			return job.Cancelled("processing", context.Cause(ctx))
		}
		res, err := r.search(ctx, req)
		if err != nil {
			return err
		}
		r.add(req.ResourceType, res.Records, res.SizeBytes, bucket)
		if err := r.flush(ctx, false); err != nil {
			return err
		}
		if res.ContinuationToken == "" {
			return nil
		}
		req.ContinuationToken = res.ContinuationToken
	}
}

func (r *run) add(resourceType string, records []json.RawMessage, size int64, bucket time.Time) {
	if len(records) == 0 {
		return
	}
	c, ok := r.cache[resourceType]
	if !ok {
		c = &cached{}
		r.cache[resourceType] = c
		r.order = append(r.order, resourceType)
	}
	c.records = append(c.records, records...)
	c.bucket = bucket
	r.cachedCount += len(records)
	r.cachedBytes += size
}

// flush converts and writes the cache when a threshold is reached, or
// unconditionally when force is set.
func (r *run) flush(ctx context.Context, force bool) error {
	if r.cachedCount == 0 {
		return nil
	}
	if !force && r.cachedCount < r.cfg.ResourcesPerCommit && r.cachedBytes < r.cfg.DataSizeBytesPerCommit {
		return nil
	}
	r.log.Debug("writing cached resources", zap.Int("resources", r.cachedCount), zap.Int64("bytes", r.cachedBytes))

	for _, resourceType := range r.order {
		c := r.cache[resourceType]
		schemaTypes := r.deps.Converter.SchemaTypes(resourceType)
		if len(schemaTypes) == 0 {
			r.log.Warn("no schema for resource type", zap.String("resource_type", resourceType))
		}
		for _, schemaType := range schemaTypes {
			if err := r.writeSchema(ctx, resourceType, schemaType, c); err != nil {
				return err
			}
		}
		r.result.SearchCount[resourceType] += int64(len(c.records))
	}

	var total int64
	for _, n := range r.result.ProcessedCount {
		total += n
	}
	r.result.ProcessedCountInTotal = total
	r.result.ProcessedDataSizeInTotal += r.cachedBytes

	clear(r.cache)
	r.order = r.order[:0]
	r.cachedCount = 0
	r.cachedBytes = 0
	return nil
}

func (r *run) writeSchema(ctx context.Context, resourceType, schemaType string, c *cached) error {
	converted, err := r.deps.Converter.Convert(c.records, schemaType)
	if err != nil {
		return job.Fatal("convert "+schemaType, err)
	}
	skipped := len(c.records) - len(converted)

	if len(converted) > 0 {
		part := r.parts[schemaType]
		key, err := r.deps.Writer.Write(ctx, converted, r.info.ID, schemaType, part, c.bucket)
		if err != nil {
			return fmt.Errorf("write %s part %d: %w", schemaType, part, err)
		}
		r.parts[schemaType] = part + 1
		r.result.PartCounts[schemaType] = part + 1
		r.metrics.RecordProcessed(schemaType, len(converted))
		r.log.Info("wrote batch",
			zap.String("resource_type", resourceType),
			zap.String("schema_type", schemaType),
			zap.Int("searched", len(c.records)),
			zap.Int("processed", len(converted)),
			zap.String("key", key))
	} else {
		r.log.Info("no resources converted",
			zap.String("resource_type", resourceType),
			zap.String("schema_type", schemaType),
			zap.Int("skipped", skipped))
	}

	r.result.SkippedCount[schemaType] += int64(skipped)
	r.result.ProcessedCount[schemaType] += int64(len(converted))
	return nil
}
