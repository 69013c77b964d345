// Package datawriter stages converted batches as JSON Lines objects and
// commits a finished job's staged parts into the result area.
//
// Staged and result keys are deterministic, so rewriting a part or re-running
// a commit after a crash overwrites identical content.
package datawriter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/lakeconnector/pkg/job"
	"github.com/3leaps/lakeconnector/pkg/lease"
	"github.com/3leaps/lakeconnector/pkg/provider"
	"github.com/3leaps/lakeconnector/pkg/retry"
)

const (
	DefaultStagingRoot   = "staging"
	DefaultResultRoot    = "result"
	DefaultConcurrency   = 8
	DefaultLeaseDuration = time.Minute

	fileExt = ".jsonl"
)

var _ job.DataWriter = (*Writer)(nil)

type Config struct {
	StagingRoot string
	ResultRoot  string

	// Concurrency bounds parallel copies during a commit.
	Concurrency int

	// LeaseDuration is the commit lease on a job's staging prefix.
	LeaseDuration time.Duration

	// Retry wraps each storage call.
	Retry retry.Policy

	Logger *zap.Logger
}

// Writer implements job.DataWriter on a provider.
type Writer struct {
	store  provider.Provider
	leases *lease.Coordinator
	cfg    Config
	log    *zap.Logger
}

// New creates a Writer. leases guards commits; it is required for CommitJobData.
func New(store provider.Provider, leases *lease.Coordinator, cfg Config) *Writer {
	if cfg.StagingRoot == "" {
		cfg.StagingRoot = DefaultStagingRoot
	}
	if cfg.ResultRoot == "" {
		cfg.ResultRoot = DefaultResultRoot
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = DefaultLeaseDuration
	}
	cfg.Retry = cfg.Retry.WithDefaults(5 * time.Second)
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	cfg.Retry.Logger = log
	return &Writer{store: store, leases: leases, cfg: cfg, log: log}
}

// JobPrefix is the staging prefix of a job, with a trailing slash.
func (w *Writer) JobPrefix(jobID int64) string {
	return fmt.Sprintf("%s/%020d/", w.cfg.StagingRoot, jobID)
}

// StagingKey is the staged key of one part:
// staging/{jobId}/{schema}/{yyyy}/{MM}/{dd}/{schema}_{jobId}_{part}.jsonl
func (w *Writer) StagingKey(jobID int64, schemaType string, partIndex int, dateBucket time.Time) string {
	return w.JobPrefix(jobID) + path.Join(schemaType, dateBucket.UTC().Format("2006/01/02"), partName(jobID, schemaType, partIndex))
}

// ResultKey is where a committed part lands:
// result/{schema}/{yyyy}/{MM}/{dd}/{jobId}/{schema}_{jobId}_{part}.jsonl
func (w *Writer) ResultKey(jobID int64, schemaType string, partIndex int, dateBucket time.Time) string {
	return path.Join(w.cfg.ResultRoot, schemaType, dateBucket.UTC().Format("2006/01/02"),
		fmt.Sprintf("%020d", jobID), partName(jobID, schemaType, partIndex))
}

func partName(jobID int64, schemaType string, partIndex int) string {
	return fmt.Sprintf("%s_%020d_%05d%s", schemaType, jobID, partIndex, fileExt)
}

// Write stages one batch as a JSON Lines object and returns its key.
func (w *Writer) Write(ctx context.Context, batch []job.Record, jobID int64, schemaType string, partIndex int, dateBucket time.Time) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, rec := range batch {
		if err := enc.Encode(rec); err != nil {
			return "", job.Fatal("write", fmt.Errorf("encode %s record: %w", schemaType, err))
		}
	}

	key := w.StagingKey(jobID, schemaType, partIndex, dateBucket)
	data := buf.Bytes()
	err := retry.Run(ctx, "write", w.cfg.Retry, func(ctx context.Context) error {
		return w.store.Put(ctx, key, bytes.NewReader(data), int64(len(data)))
	})
	if err != nil {
		return "", err
	}

	w.log.Debug("staged part",
		zap.Int64("job_id", jobID),
		zap.String("schema_type", schemaType),
		zap.Int("part", partIndex),
		zap.Int("records", len(batch)),
		zap.String("key", key))
	return key, nil
}

// CleanJobData deletes everything staged for a job.
func (w *Writer) CleanJobData(ctx context.Context, jobID int64) error {
	keys, err := w.stagedKeys(ctx, jobID)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := w.delete(ctx, key); err != nil {
			return err
		}
	}
	if len(keys) > 0 {
		w.log.Info("cleaned staged data", zap.Int64("job_id", jobID), zap.Int("objects", len(keys)))
	}
	return nil
}

func (w *Writer) stagedKeys(ctx context.Context, jobID int64) ([]string, error) {
	objects, err := retry.Do(ctx, "list staging", w.cfg.Retry, func(ctx context.Context) ([]provider.ObjectSummary, error) {
		return provider.ListAll(ctx, w.store, w.JobPrefix(jobID))
	})
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(objects))
	for _, o := range objects {
		keys = append(keys, o.Key)
	}
	return keys, nil
}

func (w *Writer) delete(ctx context.Context, key string) error {
	return retry.Run(ctx, "delete", w.cfg.Retry, func(ctx context.Context) error {
		return w.store.Delete(ctx, key)
	})
}
