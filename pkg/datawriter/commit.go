package datawriter

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/3leaps/lakeconnector/pkg/job"
	"github.com/3leaps/lakeconnector/pkg/retry"
)

// stagedPartPattern matches {schema}/{yyyy}/{MM}/{dd}/{file}.jsonl below a job prefix.
const stagedPartPattern = "*/[0-9][0-9][0-9][0-9]/[0-9][0-9]/[0-9][0-9]/*" + fileExt

// stagedPart is a parsed staged key.
type stagedPart struct {
	key        string
	schemaType string
	date       time.Time
	part       int
}

// CommitJobData moves a finished job's staged parts into the result area
// under a lease on the job's staging prefix. Only parts with an index below
// partCounts[schema] are copied; every staged object is then deleted, which
// drops orphaned parts left by earlier failed attempts.
func (w *Writer) CommitJobData(ctx context.Context, jobID int64, partCounts map[string]int) error {
	if w.leases == nil {
		return errors.New("commit requires a lease coordinator")
	}

	key := strings.TrimSuffix(w.JobPrefix(jobID), "/")
	err := w.leases.WithLease(ctx, key, w.cfg.LeaseDuration, func(ctx context.Context) error {
		return w.commit(ctx, jobID, partCounts)
	})
	if err != nil {
		return job.Retryable("commit", fmt.Errorf("commit job %d: %w", jobID, err))
	}
	return nil
}

func (w *Writer) commit(ctx context.Context, jobID int64, partCounts map[string]int) error {
	keys, err := w.stagedKeys(ctx, jobID)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		w.log.Debug("nothing staged to commit", zap.Int64("job_id", jobID))
		return nil
	}

	prefix := w.JobPrefix(jobID)
	var keep []stagedPart
	orphans := 0
	for _, key := range keys {
		p, ok := parseStagedKey(prefix, key)
		if !ok || p.part >= partCounts[p.schemaType] {
			orphans++
			continue
		}
		keep = append(keep, p)
	}

	if err := w.copyAll(ctx, jobID, keep); err != nil {
		return err
	}
	for _, key := range keys {
		if err := w.delete(ctx, key); err != nil {
			return err
		}
	}

	w.log.Info("committed job data",
		zap.Int64("job_id", jobID),
		zap.Int("committed", len(keep)),
		zap.Int("orphans_dropped", orphans))
	return nil
}

// copyAll copies parts on a bounded pool and returns the first error.
func (w *Writer) copyAll(ctx context.Context, jobID int64, parts []stagedPart) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	workCh := make(chan stagedPart)
	errCh := make(chan error, 1)

	var wg sync.WaitGroup
	for i := 0; i < min(w.cfg.Concurrency, len(parts)); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for p := range workCh {
				dst := w.ResultKey(jobID, p.schemaType, p.part, p.date)
				err := retry.Run(ctx, "copy", w.cfg.Retry, func(ctx context.Context) error {
					return w.store.Copy(ctx, p.key, dst)
				})
				if err != nil {
					select {
					case errCh <- err:
					default:
					}
					cancel()
					return
				}
			}
		}()
	}

feed:
	for _, p := range parts {
		select {
		case workCh <- p:
		case <-ctx.Done():
			break feed
		}
	}
	close(workCh)
	wg.Wait()

	select {
	case err := <-errCh:
		return err
	default:
		return ctx.Err()
	}
}

// parseStagedKey splits {prefix}{schema}/{yyyy}/{MM}/{dd}/{schema}_{jobId}_{part}.jsonl.
func parseStagedKey(prefix, key string) (stagedPart, bool) {
	rel := strings.TrimPrefix(key, prefix)
	if rel == key {
		return stagedPart{}, false
	}
	if ok, _ := doublestar.Match(stagedPartPattern, rel); !ok {
		return stagedPart{}, false
	}

	segs := strings.Split(rel, "/")
	date, err := time.Parse("2006/01/02", strings.Join(segs[1:4], "/"))
	if err != nil {
		return stagedPart{}, false
	}

	name := strings.TrimSuffix(segs[4], fileExt)
	if !strings.HasPrefix(name, segs[0]+"_") {
		return stagedPart{}, false
	}
	idx := strings.LastIndexByte(name, '_')
	part, err := strconv.Atoi(name[idx+1:])
	if err != nil || part < 0 {
		return stagedPart{}, false
	}
	return stagedPart{key: key, schemaType: segs[0], date: date, part: part}, true
}
