// Package splitter partitions a time window into right-sized processing jobs
// by resource count. Types with few resources are pooled into shared batches;
// types with many resources are cut into time slices whose counts fall
// between the low and high bounds.
package splitter

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/lakeconnector/pkg/job"
)

const (
	// DefaultLowBound is the target resource count of a processing job.
	DefaultLowBound int64 = 10000

	// DefaultHighBound is the largest resource count of a dedicated job.
	DefaultHighBound int64 = 100000

	// DefaultCountTimeout bounds a single count request.
	DefaultCountTimeout = 30 * time.Second

	unknownCount int64 = math.MaxInt64
	openStart    int64 = math.MinInt64
)

// ErrCountUnavailable is returned when a count cannot be obtained even for
// the smallest splittable range.
var ErrCountUnavailable = errors.New("resource count unavailable")

// Config controls split sizing.
type Config struct {
	// LowBound is the target size; counts below it are pooled.
	LowBound int64

	// HighBound caps a dedicated job. Zero disables time slicing, so every
	// count at or above LowBound becomes one dedicated job.
	HighBound int64

	// CountTimeout bounds each count call; a timed-out count is retried
	// with a narrower range instead of failing the split.
	CountTimeout time.Duration

	Logger *zap.Logger
}

// DefaultConfig returns the standard bounds.
func DefaultConfig() Config {
	return Config{
		LowBound:     DefaultLowBound,
		HighBound:    DefaultHighBound,
		CountTimeout: DefaultCountTimeout,
	}
}

// Splitter splits windows using a data source's counts and boundaries.
type Splitter struct {
	source job.DataSource
	cfg    Config
	log    *zap.Logger
}

// New creates a Splitter.
func New(source job.DataSource, cfg Config) *Splitter {
	if cfg.LowBound <= 0 {
		cfg.LowBound = DefaultLowBound
	}
	if cfg.HighBound != 0 && cfg.HighBound < cfg.LowBound {
		cfg.HighBound = cfg.LowBound
	}
	if cfg.CountTimeout <= 0 {
		cfg.CountTimeout = DefaultCountTimeout
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Splitter{source: source, cfg: cfg, log: log}
}

// EmitFunc receives each split result in order. Returning an error stops the split.
type EmitFunc func(job.SplitProcessingJobInfo) error

// Split walks resourceTypes in order over [start, end), resuming each type
// from submitted[type] when present. A zero-count batch is emitted for a type
// without resources so the caller can advance its submitted timestamp.
func (s *Splitter) Split(ctx context.Context, resourceTypes []string, start *time.Time, end time.Time, submitted map[string]time.Time, emit EmitFunc) error {
	var pool CandidatePool
	seen := make(map[string]struct{}, len(resourceTypes))

	for _, resourceType := range resourceTypes {
		if _, dup := seen[resourceType]; dup {
			continue
		}
		seen[resourceType] = struct{}{}

		if err := ctx.Err(); err != nil {
			return err
		}

		typeStart := start
		if ts, ok := submitted[resourceType]; ok {
			typeStart = job.TimePtr(ts)
		}
		window := job.TimeRange{DataStartTime: typeStart, DataEndTime: end}
		if typeStart != nil && !typeStart.Before(end) {
			continue
		}

		total, err := s.source.GetCount(ctx, resourceType, window)
		if err != nil {
			return fmt.Errorf("count %s %s: %w", resourceType, window, err)
		}

		single := job.SubJobInfo{ResourceType: resourceType, TimeRange: window, ResourceCount: total}
		switch {
		case total == 0:
			s.log.Debug("no resources for type", zap.String("resource_type", resourceType))
			if err := emit(job.SplitProcessingJobInfo{SubJobInfos: []job.SubJobInfo{single}}); err != nil {
				return err
			}
		case total < s.cfg.LowBound:
			pool.Add(single)
			s.log.Debug("pooled small sub job", zap.String("resource_type", resourceType), zap.Int64("count", total))
			if pool.ResourceCount() >= s.cfg.LowBound {
				if err := emit(pool.BuildBatch()); err != nil {
					return err
				}
			}
		case s.cfg.HighBound == 0 || total <= s.cfg.HighBound:
			if err := emit(job.SplitProcessingJobInfo{ResourceCount: total, SubJobInfos: []job.SubJobInfo{single}}); err != nil {
				return err
			}
		default:
			err := s.splitType(ctx, resourceType, total, window, func(sub job.SubJobInfo) error {
				if sub.ResourceCount < s.cfg.LowBound {
					pool.Add(sub)
					if pool.ResourceCount() >= s.cfg.LowBound {
						return emit(pool.BuildBatch())
					}
					return nil
				}
				return emit(job.SplitProcessingJobInfo{ResourceCount: sub.ResourceCount, SubJobInfos: []job.SubJobInfo{sub}})
			})
			if err != nil {
				return err
			}
		}
	}

	if pool.ResourceCount() > 0 {
		return emit(pool.BuildBatch())
	}
	return nil
}

// splitType cuts one resource type's window into consecutive slices.
func (s *Splitter) splitType(ctx context.Context, resourceType string, total int64, window job.TimeRange, yield func(job.SubJobInfo) error) error {
	s.log.Info("splitting resource type", zap.String("resource_type", resourceType), zap.Int64("total", total))

	anchors, err := s.initAnchors(ctx, resourceType, total, window)
	if err != nil {
		return err
	}
	lastAnchor := anchors.last()
	endKey := window.DataEndTime.UnixNano()

	cursor := openStart
	if window.DataStartTime != nil {
		cursor = window.DataStartTime.UnixNano()
	}

	jobs := 0
	for cursor < endKey {
		if err := ctx.Err(); err != nil {
			return err
		}
		next, err := s.nextSplit(ctx, resourceType, cursor, anchors)
		if err != nil {
			return err
		}
		count := anchors.get(next) - anchors.get(cursor)
		if next == lastAnchor {
			next = endKey
		}

		sub := job.SubJobInfo{
			ResourceType:  resourceType,
			TimeRange:     job.TimeRange{DataStartTime: keyTime(cursor), DataEndTime: time.Unix(0, next).UTC()},
			ResourceCount: count,
		}
		if err := yield(sub); err != nil {
			return err
		}
		jobs++
		cursor = next
	}

	s.log.Info("split resource type", zap.String("resource_type", resourceType), zap.Int("jobs", jobs))
	return nil
}

func (s *Splitter) initAnchors(ctx context.Context, resourceType string, total int64, window job.TimeRange) (*anchorList, error) {
	anchors := newAnchorList()

	first, err := s.source.BoundaryTimestamp(ctx, resourceType, window, false)
	if err != nil {
		return nil, fmt.Errorf("first timestamp of %s: %w", resourceType, err)
	}
	last, err := s.source.BoundaryTimestamp(ctx, resourceType, window, true)
	if err != nil {
		return nil, fmt.Errorf("last timestamp of %s: %w", resourceType, err)
	}

	if window.DataStartTime != nil {
		anchors.set(window.DataStartTime.UnixNano(), 0)
	} else {
		anchors.set(openStart, 0)
	}
	if first != nil {
		anchors.set(first.UnixNano(), 0)
	}

	// An anchor's value counts resources strictly before its timestamp.
	if last != nil {
		anchors.set(last.Add(time.Millisecond).UnixNano(), total)
	} else {
		anchors.set(window.DataEndTime.UnixNano(), total)
	}
	return anchors, nil
}

// nextSplit finds the next split point after cursor so that the slice count
// falls within the bounds where the data allows it.
func (s *Splitter) nextSplit(ctx context.Context, resourceType string, cursor int64, anchors *anchorList) (int64, error) {
	base := anchors.get(cursor)
	prev := cursor

	for _, key := range anchors.keysAfter(cursor) {
		if anchors.get(key) == unknownCount {
			n, err := s.count(ctx, resourceType, prev, key)
			if err != nil {
				return 0, err
			}
			if n != unknownCount {
				anchors.set(key, n+anchors.get(prev))
			}
		}

		if v := anchors.get(key); v != unknownCount && v-base < s.cfg.HighBound {
			prev = key
			continue
		}

		if anchors.get(prev)-base < s.cfg.LowBound {
			return s.bisect(ctx, resourceType, prev, key, anchors, base)
		}
		return prev, nil
	}
	return prev, nil
}

func (s *Splitter) bisect(ctx context.Context, resourceType string, lo, hi int64, anchors *anchorList, base int64) (int64, error) {
	if lo == openStart {
		return hi, nil
	}
	for hi-lo > int64(time.Millisecond) {
		mid := lo + (hi-lo)/2
		n, err := s.count(ctx, resourceType, lo, mid)
		if err != nil {
			return 0, err
		}
		value := unknownCount
		if n != unknownCount {
			value = n + anchors.get(lo)
		}
		anchors.set(mid, value)

		switch {
		case value-base > s.cfg.HighBound:
			hi = mid
		case value-base < s.cfg.LowBound:
			lo = mid
		default:
			return mid, nil
		}
	}

	if anchors.get(hi) == unknownCount {
		return 0, job.Retryable("split", fmt.Errorf("%w: %s at %s", ErrCountUnavailable, resourceType, time.Unix(0, hi).UTC().Format(time.RFC3339Nano)))
	}
	return hi, nil
}

// count returns the resource count in [from, to), or unknownCount when the
// request timed out.
func (s *Splitter) count(ctx context.Context, resourceType string, from, to int64) (int64, error) {
	cctx, cancel := context.WithTimeout(ctx, s.cfg.CountTimeout)
	defer cancel()

	r := job.TimeRange{DataStartTime: keyTime(from), DataEndTime: time.Unix(0, to).UTC()}
	n, err := s.source.GetCount(cctx, resourceType, r)
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			s.log.Warn("resource count timed out, will retry", zap.String("resource_type", resourceType), zap.Stringer("range", r))
			return unknownCount, nil
		}
		return 0, fmt.Errorf("count %s %s: %w", resourceType, r, err)
	}
	return n, nil
}

func keyTime(key int64) *time.Time {
	if key == openStart {
		return nil
	}
	t := time.Unix(0, key).UTC()
	return &t
}

// anchorList maps timestamps (unix nanos) to the count of resources before them.
type anchorList struct {
	keys   []int64
	values map[int64]int64
}

func newAnchorList() *anchorList {
	return &anchorList{values: map[int64]int64{}}
}

func (a *anchorList) set(key, value int64) {
	if _, ok := a.values[key]; !ok {
		i := sort.Search(len(a.keys), func(i int) bool { return a.keys[i] >= key })
		a.keys = append(a.keys, 0)
		copy(a.keys[i+1:], a.keys[i:])
		a.keys[i] = key
	}
	a.values[key] = value
}

func (a *anchorList) get(key int64) int64 {
	return a.values[key]
}

func (a *anchorList) last() int64 {
	return a.keys[len(a.keys)-1]
}

func (a *anchorList) keysAfter(key int64) []int64 {
	i := sort.Search(len(a.keys), func(i int) bool { return a.keys[i] > key })
	out := make([]int64, len(a.keys)-i)
	copy(out, a.keys[i:])
	return out
}
