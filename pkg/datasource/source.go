// Package datasource reads FHIR resources from NDJSON exports in object
// storage. Resources of a type live under {root}{ResourceType}/ in one or
// more *.ndjson objects; each line is one resource carrying meta.lastUpdated.
//
// Parsed objects are cached and re-read only when their size or modification
// time changes, so repeated searches over a growing export stay cheap.
package datasource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/lakeconnector/pkg/job"
	"github.com/3leaps/lakeconnector/pkg/metrics"
	"github.com/3leaps/lakeconnector/pkg/provider"
)

const (
	// DefaultPageSize is the number of records returned per search page.
	DefaultPageSize = 1000

	// DefaultConcurrency is the number of objects read in parallel.
	DefaultConcurrency = 4
)

// ErrInvalidContinuationToken is returned for tokens not issued by Search.
var ErrInvalidContinuationToken = errors.New("invalid continuation token")

// Config configures a Source.
type Config struct {
	// Root is the key prefix of the export, e.g. "fhir/".
	Root string

	PageSize int

	// Concurrency bounds parallel object reads.
	Concurrency int

	// RateLimit is the maximum storage requests per second. Zero means unlimited.
	RateLimit float64

	Logger  *zap.Logger
	Metrics *metrics.Collector
}

// Source implements job.DataSource over an NDJSON export.
type Source struct {
	store   provider.Provider
	cfg     Config
	limiter *rate.Limiter
	log     *zap.Logger
	metrics *metrics.Collector

	mu      sync.Mutex
	objects map[string]*object
}

var _ job.DataSource = (*Source)(nil)

// New creates a Source reading from store.
func New(store provider.Provider, cfg Config) *Source {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Root != "" && !strings.HasSuffix(cfg.Root, "/") {
		cfg.Root += "/"
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	s := &Source{
		store:   store,
		cfg:     cfg,
		log:     log,
		metrics: cfg.Metrics,
		objects: map[string]*object{},
	}
	if cfg.RateLimit > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	return s
}

func (s *Source) typePrefix(resourceType string) string {
	return s.cfg.Root + resourceType + "/"
}

// wait blocks until the rate limiter allows a storage request.
func (s *Source) wait(ctx context.Context) error {
	if s.limiter == nil {
		return ctx.Err()
	}
	return s.limiter.Wait(ctx)
}

// Search returns one page of resources matching req in lastUpdated order.
func (s *Source) Search(ctx context.Context, req job.SearchRequest) (*job.SearchResult, error) {
	if req.ResourceType == "" {
		return nil, errors.New("search: resource type is required")
	}
	offset := 0
	if req.ContinuationToken != "" {
		n, err := strconv.Atoi(req.ContinuationToken)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: %q", ErrInvalidContinuationToken, req.ContinuationToken)
		}
		offset = n
	}

	entries, err := s.load(ctx, req.ResourceType)
	if err != nil {
		return nil, err
	}
	match, err := newFilter(req)
	if err != nil {
		return nil, err
	}

	res := &job.SearchResult{}
	seen := 0
	for _, e := range entries {
		if !match(e) {
			continue
		}
		if seen < offset {
			seen++
			continue
		}
		if len(res.Records) == s.cfg.PageSize {
			res.ContinuationToken = strconv.Itoa(offset + len(res.Records))
			break
		}
		res.Records = append(res.Records, e.raw)
		res.SizeBytes += int64(len(e.raw))
	}
	return res, nil
}

// GetCount returns the number of resources updated within r.
func (s *Source) GetCount(ctx context.Context, resourceType string, r job.TimeRange) (int64, error) {
	entries, err := s.load(ctx, resourceType)
	if err != nil {
		return 0, err
	}
	var n int64
	for _, e := range entries {
		if r.Contains(e.lastUpdated) {
			n++
		}
	}
	return n, nil
}

// BoundaryTimestamp returns the earliest or latest lastUpdated within r.
func (s *Source) BoundaryTimestamp(ctx context.Context, resourceType string, r job.TimeRange, latest bool) (*time.Time, error) {
	entries, err := s.load(ctx, resourceType)
	if err != nil {
		return nil, err
	}
	var found *time.Time
	for _, e := range entries {
		if !r.Contains(e.lastUpdated) {
			continue
		}
		t := e.lastUpdated
		if !latest {
			return &t, nil
		}
		found = &t
	}
	return found, nil
}

// newFilter builds the record predicate of a search. Parameters other than
// _id match top-level string properties exactly.
func newFilter(req job.SearchRequest) (func(entry) bool, error) {
	params := make(map[string]string, len(req.Parameters))
	for k, v := range req.Parameters {
		if k == "_id" {
			if req.ResourceID != "" && req.ResourceID != v {
				return nil, fmt.Errorf("search: conflicting resource ids %q and %q", req.ResourceID, v)
			}
			req.ResourceID = v
			continue
		}
		params[k] = v
	}

	return func(e entry) bool {
		if !req.Range.Contains(e.lastUpdated) {
			return false
		}
		if req.ResourceID != "" && e.id != req.ResourceID {
			return false
		}
		if req.PatientID != "" && e.patient != req.PatientID {
			return false
		}
		if len(params) == 0 {
			return true
		}
		var top map[string]json.RawMessage
		if err := json.Unmarshal(e.raw, &top); err != nil {
			return false
		}
		for k, want := range params {
			var got string
			if err := json.Unmarshal(top[k], &got); err != nil || got != want {
				return false
			}
		}
		return true
	}, nil
}
