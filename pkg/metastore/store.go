// Package metastore is the SQLite/libsql-backed implementation of the job
// queue, the orchestrator metadata store and the trigger store. It also hosts
// the lease table used by the lease coordinator, so a single database file
// (or libsql URL) carries all shared mutable state of a deployment.
package metastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/lakeconnector/pkg/job"
	"github.com/3leaps/lakeconnector/pkg/metrics"
)

var (
	_ job.Queue         = (*Store)(nil)
	_ job.MetadataStore = (*Store)(nil)
	_ job.TriggerStore  = (*Store)(nil)
)

// Store implements job.Queue, job.MetadataStore and job.TriggerStore.
type Store struct {
	db      *sql.DB
	now     func() time.Time
	log     *zap.Logger
	metrics *metrics.Collector
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for leases and timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithLogger(log *zap.Logger) Option {
	return func(s *Store) {
		if log != nil {
			s.log = log
		}
	}
}

func WithMetrics(c *metrics.Collector) Option {
	return func(s *Store) { s.metrics = c }
}

// Open opens the database described by cfg and migrates it.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Store, error) {
	db, err := OpenDB(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s, err := New(ctx, db, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an open database and migrates it.
func New(ctx context.Context, db *sql.DB, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, errors.New("metastore connection is nil")
	}
	s := &Store{db: db, now: time.Now, log: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	if err := Migrate(ctx, db); err != nil {
		return nil, err
	}
	return s, nil
}

// DB returns the underlying connection, shared with the lease coordinator.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

type execQueryer interface {
	queryer
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// writeTx runs fn inside BEGIN IMMEDIATE. Read-then-write transactions must
// hold the write lock from the start: a deferred transaction whose snapshot
// went stale under another handle fails its upgrade without waiting on
// busy_timeout.
func (s *Store) writeTx(ctx context.Context, name string, fn func(q execQueryer) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("begin %s tx: %w", name, err)
	}
	defer func() { _ = conn.Close() }()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return fmt.Errorf("begin %s tx: %w", name, err)
	}
	if err := fn(conn); err != nil {
		_, _ = conn.ExecContext(context.WithoutCancel(ctx), "ROLLBACK")
		return err
	}
	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		_, _ = conn.ExecContext(context.WithoutCancel(ctx), "ROLLBACK")
		return fmt.Errorf("commit %s tx: %w", name, err)
	}
	return nil
}

func (s *Store) timestamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

func parseTimestamp(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return nil
	}
	return &t
}
