// Package lease provides time-bounded mutual exclusion over keys stored in
// the shared metadata database. A lease is held by whoever last acquired or
// renewed it before it expired.
package lease

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrLeaseLost is returned by Renew when the caller no longer holds the lease.
	ErrLeaseLost = errors.New("lease lost")

	// ErrLeaseHeld is returned by helpers that require a lease another holder owns.
	ErrLeaseHeld = errors.New("lease held by another owner")
)

// Coordinator acquires, renews and releases leases.
type Coordinator struct {
	db  *sql.DB
	now func() time.Time
	log *zap.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithLogger sets the logger used by renewal loops.
func WithLogger(log *zap.Logger) Option {
	return func(c *Coordinator) { c.log = log }
}

// New returns a Coordinator backed by db, creating the lease table if needed.
func New(ctx context.Context, db *sql.DB, opts ...Option) (*Coordinator, error) {
	if db == nil {
		return nil, errors.New("lease store connection is nil")
	}
	c := &Coordinator{db: db, now: time.Now, log: zap.NewNop()}
	for _, opt := range opts {
		opt(c)
	}
	if err := EnsureSchema(ctx, db); err != nil {
		return nil, err
	}
	return c, nil
}

// EnsureSchema creates the lease table.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS leases (
		resource_key TEXT PRIMARY KEY,
		lease_id TEXT NOT NULL,
		expires_at_ms INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL,
		acquired_at TEXT NOT NULL
	);`)
	if err != nil {
		return fmt.Errorf("init lease schema: %w", err)
	}
	return nil
}

// NewLeaseID returns a random lease id.
func NewLeaseID() string {
	return uuid.New().String()
}

// Acquire tries to take the lease on key for d. It returns ok=false without
// error when another unexpired lease is held. Acquiring with the id of the
// current holder extends the lease. An empty proposedID gets a random id.
func (c *Coordinator) Acquire(ctx context.Context, key, proposedID string, d time.Duration) (leaseID string, ok bool, err error) {
	if key == "" {
		return "", false, errors.New("lease key is required")
	}
	if d <= 0 {
		return "", false, fmt.Errorf("lease duration must be positive, got %s", d)
	}
	if proposedID == "" {
		proposedID = NewLeaseID()
	}

	now := c.now().UTC()
	res, err := c.db.ExecContext(ctx, `
		INSERT INTO leases (resource_key, lease_id, expires_at_ms, duration_ms, acquired_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(resource_key) DO UPDATE SET
			lease_id = excluded.lease_id,
			expires_at_ms = excluded.expires_at_ms,
			duration_ms = excluded.duration_ms,
			acquired_at = excluded.acquired_at
		WHERE leases.expires_at_ms <= ? OR leases.lease_id = excluded.lease_id`,
		key, proposedID, now.Add(d).UnixMilli(), d.Milliseconds(), now.Format(time.RFC3339Nano), now.UnixMilli())
	if err != nil {
		return "", false, fmt.Errorf("acquire lease %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", false, fmt.Errorf("acquire lease %s: %w", key, err)
	}
	if n == 0 {
		return "", false, nil
	}
	return proposedID, true, nil
}

// Renew extends a held lease by its original duration. It returns
// ErrLeaseLost when the lease expired or belongs to someone else; callers
// must then abandon the exclusive operation.
func (c *Coordinator) Renew(ctx context.Context, key, leaseID string) (string, error) {
	now := c.now().UTC()
	res, err := c.db.ExecContext(ctx, `
		UPDATE leases SET expires_at_ms = ? + duration_ms
		WHERE resource_key = ? AND lease_id = ? AND expires_at_ms > ?`,
		now.UnixMilli(), key, leaseID, now.UnixMilli())
	if err != nil {
		return "", fmt.Errorf("renew lease %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("renew lease %s: %w", key, err)
	}
	if n == 0 {
		return "", fmt.Errorf("%w: %s", ErrLeaseLost, key)
	}
	return leaseID, nil
}

// Release gives up a held lease. Releasing an expired or foreign lease
// returns false.
func (c *Coordinator) Release(ctx context.Context, key, leaseID string) (bool, error) {
	now := c.now().UTC()
	res, err := c.db.ExecContext(ctx, `
		DELETE FROM leases WHERE resource_key = ? AND lease_id = ? AND expires_at_ms > ?`,
		key, leaseID, now.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("release lease %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("release lease %s: %w", key, err)
	}
	return n > 0, nil
}

// Holder describes the current state of a lease key.
type Holder struct {
	Key       string
	LeaseID   string
	ExpiresAt time.Time
}

// Get returns the current holder of key, or nil when the key is free.
func (c *Coordinator) Get(ctx context.Context, key string) (*Holder, error) {
	var h Holder
	var expiresMS int64
	err := c.db.QueryRowContext(ctx, `SELECT resource_key, lease_id, expires_at_ms FROM leases WHERE resource_key = ?`, key).
		Scan(&h.Key, &h.LeaseID, &expiresMS)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get lease %s: %w", key, err)
	}
	h.ExpiresAt = time.UnixMilli(expiresMS).UTC()
	if !h.ExpiresAt.After(c.now()) {
		return nil, nil
	}
	return &h, nil
}
