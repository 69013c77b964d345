package metastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/lakeconnector/pkg/job"
	"github.com/3leaps/lakeconnector/pkg/jobidentity"
	"github.com/3leaps/lakeconnector/pkg/lease"
)

const jobColumns = `id, queue_type, group_id, definition, identifier, status, result, error,
	cancel_requested, lease_id, lease_expires_at_ms, dequeue_count, not_before_ms, created_at, started_at, ended_at`

type rowScanner interface {
	Scan(dest ...any) error
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func scanJob(row rowScanner) (*job.Info, error) {
	var (
		info                          job.Info
		status                        string
		result, errText, leaseID      sql.NullString
		createdAt, startedAt, endedAt sql.NullString
		leaseExpiresMS, notBeforeMS   sql.NullInt64
		cancelRequested               int
	)
	err := row.Scan(&info.ID, &info.QueueType, &info.GroupID, &info.Definition, &info.Identifier, &status,
		&result, &errText, &cancelRequested, &leaseID, &leaseExpiresMS, &info.DequeueCount, &notBeforeMS,
		&createdAt, &startedAt, &endedAt)
	if err != nil {
		return nil, err
	}
	info.Status = job.Status(status)
	info.Result = result.String
	info.Error = errText.String
	info.CancelRequested = cancelRequested != 0
	info.LeaseID = leaseID.String
	if leaseExpiresMS.Valid {
		t := time.UnixMilli(leaseExpiresMS.Int64).UTC()
		info.LeaseExpiresAt = &t
	}
	if notBeforeMS.Valid {
		t := time.UnixMilli(notBeforeMS.Int64).UTC()
		info.NotBefore = &t
	}
	if t := parseTimestamp(createdAt); t != nil {
		info.CreatedAt = *t
	}
	info.StartedAt = parseTimestamp(startedAt)
	info.EndedAt = parseTimestamp(endedAt)
	return &info, nil
}

func getJob(ctx context.Context, q queryer, queueType string, id int64) (*job.Info, error) {
	info, err := scanJob(q.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE queue_type = ? AND id = ?`, queueType, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("job %d in queue %s: %w", id, queueType, job.ErrNotFound)
		}
		return nil, fmt.Errorf("get job %d: %w", id, err)
	}
	return info, nil
}

// Enqueue inserts each definition unless a job with the same identifier is
// already queued, in which case the existing job is returned in its place.
// A groupID <= 0 starts a new group keyed by the first inserted job id.
func (s *Store) Enqueue(ctx context.Context, queueType string, groupID int64, definitions ...string) ([]*job.Info, error) {
	if queueType == "" {
		return nil, errors.New("queue type is required")
	}

	out := make([]*job.Info, 0, len(definitions))
	var inserted []*job.Info
	err := s.writeTx(ctx, "enqueue", func(tx execQueryer) error {
		now := s.timestamp()
		for _, def := range definitions {
			id := jobidentity.ComputeIdentifier(def)
			if id.Degraded {
				s.metrics.RecordIdentifierDegraded()
				s.log.Warn("job identifier degraded to raw definition hash",
					zap.String("queue_type", queueType),
					zap.String("identifier", id.Value),
					zap.Error(id.Reason))
			}

			var existing int64
			err := tx.QueryRowContext(ctx, `SELECT job_id FROM job_locks WHERE queue_type = ? AND identifier = ?`,
				queueType, id.Value).Scan(&existing)
			switch {
			case err == nil:
				info, err := getJob(ctx, tx, queueType, existing)
				if err != nil {
					return err
				}
				out = append(out, info)
				continue
			case !errors.Is(err, sql.ErrNoRows):
				return fmt.Errorf("lookup job lock: %w", err)
			}

			res, err := tx.ExecContext(ctx, `
				INSERT INTO jobs (queue_type, group_id, definition, identifier, status, created_at)
				VALUES (?, ?, ?, ?, ?, ?)`,
				queueType, groupID, def, id.Value, string(job.StatusCreated), now)
			if err != nil {
				return fmt.Errorf("insert job: %w", err)
			}
			jobID, err := res.LastInsertId()
			if err != nil {
				return fmt.Errorf("insert job: %w", err)
			}
			if groupID <= 0 {
				groupID = jobID
				if _, err := tx.ExecContext(ctx, `UPDATE jobs SET group_id = ? WHERE id = ?`, groupID, jobID); err != nil {
					return fmt.Errorf("assign job group: %w", err)
				}
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO job_locks (queue_type, identifier, job_id) VALUES (?, ?, ?)`,
				queueType, id.Value, jobID); err != nil {
				return fmt.Errorf("insert job lock: %w", err)
			}

			info, err := getJob(ctx, tx, queueType, jobID)
			if err != nil {
				return err
			}
			out = append(out, info)
			inserted = append(inserted, info)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, info := range inserted {
		jobType, _ := job.ProbeType(info.Definition)
		s.metrics.RecordEnqueue(queueType, string(jobType))
	}
	return out, nil
}

// Dequeue leases the oldest created job past its NotBefore time, or a
// running job whose lease expired. Expired jobs with a pending cancellation
// are closed instead.
func (s *Store) Dequeue(ctx context.Context, queueType, worker string, leaseDuration time.Duration) (*job.Info, error) {
	if leaseDuration <= 0 {
		return nil, fmt.Errorf("lease duration must be positive, got %s", leaseDuration)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin dequeue tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now().UTC()
	nowMS := now.UnixMilli()
	stamp := now.Format(time.RFC3339Nano)

	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs SET status = ?, ended_at = ?, lease_id = NULL, lease_expires_at_ms = NULL
		WHERE queue_type = ? AND status = ? AND cancel_requested = 1 AND lease_expires_at_ms <= ?`,
		string(job.StatusCancelled), stamp, queueType, string(job.StatusRunning), nowMS); err != nil {
		return nil, fmt.Errorf("close cancelled jobs: %w", err)
	}

	var id int64
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM jobs
		WHERE queue_type = ?
			AND ((status = ? AND (not_before_ms IS NULL OR not_before_ms <= ?))
				OR (status = ? AND lease_expires_at_ms <= ?))
		ORDER BY id LIMIT 1`,
		queueType, string(job.StatusCreated), nowMS, string(job.StatusRunning), nowMS).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			if err := tx.Commit(); err != nil {
				return nil, fmt.Errorf("commit dequeue tx: %w", err)
			}
			return nil, nil
		}
		return nil, fmt.Errorf("select available job: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs SET status = ?, worker = ?, lease_id = ?, lease_expires_at_ms = ?, lease_duration_ms = ?,
			not_before_ms = NULL, dequeue_count = dequeue_count + 1, started_at = COALESCE(started_at, ?)
		WHERE id = ?`,
		string(job.StatusRunning), worker, lease.NewLeaseID(), now.Add(leaseDuration).UnixMilli(), leaseDuration.Milliseconds(), stamp, id); err != nil {
		return nil, fmt.Errorf("lease job %d: %w", id, err)
	}

	info, err := getJob(ctx, tx, queueType, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit dequeue tx: %w", err)
	}

	jobType, _ := job.ProbeType(info.Definition)
	s.metrics.RecordDequeue(queueType, string(jobType))
	return info, nil
}

// Heartbeat extends the job lease by its original duration.
func (s *Store) Heartbeat(ctx context.Context, id int64, leaseID string) (bool, error) {
	nowMS := s.now().UTC().UnixMilli()
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET lease_expires_at_ms = ? + lease_duration_ms
		WHERE id = ? AND lease_id = ? AND status = ? AND lease_expires_at_ms > ?`,
		nowMS, id, leaseID, string(job.StatusRunning), nowMS)
	if err != nil {
		return false, fmt.Errorf("heartbeat job %d: %w", id, err)
	}
	if err := requireRow(res, fmt.Errorf("job %d: %w", id, job.ErrLeaseLost)); err != nil {
		return false, err
	}

	var cancelRequested int
	if err := s.db.QueryRowContext(ctx, `SELECT cancel_requested FROM jobs WHERE id = ?`, id).Scan(&cancelRequested); err != nil {
		return false, fmt.Errorf("heartbeat job %d: %w", id, err)
	}
	return cancelRequested != 0, nil
}

// Complete records the outcome of a leased job. A success on a job whose
// cancellation was requested is recorded as cancelled.
func (s *Store) Complete(ctx context.Context, id int64, leaseID string, outcome job.Outcome) error {
	status := outcome.Status
	if !status.Terminal() {
		return fmt.Errorf("complete job %d: status %q is not terminal", id, status)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET
			status = CASE WHEN ? <> ? AND cancel_requested = 1 THEN ? ELSE ? END,
			result = ?, error = ?, ended_at = ?,
			lease_id = NULL, lease_expires_at_ms = NULL
		WHERE id = ? AND lease_id = ? AND status = ?`,
		string(status), string(job.StatusFailed), string(job.StatusCancelled), string(status),
		outcome.Result, outcome.Error, s.timestamp(),
		id, leaseID, string(job.StatusRunning))
	if err != nil {
		return fmt.Errorf("complete job %d: %w", id, err)
	}
	return requireRow(res, fmt.Errorf("job %d: %w", id, job.ErrLeaseLost))
}

// Abandon returns a leased job to the queue. It is redelivered no earlier
// than retryAfter from now.
func (s *Store) Abandon(ctx context.Context, id int64, leaseID string, retryAfter time.Duration) error {
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET
			status = CASE WHEN cancel_requested = 1 THEN ? ELSE ? END,
			ended_at = CASE WHEN cancel_requested = 1 THEN ? ELSE NULL END,
			worker = NULL, lease_id = NULL, lease_expires_at_ms = NULL, not_before_ms = ?
		WHERE id = ? AND lease_id = ? AND status = ?`,
		string(job.StatusCancelled), string(job.StatusCreated), now.Format(time.RFC3339Nano),
		now.Add(max(retryAfter, 0)).UnixMilli(),
		id, leaseID, string(job.StatusRunning))
	if err != nil {
		return fmt.Errorf("abandon job %d: %w", id, err)
	}
	return requireRow(res, fmt.Errorf("job %d: %w", id, job.ErrLeaseLost))
}

func (s *Store) GetByID(ctx context.Context, queueType string, id int64) (*job.Info, error) {
	return getJob(ctx, s.db, queueType, id)
}

// ListGroup returns the jobs of a group ordered by id.
func (s *Store) ListGroup(ctx context.Context, queueType string, groupID int64) ([]*job.Info, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE queue_type = ? AND group_id = ? ORDER BY id`,
		queueType, groupID)
	if err != nil {
		return nil, fmt.Errorf("list group %d: %w", groupID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*job.Info
	for rows.Next() {
		info, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

// Cancel flags every non-terminal job of a group. Jobs not yet leased are
// cancelled immediately; running jobs observe the flag on their next heartbeat.
func (s *Store) Cancel(ctx context.Context, queueType string, groupID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin cancel tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs SET cancel_requested = 1
		WHERE queue_type = ? AND group_id = ? AND status IN (?, ?)`,
		queueType, groupID, string(job.StatusCreated), string(job.StatusRunning)); err != nil {
		return fmt.Errorf("cancel group %d: %w", groupID, err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs SET status = ?, ended_at = ?
		WHERE queue_type = ? AND group_id = ? AND status = ?`,
		string(job.StatusCancelled), s.timestamp(), queueType, groupID, string(job.StatusCreated)); err != nil {
		return fmt.Errorf("cancel group %d: %w", groupID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit cancel tx: %w", err)
	}
	return nil
}

func requireRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}
