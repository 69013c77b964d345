package metastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/3leaps/lakeconnector/pkg/job"
)

// GetTrigger returns the current trigger of a queue.
func (s *Store) GetTrigger(ctx context.Context, queueType string) (*job.Trigger, error) {
	var (
		t      job.Trigger
		start  sql.NullString
		end    string
		status string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT queue_type, sequence_id, start_time, end_time, status, orchestrator_job_id, version
		FROM triggers WHERE queue_type = ?`, queueType).
		Scan(&t.QueueType, &t.SequenceID, &start, &end, &status, &t.OrchestratorJobID, &t.Version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("trigger for %s: %w", queueType, job.ErrNotFound)
		}
		return nil, fmt.Errorf("get trigger: %w", err)
	}
	t.StartTime = parseTimestamp(start)
	endTime, err := time.Parse(time.RFC3339Nano, end)
	if err != nil {
		return nil, fmt.Errorf("parse trigger end time: %w", err)
	}
	t.EndTime = endTime
	t.Status = job.TriggerStatus(status)
	return &t, nil
}

// TryAddTrigger inserts the first trigger of a queue.
func (s *Store) TryAddTrigger(ctx context.Context, t *job.Trigger) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO triggers (queue_type, sequence_id, start_time, end_time, status, orchestrator_job_id, version, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 1, ?)
		ON CONFLICT(queue_type) DO NOTHING`,
		t.QueueType, t.SequenceID, formatOptional(t.StartTime), t.EndTime.UTC().Format(time.RFC3339Nano),
		string(t.Status), t.OrchestratorJobID, s.timestamp())
	if err != nil {
		return false, fmt.Errorf("add trigger: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("add trigger: %w", err)
	}
	if n == 0 {
		return false, nil
	}
	t.Version = 1
	return true, nil
}

// TryUpdateTrigger replaces the trigger when t.Version still matches the
// stored row, advancing t.Version on success.
func (s *Store) TryUpdateTrigger(ctx context.Context, t *job.Trigger) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE triggers SET sequence_id = ?, start_time = ?, end_time = ?, status = ?,
			orchestrator_job_id = ?, version = version + 1, updated_at = ?
		WHERE queue_type = ? AND version = ?`,
		t.SequenceID, formatOptional(t.StartTime), t.EndTime.UTC().Format(time.RFC3339Nano), string(t.Status),
		t.OrchestratorJobID, s.timestamp(), t.QueueType, t.Version)
	if err != nil {
		return false, fmt.Errorf("update trigger: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update trigger: %w", err)
	}
	if n == 0 {
		return false, nil
	}
	t.Version++
	return true, nil
}

func formatOptional(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}
