package metastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/3leaps/lakeconnector/pkg/job"
)

// GetWatermark loads the persisted status of one orchestrator job.
func (s *Store) GetWatermark(ctx context.Context, key job.WatermarkKey) (*job.Watermark, error) {
	var (
		raw     string
		version int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT status, version FROM orchestrator_status
		WHERE queue_type = ? AND group_id = ? AND job_id = ?`,
		key.QueueType, key.GroupID, key.JobID).Scan(&raw, &version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("watermark %s/%d/%d: %w", key.QueueType, key.GroupID, key.JobID, job.ErrNotFound)
		}
		return nil, fmt.Errorf("get watermark: %w", err)
	}

	status, err := job.DecodeOrchestratorStatus(raw)
	if err != nil {
		return nil, err
	}
	return &job.Watermark{WatermarkKey: key, Status: status, Version: version}, nil
}

// TryAddWatermark inserts the status row if it does not exist yet.
func (s *Store) TryAddWatermark(ctx context.Context, w *job.Watermark) (bool, error) {
	raw, err := encodeStatus(w)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO orchestrator_status (queue_type, group_id, job_id, status, version, updated_at)
		VALUES (?, ?, ?, ?, 1, ?)
		ON CONFLICT(queue_type, group_id, job_id) DO NOTHING`,
		w.QueueType, w.GroupID, w.JobID, raw, s.timestamp())
	if err != nil {
		return false, fmt.Errorf("add watermark: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("add watermark: %w", err)
	}
	if n == 0 {
		return false, nil
	}
	w.Version = 1
	return true, nil
}

// SetWatermark replaces the status row if its version still matches.
func (s *Store) SetWatermark(ctx context.Context, w *job.Watermark) error {
	raw, err := encodeStatus(w)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE orchestrator_status SET status = ?, version = version + 1, updated_at = ?
		WHERE queue_type = ? AND group_id = ? AND job_id = ? AND version = ?`,
		raw, s.timestamp(), w.QueueType, w.GroupID, w.JobID, w.Version)
	if err != nil {
		return fmt.Errorf("set watermark: %w", err)
	}
	if err := requireRow(res, fmt.Errorf("watermark %s/%d/%d version %d: %w", w.QueueType, w.GroupID, w.JobID, w.Version, job.ErrConflict)); err != nil {
		return err
	}
	w.Version++
	return nil
}

func encodeStatus(w *job.Watermark) (string, error) {
	if w == nil || w.Status == nil {
		return "", errors.New("watermark status is required")
	}
	return w.Status.Encode()
}

// GetPatientVersions returns the last processed version per patient hash.
// Unknown patients are absent from the result.
func (s *Store) GetPatientVersions(ctx context.Context, queueType string, patientHashes []string) (map[string]int64, error) {
	out := make(map[string]int64, len(patientHashes))
	const chunk = 500
	for start := 0; start < len(patientHashes); start += chunk {
		end := min(start+chunk, len(patientHashes))
		batch := patientHashes[start:end]

		args := make([]any, 0, len(batch)+1)
		args = append(args, queueType)
		for _, h := range batch {
			args = append(args, h)
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(batch)), ",")

		rows, err := s.db.QueryContext(ctx, `
			SELECT patient_hash, version FROM patient_versions
			WHERE queue_type = ? AND patient_hash IN (`+placeholders+`)`, args...)
		if err != nil {
			return nil, fmt.Errorf("get patient versions: %w", err)
		}
		for rows.Next() {
			var (
				hash    string
				version int64
			)
			if err := rows.Scan(&hash, &version); err != nil {
				_ = rows.Close()
				return nil, fmt.Errorf("scan patient version: %w", err)
			}
			out[hash] = version
		}
		err = rows.Err()
		_ = rows.Close()
		if err != nil {
			return nil, fmt.Errorf("get patient versions: %w", err)
		}
	}
	return out, nil
}

// UpdatePatientVersions upserts processed patient versions in one transaction.
func (s *Store) UpdatePatientVersions(ctx context.Context, queueType string, versions map[string]int64) error {
	if len(versions) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin patient version tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO patient_versions (queue_type, patient_hash, version) VALUES (?, ?, ?)
		ON CONFLICT(queue_type, patient_hash) DO UPDATE SET version = excluded.version`)
	if err != nil {
		return fmt.Errorf("prepare patient version upsert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for hash, version := range versions {
		if _, err := stmt.ExecContext(ctx, queueType, hash, version); err != nil {
			return fmt.Errorf("upsert patient version: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit patient version tx: %w", err)
	}
	return nil
}
