// Package postgres holds the execution journal: an append-only audit trail
// of attempt outcomes. The journal is best-effort; orchestration correctness
// never depends on it.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/imaginary-cherry/mageflow/internal/domain"
)

// ExecutionJournal records and queries attempt outcomes.
type ExecutionJournal interface {
	RecordAttempt(ctx context.Context, rec *domain.AttemptRecord) error
	ListAttempts(ctx context.Context, signatureKey string, limit int) ([]*domain.AttemptRecord, error)
}

type journal struct {
	pool *pgxpool.Pool
}

// NewJournal wraps a pgxpool with the ExecutionJournal interface.
func NewJournal(pool *pgxpool.Pool) ExecutionJournal {
	return &journal{pool: pool}
}

// NewPool creates a pgxpool and verifies connectivity.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return pool, nil
}

func (j *journal) RecordAttempt(ctx context.Context, rec *domain.AttemptRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.ExecutedAt.IsZero() {
		rec.ExecutedAt = time.Now().UTC()
	}
	_, err := j.pool.Exec(ctx, `
		INSERT INTO signature_attempts
			(id, signature_key, task_name, worker_task_id, attempt, status, duration_ms, error, executed_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		rec.ID, rec.SignatureKey, rec.TaskName, rec.WorkerTaskID,
		rec.Attempt, string(rec.Status), rec.DurationMs, rec.Error, rec.ExecutedAt,
	)
	if err != nil {
		return fmt.Errorf("record attempt for %s: %w", rec.SignatureKey, err)
	}
	return nil
}

func (j *journal) ListAttempts(ctx context.Context, signatureKey string, limit int) ([]*domain.AttemptRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.pool.Query(ctx, `
		SELECT id, signature_key, task_name, worker_task_id, attempt, status, duration_ms, error, executed_at
		FROM signature_attempts
		WHERE signature_key = $1
		ORDER BY executed_at DESC
		LIMIT $2
	`, signatureKey, limit)
	if err != nil {
		return nil, fmt.Errorf("list attempts for %s: %w", signatureKey, err)
	}
	defer rows.Close()

	var recs []*domain.AttemptRecord
	for rows.Next() {
		var rec domain.AttemptRecord
		var statusStr string
		if err := rows.Scan(
			&rec.ID, &rec.SignatureKey, &rec.TaskName, &rec.WorkerTaskID,
			&rec.Attempt, &statusStr, &rec.DurationMs, &rec.Error, &rec.ExecutedAt,
		); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		rec.Status = domain.Status(statusStr)
		recs = append(recs, &rec)
	}
	return recs, rows.Err()
}
