package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ledgercal/internal/models"
)

const jobColumns = `id, user_id, event_id, direction, status, priority, retry_count, max_retries,
    scheduled_for, claimed_by, claimed_until, last_attempt_at, last_error, metadata, created_at, processed_at`

func scanJob(row interface{ Scan(...interface{}) error }) (*models.QueueJob, error) {
	var j models.QueueJob
	err := row.Scan(
		&j.ID, &j.UserID, &j.EventID, &j.Direction, &j.Status, &j.Priority, &j.RetryCount, &j.MaxRetries,
		&j.ScheduledFor, &j.ClaimedBy, &j.ClaimedUntil, &j.LastAttemptAt, &j.LastError, &j.Metadata,
		&j.CreatedAt, &j.ProcessedAt,
	)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// EnqueueJob persists a new pending job and fills in generated fields.
func (db *DB) EnqueueJob(ctx context.Context, job *models.QueueJob) error {
	if job.Status == "" {
		job.Status = models.JobStatusPending
	}
	if job.MaxRetries == 0 {
		job.MaxRetries = models.DefaultMaxRetries
	}
	if job.ScheduledFor.IsZero() {
		job.ScheduledFor = time.Now()
	}
	if job.Metadata == "" {
		job.Metadata = "{}"
	}

	now := time.Now()
	query := `INSERT INTO sync_jobs (user_id, event_id, direction, status, priority, retry_count, max_retries,
                scheduled_for, metadata, created_at)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	result, err := db.db.ExecContext(ctx, query,
		job.UserID, job.EventID, job.Direction, job.Status, job.Priority, job.RetryCount, job.MaxRetries,
		job.ScheduledFor, job.Metadata, now,
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	job.ID = id
	job.CreatedAt = now
	return nil
}

// ClaimNextJob atomically claims the next runnable job for a worker and
// moves it to processing with a visibility deadline. Jobs are ordered by
// priority, then enqueue order. A user with a job already in processing is
// skipped entirely, which gives strict FIFO per user. Returns nil when no
// job is runnable.
func (db *DB) ClaimNextJob(ctx context.Context, workerID string, visibility time.Duration) (*models.QueueJob, error) {
	now := time.Now()

	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim tx: %w", err)
	}
	defer tx.Rollback()

	var id int64
	err = tx.QueryRowContext(ctx, `
        SELECT j.id FROM sync_jobs j
        WHERE j.status = 'pending' AND j.scheduled_for <= ?
          AND NOT EXISTS (
              SELECT 1 FROM sync_jobs p
              WHERE p.user_id = j.user_id AND p.status = 'processing'
          )
        ORDER BY j.priority DESC, j.id ASC
        LIMIT 1`, now).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select claimable job: %w", err)
	}

	deadline := now.Add(visibility)
	result, err := tx.ExecContext(ctx, `
        UPDATE sync_jobs SET status = 'processing', claimed_by = ?, claimed_until = ?, last_attempt_at = ?
        WHERE id = ? AND status = 'pending'`, workerID, deadline, now, id)
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		// Lost the race to another worker; the caller just polls again.
		return nil, nil
	}

	job, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM sync_jobs WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("failed to load claimed job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}
	return job, nil
}

// CompleteJob marks a job done. Completed jobs are kept for a bounded
// period for debugging, then garbage-collected by DeleteOldJobs.
func (db *DB) CompleteJob(ctx context.Context, id int64) error {
	now := time.Now()
	_, err := db.db.ExecContext(ctx, `
        UPDATE sync_jobs SET status = 'completed', last_error = NULL, claimed_until = NULL, processed_at = ?
        WHERE id = ?`, now, id)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	return nil
}

// RescheduleJob returns a failed attempt to pending with a bumped retry
// count and a future run time.
func (db *DB) RescheduleJob(ctx context.Context, id int64, errMsg string, runAt time.Time) error {
	_, err := db.db.ExecContext(ctx, `
        UPDATE sync_jobs SET status = 'pending', retry_count = retry_count + 1, last_error = ?,
            scheduled_for = ?, claimed_by = '', claimed_until = NULL
        WHERE id = ?`, errMsg, runAt, id)
	if err != nil {
		return fmt.Errorf("failed to reschedule job: %w", err)
	}
	return nil
}

// MarkJobFailed dead-letters a job: terminal, no further automatic
// processing.
func (db *DB) MarkJobFailed(ctx context.Context, id int64, errMsg string) error {
	now := time.Now()
	_, err := db.db.ExecContext(ctx, `
        UPDATE sync_jobs SET status = 'failed', last_error = ?, claimed_until = NULL, processed_at = ?
        WHERE id = ?`, errMsg, now, id)
	if err != nil {
		return fmt.Errorf("failed to mark job failed: %w", err)
	}
	return nil
}

// ReapExpiredClaims returns processing jobs whose visibility deadline has
// passed (crashed worker) back to pending. Reports how many were reaped.
func (db *DB) ReapExpiredClaims(ctx context.Context) (int64, error) {
	result, err := db.db.ExecContext(ctx, `
        UPDATE sync_jobs SET status = 'pending', claimed_by = '', claimed_until = NULL
        WHERE status = 'processing' AND claimed_until IS NOT NULL AND claimed_until < ?`, time.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to reap expired claims: %w", err)
	}
	return result.RowsAffected()
}

// CancelPendingJobs drops all pending jobs of a user. Used when sync is
// disabled or the account disconnected; in-flight jobs notice at their next
// settings check instead.
func (db *DB) CancelPendingJobs(ctx context.Context, userID int64) (int64, error) {
	result, err := db.db.ExecContext(ctx,
		`DELETE FROM sync_jobs WHERE user_id = ? AND status = 'pending'`, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel pending jobs: %w", err)
	}
	return result.RowsAffected()
}

// DeleteOldJobs garbage-collects completed and failed jobs older than the
// retention window.
func (db *DB) DeleteOldJobs(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention)
	result, err := db.db.ExecContext(ctx, `
        DELETE FROM sync_jobs WHERE status IN ('completed', 'failed') AND processed_at IS NOT NULL AND processed_at < ?`,
		cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old jobs: %w", err)
	}
	return result.RowsAffected()
}

// GetJob returns a job by id, or ErrNotFound.
func (db *DB) GetJob(ctx context.Context, id int64) (*models.QueueJob, error) {
	job, err := scanJob(db.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM sync_jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// CountActiveJobs returns how many jobs of a user are still pending or
// processing. Used by the bounded full-sync wait and the status endpoint.
func (db *DB) CountActiveJobs(ctx context.Context, userID int64) (int, error) {
	var n int
	err := db.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_jobs WHERE user_id = ? AND status IN ('pending', 'processing')`,
		userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count active jobs: %w", err)
	}
	return n, nil
}

// ListDeadLetterJobs returns terminally failed jobs for inspection.
func (db *DB) ListDeadLetterJobs(ctx context.Context, userID int64) ([]models.QueueJob, error) {
	rows, err := db.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM sync_jobs WHERE user_id = ? AND status = 'failed' ORDER BY processed_at DESC`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead-letter jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.QueueJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}
