package database

import (
	"context"
	"testing"
	"time"

	"ledgercal/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func enqueueTestJob(t *testing.T, db *DB, userID int64, eventID *int64, priority int) *models.QueueJob {
	t.Helper()
	job := &models.QueueJob{
		UserID:    userID,
		EventID:   eventID,
		Direction: models.DirectionToExternal,
		Priority:  priority,
	}
	require.NoError(t, db.EnqueueJob(context.Background(), job))
	return job
}

func TestQueueEnqueueClaimComplete(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	eventID := int64(100)
	job := enqueueTestJob(t, db, 1, &eventID, models.PriorityNormal)
	assert.Equal(t, models.JobStatusPending, job.Status)
	assert.Equal(t, models.DefaultMaxRetries, job.MaxRetries)

	claimed, err := db.ClaimNextJob(ctx, "worker-1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, job.ID, claimed.ID)
	assert.Equal(t, models.JobStatusProcessing, claimed.Status)
	assert.Equal(t, "worker-1", claimed.ClaimedBy)
	require.NotNil(t, claimed.ClaimedUntil)
	assert.True(t, claimed.ClaimedUntil.After(time.Now()))

	// Nothing else to claim.
	next, err := db.ClaimNextJob(ctx, "worker-2", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, next)

	require.NoError(t, db.CompleteJob(ctx, claimed.ID))
	done, err := db.GetJob(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, done.Status)
	assert.NotNil(t, done.ProcessedAt)
}

func TestQueueFIFOPerUser(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	e1, e2, e3 := int64(1), int64(2), int64(3)
	first := enqueueTestJob(t, db, 1, &e1, models.PriorityNormal)
	second := enqueueTestJob(t, db, 1, &e2, models.PriorityNormal)
	other := enqueueTestJob(t, db, 2, &e3, models.PriorityNormal)

	claimed, err := db.ClaimNextJob(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, first.ID, claimed.ID)

	// User 1 has a job in flight, so the second claim must skip to user 2.
	claimed2, err := db.ClaimNextJob(ctx, "w2", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed2)
	assert.Equal(t, other.ID, claimed2.ID)

	// No runnable job remains while both users are busy.
	claimed3, err := db.ClaimNextJob(ctx, "w3", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, claimed3)

	// Completing user 1's job unblocks the next one, in enqueue order.
	require.NoError(t, db.CompleteJob(ctx, claimed.ID))
	claimed4, err := db.ClaimNextJob(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed4)
	assert.Equal(t, second.ID, claimed4.ID)
}

func TestQueuePriorityPreemption(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	e1, e2 := int64(1), int64(2)
	enqueueTestJob(t, db, 1, &e1, models.PriorityNormal)
	manual := enqueueTestJob(t, db, 1, &e2, models.PriorityManual)

	claimed, err := db.ClaimNextJob(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, manual.ID, claimed.ID, "manual sync preempts queued work")
}

func TestQueueScheduledForFuture(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	job := &models.QueueJob{
		UserID:       1,
		Direction:    models.DirectionFromExternal,
		ScheduledFor: time.Now().Add(time.Hour),
	}
	require.NoError(t, db.EnqueueJob(ctx, job))

	claimed, err := db.ClaimNextJob(ctx, "w1", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, claimed, "future-scheduled job must not be claimable")
}

func TestQueueRescheduleAndFail(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	e := int64(5)
	job := enqueueTestJob(t, db, 1, &e, models.PriorityNormal)

	claimed, err := db.ClaimNextJob(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	require.NoError(t, db.RescheduleJob(ctx, claimed.ID, "boom", time.Now().Add(-time.Second)))
	retried, err := db.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, retried.Status)
	assert.Equal(t, 1, retried.RetryCount)
	require.NotNil(t, retried.LastError)
	assert.Equal(t, "boom", *retried.LastError)

	// Re-claim and dead-letter.
	claimed, err = db.ClaimNextJob(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.NoError(t, db.MarkJobFailed(ctx, claimed.ID, "fatal"))

	dead, err := db.ListDeadLetterJobs(ctx, 1)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, job.ID, dead[0].ID)

	// Terminal jobs are never claimable again.
	claimed, err = db.ClaimNextJob(ctx, "w1", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

func TestQueueVisibilityTimeoutReap(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	e := int64(9)
	job := enqueueTestJob(t, db, 1, &e, models.PriorityNormal)

	claimed, err := db.ClaimNextJob(ctx, "w1", -time.Second) // already expired
	require.NoError(t, err)
	require.NotNil(t, claimed)

	reaped, err := db.ReapExpiredClaims(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), reaped)

	// Job is pending again and re-claimable by another worker.
	reclaimed, err := db.ClaimNextJob(ctx, "w2", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, reclaimed)
	assert.Equal(t, job.ID, reclaimed.ID)
	assert.Equal(t, "w2", reclaimed.ClaimedBy)
}

func TestQueueCancelPendingJobs(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	e1, e2 := int64(1), int64(2)
	enqueueTestJob(t, db, 1, &e1, models.PriorityNormal)
	enqueueTestJob(t, db, 1, &e2, models.PriorityNormal)
	enqueueTestJob(t, db, 2, &e1, models.PriorityNormal)

	n, err := db.CancelPendingJobs(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	active, err := db.CountActiveJobs(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, active)

	// Other users keep their work.
	active, err = db.CountActiveJobs(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, active)
}

func TestQueueDeleteOldJobs(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	e := int64(1)
	job := enqueueTestJob(t, db, 1, &e, models.PriorityNormal)
	claimed, err := db.ClaimNextJob(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, db.CompleteJob(ctx, claimed.ID))

	// Backdate processed_at past the retention window.
	_, err = db.ExecContext(ctx, `UPDATE sync_jobs SET processed_at = ? WHERE id = ?`,
		time.Now().Add(-48*time.Hour), job.ID)
	require.NoError(t, err)

	deleted, err := db.DeleteOldJobs(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, err = db.GetJob(ctx, job.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}
