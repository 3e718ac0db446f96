package models

import "time"

// QueueJob is a unit of sync work. Jobs for the same user run strictly
// in enqueue order (priority first); jobs for different users may run
// concurrently. A claimed job whose visibility deadline passes without
// completion returns to pending for re-claim.
type QueueJob struct {
	ID            int64      `json:"id"`
	UserID        int64      `json:"user_id"`
	EventID       *int64     `json:"event_id"` // nil for full-sync jobs
	Direction     string     `json:"direction"`
	Status        string     `json:"status"`
	Priority      int        `json:"priority"`
	RetryCount    int        `json:"retry_count"`
	MaxRetries    int        `json:"max_retries"`
	ScheduledFor  time.Time  `json:"scheduled_for"`
	ClaimedBy     string     `json:"claimed_by"`
	ClaimedUntil  *time.Time `json:"claimed_until"`
	LastAttemptAt *time.Time `json:"last_attempt_at"`
	LastError     *string    `json:"last_error"`
	Metadata      string     `json:"metadata"` // free-form JSON
	CreatedAt     time.Time  `json:"created_at"`
	ProcessedAt   *time.Time `json:"processed_at"`
}

// FullSync reports whether the job covers all events rather than one.
func (j *QueueJob) FullSync() bool {
	return j.EventID == nil
}
