package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"ledgercal/internal/audit"
	"ledgercal/internal/calendar"
	"ledgercal/internal/config"
	"ledgercal/internal/database"
	"ledgercal/internal/events"
	"ledgercal/internal/metrics"
	"ledgercal/internal/models"
	"ledgercal/internal/queue"
)

// rateLimitGraceFactor widens the retry ceiling for rate-limited
// failures: being throttled is the provider's state, not the job's.
const rateLimitGraceFactor = 3

// TokenRefresher renews a user's OAuth token. A failed renewal must leave
// the stored credential invalidated so callers see a reconnect-required
// state on the next attempt.
type TokenRefresher interface {
	Refresh(ctx context.Context, userID int64) (*oauth2.Token, error)
}

// SyncWorker drains the sync job queue with a pool of goroutines. One job
// per user runs at a time (enforced by the claim query); claims carry a
// visibility timeout so a crashed worker's jobs return to the queue.
type SyncWorker struct {
	db     *database.DB
	cal    calendar.Client
	tokens TokenRefresher
	queue  *queue.Service
	bus    *events.EventBus
	retry  RetryPolicy
	logger zerolog.Logger

	workers      int
	pollInterval time.Duration
	visibility   time.Duration
	fullSyncWait time.Duration

	wg sync.WaitGroup
}

func NewSyncWorker(db *database.DB, cal calendar.Client, tokens TokenRefresher, q *queue.Service, bus *events.EventBus, cfg config.SyncConfig, logger *zerolog.Logger) *SyncWorker {
	return &SyncWorker{
		db:     db,
		cal:    cal,
		tokens: tokens,
		queue:  q,
		bus:    bus,
		retry: RetryPolicy{
			MaxRetries:    cfg.MaxRetries,
			InitialDelay:  cfg.InitialRetryDelay,
			MaxDelay:      cfg.MaxRetryDelay,
			BackoffFactor: 2,
		},
		logger:       logger.With().Str("component", "sync_worker").Logger(),
		workers:      cfg.Workers,
		pollInterval: cfg.PollInterval,
		visibility:   cfg.VisibilityTimeout,
		fullSyncWait: cfg.FullSyncWait,
	}
}

// Start launches the worker pool. Workers stop when ctx is cancelled;
// Wait blocks until all of them have exited.
func (w *SyncWorker) Start(ctx context.Context) {
	for i := 0; i < w.workers; i++ {
		w.wg.Add(1)
		go func(id int) {
			defer w.wg.Done()
			w.run(ctx, fmt.Sprintf("worker-%d", id))
		}(i)
	}
	w.logger.Info().Int("workers", w.workers).Msg("sync worker pool started")
}

func (w *SyncWorker) Wait() {
	w.wg.Wait()
}

func (w *SyncWorker) run(ctx context.Context, workerID string) {
	logger := w.logger.With().Str("worker_id", workerID).Logger()
	for {
		if ctx.Err() != nil {
			return
		}

		if reaped, err := w.db.ReapExpiredClaims(ctx); err != nil {
			logger.Error().Err(err).Msg("failed to reap expired claims")
		} else if reaped > 0 {
			logger.Warn().Int64("count", reaped).Msg("returned expired claims to the queue")
		}

		job, err := w.db.ClaimNextJob(ctx, workerID, w.visibility)
		if err != nil {
			logger.Error().Err(err).Msg("failed to claim job")
			w.queue.WaitForWork(ctx, w.pollInterval)
			continue
		}
		if job == nil {
			w.queue.WaitForWork(ctx, w.pollInterval)
			continue
		}

		w.process(ctx, &logger, job)
	}
}

// process runs one claimed job end to end, including the error-class
// recovery paths.
func (w *SyncWorker) process(ctx context.Context, logger *zerolog.Logger, job *models.QueueJob) {
	log := logger.With().Int64("job_id", job.ID).Int64("user_id", job.UserID).Str("direction", job.Direction).Logger()

	settings, err := w.db.GetSyncSettings(ctx, job.UserID)
	if err != nil {
		w.handleFailure(ctx, &log, job, settings, fmt.Errorf("load settings: %w", err))
		return
	}

	// Jobs enqueued before the user disabled sync or revoked consent are
	// dropped on claim, without touching the calendar.
	if !settings.Enabled || !settings.ConsentGiven {
		log.Info().Msg("sync disabled for user, dropping job")
		if err := w.db.CompleteJob(ctx, job.ID); err != nil {
			log.Error().Err(err).Msg("failed to complete dropped job")
		}
		metrics.IncJob("cancelled")
		return
	}

	// Same for jobs whose side the user has since excluded, for example an
	// inbound job left over from before a switch to outbound-only.
	if !directionAllowed(settings.Direction, job.Direction) {
		log.Info().Str("configured", settings.Direction).Msg("job direction excluded by settings, dropping job")
		if err := w.db.CompleteJob(ctx, job.ID); err != nil {
			log.Error().Err(err).Msg("failed to complete dropped job")
		}
		metrics.IncJob("cancelled")
		return
	}

	err = w.dispatch(ctx, &log, settings, job)
	if err == nil {
		if err := w.db.CompleteJob(ctx, job.ID); err != nil {
			log.Error().Err(err).Msg("failed to mark job completed")
		}
		metrics.IncJob("completed")
		return
	}
	if ctx.Err() != nil {
		// Shutdown mid-job: leave the claim to expire and be re-claimed.
		return
	}
	w.handleFailure(ctx, &log, job, settings, err)
}

func (w *SyncWorker) dispatch(ctx context.Context, log *zerolog.Logger, settings *models.SyncSettings, job *models.QueueJob) error {
	switch {
	case job.FullSync() && job.Direction == models.DirectionToExternal:
		return w.expandFullSync(ctx, log, settings, job)
	case job.Direction == models.DirectionToExternal:
		return w.syncEventToExternal(ctx, log, settings, job)
	case job.Direction == models.DirectionFromExternal:
		if job.FullSync() {
			return w.applyExternalChanges(ctx, log, settings, job)
		}
		return w.syncEventFromExternal(ctx, log, settings, job)
	default:
		return fmt.Errorf("job %d has unknown direction %q", job.ID, job.Direction)
	}
}

// handleFailure routes a processing error by its class: backoff retry,
// rate-limit wait, one-shot token refresh, sync-token reset, or terminal
// failure with a dead-letter copy.
func (w *SyncWorker) handleFailure(ctx context.Context, log *zerolog.Logger, job *models.QueueJob, settings *models.SyncSettings, procErr error) {
	class := calendar.ClassOf(procErr)
	attempt := job.RetryCount + 1

	if job.EventID != nil {
		w.recordMappingError(ctx, log, job, procErr)
	}

	switch class {
	case calendar.ClassAuth:
		if _, err := w.tokens.Refresh(ctx, job.UserID); err == nil {
			log.Info().Msg("token refreshed after auth failure, retrying job")
			w.rescheduleOrFail(ctx, log, job, procErr, time.Now())
			return
		}
		// Refresh failed: the credential store has already invalidated the
		// token. Flag the user for reconnect and stop retrying.
		if settings != nil {
			settings.ReconnectRequired = true
			settings.LastError = procErr.Error()
			if err := w.db.SaveSyncSettings(ctx, settings); err != nil {
				log.Error().Err(err).Msg("failed to flag reconnect required")
			}
		}
		w.failJob(ctx, log, job, procErr)

	case calendar.ClassRateLimited:
		delay := w.retry.NextDelayJittered(attempt)
		if ra := calendar.RetryAfterOf(procErr); ra > delay {
			delay = ra
		}
		if attempt > w.ceiling(job)*rateLimitGraceFactor {
			w.failJob(ctx, log, job, procErr)
			return
		}
		log.Warn().Dur("delay", delay).Int("attempt", attempt).Msg("rate limited, backing off")
		if err := w.db.RescheduleJob(ctx, job.ID, procErr.Error(), time.Now().Add(delay)); err != nil {
			log.Error().Err(err).Msg("failed to reschedule rate-limited job")
		}
		metrics.IncJob("rate_limited")

	case calendar.ClassTokenExpired:
		// The incremental cursor is gone; clear it so the next attempt does
		// a full listing.
		if settings != nil && settings.SyncToken != "" {
			settings.SyncToken = ""
			if err := w.db.SaveSyncSettings(ctx, settings); err != nil {
				log.Error().Err(err).Msg("failed to clear expired sync token")
			}
		}
		log.Info().Msg("sync token expired, falling back to full listing")
		w.rescheduleOrFail(ctx, log, job, procErr, time.Now())

	case calendar.ClassPermanent:
		w.failJob(ctx, log, job, procErr)

	default: // transient and anything unclassified
		w.rescheduleOrFail(ctx, log, job, procErr, time.Now().Add(w.retry.NextDelayJittered(attempt)))
	}
}

// recordMappingError stamps the failure on the event's mapping so stuck
// mappings show up in the status endpoint. Best effort: a version race
// means another path got to the mapping first, and a mid-resolution
// conflict state is kept rather than downgraded to a plain error.
func (w *SyncWorker) recordMappingError(ctx context.Context, log *zerolog.Logger, job *models.QueueJob, procErr error) {
	m, err := w.db.GetMappingByInternalID(ctx, job.UserID, *job.EventID)
	if err != nil {
		return
	}
	if m.Status != models.MappingStatusConflict {
		m.Status = models.MappingStatusError
	}
	m.ErrorMessage = procErr.Error()
	m.ErrorCount++
	if err := w.db.UpdateMapping(ctx, m); err != nil && !errors.Is(err, database.ErrVersionConflict) {
		log.Error().Err(err).Int64("mapping_id", m.ID).Msg("failed to record mapping error")
	}
}

func directionAllowed(configured, jobDirection string) bool {
	switch jobDirection {
	case models.DirectionToExternal:
		return configured != models.DirectionFromExternal
	case models.DirectionFromExternal:
		return configured != models.DirectionToExternal
	}
	return true
}

func (w *SyncWorker) ceiling(job *models.QueueJob) int {
	if job.MaxRetries > 0 {
		return job.MaxRetries
	}
	return w.retry.MaxRetries
}

func (w *SyncWorker) rescheduleOrFail(ctx context.Context, log *zerolog.Logger, job *models.QueueJob, procErr error, runAt time.Time) {
	attempt := job.RetryCount + 1
	if attempt > w.ceiling(job) {
		w.failJob(ctx, log, job, procErr)
		return
	}
	log.Warn().Err(procErr).Int("attempt", attempt).Time("run_at", runAt).Msg("job failed, retrying")
	if err := w.db.RescheduleJob(ctx, job.ID, procErr.Error(), runAt); err != nil {
		log.Error().Err(err).Msg("failed to reschedule job")
	}
	metrics.IncJob("retried")
}

// failJob marks the job terminally failed, keeps a dead-letter copy, and
// records the failure in the audit trail.
func (w *SyncWorker) failJob(ctx context.Context, log *zerolog.Logger, job *models.QueueJob, procErr error) {
	log.Error().Err(procErr).Int("retries", job.RetryCount).Msg("job failed permanently")
	if err := w.db.MarkJobFailed(ctx, job.ID, procErr.Error()); err != nil {
		log.Error().Err(err).Msg("failed to mark job failed")
	}
	w.queue.DeadLetter(ctx, job)
	w.audit(&models.AuditRecord{
		UserID:     job.UserID,
		Action:     models.AuditSyncFailed,
		InternalID: job.EventID,
		Success:    false,
		Error:      procErr.Error(),
		Details:    fmt.Sprintf(`{"job_id":%d,"direction":%q,"retries":%d}`, job.ID, job.Direction, job.RetryCount),
	})
	metrics.IncJob("failed")
}

func (w *SyncWorker) audit(rec *models.AuditRecord) {
	audit.Emit(w.bus, rec)
}

// retryable wraps an error so ClassOf sees it as transient even when the
// wrapped chain carries another class.
func retryable(format string, args ...interface{}) error {
	return &calendar.APIError{Class: calendar.ClassTransient, Err: fmt.Errorf(format, args...)}
}

var errMappingRace = errors.New("mapping changed concurrently")
