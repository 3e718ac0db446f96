package service

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"ledgercal/internal/config"
	"ledgercal/internal/database"
	"ledgercal/internal/models"
	"ledgercal/internal/queue"
	"ledgercal/internal/webhook"
)

// Scheduler is the periodic housekeeping loop: it keeps webhook channels
// renewed, schedules polling syncs for users without a live channel, and
// garbage-collects finished queue jobs.
type Scheduler struct {
	db       *database.DB
	queue    *queue.Service
	webhooks *webhook.Manager
	logger   zerolog.Logger

	interval  time.Duration
	retention time.Duration
}

func NewScheduler(db *database.DB, q *queue.Service, webhooks *webhook.Manager, cfg config.SyncConfig, logger *zerolog.Logger) *Scheduler {
	return &Scheduler{
		db:        db,
		queue:     q,
		webhooks:  webhooks,
		logger:    logger.With().Str("component", "scheduler").Logger(),
		interval:  cfg.SchedulerInterval,
		retention: time.Duration(cfg.JobRetentionDays) * 24 * time.Hour,
	}
}

// Run blocks until ctx is cancelled, executing one pass per interval.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", s.interval).Msg("scheduler started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("scheduler stopped")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one housekeeping pass. Exported so tests and the startup
// path can run it synchronously.
func (s *Scheduler) Tick(ctx context.Context) {
	users, err := s.db.ListUsersWithSyncEnabled(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list sync-enabled users")
		return
	}

	for _, userID := range users {
		if ctx.Err() != nil {
			return
		}
		s.tickUser(ctx, userID)
	}

	if removed, err := s.db.DeleteOldJobs(ctx, s.retention); err != nil {
		s.logger.Error().Err(err).Msg("queue gc failed")
	} else if removed > 0 {
		s.logger.Debug().Int64("removed", removed).Msg("old queue jobs removed")
	}
}

func (s *Scheduler) tickUser(ctx context.Context, userID int64) {
	settings, err := s.db.GetSyncSettings(ctx, userID)
	if err != nil {
		s.logger.Error().Err(err).Int64("user_id", userID).Msg("failed to load settings")
		return
	}
	if settings.ReconnectRequired {
		// No point scheduling work that can only fail on auth.
		return
	}

	if err := s.webhooks.CheckExpiry(ctx, settings); err != nil {
		s.logger.Error().Err(err).Int64("user_id", userID).Msg("channel expiry check failed")
	}
	if err := s.webhooks.EnsureChannel(ctx, settings); err != nil {
		s.logger.Warn().Err(err).Int64("user_id", userID).Msg("channel renewal failed")
	}

	// The finance store sends no change notifications of its own, so users
	// whose direction includes the outbound side get a full-sync sweep on
	// the polling cadence. The sweep's expansion also chains the inbound
	// walk for bidirectional users, covering both sides in one job.
	if settings.Direction != models.DirectionFromExternal && s.outboundDue(settings) {
		if active, err := s.db.CountActiveJobs(ctx, userID); err != nil {
			s.logger.Error().Err(err).Int64("user_id", userID).Msg("failed to count active jobs")
		} else if active == 0 {
			s.enqueuePoll(ctx, userID, models.DirectionToExternal)
			return
		}
	}

	// Inbound-only: a live push channel delivers changes; without one the
	// user is polled on their configured cadence.
	if settings.Channel.Active(time.Now()) {
		return
	}
	if settings.Direction == models.DirectionToExternal {
		return
	}
	if !s.pollDue(settings) {
		return
	}
	s.enqueuePoll(ctx, userID, models.DirectionFromExternal)
}

func (s *Scheduler) enqueuePoll(ctx context.Context, userID int64, direction string) {
	err := s.queue.Enqueue(ctx, &models.QueueJob{
		UserID:    userID,
		Direction: direction,
	})
	if err != nil && !errors.Is(err, queue.ErrSyncDisabled) && !errors.Is(err, queue.ErrConsentRequired) {
		s.logger.Error().Err(err).Int64("user_id", userID).Msg("failed to enqueue polling sync")
		return
	}
	if err == nil {
		s.logger.Debug().Int64("user_id", userID).Str("direction", direction).Msg("polling sync scheduled")
	}
}

func (s *Scheduler) pollDue(settings *models.SyncSettings) bool {
	return cadenceDue(settings, settings.LastIncrementalAt)
}

func (s *Scheduler) outboundDue(settings *models.SyncSettings) bool {
	return cadenceDue(settings, settings.LastFullSyncAt)
}

func cadenceDue(settings *models.SyncSettings, last *time.Time) bool {
	every := time.Duration(settings.AutoSyncMinutes) * time.Minute
	if every <= 0 {
		every = time.Duration(models.DefaultAutoSyncMinutes) * time.Minute
	}
	if last == nil {
		return true
	}
	return time.Since(*last) >= every
}
