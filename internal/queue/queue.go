package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"ledgercal/internal/database"
	"ledgercal/internal/models"
)

var (
	// ErrConsentRequired blocks enqueuing before the user granted the
	// compliance consent.
	ErrConsentRequired = errors.New("sync consent not given")
	// ErrSyncDisabled blocks enqueuing while the user's sync is off.
	ErrSyncDisabled = errors.New("sync is disabled")
)

const (
	wakeKey       = "sync:wake"
	deadLetterKey = "sync:deadletter"
)

// Service is the enqueue side of the sync queue. The durable state lives
// in sqlite; redis only carries a wake-up signal so idle workers pick new
// work up immediately instead of waiting out their poll interval, plus a
// dead-letter list for inspection tooling.
type Service struct {
	db     *database.DB
	redis  *redis.Client
	logger *zerolog.Logger
}

func NewService(db *database.DB, redisClient *redis.Client, logger *zerolog.Logger) *Service {
	sub := logger.With().Str("component", "queue").Logger()
	return &Service{db: db, redis: redisClient, logger: &sub}
}

// Enqueue persists a job after the consent and enabled gates. Every job
// producer goes through here, so a disabled or non-consented user can never
// accumulate queue work.
func (s *Service) Enqueue(ctx context.Context, job *models.QueueJob) error {
	settings, err := s.db.GetSyncSettings(ctx, job.UserID)
	if err != nil {
		return fmt.Errorf("load settings for enqueue: %w", err)
	}
	if !settings.ConsentGiven {
		return ErrConsentRequired
	}
	if !settings.Enabled {
		return ErrSyncDisabled
	}
	if !models.ValidJobDirection(job.Direction) {
		return fmt.Errorf("invalid job direction %q", job.Direction)
	}

	if err := s.db.EnqueueJob(ctx, job); err != nil {
		return err
	}
	s.wake(ctx)

	s.logger.Debug().
		Int64("job_id", job.ID).
		Int64("user_id", job.UserID).
		Str("direction", job.Direction).
		Bool("full_sync", job.FullSync()).
		Msg("job enqueued")
	return nil
}

// wake nudges one waiting worker. Best effort: workers poll the database
// anyway.
func (s *Service) wake(ctx context.Context) {
	if s.redis == nil {
		return
	}
	if err := s.redis.LPush(ctx, wakeKey, 1).Err(); err != nil {
		s.logger.Warn().Err(err).Msg("queue wake push failed")
	}
}

// WaitForWork blocks up to timeout for a wake signal. Returns immediately
// when redis is not configured so the caller falls back to plain polling.
func (s *Service) WaitForWork(ctx context.Context, timeout time.Duration) {
	if s.redis == nil {
		select {
		case <-ctx.Done():
		case <-time.After(timeout):
		}
		return
	}
	_, err := s.redis.BRPop(ctx, timeout, wakeKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) && !errors.Is(err, context.Canceled) {
		s.logger.Warn().Err(err).Msg("queue wait failed")
		// Avoid a hot loop when redis is down.
		select {
		case <-ctx.Done():
		case <-time.After(timeout):
		}
	}
}

// DeadLetter pushes a terminally failed job onto the inspection list.
func (s *Service) DeadLetter(ctx context.Context, job *models.QueueJob) {
	if s.redis == nil {
		return
	}
	data, err := json.Marshal(job)
	if err != nil {
		s.logger.Error().Int64("job_id", job.ID).Err(err).Msg("encode deadletter")
		return
	}
	if err := s.redis.LPush(ctx, deadLetterKey, data).Err(); err != nil {
		s.logger.Warn().Int64("job_id", job.ID).Err(err).Msg("deadletter push failed")
	}
}
