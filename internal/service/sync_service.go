package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"ledgercal/internal/audit"
	"ledgercal/internal/database"
	"ledgercal/internal/events"
	"ledgercal/internal/models"
	"ledgercal/internal/queue"
	"ledgercal/internal/webhook"
)

// Disconnector revokes a user's calendar credentials.
type Disconnector interface {
	ConnectionChecker
	Disconnect(ctx context.Context, userID int64) error
}

// Status is the sync health snapshot served to clients.
type Status struct {
	Enabled           bool       `json:"enabled"`
	Direction         string     `json:"direction"`
	Connected         bool       `json:"connected"`
	AccountEmail      string     `json:"account_email,omitempty"`
	ReconnectRequired bool       `json:"reconnect_required"`
	LastError         string     `json:"last_error,omitempty"`
	LastFullSyncAt    *time.Time `json:"last_full_sync_at,omitempty"`
	LastIncrementalAt *time.Time `json:"last_incremental_at,omitempty"`
	ActiveJobs        int        `json:"active_jobs"`
	MappingsInError   int        `json:"mappings_in_error"`
	WebhookActive     bool       `json:"webhook_active"`
	WebhookExpiry     *time.Time `json:"webhook_expiry,omitempty"`
}

// SyncService exposes the manual sync operations and status reporting.
type SyncService struct {
	db       *database.DB
	queue    *queue.Service
	webhooks *webhook.Manager
	creds    Disconnector
	bus      *events.EventBus
	logger   zerolog.Logger

	fullSyncWait time.Duration
}

func NewSyncService(db *database.DB, q *queue.Service, webhooks *webhook.Manager, creds Disconnector, bus *events.EventBus, fullSyncWait time.Duration, logger *zerolog.Logger) *SyncService {
	return &SyncService{
		db:           db,
		queue:        q,
		webhooks:     webhooks,
		creds:        creds,
		bus:          bus,
		logger:       logger.With().Str("component", "sync_service").Logger(),
		fullSyncWait: fullSyncWait,
	}
}

func (s *SyncService) Status(ctx context.Context, userID int64) (*Status, error) {
	settings, err := s.db.GetSyncSettings(ctx, userID)
	if err != nil {
		return nil, err
	}
	connected, email, err := s.creds.Connected(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("check calendar connection: %w", err)
	}
	active, err := s.db.CountActiveJobs(ctx, userID)
	if err != nil {
		return nil, err
	}
	inError, err := s.db.CountMappingsInError(ctx, userID)
	if err != nil {
		return nil, err
	}

	st := &Status{
		Enabled:           settings.Enabled,
		Direction:         settings.Direction,
		Connected:         connected,
		AccountEmail:      email,
		ReconnectRequired: settings.ReconnectRequired,
		LastError:         settings.LastError,
		LastFullSyncAt:    settings.LastFullSyncAt,
		LastIncrementalAt: settings.LastIncrementalAt,
		ActiveJobs:        active,
		MappingsInError:   inError,
		WebhookActive:     settings.Channel.Active(time.Now()),
	}
	if st.WebhookActive {
		expiry := settings.Channel.Expiry
		st.WebhookExpiry = &expiry
	}
	return st, nil
}

// TriggerFullSync enqueues a high-priority full sync. When wait is true
// the call blocks, bounded by the configured wait budget, until the
// queue for the user drains; a timeout is not an error, the sync simply
// continues in the background.
func (s *SyncService) TriggerFullSync(ctx context.Context, userID int64, wait bool) (completed bool, err error) {
	err = s.queue.Enqueue(ctx, &models.QueueJob{
		UserID:    userID,
		Direction: models.DirectionToExternal,
		Priority:  models.PriorityManual,
	})
	if err != nil {
		return false, err
	}
	if !wait || s.fullSyncWait <= 0 {
		return false, nil
	}

	deadline := time.Now().Add(s.fullSyncWait)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
		active, err := s.db.CountActiveJobs(ctx, userID)
		if err != nil {
			return false, err
		}
		if active == 0 {
			return true, nil
		}
	}
	return false, nil
}

// TriggerEventSync enqueues a high-priority sync of one event in the
// given direction.
func (s *SyncService) TriggerEventSync(ctx context.Context, userID, eventID int64, direction string) error {
	if !models.ValidJobDirection(direction) {
		return fmt.Errorf("%w: direction %q", ErrValidation, direction)
	}
	if _, err := s.db.GetFinanceEvent(ctx, userID, eventID); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return fmt.Errorf("%w: event %d", database.ErrNotFound, eventID)
		}
		return err
	}
	return s.queue.Enqueue(ctx, &models.QueueJob{
		UserID:    userID,
		EventID:   &eventID,
		Direction: direction,
		Priority:  models.PriorityManual,
	})
}

// DeadLetters lists the user's terminally failed jobs for inspection.
func (s *SyncService) DeadLetters(ctx context.Context, userID int64) ([]models.QueueJob, error) {
	return s.db.ListDeadLetterJobs(ctx, userID)
}

// Disconnect revokes the calendar link: sync is disabled, queued work is
// dropped, the webhook channel is stopped and the stored credentials are
// deleted. Mappings and the audit trail are kept.
func (s *SyncService) Disconnect(ctx context.Context, userID int64) error {
	settings, err := s.db.GetSyncSettings(ctx, userID)
	if err != nil {
		return err
	}

	if _, err := s.db.CancelPendingJobs(ctx, userID); err != nil {
		s.logger.Error().Err(err).Int64("user_id", userID).Msg("failed to cancel pending jobs on disconnect")
	}
	if err := s.webhooks.Teardown(ctx, settings); err != nil {
		s.logger.Warn().Err(err).Int64("user_id", userID).Msg("webhook teardown failed on disconnect")
	}

	settings.Enabled = false
	settings.SyncToken = ""
	settings.AccountEmail = ""
	settings.ReconnectRequired = false
	if err := s.db.SaveSyncSettings(ctx, settings); err != nil {
		return err
	}

	if err := s.creds.Disconnect(ctx, userID); err != nil {
		return fmt.Errorf("delete credentials: %w", err)
	}

	audit.Emit(s.bus, &models.AuditRecord{
		UserID:  userID,
		Action:  models.AuditOAuthDisconnected,
		Success: true,
	})
	return nil
}
