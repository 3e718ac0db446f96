package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"ledgercal/internal/audit"
	"ledgercal/internal/database"
	"ledgercal/internal/events"
	"ledgercal/internal/models"
	"ledgercal/internal/queue"
	"ledgercal/internal/webhook"
)

var (
	// ErrNotConnected means the user has no calendar account linked.
	ErrNotConnected = errors.New("calendar account not connected")
	// ErrConsentRequired means the compliance consent is missing.
	ErrConsentRequired = errors.New("sync consent not given")
	// ErrValidation wraps all settings validation failures.
	ErrValidation = errors.New("invalid sync settings")
)

// ConnectionChecker reports whether a user has live calendar credentials.
type ConnectionChecker interface {
	Connected(ctx context.Context, userID int64) (bool, string, error)
}

// SettingsUpdate carries the caller-editable subset of sync settings.
// Nil fields keep their current value.
type SettingsUpdate struct {
	Enabled         *bool    `json:"enabled,omitempty"`
	Direction       *string  `json:"direction,omitempty"`
	Categories      []string `json:"categories,omitempty"`
	AutoSyncMinutes *int     `json:"auto_sync_minutes,omitempty"`
	CalendarID      *string  `json:"calendar_id,omitempty"`
	ConsentGiven    *bool    `json:"consent_given,omitempty"`
	ConsentVersion  *int     `json:"consent_version,omitempty"`
}

// SettingsService validates and applies sync settings changes, and runs
// the side effects of enable/disable transitions.
type SettingsService struct {
	db       *database.DB
	queue    *queue.Service
	webhooks *webhook.Manager
	creds    ConnectionChecker
	bus      *events.EventBus
	logger   zerolog.Logger
}

func NewSettingsService(db *database.DB, q *queue.Service, webhooks *webhook.Manager, creds ConnectionChecker, bus *events.EventBus, logger *zerolog.Logger) *SettingsService {
	return &SettingsService{
		db:       db,
		queue:    q,
		webhooks: webhooks,
		creds:    creds,
		bus:      bus,
		logger:   logger.With().Str("component", "settings_service").Logger(),
	}
}

func (s *SettingsService) Get(ctx context.Context, userID int64) (*models.SyncSettings, error) {
	return s.db.GetSyncSettings(ctx, userID)
}

// Update applies the changed fields after validation. Turning sync on
// requires consent and linked credentials, registers the webhook channel
// and schedules an initial full sync; turning it off cancels queued work
// and tears the channel down.
func (s *SettingsService) Update(ctx context.Context, userID int64, upd SettingsUpdate) (*models.SyncSettings, error) {
	settings, err := s.db.GetSyncSettings(ctx, userID)
	if err != nil {
		return nil, err
	}
	wasEnabled := settings.Enabled

	if err := applyUpdate(settings, upd); err != nil {
		return nil, err
	}

	if settings.Enabled && !wasEnabled {
		if !settings.ConsentGiven {
			return nil, ErrConsentRequired
		}
		connected, email, err := s.creds.Connected(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("check calendar connection: %w", err)
		}
		if !connected {
			return nil, ErrNotConnected
		}
		settings.AccountEmail = email
		settings.ReconnectRequired = false
		settings.LastError = ""
	}

	if err := s.db.SaveSyncSettings(ctx, settings); err != nil {
		return nil, err
	}

	switch {
	case settings.Enabled && !wasEnabled:
		if err := s.webhooks.EnsureChannel(ctx, settings); err != nil {
			// Push setup failure is not fatal; polling covers the gap.
			s.logger.Warn().Err(err).Int64("user_id", userID).Msg("webhook registration failed, relying on polling")
		}
		if err := s.enqueueInitialSync(ctx, userID); err != nil {
			s.logger.Error().Err(err).Int64("user_id", userID).Msg("failed to schedule initial full sync")
		}
	case !settings.Enabled && wasEnabled:
		cancelled, err := s.db.CancelPendingJobs(ctx, userID)
		if err != nil {
			s.logger.Error().Err(err).Int64("user_id", userID).Msg("failed to cancel pending jobs")
		} else if cancelled > 0 {
			s.logger.Info().Int64("user_id", userID).Int64("cancelled", cancelled).Msg("pending sync jobs cancelled")
		}
		if err := s.webhooks.Teardown(ctx, settings); err != nil {
			s.logger.Warn().Err(err).Int64("user_id", userID).Msg("webhook teardown failed")
		}
	}

	// A switch to outbound-only leaves no use for a push channel.
	if settings.Direction == models.DirectionToExternal && settings.Channel.ID != "" {
		if err := s.webhooks.Teardown(ctx, settings); err != nil {
			s.logger.Warn().Err(err).Int64("user_id", userID).Msg("webhook teardown failed")
		}
	}

	audit.Emit(s.bus, &models.AuditRecord{
		UserID:  userID,
		Action:  models.AuditSettingsUpdated,
		Success: true,
		Details: settingsAuditDetails(settings, wasEnabled),
	})
	return settings, nil
}

func applyUpdate(settings *models.SyncSettings, upd SettingsUpdate) error {
	if upd.Direction != nil {
		if !models.ValidDirection(*upd.Direction) {
			return fmt.Errorf("%w: unknown direction %q", ErrValidation, *upd.Direction)
		}
		settings.Direction = *upd.Direction
	}
	if upd.Categories != nil {
		for _, c := range upd.Categories {
			if !models.ValidCategory(c) {
				return fmt.Errorf("%w: unknown category %q", ErrValidation, c)
			}
		}
		settings.Categories = upd.Categories
	}
	if upd.AutoSyncMinutes != nil {
		if *upd.AutoSyncMinutes < 5 {
			return fmt.Errorf("%w: auto sync interval below 5 minutes", ErrValidation)
		}
		settings.AutoSyncMinutes = *upd.AutoSyncMinutes
	}
	if upd.CalendarID != nil {
		if *upd.CalendarID == "" {
			return fmt.Errorf("%w: calendar id must not be empty", ErrValidation)
		}
		settings.CalendarID = *upd.CalendarID
	}
	if upd.ConsentGiven != nil {
		settings.ConsentGiven = *upd.ConsentGiven
		if upd.ConsentVersion != nil {
			settings.ConsentVersion = *upd.ConsentVersion
		}
	}
	if upd.Enabled != nil {
		settings.Enabled = *upd.Enabled
	}
	return nil
}

func (s *SettingsService) enqueueInitialSync(ctx context.Context, userID int64) error {
	return s.queue.Enqueue(ctx, &models.QueueJob{
		UserID:    userID,
		Direction: models.DirectionToExternal,
	})
}

func settingsAuditDetails(s *models.SyncSettings, wasEnabled bool) string {
	return fmt.Sprintf(`{"enabled":%t,"was_enabled":%t,"direction":%q,"calendar_id":%q}`,
		s.Enabled, wasEnabled, s.Direction, s.CalendarID)
}
