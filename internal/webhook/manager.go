package webhook

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"ledgercal/internal/audit"
	"ledgercal/internal/calendar"
	"ledgercal/internal/database"
	"ledgercal/internal/events"
	"ledgercal/internal/models"
)

// channelLifetime is the subscription TTL requested from the calendar
// service. The service may grant less; renewal keys off the granted
// expiry, not this value.
const channelLifetime = 7 * 24 * time.Hour

// Manager owns the push-notification channel lifecycle: registration,
// proactive renewal before expiry, and teardown when sync is disabled.
// Webhooks are an optimization; when no channel is active the scheduler's
// periodic polling still moves changes.
type Manager struct {
	db      *database.DB
	cal     calendar.Client
	bus     *events.EventBus
	address string
	margin  float64
	logger  zerolog.Logger
}

func NewManager(db *database.DB, cal calendar.Client, bus *events.EventBus, address string, margin float64, logger *zerolog.Logger) *Manager {
	return &Manager{
		db:      db,
		cal:     cal,
		bus:     bus,
		address: address,
		margin:  margin,
		logger:  logger.With().Str("component", "webhook_manager").Logger(),
	}
}

// Enabled reports whether push notifications can be used at all. Without
// a public webhook address the engine runs on polling alone.
func (m *Manager) Enabled() bool {
	return m.address != ""
}

// EnsureChannel registers a channel for the user when none is active, or
// renews the current one once it passes the renewal threshold. Safe to
// call repeatedly; a healthy channel is left alone.
func (m *Manager) EnsureChannel(ctx context.Context, settings *models.SyncSettings) error {
	if !m.Enabled() {
		return nil
	}
	// Outbound-only users take no calendar changes in, so there is
	// nothing for a push channel to deliver.
	if settings.Direction == models.DirectionToExternal {
		return nil
	}
	now := time.Now()
	if settings.Channel.Active(now) && !m.needsRenewal(settings.Channel, now) {
		return nil
	}

	old := settings.Channel
	channelID := uuid.NewString()
	secret := uuid.NewString()

	ch, err := m.cal.Watch(ctx, settings.UserID, settings.CalendarID, channelID, secret, m.address)
	if err != nil {
		return fmt.Errorf("register webhook channel: %w", err)
	}

	settings.Channel = models.WebhookChannel{
		ID:         ch.ID,
		ResourceID: ch.ResourceID,
		Expiry:     ch.Expiry,
		Secret:     secret,
	}
	if err := m.db.SaveSyncSettings(ctx, settings); err != nil {
		return fmt.Errorf("persist webhook channel: %w", err)
	}

	// The replaced channel keeps notifying until stopped. Best effort: it
	// expires on its own either way, and its secret no longer matches.
	if old.ID != "" {
		if err := m.cal.StopChannel(ctx, settings.UserID, old.ID, old.ResourceID); err != nil {
			m.logger.Warn().Err(err).Int64("user_id", settings.UserID).Str("channel_id", old.ID).Msg("failed to stop replaced channel")
		}
	}

	m.logger.Info().
		Int64("user_id", settings.UserID).
		Str("channel_id", ch.ID).
		Time("expiry", ch.Expiry).
		Msg("webhook channel registered")
	audit.Emit(m.bus, &models.AuditRecord{
		UserID:     settings.UserID,
		Action:     models.AuditChannelRenewed,
		ExternalID: ch.ID,
		Success:    true,
		Details:    fmt.Sprintf(`{"expiry":%q,"replaced":%q}`, ch.Expiry.Format(time.RFC3339), old.ID),
	})
	return nil
}

// CheckExpiry records and clears a channel that lapsed without renewal,
// so status reporting shows the degradation and polling takes over.
func (m *Manager) CheckExpiry(ctx context.Context, settings *models.SyncSettings) error {
	if settings.Channel.ID == "" || settings.Channel.Active(time.Now()) {
		return nil
	}

	expired := settings.Channel
	settings.Channel = models.WebhookChannel{}
	if err := m.db.SaveSyncSettings(ctx, settings); err != nil {
		return fmt.Errorf("clear expired channel: %w", err)
	}

	m.logger.Warn().Int64("user_id", settings.UserID).Str("channel_id", expired.ID).Msg("webhook channel expired, polling fallback active")
	audit.Emit(m.bus, &models.AuditRecord{
		UserID:     settings.UserID,
		Action:     models.AuditChannelExpired,
		ExternalID: expired.ID,
		Success:    true,
	})
	return nil
}

// Teardown stops the user's channel and clears it from the settings.
func (m *Manager) Teardown(ctx context.Context, settings *models.SyncSettings) error {
	if settings.Channel.ID == "" {
		return nil
	}

	if err := m.cal.StopChannel(ctx, settings.UserID, settings.Channel.ID, settings.Channel.ResourceID); err != nil {
		if calendar.ClassOf(err) != calendar.ClassNotFound {
			m.logger.Warn().Err(err).Int64("user_id", settings.UserID).Msg("failed to stop webhook channel")
		}
	}
	settings.Channel = models.WebhookChannel{}
	if err := m.db.SaveSyncSettings(ctx, settings); err != nil {
		return fmt.Errorf("clear webhook channel: %w", err)
	}
	return nil
}

// needsRenewal is true once the channel enters the final stretch of its
// lifetime, defined by the configured margin (0.8 means renew when less
// than 20% of the requested lifetime remains).
func (m *Manager) needsRenewal(ch models.WebhookChannel, now time.Time) bool {
	margin := m.margin
	if margin <= 0 || margin >= 1 {
		margin = 0.8
	}
	remaining := ch.Expiry.Sub(now)
	return remaining < time.Duration((1-margin)*float64(channelLifetime))
}
