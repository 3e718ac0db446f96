package webhook

import (
	"crypto/subtle"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"ledgercal/internal/audit"
	"ledgercal/internal/database"
	"ledgercal/internal/events"
	"ledgercal/internal/metrics"
	"ledgercal/internal/models"
	"ledgercal/internal/queue"
	"ledgercal/internal/repository"
)

// Notification headers set by the calendar push service.
const (
	headerChannelID     = "X-Goog-Channel-ID"
	headerChannelToken  = "X-Goog-Channel-Token"
	headerResourceState = "X-Goog-Resource-State"
	headerMessageNumber = "X-Goog-Message-Number"
)

// Handler accepts calendar push notifications. Notifications carry no
// event payload, only "something changed"; the handler verifies the
// channel secret, drops redeliveries, and enqueues an incremental sync
// job for the owning user.
type Handler struct {
	db     *database.DB
	queue  *queue.Service
	dedup  *repository.Deduper
	bus    *events.EventBus
	logger zerolog.Logger
}

func NewHandler(db *database.DB, q *queue.Service, dedup *repository.Deduper, bus *events.EventBus, logger *zerolog.Logger) *Handler {
	return &Handler{
		db:     db,
		queue:  q,
		dedup:  dedup,
		bus:    bus,
		logger: logger.With().Str("component", "webhook_handler").Logger(),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	channelID := r.Header.Get(headerChannelID)
	if channelID == "" {
		metrics.IncWebhook("malformed")
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	settings, err := h.db.GetSyncSettingsByChannelID(ctx, channelID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			// A replaced or torn-down channel keeps notifying until it is
			// stopped or expires. Acknowledge so the service stops retrying.
			metrics.IncWebhook("unknown_channel")
			w.WriteHeader(http.StatusOK)
			return
		}
		h.logger.Error().Err(err).Str("channel_id", channelID).Msg("channel lookup failed")
		metrics.IncWebhook("error")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	token := r.Header.Get(headerChannelToken)
	if subtle.ConstantTimeCompare([]byte(token), []byte(settings.Channel.Secret)) != 1 {
		h.logger.Warn().Str("channel_id", channelID).Msg("webhook secret mismatch")
		metrics.IncWebhook("rejected")
		w.WriteHeader(http.StatusForbidden)
		return
	}

	// The initial "sync" message only confirms the registration.
	if r.Header.Get(headerResourceState) == "sync" {
		metrics.IncWebhook("handshake")
		w.WriteHeader(http.StatusOK)
		return
	}

	// A channel left over from before the user went outbound-only still
	// notifies until it expires; acknowledge without acting on it.
	if settings.Direction == models.DirectionToExternal {
		metrics.IncWebhook("ignored")
		w.WriteHeader(http.StatusOK)
		return
	}

	msgNumber := r.Header.Get(headerMessageNumber)
	if msgNumber != "" {
		seen, err := h.dedup.Seen(ctx, channelID+":"+msgNumber)
		if err != nil {
			h.logger.Warn().Err(err).Msg("webhook dedupe check failed")
		} else if seen {
			metrics.IncWebhook("duplicate")
			w.WriteHeader(http.StatusOK)
			return
		}
	}

	err = h.queue.Enqueue(ctx, &models.QueueJob{
		UserID:    settings.UserID,
		Direction: models.DirectionFromExternal,
	})
	if err != nil && !errors.Is(err, queue.ErrSyncDisabled) && !errors.Is(err, queue.ErrConsentRequired) {
		h.logger.Error().Err(err).Int64("user_id", settings.UserID).Msg("failed to enqueue webhook sync")
		metrics.IncWebhook("error")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	h.logger.Debug().Int64("user_id", settings.UserID).Str("message", msgNumber).Msg("webhook notification accepted")
	metrics.IncWebhook("accepted")
	audit.Emit(h.bus, &models.AuditRecord{
		UserID:     settings.UserID,
		Action:     models.AuditWebhookReceived,
		ExternalID: channelID,
		Success:    true,
	})
	w.WriteHeader(http.StatusOK)
}
