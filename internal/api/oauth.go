package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"ledgercal/internal/audit"
	"ledgercal/internal/events"
	"ledgercal/internal/models"
	"ledgercal/internal/service"
)

// stateTTL bounds how long an issued OAuth state stays redeemable.
const stateTTL = 10 * time.Minute

// CredentialExchanger is the OAuth surface of the credential store.
type CredentialExchanger interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (*oauth2.Token, error)
	Save(ctx context.Context, userID int64, token *oauth2.Token, email string) error
}

type oauthState struct {
	userID  int64
	expires time.Time
}

// OAuthHandler runs the account-linking flow: issue an authorization
// URL bound to a one-time state, redeem the provider callback, and
// revoke the link on request.
type OAuthHandler struct {
	creds  CredentialExchanger
	sync   *service.SyncService
	bus    *events.EventBus
	logger zerolog.Logger

	mu     sync.Mutex
	states map[string]oauthState
}

func NewOAuthHandler(creds CredentialExchanger, syncSvc *service.SyncService, bus *events.EventBus, logger *zerolog.Logger) *OAuthHandler {
	return &OAuthHandler{
		creds:  creds,
		sync:   syncSvc,
		bus:    bus,
		logger: logger.With().Str("component", "oauth").Logger(),
		states: make(map[string]oauthState),
	}
}

func (h *OAuthHandler) handleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}

	state := uuid.NewString()
	h.mu.Lock()
	h.pruneLocked()
	h.states[state] = oauthState{userID: userID, expires: time.Now().Add(stateTTL)}
	h.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"auth_url": h.creds.AuthCodeURL(state)})
}

func (h *OAuthHandler) handleCallback(w http.ResponseWriter, r *http.Request) {
	if errMsg := r.URL.Query().Get("error"); errMsg != "" {
		writeError(w, http.StatusBadRequest, "authorization declined: "+errMsg)
		return
	}
	state := r.URL.Query().Get("state")
	code := r.URL.Query().Get("code")
	if state == "" || code == "" {
		writeError(w, http.StatusBadRequest, "state and code are required")
		return
	}

	h.mu.Lock()
	entry, ok := h.states[state]
	delete(h.states, state)
	h.mu.Unlock()
	if !ok || time.Now().After(entry.expires) {
		writeError(w, http.StatusBadRequest, "unknown or expired state")
		return
	}

	token, err := h.creds.Exchange(r.Context(), code)
	if err != nil {
		h.logger.Error().Err(err).Int64("user_id", entry.userID).Msg("oauth code exchange failed")
		writeError(w, http.StatusBadGateway, "token exchange failed")
		return
	}
	if err := h.creds.Save(r.Context(), entry.userID, token, ""); err != nil {
		h.logger.Error().Err(err).Int64("user_id", entry.userID).Msg("failed to store credentials")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	h.logger.Info().Int64("user_id", entry.userID).Msg("calendar account linked")
	audit.Emit(h.bus, &models.AuditRecord{
		UserID:  entry.userID,
		Action:  models.AuditOAuthConnected,
		Success: true,
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "connected"})
}

func (h *OAuthHandler) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}

	if err := h.sync.Disconnect(r.Context(), userID); err != nil {
		h.logger.Error().Err(err).Int64("user_id", userID).Msg("disconnect failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
}

// pruneLocked drops expired states. Caller holds the mutex.
func (h *OAuthHandler) pruneLocked() {
	now := time.Now()
	for state, entry := range h.states {
		if now.After(entry.expires) {
			delete(h.states, state)
		}
	}
}
