package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"ledgercal/internal/config"
	"ledgercal/internal/database"
	"ledgercal/internal/export"
	"ledgercal/internal/metrics"
	"ledgercal/internal/queue"
	"ledgercal/internal/service"
	"ledgercal/internal/webhook"
)

// HTTPServer exposes the sync engine's REST API plus the webhook and
// OAuth callback endpoints, which use their own authentication.
type HTTPServer struct {
	cfg      config.APIConfig
	db       *database.DB
	settings *service.SettingsService
	sync     *service.SyncService
	exporter *export.Exporter
	oauth    *OAuthHandler
	server   *http.Server
	auth     *HTTPAuth
	logger   zerolog.Logger
}

func NewHTTPServer(
	cfg config.APIConfig,
	db *database.DB,
	settingsSvc *service.SettingsService,
	syncSvc *service.SyncService,
	exporter *export.Exporter,
	oauth *OAuthHandler,
	webhookHandler *webhook.Handler,
	logger *zerolog.Logger,
) *HTTPServer {
	srv := &HTTPServer{
		cfg:      cfg,
		db:       db,
		settings: settingsSvc,
		sync:     syncSvc,
		exporter: exporter,
		oauth:    oauth,
		logger:   logger.With().Str("component", "http_api").Logger(),
	}
	srv.auth = NewHTTPAuth(cfg)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/sync/status", srv.handleStatus)
	mux.HandleFunc("/api/v1/sync/settings", srv.handleSettings)
	mux.HandleFunc("/api/v1/sync/full", srv.handleFullSync)
	mux.HandleFunc("/api/v1/sync/event", srv.handleEventSync)
	mux.HandleFunc("/api/v1/sync/deadletters", srv.handleDeadLetters)
	mux.HandleFunc("/api/v1/audit", srv.handleAuditList)
	mux.HandleFunc("/api/v1/audit/export", srv.handleAuditExport)
	mux.HandleFunc("/api/v1/oauth/start", srv.oauth.handleStart)
	mux.HandleFunc("/api/v1/oauth/revoke", srv.oauth.handleRevoke)

	// The callback is hit by the user's browser and the webhook by the
	// calendar service; neither carries an API key. The webhook validates
	// its channel secret, the callback its state parameter.
	outer := http.NewServeMux()
	outer.Handle("/api/", srv.auth.Wrap(mux))
	outer.HandleFunc("/oauth/callback", srv.oauth.handleCallback)
	outer.Handle("/webhook/google", webhookHandler)

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           srv.loggingMiddleware(outer),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	return srv
}

func (s *HTTPServer) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("HTTP API listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *HTTPServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}

	st, err := s.sync.Status(r.Context(), userID)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	metrics.IncHTTP("sync_status")
	writeJSON(w, http.StatusOK, st)
}

func (s *HTTPServer) handleSettings(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodGet:
		settings, err := s.settings.Get(r.Context(), userID)
		if err != nil {
			s.internalError(w, r, err)
			return
		}
		metrics.IncHTTP("settings_get")
		writeJSON(w, http.StatusOK, settings)

	case http.MethodPut, http.MethodPatch:
		var upd service.SettingsUpdate
		decoder := json.NewDecoder(r.Body)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&upd); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}

		settings, err := s.settings.Update(r.Context(), userID, upd)
		if err != nil {
			switch {
			case errors.Is(err, service.ErrValidation):
				writeError(w, http.StatusBadRequest, err.Error())
			case errors.Is(err, service.ErrConsentRequired), errors.Is(err, service.ErrNotConnected):
				writeError(w, http.StatusConflict, err.Error())
			default:
				s.internalError(w, r, err)
			}
			return
		}
		metrics.IncHTTP("settings_update")
		writeJSON(w, http.StatusOK, settings)

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *HTTPServer) handleFullSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}
	wait := r.URL.Query().Get("wait") == "true"

	completed, err := s.sync.TriggerFullSync(r.Context(), userID, wait)
	if err != nil {
		if errors.Is(err, queue.ErrSyncDisabled) || errors.Is(err, queue.ErrConsentRequired) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		s.internalError(w, r, err)
		return
	}
	metrics.IncHTTP("full_sync")
	writeJSON(w, http.StatusAccepted, map[string]any{"completed": completed})
}

func (s *HTTPServer) handleEventSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var body struct {
		UserID    int64  `json:"user_id"`
		EventID   int64  `json:"event_id"`
		Direction string `json:"direction"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.UserID <= 0 || body.EventID <= 0 {
		writeError(w, http.StatusBadRequest, "user_id and event_id are required")
		return
	}

	err := s.sync.TriggerEventSync(r.Context(), body.UserID, body.EventID, body.Direction)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrValidation):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, database.ErrNotFound):
			writeError(w, http.StatusNotFound, "event not found")
		case errors.Is(err, queue.ErrSyncDisabled), errors.Is(err, queue.ErrConsentRequired):
			writeError(w, http.StatusConflict, err.Error())
		default:
			s.internalError(w, r, err)
		}
		return
	}
	metrics.IncHTTP("event_sync")
	writeJSON(w, http.StatusAccepted, map[string]any{"queued": true})
}

func (s *HTTPServer) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}

	jobs, err := s.sync.DeadLetters(r.Context(), userID)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	metrics.IncHTTP("deadletters")
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *HTTPServer) handleAuditList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = parsed
	}

	records, err := s.db.ListAuditRecords(r.Context(), userID, limit)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	metrics.IncHTTP("audit_list")
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

func (s *HTTPServer) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	path, err := s.exporter.AuditTrail(r.Context(), userID, limit)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	metrics.IncHTTP("audit_export")
	writeJSON(w, http.StatusOK, map[string]any{"file": path})
}

func (s *HTTPServer) internalError(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	writeError(w, http.StatusInternalServerError, "internal error")
}

func (s *HTTPServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", recorder.status).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

// HTTPAuth provides API-key auth and per-key rate limiting.
type HTTPAuth struct {
	cfg      config.APIConfig
	clients  map[string]config.APIClientKey
	limiters sync.Map // map[string]*rate.Limiter
}

func NewHTTPAuth(cfg config.APIConfig) *HTTPAuth {
	m := make(map[string]config.APIClientKey, len(cfg.Auth.APIKeys))
	for _, k := range cfg.Auth.APIKeys {
		m[k.Key] = k
	}
	return &HTTPAuth{cfg: cfg, clients: m}
}

func (a *HTTPAuth) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.cfg.Auth.Enabled {
			if err := a.checkAuth(r); err != nil {
				statusCode := http.StatusUnauthorized
				if errors.Is(err, errPermissionDenied) {
					statusCode = http.StatusForbidden
				}
				writeError(w, statusCode, err.Error())
				return
			}
		}

		if err := a.checkRateLimit(r); err != nil {
			writeError(w, http.StatusTooManyRequests, err.Error())
			return
		}

		next.ServeHTTP(w, r)
	})
}

var errPermissionDenied = errors.New("permission denied")

func (a *HTTPAuth) checkAuth(r *http.Request) error {
	apiKey := strings.TrimSpace(r.Header.Get(a.headerAPIKey()))
	if apiKey == "" {
		return fmt.Errorf("missing api key")
	}

	client, ok := a.lookupKey(apiKey)
	if !ok {
		return fmt.Errorf("invalid api key")
	}
	return a.checkPermissions(client, r)
}

// lookupKey compares against every configured key in constant time, so
// timing does not leak which prefix matched.
func (a *HTTPAuth) lookupKey(apiKey string) (config.APIClientKey, bool) {
	var found config.APIClientKey
	var ok bool
	for key, client := range a.clients {
		if subtle.ConstantTimeCompare([]byte(key), []byte(apiKey)) == 1 {
			found = client
			ok = true
		}
	}
	return found, ok
}

func (a *HTTPAuth) checkPermissions(client config.APIClientKey, r *http.Request) error {
	required := requiredPermission(r)
	if required == "" || len(client.Permissions) == 0 {
		return nil
	}
	for _, p := range client.Permissions {
		if strings.TrimSpace(p) == required {
			return nil
		}
	}
	return errPermissionDenied
}

func requiredPermission(r *http.Request) string {
	path := r.URL.Path
	switch {
	case strings.HasPrefix(path, "/api/v1/audit"):
		return "read:audit"
	case strings.HasPrefix(path, "/api/v1/oauth"):
		return "write:sync"
	case strings.HasPrefix(path, "/api/v1/sync"):
		if r.Method == http.MethodGet {
			return "read:sync"
		}
		return "write:sync"
	}
	return ""
}

func (a *HTTPAuth) checkRateLimit(r *http.Request) error {
	if a.cfg.RateLimit.RPS <= 0 {
		return nil
	}
	lim := a.getLimiter(a.clientKey(r))
	if !lim.Allow() {
		return fmt.Errorf("rate limit exceeded")
	}
	return nil
}

func (a *HTTPAuth) clientKey(r *http.Request) string {
	if apiKey := strings.TrimSpace(r.Header.Get(a.headerAPIKey())); apiKey != "" {
		return apiKey
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return "unknown"
}

func (a *HTTPAuth) headerAPIKey() string {
	header := strings.TrimSpace(a.cfg.Auth.HeaderAPIKey)
	if header == "" {
		header = "X-API-Key"
	}
	return header
}

func (a *HTTPAuth) getLimiter(key string) *rate.Limiter {
	if v, ok := a.limiters.Load(key); ok {
		return v.(*rate.Limiter)
	}

	burst := a.cfg.RateLimit.Burst
	if burst <= 0 {
		burst = 5
	}
	lim := rate.NewLimiter(rate.Limit(a.cfg.RateLimit.RPS), burst)
	actual, loaded := a.limiters.LoadOrStore(key, lim)
	if loaded {
		return actual.(*rate.Limiter)
	}
	return lim
}

func userIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if raw == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid user_id")
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
