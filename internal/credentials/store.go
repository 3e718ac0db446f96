package credentials

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/sync/singleflight"

	"ledgercal/internal/database"
)

var (
	// ErrNotConnected means the user never completed the OAuth flow.
	ErrNotConnected = errors.New("calendar account not connected")
	// ErrReconnectRequired means the stored token is invalid and could not
	// be refreshed; the user must re-authenticate.
	ErrReconnectRequired = errors.New("reconnect required")
)

// Store keeps per-user OAuth tokens and refreshes them on demand. Refresh
// is serialized per user through singleflight so concurrent workers never
// race redundant refresh calls against the OAuth endpoint.
type Store struct {
	db     *database.DB
	cfg    *oauth2.Config
	sf     singleflight.Group
	logger *zerolog.Logger
}

func NewStore(db *database.DB, clientID, clientSecret, redirectURL string, scopes []string, logger *zerolog.Logger) *Store {
	sub := logger.With().Str("component", "credentials").Logger()
	return &Store{
		db: db,
		cfg: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Scopes:       scopes,
			Endpoint:     google.Endpoint,
		},
		logger: &sub,
	}
}

// AuthCodeURL builds the consent-screen URL for the OAuth start endpoint.
func (s *Store) AuthCodeURL(state string) string {
	return s.cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// Exchange trades an authorization code for a token.
func (s *Store) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	token, err := s.cfg.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("oauth code exchange: %w", err)
	}
	return token, nil
}

// Save persists a user's token after a successful OAuth flow.
func (s *Store) Save(ctx context.Context, userID int64, token *oauth2.Token, email string) error {
	return s.db.SaveCredential(ctx, userID, token, email)
}

// Get returns a usable token for the user, refreshing it first when it is
// expired or about to expire.
func (s *Store) Get(ctx context.Context, userID int64) (*oauth2.Token, error) {
	cred, err := s.db.GetCredential(ctx, userID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, ErrNotConnected
	}
	if err != nil {
		return nil, err
	}
	if !cred.Valid {
		return nil, ErrReconnectRequired
	}

	token := cred.Token()
	if token.Valid() && time.Until(token.Expiry) > time.Minute {
		return token, nil
	}
	return s.Refresh(ctx, userID)
}

// Refresh forces a token refresh. Concurrent calls for the same user share
// one refresh round-trip. A failed refresh invalidates the credential so
// the job path dead-letters instead of retrying forever.
func (s *Store) Refresh(ctx context.Context, userID int64) (*oauth2.Token, error) {
	v, err, _ := s.sf.Do(strconv.FormatInt(userID, 10), func() (interface{}, error) {
		cred, err := s.db.GetCredential(ctx, userID)
		if errors.Is(err, database.ErrNotFound) {
			return nil, ErrNotConnected
		}
		if err != nil {
			return nil, err
		}
		if cred.RefreshToken == "" {
			return nil, ErrReconnectRequired
		}

		stale := cred.Token()
		fresh, err := s.cfg.TokenSource(ctx, stale).Token()
		if err != nil {
			s.logger.Warn().Int64("user_id", userID).Err(err).Msg("token refresh failed")
			if invErr := s.db.InvalidateCredential(ctx, userID); invErr != nil {
				s.logger.Error().Int64("user_id", userID).Err(invErr).Msg("failed to invalidate credential")
			}
			return nil, ErrReconnectRequired
		}

		if err := s.db.SaveCredential(ctx, userID, fresh, ""); err != nil {
			return nil, fmt.Errorf("persist refreshed token: %w", err)
		}
		return fresh, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*oauth2.Token), nil
}

// Invalidate flags the stored token as unusable.
func (s *Store) Invalidate(ctx context.Context, userID int64) error {
	return s.db.InvalidateCredential(ctx, userID)
}

// Disconnect removes the user's tokens entirely.
func (s *Store) Disconnect(ctx context.Context, userID int64) error {
	return s.db.DeleteCredential(ctx, userID)
}

// Connected reports whether the user has a valid stored credential, and
// the account email when known.
func (s *Store) Connected(ctx context.Context, userID int64) (bool, string, error) {
	cred, err := s.db.GetCredential(ctx, userID)
	if errors.Is(err, database.ErrNotFound) {
		return false, "", nil
	}
	if err != nil {
		return false, "", err
	}
	return cred.Valid, cred.AccountEmail, nil
}

// TokenSource implements calendar.TokenProvider. The returned source is
// static: refresh stays inside the store where it is persisted and
// single-flighted.
func (s *Store) TokenSource(ctx context.Context, userID int64) (oauth2.TokenSource, error) {
	token, err := s.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	return oauth2.StaticTokenSource(token), nil
}
