package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"golang.org/x/oauth2"
)

// Credential is the stored OAuth token row for one user.
type Credential struct {
	UserID       int64
	AccessToken  string
	RefreshToken string
	TokenType    string
	Expiry       time.Time
	AccountEmail string
	Valid        bool
	UpdatedAt    time.Time
}

// Token converts the stored row to an oauth2 token.
func (c *Credential) Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  c.AccessToken,
		RefreshToken: c.RefreshToken,
		TokenType:    c.TokenType,
		Expiry:       c.Expiry,
	}
}

// GetCredential returns the stored credential for a user, or ErrNotFound.
func (db *DB) GetCredential(ctx context.Context, userID int64) (*Credential, error) {
	query := `SELECT user_id, access_token, refresh_token, token_type, expiry, account_email, valid, updated_at
              FROM credentials WHERE user_id = ?`
	var c Credential
	var expiry sql.NullTime
	err := db.db.QueryRowContext(ctx, query, userID).Scan(
		&c.UserID, &c.AccessToken, &c.RefreshToken, &c.TokenType, &expiry, &c.AccountEmail, &c.Valid, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	if expiry.Valid {
		c.Expiry = expiry.Time
	}
	return &c, nil
}

// SaveCredential inserts or replaces a user's token row and marks it valid.
func (db *DB) SaveCredential(ctx context.Context, userID int64, token *oauth2.Token, email string) error {
	now := time.Now()
	query := `INSERT INTO credentials (user_id, access_token, refresh_token, token_type, expiry, account_email, valid, updated_at)
              VALUES (?, ?, ?, ?, ?, ?, 1, ?)
              ON CONFLICT(user_id) DO UPDATE SET
                access_token = excluded.access_token,
                refresh_token = CASE WHEN excluded.refresh_token != '' THEN excluded.refresh_token ELSE refresh_token END,
                token_type = excluded.token_type,
                expiry = excluded.expiry,
                account_email = CASE WHEN excluded.account_email != '' THEN excluded.account_email ELSE account_email END,
                valid = 1,
                updated_at = excluded.updated_at`
	_, err := db.db.ExecContext(ctx, query,
		userID, token.AccessToken, token.RefreshToken, token.TokenType, token.Expiry, email, now)
	if err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}
	return nil
}

// InvalidateCredential flags a user's token as unusable until the user
// re-authenticates.
func (db *DB) InvalidateCredential(ctx context.Context, userID int64) error {
	_, err := db.db.ExecContext(ctx,
		`UPDATE credentials SET valid = 0, updated_at = ? WHERE user_id = ?`, time.Now(), userID)
	if err != nil {
		return fmt.Errorf("failed to invalidate credential: %w", err)
	}
	return nil
}

// DeleteCredential removes a user's tokens on disconnect.
func (db *DB) DeleteCredential(ctx context.Context, userID int64) error {
	_, err := db.db.ExecContext(ctx, `DELETE FROM credentials WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return nil
}
