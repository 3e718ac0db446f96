package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ledgercal/internal/models"
)

const settingsColumns = `user_id, enabled, direction, categories, auto_sync_minutes, sync_token,
    last_full_sync_at, last_incremental_at,
    channel_id, channel_resource_id, channel_expiry, channel_secret,
    consent_given, consent_version, calendar_id, account_email,
    last_error, reconnect_required, updated_at`

func scanSettings(row *sql.Row) (*models.SyncSettings, error) {
	var s models.SyncSettings
	var categories string
	var channelExpiry sql.NullTime
	err := row.Scan(
		&s.UserID, &s.Enabled, &s.Direction, &categories, &s.AutoSyncMinutes, &s.SyncToken,
		&s.LastFullSyncAt, &s.LastIncrementalAt,
		&s.Channel.ID, &s.Channel.ResourceID, &channelExpiry, &s.Channel.Secret,
		&s.ConsentGiven, &s.ConsentVersion, &s.CalendarID, &s.AccountEmail,
		&s.LastError, &s.ReconnectRequired, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if channelExpiry.Valid {
		s.Channel.Expiry = channelExpiry.Time
	}
	if err := json.Unmarshal([]byte(categories), &s.Categories); err != nil {
		return nil, fmt.Errorf("failed to decode categories: %w", err)
	}
	return &s, nil
}

// GetSyncSettings returns the stored settings for a user, or the defaults
// when the user has never saved any.
func (db *DB) GetSyncSettings(ctx context.Context, userID int64) (*models.SyncSettings, error) {
	query := `SELECT ` + settingsColumns + ` FROM sync_settings WHERE user_id = ?`
	s, err := scanSettings(db.db.QueryRowContext(ctx, query, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return models.DefaultSyncSettings(userID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync settings: %w", err)
	}
	return s, nil
}

// GetSyncSettingsByChannelID finds the user owning a webhook channel.
// Returns ErrNotFound for unknown or already-replaced channels.
func (db *DB) GetSyncSettingsByChannelID(ctx context.Context, channelID string) (*models.SyncSettings, error) {
	query := `SELECT ` + settingsColumns + ` FROM sync_settings WHERE channel_id = ?`
	s, err := scanSettings(db.db.QueryRowContext(ctx, query, channelID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync settings by channel: %w", err)
	}
	return s, nil
}

// SaveSyncSettings inserts or replaces the settings row for a user.
func (db *DB) SaveSyncSettings(ctx context.Context, s *models.SyncSettings) error {
	categories, err := json.Marshal(s.Categories)
	if err != nil {
		return fmt.Errorf("failed to encode categories: %w", err)
	}
	if s.Categories == nil {
		categories = []byte("[]")
	}

	var channelExpiry interface{}
	if !s.Channel.Expiry.IsZero() {
		channelExpiry = s.Channel.Expiry
	}

	now := time.Now()
	query := `INSERT INTO sync_settings (user_id, enabled, direction, categories, auto_sync_minutes, sync_token,
                last_full_sync_at, last_incremental_at,
                channel_id, channel_resource_id, channel_expiry, channel_secret,
                consent_given, consent_version, calendar_id, account_email,
                last_error, reconnect_required, updated_at)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
              ON CONFLICT(user_id) DO UPDATE SET
                enabled = excluded.enabled,
                direction = excluded.direction,
                categories = excluded.categories,
                auto_sync_minutes = excluded.auto_sync_minutes,
                sync_token = excluded.sync_token,
                last_full_sync_at = excluded.last_full_sync_at,
                last_incremental_at = excluded.last_incremental_at,
                channel_id = excluded.channel_id,
                channel_resource_id = excluded.channel_resource_id,
                channel_expiry = excluded.channel_expiry,
                channel_secret = excluded.channel_secret,
                consent_given = excluded.consent_given,
                consent_version = excluded.consent_version,
                calendar_id = excluded.calendar_id,
                account_email = excluded.account_email,
                last_error = excluded.last_error,
                reconnect_required = excluded.reconnect_required,
                updated_at = excluded.updated_at`

	_, err = db.db.ExecContext(ctx, query,
		s.UserID, s.Enabled, s.Direction, string(categories), s.AutoSyncMinutes, s.SyncToken,
		s.LastFullSyncAt, s.LastIncrementalAt,
		s.Channel.ID, s.Channel.ResourceID, channelExpiry, s.Channel.Secret,
		s.ConsentGiven, s.ConsentVersion, s.CalendarID, s.AccountEmail,
		s.LastError, s.ReconnectRequired, now,
	)
	if err != nil {
		return fmt.Errorf("failed to save sync settings: %w", err)
	}
	s.UpdatedAt = now
	return nil
}

// ListUsersWithSyncEnabled returns ids of users whose sync is on, for the
// scheduler's polling pass.
func (db *DB) ListUsersWithSyncEnabled(ctx context.Context) ([]int64, error) {
	rows, err := db.db.QueryContext(ctx, `SELECT user_id FROM sync_settings WHERE enabled = 1 AND consent_given = 1`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync-enabled users: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan user id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
