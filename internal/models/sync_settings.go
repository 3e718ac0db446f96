package models

import "time"

// WebhookChannel is the push-notification subscription registered with
// the external calendar service. Embedded in SyncSettings.
type WebhookChannel struct {
	ID         string    `json:"id"`
	ResourceID string    `json:"resource_id"`
	Expiry     time.Time `json:"expiry"`
	Secret     string    `json:"secret"`
}

// Active reports whether the channel is registered and not yet expired.
func (c WebhookChannel) Active(now time.Time) bool {
	return c.ID != "" && now.Before(c.Expiry)
}

// SyncSettings holds per-user synchronization preferences and state.
type SyncSettings struct {
	UserID            int64          `json:"user_id"`
	Enabled           bool           `json:"enabled"`
	Direction         string         `json:"direction"`
	Categories        []string       `json:"categories"`
	AutoSyncMinutes   int            `json:"auto_sync_minutes"`
	SyncToken         string         `json:"sync_token"`
	LastFullSyncAt    *time.Time     `json:"last_full_sync_at"`
	LastIncrementalAt *time.Time     `json:"last_incremental_at"`
	Channel           WebhookChannel `json:"channel"`
	ConsentGiven      bool           `json:"consent_given"`
	ConsentVersion    int            `json:"consent_version"`
	CalendarID        string         `json:"calendar_id"`
	AccountEmail      string         `json:"account_email"`
	LastError         string         `json:"last_error"`
	ReconnectRequired bool           `json:"reconnect_required"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// DefaultSyncSettings returns the settings used before a user ever saved any.
func DefaultSyncSettings(userID int64) *SyncSettings {
	return &SyncSettings{
		UserID:          userID,
		Enabled:         false,
		Direction:       DirectionBidirectional,
		AutoSyncMinutes: DefaultAutoSyncMinutes,
		CalendarID:      "primary",
	}
}

// SyncsCategory reports whether events of the given category participate
// in sync. An empty category list means all categories.
func (s *SyncSettings) SyncsCategory(category string) bool {
	if len(s.Categories) == 0 {
		return true
	}
	for _, c := range s.Categories {
		if c == category {
			return true
		}
	}
	return false
}
