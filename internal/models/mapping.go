package models

import "time"

// EventMapping links one internal finance event to one external calendar
// event. Exactly one mapping exists per (user, internal id) and per
// (user, external id); Version increases on every write and is used for
// compare-and-swap updates.
type EventMapping struct {
	ID             int64      `json:"id"`
	UserID         int64      `json:"user_id"`
	InternalID     int64      `json:"internal_id"`
	ExternalID     string     `json:"external_id"`
	CalendarID     string     `json:"calendar_id"`
	Status         string     `json:"status"`
	Origin         string     `json:"origin"`
	LastSyncedAt   *time.Time `json:"last_synced_at"`
	LastModifiedAt *time.Time `json:"last_modified_at"`
	Version        int64      `json:"version"`
	Etag           string     `json:"etag"`
	ErrorMessage   string     `json:"error_message"`
	ErrorCount     int        `json:"error_count"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}
