package models

import "time"

// AuditRecord is one immutable line in the sync audit trail. Records are
// appended on every state transition and never updated or deleted.
type AuditRecord struct {
	ID         int64     `json:"id"`
	UserID     int64     `json:"user_id"`
	Action     string    `json:"action"`
	InternalID *int64    `json:"internal_id,omitempty"`
	ExternalID string    `json:"external_id,omitempty"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
	Details    string    `json:"details,omitempty"` // JSON blob
	CreatedAt  time.Time `json:"created_at"`
}
