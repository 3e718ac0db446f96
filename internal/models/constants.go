package models

// Sync directions.
const (
	DirectionToExternal    = "to_external"
	DirectionFromExternal  = "from_external"
	DirectionBidirectional = "bidirectional"
)

// Queue job statuses.
const (
	JobStatusPending    = "pending"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
)

// Job priorities. Higher claims first.
const (
	PriorityNormal = 0
	PriorityManual = 10
)

// Mapping sync statuses.
const (
	MappingStatusSynced   = "synced"
	MappingStatusPending  = "pending"
	MappingStatusError    = "error"
	MappingStatusConflict = "conflict"
)

// Origin of the last write to a mapping.
const (
	OriginInternal = "internal"
	OriginExternal = "external"
	OriginManual   = "manual"
)

// Audit actions.
const (
	AuditSyncStarted       = "sync_started"
	AuditSyncCompleted     = "sync_completed"
	AuditSyncFailed        = "sync_failed"
	AuditEventCreated      = "event_created"
	AuditEventUpdated      = "event_updated"
	AuditEventDeleted      = "event_deleted"
	AuditEventSynced       = "event_synced"
	AuditChannelRenewed    = "channel_renewed"
	AuditChannelExpired    = "channel_expired"
	AuditWebhookReceived   = "webhook_received"
	AuditConflictResolved  = "conflict_resolved"
	AuditOAuthConnected    = "oauth_connected"
	AuditOAuthDisconnected = "oauth_disconnected"
	AuditSettingsUpdated   = "settings_updated"
)

// Defaults applied when a user has no stored settings.
const (
	DefaultMaxRetries       = 3
	DefaultAutoSyncMinutes  = 60
	DefaultJobRetentionDays = 14
	DefaultCurrency         = "USD"
)

// ValidDirection reports whether d is a recognized sync direction.
func ValidDirection(d string) bool {
	switch d {
	case DirectionToExternal, DirectionFromExternal, DirectionBidirectional:
		return true
	}
	return false
}

// ValidJobDirection reports whether d is valid for a single queue job.
// Bidirectional is a settings value; queue jobs are always one-way.
func ValidJobDirection(d string) bool {
	return d == DirectionToExternal || d == DirectionFromExternal
}
