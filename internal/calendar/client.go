package calendar

import (
	"context"
	"time"
)

// Event is the engine's view of one external calendar event.
type Event struct {
	ID          string    `json:"id"`
	Etag        string    `json:"etag"`
	Summary     string    `json:"summary"`
	Description string    `json:"description"`
	Date        time.Time `json:"date"` // all-day
	Cancelled   bool      `json:"cancelled"`
	Updated     time.Time `json:"updated"`
	InternalID  int64     `json:"internal_id"` // 0 when the event was created externally
}

// Change is one entry of an incremental change listing.
type Change struct {
	Event   Event
	Deleted bool
}

// ChangeList is the result of ListChanges: the changed events plus the
// cursor for the next incremental call.
type ChangeList struct {
	Changes       []Change
	NextSyncToken string
}

// Channel is a registered push-notification subscription.
type Channel struct {
	ID         string
	ResourceID string
	Expiry     time.Time
	Token      string
}

// Client is the external calendar adapter. Implementations must return
// classified errors (see Classify) so the worker can pick the right
// recovery path.
type Client interface {
	CreateEvent(ctx context.Context, userID int64, calendarID string, ev *Event) (*Event, error)
	// UpdateEvent applies ev to the stored event ev.ID, using ev.Etag as a
	// precondition when set. A stale etag yields a precondition-classified
	// error.
	UpdateEvent(ctx context.Context, userID int64, calendarID string, ev *Event) (*Event, error)
	DeleteEvent(ctx context.Context, userID int64, calendarID, eventID string) error
	GetEvent(ctx context.Context, userID int64, calendarID, eventID string) (*Event, error)
	// ListChanges returns events changed since syncToken, or a full listing
	// when syncToken is empty. An expired token yields a token-expired
	// classified error.
	ListChanges(ctx context.Context, userID int64, calendarID, syncToken string) (*ChangeList, error)
	Watch(ctx context.Context, userID int64, calendarID, channelID, token, address string) (*Channel, error)
	StopChannel(ctx context.Context, userID int64, channelID, resourceID string) error
}
