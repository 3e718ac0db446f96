package calendar

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"
)

// TokenProvider hands out a per-user oauth2 token source. Implemented by
// the credential store.
type TokenProvider interface {
	TokenSource(ctx context.Context, userID int64) (oauth2.TokenSource, error)
}

// GoogleClient implements Client against the Google Calendar API. A fresh
// service is built per call around the user's token source; the underlying
// HTTP transport is pooled by the oauth2 client.
type GoogleClient struct {
	tokens TokenProvider
	logger *zerolog.Logger
}

func NewGoogleClient(tokens TokenProvider, logger *zerolog.Logger) *GoogleClient {
	sub := logger.With().Str("component", "calendar").Logger()
	return &GoogleClient{tokens: tokens, logger: &sub}
}

func (c *GoogleClient) service(ctx context.Context, userID int64) (*gcal.Service, error) {
	ts, err := c.tokens.TokenSource(ctx, userID)
	if err != nil {
		return nil, Classify(err)
	}
	srv, err := gcal.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("unable to create calendar service: %w", err)
	}
	return srv, nil
}

func (c *GoogleClient) CreateEvent(ctx context.Context, userID int64, calendarID string, ev *Event) (*Event, error) {
	srv, err := c.service(ctx, userID)
	if err != nil {
		return nil, err
	}

	created, err := srv.Events.Insert(calendarID, toGoogleEvent(ev)).Context(ctx).Do()
	if err != nil {
		return nil, Classify(err)
	}

	out := fromGoogleEvent(created)
	c.logger.Debug().Int64("user_id", userID).Str("event_id", out.ID).Msg("external event created")
	return &out, nil
}

func (c *GoogleClient) UpdateEvent(ctx context.Context, userID int64, calendarID string, ev *Event) (*Event, error) {
	srv, err := c.service(ctx, userID)
	if err != nil {
		return nil, err
	}

	call := srv.Events.Update(calendarID, ev.ID, toGoogleEvent(ev)).Context(ctx)
	if ev.Etag != "" {
		// Conditional write: a concurrent external edit fails the etag
		// precondition instead of being silently overwritten.
		call.Header().Set("If-Match", ev.Etag)
	}
	updated, err := call.Do()
	if err != nil {
		return nil, Classify(err)
	}

	out := fromGoogleEvent(updated)
	return &out, nil
}

func (c *GoogleClient) DeleteEvent(ctx context.Context, userID int64, calendarID, eventID string) error {
	srv, err := c.service(ctx, userID)
	if err != nil {
		return err
	}
	if err := srv.Events.Delete(calendarID, eventID).Context(ctx).Do(); err != nil {
		return Classify(err)
	}
	return nil
}

func (c *GoogleClient) GetEvent(ctx context.Context, userID int64, calendarID, eventID string) (*Event, error) {
	srv, err := c.service(ctx, userID)
	if err != nil {
		return nil, err
	}
	got, err := srv.Events.Get(calendarID, eventID).Context(ctx).Do()
	if err != nil {
		return nil, Classify(err)
	}
	out := fromGoogleEvent(got)
	return &out, nil
}

func (c *GoogleClient) ListChanges(ctx context.Context, userID int64, calendarID, syncToken string) (*ChangeList, error) {
	srv, err := c.service(ctx, userID)
	if err != nil {
		return nil, err
	}

	result := &ChangeList{}
	pageToken := ""
	for {
		call := srv.Events.List(calendarID).ShowDeleted(true).Context(ctx)
		if syncToken != "" {
			call = call.SyncToken(syncToken)
		} else {
			call = call.SingleEvents(true)
		}
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		page, err := call.Do()
		if err != nil {
			return nil, Classify(err)
		}

		for _, item := range page.Items {
			ev := fromGoogleEvent(item)
			result.Changes = append(result.Changes, Change{Event: ev, Deleted: ev.Cancelled})
		}

		if page.NextPageToken != "" {
			pageToken = page.NextPageToken
			continue
		}
		result.NextSyncToken = page.NextSyncToken
		return result, nil
	}
}

func (c *GoogleClient) Watch(ctx context.Context, userID int64, calendarID, channelID, token, address string) (*Channel, error) {
	srv, err := c.service(ctx, userID)
	if err != nil {
		return nil, err
	}

	req := &gcal.Channel{
		Id:      channelID,
		Type:    "web_hook",
		Address: address,
		Token:   token,
	}
	resp, err := srv.Events.Watch(calendarID, req).Context(ctx).Do()
	if err != nil {
		return nil, Classify(err)
	}

	ch := &Channel{
		ID:         resp.Id,
		ResourceID: resp.ResourceId,
		Token:      token,
	}
	if resp.Expiration > 0 {
		ch.Expiry = time.UnixMilli(resp.Expiration)
	}
	c.logger.Info().Int64("user_id", userID).Str("channel_id", ch.ID).Time("expiry", ch.Expiry).Msg("webhook channel registered")
	return ch, nil
}

func (c *GoogleClient) StopChannel(ctx context.Context, userID int64, channelID, resourceID string) error {
	srv, err := c.service(ctx, userID)
	if err != nil {
		return err
	}
	req := &gcal.Channel{Id: channelID, ResourceId: resourceID}
	if err := srv.Channels.Stop(req).Context(ctx).Do(); err != nil {
		return Classify(err)
	}
	return nil
}
