package calendar

import (
	"fmt"
	"strconv"
	"time"

	gcal "google.golang.org/api/calendar/v3"

	"ledgercal/internal/models"
)

// internalIDProperty is the private extended property carrying the
// internal finance event id. It lets the engine re-link an external event
// to its internal counterpart even when the mapping row was lost.
const internalIDProperty = "ledgercal_internal_id"

// FromFinanceEvent renders an internal finance event as a calendar event.
func FromFinanceEvent(e *models.FinanceEvent) *Event {
	return &Event{
		Summary:     fmt.Sprintf("%s (%s)", e.Title, e.Amount()),
		Description: buildDescription(e),
		Date:        e.DueDate,
		InternalID:  e.ID,
	}
}

func buildDescription(e *models.FinanceEvent) string {
	desc := fmt.Sprintf("Category: %s\nAmount: %s", e.Category, e.Amount())
	if e.Notes != "" {
		desc += "\n\n" + e.Notes
	}
	return desc
}

func toGoogleEvent(ev *Event) *gcal.Event {
	date := ev.Date.Format("2006-01-02")
	g := &gcal.Event{
		Summary:     ev.Summary,
		Description: ev.Description,
		Start:       &gcal.EventDateTime{Date: date},
		End:         &gcal.EventDateTime{Date: date},
	}
	if ev.InternalID != 0 {
		g.ExtendedProperties = &gcal.EventExtendedProperties{
			Private: map[string]string{internalIDProperty: strconv.FormatInt(ev.InternalID, 10)},
		}
	}
	return g
}

func fromGoogleEvent(g *gcal.Event) Event {
	ev := Event{
		ID:          g.Id,
		Etag:        g.Etag,
		Summary:     g.Summary,
		Description: g.Description,
		Cancelled:   g.Status == "cancelled",
	}
	if g.Start != nil {
		if g.Start.Date != "" {
			if d, err := time.Parse("2006-01-02", g.Start.Date); err == nil {
				ev.Date = d
			}
		} else if g.Start.DateTime != "" {
			if d, err := time.Parse(time.RFC3339, g.Start.DateTime); err == nil {
				ev.Date = d
			}
		}
	}
	if g.Updated != "" {
		if u, err := time.Parse(time.RFC3339, g.Updated); err == nil {
			ev.Updated = u
		}
	}
	if g.ExtendedProperties != nil && g.ExtendedProperties.Private != nil {
		if raw, ok := g.ExtendedProperties.Private[internalIDProperty]; ok {
			if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
				ev.InternalID = id
			}
		}
	}
	return ev
}
