package resolver

import (
	"encoding/json"
	"time"

	"ledgercal/internal/calendar"
	"ledgercal/internal/models"
)

// Winner names the side whose edit survives a conflict.
type Winner string

const (
	WinnerInternal Winner = "internal"
	WinnerExternal Winner = "external"
)

// Decision is the outcome of conflict resolution. Both prior payloads are
// kept so the audit trail preserves what was overwritten.
type Decision struct {
	Winner     Winner
	InternalAt time.Time
	ExternalAt time.Time
	Internal   *models.FinanceEvent
	External   *calendar.Event
}

// Resolve decides which side wins when both changed since the last
// successful sync. Policy: last write wins by wall-clock timestamp; an
// exact tie goes to the internal store, because the financial data is
// authoritative. Deterministic: same inputs always give the same decision.
func Resolve(internal *models.FinanceEvent, external *calendar.Event) Decision {
	d := Decision{
		InternalAt: internal.UpdatedAt,
		ExternalAt: external.Updated,
		Internal:   internal,
		External:   external,
	}
	if external.Updated.After(internal.UpdatedAt) {
		d.Winner = WinnerExternal
	} else {
		d.Winner = WinnerInternal
	}
	return d
}

// AuditDetails serializes the decision for the conflict_resolved audit
// record, including both overwritten payloads.
func (d Decision) AuditDetails() string {
	payload := map[string]interface{}{
		"winner":      string(d.Winner),
		"internal_at": d.InternalAt,
		"external_at": d.ExternalAt,
		"internal":    d.Internal,
		"external":    d.External,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return `{"winner":"` + string(d.Winner) + `"}`
	}
	return string(raw)
}
