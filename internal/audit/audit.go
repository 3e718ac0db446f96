package audit

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"ledgercal/internal/database"
	"ledgercal/internal/events"
	"ledgercal/internal/models"
)

// Recorder subscribes to audit events on the bus and persists them.
// Producers publish through Emit instead of writing to the store, which
// keeps the audit log write-only and out of the sync logic itself.
type Recorder struct {
	db     *database.DB
	logger *zerolog.Logger
}

func NewRecorder(db *database.DB, bus *events.EventBus, logger *zerolog.Logger) *Recorder {
	sub := logger.With().Str("component", "audit").Logger()
	r := &Recorder{db: db, logger: &sub}
	bus.Subscribe(events.EventAudit, r.handle)
	return r
}

func (r *Recorder) handle(e *events.Event) error {
	var rec models.AuditRecord
	if err := json.Unmarshal(e.Payload, &rec); err != nil {
		r.logger.Error().Err(err).Msg("malformed audit payload")
		return err
	}
	if err := r.db.AppendAuditRecord(context.Background(), &rec); err != nil {
		// An audit failure never blocks the sync path; it is logged and
		// the sync action proceeds.
		r.logger.Error().Err(err).Str("action", rec.Action).Msg("failed to append audit record")
		return err
	}
	return nil
}

// Emit publishes one audit record to the bus. Handlers run synchronously,
// so the record is persisted before Emit returns under normal operation.
func Emit(bus *events.EventBus, rec *models.AuditRecord) {
	if bus == nil {
		return
	}
	_ = bus.PublishJSON(events.EventAudit, rec)
}
