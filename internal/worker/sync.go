package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"ledgercal/internal/calendar"
	"ledgercal/internal/database"
	"ledgercal/internal/metrics"
	"ledgercal/internal/models"
	"ledgercal/internal/resolver"
)

// expandFullSync turns a to_external full-sync job into one job per
// qualifying finance event, and chains a from_external listing job when
// the direction includes the inbound side. The expansion job itself does
// not talk to the calendar, so it cannot hit API errors mid-way.
func (w *SyncWorker) expandFullSync(ctx context.Context, log *zerolog.Logger, settings *models.SyncSettings, job *models.QueueJob) error {
	w.audit(&models.AuditRecord{
		UserID:  job.UserID,
		Action:  models.AuditSyncStarted,
		Success: true,
		Details: fmt.Sprintf(`{"job_id":%d}`, job.ID),
	})

	enqueued := 0
	if settings.Direction != models.DirectionFromExternal {
		evts, err := w.db.ListFinanceEventsModifiedSince(ctx, job.UserID, time.Time{})
		if err != nil {
			return fmt.Errorf("list finance events: %w", err)
		}
		for i := range evts {
			ev := &evts[i]
			if !settings.SyncsCategory(ev.Category) {
				continue
			}
			id := ev.ID
			child := &models.QueueJob{
				UserID:     job.UserID,
				EventID:    &id,
				Direction:  models.DirectionToExternal,
				Priority:   job.Priority,
				MaxRetries: job.MaxRetries,
			}
			if err := w.db.EnqueueJob(ctx, child); err != nil {
				return fmt.Errorf("enqueue event job: %w", err)
			}
			enqueued++
		}
	}

	if settings.Direction != models.DirectionToExternal {
		if err := w.db.EnqueueJob(ctx, &models.QueueJob{
			UserID:     job.UserID,
			Direction:  models.DirectionFromExternal,
			Priority:   job.Priority,
			MaxRetries: job.MaxRetries,
		}); err != nil {
			return fmt.Errorf("enqueue inbound job: %w", err)
		}
		enqueued++
	}

	now := time.Now()
	settings.LastFullSyncAt = &now
	if err := w.db.SaveSyncSettings(ctx, settings); err != nil {
		return fmt.Errorf("record full sync time: %w", err)
	}

	log.Info().Int("enqueued", enqueued).Msg("full sync expanded")
	w.audit(&models.AuditRecord{
		UserID:  job.UserID,
		Action:  models.AuditSyncCompleted,
		Success: true,
		Details: fmt.Sprintf(`{"job_id":%d,"enqueued":%d}`, job.ID, enqueued),
	})
	return nil
}

// syncEventToExternal pushes one finance event to the calendar: create
// when unmapped, conditional update when mapped, delete propagation when
// the internal event was removed. Re-running a completed job is a no-op.
func (w *SyncWorker) syncEventToExternal(ctx context.Context, log *zerolog.Logger, settings *models.SyncSettings, job *models.QueueJob) error {
	ev, err := w.db.GetFinanceEvent(ctx, job.UserID, *job.EventID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			log.Debug().Int64("event_id", *job.EventID).Msg("finance event gone, nothing to sync")
			return nil
		}
		return fmt.Errorf("load finance event: %w", err)
	}
	if !settings.SyncsCategory(ev.Category) {
		return nil
	}

	mapping, err := w.db.GetMappingByInternalID(ctx, job.UserID, ev.ID)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		return fmt.Errorf("load mapping: %w", err)
	}

	if mapping == nil {
		if ev.Deleted {
			return nil
		}
		return w.createExternal(ctx, log, settings, ev)
	}

	if ev.Deleted {
		return w.deleteExternal(ctx, log, settings, ev, mapping)
	}

	// Idempotence: the event has not changed since the last successful
	// push, so re-processing (at-least-once delivery) does nothing.
	if mapping.LastSyncedAt != nil && !ev.UpdatedAt.After(*mapping.LastSyncedAt) {
		log.Debug().Int64("event_id", ev.ID).Msg("event unchanged since last sync, skipping")
		return nil
	}

	return w.updateExternal(ctx, log, settings, ev, mapping)
}

func (w *SyncWorker) createExternal(ctx context.Context, log *zerolog.Logger, settings *models.SyncSettings, ev *models.FinanceEvent) error {
	created, err := w.cal.CreateEvent(ctx, ev.UserID, settings.CalendarID, calendar.FromFinanceEvent(ev))
	if err != nil {
		return fmt.Errorf("create external event: %w", err)
	}

	now := time.Now()
	mapping := &models.EventMapping{
		UserID:         ev.UserID,
		InternalID:     ev.ID,
		ExternalID:     created.ID,
		CalendarID:     settings.CalendarID,
		Status:         models.MappingStatusSynced,
		Origin:         models.OriginInternal,
		LastSyncedAt:   &now,
		LastModifiedAt: &ev.UpdatedAt,
		Etag:           created.Etag,
	}
	if err := w.db.CreateMapping(ctx, mapping); err != nil {
		if errors.Is(err, database.ErrDuplicateMapping) {
			// Another path mapped this event between our lookup and now.
			// Remove the duplicate we just created and retry; the next
			// attempt takes the update path.
			if delErr := w.cal.DeleteEvent(ctx, ev.UserID, settings.CalendarID, created.ID); delErr != nil {
				log.Error().Err(delErr).Str("external_id", created.ID).Msg("failed to remove duplicate external event")
			}
			return retryable("%w for event %d", errMappingRace, ev.ID)
		}
		return fmt.Errorf("create mapping: %w", err)
	}

	log.Info().Int64("event_id", ev.ID).Str("external_id", created.ID).Msg("external event created")
	w.audit(&models.AuditRecord{
		UserID:     ev.UserID,
		Action:     models.AuditEventCreated,
		InternalID: &ev.ID,
		ExternalID: created.ID,
		Success:    true,
	})
	return nil
}

func (w *SyncWorker) updateExternal(ctx context.Context, log *zerolog.Logger, settings *models.SyncSettings, ev *models.FinanceEvent, mapping *models.EventMapping) error {
	out := calendar.FromFinanceEvent(ev)
	out.ID = mapping.ExternalID
	out.Etag = mapping.Etag

	updated, err := w.cal.UpdateEvent(ctx, ev.UserID, settings.CalendarID, out)
	switch calendar.ClassOf(err) {
	case calendar.ClassPrecondition:
		// Stale etag: the external copy changed since we last saw it.
		return w.resolveConflict(ctx, log, settings, ev, mapping)
	case calendar.ClassNotFound:
		// Deleted externally while we held an update. The internal edit is
		// the newer intent, so recreate rather than propagate the delete.
		log.Info().Int64("event_id", ev.ID).Msg("external event gone, recreating")
		if delErr := w.db.DeleteMapping(ctx, ev.UserID, ev.ID); delErr != nil && !errors.Is(delErr, database.ErrNotFound) {
			return fmt.Errorf("drop stale mapping: %w", delErr)
		}
		return w.createExternal(ctx, log, settings, ev)
	}
	if err != nil {
		return fmt.Errorf("update external event: %w", err)
	}

	if err := w.markSynced(ctx, mapping, updated.Etag, ev.UpdatedAt, models.OriginInternal); err != nil {
		return err
	}
	log.Info().Int64("event_id", ev.ID).Str("external_id", mapping.ExternalID).Msg("external event updated")
	w.audit(&models.AuditRecord{
		UserID:     ev.UserID,
		Action:     models.AuditEventUpdated,
		InternalID: &ev.ID,
		ExternalID: mapping.ExternalID,
		Success:    true,
	})
	return nil
}

func (w *SyncWorker) deleteExternal(ctx context.Context, log *zerolog.Logger, settings *models.SyncSettings, ev *models.FinanceEvent, mapping *models.EventMapping) error {
	err := w.cal.DeleteEvent(ctx, ev.UserID, settings.CalendarID, mapping.ExternalID)
	if err != nil && calendar.ClassOf(err) != calendar.ClassNotFound {
		return fmt.Errorf("delete external event: %w", err)
	}
	if err := w.db.DeleteMapping(ctx, ev.UserID, ev.ID); err != nil && !errors.Is(err, database.ErrNotFound) {
		return fmt.Errorf("delete mapping: %w", err)
	}
	log.Info().Int64("event_id", ev.ID).Str("external_id", mapping.ExternalID).Msg("deletion propagated to calendar")
	w.audit(&models.AuditRecord{
		UserID:     ev.UserID,
		Action:     models.AuditEventDeleted,
		InternalID: &ev.ID,
		ExternalID: mapping.ExternalID,
		Success:    true,
	})
	return nil
}

// resolveConflict decides between diverged copies with last-write-wins
// and applies the winner to the losing side. The overwritten payload is
// preserved in the audit record.
func (w *SyncWorker) resolveConflict(ctx context.Context, log *zerolog.Logger, settings *models.SyncSettings, ev *models.FinanceEvent, mapping *models.EventMapping) error {
	// Flag the divergence before touching either side; a successful
	// resolution flips the mapping back to synced.
	mapping.Status = models.MappingStatusConflict
	if err := w.db.UpdateMapping(ctx, mapping); err != nil {
		if errors.Is(err, database.ErrVersionConflict) {
			return retryable("%w for mapping %d", errMappingRace, mapping.ID)
		}
		return fmt.Errorf("flag mapping conflict: %w", err)
	}

	ext, err := w.cal.GetEvent(ctx, ev.UserID, settings.CalendarID, mapping.ExternalID)
	if err != nil {
		return fmt.Errorf("fetch conflicting external event: %w", err)
	}

	decision := resolver.Resolve(ev, ext)
	log.Info().Int64("event_id", ev.ID).Str("winner", string(decision.Winner)).Msg("resolving conflict")

	switch decision.Winner {
	case resolver.WinnerInternal:
		out := calendar.FromFinanceEvent(ev)
		out.ID = mapping.ExternalID
		// No etag: the internal copy won, overwrite unconditionally.
		updated, err := w.cal.UpdateEvent(ctx, ev.UserID, settings.CalendarID, out)
		if err != nil {
			return fmt.Errorf("apply winning internal copy: %w", err)
		}
		if err := w.markSynced(ctx, mapping, updated.Etag, ev.UpdatedAt, models.OriginInternal); err != nil {
			return err
		}
	case resolver.WinnerExternal:
		if err := w.applyExternalToInternal(ctx, ev, ext); err != nil {
			return err
		}
		if err := w.markSynced(ctx, mapping, ext.Etag, ext.Updated, models.OriginExternal); err != nil {
			return err
		}
	}

	metrics.IncConflict(string(decision.Winner))
	w.audit(&models.AuditRecord{
		UserID:     ev.UserID,
		Action:     models.AuditConflictResolved,
		InternalID: &ev.ID,
		ExternalID: mapping.ExternalID,
		Success:    true,
		Details:    decision.AuditDetails(),
	})
	return nil
}

// markSynced advances the mapping via compare-and-swap. A version
// conflict means another worker or the webhook path touched the mapping
// concurrently; the job retries and re-reads state.
func (w *SyncWorker) markSynced(ctx context.Context, mapping *models.EventMapping, etag string, modifiedAt time.Time, origin string) error {
	now := time.Now()
	mapping.Status = models.MappingStatusSynced
	mapping.Origin = origin
	mapping.Etag = etag
	mapping.LastSyncedAt = &now
	mapping.LastModifiedAt = &modifiedAt
	mapping.ErrorMessage = ""
	mapping.ErrorCount = 0
	if err := w.db.UpdateMapping(ctx, mapping); err != nil {
		if errors.Is(err, database.ErrVersionConflict) {
			return retryable("%w for mapping %d", errMappingRace, mapping.ID)
		}
		return fmt.Errorf("update mapping: %w", err)
	}
	return nil
}

// syncEventFromExternal refreshes one internal event from its external
// counterpart, used for targeted manual re-syncs.
func (w *SyncWorker) syncEventFromExternal(ctx context.Context, log *zerolog.Logger, settings *models.SyncSettings, job *models.QueueJob) error {
	mapping, err := w.db.GetMappingByInternalID(ctx, job.UserID, *job.EventID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			log.Debug().Int64("event_id", *job.EventID).Msg("event not mapped, nothing to pull")
			return nil
		}
		return fmt.Errorf("load mapping: %w", err)
	}

	ext, err := w.cal.GetEvent(ctx, job.UserID, settings.CalendarID, mapping.ExternalID)
	if calendar.ClassOf(err) == calendar.ClassNotFound {
		return w.applyExternalDeletion(ctx, log, job.UserID, mapping)
	}
	if err != nil {
		return fmt.Errorf("fetch external event: %w", err)
	}
	if ext.Cancelled {
		return w.applyExternalDeletion(ctx, log, job.UserID, mapping)
	}
	return w.applyChange(ctx, log, settings, mapping, ext)
}

// applyExternalChanges walks the incremental change listing and applies
// each entry to the internal store, then advances the sync token. An
// empty token (first run or after expiry) produces a full listing.
func (w *SyncWorker) applyExternalChanges(ctx context.Context, log *zerolog.Logger, settings *models.SyncSettings, job *models.QueueJob) error {
	list, err := w.cal.ListChanges(ctx, job.UserID, settings.CalendarID, settings.SyncToken)
	if err != nil {
		return fmt.Errorf("list external changes: %w", err)
	}

	applied := 0
	for i := range list.Changes {
		ch := &list.Changes[i]
		mapping, err := w.db.GetMappingByExternalID(ctx, job.UserID, ch.Event.ID)
		if err != nil && !errors.Is(err, database.ErrNotFound) {
			return fmt.Errorf("load mapping for change: %w", err)
		}

		if ch.Deleted || ch.Event.Cancelled {
			if mapping == nil {
				continue
			}
			if err := w.applyExternalDeletion(ctx, log, job.UserID, mapping); err != nil {
				return err
			}
			applied++
			continue
		}

		if mapping == nil {
			// An unmapped event carrying the internal-id marker is one of
			// ours with a lost mapping row; anything else first appeared on
			// the calendar and becomes a new internal event.
			if ch.Event.InternalID != 0 {
				if err := w.relinkMapping(ctx, log, settings, job.UserID, &ch.Event); err != nil {
					return err
				}
			} else if err := w.importExternal(ctx, log, settings, job.UserID, &ch.Event); err != nil {
				return err
			}
			applied++
			continue
		}

		if err := w.applyChange(ctx, log, settings, mapping, &ch.Event); err != nil {
			return err
		}
		applied++
	}

	now := time.Now()
	settings.SyncToken = list.NextSyncToken
	settings.LastIncrementalAt = &now
	if err := w.db.SaveSyncSettings(ctx, settings); err != nil {
		return fmt.Errorf("advance sync token: %w", err)
	}

	log.Info().Int("changes", len(list.Changes)).Int("applied", applied).Msg("external changes applied")
	return nil
}

// applyChange writes one external event's state to the internal store,
// going through conflict resolution when both sides changed since the
// last successful sync.
func (w *SyncWorker) applyChange(ctx context.Context, log *zerolog.Logger, settings *models.SyncSettings, mapping *models.EventMapping, ext *calendar.Event) error {
	// Already seen this external revision.
	if mapping.LastSyncedAt != nil && !ext.Updated.After(*mapping.LastSyncedAt) {
		return nil
	}

	ev, err := w.db.GetFinanceEvent(ctx, mapping.UserID, mapping.InternalID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			// Internal row gone but mapping survived; drop the orphan.
			return w.applyExternalDeletion(ctx, log, mapping.UserID, mapping)
		}
		return fmt.Errorf("load finance event: %w", err)
	}

	if mapping.LastSyncedAt != nil && ev.UpdatedAt.After(*mapping.LastSyncedAt) {
		return w.resolveConflict(ctx, log, settings, ev, mapping)
	}

	if err := w.applyExternalToInternal(ctx, ev, ext); err != nil {
		return err
	}
	if err := w.markSynced(ctx, mapping, ext.Etag, ext.Updated, models.OriginExternal); err != nil {
		return err
	}
	w.audit(&models.AuditRecord{
		UserID:     mapping.UserID,
		Action:     models.AuditEventSynced,
		InternalID: &mapping.InternalID,
		ExternalID: mapping.ExternalID,
		Success:    true,
	})
	return nil
}

func (w *SyncWorker) applyExternalDeletion(ctx context.Context, log *zerolog.Logger, userID int64, mapping *models.EventMapping) error {
	if err := w.db.MarkFinanceEventDeleted(ctx, userID, mapping.InternalID); err != nil && !errors.Is(err, database.ErrNotFound) {
		return fmt.Errorf("mark finance event deleted: %w", err)
	}
	if err := w.db.DeleteMapping(ctx, userID, mapping.InternalID); err != nil && !errors.Is(err, database.ErrNotFound) {
		return fmt.Errorf("delete mapping: %w", err)
	}
	log.Info().Int64("event_id", mapping.InternalID).Str("external_id", mapping.ExternalID).Msg("external deletion applied")
	w.audit(&models.AuditRecord{
		UserID:     userID,
		Action:     models.AuditEventDeleted,
		InternalID: &mapping.InternalID,
		ExternalID: mapping.ExternalID,
		Success:    true,
	})
	return nil
}

// relinkMapping restores a lost mapping using the internal-id marker
// carried by the external event.
func (w *SyncWorker) relinkMapping(ctx context.Context, log *zerolog.Logger, settings *models.SyncSettings, userID int64, ext *calendar.Event) error {
	ev, err := w.db.GetFinanceEvent(ctx, userID, ext.InternalID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			log.Debug().Int64("event_id", ext.InternalID).Msg("marker points at missing finance event, ignoring")
			return nil
		}
		return fmt.Errorf("load finance event for relink: %w", err)
	}

	mapping := &models.EventMapping{
		UserID:     userID,
		InternalID: ev.ID,
		ExternalID: ext.ID,
		CalendarID: settings.CalendarID,
		Status:     models.MappingStatusPending,
		Origin:     models.OriginExternal,
		Etag:       ext.Etag,
	}
	if err := w.db.CreateMapping(ctx, mapping); err != nil {
		if errors.Is(err, database.ErrDuplicateMapping) {
			return retryable("%w while relinking event %d", errMappingRace, ev.ID)
		}
		return fmt.Errorf("recreate mapping: %w", err)
	}
	log.Info().Int64("event_id", ev.ID).Str("external_id", ext.ID).Msg("mapping relinked from marker")
	return w.applyChange(ctx, log, settings, mapping, ext)
}

// importExternal turns a calendar event that first appeared on the
// external side into a new internal finance event plus mapping.
func (w *SyncWorker) importExternal(ctx context.Context, log *zerolog.Logger, settings *models.SyncSettings, userID int64, ext *calendar.Event) error {
	ev := &models.FinanceEvent{
		UserID:   userID,
		Category: categoryFromDescription(ext.Description),
		Title:    ext.Summary,
		Currency: models.DefaultCurrency,
		DueDate:  ext.Date,
		Notes:    notesFromDescription(ext.Description),
	}
	if !settings.SyncsCategory(ev.Category) {
		return nil
	}
	if err := w.db.CreateFinanceEvent(ctx, ev); err != nil {
		return fmt.Errorf("create finance event from external: %w", err)
	}

	now := time.Now()
	mapping := &models.EventMapping{
		UserID:         userID,
		InternalID:     ev.ID,
		ExternalID:     ext.ID,
		CalendarID:     settings.CalendarID,
		Status:         models.MappingStatusSynced,
		Origin:         models.OriginExternal,
		LastSyncedAt:   &now,
		LastModifiedAt: &ext.Updated,
		Etag:           ext.Etag,
	}
	if err := w.db.CreateMapping(ctx, mapping); err != nil {
		if errors.Is(err, database.ErrDuplicateMapping) {
			return retryable("%w while importing external event %s", errMappingRace, ext.ID)
		}
		return fmt.Errorf("create mapping for imported event: %w", err)
	}

	log.Info().Int64("event_id", ev.ID).Str("external_id", ext.ID).Msg("external event imported")
	w.audit(&models.AuditRecord{
		UserID:     userID,
		Action:     models.AuditEventCreated,
		InternalID: &ev.ID,
		ExternalID: ext.ID,
		Success:    true,
		Details:    fmt.Sprintf(`{"origin":%q}`, models.OriginExternal),
	})
	return nil
}

// applyExternalToInternal copies the calendar representation back onto
// the finance event. The amount suffix added on the way out is stripped
// from the title; amounts themselves are never edited from the calendar.
func (w *SyncWorker) applyExternalToInternal(ctx context.Context, ev *models.FinanceEvent, ext *calendar.Event) error {
	ev.Title = titleFromSummary(ext.Summary, ev.Amount())
	if !ext.Date.IsZero() {
		ev.DueDate = ext.Date
	}
	ev.Notes = notesFromDescription(ext.Description)
	if err := w.db.UpdateFinanceEvent(ctx, ev); err != nil {
		return fmt.Errorf("update finance event: %w", err)
	}
	return nil
}

func titleFromSummary(summary, amount string) string {
	suffix := " (" + amount + ")"
	if strings.HasSuffix(summary, suffix) {
		return strings.TrimSuffix(summary, suffix)
	}
	return summary
}

// categoryFromDescription reads the category back out of the generated
// description header. Events written by hand rarely carry one; those
// default to bills.
func categoryFromDescription(desc string) string {
	rest, ok := strings.CutPrefix(desc, "Category: ")
	if !ok {
		return models.CategoryBill
	}
	if idx := strings.IndexByte(rest, '\n'); idx >= 0 {
		rest = rest[:idx]
	}
	if models.ValidCategory(rest) {
		return rest
	}
	return models.CategoryBill
}

// notesFromDescription drops the generated header lines and returns the
// free-form remainder, mirroring how the description is built.
func notesFromDescription(desc string) string {
	if idx := strings.Index(desc, "\n\n"); idx >= 0 {
		return desc[idx+2:]
	}
	if strings.HasPrefix(desc, "Category: ") {
		return ""
	}
	return desc
}
