package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"ledgercal/internal/models"
)

const mappingColumns = `id, user_id, internal_id, external_id, calendar_id, status, origin,
    last_synced_at, last_modified_at, version, etag, error_message, error_count, created_at, updated_at`

func scanMapping(row interface{ Scan(...interface{}) error }) (*models.EventMapping, error) {
	var m models.EventMapping
	err := row.Scan(
		&m.ID, &m.UserID, &m.InternalID, &m.ExternalID, &m.CalendarID, &m.Status, &m.Origin,
		&m.LastSyncedAt, &m.LastModifiedAt, &m.Version, &m.Etag, &m.ErrorMessage, &m.ErrorCount,
		&m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// GetMappingByInternalID returns the mapping for (user, internal event),
// or ErrNotFound.
func (db *DB) GetMappingByInternalID(ctx context.Context, userID, internalID int64) (*models.EventMapping, error) {
	query := `SELECT ` + mappingColumns + ` FROM event_mappings WHERE user_id = ? AND internal_id = ?`
	m, err := scanMapping(db.db.QueryRowContext(ctx, query, userID, internalID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get mapping by internal id: %w", err)
	}
	return m, nil
}

// GetMappingByExternalID returns the mapping for (user, external event),
// or ErrNotFound.
func (db *DB) GetMappingByExternalID(ctx context.Context, userID int64, externalID string) (*models.EventMapping, error) {
	query := `SELECT ` + mappingColumns + ` FROM event_mappings WHERE user_id = ? AND external_id = ?`
	m, err := scanMapping(db.db.QueryRowContext(ctx, query, userID, externalID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get mapping by external id: %w", err)
	}
	return m, nil
}

// CreateMapping inserts a new mapping with version 1. A uniqueness
// violation on (user, internal) or (user, external) returns
// ErrDuplicateMapping.
func (db *DB) CreateMapping(ctx context.Context, m *models.EventMapping) error {
	now := time.Now()
	query := `INSERT INTO event_mappings (user_id, internal_id, external_id, calendar_id, status, origin,
                last_synced_at, last_modified_at, version, etag, error_message, error_count, created_at, updated_at)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?, ?, ?)`
	result, err := db.db.ExecContext(ctx, query,
		m.UserID, m.InternalID, m.ExternalID, m.CalendarID, m.Status, m.Origin,
		m.LastSyncedAt, m.LastModifiedAt, m.Etag, m.ErrorMessage, m.ErrorCount, now, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateMapping
		}
		return fmt.Errorf("failed to create mapping: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	m.ID = id
	m.Version = 1
	m.CreatedAt = now
	m.UpdatedAt = now
	return nil
}

// UpdateMapping performs a compare-and-swap update: the write succeeds only
// when the stored version still equals m.Version. On success the version is
// bumped in place; a concurrent modification returns ErrVersionConflict.
func (db *DB) UpdateMapping(ctx context.Context, m *models.EventMapping) error {
	now := time.Now()
	query := `UPDATE event_mappings SET
                external_id = ?, calendar_id = ?, status = ?, origin = ?,
                last_synced_at = ?, last_modified_at = ?, etag = ?,
                error_message = ?, error_count = ?, version = version + 1, updated_at = ?
              WHERE id = ? AND version = ?`
	result, err := db.db.ExecContext(ctx, query,
		m.ExternalID, m.CalendarID, m.Status, m.Origin,
		m.LastSyncedAt, m.LastModifiedAt, m.Etag,
		m.ErrorMessage, m.ErrorCount, now,
		m.ID, m.Version,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateMapping
		}
		return fmt.Errorf("failed to update mapping: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrVersionConflict
	}
	m.Version++
	m.UpdatedAt = now
	return nil
}

// DeleteMapping removes the mapping for (user, internal event) after a
// deletion has been propagated to both sides.
func (db *DB) DeleteMapping(ctx context.Context, userID, internalID int64) error {
	_, err := db.db.ExecContext(ctx,
		`DELETE FROM event_mappings WHERE user_id = ? AND internal_id = ?`, userID, internalID)
	if err != nil {
		return fmt.Errorf("failed to delete mapping: %w", err)
	}
	return nil
}

// ListMappingsForUser returns all mappings of a user.
func (db *DB) ListMappingsForUser(ctx context.Context, userID int64) ([]models.EventMapping, error) {
	query := `SELECT ` + mappingColumns + ` FROM event_mappings WHERE user_id = ? ORDER BY internal_id`
	rows, err := db.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list mappings: %w", err)
	}
	defer rows.Close()

	var mappings []models.EventMapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan mapping: %w", err)
		}
		mappings = append(mappings, *m)
	}
	return mappings, rows.Err()
}

// CountMappingsInError returns the number of mappings stuck in error state,
// surfaced in the sync status endpoint.
func (db *DB) CountMappingsInError(ctx context.Context, userID int64) (int, error) {
	var n int
	err := db.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM event_mappings WHERE user_id = ? AND status = ?`,
		userID, models.MappingStatusError).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count error mappings: %w", err)
	}
	return n, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
