package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ledgercal/internal/models"
)

const financeColumns = `id, user_id, category, title, amount_cents, currency, due_date, notes, deleted, created_at, updated_at`

func scanFinanceEvent(row interface{ Scan(...interface{}) error }) (*models.FinanceEvent, error) {
	var e models.FinanceEvent
	err := row.Scan(&e.ID, &e.UserID, &e.Category, &e.Title, &e.AmountCents, &e.Currency,
		&e.DueDate, &e.Notes, &e.Deleted, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// CreateFinanceEvent inserts a new internal finance event.
func (db *DB) CreateFinanceEvent(ctx context.Context, e *models.FinanceEvent) error {
	now := time.Now()
	query := `INSERT INTO finance_events (user_id, category, title, amount_cents, currency, due_date, notes, deleted, created_at, updated_at)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	result, err := db.db.ExecContext(ctx, query,
		e.UserID, e.Category, e.Title, e.AmountCents, e.Currency, e.DueDate, e.Notes, e.Deleted, now, now)
	if err != nil {
		return fmt.Errorf("failed to create finance event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	e.ID = id
	e.CreatedAt = now
	e.UpdatedAt = now
	return nil
}

// GetFinanceEvent returns one event scoped to the user, or ErrNotFound.
func (db *DB) GetFinanceEvent(ctx context.Context, userID, id int64) (*models.FinanceEvent, error) {
	query := `SELECT ` + financeColumns + ` FROM finance_events WHERE user_id = ? AND id = ?`
	e, err := scanFinanceEvent(db.db.QueryRowContext(ctx, query, userID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get finance event: %w", err)
	}
	return e, nil
}

// UpdateFinanceEvent overwrites the mutable fields of an event and bumps
// updated_at.
func (db *DB) UpdateFinanceEvent(ctx context.Context, e *models.FinanceEvent) error {
	now := time.Now()
	query := `UPDATE finance_events SET category = ?, title = ?, amount_cents = ?, currency = ?,
                due_date = ?, notes = ?, deleted = ?, updated_at = ?
              WHERE user_id = ? AND id = ?`
	result, err := db.db.ExecContext(ctx, query,
		e.Category, e.Title, e.AmountCents, e.Currency, e.DueDate, e.Notes, e.Deleted, now,
		e.UserID, e.ID)
	if err != nil {
		return fmt.Errorf("failed to update finance event: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	e.UpdatedAt = now
	return nil
}

// MarkFinanceEventDeleted soft-deletes an event so the deletion can still
// be propagated to the external side before cleanup.
func (db *DB) MarkFinanceEventDeleted(ctx context.Context, userID, id int64) error {
	_, err := db.db.ExecContext(ctx,
		`UPDATE finance_events SET deleted = 1, updated_at = ? WHERE user_id = ? AND id = ?`,
		time.Now(), userID, id)
	if err != nil {
		return fmt.Errorf("failed to mark finance event deleted: %w", err)
	}
	return nil
}

// ListFinanceEventsModifiedSince returns a user's events touched after the
// given time, soft-deleted ones included so deletions propagate.
func (db *DB) ListFinanceEventsModifiedSince(ctx context.Context, userID int64, since time.Time) ([]models.FinanceEvent, error) {
	query := `SELECT ` + financeColumns + ` FROM finance_events
              WHERE user_id = ? AND updated_at > ? ORDER BY updated_at ASC`
	rows, err := db.db.QueryContext(ctx, query, userID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list modified finance events: %w", err)
	}
	defer rows.Close()

	var events []models.FinanceEvent
	for rows.Next() {
		e, err := scanFinanceEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan finance event: %w", err)
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}

// ListFinanceEvents returns all live events of a user.
func (db *DB) ListFinanceEvents(ctx context.Context, userID int64) ([]models.FinanceEvent, error) {
	query := `SELECT ` + financeColumns + ` FROM finance_events
              WHERE user_id = ? AND deleted = 0 ORDER BY due_date ASC`
	rows, err := db.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list finance events: %w", err)
	}
	defer rows.Close()

	var events []models.FinanceEvent
	for rows.Next() {
		e, err := scanFinanceEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan finance event: %w", err)
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}
