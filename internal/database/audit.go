package database

import (
	"context"
	"fmt"
	"time"

	"ledgercal/internal/models"
)

// AppendAuditRecord writes one immutable audit line. This is the only
// statement that touches the audit_log table besides reads; there is no
// update or delete path.
func (db *DB) AppendAuditRecord(ctx context.Context, r *models.AuditRecord) error {
	now := time.Now()
	query := `INSERT INTO audit_log (user_id, action, internal_id, external_id, success, error, details, created_at)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	result, err := db.db.ExecContext(ctx, query,
		r.UserID, r.Action, r.InternalID, r.ExternalID, r.Success, r.Error, r.Details, now,
	)
	if err != nil {
		return fmt.Errorf("failed to append audit record: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	r.ID = id
	r.CreatedAt = now
	return nil
}

// ListAuditRecords returns a user's audit trail, newest first.
func (db *DB) ListAuditRecords(ctx context.Context, userID int64, limit int) ([]models.AuditRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, user_id, action, internal_id, external_id, success, error, details, created_at
              FROM audit_log WHERE user_id = ? ORDER BY id DESC LIMIT ?`
	rows, err := db.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit records: %w", err)
	}
	defer rows.Close()

	var records []models.AuditRecord
	for rows.Next() {
		var r models.AuditRecord
		err := rows.Scan(&r.ID, &r.UserID, &r.Action, &r.InternalID, &r.ExternalID, &r.Success, &r.Error, &r.Details, &r.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
