package database

import (
	"context"
	"testing"
	"time"

	"ledgercal/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFinanceEventCRUD(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	e := &models.FinanceEvent{
		UserID:      1,
		Category:    models.CategoryBill,
		Title:       "Electricity",
		AmountCents: 8990,
		Currency:    "EUR",
		DueDate:     time.Now().AddDate(0, 0, 7),
	}
	require.NoError(t, db.CreateFinanceEvent(ctx, e))
	assert.NotZero(t, e.ID)

	loaded, err := db.GetFinanceEvent(ctx, 1, e.ID)
	require.NoError(t, err)
	assert.Equal(t, "Electricity", loaded.Title)

	// Scoped by user.
	_, err = db.GetFinanceEvent(ctx, 2, e.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	loaded.AmountCents = 9100
	require.NoError(t, db.UpdateFinanceEvent(ctx, loaded))

	updated, err := db.GetFinanceEvent(ctx, 1, e.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(9100), updated.AmountCents)
	assert.True(t, updated.UpdatedAt.After(updated.CreatedAt) || updated.UpdatedAt.Equal(updated.CreatedAt))

	require.NoError(t, db.MarkFinanceEventDeleted(ctx, 1, e.ID))
	gone, err := db.GetFinanceEvent(ctx, 1, e.ID)
	require.NoError(t, err)
	assert.True(t, gone.Deleted)

	live, err := db.ListFinanceEvents(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, live, "soft-deleted events are excluded from listings")
}

func TestListFinanceEventsModifiedSince(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	old := &models.FinanceEvent{UserID: 1, Category: models.CategoryIncome, Title: "Salary", DueDate: time.Now()}
	require.NoError(t, db.CreateFinanceEvent(ctx, old))

	cutoff := time.Now()

	// Backdate the first event so only the second counts as modified.
	_, err := db.ExecContext(ctx, `UPDATE finance_events SET updated_at = ? WHERE id = ?`,
		cutoff.Add(-time.Hour), old.ID)
	require.NoError(t, err)

	fresh := &models.FinanceEvent{UserID: 1, Category: models.CategoryBill, Title: "Rent", DueDate: time.Now()}
	require.NoError(t, db.CreateFinanceEvent(ctx, fresh))

	events, err := db.ListFinanceEventsModifiedSince(ctx, 1, cutoff)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "Rent", events[0].Title)

	// Soft-deleted events still show up so deletions propagate.
	require.NoError(t, db.MarkFinanceEventDeleted(ctx, 1, old.ID))
	events, err = db.ListFinanceEventsModifiedSince(ctx, 1, cutoff)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}
