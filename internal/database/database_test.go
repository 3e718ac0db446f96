package database

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"ledgercal/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	logger := zerolog.Nop()
	db, err := NewDB(path, &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestNewDB_DirectoryCreation(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "db_test_dir")
	require.NoError(t, err)
	defer os.RemoveAll(tempDir)

	dbPath := filepath.Join(tempDir, "nested", "dir", "test.db")
	logger := zerolog.Nop()

	db, err := NewDB(dbPath, &logger)
	require.NoError(t, err)
	defer db.Close()

	assert.FileExists(t, dbPath)
}

func TestSyncSettings_DefaultWhenMissing(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	s, err := db.GetSyncSettings(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, int64(42), s.UserID)
	assert.False(t, s.Enabled)
	assert.Equal(t, models.DirectionBidirectional, s.Direction)
	assert.Equal(t, "primary", s.CalendarID)
}

func TestSyncSettings_SaveAndLoad(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	now := time.Now().Truncate(time.Second)
	s := &models.SyncSettings{
		UserID:          7,
		Enabled:         true,
		Direction:       models.DirectionToExternal,
		Categories:      []string{models.CategoryBill},
		AutoSyncMinutes: 30,
		SyncToken:       "tok-1",
		LastFullSyncAt:  &now,
		Channel: models.WebhookChannel{
			ID:         "ch-1",
			ResourceID: "res-1",
			Expiry:     now.Add(24 * time.Hour),
			Secret:     "s3cret",
		},
		ConsentGiven:   true,
		ConsentVersion: 2,
		CalendarID:     "primary",
		AccountEmail:   "user@example.com",
	}
	require.NoError(t, db.SaveSyncSettings(ctx, s))

	loaded, err := db.GetSyncSettings(ctx, 7)
	require.NoError(t, err)
	assert.True(t, loaded.Enabled)
	assert.Equal(t, models.DirectionToExternal, loaded.Direction)
	assert.Equal(t, []string{models.CategoryBill}, loaded.Categories)
	assert.Equal(t, "tok-1", loaded.SyncToken)
	assert.Equal(t, "ch-1", loaded.Channel.ID)
	assert.Equal(t, "s3cret", loaded.Channel.Secret)
	assert.True(t, loaded.ConsentGiven)
	assert.Equal(t, "user@example.com", loaded.AccountEmail)

	// Second save updates in place.
	s.Enabled = false
	s.SyncToken = "tok-2"
	require.NoError(t, db.SaveSyncSettings(ctx, s))

	loaded, err = db.GetSyncSettings(ctx, 7)
	require.NoError(t, err)
	assert.False(t, loaded.Enabled)
	assert.Equal(t, "tok-2", loaded.SyncToken)
}

func TestListUsersWithSyncEnabled(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	for i, enabled := range []bool{true, false, true} {
		s := models.DefaultSyncSettings(int64(i + 1))
		s.Enabled = enabled
		s.ConsentGiven = enabled
		require.NoError(t, db.SaveSyncSettings(ctx, s))
	}

	ids, err := db.ListUsersWithSyncEnabled(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{1, 3}, ids)
}

func TestGetSyncSettingsByChannelID(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	s := models.DefaultSyncSettings(9)
	s.Channel = models.WebhookChannel{
		ID:         "chan-9",
		ResourceID: "res-9",
		Expiry:     time.Now().Add(time.Hour),
		Secret:     "s3cret",
	}
	require.NoError(t, db.SaveSyncSettings(ctx, s))

	found, err := db.GetSyncSettingsByChannelID(ctx, "chan-9")
	require.NoError(t, err)
	assert.Equal(t, int64(9), found.UserID)
	assert.Equal(t, "s3cret", found.Channel.Secret)

	_, err = db.GetSyncSettingsByChannelID(ctx, "no-such-channel")
	assert.ErrorIs(t, err, ErrNotFound)
}
