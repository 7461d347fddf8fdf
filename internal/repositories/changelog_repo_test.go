package repositories

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maoxiaohua/tcm-ai-sub001/internal/models"
)

func TestPostgresChangeLogRepository_AppendAndGet(t *testing.T) {
	pool := getTestPool(t)
	repo := NewPostgresChangeLogRepository(pool)
	ctx := context.Background()
	userID := testUser()
	defer cleanupUserData(t, pool, userID)

	entry := logEntry(userID, "c-1", 1)
	require.NoError(t, repo.Append(ctx, entry))
	assert.Greater(t, entry.ID, int64(0), "Append returns the assigned id")
	assert.False(t, entry.CreatedAt.IsZero())

	loaded, err := repo.GetByEventID(ctx, entry.EventID)
	require.NoError(t, err)
	assert.Equal(t, entry.ID, loaded.ID)
	assert.Equal(t, userID, loaded.UserID)
	assert.Equal(t, models.EventStateChange, loaded.EventType)
	assert.Equal(t, models.OpUpdate, loaded.OperationType)
	assert.Equal(t, entry.DeviceFingerprint, loaded.DeviceFingerprint)
	assert.Equal(t, int64(1), loaded.ServerVersion)
	assert.JSONEq(t, string(entry.NewData), string(loaded.NewData))
	assert.Empty(t, loaded.SyncedDevices)
}

func TestPostgresChangeLogRepository_GetNotFound(t *testing.T) {
	pool := getTestPool(t)
	repo := NewPostgresChangeLogRepository(pool)

	_, err := repo.GetByEventID(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresChangeLogRepository_GetByRecordVersion(t *testing.T) {
	pool := getTestPool(t)
	repo := NewPostgresChangeLogRepository(pool)
	ctx := context.Background()
	userID := testUser()
	defer cleanupUserData(t, pool, userID)

	first := logEntry(userID, "c-1", 1)
	second := logEntry(userID, "c-1", 2)
	require.NoError(t, repo.Append(ctx, first))
	require.NoError(t, repo.Append(ctx, second))

	key := models.RecordKey{RecordType: "consultation", RecordKey: "c-1"}
	loaded, err := repo.GetByRecordVersion(ctx, userID, key, 2)
	require.NoError(t, err)
	assert.Equal(t, second.EventID, loaded.EventID)

	_, err = repo.GetByRecordVersion(ctx, userID, key, 3)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresChangeLogRepository_DuplicateEventID(t *testing.T) {
	pool := getTestPool(t)
	repo := NewPostgresChangeLogRepository(pool)
	ctx := context.Background()
	userID := testUser()
	defer cleanupUserData(t, pool, userID)

	entry := logEntry(userID, "c-1", 1)
	require.NoError(t, repo.Append(ctx, entry))

	retry := logEntry(userID, "c-1", 2)
	retry.EventID = entry.EventID
	err := repo.Append(ctx, retry)
	assert.ErrorIs(t, err, ErrDuplicateEvent)
}

func TestPostgresChangeLogRepository_VersionSlotConflict(t *testing.T) {
	pool := getTestPool(t)
	repo := NewPostgresChangeLogRepository(pool)
	ctx := context.Background()
	userID := testUser()
	defer cleanupUserData(t, pool, userID)

	require.NoError(t, repo.Append(ctx, logEntry(userID, "c-1", 1)))

	err := repo.Append(ctx, logEntry(userID, "c-1", 1))
	assert.ErrorIs(t, err, ErrVersionConflict, "only one event can win a version slot")
}

func TestPostgresChangeLogRepository_ListSince(t *testing.T) {
	pool := getTestPool(t)
	repo := NewPostgresChangeLogRepository(pool)
	ctx := context.Background()
	userID := testUser()
	defer cleanupUserData(t, pool, userID)

	first := logEntry(userID, "c-1", 1)
	second := logEntry(userID, "c-1", 2)
	third := logEntry(userID, "c-1", 3)
	require.NoError(t, repo.Append(ctx, first))
	require.NoError(t, repo.Append(ctx, second))
	require.NoError(t, repo.Append(ctx, third))

	entries, err := repo.ListSince(ctx, userID, first.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, second.EventID, entries[0].EventID)
	assert.Equal(t, third.EventID, entries[1].EventID)

	all, err := repo.ListSince(ctx, userID, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestPostgresChangeLogRepository_MarkSyncedIsIdempotent(t *testing.T) {
	pool := getTestPool(t)
	repo := NewPostgresChangeLogRepository(pool)
	ctx := context.Background()
	userID := testUser()
	defer cleanupUserData(t, pool, userID)

	entry := logEntry(userID, "c-1", 1)
	require.NoError(t, repo.Append(ctx, entry))

	deviceID := uuid.New()
	require.NoError(t, repo.MarkSynced(ctx, entry.EventID, deviceID))
	require.NoError(t, repo.MarkSynced(ctx, entry.EventID, deviceID))

	loaded, err := repo.GetByEventID(ctx, entry.EventID)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{deviceID}, loaded.SyncedDevices)
}

func TestPostgresChangeLogRepository_PruneBefore(t *testing.T) {
	pool := getTestPool(t)
	repo := NewPostgresChangeLogRepository(pool)
	ctx := context.Background()
	userID := testUser()
	defer cleanupUserData(t, pool, userID)

	entry := logEntry(userID, "c-1", 1)
	require.NoError(t, repo.Append(ctx, entry))

	pruned, err := repo.PruneBefore(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, pruned, "recent entries stay inside the retention window")

	_, err = repo.GetByEventID(ctx, entry.EventID)
	require.NoError(t, err)

	pruned, err = repo.PruneBefore(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, pruned, int64(1))

	_, err = repo.GetByEventID(ctx, entry.EventID)
	assert.ErrorIs(t, err, ErrNotFound)
}
