package repositories

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maoxiaohua/tcm-ai-sub001/internal/models"
)

func TestMemoryRecordRepository_PutAndGet(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRecordRepository()

	record := serverRecord("user-1", "c-1", 1, `{"status":"active"}`)
	require.NoError(t, repo.Put(ctx, record))
	assert.False(t, record.UpdatedAt.IsZero(), "Put stamps the update time")

	loaded, err := repo.Get(ctx, "user-1", record.Key())
	require.NoError(t, err)
	assert.Equal(t, int64(1), loaded.Version)
	assert.JSONEq(t, `{"status":"active"}`, string(loaded.Payload))

	_, err = repo.Get(ctx, "user-1", models.RecordKey{RecordType: "consultation", RecordKey: "missing"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryRecordRepository_PutOnlyMovesForward(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRecordRepository()

	require.NoError(t, repo.Put(ctx, serverRecord("user-1", "c-1", 3, `{"status":"active"}`)))

	err := repo.Put(ctx, serverRecord("user-1", "c-1", 3, `{"status":"rewritten"}`))
	assert.ErrorIs(t, err, ErrVersionConflict, "same version must not overwrite")

	err = repo.Put(ctx, serverRecord("user-1", "c-1", 2, `{"status":"older"}`))
	assert.ErrorIs(t, err, ErrVersionConflict, "older version must not overwrite")

	require.NoError(t, repo.Put(ctx, serverRecord("user-1", "c-1", 4, `{"status":"closed"}`)))
	loaded, err := repo.Get(ctx, "user-1", models.RecordKey{RecordType: "consultation", RecordKey: "c-1"})
	require.NoError(t, err)
	assert.Equal(t, int64(4), loaded.Version)
}

func TestMemoryRecordRepository_ListByUser(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRecordRepository()

	require.NoError(t, repo.Put(ctx, serverRecord("user-1", "c-2", 1, `{}`)))
	require.NoError(t, repo.Put(ctx, serverRecord("user-1", "c-1", 1, `{}`)))
	require.NoError(t, repo.Put(ctx, serverRecord("user-2", "c-9", 1, `{}`)))

	records, err := repo.ListByUser(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, records, 2, "records are scoped per user")
	assert.Equal(t, "c-1", records[0].RecordKey)
	assert.Equal(t, "c-2", records[1].RecordKey)
}

func TestMemoryChangeLogRepository_AppendAssignsSequentialIDs(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryChangeLogRepository()

	first := logEntry("user-1", "c-1", 1)
	second := logEntry("user-1", "c-1", 2)
	require.NoError(t, repo.Append(ctx, first))
	require.NoError(t, repo.Append(ctx, second))

	assert.Equal(t, int64(1), first.ID)
	assert.Equal(t, int64(2), second.ID)
	assert.False(t, first.CreatedAt.IsZero())
}

func TestMemoryChangeLogRepository_DuplicateEventID(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryChangeLogRepository()

	entry := logEntry("user-1", "c-1", 1)
	require.NoError(t, repo.Append(ctx, entry))

	// A retransmit reuses the event id but may target a different slot.
	retry := logEntry("user-1", "c-1", 2)
	retry.EventID = entry.EventID
	err := repo.Append(ctx, retry)
	assert.ErrorIs(t, err, ErrDuplicateEvent)

	loaded, err := repo.GetByEventID(ctx, entry.EventID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), loaded.ServerVersion, "the original entry stands")
}

func TestMemoryChangeLogRepository_VersionSlotTaken(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryChangeLogRepository()

	require.NoError(t, repo.Append(ctx, logEntry("user-1", "c-1", 1)))

	err := repo.Append(ctx, logEntry("user-1", "c-1", 1))
	assert.ErrorIs(t, err, ErrVersionConflict, "two events cannot produce the same version")

	// The same version on another user's record is a different slot.
	require.NoError(t, repo.Append(ctx, logEntry("user-2", "c-1", 1)))
}

func TestMemoryChangeLogRepository_GetByRecordVersion(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryChangeLogRepository()

	first := logEntry("user-1", "c-1", 1)
	second := logEntry("user-1", "c-1", 2)
	require.NoError(t, repo.Append(ctx, first))
	require.NoError(t, repo.Append(ctx, second))

	key := models.RecordKey{RecordType: "consultation", RecordKey: "c-1"}
	loaded, err := repo.GetByRecordVersion(ctx, "user-1", key, 2)
	require.NoError(t, err)
	assert.Equal(t, second.EventID, loaded.EventID)

	_, err = repo.GetByRecordVersion(ctx, "user-1", key, 3)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryChangeLogRepository_ListSince(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryChangeLogRepository()

	first := logEntry("user-1", "c-1", 1)
	second := logEntry("user-1", "c-1", 2)
	third := logEntry("user-1", "c-1", 3)
	require.NoError(t, repo.Append(ctx, first))
	require.NoError(t, repo.Append(ctx, second))
	require.NoError(t, repo.Append(ctx, third))
	require.NoError(t, repo.Append(ctx, logEntry("user-2", "c-9", 1)))

	entries, err := repo.ListSince(ctx, "user-1", first.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, second.EventID, entries[0].EventID)
	assert.Equal(t, third.EventID, entries[1].EventID)
}

func TestMemoryChangeLogRepository_MarkSyncedIsIdempotent(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryChangeLogRepository()

	entry := logEntry("user-1", "c-1", 1)
	require.NoError(t, repo.Append(ctx, entry))

	deviceID := uuid.New()
	require.NoError(t, repo.MarkSynced(ctx, entry.EventID, deviceID))
	require.NoError(t, repo.MarkSynced(ctx, entry.EventID, deviceID))

	loaded, err := repo.GetByEventID(ctx, entry.EventID)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{deviceID}, loaded.SyncedDevices)
}

func TestMemoryChangeLogRepository_PruneBefore(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryChangeLogRepository()

	old := logEntry("user-1", "c-1", 1)
	recent := logEntry("user-1", "c-1", 2)
	require.NoError(t, repo.Append(ctx, old))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, repo.Append(ctx, recent))

	cutoff := recent.CreatedAt
	pruned, err := repo.PruneBefore(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)

	_, err = repo.GetByEventID(ctx, old.EventID)
	assert.ErrorIs(t, err, ErrNotFound)

	// The pruned entry's version slot is free again, so history can restart.
	require.NoError(t, repo.Append(ctx, logEntry("user-1", "c-1", 1)))
}

func serverRecord(userID, recordKey string, version int64, payload string) *models.VersionedRecord {
	return &models.VersionedRecord{
		UserID:      userID,
		RecordType:  "consultation",
		RecordKey:   recordKey,
		Version:     version,
		ContentHash: models.ContentHash([]byte(payload)),
		Payload:     json.RawMessage(payload),
	}
}

func logEntry(userID, recordKey string, version int64) *models.ChangeLogEntry {
	payload := json.RawMessage(`{"status":"active"}`)
	return &models.ChangeLogEntry{
		UserID:            userID,
		RecordType:        "consultation",
		RecordKey:         recordKey,
		EventID:           uuid.New(),
		EventType:         models.EventStateChange,
		OperationType:     models.OpUpdate,
		NewData:           payload,
		ChangeHash:        models.ContentHash(payload),
		DeviceFingerprint: uuid.New(),
		ServerVersion:     version,
	}
}
