package client

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maoxiaohua/tcm-ai-sub001/internal/models"
)

func TestSQLiteStore_DeviceIDSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "client.db")

	store, err := OpenSQLiteStore(path)
	require.NoError(t, err)
	first, err := store.DeviceID(ctx)
	require.NoError(t, err)
	again, err := store.DeviceID(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, again, "device id is created once")
	require.NoError(t, store.Close())

	reopened, err := OpenSQLiteStore(path)
	require.NoError(t, err)
	defer reopened.Close()
	after, err := reopened.DeviceID(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, after, "device id must survive a restart")
}

func TestSQLiteStore_QueueIsFIFO(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t)

	first := newQueuedEvent("c-1")
	second := newQueuedEvent("c-2")
	third := newQueuedEvent("c-3")
	require.NoError(t, store.AppendEvent(ctx, first))
	require.NoError(t, store.AppendEvent(ctx, second))
	require.NoError(t, store.AppendEvent(ctx, third))

	count, err := store.EventCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	pending, err := store.PendingEvents(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, first.EventID, pending[0].EventID)
	assert.Equal(t, third.EventID, pending[2].EventID)

	oldest, err := store.RemoveOldestEvent(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.EventID, oldest.EventID)

	count, err = store.EventCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestSQLiteStore_RemoveOldestEventEmpty(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t)

	_, err := store.RemoveOldestEvent(ctx)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_RemoveEventsForRecord(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t)

	first := newQueuedEvent("c-1")
	other := newQueuedEvent("c-2")
	second := newQueuedEvent("c-1")
	require.NoError(t, store.AppendEvent(ctx, first))
	require.NoError(t, store.AppendEvent(ctx, other))
	require.NoError(t, store.AppendEvent(ctx, second))

	removed, err := store.RemoveEventsForRecord(ctx, models.RecordKey{RecordType: "consultation", RecordKey: "c-1"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{first.EventID, second.EventID}, removed)

	pending, err := store.PendingEvents(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, other.EventID, pending[0].EventID)

	removed, err = store.RemoveEventsForRecord(ctx, models.RecordKey{RecordType: "consultation", RecordKey: "missing"})
	require.NoError(t, err)
	assert.Empty(t, removed)
}

func TestSQLiteStore_EventRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t)

	event := &models.SyncEvent{
		EventID:         uuid.New(),
		UserID:          "user-1",
		DeviceID:        uuid.New(),
		Type:            models.EventPrescriptionUpdate,
		RecordType:      "prescription",
		RecordKey:       "p-7",
		BaseVersion:     12,
		Payload:         json.RawMessage(`{"herbs":[{"name":"ginseng","grams":9}]}`),
		ClientTimestamp: time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, store.AppendEvent(ctx, event))

	loaded, err := store.GetEvent(ctx, event.EventID)
	require.NoError(t, err)
	assert.Equal(t, event.EventID, loaded.EventID)
	assert.Equal(t, event.UserID, loaded.UserID)
	assert.Equal(t, event.DeviceID, loaded.DeviceID)
	assert.Equal(t, event.Type, loaded.Type)
	assert.Equal(t, event.RecordType, loaded.RecordType)
	assert.Equal(t, event.RecordKey, loaded.RecordKey)
	assert.Equal(t, event.BaseVersion, loaded.BaseVersion)
	assert.JSONEq(t, string(event.Payload), string(loaded.Payload))
	assert.True(t, event.ClientTimestamp.Equal(loaded.ClientTimestamp))

	require.NoError(t, store.RemoveEvent(ctx, event.EventID))
	_, err = store.GetEvent(ctx, event.EventID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_RecordUpsert(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t)

	require.NoError(t, store.PutRecord(ctx, cachedRecord("c-1", 1, `{"status":"active"}`)))
	require.NoError(t, store.PutRecord(ctx, cachedRecord("c-1", 2, `{"status":"closed"}`)))

	records, err := store.ListRecords(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1, "same key must not create a second row")

	loaded, err := store.GetRecord(ctx, models.RecordKey{RecordType: "consultation", RecordKey: "c-1"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), loaded.Version)
	assert.JSONEq(t, `{"status":"closed"}`, string(loaded.Payload))
	assert.Equal(t, models.ContentHash([]byte(`{"status":"closed"}`)), loaded.ContentHash)
}

func TestSQLiteStore_GetRecordNotFound(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t)

	_, err := store.GetRecord(ctx, models.RecordKey{RecordType: "consultation", RecordKey: "missing"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_ConflictLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t)

	conflict := &models.ConflictCase{
		ConflictID:    uuid.New(),
		RecordType:    "consultation",
		RecordKey:     "c-1",
		EventType:     models.EventMessage,
		ClientVersion: 4,
		ServerVersion: 4,
		LocalEventID:  uuid.New(),
		LocalPayload:  json.RawMessage(`{"note":"local"}`),
		RemotePayload: json.RawMessage(`{"note":"remote"}`),
		DetectedAt:    time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, store.SaveConflict(ctx, conflict))

	open, err := store.OpenConflicts(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, conflict.ConflictID, open[0].ConflictID)
	assert.Equal(t, models.EventMessage, open[0].EventType)
	assert.JSONEq(t, `{"note":"local"}`, string(open[0].LocalPayload))

	// Resolving updates the stored case in place and closes it.
	conflict.Strategy = models.ResolutionClientWins
	conflict.ResolvedVersion = 5
	require.NoError(t, store.SaveConflict(ctx, conflict))

	open, err = store.OpenConflicts(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)

	resolved, err := store.GetConflict(ctx, conflict.ConflictID)
	require.NoError(t, err)
	assert.Equal(t, models.ResolutionClientWins, resolved.Strategy)
	assert.Equal(t, int64(5), resolved.ResolvedVersion)
	assert.True(t, resolved.Resolved())
}

// Helper functions for test setup

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := OpenSQLiteStore(filepath.Join(t.TempDir(), "client.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}
