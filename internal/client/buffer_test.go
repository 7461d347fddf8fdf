package client

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/maoxiaohua/tcm-ai-sub001/internal/logger"
	"github.com/maoxiaohua/tcm-ai-sub001/internal/models"
)

func TestBuffer_PreservesSubmissionOrder(t *testing.T) {
	ctx := context.Background()
	buffer := NewBuffer(NewMemoryStore(), 10)

	first := newQueuedEvent("c-1")
	second := newQueuedEvent("c-2")
	third := newQueuedEvent("c-3")
	require.NoError(t, buffer.Enqueue(ctx, first))
	require.NoError(t, buffer.Enqueue(ctx, second))
	require.NoError(t, buffer.Enqueue(ctx, third))

	pending, err := buffer.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, first.EventID, pending[0].EventID)
	assert.Equal(t, second.EventID, pending[1].EventID)
	assert.Equal(t, third.EventID, pending[2].EventID)
}

func TestBuffer_OverflowDropsOldest(t *testing.T) {
	ctx := context.Background()
	logs := captureLogs(t)
	buffer := NewBuffer(NewMemoryStore(), 3)

	events := make([]*models.SyncEvent, 4)
	for i := range events {
		events[i] = newQueuedEvent(fmt.Sprintf("c-%d", i))
		require.NoError(t, buffer.Enqueue(ctx, events[i]))
	}

	count, err := buffer.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, count, "buffer should stay at capacity")

	pending, err := buffer.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, events[1].EventID, pending[0].EventID, "oldest event should be gone")
	assert.Equal(t, events[3].EventID, pending[2].EventID, "newest event should be admitted")

	warnings := logs.FilterMessage("event buffer full, dropping oldest event").All()
	require.Len(t, warnings, 1)
	assert.Equal(t, events[0].EventID.String(), warnings[0].ContextMap()["dropped_event_id"])
}

func TestBuffer_WarnsOncePerOverflowEpisode(t *testing.T) {
	ctx := context.Background()
	logs := captureLogs(t)
	buffer := NewBuffer(NewMemoryStore(), 2)

	// Three overflowing enqueues in a row log a single warning.
	var acked *models.SyncEvent
	for i := 0; i < 5; i++ {
		event := newQueuedEvent(fmt.Sprintf("c-%d", i))
		require.NoError(t, buffer.Enqueue(ctx, event))
		acked = event
	}
	assert.Equal(t, 1, logs.FilterMessage("event buffer full, dropping oldest event").Len())

	// Acking below capacity re-arms the warning for the next episode.
	require.NoError(t, buffer.Ack(ctx, acked.EventID))
	require.NoError(t, buffer.Enqueue(ctx, newQueuedEvent("c-5")))
	require.NoError(t, buffer.Enqueue(ctx, newQueuedEvent("c-6")))
	assert.Equal(t, 2, logs.FilterMessage("event buffer full, dropping oldest event").Len())
}

func TestBuffer_AckRemovesEvent(t *testing.T) {
	ctx := context.Background()
	buffer := NewBuffer(NewMemoryStore(), 10)

	kept := newQueuedEvent("c-1")
	acked := newQueuedEvent("c-2")
	require.NoError(t, buffer.Enqueue(ctx, kept))
	require.NoError(t, buffer.Enqueue(ctx, acked))

	require.NoError(t, buffer.Ack(ctx, acked.EventID))

	pending, err := buffer.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, kept.EventID, pending[0].EventID)
}

func TestBuffer_DropRecordClearsQueuedEvents(t *testing.T) {
	ctx := context.Background()
	buffer := NewBuffer(NewMemoryStore(), 10)

	first := newQueuedEvent("c-1")
	other := newQueuedEvent("c-2")
	second := newQueuedEvent("c-1")
	require.NoError(t, buffer.Enqueue(ctx, first))
	require.NoError(t, buffer.Enqueue(ctx, other))
	require.NoError(t, buffer.Enqueue(ctx, second))

	dropped, err := buffer.DropRecord(ctx, models.RecordKey{RecordType: "consultation", RecordKey: "c-1"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{first.EventID, second.EventID}, dropped)

	pending, err := buffer.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, other.EventID, pending[0].EventID, "other records stay queued")
}

func TestBuffer_DefaultCapacity(t *testing.T) {
	buffer := NewBuffer(NewMemoryStore(), 0)
	assert.Equal(t, DefaultBufferCapacity, buffer.capacity)
}

// Helper functions for test setup

// captureLogs swaps the global logger for an observer core for the duration of
// the test.
func captureLogs(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	previous := logger.Log
	logger.Log = zap.New(core)
	t.Cleanup(func() { logger.Log = previous })
	return logs
}

func newQueuedEvent(recordKey string) *models.SyncEvent {
	return &models.SyncEvent{
		EventID:         uuid.New(),
		UserID:          "user-1",
		DeviceID:        uuid.New(),
		Type:            models.EventStateChange,
		RecordType:      "consultation",
		RecordKey:       recordKey,
		BaseVersion:     0,
		Payload:         json.RawMessage(`{"status":"active"}`),
		ClientTimestamp: time.Now().UTC(),
	}
}
