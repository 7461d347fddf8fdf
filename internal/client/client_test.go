package client

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maoxiaohua/tcm-ai-sub001/internal/models"
	"github.com/maoxiaohua/tcm-ai-sub001/internal/protocol"
)

// The client is exercised without a live connection: flush is a no-op while
// offline, and hub frames are injected through handleFrame the way the read
// pump would deliver them.

func newTestClient(t *testing.T, strategy models.ResolutionStrategy, handlers Handlers) *Client {
	t.Helper()
	c, err := New(Config{
		ServerURL:       "ws://localhost:0/sync",
		UserID:          "user-1",
		DefaultStrategy: strategy,
	}, NewMemoryStore(), handlers)
	require.NoError(t, err)
	return c
}

func TestClient_SubmitValidatesInput(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t, "", Handlers{})

	_, err := c.Submit(ctx, models.EventHeartbeat, "consultation", "c-1", nil)
	assert.Error(t, err, "heartbeats are not submittable events")

	_, err = c.Submit(ctx, models.EventStateChange, "", "c-1", nil)
	assert.Error(t, err)
}

func TestClient_SubmitChainsBaseVersionsWhileOffline(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t, "", Handlers{})

	_, err := c.Submit(ctx, models.EventStateChange, "consultation", "c-1", json.RawMessage(`{"status":"draft"}`))
	require.NoError(t, err)
	_, err = c.Submit(ctx, models.EventStateChange, "consultation", "c-1", json.RawMessage(`{"status":"active"}`))
	require.NoError(t, err)
	_, err = c.Submit(ctx, models.EventMessage, "conversation", "t-1", json.RawMessage(`{"text":"hi"}`))
	require.NoError(t, err)

	pending, err := c.buffer.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, int64(0), pending[0].BaseVersion)
	assert.Equal(t, int64(1), pending[1].BaseVersion,
		"the second edit builds on the version slot the first will take")
	assert.Equal(t, int64(0), pending[2].BaseVersion, "other records are unaffected")
}

func TestClient_AckDrainsBufferAndPromotesCache(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t, "", Handlers{})

	eventID, err := c.Submit(ctx, models.EventStateChange, "consultation", "c-1", json.RawMessage(`{"status":"active"}`))
	require.NoError(t, err)

	c.handleFrame(ctx, &protocol.Frame{Type: protocol.TypeAck, EventID: eventID.String(), ServerVersion: 1})

	count, err := c.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	record, err := c.Record(ctx, models.RecordKey{RecordType: "consultation", RecordKey: "c-1"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), record.Version)
	assert.JSONEq(t, `{"status":"active"}`, string(record.Payload))
}

func TestClient_QueuedEditsShowInRecordView(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t, "", Handlers{})
	key := models.RecordKey{RecordType: "consultation", RecordKey: "c-1"}

	eventID, err := c.Submit(ctx, models.EventStateChange, "consultation", "c-1", json.RawMessage(`{"status":"active"}`))
	require.NoError(t, err)
	c.handleFrame(ctx, &protocol.Frame{Type: protocol.TypeAck, EventID: eventID.String(), ServerVersion: 1})

	// An offline edit is visible immediately, at the confirmed version.
	_, err = c.Submit(ctx, models.EventStateChange, "consultation", "c-1", json.RawMessage(`{"status":"paused"}`))
	require.NoError(t, err)

	record, err := c.Record(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(1), record.Version, "the version moves only on an ack")
	assert.JSONEq(t, `{"status":"paused"}`, string(record.Payload))
	assert.Equal(t, models.ContentHash(record.Payload), record.ContentHash)

	confirmed, err := c.store.GetRecord(ctx, key)
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"active"}`, string(confirmed.Payload), "the confirmed cache is untouched")

	// The newest of several queued edits wins the view.
	_, err = c.Submit(ctx, models.EventStateChange, "consultation", "c-1", json.RawMessage(`{"status":"closed"}`))
	require.NoError(t, err)
	record, err = c.Record(ctx, key)
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"closed"}`, string(record.Payload))

	// A create the hub has never confirmed shows at version 0.
	_, err = c.Submit(ctx, models.EventStateChange, "consultation", "c-9", json.RawMessage(`{"status":"draft"}`))
	require.NoError(t, err)
	fresh, err := c.Record(ctx, models.RecordKey{RecordType: "consultation", RecordKey: "c-9"})
	require.NoError(t, err)
	assert.Zero(t, fresh.Version)
	assert.JSONEq(t, `{"status":"draft"}`, string(fresh.Payload))

	records, err := c.Records(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 2, "the unconfirmed create is listed too")
}

func TestClient_ConflictDetectedOpensCaseAndBlocksRecord(t *testing.T) {
	ctx := context.Background()
	var surfaced []*models.ConflictCase
	c := newTestClient(t, "", Handlers{
		OnConflict: func(conflict *models.ConflictCase) { surfaced = append(surfaced, conflict) },
	})

	eventID, err := c.Submit(ctx, models.EventStateChange, "consultation", "c-1", json.RawMessage(`{"status":"draft"}`))
	require.NoError(t, err)

	c.handleFrame(ctx, &protocol.Frame{
		Type:          protocol.TypeConflictDetected,
		EventID:       eventID.String(),
		RecordType:    "consultation",
		RecordKey:     "c-1",
		ClientVersion: 0,
		ServerVersion: 1,
		Data:          json.RawMessage(`{"status":"active"}`),
	})

	require.Len(t, surfaced, 1, "ask_user hands the case to the app")
	assert.JSONEq(t, `{"status":"draft"}`, string(surfaced[0].LocalPayload))
	assert.JSONEq(t, `{"status":"active"}`, string(surfaced[0].RemotePayload))
	assert.Equal(t, eventID, surfaced[0].LocalEventID)

	count, err := c.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, count, "a rejected event will never be acked and leaves the queue")

	record, err := c.Record(ctx, models.RecordKey{RecordType: "consultation", RecordKey: "c-1"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), record.Version, "the server state is adopted as confirmed")

	_, err = c.Submit(ctx, models.EventStateChange, "consultation", "c-1", json.RawMessage(`{"status":"paused"}`))
	assert.ErrorIs(t, err, ErrConflictPending)

	_, err = c.Submit(ctx, models.EventStateChange, "consultation", "c-2", json.RawMessage(`{"status":"draft"}`))
	assert.NoError(t, err, "only the conflicted record is blocked")
}

func TestClient_ResolveWithUserPayloadSubmitsResolution(t *testing.T) {
	ctx := context.Background()
	var surfaced []*models.ConflictCase
	c := newTestClient(t, "", Handlers{
		OnConflict: func(conflict *models.ConflictCase) { surfaced = append(surfaced, conflict) },
	})

	eventID, err := c.Submit(ctx, models.EventStateChange, "consultation", "c-1", json.RawMessage(`{"status":"draft"}`))
	require.NoError(t, err)
	c.handleFrame(ctx, &protocol.Frame{
		Type:          protocol.TypeConflictDetected,
		EventID:       eventID.String(),
		RecordType:    "consultation",
		RecordKey:     "c-1",
		ServerVersion: 1,
		Data:          json.RawMessage(`{"status":"active"}`),
	})
	require.Len(t, surfaced, 1)

	require.NoError(t, c.Resolve(ctx, surfaced[0].ConflictID, "", json.RawMessage(`{"status":"merged"}`)))

	pending, err := c.buffer.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1, "the resolution is queued for the hub")
	resolution := pending[0]
	assert.JSONEq(t, `{"status":"merged"}`, string(resolution.Payload))
	assert.Equal(t, int64(1), resolution.BaseVersion, "the resolution builds on the adopted server version")

	// With a strategy chosen the record unblocks; new edits queue behind the
	// resolution.
	followUp, err := c.Submit(ctx, models.EventStateChange, "consultation", "c-1", json.RawMessage(`{"status":"after"}`))
	require.NoError(t, err)
	queued, err := c.store.GetEvent(ctx, followUp)
	require.NoError(t, err)
	assert.Equal(t, int64(2), queued.BaseVersion)

	// The hub accepting the resolution closes the case.
	c.handleFrame(ctx, &protocol.Frame{Type: protocol.TypeAck, EventID: resolution.EventID.String(), ServerVersion: 2})

	open, err := c.Conflicts(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)

	stored, err := c.store.GetConflict(ctx, surfaced[0].ConflictID)
	require.NoError(t, err)
	assert.Equal(t, models.ResolutionAskUser, stored.Strategy)
	assert.Equal(t, int64(2), stored.ResolvedVersion)
}

func TestClient_ServerWinsClearsQueueAndResubmitsServerState(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t, models.ResolutionServerWins, Handlers{})

	first, err := c.Submit(ctx, models.EventStateChange, "consultation", "c-1", json.RawMessage(`{"status":"draft"}`))
	require.NoError(t, err)
	second, err := c.Submit(ctx, models.EventStateChange, "consultation", "c-1", json.RawMessage(`{"status":"active"}`))
	require.NoError(t, err)

	// The first queued edit loses at the hub; server_wins resolves without
	// user involvement.
	c.handleFrame(ctx, &protocol.Frame{
		Type:          protocol.TypeConflictDetected,
		EventID:       first.String(),
		RecordType:    "consultation",
		RecordKey:     "c-1",
		ServerVersion: 2,
		Data:          json.RawMessage(`{"status":"closed"}`),
	})

	pending, err := c.buffer.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1, "queued edits for the record are cleared, only the resolution remains")
	resolution := pending[0]
	assert.NotEqual(t, first, resolution.EventID)
	assert.NotEqual(t, second, resolution.EventID)
	assert.JSONEq(t, `{"status":"closed"}`, string(resolution.Payload), "the adopted server state is the outcome")
	assert.Equal(t, int64(2), resolution.BaseVersion)

	record, err := c.Record(ctx, models.RecordKey{RecordType: "consultation", RecordKey: "c-1"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), record.Version)
	assert.JSONEq(t, `{"status":"closed"}`, string(record.Payload))

	open, err := c.Conflicts(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1, "the case stays open until the hub acks the resolution")
	assert.Equal(t, models.ResolutionServerWins, open[0].Strategy)
	assert.False(t, open[0].AwaitingUser())
}

func TestClient_MergeStrategyAutoResolves(t *testing.T) {
	ctx := context.Background()
	var surfaced []*models.ConflictCase
	c := newTestClient(t, models.ResolutionMerge, Handlers{
		OnConflict: func(conflict *models.ConflictCase) { surfaced = append(surfaced, conflict) },
	})
	c.Resolver().RegisterMerger("consultation", ShallowMerger())

	eventID, err := c.Submit(ctx, models.EventStateChange, "consultation", "c-1", json.RawMessage(`{"status":"draft","note":"local"}`))
	require.NoError(t, err)
	c.handleFrame(ctx, &protocol.Frame{
		Type:          protocol.TypeConflictDetected,
		EventID:       eventID.String(),
		RecordType:    "consultation",
		RecordKey:     "c-1",
		ServerVersion: 1,
		Data:          json.RawMessage(`{"status":"active","assigned_doctor":"zhang"}`),
	})

	assert.Empty(t, surfaced, "merge resolves without involving the app")

	open, err := c.Conflicts(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, models.ResolutionMerge, open[0].Strategy)
	assert.False(t, open[0].AwaitingUser())

	pending, err := c.buffer.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.JSONEq(t, `{"status":"draft","note":"local","assigned_doctor":"zhang"}`, string(pending[0].Payload),
		"both sides survive the merge and the local value wins the overlapping field")
	assert.Equal(t, int64(1), pending[0].BaseVersion)

	// A resolved case never blocks the record.
	_, err = c.Submit(ctx, models.EventStateChange, "consultation", "c-1", json.RawMessage(`{"status":"paused"}`))
	require.NoError(t, err)

	c.handleFrame(ctx, &protocol.Frame{Type: protocol.TypeAck, EventID: pending[0].EventID.String(), ServerVersion: 2})

	stillOpen, err := c.Conflicts(ctx)
	require.NoError(t, err)
	assert.Empty(t, stillOpen)

	record, err := c.Record(ctx, models.RecordKey{RecordType: "consultation", RecordKey: "c-1"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), record.Version)
	assert.JSONEq(t, `{"status":"paused"}`, string(record.Payload), "the queued follow-up stays on top of the view")

	confirmed, err := c.store.GetRecord(ctx, models.RecordKey{RecordType: "consultation", RecordKey: "c-1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"draft","note":"local","assigned_doctor":"zhang"}`, string(confirmed.Payload),
		"the merge outcome is the confirmed state")

	stored, err := c.store.GetConflict(ctx, open[0].ConflictID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stored.ResolvedVersion)
}

func TestClient_RejectedResolutionReopensSameCase(t *testing.T) {
	ctx := context.Background()
	var surfaced []*models.ConflictCase
	c := newTestClient(t, "", Handlers{
		OnConflict: func(conflict *models.ConflictCase) { surfaced = append(surfaced, conflict) },
	})

	eventID, err := c.Submit(ctx, models.EventStateChange, "consultation", "c-1", json.RawMessage(`{"status":"draft"}`))
	require.NoError(t, err)
	c.handleFrame(ctx, &protocol.Frame{
		Type:          protocol.TypeConflictDetected,
		EventID:       eventID.String(),
		RecordType:    "consultation",
		RecordKey:     "c-1",
		ServerVersion: 1,
		Data:          json.RawMessage(`{"status":"active"}`),
	})
	require.Len(t, surfaced, 1)

	require.NoError(t, c.Resolve(ctx, surfaced[0].ConflictID, "", json.RawMessage(`{"status":"merged"}`)))
	pending, err := c.buffer.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	resolution := pending[0]

	// The resolution itself loses to yet another remote write before the hub
	// accepts it.
	c.handleFrame(ctx, &protocol.Frame{
		Type:          protocol.TypeConflictDetected,
		EventID:       resolution.EventID.String(),
		RecordType:    "consultation",
		RecordKey:     "c-1",
		ClientVersion: 1,
		ServerVersion: 2,
		Data:          json.RawMessage(`{"status":"closed"}`),
	})

	require.Len(t, surfaced, 2, "the case comes back to the user")
	reopened := surfaced[1]
	assert.Equal(t, surfaced[0].ConflictID, reopened.ConflictID, "the rejection re-opens the same case")
	assert.Equal(t, int64(2), reopened.ServerVersion)
	assert.JSONEq(t, `{"status":"merged"}`, string(reopened.LocalPayload), "the rejected outcome is the local side now")
	assert.JSONEq(t, `{"status":"closed"}`, string(reopened.RemotePayload))
	assert.True(t, reopened.AwaitingUser())

	open, err := c.Conflicts(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1, "no second case is opened")

	count, err := c.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, count, "the rejected resolution left the queue")

	c.mu.Lock()
	leftover := len(c.pendingResolutions)
	c.mu.Unlock()
	assert.Zero(t, leftover, "no queue reference survives the rejection")

	// Resolving against the fresh server state closes out normally.
	require.NoError(t, c.Resolve(ctx, reopened.ConflictID, models.ResolutionServerWins, nil))
	pending, err = c.buffer.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	c.handleFrame(ctx, &protocol.Frame{Type: protocol.TypeAck, EventID: pending[0].EventID.String(), ServerVersion: 3})

	open, err = c.Conflicts(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)

	stored, err := c.store.GetConflict(ctx, reopened.ConflictID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stored.ResolvedVersion)
}

func TestClient_NewerRemoteRefreshesOpenConflict(t *testing.T) {
	ctx := context.Background()
	var surfaced []*models.ConflictCase
	c := newTestClient(t, "", Handlers{
		OnConflict: func(conflict *models.ConflictCase) { surfaced = append(surfaced, conflict) },
	})

	eventID, err := c.Submit(ctx, models.EventStateChange, "consultation", "c-1", json.RawMessage(`{"status":"draft"}`))
	require.NoError(t, err)
	c.handleFrame(ctx, &protocol.Frame{
		Type:          protocol.TypeConflictDetected,
		EventID:       eventID.String(),
		RecordType:    "consultation",
		RecordKey:     "c-1",
		ServerVersion: 1,
		Data:          json.RawMessage(`{"status":"active"}`),
	})
	require.Len(t, surfaced, 1)

	// Another device advances the record while the user is still deciding.
	c.handleFrame(ctx, &protocol.Frame{
		Type:          protocol.TypeStateSync,
		EventID:       uuid.New().String(),
		EventType:     string(models.EventStateChange),
		RecordType:    "consultation",
		RecordKey:     "c-1",
		ServerVersion: 2,
		Data:          json.RawMessage(`{"status":"closed"}`),
	})

	require.Len(t, surfaced, 2, "the open case is re-surfaced against the new server state")
	refreshed := surfaced[1]
	assert.Equal(t, surfaced[0].ConflictID, refreshed.ConflictID)
	assert.Equal(t, int64(2), refreshed.ServerVersion)
	assert.JSONEq(t, `{"status":"closed"}`, string(refreshed.RemotePayload))

	record, err := c.Record(ctx, models.RecordKey{RecordType: "consultation", RecordKey: "c-1"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), record.Version)
}

func TestClient_RequestLatestStateRequiresConnection(t *testing.T) {
	c := newTestClient(t, "", Handlers{})
	assert.ErrorIs(t, c.RequestLatestState(""), ErrNotConnected)
}
