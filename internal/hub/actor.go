package hub

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/maoxiaohua/tcm-ai-sub001/internal/logger"
	"github.com/maoxiaohua/tcm-ai-sub001/internal/models"
	"github.com/maoxiaohua/tcm-ai-sub001/internal/protocol"
	"github.com/maoxiaohua/tcm-ai-sub001/internal/registry"
	"github.com/maoxiaohua/tcm-ai-sub001/internal/repositories"
)

// opTimeout bounds the repository and registry calls made while handling one
// mailbox message.
const opTimeout = 10 * time.Second

type message any

type submitMsg struct {
	origin     *Session
	event      *models.SyncEvent
	resolution bool
	done       chan error
}

type remoteMsg struct {
	event *models.SyncEvent
}

type resyncMsg struct {
	sess       *Session
	contextKey string
	done       chan error
}

type attachMsg struct {
	sess *Session
}

type detachMsg struct {
	sess *Session
}

type disconnectMsg struct {
	deviceID uuid.UUID
	done     chan error
}

// versionSlot identifies the version a submission claims: accepting it would
// advance the record from base to base+1.
type versionSlot struct {
	key  models.RecordKey
	base int64
}

// userActor owns everything about one user: the connected sessions and the
// event pipeline. Messages are handled one at a time on the actor's
// goroutine, so version checks and fan-out need no further locking. The actor
// starts when the user's first message arrives and exits once the mailbox is
// empty and no session remains.
type userActor struct {
	hub      *Hub
	userID   string
	sessions map[uuid.UUID]*Session

	mu     sync.Mutex
	queue  []message
	wake   chan struct{}
	closed bool
}

func newUserActor(h *Hub, userID string) *userActor {
	return &userActor{
		hub:      h,
		userID:   userID,
		sessions: make(map[uuid.UUID]*Session),
		wake:     make(chan struct{}, 1),
	}
}

// post appends a message to the mailbox. Returns false if the actor already
// decided to exit; the caller must retry against a fresh actor.
func (a *userActor) post(msg message) bool {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return false
	}
	a.queue = append(a.queue, msg)
	a.mu.Unlock()

	select {
	case a.wake <- struct{}{}:
	default:
	}
	return true
}

func (a *userActor) take() []message {
	a.mu.Lock()
	defer a.mu.Unlock()
	batch := a.queue
	a.queue = nil
	return batch
}

func (a *userActor) run() {
	for {
		<-a.wake
		for {
			batch := a.take()
			if len(batch) == 0 {
				break
			}
			a.process(batch)
		}
		if a.tryExit() {
			return
		}
	}
}

// tryExit shuts the actor down if nothing is left to do. Closing the mailbox
// and leaving the hub's actor table happen under both locks, so a concurrent
// post either lands before the decision or fails and respawns the actor.
func (a *userActor) tryExit() bool {
	h := a.hub
	h.mu.Lock()
	a.mu.Lock()
	if len(a.queue) > 0 || len(a.sessions) > 0 {
		a.mu.Unlock()
		h.mu.Unlock()
		return false
	}
	a.closed = true
	delete(h.actors, a.userID)
	a.mu.Unlock()
	h.mu.Unlock()
	return true
}

func (a *userActor) process(batch []message) {
	a.reorder(batch)
	for _, msg := range batch {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		a.handle(ctx, msg)
		cancel()
	}
}

// reorder gives the primary device first claim on a version slot when devices
// race submissions for the same record and base version: the primary's
// submission wins the slot and the others are answered with
// conflict_detected. The registry is consulted only when such a tie exists.
func (a *userActor) reorder(batch []message) {
	first := make(map[versionSlot]int)
	tied := false
	for i, msg := range batch {
		sub, ok := msg.(*submitMsg)
		if !ok {
			continue
		}
		slot := versionSlot{key: sub.event.Key(), base: sub.event.BaseVersion}
		if j, claimed := first[slot]; claimed {
			if batch[j].(*submitMsg).event.DeviceID != sub.event.DeviceID {
				tied = true
			}
			continue
		}
		first[slot] = i
	}
	if !tied {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	primary, err := a.hub.registry.Primary(ctx, a.userID)
	if err != nil {
		if !errors.Is(err, registry.ErrNotFound) {
			logger.Log.Warn("failed to look up primary device", zap.String("user_id", a.userID), zap.Error(err))
		}
		return
	}

	for i, msg := range batch {
		sub, ok := msg.(*submitMsg)
		if !ok || sub.event.DeviceID != primary {
			continue
		}
		slot := versionSlot{key: sub.event.Key(), base: sub.event.BaseVersion}
		j := first[slot]
		if j < i && batch[j].(*submitMsg).event.DeviceID != primary {
			batch[j], batch[i] = batch[i], batch[j]
		}
	}
}

func (a *userActor) handle(ctx context.Context, msg message) {
	switch m := msg.(type) {
	case *submitMsg:
		m.done <- a.submit(ctx, m.origin, m.event, m.resolution)
	case *remoteMsg:
		a.fanout(ctx, m.event, m.event.DeviceID)
	case *resyncMsg:
		m.done <- a.sendLatestState(ctx, m.sess, m.contextKey)
	case *attachMsg:
		a.attach(m.sess)
	case *detachMsg:
		a.detach(ctx, m.sess)
	case *disconnectMsg:
		m.done <- a.disconnect(ctx, m.deviceID)
	}
}

// submit runs one event through the acceptance pipeline: dedup by event id,
// version check against the current record, change log append, record
// advance, ack to the origin and fan-out to the user's other devices.
func (a *userActor) submit(ctx context.Context, origin *Session, e *models.SyncEvent, resolution bool) error {
	h := a.hub
	start := time.Now()

	// A retransmitted event is acknowledged with the version it got the
	// first time and is never re-applied.
	existing, err := h.changeLog.GetByEventID(ctx, e.EventID)
	if err == nil {
		h.metrics.EventsTotal.WithLabelValues(string(e.Type), "duplicate").Inc()
		origin.Enqueue(protocol.Ack(e.EventID, existing.ServerVersion))
		return nil
	}
	if !errors.Is(err, repositories.ErrNotFound) {
		h.metrics.EventsTotal.WithLabelValues(string(e.Type), "error").Inc()
		return err
	}

	current, err := h.records.Get(ctx, e.UserID, e.Key())
	if errors.Is(err, repositories.ErrNotFound) {
		current = nil
	} else if err != nil {
		h.metrics.EventsTotal.WithLabelValues(string(e.Type), "error").Inc()
		return err
	}

	var currentVersion int64
	if current != nil {
		currentVersion = current.Version
	}

	if e.BaseVersion > currentVersion {
		// A base above the cached version means the cache missed a write
		// that the change log holds. Replay the log before judging the base.
		if healed := a.healRecord(ctx, e, current); healed != nil {
			current = healed
			currentVersion = healed.Version
		}
	}
	if e.BaseVersion != currentVersion {
		a.conflictReply(origin, e, current)
		return nil
	}

	op := models.OpUpdate
	if current == nil {
		op = models.OpCreate
	}
	if resolution {
		op = models.OpResolve
	}

	entry := &models.ChangeLogEntry{
		UserID:            e.UserID,
		RecordType:        e.RecordType,
		RecordKey:         e.RecordKey,
		EventID:           e.EventID,
		EventType:         e.Type,
		OperationType:     op,
		NewData:           e.Payload,
		ChangeHash:        models.ContentHash(e.Payload),
		DeviceFingerprint: e.DeviceID,
		ServerVersion:     currentVersion + 1,
		SyncedDevices:     []uuid.UUID{e.DeviceID},
	}
	if current != nil {
		entry.OldData = current.Payload
	}

	if err := h.changeLog.Append(ctx, entry); err != nil {
		switch {
		case errors.Is(err, repositories.ErrDuplicateEvent):
			existing, err := h.changeLog.GetByEventID(ctx, e.EventID)
			if err != nil {
				h.metrics.EventsTotal.WithLabelValues(string(e.Type), "error").Inc()
				return err
			}
			h.metrics.EventsTotal.WithLabelValues(string(e.Type), "duplicate").Inc()
			origin.Enqueue(protocol.Ack(e.EventID, existing.ServerVersion))
			return nil
		case errors.Is(err, repositories.ErrVersionConflict):
			// Another writer holds the slot: a different hub instance, or an
			// earlier accept here whose cache write failed. The change log has
			// the winning state; replay it and reply with that.
			if healed := a.healRecord(ctx, e, current); healed != nil {
				current = healed
			}
			a.conflictReply(origin, e, current)
			return nil
		default:
			h.metrics.EventsTotal.WithLabelValues(string(e.Type), "error").Inc()
			return err
		}
	}

	record := &models.VersionedRecord{
		UserID:      e.UserID,
		RecordType:  e.RecordType,
		RecordKey:   e.RecordKey,
		Version:     entry.ServerVersion,
		ContentHash: entry.ChangeHash,
		Payload:     e.Payload,
	}
	if err := h.records.Put(ctx, record); err != nil {
		// The change log already holds the accepted event; the next
		// submission for this record replays it from the log.
		logger.Log.Warn("failed to advance record cache",
			zap.String("user_id", e.UserID),
			zap.String("record", e.Key().String()),
			zap.Error(err))
	}

	e.ServerVersion = entry.ServerVersion
	origin.Enqueue(protocol.Ack(e.EventID, entry.ServerVersion))
	a.fanout(ctx, e, e.DeviceID)

	if h.bridge != nil {
		h.bridge.Publish(e)
	}

	if err := h.registry.Touch(ctx, e.UserID, e.DeviceID); err != nil && !errors.Is(err, registry.ErrNotFound) {
		logger.Log.Warn("failed to touch device session", zap.String("device_id", e.DeviceID.String()), zap.Error(err))
	}

	h.metrics.EventsTotal.WithLabelValues(string(e.Type), "accepted").Inc()
	h.metrics.EventLatency.Observe(time.Since(start).Seconds())

	logger.Log.Debug("event accepted",
		zap.String("user_id", e.UserID),
		zap.String("event_id", e.EventID.String()),
		zap.String("type", string(e.Type)),
		zap.Int64("server_version", entry.ServerVersion))
	return nil
}

// healRecord replays change log entries missing from the record cache and
// returns the reconciled record. A failed cache write after a successful
// append leaves the cache behind the log; the walk stops at the first
// unassigned version.
func (a *userActor) healRecord(ctx context.Context, e *models.SyncEvent, cached *models.VersionedRecord) *models.VersionedRecord {
	h := a.hub
	healed := cached
	version := int64(0)
	if cached != nil {
		version = cached.Version
	}
	for {
		entry, err := h.changeLog.GetByRecordVersion(ctx, e.UserID, e.Key(), version+1)
		if err != nil {
			if !errors.Is(err, repositories.ErrNotFound) {
				logger.Log.Warn("failed to read change log entry",
					zap.String("record", e.Key().String()),
					zap.Int64("version", version+1),
					zap.Error(err))
			}
			break
		}
		version = entry.ServerVersion
		healed = &models.VersionedRecord{
			UserID:      e.UserID,
			RecordType:  e.RecordType,
			RecordKey:   e.RecordKey,
			Version:     entry.ServerVersion,
			ContentHash: entry.ChangeHash,
			Payload:     entry.NewData,
		}
	}
	if healed == nil || healed == cached {
		return healed
	}
	// A concurrent writer may have re-cached a fresher record already; that
	// Put loses on version and the reconciled copy still serves the reply.
	if err := h.records.Put(ctx, healed); err != nil && !errors.Is(err, repositories.ErrVersionConflict) {
		logger.Log.Warn("failed to re-cache record",
			zap.String("user_id", e.UserID),
			zap.String("record", e.Key().String()),
			zap.Error(err))
	}
	return healed
}

func (a *userActor) conflictReply(origin *Session, e *models.SyncEvent, current *models.VersionedRecord) {
	if current == nil {
		current = &models.VersionedRecord{
			UserID:     e.UserID,
			RecordType: e.RecordType,
			RecordKey:  e.RecordKey,
		}
	}
	a.hub.metrics.EventsTotal.WithLabelValues(string(e.Type), "conflict").Inc()
	origin.Enqueue(protocol.ConflictDetected(e, current))
	logger.Log.Info("conflict detected",
		zap.String("user_id", e.UserID),
		zap.String("event_id", e.EventID.String()),
		zap.String("record", e.Key().String()),
		zap.Int64("base_version", e.BaseVersion),
		zap.Int64("server_version", current.Version))
}

// fanout relays the accepted event to every other connected device of the
// user. A device whose send queue is full misses the frame and catches up
// through a latest-state request; nothing blocks here.
func (a *userActor) fanout(ctx context.Context, e *models.SyncEvent, skip uuid.UUID) {
	h := a.hub
	frame := protocol.SyncFrame(e)

	for deviceID, sess := range a.sessions {
		if deviceID == skip {
			continue
		}
		if sess.Enqueue(frame) {
			h.metrics.FanoutTotal.WithLabelValues("delivered").Inc()
			if err := h.changeLog.MarkSynced(ctx, e.EventID, sess.deviceID); err != nil {
				logger.Log.Warn("failed to mark entry synced", zap.String("event_id", e.EventID.String()), zap.Error(err))
			}
		} else {
			h.metrics.FanoutTotal.WithLabelValues("dropped").Inc()
			logger.Log.Warn("send queue full, dropping sync frame",
				zap.String("user_id", e.UserID),
				zap.String("device_id", sess.deviceID.String()),
				zap.String("event_id", e.EventID.String()))
		}
	}
}

func (a *userActor) sendLatestState(ctx context.Context, sess *Session, contextKey string) error {
	h := a.hub
	records, err := h.records.ListByUser(ctx, a.userID)
	if err != nil {
		return err
	}

	out := make([]models.VersionedRecord, 0, len(records))
	for _, record := range records {
		if contextKey != "" && record.Key().String() != contextKey {
			continue
		}
		out = append(out, *record)
	}

	if contextKey == "" {
		h.metrics.ResyncsTotal.Inc()
	}
	if !sess.Enqueue(protocol.LatestState(out)) {
		logger.Log.Warn("send queue full, dropping latest state",
			zap.String("user_id", a.userID),
			zap.String("device_id", sess.deviceID.String()))
		return nil
	}

	// The snapshot catches the device up to each record's current version;
	// reflect that in the change log.
	for _, record := range out {
		entry, err := h.changeLog.GetByRecordVersion(ctx, a.userID, record.Key(), record.Version)
		if err != nil {
			if !errors.Is(err, repositories.ErrNotFound) {
				logger.Log.Warn("failed to look up change log entry",
					zap.String("record_key", record.RecordKey), zap.Error(err))
			}
			continue
		}
		if err := h.changeLog.MarkSynced(ctx, entry.EventID, sess.deviceID); err != nil {
			logger.Log.Warn("failed to mark entry synced",
				zap.String("event_id", entry.EventID.String()), zap.Error(err))
		}
	}
	return nil
}

func (a *userActor) attach(sess *Session) {
	// A reconnect can race the teardown of the previous connection.
	old := a.sessions[sess.deviceID]
	a.sessions[sess.deviceID] = sess
	if old != nil {
		old.CloseGracefully("replaced by new connection")
	}
	a.hub.metrics.ConnectedDevices.Inc()
}

func (a *userActor) detach(ctx context.Context, sess *Session) {
	if a.sessions[sess.deviceID] != sess {
		return
	}
	delete(a.sessions, sess.deviceID)
	a.hub.metrics.ConnectedDevices.Dec()

	if err := a.hub.registry.MarkDisconnected(ctx, a.userID, sess.deviceID); err != nil && !errors.Is(err, registry.ErrNotFound) {
		logger.Log.Warn("failed to mark device disconnected", zap.String("device_id", sess.deviceID.String()), zap.Error(err))
	}
	if sess.graceful.Load() {
		if err := a.hub.registry.Release(ctx, a.userID, sess.deviceID); err != nil {
			logger.Log.Warn("failed to release primary claim", zap.String("device_id", sess.deviceID.String()), zap.Error(err))
		}
	}

	logger.Log.Info("device disconnected",
		zap.String("user_id", a.userID),
		zap.String("device_id", sess.deviceID.String()),
		zap.Bool("graceful", sess.graceful.Load()))
}

func (a *userActor) disconnect(ctx context.Context, deviceID uuid.UUID) error {
	if sess := a.sessions[deviceID]; sess != nil {
		sess.CloseGracefully("disconnected by server")
		return nil
	}

	if err := a.hub.registry.MarkDisconnected(ctx, a.userID, deviceID); err != nil {
		return err
	}
	return a.hub.registry.Release(ctx, a.userID, deviceID)
}
