// Package client implements the device side of consultation sync: a durable
// buffer of outbound events, a websocket session with heartbeats and
// exponential reconnect, and the reconciliation rules that keep the local
// record cache converging on the hub's state.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/maoxiaohua/tcm-ai-sub001/internal/logger"
	"github.com/maoxiaohua/tcm-ai-sub001/internal/models"
	"github.com/maoxiaohua/tcm-ai-sub001/internal/protocol"
)

type Config struct {
	// ServerURL is the hub endpoint, e.g. ws://localhost:8080/sync. http and
	// https schemes are rewritten to their websocket equivalents.
	ServerURL string
	UserID    string
	// Token authenticates the connection when the hub requires it. Without a
	// token the user and device ids are passed directly, which only works
	// against a hub running with auth disabled.
	Token      string
	DeviceName string
	DeviceType string

	HeartbeatInterval    time.Duration
	BufferCapacity       int
	ReconnectBase        time.Duration
	MaxReconnectAttempts int
	DefaultStrategy      models.ResolutionStrategy
}

func (c *Config) applyDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.BufferCapacity <= 0 {
		c.BufferCapacity = DefaultBufferCapacity
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = DefaultReconnectBase
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnects
	}
	if c.DefaultStrategy == "" {
		c.DefaultStrategy = models.ResolutionAskUser
	}
}

// Handlers are the app-facing callbacks. OnRecord fires when a record changes
// through the hub (another device's event, or a state snapshot), not when a
// local submit is acknowledged. OnConflict fires when a conflict needs the
// user. All callbacks run on the connection goroutine and must not block.
type Handlers struct {
	OnRecord   func(record *models.VersionedRecord)
	OnConflict func(conflict *models.ConflictCase)
	OnStatus   func(status models.ConnectionStatus)
}

// ErrConflictPending is returned by Submit while a conflict on the record is
// waiting for the user: further local edits are refused until it is resolved.
var ErrConflictPending = errors.New("record has an unresolved conflict")

// ErrNotConnected is returned by operations that need a live hub session.
var ErrNotConnected = errors.New("not connected to sync hub")

type resolutionRef struct {
	conflictID uuid.UUID
	strategy   models.ResolutionStrategy
}

// Client is one device's connection to the sync hub.
type Client struct {
	config   Config
	store    Store
	buffer   *Buffer
	syncer   *Synchronizer
	resolver *Resolver
	handlers Handlers
	deviceID uuid.UUID

	mu                 sync.Mutex
	session            *session
	status             models.ConnectionStatus
	pendingResolutions map[uuid.UUID]resolutionRef

	wake     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	doneCh   chan struct{}
}

// New builds a client on top of store. The device identity is loaded from the
// store, so the same store directory means the same device across restarts.
func New(config Config, store Store, handlers Handlers) (*Client, error) {
	config.applyDefaults()
	if config.ServerURL == "" {
		return nil, errors.New("server url is required")
	}
	if config.UserID == "" {
		return nil, errors.New("user id is required")
	}

	deviceID, err := store.DeviceID(context.Background())
	if err != nil {
		return nil, err
	}

	return &Client{
		config:             config,
		store:              store,
		buffer:             NewBuffer(store, config.BufferCapacity),
		syncer:             NewSynchronizer(store),
		resolver:           NewResolver(config.DefaultStrategy),
		handlers:           handlers,
		deviceID:           deviceID,
		status:             models.StatusDisconnected,
		pendingResolutions: make(map[uuid.UUID]resolutionRef),
		wake:               make(chan struct{}, 1),
		stop:               make(chan struct{}),
		doneCh:             make(chan struct{}),
	}, nil
}

func (c *Client) DeviceID() uuid.UUID { return c.deviceID }

// Resolver exposes per-record-type strategy and merger configuration.
func (c *Client) Resolver() *Resolver { return c.resolver }

func (c *Client) Status() models.ConnectionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Start launches the connection loop. It returns immediately; connection
// state is reported through Handlers.OnStatus.
func (c *Client) Start(ctx context.Context) {
	go func() {
		defer close(c.doneCh)
		c.run(ctx)
	}()
}

// Close disconnects gracefully and stops the connection loop. The store is
// owned by the caller and stays open.
func (c *Client) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
	if sess := c.currentSession(); sess != nil {
		sess.closeGracefully()
	}
	<-c.doneCh
}

// WakeUp asks a dormant client to retry immediately with a fresh attempt
// budget. Apps call this when the OS reports network recovery.
func (c *Client) WakeUp() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Submit queues a local change for the hub, buffering it if the device is
// offline. The edit is visible through Record and Records immediately; the
// record's version advances only when the hub acknowledges it. A record with
// a conflict awaiting the user rejects new edits with ErrConflictPending
// until Resolve settles it.
func (c *Client) Submit(ctx context.Context, eventType models.EventType, recordType, recordKey string, payload json.RawMessage) (uuid.UUID, error) {
	if !eventType.Valid() || !eventType.Persistent() {
		return uuid.Nil, fmt.Errorf("invalid event type %q", eventType)
	}
	if recordType == "" || recordKey == "" {
		return uuid.Nil, errors.New("record type and key are required")
	}
	key := models.RecordKey{RecordType: recordType, RecordKey: recordKey}

	open, err := c.store.OpenConflicts(ctx)
	if err != nil {
		return uuid.Nil, err
	}
	for _, conflict := range open {
		if conflict.Key() == key && conflict.AwaitingUser() {
			return uuid.Nil, fmt.Errorf("%w: conflict %s", ErrConflictPending, conflict.ConflictID)
		}
	}

	base, err := c.effectiveBase(ctx, key)
	if err != nil {
		return uuid.Nil, err
	}

	event := &models.SyncEvent{
		EventID:         uuid.New(),
		UserID:          c.config.UserID,
		DeviceID:        c.deviceID,
		Type:            eventType,
		RecordType:      recordType,
		RecordKey:       recordKey,
		BaseVersion:     base,
		Payload:         payload,
		ClientTimestamp: time.Now().UTC(),
	}

	if err := c.buffer.Enqueue(ctx, event); err != nil {
		return uuid.Nil, err
	}
	c.flush(ctx)
	return event.EventID, nil
}

// effectiveBase is the version a new edit builds on: the last hub-confirmed
// version plus one per queued event for the same record, since each queued
// event takes the next version slot once the hub accepts it in order.
func (c *Client) effectiveBase(ctx context.Context, key models.RecordKey) (int64, error) {
	base, err := c.syncer.BaseVersion(ctx, key)
	if err != nil {
		return 0, err
	}
	pending, err := c.buffer.Pending(ctx)
	if err != nil {
		return 0, err
	}
	for _, event := range pending {
		if event.Key() == key {
			base++
		}
	}
	return base, nil
}

// Resolve settles an open conflict. An explicit strategy overrides the
// configured one; a non-nil payload is treated as user-authored content and
// wins regardless of strategy.
func (c *Client) Resolve(ctx context.Context, conflictID uuid.UUID, strategy models.ResolutionStrategy, payload json.RawMessage) error {
	conflict, err := c.store.GetConflict(ctx, conflictID)
	if err != nil {
		return err
	}
	if conflict.Resolved() {
		return nil
	}

	var resolution *Resolution
	if payload != nil {
		resolution = &Resolution{Strategy: models.ResolutionAskUser, Payload: payload}
	} else {
		resolution, err = c.resolver.Resolve(conflict, strategy)
		if err != nil {
			return err
		}
	}
	return c.applyResolution(ctx, conflict, resolution)
}

// Records returns the local view of every record: the hub-confirmed cache
// with the newest queued edit per record laid over it. Overlaid records keep
// their confirmed version; only an ack moves it.
func (c *Client) Records(ctx context.Context) ([]*models.VersionedRecord, error) {
	records, err := c.store.ListRecords(ctx)
	if err != nil {
		return nil, err
	}
	overlays, err := c.queuedOverlays(ctx)
	if err != nil {
		return nil, err
	}
	if len(overlays) == 0 {
		return records, nil
	}
	for i, record := range records {
		if payload, ok := overlays[record.Key()]; ok {
			records[i] = overlaid(record, payload)
			delete(overlays, record.Key())
		}
	}
	// Queued creates the hub has not confirmed yet surface at version 0.
	for key, payload := range overlays {
		records = append(records, overlaid(&models.VersionedRecord{
			UserID:     c.config.UserID,
			RecordType: key.RecordType,
			RecordKey:  key.RecordKey,
		}, payload))
	}
	return records, nil
}

// Record returns the local view of one record, or ErrNotFound when it is
// neither cached nor queued.
func (c *Client) Record(ctx context.Context, key models.RecordKey) (*models.VersionedRecord, error) {
	record, err := c.store.GetRecord(ctx, key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	overlays, overlayErr := c.queuedOverlays(ctx)
	if overlayErr != nil {
		return nil, overlayErr
	}
	payload, queued := overlays[key]
	if !queued {
		return record, err
	}
	if record == nil {
		record = &models.VersionedRecord{
			UserID:     c.config.UserID,
			RecordType: key.RecordType,
			RecordKey:  key.RecordKey,
		}
	}
	return overlaid(record, payload), nil
}

// queuedOverlays maps each record with buffered events to its newest queued
// payload. Queue order is submission order, so the last payload per key wins.
func (c *Client) queuedOverlays(ctx context.Context) (map[models.RecordKey]json.RawMessage, error) {
	pending, err := c.buffer.Pending(ctx)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return nil, nil
	}
	overlays := make(map[models.RecordKey]json.RawMessage, len(pending))
	for _, event := range pending {
		overlays[event.Key()] = event.Payload
	}
	return overlays, nil
}

// overlaid lays a queued local payload over a confirmed record. The version
// is untouched: it is the hub's number and only an ack moves it.
func overlaid(record *models.VersionedRecord, payload json.RawMessage) *models.VersionedRecord {
	copied := *record
	copied.Payload = payload
	copied.ContentHash = models.ContentHash(payload)
	return &copied
}

// Conflicts returns the conflicts still waiting for resolution.
func (c *Client) Conflicts(ctx context.Context) ([]*models.ConflictCase, error) {
	return c.store.OpenConflicts(ctx)
}

// PendingCount reports how many events are buffered but not yet acknowledged.
func (c *Client) PendingCount(ctx context.Context) (int, error) {
	return c.buffer.Len(ctx)
}

// RequestLatestState asks the hub to replay its authoritative state, for one
// record ("type/key") or everything when contextKey is empty.
func (c *Client) RequestLatestState(contextKey string) error {
	sess := c.currentSession()
	if sess == nil {
		return ErrNotConnected
	}
	return sess.send(protocol.RequestLatestState(c.config.UserID, contextKey))
}

func (c *Client) run(ctx context.Context) {
	policy := newReconnectPolicy(c.config.ReconnectBase, c.config.MaxReconnectAttempts)

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		default:
		}

		sess, err := dialSession(ctx, c.config, c.deviceID)
		if err == nil {
			policy.reset()
			c.setSession(sess)
			c.setStatus(models.StatusConnected)
			logger.Log.Info("connected to sync hub",
				zap.String("device_id", c.deviceID.String()),
				zap.String("user_id", c.config.UserID))

			c.onConnected(ctx)
			runErr := sess.run(ctx, func(frame *protocol.Frame) { c.handleFrame(ctx, frame) })

			c.setSession(nil)
			c.setStatus(models.StatusDisconnected)
			if !protocol.ShouldReconnect(runErr) {
				logger.Log.Info("session closed")
				return
			}
			logger.Log.Warn("connection lost", zap.Error(runErr))
		} else {
			logger.Log.Warn("failed to connect", zap.Error(err))
		}

		delay, ok := policy.nextDelay()
		if !ok {
			c.setStatus(models.StatusDisconnected)
			logger.Log.Warn("reconnect attempts exhausted, going dormant",
				zap.Int("attempts", policy.maxAttempts))
			select {
			case <-ctx.Done():
				return
			case <-c.stop:
				return
			case <-c.wake:
				policy.reset()
			}
			continue
		}

		c.setStatus(models.StatusConnecting)
		logger.Log.Info("reconnecting",
			zap.Duration("delay", delay),
			zap.Int("attempt", policy.attempts))
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-c.wake:
			policy.reset()
		case <-time.After(delay):
		}
	}
}

// onConnected drains the buffer in submission order, then asks for a full
// state snapshot to pick up whatever happened while offline.
func (c *Client) onConnected(ctx context.Context) {
	c.flush(ctx)
	if err := c.RequestLatestState(""); err != nil {
		logger.Log.Warn("failed to request state snapshot", zap.Error(err))
	}
}

// flush sends every buffered event, oldest first. Events already accepted by
// the hub are re-acknowledged as duplicates, so resending the whole queue is
// safe.
func (c *Client) flush(ctx context.Context) {
	sess := c.currentSession()
	if sess == nil {
		c.WakeUp()
		return
	}

	pending, err := c.buffer.Pending(ctx)
	if err != nil {
		logger.Log.Error("failed to read buffered events", zap.Error(err))
		return
	}
	for _, event := range pending {
		if err := c.sendEvent(sess, event); err != nil {
			logger.Log.Warn("failed to send event, will retry after reconnect",
				zap.String("event_id", event.EventID.String()),
				zap.Error(err))
			return
		}
	}
}

func (c *Client) sendEvent(sess *session, event *models.SyncEvent) error {
	c.mu.Lock()
	ref, isResolution := c.pendingResolutions[event.EventID]
	c.mu.Unlock()

	if isResolution {
		return sess.send(protocol.ResolutionFrame(event, ref.conflictID, ref.strategy))
	}
	return sess.send(protocol.EventFrame(event))
}

func (c *Client) handleFrame(ctx context.Context, frame *protocol.Frame) {
	switch frame.Type {
	case protocol.TypeHeartbeatAck:

	case protocol.TypeAck:
		c.handleAck(ctx, frame)

	case protocol.TypeStateSync, protocol.TypeMessageSync,
		protocol.TypePrescriptionSync, protocol.TypeDeviceNotification:
		c.handleSync(ctx, frame)

	case protocol.TypeConflictDetected:
		c.handleConflictDetected(ctx, frame)

	case protocol.TypeLatestState:
		c.handleSnapshot(ctx, frame.Records)

	default:
		logger.Log.Debug("ignoring frame", zap.String("type", string(frame.Type)))
	}
}

func (c *Client) handleAck(ctx context.Context, frame *protocol.Frame) {
	eventID, err := uuid.Parse(frame.EventID)
	if err != nil {
		logger.Log.Warn("ack with invalid event id", zap.String("event_id", frame.EventID))
		return
	}

	event, err := c.store.GetEvent(ctx, eventID)
	if err != nil {
		// Already acknowledged on an earlier connection.
		if !errors.Is(err, ErrNotFound) {
			logger.Log.Error("failed to load acked event", zap.Error(err))
		}
		return
	}

	if err := c.buffer.Ack(ctx, eventID); err != nil {
		logger.Log.Error("failed to remove acked event", zap.Error(err))
		return
	}
	if err := c.syncer.Promote(ctx, event, frame.ServerVersion); err != nil {
		logger.Log.Error("failed to update record cache", zap.Error(err))
	}

	c.mu.Lock()
	ref, isResolution := c.pendingResolutions[eventID]
	delete(c.pendingResolutions, eventID)
	c.mu.Unlock()

	if isResolution {
		c.closeConflict(ctx, ref.conflictID, frame.ServerVersion)
	}

	logger.Log.Debug("event acknowledged",
		zap.String("event_id", eventID.String()),
		zap.Int64("server_version", frame.ServerVersion))
}

func (c *Client) handleSync(ctx context.Context, frame *protocol.Frame) {
	remote := &models.VersionedRecord{
		UserID:      c.config.UserID,
		RecordType:  frame.RecordType,
		RecordKey:   frame.RecordKey,
		Version:     frame.ServerVersion,
		ContentHash: models.ContentHash(frame.Data),
		Payload:     frame.Data,
		UpdatedAt:   time.Now().UTC(),
	}
	c.reconcile(ctx, remote, models.EventType(frame.EventType))
}

func (c *Client) handleSnapshot(ctx context.Context, records []models.VersionedRecord) {
	for i := range records {
		c.reconcile(ctx, &records[i], "")
	}
}

func (c *Client) reconcile(ctx context.Context, remote *models.VersionedRecord, eventType models.EventType) {
	outcome, conflict, err := c.syncer.ApplyRemote(ctx, remote)
	if err != nil {
		logger.Log.Error("failed to reconcile record",
			zap.String("record", remote.Key().String()),
			zap.Error(err))
		return
	}

	switch outcome {
	case OutcomeApplied:
		c.refreshConflicts(ctx, remote)
		if c.handlers.OnRecord != nil {
			c.handlers.OnRecord(remote)
		}
	case OutcomeConflicted:
		if eventType != "" {
			conflict.EventType = eventType
			if err := c.store.SaveConflict(ctx, conflict); err != nil {
				logger.Log.Error("failed to save conflict", zap.Error(err))
			}
		}
		c.autoResolve(ctx, conflict)
	}
}

// refreshConflicts re-points conflicts still waiting on the user at the hub
// state that just superseded the one they were detected against, so a later
// merge or server_wins resolution works from current server content.
func (c *Client) refreshConflicts(ctx context.Context, remote *models.VersionedRecord) {
	open, err := c.store.OpenConflicts(ctx)
	if err != nil {
		logger.Log.Error("failed to list open conflicts", zap.Error(err))
		return
	}
	for _, conflict := range open {
		if conflict.Key() != remote.Key() || !conflict.AwaitingUser() {
			continue
		}
		conflict.ServerVersion = remote.Version
		conflict.RemotePayload = remote.Payload
		if err := c.store.SaveConflict(ctx, conflict); err != nil {
			logger.Log.Error("failed to update conflict", zap.Error(err))
			continue
		}
		if c.handlers.OnConflict != nil {
			c.handlers.OnConflict(conflict)
		}
	}
}

// handleConflictDetected reacts to the hub rejecting a buffered event: the
// hub's current state is adopted as the newest confirmed version, the losing
// event leaves the buffer, and a conflict case is opened for resolution.
func (c *Client) handleConflictDetected(ctx context.Context, frame *protocol.Frame) {
	eventID, err := uuid.Parse(frame.EventID)
	if err != nil {
		logger.Log.Warn("conflict_detected with invalid event id",
			zap.String("event_id", frame.EventID))
		return
	}

	// A rejected resolution re-opens its own case instead of leaving it
	// half-closed and opening a second one; its queue reference dies with
	// the rejected event.
	c.mu.Lock()
	ref, wasResolution := c.pendingResolutions[eventID]
	delete(c.pendingResolutions, eventID)
	c.mu.Unlock()

	conflictID := uuid.New()
	if wasResolution {
		conflictID = ref.conflictID
	}

	conflict := &models.ConflictCase{
		ConflictID:    conflictID,
		RecordType:    frame.RecordType,
		RecordKey:     frame.RecordKey,
		ClientVersion: frame.ClientVersion,
		ServerVersion: frame.ServerVersion,
		LocalEventID:  eventID,
		RemotePayload: frame.Data,
		DetectedAt:    time.Now().UTC(),
	}

	if event, err := c.store.GetEvent(ctx, eventID); err == nil {
		conflict.EventType = event.Type
		conflict.LocalPayload = event.Payload
	} else if !errors.Is(err, ErrNotFound) {
		logger.Log.Error("failed to load conflicted event", zap.Error(err))
	}

	// The rejected event will never be acknowledged; resolution produces a
	// fresh one.
	if err := c.buffer.Ack(ctx, eventID); err != nil {
		logger.Log.Error("failed to drop conflicted event", zap.Error(err))
	}

	remote := &models.VersionedRecord{
		UserID:      c.config.UserID,
		RecordType:  frame.RecordType,
		RecordKey:   frame.RecordKey,
		Version:     frame.ServerVersion,
		ContentHash: models.ContentHash(frame.Data),
		Payload:     frame.Data,
		UpdatedAt:   time.Now().UTC(),
	}
	if _, _, err := c.syncer.ApplyRemote(ctx, remote); err != nil {
		logger.Log.Error("failed to adopt server state", zap.Error(err))
	}

	if err := c.store.SaveConflict(ctx, conflict); err != nil {
		logger.Log.Error("failed to save conflict", zap.Error(err))
		return
	}
	logger.Log.Info("conflict detected",
		zap.String("conflict_id", conflict.ConflictID.String()),
		zap.String("record", conflict.Key().String()),
		zap.Int64("client_version", conflict.ClientVersion),
		zap.Int64("server_version", conflict.ServerVersion))

	c.autoResolve(ctx, conflict)
}

// autoResolve runs the configured strategy; ask_user hands the conflict to
// the app instead.
func (c *Client) autoResolve(ctx context.Context, conflict *models.ConflictCase) {
	resolution, err := c.resolver.Resolve(conflict, "")
	if errors.Is(err, ErrAwaitingUser) {
		if c.handlers.OnConflict != nil {
			c.handlers.OnConflict(conflict)
		}
		return
	}
	if err != nil {
		logger.Log.Error("failed to resolve conflict",
			zap.String("conflict_id", conflict.ConflictID.String()),
			zap.Error(err))
		return
	}
	if err := c.applyResolution(ctx, conflict, resolution); err != nil {
		logger.Log.Error("failed to apply resolution",
			zap.String("conflict_id", conflict.ConflictID.String()),
			zap.Error(err))
	}
}

// applyResolution records the chosen strategy and submits the winning payload
// to the hub as a resolution event; the case closes when that event is
// acknowledged. Under server_wins the queued local edits for the record are
// cleared first, since the adopted server state supersedes them.
func (c *Client) applyResolution(ctx context.Context, conflict *models.ConflictCase, resolution *Resolution) error {
	if resolution.Strategy == models.ResolutionServerWins {
		dropped, err := c.buffer.DropRecord(ctx, conflict.Key())
		if err != nil {
			return fmt.Errorf("failed to clear pending events: %w", err)
		}
		if len(dropped) > 0 {
			c.mu.Lock()
			for _, eventID := range dropped {
				delete(c.pendingResolutions, eventID)
			}
			c.mu.Unlock()
			logger.Log.Info("cleared pending events for record",
				zap.String("record", conflict.Key().String()),
				zap.Int("dropped", len(dropped)))
		}
	}

	eventType := conflict.EventType
	if !eventType.Valid() || !eventType.Persistent() {
		eventType = models.EventStateChange
	}
	base, err := c.syncer.BaseVersion(ctx, conflict.Key())
	if err != nil {
		return err
	}

	event := &models.SyncEvent{
		EventID:         uuid.New(),
		UserID:          c.config.UserID,
		DeviceID:        c.deviceID,
		Type:            eventType,
		RecordType:      conflict.RecordType,
		RecordKey:       conflict.RecordKey,
		BaseVersion:     base,
		Payload:         resolution.Payload,
		ClientTimestamp: time.Now().UTC(),
	}

	conflict.Strategy = resolution.Strategy
	if err := c.store.SaveConflict(ctx, conflict); err != nil {
		return err
	}

	c.mu.Lock()
	c.pendingResolutions[event.EventID] = resolutionRef{
		conflictID: conflict.ConflictID,
		strategy:   resolution.Strategy,
	}
	c.mu.Unlock()

	if err := c.buffer.Enqueue(ctx, event); err != nil {
		return err
	}
	logger.Log.Info("submitting conflict resolution",
		zap.String("conflict_id", conflict.ConflictID.String()),
		zap.String("strategy", string(resolution.Strategy)),
		zap.String("event_id", event.EventID.String()))
	c.flush(ctx)
	return nil
}

func (c *Client) closeConflict(ctx context.Context, conflictID uuid.UUID, serverVersion int64) {
	conflict, err := c.store.GetConflict(ctx, conflictID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			logger.Log.Error("failed to load conflict", zap.Error(err))
		}
		return
	}
	conflict.ResolvedVersion = serverVersion
	if err := c.store.SaveConflict(ctx, conflict); err != nil {
		logger.Log.Error("failed to close conflict", zap.Error(err))
		return
	}
	logger.Log.Info("conflict resolved",
		zap.String("conflict_id", conflictID.String()),
		zap.String("strategy", string(conflict.Strategy)),
		zap.Int64("resolved_version", serverVersion))
}

func (c *Client) currentSession() *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Client) setSession(sess *session) {
	c.mu.Lock()
	c.session = sess
	c.mu.Unlock()
}

func (c *Client) setStatus(status models.ConnectionStatus) {
	c.mu.Lock()
	changed := c.status != status
	c.status = status
	c.mu.Unlock()
	if changed && c.handlers.OnStatus != nil {
		c.handlers.OnStatus(status)
	}
}
