package hub

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/maoxiaohua/tcm-ai-sub001/internal/models"
	"github.com/maoxiaohua/tcm-ai-sub001/internal/registry"
	"github.com/maoxiaohua/tcm-ai-sub001/internal/repositories"
)

type Config struct {
	HeartbeatInterval time.Duration
	SendQueueSize     int
}

// Hub accepts events from connected devices, assigns server versions through
// the change log and relays accepted events to the user's other devices. Each
// user's sessions and events are owned by one actor goroutine that handles
// mailbox messages strictly one at a time, so version assignment needs no
// coordination beyond the change log's unique constraints, and one user's
// load never stalls another's.
type Hub struct {
	config    Config
	records   repositories.RecordRepository
	changeLog repositories.ChangeLogRepository
	registry  registry.DeviceRegistry
	metrics   *Metrics
	bridge    *Bridge

	mu     sync.Mutex
	actors map[string]*userActor
}

func NewHub(
	config Config,
	records repositories.RecordRepository,
	changeLog repositories.ChangeLogRepository,
	deviceRegistry registry.DeviceRegistry,
	metrics *Metrics,
) *Hub {
	return &Hub{
		config:    config,
		records:   records,
		changeLog: changeLog,
		registry:  deviceRegistry,
		metrics:   metrics,
		actors:    make(map[string]*userActor),
	}
}

// UseBridge attaches a cross-instance fan-out bridge. Must be called before
// the first connection is accepted.
func (h *Hub) UseBridge(b *Bridge) {
	h.bridge = b
}

func (h *Hub) Registry() registry.DeviceRegistry {
	return h.registry
}

// Submit hands one event to the user's actor and waits for the verdict: an
// ack or a conflict_detected goes to the origin session either way, an error
// means the event could not be processed and the device should resend it.
func (h *Hub) Submit(ctx context.Context, origin *Session, e *models.SyncEvent, resolution bool) error {
	msg := &submitMsg{origin: origin, event: e, resolution: resolution, done: make(chan error, 1)}
	h.post(e.UserID, msg)

	select {
	case err := <-msg.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DeliverRemote fans out an event accepted by another hub instance. The
// origin instance already persisted it, so there is nothing to do unless one
// of the user's devices is connected here.
func (h *Hub) DeliverRemote(e *models.SyncEvent) {
	h.mu.Lock()
	a := h.actors[e.UserID]
	h.mu.Unlock()
	if a == nil {
		return
	}
	// A failed post means the actor just exited: no device left to deliver to.
	a.post(&remoteMsg{event: e})
}

// SendLatestState answers a latest-state request with the authoritative
// records of the user, optionally narrowed to one record named "type/key".
func (h *Hub) SendLatestState(ctx context.Context, sess *Session, contextKey string) error {
	msg := &resyncMsg{sess: sess, contextKey: contextKey, done: make(chan error, 1)}
	h.post(sess.userID, msg)

	select {
	case err := <-msg.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DisconnectDevice drops the device's connection with a normal close so the
// client does not reconnect, and hands off its primary claim.
func (h *Hub) DisconnectDevice(ctx context.Context, userID string, deviceID uuid.UUID) error {
	msg := &disconnectMsg{deviceID: deviceID, done: make(chan error, 1)}
	h.post(userID, msg)

	select {
	case err := <-msg.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) attach(sess *Session) {
	h.post(sess.userID, &attachMsg{sess: sess})
}

func (h *Hub) detach(sess *Session) {
	h.post(sess.userID, &detachMsg{sess: sess})
}

// post delivers a message to the user's actor, starting one when none is
// running. A post can race the actor's exit; it then retries against the
// fresh actor the next round creates.
func (h *Hub) post(userID string, msg message) {
	for {
		h.mu.Lock()
		a, ok := h.actors[userID]
		if !ok {
			a = newUserActor(h, userID)
			h.actors[userID] = a
			go a.run()
		}
		h.mu.Unlock()

		if a.post(msg) {
			return
		}
	}
}
