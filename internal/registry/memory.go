package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/maoxiaohua/tcm-ai-sub001/internal/models"
)

// MemoryDeviceRegistry is a map-backed DeviceRegistry for tests and local
// development. Retention expiry is checked lazily on read, mirroring how the
// Redis registry relies on key TTLs.
type MemoryDeviceRegistry struct {
	mu        sync.RWMutex
	retention time.Duration
	devices   map[uuid.UUID]*models.DeviceSession
	byUser    map[string]map[uuid.UUID]struct{}
	primaries map[string]uuid.UUID
}

func NewMemoryDeviceRegistry(retention time.Duration) *MemoryDeviceRegistry {
	return &MemoryDeviceRegistry{
		retention: retention,
		devices:   make(map[uuid.UUID]*models.DeviceSession),
		byUser:    make(map[string]map[uuid.UUID]struct{}),
		primaries: make(map[string]uuid.UUID),
	}
}

func (r *MemoryDeviceRegistry) Register(ctx context.Context, session *models.DeviceSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	session.LastActivityAt = time.Now()
	if session.ConnectedAt.IsZero() {
		session.ConnectedAt = session.LastActivityAt
	}
	session.Status = models.StatusConnected

	if r.byUser[session.UserID] == nil {
		r.byUser[session.UserID] = make(map[uuid.UUID]struct{})
	}
	r.byUser[session.UserID][session.DeviceID] = struct{}{}

	if _, ok := r.primaries[session.UserID]; !ok {
		r.primaries[session.UserID] = session.DeviceID
	}
	session.IsPrimary = r.primaries[session.UserID] == session.DeviceID

	copied := *session
	r.devices[session.DeviceID] = &copied
	return nil
}

func (r *MemoryDeviceRegistry) Touch(ctx context.Context, userID string, deviceID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.devices[deviceID]
	if !ok {
		return ErrNotFound
	}
	session.LastActivityAt = time.Now()
	session.Status = models.StatusConnected
	return nil
}

func (r *MemoryDeviceRegistry) MarkDisconnected(ctx context.Context, userID string, deviceID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.devices[deviceID]
	if !ok {
		return ErrNotFound
	}
	session.Status = models.StatusDisconnected
	session.LastActivityAt = time.Now()
	return nil
}

func (r *MemoryDeviceRegistry) Get(ctx context.Context, deviceID uuid.UUID) (*models.DeviceSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	session, ok := r.devices[deviceID]
	if !ok || r.expired(session) {
		return nil, ErrNotFound
	}
	copied := *session
	return &copied, nil
}

func (r *MemoryDeviceRegistry) ListByUser(ctx context.Context, userID string) ([]*models.DeviceSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listLocked(userID), nil
}

func (r *MemoryDeviceRegistry) Primary(ctx context.Context, userID string) (uuid.UUID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.primaries[userID]
	if !ok {
		return uuid.Nil, ErrNotFound
	}
	return id, nil
}

func (r *MemoryDeviceRegistry) Release(ctx context.Context, userID string, deviceID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.primaries[userID] != deviceID {
		return nil
	}
	delete(r.primaries, userID)
	r.promoteLocked(userID)
	return nil
}

func (r *MemoryDeviceRegistry) Sweep(ctx context.Context, grace time.Duration) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	promotions := 0
	for userID := range r.byUser {
		sessions := r.listLocked(userID)
		if len(sessions) == 0 {
			delete(r.byUser, userID)
			delete(r.primaries, userID)
			continue
		}

		primaryID, ok := r.primaries[userID]
		if ok {
			primary, alive := r.devices[primaryID]
			if alive && !r.expired(primary) {
				if primary.Status != models.StatusDisconnected || time.Since(primary.LastActivityAt) <= grace {
					continue
				}
			}
		}

		if r.promoteLocked(userID) {
			promotions++
		}
	}
	return promotions, nil
}

func (r *MemoryDeviceRegistry) listLocked(userID string) []*models.DeviceSession {
	var sessions []*models.DeviceSession
	for deviceID := range r.byUser[userID] {
		session, ok := r.devices[deviceID]
		if !ok || r.expired(session) {
			delete(r.byUser[userID], deviceID)
			delete(r.devices, deviceID)
			continue
		}
		copied := *session
		copied.IsPrimary = r.primaries[userID] == deviceID
		sessions = append(sessions, &copied)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].LastActivityAt.After(sessions[j].LastActivityAt)
	})
	return sessions
}

func (r *MemoryDeviceRegistry) promoteLocked(userID string) bool {
	var winner *models.DeviceSession
	for deviceID := range r.byUser[userID] {
		session, ok := r.devices[deviceID]
		if !ok || r.expired(session) || session.Status != models.StatusConnected {
			continue
		}
		if winner == nil || session.LastActivityAt.After(winner.LastActivityAt) {
			winner = session
		}
	}
	if winner == nil {
		return false
	}
	r.primaries[userID] = winner.DeviceID
	winner.IsPrimary = true
	return true
}

func (r *MemoryDeviceRegistry) expired(session *models.DeviceSession) bool {
	return r.retention > 0 && time.Since(session.LastActivityAt) > r.retention
}
