package client

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/maoxiaohua/tcm-ai-sub001/internal/models"
)

// MemoryStore is an in-memory Store for tests and throwaway sessions. Nothing
// survives a restart, including the device identity.
type MemoryStore struct {
	mu        sync.Mutex
	deviceID  uuid.UUID
	queue     []*models.SyncEvent
	records   map[models.RecordKey]*models.VersionedRecord
	conflicts map[uuid.UUID]*models.ConflictCase
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:   make(map[models.RecordKey]*models.VersionedRecord),
		conflicts: make(map[uuid.UUID]*models.ConflictCase),
	}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) DeviceID(ctx context.Context) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deviceID == uuid.Nil {
		s.deviceID = uuid.New()
	}
	return s.deviceID, nil
}

func (s *MemoryStore) AppendEvent(ctx context.Context, event *models.SyncEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *event
	s.queue = append(s.queue, &copied)
	return nil
}

func (s *MemoryStore) PendingEvents(ctx context.Context) ([]*models.SyncEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	events := make([]*models.SyncEvent, 0, len(s.queue))
	for _, event := range s.queue {
		copied := *event
		events = append(events, &copied)
	}
	return events, nil
}

func (s *MemoryStore) GetEvent(ctx context.Context, eventID uuid.UUID) (*models.SyncEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, event := range s.queue {
		if event.EventID == eventID {
			copied := *event
			return &copied, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) RemoveEvent(ctx context.Context, eventID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, event := range s.queue {
		if event.EventID == eventID {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *MemoryStore) RemoveEventsForRecord(ctx context.Context, key models.RecordKey) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed []uuid.UUID
	kept := s.queue[:0]
	for _, event := range s.queue {
		if event.Key() == key {
			removed = append(removed, event.EventID)
			continue
		}
		kept = append(kept, event)
	}
	s.queue = kept
	return removed, nil
}

func (s *MemoryStore) RemoveOldestEvent(ctx context.Context) (*models.SyncEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil, ErrNotFound
	}
	oldest := s.queue[0]
	s.queue = s.queue[1:]
	return oldest, nil
}

func (s *MemoryStore) EventCount(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue), nil
}

func (s *MemoryStore) GetRecord(ctx context.Context, key models.RecordKey) (*models.VersionedRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[key]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *record
	return &copied, nil
}

func (s *MemoryStore) PutRecord(ctx context.Context, record *models.VersionedRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *record
	s.records[record.Key()] = &copied
	return nil
}

func (s *MemoryStore) ListRecords(ctx context.Context) ([]*models.VersionedRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	records := make([]*models.VersionedRecord, 0, len(s.records))
	for _, record := range s.records {
		copied := *record
		records = append(records, &copied)
	}
	return records, nil
}

func (s *MemoryStore) SaveConflict(ctx context.Context, conflict *models.ConflictCase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *conflict
	s.conflicts[conflict.ConflictID] = &copied
	return nil
}

func (s *MemoryStore) GetConflict(ctx context.Context, conflictID uuid.UUID) (*models.ConflictCase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conflict, ok := s.conflicts[conflictID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *conflict
	return &copied, nil
}

func (s *MemoryStore) OpenConflicts(ctx context.Context) ([]*models.ConflictCase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var conflicts []*models.ConflictCase
	for _, conflict := range s.conflicts {
		if !conflict.Resolved() {
			copied := *conflict
			conflicts = append(conflicts, &copied)
		}
	}
	return conflicts, nil
}
