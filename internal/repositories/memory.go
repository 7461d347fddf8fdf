package repositories

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/maoxiaohua/tcm-ai-sub001/internal/models"
)

// MemoryRecordRepository keeps records in process memory. It honors the same
// sentinel errors as the Postgres implementation, for tests and development
// runs without a database.
type MemoryRecordRepository struct {
	mu      sync.RWMutex
	records map[string]map[models.RecordKey]*models.VersionedRecord
}

func NewMemoryRecordRepository() *MemoryRecordRepository {
	return &MemoryRecordRepository{
		records: make(map[string]map[models.RecordKey]*models.VersionedRecord),
	}
}

func (r *MemoryRecordRepository) Get(ctx context.Context, userID string, key models.RecordKey) (*models.VersionedRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	record, ok := r.records[userID][key]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *record
	return &copied, nil
}

func (r *MemoryRecordRepository) ListByUser(ctx context.Context, userID string) ([]*models.VersionedRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	records := make([]*models.VersionedRecord, 0, len(r.records[userID]))
	for _, record := range r.records[userID] {
		copied := *record
		records = append(records, &copied)
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].RecordType != records[j].RecordType {
			return records[i].RecordType < records[j].RecordType
		}
		return records[i].RecordKey < records[j].RecordKey
	})
	return records, nil
}

func (r *MemoryRecordRepository) Put(ctx context.Context, record *models.VersionedRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.records[record.UserID][record.Key()]
	if ok && existing.Version >= record.Version {
		return ErrVersionConflict
	}
	if r.records[record.UserID] == nil {
		r.records[record.UserID] = make(map[models.RecordKey]*models.VersionedRecord)
	}
	record.UpdatedAt = time.Now().UTC()
	copied := *record
	r.records[record.UserID][record.Key()] = &copied
	return nil
}

// MemoryChangeLogRepository is the in-memory counterpart of the Postgres
// change log: Append enforces the same event_id and (record, server_version)
// uniqueness and assigns sequential ids.
type MemoryChangeLogRepository struct {
	mu      sync.Mutex
	nextID  int64
	entries []*models.ChangeLogEntry
	byEvent map[uuid.UUID]*models.ChangeLogEntry
	slots   map[string]*models.ChangeLogEntry
}

func NewMemoryChangeLogRepository() *MemoryChangeLogRepository {
	return &MemoryChangeLogRepository{
		byEvent: make(map[uuid.UUID]*models.ChangeLogEntry),
		slots:   make(map[string]*models.ChangeLogEntry),
	}
}

func versionSlot(userID, recordType, recordKey string, version int64) string {
	return fmt.Sprintf("%s/%s/%s@%d", userID, recordType, recordKey, version)
}

func (r *MemoryChangeLogRepository) Append(ctx context.Context, entry *models.ChangeLogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byEvent[entry.EventID]; ok {
		return ErrDuplicateEvent
	}
	slot := versionSlot(entry.UserID, entry.RecordType, entry.RecordKey, entry.ServerVersion)
	if _, ok := r.slots[slot]; ok {
		return ErrVersionConflict
	}

	r.nextID++
	entry.ID = r.nextID
	entry.CreatedAt = time.Now().UTC()

	stored := cloneEntry(entry)
	r.entries = append(r.entries, stored)
	r.byEvent[entry.EventID] = stored
	r.slots[slot] = stored
	return nil
}

func (r *MemoryChangeLogRepository) GetByEventID(ctx context.Context, eventID uuid.UUID) (*models.ChangeLogEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.byEvent[eventID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneEntry(entry), nil
}

func (r *MemoryChangeLogRepository) GetByRecordVersion(ctx context.Context, userID string, key models.RecordKey, version int64) (*models.ChangeLogEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.slots[versionSlot(userID, key.RecordType, key.RecordKey, version)]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneEntry(entry), nil
}

func (r *MemoryChangeLogRepository) ListSince(ctx context.Context, userID string, sinceID int64) ([]*models.ChangeLogEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var entries []*models.ChangeLogEntry
	for _, entry := range r.entries {
		if entry.UserID == userID && entry.ID > sinceID {
			entries = append(entries, cloneEntry(entry))
		}
	}
	return entries, nil
}

func (r *MemoryChangeLogRepository) MarkSynced(ctx context.Context, eventID uuid.UUID, deviceID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.byEvent[eventID]
	if !ok {
		return nil
	}
	for _, synced := range entry.SyncedDevices {
		if synced == deviceID {
			return nil
		}
	}
	entry.SyncedDevices = append(entry.SyncedDevices, deviceID)
	return nil
}

func (r *MemoryChangeLogRepository) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var kept []*models.ChangeLogEntry
	var pruned int64
	for _, entry := range r.entries {
		if entry.CreatedAt.Before(cutoff) {
			pruned++
			delete(r.byEvent, entry.EventID)
			delete(r.slots, versionSlot(entry.UserID, entry.RecordType, entry.RecordKey, entry.ServerVersion))
			continue
		}
		kept = append(kept, entry)
	}
	r.entries = kept
	return pruned, nil
}

func cloneEntry(entry *models.ChangeLogEntry) *models.ChangeLogEntry {
	copied := *entry
	copied.SyncedDevices = append([]uuid.UUID(nil), entry.SyncedDevices...)
	return &copied
}
