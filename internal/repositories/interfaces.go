package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/maoxiaohua/tcm-ai-sub001/internal/models"
)

var ErrNotFound = errors.New("not found")

// ChangeLogRepository is the durable, append-only history of accepted events.
// The UNIQUE constraints on event_id and on (record, server_version) make
// Append the serialization point for idempotency and version assignment.
type ChangeLogRepository interface {
	Append(ctx context.Context, entry *models.ChangeLogEntry) error
	GetByEventID(ctx context.Context, eventID uuid.UUID) (*models.ChangeLogEntry, error)
	GetByRecordVersion(ctx context.Context, userID string, key models.RecordKey, version int64) (*models.ChangeLogEntry, error)
	ListSince(ctx context.Context, userID string, sinceID int64) ([]*models.ChangeLogEntry, error)
	MarkSynced(ctx context.Context, eventID uuid.UUID, deviceID uuid.UUID) error
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// RecordRepository caches the current authoritative version of every record.
// Put only ever moves a record forward.
type RecordRepository interface {
	Get(ctx context.Context, userID string, key models.RecordKey) (*models.VersionedRecord, error)
	ListByUser(ctx context.Context, userID string) ([]*models.VersionedRecord, error)
	Put(ctx context.Context, record *models.VersionedRecord) error
}
