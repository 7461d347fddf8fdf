package client

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/maoxiaohua/tcm-ai-sub001/internal/models"
)

var ErrNotFound = errors.New("not found")

// Store is the device-local persistence behind the client: the device's
// stable identity, the outbound event queue, the cached copy of every synced
// record and any conflicts awaiting resolution. Queue order is submission
// order; replay after a reconnect must preserve it.
type Store interface {
	// DeviceID returns the device's stable identity, creating one on first
	// use. The identity survives restarts so the hub can recognize the device
	// across sessions.
	DeviceID(ctx context.Context) (uuid.UUID, error)

	AppendEvent(ctx context.Context, event *models.SyncEvent) error
	PendingEvents(ctx context.Context) ([]*models.SyncEvent, error)
	GetEvent(ctx context.Context, eventID uuid.UUID) (*models.SyncEvent, error)
	RemoveEvent(ctx context.Context, eventID uuid.UUID) error
	RemoveEventsForRecord(ctx context.Context, key models.RecordKey) ([]uuid.UUID, error)
	RemoveOldestEvent(ctx context.Context) (*models.SyncEvent, error)
	EventCount(ctx context.Context) (int, error)

	GetRecord(ctx context.Context, key models.RecordKey) (*models.VersionedRecord, error)
	PutRecord(ctx context.Context, record *models.VersionedRecord) error
	ListRecords(ctx context.Context) ([]*models.VersionedRecord, error)

	SaveConflict(ctx context.Context, conflict *models.ConflictCase) error
	GetConflict(ctx context.Context, conflictID uuid.UUID) (*models.ConflictCase, error)
	OpenConflicts(ctx context.Context) ([]*models.ConflictCase, error)

	Close() error
}
