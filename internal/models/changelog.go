package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type OperationType string

const (
	OpCreate  OperationType = "create"
	OpUpdate  OperationType = "update"
	OpResolve OperationType = "resolve"
)

// ChangeLogEntry is one accepted event as persisted in the hub's durable
// change log. ServerVersion is the version the entry produced for its record;
// for any record the entries form a gapless, strictly increasing sequence.
// SyncedDevices accumulates the devices known to have received the entry.
type ChangeLogEntry struct {
	ID                int64           `json:"id"`
	UserID            string          `json:"user_id"`
	RecordType        string          `json:"record_type"`
	RecordKey         string          `json:"record_key"`
	EventID           uuid.UUID       `json:"event_id"`
	EventType         EventType       `json:"event_type"`
	OperationType     OperationType   `json:"operation_type"`
	OldData           json.RawMessage `json:"old_data,omitempty"`
	NewData           json.RawMessage `json:"new_data"`
	ChangeHash        string          `json:"change_hash"`
	DeviceFingerprint uuid.UUID       `json:"device_fingerprint"`
	ServerVersion     int64           `json:"server_version"`
	CreatedAt         time.Time       `json:"created_at"`
	SyncedDevices     []uuid.UUID     `json:"synced_devices"`
}
