package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// RecordKey identifies a logical application record within one user's data.
type RecordKey struct {
	RecordType string `json:"record_type"`
	RecordKey  string `json:"record_key"`
}

func (k RecordKey) String() string {
	return k.RecordType + "/" + k.RecordKey
}

// VersionedRecord is the unit of synchronization: conversation state, a
// prescription, an order. The hub owns the authoritative copy; each device
// keeps a cached copy that may lag. Version only ever advances at the hub.
type VersionedRecord struct {
	UserID      string          `json:"user_id"`
	RecordType  string          `json:"record_type"`
	RecordKey   string          `json:"record_key"`
	Version     int64           `json:"version"`
	ContentHash string          `json:"content_hash"`
	Payload     json.RawMessage `json:"payload"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

func (r *VersionedRecord) Key() RecordKey {
	return RecordKey{RecordType: r.RecordType, RecordKey: r.RecordKey}
}

// ContentHash returns the lowercase hex SHA-256 of the payload bytes. Devices
// and hub must agree on this byte-for-byte, so payloads are hashed as sent,
// without re-marshaling.
func ContentHash(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
