package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventStateChange        EventType = "state_change"
	EventMessage            EventType = "message"
	EventPrescriptionUpdate EventType = "prescription_update"
	EventDoctorSwitch       EventType = "doctor_switch"
	EventRouteChange        EventType = "route_change"
	EventHeartbeat          EventType = "heartbeat"
)

// Valid reports whether t is one of the known event types.
func (t EventType) Valid() bool {
	switch t {
	case EventStateChange, EventMessage, EventPrescriptionUpdate,
		EventDoctorSwitch, EventRouteChange, EventHeartbeat:
		return true
	}
	return false
}

// Persistent reports whether events of this type are written to the change
// log. Heartbeats only refresh liveness and are never persisted.
func (t EventType) Persistent() bool {
	return t != EventHeartbeat
}

// SyncEvent is one device-originated operation. EventID is generated on the
// client so that a retransmit after a partial failure is recognized as the
// same operation. ServerVersion is zero until the hub accepts the event.
type SyncEvent struct {
	EventID         uuid.UUID       `json:"event_id"`
	UserID          string          `json:"user_id"`
	DeviceID        uuid.UUID       `json:"device_id"`
	Type            EventType       `json:"type"`
	RecordType      string          `json:"record_type"`
	RecordKey       string          `json:"record_key"`
	BaseVersion     int64           `json:"base_version"`
	Payload         json.RawMessage `json:"payload"`
	ClientTimestamp time.Time       `json:"client_timestamp"`
	ServerVersion   int64           `json:"server_version,omitempty"`
}

// Key returns the logical record identity this event targets.
func (e *SyncEvent) Key() RecordKey {
	return RecordKey{RecordType: e.RecordType, RecordKey: e.RecordKey}
}
