// Package protocol defines the JSON frames exchanged between devices and the
// sync hub over a persistent websocket. Every frame carries a type tag; the
// remaining fields are populated per type. Ids travel as strings and are
// validated at the boundary so an undecodable frame can be dropped in one
// place.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/maoxiaohua/tcm-ai-sub001/internal/models"
)

type MessageType string

// Client to hub.
const (
	TypeHeartbeat          MessageType = "heartbeat"
	TypeStateChange        MessageType = "state_change"
	TypeMessage            MessageType = "message"
	TypePrescriptionUpdate MessageType = "prescription_update"
	TypeDoctorSwitch       MessageType = "doctor_switch"
	TypeRouteChange        MessageType = "route_change"
	TypeConflictResolution MessageType = "conflict_resolution"
	TypeRequestLatestState MessageType = "request_latest_state"
)

// Hub to client.
const (
	TypeHeartbeatAck       MessageType = "heartbeat_ack"
	TypeAck                MessageType = "ack"
	TypeStateSync          MessageType = "state_sync"
	TypeMessageSync        MessageType = "message_sync"
	TypePrescriptionSync   MessageType = "prescription_sync"
	TypeDeviceNotification MessageType = "device_notification"
	TypeConflictDetected   MessageType = "conflict_detected"
	TypeLatestState        MessageType = "latest_state"
)

// Frame is the wire representation of every message in both directions.
type Frame struct {
	Type          MessageType              `json:"type"`
	EventID       string                   `json:"event_id,omitempty"`
	DeviceID      string                   `json:"device_id,omitempty"`
	UserID        string                   `json:"user_id,omitempty"`
	EventType     string                   `json:"event_type,omitempty"`
	RecordType    string                   `json:"record_type,omitempty"`
	RecordKey     string                   `json:"record_key,omitempty"`
	BaseVersion   int64                    `json:"base_version,omitempty"`
	ClientVersion int64                    `json:"client_version,omitempty"`
	ServerVersion int64                    `json:"server_version,omitempty"`
	ConflictID    string                   `json:"conflict_id,omitempty"`
	Strategy      string                   `json:"strategy,omitempty"`
	ContextKey    string                   `json:"context_key,omitempty"`
	Timestamp     time.Time                `json:"timestamp"`
	Data          json.RawMessage          `json:"data,omitempty"`
	Records       []models.VersionedRecord `json:"records,omitempty"`
}

// Decode parses a raw frame and checks the type tag. Field-level validation
// happens in the per-type accessors.
func Decode(raw []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}
	if !f.Type.Known() {
		return nil, fmt.Errorf("unknown frame type %q", f.Type)
	}
	return &f, nil
}

func (f *Frame) Encode() ([]byte, error) {
	raw, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s frame: %w", f.Type, err)
	}
	return raw, nil
}

// Known reports whether t belongs to the frame vocabulary of either
// direction.
func (t MessageType) Known() bool {
	switch t {
	case TypeHeartbeat, TypeStateChange, TypeMessage, TypePrescriptionUpdate,
		TypeDoctorSwitch, TypeRouteChange, TypeConflictResolution,
		TypeRequestLatestState, TypeHeartbeatAck, TypeAck, TypeStateSync,
		TypeMessageSync, TypePrescriptionSync, TypeDeviceNotification,
		TypeConflictDetected, TypeLatestState:
		return true
	}
	return false
}

// IsEvent reports whether t carries a device operation destined for the
// change log.
func (t MessageType) IsEvent() bool {
	switch t {
	case TypeStateChange, TypeMessage, TypePrescriptionUpdate,
		TypeDoctorSwitch, TypeRouteChange:
		return true
	}
	return false
}

// SyncTypeFor maps an accepted event type to the frame type the hub uses when
// relaying it to the user's other devices.
func SyncTypeFor(t models.EventType) MessageType {
	switch t {
	case models.EventStateChange:
		return TypeStateSync
	case models.EventMessage:
		return TypeMessageSync
	case models.EventPrescriptionUpdate:
		return TypePrescriptionSync
	default:
		return TypeDeviceNotification
	}
}

// Event converts an inbound event frame into a SyncEvent, validating ids and
// required fields. Resolution frames carry the original event type in
// event_type. userID is taken from the authenticated connection, not from the
// frame.
func (f *Frame) Event(userID string) (*models.SyncEvent, error) {
	if !f.Type.IsEvent() && f.Type != TypeConflictResolution {
		return nil, fmt.Errorf("frame type %s is not an event", f.Type)
	}
	eventID, err := uuid.Parse(f.EventID)
	if err != nil {
		return nil, fmt.Errorf("invalid event_id %q: %w", f.EventID, err)
	}
	deviceID, err := uuid.Parse(f.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("invalid device_id %q: %w", f.DeviceID, err)
	}
	if f.RecordType == "" || f.RecordKey == "" {
		return nil, fmt.Errorf("event %s missing record identity", f.EventID)
	}
	eventType := models.EventType(f.Type)
	if f.Type == TypeConflictResolution {
		eventType = models.EventType(f.EventType)
	}
	if !eventType.Valid() || !eventType.Persistent() {
		return nil, fmt.Errorf("invalid event type %q", eventType)
	}
	return &models.SyncEvent{
		EventID:         eventID,
		UserID:          userID,
		DeviceID:        deviceID,
		Type:            eventType,
		RecordType:      f.RecordType,
		RecordKey:       f.RecordKey,
		BaseVersion:     f.BaseVersion,
		Payload:         f.Data,
		ClientTimestamp: f.Timestamp,
	}, nil
}

// EventFrame builds the client→hub frame for a local event.
func EventFrame(e *models.SyncEvent) *Frame {
	return &Frame{
		Type:        MessageType(e.Type),
		EventID:     e.EventID.String(),
		DeviceID:    e.DeviceID.String(),
		RecordType:  e.RecordType,
		RecordKey:   e.RecordKey,
		BaseVersion: e.BaseVersion,
		Timestamp:   e.ClientTimestamp,
		Data:        e.Payload,
	}
}

// SyncFrame builds the hub→client frame relaying an accepted event.
func SyncFrame(e *models.SyncEvent) *Frame {
	return &Frame{
		Type:          SyncTypeFor(e.Type),
		EventID:       e.EventID.String(),
		DeviceID:      e.DeviceID.String(),
		EventType:     string(e.Type),
		RecordType:    e.RecordType,
		RecordKey:     e.RecordKey,
		ServerVersion: e.ServerVersion,
		Timestamp:     e.ClientTimestamp,
		Data:          e.Payload,
	}
}

// Heartbeat builds the periodic liveness frame for a device.
func Heartbeat(deviceID uuid.UUID) *Frame {
	return &Frame{Type: TypeHeartbeat, DeviceID: deviceID.String(), Timestamp: time.Now().UTC()}
}

func HeartbeatAck() *Frame {
	return &Frame{Type: TypeHeartbeatAck, Timestamp: time.Now().UTC()}
}

// Ack acknowledges acceptance (or idempotent re-acceptance) of an event.
func Ack(eventID uuid.UUID, serverVersion int64) *Frame {
	return &Frame{
		Type:          TypeAck,
		EventID:       eventID.String(),
		ServerVersion: serverVersion,
		Timestamp:     time.Now().UTC(),
	}
}

// ConflictDetected tells the submitting device its base version lost, and
// carries the current server payload so the device can build a ConflictCase
// without another round trip.
func ConflictDetected(e *models.SyncEvent, current *models.VersionedRecord) *Frame {
	return &Frame{
		Type:          TypeConflictDetected,
		EventID:       e.EventID.String(),
		RecordType:    e.RecordType,
		RecordKey:     e.RecordKey,
		ClientVersion: e.BaseVersion,
		ServerVersion: current.Version,
		Timestamp:     time.Now().UTC(),
		Data:          current.Payload,
	}
}

// RequestLatestState asks the hub for the authoritative state of one record
// named "type/key", or of every record of the user when contextKey is empty.
func RequestLatestState(userID string, contextKey string) *Frame {
	return &Frame{
		Type:       TypeRequestLatestState,
		UserID:     userID,
		ContextKey: contextKey,
		Timestamp:  time.Now().UTC(),
	}
}

// LatestState answers RequestLatestState.
func LatestState(records []models.VersionedRecord) *Frame {
	return &Frame{Type: TypeLatestState, Timestamp: time.Now().UTC(), Records: records}
}

// ResolutionFrame wraps the event produced by resolving a conflict. It is
// processed like any other event but lands in the change log as a resolve
// operation, annotated with the conflict it settles.
func ResolutionFrame(e *models.SyncEvent, conflictID uuid.UUID, strategy models.ResolutionStrategy) *Frame {
	return &Frame{
		Type:        TypeConflictResolution,
		EventID:     e.EventID.String(),
		DeviceID:    e.DeviceID.String(),
		EventType:   string(e.Type),
		RecordType:  e.RecordType,
		RecordKey:   e.RecordKey,
		BaseVersion: e.BaseVersion,
		ConflictID:  conflictID.String(),
		Strategy:    string(strategy),
		Timestamp:   e.ClientTimestamp,
		Data:        e.Payload,
	}
}
