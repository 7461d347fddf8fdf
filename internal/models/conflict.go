package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type ResolutionStrategy string

const (
	ResolutionAskUser    ResolutionStrategy = "ask_user"
	ResolutionServerWins ResolutionStrategy = "server_wins"
	ResolutionClientWins ResolutionStrategy = "client_wins"
	ResolutionMerge      ResolutionStrategy = "merge"
)

// Valid reports whether s is one of the known strategies.
func (s ResolutionStrategy) Valid() bool {
	switch s {
	case ResolutionAskUser, ResolutionServerWins, ResolutionClientWins, ResolutionMerge:
		return true
	}
	return false
}

// ConflictCase records a detected divergence between the version a device
// based its edit on and the hub's authoritative version. It is created on the
// device when the hub answers conflict_detected, or when a remote event lands
// on a locally dirty record at the same version. Terminal once
// ResolvedVersion is set.
type ConflictCase struct {
	ConflictID      uuid.UUID          `json:"conflict_id"`
	RecordType      string             `json:"record_type"`
	RecordKey       string             `json:"record_key"`
	EventType       EventType          `json:"event_type,omitempty"`
	ClientVersion   int64              `json:"client_version"`
	ServerVersion   int64              `json:"server_version"`
	LocalEventID    uuid.UUID          `json:"local_event_id"`
	LocalPayload    json.RawMessage    `json:"local_payload,omitempty"`
	RemotePayload   json.RawMessage    `json:"remote_payload,omitempty"`
	DetectedAt      time.Time          `json:"detected_at"`
	Strategy        ResolutionStrategy `json:"resolution_strategy,omitempty"`
	ResolvedVersion int64              `json:"resolved_version,omitempty"`
}

// Resolved reports whether the case is terminal.
func (c *ConflictCase) Resolved() bool {
	return c.ResolvedVersion > 0
}

// AwaitingUser reports whether the case still needs a strategy picked. Once a
// strategy is applied the resolution event is queued and the case closes when
// the hub acknowledges it.
func (c *ConflictCase) AwaitingUser() bool {
	return c.ResolvedVersion == 0 && c.Strategy == ""
}

func (c *ConflictCase) Key() RecordKey {
	return RecordKey{RecordType: c.RecordType, RecordKey: c.RecordKey}
}
