package models

import (
	"time"

	"github.com/google/uuid"
)

type ConnectionStatus string

const (
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusDisconnected ConnectionStatus = "disconnected"
)

// DeviceSession tracks one device's logical connection to the hub. Created on
// the first successful handshake, refreshed on every heartbeat and event,
// marked disconnected on channel loss, and purged after the retention window.
type DeviceSession struct {
	DeviceID       uuid.UUID        `json:"device_id"`
	UserID         string           `json:"user_id"`
	DeviceName     string           `json:"device_name,omitempty"`
	DeviceType     string           `json:"device_type,omitempty"`
	Status         ConnectionStatus `json:"connection_status"`
	LastActivityAt time.Time        `json:"last_activity_at"`
	IsPrimary      bool             `json:"is_primary"`
	ConnectedAt    time.Time        `json:"connected_at"`
}
