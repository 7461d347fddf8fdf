package registry

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/maoxiaohua/tcm-ai-sub001/internal/models"
)

var ErrNotFound = errors.New("device session not found")

// DeviceRegistry tracks which devices are online for each user and which one
// currently holds the primary designation. The primary claim is sticky across
// short disconnects: promotion of another device happens only after the grace
// period, from Sweep.
type DeviceRegistry interface {
	// Register stores the session, indexes it under its user and claims the
	// primary designation if no device holds it. session.IsPrimary reflects
	// the outcome.
	Register(ctx context.Context, session *models.DeviceSession) error

	// Touch refreshes last_activity_at and the session's retention TTL.
	Touch(ctx context.Context, userID string, deviceID uuid.UUID) error

	// MarkDisconnected flips the session to disconnected without removing it.
	// The session stays visible for one retention period so the device can
	// resume, and the primary claim stays put until the grace period runs out.
	MarkDisconnected(ctx context.Context, userID string, deviceID uuid.UUID) error

	Get(ctx context.Context, deviceID uuid.UUID) (*models.DeviceSession, error)

	// ListByUser returns all known sessions for the user, expired ones lazily
	// removed, with IsPrimary set from the current claim.
	ListByUser(ctx context.Context, userID string) ([]*models.DeviceSession, error)

	// Primary returns the device currently designated primary for the user,
	// or ErrNotFound if no claim exists.
	Primary(ctx context.Context, userID string) (uuid.UUID, error)

	// Release drops the device's primary claim after a graceful disconnect and
	// immediately promotes the best remaining connected device, if any.
	Release(ctx context.Context, userID string, deviceID uuid.UUID) error

	// Sweep promotes a connected device for every user whose primary has been
	// disconnected (or gone entirely) longer than the grace period. Returns
	// the number of promotions performed.
	Sweep(ctx context.Context, grace time.Duration) (int, error)
}
