package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/maoxiaohua/tcm-ai-sub001/internal/logger"
	"github.com/maoxiaohua/tcm-ai-sub001/internal/models"
)

const (
	devicePrefix      = "device:"
	userDevicesPrefix = "user:%s:devices"
	userPrimaryPrefix = "user:%s:primary"
	knownUsersKey     = "sync:users"
)

type RedisDeviceRegistry struct {
	client    *redis.Client
	retention time.Duration
}

// NewRedisDeviceRegistry builds a registry whose sessions expire retention
// after their last activity. Purging disconnected sessions is therefore free:
// a session that never reconnects simply ages out of Redis.
func NewRedisDeviceRegistry(client *redis.Client, retention time.Duration) *RedisDeviceRegistry {
	return &RedisDeviceRegistry{client: client, retention: retention}
}

func (r *RedisDeviceRegistry) Register(ctx context.Context, session *models.DeviceSession) error {
	session.LastActivityAt = time.Now()
	if session.ConnectedAt.IsZero() {
		session.ConnectedAt = session.LastActivityAt
	}
	session.Status = models.StatusConnected

	userKey := fmt.Sprintf(userDevicesPrefix, session.UserID)
	if err := r.client.SAdd(ctx, userKey, session.DeviceID.String()).Err(); err != nil {
		return fmt.Errorf("failed to add device to user index: %w", err)
	}
	if err := r.client.SAdd(ctx, knownUsersKey, session.UserID).Err(); err != nil {
		return fmt.Errorf("failed to add user to registry index: %w", err)
	}

	// First device in wins the primary claim. A reconnecting primary finds
	// its own ID already in the claim and keeps the designation.
	primaryKey := fmt.Sprintf(userPrimaryPrefix, session.UserID)
	claimed, err := r.client.SetNX(ctx, primaryKey, session.DeviceID.String(), r.retention).Result()
	if err != nil {
		return fmt.Errorf("failed to claim primary: %w", err)
	}
	if claimed {
		session.IsPrimary = true
	} else {
		current, err := r.client.Get(ctx, primaryKey).Result()
		if err != nil && err != redis.Nil {
			return fmt.Errorf("failed to read primary claim: %w", err)
		}
		session.IsPrimary = current == session.DeviceID.String()
	}

	if err := r.putSession(ctx, session); err != nil {
		return err
	}

	logger.Log.Info("device registered",
		zap.String("user_id", session.UserID),
		zap.String("device_id", session.DeviceID.String()),
		zap.String("device_type", session.DeviceType),
		zap.Bool("is_primary", session.IsPrimary))
	return nil
}

func (r *RedisDeviceRegistry) Touch(ctx context.Context, userID string, deviceID uuid.UUID) error {
	session, err := r.Get(ctx, deviceID)
	if err != nil {
		return err
	}
	session.LastActivityAt = time.Now()
	session.Status = models.StatusConnected
	if err := r.putSession(ctx, session); err != nil {
		return err
	}

	// The primary claim carries its own TTL; a touch from its holder renews
	// it along with the session, so an active primary never ages out.
	primaryKey := fmt.Sprintf(userPrimaryPrefix, userID)
	current, err := r.client.Get(ctx, primaryKey).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("failed to read primary claim: %w", err)
	}
	if current == deviceID.String() {
		if err := r.client.Expire(ctx, primaryKey, r.retention).Err(); err != nil {
			return fmt.Errorf("failed to refresh primary claim: %w", err)
		}
	}
	return nil
}

func (r *RedisDeviceRegistry) MarkDisconnected(ctx context.Context, userID string, deviceID uuid.UUID) error {
	session, err := r.Get(ctx, deviceID)
	if err != nil {
		return err
	}
	session.Status = models.StatusDisconnected
	session.LastActivityAt = time.Now()
	return r.putSession(ctx, session)
}

func (r *RedisDeviceRegistry) Get(ctx context.Context, deviceID uuid.UUID) (*models.DeviceSession, error) {
	data, err := r.client.Get(ctx, deviceKey(deviceID)).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get device session: %w", err)
	}

	var session models.DeviceSession
	if err := json.Unmarshal([]byte(data), &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal device session: %w", err)
	}
	return &session, nil
}

func (r *RedisDeviceRegistry) ListByUser(ctx context.Context, userID string) ([]*models.DeviceSession, error) {
	userKey := fmt.Sprintf(userDevicesPrefix, userID)
	deviceIDs, err := r.client.SMembers(ctx, userKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get user devices: %w", err)
	}

	primaryID, err := r.Primary(ctx, userID)
	if err != nil && err != ErrNotFound {
		return nil, err
	}

	var sessions []*models.DeviceSession
	var expiredIDs []interface{}

	for _, id := range deviceIDs {
		data, err := r.client.Get(ctx, devicePrefix+id).Result()
		if err == redis.Nil {
			expiredIDs = append(expiredIDs, id)
			continue
		}
		if err != nil {
			logger.Log.Warn("failed to get device session", zap.String("device_id", id), zap.Error(err))
			continue
		}

		var session models.DeviceSession
		if err := json.Unmarshal([]byte(data), &session); err != nil {
			logger.Log.Warn("failed to unmarshal device session", zap.String("device_id", id), zap.Error(err))
			continue
		}

		session.IsPrimary = session.DeviceID == primaryID
		sessions = append(sessions, &session)
	}

	// Clean up expired devices
	if len(expiredIDs) > 0 {
		if err := r.client.SRem(ctx, userKey, expiredIDs...).Err(); err != nil {
			return nil, fmt.Errorf("failed to remove expired devices: %w", err)
		}
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].LastActivityAt.After(sessions[j].LastActivityAt)
	})
	return sessions, nil
}

func (r *RedisDeviceRegistry) Primary(ctx context.Context, userID string) (uuid.UUID, error) {
	primaryKey := fmt.Sprintf(userPrimaryPrefix, userID)
	value, err := r.client.Get(ctx, primaryKey).Result()
	if err == redis.Nil {
		return uuid.Nil, ErrNotFound
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to get primary claim: %w", err)
	}

	id, err := uuid.Parse(value)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid primary claim %q: %w", value, err)
	}
	return id, nil
}

func (r *RedisDeviceRegistry) Release(ctx context.Context, userID string, deviceID uuid.UUID) error {
	current, err := r.Primary(ctx, userID)
	if err == ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	if current != deviceID {
		return nil
	}

	primaryKey := fmt.Sprintf(userPrimaryPrefix, userID)
	if err := r.client.Del(ctx, primaryKey).Err(); err != nil {
		return fmt.Errorf("failed to release primary claim: %w", err)
	}

	if _, err := r.promote(ctx, userID); err != nil {
		return err
	}
	return nil
}

func (r *RedisDeviceRegistry) Sweep(ctx context.Context, grace time.Duration) (int, error) {
	userIDs, err := r.client.SMembers(ctx, knownUsersKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list known users: %w", err)
	}

	promotions := 0
	for _, userID := range userIDs {
		sessions, err := r.ListByUser(ctx, userID)
		if err != nil {
			logger.Log.Warn("sweep failed to list devices", zap.String("user_id", userID), zap.Error(err))
			continue
		}
		if len(sessions) == 0 {
			r.client.SRem(ctx, knownUsersKey, userID)
			r.client.Del(ctx, fmt.Sprintf(userPrimaryPrefix, userID))
			continue
		}

		if !r.primaryLapsed(ctx, userID, grace) {
			continue
		}

		promoted, err := r.promote(ctx, userID)
		if err != nil {
			logger.Log.Warn("sweep failed to promote", zap.String("user_id", userID), zap.Error(err))
			continue
		}
		if promoted {
			promotions++
		}
	}
	return promotions, nil
}

// primaryLapsed reports whether the user's primary claim should be handed to
// another device: the claim is gone, the session behind it expired, or the
// device has been disconnected for longer than the grace period.
func (r *RedisDeviceRegistry) primaryLapsed(ctx context.Context, userID string, grace time.Duration) bool {
	primaryID, err := r.Primary(ctx, userID)
	if err == ErrNotFound {
		return true
	}
	if err != nil {
		logger.Log.Warn("failed to read primary claim", zap.String("user_id", userID), zap.Error(err))
		return false
	}

	session, err := r.Get(ctx, primaryID)
	if err == ErrNotFound {
		return true
	}
	if err != nil {
		logger.Log.Warn("failed to read primary session", zap.String("user_id", userID), zap.Error(err))
		return false
	}

	return session.Status == models.StatusDisconnected && time.Since(session.LastActivityAt) > grace
}

// promote hands the primary claim to the most recently active connected
// device. With no connected devices the claim is left unset and the next
// Register wins it.
func (r *RedisDeviceRegistry) promote(ctx context.Context, userID string) (bool, error) {
	sessions, err := r.ListByUser(ctx, userID)
	if err != nil {
		return false, err
	}

	var winner *models.DeviceSession
	for _, session := range sessions {
		if session.Status != models.StatusConnected {
			continue
		}
		if winner == nil || session.LastActivityAt.After(winner.LastActivityAt) {
			winner = session
		}
	}
	if winner == nil {
		return false, nil
	}

	primaryKey := fmt.Sprintf(userPrimaryPrefix, userID)
	if err := r.client.Set(ctx, primaryKey, winner.DeviceID.String(), r.retention).Err(); err != nil {
		return false, fmt.Errorf("failed to set primary claim: %w", err)
	}

	winner.IsPrimary = true
	if err := r.putSession(ctx, winner); err != nil {
		return false, err
	}

	logger.Log.Info("promoted device to primary",
		zap.String("user_id", userID),
		zap.String("device_id", winner.DeviceID.String()))
	return true, nil
}

func (r *RedisDeviceRegistry) putSession(ctx context.Context, session *models.DeviceSession) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal device session: %w", err)
	}
	if err := r.client.Set(ctx, deviceKey(session.DeviceID), data, r.retention).Err(); err != nil {
		return fmt.Errorf("failed to set device session: %w", err)
	}
	return nil
}

func deviceKey(deviceID uuid.UUID) string {
	return devicePrefix + deviceID.String()
}
