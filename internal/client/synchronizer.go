package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/maoxiaohua/tcm-ai-sub001/internal/logger"
	"github.com/maoxiaohua/tcm-ai-sub001/internal/models"
)

type ApplyOutcome int

const (
	// OutcomeApplied means the remote record was newer and replaced the
	// cached copy.
	OutcomeApplied ApplyOutcome = iota
	// OutcomeDiscarded means the remote record was stale or identical to the
	// cached copy.
	OutcomeDiscarded
	// OutcomeConflicted means remote and cache claim the same version with
	// different content; a ConflictCase was opened.
	OutcomeConflicted
)

// Synchronizer reconciles inbound record state against the local cache. The
// cache holds the last hub-confirmed state only; edits waiting in the buffer
// never touch it, so a version/hash comparison against the cache is always a
// comparison between two hub-confirmed views.
type Synchronizer struct {
	store Store
	mu    sync.Mutex
}

func NewSynchronizer(store Store) *Synchronizer {
	return &Synchronizer{store: store}
}

// ApplyRemote runs one inbound record through the reconciliation rules:
// newer versions replace the cache, older ones are discarded, and an equal
// version with different content opens a conflict.
func (s *Synchronizer) ApplyRemote(ctx context.Context, remote *models.VersionedRecord) (ApplyOutcome, *models.ConflictCase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	local, err := s.store.GetRecord(ctx, remote.Key())
	if err != nil && !errors.Is(err, ErrNotFound) {
		return OutcomeDiscarded, nil, fmt.Errorf("failed to load cached record: %w", err)
	}

	var localVersion int64
	if local != nil {
		localVersion = local.Version
	}

	switch {
	case remote.Version > localVersion:
		if err := s.store.PutRecord(ctx, remote); err != nil {
			return OutcomeDiscarded, nil, err
		}
		logger.Log.Debug("applied remote record",
			zap.String("record", remote.Key().String()),
			zap.Int64("version", remote.Version))
		return OutcomeApplied, nil, nil

	case remote.Version < localVersion:
		logger.Log.Debug("discarding stale remote record",
			zap.String("record", remote.Key().String()),
			zap.Int64("remote_version", remote.Version),
			zap.Int64("local_version", localVersion))
		return OutcomeDiscarded, nil, nil

	default:
		if local == nil || local.ContentHash == remote.ContentHash {
			return OutcomeDiscarded, nil, nil
		}
		conflict := &models.ConflictCase{
			ConflictID:    uuid.New(),
			RecordType:    remote.RecordType,
			RecordKey:     remote.RecordKey,
			ClientVersion: localVersion,
			ServerVersion: remote.Version,
			LocalPayload:  local.Payload,
			RemotePayload: remote.Payload,
			DetectedAt:    time.Now().UTC(),
		}
		if err := s.store.SaveConflict(ctx, conflict); err != nil {
			return OutcomeConflicted, nil, err
		}
		logger.Log.Warn("record diverged from hub at same version",
			zap.String("record", remote.Key().String()),
			zap.Int64("version", remote.Version),
			zap.String("conflict_id", conflict.ConflictID.String()))
		return OutcomeConflicted, conflict, nil
	}
}

// Promote advances the cache after the hub acknowledged a local event: the
// event's payload becomes the confirmed state at the assigned version. A
// cache already past that version is left alone.
func (s *Synchronizer) Promote(ctx context.Context, event *models.SyncEvent, serverVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	local, err := s.store.GetRecord(ctx, event.Key())
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("failed to load cached record: %w", err)
	}
	if local != nil && local.Version >= serverVersion {
		return nil
	}

	return s.store.PutRecord(ctx, &models.VersionedRecord{
		UserID:      event.UserID,
		RecordType:  event.RecordType,
		RecordKey:   event.RecordKey,
		Version:     serverVersion,
		ContentHash: models.ContentHash(event.Payload),
		Payload:     event.Payload,
		UpdatedAt:   time.Now().UTC(),
	})
}

// BaseVersion returns the confirmed version a new local edit builds on, zero
// when the record has never been seen.
func (s *Synchronizer) BaseVersion(ctx context.Context, key models.RecordKey) (int64, error) {
	record, err := s.store.GetRecord(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return record.Version, nil
}
