package client

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/maoxiaohua/tcm-ai-sub001/internal/logger"
	"github.com/maoxiaohua/tcm-ai-sub001/internal/models"
)

// ErrAwaitingUser is returned when a conflict cannot be resolved
// automatically and stays open until the user picks a side.
var ErrAwaitingUser = errors.New("conflict requires manual resolution")

// Merger combines the two sides of a conflict into one payload.
type Merger func(local, remote json.RawMessage) (json.RawMessage, error)

// Resolution is the outcome of resolving a conflict: the winning payload and
// the strategy that produced it. Every resolution is submitted back to the hub
// as a resolution event so the outcome lands in the change log and reaches the
// other devices.
type Resolution struct {
	Strategy models.ResolutionStrategy
	Payload  json.RawMessage
}

// Resolver picks the winning side of a conflict. Strategies and mergers are
// configured per record type; anything unconfigured falls back to the default
// strategy, and a merge without a registered merger (or whose merger fails)
// falls back to server_wins.
type Resolver struct {
	mu         sync.RWMutex
	fallback   models.ResolutionStrategy
	strategies map[string]models.ResolutionStrategy
	mergers    map[string]Merger
}

func NewResolver(fallback models.ResolutionStrategy) *Resolver {
	if !fallback.Valid() {
		fallback = models.ResolutionAskUser
	}
	return &Resolver{
		fallback:   fallback,
		strategies: make(map[string]models.ResolutionStrategy),
		mergers:    make(map[string]Merger),
	}
}

// SetStrategy overrides the resolution strategy for one record type.
func (r *Resolver) SetStrategy(recordType string, strategy models.ResolutionStrategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[recordType] = strategy
}

// RegisterMerger installs the merge function for one record type.
func (r *Resolver) RegisterMerger(recordType string, merger Merger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mergers[recordType] = merger
}

func (r *Resolver) StrategyFor(recordType string) models.ResolutionStrategy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if strategy, ok := r.strategies[recordType]; ok {
		return strategy
	}
	return r.fallback
}

func (r *Resolver) mergerFor(recordType string) Merger {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.mergers[recordType]
}

// Resolve applies strategy to the conflict, falling back to the configured
// strategy for the record type when strategy is empty. ErrAwaitingUser means
// the conflict stays open for the user.
func (r *Resolver) Resolve(conflict *models.ConflictCase, strategy models.ResolutionStrategy) (*Resolution, error) {
	if strategy == "" {
		strategy = r.StrategyFor(conflict.RecordType)
	}

	switch strategy {
	case models.ResolutionAskUser:
		return nil, ErrAwaitingUser

	case models.ResolutionServerWins:
		return &Resolution{
			Strategy: models.ResolutionServerWins,
			Payload:  conflict.RemotePayload,
		}, nil

	case models.ResolutionClientWins:
		return &Resolution{
			Strategy: models.ResolutionClientWins,
			Payload:  conflict.LocalPayload,
		}, nil

	case models.ResolutionMerge:
		merger := r.mergerFor(conflict.RecordType)
		if merger == nil {
			logger.Log.Warn("no merger registered, falling back to server wins",
				zap.String("record_type", conflict.RecordType),
				zap.String("conflict_id", conflict.ConflictID.String()))
			return r.Resolve(conflict, models.ResolutionServerWins)
		}
		merged, err := merger(conflict.LocalPayload, conflict.RemotePayload)
		if err != nil {
			logger.Log.Warn("merge failed, falling back to server wins",
				zap.String("record_type", conflict.RecordType),
				zap.String("conflict_id", conflict.ConflictID.String()),
				zap.Error(err))
			return r.Resolve(conflict, models.ResolutionServerWins)
		}
		return &Resolution{
			Strategy: models.ResolutionMerge,
			Payload:  merged,
		}, nil

	default:
		return nil, fmt.Errorf("unknown resolution strategy %q", strategy)
	}
}

// UnionListMerger merges payloads shaped {field: [...]} by keeping the remote
// list and appending local elements missing from it. Elements carrying a
// string "id" are matched by id, anything else by exact content. Remaining
// top-level fields come from the remote side.
func UnionListMerger(field string) Merger {
	return func(local, remote json.RawMessage) (json.RawMessage, error) {
		var localDoc, remoteDoc map[string]json.RawMessage
		if err := json.Unmarshal(local, &localDoc); err != nil {
			return nil, fmt.Errorf("failed to parse local payload: %w", err)
		}
		if err := json.Unmarshal(remote, &remoteDoc); err != nil {
			return nil, fmt.Errorf("failed to parse remote payload: %w", err)
		}

		var localItems, remoteItems []json.RawMessage
		if raw, ok := localDoc[field]; ok {
			if err := json.Unmarshal(raw, &localItems); err != nil {
				return nil, fmt.Errorf("failed to parse local %q list: %w", field, err)
			}
		}
		if raw, ok := remoteDoc[field]; ok {
			if err := json.Unmarshal(raw, &remoteItems); err != nil {
				return nil, fmt.Errorf("failed to parse remote %q list: %w", field, err)
			}
		}

		seen := make(map[string]bool, len(remoteItems))
		for _, item := range remoteItems {
			seen[listItemKey(item)] = true
		}

		merged := remoteItems
		for _, item := range localItems {
			if key := listItemKey(item); !seen[key] {
				seen[key] = true
				merged = append(merged, item)
			}
		}

		mergedRaw, err := json.Marshal(merged)
		if err != nil {
			return nil, err
		}
		remoteDoc[field] = mergedRaw
		return json.Marshal(remoteDoc)
	}
}

func listItemKey(item json.RawMessage) string {
	var probe struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(item, &probe); err == nil && probe.ID != "" {
		return "id:" + probe.ID
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, item); err != nil {
		return string(item)
	}
	return compact.String()
}

// ShallowMerger merges two JSON objects field by field: the union of both,
// with the local value winning where the same field is set on both sides.
func ShallowMerger() Merger {
	return func(local, remote json.RawMessage) (json.RawMessage, error) {
		var localDoc, remoteDoc map[string]json.RawMessage
		if err := json.Unmarshal(local, &localDoc); err != nil {
			return nil, fmt.Errorf("failed to parse local payload: %w", err)
		}
		if err := json.Unmarshal(remote, &remoteDoc); err != nil {
			return nil, fmt.Errorf("failed to parse remote payload: %w", err)
		}
		for field, value := range localDoc {
			remoteDoc[field] = value
		}
		return json.Marshal(remoteDoc)
	}
}

// LatestTimestampMerger merges two JSON objects field by field, with the side
// whose tsField holds the newer RFC 3339 timestamp winning where both sides
// set the same field. A side with a missing or unparseable timestamp counts
// as oldest; on equal timestamps the remote side wins, since device clocks
// are not trustworthy.
func LatestTimestampMerger(tsField string) Merger {
	return func(local, remote json.RawMessage) (json.RawMessage, error) {
		var localDoc, remoteDoc map[string]json.RawMessage
		if err := json.Unmarshal(local, &localDoc); err != nil {
			return nil, fmt.Errorf("failed to parse local payload: %w", err)
		}
		if err := json.Unmarshal(remote, &remoteDoc); err != nil {
			return nil, fmt.Errorf("failed to parse remote payload: %w", err)
		}

		older, newer := localDoc, remoteDoc
		if payloadTime(localDoc, tsField).After(payloadTime(remoteDoc, tsField)) {
			older, newer = remoteDoc, localDoc
		}

		merged := make(map[string]json.RawMessage, len(older)+len(newer))
		for field, value := range older {
			merged[field] = value
		}
		for field, value := range newer {
			merged[field] = value
		}
		return json.Marshal(merged)
	}
}

func payloadTime(doc map[string]json.RawMessage, field string) time.Time {
	raw, ok := doc[field]
	if !ok {
		return time.Time{}
	}
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		return time.Time{}
	}
	ts, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}
	}
	return ts
}
