package client

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/maoxiaohua/tcm-ai-sub001/internal/logger"
	"github.com/maoxiaohua/tcm-ai-sub001/internal/models"
)

const DefaultBufferCapacity = 100

// Buffer is the bounded queue of events awaiting hub acknowledgement. Events
// stay queued across disconnects and restarts (durability comes from the
// Store). When the buffer is full the oldest event is dropped to admit the
// newest; the drop is logged once per overflow episode, and the warning
// re-arms when the buffer falls back below capacity.
type Buffer struct {
	store    Store
	capacity int

	mu     sync.Mutex
	warned bool
}

func NewBuffer(store Store, capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultBufferCapacity
	}
	return &Buffer{store: store, capacity: capacity}
}

// Enqueue adds an event behind everything already queued, evicting the oldest
// events first if the buffer is at capacity.
func (b *Buffer) Enqueue(ctx context.Context, event *models.SyncEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	count, err := b.store.EventCount(ctx)
	if err != nil {
		return fmt.Errorf("failed to check buffer size: %w", err)
	}

	for count >= b.capacity {
		dropped, err := b.store.RemoveOldestEvent(ctx)
		if err != nil {
			return fmt.Errorf("failed to evict oldest event: %w", err)
		}
		if !b.warned {
			b.warned = true
			logger.Log.Warn("event buffer full, dropping oldest event",
				zap.String("dropped_event_id", dropped.EventID.String()),
				zap.String("record", dropped.Key().String()),
				zap.Int("capacity", b.capacity))
		}
		count--
	}

	return b.store.AppendEvent(ctx, event)
}

// Ack removes an acknowledged event. Once the buffer falls below capacity the
// overflow warning re-arms.
func (b *Buffer) Ack(ctx context.Context, eventID uuid.UUID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.store.RemoveEvent(ctx, eventID); err != nil {
		return err
	}

	count, err := b.store.EventCount(ctx)
	if err != nil {
		return err
	}
	if count < b.capacity {
		b.warned = false
	}
	return nil
}

// DropRecord removes every queued event for one record, returning the ids of
// the dropped events. Falling below capacity re-arms the overflow warning.
func (b *Buffer) DropRecord(ctx context.Context, key models.RecordKey) ([]uuid.UUID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	removed, err := b.store.RemoveEventsForRecord(ctx, key)
	if err != nil {
		return nil, err
	}
	if len(removed) == 0 {
		return nil, nil
	}

	count, err := b.store.EventCount(ctx)
	if err != nil {
		return removed, err
	}
	if count < b.capacity {
		b.warned = false
	}
	return removed, nil
}

// Pending returns the queued events oldest first.
func (b *Buffer) Pending(ctx context.Context) ([]*models.SyncEvent, error) {
	return b.store.PendingEvents(ctx)
}

func (b *Buffer) Len(ctx context.Context) (int, error) {
	return b.store.EventCount(ctx)
}
