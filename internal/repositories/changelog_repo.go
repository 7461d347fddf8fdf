package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/maoxiaohua/tcm-ai-sub001/internal/models"
)

// ErrDuplicateEvent is returned when an event_id has already been accepted
var ErrDuplicateEvent = errors.New("duplicate event: already accepted")

const uniqueViolation = "23505"

type PostgresChangeLogRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresChangeLogRepository(pool *pgxpool.Pool) *PostgresChangeLogRepository {
	return &PostgresChangeLogRepository{pool: pool}
}

// Append persists one accepted event. The insert is the serialization point:
// a duplicate event_id maps to ErrDuplicateEvent, and losing the race for a
// (record, server_version) slot to another hub instance maps to
// ErrVersionConflict.
func (r *PostgresChangeLogRepository) Append(ctx context.Context, entry *models.ChangeLogEntry) error {
	query := `INSERT INTO sync_change_log
	          (user_id, record_type, record_key, event_id, event_type, operation_type,
	           old_data, new_data, change_hash, device_fingerprint, server_version, synced_devices)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	          RETURNING id, created_at`

	synced := make([]string, len(entry.SyncedDevices))
	for i, id := range entry.SyncedDevices {
		synced[i] = id.String()
	}

	err := r.pool.QueryRow(ctx, query,
		entry.UserID,
		entry.RecordType,
		entry.RecordKey,
		entry.EventID,
		entry.EventType,
		entry.OperationType,
		entry.OldData,
		entry.NewData,
		entry.ChangeHash,
		entry.DeviceFingerprint,
		entry.ServerVersion,
		synced,
	).Scan(&entry.ID, &entry.CreatedAt)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		if pgErr.ConstraintName == "sync_change_log_event_id_key" {
			return ErrDuplicateEvent
		}
		return ErrVersionConflict
	}
	if err != nil {
		return fmt.Errorf("failed to append change log entry: %w", err)
	}
	return nil
}

func (r *PostgresChangeLogRepository) GetByEventID(ctx context.Context, eventID uuid.UUID) (*models.ChangeLogEntry, error) {
	query := `SELECT id, user_id, record_type, record_key, event_id, event_type, operation_type,
	                 old_data, new_data, change_hash, device_fingerprint, server_version, created_at, synced_devices
	          FROM sync_change_log
	          WHERE event_id = $1`

	entry, err := r.scanEntry(r.pool.QueryRow(ctx, query, eventID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get change log entry: %w", err)
	}
	return entry, nil
}

// GetByRecordVersion finds the entry that assigned a record version. Entries
// beyond the retention horizon are pruned, so a miss is routine for old
// versions.
func (r *PostgresChangeLogRepository) GetByRecordVersion(ctx context.Context, userID string, key models.RecordKey, version int64) (*models.ChangeLogEntry, error) {
	query := `SELECT id, user_id, record_type, record_key, event_id, event_type, operation_type,
	                 old_data, new_data, change_hash, device_fingerprint, server_version, created_at, synced_devices
	          FROM sync_change_log
	          WHERE user_id = $1 AND record_type = $2 AND record_key = $3 AND server_version = $4`

	entry, err := r.scanEntry(r.pool.QueryRow(ctx, query, userID, key.RecordType, key.RecordKey, version))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get change log entry: %w", err)
	}
	return entry, nil
}

func (r *PostgresChangeLogRepository) ListSince(ctx context.Context, userID string, sinceID int64) ([]*models.ChangeLogEntry, error) {
	query := `SELECT id, user_id, record_type, record_key, event_id, event_type, operation_type,
	                 old_data, new_data, change_hash, device_fingerprint, server_version, created_at, synced_devices
	          FROM sync_change_log
	          WHERE user_id = $1 AND id > $2
	          ORDER BY id ASC`

	rows, err := r.pool.Query(ctx, query, userID, sinceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query change log: %w", err)
	}
	defer rows.Close()

	var entries []*models.ChangeLogEntry
	for rows.Next() {
		entry, err := r.scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan change log entry: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating change log: %w", err)
	}

	return entries, nil
}

// MarkSynced records that a device received the entry. Re-marking is a no-op.
func (r *PostgresChangeLogRepository) MarkSynced(ctx context.Context, eventID uuid.UUID, deviceID uuid.UUID) error {
	query := `UPDATE sync_change_log
	          SET synced_devices = array_append(synced_devices, $2)
	          WHERE event_id = $1 AND NOT ($2 = ANY(synced_devices))`

	if _, err := r.pool.Exec(ctx, query, eventID, deviceID.String()); err != nil {
		return fmt.Errorf("failed to mark entry synced: %w", err)
	}
	return nil
}

func (r *PostgresChangeLogRepository) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM sync_change_log WHERE created_at < $1`

	result, err := r.pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune change log: %w", err)
	}
	return result.RowsAffected(), nil
}

func (r *PostgresChangeLogRepository) scanEntry(row pgx.Row) (*models.ChangeLogEntry, error) {
	var entry models.ChangeLogEntry
	var synced []string
	err := row.Scan(
		&entry.ID,
		&entry.UserID,
		&entry.RecordType,
		&entry.RecordKey,
		&entry.EventID,
		&entry.EventType,
		&entry.OperationType,
		&entry.OldData,
		&entry.NewData,
		&entry.ChangeHash,
		&entry.DeviceFingerprint,
		&entry.ServerVersion,
		&entry.CreatedAt,
		&synced,
	)
	if err != nil {
		return nil, err
	}

	entry.SyncedDevices = make([]uuid.UUID, 0, len(synced))
	for _, s := range synced {
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("invalid device id %q in synced_devices: %w", s, err)
		}
		entry.SyncedDevices = append(entry.SyncedDevices, id)
	}
	return &entry, nil
}
