package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/maoxiaohua/tcm-ai-sub001/internal/models"
)

// ErrVersionConflict is returned when optimistic locking fails
var ErrVersionConflict = errors.New("version conflict: record was modified by another device")

type PostgresRecordRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresRecordRepository(pool *pgxpool.Pool) *PostgresRecordRepository {
	return &PostgresRecordRepository{pool: pool}
}

func (r *PostgresRecordRepository) Get(ctx context.Context, userID string, key models.RecordKey) (*models.VersionedRecord, error) {
	query := `SELECT user_id, record_type, record_key, version, content_hash, payload, updated_at
	          FROM sync_records
	          WHERE user_id = $1 AND record_type = $2 AND record_key = $3`

	var record models.VersionedRecord
	err := r.pool.QueryRow(ctx, query, userID, key.RecordType, key.RecordKey).Scan(
		&record.UserID,
		&record.RecordType,
		&record.RecordKey,
		&record.Version,
		&record.ContentHash,
		&record.Payload,
		&record.UpdatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	return &record, nil
}

func (r *PostgresRecordRepository) ListByUser(ctx context.Context, userID string) ([]*models.VersionedRecord, error) {
	query := `SELECT user_id, record_type, record_key, version, content_hash, payload, updated_at
	          FROM sync_records
	          WHERE user_id = $1
	          ORDER BY record_type ASC, record_key ASC`

	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var records []*models.VersionedRecord
	for rows.Next() {
		var record models.VersionedRecord
		err := rows.Scan(
			&record.UserID,
			&record.RecordType,
			&record.RecordKey,
			&record.Version,
			&record.ContentHash,
			&record.Payload,
			&record.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, &record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}

	return records, nil
}

// Put writes the record only if it is newer than what is stored. Version
// assignment already happened in the change log, so a losing Put means the
// caller is replaying stale state.
func (r *PostgresRecordRepository) Put(ctx context.Context, record *models.VersionedRecord) error {
	query := `INSERT INTO sync_records (user_id, record_type, record_key, version, content_hash, payload)
	          VALUES ($1, $2, $3, $4, $5, $6)
	          ON CONFLICT (user_id, record_type, record_key) DO UPDATE
	          SET version = EXCLUDED.version,
	              content_hash = EXCLUDED.content_hash,
	              payload = EXCLUDED.payload,
	              updated_at = NOW()
	          WHERE sync_records.version < EXCLUDED.version
	          RETURNING updated_at`

	err := r.pool.QueryRow(ctx, query,
		record.UserID,
		record.RecordType,
		record.RecordKey,
		record.Version,
		record.ContentHash,
		record.Payload,
	).Scan(&record.UpdatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return ErrVersionConflict
	}
	if err != nil {
		return fmt.Errorf("failed to put record: %w", err)
	}
	return nil
}
