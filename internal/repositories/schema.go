package repositories

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema is created on startup rather than through a migration tool. The
// UNIQUE constraints are load-bearing: sync_change_log_event_id_key backs
// event deduplication and sync_change_log_record_version_key guarantees a
// single writer wins each version slot even across hub instances.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS sync_records (
		user_id      TEXT        NOT NULL,
		record_type  TEXT        NOT NULL,
		record_key   TEXT        NOT NULL,
		version      BIGINT      NOT NULL,
		content_hash TEXT        NOT NULL,
		payload      JSONB,
		updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (user_id, record_type, record_key)
	)`,
	`CREATE TABLE IF NOT EXISTS sync_change_log (
		id                 BIGSERIAL   PRIMARY KEY,
		user_id            TEXT        NOT NULL,
		record_type        TEXT        NOT NULL,
		record_key         TEXT        NOT NULL,
		event_id           UUID        NOT NULL,
		event_type         TEXT        NOT NULL,
		operation_type     TEXT        NOT NULL,
		old_data           JSONB,
		new_data           JSONB,
		change_hash        TEXT        NOT NULL,
		device_fingerprint UUID        NOT NULL,
		server_version     BIGINT      NOT NULL,
		created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		synced_devices     TEXT[]      NOT NULL DEFAULT '{}',
		CONSTRAINT sync_change_log_event_id_key UNIQUE (event_id),
		CONSTRAINT sync_change_log_record_version_key UNIQUE (user_id, record_type, record_key, server_version)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sync_change_log_user_id ON sync_change_log (user_id, id)`,
	`CREATE INDEX IF NOT EXISTS idx_sync_change_log_created_at ON sync_change_log (created_at)`,
}

func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}
