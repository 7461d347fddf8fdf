package client

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/maoxiaohua/tcm-ai-sub001/internal/models"
)

var clientSchema = []string{
	`CREATE TABLE IF NOT EXISTS device_identity (
		device_id TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS event_queue (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id TEXT NOT NULL UNIQUE,
		user_id TEXT NOT NULL,
		device_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		record_type TEXT NOT NULL,
		record_key TEXT NOT NULL,
		base_version INTEGER NOT NULL,
		payload BLOB,
		client_timestamp TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS record_cache (
		user_id TEXT NOT NULL,
		record_type TEXT NOT NULL,
		record_key TEXT NOT NULL,
		version INTEGER NOT NULL,
		content_hash TEXT NOT NULL,
		payload BLOB,
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (record_type, record_key)
	)`,
	`CREATE TABLE IF NOT EXISTS conflict_cases (
		conflict_id TEXT PRIMARY KEY,
		record_type TEXT NOT NULL,
		record_key TEXT NOT NULL,
		event_type TEXT NOT NULL DEFAULT '',
		client_version INTEGER NOT NULL,
		server_version INTEGER NOT NULL,
		local_event_id TEXT NOT NULL,
		local_payload BLOB,
		remote_payload BLOB,
		detected_at TIMESTAMP NOT NULL,
		strategy TEXT NOT NULL DEFAULT '',
		resolved_version INTEGER NOT NULL DEFAULT 0
	)`,
}

// SQLiteStore keeps the client's queue, record cache and conflicts in a local
// SQLite database so buffered events survive app restarts.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens or creates the database at path. Pass ":memory:" for
// an ephemeral store.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite allows a single writer; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	for _, stmt := range clientSchema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply schema: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) DeviceID(ctx context.Context) (uuid.UUID, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT device_id FROM device_identity LIMIT 1`).Scan(&raw)
	if err == nil {
		id, parseErr := uuid.Parse(raw)
		if parseErr != nil {
			return uuid.Nil, fmt.Errorf("failed to parse stored device id: %w", parseErr)
		}
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return uuid.Nil, fmt.Errorf("failed to load device id: %w", err)
	}

	id := uuid.New()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO device_identity (device_id, created_at) VALUES (?, ?)`,
		id.String(), time.Now().UTC())
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to save device id: %w", err)
	}
	return id, nil
}

func (s *SQLiteStore) AppendEvent(ctx context.Context, event *models.SyncEvent) error {
	query := `
		INSERT INTO event_queue (event_id, user_id, device_id, event_type,
			record_type, record_key, base_version, payload, client_timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		event.EventID.String(), event.UserID, event.DeviceID.String(),
		string(event.Type), event.RecordType, event.RecordKey,
		event.BaseVersion, []byte(event.Payload), event.ClientTimestamp)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

func (s *SQLiteStore) PendingEvents(ctx context.Context) ([]*models.SyncEvent, error) {
	query := `
		SELECT event_id, user_id, device_id, event_type, record_type,
			record_key, base_version, payload, client_timestamp
		FROM event_queue
		ORDER BY seq ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending events: %w", err)
	}
	defer rows.Close()

	var events []*models.SyncEvent
	for rows.Next() {
		event, err := scanQueuedEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func (s *SQLiteStore) GetEvent(ctx context.Context, eventID uuid.UUID) (*models.SyncEvent, error) {
	query := `
		SELECT event_id, user_id, device_id, event_type, record_type,
			record_key, base_version, payload, client_timestamp
		FROM event_queue
		WHERE event_id = ?`

	event, err := scanQueuedEvent(s.db.QueryRowContext(ctx, query, eventID.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return event, err
}

func (s *SQLiteStore) RemoveEvent(ctx context.Context, eventID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM event_queue WHERE event_id = ?`, eventID.String())
	if err != nil {
		return fmt.Errorf("failed to remove event: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RemoveEventsForRecord(ctx context.Context, key models.RecordKey) ([]uuid.UUID, error) {
	query := `
		DELETE FROM event_queue
		WHERE record_type = ? AND record_key = ?
		RETURNING event_id`

	rows, err := s.db.QueryContext(ctx, query, key.RecordType, key.RecordKey)
	if err != nil {
		return nil, fmt.Errorf("failed to remove events for record: %w", err)
	}
	defer rows.Close()

	var removed []uuid.UUID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan event id: %w", err)
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse event id: %w", err)
		}
		removed = append(removed, id)
	}
	return removed, rows.Err()
}

func (s *SQLiteStore) RemoveOldestEvent(ctx context.Context) (*models.SyncEvent, error) {
	query := `
		SELECT event_id, user_id, device_id, event_type, record_type,
			record_key, base_version, payload, client_timestamp
		FROM event_queue
		ORDER BY seq ASC
		LIMIT 1`

	event, err := scanQueuedEvent(s.db.QueryRowContext(ctx, query))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := s.RemoveEvent(ctx, event.EventID); err != nil {
		return nil, err
	}
	return event, nil
}

func (s *SQLiteStore) EventCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM event_queue`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return count, nil
}

func (s *SQLiteStore) GetRecord(ctx context.Context, key models.RecordKey) (*models.VersionedRecord, error) {
	query := `
		SELECT user_id, record_type, record_key, version, content_hash, payload, updated_at
		FROM record_cache
		WHERE record_type = ? AND record_key = ?`

	record := &models.VersionedRecord{}
	var payload []byte
	err := s.db.QueryRowContext(ctx, query, key.RecordType, key.RecordKey).Scan(
		&record.UserID, &record.RecordType, &record.RecordKey,
		&record.Version, &record.ContentHash, &payload, &record.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	record.Payload = json.RawMessage(payload)
	return record, nil
}

func (s *SQLiteStore) PutRecord(ctx context.Context, record *models.VersionedRecord) error {
	query := `
		INSERT INTO record_cache (user_id, record_type, record_key, version,
			content_hash, payload, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (record_type, record_key) DO UPDATE SET
			user_id = excluded.user_id,
			version = excluded.version,
			content_hash = excluded.content_hash,
			payload = excluded.payload,
			updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		record.UserID, record.RecordType, record.RecordKey, record.Version,
		record.ContentHash, []byte(record.Payload), record.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to put record: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListRecords(ctx context.Context) ([]*models.VersionedRecord, error) {
	query := `
		SELECT user_id, record_type, record_key, version, content_hash, payload, updated_at
		FROM record_cache
		ORDER BY record_type, record_key`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	var records []*models.VersionedRecord
	for rows.Next() {
		record := &models.VersionedRecord{}
		var payload []byte
		err := rows.Scan(&record.UserID, &record.RecordType, &record.RecordKey,
			&record.Version, &record.ContentHash, &payload, &record.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		record.Payload = json.RawMessage(payload)
		records = append(records, record)
	}
	return records, rows.Err()
}

func (s *SQLiteStore) SaveConflict(ctx context.Context, conflict *models.ConflictCase) error {
	query := `
		INSERT INTO conflict_cases (conflict_id, record_type, record_key, event_type,
			client_version, server_version, local_event_id, local_payload,
			remote_payload, detected_at, strategy, resolved_version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (conflict_id) DO UPDATE SET
			server_version = excluded.server_version,
			remote_payload = excluded.remote_payload,
			strategy = excluded.strategy,
			resolved_version = excluded.resolved_version`

	_, err := s.db.ExecContext(ctx, query,
		conflict.ConflictID.String(), conflict.RecordType, conflict.RecordKey,
		string(conflict.EventType), conflict.ClientVersion, conflict.ServerVersion,
		conflict.LocalEventID.String(), []byte(conflict.LocalPayload),
		[]byte(conflict.RemotePayload), conflict.DetectedAt,
		string(conflict.Strategy), conflict.ResolvedVersion)
	if err != nil {
		return fmt.Errorf("failed to save conflict: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetConflict(ctx context.Context, conflictID uuid.UUID) (*models.ConflictCase, error) {
	query := `
		SELECT conflict_id, record_type, record_key, event_type, client_version,
			server_version, local_event_id, local_payload, remote_payload,
			detected_at, strategy, resolved_version
		FROM conflict_cases
		WHERE conflict_id = ?`

	conflict, err := scanConflict(s.db.QueryRowContext(ctx, query, conflictID.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return conflict, err
}

func (s *SQLiteStore) OpenConflicts(ctx context.Context) ([]*models.ConflictCase, error) {
	query := `
		SELECT conflict_id, record_type, record_key, event_type, client_version,
			server_version, local_event_id, local_payload, remote_payload,
			detected_at, strategy, resolved_version
		FROM conflict_cases
		WHERE resolved_version = 0
		ORDER BY detected_at ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicts: %w", err)
	}
	defer rows.Close()

	var conflicts []*models.ConflictCase
	for rows.Next() {
		conflict, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		conflicts = append(conflicts, conflict)
	}
	return conflicts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQueuedEvent(row rowScanner) (*models.SyncEvent, error) {
	event := &models.SyncEvent{}
	var eventID, deviceID, eventType string
	var payload []byte

	err := row.Scan(&eventID, &event.UserID, &deviceID, &eventType,
		&event.RecordType, &event.RecordKey, &event.BaseVersion,
		&payload, &event.ClientTimestamp)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan event: %w", err)
	}

	if event.EventID, err = uuid.Parse(eventID); err != nil {
		return nil, fmt.Errorf("failed to parse event id: %w", err)
	}
	if event.DeviceID, err = uuid.Parse(deviceID); err != nil {
		return nil, fmt.Errorf("failed to parse device id: %w", err)
	}
	event.Type = models.EventType(eventType)
	event.Payload = json.RawMessage(payload)
	return event, nil
}

func scanConflict(row rowScanner) (*models.ConflictCase, error) {
	conflict := &models.ConflictCase{}
	var conflictID, localEventID, eventType, strategy string
	var localPayload, remotePayload []byte

	err := row.Scan(&conflictID, &conflict.RecordType, &conflict.RecordKey,
		&eventType, &conflict.ClientVersion, &conflict.ServerVersion,
		&localEventID, &localPayload, &remotePayload, &conflict.DetectedAt,
		&strategy, &conflict.ResolvedVersion)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan conflict: %w", err)
	}

	if conflict.ConflictID, err = uuid.Parse(conflictID); err != nil {
		return nil, fmt.Errorf("failed to parse conflict id: %w", err)
	}
	if conflict.LocalEventID, err = uuid.Parse(localEventID); err != nil {
		return nil, fmt.Errorf("failed to parse event id: %w", err)
	}
	conflict.EventType = models.EventType(eventType)
	conflict.Strategy = models.ResolutionStrategy(strategy)
	conflict.LocalPayload = json.RawMessage(localPayload)
	conflict.RemotePayload = json.RawMessage(remotePayload)
	return conflict, nil
}
