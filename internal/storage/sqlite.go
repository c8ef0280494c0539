package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"beaconkit/internal/beacon"
	"beaconkit/internal/engine"
	"beaconkit/internal/model"
	"beaconkit/internal/storage/migrations"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteStore implements the engine.Store interface using SQLite.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

var _ engine.Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens a SQLite store at path.
// path can be a file path or ":memory:" for an in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db, path: path}, nil
}

// NewSQLiteStoreFromDB wraps an existing database connection. The caller is
// responsible for ensuring the connection is properly configured.
func NewSQLiteStoreFromDB(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// OpenConnection opens and configures a SQLite database connection with
// appropriate PRAGMAs. Exported for tools and tests that need a properly
// configured connection.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable foreign key constraints (SQLite default is OFF for backward
	// compatibility).
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	// The background task and the foreground engine may both touch the file.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return db, nil
}

// CheckMigrations verifies the schema is at the latest version.
func (s *SQLiteStore) CheckMigrations() error {
	return migrations.CheckDBMigrationStatus(s.db)
}

// MigrateUp brings the schema to the latest version.
func (s *SQLiteStore) MigrateUp() error {
	return migrations.MigrateUp(s.db)
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Delayed actions

func (s *SQLiteStore) CreateDelayedAction(rec *model.DelayedAction) error {
	_, err := s.db.Exec(
		`INSERT INTO delayed_actions (id, rule_json, due_at, beacon_pid, event_type, executed, created_at)
		 VALUES (?, ?, ?, ?, ?, 0, ?)`,
		rec.ID, string(rec.RuleJSON), rec.DueAt, rec.BeaconPID, int(rec.EventType), rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting delayed action: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListDueDelayedActions(before time.Time) ([]*model.DelayedAction, error) {
	rows, err := s.db.Query(
		`SELECT id, rule_json, due_at, beacon_pid, event_type, executed, created_at
		 FROM delayed_actions
		 WHERE executed = 0 AND due_at < ?
		 ORDER BY due_at ASC`,
		before,
	)
	if err != nil {
		return nil, fmt.Errorf("listing due delayed actions: %w", err)
	}
	defer rows.Close()

	var recs []*model.DelayedAction
	for rows.Next() {
		rec, err := scanDelayedAction(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (s *SQLiteStore) MarkDelayedActionExecuted(id string) error {
	res, err := s.db.Exec(`UPDATE delayed_actions SET executed = 1 WHERE id = ? AND executed = 0`, id)
	if err != nil {
		return fmt.Errorf("marking delayed action executed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking delayed action update: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("delayed action %s already executed or missing", id)
	}
	return nil
}

func (s *SQLiteStore) NextDelayedActionDue(after time.Time) (*time.Time, error) {
	var due time.Time
	err := s.db.QueryRow(
		`SELECT due_at FROM delayed_actions WHERE executed = 0 AND due_at > ? ORDER BY due_at ASC LIMIT 1`,
		after,
	).Scan(&due)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding next delayed action: %w", err)
	}
	return &due, nil
}

func scanDelayedAction(rows *sql.Rows) (*model.DelayedAction, error) {
	var rec model.DelayedAction
	var ruleJSON string
	var eventType int
	if err := rows.Scan(&rec.ID, &ruleJSON, &rec.DueAt, &rec.BeaconPID, &eventType, &rec.Executed, &rec.CreatedAt); err != nil {
		return nil, fmt.Errorf("scanning delayed action: %w", err)
	}
	rec.RuleJSON = []byte(ruleJSON)
	rec.EventType = beacon.EventType(eventType)
	return &rec, nil
}

// History ledger

func (s *SQLiteStore) AppendHistoryEvent(row *model.HistoryEvent) error {
	_, err := s.db.Exec(
		`INSERT INTO history_events (id, beacon_pid, event_type, seen_at, delivered) VALUES (?, ?, ?, ?, 0)`,
		row.ID, row.BeaconPID, int(row.EventType), row.SeenAt,
	)
	if err != nil {
		return fmt.Errorf("inserting history event: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AppendHistoryAction(row *model.HistoryAction) error {
	_, err := s.db.Exec(
		`INSERT INTO history_actions (id, rule_uuid, beacon_pid, event_type, fired_at, delivered) VALUES (?, ?, ?, ?, ?, 0)`,
		row.ID, row.RuleUUID, row.BeaconPID, int(row.EventType), row.FiredAt,
	)
	if err != nil {
		return fmt.Errorf("inserting history action: %w", err)
	}
	return nil
}

func (s *SQLiteStore) HasHistoryAction(ruleUUID string) (bool, error) {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM history_actions WHERE rule_uuid = ? LIMIT 1`, ruleUUID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking for history action: %w", err)
	}
	return true, nil
}

func (s *SQLiteStore) LatestHistoryActionAt(ruleUUID string) (*time.Time, error) {
	var fired time.Time
	err := s.db.QueryRow(
		`SELECT fired_at FROM history_actions WHERE rule_uuid = ? ORDER BY fired_at DESC LIMIT 1`,
		ruleUUID,
	).Scan(&fired)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding latest history action: %w", err)
	}
	return &fired, nil
}

func (s *SQLiteStore) UndeliveredHistory() ([]*model.HistoryEvent, []*model.HistoryAction, error) {
	eventRows, err := s.db.Query(
		`SELECT id, beacon_pid, event_type, seen_at, delivered FROM history_events WHERE delivered = 0 ORDER BY seen_at ASC`,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("listing undelivered events: %w", err)
	}
	defer eventRows.Close()

	var events []*model.HistoryEvent
	for eventRows.Next() {
		var row model.HistoryEvent
		var eventType int
		if err := eventRows.Scan(&row.ID, &row.BeaconPID, &eventType, &row.SeenAt, &row.Delivered); err != nil {
			return nil, nil, fmt.Errorf("scanning history event: %w", err)
		}
		row.EventType = beacon.EventType(eventType)
		events = append(events, &row)
	}
	if err := eventRows.Err(); err != nil {
		return nil, nil, err
	}

	actionRows, err := s.db.Query(
		`SELECT id, rule_uuid, beacon_pid, event_type, fired_at, delivered FROM history_actions WHERE delivered = 0 ORDER BY fired_at ASC`,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("listing undelivered actions: %w", err)
	}
	defer actionRows.Close()

	var actions []*model.HistoryAction
	for actionRows.Next() {
		var row model.HistoryAction
		var eventType int
		if err := actionRows.Scan(&row.ID, &row.RuleUUID, &row.BeaconPID, &eventType, &row.FiredAt, &row.Delivered); err != nil {
			return nil, nil, fmt.Errorf("scanning history action: %w", err)
		}
		row.EventType = beacon.EventType(eventType)
		actions = append(actions, &row)
	}
	return events, actions, actionRows.Err()
}

func (s *SQLiteStore) MarkEventsDelivered(ids []string) error {
	return s.markDelivered("history_events", ids)
}

func (s *SQLiteStore) MarkActionsDelivered(ids []string) error {
	return s.markDelivered("history_actions", ids)
}

func (s *SQLiteStore) markDelivered(table string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("starting delivery transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`UPDATE ` + table + ` SET delivered = 1 WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("preparing delivery update: %w", err)
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.Exec(id); err != nil {
			return fmt.Errorf("marking %s row delivered: %w", table, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) PurgeDelivered(olderThan time.Time) error {
	if _, err := s.db.Exec(`DELETE FROM history_events WHERE delivered = 1 AND seen_at < ?`, olderThan); err != nil {
		return fmt.Errorf("purging history events: %w", err)
	}
	if _, err := s.db.Exec(`DELETE FROM history_actions WHERE delivered = 1 AND fired_at < ?`, olderThan); err != nil {
		return fmt.Errorf("purging history actions: %w", err)
	}
	return nil
}

// Request counter

// NextRequestID increments and returns the durable request counter.
// Monotonic across restarts by construction: the increment commits before
// the value is handed out.
func (s *SQLiteStore) NextRequestID() (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("starting counter transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE request_counter SET value = value + 1 WHERE id = 1`); err != nil {
		return 0, fmt.Errorf("incrementing request counter: %w", err)
	}

	var value int64
	if err := tx.QueryRow(`SELECT value FROM request_counter WHERE id = 1`).Scan(&value); err != nil {
		return 0, fmt.Errorf("reading request counter: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing request counter: %w", err)
	}
	return value, nil
}

// KV store

func (s *SQLiteStore) GetValue(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading kv %q: %w", key, err)
	}
	return value, nil
}

func (s *SQLiteStore) SetValue(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO kv (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("writing kv %q: %w", key, err)
	}
	return nil
}

// Operations

// CreateOperation persists a CLI operation record and returns it with its
// auto-increment ID.
func (s *SQLiteStore) CreateOperation(operation, parameters string, startedAt time.Time) (*model.Operation, error) {
	res, err := s.db.Exec(
		`INSERT INTO operations (operation, parameters, status, started_at) VALUES (?, ?, 'success', ?)`,
		operation, parameters, startedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("inserting operation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading operation id: %w", err)
	}
	return &model.Operation{ID: id, Operation: operation, Parameters: parameters, Status: "success", StartedAt: startedAt}, nil
}

// FinishOperation records the final status and finish time of an operation.
func (s *SQLiteStore) FinishOperation(id int64, status string, finishedAt time.Time) error {
	_, err := s.db.Exec(`UPDATE operations SET status = ?, finished_at = ? WHERE id = ?`, status, finishedAt, id)
	if err != nil {
		return fmt.Errorf("finishing operation: %w", err)
	}
	return nil
}

// ListOperations returns the most recent operations, newest first.
func (s *SQLiteStore) ListOperations(limit int) ([]*model.Operation, error) {
	rows, err := s.db.Query(
		`SELECT id, operation, parameters, status, started_at, finished_at FROM operations ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing operations: %w", err)
	}
	defer rows.Close()

	var ops []*model.Operation
	for rows.Next() {
		var op model.Operation
		var finished sql.NullTime
		if err := rows.Scan(&op.ID, &op.Operation, &op.Parameters, &op.Status, &op.StartedAt, &finished); err != nil {
			return nil, fmt.Errorf("scanning operation: %w", err)
		}
		if finished.Valid {
			op.FinishedAt = finished.Time
		}
		ops = append(ops, &op)
	}
	return ops, rows.Err()
}
