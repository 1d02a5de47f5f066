// Package db is the durable shared sync-state store, backed by SQLite.
//
// The whole state document is saved in one transaction: every table is
// cleared and rewritten, so a failed save leaves the previous document in
// place. Documents are small (hundreds of records), which keeps the
// rewrite cheap.
//
// Architecture:
//   - Database file: state.path (default ~/.local/share/tasksync/state.db)
//   - WAL mode: readers (dashboard, status) never block a cycle's save
//   - Tables: sync_records, pending_operations, pending_deletions,
//     archive, external_removals, sync_log, meta
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/tasksync/tasksync/internal/schema"
	"github.com/tasksync/tasksync/internal/state"
)

const schemaVersion = "1"

// DB wraps the SQLite connection.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates or opens the database at path and initializes the schema.
//
// The caller MUST call Close() when done.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(4)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{conn: conn, path: path}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.conn.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if err := db.InitSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close checkpoints the WAL and closes the connection.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}
	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}
	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	db.conn = nil
	return nil
}

// InitSchema creates the tables if they don't exist. Idempotent.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the tables with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	ddl := `
	CREATE TABLE IF NOT EXISTS sync_records (
		task_id TEXT PRIMARY KEY,
		event_id TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		calendar_id TEXT NOT NULL,
		last_synced_at TEXT NOT NULL,
		file_path TEXT NOT NULL,
		line_number INTEGER NOT NULL,
		title TEXT NOT NULL,
		date TEXT NOT NULL,
		time TEXT,
		version INTEGER NOT NULL DEFAULT 0,
		last_modified_by TEXT,
		last_modified_at TEXT NOT NULL,
		recurrence_rule TEXT,
		is_severed INTEGER NOT NULL DEFAULT 0,
		keep_remote INTEGER NOT NULL DEFAULT 0,
		completed INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS pending_operations (
		seq INTEGER NOT NULL,
		task_id TEXT NOT NULL,
		type TEXT NOT NULL,
		payload TEXT NOT NULL,  -- JSON
		calendar_id TEXT,
		queued_at TEXT NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		PRIMARY KEY (task_id, type)
	);

	-- Diverted deletions carry a nested linked create, so the row is JSON.
	CREATE TABLE IF NOT EXISTS pending_deletions (
		seq INTEGER NOT NULL,
		task_id TEXT PRIMARY KEY,
		data TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS archive (
		seq INTEGER PRIMARY KEY,
		task_id TEXT NOT NULL,
		title TEXT NOT NULL,
		date TEXT,
		time TEXT,
		calendar_name TEXT,
		calendar_id TEXT,
		deleted_at TEXT NOT NULL,
		expires_at TEXT NOT NULL,
		snapshot TEXT
	);

	CREATE TABLE IF NOT EXISTS external_removals (
		seq INTEGER NOT NULL,
		task_id TEXT PRIMARY KEY,
		event_id TEXT NOT NULL,
		calendar_id TEXT,
		title TEXT,
		date TEXT,
		detected_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sync_log (
		seq INTEGER PRIMARY KEY,
		timestamp TEXT NOT NULL,
		level TEXT NOT NULL,
		message TEXT NOT NULL,
		task_id TEXT
	);

	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_archive_expires ON archive(expires_at);
	`
	if _, err := db.conn.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO meta (key, value) VALUES ('schema_version', ?) ON CONFLICT(key) DO NOTHING`, schemaVersion)
	if err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}
	return nil
}

// Counts summarises the stored document.
type Counts struct {
	SyncedTasks       int
	PendingOperations int
	PendingDeletions  int
	RecentlyDeleted   int
	ExternalRemovals  int
	LogEntries        int
}

// GetCounts returns row counts without loading the document.
func (db *DB) GetCounts(ctx context.Context) (Counts, error) {
	var c Counts
	targets := []struct {
		table string
		dst   *int
	}{
		{"sync_records", &c.SyncedTasks},
		{"pending_operations", &c.PendingOperations},
		{"pending_deletions", &c.PendingDeletions},
		{"archive", &c.RecentlyDeleted},
		{"external_removals", &c.ExternalRemovals},
		{"sync_log", &c.LogEntries},
	}
	for _, t := range targets {
		if err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+t.table).Scan(t.dst); err != nil {
			return c, fmt.Errorf("failed to count %s: %w", t.table, err)
		}
	}
	return c, nil
}

// Load implements state.Store.
func (db *DB) Load(ctx context.Context) (*state.State, error) {
	st := state.New()

	if err := db.loadSyncRecords(ctx, st); err != nil {
		return nil, err
	}
	if err := db.loadPendingOperations(ctx, st); err != nil {
		return nil, err
	}
	if err := db.loadPendingDeletions(ctx, st); err != nil {
		return nil, err
	}
	if err := db.loadArchive(ctx, st); err != nil {
		return nil, err
	}
	if err := db.loadExternalRemovals(ctx, st); err != nil {
		return nil, err
	}
	if err := db.loadLog(ctx, st); err != nil {
		return nil, err
	}

	var last string
	err := db.conn.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'last_sync_at'`).Scan(&last)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("failed to read last sync time: %w", err)
	default:
		st.LastSyncAt = parseTime(last)
	}
	return st, nil
}

// Save implements state.Store. The document replaces the stored one in a
// single transaction.
func (db *DB) Save(ctx context.Context, st *state.State) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"sync_records", "pending_operations", "pending_deletions", "archive", "external_removals", "sync_log"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}

	if err := saveSyncRecords(ctx, tx, st); err != nil {
		return err
	}
	if err := savePendingOperations(ctx, tx, st); err != nil {
		return err
	}
	if err := savePendingDeletions(ctx, tx, st); err != nil {
		return err
	}
	if err := saveArchive(ctx, tx, st); err != nil {
		return err
	}
	if err := saveExternalRemovals(ctx, tx, st); err != nil {
		return err
	}
	if err := saveLog(ctx, tx, st); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO meta (key, value) VALUES ('last_sync_at', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		formatTime(st.LastSyncAt))
	if err != nil {
		return fmt.Errorf("failed to write last sync time: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func saveSyncRecords(ctx context.Context, tx *sql.Tx, st *state.State) error {
	stmt, err := tx.PrepareContext(ctx, `
	INSERT INTO sync_records (
		task_id, event_id, content_hash, calendar_id, last_synced_at,
		file_path, line_number, title, date, time,
		version, last_modified_by, last_modified_at, recurrence_rule,
		is_severed, keep_remote, completed
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare sync record insert: %w", err)
	}
	defer stmt.Close()

	for _, id := range st.IDs() {
		r := st.SyncedTasks[id]
		_, err := stmt.ExecContext(ctx,
			id, r.EventID, r.ContentFingerprint, r.CollectionID, formatTime(r.LastSyncedAt),
			r.FilePath, r.LineNumber, r.Title, r.Date, nullString(r.Time),
			r.Version, nullString(r.LastModifiedBy), formatTime(r.LastModifiedAt), nullString(r.RecurrenceRule),
			r.IsSevered, r.KeepRemote, r.Completed,
		)
		if err != nil {
			return fmt.Errorf("failed to save sync record %s: %w", id, err)
		}
	}
	return nil
}

func (db *DB) loadSyncRecords(ctx context.Context, st *state.State) error {
	rows, err := db.conn.QueryContext(ctx, `
	SELECT task_id, event_id, content_hash, calendar_id, last_synced_at,
		file_path, line_number, title, date, time,
		version, last_modified_by, last_modified_at, recurrence_rule,
		is_severed, keep_remote, completed
	FROM sync_records`)
	if err != nil {
		return fmt.Errorf("failed to query sync records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id                        string
			r                         schema.SyncRecord
			syncedAt, modifiedAt      string
			tm, modifiedBy, recurRule sql.NullString
		)
		err := rows.Scan(&id, &r.EventID, &r.ContentFingerprint, &r.CollectionID, &syncedAt,
			&r.FilePath, &r.LineNumber, &r.Title, &r.Date, &tm,
			&r.Version, &modifiedBy, &modifiedAt, &recurRule,
			&r.IsSevered, &r.KeepRemote, &r.Completed)
		if err != nil {
			return fmt.Errorf("failed to scan sync record: %w", err)
		}
		r.LastSyncedAt = parseTime(syncedAt)
		r.LastModifiedAt = parseTime(modifiedAt)
		r.Time = tm.String
		r.LastModifiedBy = modifiedBy.String
		r.RecurrenceRule = recurRule.String
		st.SyncedTasks[id] = &r
	}
	return rows.Err()
}

func savePendingOperations(ctx context.Context, tx *sql.Tx, st *state.State) error {
	for i, op := range st.PendingOperations {
		_, err := tx.ExecContext(ctx, `
		INSERT INTO pending_operations (seq, task_id, type, payload, calendar_id, queued_at, retry_count, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			i, op.TaskID, string(op.Type), string(op.Payload), nullString(op.CollectionID),
			formatTime(op.QueuedAt), op.RetryCount, nullString(op.LastError))
		if err != nil {
			return fmt.Errorf("failed to save pending %s for %s: %w", op.Type, op.TaskID, err)
		}
	}
	return nil
}

func (db *DB) loadPendingOperations(ctx context.Context, st *state.State) error {
	rows, err := db.conn.QueryContext(ctx, `
	SELECT task_id, type, payload, calendar_id, queued_at, retry_count, last_error
	FROM pending_operations ORDER BY seq`)
	if err != nil {
		return fmt.Errorf("failed to query pending operations: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			op               schema.PendingOperation
			typ, payload     string
			queuedAt         string
			calendar, lastEr sql.NullString
		)
		if err := rows.Scan(&op.TaskID, &typ, &payload, &calendar, &queuedAt, &op.RetryCount, &lastEr); err != nil {
			return fmt.Errorf("failed to scan pending operation: %w", err)
		}
		op.Type = schema.OpKind(typ)
		op.Payload = json.RawMessage(payload)
		op.CollectionID = calendar.String
		op.QueuedAt = parseTime(queuedAt)
		op.LastError = lastEr.String
		st.PendingOperations = append(st.PendingOperations, op)
	}
	return rows.Err()
}

func savePendingDeletions(ctx context.Context, tx *sql.Tx, st *state.State) error {
	for i, d := range st.PendingDeletions {
		data, err := json.Marshal(d)
		if err != nil {
			return fmt.Errorf("failed to marshal pending deletion %s: %w", d.TaskID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO pending_deletions (seq, task_id, data) VALUES (?, ?, ?)`,
			i, d.TaskID, string(data)); err != nil {
			return fmt.Errorf("failed to save pending deletion %s: %w", d.TaskID, err)
		}
	}
	return nil
}

func (db *DB) loadPendingDeletions(ctx context.Context, st *state.State) error {
	rows, err := db.conn.QueryContext(ctx, `SELECT data FROM pending_deletions ORDER BY seq`)
	if err != nil {
		return fmt.Errorf("failed to query pending deletions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return fmt.Errorf("failed to scan pending deletion: %w", err)
		}
		var d schema.DivertedDeletion
		if err := json.Unmarshal([]byte(data), &d); err != nil {
			return fmt.Errorf("failed to decode pending deletion: %w", err)
		}
		st.PendingDeletions = append(st.PendingDeletions, d)
	}
	return rows.Err()
}

func saveArchive(ctx context.Context, tx *sql.Tx, st *state.State) error {
	for i, a := range st.RecentlyDeleted {
		_, err := tx.ExecContext(ctx, `
		INSERT INTO archive (seq, task_id, title, date, time, calendar_name, calendar_id, deleted_at, expires_at, snapshot)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			i, a.TaskID, a.Title, nullString(a.Date), nullString(a.Time), nullString(a.CollectionName),
			nullString(a.CollectionID), formatTime(a.DeletedAt), formatTime(a.ExpiresAt), nullString(string(a.Snapshot)))
		if err != nil {
			return fmt.Errorf("failed to save archive entry %s: %w", a.TaskID, err)
		}
	}
	return nil
}

func (db *DB) loadArchive(ctx context.Context, st *state.State) error {
	rows, err := db.conn.QueryContext(ctx, `
	SELECT task_id, title, date, time, calendar_name, calendar_id, deleted_at, expires_at, snapshot
	FROM archive ORDER BY seq`)
	if err != nil {
		return fmt.Errorf("failed to query archive: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			a                             schema.ArchiveEntry
			date, tm, name, cal, snapshot sql.NullString
			deletedAt, expiresAt          string
		)
		if err := rows.Scan(&a.TaskID, &a.Title, &date, &tm, &name, &cal, &deletedAt, &expiresAt, &snapshot); err != nil {
			return fmt.Errorf("failed to scan archive entry: %w", err)
		}
		a.Date, a.Time, a.CollectionName, a.CollectionID = date.String, tm.String, name.String, cal.String
		a.DeletedAt = parseTime(deletedAt)
		a.ExpiresAt = parseTime(expiresAt)
		if snapshot.Valid && snapshot.String != "" {
			a.Snapshot = json.RawMessage(snapshot.String)
		}
		st.RecentlyDeleted = append(st.RecentlyDeleted, a)
	}
	return rows.Err()
}

func saveExternalRemovals(ctx context.Context, tx *sql.Tx, st *state.State) error {
	for i, r := range st.ExternalRemovals {
		_, err := tx.ExecContext(ctx, `
		INSERT INTO external_removals (seq, task_id, event_id, calendar_id, title, date, detected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
			i, r.TaskID, r.EventID, nullString(r.CollectionID), nullString(r.Title), nullString(r.Date), formatTime(r.DetectedAt))
		if err != nil {
			return fmt.Errorf("failed to save external removal %s: %w", r.TaskID, err)
		}
	}
	return nil
}

func (db *DB) loadExternalRemovals(ctx context.Context, st *state.State) error {
	rows, err := db.conn.QueryContext(ctx, `
	SELECT task_id, event_id, calendar_id, title, date, detected_at
	FROM external_removals ORDER BY seq`)
	if err != nil {
		return fmt.Errorf("failed to query external removals: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			r                schema.ExternalRemoval
			cal, title, date sql.NullString
			detectedAt       string
		)
		if err := rows.Scan(&r.TaskID, &r.EventID, &cal, &title, &date, &detectedAt); err != nil {
			return fmt.Errorf("failed to scan external removal: %w", err)
		}
		r.CollectionID, r.Title, r.Date = cal.String, title.String, date.String
		r.DetectedAt = parseTime(detectedAt)
		st.ExternalRemovals = append(st.ExternalRemovals, r)
	}
	return rows.Err()
}

func saveLog(ctx context.Context, tx *sql.Tx, st *state.State) error {
	for i, e := range st.SyncLog {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO sync_log (seq, timestamp, level, message, task_id) VALUES (?, ?, ?, ?, ?)`,
			i, formatTime(e.Time), string(e.Level), e.Message, nullString(e.TaskID))
		if err != nil {
			return fmt.Errorf("failed to save log entry: %w", err)
		}
	}
	return nil
}

func (db *DB) loadLog(ctx context.Context, st *state.State) error {
	rows, err := db.conn.QueryContext(ctx, `SELECT timestamp, level, message, task_id FROM sync_log ORDER BY seq`)
	if err != nil {
		return fmt.Errorf("failed to query sync log: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			e         schema.LogEntry
			ts, level string
			taskID    sql.NullString
		)
		if err := rows.Scan(&ts, &level, &e.Message, &taskID); err != nil {
			return fmt.Errorf("failed to scan log entry: %w", err)
		}
		e.Time = parseTime(ts)
		e.Level = schema.LogLevel(level)
		e.TaskID = taskID.String
		st.SyncLog = append(st.SyncLog, e)
	}
	return rows.Err()
}

// formatTime stores times as RFC3339 with nanoseconds so round-trips are exact.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
