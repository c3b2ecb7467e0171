// audit_backend.go: storage backends of the audit trail
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package actools

import (
	"bufio"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	_ "github.com/mattn/go-sqlite3" // SQLite driver registration
)

// auditBackend stores batches of audit events
type auditBackend interface {
	// Write persists a batch of events. Safe for concurrent use.
	Write(events []AuditEvent) error

	// Flush commits pending writes to storage
	Flush() error

	// Close releases all resources. The backend is unusable afterwards.
	Close() error

	// Maintenance applies retention and storage housekeeping
	Maintenance() error

	// GetStats summarizes the stored events
	GetStats() (*AuditStats, error)
}

// AuditStats summarizes an audit store
type AuditStats struct {
	TotalEvents   int64            `json:"total_events"`
	EventsByLevel map[string]int64 `json:"events_by_level"`
	EventsByName  map[string]int64 `json:"events_by_name"`
	EventsByGroup map[string]int64 `json:"events_by_group"`
	Sessions      int64            `json:"sessions"`
	OldestEvent   *time.Time       `json:"oldest_event,omitempty"`
	NewestEvent   *time.Time       `json:"newest_event,omitempty"`
	StorageSize   int64            `json:"storage_size_bytes"`
	SchemaVersion int              `json:"schema_version"`
}

func newAuditStats() *AuditStats {
	return &AuditStats{
		EventsByLevel: make(map[string]int64),
		EventsByName:  make(map[string]int64),
		EventsByGroup: make(map[string]int64),
	}
}

// createAuditBackend picks the backend from the output file extension.
// When SQLite cannot be opened at an explicit path, a JSONL file next to
// it is used instead so auditing never blocks engine startup.
func createAuditBackend(config AuditConfig) (auditBackend, error) {
	if filepath.Ext(config.OutputFile) == ".jsonl" {
		return newJSONLBackend(config.OutputFile)
	}

	backend, err := newSQLiteBackend(config)
	if err == nil {
		return backend, nil
	}
	if config.OutputFile == "" {
		return nil, err
	}

	jsonlBackend, jsonlErr := newJSONLBackend(config.OutputFile + ".jsonl")
	if jsonlErr != nil {
		var result *multierror.Error
		result = multierror.Append(result, err, jsonlErr)
		return nil, fmt.Errorf("all audit backends failed: %w", result.ErrorOrNil())
	}
	return jsonlBackend, nil
}

// ReadAuditStats opens an existing audit store read-only for reporting
func ReadAuditStats(path string) (*AuditStats, error) {
	if path == "" {
		path = DefaultAuditPath()
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("audit store not found: %w", err)
	}
	backend, err := createAuditBackend(AuditConfig{Enabled: true, OutputFile: path})
	if err != nil {
		return nil, err
	}
	defer func() { _ = backend.Close() }()
	return backend.GetStats()
}

// =============================================================================
// SQLITE BACKEND
// =============================================================================

type sqliteAuditBackend struct {
	db            *sql.DB
	dbPath        string
	retentionDays int
	insertStmt    *sql.Stmt
	mu            sync.RWMutex
	closed        bool
}

func newSQLiteBackend(config AuditConfig) (*sqliteAuditBackend, error) {
	dbPath := config.OutputFile
	if dbPath == "" {
		dbPath = DefaultAuditPath()
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0750); err != nil {
		return nil, fmt.Errorf("failed to create audit database directory: %w", err)
	}

	db, err := openSQLiteDatabase(dbPath)
	if err != nil {
		return nil, err
	}

	retention := config.RetentionDays
	if retention <= 0 {
		retention = 90
	}
	backend := &sqliteAuditBackend{
		db:            db,
		dbPath:        dbPath,
		retentionDays: retention,
	}

	if err := backend.ensureSchemaVersion(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize audit database schema: %w", err)
	}
	stmt, err := db.Prepare(`
	INSERT INTO audit_events (
		timestamp, level, event, component, session, group_name,
		file_path, process_id, process_name, context, checksum
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to prepare audit insert statement: %w", err)
	}
	backend.insertStmt = stmt

	// Retention is best effort, a failure must not block startup
	_ = backend.Maintenance()
	return backend, nil
}

// openSQLiteDatabase opens a SQLite database tuned for small, frequent
// writes: WAL journal, a busy timeout for concurrent processes and
// NORMAL synchronous mode. Shared by the audit trail and the value store.
func openSQLiteDatabase(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_cache_size=1000", dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to ping database (close error: %v): %w", closeErr, err)
		}
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// ensureSchemaVersion migrates the schema to the current version:
//   - v1: events table with basic indexes
//   - v2: session and group indexes
func (s *sqliteAuditBackend) ensureSchemaVersion() error {
	const currentSchemaVersion = 2

	if _, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS schema_info (
		version INTEGER PRIMARY KEY,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);`); err != nil {
		return fmt.Errorf("failed to create schema_info table: %w", err)
	}

	var version int
	err := s.db.QueryRow("SELECT version FROM schema_info ORDER BY version DESC LIMIT 1").Scan(&version)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("failed to check schema version: %w", err)
	}
	if version >= currentSchemaVersion {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin migration transaction: %w", err)
	}
	for v := version; v < currentSchemaVersion; v++ {
		var stmts []string
		switch v {
		case 0:
			stmts = schemaV1
		case 1:
			stmts = schemaV2
		}
		for _, stmt := range stmts {
			if _, err := tx.Exec(stmt); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("migration to v%d failed: %w", v+1, err)
			}
		}
	}
	if _, err := tx.Exec(`INSERT OR REPLACE INTO schema_info (version, updated_at) VALUES (?, CURRENT_TIMESTAMP)`,
		currentSchemaVersion); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to update schema version: %w", err)
	}
	return tx.Commit()
}

var schemaV1 = []string{
	`CREATE TABLE IF NOT EXISTS audit_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp TEXT NOT NULL,
		level TEXT NOT NULL,
		event TEXT NOT NULL,
		component TEXT NOT NULL,
		session TEXT,
		group_name TEXT,
		file_path TEXT,
		process_id INTEGER NOT NULL,
		process_name TEXT NOT NULL,
		context TEXT,
		checksum TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);`,
	"CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_events(timestamp)",
	"CREATE INDEX IF NOT EXISTS idx_audit_level ON audit_events(level)",
	"CREATE INDEX IF NOT EXISTS idx_audit_created_at ON audit_events(created_at)",
}

var schemaV2 = []string{
	"CREATE INDEX IF NOT EXISTS idx_audit_session ON audit_events(session, timestamp)",
	"CREATE INDEX IF NOT EXISTS idx_audit_group_event ON audit_events(group_name, event, timestamp)",
}

// Write inserts a batch of events in one transaction
func (s *sqliteAuditBackend) Write(events []AuditEvent) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("cannot write to closed SQLite audit backend")
	}
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin audit transaction: %w", err)
	}
	txStmt := tx.Stmt(s.insertStmt)
	defer func() { _ = txStmt.Close() }()

	for _, event := range events {
		contextJSON := ""
		if event.Context != nil {
			data, err := json.Marshal(event.Context)
			if err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("failed to serialize audit context: %w", err)
			}
			contextJSON = string(data)
		}
		if _, err := txStmt.Exec(
			event.Timestamp.Format(time.RFC3339Nano),
			event.Level.String(),
			event.Event,
			event.Component,
			event.Session,
			event.Group,
			event.FilePath,
			event.ProcessID,
			event.ProcessName,
			contextJSON,
			event.Checksum,
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to insert audit event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit audit transaction: %w", err)
	}
	return nil
}

// Flush checkpoints the WAL
func (s *sqliteAuditBackend) Flush() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil
	}
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("failed to flush SQLite audit backend: %w", err)
	}
	return nil
}

// Maintenance drops events beyond the retention period
func (s *sqliteAuditBackend) Maintenance() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil
	}
	if _, err := s.db.Exec(`DELETE FROM audit_events WHERE created_at < datetime('now', '-' || ? || ' days')`,
		s.retentionDays); err != nil {
		return fmt.Errorf("failed to cleanup old audit events: %w", err)
	}
	_, _ = s.db.Exec("PRAGMA optimize")
	return nil
}

// GetStats summarizes the stored events
func (s *sqliteAuditBackend) GetStats() (*AuditStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := newAuditStats()
	if err := s.db.QueryRow("SELECT COUNT(*), COUNT(DISTINCT session) FROM audit_events").
		Scan(&stats.TotalEvents, &stats.Sessions); err != nil {
		return nil, fmt.Errorf("failed to count audit events: %w", err)
	}

	groupings := []struct {
		column string
		into   map[string]int64
	}{
		{"level", stats.EventsByLevel},
		{"event", stats.EventsByName},
		{"COALESCE(group_name, '')", stats.EventsByGroup},
	}
	for _, grouping := range groupings {
		if err := s.countBy(grouping.column, grouping.into); err != nil {
			return nil, err
		}
	}

	var oldest, newest sql.NullString
	if err := s.db.QueryRow("SELECT MIN(timestamp), MAX(timestamp) FROM audit_events").
		Scan(&oldest, &newest); err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to get event time range: %w", err)
	}
	if t, err := time.Parse(time.RFC3339Nano, oldest.String); oldest.Valid && err == nil {
		stats.OldestEvent = &t
	}
	if t, err := time.Parse(time.RFC3339Nano, newest.String); newest.Valid && err == nil {
		stats.NewestEvent = &t
	}

	if err := s.db.QueryRow("SELECT version FROM schema_info ORDER BY version DESC LIMIT 1").
		Scan(&stats.SchemaVersion); err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to get schema version: %w", err)
	}
	if info, err := os.Stat(s.dbPath); err == nil {
		stats.StorageSize = info.Size()
	}
	return stats, nil
}

// countBy fills into with event counts grouped by column. column is one
// of a fixed set of expressions, never user input.
func (s *sqliteAuditBackend) countBy(column string, into map[string]int64) error {
	rows, err := s.db.Query("SELECT " + column + ", COUNT(*) FROM audit_events GROUP BY 1") // #nosec G202 -- fixed column list
	if err != nil {
		return fmt.Errorf("failed to group audit events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var key string
		var count int64
		if err := rows.Scan(&key, &count); err != nil {
			return fmt.Errorf("failed to scan audit stats: %w", err)
		}
		into[key] = count
	}
	return rows.Err()
}

// Close checkpoints and closes the database. Safe to call more than once.
func (s *sqliteAuditBackend) Close() error {
	_ = s.Flush()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var result *multierror.Error
	if s.insertStmt != nil {
		if err := s.insertStmt.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to close insert statement: %w", err))
		}
	}
	if err := s.db.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("failed to close database: %w", err))
	}
	return result.ErrorOrNil()
}

// =============================================================================
// JSONL BACKEND
// =============================================================================

type jsonlAuditBackend struct {
	file   *os.File
	path   string
	mu     sync.Mutex
	closed bool
}

func newJSONLBackend(path string) (*jsonlAuditBackend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("failed to create JSONL audit log directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600) // #nosec G304 -- configured audit path
	if err != nil {
		return nil, fmt.Errorf("failed to open JSONL audit log file: %w", err)
	}
	return &jsonlAuditBackend{file: file, path: path}, nil
}

// Write appends one JSON object per event
func (j *jsonlAuditBackend) Write(events []AuditEvent) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return fmt.Errorf("cannot write to closed JSONL audit backend")
	}

	w := bufio.NewWriter(j.file)
	for _, event := range events {
		data, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("failed to serialize audit event: %w", err)
		}
		if _, err := w.Write(append(data, '\n')); err != nil {
			return fmt.Errorf("failed to write audit event to JSONL: %w", err)
		}
	}
	return w.Flush()
}

// Flush syncs the file
func (j *jsonlAuditBackend) Flush() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync JSONL audit file: %w", err)
	}
	return nil
}

// Maintenance is a no-op, JSONL files are rotated externally
func (j *jsonlAuditBackend) Maintenance() error { return nil }

// GetStats scans the file and counts its events
func (j *jsonlAuditBackend) GetStats() (*AuditStats, error) {
	stats := newAuditStats()
	stats.SchemaVersion = 1

	file, err := os.Open(j.path) // #nosec G304 -- configured audit path
	if err != nil {
		return nil, fmt.Errorf("failed to open JSONL audit log: %w", err)
	}
	defer func() { _ = file.Close() }()

	sessions := make(map[string]struct{})
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var event AuditEvent
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			continue
		}
		stats.TotalEvents++
		stats.EventsByLevel[event.Level.String()]++
		stats.EventsByName[event.Event]++
		stats.EventsByGroup[event.Group]++
		sessions[event.Session] = struct{}{}

		ts := event.Timestamp
		if stats.OldestEvent == nil || ts.Before(*stats.OldestEvent) {
			stats.OldestEvent = &ts
		}
		if stats.NewestEvent == nil || ts.After(*stats.NewestEvent) {
			stats.NewestEvent = &ts
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read JSONL audit log: %w", err)
	}
	stats.Sessions = int64(len(sessions))

	if info, err := os.Stat(j.path); err == nil {
		stats.StorageSize = info.Size()
	}
	return stats, nil
}

// Close closes the file. Safe to call more than once.
func (j *jsonlAuditBackend) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	return j.file.Close()
}
