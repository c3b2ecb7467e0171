// value_store.go: key/value sink for fields that bypass the settings file
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package actools

import (
	"database/sql"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agilira/go-errors"
	"github.com/agilira/go-timecache"
)

// ValueStore persists values of fields flagged External. Implementations
// must be safe for concurrent use.
type ValueStore interface {
	Get(key string) (value string, ok bool, err error)
	Set(key, value string) error
	Delete(key string) error
	// Keys returns the sorted keys starting with prefix
	Keys(prefix string) ([]string, error)
	Close() error
}

// MemoryValueStore keeps values for the lifetime of the process
type MemoryValueStore struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemoryValueStore creates an empty in-memory store
func NewMemoryValueStore() *MemoryValueStore {
	return &MemoryValueStore{values: make(map[string]string)}
}

// Get returns the value stored under key
func (m *MemoryValueStore) Get(key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok, nil
}

// Set stores value under key
func (m *MemoryValueStore) Set(key, value string) error {
	m.mu.Lock()
	m.values[key] = value
	m.mu.Unlock()
	return nil
}

// Delete removes key
func (m *MemoryValueStore) Delete(key string) error {
	m.mu.Lock()
	delete(m.values, key)
	m.mu.Unlock()
	return nil
}

// Keys returns the sorted keys starting with prefix
func (m *MemoryValueStore) Keys(prefix string) ([]string, error) {
	m.mu.RLock()
	keys := make([]string, 0, len(m.values))
	for k := range m.values {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	m.mu.RUnlock()
	sort.Strings(keys)
	return keys, nil
}

// Close is a no-op
func (m *MemoryValueStore) Close() error { return nil }

// SQLiteValueStore keeps values in a SQLite database
type SQLiteValueStore struct {
	db     *sql.DB
	path   string
	mu     sync.RWMutex
	closed bool
}

// NewSQLiteValueStore opens or creates the database at path
func NewSQLiteValueStore(path string) (*SQLiteValueStore, error) {
	if err := validateSecurePath(path); err != nil {
		return nil, errors.Wrap(err, ErrCodeValueStore, "invalid value store path")
	}
	db, err := openSQLiteDatabase(path)
	if err != nil {
		return nil, errors.Wrap(err, ErrCodeValueStore, "failed to open value store").
			WithContext("path", path)
	}

	if _, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS settings_values (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);`); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, ErrCodeValueStore, "failed to create value store schema").
			WithContext("path", path)
	}

	return &SQLiteValueStore{db: db, path: path}, nil
}

// Path returns the database file
func (s *SQLiteValueStore) Path() string { return s.path }

// Get returns the value stored under key
func (s *SQLiteValueStore) Get(key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return "", false, errors.New(ErrCodeValueStore, "value store is closed")
	}

	var value string
	err := s.db.QueryRow("SELECT value FROM settings_values WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, ErrCodeValueStore, "failed to read value").
			WithContext("key", key)
	}
	return value, true, nil
}

// Set stores value under key
func (s *SQLiteValueStore) Set(key, value string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.New(ErrCodeValueStore, "value store is closed")
	}

	_, err := s.db.Exec(`
	INSERT INTO settings_values (key, value, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, timecache.CachedTime().Format(time.RFC3339Nano))
	if err != nil {
		return errors.Wrap(err, ErrCodeValueStore, "failed to write value").
			WithContext("key", key)
	}
	return nil
}

// Delete removes key
func (s *SQLiteValueStore) Delete(key string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.New(ErrCodeValueStore, "value store is closed")
	}
	if _, err := s.db.Exec("DELETE FROM settings_values WHERE key = ?", key); err != nil {
		return errors.Wrap(err, ErrCodeValueStore, "failed to delete value").
			WithContext("key", key)
	}
	return nil
}

// Keys returns the sorted keys starting with prefix
func (s *SQLiteValueStore) Keys(prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errors.New(ErrCodeValueStore, "value store is closed")
	}

	rows, err := s.db.Query(
		"SELECT key FROM settings_values WHERE substr(key, 1, length(?1)) = ?1 ORDER BY key", prefix)
	if err != nil {
		return nil, errors.Wrap(err, ErrCodeValueStore, "failed to list keys")
	}
	defer func() { _ = rows.Close() }()

	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, errors.Wrap(err, ErrCodeValueStore, "failed to scan key")
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, ErrCodeValueStore, "failed to list keys")
	}
	return keys, nil
}

// Close closes the database. Safe to call more than once.
func (s *SQLiteValueStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.db.Close(); err != nil {
		return errors.Wrap(err, ErrCodeValueStore, "failed to close value store")
	}
	return nil
}
