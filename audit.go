// audit.go: audit trail of settings persistence
//
// Records what the engine did to settings files: groups opened and closed,
// saves, reloads, suppressed and skipped cycles, malformed files and watch
// degradation. Events are buffered and flushed in batches to a pluggable
// backend (SQLite by default, JSONL on request).
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package actools

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agilira/go-errors"
	"github.com/agilira/go-timecache"
)

// AuditLevel represents the severity of audit events
type AuditLevel int

const (
	AuditInfo AuditLevel = iota
	AuditWarn
	AuditCritical
)

func (al AuditLevel) String() string {
	switch al {
	case AuditInfo:
		return "INFO"
	case AuditWarn:
		return "WARN"
	case AuditCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// ParseAuditLevel maps a level name to its AuditLevel
func ParseAuditLevel(name string) (AuditLevel, bool) {
	switch name {
	case "INFO", "info":
		return AuditInfo, true
	case "WARN", "warn", "WARNING", "warning":
		return AuditWarn, true
	case "CRITICAL", "critical", "ERROR", "error":
		return AuditCritical, true
	}
	return AuditInfo, false
}

// AuditEvent represents a single auditable event
type AuditEvent struct {
	Timestamp   time.Time              `json:"timestamp"`
	Level       AuditLevel             `json:"level"`
	Event       string                 `json:"event"`
	Component   string                 `json:"component"`
	Session     string                 `json:"session,omitempty"`
	Group       string                 `json:"group,omitempty"`
	FilePath    string                 `json:"file_path,omitempty"`
	ProcessID   int                    `json:"process_id"`
	ProcessName string                 `json:"process_name"`
	Context     map[string]interface{} `json:"context,omitempty"`
	Checksum    string                 `json:"checksum"`
}

// AuditConfig configures the audit trail. The zero value disables it.
type AuditConfig struct {
	Enabled bool `json:"enabled"`
	// OutputFile selects the backend: *.jsonl writes JSON lines, anything
	// else is a SQLite database. Empty uses DefaultAuditPath.
	OutputFile    string        `json:"output_file"`
	MinLevel      AuditLevel    `json:"min_level"`
	BufferSize    int           `json:"buffer_size"`
	FlushInterval time.Duration `json:"flush_interval"`
	// RetentionDays bounds how long SQLite keeps events
	RetentionDays int `json:"retention_days"`
}

// DefaultAuditConfig returns an enabled audit configuration writing to
// the default SQLite database
func DefaultAuditConfig() AuditConfig {
	return AuditConfig{
		Enabled:       true,
		OutputFile:    "",
		MinLevel:      AuditInfo,
		BufferSize:    1000,
		FlushInterval: 5 * time.Second,
		RetentionDays: 90,
	}
}

// DefaultAuditPath is where the SQLite audit database lives when no
// OutputFile is configured
func DefaultAuditPath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "actools", "audit.db")
}

// AuditLogger buffers audit events and flushes them to its backend.
// A nil or disabled logger accepts every call and records nothing.
type AuditLogger struct {
	config      AuditConfig
	backend     auditBackend
	buffer      []AuditEvent
	bufferMu    sync.Mutex
	flushTicker *time.Ticker
	stopCh      chan struct{}
	closeOnce   sync.Once
	processID   int
	processName string
	session     atomic.Value // string

	closed   atomic.Bool
	logged   atomic.Int64
	flushed  atomic.Int64
	failures atomic.Int64
}

// NewAuditLogger creates an audit logger. A disabled configuration opens
// no backend.
func NewAuditLogger(config AuditConfig) (*AuditLogger, error) {
	logger := &AuditLogger{
		config:      config,
		stopCh:      make(chan struct{}),
		processID:   os.Getpid(),
		processName: getProcessName(),
	}
	logger.session.Store("")

	if !config.Enabled {
		return logger, nil
	}
	if config.BufferSize <= 0 {
		config.BufferSize = 1000
		logger.config.BufferSize = config.BufferSize
	}

	backend, err := createAuditBackend(config)
	if err != nil {
		return nil, errors.Wrap(err, ErrCodeInvalidAudit, "failed to initialize audit backend")
	}
	logger.backend = backend
	logger.buffer = make([]AuditEvent, 0, config.BufferSize)

	if config.FlushInterval > 0 {
		logger.flushTicker = time.NewTicker(config.FlushInterval)
		go logger.flushLoop()
	}

	return logger, nil
}

// SetSession tags every later event with session
func (al *AuditLogger) SetSession(session string) {
	if al == nil {
		return
	}
	al.session.Store(session)
}

// Enabled reports whether events are recorded
func (al *AuditLogger) Enabled() bool {
	return al != nil && al.backend != nil && al.config.Enabled && !al.closed.Load()
}

// Log records an audit event
func (al *AuditLogger) Log(level AuditLevel, event, group, filePath string, context map[string]interface{}) {
	if !al.Enabled() || level < al.config.MinLevel {
		return
	}

	auditEvent := AuditEvent{
		Timestamp:   timecache.CachedTime(),
		Level:       level,
		Event:       event,
		Component:   "actools",
		Session:     al.session.Load().(string),
		Group:       group,
		FilePath:    filePath,
		ProcessID:   al.processID,
		ProcessName: al.processName,
		Context:     context,
	}
	auditEvent.Checksum = generateChecksum(auditEvent)
	al.logged.Add(1)

	al.bufferMu.Lock()
	al.buffer = append(al.buffer, auditEvent)
	if len(al.buffer) >= al.config.BufferSize {
		if err := al.flushBufferUnsafe(); err != nil {
			al.failures.Add(1)
		}
	}
	al.bufferMu.Unlock()
}

// LogGroupEvent records a settings group lifecycle event. Failures are
// recorded at warning level.
func (al *AuditLogger) LogGroupEvent(event, group, filePath string, context map[string]interface{}) {
	level := AuditInfo
	switch event {
	case "malformed_data", "save_failed", "reload_skipped":
		level = AuditWarn
	}
	al.Log(level, event, group, filePath, context)
}

// LogWatch records a directory watch event
func (al *AuditLogger) LogWatch(event, dir string) {
	level := AuditInfo
	if event == "watch_degraded" {
		level = AuditWarn
	}
	al.Log(level, event, "", dir, nil)
}

// Flush immediately writes all buffered events
func (al *AuditLogger) Flush() error {
	if !al.Enabled() {
		return nil
	}
	al.bufferMu.Lock()
	defer al.bufferMu.Unlock()
	return al.flushBufferUnsafe()
}

// Close flushes pending events and releases the backend. It is safe to
// call more than once.
func (al *AuditLogger) Close() error {
	if al == nil {
		return nil
	}
	var closeErr error
	al.closeOnce.Do(func() {
		close(al.stopCh)
		if al.flushTicker != nil {
			al.flushTicker.Stop()
		}
		if al.backend == nil {
			return
		}
		if err := al.Flush(); err != nil {
			closeErr = errors.Wrap(err, ErrCodeInvalidAudit, "failed to flush audit trail during close")
		}
		al.closed.Store(true)
		if err := al.backend.Close(); err != nil && closeErr == nil {
			closeErr = errors.Wrap(err, ErrCodeInvalidAudit, "failed to close audit backend")
		}
	})
	return closeErr
}

// Stats returns counters of the logger and, when available, its backend
func (al *AuditLogger) Stats() map[string]int64 {
	stats := map[string]int64{"logged": 0, "flushed": 0, "errors": 0}
	if al == nil {
		return stats
	}
	stats["logged"] = al.logged.Load()
	stats["flushed"] = al.flushed.Load()
	stats["errors"] = al.failures.Load()
	al.bufferMu.Lock()
	stats["buffered"] = int64(len(al.buffer))
	al.bufferMu.Unlock()
	return stats
}

func (al *AuditLogger) flushLoop() {
	for {
		select {
		case <-al.flushTicker.C:
			if err := al.Flush(); err != nil {
				al.failures.Add(1)
			}
		case <-al.stopCh:
			return
		}
	}
}

// flushBufferUnsafe writes the buffer to the backend (caller holds bufferMu)
func (al *AuditLogger) flushBufferUnsafe() error {
	if len(al.buffer) == 0 {
		return nil
	}
	if err := al.backend.Write(al.buffer); err != nil {
		return fmt.Errorf("failed to write audit events to backend: %w", err)
	}
	al.flushed.Add(int64(len(al.buffer)))
	al.buffer = al.buffer[:0]
	return nil
}

// generateChecksum creates a tamper-detection checksum using SHA-256
func generateChecksum(event AuditEvent) string {
	data := fmt.Sprintf("%s:%s:%s:%s:%s:%v",
		event.Timestamp.Format(time.RFC3339Nano),
		event.Event, event.Session, event.Group, event.FilePath, event.Context)
	hash := sha256.Sum256([]byte(data))
	return fmt.Sprintf("%x", hash)
}

func getProcessName() string {
	if len(os.Args) > 0 {
		return filepath.Base(os.Args[0])
	}
	return "actools"
}
