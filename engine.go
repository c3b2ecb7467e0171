// engine.go: live-synchronized settings engine
//
// An Engine is the explicit process-wide context every settings group is
// bound to. It owns the single scheduling context, the directory watch
// registry, the external value store, audit and logging.
//
// Example Usage:
//
//	engine, err := actools.New(actools.Config{UserDir: dir})
//	if err != nil {
//		return err
//	}
//	defer engine.Close()
//
//	var maxSize *actools.Field[int]
//	group, err := engine.NewGroup("replay.ini", actools.KindUser, func(g *actools.SettingsGroup) {
//		maxSize = actools.IntField(g, "REPLAY", "MAX_SIZE", 200, actools.Clamp(10, 2000))
//	})
//
//	maxSize.Set(300) // saved ~500ms later, reloaded when the game rewrites the file
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package actools

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agilira/go-errors"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
)

// Error codes for engine operations
const (
	ErrCodeInvalidConfig     = "ACTOOLS_INVALID_CONFIG"
	ErrCodeInvalidPath       = "ACTOOLS_INVALID_PATH"
	ErrCodeEngineClosed      = "ACTOOLS_ENGINE_CLOSED"
	ErrCodeGroupClosed       = "ACTOOLS_GROUP_CLOSED"
	ErrCodeGroupExists       = "ACTOOLS_GROUP_EXISTS"
	ErrCodeInvalidField      = "ACTOOLS_INVALID_FIELD"
	ErrCodeMalformedData     = "ACTOOLS_MALFORMED_DATA"
	ErrCodeSaveFailed        = "ACTOOLS_SAVE_FAILED"
	ErrCodeReadFailed        = "ACTOOLS_READ_FAILED"
	ErrCodeTransientLock     = "ACTOOLS_TRANSIENT_LOCK"
	ErrCodeWatchFailed       = "ACTOOLS_WATCH_FAILED"
	ErrCodeCodecFailure      = "ACTOOLS_CODEC_FAILURE"
	ErrCodeValueStore        = "ACTOOLS_VALUE_STORE"
	ErrCodeSchedulerStopped  = "ACTOOLS_SCHEDULER_STOPPED"
	ErrCodeTaskPanic         = "ACTOOLS_TASK_PANIC"
	ErrCodePresetNotFound    = "ACTOOLS_PRESET_NOT_FOUND"
	ErrCodeHelpRequested     = "ACTOOLS_HELP_REQUESTED"
	ErrCodeInvalidSaveDelay  = "ACTOOLS_INVALID_SAVE_DELAY"
	ErrCodeInvalidReload     = "ACTOOLS_INVALID_RELOAD_DELAY"
	ErrCodeInvalidGuard      = "ACTOOLS_INVALID_GUARD_WINDOW"
	ErrCodeInvalidRetries    = "ACTOOLS_INVALID_READ_RETRIES"
	ErrCodeInvalidRetryDelay = "ACTOOLS_INVALID_RETRY_INTERVAL"
	ErrCodeInvalidCapacity   = "ACTOOLS_INVALID_SCHEDULER_CAPACITY"
	ErrCodeInvalidAudit      = "ACTOOLS_INVALID_AUDIT_CONFIG"
	ErrCodeInvalidBufferSize = "ACTOOLS_INVALID_BUFFER_SIZE"
	ErrCodeInvalidFlush      = "ACTOOLS_INVALID_FLUSH_INTERVAL"
	ErrCodeInvalidOutputFile = "ACTOOLS_INVALID_OUTPUT_FILE"
	ErrCodeUnwritableOutput  = "ACTOOLS_UNWRITABLE_OUTPUT_FILE"
)

// ErrorHandler receives non-fatal failures: malformed backing files, failed
// saves, value store errors. path is the file the failure relates to.
type ErrorHandler func(err error, path string)

// GroupKind selects the root directory a relative group name resolves under.
type GroupKind int

const (
	// KindUser groups live under Config.UserDir.
	KindUser GroupKind = iota
	// KindInstall groups live under Config.InstallDir.
	KindInstall
)

func (k GroupKind) String() string {
	switch k {
	case KindUser:
		return "user"
	case KindInstall:
		return "install"
	default:
		return "unknown"
	}
}

// Config configures an Engine
type Config struct {
	// UserDir is the root for KindUser groups.
	// Default: <os.UserConfigDir>/actools
	UserDir string

	// InstallDir is the root for KindInstall groups.
	// Default: UserDir
	InstallDir string

	// SaveDelay is the quiet window of the save debouncer.
	// Default: 500ms
	SaveDelay time.Duration

	// ReloadDelay is the quiet window of the reload debouncer.
	// Default: 200ms
	ReloadDelay time.Duration

	// GuardWindow is how long after our own write external change
	// notifications for that file are dropped.
	// Default: 1s
	GuardWindow time.Duration

	// ReadRetries bounds how often a locked backing file is re-read
	// before the reload cycle is skipped.
	// Default: 5
	ReadRetries int

	// RetryInterval is the spacing between read retries.
	// Default: 100ms
	RetryInterval time.Duration

	// SchedulerCapacity is the task ring size (power of 2).
	// Default: 256
	SchedulerCapacity int64

	// DisableWatch turns live reload off for every group of this engine.
	// One-shot tools set it to avoid creating OS watches.
	DisableWatch bool

	// ErrorHandler receives non-fatal failures.
	// If nil, failures are logged at error level.
	ErrorHandler ErrorHandler

	// Logger is the structured logger. If nil, a text logger on stderr
	// fanned out to the audit trail is built.
	Logger *slog.Logger

	// Audit configures the audit trail. Zero value disables it.
	Audit AuditConfig

	// Values persists fields that opt out of the backing file.
	// If nil, ValueStorePath opens a SQLite store, else an in-memory one is used.
	Values ValueStore

	// ValueStorePath is the SQLite database used when Values is nil.
	ValueStorePath string

	// Clock returns the current time. Default: go-timecache cached clock.
	Clock func() time.Time
}

// Engine binds settings groups to one scheduling context and one watch registry
type Engine struct {
	config     Config
	scheduler  *Scheduler
	registry   *DirectoryRegistry
	values     ValueStore
	ownsValues bool
	audit      *AuditLogger
	logger     *slog.Logger
	session    string

	groupsMu sync.RWMutex
	groups   map[string]*SettingsGroup

	closed atomic.Bool

	// readFile and writeFile are swapped in tests to simulate a locked
	// backing file or a failing disk
	readFile  func(path string) ([]byte, bool, error)
	writeFile func(path string, data []byte) error
}

// New creates an Engine and starts its scheduling context
func New(config Config) (*Engine, error) {
	cfg := config.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	session := uuid.NewString()

	auditLogger, err := NewAuditLogger(cfg.Audit)
	if err != nil {
		// Fall back to a disabled trail, the engine must still start
		auditLogger, _ = NewAuditLogger(AuditConfig{Enabled: false})
	}
	auditLogger.SetSession(session)

	logger := cfg.Logger
	if logger == nil {
		logger = NewLogger(LogConfig{Output: os.Stderr, Level: slog.LevelInfo}, auditLogger)
	}
	logger = logger.With(slog.String("component", "actools"), slog.String("session", session))

	e := &Engine{
		config:    *cfg,
		audit:     auditLogger,
		logger:    logger,
		session:   session,
		groups:    make(map[string]*SettingsGroup),
		readFile:  readBackingFile,
		writeFile: writeFileAtomic,
	}

	if e.config.ErrorHandler == nil {
		e.config.ErrorHandler = func(err error, path string) {
			logger.Error("settings error", "path", path, "error", err)
		}
	}

	switch {
	case cfg.Values != nil:
		e.values = cfg.Values
	case cfg.ValueStorePath != "":
		store, err := NewSQLiteValueStore(cfg.ValueStorePath)
		if err != nil {
			_ = auditLogger.Close()
			return nil, err
		}
		e.values = store
		e.ownsValues = true
	default:
		e.values = NewMemoryValueStore()
		e.ownsValues = true
	}

	e.scheduler = NewScheduler(cfg.SchedulerCapacity, func(r interface{}) {
		logger.Error("scheduled task panicked", "panic", r)
		auditLogger.Log(AuditCritical, "task_panic", "", "", map[string]interface{}{"panic": r})
	})
	e.scheduler.Start()

	e.registry = NewDirectoryRegistry(RegistryOptions{
		Post:   e.scheduler.Post,
		Clock:  cfg.Clock,
		Logger: logger,
		Audit:  auditLogger,
	})

	return e, nil
}

// NewGroup resolves name under the kind's root, lets define register fields
// and hooks, loads the backing file synchronously and subscribes to live
// reload. A group per backing path may exist only once.
//
// NewGroup waits on the scheduling context and must not be called from a
// change listener or hook.
func (e *Engine) NewGroup(name string, kind GroupKind, define func(g *SettingsGroup)) (*SettingsGroup, error) {
	if e.closed.Load() {
		return nil, errors.New(ErrCodeEngineClosed, "engine is closed")
	}

	path, err := e.ResolvePath(kind, name)
	if err != nil {
		return nil, err
	}
	key := canonicalPath(path)

	e.groupsMu.Lock()
	if _, exists := e.groups[key]; exists {
		e.groupsMu.Unlock()
		return nil, errors.New(ErrCodeGroupExists, "settings group already exists").
			WithContext("path", path)
	}
	g := newSettingsGroup(e, name, path, kind)
	e.groups[key] = g
	e.groupsMu.Unlock()

	if define != nil {
		define(g)
	}

	err = e.scheduler.Do(context.Background(), func() {
		g.setState(StateLoading)
		// Malformed or unreadable files are reported, the group still
		// comes up with defaults
		_ = g.loadFromDisk()
		g.loaded.Store(true)
		g.restoreExternal()
		g.setState(StateIdle)
	})
	if err != nil {
		e.forget(g)
		return nil, err
	}

	if !e.config.DisableWatch {
		handle, err := e.registry.Acquire(filepath.Dir(path), g.OnExternalChange)
		if err != nil {
			e.forget(g)
			return nil, err
		}
		g.handle = handle
	}

	e.audit.LogGroupEvent("group_opened", g.name, path, map[string]interface{}{"kind": kind.String()})
	e.logger.Debug("settings group opened", "group", g.name, "path", path)
	return g, nil
}

// Group returns the live group for name, if one was created
func (e *Engine) Group(name string, kind GroupKind) (*SettingsGroup, bool) {
	path, err := e.ResolvePath(kind, name)
	if err != nil {
		return nil, false
	}
	e.groupsMu.RLock()
	defer e.groupsMu.RUnlock()
	g, ok := e.groups[canonicalPath(path)]
	return g, ok
}

// Groups returns all live groups ordered by backing path
func (e *Engine) Groups() []*SettingsGroup {
	e.groupsMu.RLock()
	groups := make([]*SettingsGroup, 0, len(e.groups))
	for _, g := range e.groups {
		groups = append(groups, g)
	}
	e.groupsMu.RUnlock()

	sort.Slice(groups, func(i, j int) bool { return groups[i].path < groups[j].path })
	return groups
}

// ResolvePath returns the absolute backing path for a group name
func (e *Engine) ResolvePath(kind GroupKind, name string) (string, error) {
	if err := validateSecurePath(name); err != nil {
		return "", errors.Wrap(err, ErrCodeInvalidPath, "invalid or unsafe settings path").
			WithContext("name", name)
	}

	path := name
	if !filepath.IsAbs(path) {
		root := e.config.UserDir
		if kind == KindInstall {
			root = e.config.InstallDir
		}
		path = filepath.Join(root, name)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", errors.Wrap(err, ErrCodeInvalidPath, "invalid settings path").
			WithContext("name", name)
	}
	if err := validateSecurePath(absPath); err != nil {
		return "", errors.Wrap(err, ErrCodeInvalidPath, "resolved settings path is unsafe").
			WithContext("absolute_path", absPath)
	}
	return absPath, nil
}

// SaveAll writes every group synchronously. Failures of individual groups
// do not stop the others.
func (e *Engine) SaveAll(ctx context.Context) error {
	var result *multierror.Error
	for _, g := range e.Groups() {
		if err := g.SaveImmediately(ctx); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Close flushes pending saves, disposes every group and releases the
// registry, scheduler, value store and audit trail.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}

	var result *multierror.Error
	for _, g := range e.Groups() {
		if err := g.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}

	if err := e.registry.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	e.scheduler.Stop()

	if e.ownsValues {
		if err := e.values.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := e.audit.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// Config returns the effective configuration
func (e *Engine) Config() Config { return e.config }

// Scheduler returns the engine's scheduling context
func (e *Engine) Scheduler() *Scheduler { return e.scheduler }

// Registry returns the directory watch registry
func (e *Engine) Registry() *DirectoryRegistry { return e.registry }

// Values returns the store for fields that opt out of file persistence
func (e *Engine) Values() ValueStore { return e.values }

// Audit returns the audit trail
func (e *Engine) Audit() *AuditLogger { return e.audit }

// Logger returns the engine logger
func (e *Engine) Logger() *slog.Logger { return e.logger }

// SessionID identifies this engine instance in logs and audit events
func (e *Engine) SessionID() string { return e.session }

// IsClosed reports whether Close was called
func (e *Engine) IsClosed() bool { return e.closed.Load() }

func (e *Engine) now() time.Time { return e.config.Clock() }

// reportError forwards a non-fatal failure to the configured handler
func (e *Engine) reportError(err error, path string) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("error handler panicked", "panic", r, "path", path)
		}
	}()
	e.config.ErrorHandler(err, path)
}

func (e *Engine) forget(g *SettingsGroup) {
	e.groupsMu.Lock()
	if current, ok := e.groups[canonicalPath(g.path)]; ok && current == g {
		delete(e.groups, canonicalPath(g.path))
	}
	e.groupsMu.Unlock()
}

// canonicalPath folds case on Windows where paths are case-insensitive
func canonicalPath(path string) string {
	path = filepath.Clean(path)
	if runtime.GOOS == "windows" {
		return strings.ToLower(path)
	}
	return path
}

// samePath compares two paths the way the OS does
func samePath(a, b string) bool {
	return canonicalPath(a) == canonicalPath(b)
}

// =============================================================================
// PATH VALIDATION
// =============================================================================

// validateSecurePath rejects names that could escape the settings roots or
// address devices: traversal sequences (plain or URL-encoded), NUL and
// control characters, Windows device names and alternate data streams,
// and absurd lengths.
func validateSecurePath(path string) error {
	if path == "" {
		return errors.New(ErrCodeInvalidPath, "empty path not allowed")
	}

	if len(path) > 4096 {
		return errors.New(ErrCodeInvalidPath, "path too long (max 4096 characters)")
	}

	for _, pattern := range []string{"../", "..\\", "/..", "\\.."} {
		if strings.Contains(path, pattern) {
			return errors.New(ErrCodeInvalidPath, "path contains traversal pattern: "+pattern)
		}
	}
	if path == ".." {
		return errors.New(ErrCodeInvalidPath, "path contains traversal pattern: ..")
	}

	lower := strings.ToLower(path)
	for _, pattern := range []string{"%2e%2e", "%252e", "%2f", "%252f", "%5c", "%255c", "%00"} {
		if strings.Contains(lower, pattern) {
			return errors.New(ErrCodeInvalidPath, "path contains encoded traversal pattern: "+pattern)
		}
	}

	for _, char := range path {
		if char < 32 {
			return errors.New(ErrCodeInvalidPath, "control character in path not allowed")
		}
	}

	base := strings.ToUpper(filepath.Base(path))
	if dot := strings.Index(base, "."); dot != -1 {
		base = base[:dot]
	}
	switch base {
	case "CON", "PRN", "AUX", "NUL",
		"COM1", "COM2", "COM3", "COM4", "COM5", "COM6", "COM7", "COM8", "COM9",
		"LPT1", "LPT2", "LPT3", "LPT4", "LPT5", "LPT6", "LPT7", "LPT8", "LPT9":
		return errors.New(ErrCodeInvalidPath, "windows device name not allowed: "+base)
	}

	// Drive letters are the only colon allowed
	if idx := strings.LastIndex(path, ":"); idx > 1 {
		return errors.New(ErrCodeInvalidPath, "alternate data streams not allowed")
	}

	return nil
}
