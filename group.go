// group.go: the unit of persistence, one settings file kept in sync
//
// A SettingsGroup keeps three things consistent: its in-memory fields,
// its backing file, and whatever external process rewrites that file.
// Field changes are saved through a debouncer; external changes arrive
// from the directory registry, are filtered by the loop guard and reload
// through a second debouncer. Every load, reload and save runs on the
// engine's scheduling context.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package actools

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agilira/go-errors"
	"github.com/cespare/xxhash/v2"
)

// GroupState is the lifecycle state of a SettingsGroup
type GroupState int32

const (
	StateUninitialized GroupState = iota
	StateLoading
	StateIdle
	StateReloading
	StateSaving
	StateDisposed
)

func (s GroupState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateLoading:
		return "loading"
	case StateIdle:
		return "idle"
	case StateReloading:
		return "reloading"
	case StateSaving:
		return "saving"
	case StateDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// ChangeEvent describes one changed value of a group
type ChangeEvent struct {
	Group string
	Path  string
	// Field is SECTION/KEY
	Field string
	// Value is the encoded new value
	Value string
	// Loading is true when the change comes from a load, reload or import
	// rather than from a caller
	Loading bool
}

// ChangeListener receives change events on the goroutine that applied the
// change. Listeners must not call blocking group operations (Load, Reload,
// SaveImmediately, Import, Close): during loads they run on the scheduling
// context those operations wait for.
type ChangeListener func(ChangeEvent)

// GroupHook inspects or extends a group's sections. OnLoad hooks get a
// copy of the loaded model; OnSave hooks get the model about to be
// written and may add derived keys to it.
type GroupHook func(Sections)

// SettingsGroup is an in-memory model of one settings file
type SettingsGroup struct {
	engine *Engine
	name   string
	path   string
	kind   GroupKind

	mu       sync.RWMutex
	sections Sections
	fields   []fieldBinding
	index    map[string]fieldBinding
	onLoad   []GroupHook
	onSave   []GroupHook

	listenersMu  sync.Mutex
	listeners    map[uint64]ChangeListener
	nextListener uint64

	loading atomic.Bool
	loaded  atomic.Bool
	state   atomic.Int32
	// dirty marks a caller change made while loading was set
	dirty atomic.Bool
	// reloadGen identifies the current reload retry chain
	reloadGen atomic.Uint64

	guard    *LoopGuard
	saver    *Debouncer
	reloader *Debouncer
	handle   *WatchHandle

	// Hash of what we believe is on disk. Scheduling context only.
	persisted      uint64
	persistedKnown bool

	closeOnce sync.Once
	closeErr  error

	saves      atomic.Int64
	reloads    atomic.Int64
	suppressed atomic.Int64
	skipped    atomic.Int64
	failures   atomic.Int64
	unchanged  atomic.Int64
}

func newSettingsGroup(e *Engine, name, path string, kind GroupKind) *SettingsGroup {
	g := &SettingsGroup{
		engine:    e,
		name:      name,
		path:      path,
		kind:      kind,
		sections:  make(Sections),
		index:     make(map[string]fieldBinding),
		listeners: make(map[uint64]ChangeListener),
		guard:     NewLoopGuard(e.config.GuardWindow, e.config.Clock),
	}

	dispatch := WithDispatcher(e.scheduler.Post)
	g.saver = NewDebouncer(e.config.SaveDelay, func() {
		_ = g.save("debounced")
	}, dispatch)
	g.reloader = NewDebouncer(e.config.ReloadDelay, func() {
		g.reloadAttempt(g.reloadGen.Add(1), 0)
	}, dispatch)
	return g
}

// =============================================================================
// REGISTRATION
// =============================================================================

func (g *SettingsGroup) register(f fieldBinding) {
	g.mu.Lock()
	if _, exists := g.index[f.name()]; exists {
		g.mu.Unlock()
		panic(fmt.Sprintf("actools: field %s registered twice on %s", f.name(), g.name))
	}
	g.fields = append(g.fields, f)
	g.index[f.name()] = f
	var view Sections
	if g.loaded.Load() {
		view = g.sections.Clone()
	}
	g.mu.Unlock()

	// Late registration projects the already loaded model right away
	if view != nil {
		if f.isExternal() {
			g.restoreField(f)
		} else {
			f.load(view)
		}
	}
}

// OnLoad registers a hook run after every successful load
func (g *SettingsGroup) OnLoad(hook GroupHook) {
	g.mu.Lock()
	g.onLoad = append(g.onLoad, hook)
	g.mu.Unlock()
}

// OnSave registers a hook run before every write
func (g *SettingsGroup) OnSave(hook GroupHook) {
	g.mu.Lock()
	g.onSave = append(g.onSave, hook)
	g.mu.Unlock()
}

// Subscribe registers a change listener and returns its cancel function
func (g *SettingsGroup) Subscribe(listener ChangeListener) (cancel func()) {
	g.listenersMu.Lock()
	g.nextListener++
	id := g.nextListener
	g.listeners[id] = listener
	g.listenersMu.Unlock()

	return func() {
		g.listenersMu.Lock()
		delete(g.listeners, id)
		g.listenersMu.Unlock()
	}
}

// =============================================================================
// CHANGE PROPAGATION
// =============================================================================

// fieldChanged notifies listeners and decides whether the change persists
func (g *SettingsGroup) fieldChanged(f fieldBinding, encoded string, mode applyMode) {
	g.notify(ChangeEvent{
		Group:   g.name,
		Path:    g.path,
		Field:   f.name(),
		Value:   encoded,
		Loading: mode == applyLoading,
	})

	if mode == applyLoading {
		return
	}
	if f.isExternal() {
		g.persistExternal(f)
		return
	}
	g.requestSave()
}

// requestSave signals the saver. A change made while a load projects the
// model is deferred until the load ends.
func (g *SettingsGroup) requestSave() {
	if !g.loading.Load() {
		g.saver.Signal()
		return
	}
	g.dirty.Store(true)
	// The load may have finished between the two checks
	if !g.loading.Load() && g.dirty.Swap(false) {
		g.saver.Signal()
	}
}

func (g *SettingsGroup) notify(ev ChangeEvent) {
	g.listenersMu.Lock()
	if len(g.listeners) == 0 {
		g.listenersMu.Unlock()
		return
	}
	listeners := make([]ChangeListener, 0, len(g.listeners))
	for _, l := range g.listeners {
		listeners = append(listeners, l)
	}
	g.listenersMu.Unlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					g.engine.logger.Error("change listener panicked",
						"group", g.name, "field", ev.Field, "panic", r)
				}
			}()
			l(ev)
		}()
	}
}

// externalKey is the value store key of an external field
func (g *SettingsGroup) externalKey(f fieldBinding) string {
	section, key := f.location()
	return g.name + "/" + section + "/" + key
}

// persistExternal writes an external field to the value store on the
// scheduling context
func (g *SettingsGroup) persistExternal(f fieldBinding) {
	g.mu.RLock()
	encoded := f.encodeLocked()
	g.mu.RUnlock()
	storeKey := g.externalKey(f)

	write := func() {
		if err := g.engine.values.Set(storeKey, encoded); err != nil {
			g.engine.reportError(errors.Wrap(err, ErrCodeValueStore, "failed to persist external field").
				WithContext("key", storeKey), g.path)
		}
	}
	if !g.engine.scheduler.Post(write) {
		write()
	}
}

// restoreExternal projects every external field from the value store
func (g *SettingsGroup) restoreExternal() {
	g.mu.RLock()
	fields := append([]fieldBinding(nil), g.fields...)
	g.mu.RUnlock()

	for _, f := range fields {
		if f.isExternal() {
			g.restoreField(f)
		}
	}
}

func (g *SettingsGroup) restoreField(f fieldBinding) {
	storeKey := g.externalKey(f)
	raw, ok, err := g.engine.values.Get(storeKey)
	if err != nil {
		g.engine.reportError(errors.Wrap(err, ErrCodeValueStore, "failed to restore external field").
			WithContext("key", storeKey), g.path)
		return
	}
	if !ok {
		return
	}
	if _, err := f.setEncoded(raw, applyLoading); err != nil {
		g.engine.logger.Warn("ignoring invalid stored value", "key", storeKey, "error", err)
	}
}

// =============================================================================
// LOAD
// =============================================================================

// loadFromDisk reads and applies the backing file. Scheduling context only.
func (g *SettingsGroup) loadFromDisk() error {
	data, exists, err := g.engine.readFile(g.path)
	if err != nil {
		g.engine.reportError(err, g.path)
		return err
	}
	return g.loadBytes(data, exists, "load")
}

// loadBytes parses data and applies it. A malformed file leaves every
// field at its previous value; the next successful save overwrites it.
func (g *SettingsGroup) loadBytes(data []byte, exists bool, trigger string) error {
	parsed := make(Sections)
	if exists {
		var err error
		parsed, err = ParseSections(data)
		if err != nil {
			wrapped := errors.Wrap(err, ErrCodeMalformedData, "malformed settings file, keeping previous values").
				WithContext("path", g.path)
			g.failures.Add(1)
			g.engine.logger.Warn("malformed settings file", "group", g.name, "path", g.path, "error", err)
			g.engine.audit.LogGroupEvent("malformed_data", g.name, g.path, map[string]interface{}{
				"trigger": trigger,
				"error":   err.Error(),
			})
			g.engine.reportError(wrapped, g.path)
			return wrapped
		}
	}

	g.applySections(parsed, false)

	if exists {
		g.persisted = xxhash.Sum64(data)
		g.persistedKnown = true
	} else {
		g.persistedKnown = false
	}
	return nil
}

// applySections replaces the model and projects it into fields with the
// loading flag set, so nothing it does schedules a save. External fields
// take their value from parsed only when includeExternal is set; their
// keys never stay in the file model.
func (g *SettingsGroup) applySections(parsed Sections, includeExternal bool) {
	g.loading.Store(true)
	defer func() {
		g.loading.Store(false)
		if g.dirty.Swap(false) {
			g.saver.Signal()
		}
	}()

	g.mu.Lock()
	view := parsed.Clone()
	fields := append([]fieldBinding(nil), g.fields...)
	for _, f := range fields {
		if f.isExternal() {
			section, key := f.location()
			parsed.Delete(section, key)
		}
	}
	g.sections = parsed
	hooks := append([]GroupHook(nil), g.onLoad...)
	g.mu.Unlock()

	for _, f := range fields {
		if !f.isExternal() || includeExternal {
			f.load(view)
		}
	}
	for _, hook := range hooks {
		hook(view.Clone())
	}
	g.loaded.Store(true)
}

// =============================================================================
// SAVE
// =============================================================================

// snapshotLocked folds field values into the model and returns a copy
func (g *SettingsGroup) snapshotLocked(includeExternal bool) Sections {
	for _, f := range g.fields {
		section, key := f.location()
		if f.isExternal() {
			if !includeExternal {
				continue
			}
		} else {
			g.sections.Set(section, key, f.encodeLocked())
		}
	}
	snapshot := g.sections.Clone()
	if includeExternal {
		for _, f := range g.fields {
			if f.isExternal() {
				section, key := f.location()
				snapshot.Set(section, key, f.encodeLocked())
			}
		}
	}
	return snapshot
}

// save serializes the model and replaces the backing file. It runs on
// the scheduling context and re-checks its guards at fire time.
func (g *SettingsGroup) save(trigger string) error {
	if g.loading.Load() {
		g.skipped.Add(1)
		return nil
	}
	if g.State() == StateDisposed {
		return nil
	}
	g.setState(StateSaving)
	defer g.setState(StateIdle)

	g.mu.Lock()
	snapshot := g.snapshotLocked(false)
	hooks := append([]GroupHook(nil), g.onSave...)
	g.mu.Unlock()

	for _, hook := range hooks {
		hook(snapshot)
	}

	data := snapshot.Marshal()
	hash := xxhash.Sum64(data)
	if g.persistedKnown && hash == g.persisted {
		if onDisk, exists, err := g.engine.readFile(g.path); err == nil && exists && xxhash.Sum64(onDisk) == hash {
			g.unchanged.Add(1)
			return nil
		}
	}

	// Stamp before writing: the event our write provokes must be ours
	g.guard.Stamp()
	if err := g.engine.writeFile(g.path, data); err != nil {
		g.failures.Add(1)
		g.engine.logger.Warn("settings save failed", "group", g.name, "path", g.path, "error", err)
		g.engine.audit.LogGroupEvent("save_failed", g.name, g.path, map[string]interface{}{
			"trigger": trigger,
			"error":   err.Error(),
		})
		g.engine.reportError(err, g.path)
		return err
	}

	g.persisted = hash
	g.persistedKnown = true
	g.saves.Add(1)
	g.engine.audit.LogGroupEvent("group_saved", g.name, g.path, map[string]interface{}{
		"trigger": trigger,
		"bytes":   len(data),
	})
	g.engine.logger.Debug("settings saved", "group", g.name, "trigger", trigger, "bytes", len(data))
	return nil
}

// =============================================================================
// EXTERNAL CHANGES
// =============================================================================

// OnExternalChange is the registry callback. Events for other files of
// the directory and events inside the loop guard window are dropped; the
// rest signal the reload debouncer.
func (g *SettingsGroup) OnExternalChange(ev WatchEvent) {
	if !samePath(ev.Path, g.path) || g.State() == StateDisposed {
		return
	}
	if g.guard.ShouldIgnore(ev.Time) {
		g.suppressed.Add(1)
		return
	}
	g.reloader.Signal()
}

// reloadAttempt reads the file for a debounced reload. A read error means
// the external writer still holds the file: the attempt is re-posted after
// RetryInterval instead of sleeping on the scheduling context, up to
// ReadRetries times, then the cycle is skipped. A newer reload abandons
// the retries of an older one.
func (g *SettingsGroup) reloadAttempt(gen uint64, attempt int) {
	if g.State() == StateDisposed || gen != g.reloadGen.Load() {
		return
	}
	// The guard may have been stamped while the debouncer waited
	if g.guard.ShouldIgnore(g.engine.now()) {
		g.suppressed.Add(1)
		return
	}

	data, exists, err := g.engine.readFile(g.path)
	if err != nil {
		if attempt < g.engine.config.ReadRetries {
			time.AfterFunc(g.engine.config.RetryInterval, func() {
				g.engine.scheduler.Post(func() { g.reloadAttempt(gen, attempt+1) })
			})
			return
		}
		g.skipped.Add(1)
		g.engine.logger.Warn("settings file stayed locked, skipping reload",
			"group", g.name, "path", g.path, "attempts", attempt+1, "error", err)
		g.engine.audit.LogGroupEvent("reload_skipped", g.name, g.path, map[string]interface{}{
			"attempts": attempt + 1,
			"code":     ErrCodeTransientLock,
		})
		return
	}

	if !exists {
		// Deleted under us: keep values, the next save recreates the file
		g.persistedKnown = false
		return
	}
	if g.persistedKnown && xxhash.Sum64(data) == g.persisted {
		return
	}

	g.setState(StateReloading)
	if err := g.loadBytes(data, true, "reload"); err == nil {
		g.reloads.Add(1)
		g.engine.audit.LogGroupEvent("group_reloaded", g.name, g.path, nil)
	}
	g.setState(StateIdle)
}

// =============================================================================
// PUBLIC OPERATIONS
// =============================================================================

// Load re-reads the backing file synchronously. A missing file yields
// defaults; a malformed one is returned as ACTOOLS_MALFORMED_DATA.
func (g *SettingsGroup) Load(ctx context.Context) error {
	return g.runSync(ctx, func() error {
		g.setState(StateLoading)
		defer g.setState(StateIdle)
		if err := g.loadFromDisk(); err != nil {
			return err
		}
		g.restoreExternal()
		return nil
	})
}

// Reload re-reads the backing file now, ignoring the loop guard
func (g *SettingsGroup) Reload(ctx context.Context) error {
	g.reloader.Cancel()
	return g.runSync(ctx, func() error {
		g.reloadGen.Add(1)
		g.setState(StateReloading)
		defer g.setState(StateIdle)
		if err := g.loadFromDisk(); err != nil {
			return err
		}
		g.reloads.Add(1)
		return nil
	})
}

// Save schedules a debounced save
func (g *SettingsGroup) Save() {
	g.saver.Signal()
}

// SaveImmediately bypasses the debouncer and writes synchronously
func (g *SettingsGroup) SaveImmediately(ctx context.Context) error {
	g.saver.Cancel()
	return g.runSync(ctx, func() error {
		return g.save("immediate")
	})
}

// Export serializes every value of the group, external fields included,
// in the settings file format
func (g *SettingsGroup) Export() string {
	g.mu.Lock()
	snapshot := g.snapshotLocked(true)
	g.mu.Unlock()
	return string(snapshot.Marshal())
}

// Import replaces the whole model with blob, projects it without
// per-field save triggers and saves immediately. A blob that does not
// parse is returned as ACTOOLS_CODEC_FAILURE and changes nothing.
func (g *SettingsGroup) Import(ctx context.Context, blob string) error {
	parsed, err := ParseSections([]byte(blob))
	if err != nil {
		return errors.Wrap(err, ErrCodeCodecFailure, "failed to parse preset").
			WithContext("group", g.name)
	}

	g.saver.Cancel()
	return g.runSync(ctx, func() error {
		g.applySections(parsed, true)
		g.mu.RLock()
		fields := append([]fieldBinding(nil), g.fields...)
		g.mu.RUnlock()
		for _, f := range fields {
			if f.isExternal() {
				g.persistExternal(f)
			}
		}
		return g.save("import")
	})
}

// Value returns the encoded value at section/key
func (g *SettingsGroup) Value(section, key string) (string, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if f, ok := g.index[section+"/"+key]; ok {
		return f.encodeLocked(), true
	}
	return g.sections.Get(section, key)
}

// SetValue sets a raw value. Keys bound to a field go through the field's
// codec and coercion; other keys are stored verbatim.
func (g *SettingsGroup) SetValue(section, key, value string) (bool, error) {
	if err := validateLocation(section, key); err != nil {
		return false, err
	}

	g.mu.RLock()
	f, bound := g.index[section+"/"+key]
	g.mu.RUnlock()
	if bound {
		return f.setEncoded(value, applyUser)
	}

	value = sanitizeValue(value)
	g.mu.Lock()
	if current, ok := g.sections.Get(section, key); ok && current == value {
		g.mu.Unlock()
		return false, nil
	}
	g.sections.Set(section, key, value)
	g.mu.Unlock()

	g.notify(ChangeEvent{Group: g.name, Path: g.path, Field: section + "/" + key, Value: value})
	g.requestSave()
	return true, nil
}

// Sections returns a copy of the model with current field values
func (g *SettingsGroup) Sections() Sections {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.snapshotLocked(false)
}

// Fields returns the names of the registered fields
func (g *SettingsGroup) Fields() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	names := make([]string, len(g.fields))
	for i, f := range g.fields {
		names[i] = f.name()
	}
	return names
}

// Close flushes a pending save, stops both debouncers and releases the
// directory watch. The group is unusable afterwards.
func (g *SettingsGroup) Close() error {
	g.closeOnce.Do(func() {
		g.reloader.Stop()
		if err := g.engine.registry.Release(g.handle); err != nil {
			g.closeErr = err
		}

		if g.saver.Pending() {
			g.saver.Cancel()
			if err := g.runSync(context.Background(), func() error { return g.save("close") }); err != nil {
				g.closeErr = err
			}
		}
		g.saver.Stop()

		g.state.Store(int32(StateDisposed))
		g.engine.forget(g)
		g.engine.audit.LogGroupEvent("group_closed", g.name, g.path, nil)
	})
	return g.closeErr
}

func (g *SettingsGroup) runSync(ctx context.Context, fn func() error) error {
	if g.State() == StateDisposed {
		return errors.New(ErrCodeGroupClosed, "settings group is closed").
			WithContext("group", g.name)
	}
	var result error
	if err := g.engine.scheduler.Do(ctx, func() { result = fn() }); err != nil {
		return err
	}
	return result
}

// =============================================================================
// ACCESSORS
// =============================================================================

func (g *SettingsGroup) setState(s GroupState) {
	for {
		current := g.state.Load()
		if GroupState(current) == StateDisposed {
			return
		}
		if g.state.CompareAndSwap(current, int32(s)) {
			return
		}
	}
}

// State returns the lifecycle state
func (g *SettingsGroup) State() GroupState { return GroupState(g.state.Load()) }

// Name returns the name the group was created with
func (g *SettingsGroup) Name() string { return g.name }

// Path returns the absolute backing file path
func (g *SettingsGroup) Path() string { return g.path }

// Kind returns the root kind of the group
func (g *SettingsGroup) Kind() GroupKind { return g.kind }

// Guard returns the group's loop guard
func (g *SettingsGroup) Guard() *LoopGuard { return g.guard }

// IsLoading reports whether a load projection is in progress
func (g *SettingsGroup) IsLoading() bool { return g.loading.Load() }

// Watched reports whether live reload is active for the group
func (g *SettingsGroup) Watched() bool {
	return g.handle != nil && g.engine.registry.Watching(g.handle.Dir())
}

// Stats returns persistence counters
func (g *SettingsGroup) Stats() map[string]int64 {
	g.mu.RLock()
	fields := int64(len(g.fields))
	g.mu.RUnlock()
	return map[string]int64{
		"fields":       fields,
		"saves":        g.saves.Load(),
		"reloads":      g.reloads.Load(),
		"suppressed":   g.suppressed.Load(),
		"skipped":      g.skipped.Load(),
		"failures":     g.failures.Load(),
		"unchanged":    g.unchanged.Load(),
		"guard_stamps": g.guard.Stamps(),
		"save_runs":    g.saver.Runs(),
		"reload_runs":  g.reloader.Runs(),
	}
}
