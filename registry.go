// registry.go: one native directory watch per directory, shared by subscribers
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package actools

import (
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agilira/go-errors"
	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/go-multierror"
)

// watchedOps are the raw operations forwarded to subscribers
const watchedOps = fsnotify.Create | fsnotify.Write | fsnotify.Remove | fsnotify.Rename

// WatchEvent is a raw change notification for a file inside a watched
// directory. Subscribers filter by Path themselves.
type WatchEvent struct {
	Path string
	Op   fsnotify.Op
	Time time.Time
}

// WatchCallback receives watch events on the scheduling context
type WatchCallback func(WatchEvent)

// RegistryOptions configures a DirectoryRegistry
type RegistryOptions struct {
	// Post hands event dispatch to the scheduling context.
	// If nil, subscribers are called on the watcher goroutine.
	Post func(func()) bool

	// Clock stamps events. Default: time.Now
	Clock func() time.Time

	// Logger receives watch warnings. Default: slog.Default()
	Logger *slog.Logger

	// Audit records watch lifecycle events. May be nil.
	Audit *AuditLogger
}

// WatchHandle identifies one subscription returned by Acquire
type WatchHandle struct {
	dir      string
	key      string
	id       uint64
	released atomic.Bool
}

// Dir returns the watched directory
func (h *WatchHandle) Dir() string { return h.dir }

type subscriber struct {
	id       uint64
	callback WatchCallback
}

// watchEntry exists only while at least one subscriber holds it
type watchEntry struct {
	dir       string
	watcher   *fsnotify.Watcher
	subs      []subscriber
	degraded  bool
	openError error
}

// DirectoryRegistry deduplicates directory watches: however many settings
// files live in a directory, one fsnotify watcher serves them all.
// Watches are not recursive; a subscriber sees events for files directly
// inside the directory it acquired.
type DirectoryRegistry struct {
	mu      sync.Mutex
	entries map[string]*watchEntry
	nextID  uint64
	closed  bool

	// degradedLogged keeps the "no live reload" warning to once per directory
	degradedLogged map[string]bool

	post   func(func()) bool
	clock  func() time.Time
	logger *slog.Logger
	audit  *AuditLogger

	nativeOpened   atomic.Int64
	nativeClosed   atomic.Int64
	eventsReceived atomic.Int64
	watchErrors    atomic.Int64
	pumps          sync.WaitGroup
}

// NewDirectoryRegistry creates an empty registry
func NewDirectoryRegistry(opts RegistryOptions) *DirectoryRegistry {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &DirectoryRegistry{
		entries:        make(map[string]*watchEntry),
		degradedLogged: make(map[string]bool),
		post:           opts.Post,
		clock:          opts.Clock,
		logger:         opts.Logger,
		audit:          opts.Audit,
	}
}

// Acquire subscribes callback to changes inside dir. The first subscriber
// of a directory opens the native watch, creating the directory if it is
// missing. When no watch can be opened the subscription still succeeds in
// degraded mode: the callback is never called and nothing polls.
func (r *DirectoryRegistry) Acquire(dir string, callback WatchCallback) (*WatchHandle, error) {
	if callback == nil {
		return nil, errors.New(ErrCodeWatchFailed, "watch callback cannot be nil")
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, errors.Wrap(err, ErrCodeInvalidPath, "invalid watch directory").
			WithContext("dir", dir)
	}
	key := canonicalPath(absDir)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, errors.New(ErrCodeEngineClosed, "directory registry is closed")
	}

	entry, exists := r.entries[key]
	if !exists {
		entry = r.openLocked(absDir, key)
		r.entries[key] = entry
	}

	r.nextID++
	handle := &WatchHandle{dir: absDir, key: key, id: r.nextID}
	entry.subs = append(entry.subs, subscriber{id: handle.id, callback: callback})
	return handle, nil
}

// openLocked creates the entry and its native watch
func (r *DirectoryRegistry) openLocked(dir, key string) *watchEntry {
	entry := &watchEntry{dir: dir}

	watcher, err := openWatcher(dir)
	if err != nil {
		// Missing directory: create it and retry once
		if mkErr := os.MkdirAll(dir, 0750); mkErr == nil {
			watcher, err = openWatcher(dir)
		} else {
			err = mkErr
		}
	}

	if err != nil {
		entry.degraded = true
		entry.openError = err
		r.watchErrors.Add(1)
		if !r.degradedLogged[key] {
			r.degradedLogged[key] = true
			r.logger.Warn("directory watch unavailable, live reload disabled",
				"dir", dir, "error", err)
			r.audit.LogWatch("watch_degraded", dir)
		}
		return entry
	}

	entry.watcher = watcher
	r.nativeOpened.Add(1)
	r.audit.LogWatch("watch_opened", dir)

	r.pumps.Add(1)
	go r.pump(key, entry, watcher)
	return entry
}

func openWatcher(dir string) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	return watcher, nil
}

// pump forwards native events onto the scheduling context. It never
// touches group state itself.
func (r *DirectoryRegistry) pump(key string, entry *watchEntry, watcher *fsnotify.Watcher) {
	defer r.pumps.Done()
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			r.eventsReceived.Add(1)
			ev := WatchEvent{Path: event.Name, Op: event.Op & watchedOps, Time: r.clock()}
			if r.post == nil {
				r.dispatch(key, entry, ev)
				continue
			}
			r.post(func() { r.dispatch(key, entry, ev) })

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			r.watchErrors.Add(1)
			r.logger.Warn("directory watch error", "dir", entry.dir, "error", err)
		}
	}
}

// dispatch calls every current subscriber of the entry. Subscribers are
// copied under the lock and called outside it so callbacks may Acquire or
// Release.
func (r *DirectoryRegistry) dispatch(key string, entry *watchEntry, ev WatchEvent) {
	r.mu.Lock()
	if current, ok := r.entries[key]; !ok || current != entry {
		r.mu.Unlock()
		return
	}
	subs := make([]subscriber, len(entry.subs))
	copy(subs, entry.subs)
	r.mu.Unlock()

	for _, sub := range subs {
		r.invoke(sub, ev)
	}
}

func (r *DirectoryRegistry) invoke(sub subscriber, ev WatchEvent) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("watch subscriber panicked", "path", ev.Path, "panic", rec)
		}
	}()
	sub.callback(ev)
}

// Release drops one subscription. The last release of a directory closes
// its native watch. Releasing twice is a no-op.
func (r *DirectoryRegistry) Release(handle *WatchHandle) error {
	if handle == nil || !handle.released.CompareAndSwap(false, true) {
		return nil
	}

	r.mu.Lock()
	entry, ok := r.entries[handle.key]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	for i, sub := range entry.subs {
		if sub.id == handle.id {
			entry.subs = append(entry.subs[:i], entry.subs[i+1:]...)
			break
		}
	}
	if len(entry.subs) > 0 {
		r.mu.Unlock()
		return nil
	}
	delete(r.entries, handle.key)
	r.mu.Unlock()

	return r.closeEntry(entry)
}

// closeEntry disposes the native watch outside the registry lock
func (r *DirectoryRegistry) closeEntry(entry *watchEntry) error {
	if entry.watcher == nil {
		return nil
	}
	r.nativeClosed.Add(1)
	r.audit.LogWatch("watch_released", entry.dir)
	if err := entry.watcher.Close(); err != nil {
		return errors.Wrap(err, ErrCodeWatchFailed, "failed to close directory watch").
			WithContext("dir", entry.dir)
	}
	return nil
}

// Subscribers returns the subscriber count for dir, 0 if not watched
func (r *DirectoryRegistry) Subscribers(dir string) int {
	entry := r.lookup(dir)
	if entry == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(entry.subs)
}

// Watching reports whether dir has a live native watch
func (r *DirectoryRegistry) Watching(dir string) bool {
	entry := r.lookup(dir)
	return entry != nil && entry.watcher != nil
}

// Degraded reports whether dir is subscribed without live reload
func (r *DirectoryRegistry) Degraded(dir string) bool {
	entry := r.lookup(dir)
	return entry != nil && entry.degraded
}

// Directories returns the subscribed directories in sorted order
func (r *DirectoryRegistry) Directories() []string {
	r.mu.Lock()
	dirs := make([]string, 0, len(r.entries))
	for _, entry := range r.entries {
		dirs = append(dirs, entry.dir)
	}
	r.mu.Unlock()
	sort.Strings(dirs)
	return dirs
}

func (r *DirectoryRegistry) lookup(dir string) *watchEntry {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries[canonicalPath(absDir)]
}

// Stats returns registry counters
func (r *DirectoryRegistry) Stats() map[string]int64 {
	r.mu.Lock()
	var live, subs, degraded int64
	for _, entry := range r.entries {
		if entry.watcher != nil {
			live++
		}
		if entry.degraded {
			degraded++
		}
		subs += int64(len(entry.subs))
	}
	r.mu.Unlock()

	return map[string]int64{
		"directories":     live + degraded,
		"native_watches":  live,
		"degraded":        degraded,
		"subscribers":     subs,
		"native_opened":   r.nativeOpened.Load(),
		"native_closed":   r.nativeClosed.Load(),
		"events_received": r.eventsReceived.Load(),
		"watch_errors":    r.watchErrors.Load(),
	}
}

// Close disposes every native watch and rejects further Acquire calls
func (r *DirectoryRegistry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	entries := r.entries
	r.entries = make(map[string]*watchEntry)
	r.mu.Unlock()

	var result *multierror.Error
	for _, entry := range entries {
		if err := r.closeEntry(entry); err != nil {
			result = multierror.Append(result, err)
		}
	}
	r.pumps.Wait()
	return result.ErrorOrNil()
}
