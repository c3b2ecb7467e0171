// registry_test.go: tests of shared directory watches
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package actools

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
)

func newTestRegistry(t *testing.T) *DirectoryRegistry {
	t.Helper()
	r := NewDirectoryRegistry(RegistryOptions{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	t.Cleanup(func() {
		if err := r.Close(); err != nil {
			t.Logf("Failed to close registry: %v", err)
		}
	})
	return r
}

func TestRegistry_SharesOneWatchPerDirectory(t *testing.T) {
	r := newTestRegistry(t)
	dir := t.TempDir()

	h1, err := r.Acquire(dir, func(WatchEvent) {})
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	h2, err := r.Acquire(dir, func(WatchEvent) {})
	if err != nil {
		t.Fatalf("Second Acquire failed: %v", err)
	}

	if got := r.Subscribers(dir); got != 2 {
		t.Errorf("Subscribers = %d, expected 2", got)
	}
	if got := r.Stats()["native_opened"]; got != 1 {
		t.Errorf("Expected one native watch for two subscribers, got %d", got)
	}

	if err := r.Release(h1); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if !r.Watching(dir) {
		t.Error("Watch closed while a subscriber remains")
	}

	if err := r.Release(h2); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if r.Watching(dir) {
		t.Error("Watch still open after the last release")
	}
	if got := r.Stats()["native_closed"]; got != 1 {
		t.Errorf("Expected native watch closed once, got %d", got)
	}
	if len(r.Directories()) != 0 {
		t.Errorf("Registry still tracks %v", r.Directories())
	}
}

func TestRegistry_ReleaseIsIdempotent(t *testing.T) {
	r := newTestRegistry(t)
	dir := t.TempDir()

	h1, _ := r.Acquire(dir, func(WatchEvent) {})
	h2, _ := r.Acquire(dir, func(WatchEvent) {})

	_ = r.Release(h1)
	_ = r.Release(h1)
	if got := r.Subscribers(dir); got != 1 {
		t.Fatalf("Double release dropped another subscriber, %d left", got)
	}
	_ = r.Release(h2)
	if err := r.Release(nil); err != nil {
		t.Errorf("Release(nil) returned %v", err)
	}
}

func TestRegistry_ReacquireOpensNewWatch(t *testing.T) {
	r := newTestRegistry(t)
	dir := t.TempDir()

	h, _ := r.Acquire(dir, func(WatchEvent) {})
	_ = r.Release(h)
	h, err := r.Acquire(dir, func(WatchEvent) {})
	if err != nil {
		t.Fatalf("Re-acquire failed: %v", err)
	}
	defer func() { _ = r.Release(h) }()

	if got := r.Stats()["native_opened"]; got != 2 {
		t.Errorf("Expected a fresh native watch, opened %d", got)
	}
}

func TestRegistry_DeliversEventsToAllSubscribers(t *testing.T) {
	r := newTestRegistry(t)
	dir := t.TempDir()
	target := filepath.Join(dir, "race.ini")

	var mu sync.Mutex
	seen := map[int]bool{}
	for i := 0; i < 2; i++ {
		i := i
		if _, err := r.Acquire(dir, func(ev WatchEvent) {
			if samePath(ev.Path, target) {
				mu.Lock()
				seen[i] = true
				mu.Unlock()
			}
		}); err != nil {
			t.Fatalf("Acquire failed: %v", err)
		}
	}

	writeTestFile(t, dir, "race.ini", "[RACE]\nLAPS=5\n")

	waitFor(t, testTimeout, "both subscribers notified", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen[0] && seen[1]
	})
}

func TestRegistry_CreatesMissingDirectory(t *testing.T) {
	r := newTestRegistry(t)
	dir := filepath.Join(t.TempDir(), "not", "yet", "there")

	h, err := r.Acquire(dir, func(WatchEvent) {})
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer func() { _ = r.Release(h) }()

	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		t.Fatalf("Missing directory was not created: %v", err)
	}
	if !r.Watching(dir) {
		t.Error("Created directory is not watched")
	}
}

func TestRegistry_DegradedModeStillSubscribes(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("relies on a regular file blocking directory creation")
	}
	r := newTestRegistry(t)
	blocker := writeTestFile(t, t.TempDir(), "file", "x")
	dir := filepath.Join(blocker, "sub")

	var called atomic.Bool
	h, err := r.Acquire(dir, func(WatchEvent) { called.Store(true) })
	if err != nil {
		t.Fatalf("Degraded Acquire should succeed, got %v", err)
	}
	if !r.Degraded(dir) {
		t.Error("Expected the directory to be degraded")
	}
	if r.Watching(dir) {
		t.Error("Degraded directory reported as watched")
	}
	if got := r.Stats()["degraded"]; got != 1 {
		t.Errorf("Expected 1 degraded directory, got %d", got)
	}
	if err := r.Release(h); err != nil {
		t.Errorf("Release of degraded entry failed: %v", err)
	}
	if called.Load() {
		t.Error("Degraded subscriber was called")
	}
}

func TestRegistry_SubscriberPanicIsContained(t *testing.T) {
	r := newTestRegistry(t)
	dir := t.TempDir()

	var delivered atomic.Bool
	_, _ = r.Acquire(dir, func(WatchEvent) { panic("subscriber") })
	_, _ = r.Acquire(dir, func(WatchEvent) { delivered.Store(true) })

	writeTestFile(t, dir, "a.ini", "A=1\n")
	waitFor(t, testTimeout, "second subscriber despite panic", delivered.Load)
}

func TestRegistry_NilCallbackAndClosed(t *testing.T) {
	r := NewDirectoryRegistry(RegistryOptions{})
	if _, err := r.Acquire(t.TempDir(), nil); !HasErrorCode(err, ErrCodeWatchFailed) {
		t.Errorf("Expected %s for nil callback, got %v", ErrCodeWatchFailed, err)
	}

	_, _ = r.Acquire(t.TempDir(), func(WatchEvent) {})
	if err := r.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := r.Acquire(t.TempDir(), func(WatchEvent) {}); !HasErrorCode(err, ErrCodeEngineClosed) {
		t.Errorf("Expected %s after Close, got %v", ErrCodeEngineClosed, err)
	}
	if got := r.Stats()["directories"]; got != 0 {
		t.Errorf("Closed registry still tracks %d directories", got)
	}
}
