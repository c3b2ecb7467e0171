// helpers_test.go: shared test utilities
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
	"strings"
	"sync"
	"testing"
	"time"
)

// Fast timings for tests
const (
	testSaveDelay   = 50 * time.Millisecond
	testReloadDelay = 30 * time.Millisecond
	testGuardWindow = 150 * time.Millisecond
	testTimeout     = 3 * time.Second
)

// testConfig returns an engine configuration rooted at a fresh temp
// directory with fast timings and a silent logger
func testConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		UserDir:       t.TempDir(),
		SaveDelay:     testSaveDelay,
		ReloadDelay:   testReloadDelay,
		GuardWindow:   testGuardWindow,
		ReadRetries:   3,
		RetryInterval: 20 * time.Millisecond,
		Clock:         time.Now,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// newTestEngine creates an engine closed at test end
func newTestEngine(t *testing.T, config Config) *Engine {
	t.Helper()
	engine, err := New(config)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	t.Cleanup(func() {
		if err := engine.Close(); err != nil {
			t.Logf("Failed to close engine: %v", err)
		}
	})
	return engine
}

// waitFor polls cond until it holds or the timeout expires
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

// writeTestFile writes content to dir/name and returns the path
func writeTestFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		t.Fatalf("Failed to create directory: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write %s: %v", path, err)
	}
	return path
}

// readTestFile returns the content of path, or "" when missing
func readTestFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ""
		}
		t.Fatalf("Failed to read %s: %v", path, err)
	}
	return string(data)
}

// errorRecorder collects errors passed to Config.ErrorHandler
type errorRecorder struct {
	mu     sync.Mutex
	errors []error
}

func (r *errorRecorder) handle(err error, _ string) {
	r.mu.Lock()
	r.errors = append(r.errors, err)
	r.mu.Unlock()
}

func (r *errorRecorder) count(code string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, err := range r.errors {
		if HasErrorCode(err, code) {
			n++
		}
	}
	return n
}

// containsLine reports whether content has a line equal to line
func containsLine(content, line string) bool {
	for _, l := range strings.Split(strings.ReplaceAll(content, "\r\n", "\n"), "\n") {
		if strings.TrimSpace(l) == line {
			return true
		}
	}
	return false
}
