// audit_test.go: tests of the audit trail and its backends
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package actools

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func auditConfigFor(path string) AuditConfig {
	return AuditConfig{
		Enabled:       true,
		OutputFile:    path,
		MinLevel:      AuditInfo,
		BufferSize:    100,
		FlushInterval: 0,
	}
}

func TestAuditLogger_Disabled(t *testing.T) {
	logger, err := NewAuditLogger(AuditConfig{})
	if err != nil {
		t.Fatalf("NewAuditLogger failed: %v", err)
	}
	if logger.Enabled() {
		t.Error("Zero config should disable auditing")
	}
	logger.LogGroupEvent("group_saved", "replay.ini", "/tmp/replay.ini", nil)
	if logger.Stats()["logged"] != 0 {
		t.Error("Disabled logger recorded an event")
	}
	if err := logger.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}

	var nilLogger *AuditLogger
	nilLogger.Log(AuditInfo, "x", "", "", nil)
	if nilLogger.Enabled() {
		t.Error("nil logger reports enabled")
	}
	if err := nilLogger.Close(); err != nil {
		t.Errorf("nil Close returned %v", err)
	}
}

func TestAuditLogger_JSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	logger, err := NewAuditLogger(auditConfigFor(path))
	if err != nil {
		t.Fatalf("NewAuditLogger failed: %v", err)
	}
	logger.SetSession("session-1")

	logger.LogGroupEvent("group_saved", "replay.ini", "/settings/replay.ini", map[string]interface{}{"bytes": 42})
	logger.LogGroupEvent("malformed_data", "video.ini", "/settings/video.ini", nil)
	logger.LogWatch("watch_degraded", "/settings")

	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("Failed to open audit file: %v", err)
	}
	defer func() { _ = file.Close() }()

	var events []AuditEvent
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var ev AuditEvent
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			t.Fatalf("Invalid JSON line %q: %v", scanner.Text(), err)
		}
		events = append(events, ev)
	}
	if len(events) != 3 {
		t.Fatalf("Expected 3 events, got %d", len(events))
	}
	if events[0].Session != "session-1" || events[0].Group != "replay.ini" || events[0].Checksum == "" {
		t.Errorf("Unexpected first event %+v", events[0])
	}
	if events[1].Level != AuditWarn || events[2].Level != AuditWarn {
		t.Errorf("Failures should be recorded as warnings: %v %v", events[1].Level, events[2].Level)
	}

	stats, err := ReadAuditStats(path)
	if err != nil {
		t.Fatalf("ReadAuditStats failed: %v", err)
	}
	if stats.TotalEvents != 3 || stats.EventsByLevel["WARN"] != 2 || stats.Sessions != 1 {
		t.Errorf("Unexpected stats %+v", stats)
	}
}

func TestAuditLogger_SQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	logger, err := NewAuditLogger(auditConfigFor(path))
	if err != nil {
		t.Fatalf("NewAuditLogger failed: %v", err)
	}
	logger.SetSession("s")

	for i := 0; i < 5; i++ {
		logger.LogGroupEvent("group_saved", "replay.ini", "/settings/replay.ini", map[string]interface{}{"n": i})
	}
	logger.LogGroupEvent("reload_skipped", "replay.ini", "/settings/replay.ini", nil)
	if err := logger.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if logger.Stats()["flushed"] != 6 {
		t.Errorf("Expected 6 flushed events, got %d", logger.Stats()["flushed"])
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	stats, err := ReadAuditStats(path)
	if err != nil {
		t.Fatalf("ReadAuditStats failed: %v", err)
	}
	if stats.TotalEvents != 6 {
		t.Errorf("TotalEvents = %d, expected 6", stats.TotalEvents)
	}
	if stats.EventsByName["group_saved"] != 5 || stats.EventsByName["reload_skipped"] != 1 {
		t.Errorf("EventsByName = %v", stats.EventsByName)
	}
	if stats.EventsByGroup["replay.ini"] != 6 {
		t.Errorf("EventsByGroup = %v", stats.EventsByGroup)
	}
	if stats.SchemaVersion == 0 {
		t.Error("Schema version not recorded")
	}
}

func TestAuditLogger_MinLevel(t *testing.T) {
	cfg := auditConfigFor(filepath.Join(t.TempDir(), "audit.jsonl"))
	cfg.MinLevel = AuditWarn
	logger, err := NewAuditLogger(cfg)
	if err != nil {
		t.Fatalf("NewAuditLogger failed: %v", err)
	}
	defer func() { _ = logger.Close() }()

	logger.LogGroupEvent("group_saved", "g", "p", nil)
	logger.LogGroupEvent("save_failed", "g", "p", nil)
	if logger.Stats()["logged"] != 1 {
		t.Errorf("Expected only the warning to be logged, got %d", logger.Stats()["logged"])
	}
}

func TestAuditLogger_BufferFlushesWhenFull(t *testing.T) {
	cfg := auditConfigFor(filepath.Join(t.TempDir(), "audit.jsonl"))
	cfg.BufferSize = 2
	logger, err := NewAuditLogger(cfg)
	if err != nil {
		t.Fatalf("NewAuditLogger failed: %v", err)
	}
	defer func() { _ = logger.Close() }()

	logger.LogGroupEvent("a", "", "", nil)
	logger.LogGroupEvent("b", "", "", nil)
	logger.LogGroupEvent("c", "", "", nil)

	stats := logger.Stats()
	if stats["flushed"] != 2 || stats["buffered"] != 1 {
		t.Errorf("Unexpected buffer stats %v", stats)
	}
}

func TestReadAuditStats_Missing(t *testing.T) {
	if _, err := ReadAuditStats(filepath.Join(t.TempDir(), "none.db")); err == nil {
		t.Error("Expected an error for a missing audit store")
	}
}

func TestParseAuditLevel(t *testing.T) {
	tests := []struct {
		name  string
		level AuditLevel
		ok    bool
	}{
		{"info", AuditInfo, true},
		{"WARNING", AuditWarn, true},
		{"error", AuditCritical, true},
		{"CRITICAL", AuditCritical, true},
		{"loud", AuditInfo, false},
	}
	for _, tt := range tests {
		level, ok := ParseAuditLevel(tt.name)
		if level != tt.level || ok != tt.ok {
			t.Errorf("ParseAuditLevel(%q) = %v, %v", tt.name, level, ok)
		}
	}
	if AuditLevel(9).String() != "UNKNOWN" {
		t.Error("Unknown level should print UNKNOWN")
	}
}

func TestEngine_AuditsGroupLifecycle(t *testing.T) {
	cfg := testConfig(t)
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	cfg.Audit = auditConfigFor(path)
	engine, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	var maxSize *Field[int]
	_, err = engine.NewGroup("replay.ini", KindUser, func(g *SettingsGroup) {
		maxSize = IntField(g, "REPLAY", "MAX_SIZE", 200)
	})
	if err != nil {
		t.Fatalf("NewGroup failed: %v", err)
	}
	maxSize.Set(300)
	if err := engine.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	stats, err := ReadAuditStats(path)
	if err != nil {
		t.Fatalf("ReadAuditStats failed: %v", err)
	}
	for _, event := range []string{"group_opened", "group_saved", "group_closed"} {
		if stats.EventsByName[event] == 0 {
			t.Errorf("Missing %s audit event, got %v", event, stats.EventsByName)
		}
	}
	if stats.Sessions != 1 {
		t.Errorf("Expected one session, got %d", stats.Sessions)
	}
}
