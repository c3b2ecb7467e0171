// utilities_test.go: tests of the one-file helpers
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package actools

import (
	"os"
	"path/filepath"
	"testing"
)

func TestOpenFile(t *testing.T) {
	dir := t.TempDir()
	path := writeTestFile(t, dir, "race.ini", "[RACE]\nLAPS=12\n")

	cfg := testConfig(t)
	cfg.UserDir = ""
	var laps *Field[int]
	engine, group, err := OpenFile(path, cfg, func(g *SettingsGroup) {
		laps = IntField(g, "RACE", "LAPS", 5, Clamp(1, 999))
	})
	if err != nil {
		t.Fatalf("OpenFile failed: %v", err)
	}
	defer func() { _ = engine.Close() }()

	if laps.Get() != 12 {
		t.Errorf("LAPS = %d, expected 12", laps.Get())
	}
	if group.Path() != path {
		t.Errorf("Group path %s, expected %s", group.Path(), path)
	}
	if engine.Config().UserDir != dir {
		t.Errorf("UserDir defaulted to %s, expected %s", engine.Config().UserDir, dir)
	}
}

func TestOpenFile_RejectsUnsafePath(t *testing.T) {
	if _, _, err := OpenFile("../../etc/passwd", testConfig(t), nil); !HasErrorCode(err, ErrCodeInvalidPath) {
		t.Errorf("Expected %s, got %v", ErrCodeInvalidPath, err)
	}
}

func TestReadWriteSettingsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "video.ini")

	sections, err := ReadSettingsFile(path)
	if err != nil || len(sections) != 0 {
		t.Fatalf("Missing file should read as empty, got %v, %v", sections, err)
	}

	sections.Set("VIDEO", "FULLSCREEN", "1")
	sections.Set("VIDEO", "WIDTH", "2560")
	if err := WriteSettingsFile(path, sections); err != nil {
		t.Fatalf("WriteSettingsFile failed: %v", err)
	}

	read, err := ReadSettingsFile(path)
	if err != nil {
		t.Fatalf("ReadSettingsFile failed: %v", err)
	}
	if !read.Equal(sections) {
		t.Errorf("Read back %v, wrote %v", read, sections)
	}

	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("Atomic write left temporary files: %v", entries)
	}

	writeTestFile(t, dir, "broken.ini", "[VIDEO\n")
	if _, err := ReadSettingsFile(filepath.Join(dir, "broken.ini")); !HasErrorCode(err, ErrCodeMalformedData) {
		t.Errorf("Expected %s, got %v", ErrCodeMalformedData, err)
	}
}
