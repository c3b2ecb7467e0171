// preset_test.go: tests of preset export, import and the preset library
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package actools

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
)

func TestPresetLibrary_Workflow(t *testing.T) {
	engine := newTestEngine(t, testConfig(t))
	g, maxSize := replayGroup(t, engine)
	ctx := context.Background()

	lib, err := NewPresetLibrary(filepath.Join(t.TempDir(), "presets"))
	if err != nil {
		t.Fatalf("NewPresetLibrary failed: %v", err)
	}

	maxSize.Set(1500)
	path, err := lib.Save("long", g)
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if filepath.Base(path) != "long"+PresetExtension {
		t.Errorf("Unexpected preset file %s", path)
	}

	maxSize.Set(50)
	if _, err := lib.Save("short", g); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	names, err := lib.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if strings.Join(names, ",") != "long,short" {
		t.Errorf("List() = %v", names)
	}

	if err := lib.Apply(ctx, "long", g); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if maxSize.Get() != 1500 {
		t.Errorf("Apply did not restore the preset, got %d", maxSize.Get())
	}
	if content := readTestFile(t, g.Path()); !containsLine(content, "MAX_SIZE=1500") {
		t.Errorf("Applied preset not saved:\n%s", content)
	}

	if err := lib.Delete("short"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := lib.Delete("short"); !HasErrorCode(err, ErrCodePresetNotFound) {
		t.Errorf("Expected %s deleting twice, got %v", ErrCodePresetNotFound, err)
	}
	if _, err := lib.Load("short"); !HasErrorCode(err, ErrCodePresetNotFound) {
		t.Errorf("Expected %s loading a deleted preset, got %v", ErrCodePresetNotFound, err)
	}
	if err := lib.Apply(ctx, "short", g); !HasErrorCode(err, ErrCodePresetNotFound) {
		t.Errorf("Expected %s applying a deleted preset, got %v", ErrCodePresetNotFound, err)
	}
}

func TestPresetLibrary_Store(t *testing.T) {
	lib, err := NewPresetLibrary(t.TempDir())
	if err != nil {
		t.Fatalf("NewPresetLibrary failed: %v", err)
	}

	if _, err := lib.Store("ok", "[REPLAY]\nMAX_SIZE=300\n"); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	blob, err := lib.Load("ok")
	if err != nil || !containsLine(blob, "MAX_SIZE=300") {
		t.Errorf("Load = %q, %v", blob, err)
	}

	if _, err := lib.Store("bad", "[REPLAY\n"); !HasErrorCode(err, ErrCodeCodecFailure) {
		t.Errorf("Expected %s for an invalid blob, got %v", ErrCodeCodecFailure, err)
	}
	if names, _ := lib.List(); strings.Join(names, ",") != "ok" {
		t.Errorf("Rejected blob was stored: %v", names)
	}
}

func TestPresetLibrary_RejectsUnsafeNames(t *testing.T) {
	lib, err := NewPresetLibrary(t.TempDir())
	if err != nil {
		t.Fatalf("NewPresetLibrary failed: %v", err)
	}

	for _, name := range []string{"", " ", "a/b", `a\b`, "..", ".hidden", "c:evil", "NUL"} {
		if _, err := lib.Path(name); !HasErrorCode(err, ErrCodeInvalidPath) {
			t.Errorf("Path(%q) = %v, expected %s", name, err, ErrCodeInvalidPath)
		}
	}
}

func TestPresetCodec_ImportFailureLeavesGroupUntouched(t *testing.T) {
	engine := newTestEngine(t, testConfig(t))
	g, maxSize := replayGroup(t, engine)
	maxSize.Set(333)

	err := PresetCodec{}.Import(context.Background(), g, "not a settings file")
	if !HasErrorCode(err, ErrCodeCodecFailure) {
		t.Fatalf("Expected %s, got %v", ErrCodeCodecFailure, err)
	}
	if maxSize.Get() != 333 {
		t.Errorf("Failed import changed the value to %d", maxSize.Get())
	}
}
