// engine_test.go: tests of engine lifecycle and path resolution
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package actools

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestEngine_ResolvePath(t *testing.T) {
	cfg := testConfig(t)
	cfg.InstallDir = t.TempDir()
	engine := newTestEngine(t, cfg)

	userPath, err := engine.ResolvePath(KindUser, "cfg/replay.ini")
	if err != nil {
		t.Fatalf("ResolvePath failed: %v", err)
	}
	if userPath != filepath.Join(cfg.UserDir, "cfg", "replay.ini") {
		t.Errorf("User path = %s", userPath)
	}

	installPath, err := engine.ResolvePath(KindInstall, "system/cfg/assetto_corsa.ini")
	if err != nil {
		t.Fatalf("ResolvePath failed: %v", err)
	}
	if installPath != filepath.Join(cfg.InstallDir, "system", "cfg", "assetto_corsa.ini") {
		t.Errorf("Install path = %s", installPath)
	}

	for _, name := range []string{"", "../escape.ini", "a/%2e%2e/b.ini", "CON", "file.ini:stream", "bad\x00.ini"} {
		if _, err := engine.ResolvePath(KindUser, name); !HasErrorCode(err, ErrCodeInvalidPath) {
			t.Errorf("ResolvePath(%q) = %v, expected %s", name, err, ErrCodeInvalidPath)
		}
	}
}

func TestEngine_GroupsAndLookup(t *testing.T) {
	engine := newTestEngine(t, testConfig(t))

	for _, name := range []string{"video.ini", "audio.ini", "replay.ini"} {
		if _, err := engine.NewGroup(name, KindUser, nil); err != nil {
			t.Fatalf("NewGroup(%s) failed: %v", name, err)
		}
	}

	groups := engine.Groups()
	if len(groups) != 3 {
		t.Fatalf("Expected 3 groups, got %d", len(groups))
	}
	if groups[0].Name() != "audio.ini" || groups[2].Name() != "video.ini" {
		t.Errorf("Groups not ordered by path: %s, %s, %s", groups[0].Name(), groups[1].Name(), groups[2].Name())
	}

	g, ok := engine.Group("replay.ini", KindUser)
	if !ok || g.Kind() != KindUser {
		t.Error("Group lookup failed")
	}
	if !g.Watched() {
		t.Error("Group opened without live reload")
	}
	if got := engine.Registry().Subscribers(filepath.Dir(g.Path())); got != 3 {
		t.Errorf("Expected 3 subscribers on the shared directory, got %d", got)
	}
	if engine.SessionID() == "" {
		t.Error("Engine has no session id")
	}
}

func TestEngine_DisableWatch(t *testing.T) {
	cfg := testConfig(t)
	cfg.DisableWatch = true
	engine := newTestEngine(t, cfg)

	g, err := engine.NewGroup("replay.ini", KindUser, nil)
	if err != nil {
		t.Fatalf("NewGroup failed: %v", err)
	}
	if g.Watched() {
		t.Error("Group watched although watching is disabled")
	}
	if len(engine.Registry().Directories()) != 0 {
		t.Error("Registry opened a watch")
	}
}

func TestEngine_SaveAll(t *testing.T) {
	cfg := testConfig(t)
	cfg.SaveDelay = time.Hour
	engine := newTestEngine(t, cfg)

	var a, b *Field[int]
	ga, _ := engine.NewGroup("a.ini", KindUser, func(g *SettingsGroup) { a = IntField(g, "S", "K", 0) })
	gb, _ := engine.NewGroup("b.ini", KindUser, func(g *SettingsGroup) { b = IntField(g, "S", "K", 0) })
	a.Set(1)
	b.Set(2)

	if err := engine.SaveAll(context.Background()); err != nil {
		t.Fatalf("SaveAll failed: %v", err)
	}
	if !containsLine(readTestFile(t, ga.Path()), "K=1") || !containsLine(readTestFile(t, gb.Path()), "K=2") {
		t.Error("SaveAll did not write every group")
	}
}

func TestEngine_CloseDisposesGroups(t *testing.T) {
	cfg := testConfig(t)
	cfg.SaveDelay = time.Hour
	engine, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	var f *Field[string]
	g, err := engine.NewGroup("replay.ini", KindUser, func(g *SettingsGroup) {
		f = StringField(g, "REPLAY", "NAME", "")
	})
	if err != nil {
		t.Fatalf("NewGroup failed: %v", err)
	}
	f.Set("last lap")

	if err := engine.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !engine.IsClosed() || g.State() != StateDisposed {
		t.Error("Close did not dispose the group")
	}
	if !containsLine(readTestFile(t, g.Path()), "NAME=last lap") {
		t.Error("Pending save lost on engine close")
	}
	if engine.Scheduler().IsRunning() {
		t.Error("Scheduler still running after Close")
	}
	if _, err := engine.NewGroup("other.ini", KindUser, nil); !HasErrorCode(err, ErrCodeEngineClosed) {
		t.Errorf("Expected %s after Close, got %v", ErrCodeEngineClosed, err)
	}
	if err := engine.Close(); err != nil {
		t.Errorf("Second Close returned %v", err)
	}
}

func TestEngine_ErrorHandlerPanicContained(t *testing.T) {
	cfg := testConfig(t)
	cfg.ErrorHandler = func(error, string) { panic("handler") }
	writeTestFile(t, cfg.UserDir, "replay.ini", "broken\n")
	engine := newTestEngine(t, cfg)

	if _, err := engine.NewGroup("replay.ini", KindUser, nil); err != nil {
		t.Fatalf("NewGroup failed despite a panicking error handler: %v", err)
	}
}
