// integration_test.go: tests of the command-line configuration layer
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package actools

import (
	"strings"
	"testing"
	"time"
)

func TestConfigManager_Defaults(t *testing.T) {
	cm := NewConfigManager("actools")
	if err := cm.Parse(nil); err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	cfg, err := cm.Config()
	if err != nil {
		t.Fatalf("Config failed: %v", err)
	}
	if cfg.SaveDelay != DefaultSaveDelay || cfg.ReloadDelay != DefaultReloadDelay || cfg.GuardWindow != DefaultGuardWindow {
		t.Errorf("Unexpected timing defaults %v %v %v", cfg.SaveDelay, cfg.ReloadDelay, cfg.GuardWindow)
	}
	if cfg.ReadRetries != DefaultReadRetries || cfg.SchedulerCapacity != DefaultSchedulerCapacity {
		t.Errorf("Unexpected retry or capacity defaults %d %d", cfg.ReadRetries, cfg.SchedulerCapacity)
	}
	if cfg.DisableWatch || cfg.Audit.Enabled {
		t.Error("Watch must be on and audit off by default")
	}
	if cfg.Logger == nil {
		t.Error("Config did not build a logger")
	}
}

func TestConfigManager_ParseFlags(t *testing.T) {
	dir := t.TempDir()
	cm := NewConfigManager("actools")
	err := cm.Parse([]string{
		"--user-dir", dir,
		"--save-delay", "2s",
		"--guard-window=250ms",
		"--read-retries", "7",
		"--no-watch",
		"--audit",
		"--audit-file", "audit.jsonl",
		"--log-level", "debug",
	})
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	cfg, err := cm.Config()
	if err != nil {
		t.Fatalf("Config failed: %v", err)
	}
	if cfg.UserDir != dir {
		t.Errorf("UserDir = %q", cfg.UserDir)
	}
	if cfg.SaveDelay != 2*time.Second || cfg.GuardWindow != 250*time.Millisecond {
		t.Errorf("Durations not parsed: %v %v", cfg.SaveDelay, cfg.GuardWindow)
	}
	if cfg.ReadRetries != 7 {
		t.Errorf("ReadRetries = %d", cfg.ReadRetries)
	}
	if !cfg.DisableWatch {
		t.Error("--no-watch not applied")
	}
	if !cfg.Audit.Enabled || cfg.Audit.OutputFile != "audit.jsonl" {
		t.Errorf("Audit flags not applied: %+v", cfg.Audit)
	}
}

func TestConfigManager_HelpAndErrors(t *testing.T) {
	cm := NewConfigManager("actools")
	if err := cm.Parse([]string{"--save-delay", "1s", "-h"}); !HasErrorCode(err, ErrCodeHelpRequested) {
		t.Errorf("Expected %s, got %v", ErrCodeHelpRequested, err)
	}

	cm = NewConfigManager("actools")
	if err := cm.Parse([]string{"--no-such-flag", "1"}); !HasErrorCode(err, ErrCodeInvalidConfig) {
		t.Errorf("Expected %s for an unknown flag, got %v", ErrCodeInvalidConfig, err)
	}

	cm = NewConfigManager("actools")
	if err := cm.Parse([]string{"--log-level", "chatty"}); err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if _, err := cm.Config(); !HasErrorCode(err, ErrCodeInvalidConfig) {
		t.Errorf("Expected %s for an unknown log level, got %v", ErrCodeInvalidConfig, err)
	}
}

func TestConfigManager_SetOverrides(t *testing.T) {
	cm := NewConfigManager("actools")
	if err := cm.Parse([]string{"--save-delay", "2s", "--user-dir", "/from/flag"}); err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	cm.Set(FlagSaveDelay, 3*time.Second)
	cm.Set(FlagUserDir, "/from/set")
	cm.Set(FlagReadRetries, 9)
	cm.Set(FlagNoWatch, true)

	if cm.GetDuration(FlagSaveDelay) != 3*time.Second {
		t.Errorf("Set did not override the flag: %v", cm.GetDuration(FlagSaveDelay))
	}
	if cm.GetString(FlagUserDir) != "/from/set" || cm.GetInt(FlagReadRetries) != 9 || !cm.GetBool(FlagNoWatch) {
		t.Error("Set overrides not applied")
	}

	// A value of the wrong type is ignored
	cm.Set(FlagReloadDelay, "soon")
	if cm.GetDuration(FlagReloadDelay) != DefaultReloadDelay {
		t.Errorf("Mistyped override leaked: %v", cm.GetDuration(FlagReloadDelay))
	}
}

func TestConfigManager_CustomFlags(t *testing.T) {
	cm := NewConfigManager("tool").
		SetDescription("test tool").
		SetVersion("0.1.0").
		StringSliceFlag("groups", []string{"race.ini"}, "Groups to open")

	if err := cm.Parse(nil); err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if got := cm.GetStringSlice("groups"); strings.Join(got, ",") != "race.ini" {
		t.Errorf("GetStringSlice = %v", got)
	}

	names := strings.Join(cm.FlagNames(), ",")
	for _, name := range []string{FlagUserDir, FlagSaveDelay, FlagNoWatch, FlagLogJSON, "groups"} {
		if !strings.Contains(names, name) {
			t.Errorf("FlagNames misses %s: %s", name, names)
		}
	}
}

func TestConfigManager_FlagToEnvKey(t *testing.T) {
	cm := NewConfigManager("actools")
	tests := map[string]string{
		FlagSaveDelay:         "ACTOOLS_SAVE_DELAY",
		FlagUserDir:           "ACTOOLS_USER_DIR",
		FlagSchedulerCapacity: "ACTOOLS_SCHEDULER_CAPACITY",
		FlagAudit:             "ACTOOLS_AUDIT",
	}
	for flag, expected := range tests {
		if got := cm.FlagToEnvKey(flag); got != expected {
			t.Errorf("FlagToEnvKey(%s) = %s, expected %s", flag, got, expected)
		}
	}
}

func TestConfigManager_SplitArgs(t *testing.T) {
	tests := []struct {
		name   string
		args   []string
		global string
		rest   string
	}{
		{"no flags", []string{"group", "get", "a.ini"}, "", "group get a.ini"},
		{"valued flag", []string{"--user-dir", "/s", "group", "get"}, "--user-dir /s", "group get"},
		{"bool flag", []string{"--no-watch", "watch", "a.ini"}, "--no-watch", "watch a.ini"},
		{"equals form", []string{"--save-delay=1s", "--audit", "info"}, "--save-delay=1s --audit", "info"},
		{"unknown flag stops", []string{"--verbose", "info"}, "", "--verbose info"},
		{"double dash", []string{"--log-json", "--", "--user-dir"}, "--log-json", "--user-dir"},
		{"subcommand flags untouched", []string{"info", "--user-dir", "/s"}, "", "info --user-dir /s"},
	}

	cm := NewConfigManager("actools")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			global, rest := cm.SplitArgs(tt.args)
			if strings.Join(global, " ") != tt.global {
				t.Errorf("global = %q, expected %q", global, tt.global)
			}
			if strings.Join(rest, " ") != tt.rest {
				t.Errorf("rest = %q, expected %q", rest, tt.rest)
			}
		})
	}
}
