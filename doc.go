// Package actools keeps typed settings objects and their INI backing files
// in sync in both directions, while the files are also edited by other
// programs (the game, text editors, other tools).
//
// # Architecture Overview
//
// An Engine is the explicit context every settings group is bound to:
//  1. **Scheduler**: one logical scheduling context. Every load, save and
//     reload of every group runs on it, one task at a time.
//  2. **DirectoryRegistry**: one OS watch per directory, shared by all
//     groups whose files live there and reference counted.
//  3. **Debouncer**: coalesces bursts of saves and of external change
//     notifications into single runs.
//  4. **LoopGuard**: per group suppression window that keeps the engine
//     from reloading a file it just wrote itself.
//  5. **SettingsGroup**: typed fields projected from INI sections, with
//     load and save hooks and change listeners.
//  6. **PresetCodec**: exports a whole group as an opaque blob and imports
//     it back, the basis of named presets and sharing.
//
// # Quick Start
//
//	engine, err := actools.New(actools.Config{UserDir: dir})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer engine.Close()
//
//	var maxSize *actools.Field[int]
//	group, err := engine.NewGroup("replay.ini", actools.KindUser, func(g *actools.SettingsGroup) {
//		maxSize = actools.IntField(g, "REPLAY", "MAX_SIZE", 200, actools.Clamp(10, 2000))
//	})
//
//	maxSize.Set(5000) // clamped to 2000, written once after the save delay
//
// # Persistence Cycle
//
// Setting a field marks the group dirty and signals its save debouncer.
// When the quiet window elapses the group serializes its sections, runs
// its OnSave hooks, stamps its loop guard and writes the file atomically.
// Identical content is not rewritten.
//
// Change notifications for the file arriving inside the guard window are
// dropped. Later ones go through the reload debouncer; the reload reads
// the file (retrying while it is locked by a writer), re-parses it and
// projects it onto the fields with change propagation marked as loading,
// so the reload never schedules a save of its own.
//
// A malformed file never destroys in-memory values: the failure is
// reported through Config.ErrorHandler, logged and audited, and the
// previous values stay in place.
//
// # External Values
//
// Fields created with External are not written to the backing file. Their
// values go to a ValueStore (in memory, or SQLite via ValueStorePath)
// under the key "group/section/key", and they are part of exported presets.
//
// # Audit Trail
//
// With Config.Audit enabled, lifecycle events (groups opened and closed,
// saves, reloads, skipped cycles, malformed files, degraded watches) are
// buffered and flushed to SQLite or JSON lines. Warnings and errors logged
// through the engine logger are copied into the trail as well.
//
// # Command Line
//
// cmd/actools is a small tool over the same engine: it reads and edits
// groups, manages presets and watches files. Its global flags come from
// ConfigManager and can also be set through ACTOOLS_* environment
// variables.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0
package actools
