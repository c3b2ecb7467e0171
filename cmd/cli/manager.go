// Package cli provides the command-line interface of actools.
//
// The CLI works on settings files through the same engine applications
// use: values are read and written through settings groups, presets go
// through the preset library, and watch uses live reload.
//
// Architecture:
// - Manager: global flags, engine configuration and command routing
// - Handlers: one handler per command
// - Utils: engine setup, output and bundle helpers
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package cli

import (
	"io"
	"os"
	"sync"

	"github.com/agilira/orpheus/pkg/orpheus"
	actools "github.com/gro-ove/actools-sub006"
)

// Version of the actools CLI
const Version = "1.0.0"

// Manager routes CLI commands to their handlers
type Manager struct {
	app         *orpheus.App
	auditLogger *actools.AuditLogger // optional, records CLI operations
	config      actools.Config
	out         io.Writer
	outMu       sync.Mutex // watch prints from the scheduling context
}

// NewManager creates a CLI manager with every command registered
func NewManager() *Manager {
	app := orpheus.New("actools").
		SetDescription("Live-synchronized settings files").
		SetVersion(Version)

	manager := &Manager{
		app: app,
		out: os.Stdout,
	}

	manager.setupGroupCommands()
	manager.setupPresetCommands()
	manager.setupValueCommands()
	manager.setupWatchCommands()
	manager.setupUtilityCommands()

	return manager
}

// WithAudit records CLI operations in auditLogger
func (m *Manager) WithAudit(auditLogger *actools.AuditLogger) *Manager {
	m.auditLogger = auditLogger
	return m
}

// WithConfig sets the engine configuration used by commands. Global flags
// passed to Run replace it.
func (m *Manager) WithConfig(config actools.Config) *Manager {
	m.config = config
	return m
}

// WithOutput redirects command output
func (m *Manager) WithOutput(out io.Writer) *Manager {
	m.out = out
	return m
}

// Run executes the CLI with args. Leading global flags (see
// actools.ConfigManager) configure the engine before the command runs.
func (m *Manager) Run(args []string) error {
	settings := actools.NewConfigManager("actools").
		SetDescription("Live-synchronized settings files").
		SetVersion(Version)

	global, rest := settings.SplitArgs(args)
	if len(global) > 0 {
		if err := settings.Parse(global); err != nil {
			if actools.HasErrorCode(err, actools.ErrCodeHelpRequested) {
				settings.PrintUsage()
				return nil
			}
			return err
		}
		config, err := settings.Config()
		if err != nil {
			return err
		}
		if m.config.Values != nil {
			config.Values = m.config.Values
		}
		m.config = config
	}

	return m.app.Run(rest)
}

// setupGroupCommands configures the 'group' command group: values of a
// single settings file.
func (m *Manager) setupGroupCommands() {
	groupCmd := orpheus.NewCommand("group", "Settings file operations")

	// group get <file> <section> <key>
	groupCmd.Subcommand("get", "Print a value", m.handleGroupGet)

	// group set <file> <section> <key> <value>
	groupCmd.Subcommand("set", "Set a value and save", m.handleGroupSet)

	// group keys <file> [--section=]
	keysCmd := groupCmd.Subcommand("keys", "List keys and values", m.handleGroupKeys)
	keysCmd.AddFlag("section", "s", "", "Only list this section")

	// group export <file> [--output=]
	exportCmd := groupCmd.Subcommand("export", "Export the group as a preset blob", m.handleGroupExport)
	exportCmd.AddFlag("output", "o", "", "Write to file instead of stdout")

	// group import <file> <blob-file>
	groupCmd.Subcommand("import", "Replace the group with a preset blob", m.handleGroupImport)

	m.app.AddCommand(groupCmd)
}

// setupPresetCommands configures the 'preset' command group: named
// snapshots kept in a preset directory.
func (m *Manager) setupPresetCommands() {
	presetCmd := orpheus.NewCommand("preset", "Preset management")

	saveCmd := presetCmd.Subcommand("save", "Save a settings file as a preset", m.handlePresetSave)
	saveCmd.AddFlag("dir", "d", "presets", "Preset directory")

	applyCmd := presetCmd.Subcommand("apply", "Apply a preset to a settings file", m.handlePresetApply)
	applyCmd.AddFlag("dir", "d", "presets", "Preset directory")

	listCmd := presetCmd.Subcommand("list", "List presets", m.handlePresetList)
	listCmd.AddFlag("dir", "d", "presets", "Preset directory")

	deleteCmd := presetCmd.Subcommand("delete", "Delete a preset", m.handlePresetDelete)
	deleteCmd.AddFlag("dir", "d", "presets", "Preset directory")

	bundleCmd := presetCmd.Subcommand("bundle", "Pack all presets into one YAML file", m.handlePresetBundle)
	bundleCmd.AddFlag("dir", "d", "presets", "Preset directory")

	unbundleCmd := presetCmd.Subcommand("unbundle", "Unpack a YAML bundle into the preset directory", m.handlePresetUnbundle)
	unbundleCmd.AddFlag("dir", "d", "presets", "Preset directory")
	unbundleCmd.AddBoolFlag("overwrite", "f", false, "Replace existing presets")

	m.app.AddCommand(presetCmd)
}

// setupValueCommands configures the 'values' command group: the store of
// values kept outside settings files.
func (m *Manager) setupValueCommands() {
	valuesCmd := orpheus.NewCommand("values", "External value store")

	valuesCmd.Subcommand("get", "Print a stored value", m.handleValuesGet)
	valuesCmd.Subcommand("set", "Store a value", m.handleValuesSet)

	listCmd := valuesCmd.Subcommand("list", "List stored keys", m.handleValuesList)
	listCmd.AddFlag("prefix", "p", "", "Key prefix filter")

	m.app.AddCommand(valuesCmd)
}

// setupWatchCommands configures 'watch': live reload of one file.
func (m *Manager) setupWatchCommands() {
	watchCmd := orpheus.NewCommand("watch", "Print changes of a settings file as they happen")

	// watch <file> [--duration=0]
	watchCmd.SetHandler(m.handleWatch)
	watchCmd.AddFlag("duration", "t", "0", "Stop after this long (0 waits for Ctrl+C)")
	watchCmd.AddBoolFlag("verbose", "v", false, "Print persistence counters on exit")

	m.app.AddCommand(watchCmd)
}

// setupUtilityCommands configures audit, info and completion.
func (m *Manager) setupUtilityCommands() {
	auditCmd := orpheus.NewCommand("audit", "Audit trail inspection")
	statsCmd := auditCmd.Subcommand("stats", "Summarize an audit trail", m.handleAuditStats)
	statsCmd.AddFlag("file", "f", "", "Audit database or .jsonl file (default: configured or default path)")
	m.app.AddCommand(auditCmd)

	infoCmd := orpheus.NewCommand("info", "Effective configuration and diagnostics")
	infoCmd.SetHandler(m.handleInfo)
	infoCmd.AddBoolFlag("verbose", "v", false, "Verbose information")
	m.app.AddCommand(infoCmd)

	completionCmd := orpheus.NewCommand("completion", "Generate shell completion scripts")
	completionCmd.SetHandler(m.handleCompletion)
	m.app.AddCommand(completionCmd)
}
