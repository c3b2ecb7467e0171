// Command handlers for the actools CLI
//
// Every handler opens its own engine, works through settings groups and
// closes the engine before returning, so pending saves are flushed.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sort"
	"syscall"
	"time"

	"github.com/agilira/go-errors"
	"github.com/agilira/go-timecache"
	"github.com/agilira/orpheus/pkg/orpheus"
	actools "github.com/gro-ove/actools-sub006"
)

// globalSection names the keys outside any [SECTION] on the command line
const globalSection = "-"

// positional returns the first n positional arguments
func positional(ctx *orpheus.Context, n int) []string {
	values := make([]string, n)
	for i := range values {
		values[i] = ctx.GetArg(i)
	}
	return values
}

func sectionArg(s string) string {
	if s == globalSection {
		return ""
	}
	return s
}

func qualifiedKey(section, key string) string {
	if section == "" {
		return key
	}
	return section + "/" + key
}

// =============================================================================
// GROUP
// =============================================================================

// handleGroupGet prints one value of a settings file
func (m *Manager) handleGroupGet(ctx *orpheus.Context) error {
	args := positional(ctx, 3)
	if err := requireArgs(args, "file", "section", "key"); err != nil {
		return err
	}
	filePath, section, key := args[0], sectionArg(args[1]), args[2]

	engine, group, err := m.openGroup(filePath, false, nil)
	if err != nil {
		return err
	}
	defer func() { _ = engine.Close() }()

	m.auditCommand("cli_group_get", group.Path(), map[string]interface{}{"key": qualifiedKey(section, key)})

	value, ok := group.Value(section, key)
	if !ok {
		return errors.New(actools.ErrCodeInvalidField, fmt.Sprintf("key '%s' not found", qualifiedKey(section, key)))
	}
	m.printf("%s\n", value)
	return nil
}

// handleGroupSet sets one value and saves the file immediately
func (m *Manager) handleGroupSet(ctx *orpheus.Context) error {
	args := positional(ctx, 4)
	if err := requireArgs(args[:3], "file", "section", "key"); err != nil {
		return err
	}
	filePath, section, key, value := args[0], sectionArg(args[1]), args[2], args[3]

	engine, group, err := m.openGroup(filePath, false, nil)
	if err != nil {
		return err
	}
	defer func() { _ = engine.Close() }()

	changed, err := group.SetValue(section, key, value)
	if err != nil {
		return err
	}
	if !changed {
		m.printf("%s already set to %s in %s\n", qualifiedKey(section, key), value, filePath)
		return nil
	}
	if err := group.SaveImmediately(context.Background()); err != nil {
		return errors.Wrap(err, actools.ErrCodeSaveFailed, "failed to write settings file")
	}

	m.auditCommand("cli_group_set", group.Path(), map[string]interface{}{
		"key":   qualifiedKey(section, key),
		"value": value,
	})
	m.printf("Set %s = %s in %s\n", qualifiedKey(section, key), value, filePath)
	return nil
}

// handleGroupKeys lists every key of a settings file with its value
func (m *Manager) handleGroupKeys(ctx *orpheus.Context) error {
	args := positional(ctx, 1)
	if err := requireArgs(args, "file"); err != nil {
		return err
	}
	filePath := args[0]
	only := ctx.GetFlagString("section")

	engine, group, err := m.openGroup(filePath, false, nil)
	if err != nil {
		return err
	}
	defer func() { _ = engine.Close() }()

	sections := group.Sections()
	count := 0
	for _, name := range sections.Names() {
		if only != "" && sectionArg(only) != name {
			continue
		}
		section := sections.Section(name)
		for _, key := range section.Keys() {
			m.printf("%s = %s\n", qualifiedKey(name, key), section[key])
			count++
		}
	}
	if count == 0 {
		if only != "" {
			m.printf("No keys found in section '%s'\n", only)
		} else {
			m.printf("No keys found in %s\n", filePath)
		}
	}
	return nil
}

// handleGroupExport prints or writes the preset blob of a settings file
func (m *Manager) handleGroupExport(ctx *orpheus.Context) error {
	args := positional(ctx, 1)
	if err := requireArgs(args, "file"); err != nil {
		return err
	}
	filePath := args[0]
	output := ctx.GetFlagString("output")

	engine, group, err := m.openGroup(filePath, false, nil)
	if err != nil {
		return err
	}
	defer func() { _ = engine.Close() }()

	blob := actools.PresetCodec{}.Export(group)
	m.auditCommand("cli_group_export", group.Path(), map[string]interface{}{"output": output})

	if output == "" {
		m.printf("%s", blob)
		return nil
	}
	if err := os.WriteFile(output, []byte(blob), 0600); err != nil {
		return errors.Wrap(err, actools.ErrCodeSaveFailed, "failed to write export").
			WithContext("output", output)
	}
	m.printf("Exported %s to %s\n", filePath, output)
	return nil
}

// handleGroupImport replaces a settings file with a preset blob
func (m *Manager) handleGroupImport(ctx *orpheus.Context) error {
	args := positional(ctx, 2)
	if err := requireArgs(args, "file", "blob-file"); err != nil {
		return err
	}
	filePath, blobPath := args[0], args[1]

	// #nosec G304 -- the blob file is named by the user on purpose
	blob, err := os.ReadFile(blobPath)
	if err != nil {
		return errors.Wrap(err, actools.ErrCodeReadFailed, "failed to read blob file").
			WithContext("blob_file", blobPath)
	}

	engine, group, err := m.openGroup(filePath, false, nil)
	if err != nil {
		return err
	}
	defer func() { _ = engine.Close() }()

	if err := (actools.PresetCodec{}).Import(context.Background(), group, string(blob)); err != nil {
		return err
	}
	m.auditCommand("cli_group_import", group.Path(), map[string]interface{}{"blob_file": blobPath})
	m.printf("Imported %s into %s\n", blobPath, filePath)
	return nil
}

// =============================================================================
// PRESET
// =============================================================================

func (m *Manager) presetLibrary(ctx *orpheus.Context) (*actools.PresetLibrary, error) {
	dir := ctx.GetFlagString("dir")
	if dir == "" {
		dir = "presets"
	}
	return actools.NewPresetLibrary(dir)
}

// handlePresetSave stores a settings file as a named preset
func (m *Manager) handlePresetSave(ctx *orpheus.Context) error {
	args := positional(ctx, 2)
	if err := requireArgs(args, "name", "file"); err != nil {
		return err
	}
	name, filePath := args[0], args[1]

	library, err := m.presetLibrary(ctx)
	if err != nil {
		return err
	}
	engine, group, err := m.openGroup(filePath, false, nil)
	if err != nil {
		return err
	}
	defer func() { _ = engine.Close() }()

	path, err := library.Save(name, group)
	if err != nil {
		return err
	}
	m.auditCommand("cli_preset_save", path, map[string]interface{}{"preset": name, "source": group.Path()})
	m.printf("Saved preset %s to %s\n", name, path)
	return nil
}

// handlePresetApply imports a named preset into a settings file
func (m *Manager) handlePresetApply(ctx *orpheus.Context) error {
	args := positional(ctx, 2)
	if err := requireArgs(args, "name", "file"); err != nil {
		return err
	}
	name, filePath := args[0], args[1]

	library, err := m.presetLibrary(ctx)
	if err != nil {
		return err
	}
	engine, group, err := m.openGroup(filePath, false, nil)
	if err != nil {
		return err
	}
	defer func() { _ = engine.Close() }()

	if err := library.Apply(context.Background(), name, group); err != nil {
		return err
	}
	m.auditCommand("cli_preset_apply", group.Path(), map[string]interface{}{"preset": name})
	m.printf("Applied preset %s to %s\n", name, filePath)
	return nil
}

// handlePresetList prints the presets of the library
func (m *Manager) handlePresetList(ctx *orpheus.Context) error {
	library, err := m.presetLibrary(ctx)
	if err != nil {
		return err
	}
	names, err := library.List()
	if err != nil {
		return err
	}
	if len(names) == 0 {
		m.printf("No presets in %s\n", library.Dir())
		return nil
	}
	for _, name := range names {
		m.printf("%s\n", name)
	}
	return nil
}

// handlePresetDelete removes a named preset
func (m *Manager) handlePresetDelete(ctx *orpheus.Context) error {
	args := positional(ctx, 1)
	if err := requireArgs(args, "name"); err != nil {
		return err
	}
	library, err := m.presetLibrary(ctx)
	if err != nil {
		return err
	}
	if err := library.Delete(args[0]); err != nil {
		return err
	}
	m.auditCommand("cli_preset_delete", library.Dir(), map[string]interface{}{"preset": args[0]})
	m.printf("Deleted preset %s\n", args[0])
	return nil
}

// handlePresetBundle packs every preset into one YAML document
func (m *Manager) handlePresetBundle(ctx *orpheus.Context) error {
	args := positional(ctx, 1)
	if err := requireArgs(args, "output"); err != nil {
		return err
	}
	library, err := m.presetLibrary(ctx)
	if err != nil {
		return err
	}
	names, err := library.List()
	if err != nil {
		return err
	}

	presets := make(map[string]string, len(names))
	for _, name := range names {
		blob, err := library.Load(name)
		if err != nil {
			return err
		}
		presets[name] = blob
	}

	data, err := marshalBundle(presets, timecache.CachedTime())
	if err != nil {
		return err
	}
	if err := os.WriteFile(args[0], data, 0600); err != nil {
		return errors.Wrap(err, actools.ErrCodeSaveFailed, "failed to write preset bundle").
			WithContext("output", args[0])
	}
	m.auditCommand("cli_preset_bundle", args[0], map[string]interface{}{"presets": len(presets)})
	m.printf("Bundled %d presets into %s\n", len(presets), args[0])
	return nil
}

// handlePresetUnbundle unpacks a YAML bundle into the library. Existing
// presets are kept unless --overwrite is given.
func (m *Manager) handlePresetUnbundle(ctx *orpheus.Context) error {
	args := positional(ctx, 1)
	if err := requireArgs(args, "bundle"); err != nil {
		return err
	}
	overwrite := ctx.GetFlagBool("overwrite")

	// #nosec G304 -- the bundle is named by the user on purpose
	data, err := os.ReadFile(args[0])
	if err != nil {
		return errors.Wrap(err, actools.ErrCodeReadFailed, "failed to read preset bundle").
			WithContext("bundle", args[0])
	}
	bundle, err := unmarshalBundle(data)
	if err != nil {
		return err
	}
	library, err := m.presetLibrary(ctx)
	if err != nil {
		return err
	}

	names := make([]string, 0, len(bundle.Presets))
	for name := range bundle.Presets {
		names = append(names, name)
	}
	sort.Strings(names)

	written := 0
	for _, name := range names {
		if _, err := library.Load(name); err == nil && !overwrite {
			m.printf("Skipped %s (already exists)\n", name)
			continue
		}
		if _, err := library.Store(name, bundle.Presets[name]); err != nil {
			return err
		}
		written++
	}
	m.auditCommand("cli_preset_unbundle", args[0], map[string]interface{}{"presets": written})
	m.printf("Unbundled %d presets into %s\n", written, library.Dir())
	return nil
}

// =============================================================================
// VALUES
// =============================================================================

// handleValuesGet prints a value of the external store
func (m *Manager) handleValuesGet(ctx *orpheus.Context) error {
	args := positional(ctx, 1)
	if err := requireArgs(args, "key"); err != nil {
		return err
	}
	store, closeStore, err := m.openValues()
	if err != nil {
		return err
	}
	defer func() { _ = closeStore() }()

	value, ok, err := store.Get(args[0])
	if err != nil {
		return err
	}
	if !ok {
		return errors.New(actools.ErrCodeValueStore, fmt.Sprintf("key '%s' not found", args[0]))
	}
	m.printf("%s\n", value)
	return nil
}

// handleValuesSet stores a value in the external store
func (m *Manager) handleValuesSet(ctx *orpheus.Context) error {
	args := positional(ctx, 2)
	if err := requireArgs(args[:1], "key"); err != nil {
		return err
	}
	store, closeStore, err := m.openValues()
	if err != nil {
		return err
	}
	defer func() { _ = closeStore() }()

	if err := store.Set(args[0], args[1]); err != nil {
		return err
	}
	m.auditCommand("cli_values_set", m.config.ValueStorePath, map[string]interface{}{"key": args[0]})
	m.printf("Stored %s = %s\n", args[0], args[1])
	return nil
}

// handleValuesList prints stored keys with their values
func (m *Manager) handleValuesList(ctx *orpheus.Context) error {
	prefix := ctx.GetFlagString("prefix")
	store, closeStore, err := m.openValues()
	if err != nil {
		return err
	}
	defer func() { _ = closeStore() }()

	keys, err := store.Keys(prefix)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		m.printf("No stored values\n")
		return nil
	}
	for _, key := range keys {
		value, _, err := store.Get(key)
		if err != nil {
			return err
		}
		m.printf("%s = %s\n", key, value)
	}
	return nil
}

// =============================================================================
// WATCH
// =============================================================================

// handleWatch opens a settings file with live reload and prints every
// change made to it by other programs.
func (m *Manager) handleWatch(ctx *orpheus.Context) error {
	args := positional(ctx, 1)
	if err := requireArgs(args, "file"); err != nil {
		return err
	}
	filePath := args[0]
	verbose := ctx.GetFlagBool("verbose")

	durationStr := ctx.GetFlagString("duration")
	if durationStr == "" {
		durationStr = "0"
	}
	duration, err := parseExtendedDuration(durationStr)
	if err != nil {
		return errors.New(actools.ErrCodeInvalidConfig, fmt.Sprintf("invalid duration: %v", err))
	}

	var previous actools.Sections
	engine, group, err := m.openGroup(filePath, true, func(g *actools.SettingsGroup) {
		g.OnLoad(func(current actools.Sections) {
			if previous != nil {
				m.printChanges(previous, current)
			}
			previous = current
		})
	})
	if err != nil {
		return err
	}
	defer func() { _ = engine.Close() }()

	m.printf("Watching %s\n", group.Path())
	if !group.Watched() {
		m.printf("Live reload unavailable for %s\n", group.Path())
	}

	waitCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if duration > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(waitCtx, duration)
		defer cancel()
	} else {
		m.printf("Press Ctrl+C to stop...\n")
	}
	<-waitCtx.Done()

	if verbose {
		stats := group.Stats()
		m.printf("Reloads: %d, suppressed: %d, skipped: %d, failures: %d\n",
			stats["reloads"], stats["suppressed"], stats["skipped"], stats["failures"])
	}
	return nil
}

// printChanges prints the keys that differ between two loads
func (m *Manager) printChanges(before, after actools.Sections) {
	for _, name := range after.Names() {
		section := after.Section(name)
		for _, key := range section.Keys() {
			old, existed := before.Get(name, key)
			switch {
			case !existed:
				m.printf("+ %s = %s\n", qualifiedKey(name, key), section[key])
			case old != section[key]:
				m.printf("~ %s: %s -> %s\n", qualifiedKey(name, key), old, section[key])
			}
		}
	}
	for _, name := range before.Names() {
		section := before.Section(name)
		for _, key := range section.Keys() {
			if _, ok := after.Get(name, key); !ok {
				m.printf("- %s\n", qualifiedKey(name, key))
			}
		}
	}
}

// =============================================================================
// UTILITIES
// =============================================================================

// handleAuditStats summarizes an audit database or JSONL trail
func (m *Manager) handleAuditStats(ctx *orpheus.Context) error {
	path := ctx.GetFlagString("file")
	if path == "" {
		path = m.config.Audit.OutputFile
	}
	if path == "" {
		path = actools.DefaultAuditPath()
	}

	stats, err := actools.ReadAuditStats(path)
	if err != nil {
		return errors.Wrap(err, actools.ErrCodeInvalidAudit, "failed to read audit trail").
			WithContext("file", path)
	}

	m.printf("Audit trail: %s\n", path)
	m.printf("Events: %d\n", stats.TotalEvents)
	m.printf("Sessions: %d\n", stats.Sessions)
	if stats.OldestEvent != nil && stats.NewestEvent != nil {
		m.printf("Range: %s .. %s\n",
			stats.OldestEvent.Format(time.RFC3339), stats.NewestEvent.Format(time.RFC3339))
	}
	printCounts := func(title string, counts map[string]int64) {
		if len(counts) == 0 {
			return
		}
		m.printf("%s:\n", title)
		keys := make([]string, 0, len(counts))
		for k := range counts {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			m.printf("  %s: %d\n", k, counts[k])
		}
	}
	printCounts("By level", stats.EventsByLevel)
	printCounts("By event", stats.EventsByName)
	printCounts("By group", stats.EventsByGroup)
	return nil
}

// handleInfo prints the effective engine configuration
func (m *Manager) handleInfo(ctx *orpheus.Context) error {
	verbose := ctx.GetFlagBool("verbose")
	base := m.engineConfig(false)
	config := base.WithDefaults()

	m.printf("actools %s\n", Version)
	m.printf("User dir: %s\n", config.UserDir)
	m.printf("Install dir: %s\n", config.InstallDir)
	m.printf("Save delay: %v\n", config.SaveDelay)
	m.printf("Reload delay: %v\n", config.ReloadDelay)
	m.printf("Guard window: %v\n", config.GuardWindow)
	m.printf("Read retries: %d every %v\n", config.ReadRetries, config.RetryInterval)
	m.printf("Live reload: %v\n", !m.config.DisableWatch)
	m.printf("Audit: %v\n", config.Audit.Enabled)

	if verbose {
		m.printf("\nSystem:\n")
		m.printf("Go version: %s\n", runtime.Version())
		m.printf("Platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		m.printf("Scheduler capacity: %d\n", config.SchedulerCapacity)
		if config.ValueStorePath != "" {
			m.printf("Value store: %s\n", config.ValueStorePath)
		}

		settings := actools.NewConfigManager("actools")
		m.printf("\nEnvironment:\n")
		for _, name := range settings.FlagNames() {
			m.printf("  --%s  %s\n", name, settings.FlagToEnvKey(name))
		}
	}
	return nil
}

// handleCompletion generates shell completion scripts
func (m *Manager) handleCompletion(ctx *orpheus.Context) error {
	shell := ctx.GetArg(0)
	commands := "group preset values watch audit info completion"

	switch shell {
	case "bash":
		m.printf("# Bash completion for actools\n")
		m.printf("# Add to ~/.bashrc: source <(actools completion bash)\n")
		m.printf("_actools_completion() {\n")
		m.printf("  COMPREPLY=($(compgen -W '%s' -- \"${COMP_WORDS[COMP_CWORD]}\"))\n", commands)
		m.printf("}\n")
		m.printf("complete -F _actools_completion actools\n")
	case "zsh":
		m.printf("# Zsh completion for actools\n")
		m.printf("# Add to ~/.zshrc: source <(actools completion zsh)\n")
		m.printf("#compdef actools\n")
		m.printf("_actools() {\n")
		m.printf("  _arguments '1: :(%s)'\n", commands)
		m.printf("}\n")
	case "fish":
		m.printf("# Fish completion for actools\n")
		m.printf("complete -c actools -f -a '%s'\n", commands)
	default:
		return errors.New(actools.ErrCodeInvalidConfig, fmt.Sprintf("unsupported shell: %s", shell))
	}
	return nil
}
