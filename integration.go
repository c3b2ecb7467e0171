// integration.go: command-line and environment configuration of the engine
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package actools

import (
	"fmt"
	"os"
	"strings"
	"time"

	flashflags "github.com/agilira/flash-flags"
	"github.com/agilira/go-errors"
)

// EnvPrefix is the prefix of environment variables read by ConfigManager
const EnvPrefix = "ACTOOLS"

// Flag names registered by NewConfigManager
const (
	FlagUserDir           = "user-dir"
	FlagInstallDir        = "install-dir"
	FlagSaveDelay         = "save-delay"
	FlagReloadDelay       = "reload-delay"
	FlagGuardWindow       = "guard-window"
	FlagReadRetries       = "read-retries"
	FlagRetryInterval     = "retry-interval"
	FlagSchedulerCapacity = "scheduler-capacity"
	FlagNoWatch           = "no-watch"
	FlagValuesDB          = "values-db"
	FlagAudit             = "audit"
	FlagAuditFile         = "audit-file"
	FlagLogLevel          = "log-level"
	FlagLogJSON           = "log-json"
)

// ConfigManager builds an engine Config from flags and ACTOOLS_*
// environment variables. Flags win over the environment, which wins over
// defaults; values passed to Set win over everything.
type ConfigManager struct {
	flags *flashflags.FlagSet

	appName        string
	appDescription string
	appVersion     string

	// explicit overrides
	values map[string]interface{}
}

// NewConfigManager creates a manager with every engine flag registered
func NewConfigManager(appName string) *ConfigManager {
	cm := &ConfigManager{
		flags:   flashflags.New(appName),
		appName: appName,
		values:  make(map[string]interface{}),
	}

	cm.StringFlag(FlagUserDir, "", "Root directory of user settings groups").
		StringFlag(FlagInstallDir, "", "Root directory of install settings groups (default: user dir)").
		DurationFlag(FlagSaveDelay, DefaultSaveDelay, "Quiet window before a changed group is written").
		DurationFlag(FlagReloadDelay, DefaultReloadDelay, "Quiet window before an externally changed group is reloaded").
		DurationFlag(FlagGuardWindow, DefaultGuardWindow, "How long change notifications after our own write are ignored").
		IntFlag(FlagReadRetries, DefaultReadRetries, "Read attempts on a locked settings file").
		DurationFlag(FlagRetryInterval, DefaultRetryInterval, "Spacing between read attempts").
		IntFlag(FlagSchedulerCapacity, DefaultSchedulerCapacity, "Task ring size of the scheduling context").
		BoolFlag(FlagNoWatch, false, "Disable live reload").
		StringFlag(FlagValuesDB, "", "SQLite database for values kept outside settings files").
		BoolFlag(FlagAudit, false, "Enable the audit trail").
		StringFlag(FlagAuditFile, "", "Audit output: *.jsonl for JSON lines, otherwise SQLite").
		StringFlag(FlagLogLevel, "info", "Log level: debug, info, warn, error").
		BoolFlag(FlagLogJSON, false, "Log as JSON")

	return cm
}

// SetDescription sets the application description for help text
func (cm *ConfigManager) SetDescription(description string) *ConfigManager {
	cm.appDescription = description
	cm.flags.SetDescription(description)
	return cm
}

// SetVersion sets the application version for help text
func (cm *ConfigManager) SetVersion(version string) *ConfigManager {
	cm.appVersion = version
	cm.flags.SetVersion(version)
	return cm
}

// StringFlag adds a string flag
func (cm *ConfigManager) StringFlag(name, defaultValue, usage string) *ConfigManager {
	cm.flags.String(name, defaultValue, usage)
	return cm
}

// IntFlag adds an integer flag
func (cm *ConfigManager) IntFlag(name string, defaultValue int, usage string) *ConfigManager {
	cm.flags.Int(name, defaultValue, usage)
	return cm
}

// BoolFlag adds a boolean flag
func (cm *ConfigManager) BoolFlag(name string, defaultValue bool, usage string) *ConfigManager {
	cm.flags.Bool(name, defaultValue, usage)
	return cm
}

// DurationFlag adds a duration flag
func (cm *ConfigManager) DurationFlag(name string, defaultValue time.Duration, usage string) *ConfigManager {
	cm.flags.Duration(name, defaultValue, usage)
	return cm
}

// StringSliceFlag adds a string slice flag
func (cm *ConfigManager) StringSliceFlag(name string, defaultValue []string, usage string) *ConfigManager {
	cm.flags.StringSlice(name, defaultValue, usage)
	return cm
}

// Parse parses args. --help and -h return ErrCodeHelpRequested without
// parsing anything.
func (cm *ConfigManager) Parse(args []string) error {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return errors.New(ErrCodeHelpRequested, "help requested")
		}
	}

	cm.flags.SetEnvPrefix(EnvPrefix)
	if err := cm.flags.Parse(args); err != nil {
		return errors.Wrap(err, ErrCodeInvalidConfig, "failed to parse command-line flags")
	}
	return nil
}

// ParseArgs parses os.Args[1:]
func (cm *ConfigManager) ParseArgs() error {
	return cm.Parse(os.Args[1:])
}

// ParseArgsOrExit parses os.Args[1:], printing usage and exiting on help
// or error
func (cm *ConfigManager) ParseArgsOrExit() {
	if err := cm.ParseArgs(); err != nil {
		if HasErrorCode(err, ErrCodeHelpRequested) {
			cm.PrintUsage()
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
		cm.PrintUsage()
		os.Exit(1)
	}
}

// GetString returns a string value
func (cm *ConfigManager) GetString(key string) string {
	if val, exists := cm.values[key]; exists {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return cm.flags.GetString(key)
}

// GetInt returns an integer value
func (cm *ConfigManager) GetInt(key string) int {
	if val, exists := cm.values[key]; exists {
		if intVal, ok := val.(int); ok {
			return intVal
		}
	}
	return cm.flags.GetInt(key)
}

// GetBool returns a boolean value
func (cm *ConfigManager) GetBool(key string) bool {
	if val, exists := cm.values[key]; exists {
		if boolVal, ok := val.(bool); ok {
			return boolVal
		}
	}
	return cm.flags.GetBool(key)
}

// GetDuration returns a duration value
func (cm *ConfigManager) GetDuration(key string) time.Duration {
	if val, exists := cm.values[key]; exists {
		if durVal, ok := val.(time.Duration); ok {
			return durVal
		}
	}
	return cm.flags.GetDuration(key)
}

// GetStringSlice returns a string slice value
func (cm *ConfigManager) GetStringSlice(key string) []string {
	if val, exists := cm.values[key]; exists {
		if sliceVal, ok := val.([]string); ok {
			return sliceVal
		}
	}
	return cm.flags.GetStringSlice(key)
}

// Set overrides a value regardless of flags and environment
func (cm *ConfigManager) Set(key string, value interface{}) {
	cm.values[key] = value
}

// Config assembles the engine configuration. The logger level comes from
// --log-level; an unknown level is an error.
func (cm *ConfigManager) Config() (Config, error) {
	cfg := Config{
		UserDir:           cm.GetString(FlagUserDir),
		InstallDir:        cm.GetString(FlagInstallDir),
		SaveDelay:         cm.GetDuration(FlagSaveDelay),
		ReloadDelay:       cm.GetDuration(FlagReloadDelay),
		GuardWindow:       cm.GetDuration(FlagGuardWindow),
		ReadRetries:       cm.GetInt(FlagReadRetries),
		RetryInterval:     cm.GetDuration(FlagRetryInterval),
		SchedulerCapacity: int64(cm.GetInt(FlagSchedulerCapacity)),
		DisableWatch:      cm.GetBool(FlagNoWatch),
		ValueStorePath:    cm.GetString(FlagValuesDB),
	}

	if cm.GetBool(FlagAudit) {
		cfg.Audit = DefaultAuditConfig()
		cfg.Audit.OutputFile = cm.GetString(FlagAuditFile)
	}

	level, ok := ParseLogLevel(cm.GetString(FlagLogLevel))
	if !ok {
		return Config{}, errors.New(ErrCodeInvalidConfig, "unknown log level").
			WithContext("level", cm.GetString(FlagLogLevel))
	}
	cfg.Logger = NewLogger(LogConfig{Output: os.Stderr, Level: level, JSON: cm.GetBool(FlagLogJSON)}, nil)

	return cfg, nil
}

// PrintUsage prints help for all flags
func (cm *ConfigManager) PrintUsage() {
	cm.flags.PrintHelp()
}

// FlagNames returns the registered flag names
func (cm *ConfigManager) FlagNames() []string {
	names := make([]string, 0, 16)
	cm.flags.VisitAll(func(flag *flashflags.Flag) {
		names = append(names, flag.Name())
	})
	return names
}

// FlagToEnvKey converts "save-delay" to "ACTOOLS_SAVE_DELAY"
func (cm *ConfigManager) FlagToEnvKey(flagName string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// SplitArgs separates leading global flags from a subcommand and its
// arguments. Every global flag takes a value unless it is boolean or
// written as --name=value.
func (cm *ConfigManager) SplitArgs(args []string) (global, rest []string) {
	bools := map[string]bool{FlagNoWatch: true, FlagAudit: true, FlagLogJSON: true}
	known := make(map[string]bool)
	for _, name := range cm.FlagNames() {
		known[name] = true
	}

	i := 0
	for i < len(args) {
		arg := args[i]
		if !strings.HasPrefix(arg, "-") || arg == "-" || arg == "--" {
			break
		}
		name := strings.TrimLeft(arg, "-")
		if eq := strings.Index(name, "="); eq >= 0 {
			if !known[name[:eq]] {
				break
			}
			global = append(global, arg)
			i++
			continue
		}
		if !known[name] {
			break
		}
		global = append(global, arg)
		i++
		if !bools[name] && i < len(args) {
			global = append(global, args[i])
			i++
		}
	}
	if i < len(args) && args[i] == "--" {
		i++
	}
	return global, args[i:]
}
