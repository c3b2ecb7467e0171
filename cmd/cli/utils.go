// Utility functions for the actools CLI
//
// Engine setup for one-shot commands, output, preset bundles and duration
// parsing.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package cli

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"time"

	"github.com/agilira/go-errors"
	actools "github.com/gro-ove/actools-sub006"
	"go.yaml.in/yaml/v3"
)

// bundleVersion is the format version written by preset bundle
const bundleVersion = 1

// presetBundle is the YAML document holding several presets
type presetBundle struct {
	Version int               `yaml:"version"`
	Created string            `yaml:"created,omitempty"`
	Presets map[string]string `yaml:"presets"`
}

var extendedDuration = regexp.MustCompile(`^(\d+)(d|w)$`)

// engineConfig returns the configuration for one command. One-shot
// commands run without live reload.
func (m *Manager) engineConfig(watch bool) actools.Config {
	config := m.config
	if !watch {
		config.DisableWatch = true
	}
	if config.Logger == nil {
		config.Logger = actools.NewLogger(actools.LogConfig{Output: os.Stderr, Level: slog.LevelWarn}, nil)
	}
	return config
}

// openGroup opens filePath as a settings group with no declared fields.
// The caller closes the returned engine.
func (m *Manager) openGroup(filePath string, watch bool, define func(g *actools.SettingsGroup)) (*actools.Engine, *actools.SettingsGroup, error) {
	engine, group, err := actools.OpenFile(filePath, m.engineConfig(watch), define)
	if err != nil {
		return nil, nil, errors.Wrap(err, actools.ErrCodeInvalidPath, "failed to open settings file").
			WithContext("file", filePath)
	}
	return engine, group, nil
}

// openValues opens the configured value store. An in-memory store would
// forget everything when the command exits, so a database is required.
func (m *Manager) openValues() (actools.ValueStore, func() error, error) {
	if m.config.Values != nil {
		return m.config.Values, func() error { return nil }, nil
	}
	if m.config.ValueStorePath == "" {
		return nil, nil, errors.New(actools.ErrCodeInvalidConfig,
			"no value store configured, pass --values-db or set ACTOOLS_VALUES_DB")
	}
	store, err := actools.NewSQLiteValueStore(m.config.ValueStorePath)
	if err != nil {
		return nil, nil, err
	}
	return store, store.Close, nil
}

// requireArgs fails unless every named positional argument is present
func requireArgs(values []string, names ...string) error {
	for i, name := range names {
		if i >= len(values) || values[i] == "" {
			return errors.New(actools.ErrCodeInvalidConfig, fmt.Sprintf("missing argument: %s", name))
		}
	}
	return nil
}

// printf writes command output
func (m *Manager) printf(format string, args ...interface{}) {
	m.outMu.Lock()
	defer m.outMu.Unlock()
	_, _ = fmt.Fprintf(m.out, format, args...)
}

// auditCommand records a CLI operation when an audit logger is attached
func (m *Manager) auditCommand(event, filePath string, context map[string]interface{}) {
	if m.auditLogger != nil {
		m.auditLogger.Log(actools.AuditInfo, event, "", filePath, context)
	}
}

// marshalBundle encodes presets as a YAML bundle
func marshalBundle(presets map[string]string, created time.Time) ([]byte, error) {
	data, err := yaml.Marshal(presetBundle{
		Version: bundleVersion,
		Created: created.UTC().Format(time.RFC3339),
		Presets: presets,
	})
	if err != nil {
		return nil, errors.Wrap(err, actools.ErrCodeCodecFailure, "failed to encode preset bundle")
	}
	return data, nil
}

// unmarshalBundle decodes a YAML bundle, rejecting unknown versions
func unmarshalBundle(data []byte) (*presetBundle, error) {
	var bundle presetBundle
	if err := yaml.Unmarshal(data, &bundle); err != nil {
		return nil, errors.Wrap(err, actools.ErrCodeCodecFailure, "failed to decode preset bundle")
	}
	if bundle.Version != bundleVersion {
		return nil, errors.New(actools.ErrCodeCodecFailure,
			fmt.Sprintf("unsupported preset bundle version: %d", bundle.Version))
	}
	return &bundle, nil
}

// parseExtendedDuration parses Go durations plus days (d) and weeks (w).
// Examples: "30s", "5m", "7d", "2w"
func parseExtendedDuration(s string) (time.Duration, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}

	matches := extendedDuration.FindStringSubmatch(s)
	if len(matches) != 3 {
		_, err := time.ParseDuration(s)
		return 0, err
	}

	value, err := strconv.ParseInt(matches[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration value: %s", matches[1])
	}

	switch matches[2] {
	case "d":
		return time.Duration(value) * 24 * time.Hour, nil
	default:
		return time.Duration(value) * 7 * 24 * time.Hour, nil
	}
}
