// utilities.go: convenience helpers around Engine
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package actools

import (
	"path/filepath"

	"github.com/agilira/go-errors"
)

// OpenFile creates an engine rooted at the directory of path and opens one
// group backed by path. Closing the engine closes the group.
//
// Example:
//
//	engine, group, err := actools.OpenFile("race.ini", actools.Config{}, func(g *actools.SettingsGroup) {
//	    laps = actools.IntField(g, "RACE", "LAPS", 5, actools.Clamp(1, 999))
//	})
func OpenFile(path string, config Config, define func(g *SettingsGroup)) (*Engine, *SettingsGroup, error) {
	if err := validateSecurePath(path); err != nil {
		return nil, nil, errors.Wrap(err, ErrCodeInvalidPath, "invalid settings file").
			WithContext("path", path)
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, nil, errors.Wrap(err, ErrCodeInvalidPath, "invalid settings file").
			WithContext("path", path)
	}

	if config.UserDir == "" {
		config.UserDir = filepath.Dir(absPath)
	}
	engine, err := New(config)
	if err != nil {
		return nil, nil, err
	}

	group, err := engine.NewGroup(absPath, KindUser, define)
	if err != nil {
		_ = engine.Close()
		return nil, nil, err
	}
	return engine, group, nil
}

// ReadSettingsFile parses a settings file without creating a group.
// A missing file yields empty sections.
func ReadSettingsFile(path string) (Sections, error) {
	data, exists, err := readBackingFile(path)
	if err != nil {
		return nil, err
	}
	if !exists {
		return Sections{}, nil
	}
	sections, err := ParseSections(data)
	if err != nil {
		return nil, errors.Wrap(err, ErrCodeMalformedData, "malformed settings file").
			WithContext("path", path)
	}
	return sections, nil
}

// WriteSettingsFile atomically replaces path with sections
func WriteSettingsFile(path string, sections Sections) error {
	return writeFileAtomic(path, sections.Marshal())
}
