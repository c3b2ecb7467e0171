// preset.go: whole-group snapshots exchanged as opaque blobs
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package actools

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/agilira/go-errors"
)

// PresetExtension is the file extension of presets in a PresetLibrary
const PresetExtension = ".preset"

// PresetCodec turns a group into a blob and back. It adds no framing:
// the blob is the group's settings file content. Combining several
// groups into one preset is up to the caller.
type PresetCodec struct{}

// Export returns the blob of g
func (PresetCodec) Export(g *SettingsGroup) string {
	blob := g.Export()
	g.engine.audit.LogGroupEvent("preset_exported", g.name, g.path, map[string]interface{}{
		"bytes": len(blob),
	})
	return blob
}

// Import adopts blob into g and saves it immediately. Parse failures are
// returned to the caller and leave g untouched.
func (PresetCodec) Import(ctx context.Context, g *SettingsGroup, blob string) error {
	if err := g.Import(ctx, blob); err != nil {
		return err
	}
	g.engine.audit.LogGroupEvent("preset_imported", g.name, g.path, map[string]interface{}{
		"bytes": len(blob),
	})
	return nil
}

// PresetLibrary stores named presets as files in one directory
type PresetLibrary struct {
	dir   string
	codec PresetCodec
}

// NewPresetLibrary opens dir as a preset library, creating it if needed
func NewPresetLibrary(dir string) (*PresetLibrary, error) {
	if err := validateSecurePath(dir); err != nil {
		return nil, errors.Wrap(err, ErrCodeInvalidPath, "invalid preset directory")
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, errors.Wrap(err, ErrCodeInvalidPath, "invalid preset directory").
			WithContext("dir", dir)
	}
	if err := os.MkdirAll(absDir, settingsDirPerm); err != nil {
		return nil, errors.Wrap(err, ErrCodeSaveFailed, "failed to create preset directory").
			WithContext("dir", absDir)
	}
	return &PresetLibrary{dir: absDir}, nil
}

// Dir returns the library directory
func (l *PresetLibrary) Dir() string { return l.dir }

// Path returns the file of the named preset
func (l *PresetLibrary) Path(name string) (string, error) {
	if err := validatePresetName(name); err != nil {
		return "", err
	}
	return filepath.Join(l.dir, name+PresetExtension), nil
}

// Save exports g as the named preset and returns its file
func (l *PresetLibrary) Save(name string, g *SettingsGroup) (string, error) {
	path, err := l.Path(name)
	if err != nil {
		return "", err
	}
	if err := writeFileAtomic(path, []byte(l.codec.Export(g))); err != nil {
		return "", err
	}
	return path, nil
}

// Store writes blob as the named preset. A blob that does not parse is
// rejected with ACTOOLS_CODEC_FAILURE.
func (l *PresetLibrary) Store(name, blob string) (string, error) {
	path, err := l.Path(name)
	if err != nil {
		return "", err
	}
	if _, err := ParseSections([]byte(blob)); err != nil {
		return "", errors.Wrap(err, ErrCodeCodecFailure, "invalid preset content").
			WithContext("preset", name)
	}
	if err := writeFileAtomic(path, []byte(blob)); err != nil {
		return "", err
	}
	return path, nil
}

// Load returns the blob of the named preset
func (l *PresetLibrary) Load(name string) (string, error) {
	path, err := l.Path(name)
	if err != nil {
		return "", err
	}
	data, exists, err := readBackingFile(path)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", errors.New(ErrCodePresetNotFound, "preset not found").
			WithContext("preset", name)
	}
	return string(data), nil
}

// Apply imports the named preset into g
func (l *PresetLibrary) Apply(ctx context.Context, name string, g *SettingsGroup) error {
	blob, err := l.Load(name)
	if err != nil {
		return err
	}
	return l.codec.Import(ctx, g, blob)
}

// List returns the preset names in sorted order
func (l *PresetLibrary) List() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, errors.Wrap(err, ErrCodeReadFailed, "failed to list presets").
			WithContext("dir", l.dir)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), PresetExtension) {
			continue
		}
		names = append(names, strings.TrimSuffix(entry.Name(), PresetExtension))
	}
	sort.Strings(names)
	return names, nil
}

// Delete removes the named preset
func (l *PresetLibrary) Delete(name string) error {
	path, err := l.Path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return errors.New(ErrCodePresetNotFound, "preset not found").
				WithContext("preset", name)
		}
		return errors.Wrap(err, ErrCodeSaveFailed, "failed to delete preset").
			WithContext("preset", name)
	}
	return nil
}

// validatePresetName keeps preset names to plain file names
func validatePresetName(name string) error {
	if strings.TrimSpace(name) == "" {
		return errors.New(ErrCodeInvalidPath, "preset name cannot be empty")
	}
	if strings.ContainsAny(name, `/\:`) || name == "." || name == ".." || strings.HasPrefix(name, ".") {
		return errors.New(ErrCodeInvalidPath, "preset name must be a plain file name").
			WithContext("preset", name)
	}
	return validateSecurePath(name)
}
