// file_io.go: backing file reads and write-then-replace writes
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package actools

import (
	"os"
	"path/filepath"

	"github.com/agilira/go-errors"
)

const (
	settingsFilePerm = 0644
	settingsDirPerm  = 0750
)

// readBackingFile reads a settings file. A missing file is not an error:
// it reports exists=false and the caller falls back to defaults.
func readBackingFile(path string) ([]byte, bool, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path resolved and validated by the engine
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, true, errors.Wrap(err, ErrCodeReadFailed, "failed to read settings file").
			WithContext("path", path)
	}
	return data, true, nil
}

// writeFileAtomic writes data to a temporary file in the target directory
// and renames it over path, so a concurrent reader sees either the old or
// the new content and never a truncated file.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	base := filepath.Base(path)

	if err := os.MkdirAll(dir, settingsDirPerm); err != nil {
		return errors.Wrap(err, ErrCodeSaveFailed, "failed to create settings directory").
			WithContext("dir", dir)
	}

	// Same directory keeps the rename on one filesystem
	tmp, err := os.CreateTemp(dir, "."+base+".tmp.*")
	if err != nil {
		return errors.Wrap(err, ErrCodeSaveFailed, "failed to create temp file").
			WithContext("path", path)
	}
	tempPath := tmp.Name()

	cleanup := func() {
		_ = os.Remove(tempPath)
	}

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return errors.Wrap(err, ErrCodeSaveFailed, "failed to write temp file").
			WithContext("path", path)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return errors.Wrap(err, ErrCodeSaveFailed, "failed to close temp file").
			WithContext("path", path)
	}
	if err := os.Chmod(tempPath, settingsFilePerm); err != nil {
		cleanup()
		return errors.Wrap(err, ErrCodeSaveFailed, "failed to set file permissions").
			WithContext("path", path)
	}

	if err := os.Rename(tempPath, path); err != nil {
		cleanup()
		return errors.Wrap(err, ErrCodeSaveFailed, "failed to replace settings file").
			WithContext("path", path)
	}
	return nil
}
