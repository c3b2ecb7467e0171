// config.go: Engine configuration defaults
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package actools

import (
	"os"
	"path/filepath"
	"time"

	"github.com/agilira/go-timecache"
)

// Default timings of the persistence cycle
const (
	DefaultSaveDelay         = 500 * time.Millisecond
	DefaultReloadDelay       = 200 * time.Millisecond
	DefaultGuardWindow       = time.Second
	DefaultReadRetries       = 5
	DefaultRetryInterval     = 100 * time.Millisecond
	DefaultSchedulerCapacity = 256
)

// WithDefaults applies sensible defaults to the configuration
func (c *Config) WithDefaults() *Config {
	config := *c

	if config.UserDir == "" {
		config.UserDir = defaultUserDir()
	}
	if config.InstallDir == "" {
		config.InstallDir = config.UserDir
	}

	if config.SaveDelay <= 0 {
		config.SaveDelay = DefaultSaveDelay
	}
	if config.ReloadDelay <= 0 {
		config.ReloadDelay = DefaultReloadDelay
	}
	if config.GuardWindow <= 0 {
		config.GuardWindow = DefaultGuardWindow
	}
	if config.ReadRetries == 0 {
		config.ReadRetries = DefaultReadRetries
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = DefaultRetryInterval
	}

	if config.SchedulerCapacity <= 0 {
		config.SchedulerCapacity = DefaultSchedulerCapacity
	}
	// Round up to the next power of 2
	if config.SchedulerCapacity&(config.SchedulerCapacity-1) != 0 {
		capacity := int64(1)
		for capacity < config.SchedulerCapacity {
			capacity <<= 1
		}
		config.SchedulerCapacity = capacity
	}

	if config.Audit.Enabled {
		if config.Audit.BufferSize <= 0 {
			config.Audit.BufferSize = 1000
		}
		if config.Audit.FlushInterval <= 0 {
			config.Audit.FlushInterval = 5 * time.Second
		}
		if config.Audit.RetentionDays <= 0 {
			config.Audit.RetentionDays = 90
		}
	}

	if config.Clock == nil {
		config.Clock = timecache.CachedTime
	}

	return &config
}

// defaultUserDir returns the per-user settings root
func defaultUserDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "actools")
	}
	return filepath.Join(os.TempDir(), "actools")
}
