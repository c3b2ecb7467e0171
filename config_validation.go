// config_validation.go: validation of engine configuration
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package actools

import (
	goerrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/agilira/go-errors"
)

// Validation errors
var (
	ErrInvalidSaveDelay     = errors.New(ErrCodeInvalidSaveDelay, "save delay must be positive")
	ErrInvalidReloadDelay   = errors.New(ErrCodeInvalidReload, "reload delay must be positive")
	ErrInvalidGuardWindow   = errors.New(ErrCodeInvalidGuard, "guard window must be positive")
	ErrInvalidReadRetries   = errors.New(ErrCodeInvalidRetries, "read retries must not be negative")
	ErrInvalidRetryInterval = errors.New(ErrCodeInvalidRetryDelay, "retry interval must be positive")
	ErrInvalidCapacity      = errors.New(ErrCodeInvalidCapacity, "scheduler capacity must be a positive power of 2")
	ErrInvalidBufferSize    = errors.New(ErrCodeInvalidBufferSize, "audit buffer size must not be negative")
	ErrInvalidFlushInterval = errors.New(ErrCodeInvalidFlush, "audit flush interval must not be negative")
	ErrInvalidOutputFile    = errors.New(ErrCodeInvalidOutputFile, "audit output file path is invalid")
)

// ValidationResult contains errors and warnings found in a configuration
type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`

	errs []error
}

// String returns a human-readable representation of validation results
func (vr ValidationResult) String() string {
	if vr.Valid {
		if len(vr.Warnings) == 0 {
			return "Configuration is valid"
		}
		return fmt.Sprintf("Configuration is valid with %d warning(s)", len(vr.Warnings))
	}
	return fmt.Sprintf("Configuration is invalid: %d error(s), %d warning(s)",
		len(vr.Errors), len(vr.Warnings))
}

func (vr *ValidationResult) fail(err error) {
	vr.errs = append(vr.errs, err)
	vr.Errors = append(vr.Errors, err.Error())
}

func (vr *ValidationResult) warn(format string, args ...interface{}) {
	vr.Warnings = append(vr.Warnings, fmt.Sprintf(format, args...))
}

// Validate returns the first configuration error, or nil
func (c *Config) Validate() error {
	result := c.ValidateDetailed()
	if len(result.errs) > 0 {
		return result.errs[0]
	}
	return nil
}

// ValidateDetailed returns every error and warning of the configuration
func (c *Config) ValidateDetailed() ValidationResult {
	result := ValidationResult{
		Errors:   make([]string, 0),
		Warnings: make([]string, 0),
	}

	c.validateTimings(&result)
	c.validateScheduler(&result)
	c.validateRoots(&result)
	c.validateAuditConfig(&result)

	result.Valid = len(result.errs) == 0
	return result
}

// validateTimings checks the debounce, guard and retry knobs
func (c *Config) validateTimings(result *ValidationResult) {
	if c.SaveDelay <= 0 {
		result.fail(ErrInvalidSaveDelay)
	}
	if c.ReloadDelay <= 0 {
		result.fail(ErrInvalidReloadDelay)
	}
	if c.GuardWindow <= 0 {
		result.fail(ErrInvalidGuardWindow)
	}
	if c.ReadRetries < 0 {
		result.fail(ErrInvalidReadRetries)
	}
	if c.RetryInterval <= 0 {
		result.fail(ErrInvalidRetryInterval)
	}

	if c.GuardWindow > 0 && c.GuardWindow < 100*time.Millisecond {
		result.warn("guard window %v is shorter than typical OS event latency, own writes may trigger reloads", c.GuardWindow)
	}
	if c.SaveDelay > 10*time.Second {
		result.warn("save delay %v risks losing changes on crash", c.SaveDelay)
	}
	if total := time.Duration(c.ReadRetries) * c.RetryInterval; total > 5*time.Second {
		result.warn("locked files are retried for up to %v before a reload is skipped", total)
	}
}

// validateScheduler checks the task ring size
func (c *Config) validateScheduler(result *ValidationResult) {
	if c.SchedulerCapacity <= 0 || c.SchedulerCapacity&(c.SchedulerCapacity-1) != 0 {
		result.fail(ErrInvalidCapacity)
		return
	}
	if c.SchedulerCapacity > 4096 {
		result.warn("scheduler capacity %d is far above what settings traffic needs", c.SchedulerCapacity)
	}
}

// validateRoots checks that the settings roots are usable paths
func (c *Config) validateRoots(result *ValidationResult) {
	for _, root := range []string{c.UserDir, c.InstallDir} {
		if root == "" {
			continue
		}
		if err := validateSecurePath(root); err != nil {
			result.fail(errors.Wrap(err, ErrCodeInvalidConfig, "settings root is unsafe").
				WithContext("root", root))
			continue
		}
		if info, err := os.Stat(root); err == nil && !info.IsDir() {
			result.fail(errors.New(ErrCodeInvalidConfig, fmt.Sprintf("settings root '%s' is not a directory", root)))
		}
	}
}

// validateAuditConfig validates audit configuration if enabled
func (c *Config) validateAuditConfig(result *ValidationResult) {
	if !c.Audit.Enabled {
		return
	}

	if c.Audit.BufferSize < 0 {
		result.fail(ErrInvalidBufferSize)
	} else if c.Audit.BufferSize > 10000 {
		result.warn("large audit buffer size may consume significant memory")
	}

	if c.Audit.FlushInterval < 0 {
		result.fail(ErrInvalidFlushInterval)
	} else if c.Audit.FlushInterval == 0 {
		result.warn("audit flush interval is 0, events are written only when the buffer fills")
	}

	if c.Audit.OutputFile != "" {
		if err := validateOutputFile(c.Audit.OutputFile); err != nil {
			result.fail(err)
		}
	}
}

// validateOutputFile checks that the audit file path is usable
func validateOutputFile(outputFile string) error {
	cleanPath := filepath.Clean(outputFile)
	if cleanPath == "." || cleanPath == string(filepath.Separator) {
		return errors.New(ErrCodeInvalidOutputFile,
			fmt.Sprintf("path '%s' is not a valid file path", outputFile))
	}

	dir := filepath.Dir(cleanPath)
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			// Backends create missing directories
			return nil
		}
		return errors.Wrap(err, ErrCodeUnwritableOutput,
			fmt.Sprintf("cannot access directory '%s'", dir))
	}
	if !info.IsDir() {
		return errors.New(ErrCodeInvalidOutputFile,
			fmt.Sprintf("'%s' is not a directory", dir))
	}
	return nil
}

// ErrorCode extracts the code from an error produced by this package
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	var coder errors.ErrorCoder
	if goerrors.As(err, &coder) {
		return string(coder.ErrorCode())
	}
	return ""
}

// HasErrorCode reports whether err carries the given code
func HasErrorCode(err error, code string) bool {
	return err != nil && ErrorCode(err) == code
}
