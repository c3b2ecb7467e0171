// logging.go: structured logger fanned out to the console and the audit trail
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package actools

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	slogmulti "github.com/samber/slog-multi"
)

// LogConfig configures NewLogger
type LogConfig struct {
	Output io.Writer
	Level  slog.Level
	JSON   bool
}

// ParseLogLevel maps debug, info, warn and error to slog levels
func ParseLogLevel(name string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug, true
	case "info", "":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	}
	return slog.LevelInfo, false
}

// NewLogger builds the engine logger: a text or JSON handler on Output,
// plus, when audit is enabled, a handler copying warnings and errors into
// the audit trail.
func NewLogger(cfg LogConfig, audit *AuditLogger) *slog.Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: cfg.Level}

	var console slog.Handler
	if cfg.JSON {
		console = slog.NewJSONHandler(cfg.Output, opts)
	} else {
		console = slog.NewTextHandler(cfg.Output, opts)
	}

	if !audit.Enabled() {
		return slog.New(console)
	}
	return slog.New(slogmulti.Fanout(console, &auditHandler{audit: audit}))
}

// auditHandler records warning and error log lines as audit events
type auditHandler struct {
	audit  *AuditLogger
	attrs  []slog.Attr
	prefix string
}

func (h *auditHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= slog.LevelWarn && h.audit.Enabled()
}

func (h *auditHandler) Handle(_ context.Context, record slog.Record) error {
	fields := make(map[string]interface{}, len(h.attrs)+record.NumAttrs()+1)
	fields["message"] = record.Message

	var group, path string
	collect := func(key string, value slog.Value) {
		switch key {
		case "group":
			group = value.String()
		case "path", "dir":
			path = value.String()
		default:
			fields[key] = value.Resolve().Any()
		}
	}
	// Stored attrs already carry their group prefix
	for _, a := range h.attrs {
		collect(a.Key, a.Value)
	}
	record.Attrs(func(a slog.Attr) bool {
		collect(h.prefix+a.Key, a.Value)
		return true
	})

	// error values do not serialize as JSON, keep their text
	for k, v := range fields {
		if err, ok := v.(error); ok {
			fields[k] = err.Error()
		}
	}

	level := AuditWarn
	if record.Level >= slog.LevelError {
		level = AuditCritical
	}
	h.audit.Log(level, "log", group, path, fields)
	return nil
}

func (h *auditHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	prefixed := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		prefixed[i] = slog.Attr{Key: h.prefix + a.Key, Value: a.Value}
	}
	return &auditHandler{
		audit:  h.audit,
		attrs:  append(append([]slog.Attr(nil), h.attrs...), prefixed...),
		prefix: h.prefix,
	}
}

func (h *auditHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &auditHandler{
		audit:  h.audit,
		attrs:  h.attrs,
		prefix: h.prefix + name + ".",
	}
}
