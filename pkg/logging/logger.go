// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package logging provides structured logging for hub components.
//
// The logger is built on slog. By default it writes human-oriented
// text to stderr; with a LogDir it additionally writes JSON lines to
// a per-service daily file, so a long-running hub daemon keeps an
// greppable on-disk trail while the console stays readable.
//
// Basic usage:
//
//	logger := logging.New(logging.Config{Service: "datahub"})
//	defer logger.Close()
//	logger.Slog().Info("upload finished", "source", name, "records", n)
//
// The package does not redact anything. Callers must keep credentials
// and tokens out of log arguments.
package logging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// =============================================================================
// Levels
// =============================================================================

// ParseLevel maps a config string to a slog level. Unknown strings
// fall back to Info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// =============================================================================
// Configuration
// =============================================================================

// Config controls logger construction.
type Config struct {
	// Level is the minimum severity written anywhere.
	Level slog.Level

	// Service names the component; it prefixes the log file name and
	// is attached to every record as "service".
	Service string

	// LogDir enables file logging when non-empty. Supports a leading
	// "~". The directory is created on first use.
	LogDir string
}

// =============================================================================
// Logger
// =============================================================================

// Logger wraps a slog.Logger plus the file handle behind it.
type Logger struct {
	slogger *slog.Logger
	file    *os.File
}

// New builds a logger from config.
//
// Description:
//
//	Always installs a text handler on stderr. When cfg.LogDir is set,
//	a JSON handler on "<service>_<YYYY-MM-DD>.log" is fanned in via
//	multiHandler. File setup errors are not fatal: the hub should keep
//	running on stderr alone, so they are reported there and ignored.
//
// Inputs:
//
//	cfg - logger configuration. An empty Service defaults to "hub".
//
// Outputs:
//
//	*Logger - never nil. Close releases the log file if one was opened.
func New(cfg Config) *Logger {
	if cfg.Service == "" {
		cfg.Service = "hub"
	}

	opts := &slog.HandlerOptions{Level: cfg.Level}
	handlers := []slog.Handler{slog.NewTextHandler(os.Stderr, opts)}

	var file *os.File
	if cfg.LogDir != "" {
		dir := expandPath(cfg.LogDir)
		if err := os.MkdirAll(dir, 0o750); err != nil {
			fmt.Fprintf(os.Stderr, "logging: cannot create %s: %v\n", dir, err)
		} else {
			name := fmt.Sprintf("%s_%s.log", cfg.Service, time.Now().Format("2006-01-02"))
			f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
			if err != nil {
				fmt.Fprintf(os.Stderr, "logging: cannot open log file: %v\n", err)
			} else {
				file = f
				handlers = append(handlers, slog.NewJSONHandler(f, opts))
			}
		}
	}

	var h slog.Handler
	if len(handlers) == 1 {
		h = handlers[0]
	} else {
		h = &multiHandler{handlers: handlers}
	}

	return &Logger{
		slogger: slog.New(h).With("service", cfg.Service),
		file:    file,
	}
}

// Default returns a stderr-only Info logger.
func Default() *Logger {
	return New(Config{})
}

// Slog returns the underlying slog.Logger for passing into components.
func (l *Logger) Slog() *slog.Logger {
	return l.slogger
}

// Close releases the log file, if any. Safe to call twice.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	f := l.file
	l.file = nil
	return f.Close()
}

// =============================================================================
// Multi-Handler
// =============================================================================

// multiHandler fans one record out to every wrapped handler. A failing
// handler does not stop the others; the first error wins.
type multiHandler struct {
	handlers []slog.Handler
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, hh := range h.handlers {
		if hh.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	var first error
	for _, hh := range h.handlers {
		if !hh.Enabled(ctx, r.Level) {
			continue
		}
		if err := hh.Handle(ctx, r.Clone()); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make([]slog.Handler, len(h.handlers))
	for i, hh := range h.handlers {
		out[i] = hh.WithAttrs(attrs)
	}
	return &multiHandler{handlers: out}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	out := make([]slog.Handler, len(h.handlers))
	for i, hh := range h.handlers {
		out[i] = hh.WithGroup(name)
	}
	return &multiHandler{handlers: out}
}

// =============================================================================
// Helpers
// =============================================================================

// expandPath resolves a leading "~" against the home directory.
func expandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
