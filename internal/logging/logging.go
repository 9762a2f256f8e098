// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package logging provides structured logging for relay-tui.
//
// Built on log/slog with lumberjack rotation. Components obtain child
// loggers via ForComponent so every record carries a component field.
package logging

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// =============================================================================
// COMPONENT NAMES
// =============================================================================

// Component constants for structured logging.
const (
	CompProtocol = "protocol"
	CompBatch    = "batch"
	CompToolCall = "toolcall"
	CompSession  = "session"
	CompStorage  = "storage"
	CompEngine   = "engine"
	CompConfig   = "config"
	CompUI       = "ui"
)

// =============================================================================
// CONFIGURATION
// =============================================================================

// Config holds logging configuration.
type Config struct {
	// LogDir is the directory for log files (e.g. ~/.relay). Empty disables
	// file logging; records are discarded unless Debug is set.
	LogDir string

	// Level is the minimum log level: "debug", "info", "warn", "error"
	Level string

	// Format is "json" (default) or "text"
	Format string

	// MaxSizeMB is the max log size in MB before rotation (default: 10)
	MaxSizeMB int

	// MaxBackups is the number of rotated files to keep (default: 5)
	MaxBackups int

	// MaxAgeDays is days to keep rotated files (default: 10)
	MaxAgeDays int

	// Compress rotated files
	Compress bool
}

var (
	globalMu     sync.RWMutex
	globalLogger *slog.Logger
)

// Init initializes the global logging system. Safe to call more than once;
// the last call wins.
func Init(cfg Config) {
	globalMu.Lock()
	defer globalMu.Unlock()

	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = 10
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = 5
	}
	if cfg.MaxAgeDays <= 0 {
		cfg.MaxAgeDays = 10
	}

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var w io.Writer = io.Discard
	if cfg.LogDir != "" {
		w = &lumberjack.Logger{
			Filename:   filepath.Join(cfg.LogDir, "relay.log"),
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	globalLogger = slog.New(handler)
}

// Logger returns the global logger. Safe to call before Init.
func Logger() *slog.Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	if globalLogger == nil {
		return slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return globalLogger
}

// ForComponent returns a sub-logger with the component field set.
// The returned logger resolves the global handler at log time, so loggers
// created as package-level vars before Init still pick up the real handler.
func ForComponent(name string) *slog.Logger {
	return slog.New(&dynamicHandler{component: name})
}

// dynamicHandler delegates to the current global handler at log time.
type dynamicHandler struct {
	component string
	attrs     []slog.Attr
	group     string
}

func (h *dynamicHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return Logger().Handler().Enabled(ctx, level)
}

func (h *dynamicHandler) Handle(ctx context.Context, r slog.Record) error {
	handler := Logger().Handler()
	handler = handler.WithAttrs([]slog.Attr{slog.String("component", h.component)})
	if len(h.attrs) > 0 {
		handler = handler.WithAttrs(h.attrs)
	}
	if h.group != "" {
		handler = handler.WithGroup(h.group)
	}
	return handler.Handle(ctx, r)
}

func (h *dynamicHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &dynamicHandler{component: h.component, attrs: merged, group: h.group}
}

func (h *dynamicHandler) WithGroup(name string) slog.Handler {
	return &dynamicHandler{component: h.component, attrs: h.attrs, group: name}
}
