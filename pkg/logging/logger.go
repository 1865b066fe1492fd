// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package logging provides structured logging for histstore components.
//
// The package is a thin layer over the standard library's slog:
//
//   - Default: stderr output (follows Unix conventions)
//   - Optional: file logging with automatic directory creation
//
// # Basic Usage
//
// For simple usage with stderr output:
//
//	logger := logging.Default()
//	logger.Info("patched record", "collection", name, "version", v)
//
// # File Logging
//
// To enable file logging alongside stderr:
//
//	logger, err := logging.New(logging.Config{
//	    Level:   logging.LevelDebug,
//	    LogDir:  "/var/log/histstore",
//	    Service: "importer",
//	})
//	defer logger.Close()
//
// File logs are JSON named "{service}_{date}.log", intended for machine
// processing.
//
// # Thread Safety
//
// Logger is safe for concurrent use.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Level represents log severity, ordered Debug < Info < Warn < Error.
type Level int

const (
	// LevelDebug is for development troubleshooting.
	LevelDebug Level = iota

	// LevelInfo is for normal operational messages.
	LevelInfo

	// LevelWarn is for potentially problematic situations the system can
	// tolerate, like chain anomalies skipped during reconstruction.
	LevelWarn

	// LevelError is for failed operations.
	LevelError
)

// String returns "DEBUG", "INFO", "WARN", "ERROR", or "UNKNOWN".
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l Level) toSlogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config configures Logger behavior. A zero-value Config creates a logger
// that writes Info+ messages to stderr in text format.
type Config struct {
	// Level sets the minimum log level. Messages below it are discarded.
	// Default: LevelInfo.
	Level Level

	// LogDir enables file logging to the specified directory. When set,
	// logs go to both stderr and a "{Service}_{YYYY-MM-DD}.log" JSON file.
	// The directory is created with 0750 permissions if absent.
	// Default: "" (file logging disabled).
	LogDir string

	// Service identifies the component generating logs; included in every
	// entry as the "service" attribute when set.
	Service string

	// JSON switches stderr output to JSON format. File logs are always
	// JSON regardless.
	JSON bool

	// Quiet disables stderr output; logs go only to the file (if LogDir
	// is set).
	Quiet bool
}

// Logger wraps slog.Logger with file lifecycle management.
type Logger struct {
	*slog.Logger
	file *os.File
}

// Default returns a logger with zero-value Config: Info level, stderr,
// text format.
func Default() *Logger {
	l, _ := New(Config{})
	return l
}

// New creates a Logger from the given configuration.
//
// Outputs:
//
//	*Logger - The logger. Call Close when LogDir is set.
//	error - Non-nil if the log directory or file cannot be created.
func New(cfg Config) (*Logger, error) {
	handlerOpts := &slog.HandlerOptions{Level: cfg.Level.toSlogLevel()}

	var handlers []slog.Handler
	if !cfg.Quiet {
		if cfg.JSON {
			handlers = append(handlers, slog.NewJSONHandler(os.Stderr, handlerOpts))
		} else {
			handlers = append(handlers, slog.NewTextHandler(os.Stderr, handlerOpts))
		}
	}

	var file *os.File
	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0750); err != nil {
			return nil, fmt.Errorf("create log directory %s: %w", cfg.LogDir, err)
		}
		name := fmt.Sprintf("%s_%s.log", serviceOrDefault(cfg.Service), time.Now().Format("2006-01-02"))
		f, err := os.OpenFile(filepath.Join(cfg.LogDir, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		file = f
		handlers = append(handlers, slog.NewJSONHandler(f, handlerOpts))
	}

	var base *slog.Logger
	switch len(handlers) {
	case 0:
		base = slog.New(slog.NewTextHandler(io.Discard, handlerOpts))
	case 1:
		base = slog.New(handlers[0])
	default:
		base = slog.New(&multiHandler{handlers: handlers})
	}
	if cfg.Service != "" {
		base = base.With(slog.String("service", cfg.Service))
	}
	return &Logger{Logger: base, file: file}, nil
}

// Close flushes and closes the log file, if any. Safe when file logging is
// disabled.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

func serviceOrDefault(service string) string {
	if service == "" {
		return "histstore"
	}
	return service
}
