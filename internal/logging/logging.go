// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package logging provides component-scoped structured logging for the
// daemon. Components obtain a logger with WithComponent and log key/value
// pairs; output goes to stderr and, when configured, to a remote syslog.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

// Logger is a structured logger bound to a component.
type Logger struct {
	s *slog.Logger
}

var (
	level    slog.LevelVar
	output   atomic.Pointer[slog.Logger]
	initOnce sync.Once
)

func root() *slog.Logger {
	initOnce.Do(func() {
		if output.Load() == nil {
			h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})
			output.Store(slog.New(h))
		}
	})
	return output.Load()
}

// Init configures the process-wide log destination and level. It may be
// called once at startup, before components start logging; later calls
// replace the destination for subsequently created loggers.
func Init(w io.Writer, levelName string) {
	SetLevel(levelName)
	h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: &level})
	output.Store(slog.New(h))
}

// SetLevel adjusts the minimum level: "debug", "info", "warn" or "error".
func SetLevel(name string) {
	switch strings.ToLower(name) {
	case "debug":
		level.Set(slog.LevelDebug)
	case "warn", "warning":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	default:
		level.Set(slog.LevelInfo)
	}
}

// Config controls construction of a standalone logger.
type Config struct {
	Level  string
	Output io.Writer
}

// DefaultConfig returns the default logger configuration.
func DefaultConfig() Config {
	return Config{Level: "info", Output: os.Stderr}
}

// New builds a logger independent of the process-wide destination. Most
// callers want WithComponent instead; New exists for tests and tools.
func New(cfg Config) *Logger {
	w := cfg.Output
	if w == nil {
		w = os.Stderr
	}
	var lv slog.LevelVar
	switch strings.ToLower(cfg.Level) {
	case "debug":
		lv.Set(slog.LevelDebug)
	case "warn", "warning":
		lv.Set(slog.LevelWarn)
	case "error":
		lv.Set(slog.LevelError)
	}
	return &Logger{s: slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: &lv}))}
}

// WithComponent returns a logger tagged with the given component name.
func WithComponent(name string) *Logger {
	return &Logger{s: root().With("component", name)}
}

// Default returns the untagged process logger.
func Default() *Logger {
	return &Logger{s: root()}
}

// WithError returns a logger that attaches the error to every record.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{s: l.s.With("error", err)}
}

// With returns a logger that attaches the given key/value pairs to every record.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{s: l.s.With(args...)}
}

func (l *Logger) Debug(msg string, args ...any) { l.s.Debug(msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.s.Info(msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.s.Warn(msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.s.Error(msg, args...) }
