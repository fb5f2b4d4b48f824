// Package logging sets up the Agent's own structured, leveled, optionally
// file-rotated log output. It is unrelated to the managed Factorio
// process's stdout/stderr, which the supervisor classifies and forwards
// to the gateway instead of writing to disk itself.
package logging

import (
	"io"
	"log/slog"
	"os"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation parameters, used when the corresponding Config field
// is zero or negative.
const (
	DefaultMaxSizeMB  = 10
	DefaultMaxBackups = 3
	DefaultMaxAgeDays = 7
)

// Config describes where and how verbosely the Agent logs its own activity.
type Config struct {
	Level string // "debug", "info", "warn", "error"
	// FilePath, if set, rotates logs to disk via lumberjack: with Color
	// set, output goes to both stderr and the file; without it, to the
	// file only. Empty means stderr only.
	FilePath   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
	// Color enables ANSI level coloring; disable for file-only output.
	Color bool
}

// Setup builds the default slog.Logger for the Agent process and installs
// it as slog.Default. It returns the logger for callers that prefer to
// thread it explicitly.
func Setup(cfg Config) *slog.Logger {
	logger := New(cfg)
	slog.SetDefault(logger)
	return logger
}

// New builds a slog.Logger per cfg without touching the package default.
func New(cfg Config) *slog.Logger {
	var w io.Writer = os.Stderr
	if cfg.FilePath != "" {
		fileW := &lj.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    valOr(cfg.MaxSizeMB, DefaultMaxSizeMB),
			MaxBackups: valOr(cfg.MaxBackups, DefaultMaxBackups),
			MaxAge:     valOr(cfg.MaxAgeDays, DefaultMaxAgeDays),
			Compress:   cfg.Compress,
		}
		if cfg.Color {
			w = io.MultiWriter(os.Stderr, fileW)
		} else {
			w = fileW
		}
	}

	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	var handler slog.Handler
	if cfg.Color {
		handler = NewColorTextHandler(w, opts, true)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func valOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
