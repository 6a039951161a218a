// Package logging sets up the process-wide slog logger (spec.md's
// AMBIENT STACK §2 addition): JSON structured logging with size/age-based
// rotation.
//
// Grounded on the teacher's CLI.initSlog (cmd/sand/main.go): a JSON
// handler writing to a single configurable log file, default to a tmp
// path when unset. Rotation is new here - the teacher truncates a single
// file on each run - so gopkg.in/natefinch/lumberjack.v2 is introduced as
// the io.Writer beneath slog.NewJSONHandler, following the idiomatic
// "lumberjack as an io.WriteCloser drop-in" usage pattern documented by
// that package.
package logging

import (
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the process logger.
type Options struct {
	FilePath   string // empty means stderr, no rotation
	Level      slog.Level
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// NoColorEnvVar names the no-color variable of spec.md §6's
// QT_MESSAGE_PATTERN convention for this Go rewrite. Nothing in this
// package reads it: the logger writes JSON only and has no colored
// console output.
const NoColorEnvVar = "AM_NO_COLOR_LOG"

// New builds and installs the process-wide slog default logger, returning
// the io.Closer for the underlying rotation writer (nil when logging to
// stderr).
func New(opts Options) *lumberjack.Logger {
	if opts.FilePath == "" {
		handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: opts.Level})
		slog.SetDefault(slog.New(handler))
		return nil
	}

	lj := &lumberjack.Logger{
		Filename:   opts.FilePath,
		MaxSize:    orDefault(opts.MaxSizeMB, 50),
		MaxBackups: orDefault(opts.MaxBackups, 5),
		MaxAge:     orDefault(opts.MaxAgeDays, 28),
	}

	handler := slog.NewJSONHandler(lj, &slog.HandlerOptions{Level: opts.Level})
	slog.SetDefault(slog.New(handler))
	return lj
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// ParseLevel maps the CLI's string level flag to slog.Level, matching the
// teacher's initSlog switch exactly (debug/info/warn/error, default info).
func ParseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
