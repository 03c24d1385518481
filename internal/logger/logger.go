// Package logger builds the process logger: human readable records on stderr
// and, optionally, a rotated diagnostic log file.
package logger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default logging configuration constants
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Config describes logging destinations for the CLI.
// Rotation parameters follow lumberjack semantics.
type Config struct {
	Level      slog.Level // minimum level written to stderr
	File       string     // optional log file, always written at debug level
	MaxSizeMB  int        // megabytes before rotation (default 10)
	MaxBackups int        // number of backups to keep (default 3)
	MaxAgeDays int        // days to keep (default 7)
	Compress   bool       // Gzip rotated files
	NoColor    bool       // plain text on stderr
}

// FileWriter returns the rotating writer for c.File, or nil when no file is
// configured.
func (c Config) FileWriter() io.WriteCloser {
	if c.File == "" {
		return nil
	}
	return &lj.Logger{
		Filename:   c.File,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

// New builds a logger writing to stderr and to the configured file. The
// returned closer flushes the file sink and is never nil.
func New(stderr io.Writer, c Config) (*slog.Logger, io.Closer) {
	opts := &slog.HandlerOptions{Level: c.Level}
	var console slog.Handler
	if c.NoColor {
		console = slog.NewTextHandler(stderr, opts)
	} else {
		console = NewColorTextHandler(stderr, opts, false)
	}

	fw := c.FileWriter()
	if fw == nil {
		return slog.New(console), nopCloser{}
	}
	file := slog.NewJSONHandler(fw, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(fanout{console, file}), fw
}

// ParseLevel maps a level name to a slog.Level. Unknown names yield warn.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "error":
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}

// fanout sends each record to every handler that accepts its level.
type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, l slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, l) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f fanout) WithGroup(name string) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
