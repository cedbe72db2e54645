// Package logging builds the structured logger used across calsync.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Common attribute keys.
const (
	KeyPair        = "pair"
	KeySource      = "source"
	KeyDestination = "destination"
	KeySide        = "side"
	KeyError       = "error"
)

// Options configures the logger.
type Options struct {
	// Level sets the minimum log level. Defaults to info.
	Level slog.Level
	// Output is used when File is empty. Defaults to os.Stderr.
	Output io.Writer
	// JSON enables JSON output instead of text.
	JSON bool
	// File, when set, sends output to a size-rotated log file.
	File string
	// MaxSizeMB is the rotation size of File. Defaults to 10.
	MaxSizeMB int
	// MaxBackups is the number of rotated files kept. Defaults to 3.
	MaxBackups int
	// Tee also writes to Output when File is set.
	Tee bool
}

// New creates a logger with the given options. The returned closer releases
// the log file, if any.
func New(opts Options) (*slog.Logger, io.Closer) {
	if opts.Output == nil {
		opts.Output = os.Stderr
	}

	out := opts.Output
	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		if opts.MaxSizeMB == 0 {
			opts.MaxSizeMB = 10
		}
		if opts.MaxBackups == 0 {
			opts.MaxBackups = 3
		}
		file := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			Compress:   true,
		}
		closer = file
		out = file
		if opts.Tee {
			out = io.MultiWriter(file, opts.Output)
		}
	}

	handlerOpts := &slog.HandlerOptions{Level: opts.Level}

	var handler slog.Handler
	if opts.JSON {
		handler = slog.NewJSONHandler(out, handlerOpts)
	} else {
		handler = slog.NewTextHandler(out, handlerOpts)
	}

	return slog.New(handler), closer
}

// ParseLevel converts a level name (debug, info, warn, error) to a slog.Level.
// An empty name means info.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("invalid log level '%s'", name)
}

// Discard returns a logger that drops everything. Useful in tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type loggerKey struct{}

// NewContext returns a context with the logger attached.
func NewContext(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// FromContext returns the logger attached to ctx, or slog.Default().
func FromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
