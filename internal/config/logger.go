package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

func parseLogLevel(s string) (slog.Level, bool) {
	switch s {
	case "debug":
		return slog.LevelDebug, true
	case "info", "":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}

// NewLogger creates a structured JSON logger writing to w at the given level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}

// SetupLogger builds the application logger from c. Logs go to stdout unless
// c.File is set, in which case they go to a rotated file. The returned closer
// releases the file and is a no-op for stdout.
func SetupLogger(c LogConfig) (*slog.Logger, io.Closer, error) {
	level, _ := parseLogLevel(c.Level)

	var w io.Writer = os.Stdout
	var closer io.Closer = nopCloser{}
	if c.File != "" {
		if dir := filepath.Dir(c.File); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, nil, err
			}
		}
		lj := &lumberjack.Logger{
			Filename:   c.File,
			MaxSize:    max(c.Rotation.MaxSizeMB, 1),
			MaxBackups: c.Rotation.MaxBackups,
			MaxAge:     c.Rotation.MaxAgeDays,
			Compress:   c.Rotation.Compress,
		}
		w, closer = lj, lj
	}

	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if c.Format == "text" {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}
	return slog.New(h), closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
