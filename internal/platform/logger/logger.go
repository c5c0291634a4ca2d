package logger

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// New initializes a new slog.Logger writing JSON to stdout.
// Log level can be debug, info, warn, error
func New(level string) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: ParseLevel(level)}))
}

// NewWithFile returns a logger that writes JSON to stdout and to a rotated
// file at path. An empty path behaves like New. The returned closer
// releases the file and must be called on shutdown.
func NewWithFile(level, path string) (*slog.Logger, io.Closer, error) {
	if path == "" {
		return New(level), nopCloser{}, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, nil, err
	}

	rotator := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    100, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
		Compress:   true,
	}

	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	handler := slog.NewJSONHandler(io.MultiWriter(os.Stdout, rotator), opts)
	return slog.New(handler), rotator, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// ParseLevel maps a textual level to slog.Level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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
