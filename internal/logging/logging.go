// Package logging configures the process-wide structured loggers.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

var defaultLogger *slog.Logger

// Init sets up the default JSON logger on stdout at the given level and
// installs it as slog's default. Call once at startup.
func Init(level string) {
	InitWithWriter(os.Stdout, level)
}

// InitWithWriter is Init with an explicit destination, used by tests.
func InitWithWriter(w io.Writer, level string) {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)})
	defaultLogger = slog.New(handler)
	slog.SetDefault(defaultLogger)
}

// ParseLevel maps a config string onto a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// ForService returns a child of the default logger tagged with a 'service'
// attribute, so every component's lines can be filtered apart.
func ForService(name string) *slog.Logger {
	if defaultLogger == nil {
		return slog.Default().With("service", name)
	}
	return defaultLogger.With("service", name)
}

// InitFile sets up the default JSON logger writing to filePath with
// size-based rotation and installs it as slog's default. It returns a close
// function for the underlying writer.
func InitFile(filePath, level string) (func() error, error) {
	dir := filepath.Dir(filePath)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("logging: creating log directory %s: %w", dir, err)
		}
	}

	writer := &lumberjack.Logger{
		Filename:   filePath,
		MaxSize:    10, // megabytes
		MaxBackups: 5,
		MaxAge:     28, // days
	}

	InitWithWriter(writer, level)
	return writer.Close, nil
}
