// Package logging sets up the structured file logger shared by every
// Quill component.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Logger is a slog.Logger backed by an append-only log file.
type Logger struct {
	*slog.Logger

	mu   sync.Mutex
	file *os.File
}

// Options configures New.
type Options struct {
	// Path is the log file. Empty disables file logging.
	Path  string
	Level string
	// Mirror also writes records to this writer, e.g. os.Stderr for --verbose.
	Mirror io.Writer
}

// New creates a logger writing to opts.Path. Parent directories are created
// as needed. With no path and no mirror it returns a no-op logger.
func New(opts Options) (*Logger, error) {
	var writers []io.Writer
	l := &Logger{}

	if opts.Path != "" {
		if err := os.MkdirAll(filepath.Dir(opts.Path), 0755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(opts.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		l.file = f
		writers = append(writers, f)
	}
	if opts.Mirror != nil {
		writers = append(writers, opts.Mirror)
	}
	if len(writers) == 0 {
		return Nop(), nil
	}

	handler := slog.NewTextHandler(io.MultiWriter(writers...), &slog.HandlerOptions{Level: ParseLevel(opts.Level)})
	l.Logger = slog.New(handler)
	l.Info("log started", "pid", os.Getpid(), "at", time.Now().Format(time.RFC3339))
	return l, nil
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{Logger: Discard()}
}

// Discard returns a *slog.Logger that discards everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ParseLevel maps a level name to a slog level. Unknown names mean info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

// Close closes the log file. Safe to call on a nil or no-op logger.
func (l *Logger) Close() error {
	if l == nil || l.file == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	err := l.file.Close()
	l.file = nil
	return err
}
