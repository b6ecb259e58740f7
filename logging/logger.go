// Package logging provides a tiny abstraction over slog so downstream code can
// depend on a minimal interface (Logger) while allowing users to plug any
// structured logger.
package logging

import (
	"io"
	"log/slog"
	"os"
)

// Logger defines the minimal structured logging interface used throughout
// AgentOS. Implementations must be safe for concurrent use.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// SlogAdapter wraps *slog.Logger to implement the Logger interface.
type SlogAdapter struct {
	*slog.Logger
}

// Debug logs a debug message.
func (s *SlogAdapter) Debug(msg string, args ...any) { s.Logger.Debug(msg, args...) }

// Info logs an informational message.
func (s *SlogAdapter) Info(msg string, args ...any) { s.Logger.Info(msg, args...) }

// Warn logs a warning message.
func (s *SlogAdapter) Warn(msg string, args ...any) { s.Logger.Warn(msg, args...) }

// Error logs an error message.
func (s *SlogAdapter) Error(msg string, args ...any) { s.Logger.Error(msg, args...) }

// NewSlogAdapter creates a Logger from *slog.Logger.
func NewSlogAdapter(logger *slog.Logger) Logger {
	return &SlogAdapter{Logger: logger}
}

// NewDefaultLogger creates a Logger using slog.Default().
func NewDefaultLogger() Logger {
	return NewSlogAdapter(slog.Default())
}

// Options configures NewJSONLogger / NewTextLogger.
type Options struct {
	Level     slog.Level
	Output    io.Writer
	AddSource bool
}

// NewJSONLogger builds a JSON structured Logger writing to opts.Output
// (stdout by default).
func NewJSONLogger(optFns ...func(o *Options)) Logger {
	opts := Options{Level: slog.LevelInfo, Output: os.Stdout}
	for _, fn := range optFns {
		fn(&opts)
	}
	handler := slog.NewJSONHandler(opts.Output, &slog.HandlerOptions{Level: opts.Level, AddSource: opts.AddSource})
	return NewSlogAdapter(slog.New(handler))
}

// NewTextLogger builds a human readable text Logger.
func NewTextLogger(optFns ...func(o *Options)) Logger {
	opts := Options{Level: slog.LevelInfo, Output: os.Stderr}
	for _, fn := range optFns {
		fn(&opts)
	}
	handler := slog.NewTextHandler(opts.Output, &slog.HandlerOptions{Level: opts.Level, AddSource: opts.AddSource})
	return NewSlogAdapter(slog.New(handler))
}

// NoOpLogger discards all log messages. Useful for testing or when logging is disabled.
type NoOpLogger struct{}

// Debug logs a debug message.
func (NoOpLogger) Debug(string, ...any) {}

// Info logs an informational message.
func (NoOpLogger) Info(string, ...any) {}

// Warn logs a warning message.
func (NoOpLogger) Warn(string, ...any) {}

// Error logs an error message.
func (NoOpLogger) Error(string, ...any) {}
