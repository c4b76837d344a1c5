// Package logger provides the structured logger threaded through the
// checkpoint adapter via context.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger is the logging surface used by vitckpt packages.
// It wraps slog.Logger so tests can inject their own sink.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	With(args ...any) Logger
	WithGroup(name string) Logger
}

// SlogLogger is a Logger implementation that wraps slog.Logger.
type SlogLogger struct {
	logger *slog.Logger
}

// FromSlog adapts an existing slog.Handler.
func FromSlog(handler slog.Handler) Logger {
	return &SlogLogger{logger: slog.New(handler)}
}

// Default writes info and above to stderr as text.
func Default() Logger {
	return Text(os.Stderr, slog.LevelInfo)
}

// Discard drops every record.
func Discard() Logger {
	return FromSlog(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// Text writes logfmt-style records.
func Text(w io.Writer, level slog.Level) Logger {
	return FromSlog(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// JSON writes one JSON object per record, with source locations.
func JSON(w io.Writer, level slog.Level) Logger {
	return FromSlog(slog.NewJSONHandler(w, &slog.HandlerOptions{
		AddSource: true,
		Level:     level,
	}))
}

// Pretty writes colored, human oriented records for terminals.
func Pretty(w io.Writer, level slog.Level) Logger {
	return FromSlog(NewPrettyHandler(w, &slog.HandlerOptions{Level: level}))
}

// New builds a Logger for a --log-format value (pretty, json, text).
// Unknown formats fall back to pretty.
func New(format string, level slog.Level, w io.Writer) Logger {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		return JSON(w, level)
	case "text", "logfmt":
		return Text(w, level)
	default:
		return Pretty(w, level)
	}
}

// FromContext retrieves the Logger stored in ctx, or Default.
func FromContext(ctx context.Context) Logger {
	if logger, ok := ctx.Value(loggerKey{}).(Logger); ok {
		return logger
	}
	return Default()
}

// WithContext stores logger in ctx.
func WithContext(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

type loggerKey struct{}

func (l *SlogLogger) Debug(msg string, args ...any) {
	l.logger.Debug(msg, args...)
}

func (l *SlogLogger) Info(msg string, args ...any) {
	l.logger.Info(msg, args...)
}

func (l *SlogLogger) Warn(msg string, args ...any) {
	l.logger.Warn(msg, args...)
}

func (l *SlogLogger) Error(msg string, args ...any) {
	l.logger.Error(msg, args...)
}

func (l *SlogLogger) With(args ...any) Logger {
	return &SlogLogger{logger: l.logger.With(args...)}
}

func (l *SlogLogger) WithGroup(name string) Logger {
	return &SlogLogger{logger: l.logger.WithGroup(name)}
}

// ParseLevel converts a --log-level value to slog.Level. Unknown values map
// to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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
