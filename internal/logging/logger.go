package logging

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
)

type Options struct {
	Level  string
	Format string
	Output io.Writer
}

type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	With(args ...any) Logger
}

type SlogLogger struct {
	logger *slog.Logger
}

func (l SlogLogger) Debug(msg string, args ...any) { l.logger.Debug(msg, args...) }
func (l SlogLogger) Info(msg string, args ...any)  { l.logger.Info(msg, args...) }
func (l SlogLogger) Warn(msg string, args ...any)  { l.logger.Warn(msg, args...) }
func (l SlogLogger) Error(msg string, args ...any) { l.logger.Error(msg, args...) }

func (l SlogLogger) With(args ...any) Logger {
	return SlogLogger{logger: l.logger.With(args...)}
}

func NewLogger(opts Options) (Logger, error) {
	level := parseLevel(opts.Level)
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	var handler slog.Handler

	switch strings.ToLower(strings.TrimSpace(opts.Format)) {
	case "", "text":
		handler = slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})
	case "json":
		handler = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	default:
		return nil, errors.New("unsupported log format")
	}

	return SlogLogger{logger: slog.New(handler)}, nil
}

// Nop discards everything.
func Nop() Logger {
	return SlogLogger{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func parseLevel(value string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(value)) {
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

type ctxKey struct{}

func WithLogger(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

func FromContext(ctx context.Context) Logger {
	if ctx != nil {
		if logger, ok := ctx.Value(ctxKey{}).(Logger); ok && logger != nil {
			return logger
		}
	}
	return defaultLogger()
}

func defaultLogger() Logger {
	return SlogLogger{logger: slog.New(slog.NewTextHandler(os.Stderr, nil))}
}
