// Package logger provides structured logging using slog.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

const (
	// RunIDKey is the context key for the pipeline run ID.
	RunIDKey contextKey = "run_id"
	// DocumentKey is the context key for the document being processed.
	DocumentKey contextKey = "document"
)

// Config holds logger configuration.
type Config struct {
	Level      string `env:"LOG_LEVEL" default:"info"`
	Format     string `env:"LOG_FORMAT" default:"json"` // json or text
	AddSource  bool   `env:"LOG_ADD_SOURCE" default:"false"`
	TimeFormat string `env:"LOG_TIME_FORMAT" default:"2006-01-02T15:04:05.000Z07:00"`
}

// Logger wraps slog.Logger with additional functionality.
type Logger struct {
	*slog.Logger
}

// New creates a new Logger instance.
func New(cfg Config) *Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	if cfg.TimeFormat == "" {
		cfg.TimeFormat = "2006-01-02T15:04:05.000Z07:00"
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: cfg.AddSource,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.Format(cfg.TimeFormat))
				}
			}
			// Mask sensitive fields
			if a.Key == "password" || a.Key == "access_key" || a.Key == "secret_key" {
				a.Value = slog.StringValue("***REDACTED***")
			}
			return a
		},
	}

	var handler slog.Handler
	var output io.Writer = os.Stderr

	if cfg.Format == "text" {
		handler = slog.NewTextHandler(output, opts)
	} else {
		handler = slog.NewJSONHandler(output, opts)
	}

	return &Logger{
		Logger: slog.New(handler),
	}
}

// Default returns a default logger instance.
func Default() *Logger {
	return New(Config{
		Level:  "info",
		Format: "text",
	})
}

// WithContext returns a logger with context values extracted.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	logger := l.Logger

	if runID, ok := ctx.Value(RunIDKey).(string); ok && runID != "" {
		logger = logger.With("run_id", runID)
	}
	if doc, ok := ctx.Value(DocumentKey).(string); ok && doc != "" {
		logger = logger.With("document", doc)
	}

	return &Logger{Logger: logger}
}

// WithComponent returns a logger with component name.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{
		Logger: l.Logger.With("component", name),
	}
}

// WithFields returns a logger with additional fields.
func (l *Logger) WithFields(fields map[string]any) *Logger {
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return &Logger{
		Logger: l.Logger.With(args...),
	}
}

// WithError returns a logger with error field.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{
		Logger: l.Logger.With("error", err.Error()),
	}
}

// SetDefault sets this logger as the default slog logger.
func (l *Logger) SetDefault() {
	slog.SetDefault(l.Logger)
}
