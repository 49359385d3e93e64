package vecworker

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/hupe1980/vecworker/model"
)

// Logger wraps slog.Logger with worker-specific helpers.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs to stderr.
func NewJSONLogger(level slog.Level) *Logger {
	return NewLogger(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// NewTextLogger creates a Logger that outputs human-readable text logs to
// stderr.
func NewTextLogger(level slog.Level) *Logger {
	return NewLogger(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// NewWriterLogger creates a Logger that writes to w in the given format
// ("json" or "text").
func NewWriterLogger(w io.Writer, format string, level slog.Level) *Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return NewLogger(slog.NewJSONHandler(w, opts))
	}
	return NewLogger(slog.NewTextHandler(w, opts))
}

// NoopLogger creates a Logger that discards all log output.
func NoopLogger() *Logger {
	return NewLogger(slog.DiscardHandler)
}

// WithIndex adds the index identifier to the logger.
func (l *Logger) WithIndex(id model.ID) *Logger {
	return &Logger{
		Logger: l.Logger.With("index", id.String()),
	}
}

// LogStructural logs a create or destroy call.
func (l *Logger) LogStructural(ctx context.Context, op string, id model.ID, err error) {
	if err != nil {
		l.ErrorContext(ctx, op+" failed",
			"index", id.String(),
			"error", err,
		)
	} else {
		l.InfoContext(ctx, op+" completed",
			"index", id.String(),
		)
	}
}

// LogCall logs a read-path call. Failures are expected traffic and logged at
// debug level unless they are storage failures.
func (l *Logger) LogCall(ctx context.Context, op string, id model.ID, err error) {
	switch {
	case err == nil:
	case isStorageError(err):
		l.ErrorContext(ctx, op+" failed",
			"index", id.String(),
			"error", err,
		)
	default:
		l.DebugContext(ctx, op+" rejected",
			"index", id.String(),
			"error", err,
		)
	}
}

// LogRecovery logs the result of reopening a worker.
func (l *Logger) LogRecovery(ctx context.Context, opened int, reaped []string, err error) {
	if err != nil {
		l.ErrorContext(ctx, "worker recovery failed",
			"opened", opened,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "worker recovery completed",
			"opened", opened,
			"reaped", len(reaped),
		)
	}
}
