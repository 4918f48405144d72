package seqheap

import (
	"io"
	"log/slog"
	"os"

	"github.com/hupe1980/seqheap/object"
)

// Logger wraps slog.Logger with seqheap-specific context.
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

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NoopLogger creates a Logger that discards all log output.
func NoopLogger() *Logger {
	return &Logger{
		Logger: slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
			Level: slog.Level(1000), // Unreachable level
		})),
	}
}

// WithRef adds an object reference field to the logger.
func (l *Logger) WithRef(r object.Ref) *Logger {
	return &Logger{
		Logger: l.Logger.With("ref", uint64(r)),
	}
}

// WithSize adds a size field to the logger.
func (l *Logger) WithSize(size int) *Logger {
	return &Logger{
		Logger: l.Logger.With("size", size),
	}
}

// LogNew logs a sequence construction.
func (l *Logger) LogNew(size int, r object.Ref, err error) {
	if err != nil {
		l.Error("sequence construction failed",
			"size", size,
			"error", err,
		)
	} else {
		l.Debug("sequence constructed",
			"size", size,
			"ref", uint64(r),
		)
	}
}

// LogDrain logs a drain of the deferred teardown queue.
func (l *Logger) LogDrain(processed int) {
	l.Debug("deferred teardowns drained",
		"processed", processed,
	)
}

// LogCollection logs a conservative collection.
func (l *Logger) LogCollection(swept, liveBlocks, pendingFinalizers int) {
	l.Info("collection completed",
		"swept", swept,
		"live_blocks", liveBlocks,
		"pending_finalizers", pendingFinalizers,
	)
}

// LogClose logs heap shutdown.
func (l *Logger) LogClose(err error) {
	if err != nil {
		l.Error("heap close failed",
			"error", err,
		)
	} else {
		l.Debug("heap closed")
	}
}
