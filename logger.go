package mvccdb

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/hupe1980/mvccdb/internal/persist"
)

// Logger wraps slog.Logger with mvccdb-specific context.
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
	return NewLogger(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	return NewLogger(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// NoopLogger creates a Logger that discards all log output.
func NoopLogger() *Logger {
	return &Logger{Logger: slog.New(slog.DiscardHandler)}
}

// WithComponent tags records with the emitting subsystem.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{Logger: l.Logger.With("component", name)}
}

// WithSession adds a session field to the logger.
func (l *Logger) WithSession(id uint64) *Logger {
	return &Logger{Logger: l.Logger.With("session", id)}
}

// WithTxn adds the begin timestamp of a transaction to the logger.
func (l *Logger) WithTxn(beginTS uint64) *Logger {
	return &Logger{Logger: l.Logger.With("begin_ts", beginTS)}
}

// LogCommit logs the end of a commit as seen by the caller.
func (l *Logger) LogCommit(ctx context.Context, duration time.Duration, err error) {
	switch {
	case err == nil:
		l.DebugContext(ctx, "commit completed", "duration", duration)
	case isConflict(err) && !errors.Is(err, ErrPersistence):
		l.DebugContext(ctx, "commit aborted", "duration", duration)
	default:
		l.ErrorContext(ctx, "commit failed", "duration", duration, "error", err)
	}
}

// LogRollback logs an explicit rollback.
func (l *Logger) LogRollback(ctx context.Context, err error) {
	if err != nil {
		l.WarnContext(ctx, "rollback failed", "error", err)
		return
	}
	l.DebugContext(ctx, "rollback completed")
}

// LogRecovery logs the outcome of startup recovery.
func (l *Logger) LogRecovery(ctx context.Context, info persist.RecoveryInfo, err error) {
	if err != nil {
		l.ErrorContext(ctx, "recovery failed", "error", err)
		return
	}
	l.InfoContext(ctx, "database recovered",
		"objects", info.Objects,
		"checkpoint_ts", info.CheckpointTS,
		"replayed", info.Replayed,
		"max_id", uint64(info.MaxID),
		"duration", info.Duration,
	)
}

// LogCheckpoint logs a checkpoint.
func (l *Logger) LogCheckpoint(ctx context.Context, info persist.CheckpointInfo, err error) {
	if err != nil {
		l.ErrorContext(ctx, "checkpoint failed", "error", err)
		return
	}
	l.InfoContext(ctx, "checkpoint written",
		"name", info.Name,
		"objects", info.Objects,
		"bytes", info.Bytes,
		"duration", info.Duration,
	)
}
