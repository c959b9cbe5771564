// Package logging provides structured logging using Go's slog package.
package logging

import (
	"context"
	"log/slog"
	"os"
	"time"
)

// ContextKey is a type for context keys to avoid collisions.
type ContextKey string

const (
	// RequestIDKey is the context key for request IDs.
	RequestIDKey ContextKey = "request_id"
)

var (
	// defaultLogger is the global logger instance.
	defaultLogger *slog.Logger
)

func init() {
	// Initialize with a default logger (JSON format, Info level)
	InitLogger(LevelInfo, FormatJSON)
}

// Level represents a log level.
type Level int

const (
	// LevelDebug is for debug messages.
	LevelDebug Level = iota
	// LevelInfo is for informational messages.
	LevelInfo
	// LevelWarn is for warning messages.
	LevelWarn
	// LevelError is for error messages.
	LevelError
)

// Format represents a log output format.
type Format int

const (
	// FormatJSON outputs logs in JSON format.
	FormatJSON Format = iota
	// FormatText outputs logs in human-readable text format.
	FormatText
)

// InitLogger initializes the global logger with the specified level and format.
func InitLogger(level Level, format Format) {
	var slogLevel slog.Level
	switch level {
	case LevelDebug:
		slogLevel = slog.LevelDebug
	case LevelInfo:
		slogLevel = slog.LevelInfo
	case LevelWarn:
		slogLevel = slog.LevelWarn
	case LevelError:
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: slogLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			// Customize timestamp format
			if a.Key == slog.TimeKey {
				return slog.String(slog.TimeKey, a.Value.Time().Format(time.RFC3339))
			}
			return a
		},
	}

	var handler slog.Handler
	if format == FormatJSON {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	defaultLogger = slog.New(handler)
	slog.SetDefault(defaultLogger)
}

// GetLogger returns the global logger instance.
func GetLogger() *slog.Logger {
	return defaultLogger
}

// WithRequestID adds a request ID to the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetRequestID retrieves the request ID from the context.
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}

// LoggerFromContext returns a logger with context values attached.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	logger := defaultLogger
	if requestID := GetRequestID(ctx); requestID != "" {
		logger = logger.With("request_id", requestID)
	}
	return logger
}

// Helper functions for common logging patterns

// Debug logs a debug message with optional key-value pairs.
func Debug(msg string, args ...any) {
	defaultLogger.Debug(msg, args...)
}

// Info logs an info message with optional key-value pairs.
func Info(msg string, args ...any) {
	defaultLogger.Info(msg, args...)
}

// Warn logs a warning message with optional key-value pairs.
func Warn(msg string, args ...any) {
	defaultLogger.Warn(msg, args...)
}

// Error logs an error message with optional key-value pairs.
func Error(msg string, args ...any) {
	defaultLogger.Error(msg, args...)
}

// DebugContext logs a debug message with context.
func DebugContext(ctx context.Context, msg string, args ...any) {
	LoggerFromContext(ctx).Debug(msg, args...)
}

// InfoContext logs an info message with context.
func InfoContext(ctx context.Context, msg string, args ...any) {
	LoggerFromContext(ctx).Info(msg, args...)
}

// WarnContext logs a warning message with context.
func WarnContext(ctx context.Context, msg string, args ...any) {
	LoggerFromContext(ctx).Warn(msg, args...)
}

// ErrorContext logs an error message with context.
func ErrorContext(ctx context.Context, msg string, args ...any) {
	LoggerFromContext(ctx).Error(msg, args...)
}

// TableStarted logs the beginning of a table's conversion.
func TableStarted(ctx context.Context, runID, table string, estimatedRows int64, args ...any) {
	allArgs := []any{
		"run_id", runID,
		"table", table,
		"estimated_rows", estimatedRows,
	}
	allArgs = append(allArgs, args...)
	LoggerFromContext(ctx).Info("table_started", allArgs...)
}

// TableCompleted logs the end of a table's conversion, successful or not.
func TableCompleted(ctx context.Context, runID, table string, rowsWritten int64, duration time.Duration, args ...any) {
	allArgs := []any{
		"run_id", runID,
		"table", table,
		"rows_written", rowsWritten,
		"duration_ms", duration.Milliseconds(),
	}
	allArgs = append(allArgs, args...)
	LoggerFromContext(ctx).Info("table_completed", allArgs...)
}

// PageSkipped logs a page that failed to decode and was skipped rather than
// aborting the whole run.
func PageSkipped(ctx context.Context, runID, table string, pageOffset int64, reason string, args ...any) {
	allArgs := []any{
		"run_id", runID,
		"table", table,
		"page_offset", pageOffset,
		"reason", reason,
	}
	allArgs = append(allArgs, args...)
	LoggerFromContext(ctx).Warn("page_skipped", allArgs...)
}

// RowDecodeFailed logs a single row that could not be decoded.
func RowDecodeFailed(ctx context.Context, runID, table string, recordNumber int64, err error, args ...any) {
	allArgs := []any{
		"run_id", runID,
		"table", table,
		"record_number", recordNumber,
		"error", err.Error(),
	}
	allArgs = append(allArgs, args...)
	LoggerFromContext(ctx).Warn("row_decode_failed", allArgs...)
}

// BatchCommitted logs a successfully committed batch of rows.
func BatchCommitted(ctx context.Context, runID, table string, batchSize int, args ...any) {
	allArgs := []any{
		"run_id", runID,
		"table", table,
		"batch_size", batchSize,
	}
	allArgs = append(allArgs, args...)
	LoggerFromContext(ctx).Debug("batch_committed", allArgs...)
}

// GovernorAdjusted logs a change in batch size made by the resilience
// governor in response to observed memory pressure.
func GovernorAdjusted(ctx context.Context, runID string, oldBatchSize, newBatchSize int, rssBytes uint64, args ...any) {
	allArgs := []any{
		"run_id", runID,
		"old_batch_size", oldBatchSize,
		"new_batch_size", newBatchSize,
		"rss_bytes", rssBytes,
	}
	allArgs = append(allArgs, args...)
	LoggerFromContext(ctx).Info("governor_adjusted", allArgs...)
}

// RunCancelled logs that a conversion run was cancelled, recording how far
// it got so a later resume can be audited against this entry.
func RunCancelled(ctx context.Context, runID, table string, rowsWritten int64, args ...any) {
	allArgs := []any{
		"run_id", runID,
		"table", table,
		"rows_written", rowsWritten,
	}
	allArgs = append(allArgs, args...)
	LoggerFromContext(ctx).Warn("run_cancelled", allArgs...)
}
