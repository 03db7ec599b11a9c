// Package logger provides a structured, module-aware logging system built on Go's standard log/slog.
//
// Components receive a Logger through their configuration and fall back to a
// module of the global logger:
//
//	log := logger.Global().Module("lineage")
//	log.Info("reservation reclaimed",
//	    logger.String("legacy_id", req.LegacyID),
//	    logger.Duration("expired_for", age))
//
// Module loggers nest with dots ("migration.worker"). Levels are set per
// module with the module_levels map of the logging configuration.
//
// # Testing
//
//	buf := &bytes.Buffer{}
//	testLogger := logger.NewSlogLogger(buf, logger.LogLevelDebug, time.UTC)
//
//	// Silent tests
//	testLogger := logger.NewSlogLogger(io.Discard, logger.LogLevelError, time.UTC)
package logger

import (
	"context"
	"time"
	"unique"
)

// LogLevel represents log severity levels
type LogLevel string

const (
	LogLevelTrace LogLevel = "trace"
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// Field represents a structured log field.
// Keys are interned using unique.Make() so repeated keys share one allocation.
type Field struct {
	Key   string
	Value any
}

func internKey(key string) string {
	return unique.Make(key).Value()
}

var errorKey = internKey("error")

// Logger is the centralized logging interface for dependency injection
type Logger interface {
	// Module returns a logger scoped to a specific module
	Module(name string) Logger

	// Leveled logging methods
	Trace(msg string, fields ...Field)
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)

	// Context-aware logging
	With(fields ...Field) Logger
	WithContext(ctx context.Context) Logger

	// Log with explicit level
	Log(level LogLevel, msg string, fields ...Field)

	// Flush ensures all buffered logs are written
	Flush() error
}

// String creates a string field for structured logging.
//
// Example:
//
//	log.Info("job created",
//	    logger.String("job_id", job.ID),
//	    logger.String("entity_type", job.EntityType))
func String(key, value string) Field {
	return Field{Key: internKey(key), Value: value}
}

// Int creates an integer field for structured logging.
func Int(key string, value int) Field {
	return Field{Key: internKey(key), Value: value}
}

// Int64 creates a 64-bit integer field for structured logging.
func Int64(key string, value int64) Field {
	return Field{Key: internKey(key), Value: value}
}

// Float64 creates a 64-bit float field. Values are rounded to three decimals on output.
func Float64(key string, value float64) Field {
	return Field{Key: internKey(key), Value: value}
}

// Bool creates a boolean field for structured logging.
func Bool(key string, value bool) Field {
	return Field{Key: internKey(key), Value: value}
}

// Error creates an error field for structured logging.
//
// The field key is always "error". If err is nil, the value will be nil.
//
// Example:
//
//	if err := store.Commit(ctx, token, id, version, origin); err != nil {
//	    log.Warn("lineage commit failed",
//	        logger.Error(err),
//	        logger.String("legacy_id", rec.LegacyID))
//	}
func Error(err error) Field {
	if err == nil {
		return Field{Key: errorKey, Value: nil}
	}
	return Field{Key: errorKey, Value: err.Error()}
}

// Duration creates a duration field, rendered as a human-readable string.
func Duration(key string, value time.Duration) Field {
	return Field{Key: internKey(key), Value: value}
}

// Time creates a time field for structured logging.
func Time(key string, value time.Time) Field {
	return Field{Key: internKey(key), Value: value}
}

// Any creates a field with any value for structured logging.
// Prefer the type-specific constructors for simple types.
func Any(key string, value any) Field {
	return Field{Key: internKey(key), Value: value}
}
