package logger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	gorm_logger "gorm.io/gorm/logger"
)

// DefaultMaxSQLLength bounds logged statements. Quarantine inserts carry
// whole raw legacy payloads and would otherwise flood the log.
const DefaultMaxSQLLength = 1024

// GormLoggerAdapter adapts Logger to GORM's logger.Interface.
//
// Every statement is logged with its operation and target table, so
// lineage traffic can be told apart from snapshot traffic when the
// datastore module is set to "trace". Errors the caller settles itself,
// such as the unique violation that decides a reservation race, are
// logged at DEBUG instead of WARN.
//
// Usage:
//
//	gormLogger := logger.NewGormLoggerAdapter(log, 200*time.Millisecond,
//		logger.WithExpectedErrors(datastore.IsDuplicateKey))
//	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormLogger})
type GormLoggerAdapter struct {
	logger        Logger
	slowThreshold time.Duration
	expected      func(error) bool
	maxSQL        int
}

// GormOption configures a GormLoggerAdapter.
type GormOption func(*GormLoggerAdapter)

// WithExpectedErrors sets the predicate for errors that callers handle
// and that are not worth a warning.
func WithExpectedErrors(fn func(error) bool) GormOption {
	return func(a *GormLoggerAdapter) {
		a.expected = fn
	}
}

// WithMaxSQLLength truncates logged statements to n bytes. 0 disables.
func WithMaxSQLLength(n int) GormOption {
	return func(a *GormLoggerAdapter) {
		a.maxSQL = n
	}
}

// NewGormLoggerAdapter creates a new GORM logger adapter.
// Queries slower than slowThreshold are logged at WARN. Use 0 to disable.
func NewGormLoggerAdapter(logger Logger, slowThreshold time.Duration, opts ...GormOption) *GormLoggerAdapter {
	if logger == nil {
		logger = NewSlogLogger(nil, LogLevelInfo, nil)
	}
	a := &GormLoggerAdapter{
		logger:        logger,
		slowThreshold: slowThreshold,
		maxSQL:        DefaultMaxSQLLength,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// LogMode returns the adapter itself; levels come from the module configuration.
func (a *GormLoggerAdapter) LogMode(_ gorm_logger.LogLevel) gorm_logger.Interface {
	return a
}

// Info logs GORM informational messages at DEBUG level.
func (a *GormLoggerAdapter) Info(ctx context.Context, msg string, data ...any) {
	a.logger.WithContext(ctx).Debug(fmt.Sprintf(msg, data...))
}

func (a *GormLoggerAdapter) Warn(ctx context.Context, msg string, data ...any) {
	a.logger.WithContext(ctx).Warn(fmt.Sprintf(msg, data...))
}

func (a *GormLoggerAdapter) Error(ctx context.Context, msg string, data ...any) {
	a.logger.WithContext(ctx).Error(fmt.Sprintf(msg, data...))
}

// Trace logs one executed statement.
func (a *GormLoggerAdapter) Trace(ctx context.Context, begin time.Time, fc func() (sql string, rowsAffected int64), err error) {
	elapsed := time.Since(begin)
	sql, rows := fc()
	op, table := Statement(sql)
	log := a.logger.WithContext(ctx).With(String("op", op), String("table", table))

	fields := []Field{
		String("sql", a.clip(sql)),
		Int64("rows_affected", rows),
		Int64("duration_ms", elapsed.Milliseconds()),
	}

	switch {
	case err != nil && errors.Is(err, gorm.ErrRecordNotFound):
		log.Trace("sql query", fields...)

	case err != nil && a.expected != nil && a.expected(err):
		log.Debug("query rejected", append(fields, Error(err))...)

	case err != nil:
		log.Warn("query error", append(fields, Error(err))...)

	case a.slowThreshold > 0 && elapsed > a.slowThreshold:
		log.Warn("slow query", append(fields, Duration("threshold", a.slowThreshold))...)

	default:
		log.Trace("sql query", fields...)
	}
}

func (a *GormLoggerAdapter) clip(sql string) string {
	if a.maxSQL <= 0 || len(sql) <= a.maxSQL {
		return sql
	}
	return sql[:a.maxSQL] + "..."
}

// Statement returns the lower-case operation of sql and the table it
// reads or writes. Either is empty when it cannot be told.
func Statement(sql string) (op, table string) {
	words := strings.Fields(sql)
	if len(words) == 0 {
		return "", ""
	}
	op = strings.ToLower(words[0])

	var marker string
	switch op {
	case "select", "delete":
		marker = "from"
	case "insert", "replace":
		marker = "into"
	case "update":
		if len(words) > 1 {
			table = unquote(words[1])
		}
		return op, table
	default:
		return op, ""
	}

	for i := 1; i < len(words)-1; i++ {
		if strings.EqualFold(words[i], marker) {
			return op, unquote(words[i+1])
		}
	}
	return op, ""
}

func unquote(name string) string {
	name = strings.TrimRight(name, "(,;")
	return strings.Trim(name, "`\"")
}
