package datastore

import (
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/tphakala/recordmigrate/internal/errors"
	"github.com/tphakala/recordmigrate/internal/observability/metrics"
)

// OperationRecorder receives per-statement database metrics.
// *metrics.DatastoreMetrics implements it.
type OperationRecorder interface {
	RecordDbOperation(operation, table, status string)
	RecordDbOperationDuration(operation, table string, duration float64)
	RecordDbOperationError(operation, table, errorType string)
	RecordRowsAffected(operation string, rows int64)
}

const startKey = "recordmigrate:metrics_start"

// UseMetrics installs gorm callbacks that time every statement on db and
// report it to rec.
func UseMetrics(db *gorm.DB, rec OperationRecorder) error {
	if rec == nil {
		return nil
	}
	return db.Use(&metricsPlugin{rec: rec})
}

type metricsPlugin struct {
	rec OperationRecorder
}

func (p *metricsPlugin) Name() string {
	return "recordmigrate:metrics"
}

func (p *metricsPlugin) Initialize(db *gorm.DB) error {
	cb := db.Callback()
	register := []struct {
		name   string
		op     string
		before func(string, func(*gorm.DB)) error
		after  func(string, func(*gorm.DB)) error
	}{
		{"create", metrics.OpDbInsert, cb.Create().Before("gorm:create").Register, cb.Create().After("gorm:create").Register},
		{"query", metrics.OpDbQuery, cb.Query().Before("gorm:query").Register, cb.Query().After("gorm:query").Register},
		{"update", metrics.OpDbUpdate, cb.Update().Before("gorm:update").Register, cb.Update().After("gorm:update").Register},
		{"delete", metrics.OpDbDelete, cb.Delete().Before("gorm:delete").Register, cb.Delete().After("gorm:delete").Register},
		{"raw", metrics.OpDbRaw, cb.Raw().Before("gorm:raw").Register, cb.Raw().After("gorm:raw").Register},
	}
	for _, r := range register {
		if err := r.before(fmt.Sprintf("metrics:before_%s", r.name), p.before); err != nil {
			return err
		}
		if err := r.after(fmt.Sprintf("metrics:after_%s", r.name), p.after(r.op)); err != nil {
			return err
		}
	}
	return nil
}

func (p *metricsPlugin) before(db *gorm.DB) {
	db.InstanceSet(startKey, time.Now())
}

func (p *metricsPlugin) after(op string) func(*gorm.DB) {
	return func(db *gorm.DB) {
		table := db.Statement.Table
		if table == "" {
			table = "unknown"
		}
		if v, ok := db.InstanceGet(startKey); ok {
			if start, ok := v.(time.Time); ok {
				p.rec.RecordDbOperationDuration(op, table, time.Since(start).Seconds())
			}
		}

		status := metrics.StatusSuccess
		if err := db.Error; err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			status = metrics.StatusError
			p.rec.RecordDbOperationError(op, table, errorType(err))
		}
		p.rec.RecordDbOperation(op, table, status)
		p.rec.RecordRowsAffected(op, db.RowsAffected)
	}
}

func errorType(err error) string {
	switch {
	case IsDuplicateKey(err):
		return "duplicate_key"
	case IsCheckViolation(err):
		return "check_violation"
	case IsImmutableViolation(err):
		return "immutable"
	case IsBusy(err):
		return "busy"
	default:
		return "other"
	}
}
