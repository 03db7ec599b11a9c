package datastore

import (
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/mattn/go-sqlite3"
	"gorm.io/gorm"

	"github.com/tphakala/recordmigrate/internal/errors"
)

// Sentinel errors for storage operations.
var (
	// ErrDuplicateKey indicates a unique constraint violation.
	ErrDuplicateKey = errors.NewStd("duplicate key")

	// ErrImmutableRow indicates an update or delete of an append-only row.
	ErrImmutableRow = errors.NewStd("row is immutable")
)

const (
	mysqlErrDuplicateEntry = 1062
	mysqlErrCheckViolated  = 3819
	mysqlErrSignal         = 1644
)

// IsDuplicateKey reports whether err is a unique or primary key violation
// from either supported driver.
func IsDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) || errors.Is(err, ErrDuplicateKey) {
		return true
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == mysqlErrDuplicateEntry
	}
	return false
}

// DuplicateKeyOn reports whether err is a unique violation whose driver
// message names the given column or index. SQLite lists the offending
// columns, MySQL names the index.
func DuplicateKeyOn(err error, columnOrIndex string) bool {
	return IsDuplicateKey(err) && strings.Contains(err.Error(), columnOrIndex)
}

// IsCheckViolation reports whether err is a CHECK constraint violation.
func IsCheckViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintCheck
	}
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == mysqlErrCheckViolated
	}
	return false
}

// IsImmutableViolation reports whether err was raised by an append-only trigger.
func IsImmutableViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrImmutableRow) {
		return true
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintTrigger
	}
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == mysqlErrSignal
	}
	return false
}

// IsBusy reports whether err is lock contention that a retry may clear.
func IsBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1205 || mysqlErr.Number == 1213 // lock wait timeout, deadlock
	}
	return false
}
