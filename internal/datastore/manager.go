// Package datastore opens the migration engine database and owns its schema.
package datastore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/tphakala/recordmigrate/internal/datastore/entities"
	"github.com/tphakala/recordmigrate/internal/errors"
	"github.com/tphakala/recordmigrate/internal/logger"
)

// Manager defines the interface for database lifecycle operations.
type Manager interface {
	// Initialize creates the schema, constraints and triggers.
	Initialize(ctx context.Context) error
	// DB returns the underlying GORM database.
	DB() *gorm.DB
	// Path returns the database location for display.
	Path() string
	// Close closes the database connection.
	Close() error
	// IsMySQL returns true if this is a MySQL manager.
	IsMySQL() bool
}

// SQLiteConfig holds configuration for the SQLite manager.
type SQLiteConfig struct {
	// Path is the database file. Parent directories are created.
	Path string
	// Logger receives GORM logs; defaults to the global "datastore" module.
	Logger logger.Logger
	// SlowQueryThreshold logs slower queries at WARN. 0 disables.
	SlowQueryThreshold time.Duration
}

// SQLiteManager handles the migration database on SQLite.
type SQLiteManager struct {
	db     *gorm.DB
	dbPath string
}

// NewSQLiteManager opens (creating if needed) the SQLite database at cfg.Path.
func NewSQLiteManager(cfg SQLiteConfig) (*SQLiteManager, error) {
	if cfg.Path == "" {
		return nil, errors.Newf("sqlite path is required").
			Component("datastore").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, errors.New(fmt.Errorf("failed to create database directory: %w", err)).
				Component("datastore").
				Category(errors.CategoryDatabase).
				Context("path", dir).
				Build()
		}
	}

	log := cfg.Logger
	if log == nil {
		log = logger.Global().Module("datastore")
	}

	// WAL lets readers proceed during writes; immediate transactions take the
	// write lock up front so busy_timeout applies instead of failing on upgrade.
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=10000&_foreign_keys=ON&_txlock=immediate", cfg.Path)

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.NewGormLoggerAdapter(log, cfg.SlowQueryThreshold, logger.WithExpectedErrors(IsDuplicateKey)),
	})
	if err != nil {
		return nil, errors.New(fmt.Errorf("failed to open database: %w", err)).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("path", cfg.Path).
			Build()
	}

	return &SQLiteManager{db: db, dbPath: cfg.Path}, nil
}

// Initialize runs AutoMigrate for all entities and installs the
// append-only triggers.
func (m *SQLiteManager) Initialize(ctx context.Context) error {
	db := m.db.WithContext(ctx)
	if err := db.AutoMigrate(entities.All()...); err != nil {
		return errors.New(fmt.Errorf("failed to migrate schema: %w", err)).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Build()
	}
	for _, t := range immutableTables {
		for _, stmt := range sqliteTriggers(t) {
			if err := db.Exec(stmt).Error; err != nil {
				return errors.New(fmt.Errorf("failed to create trigger on %s: %w", t.table, err)).
					Component("datastore").
					Category(errors.CategoryDatabase).
					Build()
			}
		}
	}
	return nil
}

// DB returns the underlying GORM database.
func (m *SQLiteManager) DB() *gorm.DB {
	return m.db
}

// Path returns the database file path.
func (m *SQLiteManager) Path() string {
	return m.dbPath
}

// Close closes the database connection.
func (m *SQLiteManager) Close() error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying database: %w", err)
	}
	return sqlDB.Close()
}

// IsMySQL returns false for SQLite manager.
func (m *SQLiteManager) IsMySQL() bool {
	return false
}

// immutableTable describes the triggers guarding an append-only table.
type immutableTable struct {
	table       string
	blockDelete bool
	message     string
}

var immutableTables = []immutableTable{
	{table: entities.ConflictResolution{}.TableName(), blockDelete: true, message: "conflict resolutions are immutable"},
	{table: entities.MergeExplanation{}.TableName(), blockDelete: true, message: "merge explanations are append-only"},
	// Snapshots may be deleted with their job but never rewritten.
	{table: entities.RowSnapshot{}.TableName(), blockDelete: false, message: "row snapshots are immutable"},
}

func sqliteTriggers(t immutableTable) []string {
	stmts := []string{fmt.Sprintf(
		`CREATE TRIGGER IF NOT EXISTS trg_%[1]s_no_update BEFORE UPDATE ON %[1]s
		BEGIN SELECT RAISE(ABORT, '%[2]s'); END`, t.table, t.message)}
	if t.blockDelete {
		stmts = append(stmts, fmt.Sprintf(
			`CREATE TRIGGER IF NOT EXISTS trg_%[1]s_no_delete BEFORE DELETE ON %[1]s
			BEGIN SELECT RAISE(ABORT, '%[2]s'); END`, t.table, t.message))
	}
	return stmts
}
