package datastore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/tphakala/recordmigrate/internal/datastore/entities"
	"github.com/tphakala/recordmigrate/internal/errors"
	"github.com/tphakala/recordmigrate/internal/logger"
)

// MySQLConfig holds MySQL-specific configuration.
type MySQLConfig struct {
	Host               string
	Port               int
	Username           string
	Password           string
	Database           string
	Logger             logger.Logger
	SlowQueryThreshold time.Duration
	// DSN overrides the fields above when set (used by integration tests).
	DSN string
}

// MySQLManager handles the migration database on MySQL.
type MySQLManager struct {
	db       *gorm.DB
	location string // host:port/database for display
}

// NewMySQLManager opens a MySQL connection pool.
func NewMySQLManager(cfg *MySQLConfig) (*MySQLManager, error) {
	dsn := cfg.DSN
	location := cfg.Host + ":" + strconv.Itoa(cfg.Port) + "/" + cfg.Database
	if dsn == "" {
		dsn = fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
			cfg.Username, cfg.Password, cfg.Host, cfg.Port, cfg.Database)
	} else {
		location = "dsn"
	}

	log := cfg.Logger
	if log == nil {
		log = logger.Global().Module("datastore")
	}

	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.NewGormLoggerAdapter(log, cfg.SlowQueryThreshold, logger.WithExpectedErrors(IsDuplicateKey)),
	})
	if err != nil {
		return nil, errors.New(fmt.Errorf("failed to open MySQL database: %w", err)).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("location", location).
			Build()
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying database: %w", err)
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	return &MySQLManager{db: db, location: location}, nil
}

// Initialize runs AutoMigrate for all entities and installs the
// append-only triggers.
func (m *MySQLManager) Initialize(ctx context.Context) error {
	db := m.db.WithContext(ctx)
	if err := db.AutoMigrate(entities.All()...); err != nil {
		return errors.New(fmt.Errorf("failed to migrate schema: %w", err)).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Build()
	}
	for _, t := range immutableTables {
		for _, stmt := range mysqlTriggers(t) {
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

func mysqlTriggers(t immutableTable) []string {
	stmts := []string{fmt.Sprintf(
		"CREATE TRIGGER IF NOT EXISTS trg_%[1]s_no_update BEFORE UPDATE ON %[1]s FOR EACH ROW SIGNAL SQLSTATE '45000' SET MESSAGE_TEXT = '%[2]s'",
		t.table, t.message)}
	if t.blockDelete {
		stmts = append(stmts, fmt.Sprintf(
			"CREATE TRIGGER IF NOT EXISTS trg_%[1]s_no_delete BEFORE DELETE ON %[1]s FOR EACH ROW SIGNAL SQLSTATE '45000' SET MESSAGE_TEXT = '%[2]s'",
			t.table, t.message))
	}
	return stmts
}

// DB returns the underlying GORM database.
func (m *MySQLManager) DB() *gorm.DB {
	return m.db
}

// Path returns host:port/database.
func (m *MySQLManager) Path() string {
	return m.location
}

// Close closes the database connection.
func (m *MySQLManager) Close() error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying database: %w", err)
	}
	return sqlDB.Close()
}

// IsMySQL returns true for MySQL manager.
func (m *MySQLManager) IsMySQL() bool {
	return true
}
