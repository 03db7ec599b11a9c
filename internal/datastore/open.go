package datastore

import (
	"context"

	"github.com/tphakala/recordmigrate/internal/conf"
	"github.com/tphakala/recordmigrate/internal/errors"
	"github.com/tphakala/recordmigrate/internal/logger"
)

// Open creates the manager selected by settings and initializes the schema.
func Open(ctx context.Context, settings *conf.DatabaseSettings, log logger.Logger) (Manager, error) {
	var (
		m   Manager
		err error
	)
	switch settings.Driver {
	case conf.DriverSQLite:
		m, err = NewSQLiteManager(SQLiteConfig{
			Path:               settings.SQLite.Path,
			Logger:             log,
			SlowQueryThreshold: settings.SlowQueryThreshold,
		})
	case conf.DriverMySQL:
		m, err = NewMySQLManager(&MySQLConfig{
			Host:               settings.MySQL.Host,
			Port:               settings.MySQL.Port,
			Username:           settings.MySQL.Username,
			Password:           settings.MySQL.Password,
			Database:           settings.MySQL.Database,
			Logger:             log,
			SlowQueryThreshold: settings.SlowQueryThreshold,
		})
	default:
		return nil, errors.Newf("unsupported database driver %q", settings.Driver).
			Component("datastore").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if err != nil {
		return nil, err
	}

	if err := m.Initialize(ctx); err != nil {
		_ = m.Close()
		return nil, err
	}
	return m, nil
}
