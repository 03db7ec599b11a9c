// Package testutil provides shared test utilities for recordmigrate.
// These helpers reduce duplication across test files and ensure consistent test patterns.
package testutil

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/tphakala/recordmigrate/internal/datastore"
	"github.com/tphakala/recordmigrate/internal/logger"
)

// Common test timeout constants.
const (
	// DefaultTestTimeout is the standard timeout for most async test operations.
	DefaultTestTimeout = 5 * time.Second

	// ShortTestTimeout is for operations expected to complete quickly.
	ShortTestTimeout = 1 * time.Second

	// LongTestTimeout is for whole-job runs in CI environments.
	LongTestTimeout = 30 * time.Second
)

// SilentLogger returns a logger that discards everything below error.
func SilentLogger() logger.Logger {
	return logger.NewSlogLogger(io.Discard, logger.LogLevelError, time.UTC)
}

// NewTestDB opens an initialized SQLite database in a temporary directory.
// The database is closed when the test ends.
func NewTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	m, err := datastore.NewSQLiteManager(datastore.SQLiteConfig{
		Path:   filepath.Join(t.TempDir(), "migration.db"),
		Logger: SilentLogger(),
	})
	require.NoError(t, err)
	require.NoError(t, m.Initialize(context.Background()))
	t.Cleanup(func() { _ = m.Close() })
	return m.DB()
}

// WaitForChannel waits for a signal on the channel or fails after timeout.
// Use this for waiting on done channels, job completion signals, etc.
func WaitForChannel(t *testing.T, ch <-chan struct{}, timeout time.Duration, msg string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(timeout):
		require.Fail(t, msg)
	}
}

// Eventually polls cond until it returns true or the timeout elapses.
func Eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, timeout, 10*time.Millisecond, msg)
}
