package app_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tphakala/recordmigrate/internal/app"
	"github.com/tphakala/recordmigrate/internal/conf"
	"github.com/tphakala/recordmigrate/internal/datastore/entities"
	"github.com/tphakala/recordmigrate/internal/migration"
	"github.com/tphakala/recordmigrate/internal/source"
	"github.com/tphakala/recordmigrate/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("github.com/patrickmn/go-cache.(*janitor).Run"),
		goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"),
	)
}

func loadSettings(t *testing.T) *conf.Settings {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := fmt.Sprintf("database:\n  sqlite:\n    path: %s\nengine:\n  workers: 2\n  batch_size: 5\n  poll_interval: 5ms\n",
		filepath.Join(dir, "recordmigrate.db"))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	settings, err := conf.Load(path)
	require.NoError(t, err)
	return settings
}

func TestNewRunsJobEndToEnd(t *testing.T) {
	static := source.NewStatic()
	records := make([]map[string]any, 0, 12)
	for i := range 12 {
		records = append(records, map[string]any{
			"id":           fmt.Sprintf("C-%02d", i+1),
			"company_name": fmt.Sprintf("  Company%02d Holdings ", i+1),
			"phone":        fmt.Sprintf("+358 40 %07d", i+1),
		})
	}
	static.Put("companies", records)

	a, err := app.New(context.Background(), loadSettings(t), "test",
		app.WithLogger(testutil.SilentLogger()),
		app.WithStaticSource(static))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, a.Close()) })

	ctx, cancel := context.WithTimeout(context.Background(), testutil.LongTestTimeout)
	defer cancel()

	orch := a.Orchestrator
	job, err := orch.Create(ctx, "acme", migration.JobSpec{
		EntityType:   "company",
		LegacySystem: "crm",
		Source:       entities.SourceConfig{Kind: source.KindStatic, Location: "companies"},
		Mappings: []entities.FieldMapping{
			{Source: "company_name", Target: "name", Required: true, Transform: "trim"},
			{Source: "phone", Target: "phone"},
		},
		ConflictStrategy: entities.StrategyManual,
	})
	require.NoError(t, err)

	job, err = orch.RunPreflight(ctx, "acme", job.ID)
	require.NoError(t, err)
	require.Equal(t, entities.JobReady, job.Status, "preflight: %+v", job.PreflightResults)

	_, err = orch.Start(ctx, "acme", job.ID)
	require.NoError(t, err)
	require.NoError(t, orch.Wait(ctx, job.ID))

	job, err = orch.Status(ctx, "acme", job.ID)
	require.NoError(t, err)
	assert.Equal(t, entities.JobCompleted, job.Status)
	assert.Equal(t, int64(12), job.SuccessCount)

	families, err := a.Metrics.Registry().Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "recordmigrate_records_total")
	assert.Contains(t, names, "recordmigrate_job_transitions_total")
}

func TestNewRejectsBadSettings(t *testing.T) {
	_, err := app.New(context.Background(), nil, "test")
	require.Error(t, err)

	settings := loadSettings(t)
	settings.Database.Driver = "postgres"
	_, err = app.New(context.Background(), settings, "test", app.WithLogger(testutil.SilentLogger()))
	require.Error(t, err)
}

func TestCloseIsIdempotent(t *testing.T) {
	settings := loadSettings(t)
	settings.Engine.Workers = 0 // sized from the CPU

	a, err := app.New(context.Background(), settings, "test", app.WithLogger(testutil.SilentLogger()))
	require.NoError(t, err)
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
}

func TestRequireTenant(t *testing.T) {
	t.Parallel()
	require.NoError(t, app.RequireTenant("acme-eu.1"))
	assert.Error(t, app.RequireTenant(""))
	assert.Error(t, app.RequireTenant("../acme"))
	assert.Error(t, app.RequireTenant(strings.Repeat("a", 65)))
}
