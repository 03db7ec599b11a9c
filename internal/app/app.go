// Package app assembles the migration engine and its stores from settings.
package app

import (
	"context"
	"sync"
	"time"

	"github.com/tphakala/recordmigrate/internal/checkpoint"
	"github.com/tphakala/recordmigrate/internal/conf"
	"github.com/tphakala/recordmigrate/internal/conflict"
	"github.com/tphakala/recordmigrate/internal/cpuspec"
	"github.com/tphakala/recordmigrate/internal/datastore"
	"github.com/tphakala/recordmigrate/internal/errors"
	"github.com/tphakala/recordmigrate/internal/httpclient"
	"github.com/tphakala/recordmigrate/internal/lineage"
	"github.com/tphakala/recordmigrate/internal/logger"
	"github.com/tphakala/recordmigrate/internal/migration"
	"github.com/tphakala/recordmigrate/internal/notification"
	"github.com/tphakala/recordmigrate/internal/observability"
	"github.com/tphakala/recordmigrate/internal/quarantine"
	"github.com/tphakala/recordmigrate/internal/snapshot"
	"github.com/tphakala/recordmigrate/internal/source"
	"github.com/tphakala/recordmigrate/internal/target"
	"github.com/tphakala/recordmigrate/internal/telemetry"
)

const telemetryFlushTimeout = 2 * time.Second

// App owns the database, the stores and the orchestrator of one process.
type App struct {
	Settings     *conf.Settings
	Metrics      *observability.Metrics
	Orchestrator *migration.Orchestrator
	Version      string

	db       datastore.Manager
	client   *httpclient.Client
	notifier *notification.Service
	log      logger.Logger

	closeOnce sync.Once
	closeErr  error
}

// Option customizes New.
type Option func(*options)

type options struct {
	log    logger.Logger
	static *source.Static
	now    func() time.Time
}

// WithLogger sets the logger passed to every component.
func WithLogger(l logger.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithStaticSource registers an in-memory dataset source under the
// "static" kind.
func WithStaticSource(s *source.Static) Option {
	return func(o *options) { o.static = s }
}

// WithClock replaces time.Now in the stores and the orchestrator.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New opens the database and wires the engine. The returned App must be
// closed.
func New(ctx context.Context, settings *conf.Settings, version string, opts ...Option) (*App, error) {
	if settings == nil {
		return nil, errors.Newf("settings are required").
			Component("app").
			Category(errors.CategoryConfiguration).
			Build()
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = logger.Global().Module("app")
	}
	if o.static == nil {
		o.static = source.NewStatic()
	}

	a := &App{Settings: settings, Version: version, log: o.log}
	ok := false
	defer func() {
		if !ok {
			_ = a.Close()
		}
	}()

	if err := telemetry.InitSentry(&settings.Sentry, version); err != nil {
		a.log.Warn("sentry disabled", logger.Error(err))
	}

	m, err := observability.NewMetrics()
	if err != nil {
		return nil, errors.New(err).
			Component("app").
			Category(errors.CategoryConfiguration).
			Build()
	}
	a.Metrics = m

	a.db, err = datastore.Open(ctx, &settings.Database, o.log.Module("datastore"))
	if err != nil {
		return nil, err
	}
	db := a.db.DB()
	if err := datastore.UseMetrics(db, m.Datastore); err != nil {
		return nil, errors.New(err).
			Component("app").
			Category(errors.CategoryDatabase).
			Build()
	}

	schemas := target.NewStaticSchema(settings.Target.Schemas)
	records := target.NewStore(db, target.StoreConfig{
		BlockField:      settings.Target.BlockField,
		IdentifierField: settings.Target.IdentifierField,
		IgnoreTokens:    settings.Conflict.Scorer.IgnoreTokens,
		Schemas:         schemas,
		Logger:          o.log.Module("target"),
	})
	registry := lineage.NewRegistry(db, lineage.Config{
		ReservationTTL: settings.Engine.ReservationTTL,
		CacheTTL:       settings.Lineage.CacheTTL,
		Logger:         o.log.Module("lineage"),
		Now:            o.now,
	})
	quarantined := quarantine.NewStore(db, quarantine.Config{
		Policy: quarantine.RetryPolicy{
			MaxRetries:          settings.Quarantine.MaxRetries,
			MaxPermanentRetries: settings.Quarantine.MaxPermanentRetries,
			InitialDelay:        settings.Quarantine.InitialDelay,
			MaxDelay:            settings.Quarantine.MaxDelay,
			Multiplier:          settings.Quarantine.Multiplier,
		},
		CacheTTL: settings.Lineage.CacheTTL,
		Logger:   o.log.Module("quarantine"),
		Now:      o.now,
	})

	thresholds := conflict.Thresholds{
		High:   settings.Conflict.High,
		Medium: settings.Conflict.Medium,
		Low:    settings.Conflict.Low,
	}
	scorer, err := conflict.NewWeightedScorer(settings.Conflict.Scorer)
	if err != nil {
		return nil, err
	}
	detector, err := conflict.NewDetector(db, records, scorer, registry, conflict.DetectorConfig{
		Thresholds:    thresholds,
		MaxCandidates: settings.Conflict.MaxCandidates,
		Logger:        o.log.Module("conflict"),
	})
	if err != nil {
		return nil, err
	}
	resolver := conflict.NewResolver(db, registry, conflict.ResolverConfig{
		Thresholds: thresholds,
		Logger:     o.log.Module("conflict"),
		Now:        o.now,
	})

	a.client = httpclient.New(&httpclient.Config{UserAgent: "recordmigrate/" + version})
	sources := source.NewDefaultRegistry(a.client, o.static)

	a.notifier, err = notification.NewService(notification.ServiceConfig{
		URLs:    settings.Notification.URLs,
		Title:   settings.Notification.Title,
		Logger:  o.log.Module("notification"),
		Metrics: m.Notification,
	})
	if err != nil {
		return nil, err
	}
	a.notifier.Start(context.WithoutCancel(ctx))

	engine := settings.Engine
	if engine.Workers == 0 {
		spec := cpuspec.Detect()
		engine.Workers = spec.Workers()
		a.log.Info("worker pool sized from CPU",
			logger.String("cpu", spec.Brand),
			logger.Int("physical_cores", spec.PhysicalCores),
			logger.Int("workers", engine.Workers))
	}

	a.Orchestrator, err = migration.New(migration.Deps{
		DB:          db,
		Source:      sources,
		Target:      records,
		Detector:    detector,
		Resolver:    resolver,
		Lineage:     registry,
		Quarantine:  quarantined,
		Checkpoints: checkpoint.NewStore(db, o.log.Module("checkpoint")),
		Snapshots:   snapshot.NewStore(db, schemas, o.log.Module("snapshot")),
	}, migration.Config{
		Engine:         engine,
		RetryWindow:    settings.Quarantine.RetryWindow,
		RetractCreated: settings.Rollback.RetractCreated,
		Metrics:        m.Engine,
		Notifier:       a.notifier,
		Logger:         o.log.Module("migration"),
		Now:            o.now,
	})
	if err != nil {
		return nil, err
	}

	a.log.Info("engine ready",
		logger.String("version", version),
		logger.String("database", settings.Database.Driver),
		logger.Int("workers", engine.Workers),
		logger.Bool("notifications", a.notifier.Enabled()))
	ok = true
	return a, nil
}

// Close stops live runs, drains notifications and closes the database.
// It is safe to call more than once.
func (a *App) Close() error {
	a.closeOnce.Do(func() {
		if a.Orchestrator != nil {
			a.Orchestrator.Close()
		}
		if a.notifier != nil {
			a.notifier.Stop()
		}
		if a.client != nil {
			a.client.Close()
		}
		telemetry.Flush(telemetryFlushTimeout)
		if a.db != nil {
			a.closeErr = a.db.Close()
		}
	})
	return a.closeErr
}
