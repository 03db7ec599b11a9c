package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/tphakala/recordmigrate/internal/api/middleware"
	"github.com/tphakala/recordmigrate/internal/conflict"
	"github.com/tphakala/recordmigrate/internal/datastore/entities"
	"github.com/tphakala/recordmigrate/internal/logger"
	"github.com/tphakala/recordmigrate/internal/migration"
	"github.com/tphakala/recordmigrate/internal/observability"
	"github.com/tphakala/recordmigrate/internal/observability/metrics"
)

// Engine is the job control surface the API exposes.
// *migration.Orchestrator implements it.
type Engine interface {
	Create(ctx context.Context, tenant string, spec migration.JobSpec) (*entities.MigrationJob, error)
	Status(ctx context.Context, tenant, jobID string) (*entities.MigrationJob, error)
	ListJobs(ctx context.Context, tenant string) ([]entities.MigrationJob, error)
	RunPreflight(ctx context.Context, tenant, jobID string) (*entities.MigrationJob, error)
	Start(ctx context.Context, tenant, jobID string) (*entities.MigrationJob, error)
	Pause(ctx context.Context, tenant, jobID string) (*entities.MigrationJob, error)
	Resume(ctx context.Context, tenant, jobID string) (*entities.MigrationJob, error)
	Cancel(ctx context.Context, tenant, jobID string) (*entities.MigrationJob, error)
	Rollback(ctx context.Context, tenant, jobID string) (*entities.MigrationJob, error)
	Recover(ctx context.Context, tenant, jobID string) (*entities.MigrationJob, error)
	ListConflicts(ctx context.Context, tenant, jobID string, statuses ...entities.ConflictStatus) ([]entities.Conflict, error)
	ListExplanations(ctx context.Context, tenant, jobID string) ([]entities.MergeExplanation, error)
	ListQuarantine(ctx context.Context, tenant, jobID string, statuses ...entities.QuarantineStatus) ([]entities.QuarantineEntry, error)
	ResolveConflict(ctx context.Context, tenant, conflictID string, d conflict.ManualDecision) (migration.Resolution, error)
}

var _ Engine = (*migration.Orchestrator)(nil)

// Server is the operator HTTP server.
// It manages the Echo instance, middleware, and all HTTP routes.
type Server struct {
	echo    *echo.Echo
	config  *Config
	engine  Engine
	metrics *observability.Metrics
	log     logger.Logger
	version string

	mu        sync.Mutex
	listener  net.Listener
	wg        sync.WaitGroup
	startTime time.Time
}

// ServerOption is a functional option for configuring the Server.
type ServerOption func(*Server)

// WithLogger sets the logger for the server.
func WithLogger(l logger.Logger) ServerOption {
	return func(s *Server) {
		s.log = l
	}
}

// WithMetrics serves /metrics from m and records request metrics.
func WithMetrics(m *observability.Metrics) ServerOption {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithVersion sets the version reported by /health.
func WithVersion(version string) ServerOption {
	return func(s *Server) {
		s.version = version
	}
}

// New creates a new HTTP server for engine.
func New(config *Config, engine Engine, opts ...ServerOption) (*Server, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid server configuration: %w", err)
	}
	if engine == nil {
		return nil, fmt.Errorf("api server requires an engine")
	}

	s := &Server{
		config:    config,
		engine:    engine,
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = GetLogger()
	}

	s.echo = echo.New()
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.HTTPErrorHandler = s.handleHTTPError

	s.echo.Server.ReadTimeout = config.ReadTimeout
	s.echo.Server.WriteTimeout = config.WriteTimeout
	s.echo.Server.IdleTimeout = config.IdleTimeout

	s.setupMiddleware()
	s.setupRoutes()

	s.log.Debug("HTTP server initialized", logger.String("listen", config.Listen))
	return s, nil
}

// setupMiddleware configures the Echo middleware stack.
func (s *Server) setupMiddleware() {
	// Recovery middleware - should be first
	s.echo.Use(echomw.Recover())
	s.echo.Use(middleware.NewRequestID())

	s.echo.Use(middleware.NewRequestLoggerWithSkipper(s.log, s.httpMetrics(), func(c echo.Context) bool {
		return c.Path() == "/health" || c.Path() == "/metrics"
	}))

	securityConfig := middleware.DefaultSecurityConfig()
	securityConfig.AllowedOrigins = s.config.AllowedOrigins
	if len(securityConfig.AllowedOrigins) > 0 {
		s.echo.Use(middleware.NewCORS(securityConfig))
	}
	s.echo.Use(middleware.NewBodyLimit(s.config.BodyLimit))
	s.echo.Use(middleware.NewSecureHeaders(securityConfig))
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.echo.GET("/health", s.healthCheck)
	if s.metrics != nil {
		s.echo.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))
	}

	v1 := s.echo.Group("/api/v1", middleware.RequireTenant())

	v1.POST("/jobs", s.createJob)
	v1.GET("/jobs", s.listJobs)
	v1.GET("/jobs/:id", s.getJob)
	v1.POST("/jobs/:id/preflight", s.jobAction(opPreflight, s.engine.RunPreflight))
	v1.POST("/jobs/:id/start", s.jobAction(opStart, s.engine.Start))
	v1.POST("/jobs/:id/pause", s.jobAction(opPause, s.engine.Pause))
	v1.POST("/jobs/:id/resume", s.jobAction(opResume, s.engine.Resume))
	v1.POST("/jobs/:id/cancel", s.jobAction(opCancel, s.engine.Cancel))
	v1.POST("/jobs/:id/rollback", s.rollbackJob)
	v1.POST("/jobs/:id/recover", s.jobAction(opRecover, s.engine.Recover))

	v1.GET("/jobs/:id/conflicts", s.listConflicts)
	v1.GET("/jobs/:id/explanations", s.listExplanations)
	v1.POST("/conflicts/:id/resolve", s.resolveConflict)

	v1.GET("/jobs/:id/quarantine", s.listQuarantine)
}

// healthCheck handles the server health check endpoint.
func (s *Server) healthCheck(c echo.Context) error {
	uptime := time.Since(s.startTime)
	return c.JSON(http.StatusOK, map[string]any{
		"status":         "healthy",
		"version":        s.version,
		"uptime":         uptime.Round(time.Second).String(),
		"uptime_seconds": uptime.Seconds(),
		"timestamp":      time.Now().Format(time.RFC3339),
	})
}

// Start binds the listen address and serves HTTP requests in a background
// goroutine. Use Shutdown to stop the server.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Listen, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.echo.Listener = ln
	s.mu.Unlock()

	s.wg.Go(func() {
		if err := s.echo.Start(""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("server error", logger.Error(err))
		}
	})

	s.log.Info("HTTP server started", logger.String("address", ln.Addr().String()))
	return nil
}

// Addr returns the bound listen address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	if err := s.echo.Shutdown(ctx); err != nil {
		s.log.Error("error during server shutdown", logger.Error(err))
		return fmt.Errorf("shutdown error: %w", err)
	}
	s.wg.Wait()

	s.log.Info("HTTP server shutdown complete")
	return nil
}

// Echo returns the underlying Echo instance.
// This is useful for testing or advanced configuration.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) httpMetrics() *metrics.HTTPMetrics {
	if s.metrics == nil {
		return nil
	}
	return s.metrics.HTTP
}
