package api

import (
	"context"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/tphakala/recordmigrate/internal/api/dto"
	"github.com/tphakala/recordmigrate/internal/api/middleware"
	"github.com/tphakala/recordmigrate/internal/datastore/entities"
	"github.com/tphakala/recordmigrate/internal/errors"
	"github.com/tphakala/recordmigrate/internal/logger"
	"github.com/tphakala/recordmigrate/internal/migration"
	"github.com/tphakala/recordmigrate/internal/observability/metrics"
)

// Job control operations, used as metric and log labels.
const (
	opCreate    = "create"
	opPreflight = "preflight"
	opStart     = "start"
	opPause     = "pause"
	opResume    = "resume"
	opCancel    = "cancel"
	opRollback  = "rollback"
	opRecover   = "recover"
	opResolve   = "resolve"
)

// jobFunc is an engine operation on one job.
type jobFunc func(ctx context.Context, tenant, jobID string) (*entities.MigrationJob, error)

// createJob accepts a YAML or JSON job spec.
func (s *Server) createJob(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return s.HandleError(c, errors.New(err).Component("api").Category(errors.CategoryValidation).Build(),
			"Failed to read request body")
	}
	spec, err := migration.ParseJobSpec(body)
	if err != nil {
		s.recordOperation("jobs", opCreate, err)
		return s.HandleError(c, err, "Invalid job spec")
	}

	tenant := middleware.Tenant(c)
	job, err := s.engine.Create(c.Request().Context(), tenant, spec)
	s.recordOperation("jobs", opCreate, err)
	if err != nil {
		return s.HandleError(c, err, "Failed to create job")
	}

	s.log.Info("job created via API",
		logger.String("job_id", job.ID),
		logger.String("tenant", tenant),
		logger.String("entity_type", job.EntityType),
		logger.String("ip", c.RealIP()))
	return c.JSON(http.StatusCreated, dto.NewJobResponse(job))
}

func (s *Server) listJobs(c echo.Context) error {
	jobs, err := s.engine.ListJobs(c.Request().Context(), middleware.Tenant(c))
	if err != nil {
		return s.HandleError(c, err, "Failed to list jobs")
	}
	return c.JSON(http.StatusOK, map[string]any{
		"jobs":  dto.NewJobList(jobs),
		"count": len(jobs),
	})
}

func (s *Server) getJob(c echo.Context) error {
	job, err := s.engine.Status(c.Request().Context(), middleware.Tenant(c), c.Param("id"))
	if err != nil {
		return s.HandleError(c, err, "Failed to get job")
	}
	return c.JSON(http.StatusOK, dto.NewJobResponse(job))
}

// jobAction wraps a state-changing engine operation. The response is the
// job after the operation. Long-running work continues in the background.
func (s *Server) jobAction(op string, fn jobFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		tenant := middleware.Tenant(c)
		jobID := c.Param("id")

		job, err := fn(c.Request().Context(), tenant, jobID)
		s.recordOperation("jobs", op, err)
		if err != nil {
			return s.HandleError(c, err, "Failed to "+op+" job")
		}

		s.log.Info("job operation via API",
			logger.String("operation", op),
			logger.String("job_id", jobID),
			logger.String("tenant", tenant),
			logger.String("status", string(job.Status)),
			logger.String("ip", c.RealIP()))
		return c.JSON(http.StatusOK, dto.NewJobResponse(job))
	}
}

// rollbackJob runs a rollback. A rollback that finished with version
// conflicts or schema drift still answers 200; the report lists them.
func (s *Server) rollbackJob(c echo.Context) error {
	tenant := middleware.Tenant(c)
	jobID := c.Param("id")

	job, err := s.engine.Rollback(c.Request().Context(), tenant, jobID)
	if err != nil && (job == nil || job.Status != entities.JobRolledBack) {
		s.recordOperation("jobs", opRollback, err)
		return s.HandleError(c, err, "Failed to roll back job")
	}
	s.recordOperation("jobs", opRollback, nil)
	if err != nil {
		s.log.Warn("rollback finished with conflicts",
			logger.String("job_id", jobID),
			logger.String("tenant", tenant),
			logger.Error(err))
	}
	return c.JSON(http.StatusOK, dto.NewJobResponse(job))
}

func (s *Server) recordOperation(handler, op string, err error) {
	if s.metrics == nil {
		return
	}
	status := metrics.StatusSuccess
	if err != nil {
		status = metrics.StatusError
	}
	s.metrics.HTTP.RecordHandlerOperation(handler, op, status)
}
