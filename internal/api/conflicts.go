package api

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/tphakala/recordmigrate/internal/api/dto"
	"github.com/tphakala/recordmigrate/internal/api/middleware"
	"github.com/tphakala/recordmigrate/internal/datastore/entities"
	"github.com/tphakala/recordmigrate/internal/errors"
	"github.com/tphakala/recordmigrate/internal/logger"
)

// listConflicts lists the conflicts of a job, optionally filtered by a
// comma separated ?status= list.
func (s *Server) listConflicts(c echo.Context) error {
	var statuses []entities.ConflictStatus
	for _, st := range splitList(c.QueryParam("status")) {
		statuses = append(statuses, entities.ConflictStatus(st))
	}

	cs, err := s.engine.ListConflicts(c.Request().Context(), middleware.Tenant(c), c.Param("id"), statuses...)
	if err != nil {
		return s.HandleError(c, err, "Failed to list conflicts")
	}
	return c.JSON(http.StatusOK, map[string]any{
		"conflicts": dto.NewConflictList(cs),
		"count":     len(cs),
	})
}

func (s *Server) listExplanations(c echo.Context) error {
	ex, err := s.engine.ListExplanations(c.Request().Context(), middleware.Tenant(c), c.Param("id"))
	if err != nil {
		return s.HandleError(c, err, "Failed to list merge explanations")
	}
	return c.JSON(http.StatusOK, map[string]any{
		"explanations": dto.NewExplanationList(ex),
		"count":        len(ex),
	})
}

// resolveConflict records and applies an operator decision.
func (s *Server) resolveConflict(c echo.Context) error {
	var req dto.ResolveRequest
	if err := c.Bind(&req); err != nil {
		return s.HandleError(c, errors.New(err).Component("api").Category(errors.CategoryValidation).Build(),
			"Invalid resolve request")
	}
	if req.ResolvedBy == "" {
		req.ResolvedBy = c.Request().Header.Get(middleware.HeaderOperator)
	}

	tenant := middleware.Tenant(c)
	res, err := s.engine.ResolveConflict(c.Request().Context(), tenant, c.Param("id"), req.ManualDecision())
	s.recordOperation("conflicts", opResolve, err)
	if err != nil {
		return s.HandleError(c, err, "Failed to resolve conflict")
	}

	s.log.Info("conflict resolved via API",
		logger.String("conflict_id", res.Conflict.ID),
		logger.String("tenant", tenant),
		logger.String("decision", string(res.Resolution.Decision)),
		logger.String("resolved_by", res.Resolution.ResolvedBy),
		logger.String("ip", c.RealIP()))
	return c.JSON(http.StatusOK, dto.NewResolveResponse(res.Conflict, res.Resolution, string(res.Outcome)))
}

// splitList splits a comma separated query value, dropping empty items.
func splitList(v string) []string {
	var out []string
	for item := range strings.SplitSeq(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
