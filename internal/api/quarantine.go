package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/tphakala/recordmigrate/internal/api/dto"
	"github.com/tphakala/recordmigrate/internal/api/middleware"
	"github.com/tphakala/recordmigrate/internal/datastore/entities"
)

// listQuarantine lists the quarantined records of a job, optionally
// filtered by ?status=quarantined,abandoned.
func (s *Server) listQuarantine(c echo.Context) error {
	var statuses []entities.QuarantineStatus
	for _, st := range splitList(c.QueryParam("status")) {
		statuses = append(statuses, entities.QuarantineStatus(st))
	}

	entries, err := s.engine.ListQuarantine(c.Request().Context(), middleware.Tenant(c), c.Param("id"), statuses...)
	if err != nil {
		return s.HandleError(c, err, "Failed to list quarantine")
	}
	return c.JSON(http.StatusOK, map[string]any{
		"entries": dto.NewQuarantineList(entries),
		"count":   len(entries),
	})
}
