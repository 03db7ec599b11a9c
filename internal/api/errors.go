package api

import (
	"context"
	"crypto/rand"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/tphakala/recordmigrate/internal/conflict"
	"github.com/tphakala/recordmigrate/internal/errors"
	"github.com/tphakala/recordmigrate/internal/logger"
	"github.com/tphakala/recordmigrate/internal/migration"
)

// ErrorResponse represents a standard error response.
type ErrorResponse struct {
	Error         string `json:"error"`
	Message       string `json:"message"`
	Code          int    `json:"code"`
	CorrelationID string `json:"correlation_id"` // Unique identifier for tracking this error
}

// NewErrorResponse creates a new API error response. Server errors are
// scrubbed of URLs, credentials and e-mail addresses.
func NewErrorResponse(err error, message string, code int) *ErrorResponse {
	errorStr := message
	if err != nil {
		errorStr = err.Error()
	}
	if code >= http.StatusInternalServerError {
		errorStr = errors.ScrubMessage(errorStr)
	}
	return &ErrorResponse{
		Error:         errorStr,
		Message:       message,
		Code:          code,
		CorrelationID: generateCorrelationID(),
	}
}

// generateCorrelationID creates a short identifier for error tracking.
func generateCorrelationID() string {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	const length = 8

	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return "ERR-RAND"
	}
	for i := range b {
		b[i] = charset[int(b[i])%len(charset)]
	}
	return string(b)
}

// statusFor maps an engine error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, migration.ErrInvalidTransition),
		errors.Is(err, migration.ErrJobActive),
		errors.Is(err, conflict.ErrAlreadyResolved),
		errors.Is(err, conflict.ErrCandidateClaimed):
		return http.StatusConflict
	case errors.Is(err, migration.ErrJobNotFound), errors.Is(err, conflict.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, conflict.ErrInvalidDecision):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	}

	switch {
	case errors.IsCategory(err, errors.CategoryNotFound):
		return http.StatusNotFound
	case errors.IsCategory(err, errors.CategoryValidation):
		return http.StatusBadRequest
	case errors.IsCategory(err, errors.CategoryConfiguration):
		return http.StatusUnprocessableEntity
	case errors.IsCategory(err, errors.CategoryState), errors.IsCategory(err, errors.CategoryConflict):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// HandleError writes the error response for err and logs it with the
// correlation id.
func (s *Server) HandleError(c echo.Context, err error, message string) error {
	code := statusFor(err)
	resp := NewErrorResponse(err, message, code)

	fields := []logger.Field{
		logger.String("correlation_id", resp.CorrelationID),
		logger.String("path", c.Path()),
		logger.String("ip", c.RealIP()),
		logger.Int("status", code),
		logger.Error(err),
	}
	if code >= http.StatusInternalServerError {
		s.log.Error(message, fields...)
	} else {
		s.log.Debug(message, fields...)
	}
	return c.JSON(code, resp)
}

// handleHTTPError renders errors raised by echo and the middleware stack.
func (s *Server) handleHTTPError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	code := http.StatusInternalServerError
	message := http.StatusText(code)
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		if m, ok := he.Message.(string); ok {
			message = m
		} else {
			message = http.StatusText(code)
		}
	} else {
		s.log.Error("unhandled request error", logger.String("path", c.Path()), logger.Error(err))
	}

	resp := NewErrorResponse(nil, message, code)
	if c.Request().Method == http.MethodHead {
		err = c.NoContent(code)
	} else {
		err = c.JSON(code, resp)
	}
	if err != nil {
		s.log.Error("failed to write error response", logger.Error(err))
	}
}
