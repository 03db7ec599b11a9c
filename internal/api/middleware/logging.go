// Package middleware provides HTTP middleware components for the operator API.
package middleware

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/tphakala/recordmigrate/internal/logger"
	"github.com/tphakala/recordmigrate/internal/observability/metrics"
)

// NewRequestID tags every request with an X-Request-ID and carries it in
// the request context as the logger trace id.
func NewRequestID() echo.MiddlewareFunc {
	return middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		RequestIDHandler: func(c echo.Context, id string) {
			req := c.Request()
			c.SetRequest(req.WithContext(logger.WithTraceID(req.Context(), id)))
		},
	})
}

// NewRequestLogger creates a request logging middleware. Requests are
// logged at debug level unless they fail; m may be nil.
func NewRequestLogger(log logger.Logger, m *metrics.HTTPMetrics) echo.MiddlewareFunc {
	return NewRequestLoggerWithSkipper(log, m, nil)
}

// NewRequestLoggerWithSkipper creates a request logging middleware with a custom skipper.
func NewRequestLoggerWithSkipper(log logger.Logger, m *metrics.HTTPMetrics, skipper middleware.Skipper) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		Skipper:         skipper,
		LogStatus:       true,
		LogURI:          true,
		LogMethod:       true,
		LogLatency:      true,
		LogRemoteIP:     true,
		LogError:        true,
		LogRoutePath:    true,
		LogRequestID:    true,
		LogResponseSize: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			route := v.RoutePath
			if route == "" {
				route = "unmatched"
			}
			if m != nil {
				m.RecordHTTPRequest(v.Method, route, v.Status, v.Latency.Seconds())
				m.RecordHTTPResponseSize(v.Method, route, v.ResponseSize)
				if v.Status >= 500 {
					m.RecordHTTPRequestError(v.Method, route, "server_error")
				}
			}
			if log == nil {
				return nil
			}

			fields := []logger.Field{
				logger.String("method", v.Method),
				logger.String("uri", v.URI),
				logger.Int("status", v.Status),
				logger.String("ip", v.RemoteIP),
				logger.Duration("latency", v.Latency.Round(time.Microsecond)),
				logger.String("request_id", v.RequestID),
			}
			if tenant := c.Request().Header.Get(HeaderTenantID); tenant != "" {
				fields = append(fields, logger.String("tenant", tenant))
			}

			switch {
			case v.Status >= 500:
				if v.Error != nil {
					fields = append(fields, logger.Error(v.Error))
				}
				log.Error("request failed", fields...)
			case v.Status >= 400:
				log.Info("request rejected", fields...)
			default:
				log.Debug("request", fields...)
			}
			return nil
		},
	})
}
