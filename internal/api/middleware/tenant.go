package middleware

import (
	"net/http"
	"regexp"

	"github.com/labstack/echo/v4"
)

// Request headers understood by the operator API.
const (
	HeaderTenantID = "X-Tenant-ID"
	// HeaderOperator names the operator when a resolve request omits
	// resolved_by.
	HeaderOperator = "X-Operator"
)

const tenantKey = "tenant"

// Tenant ids are stored in varchar(64) columns.
var tenantPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

// ValidTenant reports whether tenant is a well-formed tenant id.
func ValidTenant(tenant string) bool {
	return tenantPattern.MatchString(tenant)
}

// RequireTenant rejects requests without a valid X-Tenant-ID header and
// stores the tenant on the echo context.
func RequireTenant() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tenant := c.Request().Header.Get(HeaderTenantID)
			switch {
			case tenant == "":
				return echo.NewHTTPError(http.StatusBadRequest, "missing "+HeaderTenantID+" header")
			case !ValidTenant(tenant):
				return echo.NewHTTPError(http.StatusBadRequest, "invalid "+HeaderTenantID+" header")
			}
			c.Set(tenantKey, tenant)
			return next(c)
		}
	}
}

// Tenant returns the tenant stored by RequireTenant.
func Tenant(c echo.Context) string {
	tenant, _ := c.Get(tenantKey).(string)
	return tenant
}
