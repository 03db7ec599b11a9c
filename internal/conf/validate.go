// validate.go: settings validation
package conf

import (
	"fmt"
	"strings"

	"github.com/tphakala/recordmigrate/internal/logger"
)

// Supported database drivers.
const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

// Scorer field comparison modes.
const (
	ScorerModeFuzzy = "fuzzy"
	ScorerModeExact = "exact"
)

// ValidationError represents a collection of validation errors
type ValidationError struct {
	Errors []string
}

// Error returns a string representation of the validation errors
func (ve ValidationError) Error() string {
	return fmt.Sprintf("Validation errors: %s", strings.Join(ve.Errors, "; "))
}

// ValidateSettings validates the entire Settings struct and reports every problem found.
func ValidateSettings(settings *Settings) error {
	ve := ValidationError{}

	ve.Errors = append(ve.Errors, validateDatabaseSettings(&settings.Database)...)
	ve.Errors = append(ve.Errors, validateEngineSettings(&settings.Engine)...)
	ve.Errors = append(ve.Errors, validateQuarantineSettings(&settings.Quarantine)...)
	ve.Errors = append(ve.Errors, validateConflictSettings(&settings.Conflict)...)

	if !logger.ValidLevel(settings.Logging.Level) {
		ve.Errors = append(ve.Errors, fmt.Sprintf("logging.level %q is not a valid level", settings.Logging.Level))
	}
	for module, level := range settings.Logging.ModuleLevels {
		if !logger.ValidLevel(level) {
			ve.Errors = append(ve.Errors, fmt.Sprintf("logging.module_levels.%s %q is not a valid level", module, level))
		}
	}
	for i, u := range settings.Notification.URLs {
		if strings.TrimSpace(u) == "" {
			ve.Errors = append(ve.Errors, fmt.Sprintf("notification.urls[%d] must not be empty", i))
		}
	}
	if settings.Server.Listen == "" {
		ve.Errors = append(ve.Errors, "server.listen must not be empty")
	}
	if settings.Sentry.Enabled && settings.Sentry.DSN == "" {
		ve.Errors = append(ve.Errors, "sentry.dsn is required when sentry is enabled")
	}

	if len(ve.Errors) > 0 {
		return ve
	}
	return nil
}

func validateDatabaseSettings(s *DatabaseSettings) []string {
	var errs []string
	switch s.Driver {
	case DriverSQLite:
		if s.SQLite.Path == "" {
			errs = append(errs, "database.sqlite.path is required for the sqlite driver")
		}
	case DriverMySQL:
		if s.MySQL.Host == "" || s.MySQL.Database == "" || s.MySQL.Username == "" {
			errs = append(errs, "database.mysql host, database and username are required for the mysql driver")
		}
		if s.MySQL.Port < 1 || s.MySQL.Port > 65535 {
			errs = append(errs, fmt.Sprintf("database.mysql.port %d is out of range", s.MySQL.Port))
		}
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not supported", s.Driver))
	}
	return errs
}

func validateEngineSettings(s *EngineSettings) []string {
	var errs []string
	if s.BatchSize < 1 {
		errs = append(errs, "engine.batch_size must be at least 1")
	}
	if s.Workers < 0 || s.Workers > 64 {
		errs = append(errs, "engine.workers must be between 0 (auto) and 64")
	}
	if s.RateLimit < 0 {
		errs = append(errs, "engine.rate_limit must not be negative")
	}
	if s.MaxRuntime < 0 {
		errs = append(errs, "engine.max_runtime must not be negative")
	}
	if s.PollInterval <= 0 {
		errs = append(errs, "engine.poll_interval must be positive")
	}
	if s.ReservationTTL <= 0 {
		errs = append(errs, "engine.reservation_ttl must be positive")
	}
	if s.FetchRetries < 0 {
		errs = append(errs, "engine.fetch_retries must not be negative")
	}
	return errs
}

func validateQuarantineSettings(s *QuarantineSettings) []string {
	var errs []string
	if s.MaxRetries < 1 {
		errs = append(errs, "quarantine.max_retries must be at least 1")
	}
	if s.MaxPermanentRetries < 1 {
		errs = append(errs, "quarantine.max_permanent_retries must be at least 1")
	}
	if s.InitialDelay <= 0 {
		errs = append(errs, "quarantine.initial_delay must be positive")
	}
	if s.MaxDelay < s.InitialDelay {
		errs = append(errs, "quarantine.max_delay must not be shorter than initial_delay")
	}
	if s.Multiplier < 1 {
		errs = append(errs, "quarantine.multiplier must be at least 1")
	}
	if s.RetryWindow < 0 {
		errs = append(errs, "quarantine.retry_window must not be negative")
	}
	return errs
}

func validateConflictSettings(s *ConflictSettings) []string {
	var errs []string
	if !(s.Low > 0 && s.Low <= s.Medium && s.Medium <= s.High && s.High <= 1) {
		errs = append(errs, fmt.Sprintf("conflict thresholds must satisfy 0 < low <= medium <= high <= 1 (got %.2f/%.2f/%.2f)",
			s.Low, s.Medium, s.High))
	}
	if s.MaxCandidates < 1 {
		errs = append(errs, "conflict.max_candidates must be at least 1")
	}
	for _, f := range s.Scorer.Fields {
		if f.Name == "" || f.Weight <= 0 {
			errs = append(errs, "conflict.scorer.fields entries need a name and a positive weight")
		}
		if f.Mode != ScorerModeFuzzy && f.Mode != ScorerModeExact {
			errs = append(errs, fmt.Sprintf("conflict.scorer field %q has unknown mode %q", f.Name, f.Mode))
		}
	}
	for _, id := range s.Scorer.Identifiers {
		if id.Field == "" || id.Score <= 0 || id.Score > 1 {
			errs = append(errs, "conflict.scorer.identifiers entries need a field and a score in (0,1]")
		}
	}
	return errs
}
