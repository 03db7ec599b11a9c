// env.go: environment variable configuration and validation
package conf

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/tphakala/recordmigrate/internal/logger"
)

// EnvPrefix prefixes every environment variable recordmigrate reads.
const EnvPrefix = "RECORDMIGRATE_"

// envBinding holds metadata for environment variable bindings (internal use)
type envBinding struct {
	ConfigKey string             // Viper config key
	EnvVar    string             // Environment variable name
	Validate  func(string) error // Optional validation function
}

// getEnvBindings returns all environment variable bindings with validation
func getEnvBindings() []envBinding {
	return []envBinding{
		{"database.driver", EnvPrefix + "DATABASE_DRIVER", validateEnvDriver},
		{"database.sqlite.path", EnvPrefix + "SQLITE_PATH", nil},
		{"database.mysql.host", EnvPrefix + "MYSQL_HOST", nil},
		{"database.mysql.port", EnvPrefix + "MYSQL_PORT", validateEnvPort},
		{"database.mysql.username", EnvPrefix + "MYSQL_USERNAME", nil},
		{"database.mysql.password", EnvPrefix + "MYSQL_PASSWORD", nil},
		{"database.mysql.password_file", EnvPrefix + "MYSQL_PASSWORD_FILE", nil},
		{"database.mysql.database", EnvPrefix + "MYSQL_DATABASE", nil},
		{"database.debug", EnvPrefix + "DATABASE_DEBUG", validateEnvBool},

		{"engine.batch_size", EnvPrefix + "BATCH_SIZE", validateEnvPositiveInt},
		{"engine.workers", EnvPrefix + "WORKERS", validateEnvPositiveInt},
		{"engine.rate_limit", EnvPrefix + "RATE_LIMIT", validateEnvNonNegativeFloat},
		{"engine.max_runtime", EnvPrefix + "MAX_RUNTIME", validateEnvDuration},
		{"engine.reservation_ttl", EnvPrefix + "RESERVATION_TTL", validateEnvDuration},

		{"quarantine.max_retries", EnvPrefix + "QUARANTINE_MAX_RETRIES", validateEnvPositiveInt},
		{"quarantine.retry_window", EnvPrefix + "QUARANTINE_RETRY_WINDOW", validateEnvDuration},

		{"logging.level", EnvPrefix + "LOG_LEVEL", validateEnvLogLevel},
		{"logging.file", EnvPrefix + "LOG_FILE", nil},

		{"server.listen", EnvPrefix + "LISTEN", nil},
		{"notification.urls", EnvPrefix + "NOTIFY_URLS", nil},
		{"sentry.enabled", EnvPrefix + "SENTRY_ENABLED", validateEnvBool},
		{"sentry.dsn", EnvPrefix + "SENTRY_DSN", validateEnvURL},
	}
}

// bindEnvVars sets up environment variable bindings with validation (internal)
func bindEnvVars(v *viper.Viper) error {
	var warnings []string

	for _, binding := range getEnvBindings() {
		if err := v.BindEnv(binding.ConfigKey, binding.EnvVar); err != nil {
			warnings = append(warnings, fmt.Sprintf("Failed to bind %s: %v", binding.EnvVar, err))
			continue
		}

		if binding.Validate != nil {
			if envValue := os.Getenv(binding.EnvVar); envValue != "" {
				if err := binding.Validate(envValue); err != nil {
					warnings = append(warnings, fmt.Sprintf("Invalid %s value '%s': %v", binding.EnvVar, envValue, err))
				}
			}
		}
	}

	if len(warnings) > 0 {
		return fmt.Errorf("environment variable issues:\n  - %s", strings.Join(warnings, "\n  - "))
	}
	return nil
}

func validateEnvBool(value string) error {
	if _, err := strconv.ParseBool(value); err != nil {
		return fmt.Errorf("must be true or false")
	}
	return nil
}

func validateEnvDriver(value string) error {
	switch value {
	case DriverSQLite, DriverMySQL:
		return nil
	}
	return fmt.Errorf("must be %q or %q", DriverSQLite, DriverMySQL)
}

func validateEnvPort(value string) error {
	port, err := strconv.Atoi(value)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("must be a port number between 1 and 65535")
	}
	return nil
}

func validateEnvPositiveInt(value string) error {
	n, err := strconv.Atoi(value)
	if err != nil || n < 1 {
		return fmt.Errorf("must be a positive integer")
	}
	return nil
}

func validateEnvNonNegativeFloat(value string) error {
	f, err := strconv.ParseFloat(value, 64)
	if err != nil || f < 0 {
		return fmt.Errorf("must be a non-negative number")
	}
	return nil
}

func validateEnvDuration(value string) error {
	if _, err := time.ParseDuration(value); err != nil {
		return fmt.Errorf("must be a duration such as 30s or 5m")
	}
	return nil
}

func validateEnvLogLevel(value string) error {
	if !logger.ValidLevel(value) {
		return fmt.Errorf("must be one of trace, debug, info, warn, error")
	}
	return nil
}

func validateEnvURL(value string) error {
	u, err := url.Parse(value)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("must be an absolute URL")
	}
	return nil
}
