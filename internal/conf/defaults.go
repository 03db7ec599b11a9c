// defaults.go: default configuration values for recordmigrate
package conf

import (
	"time"

	"github.com/spf13/viper"
)

// DefaultIgnoreTokens are corporate suffixes dropped before name comparison.
var DefaultIgnoreTokens = []string{
	"corp", "corporation", "inc", "incorporated", "ltd", "limited",
	"llc", "gmbh", "oy", "ab", "co", "company", "plc", "sa", "ag",
}

// setDefaultConfig defines every configuration key and its default value.
func setDefaultConfig(v *viper.Viper) {
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.sqlite.path", "recordmigrate.db")
	v.SetDefault("database.mysql.host", "localhost")
	v.SetDefault("database.mysql.port", 3306)
	v.SetDefault("database.mysql.username", "")
	v.SetDefault("database.mysql.password", "")
	v.SetDefault("database.mysql.password_file", "")
	v.SetDefault("database.mysql.database", "recordmigrate")
	v.SetDefault("database.debug", false)
	v.SetDefault("database.slow_query_threshold", 200*time.Millisecond)

	v.SetDefault("engine.batch_size", 100)
	v.SetDefault("engine.workers", 4)
	v.SetDefault("engine.rate_limit", 0.0)
	v.SetDefault("engine.max_runtime", time.Duration(0))
	v.SetDefault("engine.poll_interval", time.Second)
	v.SetDefault("engine.reservation_ttl", 5*time.Minute)
	v.SetDefault("engine.fetch_retries", 3)

	v.SetDefault("quarantine.max_retries", 5)
	v.SetDefault("quarantine.max_permanent_retries", 2)
	v.SetDefault("quarantine.initial_delay", 2*time.Second)
	v.SetDefault("quarantine.max_delay", 5*time.Minute)
	v.SetDefault("quarantine.multiplier", 2.0)
	v.SetDefault("quarantine.retry_window", 10*time.Minute)

	v.SetDefault("conflict.high", 0.90)
	v.SetDefault("conflict.medium", 0.75)
	v.SetDefault("conflict.low", 0.50)
	v.SetDefault("conflict.max_candidates", 10)
	v.SetDefault("conflict.scorer.fields", []map[string]any{
		{"name": "name", "weight": 0.6, "mode": "fuzzy"},
		{"name": "email", "weight": 0.25, "mode": "exact"},
		{"name": "phone", "weight": 0.15, "mode": "exact"},
	})
	v.SetDefault("conflict.scorer.identifiers", []map[string]any{
		{"field": "tax_id", "score": 0.95},
	})
	v.SetDefault("conflict.scorer.ignore_tokens", DefaultIgnoreTokens)

	v.SetDefault("lineage.cache_ttl", 5*time.Minute)

	v.SetDefault("rollback.retract_created", false)

	v.SetDefault("target.block_field", "name")
	v.SetDefault("target.identifier_field", "tax_id")
	v.SetDefault("target.schemas", map[string]any{
		"contact": map[string]any{"version": 1, "fields": []string{"name", "email", "phone", "company", "tax_id", "title"}},
		"company": map[string]any{"version": 1, "fields": []string{"name", "tax_id", "website", "country", "phone"}},
	})

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.timezone", "Local")
	v.SetDefault("logging.module_levels", map[string]string{})

	v.SetDefault("server.listen", "127.0.0.1:8085")
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.body_limit", "2M")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("notification.urls", []string{})
	v.SetDefault("notification.title", "recordmigrate")

	v.SetDefault("sentry.enabled", false)
	v.SetDefault("sentry.dsn", "")
	v.SetDefault("sentry.dsn_file", "")
	v.SetDefault("sentry.environment", "production")
}
