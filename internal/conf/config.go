// Package conf loads recordmigrate settings from config.yaml, environment
// variables and built-in defaults.
package conf

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/tphakala/recordmigrate/internal/errors"
	"github.com/tphakala/recordmigrate/internal/logger"
	"github.com/tphakala/recordmigrate/internal/secrets"
)

// DatabaseSettings selects and configures the storage backend.
type DatabaseSettings struct {
	Driver             string         `mapstructure:"driver"` // sqlite or mysql
	SQLite             SQLiteSettings `mapstructure:"sqlite"`
	MySQL              MySQLSettings  `mapstructure:"mysql"`
	Debug              bool           `mapstructure:"debug"`
	SlowQueryThreshold time.Duration  `mapstructure:"slow_query_threshold"`
}

// SQLiteSettings contains settings for the SQLite database.
type SQLiteSettings struct {
	Path string `mapstructure:"path"`
}

// MySQLSettings contains settings for the MySQL database.
type MySQLSettings struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Username     string `mapstructure:"username"`
	Password     string `mapstructure:"password"`      // may reference ${VAR}
	PasswordFile string `mapstructure:"password_file"` // read instead of Password when set
	Database     string `mapstructure:"database"`
}

// EngineSettings bounds the worker pool of a running job.
type EngineSettings struct {
	BatchSize      int           `mapstructure:"batch_size"`
	Workers        int           `mapstructure:"workers"`    // 0 sizes the pool from the host CPU
	RateLimit      float64       `mapstructure:"rate_limit"` // records per second per worker, 0 disables
	MaxRuntime     time.Duration `mapstructure:"max_runtime"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	ReservationTTL time.Duration `mapstructure:"reservation_ttl"`
	FetchRetries   int           `mapstructure:"fetch_retries"`
}

// QuarantineSettings controls retry backoff for failed records.
type QuarantineSettings struct {
	MaxRetries          int           `mapstructure:"max_retries"`
	MaxPermanentRetries int           `mapstructure:"max_permanent_retries"`
	InitialDelay        time.Duration `mapstructure:"initial_delay"`
	MaxDelay            time.Duration `mapstructure:"max_delay"`
	Multiplier          float64       `mapstructure:"multiplier"`
	RetryWindow         time.Duration `mapstructure:"retry_window"`
}

// ScorerField is one weighted field comparison of the default scorer.
type ScorerField struct {
	Name   string  `mapstructure:"name"`
	Weight float64 `mapstructure:"weight"`
	Mode   string  `mapstructure:"mode"` // fuzzy or exact
}

// IdentifierRule lifts the score of candidates sharing an identifier.
type IdentifierRule struct {
	Field string  `mapstructure:"field"`
	Score float64 `mapstructure:"score"`
}

// ScorerSettings configures the default weighted scorer.
type ScorerSettings struct {
	Fields       []ScorerField    `mapstructure:"fields"`
	Identifiers  []IdentifierRule `mapstructure:"identifiers"`
	IgnoreTokens []string         `mapstructure:"ignore_tokens"`
}

// ConflictSettings holds the confidence bucket thresholds.
type ConflictSettings struct {
	High          float64        `mapstructure:"high"`
	Medium        float64        `mapstructure:"medium"`
	Low           float64        `mapstructure:"low"`
	MaxCandidates int            `mapstructure:"max_candidates"`
	Scorer        ScorerSettings `mapstructure:"scorer"`
}

// LineageSettings configures the lineage lookup cache.
type LineageSettings struct {
	CacheTTL time.Duration `mapstructure:"cache_ttl"` // 0 disables the cache
}

// RollbackSettings configures rollback behaviour.
type RollbackSettings struct {
	RetractCreated bool `mapstructure:"retract_created"`
}

// EntitySchema describes the fields known for one target entity type.
type EntitySchema struct {
	Version int      `mapstructure:"version"`
	Fields  []string `mapstructure:"fields"`
}

// TargetSettings configures the reference record store.
type TargetSettings struct {
	BlockField      string                  `mapstructure:"block_field"`
	IdentifierField string                  `mapstructure:"identifier_field"`
	Schemas         map[string]EntitySchema `mapstructure:"schemas"`
}

// LoggingSettings configures the central logger.
type LoggingSettings struct {
	Level        string            `mapstructure:"level"`
	File         string            `mapstructure:"file"` // empty disables file output
	Timezone     string            `mapstructure:"timezone"`
	ModuleLevels map[string]string `mapstructure:"module_levels"`
}

// ServerSettings configures the operator API.
type ServerSettings struct {
	Listen          string        `mapstructure:"listen"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"` // empty disables CORS
	BodyLimit       string        `mapstructure:"body_limit"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// NotificationSettings lists shoutrrr service URLs for job lifecycle events.
type NotificationSettings struct {
	URLs  []string `mapstructure:"urls"`
	Title string   `mapstructure:"title"`
}

// SentrySettings enables error telemetry.
type SentrySettings struct {
	Enabled     bool   `mapstructure:"enabled"`
	DSN         string `mapstructure:"dsn"`
	DSNFile     string `mapstructure:"dsn_file"`
	Environment string `mapstructure:"environment"`
}

// Settings contains all configuration options for recordmigrate.
type Settings struct {
	Database     DatabaseSettings     `mapstructure:"database"`
	Engine       EngineSettings       `mapstructure:"engine"`
	Quarantine   QuarantineSettings   `mapstructure:"quarantine"`
	Conflict     ConflictSettings     `mapstructure:"conflict"`
	Lineage      LineageSettings      `mapstructure:"lineage"`
	Rollback     RollbackSettings     `mapstructure:"rollback"`
	Target       TargetSettings       `mapstructure:"target"`
	Logging      LoggingSettings      `mapstructure:"logging"`
	Server       ServerSettings       `mapstructure:"server"`
	Notification NotificationSettings `mapstructure:"notification"`
	Sentry       SentrySettings       `mapstructure:"sentry"`
}

// LoggerConfig converts the logging section to the central logger configuration.
func (s *Settings) LoggerConfig() *logger.LoggingConfig {
	cfg := &logger.LoggingConfig{
		DefaultLevel: s.Logging.Level,
		Timezone:     s.Logging.Timezone,
		Console:      &logger.ConsoleOutput{Enabled: true, Level: s.Logging.Level},
		ModuleLevels: s.Logging.ModuleLevels,
	}
	if s.Logging.File != "" {
		cfg.FileOutput = &logger.FileOutput{Enabled: true, Path: s.Logging.File, Level: s.Logging.Level}
	}
	return cfg
}

var (
	settingsInstance *Settings
	settingsMutex    sync.RWMutex
)

// LoadOption customizes Load.
type LoadOption func(*viper.Viper) error

// WithFlag binds a command line flag to a config key. The flag wins over
// the file and environment only when it was set explicitly.
func WithFlag(key string, flag *pflag.Flag) LoadOption {
	return func(v *viper.Viper) error {
		if flag == nil {
			return nil
		}
		return v.BindPFlag(key, flag)
	}
}

// Load reads configFile, or config.yaml from the default search paths when
// configFile is empty, overlays environment variables and flags, and
// validates the result. A missing config.yaml in the search paths is not
// an error.
func Load(configFile string, opts ...LoadOption) (*Settings, error) {
	settingsMutex.Lock()
	defer settingsMutex.Unlock()

	v := viper.New()
	setDefaultConfig(v)

	if err := bindEnvVars(v); err != nil {
		return nil, errors.New(err).
			Component("conf").
			Category(errors.CategoryConfiguration).
			Build()
	}

	for _, opt := range opts {
		if err := opt(v); err != nil {
			return nil, errors.New(err).
				Component("conf").
				Category(errors.CategoryConfiguration).
				Build()
		}
	}

	if err := readConfigFile(v, configFile); err != nil {
		return nil, err
	}

	settings := &Settings{}
	if err := v.Unmarshal(settings); err != nil {
		return nil, errors.New(fmt.Errorf("error unmarshaling config into struct: %w", err)).
			Component("conf").
			Category(errors.CategoryConfiguration).
			Build()
	}

	if err := resolveSecrets(settings); err != nil {
		return nil, err
	}

	if err := ValidateSettings(settings); err != nil {
		return nil, fmt.Errorf("error validating settings: %w", err)
	}

	settingsInstance = settings
	return settings, nil
}

// resolveSecrets expands ${VAR} references and reads secret files for the
// credential fields.
func resolveSecrets(s *Settings) error {
	var err error
	if s.Database.MySQL.Password, err = secrets.Resolve(s.Database.MySQL.PasswordFile, s.Database.MySQL.Password); err != nil {
		return fmt.Errorf("database.mysql.password: %w", err)
	}
	if s.Sentry.DSN, err = secrets.Resolve(s.Sentry.DSNFile, s.Sentry.DSN); err != nil {
		return fmt.Errorf("sentry.dsn: %w", err)
	}
	for i, u := range s.Notification.URLs {
		if s.Notification.URLs[i], err = secrets.Expand(u); err != nil {
			return fmt.Errorf("notification.urls[%d]: %w", i, err)
		}
	}
	return nil
}

func readConfigFile(v *viper.Viper, configFile string) error {
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return errors.New(fmt.Errorf("fatal error reading config file %s: %w", configFile, err)).
				Component("conf").
				Category(errors.CategoryConfiguration).
				Context("config_file", configFile).
				Build()
		}
		return nil
	}

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	for _, path := range DefaultConfigPaths() {
		v.AddConfigPath(path)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return errors.New(fmt.Errorf("fatal error reading config file: %w", err)).
			Component("conf").
			Category(errors.CategoryConfiguration).
			Build()
	}
	return nil
}

// DefaultConfigPaths returns the directories searched for config.yaml.
func DefaultConfigPaths() []string {
	paths := []string{"."}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "recordmigrate"))
	}
	return append(paths, "/etc/recordmigrate")
}

// GetSettings returns the settings of the last successful Load.
func GetSettings() *Settings {
	settingsMutex.RLock()
	defer settingsMutex.RUnlock()
	return settingsInstance
}
