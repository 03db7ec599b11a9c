package logger

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	DefaultLevel string            `yaml:"default_level"` // default log level for all modules
	Timezone     string            `yaml:"timezone"`      // "Local", "UTC", or IANA timezone name
	Console      *ConsoleOutput    `yaml:"console"`       // console output configuration
	FileOutput   *FileOutput       `yaml:"file_output"`   // file output configuration
	ModuleLevels map[string]string `yaml:"module_levels"` // per-module log levels
}

// ConsoleOutput represents console logging configuration.
// Console output uses human-readable text format without timestamps.
type ConsoleOutput struct {
	Enabled bool   `yaml:"enabled"`
	Level   string `yaml:"level"`
}

// FileOutput represents file logging configuration.
// File output uses JSON format with RFC3339 timestamps for machine parsing.
type FileOutput struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
	Level   string `yaml:"level"`
}

// Default values for logging configuration.
const (
	DefaultLogLevel       = "info"
	DefaultLogPath        = "logs/recordmigrate.log"
	DefaultConsoleEnabled = true
)

// applyConfigDefaults fills nil sections so that a partial configuration
// still produces console output.
func applyConfigDefaults(cfg *LoggingConfig) {
	if cfg == nil {
		return
	}
	if cfg.DefaultLevel == "" {
		cfg.DefaultLevel = DefaultLogLevel
	}
	if cfg.Console == nil {
		cfg.Console = &ConsoleOutput{
			Enabled: DefaultConsoleEnabled,
			Level:   cfg.DefaultLevel,
		}
	}
	if cfg.Console.Level == "" {
		cfg.Console.Level = cfg.DefaultLevel
	}
	if cfg.FileOutput != nil && cfg.FileOutput.Enabled {
		if cfg.FileOutput.Path == "" {
			cfg.FileOutput.Path = DefaultLogPath
		}
		if cfg.FileOutput.Level == "" {
			cfg.FileOutput.Level = cfg.DefaultLevel
		}
	}
}
