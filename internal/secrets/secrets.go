// Package secrets resolves credentials referenced from config.yaml:
// ${VAR} expansion and mounted secret files (/run/secrets/*).
// Secret values are never logged or included in errors.
package secrets

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tphakala/recordmigrate/internal/errors"
	"github.com/tphakala/recordmigrate/internal/logger"
)

// maxFileSize bounds secret file reads; secrets are tokens and passwords.
const maxFileSize = 64 * 1024

// Expand replaces ${VAR} and ${VAR:-default} references with environment
// values. A referenced variable that is unset and has no default is an
// error.
func Expand(s string) (string, error) {
	if s == "" {
		return "", nil
	}

	var missing []string
	expanded := os.Expand(s, func(key string) string {
		name, def, hasDefault := strings.Cut(key, ":-")
		if v := os.Getenv(name); v != "" {
			return v
		}
		if !hasDefault {
			missing = append(missing, name)
		}
		return def
	})
	if len(missing) > 0 {
		return "", secretError(fmt.Errorf("missing environment variable(s): %s", strings.Join(missing, ", ")))
	}
	return expanded, nil
}

// ReadFile reads a secret file, dropping trailing newlines. Files readable
// by group or other are accepted with a warning.
func ReadFile(path string) (string, error) {
	if path == "" {
		return "", secretError(fmt.Errorf("secret file path is empty"))
	}
	clean := filepath.Clean(path)

	info, err := os.Stat(clean)
	if err != nil {
		return "", secretError(fmt.Errorf("failed to stat secret file %s: %w", clean, err))
	}
	if !info.Mode().IsRegular() {
		return "", secretError(fmt.Errorf("secret path is not a regular file: %s", clean))
	}
	if info.Size() > maxFileSize {
		return "", secretError(fmt.Errorf("secret file larger than %d bytes: %s", maxFileSize, clean))
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Global().Module("secrets").Warn("secret file is readable by group or other",
			logger.String("path", clean),
			logger.String("mode", fmt.Sprintf("%04o", perm)))
	}

	data, err := os.ReadFile(clean)
	if err != nil {
		return "", secretError(fmt.Errorf("failed to read secret file %s: %w", clean, err))
	}
	secret := strings.TrimRight(string(data), "\r\n")
	if secret == "" {
		return "", secretError(fmt.Errorf("secret file is empty: %s", clean))
	}
	return secret, nil
}

// Resolve returns the secret from filePath when set, otherwise value with
// environment references expanded.
func Resolve(filePath, value string) (string, error) {
	if filePath != "" {
		return ReadFile(filePath)
	}
	return Expand(value)
}

func secretError(err error) error {
	return errors.New(err).
		Component("secrets").
		Category(errors.CategoryConfiguration).
		Build()
}
