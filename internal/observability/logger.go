// Package observability owns the Prometheus registry of the migration engine.
package observability

import (
	"fmt"

	"github.com/tphakala/recordmigrate/internal/logger"
)

// Package-level cached logger instance for efficiency.
// All logging in this package should use this variable.
var log = logger.Global().Module("metrics")

// promLogger adapts the module logger to promhttp's error log.
type promLogger struct{}

func (promLogger) Println(v ...any) {
	log.Error("metrics handler error", logger.String("detail", fmt.Sprint(v...)))
}
