// Package errors - telemetry integration (optional)
package errors

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"unicode"

	"github.com/getsentry/sentry-go"
)

// TelemetryReporter is an interface for reporting errors to telemetry systems
type TelemetryReporter interface {
	ReportError(err *EnhancedError)
	IsEnabled() bool
}

// SentryReporter implements TelemetryReporter for Sentry
type SentryReporter struct {
	enabled bool
}

// NewSentryReporter creates a new Sentry telemetry reporter
func NewSentryReporter(enabled bool) *SentryReporter {
	return &SentryReporter{enabled: enabled}
}

// IsEnabled returns whether Sentry telemetry is enabled
func (sr *SentryReporter) IsEnabled() bool {
	return sr.enabled
}

// ReportError reports an enhanced error to Sentry with payload scrubbing
func (sr *SentryReporter) ReportError(ee *EnhancedError) {
	if !sr.enabled || ee.IsReported() {
		return
	}

	message := ScrubMessage(fmt.Sprintf("[%s] %s", ee.Category, ee.Err.Error()))
	title := generateErrorTitle(ee)

	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("error_title", title)
		scope.SetTag("component", ee.Component)
		scope.SetTag("category", string(ee.Category))
		scope.SetTag("error_type", fmt.Sprintf("%T", ee.Err))

		for key, value := range ee.GetContext() {
			if s, ok := value.(string); ok {
				value = ScrubMessage(s)
			}
			scope.SetContext(key, map[string]any{"value": value})
		}

		level := getErrorLevel(ee.Category)
		scope.SetLevel(level)
		scope.SetFingerprint([]string{title, ee.Component, string(ee.Category)})

		event := sentry.NewEvent()
		event.Message = message
		event.Level = level
		event.Exception = []sentry.Exception{{Type: title, Value: message}}
		sentry.CaptureEvent(event)
	})

	ee.MarkReported()
}

// generateErrorTitle builds a grouping title from component, category and operation
func generateErrorTitle(ee *EnhancedError) string {
	var parts []string
	if ee.Component != "" {
		parts = append(parts, titleCase(ee.Component))
	}
	if c := formatCategoryForTitle(ee.Category); c != "" {
		parts = append(parts, c)
	}
	if op, ok := ee.GetContext()["operation"].(string); ok && op != "" {
		words := strings.Fields(strings.ReplaceAll(op, "_", " "))
		for i, w := range words {
			words[i] = titleCase(w)
		}
		parts = append(parts, strings.Join(words, " "))
	}
	if len(parts) == 0 {
		return fmt.Sprintf("%T", ee.Err)
	}
	return strings.Join(parts, " ")
}

func formatCategoryForTitle(category ErrorCategory) string {
	switch category {
	case CategoryValidation:
		return "Validation Error"
	case CategoryDatabase:
		return "Database Error"
	case CategoryConfiguration:
		return "Configuration Error"
	case CategorySource:
		return "Source Error"
	case CategoryTransform:
		return "Transform Error"
	case CategoryReservation:
		return "Reservation Error"
	case CategoryTarget:
		return "Target Write Error"
	case CategorySnapshot:
		return "Snapshot Error"
	case CategoryState:
		return "State Error"
	case CategoryWorker:
		return "Worker Error"
	default:
		return string(category)
	}
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	runes := []rune(s)
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}

// getErrorLevel returns appropriate Sentry level based on category
func getErrorLevel(category ErrorCategory) sentry.Level {
	switch category {
	case CategoryNetwork, CategorySource, CategoryTimeout, CategoryRetry:
		return sentry.LevelWarning // often transient
	case CategoryCancellation:
		return sentry.LevelInfo
	default:
		return sentry.LevelError
	}
}

var (
	reporterMu              sync.RWMutex
	globalTelemetryReporter TelemetryReporter
)

// SetTelemetryReporter sets the global telemetry reporter
func SetTelemetryReporter(reporter TelemetryReporter) {
	reporterMu.Lock()
	defer reporterMu.Unlock()
	globalTelemetryReporter = reporter
	hasActiveReporting.Store(reporter != nil && reporter.IsEnabled())
}

// GetTelemetryReporter returns the current telemetry reporter
func GetTelemetryReporter() TelemetryReporter {
	reporterMu.RLock()
	defer reporterMu.RUnlock()
	return globalTelemetryReporter
}

func reportToTelemetry(ee *EnhancedError) {
	if r := GetTelemetryReporter(); r != nil && r.IsEnabled() {
		r.ReportError(ee)
	}
}

var (
	urlQueryRegex = regexp.MustCompile(`(https?://[^?\s]+)\?\S*`)
	userInfoRegex = regexp.MustCompile(`(\w+://)[^/@\s]+@`)
	secretRegexes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(api[_-]?key|token|password|secret)[=:]\S+`),
		regexp.MustCompile(`[0-9a-fA-F]{32,}`),
	}
	emailRegex = regexp.MustCompile(`[\w.+-]+@[\w-]+\.[\w.-]+`)
)

// ScrubMessage removes credentials, query strings and e-mail addresses that
// may leak from legacy payloads into error text.
func ScrubMessage(message string) string {
	scrubbed := urlQueryRegex.ReplaceAllString(message, "$1?[REDACTED]")
	scrubbed = userInfoRegex.ReplaceAllString(scrubbed, "$1[REDACTED]@")
	for _, re := range secretRegexes {
		scrubbed = re.ReplaceAllString(scrubbed, "[SECRET_REDACTED]")
	}
	return emailRegex.ReplaceAllString(scrubbed, "[EMAIL_REDACTED]")
}
