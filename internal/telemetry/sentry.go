// Package telemetry reports orchestration-level failures to Sentry.
//
// Only errors built with Report() reach Sentry. Events are stripped of host
// and user data, and messages pass through errors.ScrubMessage so legacy
// payload values do not leave the process.
package telemetry

import (
	"fmt"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/tphakala/recordmigrate/internal/conf"
	"github.com/tphakala/recordmigrate/internal/errors"
	"github.com/tphakala/recordmigrate/internal/logger"
)

var (
	mu                sync.Mutex
	sentryInitialized bool
)

// InitSentry initializes the Sentry SDK and installs the Sentry reporter
// for enhanced errors. It does nothing when Sentry is disabled.
func InitSentry(settings *conf.SentrySettings, version string) error {
	return initSentry(settings, version, nil)
}

func initSentry(settings *conf.SentrySettings, version string, transport sentry.Transport) error {
	if settings == nil || !settings.Enabled {
		return nil
	}

	mu.Lock()
	defer mu.Unlock()

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              settings.DSN,
		Transport:        transport,
		SampleRate:       1.0,
		AttachStacktrace: false,
		Environment:      settings.Environment,
		ServerName:       "", // Explicitly clear server name to prevent hostname leakage
		Release:          fmt.Sprintf("recordmigrate@%s", version),
		BeforeSend: func(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
			return applyPrivacyFilters(event)
		},
	})
	if err != nil {
		return fmt.Errorf("sentry initialization failed: %w", err)
	}

	sentryInitialized = true
	errors.SetTelemetryReporter(errors.NewSentryReporter(true))
	logger.Global().Module("telemetry").Info("sentry telemetry enabled",
		logger.String("environment", settings.Environment))
	return nil
}

// Flush waits for buffered events to be sent.
func Flush(timeout time.Duration) {
	mu.Lock()
	initialized := sentryInitialized
	mu.Unlock()
	if initialized {
		sentry.Flush(timeout)
	}
}

// applyPrivacyFilters applies privacy filters to a Sentry event
func applyPrivacyFilters(event *sentry.Event) *sentry.Event {
	event.User = sentry.User{}
	event.ServerName = ""
	event.Request = nil
	event.Message = errors.ScrubMessage(event.Message)

	if event.Contexts != nil {
		delete(event.Contexts, "device")
		delete(event.Contexts, "os")
		delete(event.Contexts, "runtime")
	}
	for i := range event.Exception {
		event.Exception[i].Value = errors.ScrubMessage(event.Exception[i].Value)
	}

	// Remove extra fields except allowed ones
	for k := range event.Extra {
		if k != "error_type" && k != "component" {
			delete(event.Extra, k)
		}
	}

	if event.Tags != nil {
		delete(event.Tags, "server_name")
		delete(event.Tags, "hostname")
	}
	return event
}
