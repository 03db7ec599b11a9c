package quarantine

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/tphakala/recordmigrate/internal/errors"
)

// RetryPolicy holds the configuration for quarantine retry behavior.
type RetryPolicy struct {
	MaxRetries          int           // Retry cap for transient errors
	MaxPermanentRetries int           // Retry cap for permanent errors
	InitialDelay        time.Duration // Delay before the first replay
	MaxDelay            time.Duration // Upper bound on any replay delay
	Multiplier          float64       // Backoff multiplier for each subsequent retry
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:          5,
		MaxPermanentRetries: 2,
		InitialDelay:        2 * time.Second,
		MaxDelay:            5 * time.Minute,
		Multiplier:          2.0,
	}
}

// Cap returns the most retries a row of the given class gets. A row is
// abandoned once its retry count exceeds it.
func (p RetryPolicy) Cap(class errors.Class) int {
	if class == errors.ClassPermanent {
		return p.MaxPermanentRetries
	}
	return p.MaxRetries
}

// Backoff calculates the delay before replay number retryCount+1.
func (p RetryPolicy) Backoff(retryCount int) time.Duration {
	multiplier := p.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}

	// Calculate exponential backoff with jitter
	backoff := float64(p.InitialDelay) * math.Pow(multiplier, float64(retryCount))

	// Add some jitter (±10%)
	jitterFactor := 0.9 + 0.2*rand.Float64()
	backoff *= jitterFactor

	// Cap at max delay
	if p.MaxDelay > 0 && backoff > float64(p.MaxDelay) {
		backoff = float64(p.MaxDelay)
	}

	return time.Duration(backoff)
}
