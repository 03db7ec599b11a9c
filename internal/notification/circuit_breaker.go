package notification

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tphakala/recordmigrate/internal/errors"
	"github.com/tphakala/recordmigrate/internal/logger"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// StateClosed means the circuit is closed and requests are flowing normally.
	StateClosed CircuitState = iota
	// StateHalfOpen means the circuit is testing if the service has recovered.
	StateHalfOpen
	// StateOpen means the circuit is open and requests are being rejected.
	StateOpen
)

// String returns the string representation of CircuitState.
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// ErrCircuitBreakerOpen is returned when the circuit breaker rejects a call.
var ErrCircuitBreakerOpen = errors.NewStd("circuit breaker is open")

// CircuitBreakerConfig holds configuration for a circuit breaker.
type CircuitBreakerConfig struct {
	// MaxFailures is the number of consecutive failures before opening the circuit.
	MaxFailures int
	// Timeout is how long to wait before transitioning from Open to Half-Open.
	Timeout time.Duration
}

// DefaultCircuitBreakerConfig returns default circuit breaker configuration.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		MaxFailures: 5,
		Timeout:     30 * time.Second,
	}
}

// PushCircuitBreaker stops calling a provider after repeated failures and
// lets a single probe through once the timeout has passed.
type PushCircuitBreaker struct {
	config          CircuitBreakerConfig
	state           CircuitState
	failures        int
	lastStateChange time.Time
	probing         bool
	mu              sync.Mutex
	providerName    string
	log             logger.Logger
	now             func() time.Time
	onStateChange   func(CircuitState)
}

// NewPushCircuitBreaker creates a new PushCircuitBreaker with the given configuration.
func NewPushCircuitBreaker(config CircuitBreakerConfig, providerName string, log logger.Logger) *PushCircuitBreaker {
	if config.MaxFailures < 1 {
		config.MaxFailures = 1
	}
	return &PushCircuitBreaker{
		config:          config,
		state:           StateClosed,
		lastStateChange: time.Now(),
		providerName:    providerName,
		log:             log,
		now:             time.Now,
	}
}

// Call executes fn if the circuit breaker allows it.
func (cb *PushCircuitBreaker) Call(ctx context.Context, fn func(context.Context) error) error {
	if err := cb.beforeCall(); err != nil {
		return fmt.Errorf("circuit breaker rejected request for %s: %w", cb.providerName, err)
	}
	err := fn(ctx)
	cb.afterCall(err)
	return err
}

func (cb *PushCircuitBreaker) beforeCall() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return nil
	case StateOpen:
		if cb.now().Sub(cb.lastStateChange) >= cb.config.Timeout {
			cb.setState(StateHalfOpen)
			cb.probing = true
			return nil
		}
		return ErrCircuitBreakerOpen
	default:
		if cb.probing {
			return ErrCircuitBreakerOpen
		}
		cb.probing = true
		return nil
	}
}

func (cb *PushCircuitBreaker) afterCall(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.probing = false

	if err == nil {
		cb.failures = 0
		if cb.state == StateHalfOpen {
			cb.setState(StateClosed)
		}
		return
	}
	// Cancellation is not a provider failure.
	if errors.Is(err, context.Canceled) {
		return
	}

	cb.failures++
	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.config.MaxFailures {
			cb.setState(StateOpen)
		}
	case StateHalfOpen:
		cb.setState(StateOpen)
	}
}

func (cb *PushCircuitBreaker) setState(newState CircuitState) {
	if cb.state == newState {
		return
	}
	old := cb.state
	cb.state = newState
	cb.lastStateChange = cb.now()
	if cb.onStateChange != nil {
		cb.onStateChange(newState)
	}
	cb.log.Info("circuit breaker state transition",
		logger.String("provider", cb.providerName),
		logger.String("old_state", old.String()),
		logger.String("new_state", newState.String()),
		logger.Int("consecutive_failures", cb.failures))
}

// State returns the current state of the circuit breaker.
func (cb *PushCircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
