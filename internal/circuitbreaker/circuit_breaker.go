// Package circuitbreaker stops hammering a CI provider that keeps failing.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	apperrors "github.com/ci-exporter/internal/errors"
	"github.com/ci-exporter/internal/logging"
)

// State represents the circuit breaker state
type State string

const (
	// StateClosed means the circuit is closed and requests are allowed
	StateClosed State = "closed"
	// StateOpen means the circuit is open and requests are blocked
	StateOpen State = "open"
	// StateHalfOpen means a single probe request is allowed through
	StateHalfOpen State = "half_open"
)

// ErrCircuitOpen is returned when the circuit breaker is open
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config configures a circuit breaker
type Config struct {
	Name string
	// MaxFailures is the number of consecutive failures that opens the circuit
	MaxFailures int
	// Timeout is how long the circuit stays open before a probe is allowed
	Timeout time.Duration
	// IsFailure decides which errors count against the provider.
	// Defaults to errors.IsRetryable: per-project auth or 404 errors do not
	// say anything about provider health.
	IsFailure func(error) bool
	// Now is the clock; defaults to time.Now
	Now func() time.Time
}

// DefaultConfig returns a default circuit breaker configuration
func DefaultConfig(name string) *Config {
	return &Config{
		Name:        name,
		MaxFailures: 5,
		Timeout:     30 * time.Second,
	}
}

// CircuitBreaker implements the circuit breaker pattern
type CircuitBreaker struct {
	name        string
	maxFailures int
	timeout     time.Duration
	isFailure   func(error) bool
	now         func() time.Time

	mu               sync.Mutex
	state            State
	consecutiveFails int
	probing          bool
	lastStateChange  time.Time
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(config *Config) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:        config.Name,
		maxFailures: config.MaxFailures,
		timeout:     config.Timeout,
		isFailure:   config.IsFailure,
		now:         config.Now,
		state:       StateClosed,
	}
	if cb.maxFailures <= 0 {
		cb.maxFailures = 5
	}
	if cb.isFailure == nil {
		cb.isFailure = apperrors.IsRetryable
	}
	if cb.now == nil {
		cb.now = time.Now
	}
	cb.lastStateChange = cb.now()
	return cb
}

// Execute executes fn with circuit breaker protection
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.beforeRequest(); err != nil {
		return err
	}

	err := fn(ctx)
	cb.afterRequest(err)
	return err
}

func (cb *CircuitBreaker) beforeRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.lastStateChange) < cb.timeout {
			return ErrCircuitOpen
		}
		cb.setState(StateHalfOpen)
		cb.probing = true
		logging.WithFields(map[string]interface{}{
			"circuitBreaker": cb.name,
			"state":          StateHalfOpen,
		}).Info("Circuit breaker transitioning to half-open")
		return nil

	case StateHalfOpen:
		// one probe at a time
		if cb.probing {
			return ErrCircuitOpen
		}
		cb.probing = true
		return nil

	default:
		return nil
	}
}

func (cb *CircuitBreaker) afterRequest(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	failed := err != nil && cb.isFailure(err)

	if cb.state == StateHalfOpen {
		cb.probing = false
		if failed {
			cb.setState(StateOpen)
			logging.WithField("circuitBreaker", cb.name).Warn("Circuit breaker reopened after failed probe")
			return
		}
		cb.setState(StateClosed)
		cb.consecutiveFails = 0
		logging.WithField("circuitBreaker", cb.name).Info("Circuit breaker closed after successful probe")
		return
	}

	if !failed {
		cb.consecutiveFails = 0
		return
	}

	cb.consecutiveFails++
	if cb.state == StateClosed && cb.consecutiveFails >= cb.maxFailures {
		cb.setState(StateOpen)
		logging.WithFields(map[string]interface{}{
			"circuitBreaker":   cb.name,
			"consecutiveFails": cb.consecutiveFails,
		}).Warn("Circuit breaker opened due to failures")
	}
}

func (cb *CircuitBreaker) setState(state State) {
	cb.state = state
	cb.lastStateChange = cb.now()
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset manually resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.setState(StateClosed)
	cb.consecutiveFails = 0
	cb.probing = false
}
