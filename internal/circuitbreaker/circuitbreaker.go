// Package circuitbreaker guards calls to the remote service so a failing
// backend is not hammered while the client believes it is online.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/onnwee/offline-sync/internal/metrics"
)

var (
	// ErrCircuitOpen is returned when the circuit breaker is open
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreaker implements a circuit breaker pattern
type CircuitBreaker struct {
	mu              sync.Mutex
	state           State
	failureCount    int
	successCount    int
	lastFailureTime time.Time
	name            string

	// Configuration
	failureThreshold int
	successThreshold int
	timeout          time.Duration
	now              func() time.Time
	onStateChange    func(name string, from, to State)
}

// Config holds circuit breaker configuration
type Config struct {
	Name             string
	FailureThreshold int           // Number of failures before opening
	SuccessThreshold int           // Number of successes needed to close from half-open
	Timeout          time.Duration // Time to wait before trying half-open

	// Now defaults to time.Now.
	Now func() time.Time
	// OnStateChange is called after every transition, outside the breaker lock.
	OnStateChange func(name string, from, to State)
}

// New creates a new circuit breaker
func New(cfg Config) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	cb := &CircuitBreaker{
		state:            StateClosed,
		name:             cfg.Name,
		failureThreshold: cfg.FailureThreshold,
		successThreshold: cfg.SuccessThreshold,
		timeout:          cfg.Timeout,
		now:              cfg.Now,
		onStateChange:    cfg.OnStateChange,
	}

	metrics.CircuitBreakerState.WithLabelValues(cfg.Name).Set(float64(StateClosed))

	return cb
}

// Call executes fn if the breaker allows it. Errors returned by fn count as
// failures; use Ignore to pass an error through without tripping.
func (cb *CircuitBreaker) Call(fn func() error) error {
	if !cb.canAttempt() {
		return ErrCircuitOpen
	}

	err := fn()
	var ignored *ignoredError
	switch {
	case err == nil:
		cb.recordSuccess()
		return nil
	case errors.As(err, &ignored):
		cb.recordSuccess()
		return ignored.err
	default:
		cb.recordFailure()
		return err
	}
}

type ignoredError struct{ err error }

func (e *ignoredError) Error() string { return e.err.Error() }
func (e *ignoredError) Unwrap() error { return e.err }

// Ignore marks err as a healthy response from the backend's point of view,
// e.g. a 4xx the caller still wants to see.
func Ignore(err error) error {
	if err == nil {
		return nil
	}
	return &ignoredError{err: err}
}

// canAttempt checks if we can attempt the operation
func (cb *CircuitBreaker) canAttempt() bool {
	cb.mu.Lock()
	switch cb.state {
	case StateClosed, StateHalfOpen:
		cb.mu.Unlock()
		return true
	case StateOpen:
		if cb.now().Sub(cb.lastFailureTime) > cb.timeout {
			from := cb.transitionLocked(StateHalfOpen)
			cb.successCount = 0
			cb.mu.Unlock()
			cb.notify(from, StateHalfOpen)
			return true
		}
	}
	cb.mu.Unlock()
	return false
}

// recordFailure records a failure
func (cb *CircuitBreaker) recordFailure() {
	cb.mu.Lock()

	cb.lastFailureTime = cb.now()
	cb.successCount = 0

	tripped := false
	var from State
	switch cb.state {
	case StateClosed:
		cb.failureCount++
		if cb.failureCount >= cb.failureThreshold {
			from = cb.transitionLocked(StateOpen)
			tripped = true
		}
	case StateHalfOpen:
		from = cb.transitionLocked(StateOpen)
		cb.failureCount = 0
		tripped = true
	}
	cb.mu.Unlock()

	if tripped {
		metrics.CircuitBreakerTrips.WithLabelValues(cb.name).Inc()
		cb.notify(from, StateOpen)
	}
}

// recordSuccess records a success
func (cb *CircuitBreaker) recordSuccess() {
	cb.mu.Lock()

	closed := false
	var from State
	switch cb.state {
	case StateClosed:
		cb.failureCount = 0
	case StateHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.successThreshold {
			from = cb.transitionLocked(StateClosed)
			cb.failureCount = 0
			cb.successCount = 0
			closed = true
		}
	}
	cb.mu.Unlock()

	if closed {
		cb.notify(from, StateClosed)
	}
}

func (cb *CircuitBreaker) transitionLocked(to State) State {
	from := cb.state
	cb.state = to
	metrics.CircuitBreakerState.WithLabelValues(cb.name).Set(float64(to))
	return from
}

func (cb *CircuitBreaker) notify(from, to State) {
	if cb.onStateChange != nil {
		cb.onStateChange(cb.name, from, to)
	}
}

// GetState returns the current state
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Name is the label the breaker reports metrics under.
func (cb *CircuitBreaker) Name() string { return cb.name }
