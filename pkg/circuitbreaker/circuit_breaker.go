package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	apperrors "silvenger/internal/errors"

	"github.com/sirupsen/logrus"
)

// State represents the state of a circuit breaker
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

const defaultHalfOpenMaxCalls = 3

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// CircuitBreaker guards calls to the backend. Only errors accepted by the
// failure predicate count towards tripping, so a rejected request (4xx)
// does not open the circuit for everyone else.
type CircuitBreaker struct {
	name             string
	maxFailures      uint32
	timeout          time.Duration
	halfOpenMaxCalls uint32

	mu              sync.Mutex
	state           State
	failures        uint32
	lastFailureTime time.Time
	halfOpenCalls   uint32
	successCount    uint32
	requestCount    uint32

	isFailure     func(error) bool
	onStateChange func(name string, from, to State)
	now           func() time.Time

	logger *logrus.Logger
}

// New creates a new circuit breaker
func New(name string, maxFailures uint32, timeout time.Duration) *CircuitBreaker {
	return NewWithLogger(name, maxFailures, timeout, nil)
}

// NewWithLogger creates a new circuit breaker with a custom logger
func NewWithLogger(name string, maxFailures uint32, timeout time.Duration, logger *logrus.Logger) *CircuitBreaker {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}
	if maxFailures == 0 {
		maxFailures = 1
	}
	return &CircuitBreaker{
		name:             name,
		maxFailures:      maxFailures,
		timeout:          timeout,
		halfOpenMaxCalls: defaultHalfOpenMaxCalls,
		state:            StateClosed,
		isFailure:        DefaultFailurePredicate,
		now:              time.Now,
		logger:           logger,
	}
}

// DefaultFailurePredicate counts every error except caller cancellation and
// application errors explicitly marked non-retryable.
func DefaultFailurePredicate(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if appErr, ok := apperrors.As(err); ok {
		return appErr.Retryable
	}
	return true
}

// SetFailurePredicate replaces the predicate deciding which errors trip the circuit.
func (cb *CircuitBreaker) SetFailurePredicate(fn func(error) bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if fn == nil {
		fn = DefaultFailurePredicate
	}
	cb.isFailure = fn
}

// OnStateChange registers a hook invoked after every state transition.
// The hook runs with the breaker lock held and must not call back into it.
func (cb *CircuitBreaker) OnStateChange(fn func(name string, from, to State)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

// Execute executes the given function if the circuit breaker is in a state that allows it
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if state, ok := cb.allowRequest(); !ok {
		return apperrors.WrapRetryable(&CircuitBreakerError{Name: cb.name, State: state},
			apperrors.ErrCodeCircuitOpen, "circuit breaker is open").
			WithContext("service", cb.name).
			WithUserMessage("Service is temporarily unavailable")
	}

	err := fn(ctx)

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err != nil && cb.isFailure(err) {
		cb.onFailure()
		return err
	}
	cb.onSuccess()
	return err
}

// allowRequest admits a call and reserves a half-open probe slot when needed.
func (cb *CircuitBreaker) allowRequest() (State, bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.maybeHalfOpen()

	switch cb.state {
	case StateClosed:
		cb.requestCount++
		return cb.state, true
	case StateHalfOpen:
		if cb.halfOpenCalls >= cb.halfOpenMaxCalls {
			return cb.state, false
		}
		cb.halfOpenCalls++
		cb.requestCount++
		return cb.state, true
	default:
		return cb.state, false
	}
}

func (cb *CircuitBreaker) shouldAttemptReset() bool {
	return cb.now().Sub(cb.lastFailureTime) >= cb.timeout
}

// maybeHalfOpen moves an open breaker to half-open once the timeout elapsed. Caller holds mu.
func (cb *CircuitBreaker) maybeHalfOpen() {
	if cb.state == StateOpen && cb.shouldAttemptReset() {
		cb.halfOpenCalls = 0
		cb.successCount = 0
		cb.setState(StateHalfOpen)
		cb.logger.WithFields(logrus.Fields{
			"circuit_breaker": cb.name,
			"state":           "HALF_OPEN",
		}).Info("Circuit breaker transitioned to half-open")
	}
}

func (cb *CircuitBreaker) onSuccess() {
	switch cb.state {
	case StateHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.halfOpenMaxCalls {
			cb.reset()
			cb.logger.WithFields(logrus.Fields{
				"circuit_breaker": cb.name,
				"state":           "CLOSED",
			}).Info("Circuit breaker closed after successful recovery")
		}
	case StateClosed:
		cb.successCount++
		cb.failures = 0
	}
}

func (cb *CircuitBreaker) onFailure() {
	cb.failures++
	cb.lastFailureTime = cb.now()

	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.maxFailures {
			cb.trip()
		}
	case StateHalfOpen:
		cb.trip()
	}
}

func (cb *CircuitBreaker) trip() {
	cb.setState(StateOpen)
	cb.logger.WithFields(logrus.Fields{
		"circuit_breaker": cb.name,
		"failures":        cb.failures,
		"state":           "OPEN",
	}).Warn("Circuit breaker opened due to failures")
}

func (cb *CircuitBreaker) reset() {
	cb.setState(StateClosed)
	cb.failures = 0
	cb.successCount = 0
	cb.halfOpenCalls = 0
}

func (cb *CircuitBreaker) setState(to State) {
	from := cb.state
	cb.state = to
	if from != to && cb.onStateChange != nil {
		cb.onStateChange(cb.name, from, to)
	}
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeHalfOpen()
	return cb.state
}

// GetStats returns statistics about the circuit breaker
func (cb *CircuitBreaker) GetStats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return Stats{
		Name:            cb.name,
		State:           cb.state,
		Failures:        cb.failures,
		Requests:        cb.requestCount,
		Successes:       cb.successCount,
		LastFailureTime: cb.lastFailureTime,
	}
}

// Stats represents circuit breaker statistics
type Stats struct {
	Name            string
	State           State
	Failures        uint32
	Requests        uint32
	Successes       uint32
	LastFailureTime time.Time
}

// CircuitBreakerError represents an error when the circuit breaker is open
type CircuitBreakerError struct {
	Name  string
	State State
}

func (e *CircuitBreakerError) Error() string {
	return fmt.Sprintf("circuit breaker '%s' is %s", e.Name, e.State)
}

// IsCircuitBreakerError checks whether err was produced by a rejecting breaker
func IsCircuitBreakerError(err error) bool {
	var cbErr *CircuitBreakerError
	return errors.As(err, &cbErr)
}
