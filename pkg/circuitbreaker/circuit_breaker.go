// Package circuitbreaker stops calling a backend that keeps failing and
// lets a few probe calls through once a cool-down has passed.
package circuitbreaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

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

const defaultProbes = 3

// Options configures a CircuitBreaker. Zero values fall back to defaults.
type Options struct {
	MaxFailures uint32
	ResetAfter  time.Duration
	// Probes is the number of consecutive successes needed in half-open.
	Probes uint32
	// IsFailure decides which errors count against the breaker. Nil
	// counts every error.
	IsFailure func(error) bool
}

// CircuitBreaker is safe for concurrent use.
type CircuitBreaker struct {
	name string
	opts Options
	now  func() time.Time

	mu          sync.Mutex
	state       State
	failures    uint32
	successes   uint32
	inFlight    uint32
	requests    uint64
	rejected    uint64
	lastFailure time.Time

	logger *logrus.Logger
}

func New(name string, opts Options, logger *logrus.Logger) *CircuitBreaker {
	if opts.MaxFailures == 0 {
		opts.MaxFailures = 5
	}
	if opts.ResetAfter <= 0 {
		opts.ResetAfter = 30 * time.Second
	}
	if opts.Probes == 0 {
		opts.Probes = defaultProbes
	}
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}
	return &CircuitBreaker{
		name:   name,
		opts:   opts,
		now:    time.Now,
		state:  StateClosed,
		logger: logger,
	}
}

// Execute runs fn unless the breaker is open. Errors the failure
// predicate ignores pass through without affecting state.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.acquire(); err != nil {
		return err
	}

	err := fn(ctx)
	cb.release(err)
	return err
}

func (cb *CircuitBreaker) acquire() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.advanceLocked()
	switch cb.state {
	case StateOpen:
		cb.rejected++
		return &OpenError{Name: cb.name, State: cb.state, RetryAfter: cb.opts.ResetAfter - cb.now().Sub(cb.lastFailure)}
	case StateHalfOpen:
		if cb.inFlight >= cb.opts.Probes {
			cb.rejected++
			return &OpenError{Name: cb.name, State: cb.state}
		}
	}
	cb.inFlight++
	cb.requests++
	return nil
}

func (cb *CircuitBreaker) release(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.inFlight--
	failed := err != nil && (cb.opts.IsFailure == nil || cb.opts.IsFailure(err))
	if !failed {
		cb.onSuccessLocked()
		return
	}

	cb.failures++
	cb.lastFailure = cb.now()
	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.opts.MaxFailures {
			cb.tripLocked(err)
		}
	case StateHalfOpen:
		cb.tripLocked(err)
	}
}

func (cb *CircuitBreaker) onSuccessLocked() {
	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.opts.Probes {
			cb.state = StateClosed
			cb.failures = 0
			cb.successes = 0
			cb.logger.WithField("circuit_breaker", cb.name).Info("Circuit breaker closed after successful recovery")
		}
	}
}

func (cb *CircuitBreaker) tripLocked(err error) {
	cb.state = StateOpen
	cb.successes = 0
	cb.logger.WithFields(logrus.Fields{
		"circuit_breaker": cb.name,
		"failures":        cb.failures,
	}).WithError(err).Warn("Circuit breaker opened")
}

// advanceLocked moves an open breaker to half-open once the cool-down passed.
func (cb *CircuitBreaker) advanceLocked() {
	if cb.state == StateOpen && cb.now().Sub(cb.lastFailure) >= cb.opts.ResetAfter {
		cb.state = StateHalfOpen
		cb.successes = 0
		cb.logger.WithField("circuit_breaker", cb.name).Info("Circuit breaker half-open")
	}
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.advanceLocked()
	return cb.state
}

type Stats struct {
	Name        string
	State       State
	Failures    uint32
	Requests    uint64
	Rejected    uint64
	LastFailure time.Time
}

func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Stats{
		Name:        cb.name,
		State:       cb.state,
		Failures:    cb.failures,
		Requests:    cb.requests,
		Rejected:    cb.rejected,
		LastFailure: cb.lastFailure,
	}
}

// OpenError is returned without calling fn while the breaker rejects calls.
type OpenError struct {
	Name       string
	State      State
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker '%s' is %s", e.Name, e.State)
}

// IsOpen reports whether err came from a rejecting breaker.
func IsOpen(err error) bool {
	_, ok := err.(*OpenError)
	return ok
}
