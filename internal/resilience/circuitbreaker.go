// Package resilience guards the speech and synthesis backends.
//
// A [CircuitBreaker] stops hammering a backend that keeps failing: after a
// run of consecutive errors it rejects calls outright, then lets a few
// probes through once the reset window passes. [FallbackGroup] chains
// providers behind per-entry breakers so a down primary is skipped in
// favour of the next configured backend.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker
// is rejecting calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects every call with [ErrCircuitOpen] until the reset
	// window elapses.
	StateOpen

	// StateHalfOpen lets a bounded number of probe calls through; enough
	// successes close the breaker, one failure re-opens it.
	StateHalfOpen
)

// String returns the state's log name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig tunes a [CircuitBreaker]. Zero fields take the
// defaults noted per field.
type CircuitBreakerConfig struct {
	// Name labels the guarded backend in log messages.
	Name string

	// MaxFailures is the failure streak that opens the breaker. Default 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before probing the
	// backend again. Default 30s.
	ResetTimeout time.Duration

	// HalfOpenMax bounds the probe calls allowed while half-open. Default 3.
	HalfOpenMax int
}

// CircuitBreaker is a three-state breaker guarding one backend.
type CircuitBreaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	halfOpenMax  int

	mu           sync.Mutex
	state        State
	failStreak   int
	lastFailure  time.Time
	probesSent   int
	probesFailed int
}

// NewCircuitBreaker builds a breaker from cfg, filling in defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	return &CircuitBreaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		halfOpenMax:  cfg.HalfOpenMax,
		state:        StateClosed,
	}
}

// Execute runs fn when the breaker allows it; otherwise it returns
// [ErrCircuitOpen] without touching the backend.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probing, ok := cb.allow()
	if !ok {
		return ErrCircuitOpen
	}

	err := fn()
	cb.settle(err, probing)
	return err
}

// allow decides whether a call may proceed and reports whether it counts
// against the half-open probe budget.
func (cb *CircuitBreaker) allow() (probing, ok bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		if time.Since(cb.lastFailure) < cb.resetTimeout {
			return false, false
		}
		cb.state = StateHalfOpen
		cb.probesSent = 0
		cb.probesFailed = 0
		slog.Info("circuit breaker probing backend", "name", cb.name)
	}

	if cb.state == StateHalfOpen {
		if cb.probesSent >= cb.halfOpenMax {
			return false, false
		}
		cb.probesSent++
		return true, true
	}
	return false, true
}

// settle records the call's outcome.
func (cb *CircuitBreaker) settle(err error, probing bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.lastFailure = time.Now()
		if probing {
			// One failed probe re-opens immediately.
			cb.probesFailed++
			cb.state = StateOpen
			cb.failStreak = cb.maxFailures
			slog.Warn("circuit breaker re-opened, probe failed", "name", cb.name)
			return
		}
		cb.failStreak++
		if cb.failStreak >= cb.maxFailures {
			cb.state = StateOpen
			slog.Warn("circuit breaker opened",
				"name", cb.name, "consecutive_failures", cb.failStreak)
		}
		return
	}

	if probing {
		if cb.probesSent-cb.probesFailed >= cb.halfOpenMax {
			cb.state = StateClosed
			cb.failStreak = 0
			cb.probesSent = 0
			cb.probesFailed = 0
			slog.Info("circuit breaker closed, backend recovered", "name", cb.name)
		}
		return
	}
	cb.failStreak = 0
}

// State reports the breaker's mode. An open breaker whose reset window has
// elapsed reports half-open; the stored state moves on the next Execute.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && time.Since(cb.lastFailure) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker closed and clears all counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failStreak = 0
	cb.probesSent = 0
	cb.probesFailed = 0
	slog.Info("circuit breaker manually reset", "name", cb.name)
}
