// Copyright 2025 FinSight
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"sync"
	"time"
)

// CircuitState is one of the three breaker states.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// BreakerConfig parameterises one scope.
type BreakerConfig struct {
	FailureThreshold  int
	RecoveryTimeout   time.Duration
	HalfOpenMaxProbes int
}

// DefaultBreakerConfig returns the documented defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:  5,
		RecoveryTimeout:   60 * time.Second,
		HalfOpenMaxProbes: 3,
	}
}

// CircuitSnapshot is a point-in-time view of one scope.
type CircuitSnapshot struct {
	Scope               string       `json:"scope"`
	State               CircuitState `json:"state"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	LastFailureAt       time.Time    `json:"last_failure_at,omitempty"`
	OpenUntil           time.Time    `json:"open_until,omitempty"`
}

// CircuitBreaker guards one failure-isolation scope. Closed admits
// everything; open rejects until the recovery timeout elapses; half-open
// admits a bounded number of concurrent probes and closes only after
// HalfOpenMaxProbes consecutive probe successes.
type CircuitBreaker struct {
	mu    sync.Mutex
	scope string
	cfg   BreakerConfig
	clock Clock

	state               CircuitState
	consecutiveFailures int
	lastFailureAt       time.Time
	openUntil           time.Time
	probesInFlight      int
	probeSuccesses      int
}

// NewCircuitBreaker creates a closed breaker for the given scope.
func NewCircuitBreaker(scope string, cfg BreakerConfig, clock Clock) *CircuitBreaker {
	if clock == nil {
		clock = SystemClock()
	}
	return &CircuitBreaker{
		scope: scope,
		cfg:   cfg,
		clock: clock,
		state: CircuitClosed,
	}
}

// Allow asks for permission to execute. It returns a CircuitOpen error
// when the scope is open, or when the half-open probe budget is spent.
func (b *CircuitBreaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitClosed:
		return nil
	case CircuitOpen:
		now := b.clock.Now()
		if now.Before(b.openUntil) {
			return b.openErrLocked()
		}
		b.state = CircuitHalfOpen
		b.probesInFlight = 0
		b.probeSuccesses = 0
		fallthrough
	default: // half_open
		if b.probesInFlight >= b.cfg.HalfOpenMaxProbes {
			return b.openErrLocked()
		}
		b.probesInFlight++
		return nil
	}
}

// ReportSuccess records a successful call.
func (b *CircuitBreaker) ReportSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitClosed:
		b.consecutiveFailures = 0
	case CircuitHalfOpen:
		b.probesInFlight--
		b.probeSuccesses++
		if b.probeSuccesses >= b.cfg.HalfOpenMaxProbes {
			b.state = CircuitClosed
			b.consecutiveFailures = 0
			b.probesInFlight = 0
			b.probeSuccesses = 0
		}
	}
}

// ReportFailure records a failed call. A failed half-open probe reopens
// the scope with a fresh recovery window.
func (b *CircuitBreaker) ReportFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	b.lastFailureAt = now

	switch b.state {
	case CircuitClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			b.state = CircuitOpen
			b.openUntil = now.Add(b.cfg.RecoveryTimeout)
		}
	case CircuitHalfOpen:
		b.state = CircuitOpen
		b.openUntil = now.Add(b.cfg.RecoveryTimeout)
		b.probesInFlight = 0
		b.probeSuccesses = 0
	}
}

// Reset unconditionally returns the scope to closed.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = CircuitClosed
	b.consecutiveFailures = 0
	b.probesInFlight = 0
	b.probeSuccesses = 0
	b.openUntil = time.Time{}
	b.lastFailureAt = time.Time{}
}

// State returns the current state.
func (b *CircuitBreaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns a copy of the observable state.
func (b *CircuitBreaker) Snapshot() CircuitSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	return CircuitSnapshot{
		Scope:               b.scope,
		State:               b.state,
		ConsecutiveFailures: b.consecutiveFailures,
		LastFailureAt:       b.lastFailureAt,
		OpenUntil:           b.openUntil,
	}
}

func (b *CircuitBreaker) openErrLocked() error {
	retry := b.openUntil.Sub(b.clock.Now())
	if retry < 0 {
		retry = 0
	}
	return &PipelineError{
		Kind:         ErrKindCircuitOpen,
		Message:      "circuit breaker is open for scope " + b.scope,
		RetryAfterMs: retry.Milliseconds(),
		OpenUntil:    b.openUntil,
	}
}

// BreakerRegistry holds the per-scope breakers. Scopes are created on
// first use and live for the process lifetime.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	cfg      BreakerConfig
	clock    Clock
}

// NewBreakerRegistry creates a registry applying cfg to every scope.
func NewBreakerRegistry(cfg BreakerConfig, clock Clock) *BreakerRegistry {
	if clock == nil {
		clock = SystemClock()
	}
	return &BreakerRegistry{
		breakers: make(map[string]*CircuitBreaker),
		cfg:      cfg,
		clock:    clock,
	}
}

// Get returns the breaker for scope, creating it if needed.
func (r *BreakerRegistry) Get(scope string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[scope]
	if !ok {
		b = NewCircuitBreaker(scope, r.cfg, r.clock)
		r.breakers[scope] = b
	}
	return b
}

// Snapshots returns the state of every known scope.
func (r *BreakerRegistry) Snapshots() map[string]CircuitSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]CircuitSnapshot, len(r.breakers))
	for scope, b := range r.breakers {
		out[scope] = b.Snapshot()
	}
	return out
}
