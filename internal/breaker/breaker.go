// Package breaker implements the circuit breaker isolating the browser
// capture path from the rest of the extraction pipeline.
package breaker

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/voxlay/transcriptd/internal/metrics"
)

// State is the breaker position.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// Config tunes the breaker. Values come from configuration, not code.
type Config struct {
	// FailureThreshold is the consecutive-failure count that opens the
	// circuit.
	FailureThreshold int
	// CountingWindow bounds how far apart failures may be and still count
	// as consecutive.
	CountingWindow time.Duration
	// RecoveryWindow is how long the circuit stays open before one probe
	// attempt is allowed through.
	RecoveryWindow time.Duration
}

// Breaker tracks consecutive failures of one extraction path. It gates
// only that path: an open circuit skips the browser stage and nothing
// else. A single success closes it unconditionally.
type Breaker struct {
	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
	openedAt    time.Time
	cfg         Config
	logger      *zap.Logger
	now         func() time.Time
}

// New builds a closed breaker.
func New(cfg Config, logger *zap.Logger) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.RecoveryWindow <= 0 {
		cfg.RecoveryWindow = 10 * time.Minute
	}
	if cfg.CountingWindow <= 0 {
		cfg.CountingWindow = 10 * time.Minute
	}
	return &Breaker{
		state:  StateClosed,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// Allow reports whether the guarded path may be attempted. When the
// recovery window has elapsed the breaker moves to half-open and lets one
// attempt through.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if b.now().Sub(b.openedAt) >= b.cfg.RecoveryWindow {
			b.transitionLocked(StateHalfOpen)
			return true
		}
		return false
	}
	return true
}

// RecordSuccess resets the failure count to zero and closes the circuit
// unconditionally.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	if b.state != StateClosed {
		b.transitionLocked(StateClosed)
	}
}

// RecordFailure increments the consecutive-failure count, resetting it
// first if the previous failure fell outside the counting window. The
// circuit opens at the threshold, or immediately on a half-open failure.
func (b *Breaker) RecordFailure(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	if b.failures > 0 && now.Sub(b.lastFailure) > b.cfg.CountingWindow {
		b.failures = 0
	}
	b.failures++
	b.lastFailure = now

	if b.state == StateHalfOpen || b.failures >= b.cfg.FailureThreshold {
		if b.state != StateOpen {
			b.openedAt = now
			b.transitionLocked(StateOpen)
			b.logger.Warn("circuit breaker opened",
				zap.Int("failures", b.failures),
				zap.Int("threshold", b.cfg.FailureThreshold),
				zap.String("trigger", reason),
				zap.Duration("recovery_window", b.cfg.RecoveryWindow),
			)
		}
	}
}

// State returns the current position.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the current consecutive-failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

func (b *Breaker) transitionLocked(to State) {
	b.state = to
	metrics.ObserveBreakerTransition(string(to))
}
