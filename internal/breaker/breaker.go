// Package breaker implements a failure-count circuit breaker that isolates
// the pipeline from a persistently failing downstream dependency. It is
// distinct from the retry executor: retries absorb transient failures within
// one logical operation, the breaker suppresses sustained outages across
// many.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/oda-t/manga-scraper/internal/scraper"
	"github.com/oda-t/manga-scraper/internal/telemetry"
)

// ErrOpen is returned when the circuit rejects a call without invoking the
// operation.
var ErrOpen = errors.New("circuit breaker is open")

// State is the breaker position in its state machine.
type State int

// Breaker states.
const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns a human-readable state name.
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

// Config holds breaker configuration.
type Config struct {
	// FailureThreshold is the consecutive failure count that opens the
	// circuit.
	FailureThreshold int
	// RecoveryTimeout is how long the circuit stays open before the next
	// call is allowed through as a recovery probe.
	RecoveryTimeout time.Duration
	// Counted lists the failure categories that drive the state machine.
	// Empty means every categorized failure counts. Failures outside the
	// set pass through without touching breaker state; in particular they
	// do not push HALF_OPEN back to OPEN.
	Counted []scraper.FailureKind
}

// Snapshot is a read-only view of the breaker state.
type Snapshot struct {
	State            State     `json:"-"`
	StateName        string    `json:"state"`
	FailureCount     int       `json:"failure_count"`
	FailureThreshold int       `json:"failure_threshold"`
	LastFailure      time.Time `json:"last_failure,omitempty"`
}

// Breaker guards an operation class with a CLOSED/OPEN/HALF_OPEN state
// machine. Safe for concurrent use; admission and result recording each run
// in one critical section, and only a single caller wins the HALF_OPEN
// probe after the recovery timeout.
type Breaker struct {
	mu           sync.Mutex
	state        State
	failureCount int
	lastFailure  time.Time
	probing      bool

	threshold int
	timeout   time.Duration
	counted   []scraper.FailureKind
	clock     scraper.Clock
	logger    *zap.Logger
}

// New creates a closed Breaker.
func New(cfg Config, clock scraper.Clock, logger *zap.Logger) (*Breaker, error) {
	if cfg.FailureThreshold < 1 {
		return nil, fmt.Errorf("failure threshold must be at least 1, got %d", cfg.FailureThreshold)
	}
	if cfg.RecoveryTimeout <= 0 {
		return nil, fmt.Errorf("recovery timeout must be positive, got %v", cfg.RecoveryTimeout)
	}
	return &Breaker{
		state:     StateClosed,
		threshold: cfg.FailureThreshold,
		timeout:   cfg.RecoveryTimeout,
		counted:   cfg.Counted,
		clock:     clock,
		logger:    logger,
	}, nil
}

// Call runs op under breaker protection. While the circuit is open and the
// recovery timeout has not elapsed it returns ErrOpen without invoking op.
// The operation itself runs outside the lock.
func (b *Breaker) Call(ctx context.Context, op func(ctx context.Context) error) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}

	opErr := op(ctx)
	b.settle(probe, opErr)
	return opErr
}

// State returns the current breaker state without advancing it.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns a read-only view of the breaker.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		State:            b.state,
		StateName:        b.state.String(),
		FailureCount:     b.failureCount,
		FailureThreshold: b.threshold,
		LastFailure:      b.lastFailure,
	}
}

// Reset forces the breaker back to CLOSED and clears the failure count.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionLocked(StateClosed)
}

// admit decides whether the call may proceed and whether it is the
// HALF_OPEN recovery probe.
func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if b.clock.Now().Sub(b.lastFailure) < b.timeout {
			return false, fmt.Errorf("%w, retry after %v", ErrOpen, b.timeout)
		}
		b.transitionLocked(StateHalfOpen)
	}
	if b.state == StateHalfOpen {
		// One probe at a time; concurrent callers fail fast until it
		// settles.
		if b.probing {
			return false, fmt.Errorf("%w, recovery probe in flight", ErrOpen)
		}
		b.probing = true
		return true, nil
	}
	return false, nil
}

// settle records the outcome of an admitted call.
func (b *Breaker) settle(probe bool, opErr error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if probe {
		b.probing = false
	}

	if opErr == nil {
		if b.state == StateHalfOpen {
			b.transitionLocked(StateClosed)
		}
		return
	}

	kind, canceled := scraper.Classify(opErr)
	if canceled || !b.counts(kind) {
		return
	}

	b.failureCount++
	b.lastFailure = b.clock.Now()
	if b.state == StateHalfOpen || b.failureCount >= b.threshold {
		b.transitionLocked(StateOpen)
	}
}

// transitionLocked must be called with b.mu held.
func (b *Breaker) transitionLocked(next State) {
	if b.state != next && b.logger != nil {
		b.logger.Warn("circuit breaker transition",
			zap.Stringer("from", b.state), zap.Stringer("to", next),
			zap.Int("failure_count", b.failureCount))
	}
	b.state = next
	if next == StateClosed {
		b.failureCount = 0
		b.lastFailure = time.Time{}
	}
	telemetry.ObserveBreakerTransition(next.String(), int(next))
}

func (b *Breaker) counts(kind scraper.FailureKind) bool {
	if len(b.counted) == 0 {
		return true
	}
	for _, k := range b.counted {
		if k == kind {
			return true
		}
	}
	return false
}
