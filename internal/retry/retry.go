// Package retry runs operations with bounded attempts and jittered
// exponential backoff. The policy is plain data; retryability is decided on
// the failure category attached to the error, never on concrete types.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/oda-t/manga-scraper/internal/scraper"
	"github.com/oda-t/manga-scraper/internal/telemetry"
)

// ErrExhausted marks a failure after every attempt allowed by the policy.
var ErrExhausted = errors.New("retries exhausted")

// jitterFraction perturbs each backoff delay by up to ±25% to avoid
// synchronized retry storms across concurrent callers.
const jitterFraction = 0.25

// Policy is the immutable retry configuration.
type Policy struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int
	// BaseDelay seeds the exponential backoff.
	BaseDelay time.Duration
	// MaxDelay caps the backoff growth.
	MaxDelay time.Duration
	// ExponentialBase is the backoff multiplier per attempt.
	ExponentialBase float64
	// Jitter perturbs delays by ±25% when set.
	Jitter bool
	// Retryable lists the failure categories worth retrying. Empty means
	// every category is retryable.
	Retryable []scraper.FailureKind
}

// DefaultPolicy mirrors the defaults used by the scrape pipeline.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     3,
		BaseDelay:       time.Second,
		MaxDelay:        time.Minute,
		ExponentialBase: 2,
		Jitter:          true,
	}
}

// Validate reports whether the policy values are usable.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", p.MaxAttempts)
	}
	if p.BaseDelay < 0 {
		return fmt.Errorf("base delay must be non-negative, got %v", p.BaseDelay)
	}
	if p.MaxDelay < p.BaseDelay {
		return fmt.Errorf("max delay %v is below base delay %v", p.MaxDelay, p.BaseDelay)
	}
	if p.ExponentialBase <= 1 {
		return fmt.Errorf("exponential base must be greater than 1, got %v", p.ExponentialBase)
	}
	return nil
}

// Stats is a snapshot of cumulative executor counters.
type Stats struct {
	TotalAttempts int64 `json:"total_attempts"`
	TotalRetries  int64 `json:"total_retries"`
	TotalFailures int64 `json:"total_failures"`
}

// Executor applies a Policy to operations. Safe for concurrent use; the
// counters are shared across all calls on the instance.
type Executor struct {
	policy Policy
	logger *zap.Logger

	mu    sync.Mutex
	stats Stats
}

// New validates the policy and builds an Executor.
func New(policy Policy, logger *zap.Logger) (*Executor, error) {
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid retry policy: %w", err)
	}
	return &Executor{policy: policy, logger: logger}, nil
}

// Do runs op until it succeeds, fails with a non-retryable category, the
// context is canceled, or the attempt budget is spent. The final error is
// always returned, wrapped in ErrExhausted when the budget ran out.
func (e *Executor) Do(ctx context.Context, op func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < e.policy.MaxAttempts; attempt++ {
		e.bumpAttempts()

		err := op(ctx)
		if err == nil {
			if attempt > 0 && e.logger != nil {
				e.logger.Info("retry succeeded", zap.Int("attempt", attempt+1))
			}
			telemetry.ObserveAttempt("success")
			return nil
		}
		lastErr = err

		kind, canceled := scraper.Classify(err)
		if canceled {
			return err
		}
		// A non-retryable category short-circuits even on the first
		// attempt.
		if !e.retryable(kind) {
			if e.logger != nil {
				e.logger.Error("non-retryable failure",
					zap.Stringer("kind", kind), zap.Error(err))
			}
			telemetry.ObserveAttempt("failure")
			return err
		}
		if attempt == e.policy.MaxAttempts-1 {
			break
		}

		e.bumpRetries()
		telemetry.ObserveAttempt("retry")
		delay := e.backoff(attempt)
		if e.logger != nil {
			e.logger.Warn("attempt failed, retrying",
				zap.Int("attempt", attempt+1),
				zap.Int("max_attempts", e.policy.MaxAttempts),
				zap.Duration("delay", delay),
				zap.Error(err))
		}
		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}

	e.bumpFailures()
	telemetry.ObserveAttempt("failure")
	return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, e.policy.MaxAttempts, lastErr)
}

// Stats returns a snapshot of the cumulative counters.
func (e *Executor) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// ResetStats clears the cumulative counters.
func (e *Executor) ResetStats() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stats = Stats{}
}

// backoff computes the delay before the next attempt after the given
// zero-indexed attempt.
func (e *Executor) backoff(attempt int) time.Duration {
	delay := float64(e.policy.BaseDelay) * math.Pow(e.policy.ExponentialBase, float64(attempt))
	if limit := float64(e.policy.MaxDelay); delay > limit {
		delay = limit
	}
	if e.policy.Jitter {
		delay += delay * jitterFraction * (2*rand.Float64() - 1)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

func (e *Executor) retryable(kind scraper.FailureKind) bool {
	if len(e.policy.Retryable) == 0 {
		return true
	}
	for _, k := range e.policy.Retryable {
		if k == kind {
			return true
		}
	}
	return false
}

func (e *Executor) bumpAttempts() {
	e.mu.Lock()
	e.stats.TotalAttempts++
	e.mu.Unlock()
}

func (e *Executor) bumpRetries() {
	e.mu.Lock()
	e.stats.TotalRetries++
	e.mu.Unlock()
}

func (e *Executor) bumpFailures() {
	e.mu.Lock()
	e.stats.TotalFailures++
	e.mu.Unlock()
}

// sleep pauses for d, honoring context cancellation.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
