// Package ratelimit paces outbound requests with fixed-interval,
// token-bucket, and adaptive strategies. Limiters are safe for concurrent
// use; no fairness is guaranteed between concurrent waiters, so a caller can
// starve under heavy contention.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/oda-t/manga-scraper/internal/scraper"
	"github.com/oda-t/manga-scraper/internal/telemetry"
)

// historySize bounds the request-timestamp window used for observed-rate
// reporting.
const historySize = 100

// Config holds fixed-interval limiter configuration.
type Config struct {
	// Name labels the limiter in logs and metrics.
	Name string
	// RequestsPerSecond is the hard ceiling on sustained request rate.
	RequestsPerSecond float64
	// BaseDelay is an additional politeness pause applied to every request.
	BaseDelay time.Duration
}

// Statistics is a read-only snapshot of limiter counters.
type Statistics struct {
	TotalRequests  int64         `json:"total_requests"`
	TotalWait      time.Duration `json:"total_wait"`
	AverageWait    time.Duration `json:"average_wait"`
	ObservedRate   float64       `json:"observed_rate"`
	ConfiguredRate float64       `json:"configured_rate"`
	BaseDelay      time.Duration `json:"base_delay"`
}

// Limiter enforces a hard floor on inter-request spacing: callers of Wait
// never exceed RequestsPerSecond over any long window, ignoring BaseDelay.
type Limiter struct {
	mu          sync.Mutex
	name        string
	rate        float64
	minInterval time.Duration
	baseDelay   time.Duration
	last        time.Time
	history     []time.Time
	totalReqs   int64
	totalWait   time.Duration
	clock       scraper.Clock
	logger      *zap.Logger
}

// New creates a fixed-interval limiter. A non-positive rate defaults to one
// request per second.
func New(cfg Config, clock scraper.Clock, logger *zap.Logger) *Limiter {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 1
	}
	if cfg.Name == "" {
		cfg.Name = "fixed"
	}
	l := &Limiter{
		name:      cfg.Name,
		baseDelay: cfg.BaseDelay,
		clock:     clock,
		logger:    logger,
	}
	l.setRate(cfg.RequestsPerSecond)
	return l
}

// Wait blocks until the next request may be issued and returns the duration
// slept. It returns an error only when ctx is canceled mid-sleep, in which
// case the request is not recorded. The mutex is intentionally held across
// the sleep: inter-request spacing stays a hard guarantee even with many
// concurrent waiters.
func (l *Limiter) Wait(ctx context.Context) (time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	pause := l.baseDelay
	if !l.last.IsZero() {
		if since := now.Sub(l.last); since < l.minInterval {
			pause += l.minInterval - since
		}
	}
	if pause > 0 {
		if err := sleep(ctx, pause); err != nil {
			return 0, err
		}
	}
	l.record(l.clock.Now(), pause)
	telemetry.ObserveRateLimitDelay(l.name, pause)
	return pause, nil
}

// Statistics returns a snapshot of the limiter counters.
func (l *Limiter) Statistics() Statistics {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked()
}

// Reset clears all limiter state and counters.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.last = time.Time{}
	l.history = nil
	l.totalReqs = 0
	l.totalWait = 0
}

// Rate returns the currently configured rate in requests per second.
func (l *Limiter) Rate() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rate
}

// setRate must be called with l.mu held, except from the constructor.
func (l *Limiter) setRate(rps float64) {
	l.rate = rps
	l.minInterval = time.Duration(float64(time.Second) / rps)
}

// record must be called with l.mu held.
func (l *Limiter) record(at time.Time, waited time.Duration) {
	l.last = at
	l.history = append(l.history, at)
	if len(l.history) > historySize {
		l.history = l.history[len(l.history)-historySize:]
	}
	l.totalReqs++
	l.totalWait += waited
}

// snapshotLocked must be called with l.mu held.
func (l *Limiter) snapshotLocked() Statistics {
	s := Statistics{
		TotalRequests:  l.totalReqs,
		TotalWait:      l.totalWait,
		ConfiguredRate: l.rate,
		BaseDelay:      l.baseDelay,
	}
	if l.totalReqs > 0 {
		s.AverageWait = l.totalWait / time.Duration(l.totalReqs)
	}
	if n := len(l.history); n >= 2 {
		span := l.history[n-1].Sub(l.history[0]).Seconds()
		if span > 0 {
			s.ObservedRate = float64(n-1) / span
		}
	}
	return s
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
