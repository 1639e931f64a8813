package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/oda-t/manga-scraper/internal/scraper"
	"github.com/oda-t/manga-scraper/internal/telemetry"
)

// BucketConfig holds token-bucket limiter configuration.
type BucketConfig struct {
	Name              string
	RequestsPerSecond float64
	// BurstSize is the maximum number of requests that may be issued
	// back-to-back with zero wait.
	BurstSize int
	BaseDelay time.Duration
}

// Bucket is a token-bucket limiter. Tokens regenerate continuously at
// RequestsPerSecond and cap at BurstSize, so short bursts the fixed-interval
// Limiter forbids are allowed here. All state is initialized eagerly in the
// constructor so the first concurrent callers never race on setup.
type Bucket struct {
	mu         sync.Mutex
	name       string
	rate       float64
	burst      float64
	tokens     float64
	lastRefill time.Time
	baseDelay  time.Duration
	history    []time.Time
	totalReqs  int64
	totalWait  time.Duration
	clock      scraper.Clock
	logger     *zap.Logger
}

// NewBucket creates a token-bucket limiter. A non-positive burst defaults
// to 1, which degrades to fixed-interval behavior.
func NewBucket(cfg BucketConfig, clock scraper.Clock, logger *zap.Logger) *Bucket {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 1
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = 1
	}
	if cfg.Name == "" {
		cfg.Name = "bucket"
	}
	now := clock.Now()
	return &Bucket{
		name:       cfg.Name,
		rate:       cfg.RequestsPerSecond,
		burst:      float64(cfg.BurstSize),
		tokens:     float64(cfg.BurstSize),
		lastRefill: now,
		baseDelay:  cfg.BaseDelay,
		clock:      clock,
		logger:     logger,
	}
}

// Wait consumes one token, sleeping until one accrues if the bucket is
// empty, and returns the duration slept. The token accounting happens under
// the lock but the sleep does not, so an empty bucket never serializes
// unrelated waiters behind one sleeper.
func (b *Bucket) Wait(ctx context.Context) (time.Duration, error) {
	b.mu.Lock()
	now := b.clock.Now()
	b.refillLocked(now)

	pause := b.baseDelay
	if b.tokens >= 1 {
		b.tokens--
	} else {
		// lastRefill may already sit in the future when other waiters hold
		// reservations; extend from there, not from now, so each waiter
		// claims its own accrual slot and the aggregate rate holds.
		wakeAt := b.lastRefill.Add(time.Duration((1 - b.tokens) / b.rate * float64(time.Second)))
		pause += wakeAt.Sub(now)
		// Consume the token that will have accrued by the end of the
		// sleep; tokens stay within [0, burst].
		b.tokens = 0
		b.lastRefill = wakeAt
		if b.logger != nil {
			b.logger.Debug("token bucket empty, waiting for accrual",
				zap.String("limiter", b.name), zap.Duration("wait", wakeAt.Sub(now)))
		}
	}
	b.mu.Unlock()

	if err := sleep(ctx, pause); err != nil {
		return 0, err
	}

	b.mu.Lock()
	b.record(b.clock.Now(), pause)
	b.mu.Unlock()
	telemetry.ObserveRateLimitDelay(b.name, pause)
	return pause, nil
}

// Tokens reports the number of currently available tokens.
func (b *Bucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(b.clock.Now())
	return b.tokens
}

// Statistics returns a snapshot of the bucket counters.
func (b *Bucket) Statistics() Statistics {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Statistics{
		TotalRequests:  b.totalReqs,
		TotalWait:      b.totalWait,
		ConfiguredRate: b.rate,
		BaseDelay:      b.baseDelay,
	}
	if b.totalReqs > 0 {
		s.AverageWait = b.totalWait / time.Duration(b.totalReqs)
	}
	if n := len(b.history); n >= 2 {
		span := b.history[n-1].Sub(b.history[0]).Seconds()
		if span > 0 {
			s.ObservedRate = float64(n-1) / span
		}
	}
	return s
}

// Reset refills the bucket and clears the counters.
func (b *Bucket) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tokens = b.burst
	b.lastRefill = b.clock.Now()
	b.history = nil
	b.totalReqs = 0
	b.totalWait = 0
}

// refillLocked must be called with b.mu held. lastRefill may sit in the
// future when a waiter has pre-consumed the next token; no refill happens
// until real time catches up.
func (b *Bucket) refillLocked(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.rate
	if b.tokens > b.burst {
		b.tokens = b.burst
	}
	b.lastRefill = now
}

// record must be called with b.mu held.
func (b *Bucket) record(at time.Time, waited time.Duration) {
	b.history = append(b.history, at)
	if len(b.history) > historySize {
		b.history = b.history[len(b.history)-historySize:]
	}
	b.totalReqs++
	b.totalWait += waited
}
