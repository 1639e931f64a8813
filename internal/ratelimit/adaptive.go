package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/oda-t/manga-scraper/internal/scraper"
)

// Tuning constants for the adaptive strategy.
const (
	latencyWindow   = 10
	fastSampleCount = 5
	fastThreshold   = time.Second
	speedupStreak   = 10
	slowdownStreak  = 3
	speedupFactor   = 1.2
	slowdownFactor  = 0.8
	throttleFactor  = 0.5
)

// AdaptiveConfig holds adaptive limiter configuration.
type AdaptiveConfig struct {
	Name        string
	InitialRate float64
	// MinRate and MaxRate clamp every rate adjustment.
	MinRate   float64
	MaxRate   float64
	BaseDelay time.Duration
}

// AdaptiveLimiter layers rate feedback on top of a fixed-interval Limiter.
// Consistently fast responses raise the configured rate; errors lower it,
// immediately when the server signals throttling. The configured rate always
// stays within [MinRate, MaxRate].
type AdaptiveLimiter struct {
	lim *Limiter

	mu            sync.Mutex
	minRate       float64
	maxRate       float64
	successStreak int
	errorStreak   int
	latencies     []time.Duration
	logger        *zap.Logger
}

// NewAdaptive creates an adaptive limiter starting at InitialRate.
func NewAdaptive(cfg AdaptiveConfig, clock scraper.Clock, logger *zap.Logger) *AdaptiveLimiter {
	if cfg.InitialRate <= 0 {
		cfg.InitialRate = 1
	}
	if cfg.MinRate <= 0 {
		cfg.MinRate = 0.1
	}
	if cfg.MaxRate < cfg.InitialRate {
		cfg.MaxRate = cfg.InitialRate
	}
	if cfg.Name == "" {
		cfg.Name = "adaptive"
	}
	lim := New(Config{
		Name:              cfg.Name,
		RequestsPerSecond: cfg.InitialRate,
		BaseDelay:         cfg.BaseDelay,
	}, clock, logger)
	return &AdaptiveLimiter{
		lim:     lim,
		minRate: cfg.MinRate,
		maxRate: cfg.MaxRate,
		logger:  logger,
	}
}

// Wait delegates to the underlying fixed-interval limiter.
func (a *AdaptiveLimiter) Wait(ctx context.Context) (time.Duration, error) {
	return a.lim.Wait(ctx)
}

// OnSuccess records a successful request. After a streak of successes whose
// recent latencies average under one second, the rate is raised by 20%.
// A success always resets the error streak.
func (a *AdaptiveLimiter) OnSuccess(latency time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.successStreak++
	a.errorStreak = 0
	if latency > 0 {
		a.latencies = append(a.latencies, latency)
		if len(a.latencies) > latencyWindow {
			a.latencies = a.latencies[len(a.latencies)-latencyWindow:]
		}
	}
	if a.successStreak >= speedupStreak && a.recentlyFastLocked() {
		a.adjustRateLocked(speedupFactor)
		a.successStreak = 0
	}
}

// OnError records a failed request. A throttling signal halves the rate
// immediately; otherwise three consecutive errors lower it by 20%. An error
// always resets the success streak.
func (a *AdaptiveLimiter) OnError(isThrottle bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.errorStreak++
	a.successStreak = 0
	if isThrottle {
		a.adjustRateLocked(throttleFactor)
		return
	}
	if a.errorStreak >= slowdownStreak {
		a.adjustRateLocked(slowdownFactor)
		a.errorStreak = 0
	}
}

// Reset clears the underlying limiter counters and both streaks. The
// configured rate is kept.
func (a *AdaptiveLimiter) Reset() {
	a.mu.Lock()
	a.successStreak = 0
	a.errorStreak = 0
	a.latencies = nil
	a.mu.Unlock()
	a.lim.Reset()
}

// Rate returns the currently configured rate.
func (a *AdaptiveLimiter) Rate() float64 {
	return a.lim.Rate()
}

// Statistics returns a snapshot of the underlying limiter counters.
func (a *AdaptiveLimiter) Statistics() Statistics {
	return a.lim.Statistics()
}

// recentlyFastLocked must be called with a.mu held.
func (a *AdaptiveLimiter) recentlyFastLocked() bool {
	if len(a.latencies) < fastSampleCount {
		return false
	}
	recent := a.latencies[len(a.latencies)-fastSampleCount:]
	var sum time.Duration
	for _, d := range recent {
		sum += d
	}
	return sum/time.Duration(len(recent)) < fastThreshold
}

// adjustRateLocked must be called with a.mu held.
func (a *AdaptiveLimiter) adjustRateLocked(factor float64) {
	a.lim.mu.Lock()
	old := a.lim.rate
	next := old * factor
	if next < a.minRate {
		next = a.minRate
	}
	if next > a.maxRate {
		next = a.maxRate
	}
	a.lim.setRate(next)
	a.lim.mu.Unlock()

	if next == old || a.logger == nil {
		return
	}
	if next > old {
		a.logger.Info("rate increased",
			zap.Float64("old_rps", old), zap.Float64("new_rps", next))
	} else {
		a.logger.Warn("rate decreased",
			zap.Float64("old_rps", old), zap.Float64("new_rps", next))
	}
}
