package app

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/oda-t/manga-scraper/internal/breaker"
	"github.com/oda-t/manga-scraper/internal/clock/system"
	"github.com/oda-t/manga-scraper/internal/config"
	"github.com/oda-t/manga-scraper/internal/retry"
	"github.com/oda-t/manga-scraper/internal/scraper"
)

func baseConfig() config.Config {
	return config.Config{
		Server: config.ServerConfig{Port: 0},
		RateLimit: config.RateLimitConfig{
			Strategy:          "fixed",
			RequestsPerSecond: 10,
			MinRate:           0.1,
			MaxRate:           5,
		},
		Retry: config.RetryConfig{
			MaxAttempts:     3,
			BaseDelayMs:     1,
			MaxDelayMs:      10,
			ExponentialBase: 2,
		},
		Breaker: config.BreakerConfig{FailureThreshold: 5, RecoveryTimeoutSec: 60},
		Dedup:   config.DedupConfig{Perceptual: true},
		Imaging: config.ImagingConfig{Quality: 85},
		Fetch:   config.FetchConfig{UserAgent: "test", TimeoutSeconds: 5},
		Storage: config.StorageConfig{Backend: "memory", Prefix: "images"},
	}
}

func TestNewBuildsPipelineWithMemoryBackend(t *testing.T) {
	a, err := New(context.Background(), baseConfig())
	require.NoError(t, err)
	defer a.Close()

	require.NotNil(t, a.Pipeline)
	require.NotNil(t, a.Breaker)
	require.NotNil(t, a.Logger)
}

func TestNewWithLocalBackend(t *testing.T) {
	cfg := baseConfig()
	cfg.Storage.Backend = "local"
	cfg.Storage.BaseDir = t.TempDir()

	a, err := New(context.Background(), cfg)
	require.NoError(t, err)
	defer a.Close()
	require.NotNil(t, a.Pipeline)
}

func TestNewRejectsInvalidRetryPolicy(t *testing.T) {
	cfg := baseConfig()
	cfg.Retry.ExponentialBase = 1 // must be > 1

	_, err := New(context.Background(), cfg)
	require.Error(t, err)
}

func TestBuildRetryPolicyExcludesNonRetryable(t *testing.T) {
	policy := buildRetryPolicy(baseConfig().Retry)

	require.ElementsMatch(t,
		[]scraper.FailureKind{scraper.FailureTransient, scraper.FailureThrottled},
		policy.Retryable)
	require.NotContains(t, policy.Retryable, scraper.FailureNonRetryable)
}

func TestBuildBreakerConfigCountsOnlyOutageSignals(t *testing.T) {
	cfg := buildBreakerConfig(baseConfig().Breaker)

	require.ElementsMatch(t,
		[]scraper.FailureKind{scraper.FailureTransient, scraper.FailureThrottled},
		cfg.Counted)
	require.NotContains(t, cfg.Counted, scraper.FailureNonRetryable)
}

func TestAssembledRetrierShortCircuitsNonRetryable(t *testing.T) {
	retrier, err := retry.New(buildRetryPolicy(baseConfig().Retry), zap.NewNop())
	require.NoError(t, err)

	calls := 0
	err = retrier.Do(context.Background(), func(context.Context) error {
		calls++
		return scraper.NonRetryable(errors.New("status 404"))
	})
	require.Error(t, err)
	require.NotErrorIs(t, err, retry.ErrExhausted)
	require.Equal(t, 1, calls, "a permanent failure must not consume the retry budget")
}

func TestAssembledBreakerIgnoresPermanentFailures(t *testing.T) {
	brk, err := breaker.New(buildBreakerConfig(baseConfig().Breaker), system.New(), zap.NewNop())
	require.NoError(t, err)

	for i := 0; i < baseConfig().Breaker.FailureThreshold+2; i++ {
		callErr := brk.Call(context.Background(), func(context.Context) error {
			return scraper.NonRetryable(errors.New("status 404"))
		})
		require.Error(t, callErr)
	}
	require.Equal(t, breaker.StateClosed, brk.State())
	require.Zero(t, brk.Snapshot().FailureCount)
}

func TestBuildHasherSelectsAlgorithm(t *testing.T) {
	md5Digest, err := buildHasher("md5").Hash([]byte("page"))
	require.NoError(t, err)
	require.Len(t, md5Digest, 32)

	shaDigest, err := buildHasher("sha256").Hash([]byte("page"))
	require.NoError(t, err)
	require.Len(t, shaDigest, 64)
}

func TestBuildLimiterSelectsStrategy(t *testing.T) {
	logger := zap.NewNop()
	clock := system.Clock{}

	tests := []struct {
		strategy     string
		wantFeedback bool
	}{
		{strategy: "fixed", wantFeedback: false},
		{strategy: "bucket", wantFeedback: false},
		{strategy: "adaptive", wantFeedback: true},
	}
	for _, tc := range tests {
		t.Run(tc.strategy, func(t *testing.T) {
			cfg := baseConfig().RateLimit
			cfg.Strategy = tc.strategy
			cfg.BurstSize = 3

			limiter, feedback := buildLimiter(cfg, clock, logger)
			require.NotNil(t, limiter)
			require.Equal(t, tc.wantFeedback, feedback != nil)
		})
	}
}
