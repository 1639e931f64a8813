package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/oda-t/manga-scraper/internal/clock/system"
)

func TestLimiterEnforcesMinimumSpacing(t *testing.T) {
	// 10 req/s means a 100ms floor between consecutive requests.
	l := New(Config{RequestsPerSecond: 10}, system.New(), zap.NewNop())
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := l.Wait(ctx)
		require.NoError(t, err)
	}
	// Two full intervals, minus scheduling tolerance.
	require.GreaterOrEqual(t, time.Since(start), 180*time.Millisecond)

	stats := l.Statistics()
	require.EqualValues(t, 3, stats.TotalRequests)
	require.LessOrEqual(t, stats.ObservedRate, 11.0, "observed rate should stay near the configured ceiling")
}

func TestLimiterFirstCallIsImmediate(t *testing.T) {
	l := New(Config{RequestsPerSecond: 1}, system.New(), zap.NewNop())

	start := time.Now()
	waited, err := l.Wait(context.Background())
	require.NoError(t, err)
	require.Zero(t, waited)
	require.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestLimiterAppliesBaseDelay(t *testing.T) {
	l := New(Config{RequestsPerSecond: 100, BaseDelay: 30 * time.Millisecond}, system.New(), zap.NewNop())

	waited, err := l.Wait(context.Background())
	require.NoError(t, err)
	require.GreaterOrEqual(t, waited, 30*time.Millisecond)
}

func TestLimiterWaitHonorsContext(t *testing.T) {
	l := New(Config{RequestsPerSecond: 1}, system.New(), zap.NewNop())
	ctx := context.Background()

	_, err := l.Wait(ctx)
	require.NoError(t, err)

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	start := time.Now()
	_, err = l.Wait(canceled)
	require.ErrorIs(t, err, context.Canceled)
	require.Less(t, time.Since(start), 500*time.Millisecond, "canceled wait should not sleep out the interval")

	// The aborted call must not count as an issued request.
	require.EqualValues(t, 1, l.Statistics().TotalRequests)
}

func TestLimiterReset(t *testing.T) {
	l := New(Config{RequestsPerSecond: 100}, system.New(), zap.NewNop())
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := l.Wait(ctx)
		require.NoError(t, err)
	}
	l.Reset()

	stats := l.Statistics()
	require.Zero(t, stats.TotalRequests)
	require.Zero(t, stats.TotalWait)

	// After a reset the next call is immediate again.
	waited, err := l.Wait(ctx)
	require.NoError(t, err)
	require.Zero(t, waited)
}

func TestLimiterAverageWait(t *testing.T) {
	l := New(Config{RequestsPerSecond: 20}, system.New(), zap.NewNop())
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := l.Wait(ctx)
		require.NoError(t, err)
	}
	stats := l.Statistics()
	require.Greater(t, stats.TotalWait, time.Duration(0))
	require.Equal(t, stats.TotalWait/3, stats.AverageWait)
}
