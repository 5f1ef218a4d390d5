package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWaitFirstTokenIsImmediate(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 10, DefaultBurst: 1})
	start := time.Now()
	require.NoError(t, l.Wait(context.Background(), "https://example.com/foo"))
	require.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestWaitThrottlesSameDomain(t *testing.T) {
	t.Parallel()

	// 10 RPS with burst 1 means the second token arrives ~100ms later.
	l := New(Config{DefaultRPS: 10, DefaultBurst: 1})
	ctx := context.Background()
	require.NoError(t, l.Wait(ctx, "https://example.com/a"))

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://example.com/b"))
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestWaitDomainsAreIndependent(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 1, DefaultBurst: 1})
	ctx := context.Background()
	require.NoError(t, l.Wait(ctx, "https://a.example.com/1"))

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://b.example.com/1"))
	require.Less(t, time.Since(start), 50*time.Millisecond, "one domain must not throttle another")
}

func TestWaitHonorsOverride(t *testing.T) {
	t.Parallel()

	l := New(Config{
		DefaultRPS:   1,
		DefaultBurst: 1,
		Overrides:    map[string]float64{"fast.example.com": 1000},
	})
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Wait(ctx, "https://fast.example.com/x"))
	}
	require.Less(t, time.Since(start), 200*time.Millisecond)
}

func TestWaitRespectsContextCancellation(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 0.1, DefaultBurst: 1})
	ctx := context.Background()
	require.NoError(t, l.Wait(ctx, "https://slow.example.com/1"))

	timed, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	err := l.Wait(timed, "https://slow.example.com/2")
	require.Error(t, err, "a wait longer than the deadline must fail fast")
}

func TestWaitUnparseableURLUsesFallbackBucket(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 100, DefaultBurst: 1})
	require.NoError(t, l.Wait(context.Background(), "not a url"))
	l.mu.Lock()
	_, ok := l.buckets["unknown"]
	l.mu.Unlock()
	require.True(t, ok)
}

func TestZeroRPSDisablesLimiting(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 100; i++ {
		require.NoError(t, l.Wait(ctx, "https://example.com"))
	}
	require.Less(t, time.Since(start), 100*time.Millisecond)
}
