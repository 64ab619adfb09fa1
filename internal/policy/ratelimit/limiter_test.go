package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLimiterWaitPacesPerHost(t *testing.T) {
	t.Parallel()

	// 10 QPS with burst 1 means one token every 100ms.
	l := New(Config{QPS: 10, Burst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://v2.example.com/v1/computers"))

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://v2.example.com/other"))
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)

	// A different host has its own bucket.
	start = time.Now()
	require.NoError(t, l.Wait(ctx, "https://other.example.com"))
	require.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestLimiterDisabled(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	for i := 0; i < 100; i++ {
		require.NoError(t, l.Wait(context.Background(), "local"))
	}

	var nilLimiter *Limiter
	require.NoError(t, nilLimiter.Wait(context.Background(), "x"))
}

func TestLimiterContextCanceled(t *testing.T) {
	t.Parallel()

	l := New(Config{QPS: 0.01, Burst: 1})
	require.NoError(t, l.Wait(context.Background(), "slow"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.Error(t, l.Wait(ctx, "slow"))
}

func TestNormalizeKey(t *testing.T) {
	t.Parallel()

	require.Equal(t, "v2.example.com", normalizeKey("https://v2.example.com:443/v1"))
	require.Equal(t, "default", normalizeKey(""))
	require.Equal(t, "local", normalizeKey("local"))
}
