package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestTryAcquireWithinBurst(t *testing.T) {
	l := New(10, 3)

	for i := 0; i < 3; i++ {
		granted, _ := l.TryAcquire("xero")
		require.True(t, granted, "token %d within burst should be granted", i)
	}

	granted, wait := l.TryAcquire("xero")
	assert.False(t, granted)
	assert.Greater(t, wait, time.Duration(0))
}

func TestScopesAreIndependent(t *testing.T) {
	l := New(10, 1)

	granted, _ := l.TryAcquire("xero")
	require.True(t, granted)
	granted, _ = l.TryAcquire("xero")
	require.False(t, granted)

	// A different scope has its own bucket.
	granted, _ = l.TryAcquire("anthropic")
	assert.True(t, granted)
}

func TestOnSuccessCreepsRateUp(t *testing.T) {
	l := New(10, 5)

	for i := 0; i < 10; i++ {
		l.OnSuccess("xero")
	}
	// Capped at 2x initial.
	assert.Equal(t, rate.Limit(20), l.Rate("xero"))
}

func TestOnRateLimitedHalvesRate(t *testing.T) {
	l := New(10, 5)

	l.OnRateLimited("xero", 0)
	assert.Equal(t, rate.Limit(5), l.Rate("xero"))

	for i := 0; i < 10; i++ {
		l.OnRateLimited("xero", 0)
	}
	// Floored at a quarter of the initial rate.
	assert.Equal(t, rate.Limit(2.5), l.Rate("xero"))
}

func TestRetryAfterPausesGrants(t *testing.T) {
	l := New(100, 10)

	l.OnRateLimited("xero", 80*time.Millisecond)

	granted, wait := l.TryAcquire("xero")
	require.False(t, granted)
	assert.Greater(t, wait, 50*time.Millisecond)

	time.Sleep(90 * time.Millisecond)
	granted, _ = l.TryAcquire("xero")
	assert.True(t, granted)
}

func TestWaitBlocksUntilToken(t *testing.T) {
	l := New(50, 1)
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "xero"))

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "xero"))
	// Second token at 50/s needs ~20ms.
	assert.Greater(t, time.Since(start), 10*time.Millisecond)
}

func TestWaitHonorsContextCancel(t *testing.T) {
	l := New(1, 1)
	granted, _ := l.TryAcquire("xero")
	require.True(t, granted)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.Wait(ctx, "xero")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConcurrentAccess(t *testing.T) {
	l := New(1000, 100)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.TryAcquire("xero")
			l.OnSuccess("xero")
			l.OnRateLimited("xero", 0)
			l.Rate("xero")
		}()
	}
	wg.Wait()
}
