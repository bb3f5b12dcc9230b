package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAcquire_EnforcesMinDelay(t *testing.T) {
	t.Parallel()

	// Burst capacity would allow back-to-back requests; the floor must not.
	l := New(Config{RPS: 1000, Burst: 10, MinDelay: 40 * time.Millisecond})
	ctx := context.Background()

	require.NoError(t, l.Acquire(ctx, "example.com"))
	start := time.Now()
	require.NoError(t, l.Acquire(ctx, "example.com"))
	require.GreaterOrEqual(t, time.Since(start), 35*time.Millisecond)
}

func TestAcquire_DomainsDoNotContend(t *testing.T) {
	t.Parallel()

	l := New(Config{RPS: 1000, Burst: 1, MinDelay: 200 * time.Millisecond})
	ctx := context.Background()

	require.NoError(t, l.Acquire(ctx, "slow.example"))

	// A different domain acquires immediately even while slow.example
	// is inside its spacing window.
	start := time.Now()
	require.NoError(t, l.Acquire(ctx, "fast.example"))
	require.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestAcquire_CancelledDuringWait(t *testing.T) {
	t.Parallel()

	l := New(Config{RPS: 1000, Burst: 1, MinDelay: time.Minute})
	ctx := context.Background()
	require.NoError(t, l.Acquire(ctx, "example.com"))

	cancelCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := l.Acquire(cancelCtx, "example.com")
	require.Error(t, err)
	require.Less(t, time.Since(start), 10*time.Second)
}

func TestTryAcquire(t *testing.T) {
	t.Parallel()

	l := New(Config{RPS: 1000, Burst: 1, MinDelay: time.Hour})
	require.True(t, l.TryAcquire("example.com"))
	// Second permit is inside the spacing window.
	require.False(t, l.TryAcquire("example.com"))
	// Other domains are unaffected.
	require.True(t, l.TryAcquire("other.example"))
}

func TestRaiseFloor_MergesCrawlDelay(t *testing.T) {
	t.Parallel()

	l := New(Config{RPS: 1000, Burst: 10, MinDelay: 5 * time.Millisecond})
	ctx := context.Background()

	l.RaiseFloor("example.com", 50*time.Millisecond)
	// A smaller value never lowers the floor.
	l.RaiseFloor("example.com", 10*time.Millisecond)

	require.NoError(t, l.Acquire(ctx, "example.com"))
	start := time.Now()
	require.NoError(t, l.Acquire(ctx, "example.com"))
	require.GreaterOrEqual(t, time.Since(start), 45*time.Millisecond)
}

func TestPerDomainOverride(t *testing.T) {
	t.Parallel()

	l := New(Config{
		RPS:      1000,
		Burst:    10,
		MinDelay: 0,
		PerDomain: map[string]DomainConfig{
			"strict.example": {MinDelay: time.Hour, Burst: 1},
		},
	})
	require.True(t, l.TryAcquire("strict.example"))
	require.False(t, l.TryAcquire("strict.example"))
	// The global config still allows rapid permits elsewhere.
	require.True(t, l.TryAcquire("loose.example"))
	require.True(t, l.TryAcquire("loose.example"))
}

func TestReset_RecreatesBucket(t *testing.T) {
	t.Parallel()

	l := New(Config{RPS: 1000, Burst: 1, MinDelay: time.Hour})
	require.True(t, l.TryAcquire("example.com"))
	require.False(t, l.TryAcquire("example.com"))

	l.Reset("example.com")
	require.True(t, l.TryAcquire("example.com"))
}
