package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClassPromoteDemoteClamps(t *testing.T) {
	t.Parallel()

	require.Equal(t, Hourly, Hourly.Promote())
	require.Equal(t, Hourly, Daily.Promote())
	require.Equal(t, Weekly, Monthly.Promote())

	require.Equal(t, Monthly, Monthly.Demote())
	require.Equal(t, Monthly, Weekly.Demote())
	require.Equal(t, Daily, Hourly.Demote())
}

func TestClassIntervals(t *testing.T) {
	t.Parallel()

	require.Equal(t, time.Hour, Hourly.Interval())
	require.Equal(t, 24*time.Hour, Daily.Interval())
	require.Equal(t, 7*24*time.Hour, Weekly.Interval())
	require.Equal(t, 30*24*time.Hour, Monthly.Interval())
}

func TestChangePolicy(t *testing.T) {
	t.Parallel()

	var p ChangePolicy
	require.Equal(t, Hourly, p.Assess(Daily, true))
	require.Equal(t, Weekly, p.Assess(Daily, false))
}

func TestRescheduleNotEligibleYet(t *testing.T) {
	t.Parallel()

	f := New(Config{MaxDepth: 5}, nil)
	require.True(t, f.Reschedule("https://a.test/", 0, 1, Hourly))
	require.Equal(t, 1, f.Len())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, ok := f.Next(ctx)
	require.False(t, ok)
}
