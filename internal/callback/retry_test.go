package callback

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBaseDelayAfterIsCappedAndNonDecreasing(t *testing.T) {
	t.Parallel()

	p := DefaultRetryPolicy()
	want := []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		10 * time.Second,
		10 * time.Second,
	}
	prev := time.Duration(0)
	for i, expected := range want {
		got := p.BaseDelayAfter(i + 1)
		require.Equal(t, expected, got, "attempt %d", i+1)
		require.GreaterOrEqual(t, got, prev)
		prev = got
	}
	require.Equal(t, p.MaxDelay, p.BaseDelayAfter(500))
	require.Equal(t, time.Second, p.BaseDelayAfter(0))
}

func TestDelayJitterBounds(t *testing.T) {
	t.Parallel()

	p := DefaultRetryPolicy()
	base := p.BaseDelayAfter(2)
	low := time.Duration(float64(base) * (1 - p.JitterPct))
	high := time.Duration(float64(base) * (1 + p.JitterPct))

	require.Equal(t, low, p.Delay(2, 0))
	require.Equal(t, base, p.Delay(2, 0.5))
	require.Less(t, p.Delay(2, 1), high+1)
	require.Equal(t, low, p.Delay(2, -3))

	for range 200 {
		d := p.NextDelay(2)
		require.GreaterOrEqual(t, d, low)
		require.LessOrEqual(t, d, high)
	}
}

func TestDelayNeverNegative(t *testing.T) {
	t.Parallel()

	p := RetryPolicy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, JitterPct: 5}
	require.Equal(t, time.Duration(0), p.Delay(1, 0))
	require.GreaterOrEqual(t, p.NextDelay(1), time.Duration(0))

	zero := RetryPolicy{MaxAttempts: 1}
	require.Equal(t, time.Duration(0), zero.Delay(3, 0.9))
}

func TestNormalizedDefaults(t *testing.T) {
	t.Parallel()

	p := RetryPolicy{}.normalized()
	require.Equal(t, 3, p.MaxAttempts)
	require.Equal(t, 10*time.Second, p.MaxDelay)
}
