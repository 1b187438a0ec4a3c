package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoReturnsFirstSuccess(t *testing.T) {
	calls := 0
	got, err := Do(context.Background(), Config{MaxAttempts: 3, BaseDelay: time.Millisecond}, func() (string, error) {
		calls++
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 1, calls)
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	calls := 0
	got, err := Do(context.Background(), Config{MaxAttempts: 5, BaseDelay: time.Millisecond}, func() (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("flaky")
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, 3, calls)
}

func TestDoExhaustsAttempts(t *testing.T) {
	calls := 0
	boom := errors.New("boom")
	_, err := Do(context.Background(), Config{MaxAttempts: 3, BaseDelay: time.Millisecond}, func() (int, error) {
		calls++
		return 0, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnNonRetryableError(t *testing.T) {
	calls := 0
	fatal := errors.New("fatal")
	cfg := Config{
		MaxAttempts: 5,
		BaseDelay:   time.Millisecond,
		RetryIf: func(err error) bool {
			return !errors.Is(err, fatal)
		},
	}
	_, err := Do(context.Background(), cfg, func() (int, error) {
		calls++
		return 0, fatal
	})
	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, calls)
}

func TestDoHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	cfg := Config{MaxAttempts: 10, BaseDelay: 50 * time.Millisecond}
	_, err := Do(ctx, cfg, func() (int, error) {
		calls++
		cancel()
		return 0, errors.New("flaky")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestDoDelayHintOverridesBackoff(t *testing.T) {
	var delays []time.Duration
	cfg := Config{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		DelayHint: func(error) (time.Duration, bool) {
			return 5 * time.Millisecond, true
		},
		OnRetry: func(_ int, _ error, delay time.Duration) {
			delays = append(delays, delay)
		},
	}
	_, err := Do(context.Background(), cfg, func() (int, error) {
		return 0, errors.New("throttled")
	})
	require.Error(t, err)
	require.Len(t, delays, 2)
	for _, d := range delays {
		assert.Equal(t, 5*time.Millisecond, d)
	}
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	cfg := Config{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, Factor: 2.0}

	assert.Equal(t, 100*time.Millisecond, Backoff(1, cfg))
	assert.Equal(t, 200*time.Millisecond, Backoff(2, cfg))
	assert.Equal(t, 400*time.Millisecond, Backoff(3, cfg))
	assert.Equal(t, 800*time.Millisecond, Backoff(4, cfg))
	// Capped from here on.
	assert.Equal(t, time.Second, Backoff(5, cfg))
	assert.Equal(t, time.Second, Backoff(10, cfg))
}

func TestBackoffJitterStaysInRange(t *testing.T) {
	cfg := Config{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, Factor: 2.0, Jitter: 0.5}
	for i := 0; i < 100; i++ {
		d := Backoff(2, cfg)
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.LessOrEqual(t, d, 300*time.Millisecond)
	}
}
