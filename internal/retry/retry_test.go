package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoff(t *testing.T) {
	cfg := DefaultConfig()
	testCases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{40, 30 * time.Second},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.want, Backoff(tc.attempt, cfg), "attempt %d", tc.attempt)
	}
}

func TestDo_SucceedsAfterFailures(t *testing.T) {
	cfg := Config{MaxRetries: 5, RetryDelay: time.Millisecond, MaxRetryDelay: 5 * time.Millisecond}
	calls := 0
	err := Do(context.Background(), "test", cfg, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_MaxRetries(t *testing.T) {
	cfg := Config{MaxRetries: 2, RetryDelay: time.Millisecond, MaxRetryDelay: time.Millisecond}
	cause := errors.New("broker down")
	calls := 0
	err := Do(context.Background(), "connect", cfg, func(context.Context) error {
		calls++
		return cause
	})
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, 3, calls)
}

func TestDo_PermanentStopsImmediately(t *testing.T) {
	cause := errors.New("unauthorized")
	calls := 0
	err := Do(context.Background(), "ensure", DefaultConfig(), func(context.Context) error {
		calls++
		return &Permanent{Err: cause}
	})
	assert.Same(t, cause, err)
	assert.Equal(t, 1, calls)
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := Do(ctx, "slow", Config{MaxRetries: 10, RetryDelay: time.Hour, MaxRetryDelay: time.Hour}, func(context.Context) error {
		return errors.New("fail")
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
