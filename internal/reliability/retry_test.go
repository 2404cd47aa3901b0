package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExponentialBackoff(t *testing.T) {
	t.Run("creates with correct defaults", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, 5*time.Second, 2.0, 3)

		assert.Equal(t, 100*time.Millisecond, eb.InitialInterval)
		assert.Equal(t, 5*time.Second, eb.MaxInterval)
		assert.Equal(t, 2.0, eb.Multiplier)
		assert.Equal(t, 3, eb.MaxAttempts)
		assert.True(t, eb.Jitter)
	})

	t.Run("ShouldRetry respects max retries", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, time.Second, 2.0, 3)

		for i := 0; i < 3; i++ {
			retry, delay := eb.ShouldRetry(i, errors.New("connection refused"))
			assert.True(t, retry)
			assert.Greater(t, delay, time.Duration(0))
		}

		retry, delay := eb.ShouldRetry(3, errors.New("connection refused"))
		assert.False(t, retry)
		assert.Zero(t, delay)
	})

	t.Run("NextDelay grows and caps", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, 10*time.Second, 2.0, 5)
		eb.Jitter = false

		tests := []struct {
			attempt  int
			expected time.Duration
		}{
			{0, 100 * time.Millisecond},
			{1, 200 * time.Millisecond},
			{2, 400 * time.Millisecond},
			{4, 1600 * time.Millisecond},
			{10, 10 * time.Second},
		}

		for _, tt := range tests {
			assert.Equal(t, tt.expected, eb.NextDelay(tt.attempt), "attempt %d", tt.attempt)
		}
	})

	t.Run("jitter stays within 15 percent", func(t *testing.T) {
		eb := NewExponentialBackoff(time.Second, 10*time.Second, 2.0, 5)

		for i := 0; i < 20; i++ {
			delay := eb.NextDelay(0)
			assert.GreaterOrEqual(t, delay, 850*time.Millisecond)
			assert.LessOrEqual(t, delay, 1150*time.Millisecond)
		}
	})

	t.Run("permanent errors are not retried", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, time.Second, 2.0, 3)

		retry, _ := eb.ShouldRetry(0, Permanent(errors.New("ACCESS_REFUSED")))
		assert.False(t, retry)
	})
}

func TestRetry(t *testing.T) {
	fast := func(attempts int) *ExponentialBackoff {
		eb := NewExponentialBackoff(time.Millisecond, 5*time.Millisecond, 2.0, attempts)
		eb.Jitter = false
		return eb
	}

	t.Run("succeeds on first attempt", func(t *testing.T) {
		attempts := 0
		err := Retry(context.Background(), fast(3), func(context.Context) error {
			attempts++
			return nil
		}, nil)

		assert.NoError(t, err)
		assert.Equal(t, 1, attempts)
	})

	t.Run("retries until success and notifies each failure", func(t *testing.T) {
		attempts := 0
		var notified []int
		err := Retry(context.Background(), fast(5), func(context.Context) error {
			attempts++
			if attempts < 3 {
				return errors.New("connection refused")
			}
			return nil
		}, func(attempt int, err error, delay time.Duration) {
			notified = append(notified, attempt)
		})

		assert.NoError(t, err)
		assert.Equal(t, 3, attempts)
		assert.Equal(t, []int{0, 1}, notified)
	})

	t.Run("returns the last error once the policy gives up", func(t *testing.T) {
		attempts := 0
		err := Retry(context.Background(), fast(2), func(context.Context) error {
			attempts++
			return errors.New("connection refused")
		}, nil)

		assert.EqualError(t, err, "connection refused")
		assert.Equal(t, 3, attempts)
	})

	t.Run("NoRetry tries once", func(t *testing.T) {
		attempts := 0
		err := Retry(context.Background(), NoRetry{}, func(context.Context) error {
			attempts++
			return errors.New("connection refused")
		}, nil)

		assert.Error(t, err)
		assert.Equal(t, 1, attempts)
	})

	t.Run("permanent error stops at once and is unwrapped", func(t *testing.T) {
		cause := errors.New("ACCESS_REFUSED")
		attempts := 0
		err := Retry(context.Background(), fast(5), func(context.Context) error {
			attempts++
			return Permanent(cause)
		}, nil)

		assert.Same(t, cause, err)
		assert.Equal(t, 1, attempts)
	})

	t.Run("context cancellation stops the wait", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		eb := NewExponentialBackoff(time.Minute, time.Minute, 1.0, 5)

		done := make(chan error, 1)
		go func() {
			done <- Retry(ctx, eb, func(context.Context) error {
				return errors.New("connection refused")
			}, nil)
		}()
		time.Sleep(10 * time.Millisecond)
		cancel()

		select {
		case err := <-done:
			assert.EqualError(t, err, "connection refused")
		case <-time.After(time.Second):
			t.Fatal("Retry kept waiting after cancel")
		}
	})

	t.Run("cancelled context runs nothing", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := Retry(ctx, fast(3), func(context.Context) error {
			t.Fatal("fn must not run")
			return nil
		}, nil)
		require.ErrorIs(t, err, context.Canceled)
	})
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.True(t, IsRetryable(errors.New("dial tcp: connection refused")))
	assert.False(t, IsRetryable(Permanent(errors.New("bad url"))))
	assert.False(t, IsRetryable(context.Canceled))
	assert.Nil(t, Permanent(nil))
}
