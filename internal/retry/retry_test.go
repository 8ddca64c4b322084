package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// instant replaces the backoff sleep so tests do not wait.
func instant(p Policy) Policy {
	p.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return p
}

type retryableErr struct{ msg string }

func (e *retryableErr) Error() string   { return e.msg }
func (e *retryableErr) Retryable() bool { return true }

type fatalErr struct{ msg string }

func (e *fatalErr) Error() string   { return e.msg }
func (e *fatalErr) Retryable() bool { return false }

func TestDoSucceedsThirdAttemptWithMonotonicBackoff(t *testing.T) {
	var delays []time.Duration
	policy := instant(Policy{
		MaxRetries:   5,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2,
		OnBackoff: func(attempt int, delay time.Duration, err error) {
			delays = append(delays, delay)
		},
	})

	calls := 0
	result, err := Do(context.Background(), policy, func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", &retryableErr{msg: "engine overloaded"}
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 3, calls)

	// Backoff callback fired exactly twice with doubling pre-jitter delays
	require.Len(t, delays, 2)
	assert.GreaterOrEqual(t, delays[1], delays[0])
	assert.Equal(t, 100*time.Millisecond, delays[0])
	assert.Equal(t, 200*time.Millisecond, delays[1])
}

func TestDoNonRetryableFailsImmediately(t *testing.T) {
	backoffs := 0
	policy := instant(Policy{
		MaxRetries:        5,
		RetryablePatterns: DefaultPatterns(),
		OnBackoff:         func(int, time.Duration, error) { backoffs++ },
	})

	calls := 0
	_, err := Do(context.Background(), policy, func(ctx context.Context) (int, error) {
		calls++
		return 0, errors.New("invalid credentials")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Zero(t, backoffs)
}

func TestDoTypedFatalBeatsPatternMatch(t *testing.T) {
	// A typed non-retryable error is final even if its text matches a
	// transient pattern.
	policy := instant(Policy{MaxRetries: 5, RetryablePatterns: DefaultPatterns()})

	calls := 0
	_, err := Do(context.Background(), policy, func(ctx context.Context) (int, error) {
		calls++
		return 0, &fatalErr{msg: "vendor timeout during safety check"}
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoPatternMatchRetries(t *testing.T) {
	policy := instant(Policy{MaxRetries: 3, RetryablePatterns: DefaultPatterns()})

	calls := 0
	result, err := Do(context.Background(), policy, func(ctx context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, errors.New("read tcp: connection reset by peer")
		}
		return 7, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 7, result)
	assert.Equal(t, 2, calls)
}

func TestDoExhaustsBudget(t *testing.T) {
	policy := instant(Policy{MaxRetries: 2, RetryablePatterns: DefaultPatterns()})

	calls := 0
	_, err := Do(context.Background(), policy, func(ctx context.Context) (int, error) {
		calls++
		return 0, &retryableErr{msg: "rate limit exceeded"}
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limit")
	// Initial call plus two retries
	assert.Equal(t, 3, calls)
}

func TestDoContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	policy := Policy{MaxRetries: 5, InitialDelay: time.Millisecond}
	policy.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}

	calls := 0
	_, err := Do(ctx, policy, func(ctx context.Context) (int, error) {
		calls++
		return 0, &retryableErr{msg: "overloaded"}
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestJitterBounds(t *testing.T) {
	base := 100 * time.Millisecond
	for i := 0; i < 200; i++ {
		d := jitter(base, time.Minute)
		assert.GreaterOrEqual(t, d, 85*time.Millisecond)
		assert.LessOrEqual(t, d, 115*time.Millisecond)
	}

	// Cap applies after jitter
	assert.Equal(t, 50*time.Millisecond, jitter(time.Hour, 50*time.Millisecond))
}

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, 5, p.MaxRetries)
	assert.Equal(t, time.Second, p.InitialDelay)
	assert.Equal(t, float64(2), p.Multiplier)
	assert.NotEmpty(t, p.RetryablePatterns)
}
