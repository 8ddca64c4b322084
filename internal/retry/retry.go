// Package retry wraps fallible operations with exponential backoff and
// jitter. Errors are classified retryable either by the typed taxonomy
// (anything implementing Retryable() bool) or by substring patterns for
// errors that arrive as free text from the transport.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"time"
)

// Policy configures retry behavior.
type Policy struct {
	// MaxRetries is the number of retry attempts after the initial call.
	MaxRetries int

	// InitialDelay is the backoff before the first retry.
	InitialDelay time.Duration

	// MaxDelay caps the backoff between retries.
	MaxDelay time.Duration

	// Multiplier controls exponential growth of the delay.
	Multiplier float64

	// RetryablePatterns are substrings identifying transient failures in
	// error text, matched case-insensitively. Typed errors implementing
	// Retryable() bool take precedence over pattern matching.
	RetryablePatterns []string

	// OnBackoff, when set, is called before each backoff sleep with the
	// 1-indexed attempt number and the pre-jitter delay.
	OnBackoff func(attempt int, delay time.Duration, err error)

	// sleep is a test seam; nil means a context-aware timer sleep.
	sleep func(ctx context.Context, d time.Duration) error
}

// DefaultPatterns returns the transient failure patterns common to the
// external engines: rate limiting, timeouts, connection resets, overload.
func DefaultPatterns() []string {
	return []string{
		"rate limit",
		"too many requests",
		"timeout",
		"timed out",
		"connection reset",
		"connection refused",
		"overloaded",
		"temporarily unavailable",
	}
}

// DefaultPolicy returns a policy with 5 retries, 1s initial delay, 30s max
// delay, 2x backoff, and the default transient patterns.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:        5,
		InitialDelay:      time.Second,
		MaxDelay:          30 * time.Second,
		Multiplier:        2,
		RetryablePatterns: DefaultPatterns(),
	}
}

func (p Policy) withDefaults() Policy {
	if p.MaxRetries <= 0 {
		p.MaxRetries = 5
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.Multiplier < 1 {
		p.Multiplier = 2
	}
	if p.sleep == nil {
		p.sleep = sleepContext
	}
	return p
}

// retryable reports whether an error should be retried under this policy.
func (p Policy) retryable(err error) bool {
	var typed interface{ Retryable() bool }
	if errors.As(err, &typed) {
		return typed.Retryable()
	}

	text := strings.ToLower(err.Error())
	for _, pattern := range p.RetryablePatterns {
		if strings.Contains(text, pattern) {
			return true
		}
	}
	return false
}

// Do runs op under the policy. Non-retryable errors and exhausted budgets
// return the last error immediately; otherwise Do sleeps
// min(delay*(1±15%), MaxDelay) and doubles the delay between attempts.
// Callers must only pass operations that are safe to repeat.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	p = p.withDefaults()

	var zero T
	delay := p.InitialDelay

	for attempt := 0; ; attempt++ {
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}

		if attempt >= p.MaxRetries || !p.retryable(err) {
			return zero, err
		}

		if p.OnBackoff != nil {
			p.OnBackoff(attempt+1, delay, err)
		}

		if sleepErr := p.sleep(ctx, jitter(delay, p.MaxDelay)); sleepErr != nil {
			return zero, err
		}

		delay = time.Duration(float64(delay) * p.Multiplier)
	}
}

// jitter spreads a delay by ±15% and caps it at maxDelay.
func jitter(delay, maxDelay time.Duration) time.Duration {
	jittered := time.Duration(float64(delay) * (0.85 + 0.3*rand.Float64()))
	if jittered > maxDelay {
		return maxDelay
	}
	return jittered
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
