package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// The error taxonomy is produced at the engine adapter boundary so that the
// retry policy and pipeline executor never parse free-text error messages.
// TransientError is retryable; FatalError and TimeoutError advance the
// fallback chain instead.

// TransientError is a retryable engine failure: rate limiting, overload,
// or a network-level reset.
type TransientError struct {
	Engine     string
	StatusCode int
	Message    string
	Cause      error
}

func (e *TransientError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: transient failure: %s: %s", e.Engine, e.Message, e.Cause.Error())
	}
	return fmt.Sprintf("%s: transient failure: %s", e.Engine, e.Message)
}

func (e *TransientError) Unwrap() error { return e.Cause }

// Retryable marks the error for the retry policy
func (e *TransientError) Retryable() bool { return true }

// FatalError is a permanent engine failure: safety rejection, malformed
// input, or any other non-retryable 4xx. It triggers fallback chain advance.
type FatalError struct {
	Engine     string
	StatusCode int
	Reason     string
	Message    string
}

func (e *FatalError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: %s: %s", e.Engine, e.Reason, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Engine, e.Message)
}

func (e *FatalError) Retryable() bool { return false }

// TimeoutError is raised when an engine call exceeds its wall-clock budget.
// It is fatal for that call.
type TimeoutError struct {
	Engine  string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: call timed out after %s", e.Engine, e.Timeout)
}

func (e *TimeoutError) Retryable() bool { return false }

// IsRetryable reports whether an error is classified retryable. Errors
// outside the taxonomy are treated as non-retryable.
func IsRetryable(err error) bool {
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return false
}

// classifyHTTP maps an engine HTTP response status into the taxonomy.
func classifyHTTP(engine string, statusCode int, message string) error {
	switch {
	case statusCode == http.StatusTooManyRequests,
		statusCode == http.StatusRequestTimeout,
		statusCode >= http.StatusInternalServerError:
		return &TransientError{Engine: engine, StatusCode: statusCode, Message: message}
	default:
		reason := ""
		if statusCode == http.StatusUnprocessableEntity {
			reason = "safety rejection"
		}
		return &FatalError{Engine: engine, StatusCode: statusCode, Reason: reason, Message: message}
	}
}

// classifyTransport maps a transport-level error (connection reset, DNS,
// deadline) into the taxonomy.
func classifyTransport(engine string, timeout time.Duration, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Engine: engine, Timeout: timeout}
	}
	return &TransientError{Engine: engine, Message: "request failed", Cause: err}
}
