package job

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a job cannot be found in the store
	ErrNotFound = errors.New("job not found")

	// ErrAlreadyClaimed is returned when attempting to claim a job that is
	// already processing or terminal
	ErrAlreadyClaimed = errors.New("job already claimed or not claimable")

	// ErrInvalidPayload is returned when a job payload or queue message is
	// malformed
	ErrInvalidPayload = errors.New("invalid job payload")
)

// InvalidStateError is returned for illegal status transitions, such as
// cancelling a completed job.
type InvalidStateError struct {
	JobID string
	From  Status
	To    Status
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("invalid state transition for job %s: %s -> %s", e.JobID, e.From, e.To)
}

// RetryableError wraps transient infrastructure errors that should trigger a
// queue redelivery
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}
