package job

import (
	"context"
	"encoding/json"
	"time"
)

// Cursor is a keyset pagination cursor over (created_at, job_id).
type Cursor struct {
	CreatedAt time.Time
	JobID     string
}

// Filter narrows List results.
type Filter struct {
	Type     Type
	Statuses []Status
	Limit    int
	Cursor   *Cursor
}

// Update describes a guarded status transition.
type Update struct {
	Status         Status
	WorkerID       string
	Output         json.RawMessage
	ErrorMessage   string
	SetStartedAt   bool
	SetCompletedAt bool
}

// Store is the durable record of jobs. The job row is the single source of
// truth for job state; all mutation goes through the Manager, which uses this
// interface. Implementations must make TransitionStatus a compare-and-swap on
// the current status and serialize AppendLog per job.
type Store interface {
	Insert(ctx context.Context, j *Job) error
	GetByID(ctx context.Context, id string) (*Job, error)
	List(ctx context.Context, filter Filter) ([]Job, error)

	// TransitionStatus atomically moves a job from one of the expected
	// statuses to update.Status and returns the updated job.
	// ErrAlreadyClaimed is returned when the job exists but its current
	// status is not in expected.
	TransitionStatus(ctx context.Context, id string, expected []Status, update Update) (*Job, error)

	// UpdateProgress sets progress, never decreasing it, and only while the
	// job is processing.
	UpdateProgress(ctx context.Context, id string, percent int) error

	// AppendLog appends a message to the job's progress log with the
	// consolidation and bounding rules of Log.Append.
	AppendLog(ctx context.Context, id, message string) error

	AddCost(ctx context.Context, id string, units float64) error
	UpdateExternalRef(ctx context.Context, id, requestID, status string) error
	RenewLease(ctx context.Context, id string, until time.Time) error

	// ListStuck returns queued/processing jobs started before the cutoff.
	ListStuck(ctx context.Context, cutoff time.Time) ([]Job, error)
}
