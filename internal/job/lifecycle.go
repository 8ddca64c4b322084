package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Queue is the durable delivery channel between job creation and the worker.
// Messages are routed by job type partition and delivered at least once.
type Queue interface {
	Publish(ctx context.Context, partition string, body []byte) error
}

// ManagerConfig holds lifecycle manager dependencies
type ManagerConfig struct {
	Store  Store
	Queue  Queue
	Logger *slog.Logger
}

// Manager owns every job state mutation. All writes to the job store go
// through it so status invariants hold under concurrent workers.
type Manager struct {
	store  Store
	queue  Queue
	logger *slog.Logger
	now    func() time.Time
}

// NewManager creates a new lifecycle manager
func NewManager(cfg *ManagerConfig) *Manager {
	return &Manager{
		store:  cfg.Store,
		queue:  cfg.Queue,
		logger: cfg.Logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// CreateJob persists a pending job, enqueues it on the partition for its
// type, and transitions it to queued. If the enqueue fails the job is marked
// failed rather than left pending forever; the reaper is the backstop if that
// write also fails.
func (m *Manager) CreateJob(ctx context.Context, t Type, referenceID string, input json.RawMessage) (*Job, error) {
	if _, ok := ParseType(string(t)); !ok {
		return nil, fmt.Errorf("%w: unknown job type %q", ErrInvalidPayload, t)
	}

	j := &Job{
		ID:           uuid.New().String(),
		Type:         t,
		ReferenceID:  referenceID,
		Status:       StatusPending,
		InputPayload: input,
		CreatedAt:    m.now(),
	}

	if err := m.store.Insert(ctx, j); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	body, err := json.Marshal(Message{JobID: j.ID, Type: t, Input: input})
	if err != nil {
		return nil, fmt.Errorf("failed to encode job message: %w", err)
	}

	if err := m.queue.Publish(ctx, string(t), body); err != nil {
		m.logger.Error("Failed to enqueue job, marking failed",
			slog.String("job_id", j.ID),
			slog.String("job_type", string(t)),
			slog.Any("error", err),
		)
		if _, failErr := m.MarkFailed(ctx, j.ID, fmt.Sprintf("failed to enqueue job: %s", err)); failErr != nil {
			m.logger.Error("Failed to mark unenqueued job as failed",
				slog.String("job_id", j.ID),
				slog.Any("error", failErr),
			)
		}
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	queued, err := m.store.TransitionStatus(ctx, j.ID, []Status{StatusPending}, Update{Status: StatusQueued})
	if err != nil {
		// The message is already out; the worker's claim transition covers
		// pending as well, so losing this write is harmless.
		if errors.Is(err, ErrAlreadyClaimed) {
			return m.store.GetByID(ctx, j.ID)
		}
		return nil, fmt.Errorf("failed to mark job queued: %w", err)
	}

	m.logger.Info("Job created",
		slog.String("job_id", j.ID),
		slog.String("job_type", string(t)),
		slog.String("reference_id", referenceID),
	)

	return queued, nil
}

// GetJob returns a job by id
func (m *Manager) GetJob(ctx context.Context, id string) (*Job, error) {
	return m.store.GetByID(ctx, id)
}

// ListJobs returns jobs matching the filter
func (m *Manager) ListJobs(ctx context.Context, filter Filter) ([]Job, error) {
	return m.store.List(ctx, filter)
}

// MarkProcessing claims a job for a worker. Exactly one such write succeeds
// per job; a second claim returns ErrAlreadyClaimed.
func (m *Manager) MarkProcessing(ctx context.Context, id, workerID string) (*Job, error) {
	j, err := m.store.TransitionStatus(ctx, id, []Status{StatusPending, StatusQueued}, Update{
		Status:       StatusProcessing,
		WorkerID:     workerID,
		SetStartedAt: true,
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("Job claimed",
		slog.String("job_id", id),
		slog.String("worker_id", workerID),
	)

	return j, nil
}

// MarkCompleted writes the terminal success state and records accumulated
// cost when there is any.
func (m *Manager) MarkCompleted(ctx context.Context, id string, output json.RawMessage, costUnits float64) (*Job, error) {
	j, err := m.store.TransitionStatus(ctx, id, []Status{StatusProcessing}, Update{
		Status:         StatusCompleted,
		Output:         output,
		SetCompletedAt: true,
	})
	if err != nil {
		return nil, err
	}

	if costUnits > 0 {
		if err := m.store.AddCost(ctx, id, costUnits); err != nil {
			m.logger.Error("Failed to record job cost",
				slog.String("job_id", id),
				slog.Any("error", err),
			)
		}
		if err := m.store.AppendLog(ctx, id, fmt.Sprintf("Cost recorded: %.2f units", costUnits)); err != nil {
			m.logger.Error("Failed to append cost ledger entry",
				slog.String("job_id", id),
				slog.Any("error", err),
			)
		}
	}

	m.logger.Info("Job completed",
		slog.String("job_id", id),
		slog.Float64("cost_units", costUnits),
	)

	return j, nil
}

// MarkFailed writes the terminal failure state with a human-readable message.
func (m *Manager) MarkFailed(ctx context.Context, id, errorMessage string) (*Job, error) {
	j, err := m.store.TransitionStatus(ctx, id, []Status{StatusPending, StatusQueued, StatusProcessing}, Update{
		Status:         StatusFailed,
		ErrorMessage:   errorMessage,
		SetCompletedAt: true,
	})
	if err != nil {
		return nil, err
	}

	m.logger.Warn("Job failed",
		slog.String("job_id", id),
		slog.String("error", errorMessage),
	)

	return j, nil
}

// UpdateProgress sets the job's progress percentage. Safe to call
// concurrently; progress never decreases.
func (m *Manager) UpdateProgress(ctx context.Context, id string, percent int) error {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	return m.store.UpdateProgress(ctx, id, percent)
}

// AppendLog adds a user-facing progress log line to the job.
func (m *Manager) AppendLog(ctx context.Context, id, message string) error {
	return m.store.AppendLog(ctx, id, message)
}

// UpdateExternalRef records the correlation id and status of an in-flight
// external engine invocation for recovery and observability.
func (m *Manager) UpdateExternalRef(ctx context.Context, id, requestID, status string) error {
	return m.store.UpdateExternalRef(ctx, id, requestID, status)
}

// RenewLease extends the processing lease on a running job.
func (m *Manager) RenewLease(ctx context.Context, id string, duration time.Duration) error {
	return m.store.RenewLease(ctx, id, m.now().Add(duration))
}

// CancelJob cancels a job that has not yet reached a terminal state.
// Cancelling a completed or failed job returns InvalidStateError and leaves
// the status unchanged. Cancellation is cooperative: a running worker
// observes the status flip at stage boundaries and discards in-flight work.
func (m *Manager) CancelJob(ctx context.Context, id string) (*Job, error) {
	current, err := m.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if current.Status.Terminal() {
		return nil, &InvalidStateError{JobID: id, From: current.Status, To: StatusFailed}
	}

	j, err := m.store.TransitionStatus(ctx, id, []Status{StatusPending, StatusQueued, StatusProcessing}, Update{
		Status:         StatusFailed,
		ErrorMessage:   "cancelled",
		SetCompletedAt: true,
	})
	if err != nil {
		// Lost the race against a terminal write
		if errors.Is(err, ErrAlreadyClaimed) {
			latest, getErr := m.store.GetByID(ctx, id)
			if getErr != nil {
				return nil, getErr
			}
			return nil, &InvalidStateError{JobID: id, From: latest.Status, To: StatusFailed}
		}
		return nil, err
	}

	m.logger.Info("Job cancelled",
		slog.String("job_id", id),
	)

	return j, nil
}

// ReapStuckJobs force-fails queued and processing jobs older than maxAge.
// It is idempotent and safe to run concurrently with itself: jobs that turn
// terminal between the scan and the write are skipped.
func (m *Manager) ReapStuckJobs(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := m.now().Add(-maxAge)

	stuck, err := m.store.ListStuck(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to list stuck jobs: %w", err)
	}

	reaped := 0
	message := fmt.Sprintf("job timed out: exceeded maximum age of %d minutes", int(maxAge.Minutes()))

	for _, j := range stuck {
		_, err := m.store.TransitionStatus(ctx, j.ID, []Status{StatusQueued, StatusProcessing}, Update{
			Status:         StatusFailed,
			ErrorMessage:   message,
			SetCompletedAt: true,
		})
		if err != nil {
			if errors.Is(err, ErrAlreadyClaimed) || errors.Is(err, ErrNotFound) {
				continue
			}
			m.logger.Error("Failed to reap stuck job",
				slog.String("job_id", j.ID),
				slog.Any("error", err),
			)
			continue
		}

		m.logger.Warn("Reaped stuck job",
			slog.String("job_id", j.ID),
			slog.String("job_type", string(j.Type)),
			slog.String("last_status", string(j.Status)),
		)
		reaped++
	}

	return reaped, nil
}
