package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/duropiri/novai-sub001/internal/job"
)

// processJob claims a job, keeps its lease alive, and runs it through the
// pipeline executor. The executor persists the terminal state; the returned
// error only steers the queue settlement.
func (w *Worker) processJob(ctx context.Context, workerName string, msg *job.Message) error {
	j, err := w.lifecycle.MarkProcessing(ctx, msg.JobID, workerName)
	if err != nil {
		if errors.Is(err, job.ErrAlreadyClaimed) {
			// Redelivered message for a job another worker owns or already
			// finished; the claim transition makes this safe to drop.
			w.logger.Warn("Job already claimed, skipping",
				slog.String("job_id", msg.JobID),
			)
			return fmt.Errorf("job already claimed: %w", err)
		}
		if errors.Is(err, job.ErrNotFound) {
			w.logger.Warn("Job row not found for queued message, skipping",
				slog.String("job_id", msg.JobID),
			)
			return fmt.Errorf("job not found: %w", err)
		}
		// Store unavailable; the job row is intact, so redeliver.
		return job.NewRetryableError(fmt.Errorf("failed to claim job: %w", err))
	}

	jobCtx := ctx
	if w.jobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, w.jobTimeout)
		defer cancel()
	}

	if w.leaseDuration > 0 {
		leaseDone := make(chan struct{})
		defer close(leaseDone)
		go w.renewLease(jobCtx, j.ID, leaseDone)
	}

	if err := w.executor.Execute(jobCtx, j); err != nil {
		// Terminal failure is already persisted; the message is spent.
		return fmt.Errorf("pipeline failed: %w", err)
	}

	return nil
}

// renewLease extends the processing lease until the job finishes. The
// renewal interval stays under half the lease so one missed write does not
// expire the claim.
func (w *Worker) renewLease(ctx context.Context, jobID string, done <-chan struct{}) {
	interval := w.renewInterval
	if interval <= 0 || interval > w.leaseDuration/2 {
		interval = w.leaseDuration / 3
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w.logger.Debug("Lease renewal started",
		slog.String("job_id", jobID),
		slog.Duration("interval", interval),
	)

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.lifecycle.RenewLease(ctx, jobID, w.leaseDuration); err != nil {
				w.logger.Warn("Failed to renew job lease",
					slog.String("job_id", jobID),
					slog.Any("error", err),
				)
			}
		}
	}
}
