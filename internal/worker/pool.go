package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/duropiri/novai-sub001/internal/job"
)

// spawnWorkerPool starts N processing goroutines reading from jobsChan.
func (w *Worker) spawnWorkerPool(ctx context.Context) {
	w.logger.Info("Spawning worker pool",
		slog.Int("concurrency", w.concurrency),
		slog.String("worker_id", w.workerID),
	)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}
}

// workerLoop is the main processing loop for each pool goroutine.
func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)
	w.logger.Info("Worker goroutine started",
		slog.String("worker_name", workerName),
	)

	for {
		select {
		case <-w.stopChan:
			w.logger.Info("Worker goroutine stopping",
				slog.String("worker_name", workerName),
			)
			return

		case <-ctx.Done():
			w.logger.Info("Worker goroutine stopping - context canceled",
				slog.String("worker_name", workerName),
			)
			return

		case msg, ok := <-w.jobsChan:
			if !ok {
				return
			}

			w.logger.Info("Worker received job",
				slog.String("worker_name", workerName),
				slog.String("job_id", msg.JobID),
				slog.Uint64("delivery_tag", msg.DeliveryTag),
			)

			err := w.processJob(ctx, workerName, msg)
			if err != nil {
				requeue := shouldRequeue(err)
				w.logger.Error("Job processing failed",
					slog.String("worker_name", workerName),
					slog.String("job_id", msg.JobID),
					slog.Bool("requeue", requeue),
					slog.Any("error", err),
				)
				w.nack(msg.DeliveryTag, requeue)
				continue
			}

			w.ack(msg.DeliveryTag)
		}
	}
}

// shouldRequeue decides the message's fate after a processing failure. Only
// infrastructure failures wrapped as retryable get redelivered; anything
// with a persisted terminal outcome, a duplicate claim, or a hopeless
// payload is dropped.
func shouldRequeue(err error) bool {
	if errors.Is(err, job.ErrAlreadyClaimed) {
		return false
	}
	if errors.Is(err, job.ErrNotFound) {
		return false
	}
	if errors.Is(err, job.ErrInvalidPayload) {
		return false
	}

	var retryable *job.RetryableError
	return errors.As(err, &retryable)
}
