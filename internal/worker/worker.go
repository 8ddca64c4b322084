// Package worker consumes job messages from the queue partitions and drives
// them through the pipeline executor with bounded concurrency.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/duropiri/novai-sub001/internal/job"
	"github.com/duropiri/novai-sub001/shared/rabbitmq"
)

// Lifecycle is the slice of the job lifecycle manager the worker needs.
type Lifecycle interface {
	MarkProcessing(ctx context.Context, id, workerID string) (*job.Job, error)
	MarkFailed(ctx context.Context, id, errorMessage string) (*job.Job, error)
	RenewLease(ctx context.Context, id string, duration time.Duration) error
	ReapStuckJobs(ctx context.Context, maxAge time.Duration) (int, error)
}

// Executor runs a claimed job to a terminal state.
type Executor interface {
	Execute(ctx context.Context, j *job.Job) error
}

// Config holds worker configuration
type Config struct {
	Logger       *slog.Logger
	RabbitClient *rabbitmq.Client
	Lifecycle    Lifecycle
	Executor     Executor

	// Partitions lists the job type partitions this worker consumes.
	Partitions    []string
	Concurrency   int
	PrefetchCount int

	// JobTimeout bounds one job's total pipeline wall clock.
	JobTimeout time.Duration
	// LeaseDuration is how long a claim stays valid without renewal;
	// RenewInterval must be under half of it.
	LeaseDuration time.Duration
	RenewInterval time.Duration

	// ReaperInterval is how often stuck jobs are swept; ReaperMaxAge is the
	// age past which a non-terminal job counts as stuck.
	ReaperInterval time.Duration
	ReaperMaxAge   time.Duration
}

// Worker represents the background job worker
type Worker struct {
	logger       *slog.Logger
	rabbitClient *rabbitmq.Client
	lifecycle    Lifecycle
	executor     Executor

	workerID      string
	partitions    []string
	concurrency   int
	prefetchCount int

	jobTimeout    time.Duration
	leaseDuration time.Duration
	renewInterval time.Duration

	reaperInterval time.Duration
	reaperMaxAge   time.Duration

	jobsChan chan *job.Message
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	prefetch := cfg.PrefetchCount
	if prefetch <= 0 {
		prefetch = concurrency * 2
	}

	return &Worker{
		logger:         cfg.Logger,
		rabbitClient:   cfg.RabbitClient,
		lifecycle:      cfg.Lifecycle,
		executor:       cfg.Executor,
		workerID:       fmt.Sprintf("worker-%s", uuid.New().String()[:8]),
		partitions:     cfg.Partitions,
		concurrency:    concurrency,
		prefetchCount:  prefetch,
		jobTimeout:     cfg.JobTimeout,
		leaseDuration:  cfg.LeaseDuration,
		renewInterval:  cfg.RenewInterval,
		reaperInterval: cfg.ReaperInterval,
		reaperMaxAge:   cfg.ReaperMaxAge,
		jobsChan:       make(chan *job.Message),
		stopChan:       make(chan struct{}),
	}
}

// Start begins consuming and processing jobs. It blocks until ctx is
// canceled.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Int("prefetch_count", w.prefetchCount),
		slog.Duration("job_timeout", w.jobTimeout),
		slog.Any("partitions", w.partitions),
	)

	if err := w.setupQoS(); err != nil {
		return err
	}

	for _, partition := range w.partitions {
		deliveries, err := w.rabbitClient.Consume(partition, fmt.Sprintf("%s-%s", w.workerID, partition))
		if err != nil {
			return fmt.Errorf("failed to consume partition %s: %w", partition, err)
		}

		w.wg.Add(1)
		go w.dispatch(ctx, partition, deliveries)
	}

	w.spawnWorkerPool(ctx)

	if w.reaperInterval > 0 {
		w.wg.Add(1)
		go w.reaperLoop(ctx)
	}

	<-ctx.Done()
	w.logger.Info("Worker context canceled, stopping...")

	return nil
}

// Stop gracefully stops the worker
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker...",
		slog.String("worker_id", w.workerID),
	)
	close(w.stopChan)
	w.wg.Wait()
	w.logger.Info("Worker stopped")
}

// reaperLoop periodically force-fails jobs stuck in queued or processing
// past the maximum age, the backstop for crashed workers and lost writes.
func (w *Worker) reaperLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.reaperInterval)
	defer ticker.Stop()

	w.logger.Info("Stuck job reaper started",
		slog.Duration("interval", w.reaperInterval),
		slog.Duration("max_age", w.reaperMaxAge),
	)

	for {
		select {
		case <-w.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			reaped, err := w.lifecycle.ReapStuckJobs(ctx, w.reaperMaxAge)
			if err != nil {
				w.logger.Error("Stuck job sweep failed",
					slog.Any("error", err),
				)
				continue
			}
			if reaped > 0 {
				w.logger.Warn("Stuck job sweep finished",
					slog.Int("reaped", reaped),
				)
			}
		}
	}
}
