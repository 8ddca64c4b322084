package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/duropiri/novai-sub001/internal/job"
)

// Lifecycle is the slice of the job lifecycle manager the executor needs.
// All job record writes go through it.
type Lifecycle interface {
	GetJob(ctx context.Context, id string) (*job.Job, error)
	MarkCompleted(ctx context.Context, id string, output json.RawMessage, costUnits float64) (*job.Job, error)
	MarkFailed(ctx context.Context, id, errorMessage string) (*job.Job, error)
	UpdateProgress(ctx context.Context, id string, percent int) error
	AppendLog(ctx context.Context, id, message string) error
	UpdateExternalRef(ctx context.Context, id, requestID, status string) error
}

type eventKind int

const (
	eventProgress eventKind = iota
	eventLog
	eventExternalRef
	eventSync
)

type event struct {
	kind      eventKind
	percent   int
	message   string
	requestID string
	status    string
	// barrier is closed once every event enqueued before it has been
	// persisted.
	barrier chan struct{}
}

// Reporter decouples stage execution from progress persistence: stages and
// batch sub-operations push events onto a channel, and a single persister
// goroutine writes them through the lifecycle manager in order.
type Reporter struct {
	jobID     string
	lifecycle Lifecycle
	logger    *slog.Logger
	events    chan event
	done      chan struct{}
}

// NewReporter starts the persister goroutine for one job.
func NewReporter(ctx context.Context, lifecycle Lifecycle, jobID string, logger *slog.Logger) *Reporter {
	r := &Reporter{
		jobID:     jobID,
		lifecycle: lifecycle,
		logger:    logger,
		events:    make(chan event, 64),
		done:      make(chan struct{}),
	}
	go r.run(ctx)
	return r
}

func (r *Reporter) run(ctx context.Context) {
	defer close(r.done)

	for ev := range r.events {
		switch ev.kind {
		case eventProgress:
			if err := r.lifecycle.UpdateProgress(ctx, r.jobID, ev.percent); err != nil {
				r.logger.Error("Failed to persist job progress",
					slog.String("job_id", r.jobID),
					slog.Int("percent", ev.percent),
					slog.Any("error", err),
				)
			}
		case eventLog:
			if err := r.lifecycle.AppendLog(ctx, r.jobID, ev.message); err != nil {
				r.logger.Error("Failed to persist job log entry",
					slog.String("job_id", r.jobID),
					slog.Any("error", err),
				)
			}
		case eventExternalRef:
			if err := r.lifecycle.UpdateExternalRef(ctx, r.jobID, ev.requestID, ev.status); err != nil {
				r.logger.Error("Failed to persist external request reference",
					slog.String("job_id", r.jobID),
					slog.String("request_id", ev.requestID),
					slog.Any("error", err),
				)
			}
		case eventSync:
			close(ev.barrier)
		}
	}
}

// Progress reports a job-level progress percentage.
func (r *Reporter) Progress(percent int) {
	r.events <- event{kind: eventProgress, percent: percent}
}

// Log appends a user-facing log line.
func (r *Reporter) Log(message string) {
	r.events <- event{kind: eventLog, message: message}
}

// ExternalRef records the correlation id of an in-flight engine request.
func (r *Reporter) ExternalRef(requestID, status string) {
	r.events <- event{kind: eventExternalRef, requestID: requestID, status: status}
}

// Sync blocks until every event reported so far has been persisted. Called
// at stage boundaries so stage N's writes are visible before stage N+1 runs.
func (r *Reporter) Sync() {
	barrier := make(chan struct{})
	r.events <- event{kind: eventSync, barrier: barrier}
	<-barrier
}

// Close drains remaining events and stops the persister.
func (r *Reporter) Close() {
	close(r.events)
	<-r.done
}
