package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/duropiri/novai-sub001/internal/engine"
	"github.com/duropiri/novai-sub001/internal/job"
	"github.com/duropiri/novai-sub001/internal/ratelimit"
	"github.com/duropiri/novai-sub001/internal/retry"
)

// ExecutorConfig holds executor dependencies
type ExecutorConfig struct {
	Lifecycle   Lifecycle
	Registry    *engine.Registry
	Limiter     *ratelimit.Limiter
	Retry       retry.Policy
	Logger      *slog.Logger
	Pipelines   map[job.Type]*Pipeline
	ScratchRoot string
}

// Executor drives a claimed job through its pipeline's stages and writes
// exactly one terminal state.
type Executor struct {
	lifecycle   Lifecycle
	registry    *engine.Registry
	limiter     *ratelimit.Limiter
	retry       retry.Policy
	logger      *slog.Logger
	pipelines   map[job.Type]*Pipeline
	scratchRoot string
}

// NewExecutor creates a new pipeline executor
func NewExecutor(cfg *ExecutorConfig) (*Executor, error) {
	for t, p := range cfg.Pipelines {
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("invalid pipeline for %s: %w", t, err)
		}
	}

	scratchRoot := cfg.ScratchRoot
	if scratchRoot == "" {
		scratchRoot = os.TempDir()
	}

	return &Executor{
		lifecycle:   cfg.Lifecycle,
		registry:    cfg.Registry,
		limiter:     cfg.Limiter,
		retry:       cfg.Retry,
		logger:      cfg.Logger,
		pipelines:   cfg.Pipelines,
		scratchRoot: scratchRoot,
	}, nil
}

// Execute runs the pipeline for an already-claimed job. The terminal state is
// persisted here; the returned error reports what went wrong so the caller
// can decide how to settle the queue delivery. A nil return means the job
// reached completed, or was cancelled mid-flight and its work discarded.
func (e *Executor) Execute(ctx context.Context, j *job.Job) error {
	// The job's context bounds the work, not the record: when the deadline
	// fires mid-stage (or shutdown cancels us), the terminal failure and any
	// queued progress still have to land, so all lifecycle writes run on a
	// detached context.
	persistCtx := context.WithoutCancel(ctx)

	p, ok := e.pipelines[j.Type]
	if !ok {
		return e.fail(persistCtx, j.ID, fmt.Sprintf("no pipeline registered for job type %q", j.Type), nil)
	}

	var input map[string]interface{}
	if len(j.InputPayload) > 0 {
		if err := json.Unmarshal(j.InputPayload, &input); err != nil {
			return e.fail(persistCtx, j.ID, fmt.Sprintf("invalid input payload: %s", err), nil)
		}
	}
	if input == nil {
		input = map[string]interface{}{}
	}

	scratch := filepath.Join(e.scratchRoot, "jobs", j.ID)
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return e.fail(persistCtx, j.ID, fmt.Sprintf("failed to create scratch dir: %s", err), nil)
	}
	defer e.cleanupScratch(j.ID, scratch)

	reporter := NewReporter(persistCtx, e.lifecycle, j.ID, e.logger)
	defer reporter.Close()

	pc := &Context{
		Job:        j,
		Input:      input,
		ScratchDir: scratch,
		Reporter:   reporter,
		Output:     map[string]interface{}{},
	}
	if url, ok := input["input_url"].(string); ok {
		pc.CurrentURL = url
	}

	var (
		totalCost float64
		fallbacks []FallbackTransition
	)

	for _, stage := range p.Stages {
		cancelled, err := e.jobCancelled(persistCtx, j.ID)
		if err != nil {
			return e.fail(persistCtx, j.ID, fmt.Sprintf("failed to check job state before stage %s: %s", stage.Name, err), reporter)
		}
		if cancelled {
			e.logger.Info("Job cancelled, discarding in-flight work",
				slog.String("job_id", j.ID),
				slog.String("stage", stage.Name),
			)
			return nil
		}

		reporter.Progress(stage.Lo)

		cost, used, err := e.runStage(ctx, stage, pc)
		totalCost += cost
		fallbacks = append(fallbacks, used...)
		if err != nil {
			return e.fail(persistCtx, j.ID, fmt.Sprintf("stage %s failed: %s", stage.Name, err), reporter)
		}

		reporter.Progress(stage.Hi)
		// Stage N's progress and log writes land before stage N+1 starts.
		reporter.Sync()
	}

	res := Result{Output: pc.Output, CostUnits: totalCost, FallbacksUsed: fallbacks}
	output, err := res.payload()
	if err != nil {
		return e.fail(persistCtx, j.ID, fmt.Sprintf("failed to encode output payload: %s", err), reporter)
	}

	reporter.Progress(100)
	reporter.Sync()

	if _, err := e.lifecycle.MarkCompleted(persistCtx, j.ID, output, res.CostUnits); err != nil {
		return fmt.Errorf("failed to mark job completed: %w", err)
	}

	e.logger.Info("Pipeline finished",
		slog.String("job_id", j.ID),
		slog.String("job_type", string(j.Type)),
		slog.Float64("cost_units", res.CostUnits),
		slog.Int("fallbacks_used", len(res.FallbacksUsed)),
	)

	return nil
}

func (e *Executor) runStage(ctx context.Context, stage Stage, pc *Context) (float64, []FallbackTransition, error) {
	switch stage.Kind {
	case KindCall:
		req, err := stage.Request(pc)
		if err != nil {
			return 0, nil, err
		}
		e.bindProgress(stage, pc, &req)

		res, err := e.invoke(ctx, stage, pc, stage.Strategy, req)
		if err != nil {
			return 0, nil, err
		}
		return res.CostUnits, nil, stage.Apply(pc, res)

	case KindChain:
		return e.runChain(ctx, stage, pc)

	case KindBatch:
		return e.runBatch(ctx, stage, pc)

	case KindFunc:
		return 0, nil, stage.Run(ctx, pc)
	}

	return 0, nil, fmt.Errorf("unknown stage kind %d", stage.Kind)
}

// invoke runs one engine call under the rate limiter and retry policy. Any
// error it returns is final for this call: non-retryable, or retries
// exhausted.
func (e *Executor) invoke(ctx context.Context, stage Stage, pc *Context, strategy string, req engine.Request) (*engine.Result, error) {
	inv, err := e.registry.Get(strategy)
	if err != nil {
		return nil, err
	}

	policy := e.retry
	policy.OnBackoff = func(attempt int, delay time.Duration, err error) {
		e.logger.Warn("Transient engine error, backing off",
			slog.String("job_id", pc.Job.ID),
			slog.String("stage", stage.Name),
			slog.String("strategy", strategy),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.Any("error", err),
		)
	}

	return retry.Do(ctx, policy, func(ctx context.Context) (*engine.Result, error) {
		return ratelimit.Execute(ctx, e.limiter, strategy, func(ctx context.Context) (*engine.Result, error) {
			if stage.CallTimeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, stage.CallTimeout)
				defer cancel()
			}
			return inv.Invoke(ctx, req)
		})
	})
}

// bindProgress maps engine-reported percentages into the stage's band and
// records external request ids as they are issued.
func (e *Executor) bindProgress(stage Stage, pc *Context, req *engine.Request) {
	span := stage.Hi - stage.Lo
	req.OnProgress = func(percent int) {
		if percent < 0 {
			percent = 0
		}
		if percent > 100 {
			percent = 100
		}
		pc.Reporter.Progress(stage.Lo + percent*span/100)
	}
	req.OnSubmitted = func(requestID string) {
		pc.Reporter.ExternalRef(requestID, "submitted")
	}
}

func (e *Executor) jobCancelled(ctx context.Context, id string) (bool, error) {
	current, err := e.lifecycle.GetJob(ctx, id)
	if err != nil {
		return false, err
	}
	return current.Status.Terminal(), nil
}

// fail writes the terminal failure and returns an error describing it. The
// reporter is synced first so the failure lands after all reported progress.
func (e *Executor) fail(ctx context.Context, id, message string, reporter *Reporter) error {
	if reporter != nil {
		reporter.Sync()
	}

	if _, err := e.lifecycle.MarkFailed(ctx, id, message); err != nil {
		e.logger.Error("Failed to persist job failure",
			slog.String("job_id", id),
			slog.String("message", message),
			slog.Any("error", err),
		)
	}
	return fmt.Errorf("%s", message)
}

// cleanupScratch removes the job's scratch dir. Failures are logged and never
// affect the job outcome.
func (e *Executor) cleanupScratch(jobID, dir string) {
	if err := os.RemoveAll(dir); err != nil {
		e.logger.Error("Failed to remove scratch dir",
			slog.String("job_id", jobID),
			slog.String("dir", dir),
			slog.Any("error", err),
		)
	}
}
