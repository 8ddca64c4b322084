package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/duropiri/novai-sub001/internal/engine"
)

// runChain tries each strategy in order. Advancing to the next link happens
// only on a final error for the current one: classified-fatal, timed out, or
// retries exhausted. When every link fails and the stage is not hard
// required, the unmodified input is passed through as a degraded result.
func (e *Executor) runChain(ctx context.Context, stage Stage, pc *Context) (float64, []FallbackTransition, error) {
	req, err := stage.Request(pc)
	if err != nil {
		return 0, nil, err
	}
	e.bindProgress(stage, pc, &req)

	var (
		transitions []FallbackTransition
		lastErr     error
	)

	for i, strategy := range stage.Chain {
		res, err := e.invoke(ctx, stage, pc, strategy, req)
		if err == nil {
			if i > 0 {
				pc.Reporter.Log(fmt.Sprintf("Produced result via fallback strategy %s", strategy))
			}
			return res.CostUnits, transitions, stage.Apply(pc, res)
		}
		lastErr = err

		if ctx.Err() != nil {
			return 0, transitions, err
		}

		if i+1 < len(stage.Chain) {
			next := stage.Chain[i+1]
			transitions = append(transitions, FallbackTransition{
				Stage:  stage.Name,
				From:   strategy,
				To:     next,
				Reason: err.Error(),
			})
			pc.Reporter.Log(fmt.Sprintf("Strategy %s failed, falling back to %s: %s", strategy, next, err))
			e.logger.Warn("Fallback chain advancing",
				slog.String("job_id", pc.Job.ID),
				slog.String("stage", stage.Name),
				slog.String("from", strategy),
				slog.String("to", next),
				slog.Any("error", err),
			)
		}
	}

	if stage.HardRequired {
		return 0, transitions, fmt.Errorf("all strategies failed: %w", lastErr)
	}

	// Degraded acceptance: hand the input through unchanged rather than
	// failing the whole job.
	pc.Reporter.Log(fmt.Sprintf("All strategies for %s failed, passing input through unchanged", stage.Name))
	e.logger.Warn("Fallback chain exhausted, accepting pass-through",
		slog.String("job_id", pc.Job.ID),
		slog.String("stage", stage.Name),
		slog.Any("error", lastErr),
	)

	passthrough := &engine.Result{
		OutputURL: req.InputURL,
		Data:      map[string]interface{}{"degraded": true},
	}
	return 0, transitions, stage.Apply(pc, passthrough)
}
