package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// runBatch fans the stage's sub-operations out in groups of GroupSize.
// Sub-operations within a group run concurrently; groups run sequentially,
// so fan-out stays bounded. A failed sub-operation is replaced by its
// declared fallback value instead of aborting the batch, and results are
// written into a pre-sized, index-addressed slice so the merged output
// preserves input order.
func (e *Executor) runBatch(ctx context.Context, stage Stage, pc *Context) (float64, []FallbackTransition, error) {
	spec := stage.Batch

	items, err := spec.Items(pc)
	if err != nil {
		return 0, nil, err
	}
	if len(items) == 0 {
		return 0, nil, spec.Merge(pc, nil)
	}

	groupSize := spec.GroupSize
	if groupSize <= 0 {
		groupSize = 5
	}

	outputs := make([]BatchOutput, len(items))
	costs := make([]float64, len(items))
	groups := (len(items) + groupSize - 1) / groupSize
	span := stage.Hi - stage.Lo

	for g := 0; g < groups; g++ {
		start := g * groupSize
		end := start + groupSize
		if end > len(items) {
			end = len(items)
		}

		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			i := i
			wg.Add(1)
			go func() {
				defer wg.Done()

				res, err := e.invoke(ctx, stage, pc, spec.Strategy, items[i].Request)
				if err != nil {
					pc.Reporter.Log(fmt.Sprintf("Item %d failed, using fallback value: %s", i, err))
					e.logger.Warn("Batch sub-operation failed, substituting fallback value",
						slog.String("job_id", pc.Job.ID),
						slog.String("stage", stage.Name),
						slog.Int("index", i),
						slog.Any("error", err),
					)
					outputs[i] = items[i].Fallback
					return
				}

				outputs[i] = BatchOutput{URL: res.OutputURL, Data: res.Data}
				costs[i] = res.CostUnits
			}()
		}
		wg.Wait()

		if ctx.Err() != nil {
			return 0, nil, ctx.Err()
		}

		pc.Reporter.Progress(stage.Lo + (g+1)*span/groups)
	}

	var total float64
	for _, c := range costs {
		total += c
	}

	return total, nil, spec.Merge(pc, outputs)
}
