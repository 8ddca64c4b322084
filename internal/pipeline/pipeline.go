// Package pipeline runs a job's stages in order, selecting engine strategies
// and fallback chains, fanning out bounded batches, and reporting progress
// and cost through the job lifecycle manager.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/duropiri/novai-sub001/internal/engine"
	"github.com/duropiri/novai-sub001/internal/job"
)

// StageKind selects how a stage produces its artifact.
type StageKind int

const (
	// KindCall invokes a single engine strategy.
	KindCall StageKind = iota
	// KindChain tries an ordered list of strategies, advancing on fatal
	// failure.
	KindChain
	// KindBatch fans out independent sub-operations in bounded groups.
	KindBatch
	// KindFunc runs an in-process step such as persisting the final output.
	KindFunc
)

// BatchItem is one sub-operation of a batch stage together with the value
// substituted when the sub-operation fails.
type BatchItem struct {
	Request  engine.Request
	Fallback BatchOutput
}

// BatchOutput is the artifact produced by one batch sub-operation.
type BatchOutput struct {
	URL  string
	Data map[string]interface{}
}

// BatchSpec describes the fan-out of a batch stage.
type BatchSpec struct {
	Strategy string
	// GroupSize caps how many sub-operations run concurrently; groups run
	// sequentially.
	GroupSize int
	// Items derives the sub-operations from the pipeline context.
	Items func(pc *Context) ([]BatchItem, error)
	// Merge writes the index-ordered outputs back into the context.
	Merge func(pc *Context, outputs []BatchOutput) error
}

// StageFunc is an in-process stage body.
type StageFunc func(ctx context.Context, pc *Context) error

// Stage is one ordered step of a pipeline occupying the progress band
// [Lo, Hi).
type Stage struct {
	Name string
	Lo   int
	Hi   int
	Kind StageKind

	// Strategy names the engine for KindCall stages.
	Strategy string
	// Chain is the ordered strategy list for KindChain stages.
	Chain []string
	// HardRequired fails the job when every chain link fails instead of
	// accepting a pass-through of the input.
	HardRequired bool
	// CallTimeout bounds the wall clock of each engine call in this stage.
	// Exceeding it is fatal for that call.
	CallTimeout time.Duration

	Batch *BatchSpec
	Run   StageFunc

	// Request builds the engine request for KindCall and KindChain stages.
	Request func(pc *Context) (engine.Request, error)
	// Apply folds a successful engine result into the context.
	Apply func(pc *Context, res *engine.Result) error
}

// Pipeline is the fixed stage list for one job type.
type Pipeline struct {
	Type   job.Type
	Stages []Stage
}

// Validate checks that stage bands are ordered, contiguous enough to make
// sense, and stay within 0..100.
func (p *Pipeline) Validate() error {
	if len(p.Stages) == 0 {
		return fmt.Errorf("pipeline %s has no stages", p.Type)
	}

	prev := 0
	for _, s := range p.Stages {
		if s.Name == "" {
			return fmt.Errorf("pipeline %s has an unnamed stage", p.Type)
		}
		if s.Lo < prev || s.Hi <= s.Lo || s.Hi > 100 {
			return fmt.Errorf("pipeline %s stage %s has invalid band [%d,%d)", p.Type, s.Name, s.Lo, s.Hi)
		}
		prev = s.Hi

		switch s.Kind {
		case KindCall:
			if s.Strategy == "" || s.Request == nil {
				return fmt.Errorf("pipeline %s stage %s needs a strategy and request builder", p.Type, s.Name)
			}
		case KindChain:
			if len(s.Chain) == 0 || s.Request == nil {
				return fmt.Errorf("pipeline %s stage %s needs a chain and request builder", p.Type, s.Name)
			}
		case KindBatch:
			if s.Batch == nil || s.Batch.Strategy == "" || s.Batch.Items == nil || s.Batch.Merge == nil {
				return fmt.Errorf("pipeline %s stage %s has an incomplete batch spec", p.Type, s.Name)
			}
		case KindFunc:
			if s.Run == nil {
				return fmt.Errorf("pipeline %s stage %s has no body", p.Type, s.Name)
			}
		}
	}
	return nil
}

// FallbackTransition records one advance along a fallback chain, so a
// degraded-but-completed job exposes which link produced its output and why.
type FallbackTransition struct {
	Stage  string `json:"stage"`
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason"`
}

// Context is the typed pipeline state handed from stage to stage. One stage
// owns it at a time; the executor assembles the final result from it after
// the last stage.
type Context struct {
	Job        *job.Job
	Input      map[string]interface{}
	ScratchDir string
	Reporter   *Reporter

	// CurrentURL is the media artifact flowing through the stages.
	CurrentURL string
	// Frames carries the per-item artifacts for batch stages.
	Frames []string
	// Analysis holds the vision stage output consumed downstream.
	Analysis map[string]interface{}
	// Output accumulates the fields of the final output payload.
	Output map[string]interface{}
}

// Result is the terminal outcome of a pipeline run.
type Result struct {
	Output        map[string]interface{}
	CostUnits     float64
	FallbacksUsed []FallbackTransition
}

// payload folds the run's cost and any fallback record into the output
// fields and encodes the final output payload.
func (r *Result) payload() (json.RawMessage, error) {
	out := r.Output
	if out == nil {
		out = map[string]interface{}{}
	}
	out["cost_units"] = r.CostUnits
	if len(r.FallbacksUsed) > 0 {
		out["fallbacks_used"] = r.FallbacksUsed
	}
	return json.Marshal(out)
}
