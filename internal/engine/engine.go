package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Request is one invocation of an external AI capability.
type Request struct {
	// InputURL points at the media artifact to process (a blob storage URL).
	InputURL string
	// Params carries engine-specific options.
	Params map[string]interface{}
	// OnProgress, when set, receives coarse progress percentages while the
	// engine works. Callbacks may arrive from a polling goroutine.
	OnProgress func(percent int)
	// OnSubmitted, when set, receives the external request id once the
	// engine accepts the work, for correlation and recovery.
	OnSubmitted func(requestID string)
}

// Result is the outcome of a successful engine invocation.
type Result struct {
	OutputURL string
	Data      map[string]interface{}
	// CostUnits is the cost actually incurred by this call.
	CostUnits float64
}

// Invoker is the uniform engine client contract. Synchronous engines
// implement it directly; submit/poll engines implement it by driving their
// poll loop inside Invoke.
type Invoker interface {
	Name() string
	Invoke(ctx context.Context, req Request) (*Result, error)
}

// Handle correlates a submitted asynchronous engine request.
type Handle struct {
	ID string
}

// PollStatus is one observation of an in-flight asynchronous request.
type PollStatus struct {
	State     string // pending, processing, succeeded, failed
	Progress  int
	ResultURL string
	Data      map[string]interface{}
	Error     string
	CostUnits float64
}

const (
	StatePending    = "pending"
	StateProcessing = "processing"
	StateSucceeded  = "succeeded"
	StateFailed     = "failed"
)

// AsyncEngine is the submit/poll contract implemented by long-running
// engines such as video synthesis.
type AsyncEngine interface {
	Name() string
	Submit(ctx context.Context, req Request) (*Handle, error)
	Poll(ctx context.Context, handle *Handle) (*PollStatus, error)
}

// AwaitOptions controls the submit/poll loop.
type AwaitOptions struct {
	PollInterval time.Duration
	// Timeout bounds the whole invocation wall-clock; exceeding it raises a
	// TimeoutError.
	Timeout time.Duration
}

// Await drives an AsyncEngine to completion: submit, then poll until the
// request succeeds or fails, relaying progress to the request callback.
func Await(ctx context.Context, eng AsyncEngine, req Request, opts AwaitOptions) (*Result, error) {
	interval := opts.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	handle, err := eng.Submit(ctx, req)
	if err != nil {
		return nil, err
	}
	if req.OnSubmitted != nil {
		req.OnSubmitted(handle.ID)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return nil, &TimeoutError{Engine: eng.Name(), Timeout: opts.Timeout}
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}

		status, err := eng.Poll(ctx, handle)
		if err != nil {
			return nil, err
		}

		switch status.State {
		case StateSucceeded:
			if req.OnProgress != nil {
				req.OnProgress(100)
			}
			return &Result{
				OutputURL: status.ResultURL,
				Data:      status.Data,
				CostUnits: status.CostUnits,
			}, nil
		case StateFailed:
			return nil, &FatalError{Engine: eng.Name(), Message: status.Error}
		default:
			if req.OnProgress != nil && status.Progress > 0 {
				req.OnProgress(status.Progress)
			}
		}
	}
}

// Registry maps strategy names to engine clients. Fallback chains are
// ordered lists of strategy names resolved here, not branching conditionals.
type Registry struct {
	mu      sync.RWMutex
	engines map[string]Invoker
}

// NewRegistry creates an empty engine registry
func NewRegistry() *Registry {
	return &Registry{engines: make(map[string]Invoker)}
}

// Register adds an engine under a strategy name; the last registration for a
// name wins.
func (r *Registry) Register(name string, inv Invoker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engines[name] = inv
}

// Get resolves a strategy name to its engine.
func (r *Registry) Get(name string) (Invoker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	inv, ok := r.engines[name]
	if !ok {
		return nil, fmt.Errorf("no engine registered for strategy %q", name)
	}
	return inv, nil
}

// Names returns the registered strategy names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.engines))
	for name := range r.engines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
