package engine

import "context"

// Passthrough is the terminal fallback strategy: it returns the input
// unmodified at zero cost. Placing it at the end of a fallback chain lets a
// pipeline degrade gracefully instead of failing outright when every vendor
// is down or rejects the input.
type Passthrough struct{}

// NewPassthrough creates a pass-through engine
func NewPassthrough() *Passthrough {
	return &Passthrough{}
}

func (p *Passthrough) Name() string { return "passthrough" }

// Invoke returns the input as the output.
func (p *Passthrough) Invoke(_ context.Context, req Request) (*Result, error) {
	if req.OnProgress != nil {
		req.OnProgress(100)
	}

	return &Result{
		OutputURL: req.InputURL,
		Data: map[string]interface{}{
			"passthrough": true,
		},
		CostUnits: 0,
	}, nil
}
