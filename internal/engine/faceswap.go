package engine

import (
	"context"
	"net/http"
)

// FaceSwapClient drives a face-swap vendor with a submit/poll API. Invoke
// wraps the poll loop so the pipeline sees the uniform Invoker contract.
type FaceSwapClient struct {
	name string
	rest *restClient
	cost float64
	opts AwaitOptions
}

// NewFaceSwapClient creates a face-swap engine client. The name
// distinguishes primary and secondary vendors in the registry.
func NewFaceSwapClient(name string, cfg ClientConfig) *FaceSwapClient {
	return &FaceSwapClient{
		name: name,
		rest: newRESTClient(name, cfg),
		cost: cfg.CostPerCall,
		opts: AwaitOptions{
			PollInterval: cfg.PollInterval,
			Timeout:      cfg.InvokeTimeout,
		},
	}
}

func (c *FaceSwapClient) Name() string { return c.name }

type faceSwapSubmitResponse struct {
	ID string `json:"id"`
}

type faceSwapPollResponse struct {
	Status    string  `json:"status"`
	Progress  int     `json:"progress"`
	OutputURL string  `json:"output_url"`
	Error     string  `json:"error"`
	CostUnits float64 `json:"cost_units"`
}

// Submit starts a face swap and returns the vendor request handle.
func (c *FaceSwapClient) Submit(ctx context.Context, req Request) (*Handle, error) {
	payload := map[string]interface{}{
		"input_url": req.InputURL,
		"params":    req.Params,
	}

	var resp faceSwapSubmitResponse
	if err := c.rest.doJSON(ctx, http.MethodPost, "/v1/swaps", payload, &resp); err != nil {
		return nil, err
	}

	return &Handle{ID: resp.ID}, nil
}

// Poll reports the state of an in-flight swap.
func (c *FaceSwapClient) Poll(ctx context.Context, handle *Handle) (*PollStatus, error) {
	var resp faceSwapPollResponse
	if err := c.rest.doJSON(ctx, http.MethodGet, "/v1/swaps/"+handle.ID, nil, &resp); err != nil {
		return nil, err
	}

	cost := resp.CostUnits
	if cost == 0 {
		cost = c.cost
	}

	return &PollStatus{
		State:     resp.Status,
		Progress:  resp.Progress,
		ResultURL: resp.OutputURL,
		Error:     resp.Error,
		CostUnits: cost,
	}, nil
}

// Invoke submits and polls to completion.
func (c *FaceSwapClient) Invoke(ctx context.Context, req Request) (*Result, error) {
	return Await(ctx, c, req, c.opts)
}
