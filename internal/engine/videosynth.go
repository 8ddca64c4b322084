package engine

import (
	"context"
	"net/http"
)

// VideoSynthClient drives a video synthesis vendor. Renders run for minutes,
// so the vendor exposes submit/poll with a progress percentage that Invoke
// relays to the request's progress callback.
type VideoSynthClient struct {
	name string
	rest *restClient
	cost float64
	opts AwaitOptions
}

// NewVideoSynthClient creates a video synthesis engine client
func NewVideoSynthClient(name string, cfg ClientConfig) *VideoSynthClient {
	return &VideoSynthClient{
		name: name,
		rest: newRESTClient(name, cfg),
		cost: cfg.CostPerCall,
		opts: AwaitOptions{
			PollInterval: cfg.PollInterval,
			Timeout:      cfg.InvokeTimeout,
		},
	}
}

func (c *VideoSynthClient) Name() string { return c.name }

type videoSynthSubmitResponse struct {
	RenderID string `json:"render_id"`
}

type videoSynthPollResponse struct {
	Status     string  `json:"status"`
	Percent    int     `json:"percent"`
	VideoURL   string  `json:"video_url"`
	FailReason string  `json:"fail_reason"`
	CostUnits  float64 `json:"cost_units"`
}

// Submit starts a render job with the vendor.
func (c *VideoSynthClient) Submit(ctx context.Context, req Request) (*Handle, error) {
	payload := map[string]interface{}{
		"source_url": req.InputURL,
		"params":     req.Params,
	}

	var resp videoSynthSubmitResponse
	if err := c.rest.doJSON(ctx, http.MethodPost, "/v1/renders", payload, &resp); err != nil {
		return nil, err
	}

	return &Handle{ID: resp.RenderID}, nil
}

// Poll reports the state of an in-flight render.
func (c *VideoSynthClient) Poll(ctx context.Context, handle *Handle) (*PollStatus, error) {
	var resp videoSynthPollResponse
	if err := c.rest.doJSON(ctx, http.MethodGet, "/v1/renders/"+handle.ID, nil, &resp); err != nil {
		return nil, err
	}

	cost := resp.CostUnits
	if cost == 0 {
		cost = c.cost
	}

	return &PollStatus{
		State:     resp.Status,
		Progress:  resp.Percent,
		ResultURL: resp.VideoURL,
		Error:     resp.FailReason,
		CostUnits: cost,
	}, nil
}

// Invoke submits and polls to completion.
func (c *VideoSynthClient) Invoke(ctx context.Context, req Request) (*Result, error) {
	return Await(ctx, c, req, c.opts)
}
