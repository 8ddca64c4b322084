package engine

import (
	"context"
	"net/http"
)

// VisionClient calls the vision analysis engine: a synchronous API that
// labels media, extracts face regions, and runs safety checks.
type VisionClient struct {
	rest *restClient
	cost float64
}

// NewVisionClient creates a vision analysis engine client
func NewVisionClient(cfg ClientConfig) *VisionClient {
	return &VisionClient{
		rest: newRESTClient("vision", cfg),
		cost: cfg.CostPerCall,
	}
}

func (c *VisionClient) Name() string { return "vision" }

type visionResponse struct {
	Labels      []string                 `json:"labels"`
	Description string                   `json:"description"`
	Faces       []map[string]interface{} `json:"faces"`
	SafetyScore float64                  `json:"safety_score"`
}

// Invoke analyzes the media behind req.InputURL in a single call.
func (c *VisionClient) Invoke(ctx context.Context, req Request) (*Result, error) {
	payload := map[string]interface{}{
		"input_url": req.InputURL,
		"params":    req.Params,
	}

	var resp visionResponse
	if err := c.rest.doJSON(ctx, http.MethodPost, "/v1/analyze", payload, &resp); err != nil {
		return nil, err
	}

	if req.OnProgress != nil {
		req.OnProgress(100)
	}

	return &Result{
		OutputURL: req.InputURL,
		Data: map[string]interface{}{
			"labels":       resp.Labels,
			"description":  resp.Description,
			"faces":        resp.Faces,
			"safety_score": resp.SafetyScore,
		},
		CostUnits: c.cost,
	}, nil
}
