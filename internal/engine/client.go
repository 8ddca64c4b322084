package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ClientConfig holds common configuration for HTTP engine adapters.
type ClientConfig struct {
	BaseURL string
	APIKey  string
	// CallTimeout bounds a single HTTP round trip.
	CallTimeout time.Duration
	// PollInterval applies to submit/poll engines.
	PollInterval time.Duration
	// InvokeTimeout bounds a whole submit/poll invocation.
	InvokeTimeout time.Duration
	// CostPerCall is the vendor cost attributed to one successful call.
	CostPerCall float64
}

// restClient is the shared HTTP plumbing for engine adapters. It classifies
// every failure into the engine error taxonomy at the boundary.
type restClient struct {
	engine  string
	baseURL string
	apiKey  string
	timeout time.Duration
	http    *http.Client
}

func newRESTClient(engine string, cfg ClientConfig) *restClient {
	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &restClient{
		engine:  engine,
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		timeout: timeout,
		http:    &http.Client{Timeout: timeout},
	}
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// doJSON performs one JSON request/response round trip. Non-2xx statuses and
// transport failures come back as taxonomy errors.
func (c *restClient) doJSON(ctx context.Context, method, path string, payload, out interface{}) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode %s request: %w", c.engine, err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", c.engine, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return classifyTransport(c.engine, c.timeout, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return classifyTransport(c.engine, c.timeout, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		message := string(raw)
		var parsed apiError
		if json.Unmarshal(raw, &parsed) == nil && parsed.Error.Message != "" {
			message = parsed.Error.Message
		}
		return classifyHTTP(c.engine, resp.StatusCode, message)
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return &FatalError{Engine: c.engine, Message: fmt.Sprintf("malformed response: %s", err)}
		}
	}

	return nil
}
