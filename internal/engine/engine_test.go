package engine

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVisionInvoke(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/analyze", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "https://blobs/input.jpg", body["input_url"])

		json.NewEncoder(w).Encode(map[string]interface{}{
			"labels":       []string{"portrait"},
			"description":  "a portrait photo",
			"safety_score": 0.97,
		})
	}))
	defer server.Close()

	client := NewVisionClient(ClientConfig{BaseURL: server.URL, APIKey: "test-key", CostPerCall: 0.5})

	result, err := client.Invoke(context.Background(), Request{InputURL: "https://blobs/input.jpg"})
	require.NoError(t, err)
	assert.Equal(t, "https://blobs/input.jpg", result.OutputURL)
	assert.Equal(t, 0.5, result.CostUnits)
	assert.Equal(t, "a portrait photo", result.Data["description"])
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		body       string
		check      func(t *testing.T, err error)
	}{
		{
			name:       "rate limited is transient",
			statusCode: http.StatusTooManyRequests,
			body:       `{"error":{"message":"rate limit exceeded"}}`,
			check: func(t *testing.T, err error) {
				var transient *TransientError
				require.ErrorAs(t, err, &transient)
				assert.True(t, IsRetryable(err))
				assert.Contains(t, transient.Message, "rate limit")
			},
		},
		{
			name:       "server error is transient",
			statusCode: http.StatusServiceUnavailable,
			body:       `{"error":{"message":"overloaded"}}`,
			check: func(t *testing.T, err error) {
				assert.True(t, IsRetryable(err))
			},
		},
		{
			name:       "safety rejection is fatal",
			statusCode: http.StatusUnprocessableEntity,
			body:       `{"error":{"message":"content policy violation"}}`,
			check: func(t *testing.T, err error) {
				var fatal *FatalError
				require.ErrorAs(t, err, &fatal)
				assert.False(t, IsRetryable(err))
				assert.Equal(t, "safety rejection", fatal.Reason)
			},
		},
		{
			name:       "bad request is fatal",
			statusCode: http.StatusBadRequest,
			body:       `{"error":{"message":"missing input_url"}}`,
			check: func(t *testing.T, err error) {
				var fatal *FatalError
				require.ErrorAs(t, err, &fatal)
				assert.False(t, IsRetryable(err))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.statusCode)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			client := NewVisionClient(ClientConfig{BaseURL: server.URL, APIKey: "k"})
			_, err := client.Invoke(context.Background(), Request{InputURL: "u"})
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestFaceSwapSubmitPollToSuccess(t *testing.T) {
	var polls atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/swaps":
			json.NewEncoder(w).Encode(map[string]string{"id": "swap-42"})
		case r.Method == http.MethodGet && r.URL.Path == "/v1/swaps/swap-42":
			n := polls.Add(1)
			if n < 3 {
				json.NewEncoder(w).Encode(map[string]interface{}{
					"status":   StateProcessing,
					"progress": int(n) * 30,
				})
				return
			}
			json.NewEncoder(w).Encode(map[string]interface{}{
				"status":     StateSucceeded,
				"progress":   100,
				"output_url": "https://blobs/swapped.jpg",
				"cost_units": 2.0,
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client := NewFaceSwapClient("faceswap_primary", ClientConfig{
		BaseURL:      server.URL,
		APIKey:       "k",
		PollInterval: 5 * time.Millisecond,
		CostPerCall:  1.0,
	})

	var progress []int
	var submittedID string
	result, err := client.Invoke(context.Background(), Request{
		InputURL:    "https://blobs/input.jpg",
		OnProgress:  func(p int) { progress = append(progress, p) },
		OnSubmitted: func(id string) { submittedID = id },
	})
	require.NoError(t, err)

	assert.Equal(t, "swap-42", submittedID)
	assert.Equal(t, "https://blobs/swapped.jpg", result.OutputURL)
	assert.Equal(t, 2.0, result.CostUnits)
	require.NotEmpty(t, progress)
	assert.Equal(t, 100, progress[len(progress)-1])
}

func TestAwaitFailedStateIsFatal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			json.NewEncoder(w).Encode(map[string]string{"render_id": "r-1"})
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":      StateFailed,
			"fail_reason": "source video corrupt",
		})
	}))
	defer server.Close()

	client := NewVideoSynthClient("videosynth_primary", ClientConfig{
		BaseURL:      server.URL,
		APIKey:       "k",
		PollInterval: 5 * time.Millisecond,
	})

	_, err := client.Invoke(context.Background(), Request{InputURL: "u"})
	var fatal *FatalError
	require.ErrorAs(t, err, &fatal)
	assert.Contains(t, fatal.Message, "source video corrupt")
}

func TestAwaitTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			json.NewEncoder(w).Encode(map[string]string{"render_id": "r-2"})
			return
		}
		// Never finishes
		json.NewEncoder(w).Encode(map[string]interface{}{"status": StateProcessing, "percent": 10})
	}))
	defer server.Close()

	client := NewVideoSynthClient("videosynth_primary", ClientConfig{
		BaseURL:       server.URL,
		APIKey:        "k",
		PollInterval:  5 * time.Millisecond,
		InvokeTimeout: 50 * time.Millisecond,
	})

	_, err := client.Invoke(context.Background(), Request{InputURL: "u"})
	var timeout *TimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.False(t, IsRetryable(err))
}

func TestPassthrough(t *testing.T) {
	p := NewPassthrough()

	result, err := p.Invoke(context.Background(), Request{InputURL: "https://blobs/original.mp4"})
	require.NoError(t, err)
	assert.Equal(t, "https://blobs/original.mp4", result.OutputURL)
	assert.Zero(t, result.CostUnits)
	assert.Equal(t, true, result.Data["passthrough"])
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	reg.Register("passthrough", NewPassthrough())

	inv, err := reg.Get("passthrough")
	require.NoError(t, err)
	assert.Equal(t, "passthrough", inv.Name())

	_, err = reg.Get("missing")
	require.Error(t, err)

	assert.Equal(t, []string{"passthrough"}, reg.Names())
}

func TestIsRetryableOutsideTaxonomy(t *testing.T) {
	assert.False(t, IsRetryable(errors.New("some random error")))
	assert.False(t, IsRetryable(nil))
}
