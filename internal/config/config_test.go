package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name      string
		filePath  string
		wantErr   bool
		errString string
	}{
		{
			name:     "valid config file",
			filePath: "testdata/valid_config.yaml",
			wantErr:  false,
		},
		{
			name:      "non-existent file",
			filePath:  "testdata/nonexistent.yaml",
			wantErr:   true,
			errString: "failed to read config file",
		},
		{
			name:      "malformed yaml",
			filePath:  "testdata/malformed.yaml",
			wantErr:   true,
			errString: "failed to parse config file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(tt.filePath)

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
				assert.Nil(t, cfg)
			} else {
				require.NoError(t, err)
				require.NotNil(t, cfg)

				assert.Equal(t, 8080, cfg.Server.Port)
				assert.Equal(t, "localhost", cfg.Database.Host)
				assert.Equal(t, "pipeline_db", cfg.Database.Database)
				assert.Equal(t, "jobs_exchange", cfg.RabbitMQ.Exchange.Name)
				assert.Equal(t, "jobs", cfg.RabbitMQ.Queue.Prefix)
				assert.Equal(t, 4, cfg.Worker.Concurrency)
				assert.Equal(t, 30*time.Minute, cfg.Worker.ReaperMaxAge)
				assert.Equal(t, "http://localhost:9001", cfg.Engines.Vision.BaseURL)
				assert.InDelta(t, 2.0, cfg.Engines.VideoSynthPrimary.CostPerCall, 0.001)
				assert.Equal(t, "results", cfg.BlobStore.ResultBucket)
				assert.Equal(t, 2, cfg.RateLimit.PerEngine["videosynth_primary"].MaxConcurrent)
				assert.Equal(t, 5, cfg.Retry.MaxRetries)
				assert.Equal(t, 5, cfg.Pipeline.BatchGroupSize)
			}
		})
	}
}

func validConfig() *Config {
	cfg, err := Load("testdata/valid_config.yaml")
	if err != nil {
		panic(err)
	}
	return cfg
}

func TestValidateAPIConfig(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Config)
		wantErr   bool
		errString string
	}{
		{
			name:   "valid config",
			mutate: func(c *Config) {},
		},
		{
			name:      "invalid server port",
			mutate:    func(c *Config) { c.Server.Port = 0 },
			wantErr:   true,
			errString: "invalid server port",
		},
		{
			name:      "missing database host",
			mutate:    func(c *Config) { c.Database.Host = "" },
			wantErr:   true,
			errString: "database host is required",
		},
		{
			name:      "missing exchange name",
			mutate:    func(c *Config) { c.RabbitMQ.Exchange.Name = "" },
			wantErr:   true,
			errString: "exchange name is required",
		},
		{
			name:      "missing queue prefix",
			mutate:    func(c *Config) { c.RabbitMQ.Queue.Prefix = "" },
			wantErr:   true,
			errString: "queue prefix is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.ValidateAPIConfig()
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateWorkerConfig(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Config)
		wantErr   bool
		errString string
	}{
		{
			name:   "valid config",
			mutate: func(c *Config) {},
		},
		{
			name:      "zero concurrency",
			mutate:    func(c *Config) { c.Worker.Concurrency = 0 },
			wantErr:   true,
			errString: "concurrency must be greater than 0",
		},
		{
			name:      "renew interval exceeds half the lease",
			mutate:    func(c *Config) { c.Worker.RenewInterval = c.Worker.LeaseDuration },
			wantErr:   true,
			errString: "renew_interval",
		},
		{
			name:      "zero reaper max age",
			mutate:    func(c *Config) { c.Worker.ReaperMaxAge = 0 },
			wantErr:   true,
			errString: "reaper_max_age",
		},
		{
			name:      "missing engine base url",
			mutate:    func(c *Config) { c.Engines.FaceSwap.BaseURL = "" },
			wantErr:   true,
			errString: "engine faceswap base_url is required",
		},
		{
			name:      "missing blobstore base url",
			mutate:    func(c *Config) { c.BlobStore.BaseURL = "" },
			wantErr:   true,
			errString: "blobstore base_url is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.ValidateWorkerConfig()
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
