package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	RabbitMQ  RabbitMQConfig  `yaml:"rabbitmq"`
	Logging   LoggingConfig   `yaml:"logging"`
	App       AppConfig       `yaml:"app"`
	Worker    WorkerConfig    `yaml:"worker"`
	Engines   EnginesConfig   `yaml:"engines"`
	BlobStore BlobStoreConfig `yaml:"blobstore"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Retry     RetryConfig     `yaml:"retry"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queue      QueueConfig      `yaml:"queue"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name    string `yaml:"name"`
	Type    string `yaml:"type"`
	Durable bool   `yaml:"durable"`
}

// QueueConfig holds RabbitMQ queue configuration. One queue is declared per
// job type partition, named Prefix + "." + partition.
type QueueConfig struct {
	Prefix  string `yaml:"prefix"`
	Durable bool   `yaml:"durable"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryInterval time.Duration `yaml:"retry_interval"`
	Heartbeat     time.Duration `yaml:"heartbeat"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int `yaml:"prefetch_count"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	Concurrency     int           `yaml:"concurrency"`
	JobTimeout      time.Duration `yaml:"job_timeout"`
	LeaseDuration   time.Duration `yaml:"lease_duration"`
	RenewInterval   time.Duration `yaml:"renew_interval"`
	ReaperInterval  time.Duration `yaml:"reaper_interval"`
	ReaperMaxAge    time.Duration `yaml:"reaper_max_age"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	ScratchRoot     string        `yaml:"scratch_root"`
}

// EngineConfig holds one external engine client's settings
type EngineConfig struct {
	BaseURL       string        `yaml:"base_url"`
	APIKey        string        `yaml:"api_key"`
	CallTimeout   time.Duration `yaml:"call_timeout"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	InvokeTimeout time.Duration `yaml:"invoke_timeout"`
	CostPerCall   float64       `yaml:"cost_per_call"`
}

// EnginesConfig holds the external engine endpoints
type EnginesConfig struct {
	Vision             EngineConfig `yaml:"vision"`
	FaceSwap           EngineConfig `yaml:"faceswap"`
	VideoSynthPrimary  EngineConfig `yaml:"videosynth_primary"`
	VideoSynthFallback EngineConfig `yaml:"videosynth_fallback"`
}

// BlobStoreConfig holds blob storage client settings
type BlobStoreConfig struct {
	BaseURL      string        `yaml:"base_url"`
	APIKey       string        `yaml:"api_key"`
	Timeout      time.Duration `yaml:"timeout"`
	ResultBucket string        `yaml:"result_bucket"`
}

// RateLimitRule bounds one resource's invocations
type RateLimitRule struct {
	MaxConcurrent int           `yaml:"max_concurrent"`
	MaxPerMinute  int           `yaml:"max_per_minute"`
	WaitCeiling   time.Duration `yaml:"wait_ceiling"`
}

// RateLimitConfig holds default and per-engine rate limits
type RateLimitConfig struct {
	Default   RateLimitRule            `yaml:"default"`
	PerEngine map[string]RateLimitRule `yaml:"per_engine"`
}

// RetryConfig holds the transient-failure retry policy
type RetryConfig struct {
	MaxRetries   int           `yaml:"max_retries"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
}

// PipelineConfig holds pipeline execution settings
type PipelineConfig struct {
	BatchGroupSize int           `yaml:"batch_group_size"`
	CallTimeout    time.Duration `yaml:"call_timeout"`
}

// Load reads and parses the configuration file
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &config, nil
}

// ValidateAPIConfig checks the fields the API service depends on
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if err := c.validateShared(); err != nil {
		return err
	}

	return nil
}

// ValidateWorkerConfig checks the fields the worker service depends on
func (c *Config) ValidateWorkerConfig() error {
	if err := c.validateShared(); err != nil {
		return err
	}

	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if c.Worker.JobTimeout <= 0 {
		return fmt.Errorf("worker job_timeout must be greater than 0")
	}

	if c.Worker.LeaseDuration <= 0 {
		return fmt.Errorf("worker lease_duration must be greater than 0")
	}

	if c.Worker.RenewInterval <= 0 || c.Worker.RenewInterval > c.Worker.LeaseDuration/2 {
		return fmt.Errorf("worker renew_interval must be positive and at most half the lease duration")
	}

	if c.Worker.ReaperInterval <= 0 {
		return fmt.Errorf("worker reaper_interval must be greater than 0")
	}

	if c.Worker.ReaperMaxAge <= 0 {
		return fmt.Errorf("worker reaper_max_age must be greater than 0")
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	for name, eng := range map[string]EngineConfig{
		"vision":              c.Engines.Vision,
		"faceswap":            c.Engines.FaceSwap,
		"videosynth_primary":  c.Engines.VideoSynthPrimary,
		"videosynth_fallback": c.Engines.VideoSynthFallback,
	} {
		if eng.BaseURL == "" {
			return fmt.Errorf("engine %s base_url is required", name)
		}
	}

	if c.BlobStore.BaseURL == "" {
		return fmt.Errorf("blobstore base_url is required")
	}

	return nil
}

func (c *Config) validateShared() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	if c.RabbitMQ.Queue.Prefix == "" {
		return fmt.Errorf("rabbitmq queue prefix is required")
	}

	return nil
}
