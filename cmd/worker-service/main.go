package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/duropiri/novai-sub001/internal/config"
	"github.com/duropiri/novai-sub001/internal/engine"
	"github.com/duropiri/novai-sub001/internal/job"
	"github.com/duropiri/novai-sub001/internal/pipeline"
	"github.com/duropiri/novai-sub001/internal/ratelimit"
	"github.com/duropiri/novai-sub001/internal/retry"
	"github.com/duropiri/novai-sub001/internal/worker"
	"github.com/duropiri/novai-sub001/shared/blobstore"
	"github.com/duropiri/novai-sub001/shared/logger"
	"github.com/duropiri/novai-sub001/shared/postgresql"
	"github.com/duropiri/novai-sub001/shared/rabbitmq"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	appLogger.Info("Database connection established")

	rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}

	appLogger.Info("RabbitMQ connection established")

	store := job.NewSQLStore(dbClient.GetDB(), appLogger.Logger)
	manager := job.NewManager(&job.ManagerConfig{
		Store:  store,
		Queue:  rabbitClient,
		Logger: appLogger.Logger,
	})

	limiter := initRateLimiter(&cfg.RateLimit, appLogger.Logger)
	blobs := initBlobStore(&cfg.BlobStore, appLogger.Logger)

	executor, err := initExecutor(cfg, appLogger.Logger, manager, limiter, blobs)
	if err != nil {
		return fmt.Errorf("failed to initialize pipeline executor: %w", err)
	}

	partitions := make([]string, 0, len(job.Types()))
	for _, t := range job.Types() {
		partitions = append(partitions, string(t))
	}

	workerInstance := worker.NewWorker(&worker.Config{
		Logger:        appLogger.Logger,
		RabbitClient:  rabbitClient,
		Lifecycle:     manager,
		Executor:      executor,
		Partitions:    partitions,
		Concurrency:   cfg.Worker.Concurrency,
		PrefetchCount: cfg.RabbitMQ.Consumer.PrefetchCount,
		JobTimeout:    cfg.Worker.JobTimeout,
		LeaseDuration: cfg.Worker.LeaseDuration,
		RenewInterval: cfg.Worker.RenewInterval,

		ReaperInterval: cfg.Worker.ReaperInterval,
		ReaperMaxAge:   cfg.Worker.ReaperMaxAge,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errChan := make(chan error, 1)
	go func() {
		if err := workerInstance.Start(ctx); err != nil {
			errChan <- err
		}
	}()

	appLogger.Info("Worker service started successfully")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case err := <-errChan:
		appLogger.Error("Worker error",
			slog.Any("error", err),
		)
		return err
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		workerInstance.Stop()
		close(done)
	}()

	select {
	case <-done:
		appLogger.Info("Worker stopped gracefully")
	case <-shutdownCtx.Done():
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}

	limiter.Close()

	cleanup := func() {
		if dbClient != nil {
			dbClient.Close()
		}
		if rabbitClient != nil {
			rabbitClient.Close()
		}
	}
	cleanup()

	appLogger.Info("Worker service shutdown complete")
	return nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}

	return postgresql.NewClient(dbConfig, logger)
}

// initRabbitMQ initializes the RabbitMQ client with one queue per job type
// partition.
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	partitions := make([]string, 0, len(job.Types()))
	for _, t := range job.Types() {
		partitions = append(partitions, string(t))
	}

	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		Partitions:         partitions,
		QueuePrefix:        cfg.Queue.Prefix,
		QueueDurable:       cfg.Queue.Durable,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}

// initRateLimiter builds the per-engine rate limiter
func initRateLimiter(cfg *config.RateLimitConfig, logger *slog.Logger) *ratelimit.Limiter {
	defaults := ratelimit.Config{
		MaxConcurrent: cfg.Default.MaxConcurrent,
		MaxPerMinute:  cfg.Default.MaxPerMinute,
		WaitCeiling:   cfg.Default.WaitCeiling,
	}

	overrides := make(map[string]ratelimit.Config, len(cfg.PerEngine))
	for name, rule := range cfg.PerEngine {
		overrides[name] = ratelimit.Config{
			MaxConcurrent: rule.MaxConcurrent,
			MaxPerMinute:  rule.MaxPerMinute,
			WaitCeiling:   rule.WaitCeiling,
		}
	}

	return ratelimit.NewLimiter(defaults, overrides, logger)
}

// initBlobStore builds the blob storage client
func initBlobStore(cfg *config.BlobStoreConfig, logger *slog.Logger) *blobstore.Client {
	return blobstore.NewClient(&blobstore.Config{
		BaseURL: cfg.BaseURL,
		APIKey:  cfg.APIKey,
		Timeout: cfg.Timeout,
	}, logger)
}

// initExecutor registers the engine clients and assembles the pipeline
// executor.
func initExecutor(cfg *config.Config, logger *slog.Logger, manager *job.Manager, limiter *ratelimit.Limiter, blobs *blobstore.Client) (*pipeline.Executor, error) {
	registry := engine.NewRegistry()
	registry.Register(pipeline.StrategyVision, engine.NewVisionClient(engineClientConfig(cfg.Engines.Vision)))
	registry.Register(pipeline.StrategyFaceSwap, engine.NewFaceSwapClient(pipeline.StrategyFaceSwap, engineClientConfig(cfg.Engines.FaceSwap)))
	registry.Register(pipeline.StrategyVideoSynthPrimary, engine.NewVideoSynthClient(pipeline.StrategyVideoSynthPrimary, engineClientConfig(cfg.Engines.VideoSynthPrimary)))
	registry.Register(pipeline.StrategyVideoSynthBackup, engine.NewVideoSynthClient(pipeline.StrategyVideoSynthBackup, engineClientConfig(cfg.Engines.VideoSynthFallback)))
	registry.Register(pipeline.StrategyPassthrough, engine.NewPassthrough())

	policy := retry.DefaultPolicy()
	if cfg.Retry.MaxRetries > 0 {
		policy.MaxRetries = cfg.Retry.MaxRetries
	}
	if cfg.Retry.InitialDelay > 0 {
		policy.InitialDelay = cfg.Retry.InitialDelay
	}
	if cfg.Retry.MaxDelay > 0 {
		policy.MaxDelay = cfg.Retry.MaxDelay
	}
	if cfg.Retry.Multiplier > 1 {
		policy.Multiplier = cfg.Retry.Multiplier
	}

	pipelines := pipeline.BuildPipelines(pipeline.SetConfig{
		GroupSize:    cfg.Pipeline.BatchGroupSize,
		CallTimeout:  cfg.Pipeline.CallTimeout,
		ResultBucket: cfg.BlobStore.ResultBucket,
	}, blobs)

	return pipeline.NewExecutor(&pipeline.ExecutorConfig{
		Lifecycle:   manager,
		Registry:    registry,
		Limiter:     limiter,
		Retry:       policy,
		Logger:      logger,
		Pipelines:   pipelines,
		ScratchRoot: cfg.Worker.ScratchRoot,
	})
}

// engineClientConfig maps config to an engine client config
func engineClientConfig(cfg config.EngineConfig) engine.ClientConfig {
	return engine.ClientConfig{
		BaseURL:       cfg.BaseURL,
		APIKey:        cfg.APIKey,
		CallTimeout:   cfg.CallTimeout,
		PollInterval:  cfg.PollInterval,
		InvokeTimeout: cfg.InvokeTimeout,
		CostPerCall:   cfg.CostPerCall,
	}
}
