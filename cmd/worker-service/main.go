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

	"github.com/WkdSunny/docfleet/internal/config"
	"github.com/WkdSunny/docfleet/internal/queue"
	"github.com/WkdSunny/docfleet/internal/storage"
	"github.com/WkdSunny/docfleet/internal/worker"
	"github.com/WkdSunny/docfleet/shared/logger"
	"github.com/WkdSunny/docfleet/shared/postgresql"
	"github.com/WkdSunny/docfleet/shared/redisbroker"
	"github.com/joho/godotenv"
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

	// Parse command-line flags. The supervisor launches workers with these,
	// so everything it varies per replica is overridable here.
	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	queueName := flag.String("queue", "", "Queue to consume (overrides config)")
	concurrency := flag.Int("concurrency", 0, "Worker pool size (overrides config)")
	logLevel := flag.String("log-level", "", "Log level (overrides config)")
	logFile := flag.String("log-file", "", "Log file path (overrides config)")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if *queueName != "" {
		cfg.Queue.Name = *queueName
	}
	if *concurrency > 0 {
		cfg.Worker.Concurrency = *concurrency
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logFile != "" {
		cfg.Logging.Output = *logFile
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("queue", cfg.Queue.Name),
	)

	// Connect to the broker
	var brokerClient *redisbroker.Client
	if cfg.Queue.Driver == config.DriverRedis {
		brokerClient, err = initBroker(&cfg.Broker, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to connect to broker: %w", err)
		}
		defer brokerClient.Close()

		appLogger.Info("Broker connection established",
			slog.String("addr", cfg.Broker.Addr()),
		)
	}

	q, err := queue.New(cfg, brokerClient, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize queue: %w", err)
	}
	defer q.Close()

	// Register executors declared in configuration
	registry := worker.NewRegistry()
	worker.RegisterExecutors(registry, cfg.Worker.Executors)

	appLogger.Info("Executors registered",
		slog.Any("job_types", registry.Types()),
	)

	workerCfg := &worker.Config{
		Logger:      appLogger.Logger,
		Queue:       q,
		Registry:    registry,
		Concurrency: cfg.Worker.Concurrency,
		JobTimeout:  cfg.Worker.JobTimeout,
	}

	// Optional job archive: terminal jobs are copied to Postgres so they
	// outlive the broker's retention window.
	if cfg.Archive.Enabled {
		dbClient, err := initPostgreSQL(&cfg.Archive.Database, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize archive database: %w", err)
		}
		defer dbClient.Close()

		archive := storage.NewStorage(dbClient)

		schemaCtx, cancelSchema := context.WithTimeout(context.Background(), 10*time.Second)
		err = archive.EnsureSchema(schemaCtx)
		cancelSchema()
		if err != nil {
			return err
		}

		workerCfg.Archive = archive

		appLogger.Info("Job archive enabled",
			slog.String("database", cfg.Archive.Database.Database),
		)
	}

	// Create worker instance
	workerInstance := worker.NewWorker(workerCfg)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start worker in a goroutine
	errChan := make(chan error, 1)
	go func() {
		if err := workerInstance.Start(ctx); err != nil {
			errChan <- err
		}
	}()

	appLogger.Info("Worker service started successfully",
		slog.String("worker_id", workerInstance.WorkerID()),
		slog.Int("concurrency", cfg.Worker.Concurrency),
	)

	// Wait for interrupt signal
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

	// Cancel context to stop worker
	cancel()

	// Give worker time to shutdown gracefully
	shutdownTimeout := cfg.Worker.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop worker
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

// initBroker connects to the Redis broker
func initBroker(cfg *config.BrokerConfig, logger *slog.Logger) (*redisbroker.Client, error) {
	brokerConfig := &redisbroker.Config{
		Host:          cfg.Host,
		Port:          cfg.Port,
		Password:      cfg.Password,
		DB:            cfg.DB,
		DialTimeout:   cfg.DialTimeout,
		RetryAttempts: cfg.RetryAttempts,
		RetryInterval: cfg.RetryInterval,
	}

	return redisbroker.NewClient(brokerConfig, logger)
}

// initPostgreSQL initializes the PostgreSQL archive client
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
