package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/WkdSunny/docfleet/internal/api/handler"
	"github.com/WkdSunny/docfleet/internal/api/router"
	"github.com/WkdSunny/docfleet/internal/config"
	"github.com/WkdSunny/docfleet/internal/queue"
	"github.com/WkdSunny/docfleet/internal/storage"
	"github.com/WkdSunny/docfleet/internal/worker"
	"github.com/WkdSunny/docfleet/shared/logger"
	"github.com/WkdSunny/docfleet/shared/postgresql"
	"github.com/WkdSunny/docfleet/shared/redisbroker"
	"github.com/gin-gonic/gin"
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

	// Parse command-line flags
	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	// Connect to the broker. The memory driver runs without one.
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

	// Optional job archive
	var (
		dbClient *postgresql.Client
		archive  *storage.Storage
	)
	if cfg.Archive.Enabled {
		dbClient, err = initPostgreSQL(&cfg.Archive.Database, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize archive database: %w", err)
		}
		defer dbClient.Close()

		archive = storage.NewStorage(dbClient)

		schemaCtx, cancelSchema := context.WithTimeout(context.Background(), 10*time.Second)
		err = archive.EnsureSchema(schemaCtx)
		cancelSchema()
		if err != nil {
			return err
		}

		appLogger.Info("Job archive enabled",
			slog.String("database", cfg.Archive.Database.Database),
		)
	}

	// The memory queue lives inside this process, so jobs submitted to it can
	// only be executed here. Run an embedded worker pool in that mode.
	if cfg.Queue.Driver == config.DriverMemory {
		if cfg.Worker.Concurrency <= 0 {
			cfg.Worker.Concurrency = 1
		}

		registry := worker.NewRegistry()
		worker.RegisterExecutors(registry, cfg.Worker.Executors)

		workerCfg := &worker.Config{
			Logger:      appLogger.Logger,
			Queue:       q,
			Registry:    registry,
			Concurrency: cfg.Worker.Concurrency,
			JobTimeout:  cfg.Worker.JobTimeout,
		}
		if archive != nil {
			workerCfg.Archive = archive
		}
		embedded := worker.NewWorker(workerCfg)

		go func() {
			if err := embedded.Start(context.Background()); err != nil {
				appLogger.Error("Embedded worker stopped",
					slog.Any("error", err),
				)
			}
		}()
		defer embedded.Stop()

		appLogger.Info("Embedded worker pool started",
			slog.Int("concurrency", cfg.Worker.Concurrency),
		)
	}

	// Initialize router
	r := initRouter(cfg, appLogger.Logger, q, archive, brokerClient, dbClient)

	// Create HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	appLogger.Info("Starting HTTP server",
		slog.String("address", addr),
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout),
	)

	// Start server in goroutine
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Error("Server failed to start",
				slog.Any("error", err),
			)
			os.Exit(1)
		}
	}()

	appLogger.Info("API service is running",
		slog.String("address", addr),
		slog.String("queue_driver", cfg.Queue.Driver),
	)

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		return err
	}

	appLogger.Info("Server shutdown complete")
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

// initRouter initializes the Gin router with all routes and middleware
func initRouter(
	cfg *config.Config,
	logger *slog.Logger,
	q queue.Queue,
	archive *storage.Storage,
	brokerClient *redisbroker.Client,
	dbClient *postgresql.Client,
) *gin.Engine {
	// Set Gin mode based on environment
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	// Initialize handler dependencies
	handlerDeps := &handler.Dependencies{
		Logger:      logger,
		Queue:       q,
		Archive:     archive,
		Broker:      brokerClient,
		DBClient:    dbClient,
		WaitTimeout: handler.WaitBudget(cfg.Server.WriteTimeout),
		BearerToken: cfg.Server.BearerToken,
	}

	// Setup router
	return router.SetupRouter(handlerDeps)
}
