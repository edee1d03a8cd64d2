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

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/modelforge/capture-be/internal/api/handler"
	"github.com/modelforge/capture-be/internal/api/router"
	"github.com/modelforge/capture-be/internal/archive"
	"github.com/modelforge/capture-be/internal/config"
	"github.com/modelforge/capture-be/internal/engine"
	"github.com/modelforge/capture-be/internal/events"
	"github.com/modelforge/capture-be/internal/jobstore"
	"github.com/modelforge/capture-be/internal/notifier"
	"github.com/modelforge/capture-be/internal/orchestrator"
	"github.com/modelforge/capture-be/internal/staging"
	"github.com/modelforge/capture-be/shared/logger"
	"github.com/modelforge/capture-be/shared/postgresql"
	"github.com/modelforge/capture-be/shared/rabbitmq"
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
	defaultConfigPath := os.Getenv("CAPTURE_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/capture-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting capture service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	// Initialize staging area
	stagingArea, err := staging.NewArea(cfg.Staging.Root, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize staging area: %w", err)
	}

	// Initialize reconstruction engine
	captureEngine := engine.NewCommandEngine(engine.CommandConfig{
		Binary:         cfg.Engine.Binary,
		ProbeArgs:      cfg.Engine.ProbeArgs,
		ProbeTimeout:   cfg.Engine.ProbeTimeout,
		OutputDir:      cfg.Engine.OutputDir,
		OutputFilename: cfg.Engine.OutputFilename,
	}, appLogger.Logger)

	// Optional transition sinks
	var sinks []orchestrator.Sink

	var dbClient *postgresql.Client
	if cfg.Database.Enabled {
		dbClient, err = initPostgreSQL(&cfg.Database, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		appLogger.Info("Database connection established")

		jobArchive := archive.New(dbClient.GetDB(), appLogger.Logger)
		if err := jobArchive.EnsureSchema(context.Background()); err != nil {
			return err
		}
		sinks = append(sinks, jobArchive)
	}

	var rabbitClient *rabbitmq.Client
	if cfg.RabbitMQ.Enabled {
		rabbitClient, err = initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		appLogger.Info("RabbitMQ connection established")

		sinks = append(sinks, events.NewPublisher(rabbitClient, appLogger.Logger))
	}

	// Initialize orchestration core
	store := jobstore.NewStore()
	orch := orchestrator.New(&orchestrator.Config{
		Logger:  appLogger.Logger,
		Store:   store,
		Engine:  captureEngine,
		Staging: stagingArea,
		Detail:  engine.Detail(cfg.Engine.Detail),
		Sinks:   sinks,
	})
	progressNotifier := notifier.New(store, cfg.Notifier.PollInterval, appLogger.Logger)

	// Probe capability up front so the cached result never depends on a
	// request context
	if orch.Capable(context.Background()) {
		appLogger.Info("Reconstruction capability confirmed")
	}

	// Initialize router
	r := initRouter(cfg, appLogger.Logger, orch, progressNotifier)

	// Create HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Error("Server failed to start",
				slog.Any("error", err),
			)
			os.Exit(1)
		}
	}()

	appLogger.Info("Capture service is running",
		slog.String("address", addr),
	)

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
	}

	// Let in-flight reconstruction jobs finish within the shutdown budget
	done := make(chan struct{})
	go func() {
		orch.Wait()
		close(done)
	}()

	select {
	case <-done:
		appLogger.Info("All reconstruction jobs drained")
	case <-ctx.Done():
		appLogger.Warn("Shutdown timeout exceeded with jobs still running")
	}

	if dbClient != nil {
		dbClient.Close()
	}
	if rabbitClient != nil {
		rabbitClient.Close()
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

// initPostgreSQL initializes the PostgreSQL client for the job archive
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

// initRabbitMQ initializes the RabbitMQ client for lifecycle events
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		RoutingKey:         cfg.RoutingKey,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(cfg *config.Config, logger *slog.Logger, orch *orchestrator.Orchestrator, progressNotifier *notifier.Notifier) *gin.Engine {
	// Set Gin mode based on environment
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	handlerDeps := &handler.Dependencies{
		Logger:         logger,
		Orchestrator:   orch,
		Notifier:       progressNotifier,
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
	}

	return router.SetupRouter(handlerDeps)
}
