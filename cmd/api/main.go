package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/joho/godotenv"

	"github.com/amillerrr/tus-media-pipeline/internal/api"
	"github.com/amillerrr/tus-media-pipeline/internal/auth"
	"github.com/amillerrr/tus-media-pipeline/internal/config"
	"github.com/amillerrr/tus-media-pipeline/internal/dispatch"
	"github.com/amillerrr/tus-media-pipeline/internal/health"
	"github.com/amillerrr/tus-media-pipeline/internal/logger"
	"github.com/amillerrr/tus-media-pipeline/internal/observability"
	"github.com/amillerrr/tus-media-pipeline/internal/storage"
	"github.com/amillerrr/tus-media-pipeline/internal/upload"
)

const (
	ShutdownTimeout       = 30 * time.Second
	TracerShutdownTimeout = 5 * time.Second
	AWSConfigTimeout      = 10 * time.Second
)

func main() {
	// Load .env file if present
	dotenvErr := godotenv.Load()

	// Load configuration
	cfg, err := config.LoadAPI()
	log := logger.New(os.Getenv("LOG_LEVEL"))
	if err != nil {
		log.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	log = logger.New(cfg.LogLevel)
	slog.SetDefault(log)
	if dotenvErr != nil {
		log.Info("No .env file found, using system environment variables")
	}

	// Initialize tracer
	shutdownTracer, err := observability.InitTracer(context.Background(), "media-api", cfg)
	if err != nil {
		log.Error("Failed to initialize tracer", "error", err)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), TracerShutdownTimeout)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Error("Failed to shutdown tracer", "error", err)
		}
	}()

	// Initialize AWS clients
	ctx, cancel := context.WithTimeout(context.Background(), AWSConfigTimeout)
	awsCfg, err := storage.LoadAWSConfig(ctx, cfg.AWS.Region)
	cancel()
	if err != nil {
		log.Error("Failed to load AWS config", "error", err)
		os.Exit(1)
	}

	s3Client := storage.NewS3ClientFromAWSConfig(awsCfg, cfg.AWS.EndpointURL)
	dynamoClient := dynamodb.NewFromConfig(awsCfg)
	sqsClient := sqs.NewFromConfig(awsCfg)

	// Initialize repositories
	objects := storage.NewObjectStore(s3Client, cfg.AWS.RawBucket, log)
	sessions := storage.NewSessionRepository(dynamoClient, cfg.AWS.DynamoDBTable)
	media := storage.NewMediaRepository(dynamoClient, cfg.AWS.DynamoDBTable)

	// Initialize upload state machine and completion dispatcher
	uploads := upload.NewService(upload.Config{
		MaxSize:     cfg.Upload.MaxSize,
		PartSize:    cfg.Upload.PartSize,
		MaxParts:    config.MaxParts,
		TTL:         cfg.Upload.TTL,
		WriterLease: cfg.Upload.WriterLease,
	}, sessions, objects, log, nil)

	dispatcher := dispatch.New(dispatch.Config{
		Sessions:  sessions,
		Completer: objects,
		Media:     media,
		Queue:     dispatch.NewSQSQueue(sqsClient, cfg.AWS.SQSQueueURL),
		Bucket:    objects.Bucket(),
		Logger:    log,
	})
	uploads.SetFinalizer(dispatcher)

	// Initialize JWT service
	jwtSecret, err := cfg.GetJWTSecret()
	if err != nil {
		log.Error("Failed to get JWT secret", "error", err)
		os.Exit(1)
	}
	jwtService, err := auth.NewJWTService(jwtSecret)
	if err != nil {
		log.Error("Failed to create JWT service", "error", err)
		os.Exit(1)
	}

	// Initialize rate limiter
	authLimiter := auth.NewFailureLimiter(auth.DefaultLimiterConfig())

	// Initialize health checker
	healthChecker := health.NewChecker(health.DefaultConfig("media-api", log)).
		Register("s3", health.BucketProbe(s3Client, cfg.AWS.RawBucket)).
		Register("sqs", health.QueueProbe(sqsClient, cfg.AWS.SQSQueueURL)).
		Register("dynamodb", health.TableProbe(dynamoClient, cfg.AWS.DynamoDBTable))

	// Create and start server
	server, err := api.NewServer(&api.ServerConfig{
		Config:        cfg,
		Logger:        log,
		Uploads:       uploads,
		Finalizer:     dispatcher,
		Media:         media,
		JWTService:    jwtService,
		AuthLimiter:   authLimiter,
		HealthChecker: healthChecker,
	})
	if err != nil {
		log.Error("Failed to create server", "error", err)
		os.Exit(1)
	}

	// Background maintenance stops with the server
	bgCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()
	go uploads.RunSweeper(bgCtx, cfg.Upload.SweepInterval)
	go dispatcher.RunReconciler(bgCtx, cfg.Upload.ReconcileInterval, cfg.Upload.ReconcileAfter)

	// Start server in goroutine
	go func() {
		if err := server.Start(); err != nil {
			log.Error("Server error", "error", err)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	stopBackground()

	// Graceful shutdown
	ctx, cancel = context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error("Server forced to shutdown", "error", err)
	}

	log.Info("Server shutdown complete")
}
