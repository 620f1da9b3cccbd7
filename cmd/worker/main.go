package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/amillerrr/tus-media-pipeline/internal/analysis"
	"github.com/amillerrr/tus-media-pipeline/internal/config"
	"github.com/amillerrr/tus-media-pipeline/internal/health"
	"github.com/amillerrr/tus-media-pipeline/internal/logger"
	"github.com/amillerrr/tus-media-pipeline/internal/notify"
	"github.com/amillerrr/tus-media-pipeline/internal/observability"
	"github.com/amillerrr/tus-media-pipeline/internal/pipeline"
	"github.com/amillerrr/tus-media-pipeline/internal/storage"
	"github.com/amillerrr/tus-media-pipeline/internal/transcoder"
	"github.com/amillerrr/tus-media-pipeline/internal/worker"
)

// Timeouts
const (
	AWSConfigTimeout = 10 * time.Second
	ShutdownTimeout  = 5 * time.Second
)

func main() {
	// Load .env file if present
	dotenvErr := godotenv.Load()

	// Load configuration
	cfg, err := config.LoadWorker()
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
	shutdownTracer, err := observability.InitTracer(context.Background(), "media-worker", cfg)
	if err != nil {
		log.Error("Failed to initialize tracer", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			log.Error("Failed to shutdown tracer", "error", err)
		}
	}()

	if err := os.MkdirAll(cfg.Worker.WorkDir, 0o755); err != nil {
		log.Error("Failed to create work directory", "dir", cfg.Worker.WorkDir, "error", err)
		os.Exit(1)
	}

	// Initialize AWS clients
	ctx, cancel := context.WithTimeout(context.Background(), AWSConfigTimeout)
	awsCfg, err := storage.LoadAWSConfig(ctx, cfg.AWS.Region)
	cancel()
	if err != nil {
		log.Error("Failed to load AWS config", "error", err)
		os.Exit(1)
	}

	s3Client := storage.NewS3ClientFromAWSConfig(awsCfg, cfg.AWS.EndpointURL)
	sqsClient := sqs.NewFromConfig(awsCfg)
	dynamoClient := dynamodb.NewFromConfig(awsCfg)
	media := storage.NewMediaRepository(dynamoClient, cfg.AWS.DynamoDBTable)

	var snsClient notify.SNSPublisher
	if cfg.Notify.SNSTopicARN != "" {
		snsClient = sns.NewFromConfig(awsCfg)
	}
	notifier := notify.New(cfg.Notify, snsClient, log)
	if hook, ok := notifier.(*notify.Webhook); ok {
		defer hook.Close()
	}

	// Media tooling
	ffmpegCfg := transcoder.DefaultFFmpegConfig(log)
	ffmpegCfg.FFmpegPath = cfg.Pipeline.FFmpegPath
	ffmpegCfg.FFprobePath = cfg.Pipeline.FFprobePath

	runner := pipeline.New(pipeline.Config{
		Settings: pipeline.Settings{
			MaxAttempts:          cfg.Pipeline.MaxAttempts,
			RetryBaseDelay:       cfg.Pipeline.RetryBaseDelay,
			RetryMaxDelay:        cfg.Pipeline.RetryMaxDelay,
			ThumbnailCount:       cfg.Pipeline.ThumbnailCount,
			PreviewSeconds:       cfg.Pipeline.PreviewSeconds,
			PreviewStartFraction: cfg.Pipeline.PreviewStartFraction,
			AnalysisSampleRate:   cfg.Pipeline.AnalysisSampleRate,
			WorkDir:              cfg.Worker.WorkDir,
		},
		Tool:      transcoder.NewTranscoder(ffmpegCfg),
		Fetcher:   worker.NewDownloader(s3Client, log),
		Publisher: worker.NewUploader(s3Client, cfg.AWS.ProcessedBucket, log),
		Jobs:      media,
		Analyzer:  analysis.NewEngine(analysis.DefaultConfig()),
		Notifier:  notifier,
		Logger:    log,
	})

	w := worker.New(&worker.Config{
		SQSClient:     sqsClient,
		QueueURL:      cfg.AWS.SQSQueueURL,
		Jobs:          media,
		Runner:        runner,
		MaxConcurrent: cfg.Worker.MaxConcurrentJobs,
		JobTimeout:    cfg.Pipeline.JobTimeout,
		Logger:        log,
	})

	// Health checker for the metrics listener
	checker := health.NewChecker(health.DefaultConfig("media-worker", log)).
		Register("s3", health.BucketProbe(s3Client, cfg.AWS.ProcessedBucket)).
		Register("sqs", health.QueueProbe(sqsClient, cfg.AWS.SQSQueueURL)).
		Register("dynamodb", health.TableProbe(dynamoClient, cfg.AWS.DynamoDBTable)).
		Register("scratch", health.ScratchDirProbe(cfg.Worker.WorkDir))
	metricsServer := newMetricsServer(cfg.Worker.MetricsPort, checker)
	go func() {
		log.Info("Starting metrics server", "port", cfg.Worker.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Metrics server error", "error", err)
		}
	}()

	// Setup graceful shutdown
	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("Worker started, waiting for jobs",
		"maxConcurrentJobs", cfg.Worker.MaxConcurrentJobs,
		"jobTimeout", cfg.Pipeline.JobTimeout.String(),
	)
	w.Run(runCtx)

	// Shutdown metrics server gracefully
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer shutdownCancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Error("Failed to shutdown metrics server", "error", err)
	}

	log.Info("Worker shutdown complete")
}

func newMetricsServer(port int, checker *health.Checker) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", checker.Handler())
	mux.HandleFunc("/health/deep", checker.DeepHandler())

	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
