package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/joho/godotenv"

	"github.com/amillerrr/tus-media-pipeline/internal/config"
	"github.com/amillerrr/tus-media-pipeline/internal/dispatch"
	"github.com/amillerrr/tus-media-pipeline/internal/logger"
	"github.com/amillerrr/tus-media-pipeline/internal/storage"
	"github.com/amillerrr/tus-media-pipeline/internal/upload"
	"github.com/amillerrr/tus-media-pipeline/pkg/models"
)

type sweeper interface {
	Sweep(ctx context.Context) (*upload.SweepResult, error)
}

type reconciler interface {
	Reconcile(ctx context.Context, staleAfter time.Duration) (int, error)
}

type sessionReader interface {
	Get(ctx context.Context, uploadID string) (*models.UploadSession, error)
}

type mediaReader interface {
	GetAsset(ctx context.Context, assetID string) (*models.MediaAsset, error)
	GetJob(ctx context.Context, assetID string) (*models.ProcessingJob, error)
}

// backends are the stores and services the commands operate on.
type backends struct {
	uploads    sweeper
	dispatcher reconciler
	sessions   sessionReader
	media      mediaReader
}

type commandContext struct {
	jsonOutput bool
	verbose    bool

	loadConfig  func() (*config.Config, error)
	newBackends func(ctx context.Context, cfg *config.Config, log *slog.Logger) (*backends, error)

	configOnce sync.Once
	config     *config.Config
	configErr  error

	backendsOnce sync.Once
	backends     *backends
	backendsErr  error
}

func newCommandContext() *commandContext {
	return &commandContext{
		loadConfig: func() (*config.Config, error) {
			_ = godotenv.Load()
			return config.Load()
		},
		newBackends: awsBackends,
	}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		c.config, c.configErr = c.loadConfig()
	})
	return c.config, c.configErr
}

func (c *commandContext) ensureBackends(ctx context.Context) (*backends, error) {
	c.backendsOnce.Do(func() {
		cfg, err := c.ensureConfig()
		if err != nil {
			c.backendsErr = err
			return
		}
		c.backends, c.backendsErr = c.newBackends(ctx, cfg, c.logger(cfg))
	})
	return c.backends, c.backendsErr
}

// logger discards service logs unless --verbose is set, so they do not mix
// with command output.
func (c *commandContext) logger(cfg *config.Config) *slog.Logger {
	if !c.verbose {
		return logger.Discard()
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logger.ParseLevel(cfg.LogLevel),
	}))
}

func awsBackends(ctx context.Context, cfg *config.Config, log *slog.Logger) (*backends, error) {
	if cfg.AWS.DynamoDBTable == "" {
		return nil, errors.New("DYNAMODB_TABLE is required")
	}

	awsCfg, err := storage.LoadAWSConfig(ctx, cfg.AWS.Region)
	if err != nil {
		return nil, err
	}

	dynamoClient := dynamodb.NewFromConfig(awsCfg)
	objects := storage.NewObjectStore(storage.NewS3ClientFromAWSConfig(awsCfg, cfg.AWS.EndpointURL), cfg.AWS.RawBucket, log)
	sessions := storage.NewSessionRepository(dynamoClient, cfg.AWS.DynamoDBTable)
	media := storage.NewMediaRepository(dynamoClient, cfg.AWS.DynamoDBTable)

	dispatcher := dispatch.New(dispatch.Config{
		Sessions:  sessions,
		Completer: objects,
		Media:     media,
		Queue:     dispatch.NewSQSQueue(sqs.NewFromConfig(awsCfg), cfg.AWS.SQSQueueURL),
		Bucket:    objects.Bucket(),
		Logger:    log,
	})
	uploads := upload.NewService(upload.Config{
		MaxSize:     cfg.Upload.MaxSize,
		PartSize:    cfg.Upload.PartSize,
		MaxParts:    config.MaxParts,
		TTL:         cfg.Upload.TTL,
		WriterLease: cfg.Upload.WriterLease,
	}, sessions, objects, log, nil)
	uploads.SetFinalizer(dispatcher)

	return &backends{
		uploads:    uploads,
		dispatcher: dispatcher,
		sessions:   sessions,
		media:      media,
	}, nil
}
