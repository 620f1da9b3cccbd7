package worker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"

	"github.com/amillerrr/tus-media-pipeline/internal/metrics"
	"github.com/amillerrr/tus-media-pipeline/internal/storage"
	"github.com/amillerrr/tus-media-pipeline/pkg/models"
)

// Download retry defaults
const (
	DefaultDownloadAttempts = 4
	DefaultDownloadBackoff  = time.Second
)

// S3Getter is the subset of the S3 client used to fetch sources.
type S3Getter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Downloader copies source objects to local files.
type Downloader struct {
	s3Client S3Getter
	log      *slog.Logger
	attempts uint
	initial  time.Duration
}

// NewDownloader creates a new Downloader.
func NewDownloader(s3Client S3Getter, log *slog.Logger) *Downloader {
	return &Downloader{
		s3Client: s3Client,
		log:      log,
		attempts: DefaultDownloadAttempts,
		initial:  DefaultDownloadBackoff,
	}
}

// WithRetry overrides the retry budget and the first backoff interval.
func (d *Downloader) WithRetry(attempts uint, initial time.Duration) *Downloader {
	d.attempts = max(attempts, 1)
	d.initial = initial
	return d
}

// Download writes bucket/key into dir and returns the local path. Storage
// errors are retried with exponential backoff; a missing object is not.
func (d *Downloader) Download(ctx context.Context, bucket, key, dir string) (string, error) {
	ctx, span := tracer.Start(ctx, "download-source")
	defer span.End()
	span.SetAttributes(attribute.String("s3.bucket", bucket), attribute.String("s3.key", key))

	start := time.Now()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.initial

	path, err := backoff.Retry(ctx, func() (string, error) {
		path, err := d.fetch(ctx, bucket, key, dir)
		if err != nil && !models.Retryable(err) {
			return "", backoff.Permanent(err)
		}
		return path, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(d.attempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			d.log.WarnContext(ctx, "Source download failed, retrying",
				"key", key,
				"retryIn", next.String(),
				"error", err,
			)
		}),
	)
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	metrics.DownloadDuration.Observe(time.Since(start).Seconds())
	return path, nil
}

func (d *Downloader) fetch(ctx context.Context, bucket, key, dir string) (string, error) {
	tmpFile, err := os.CreateTemp(dir, fmt.Sprintf("source-*%s", filepath.Ext(key)))
	if err != nil {
		return "", models.Wrap(models.ErrStorage, "create temp file", err)
	}
	tmpPath := tmpFile.Name()

	result, err := d.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		if storage.IsNotFound(err) {
			return "", models.Wrap(models.ErrNotFound, "get source", err)
		}
		return "", models.Wrap(models.ErrStorage, "get source", err)
	}
	defer result.Body.Close()

	written, err := io.Copy(tmpFile, result.Body)
	if err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return "", models.Wrap(models.ErrStorage, "write source", err)
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return "", models.Wrap(models.ErrStorage, "close source", err)
	}

	d.log.InfoContext(ctx, "Downloaded source", "key", key, "sizeBytes", written)
	return tmpPath, nil
}
