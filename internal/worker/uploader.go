package worker

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.opentelemetry.io/otel/attribute"

	"github.com/amillerrr/tus-media-pipeline/internal/metrics"
	"github.com/amillerrr/tus-media-pipeline/internal/transcoder"
	"github.com/amillerrr/tus-media-pipeline/pkg/models"
)

// S3Putter is the subset of the S3 client used to store artifacts.
type S3Putter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Uploader stores pipeline artifacts in the processed bucket.
type Uploader struct {
	s3Client S3Putter
	bucket   string
	log      *slog.Logger
}

// NewUploader creates a new Uploader.
func NewUploader(s3Client S3Putter, bucket string, log *slog.Logger) *Uploader {
	return &Uploader{
		s3Client: s3Client,
		bucket:   bucket,
		log:      log,
	}
}

// Publish uploads the file at path as artifact name of kind and returns the
// object key and size. The key is only returned once the upload succeeded.
func (u *Uploader) Publish(ctx context.Context, assetID string, kind models.ArtifactKind, name, path string) (string, int64, error) {
	ctx, span := tracer.Start(ctx, "upload-artifact")
	defer span.End()

	key := transcoder.ArtifactKey(assetID, kind, name)
	span.SetAttributes(attribute.String("s3.key", key), attribute.String("artifact.kind", kind.String()))

	file, err := os.Open(path)
	if err != nil {
		return "", 0, models.Wrap(models.ErrStorage, "open artifact", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return "", 0, models.Wrap(models.ErrStorage, "stat artifact", err)
	}

	start := time.Now()
	_, err = u.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.bucket),
		Key:           aws.String(key),
		Body:          file,
		ContentType:   aws.String(kind.ContentType()),
		ContentLength: aws.Int64(info.Size()),
	})
	if err != nil {
		span.RecordError(err)
		return "", 0, models.Wrap(models.ErrStorage, "upload artifact", err)
	}
	metrics.UploadDuration.Observe(time.Since(start).Seconds())

	span.SetAttributes(attribute.Int64("bytes.total", info.Size()))
	u.log.DebugContext(ctx, "Uploaded artifact", "key", key, "sizeBytes", info.Size())
	return key, info.Size(), nil
}
