package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/amillerrr/tus-media-pipeline/pkg/models"
)

// S3API is the subset of the S3 client used by the object store.
type S3API interface {
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// NewS3ClientFromAWSConfig builds an S3 client. A non-empty endpoint selects
// an S3-compatible store with path-style addressing.
func NewS3ClientFromAWSConfig(cfg aws.Config, endpoint string) *s3.Client {
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
}

// ObjectStore wraps one bucket: multipart uploads for resumable sessions and
// plain objects for staged tails and pipeline artifacts.
type ObjectStore struct {
	client S3API
	bucket string
	log    *slog.Logger
}

// NewObjectStore creates a store bound to bucket.
func NewObjectStore(client S3API, bucket string, log *slog.Logger) *ObjectStore {
	return &ObjectStore{client: client, bucket: bucket, log: log}
}

// Bucket returns the bucket name.
func (o *ObjectStore) Bucket() string { return o.bucket }

// Put stores data under key.
func (o *ObjectStore) Put(ctx context.Context, key, contentType string, body io.Reader) error {
	input := &s3.PutObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(key),
		Body:   body,
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := o.client.PutObject(ctx, input); err != nil {
		return models.Wrap(models.ErrStorage, "put object", err)
	}
	return nil
}

// Get opens the object at key. The caller closes the reader.
func (o *ObjectStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := o.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if IsNotFound(err) {
			return nil, models.Wrap(models.ErrNotFound, "get object", err)
		}
		return nil, models.Wrap(models.ErrStorage, "get object", err)
	}
	return out.Body, nil
}

// Exists reports whether key is present.
func (o *ObjectStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := o.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	if IsNotFound(err) {
		return false, nil
	}
	return false, models.Wrap(models.ErrStorage, "head object", err)
}

// Delete removes key. Missing objects are not an error.
func (o *ObjectStore) Delete(ctx context.Context, key string) error {
	_, err := o.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(key),
	})
	if err != nil && !IsNotFound(err) {
		return models.Wrap(models.ErrStorage, "delete object", err)
	}
	return nil
}

// DeletePrefix removes every object under prefix, one listing page per
// batch delete.
func (o *ObjectStore) DeletePrefix(ctx context.Context, prefix string) error {
	pages := s3.NewListObjectsV2Paginator(o.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(o.bucket),
		Prefix: aws.String(prefix),
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return models.Wrap(models.ErrStorage, "list objects", err)
		}
		if len(page.Contents) == 0 {
			continue
		}

		ids := make([]types.ObjectIdentifier, 0, len(page.Contents))
		for _, obj := range page.Contents {
			ids = append(ids, types.ObjectIdentifier{Key: obj.Key})
		}
		out, err := o.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(o.bucket),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return models.Wrap(models.ErrStorage, "delete objects", err)
		}
		if len(out.Errors) > 0 {
			first := out.Errors[0]
			return models.E(models.ErrStorage, "delete objects", "%d objects under %s not deleted, first %s: %s",
				len(out.Errors), prefix, aws.ToString(first.Key), aws.ToString(first.Message))
		}
	}
	return nil
}

// PutTail stages the bytes of an incomplete trailing part.
func (o *ObjectStore) PutTail(ctx context.Context, key string, data []byte) error {
	return o.Put(ctx, key, "application/octet-stream", bytes.NewReader(data))
}

// GetTail reads a staged tail fully.
func (o *ObjectStore) GetTail(ctx context.Context, key string) ([]byte, error) {
	body, err := o.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, models.Wrap(models.ErrStorage, "read tail", err)
	}
	return data, nil
}

// DeleteTail removes a staged tail.
func (o *ObjectStore) DeleteTail(ctx context.Context, key string) error {
	return o.Delete(ctx, key)
}

// DeleteTails removes every tail ever staged for uploadID, including ones
// left by a writer that died before its commit landed.
func (o *ObjectStore) DeleteTails(ctx context.Context, uploadID string) error {
	return o.DeletePrefix(ctx, TailPrefix(uploadID))
}

// IsNotFound reports whether err is an S3 "missing" API error.
func IsNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey", "NoSuchUpload":
			return true
		}
	}
	return false
}

func isNoSuchUpload(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "NoSuchUpload"
}

// TailPrefix is the key prefix shared by every tail staged for uploadID.
func TailPrefix(uploadID string) string {
	return fmt.Sprintf("uploads/.tails/%s/", uploadID)
}

// TailKey returns the staging key for a tail written under token.
func TailKey(uploadID, token string) string {
	return TailPrefix(uploadID) + token
}
