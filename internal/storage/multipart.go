package storage

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/amillerrr/tus-media-pipeline/internal/metrics"
	"github.com/amillerrr/tus-media-pipeline/pkg/models"
)

// PartNumberFor returns the 1-based part number of the part that starts at
// offset. Part boundaries are fixed multiples of partSize.
func PartNumberFor(offset, partSize int64) int32 {
	return int32(offset/partSize) + 1
}

// Initiate starts a multipart upload for key and returns the provider upload id.
func (o *ObjectStore) Initiate(ctx context.Context, key, contentType string) (string, error) {
	input := &s3.CreateMultipartUploadInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(key),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	out, err := o.client.CreateMultipartUpload(ctx, input)
	if err != nil {
		return "", models.Wrap(models.ErrStorage, "create multipart upload", err)
	}
	return aws.ToString(out.UploadId), nil
}

// UploadPart writes one part. Re-uploading a part number overwrites it.
func (o *ObjectStore) UploadPart(ctx context.Context, key, providerUploadID string, partNumber int32, data []byte) (string, error) {
	start := time.Now()
	out, err := o.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(o.bucket),
		Key:           aws.String(key),
		UploadId:      aws.String(providerUploadID),
		PartNumber:    aws.Int32(partNumber),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return "", models.Wrap(models.ErrStorage, fmt.Sprintf("upload part %d", partNumber), err)
	}
	metrics.PartUploadDuration.Observe(time.Since(start).Seconds())
	return aws.ToString(out.ETag), nil
}

// Complete assembles the parts into the final object. Parts must number
// 1..N without gaps and cover a contiguous byte range from zero.
//
// If the provider no longer knows the upload but the object exists, a previous
// Complete already succeeded and the call is treated as done.
func (o *ObjectStore) Complete(ctx context.Context, key, providerUploadID string, parts []models.Part) (string, error) {
	const op = "complete multipart upload"

	sorted, err := orderParts(parts)
	if err != nil {
		return "", models.Wrap(models.ErrStorage, op, err)
	}

	completed := make([]types.CompletedPart, 0, len(sorted))
	for _, p := range sorted {
		completed = append(completed, types.CompletedPart{
			ETag:       aws.String(p.ETag),
			PartNumber: aws.Int32(p.PartNumber),
		})
	}

	_, err = o.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(o.bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(providerUploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if err == nil {
		return key, nil
	}

	if isNoSuchUpload(err) {
		exists, headErr := o.Exists(ctx, key)
		if headErr == nil && exists {
			o.log.InfoContext(ctx, "Multipart upload already completed", "key", key)
			return key, nil
		}
	}
	return "", models.Wrap(models.ErrStorage, op, err)
}

// Abort cancels a multipart upload. Unknown uploads are treated as aborted.
func (o *ObjectStore) Abort(ctx context.Context, key, providerUploadID string) error {
	_, err := o.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(o.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(providerUploadID),
	})
	if err != nil && !IsNotFound(err) {
		return models.Wrap(models.ErrStorage, "abort multipart upload", err)
	}
	return nil
}

func orderParts(parts []models.Part) ([]models.Part, error) {
	if len(parts) == 0 {
		return nil, fmt.Errorf("no parts to complete")
	}

	sorted := append([]models.Part(nil), parts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PartNumber < sorted[j].PartNumber })

	var next int64
	for i, p := range sorted {
		if p.PartNumber != int32(i+1) {
			return nil, fmt.Errorf("missing part %d", i+1)
		}
		if p.Start != next || p.End <= p.Start {
			return nil, fmt.Errorf("part %d covers [%d, %d), expected start %d", p.PartNumber, p.Start, p.End, next)
		}
		if p.ETag == "" {
			return nil, fmt.Errorf("part %d has no etag", p.PartNumber)
		}
		next = p.End
	}
	return sorted, nil
}
