// Package dispatch turns completed uploads into media assets and processing
// jobs, and makes sure every pending job reaches the work queue.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/amillerrr/tus-media-pipeline/internal/metrics"
	"github.com/amillerrr/tus-media-pipeline/pkg/models"
)

var tracer = otel.Tracer("media-dispatch")

// SessionStore loads completed upload sessions and records their handoff.
type SessionStore interface {
	Get(ctx context.Context, uploadID string) (*models.UploadSession, error)
	ListUnfinalized(ctx context.Context, before time.Time, limit int32) ([]models.UploadSession, error)
	MarkFinalized(ctx context.Context, s *models.UploadSession, at time.Time) error
}

// Completer assembles a multipart upload into its final object.
type Completer interface {
	Complete(ctx context.Context, key, providerUploadID string, parts []models.Part) (string, error)
}

// MediaStore persists assets and jobs.
type MediaStore interface {
	CreateAsset(ctx context.Context, a *models.MediaAsset) error
	GetAsset(ctx context.Context, assetID string) (*models.MediaAsset, error)
	CreateJob(ctx context.Context, j *models.ProcessingJob) error
	GetJob(ctx context.Context, assetID string) (*models.ProcessingJob, error)
	MarkEnqueued(ctx context.Context, assetID string, at time.Time) error
	ListPendingJobs(ctx context.Context, limit int32) ([]models.ProcessingJob, error)
}

// Queue receives transcode tasks.
type Queue interface {
	Enqueue(ctx context.Context, task models.TranscodeTask) error
}

// Dispatcher finalizes completed uploads exactly once.
type Dispatcher struct {
	sessions  SessionStore
	completer Completer
	media     MediaStore
	queue     Queue
	bucket    string
	log       *slog.Logger
	now       func() time.Time
}

// Config holds the Dispatcher dependencies.
type Config struct {
	Sessions  SessionStore
	Completer Completer
	Media     MediaStore
	Queue     Queue
	Bucket    string
	Logger    *slog.Logger
	Now       func() time.Time
}

// New creates a Dispatcher.
func New(cfg Config) *Dispatcher {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Dispatcher{
		sessions:  cfg.Sessions,
		completer: cfg.Completer,
		media:     cfg.Media,
		queue:     cfg.Queue,
		bucket:    cfg.Bucket,
		log:       cfg.Logger,
		now:       now,
	}
}

// Finalize completes the storage object, records the asset and a PENDING job,
// and enqueues the job. The asset id is the upload id, so repeated calls for
// one upload converge on the same asset and job.
//
// Once the job exists the session is marked finalized. A session that fails
// before that point is retried by Reconcile. A failed enqueue is logged and
// not returned: the job stays PENDING without an enqueue mark and Reconcile
// picks it up.
func (d *Dispatcher) Finalize(ctx context.Context, uploadID string) (*models.MediaAsset, error) {
	ctx, span := tracer.Start(ctx, "dispatch.finalize")
	defer span.End()
	span.SetAttributes(attribute.String("upload.id", uploadID))

	asset, err := d.media.GetAsset(ctx, uploadID)
	switch {
	case err == nil:
		job, err := d.ensureJob(ctx, asset)
		if err != nil {
			return nil, err
		}
		if job.Status == models.JobPending && job.EnqueuedAt == "" {
			d.enqueue(ctx, asset, job, "finalize")
		}
		if sess, err := d.sessions.Get(ctx, uploadID); err == nil && sess.Completed() && !sess.Finalized() {
			d.markFinalized(ctx, sess)
		}
		return asset, nil
	case !errors.Is(err, models.ErrNotFound):
		return nil, err
	}

	sess, err := d.sessions.Get(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	if !sess.Completed() {
		return nil, models.E(models.ErrConflict, "finalize", "upload %s is not complete (%d of %d bytes)", uploadID, sess.Offset, sess.TotalSize)
	}

	key, err := d.completer.Complete(ctx, sess.StorageKey, sess.ProviderUploadID, sess.Parts)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	asset, err = d.createAsset(ctx, sess, key)
	if err != nil {
		return nil, err
	}
	job, err := d.ensureJob(ctx, asset)
	if err != nil {
		return nil, err
	}
	if job.Status == models.JobPending && job.EnqueuedAt == "" {
		d.enqueue(ctx, asset, job, "finalize")
	}
	d.markFinalized(ctx, sess)

	d.log.InfoContext(ctx, "Upload finalized",
		"uploadId", uploadID,
		"assetId", asset.AssetID,
		"jobId", job.JobID,
		"sizeBytes", asset.SizeBytes,
	)
	return asset, nil
}

func (d *Dispatcher) markFinalized(ctx context.Context, sess *models.UploadSession) {
	if err := d.sessions.MarkFinalized(ctx, sess, d.now()); err != nil {
		d.log.WarnContext(ctx, "Failed to mark session finalized", "uploadId", sess.UploadID, "error", err)
	}
}

func (d *Dispatcher) createAsset(ctx context.Context, sess *models.UploadSession, key string) (*models.MediaAsset, error) {
	asset := &models.MediaAsset{
		AssetID:         sess.UploadID,
		OwnerID:         sess.OwnerID,
		TargetRef:       sess.TargetRef,
		Bucket:          d.bucket,
		StorageKey:      key,
		Filename:        sess.Metadata["filename"],
		ContentType:     sess.Metadata["filetype"],
		SizeBytes:       sess.TotalSize,
		DurationSeconds: declaredDuration(sess.Metadata),
		JobID:           uuid.NewString(),
		CreatedAt:       models.FormatTime(d.now()),
	}

	err := d.media.CreateAsset(ctx, asset)
	if errors.Is(err, models.ErrConflict) {
		return d.media.GetAsset(ctx, sess.UploadID)
	}
	if err != nil {
		return nil, err
	}
	return asset, nil
}

func (d *Dispatcher) ensureJob(ctx context.Context, asset *models.MediaAsset) (*models.ProcessingJob, error) {
	job, err := d.media.GetJob(ctx, asset.AssetID)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}

	job = &models.ProcessingJob{
		JobID:     asset.JobID,
		AssetID:   asset.AssetID,
		Status:    models.JobPending,
		CreatedAt: models.FormatTime(d.now()),
	}
	err = d.media.CreateJob(ctx, job)
	if errors.Is(err, models.ErrConflict) {
		return d.media.GetJob(ctx, asset.AssetID)
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (d *Dispatcher) enqueue(ctx context.Context, asset *models.MediaAsset, job *models.ProcessingJob, source string) bool {
	task := models.TranscodeTask{
		AssetID: asset.AssetID,
		JobID:   job.JobID,
		Bucket:  asset.Bucket,
		Key:     asset.StorageKey,
	}
	if err := d.queue.Enqueue(ctx, task); err != nil {
		d.log.WarnContext(ctx, "Failed to enqueue job, leaving for reconciler", "assetId", asset.AssetID, "error", err)
		return false
	}
	if err := d.media.MarkEnqueued(ctx, asset.AssetID, d.now()); err != nil {
		d.log.WarnContext(ctx, "Failed to mark job enqueued", "assetId", asset.AssetID, "error", err)
	}
	metrics.JobsDispatched.WithLabelValues(source).Inc()
	return true
}
