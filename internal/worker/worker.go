// Package worker consumes transcode tasks from SQS and runs the pipeline for
// each claimed job.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/amillerrr/tus-media-pipeline/internal/metrics"
	"github.com/amillerrr/tus-media-pipeline/pkg/models"
)

// SQS configuration constants
const (
	SQSMaxMessages     = 1
	SQSWaitTimeSeconds = 20
	RetryBackoffPeriod = 5 * time.Second
	// LeaseGrace is added to the job timeout for the claim lease and the
	// message visibility, so neither lapses while the job can still run.
	LeaseGrace = 2 * time.Minute
	// maxVisibility is the SQS visibility timeout limit.
	maxVisibility = 12 * time.Hour
)

var tracer = otel.Tracer("media-worker")

// SQSAPI is the subset of the SQS client used by the worker.
type SQSAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// JobStore claims jobs and loads their assets.
type JobStore interface {
	ClaimJob(ctx context.Context, assetID string, leaseUntil, now time.Time) (*models.ProcessingJob, error)
	GetJob(ctx context.Context, assetID string) (*models.ProcessingJob, error)
	GetAsset(ctx context.Context, assetID string) (*models.MediaAsset, error)
}

// Runner executes the pipeline for a claimed job.
type Runner interface {
	Run(ctx context.Context, job *models.ProcessingJob, asset *models.MediaAsset) (*models.ProcessingJob, error)
}

// Worker handles media processing tasks from SQS.
type Worker struct {
	sqsClient     SQSAPI
	queueURL      string
	jobs          JobStore
	runner        Runner
	maxConcurrent int
	jobTimeout    time.Duration
	log           *slog.Logger
	now           func() time.Time
}

// Config holds worker dependencies.
type Config struct {
	SQSClient     SQSAPI
	QueueURL      string
	Jobs          JobStore
	Runner        Runner
	MaxConcurrent int
	JobTimeout    time.Duration
	Logger        *slog.Logger
	Now           func() time.Time
}

// New creates a new Worker with the given configuration.
func New(cfg *Config) *Worker {
	w := &Worker{
		sqsClient:     cfg.SQSClient,
		queueURL:      cfg.QueueURL,
		jobs:          cfg.Jobs,
		runner:        cfg.Runner,
		maxConcurrent: max(cfg.MaxConcurrent, 1),
		jobTimeout:    cfg.JobTimeout,
		log:           cfg.Logger,
		now:           cfg.Now,
	}
	if w.jobTimeout <= 0 {
		w.jobTimeout = time.Hour
	}
	if w.now == nil {
		w.now = time.Now
	}
	return w
}

// lease is how long a claim and a received message stay owned by this worker.
func (w *Worker) lease() time.Duration {
	return w.jobTimeout + LeaseGrace
}

// Run starts the worker and blocks until the context is cancelled.
func (w *Worker) Run(ctx context.Context) {
	w.log.InfoContext(ctx, "Starting queue polling",
		"queueURL", w.queueURL,
		"maxConcurrent", w.maxConcurrent,
	)

	visibility := min(w.lease(), maxVisibility)
	sem := make(chan struct{}, w.maxConcurrent)
	var wg sync.WaitGroup

messageLoop:
	for {
		select {
		case <-ctx.Done():
			break messageLoop
		default:
		}

		result, err := w.sqsClient.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(w.queueURL),
			MaxNumberOfMessages: SQSMaxMessages,
			WaitTimeSeconds:     SQSWaitTimeSeconds,
			VisibilityTimeout:   int32(visibility.Seconds()),
		})
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			w.log.ErrorContext(ctx, "Failed to receive messages", "error", err)
			select {
			case <-time.After(RetryBackoffPeriod):
			case <-ctx.Done():
			}
			continue
		}

		for _, msg := range result.Messages {
			select {
			case sem <- struct{}{}:
				wg.Add(1)
				go func(msg types.Message) {
					defer wg.Done()
					defer func() { <-sem }()
					w.Handle(ctx, msg)
				}(msg)
			case <-ctx.Done():
				w.log.InfoContext(ctx, "Context cancelled, stopping message processing")
				break messageLoop
			}
		}
	}

	w.log.InfoContext(ctx, "Waiting for in-progress jobs to complete...")
	wg.Wait()
	w.log.InfoContext(ctx, "All jobs completed, shutting down")
}

// Handle processes one message and deletes it when no further delivery is
// useful.
func (w *Worker) Handle(ctx context.Context, msg types.Message) {
	metrics.ActiveJobs.Inc()
	defer metrics.ActiveJobs.Dec()

	done, err := w.processMessage(ctx, msg)
	if err != nil {
		w.log.ErrorContext(ctx, "Failed to process message",
			"error", err,
			"messageId", aws.ToString(msg.MessageId),
		)
	}
	if !done {
		return
	}

	// The job outcome is already recorded; deleting must outlive shutdown.
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if _, err := w.sqsClient.DeleteMessage(dctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(w.queueURL),
		ReceiptHandle: msg.ReceiptHandle,
	}); err != nil {
		w.log.ErrorContext(ctx, "Failed to delete message", "error", err)
	}
}

// processMessage reports whether the message is finished with. Messages for
// jobs that are still in flight elsewhere, or that hit a transient error, are
// left for redelivery.
func (w *Worker) processMessage(ctx context.Context, msg types.Message) (bool, error) {
	ctx, span := tracer.Start(ctx, "process-message")
	defer span.End()

	task, err := parseTask(msg)
	if err != nil {
		// Redelivery cannot fix a malformed body.
		return true, err
	}
	span.SetAttributes(
		attribute.String("asset.id", task.AssetID),
		attribute.String("job.id", task.JobID),
	)
	log := w.log.With("assetId", task.AssetID, "jobId", task.JobID)

	now := w.now()
	job, err := w.jobs.ClaimJob(ctx, task.AssetID, now.Add(w.lease()), now)
	switch {
	case errors.Is(err, models.ErrConflict):
		return w.duplicate(ctx, log, task)
	case errors.Is(err, models.ErrNotFound):
		return true, err
	case err != nil:
		return false, err
	}

	asset, err := w.jobs.GetAsset(ctx, task.AssetID)
	if err != nil {
		// The claim lapses with the lease and redelivery retries it.
		return errors.Is(err, models.ErrNotFound), err
	}

	log.InfoContext(ctx, "Processing job", "attempts", job.Attempts, "key", asset.StorageKey)

	jobCtx, cancel := context.WithTimeout(ctx, w.jobTimeout)
	defer cancel()

	final, err := w.runner.Run(jobCtx, job, asset)
	if err != nil {
		return false, err
	}
	log.InfoContext(ctx, "Job finished", "status", final.Status, "attempts", final.Attempts)
	return true, nil
}

// duplicate handles a message whose job could not be claimed. A terminal job
// needs no further work; a job running elsewhere keeps its message until
// that run ends or its lease lapses.
func (w *Worker) duplicate(ctx context.Context, log *slog.Logger, task *models.TranscodeTask) (bool, error) {
	job, err := w.jobs.GetJob(ctx, task.AssetID)
	if err != nil {
		return errors.Is(err, models.ErrNotFound), err
	}
	if job.Status.Terminal() {
		log.InfoContext(ctx, "Dropping duplicate task for finished job", "status", job.Status)
		return true, nil
	}
	log.InfoContext(ctx, "Job is running elsewhere, leaving task for redelivery", "status", job.Status)
	return false, nil
}

func parseTask(msg types.Message) (*models.TranscodeTask, error) {
	if msg.Body == nil {
		return nil, models.E(models.ErrValidation, "parse task", "empty message body")
	}
	var task models.TranscodeTask
	if err := json.Unmarshal([]byte(*msg.Body), &task); err != nil {
		return nil, models.Wrap(models.ErrValidation, "parse task", err)
	}
	if err := task.Validate(); err != nil {
		return nil, models.Wrap(models.ErrValidation, "parse task", err)
	}
	return &task, nil
}
