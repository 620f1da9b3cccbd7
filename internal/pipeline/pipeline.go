// Package pipeline runs the processing stages for one media asset.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/amillerrr/tus-media-pipeline/internal/metrics"
	"github.com/amillerrr/tus-media-pipeline/internal/transcoder"
	"github.com/amillerrr/tus-media-pipeline/pkg/models"
)

var tracer = otel.Tracer("media-pipeline")

// MediaTool is the set of ffmpeg operations the stages need.
type MediaTool interface {
	GetPresets() []transcoder.Preset
	Probe(ctx context.Context, path string) (*transcoder.ProbeResult, error)
	Transcode(ctx context.Context, inputPath, outputPath string, p transcoder.Preset, width, height int) error
	Thumbnail(ctx context.Context, inputPath, outputPath string, at float64) error
	ExtractAudio(ctx context.Context, inputPath, outputPath string, bitrate int) error
	Preview(ctx context.Context, inputPath, outputPath string, start, duration float64) error
	DecodePCM(ctx context.Context, inputPath string, sampleRate int) ([]float32, error)
}

// Fetcher copies the source object to a local file in dir.
type Fetcher interface {
	Download(ctx context.Context, bucket, key, dir string) (string, error)
}

// Publisher stores a local artifact and returns its key and size.
type Publisher interface {
	Publish(ctx context.Context, assetID string, kind models.ArtifactKind, name, path string) (string, int64, error)
}

// JobStore persists job progress and outcome.
type JobStore interface {
	UpdateAssetDuration(ctx context.Context, assetID string, seconds float64) error
	SaveProgress(ctx context.Context, assetID string, progress float64, attempts int, result models.ProcessingResult) error
	FinishJob(ctx context.Context, assetID string, j *models.ProcessingJob, now time.Time) error
}

// Analyzer turns mono PCM into an analysis summary.
type Analyzer interface {
	Analyze(samples []float32, sampleRate int) (*models.AnalysisSummary, error)
}

// Notifier is told about jobs that reached a terminal status.
type Notifier interface {
	Notify(ctx context.Context, job *models.ProcessingJob, asset *models.MediaAsset) error
}

// ErrLeaseLost is returned when another worker has taken over the job.
var ErrLeaseLost = errors.New("job lease lost")

const (
	// AudioBitrate is the bitrate of the extracted AAC track.
	AudioBitrate = 128000
	// finishTimeout bounds the terminal writes made after the job context ends.
	finishTimeout = 15 * time.Second
)

// Settings tunes a pipeline run.
type Settings struct {
	MaxAttempts          int
	RetryBaseDelay       time.Duration
	RetryMaxDelay        time.Duration
	ThumbnailCount       int
	PreviewSeconds       float64
	PreviewStartFraction float64
	AnalysisSampleRate   int
	WorkDir              string
}

// Config holds the Pipeline dependencies.
type Config struct {
	Settings  Settings
	Tool      MediaTool
	Fetcher   Fetcher
	Publisher Publisher
	Jobs      JobStore
	Analyzer  Analyzer
	Notifier  Notifier
	Logger    *slog.Logger
	Now       func() time.Time
	// Sleep waits between attempts. Tests replace it to avoid real delays.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Pipeline executes every stage for an asset with whole-run retries.
type Pipeline struct {
	settings  Settings
	tool      MediaTool
	fetcher   Fetcher
	publisher Publisher
	jobs      JobStore
	analyzer  Analyzer
	notifier  Notifier
	log       *slog.Logger
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

// New creates a Pipeline.
func New(cfg Config) *Pipeline {
	s := cfg.Settings
	if s.MaxAttempts <= 0 {
		s.MaxAttempts = 3
	}
	if s.ThumbnailCount <= 0 {
		s.ThumbnailCount = 5
	}
	if s.PreviewSeconds <= 0 {
		s.PreviewSeconds = 10
	}
	if s.AnalysisSampleRate <= 0 {
		s.AnalysisSampleRate = 22050
	}
	if s.WorkDir == "" {
		s.WorkDir = os.TempDir()
	}

	p := &Pipeline{
		settings:  s,
		tool:      cfg.Tool,
		fetcher:   cfg.Fetcher,
		publisher: cfg.Publisher,
		jobs:      cfg.Jobs,
		analyzer:  cfg.Analyzer,
		notifier:  cfg.Notifier,
		log:       cfg.Logger,
		now:       cfg.Now,
		sleep:     cfg.Sleep,
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.sleep == nil {
		p.sleep = sleepContext
	}
	return p
}

// RetryDelay returns the wait before attempt n+1: base*2^(n-1), capped at
// limit when limit is positive.
func RetryDelay(base, limit time.Duration, n int) time.Duration {
	if n < 1 || base <= 0 {
		return 0
	}
	d := base
	for i := 1; i < n; i++ {
		d *= 2
		if limit > 0 && d >= limit {
			return limit
		}
	}
	if limit > 0 && d > limit {
		return limit
	}
	return d
}

// run is the state of one Run call shared by its attempts.
type run struct {
	job     *models.ProcessingJob
	asset   *models.MediaAsset
	dir     string
	source  string
	probe   *transcoder.ProbeResult
	result  models.ProcessingResult
	highest float64
	log     *slog.Logger
}

// Run processes asset for a claimed job and returns the job in its terminal
// state. An error means the job was left non-terminal: the context was
// cancelled, the lease was lost, or the terminal write failed.
func (p *Pipeline) Run(ctx context.Context, job *models.ProcessingJob, asset *models.MediaAsset) (*models.ProcessingJob, error) {
	ctx, span := tracer.Start(ctx, "pipeline-run")
	defer span.End()
	span.SetAttributes(
		attribute.String("asset.id", asset.AssetID),
		attribute.String("job.id", job.JobID),
	)

	r := &run{
		job:     job,
		asset:   asset,
		highest: job.Progress,
		log:     p.log.With("assetId", asset.AssetID, "jobId", job.JobID),
	}

	dir, err := os.MkdirTemp(p.settings.WorkDir, "job-"+asset.AssetID+"-")
	if err != nil {
		return p.fail(ctx, r, models.Wrap(models.ErrStorage, "create work dir", err))
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			r.log.WarnContext(ctx, "Failed to remove work dir", "path", dir, "error", err)
		}
	}()
	r.dir = dir

	var lastErr error
	for job.Attempts < p.settings.MaxAttempts {
		if lastErr != nil {
			metrics.PipelineRetries.Inc()
			delay := RetryDelay(p.settings.RetryBaseDelay, p.settings.RetryMaxDelay, job.Attempts)
			r.log.WarnContext(ctx, "Retrying pipeline",
				"attempt", job.Attempts+1,
				"delay", delay.String(),
				"error", lastErr,
			)
			if err := p.sleep(ctx, delay); err != nil {
				break
			}
		}

		job.Attempts++
		lastErr = p.attempt(ctx, r)
		if lastErr == nil {
			return p.complete(ctx, r)
		}
		if errors.Is(lastErr, ErrLeaseLost) {
			span.SetStatus(codes.Error, lastErr.Error())
			r.log.WarnContext(ctx, "Stopping run, job was taken over")
			return nil, lastErr
		}
		if ctx.Err() != nil || !models.Retryable(lastErr) {
			break
		}
	}

	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		lastErr = models.E(models.ErrTranscodeFailed, "", "job timed out")
	case ctx.Err() != nil:
		// Shutdown. The lease lapses and another worker reclaims the job.
		span.SetStatus(codes.Error, "cancelled")
		return nil, ctx.Err()
	case lastErr == nil:
		lastErr = models.E(models.ErrTranscodeFailed, "pipeline", "retry budget exhausted before this run")
	}
	span.SetStatus(codes.Error, lastErr.Error())
	return p.fail(ctx, r, lastErr)
}

// attempt runs every stage once with a fresh result.
func (p *Pipeline) attempt(ctx context.Context, r *run) error {
	ctx, span := tracer.Start(ctx, "pipeline-attempt")
	defer span.End()
	span.SetAttributes(attribute.Int("attempt", r.job.Attempts))

	r.result = models.ProcessingResult{}

	if r.source == "" {
		src, err := p.fetcher.Download(ctx, r.asset.Bucket, r.asset.StorageKey, r.dir)
		if err != nil {
			return err
		}
		r.source = src
	}
	if r.probe == nil {
		probe, err := p.tool.Probe(ctx, r.source)
		if err != nil {
			return err
		}
		r.probe = probe
		if d := probe.DurationSeconds(); d > 0 {
			if err := p.jobs.UpdateAssetDuration(ctx, r.asset.AssetID, d); err != nil {
				r.log.WarnContext(ctx, "Failed to record asset duration", "error", err)
			}
			r.asset.DurationSeconds = d
		}
	}
	if err := transcoder.CreateOutputDirectories(r.dir); err != nil {
		return models.Wrap(models.ErrStorage, "create output dirs", err)
	}

	for i, st := range p.stages() {
		if err := p.runStage(ctx, r, st); err != nil {
			return err
		}
		if err := p.saveProgress(ctx, r, float64(i+1)/float64(len(models.Stages))); err != nil {
			return err
		}
	}
	return nil
}

type stage struct {
	name models.StageName
	fn   func(ctx context.Context, r *run) error
}

func (p *Pipeline) stages() []stage {
	return []stage{
		{models.StageTranscode, p.transcode},
		{models.StageThumbnails, p.thumbnails},
		{models.StageAudioExtract, p.extractAudio},
		{models.StagePreview, p.preview},
		{models.StageAnalyze, p.analyze},
	}
}

func (p *Pipeline) runStage(ctx context.Context, r *run, st stage) error {
	ctx, span := tracer.Start(ctx, "stage-"+string(st.name))
	defer span.End()

	start := time.Now()
	err := st.fn(ctx, r)
	metrics.StageDuration.WithLabelValues(string(st.name)).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.StageFailures.WithLabelValues(string(st.name)).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.log.WarnContext(ctx, "Stage failed", "stage", st.name, "attempt", r.job.Attempts, "error", err)
		return fmt.Errorf("%s: %w", st.name, err)
	}
	r.result.MarkStage(st.name)
	r.log.InfoContext(ctx, "Stage completed", "stage", st.name, "durationMs", time.Since(start).Milliseconds())
	return nil
}

// saveProgress persists the partial result without letting progress move
// backwards across attempts.
func (p *Pipeline) saveProgress(ctx context.Context, r *run, progress float64) error {
	r.highest = max(r.highest, progress)
	err := p.jobs.SaveProgress(ctx, r.asset.AssetID, r.highest, r.job.Attempts, r.result)
	switch {
	case err == nil:
		r.job.Progress = r.highest
		return nil
	case errors.Is(err, models.ErrConflict):
		return fmt.Errorf("%w: %v", ErrLeaseLost, err)
	default:
		r.log.WarnContext(ctx, "Failed to save progress", "progress", r.highest, "error", err)
		return nil
	}
}

func (p *Pipeline) complete(ctx context.Context, r *run) (*models.ProcessingJob, error) {
	r.job.Status = models.JobCompleted
	r.job.Progress = 1
	r.job.LastError = ""
	r.job.Result = r.result
	return p.finish(ctx, r)
}

func (p *Pipeline) fail(ctx context.Context, r *run, cause error) (*models.ProcessingJob, error) {
	r.job.Status = models.JobFailed
	r.job.LastError = cause.Error()
	r.job.Result = r.result
	return p.finish(ctx, r)
}

// finish writes the terminal state and notifies. It runs on a context
// detached from the job so a timed out job can still be recorded.
func (p *Pipeline) finish(ctx context.Context, r *run) (*models.ProcessingJob, error) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()

	if err := p.jobs.FinishJob(fctx, r.asset.AssetID, r.job, p.now()); err != nil {
		r.log.ErrorContext(fctx, "Failed to record job outcome", "status", r.job.Status, "error", err)
		if errors.Is(err, models.ErrConflict) {
			return nil, fmt.Errorf("%w: %v", ErrLeaseLost, err)
		}
		return nil, err
	}
	metrics.RecordJob(string(r.job.Status))

	attrs := []any{"status", r.job.Status, "attempts", r.job.Attempts}
	if r.job.Status == models.JobFailed {
		r.log.ErrorContext(fctx, "Job failed", append(attrs, "error", r.job.LastError)...)
	} else {
		r.log.InfoContext(fctx, "Job completed", append(attrs, "analysisError", r.job.Result.AnalysisError)...)
	}

	if p.notifier != nil {
		if err := p.notifier.Notify(fctx, r.job, r.asset); err != nil {
			r.log.WarnContext(fctx, "Failed to send job notification", "error", err)
		}
	}
	return r.job, nil
}

func (r *run) output(kind models.ArtifactKind, name string) string {
	return transcoder.OutputPath(r.dir, kind, name)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
