package pipeline

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/amillerrr/tus-media-pipeline/internal/analysis"
	"github.com/amillerrr/tus-media-pipeline/internal/logger"
	"github.com/amillerrr/tus-media-pipeline/internal/testsupport"
	"github.com/amillerrr/tus-media-pipeline/internal/transcoder"
	"github.com/amillerrr/tus-media-pipeline/pkg/models"
)

// fakeTool writes placeholder files for every ffmpeg operation. failures
// injects errors: the value is how many calls of that operation fail before
// it succeeds, -1 for always.
type fakeTool struct {
	mu       sync.Mutex
	probe    *transcoder.ProbeResult
	probeErr error
	failures map[string]int
	// failOnly limits transcode failures to one preset.
	failOnly string
	calls    map[string]int
	block    bool
	pcmSecs  float64
	pcmErr   error
}

func newFakeTool() *fakeTool {
	return &fakeTool{
		probe: &transcoder.ProbeResult{
			Streams: []transcoder.ProbeStream{
				{Index: 0, CodecType: "video", Width: 1920, Height: 1080},
				{Index: 1, CodecType: "audio"},
			},
			Format: transcoder.ProbeFormat{Duration: "60"},
		},
		failures: map[string]int{},
		calls:    map[string]int{},
		pcmSecs:  2,
	}
}

func (f *fakeTool) step(ctx context.Context, op, out string) error {
	f.mu.Lock()
	f.calls[op]++
	n := f.failures[op]
	fail := n == -1 || n > 0
	if n > 0 {
		f.failures[op]--
	}
	block := f.block
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return models.Wrap(models.ErrTranscodeFailed, op, ctx.Err())
	}
	if fail {
		return models.E(models.ErrTranscodeFailed, op, "exit status 1")
	}
	return os.WriteFile(out, []byte(op+":"+filepath.Base(out)), 0o644)
}

func (f *fakeTool) calledTimes(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeTool) GetPresets() []transcoder.Preset { return transcoder.DefaultPresets }

func (f *fakeTool) Probe(context.Context, string) (*transcoder.ProbeResult, error) {
	return f.probe, f.probeErr
}

func (f *fakeTool) Transcode(ctx context.Context, _, out string, p transcoder.Preset, _, _ int) error {
	if f.failOnly != "" && p.Name != f.failOnly {
		return os.WriteFile(out, []byte(p.Name), 0o644)
	}
	return f.step(ctx, "transcode", out)
}

func (f *fakeTool) Thumbnail(ctx context.Context, _, out string, _ float64) error {
	return f.step(ctx, "thumbnail", out)
}

func (f *fakeTool) ExtractAudio(ctx context.Context, _, out string, _ int) error {
	return f.step(ctx, "audio", out)
}

func (f *fakeTool) Preview(ctx context.Context, _, out string, _, _ float64) error {
	return f.step(ctx, "preview", out)
}

func (f *fakeTool) DecodePCM(_ context.Context, _ string, sampleRate int) ([]float32, error) {
	if f.pcmErr != nil {
		return nil, f.pcmErr
	}
	n := int(f.pcmSecs * float64(sampleRate))
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(0.5 * math.Sin(2*math.Pi*220*float64(i)/float64(sampleRate)))
	}
	return out, nil
}

type fakeFetcher struct {
	calls int
	err   error
}

func (f *fakeFetcher) Download(_ context.Context, _, key, dir string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	path := filepath.Join(dir, "source"+filepath.Ext(key))
	return path, os.WriteFile(path, []byte("source"), 0o644)
}

// storePublisher uploads into an in-memory object store.
type storePublisher struct {
	store *testsupport.ObjectStore
}

func (s *storePublisher) Publish(ctx context.Context, assetID string, kind models.ArtifactKind, name, path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, models.Wrap(models.ErrStorage, "open artifact", err)
	}
	defer f.Close()
	info, _ := f.Stat()
	key := transcoder.ArtifactKey(assetID, kind, name)
	if err := s.store.Put(ctx, key, kind.ContentType(), f); err != nil {
		return "", 0, err
	}
	return key, info.Size(), nil
}

type recordingNotifier struct {
	mu   sync.Mutex
	jobs []models.ProcessingJob
}

func (n *recordingNotifier) Notify(_ context.Context, job *models.ProcessingJob, _ *models.MediaAsset) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.jobs = append(n.jobs, *job)
	return nil
}

type fixture struct {
	pipeline *Pipeline
	tool     *fakeTool
	fetcher  *fakeFetcher
	store    *testsupport.ObjectStore
	media    *testsupport.MediaRepository
	notifier *recordingNotifier
	delays   []time.Duration
	asset    *models.MediaAsset
	job      *models.ProcessingJob
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	f := &fixture{
		tool:     newFakeTool(),
		fetcher:  &fakeFetcher{},
		store:    testsupport.NewObjectStore("processed"),
		media:    testsupport.NewMediaRepository(),
		notifier: &recordingNotifier{},
	}
	f.pipeline = New(Config{
		Settings: Settings{
			MaxAttempts:          3,
			RetryBaseDelay:       time.Second,
			RetryMaxDelay:        time.Minute,
			ThumbnailCount:       5,
			PreviewSeconds:       10,
			PreviewStartFraction: 0.1,
			AnalysisSampleRate:   8000,
			WorkDir:              t.TempDir(),
		},
		Tool:      f.tool,
		Fetcher:   f.fetcher,
		Publisher: &storePublisher{store: f.store},
		Jobs:      f.media,
		Analyzer:  analysis.NewEngine(analysis.DefaultConfig()),
		Notifier:  f.notifier,
		Logger:    logger.Discard(),
		Now:       func() time.Time { return now },
		Sleep: func(_ context.Context, d time.Duration) error {
			f.delays = append(f.delays, d)
			return nil
		},
	})

	ctx := context.Background()
	f.asset = &models.MediaAsset{AssetID: "a1", OwnerID: "u1", Bucket: "raw", StorageKey: "uploads/a1.mp4", JobID: "j1"}
	require.NoError(t, f.media.CreateAsset(ctx, f.asset))
	require.NoError(t, f.media.CreateJob(ctx, &models.ProcessingJob{JobID: "j1", AssetID: "a1", Status: models.JobPending}))
	job, err := f.media.ClaimJob(ctx, "a1", now.Add(time.Hour), now)
	require.NoError(t, err)
	f.job = job
	return f
}

func (f *fixture) stored(t *testing.T) *models.ProcessingJob {
	t.Helper()
	j, err := f.media.GetJob(context.Background(), "a1")
	require.NoError(t, err)
	return j
}

func TestRun_TransientThumbnailFailuresThenSuccess(t *testing.T) {
	f := newFixture(t)
	f.tool.failures["thumbnail"] = 2

	job, err := f.pipeline.Run(context.Background(), f.job, f.asset)
	require.NoError(t, err)

	require.Equal(t, models.JobCompleted, job.Status)
	require.Equal(t, 3, job.Attempts)
	require.Equal(t, 1.0, job.Progress)
	require.Empty(t, job.LastError)
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second}, f.delays)

	res := job.Result
	require.Len(t, res.TranscodedVideos, 3)
	require.Len(t, res.Thumbnails, 5)
	require.NotNil(t, res.AudioTrack)
	require.NotNil(t, res.PreviewClip)
	require.NotNil(t, res.AnalysisSummary)
	require.Empty(t, res.AnalysisError)
	require.Equal(t, models.Stages, res.CompletedStages)

	for _, r := range res.TranscodedVideos {
		_, ok := f.store.Object(r.Key)
		require.True(t, ok, "rendition %s not uploaded", r.Key)
		require.Zero(t, r.Width%2)
		require.Zero(t, r.Height%2)
	}
	require.Equal(t, "media/a1/thumbnail/thumb_01.jpg", res.Thumbnails[0].Key)
	require.Equal(t, 10.0, res.Thumbnails[0].Timestamp)
	require.Equal(t, 360, res.Thumbnails[0].Height)
	require.Equal(t, 6.0, res.PreviewClip.Start)
	require.Equal(t, 10.0, res.PreviewClip.DurationSeconds)

	require.True(t, slices.IsSorted(f.media.ProgressLog), "progress regressed: %v", f.media.ProgressLog)
	require.Equal(t, 1, f.fetcher.calls, "source should be downloaded once")

	stored := f.stored(t)
	require.Equal(t, models.JobCompleted, stored.Status)
	require.NotEmpty(t, stored.CompletedAt)

	asset, err := f.media.GetAsset(context.Background(), "a1")
	require.NoError(t, err)
	require.Equal(t, 60.0, asset.DurationSeconds)

	require.Len(t, f.notifier.jobs, 1)
	require.Equal(t, models.JobCompleted, f.notifier.jobs[0].Status)
}

func TestRun_ExhaustedTranscodeFails(t *testing.T) {
	f := newFixture(t)
	f.tool.failOnly = "480p"
	f.tool.failures["transcode"] = -1

	job, err := f.pipeline.Run(context.Background(), f.job, f.asset)
	require.NoError(t, err)

	require.Equal(t, models.JobFailed, job.Status)
	require.Equal(t, 3, job.Attempts)
	require.Contains(t, job.LastError, "exit status 1")
	require.Equal(t, 3, f.tool.calledTimes("transcode"))

	// The failing rendition is never reported; uploaded ones are.
	videos := job.Result.TranscodedVideos
	require.NotContains(t, videos, "480p")
	require.Contains(t, videos, "1080p")
	require.Contains(t, videos, "720p")
	require.Nil(t, job.Result.AudioTrack)
	require.False(t, job.Result.HasStage(models.StageTranscode))

	stored := f.stored(t)
	require.Equal(t, models.JobFailed, stored.Status)
	require.Equal(t, job.LastError, stored.LastError)
	require.Len(t, f.notifier.jobs, 1)
	require.Equal(t, models.JobFailed, f.notifier.jobs[0].Status)
}

func TestRun_AnalysisFailureDegrades(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*fakeTool)
	}{
		{"too short", func(ft *fakeTool) { ft.pcmSecs = 0.2 }},
		{"decode error", func(ft *fakeTool) { ft.pcmErr = errors.New("invalid data found") }},
		{"no audio", func(ft *fakeTool) { ft.probe.Streams = ft.probe.Streams[:1] }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tt.setup(f.tool)

			job, err := f.pipeline.Run(context.Background(), f.job, f.asset)
			require.NoError(t, err)
			require.Equal(t, models.JobCompleted, job.Status)
			require.Equal(t, 1, job.Attempts)
			require.NotEmpty(t, job.Result.AnalysisError)
			require.Nil(t, job.Result.AnalysisSummary)
			require.Len(t, job.Result.TranscodedVideos, 3)
		})
	}
}

func TestRun_NonRetryableFailsOnce(t *testing.T) {
	f := newFixture(t)
	f.tool.probeErr = models.E(models.ErrValidation, "ffprobe", "source has no video stream")

	job, err := f.pipeline.Run(context.Background(), f.job, f.asset)
	require.NoError(t, err)
	require.Equal(t, models.JobFailed, job.Status)
	require.Equal(t, 1, job.Attempts)
	require.Empty(t, f.delays)
	require.Contains(t, job.LastError, "no video stream")
}

func TestRun_Timeout(t *testing.T) {
	f := newFixture(t)
	f.tool.block = true

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	job, err := f.pipeline.Run(ctx, f.job, f.asset)
	require.NoError(t, err)
	require.Equal(t, models.JobFailed, job.Status)
	require.Equal(t, "job timed out", job.LastError)
	require.Equal(t, models.JobFailed, f.stored(t).Status)
}

func TestRun_CancelLeavesJobRunning(t *testing.T) {
	f := newFixture(t)
	f.tool.block = true

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := f.pipeline.Run(ctx, f.job, f.asset)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, models.JobProcessing, f.stored(t).Status)
	require.Empty(t, f.notifier.jobs)
}

func TestRun_LeaseLost(t *testing.T) {
	f := newFixture(t)
	// Another worker already finished the job.
	done := *f.job
	done.Status = models.JobCompleted
	require.NoError(t, f.media.FinishJob(context.Background(), "a1", &done, time.Now()))

	_, err := f.pipeline.Run(context.Background(), f.job, f.asset)
	require.ErrorIs(t, err, ErrLeaseLost)
	require.Zero(t, f.tool.calledTimes("thumbnail"), "stages after the lost lease should not run")
	require.Empty(t, f.notifier.jobs)
}

func TestRun_FinishWithStaleLease(t *testing.T) {
	f := newFixture(t)
	// Our copy of the claim was replaced by a newer one elsewhere.
	f.job.LeaseUntil = "2025-06-01T12:30:00.000Z"

	_, err := f.pipeline.Run(context.Background(), f.job, f.asset)
	require.ErrorIs(t, err, ErrLeaseLost)
	require.Equal(t, models.JobProcessing, f.stored(t).Status, "the newer holder's job must not be overwritten")
	require.Empty(t, f.stored(t).CompletedAt)
	require.Empty(t, f.notifier.jobs)
}

func TestRun_BudgetAlreadySpent(t *testing.T) {
	f := newFixture(t)
	f.job.Attempts = 3

	job, err := f.pipeline.Run(context.Background(), f.job, f.asset)
	require.NoError(t, err)
	require.Equal(t, models.JobFailed, job.Status)
	require.Contains(t, job.LastError, "retry budget")
	require.Zero(t, f.fetcher.calls)
}

func TestRetryDelay(t *testing.T) {
	tests := []struct {
		n    int
		want time.Duration
	}{
		{0, 0},
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{5, 30 * time.Second},
		{60, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := RetryDelay(5*time.Second, 30*time.Second, tt.n); got != tt.want {
			t.Errorf("RetryDelay(n=%d) = %v, want %v", tt.n, got, tt.want)
		}
	}
	if got := RetryDelay(time.Second, 0, 4); got != 8*time.Second {
		t.Errorf("uncapped RetryDelay = %v, want 8s", got)
	}
}
