package testsupport

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/amillerrr/tus-media-pipeline/pkg/models"
)

// MediaRepository is an in-memory asset and job store.
type MediaRepository struct {
	mu     sync.Mutex
	assets map[string]*models.MediaAsset
	jobs   map[string]*models.ProcessingJob

	// ProgressLog records every progress value accepted by SaveProgress.
	ProgressLog []float64
}

// NewMediaRepository returns an empty repository.
func NewMediaRepository() *MediaRepository {
	return &MediaRepository{
		assets: make(map[string]*models.MediaAsset),
		jobs:   make(map[string]*models.ProcessingJob),
	}
}

func (r *MediaRepository) CreateAsset(_ context.Context, a *models.MediaAsset) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.assets[a.AssetID]; ok {
		return models.E(models.ErrConflict, "create asset", "already exists")
	}
	c := *a
	r.assets[a.AssetID] = &c
	return nil
}

func (r *MediaRepository) GetAsset(_ context.Context, assetID string) (*models.MediaAsset, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.assets[assetID]
	if !ok {
		return nil, models.E(models.ErrNotFound, "get asset", "asset %s not found", assetID)
	}
	c := *a
	return &c, nil
}

func (r *MediaRepository) UpdateAssetDuration(_ context.Context, assetID string, seconds float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.assets[assetID]
	if !ok {
		return models.E(models.ErrNotFound, "update asset", "asset %s not found", assetID)
	}
	a.DurationSeconds = seconds
	return nil
}

func (r *MediaRepository) CreateJob(_ context.Context, j *models.ProcessingJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[j.AssetID]; ok {
		return models.E(models.ErrConflict, "create job", "already exists")
	}
	c := *j
	r.jobs[j.AssetID] = &c
	return nil
}

func (r *MediaRepository) GetJob(_ context.Context, assetID string) (*models.ProcessingJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[assetID]
	if !ok {
		return nil, models.E(models.ErrNotFound, "get job", "job for asset %s not found", assetID)
	}
	c := *j
	return &c, nil
}

func (r *MediaRepository) MarkEnqueued(_ context.Context, assetID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[assetID]
	if !ok {
		return models.E(models.ErrNotFound, "mark enqueued", "job for asset %s not found", assetID)
	}
	j.EnqueuedAt = models.FormatTime(at)
	return nil
}

func (r *MediaRepository) ClaimJob(_ context.Context, assetID string, leaseUntil, now time.Time) (*models.ProcessingJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[assetID]
	claimable := ok && (j.Status == models.JobPending ||
		(j.Status == models.JobProcessing && j.LeaseUntil < models.FormatTime(now)))
	if !claimable {
		return nil, models.E(models.ErrConflict, "claim job", "job for asset %s is not claimable", assetID)
	}
	j.Status = models.JobProcessing
	j.LeaseUntil = models.FormatTime(leaseUntil)
	if j.StartedAt == "" {
		j.StartedAt = models.FormatTime(now)
	}
	c := *j
	return &c, nil
}

func (r *MediaRepository) SaveProgress(_ context.Context, assetID string, progress float64, attempts int, result models.ProcessingResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[assetID]
	if !ok || j.Status != models.JobProcessing || progress < j.Progress {
		return models.E(models.ErrConflict, "save progress", "job for asset %s is not running or progress would regress", assetID)
	}
	j.Progress = progress
	j.Attempts = attempts
	j.Result = result
	r.ProgressLog = append(r.ProgressLog, progress)
	return nil
}

func (r *MediaRepository) FinishJob(_ context.Context, assetID string, done *models.ProcessingJob, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[assetID]
	held := ok && j.Status == models.JobProcessing && (done.LeaseUntil == "" || done.LeaseUntil == j.LeaseUntil)
	if !held {
		return models.E(models.ErrConflict, "finish job", "job for asset %s is no longer held by this run", assetID)
	}
	done.CompletedAt = models.FormatTime(now)
	j.Status = done.Status
	j.Progress = done.Progress
	j.Attempts = done.Attempts
	j.Result = done.Result
	j.LastError = done.LastError
	j.LeaseUntil = ""
	j.CompletedAt = done.CompletedAt
	return nil
}

func (r *MediaRepository) ListPendingJobs(_ context.Context, limit int32) ([]models.ProcessingJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.ProcessingJob
	for _, j := range r.jobs {
		if j.Status == models.JobPending {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt < out[k].CreatedAt })
	if int32(len(out)) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Jobs returns a snapshot of all jobs.
func (r *MediaRepository) Jobs() []models.ProcessingJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.ProcessingJob, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, *j)
	}
	return out
}

// Queue is an in-memory task queue.
type Queue struct {
	mu    sync.Mutex
	tasks []models.TranscodeTask

	// FailEnqueues makes the next n Enqueue calls fail.
	FailEnqueues int
}

func (q *Queue) Enqueue(_ context.Context, task models.TranscodeTask) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.FailEnqueues > 0 {
		q.FailEnqueues--
		return models.E(models.ErrStorage, "enqueue", "injected failure")
	}
	q.tasks = append(q.tasks, task)
	return nil
}

// Tasks returns a snapshot of enqueued tasks.
func (q *Queue) Tasks() []models.TranscodeTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]models.TranscodeTask(nil), q.tasks...)
}

// Clock is a settable time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts a clock at t.
func NewClock(t time.Time) *Clock { return &Clock{now: t} }

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
