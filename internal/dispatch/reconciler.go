package dispatch

import (
	"context"
	"strconv"
	"time"

	"github.com/amillerrr/tus-media-pipeline/pkg/models"
)

const reconcileBatch = 100

// Reconcile recovers work that fell between the upload and the queue. It
// first finalizes sessions that completed more than staleAfter ago without
// an asset and job, then re-enqueues PENDING jobs that were never enqueued
// or whose enqueue mark is older than staleAfter. It returns the number of
// sessions finalized plus jobs re-enqueued.
func (d *Dispatcher) Reconcile(ctx context.Context, staleAfter time.Duration) (int, error) {
	ctx, span := tracer.Start(ctx, "dispatch.reconcile")
	defer span.End()

	cutoff := d.now().Add(-staleAfter)
	finalized, err := d.finalizeStranded(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	jobs, err := d.media.ListPendingJobs(ctx, reconcileBatch)
	if err != nil {
		return finalized, err
	}

	sent := 0
	for i := range jobs {
		job := &jobs[i]
		if !needsEnqueue(job, cutoff) {
			continue
		}
		asset, err := d.media.GetAsset(ctx, job.AssetID)
		if err != nil {
			d.log.WarnContext(ctx, "Pending job has no asset", "assetId", job.AssetID, "error", err)
			continue
		}
		if d.enqueue(ctx, asset, job, "reconcile") {
			sent++
		}
	}

	if sent > 0 {
		d.log.InfoContext(ctx, "Reconciled pending jobs", "enqueued", sent, "pending", len(jobs))
	}
	return finalized + sent, nil
}

func (d *Dispatcher) finalizeStranded(ctx context.Context, cutoff time.Time) (int, error) {
	sessions, err := d.sessions.ListUnfinalized(ctx, cutoff, reconcileBatch)
	if err != nil {
		return 0, err
	}

	finalized := 0
	for i := range sessions {
		id := sessions[i].UploadID
		if _, err := d.Finalize(ctx, id); err != nil {
			d.log.WarnContext(ctx, "Stranded upload still not finalized", "uploadId", id, "error", err)
			continue
		}
		finalized++
	}

	if finalized > 0 {
		d.log.InfoContext(ctx, "Finalized stranded uploads", "finalized", finalized, "found", len(sessions))
	}
	return finalized, nil
}

func needsEnqueue(job *models.ProcessingJob, cutoff time.Time) bool {
	if job.EnqueuedAt == "" {
		return true
	}
	at, err := models.ParseTime(job.EnqueuedAt)
	return err != nil || at.Before(cutoff)
}

// RunReconciler calls Reconcile every interval until ctx is cancelled.
func (d *Dispatcher) RunReconciler(ctx context.Context, interval, staleAfter time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.Reconcile(ctx, staleAfter); err != nil {
				d.log.ErrorContext(ctx, "Job reconcile failed", "error", err)
			}
		}
	}
}

func declaredDuration(md map[string]string) float64 {
	v, ok := md["duration"]
	if !ok {
		return 0
	}
	d, err := strconv.ParseFloat(v, 64)
	if err != nil || d < 0 {
		return 0
	}
	return d
}
