package upload

import (
	"context"
	"time"

	"github.com/amillerrr/tus-media-pipeline/internal/metrics"
	"github.com/amillerrr/tus-media-pipeline/pkg/models"
)

const sweepBatch = 100

// SweepResult counts what one sweep removed.
type SweepResult struct {
	Expired int
	Purged  int
}

// Sweep expires every session past its absolute expiry. Incomplete sessions
// move to EXPIRED and their storage is released. Completed sessions only had
// their record kept for HEAD and are deleted along with any stray tails.
func (s *Service) Sweep(ctx context.Context) (*SweepResult, error) {
	ctx, span := tracer.Start(ctx, "upload.sweep")
	defer span.End()

	res := &SweepResult{}
	now := s.now()

	for {
		expired, err := s.sessions.ListExpired(ctx, now, sweepBatch)
		if err != nil {
			return res, err
		}
		if len(expired) == 0 {
			return res, nil
		}

		progressed := false
		for i := range expired {
			sess := &expired[i]
			if err := ctx.Err(); err != nil {
				return res, err
			}
			if s.sweepOne(ctx, sess) {
				progressed = true
				if sess.Completed() {
					res.Purged++
				} else {
					res.Expired++
				}
			}
		}
		if !progressed || len(expired) < sweepBatch {
			return res, nil
		}
	}
}

func (s *Service) sweepOne(ctx context.Context, sess *models.UploadSession) bool {
	if !sess.Completed() {
		err := s.sessions.MarkState(ctx, sess.UploadID, models.UploadExpired,
			models.UploadNew, models.UploadReceiving, models.UploadExpired, models.UploadAborted)
		if err != nil {
			s.log.WarnContext(ctx, "Failed to expire session", "uploadId", sess.UploadID, "error", err)
			return false
		}
		s.releaseStorage(ctx, sess)
		metrics.UploadsFinished.WithLabelValues("expired").Inc()
	} else if s.finalizer != nil {
		// The record holds the only copy of the part list. Keep it until
		// the asset exists.
		if _, err := s.finalizer.Finalize(ctx, sess.UploadID); err != nil {
			s.log.WarnContext(ctx, "Completed session not finalized, keeping record", "uploadId", sess.UploadID, "error", err)
			return false
		}
	}
	if sess.Completed() {
		// A writer that died mid-chunk can leave a tail the final commit
		// never saw.
		s.deleteTails(ctx, sess.UploadID)
	}

	if err := s.sessions.Delete(ctx, sess.UploadID); err != nil {
		s.log.WarnContext(ctx, "Failed to delete swept session", "uploadId", sess.UploadID, "error", err)
		return false
	}
	s.log.InfoContext(ctx, "Session swept", "uploadId", sess.UploadID, "state", sess.State, "offset", sess.Offset)
	return true
}

// Finalizer turns a completed session into an asset. Finalize must be
// idempotent.
type Finalizer interface {
	Finalize(ctx context.Context, uploadID string) (*models.MediaAsset, error)
}

// SetFinalizer makes Sweep finalize completed sessions before deleting them.
func (s *Service) SetFinalizer(f Finalizer) { s.finalizer = f }

// RunSweeper calls Sweep every interval until ctx is cancelled.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := s.Sweep(ctx)
			if err != nil {
				s.log.ErrorContext(ctx, "Session sweep failed", "error", err)
				continue
			}
			if res.Expired > 0 || res.Purged > 0 {
				s.log.InfoContext(ctx, "Session sweep finished", "expired", res.Expired, "purged", res.Purged)
			}
		}
	}
}
