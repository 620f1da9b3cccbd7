// Package notify tells external systems that a processing job reached a
// terminal status.
package notify

import (
	"context"
	"log/slog"

	"github.com/amillerrr/tus-media-pipeline/internal/config"
	"github.com/amillerrr/tus-media-pipeline/pkg/models"
)

// Event is the payload delivered for a finished job.
type Event struct {
	AssetID     string                  `json:"assetId"`
	JobID       string                  `json:"jobId"`
	OwnerID     string                  `json:"ownerId"`
	TargetRef   string                  `json:"targetRef,omitempty"`
	Status      models.JobStatus        `json:"status"`
	Attempts    int                     `json:"attempts"`
	LastError   string                  `json:"lastError,omitempty"`
	Result      models.ProcessingResult `json:"result"`
	CompletedAt string                  `json:"completedAt,omitempty"`
}

// NewEvent builds the notification payload for job and its asset.
func NewEvent(job *models.ProcessingJob, asset *models.MediaAsset) Event {
	e := Event{
		AssetID:     job.AssetID,
		JobID:       job.JobID,
		Status:      job.Status,
		Attempts:    job.Attempts,
		LastError:   job.LastError,
		Result:      job.Result,
		CompletedAt: job.CompletedAt,
	}
	if asset != nil {
		e.OwnerID = asset.OwnerID
		e.TargetRef = asset.TargetRef
	}
	return e
}

// Noop discards notifications.
type Noop struct{}

func (Noop) Notify(context.Context, *models.ProcessingJob, *models.MediaAsset) error { return nil }

// Notifier is implemented by every delivery channel in this package.
type Notifier interface {
	Notify(ctx context.Context, job *models.ProcessingJob, asset *models.MediaAsset) error
}

// New picks the notifier configured in cfg. An SNS topic wins over a
// webhook; with neither set notifications are dropped.
func New(cfg config.NotifyConfig, snsClient SNSPublisher, log *slog.Logger) Notifier {
	switch {
	case cfg.SNSTopicARN != "" && snsClient != nil:
		log.Info("Job notifications via SNS", "topicArn", cfg.SNSTopicARN)
		return NewSNS(snsClient, cfg.SNSTopicARN)
	case cfg.WebhookURL != "":
		log.Info("Job notifications via webhook", "url", cfg.WebhookURL)
		return NewWebhook(cfg.WebhookURL)
	default:
		log.Info("Job notifications disabled")
		return Noop{}
	}
}
