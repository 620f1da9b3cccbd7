package notify

import (
	"context"
	"time"

	"resty.dev/v3"

	"github.com/amillerrr/tus-media-pipeline/pkg/models"
)

// Webhook request defaults
const (
	WebhookTimeout = 10 * time.Second
	WebhookRetries = 2
)

// Webhook POSTs job events as JSON to a fixed URL.
type Webhook struct {
	url    string
	client *resty.Client
}

func NewWebhook(url string) *Webhook {
	client := resty.New().
		SetTimeout(WebhookTimeout).
		SetRetryCount(WebhookRetries).
		SetHeader("Content-Type", "application/json")
	return &Webhook{url: url, client: client}
}

func (w *Webhook) Notify(ctx context.Context, job *models.ProcessingJob, asset *models.MediaAsset) error {
	resp, err := w.client.R().
		SetContext(ctx).
		SetHeader("X-Media-Event", "job."+string(job.Status)).
		SetBody(NewEvent(job, asset)).
		Post(w.url)
	if err != nil {
		return models.Wrap(models.ErrStorage, "post webhook", err)
	}
	if resp.IsError() {
		return models.E(models.ErrStorage, "post webhook", "status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

// Close releases the underlying HTTP client.
func (w *Webhook) Close() {
	w.client.Close()
}
