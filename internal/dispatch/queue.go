package dispatch

import (
	"context"
	"encoding/json"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/amillerrr/tus-media-pipeline/pkg/models"
)

// SQSAPI is the subset of the SQS client used to publish tasks.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSQueue publishes transcode tasks to an SQS queue.
type SQSQueue struct {
	client   SQSAPI
	queueURL string
}

// NewSQSQueue creates a publisher for queueURL.
func NewSQSQueue(client SQSAPI, queueURL string) *SQSQueue {
	return &SQSQueue{client: client, queueURL: queueURL}
}

// Enqueue sends task. Duplicates are possible and handled by the worker's
// job claim.
func (q *SQSQueue) Enqueue(ctx context.Context, task models.TranscodeTask) error {
	body, err := json.Marshal(task)
	if err != nil {
		return models.Wrap(models.ErrStorage, "encode task", err)
	}

	_, err = q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"assetId": {DataType: aws.String("String"), StringValue: aws.String(task.AssetID)},
		},
	})
	if err != nil {
		return models.Wrap(models.ErrStorage, "send task", err)
	}
	return nil
}
