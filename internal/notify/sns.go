package notify

import (
	"context"
	"encoding/json"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"

	"github.com/amillerrr/tus-media-pipeline/pkg/models"
)

// SNSPublisher is the subset of the SNS client used for notifications.
type SNSPublisher interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNS publishes job events to a topic. The status is also set as a message
// attribute so subscribers can filter on it.
type SNS struct {
	client   SNSPublisher
	topicARN string
}

func NewSNS(client SNSPublisher, topicARN string) *SNS {
	return &SNS{client: client, topicARN: topicARN}
}

func (s *SNS) Notify(ctx context.Context, job *models.ProcessingJob, asset *models.MediaAsset) error {
	body, err := json.Marshal(NewEvent(job, asset))
	if err != nil {
		return models.Wrap(models.ErrValidation, "encode notification", err)
	}

	_, err = s.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(s.topicARN),
		Message:  aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"status": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(job.Status)),
			},
		},
	})
	if err != nil {
		return models.Wrap(models.ErrStorage, "publish notification", err)
	}
	return nil
}
