package storage

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/amillerrr/tus-media-pipeline/pkg/models"
)

// MediaRepository stores assets and their processing jobs. Both live under
// the asset's partition so one asset never has more than one job.
type MediaRepository struct {
	client    DynamoAPI
	tableName string
}

// NewMediaRepository creates a repository over tableName.
func NewMediaRepository(client DynamoAPI, tableName string) *MediaRepository {
	return &MediaRepository{client: client, tableName: tableName}
}

// CreateAsset stores a new asset. It returns ErrConflict if one exists.
func (r *MediaRepository) CreateAsset(ctx context.Context, a *models.MediaAsset) error {
	a.PK = assetPK(a.AssetID)
	a.SK = assetSK
	return r.putNew(ctx, "create asset", a)
}

// GetAsset loads an asset by id.
func (r *MediaRepository) GetAsset(ctx context.Context, assetID string) (*models.MediaAsset, error) {
	var a models.MediaAsset
	if err := r.get(ctx, "get asset", assetPK(assetID), assetSK, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// UpdateAssetDuration records the probed duration of the source.
func (r *MediaRepository) UpdateAssetDuration(ctx context.Context, assetID string, seconds float64) error {
	av, err := attributevalue.Marshal(seconds)
	if err != nil {
		return models.Wrap(models.ErrStorage, "marshal duration", err)
	}
	_, err = r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(r.tableName),
		Key:                       key(assetPK(assetID), assetSK),
		UpdateExpression:          aws.String("SET duration_seconds = :d"),
		ConditionExpression:       aws.String("attribute_exists(pk)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{":d": av},
	})
	if err != nil {
		if isConditionFailed(err) {
			return models.E(models.ErrNotFound, "update asset", "asset %s not found", assetID)
		}
		return models.Wrap(models.ErrStorage, "update asset", err)
	}
	return nil
}

// CreateJob stores a new job for its asset. It returns ErrConflict if the
// asset already has one.
func (r *MediaRepository) CreateJob(ctx context.Context, j *models.ProcessingJob) error {
	j.PK = assetPK(j.AssetID)
	j.SK = jobSK
	j.GSI1PK = jobStatusGSI(string(j.Status))
	j.GSI1SK = j.CreatedAt + "#" + j.AssetID
	return r.putNew(ctx, "create job", j)
}

// GetJob loads the job of an asset.
func (r *MediaRepository) GetJob(ctx context.Context, assetID string) (*models.ProcessingJob, error) {
	var j models.ProcessingJob
	if err := r.get(ctx, "get job", assetPK(assetID), jobSK, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

// MarkEnqueued records that the job's task reached the queue.
func (r *MediaRepository) MarkEnqueued(ctx context.Context, assetID string, at time.Time) error {
	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(r.tableName),
		Key:                       key(assetPK(assetID), jobSK),
		UpdateExpression:          aws.String("SET enqueued_at = :at"),
		ConditionExpression:       aws.String("attribute_exists(pk)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{":at": str(models.FormatTime(at))},
	})
	if err != nil {
		if isConditionFailed(err) {
			return models.E(models.ErrNotFound, "mark enqueued", "job for asset %s not found", assetID)
		}
		return models.Wrap(models.ErrStorage, "mark enqueued", err)
	}
	return nil
}

// ClaimJob moves a job to PROCESSING for one worker. A job is claimable when
// it is PENDING or when a previous worker's lease has lapsed.
func (r *MediaRepository) ClaimJob(ctx context.Context, assetID string, leaseUntil, now time.Time) (*models.ProcessingJob, error) {
	out, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(r.tableName),
		Key:       key(assetPK(assetID), jobSK),
		UpdateExpression: aws.String("SET #status = :processing, gsi1pk = :gsi, lease_until = :lease, " +
			"started_at = if_not_exists(started_at, :now)"),
		ConditionExpression: aws.String("#status = :pending OR (#status = :processing AND lease_until < :now)"),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":processing": str(string(models.JobProcessing)),
			":pending":    str(string(models.JobPending)),
			":gsi":        str(jobStatusGSI(string(models.JobProcessing))),
			":lease":      str(models.FormatTime(leaseUntil)),
			":now":        str(models.FormatTime(now)),
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	if err != nil {
		if isConditionFailed(err) {
			return nil, models.E(models.ErrConflict, "claim job", "job for asset %s is not claimable", assetID)
		}
		return nil, models.Wrap(models.ErrStorage, "claim job", err)
	}

	var j models.ProcessingJob
	if err := attributevalue.UnmarshalMap(out.Attributes, &j); err != nil {
		return nil, models.Wrap(models.ErrStorage, "unmarshal job", err)
	}
	return &j, nil
}

// SaveProgress persists progress and the partial result of a running job.
// Progress never decreases: the write is skipped when it would.
func (r *MediaRepository) SaveProgress(ctx context.Context, assetID string, progress float64, attempts int, result models.ProcessingResult) error {
	resultAV, err := attributevalue.Marshal(result)
	if err != nil {
		return models.Wrap(models.ErrStorage, "marshal result", err)
	}
	progressAV, _ := attributevalue.Marshal(progress)
	attemptsAV, _ := attributevalue.Marshal(attempts)

	_, err = r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(r.tableName),
		Key:                 key(assetPK(assetID), jobSK),
		UpdateExpression:    aws.String("SET progress = :p, attempts = :a, #result = :r"),
		ConditionExpression: aws.String("#status = :processing AND progress <= :p"),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
			"#result": "result",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":p":          progressAV,
			":a":          attemptsAV,
			":r":          resultAV,
			":processing": str(string(models.JobProcessing)),
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			return models.E(models.ErrConflict, "save progress", "job for asset %s is not running or progress would regress", assetID)
		}
		return models.Wrap(models.ErrStorage, "save progress", err)
	}
	return nil
}

// FinishJob writes a terminal status with the final result and stamps
// j.CompletedAt. The write only lands while the job is PROCESSING and, when
// j carries a lease, while that lease is still the current one.
func (r *MediaRepository) FinishJob(ctx context.Context, assetID string, j *models.ProcessingJob, now time.Time) error {
	j.CompletedAt = models.FormatTime(now)

	resultAV, err := attributevalue.Marshal(j.Result)
	if err != nil {
		return models.Wrap(models.ErrStorage, "marshal result", err)
	}
	progressAV, _ := attributevalue.Marshal(j.Progress)
	attemptsAV, _ := attributevalue.Marshal(j.Attempts)

	update := "SET #status = :status, gsi1pk = :gsi, progress = :p, attempts = :a, #result = :r, completed_at = :now"
	values := map[string]types.AttributeValue{
		":status":     str(string(j.Status)),
		":gsi":        str(jobStatusGSI(string(j.Status))),
		":p":          progressAV,
		":a":          attemptsAV,
		":r":          resultAV,
		":now":        str(j.CompletedAt),
		":processing": str(string(models.JobProcessing)),
	}
	if j.LastError != "" {
		update += ", last_error = :err"
		values[":err"] = str(j.LastError)
	}
	cond := "#status = :processing"
	if j.LeaseUntil != "" {
		cond += " AND lease_until = :lease"
		values[":lease"] = str(j.LeaseUntil)
	}

	_, err = r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(r.tableName),
		Key:                 key(assetPK(assetID), jobSK),
		UpdateExpression:    aws.String(update + " REMOVE lease_until"),
		ConditionExpression: aws.String(cond),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
			"#result": "result",
		},
		ExpressionAttributeValues: values,
	})
	if err != nil {
		if isConditionFailed(err) {
			return models.E(models.ErrConflict, "finish job", "job for asset %s is no longer held by this run", assetID)
		}
		return models.Wrap(models.ErrStorage, "finish job", err)
	}
	return nil
}

// ListPendingJobs returns up to limit PENDING jobs, oldest first.
func (r *MediaRepository) ListPendingJobs(ctx context.Context, limit int32) ([]models.ProcessingJob, error) {
	result, err := r.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(r.tableName),
		IndexName:              aws.String(gsi1Index),
		KeyConditionExpression: aws.String("gsi1pk = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": str(jobStatusGSI(string(models.JobPending))),
		},
		ScanIndexForward: aws.Bool(true),
		Limit:            aws.Int32(limit),
	})
	if err != nil {
		return nil, models.Wrap(models.ErrStorage, "list pending jobs", err)
	}

	var jobs []models.ProcessingJob
	if err := attributevalue.UnmarshalListOfMaps(result.Items, &jobs); err != nil {
		return nil, models.Wrap(models.ErrStorage, "unmarshal jobs", err)
	}
	return jobs, nil
}

func (r *MediaRepository) putNew(ctx context.Context, op string, v any) error {
	item, err := attributevalue.MarshalMap(v)
	if err != nil {
		return models.Wrap(models.ErrStorage, op, err)
	}

	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(r.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(pk)"),
	})
	if err != nil {
		if isConditionFailed(err) {
			return models.E(models.ErrConflict, op, "already exists")
		}
		return models.Wrap(models.ErrStorage, op, err)
	}
	return nil
}

func (r *MediaRepository) get(ctx context.Context, op, pk, sk string, out any) error {
	result, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.tableName),
		Key:            key(pk, sk),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return models.Wrap(models.ErrStorage, op, err)
	}
	if result.Item == nil {
		return models.E(models.ErrNotFound, op, "%s not found", pk)
	}
	if err := attributevalue.UnmarshalMap(result.Item, out); err != nil {
		return models.Wrap(models.ErrStorage, op, err)
	}
	return nil
}
