package storage

import (
	"context"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/amillerrr/tus-media-pipeline/pkg/models"
)

// SessionRepository stores upload sessions in DynamoDB. Every mutation of
// the committed offset is a conditional write, so concurrent API replicas
// serialize on the table rather than on process memory.
type SessionRepository struct {
	client    DynamoAPI
	tableName string
}

// NewSessionRepository creates a repository over tableName.
func NewSessionRepository(client DynamoAPI, tableName string) *SessionRepository {
	return &SessionRepository{client: client, tableName: tableName}
}

// Commit describes the CAS that advances a session's offset.
type Commit struct {
	UploadID       string
	Token          string
	ExpectedOffset int64
	NewOffset      int64
	Parts          []models.Part
	TailKey        string
	TailSize       int64
	Completed      bool
	CompletedAt    time.Time
}

// Create stores a new session. The upload id must be unused.
func (r *SessionRepository) Create(ctx context.Context, s *models.UploadSession) error {
	s.PK = sessionPK(s.UploadID)
	s.SK = sessionSK
	s.GSI1PK = sessionsGSI
	s.GSI1SK = s.ExpiresAt + "#" + s.UploadID
	if s.Parts == nil {
		s.Parts = []models.Part{}
	}

	item, err := attributevalue.MarshalMap(s)
	if err != nil {
		return models.Wrap(models.ErrStorage, "marshal session", err)
	}

	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(r.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(pk)"),
	})
	if err != nil {
		if isConditionFailed(err) {
			return models.E(models.ErrConflict, "create session", "upload %s already exists", s.UploadID)
		}
		return models.Wrap(models.ErrStorage, "create session", err)
	}
	return nil
}

// Get loads a session by upload id.
func (r *SessionRepository) Get(ctx context.Context, uploadID string) (*models.UploadSession, error) {
	result, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.tableName),
		Key:            key(sessionPK(uploadID), sessionSK),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, models.Wrap(models.ErrStorage, "get session", err)
	}
	if result.Item == nil {
		return nil, models.E(models.ErrNotFound, "get session", "upload %s not found", uploadID)
	}

	var s models.UploadSession
	if err := attributevalue.UnmarshalMap(result.Item, &s); err != nil {
		return nil, models.Wrap(models.ErrStorage, "unmarshal session", err)
	}
	return &s, nil
}

// Claim takes the writer lease on a session at expectedOffset. It fails with
// ErrConflict if the offset moved, another writer holds a live lease, or the
// session is no longer accepting data.
func (r *SessionRepository) Claim(ctx context.Context, uploadID string, expectedOffset int64, token string, leaseUntil, now time.Time) error {
	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(r.tableName),
		Key:              key(sessionPK(uploadID), sessionSK),
		UpdateExpression: aws.String("SET writer_token = :token, writer_lease_until = :lease"),
		ConditionExpression: aws.String("attribute_exists(pk) AND #offset = :expected AND #state IN (:new, :receiving) " +
			"AND expires_at > :now AND (attribute_not_exists(writer_token) OR writer_lease_until < :now)"),
		ExpressionAttributeNames: map[string]string{
			"#offset": "offset",
			"#state":  "state",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":token":     str(token),
			":lease":     str(models.FormatTime(leaseUntil)),
			":expected":  num(expectedOffset),
			":new":       str(string(models.UploadNew)),
			":receiving": str(string(models.UploadReceiving)),
			":now":       str(models.FormatTime(now)),
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			return models.E(models.ErrConflict, "claim session", "offset %d is not available for writing", expectedOffset)
		}
		return models.Wrap(models.ErrStorage, "claim session", err)
	}
	return nil
}

// CommitOffset advances the offset, appends parts and replaces the staged tail,
// releasing the writer lease in the same write. It is conditional on the
// caller still holding the lease at ExpectedOffset.
func (r *SessionRepository) CommitOffset(ctx context.Context, c Commit) (*models.UploadSession, error) {
	parts, err := attributevalue.MarshalList(c.Parts)
	if err != nil {
		return nil, models.Wrap(models.ErrStorage, "marshal parts", err)
	}

	state := models.UploadReceiving
	if c.Completed {
		state = models.UploadCompleted
	}

	set := "SET #offset = :new, parts = list_append(if_not_exists(parts, :empty), :parts), #state = :state, version = version + :one"
	remove := " REMOVE writer_token, writer_lease_until"
	values := map[string]types.AttributeValue{
		":new":      num(c.NewOffset),
		":parts":    &types.AttributeValueMemberL{Value: parts},
		":empty":    &types.AttributeValueMemberL{Value: []types.AttributeValue{}},
		":state":    str(string(state)),
		":one":      num(1),
		":expected": num(c.ExpectedOffset),
		":token":    str(c.Token),
	}
	if c.TailKey != "" {
		set += ", tail_key = :tail, tail_size = :tailSize"
		values[":tail"] = str(c.TailKey)
		values[":tailSize"] = num(c.TailSize)
	} else {
		remove += ", tail_key, tail_size"
	}
	if c.Completed {
		// Completed sessions sort on GSI1 by completion time until finalized,
		// so the reconciler finds stranded ones long before they expire.
		at := models.FormatTime(c.CompletedAt)
		set += ", completed_at = :completedAt, gsi1sk = :gsi1sk"
		values[":completedAt"] = str(at)
		values[":gsi1sk"] = str(at + "#" + c.UploadID)
	}

	out, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(r.tableName),
		Key:                 key(sessionPK(c.UploadID), sessionSK),
		UpdateExpression:    aws.String(set + remove),
		ConditionExpression: aws.String("#offset = :expected AND writer_token = :token"),
		ExpressionAttributeNames: map[string]string{
			"#offset": "offset",
			"#state":  "state",
		},
		ExpressionAttributeValues: values,
		ReturnValues:              types.ReturnValueAllNew,
	})
	if err != nil {
		if isConditionFailed(err) {
			return nil, models.E(models.ErrConflict, "commit offset", "lost writer lease at offset %d", c.ExpectedOffset)
		}
		return nil, models.Wrap(models.ErrStorage, "commit offset", err)
	}

	var s models.UploadSession
	if err := attributevalue.UnmarshalMap(out.Attributes, &s); err != nil {
		return nil, models.Wrap(models.ErrStorage, "unmarshal session", err)
	}
	return &s, nil
}

// Release drops a writer lease held under token. A lease already taken over
// by someone else is left untouched.
func (r *SessionRepository) Release(ctx context.Context, uploadID, token string) error {
	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(r.tableName),
		Key:                 key(sessionPK(uploadID), sessionSK),
		UpdateExpression:    aws.String("REMOVE writer_token, writer_lease_until"),
		ConditionExpression: aws.String("writer_token = :token"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":token": str(token),
		},
	})
	if err != nil && !isConditionFailed(err) {
		return models.Wrap(models.ErrStorage, "release session", err)
	}
	return nil
}

// MarkState moves a session to state `to` if it is currently in one of `from`.
func (r *SessionRepository) MarkState(ctx context.Context, uploadID string, to models.UploadState, from ...models.UploadState) error {
	values := map[string]types.AttributeValue{
		":to":  str(string(to)),
		":one": num(1),
	}
	cond := "attribute_exists(pk)"
	if len(from) > 0 {
		cond += " AND #state IN ("
		for i, s := range from {
			name := ":from" + strconv.Itoa(i)
			values[name] = str(string(s))
			if i > 0 {
				cond += ", "
			}
			cond += name
		}
		cond += ")"
	}

	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(r.tableName),
		Key:                       key(sessionPK(uploadID), sessionSK),
		UpdateExpression:          aws.String("SET #state = :to, version = version + :one"),
		ConditionExpression:       aws.String(cond),
		ExpressionAttributeNames:  map[string]string{"#state": "state"},
		ExpressionAttributeValues: values,
	})
	if err != nil {
		if isConditionFailed(err) {
			return models.E(models.ErrConflict, "mark session", "upload %s cannot move to %s", uploadID, to)
		}
		return models.Wrap(models.ErrStorage, "mark session", err)
	}
	return nil
}

// Delete removes the session record.
func (r *SessionRepository) Delete(ctx context.Context, uploadID string) error {
	_, err := r.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(r.tableName),
		Key:       key(sessionPK(uploadID), sessionSK),
	})
	if err != nil {
		return models.Wrap(models.ErrStorage, "delete session", err)
	}
	return nil
}

// ListExpired returns up to limit sessions whose expiry is before now,
// oldest first.
func (r *SessionRepository) ListExpired(ctx context.Context, now time.Time, limit int32) ([]models.UploadSession, error) {
	return r.queryIndex(ctx, "list expired sessions", &dynamodb.QueryInput{
		TableName:              aws.String(r.tableName),
		IndexName:              aws.String(gsi1Index),
		KeyConditionExpression: aws.String("gsi1pk = :pk AND gsi1sk < :now"),
		FilterExpression:       aws.String("expires_at < :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":  str(sessionsGSI),
			":now": str(models.FormatTime(now)),
		},
		ScanIndexForward: aws.Bool(true),
		Limit:            aws.Int32(limit),
	}, limit)
}

// ListUnfinalized returns up to limit completed sessions that finished
// before `before` and were never handed to the pipeline, oldest first.
func (r *SessionRepository) ListUnfinalized(ctx context.Context, before time.Time, limit int32) ([]models.UploadSession, error) {
	return r.queryIndex(ctx, "list unfinalized sessions", &dynamodb.QueryInput{
		TableName:              aws.String(r.tableName),
		IndexName:              aws.String(gsi1Index),
		KeyConditionExpression: aws.String("gsi1pk = :pk AND gsi1sk < :before"),
		FilterExpression:       aws.String("#state = :completed AND attribute_not_exists(finalized_at)"),
		ExpressionAttributeNames: map[string]string{
			"#state": "state",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":        str(sessionsGSI),
			":before":    str(models.FormatTime(before)),
			":completed": str(string(models.UploadCompleted)),
		},
		ScanIndexForward: aws.Bool(true),
		Limit:            aws.Int32(limit),
	}, limit)
}

// MarkFinalized records that the completed session s has an asset and job,
// moving it back to its expiry slot on GSI1.
func (r *SessionRepository) MarkFinalized(ctx context.Context, s *models.UploadSession, at time.Time) error {
	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                aws.String(r.tableName),
		Key:                      key(sessionPK(s.UploadID), sessionSK),
		UpdateExpression:         aws.String("SET finalized_at = :at, gsi1sk = :gsi1sk"),
		ConditionExpression:      aws.String("attribute_exists(pk) AND #state = :completed"),
		ExpressionAttributeNames: map[string]string{"#state": "state"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":at":        str(models.FormatTime(at)),
			":gsi1sk":    str(s.ExpiresAt + "#" + s.UploadID),
			":completed": str(string(models.UploadCompleted)),
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			return models.E(models.ErrConflict, "mark finalized", "upload %s is not complete", s.UploadID)
		}
		return models.Wrap(models.ErrStorage, "mark finalized", err)
	}
	return nil
}

// queryIndex follows LastEvaluatedKey until limit matches are collected or
// the index is exhausted. Filters apply after Limit, so one page can come
// back short or empty while more remain.
func (r *SessionRepository) queryIndex(ctx context.Context, op string, in *dynamodb.QueryInput, limit int32) ([]models.UploadSession, error) {
	var sessions []models.UploadSession
	for {
		result, err := r.client.Query(ctx, in)
		if err != nil {
			return nil, models.Wrap(models.ErrStorage, op, err)
		}

		var page []models.UploadSession
		if err := attributevalue.UnmarshalListOfMaps(result.Items, &page); err != nil {
			return nil, models.Wrap(models.ErrStorage, "unmarshal sessions", err)
		}
		sessions = append(sessions, page...)

		if int32(len(sessions)) >= limit || len(result.LastEvaluatedKey) == 0 {
			break
		}
		in.ExclusiveStartKey = result.LastEvaluatedKey
	}
	if int32(len(sessions)) > limit {
		sessions = sessions[:limit]
	}
	return sessions, nil
}

func num(v int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(v, 10)}
}
