package storage

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/amillerrr/tus-media-pipeline/internal/logger"
	"github.com/amillerrr/tus-media-pipeline/pkg/models"
)

type mockS3 struct {
	S3API

	completeErr   error
	headErr       error
	uploadedParts []int32
	completed     *s3.CompleteMultipartUploadInput

	listed       []string
	listedPrefix string
	deleted      []string
	deleteErrors []s3types.Error
}

func (m *mockS3) UploadPart(_ context.Context, in *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	m.uploadedParts = append(m.uploadedParts, aws.ToInt32(in.PartNumber))
	return &s3.UploadPartOutput{ETag: aws.String("etag")}, nil
}

func (m *mockS3) CompleteMultipartUpload(_ context.Context, in *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	m.completed = in
	if m.completeErr != nil {
		return nil, m.completeErr
	}
	return &s3.CompleteMultipartUploadOutput{}, nil
}

func (m *mockS3) HeadObject(context.Context, *s3.HeadObjectInput, ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if m.headErr != nil {
		return nil, m.headErr
	}
	return &s3.HeadObjectOutput{}, nil
}

func (m *mockS3) AbortMultipartUpload(context.Context, *s3.AbortMultipartUploadInput, ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	return nil, &smithy.GenericAPIError{Code: "NoSuchUpload"}
}

func (m *mockS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	m.listedPrefix = aws.ToString(in.Prefix)
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	for _, k := range m.listed {
		out.Contents = append(out.Contents, s3types.Object{Key: aws.String(k)})
	}
	return out, nil
}

func (m *mockS3) DeleteObjects(_ context.Context, in *s3.DeleteObjectsInput, _ ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	for _, id := range in.Delete.Objects {
		m.deleted = append(m.deleted, aws.ToString(id.Key))
	}
	return &s3.DeleteObjectsOutput{Errors: m.deleteErrors}, nil
}

func (m *mockS3) GetObject(context.Context, *s3.GetObjectInput, ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader("tail-bytes"))}, nil
}

func TestPartNumberFor(t *testing.T) {
	const partSize = 5 << 20
	tests := []struct {
		offset int64
		want   int32
	}{
		{0, 1},
		{partSize - 1, 1},
		{partSize, 2},
		{3 * partSize, 4},
	}
	for _, tt := range tests {
		if got := PartNumberFor(tt.offset, partSize); got != tt.want {
			t.Errorf("PartNumberFor(%d) = %d, want %d", tt.offset, got, tt.want)
		}
	}
}

func TestComplete_OrdersParts(t *testing.T) {
	m := &mockS3{}
	store := NewObjectStore(m, "bucket", logger.Discard())

	parts := []models.Part{
		{PartNumber: 2, Start: 10, End: 15, ETag: "b"},
		{PartNumber: 1, Start: 0, End: 10, ETag: "a"},
	}
	key, err := store.Complete(context.Background(), "uploads/x.mp4", "mp-1", parts)
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if key != "uploads/x.mp4" {
		t.Errorf("Complete() key = %q", key)
	}

	got := m.completed.MultipartUpload.Parts
	if len(got) != 2 || aws.ToInt32(got[0].PartNumber) != 1 || aws.ToString(got[1].ETag) != "b" {
		t.Errorf("Complete() sent parts out of order: %+v", got)
	}
}

func TestComplete_RejectsGaps(t *testing.T) {
	tests := []struct {
		name  string
		parts []models.Part
	}{
		{"empty", nil},
		{"missing first", []models.Part{{PartNumber: 2, Start: 0, End: 5, ETag: "a"}}},
		{"byte gap", []models.Part{
			{PartNumber: 1, Start: 0, End: 5, ETag: "a"},
			{PartNumber: 2, Start: 6, End: 9, ETag: "b"},
		}},
		{"no etag", []models.Part{{PartNumber: 1, Start: 0, End: 5}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &mockS3{}
			store := NewObjectStore(m, "bucket", logger.Discard())
			_, err := store.Complete(context.Background(), "k", "mp", tt.parts)
			if !errors.Is(err, models.ErrStorage) {
				t.Errorf("Complete() error = %v, want ErrStorage", err)
			}
			if m.completed != nil {
				t.Error("Complete() must not call the provider with invalid parts")
			}
		})
	}
}

func TestComplete_AlreadyCompleted(t *testing.T) {
	m := &mockS3{completeErr: &smithy.GenericAPIError{Code: "NoSuchUpload"}}
	store := NewObjectStore(m, "bucket", logger.Discard())

	parts := []models.Part{{PartNumber: 1, Start: 0, End: 5, ETag: "a"}}
	if _, err := store.Complete(context.Background(), "k", "mp", parts); err != nil {
		t.Fatalf("Complete() error = %v, want nil when object exists", err)
	}

	m.headErr = &smithy.GenericAPIError{Code: "NotFound"}
	if _, err := store.Complete(context.Background(), "k", "mp", parts); !errors.Is(err, models.ErrStorage) {
		t.Errorf("Complete() error = %v, want ErrStorage when object is missing", err)
	}
}

func TestAbort_UnknownUploadIsSuccess(t *testing.T) {
	store := NewObjectStore(&mockS3{}, "bucket", logger.Discard())
	if err := store.Abort(context.Background(), "k", "mp"); err != nil {
		t.Errorf("Abort() error = %v", err)
	}
}

func TestGetTail(t *testing.T) {
	store := NewObjectStore(&mockS3{}, "bucket", logger.Discard())
	data, err := store.GetTail(context.Background(), TailKey("u1", "t1"))
	if err != nil {
		t.Fatalf("GetTail() error = %v", err)
	}
	if string(data) != "tail-bytes" {
		t.Errorf("GetTail() = %q", data)
	}
}

type mockDynamo struct {
	DynamoAPI

	updateErr error
	lastPut   *dynamodb.PutItemInput
	lastUpd   *dynamodb.UpdateItemInput
	lastQuery *dynamodb.QueryInput
	items     []map[string]types.AttributeValue

	// pages, when set, are served one per Query with a cursor on every
	// page but the last.
	pages   [][]map[string]types.AttributeValue
	cursors []map[string]types.AttributeValue
}

func (m *mockDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	m.lastQuery = in
	m.cursors = append(m.cursors, in.ExclusiveStartKey)
	if len(m.pages) == 0 {
		return &dynamodb.QueryOutput{Items: m.items}, nil
	}
	out := &dynamodb.QueryOutput{Items: m.pages[0]}
	m.pages = m.pages[1:]
	if len(m.pages) > 0 {
		out.LastEvaluatedKey = map[string]types.AttributeValue{"pk": str("cursor")}
	}
	return out, nil
}

func (m *mockDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	m.lastPut = in
	return &dynamodb.PutItemOutput{}, nil
}

func (m *mockDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	m.lastUpd = in
	if m.updateErr != nil {
		return nil, m.updateErr
	}
	return &dynamodb.UpdateItemOutput{}, nil
}

func (m *mockDynamo) GetItem(context.Context, *dynamodb.GetItemInput, ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	return &dynamodb.GetItemOutput{}, nil
}

func TestSessionCreate_SetsKeys(t *testing.T) {
	m := &mockDynamo{}
	repo := NewSessionRepository(m, "table")

	s := &models.UploadSession{UploadID: "u1", ExpiresAt: "2025-01-01T00:00:00.000Z"}
	if err := repo.Create(context.Background(), s); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if pk := m.lastPut.Item["pk"].(*types.AttributeValueMemberS).Value; pk != "UPLOAD#u1" {
		t.Errorf("pk = %q", pk)
	}
	if sk := m.lastPut.Item["gsi1sk"].(*types.AttributeValueMemberS).Value; sk != "2025-01-01T00:00:00.000Z#u1" {
		t.Errorf("gsi1sk = %q", sk)
	}
	if aws.ToString(m.lastPut.ConditionExpression) != "attribute_not_exists(pk)" {
		t.Errorf("Create() must be conditional, got %q", aws.ToString(m.lastPut.ConditionExpression))
	}
}

func TestSessionClaim_ConditionFailureIsConflict(t *testing.T) {
	m := &mockDynamo{updateErr: &types.ConditionalCheckFailedException{}}
	repo := NewSessionRepository(m, "table")

	now := time.Now()
	err := repo.Claim(context.Background(), "u1", 10, "tok", now.Add(time.Minute), now)
	if !errors.Is(err, models.ErrConflict) {
		t.Errorf("Claim() error = %v, want ErrConflict", err)
	}
	if got := m.lastUpd.ExpressionAttributeValues[":expected"].(*types.AttributeValueMemberN).Value; got != "10" {
		t.Errorf(":expected = %s, want 10", got)
	}
}

func TestSessionCommit_OtherErrorIsStorage(t *testing.T) {
	m := &mockDynamo{updateErr: errors.New("throttled")}
	repo := NewSessionRepository(m, "table")

	_, err := repo.CommitOffset(context.Background(), Commit{UploadID: "u1", Token: "t", NewOffset: 5})
	if !errors.Is(err, models.ErrStorage) {
		t.Errorf("CommitOffset() error = %v, want ErrStorage", err)
	}
	if !strings.Contains(aws.ToString(m.lastUpd.UpdateExpression), "tail_key, tail_size") {
		t.Errorf("commit without tail should remove tail attributes: %s", aws.ToString(m.lastUpd.UpdateExpression))
	}
}

func TestSessionGet_NotFound(t *testing.T) {
	repo := NewSessionRepository(&mockDynamo{}, "table")
	if _, err := repo.Get(context.Background(), "missing"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestClaimJob_NotClaimable(t *testing.T) {
	m := &mockDynamo{updateErr: &types.ConditionalCheckFailedException{}}
	repo := NewMediaRepository(m, "table")

	now := time.Now()
	_, err := repo.ClaimJob(context.Background(), "a1", now.Add(time.Hour), now)
	if !errors.Is(err, models.ErrConflict) {
		t.Errorf("ClaimJob() error = %v, want ErrConflict", err)
	}
}

func TestCreateJob_IndexesByStatus(t *testing.T) {
	m := &mockDynamo{}
	repo := NewMediaRepository(m, "table")

	j := &models.ProcessingJob{JobID: "j1", AssetID: "a1", Status: models.JobPending, CreatedAt: "2025-01-01T00:00:00.000Z"}
	if err := repo.CreateJob(context.Background(), j); err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}
	if got := m.lastPut.Item["gsi1pk"].(*types.AttributeValueMemberS).Value; got != "JOBSTATUS#PENDING" {
		t.Errorf("gsi1pk = %q", got)
	}
	if got := m.lastPut.Item["sk"].(*types.AttributeValueMemberS).Value; got != "JOB" {
		t.Errorf("sk = %q", got)
	}
}

func TestSessionRelease(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantErr error
	}{
		{"released", nil, nil},
		{"lease taken over", &types.ConditionalCheckFailedException{}, nil},
		{"backend failure", errors.New("throttled"), models.ErrStorage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &mockDynamo{updateErr: tt.err}
			err := NewSessionRepository(m, "table").Release(context.Background(), "u1", "tok")
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Release() error = %v, want %v", err, tt.wantErr)
			}
			if got := m.lastUpd.ExpressionAttributeValues[":token"].(*types.AttributeValueMemberS).Value; got != "tok" {
				t.Errorf(":token = %q", got)
			}
		})
	}
}

func TestSessionMarkState(t *testing.T) {
	m := &mockDynamo{}
	repo := NewSessionRepository(m, "table")

	err := repo.MarkState(context.Background(), "u1", models.UploadExpired, models.UploadNew, models.UploadReceiving)
	if err != nil {
		t.Fatalf("MarkState() error = %v", err)
	}
	want := "attribute_exists(pk) AND #state IN (:from0, :from1)"
	if got := aws.ToString(m.lastUpd.ConditionExpression); got != want {
		t.Errorf("condition = %q, want %q", got, want)
	}
	if got := m.lastUpd.ExpressionAttributeValues[":from1"].(*types.AttributeValueMemberS).Value; got != string(models.UploadReceiving) {
		t.Errorf(":from1 = %q", got)
	}

	m.updateErr = &types.ConditionalCheckFailedException{}
	if err := repo.MarkState(context.Background(), "u1", models.UploadExpired); !errors.Is(err, models.ErrConflict) {
		t.Errorf("MarkState() error = %v, want ErrConflict", err)
	}
}

func TestSessionListExpired(t *testing.T) {
	item, err := attributevalue.MarshalMap(models.UploadSession{UploadID: "u1", OwnerID: "alice", TotalSize: 42})
	if err != nil {
		t.Fatal(err)
	}
	m := &mockDynamo{items: []map[string]types.AttributeValue{item}}
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	got, err := NewSessionRepository(m, "table").ListExpired(context.Background(), now, 25)
	if err != nil {
		t.Fatalf("ListExpired() error = %v", err)
	}
	if len(got) != 1 || got[0].UploadID != "u1" || got[0].TotalSize != 42 {
		t.Errorf("ListExpired() = %+v", got)
	}
	if aws.ToInt32(m.lastQuery.Limit) != 25 || !aws.ToBool(m.lastQuery.ScanIndexForward) {
		t.Errorf("query should be oldest first with limit 25: %+v", m.lastQuery)
	}
	if v := m.lastQuery.ExpressionAttributeValues[":now"].(*types.AttributeValueMemberS).Value; v != models.FormatTime(now) {
		t.Errorf(":now = %q", v)
	}
}

func TestDeleteTails(t *testing.T) {
	m := &mockS3{listed: []string{"uploads/.tails/u1/tok-a", "uploads/.tails/u1/tok-b"}}
	store := NewObjectStore(m, "bucket", logger.Discard())

	if err := store.DeleteTails(context.Background(), "u1"); err != nil {
		t.Fatalf("DeleteTails() error = %v", err)
	}
	if m.listedPrefix != "uploads/.tails/u1/" {
		t.Errorf("listed prefix = %q", m.listedPrefix)
	}
	if len(m.deleted) != 2 || m.deleted[1] != "uploads/.tails/u1/tok-b" {
		t.Errorf("deleted = %v", m.deleted)
	}

	m.deleteErrors = []s3types.Error{{Key: aws.String("uploads/.tails/u1/tok-a"), Message: aws.String("denied")}}
	if err := store.DeleteTails(context.Background(), "u1"); !errors.Is(err, models.ErrStorage) {
		t.Errorf("DeleteTails() error = %v, want ErrStorage", err)
	}
}

func TestTailKeyUnderPrefix(t *testing.T) {
	if k := TailKey("u1", "tok"); !strings.HasPrefix(k, TailPrefix("u1")) {
		t.Errorf("TailKey() = %q outside %q", k, TailPrefix("u1"))
	}
	if strings.HasPrefix(TailKey("u10", "tok"), TailPrefix("u1")) {
		t.Error("prefix of u1 must not cover u10")
	}
}

func TestSessionCommit_CompletionIndexesByCompletedAt(t *testing.T) {
	m := &mockDynamo{updateErr: &types.ConditionalCheckFailedException{}}
	repo := NewSessionRepository(m, "table")
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	_, err := repo.CommitOffset(context.Background(), Commit{UploadID: "u1", Token: "t", NewOffset: 10, Completed: true, CompletedAt: at})
	if !errors.Is(err, models.ErrConflict) {
		t.Fatalf("CommitOffset() error = %v, want ErrConflict", err)
	}
	if !strings.Contains(aws.ToString(m.lastUpd.UpdateExpression), "completed_at = :completedAt, gsi1sk = :gsi1sk") {
		t.Errorf("update = %s", aws.ToString(m.lastUpd.UpdateExpression))
	}
	if got := m.lastUpd.ExpressionAttributeValues[":gsi1sk"].(*types.AttributeValueMemberS).Value; got != models.FormatTime(at)+"#u1" {
		t.Errorf(":gsi1sk = %q", got)
	}

	_, _ = repo.CommitOffset(context.Background(), Commit{UploadID: "u1", Token: "t", NewOffset: 5})
	if strings.Contains(aws.ToString(m.lastUpd.UpdateExpression), "completed_at") {
		t.Error("partial commit must not stamp completed_at")
	}
}

func TestSessionListUnfinalized_FollowsPages(t *testing.T) {
	marshal := func(id string) map[string]types.AttributeValue {
		item, err := attributevalue.MarshalMap(models.UploadSession{UploadID: id, State: models.UploadCompleted})
		if err != nil {
			t.Fatal(err)
		}
		return item
	}
	m := &mockDynamo{pages: [][]map[string]types.AttributeValue{
		{marshal("u1")},
		{},
		{marshal("u2"), marshal("u3")},
	}}
	before := time.Date(2025, 6, 1, 11, 55, 0, 0, time.UTC)

	got, err := NewSessionRepository(m, "table").ListUnfinalized(context.Background(), before, 2)
	if err != nil {
		t.Fatalf("ListUnfinalized() error = %v", err)
	}
	if len(got) != 2 || got[0].UploadID != "u1" || got[1].UploadID != "u2" {
		t.Errorf("ListUnfinalized() = %+v", got)
	}
	if len(m.cursors) != 3 || m.cursors[0] != nil || m.cursors[2] == nil {
		t.Errorf("pages were not followed: %v", m.cursors)
	}
	if f := aws.ToString(m.lastQuery.FilterExpression); f != "#state = :completed AND attribute_not_exists(finalized_at)" {
		t.Errorf("filter = %q", f)
	}
	if v := m.lastQuery.ExpressionAttributeValues[":before"].(*types.AttributeValueMemberS).Value; v != models.FormatTime(before) {
		t.Errorf(":before = %q", v)
	}
}

func TestSessionMarkFinalized(t *testing.T) {
	m := &mockDynamo{}
	repo := NewSessionRepository(m, "table")
	s := &models.UploadSession{UploadID: "u1", ExpiresAt: "2025-06-02T12:00:00.000Z"}
	at := time.Date(2025, 6, 1, 12, 5, 0, 0, time.UTC)

	if err := repo.MarkFinalized(context.Background(), s, at); err != nil {
		t.Fatalf("MarkFinalized() error = %v", err)
	}
	if got := m.lastUpd.ExpressionAttributeValues[":gsi1sk"].(*types.AttributeValueMemberS).Value; got != "2025-06-02T12:00:00.000Z#u1" {
		t.Errorf("finalized session should return to its expiry slot, gsi1sk = %q", got)
	}
	if got := m.lastUpd.ExpressionAttributeValues[":at"].(*types.AttributeValueMemberS).Value; got != models.FormatTime(at) {
		t.Errorf(":at = %q", got)
	}

	m.updateErr = &types.ConditionalCheckFailedException{}
	if err := repo.MarkFinalized(context.Background(), s, at); !errors.Is(err, models.ErrConflict) {
		t.Errorf("MarkFinalized() error = %v, want ErrConflict", err)
	}
}

func TestFinishJob_StampsCompletionAndHoldsLease(t *testing.T) {
	m := &mockDynamo{}
	repo := NewMediaRepository(m, "table")
	now := time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC)
	j := &models.ProcessingJob{
		JobID:      "j1",
		AssetID:    "a1",
		Status:     models.JobCompleted,
		Progress:   100,
		LeaseUntil: "2025-06-01T12:45:00.000Z",
	}

	if err := repo.FinishJob(context.Background(), "a1", j, now); err != nil {
		t.Fatalf("FinishJob() error = %v", err)
	}
	if j.CompletedAt != models.FormatTime(now) {
		t.Errorf("job.CompletedAt = %q, want %q", j.CompletedAt, models.FormatTime(now))
	}
	if got := m.lastUpd.ExpressionAttributeValues[":now"].(*types.AttributeValueMemberS).Value; got != j.CompletedAt {
		t.Errorf(":now = %q, want %q", got, j.CompletedAt)
	}
	if got := aws.ToString(m.lastUpd.ConditionExpression); got != "#status = :processing AND lease_until = :lease" {
		t.Errorf("condition = %q", got)
	}
	if got := m.lastUpd.ExpressionAttributeValues[":lease"].(*types.AttributeValueMemberS).Value; got != j.LeaseUntil {
		t.Errorf(":lease = %q", got)
	}

	m.updateErr = &types.ConditionalCheckFailedException{}
	if err := repo.FinishJob(context.Background(), "a1", j, now); !errors.Is(err, models.ErrConflict) {
		t.Errorf("FinishJob() on a lost lease error = %v, want ErrConflict", err)
	}
}
