package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"

	"github.com/amillerrr/tus-media-pipeline/internal/logger"
	"github.com/amillerrr/tus-media-pipeline/internal/testsupport"
	"github.com/amillerrr/tus-media-pipeline/pkg/models"
)

type mockSQS struct {
	mu       sync.Mutex
	messages []types.Message
	deleted  []string
	received *sqs.ReceiveMessageInput
}

func (m *mockSQS) ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	m.mu.Lock()
	m.received = params
	msgs := m.messages
	m.messages = nil
	m.mu.Unlock()
	if len(msgs) == 0 {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return &sqs.ReceiveMessageOutput{Messages: msgs}, nil
}

func (m *mockSQS) DeleteMessage(_ context.Context, params *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, aws.ToString(params.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func (m *mockSQS) deletedHandles() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.deleted...)
}

type mockRunner struct {
	mu       sync.Mutex
	calls    int
	err      error
	deadline bool
}

func (r *mockRunner) Run(ctx context.Context, job *models.ProcessingJob, _ *models.MediaAsset) (*models.ProcessingJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	_, r.deadline = ctx.Deadline()
	if r.err != nil {
		return nil, r.err
	}
	out := *job
	out.Status = models.JobCompleted
	return &out, nil
}

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestWorker(t *testing.T, sqsClient *mockSQS, runner *mockRunner) (*Worker, *testsupport.MediaRepository) {
	t.Helper()
	media := testsupport.NewMediaRepository()
	ctx := context.Background()
	if err := media.CreateAsset(ctx, &models.MediaAsset{AssetID: "a1", Bucket: "raw", StorageKey: "uploads/a1", JobID: "j1"}); err != nil {
		t.Fatal(err)
	}
	if err := media.CreateJob(ctx, &models.ProcessingJob{JobID: "j1", AssetID: "a1", Status: models.JobPending}); err != nil {
		t.Fatal(err)
	}
	w := New(&Config{
		SQSClient:     sqsClient,
		QueueURL:      "https://sqs.local/queue",
		Jobs:          media,
		Runner:        runner,
		MaxConcurrent: 2,
		JobTimeout:    time.Minute,
		Logger:        logger.Discard(),
		Now:           func() time.Time { return testNow },
	})
	return w, media
}

func taskMessage(t *testing.T, receipt string, task models.TranscodeTask) types.Message {
	t.Helper()
	body, err := json.Marshal(task)
	if err != nil {
		t.Fatal(err)
	}
	return types.Message{
		MessageId:     aws.String("m-" + receipt),
		ReceiptHandle: aws.String(receipt),
		Body:          aws.String(string(body)),
	}
}

var validTask = models.TranscodeTask{AssetID: "a1", JobID: "j1", Bucket: "raw", Key: "uploads/a1"}

func TestHandle_ClaimsRunsAndDeletes(t *testing.T) {
	sqsClient := &mockSQS{}
	runner := &mockRunner{}
	w, media := newTestWorker(t, sqsClient, runner)

	w.Handle(context.Background(), taskMessage(t, "r1", validTask))

	if runner.calls != 1 {
		t.Fatalf("runner calls = %d, want 1", runner.calls)
	}
	if !runner.deadline {
		t.Error("pipeline should run under the job timeout")
	}
	if got := sqsClient.deletedHandles(); len(got) != 1 || got[0] != "r1" {
		t.Errorf("deleted = %v, want [r1]", got)
	}
	job, _ := media.GetJob(context.Background(), "a1")
	if job.Status != models.JobProcessing || job.LeaseUntil == "" {
		t.Errorf("job = %s lease %q, want claimed", job.Status, job.LeaseUntil)
	}
}

func TestHandle_DuplicateDelivery(t *testing.T) {
	tests := []struct {
		name       string
		status     models.JobStatus
		wantDelete bool
	}{
		{"finished job", models.JobCompleted, true},
		{"failed job", models.JobFailed, true},
		{"running elsewhere", models.JobProcessing, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sqsClient := &mockSQS{}
			runner := &mockRunner{}
			w, media := newTestWorker(t, sqsClient, runner)

			// Move the job into the scenario state through the store.
			if _, err := media.ClaimJob(context.Background(), "a1", testNow.Add(time.Hour), testNow); err != nil {
				t.Fatal(err)
			}
			if tt.status.Terminal() {
				done := &models.ProcessingJob{Status: tt.status}
				if err := media.FinishJob(context.Background(), "a1", done, testNow); err != nil {
					t.Fatal(err)
				}
			}

			w.Handle(context.Background(), taskMessage(t, "r1", validTask))

			if runner.calls != 0 {
				t.Errorf("runner calls = %d, want 0 for a duplicate", runner.calls)
			}
			if deleted := len(sqsClient.deletedHandles()) == 1; deleted != tt.wantDelete {
				t.Errorf("deleted = %v, want %v", deleted, tt.wantDelete)
			}
		})
	}
}

func TestHandle_StaleLeaseIsReclaimed(t *testing.T) {
	sqsClient := &mockSQS{}
	runner := &mockRunner{}
	w, media := newTestWorker(t, sqsClient, runner)

	// A crashed worker left the job PROCESSING with an expired lease.
	if _, err := media.ClaimJob(context.Background(), "a1", testNow.Add(-time.Minute), testNow.Add(-time.Hour)); err != nil {
		t.Fatal(err)
	}

	w.Handle(context.Background(), taskMessage(t, "r1", validTask))

	if runner.calls != 1 {
		t.Errorf("runner calls = %d, want stale job to be reclaimed", runner.calls)
	}
}

func TestHandle_BadMessages(t *testing.T) {
	tests := []struct {
		name string
		msg  types.Message
	}{
		{"empty body", types.Message{ReceiptHandle: aws.String("r1")}},
		{"invalid json", types.Message{ReceiptHandle: aws.String("r1"), Body: aws.String("{")}},
		{"missing fields", types.Message{ReceiptHandle: aws.String("r1"), Body: aws.String(`{"assetId":"a1"}`)}},
		{"unknown job", taskMessage(t, "r1", models.TranscodeTask{AssetID: "zz", JobID: "j", Bucket: "b", Key: "k"})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sqsClient := &mockSQS{}
			runner := &mockRunner{}
			w, _ := newTestWorker(t, sqsClient, runner)

			w.Handle(context.Background(), tt.msg)

			if runner.calls != 0 {
				t.Errorf("runner calls = %d, want 0", runner.calls)
			}
			if len(sqsClient.deletedHandles()) != 1 {
				t.Error("unprocessable message should be deleted")
			}
		})
	}
}

func TestHandle_RunErrorKeepsMessage(t *testing.T) {
	sqsClient := &mockSQS{}
	runner := &mockRunner{err: context.Canceled}
	w, _ := newTestWorker(t, sqsClient, runner)

	w.Handle(context.Background(), taskMessage(t, "r1", validTask))

	if len(sqsClient.deletedHandles()) != 0 {
		t.Error("message for an unfinished job should be left for redelivery")
	}
}

func TestRun_PollsUntilCancelled(t *testing.T) {
	sqsClient := &mockSQS{messages: []types.Message{taskMessage(t, "r1", validTask)}}
	runner := &mockRunner{}
	w, _ := newTestWorker(t, sqsClient, runner)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for len(sqsClient.deletedHandles()) == 0 {
		select {
		case <-deadline:
			t.Fatal("message was not processed")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done

	sqsClient.mu.Lock()
	visibility := sqsClient.received.VisibilityTimeout
	sqsClient.mu.Unlock()
	if want := int32((time.Minute + LeaseGrace).Seconds()); visibility != want {
		t.Errorf("VisibilityTimeout = %d, want %d", visibility, want)
	}
}

type mockS3 struct {
	mu       sync.Mutex
	body     string
	failures int
	err      error
	gets     int
	puts     []*s3.PutObjectInput
	putBody  string
}

func (m *mockS3) GetObject(_ context.Context, _ *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	if m.err != nil {
		return nil, m.err
	}
	if m.failures > 0 {
		m.failures--
		return nil, errors.New("connection reset")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(m.body))}, nil
}

func (m *mockS3) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, _ := io.ReadAll(params.Body)
	m.putBody = string(data)
	m.puts = append(m.puts, params)
	return &s3.PutObjectOutput{}, m.err
}

func TestDownloader_RetriesTransientErrors(t *testing.T) {
	client := &mockS3{body: "video-bytes", failures: 2}
	d := NewDownloader(client, logger.Discard()).WithRetry(4, time.Millisecond)

	path, err := d.Download(context.Background(), "raw", "uploads/a1.mp4", t.TempDir())
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != "video-bytes" {
		t.Errorf("downloaded %q, %v", data, err)
	}
	if filepath.Ext(path) != ".mp4" {
		t.Errorf("path %q should keep the source extension", path)
	}
	if client.gets != 3 {
		t.Errorf("GetObject calls = %d, want 3", client.gets)
	}
}

func TestDownloader_Errors(t *testing.T) {
	tests := []struct {
		name      string
		client    *mockS3
		wantKind  error
		wantCalls int
	}{
		{"missing object", &mockS3{err: &smithy.GenericAPIError{Code: "NoSuchKey"}}, models.ErrNotFound, 1},
		{"budget exhausted", &mockS3{failures: 10}, models.ErrStorage, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			d := NewDownloader(tt.client, logger.Discard()).WithRetry(3, time.Millisecond)

			_, err := d.Download(context.Background(), "raw", "uploads/a1", dir)
			if !errors.Is(err, tt.wantKind) {
				t.Errorf("Download() error = %v, want %v", err, tt.wantKind)
			}
			if tt.client.gets != tt.wantCalls {
				t.Errorf("GetObject calls = %d, want %d", tt.client.gets, tt.wantCalls)
			}
			if entries, _ := os.ReadDir(dir); len(entries) != 0 {
				t.Errorf("failed download left %d files behind", len(entries))
			}
		})
	}
}

func TestUploader_Publish(t *testing.T) {
	client := &mockS3{}
	u := NewUploader(client, "processed", logger.Discard())

	path := filepath.Join(t.TempDir(), "720p.mp4")
	if err := os.WriteFile(path, []byte("rendition"), 0o644); err != nil {
		t.Fatal(err)
	}

	key, size, err := u.Publish(context.Background(), "a1", models.ArtifactVideo, "720p", path)
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if key != "media/a1/video/720p.mp4" || size != int64(len("rendition")) {
		t.Errorf("Publish() = %q, %d", key, size)
	}
	in := client.puts[0]
	if aws.ToString(in.Bucket) != "processed" || aws.ToString(in.ContentType) != "video/mp4" {
		t.Errorf("PutObject bucket %q content type %q", aws.ToString(in.Bucket), aws.ToString(in.ContentType))
	}
	if client.putBody != "rendition" {
		t.Errorf("uploaded body = %q", client.putBody)
	}
}

func TestUploader_PublishFailure(t *testing.T) {
	client := &mockS3{err: errors.New("access denied")}
	u := NewUploader(client, "processed", logger.Discard())

	path := filepath.Join(t.TempDir(), "a.m4a")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	key, _, err := u.Publish(context.Background(), "a1", models.ArtifactAudio, "audio", path)
	if !errors.Is(err, models.ErrStorage) || key != "" {
		t.Errorf("Publish() = %q, %v; want no key and ErrStorage", key, err)
	}
}
