package health

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

type mockS3Client struct {
	err    error
	bucket string
}

func (m *mockS3Client) HeadBucket(_ context.Context, params *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	m.bucket = aws.ToString(params.Bucket)
	return &s3.HeadBucketOutput{}, m.err
}

type mockSQSClient struct {
	err   error
	queue string
}

func (m *mockSQSClient) GetQueueAttributes(_ context.Context, params *sqs.GetQueueAttributesInput, _ ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error) {
	m.queue = aws.ToString(params.QueueUrl)
	return &sqs.GetQueueAttributesOutput{}, m.err
}

type mockDynamoDBClient struct {
	err   error
	table string
}

func (m *mockDynamoDBClient) DescribeTable(_ context.Context, params *dynamodb.DescribeTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	m.table = aws.ToString(params.TableName)
	return &dynamodb.DescribeTableOutput{}, m.err
}

type testClock struct{ t time.Time }

func (c *testClock) now() time.Time          { return c.t }
func (c *testClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestChecker() (*Checker, *testClock) {
	clock := &testClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	cfg := DefaultConfig("media-api", slog.New(slog.NewTextHandler(os.Stderr, nil)))
	cfg.Now = clock.now
	return NewChecker(cfg), clock
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) Status {
	t.Helper()
	var status Status
	if err := json.NewDecoder(rr.Body).Decode(&status); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return status
}

func TestBackendProbes(t *testing.T) {
	s3c := &mockS3Client{}
	sqsc := &mockSQSClient{}
	ddb := &mockDynamoDBClient{}
	ctx := context.Background()

	if err := BucketProbe(s3c, "raw-uploads")(ctx); err != nil || s3c.bucket != "raw-uploads" {
		t.Errorf("bucket probe: err=%v bucket=%q", err, s3c.bucket)
	}
	if err := QueueProbe(sqsc, "https://sqs/jobs")(ctx); err != nil || sqsc.queue != "https://sqs/jobs" {
		t.Errorf("queue probe: err=%v queue=%q", err, sqsc.queue)
	}
	if err := TableProbe(ddb, "media")(ctx); err != nil || ddb.table != "media" {
		t.Errorf("table probe: err=%v table=%q", err, ddb.table)
	}
}

func TestScratchDirProbe(t *testing.T) {
	dir := t.TempDir()
	if err := ScratchDirProbe(dir)(context.Background()); err != nil {
		t.Fatalf("writable dir: %v", err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("probe left %d files behind", len(entries))
	}

	if err := ScratchDirProbe(filepath.Join(dir, "missing"))(context.Background()); err == nil {
		t.Error("missing dir should be unhealthy")
	}
}

func TestCheck_ShallowSkipsProbes(t *testing.T) {
	c, _ := newTestChecker()
	var calls atomic.Int32
	c.Register("s3", func(context.Context) error { calls.Add(1); return nil })

	status := c.Check(context.Background(), false)

	if status.Status != StatusHealthy || status.Service != "media-api" {
		t.Errorf("status = %+v", status)
	}
	if len(status.Checks) != 0 || calls.Load() != 0 {
		t.Errorf("shallow check ran %d probes", calls.Load())
	}
}

func TestCheck_Deep(t *testing.T) {
	tests := []struct {
		name       string
		failing    string
		wantStatus string
	}{
		{"all healthy", "", StatusHealthy},
		{"bucket down", "s3", StatusDegraded},
		{"table down", "dynamodb", StatusDegraded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestChecker()
			for _, name := range []string{"s3", "sqs", "dynamodb"} {
				var err error
				if name == tt.failing {
					err = errors.New(name + " unreachable")
				}
				c.Register(name, func(context.Context) error { return err })
			}

			status := c.Check(context.Background(), true)

			if status.Status != tt.wantStatus {
				t.Errorf("Status = %s, want %s", status.Status, tt.wantStatus)
			}
			if len(status.Checks) != 3 {
				t.Fatalf("got %d checks, want 3", len(status.Checks))
			}
			for name, check := range status.Checks {
				want := StatusHealthy
				if name == tt.failing {
					want = StatusUnhealthy
				}
				if check.Status != want {
					t.Errorf("%s = %s, want %s", name, check.Status, want)
				}
				if check.Latency == "" {
					t.Errorf("%s has no latency", name)
				}
			}
		})
	}
}

func TestCheck_ProbeTimeout(t *testing.T) {
	c, _ := newTestChecker()
	c.config.CheckTimeout = 10 * time.Millisecond
	c.Register("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	status := c.Check(context.Background(), true)

	if got := status.Checks["slow"]; got.Status != StatusUnhealthy {
		t.Errorf("slow probe = %+v, want unhealthy", got)
	}
}

func TestCheck_ShallowCache(t *testing.T) {
	c, clock := newTestChecker()

	first := c.Check(context.Background(), false)
	clock.advance(DefaultCacheTTL / 2)
	if c.Check(context.Background(), false) != first {
		t.Error("expected cached status inside the TTL")
	}

	clock.advance(DefaultCacheTTL)
	if c.Check(context.Background(), false) == first {
		t.Error("expected a fresh status after the TTL")
	}
}

func TestHandler(t *testing.T) {
	c, _ := newTestChecker()
	rr := httptest.NewRecorder()

	c.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %s", ct)
	}
	if got := decode(t, rr); got.Status != StatusHealthy {
		t.Errorf("Status = %s", got.Status)
	}
}

func TestDeepHandler_Unhealthy(t *testing.T) {
	c, _ := newTestChecker()
	c.Register("sqs", QueueProbe(&mockSQSClient{err: errors.New("queue gone")}, "https://sqs/jobs"))
	rr := httptest.NewRecorder()

	c.DeepHandler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health/deep", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rr.Code)
	}
	if got := decode(t, rr); got.Checks["sqs"].Error != "queue gone" {
		t.Errorf("sqs check = %+v", got.Checks["sqs"])
	}
}

func TestDeepHandler_Throttled(t *testing.T) {
	c, clock := newTestChecker()
	var calls atomic.Int32
	c.Register("s3", func(context.Context) error { calls.Add(1); return nil })
	h := c.DeepHandler()

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health/deep", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("first deep check = %d, want 200", rr.Code)
	}

	clock.advance(3500 * time.Millisecond)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health/deep", nil))

	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("second deep check = %d, want 429", rr.Code)
	}
	if got := rr.Header().Get("Retry-After"); got != "7" {
		t.Errorf("Retry-After = %q, want 7", got)
	}
	body := decode(t, rr)
	if _, ok := body.Checks["rate_limited"]; !ok {
		t.Error("throttled response should carry the rate_limited marker")
	}
	if calls.Load() != 1 {
		t.Errorf("probe ran %d times, want 1", calls.Load())
	}

	// The marker belongs to the response, not the shared cache.
	if _, ok := c.Check(context.Background(), false).Checks["rate_limited"]; ok {
		t.Error("rate_limited marker leaked into the cached status")
	}

	clock.advance(DefaultDeepCheckLimit)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health/deep", nil))
	if rr.Code != http.StatusOK || calls.Load() != 2 {
		t.Errorf("after the limit: code=%d calls=%d", rr.Code, calls.Load())
	}
}
