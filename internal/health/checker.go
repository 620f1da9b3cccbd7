// Package health reports liveness and probes the storage, queue and table
// backends a service depends on.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"maps"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

const (
	DefaultCacheTTL       = 10 * time.Second
	DefaultCheckTimeout   = 5 * time.Second
	DefaultDeepCheckLimit = 10 * time.Second
)

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Status is the body of /health and /health/deep.
type Status struct {
	Status    string                    `json:"status"`
	Service   string                    `json:"service"`
	Timestamp string                    `json:"timestamp"`
	Checks    map[string]ComponentCheck `json:"checks,omitempty"`
}

type ComponentCheck struct {
	Status  string `json:"status"`
	Latency string `json:"latency,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Probe checks one dependency. A nil error means healthy.
type Probe func(ctx context.Context) error

type S3Client interface {
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

type SQSClient interface {
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

type DynamoDBClient interface {
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// BucketProbe heads bucket.
func BucketProbe(client S3Client, bucket string) Probe {
	return func(ctx context.Context) error {
		_, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)})
		return err
	}
}

// QueueProbe reads the approximate depth of queueURL.
func QueueProbe(client SQSClient, queueURL string) Probe {
	return func(ctx context.Context) error {
		_, err := client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
			QueueUrl:       aws.String(queueURL),
			AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameApproximateNumberOfMessages},
		})
		return err
	}
}

// TableProbe describes table.
func TableProbe(client DynamoDBClient, table string) Probe {
	return func(ctx context.Context) error {
		_, err := client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(table)})
		return err
	}
}

// ScratchDirProbe verifies dir accepts new files, which the worker needs
// for downloads and renditions.
func ScratchDirProbe(dir string) Probe {
	return func(context.Context) error {
		f, err := os.CreateTemp(dir, ".health-*")
		if err != nil {
			return err
		}
		name := f.Name()
		f.Close()
		return os.Remove(name)
	}
}

// Config holds health checker configuration.
type Config struct {
	ServiceName    string
	Logger         *slog.Logger
	CacheTTL       time.Duration
	CheckTimeout   time.Duration
	DeepCheckLimit time.Duration
	Now            func() time.Time
}

func DefaultConfig(serviceName string, logger *slog.Logger) *Config {
	return &Config{
		ServiceName:    serviceName,
		Logger:         logger,
		CacheTTL:       DefaultCacheTTL,
		CheckTimeout:   DefaultCheckTimeout,
		DeepCheckLimit: DefaultDeepCheckLimit,
	}
}

// Checker runs registered probes. Shallow checks never touch a backend;
// deep checks run every probe concurrently and are throttled to one per
// DeepCheckLimit.
type Checker struct {
	config *Config
	now    func() time.Time

	mu            sync.RWMutex
	probes        map[string]Probe
	lastCheck     time.Time
	lastStatus    *Status
	lastDeepCheck time.Time
}

func NewChecker(config *Config) *Checker {
	now := config.Now
	if now == nil {
		now = time.Now
	}
	return &Checker{
		config: config,
		now:    now,
		probes: make(map[string]Probe),
	}
}

// Register adds a named probe to deep checks. Registering a name again
// replaces the earlier probe.
func (c *Checker) Register(name string, p Probe) *Checker {
	c.mu.Lock()
	c.probes[name] = p
	c.mu.Unlock()
	return c
}

// Check reports service health. Shallow results are cached for CacheTTL.
func (c *Checker) Check(ctx context.Context, deep bool) *Status {
	if !deep {
		c.mu.RLock()
		cached := c.lastStatus
		fresh := cached != nil && c.now().Sub(c.lastCheck) < c.config.CacheTTL
		c.mu.RUnlock()
		if fresh {
			return cached
		}
	}

	status := &Status{
		Status:    StatusHealthy,
		Service:   c.config.ServiceName,
		Timestamp: c.now().UTC().Format(time.RFC3339),
		Checks:    make(map[string]ComponentCheck),
	}
	if deep {
		for name, result := range c.runProbes(ctx) {
			status.Checks[name] = result
			if result.Status != StatusHealthy {
				status.Status = StatusDegraded
			}
		}
	}

	c.mu.Lock()
	c.lastCheck = c.now()
	c.lastStatus = status
	c.mu.Unlock()

	return status
}

func (c *Checker) runProbes(ctx context.Context) map[string]ComponentCheck {
	c.mu.RLock()
	probes := maps.Clone(c.probes)
	c.mu.RUnlock()

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make(map[string]ComponentCheck, len(probes))
	)
	for name, p := range probes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result := c.timed(ctx, p)
			mu.Lock()
			results[name] = result
			mu.Unlock()
		}()
	}
	wg.Wait()
	return results
}

func (c *Checker) timed(ctx context.Context, p Probe) ComponentCheck {
	ctx, cancel := context.WithTimeout(ctx, c.config.CheckTimeout)
	defer cancel()

	start := time.Now()
	err := p(ctx)
	result := ComponentCheck{Status: StatusHealthy, Latency: time.Since(start).String()}
	if err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
	}
	return result
}

// reserveDeepCheck claims the deep check slot, returning how long the
// caller must wait when the slot is taken.
func (c *Checker) reserveDeepCheck() (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := c.lastDeepCheck.Add(c.config.DeepCheckLimit)
	if now := c.now(); now.Before(next) {
		return next.Sub(now), false
	}
	c.lastDeepCheck = c.now()
	return 0, true
}

func (c *Checker) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c.writeResponse(w, c.Check(r.Context(), false))
	}
}

// DeepHandler probes every backend. Callers arriving inside the throttle
// window get the cached status with 429 and Retry-After.
func (c *Checker) DeepHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		wait, ok := c.reserveDeepCheck()
		if ok {
			c.writeResponse(w, c.Check(r.Context(), true))
			return
		}

		// The cached status is shared, so report on a copy.
		cached := c.Check(r.Context(), false)
		status := *cached
		status.Checks = maps.Clone(cached.Checks)
		if status.Checks == nil {
			status.Checks = make(map[string]ComponentCheck)
		}
		status.Checks["rate_limited"] = ComponentCheck{
			Status: "info",
			Error:  "Deep health check rate limited, returning cached result",
		}

		secs := max(int((wait+time.Second-1)/time.Second), 1)
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		c.encode(w, http.StatusTooManyRequests, &status)
	}
}

func (c *Checker) writeResponse(w http.ResponseWriter, status *Status) {
	code := http.StatusOK
	if status.Status != StatusHealthy {
		code = http.StatusServiceUnavailable
	}
	c.encode(w, code, status)
}

func (c *Checker) encode(w http.ResponseWriter, code int, status *Status) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(status); err != nil && c.config.Logger != nil {
		c.config.Logger.Error("Failed to encode health check response", "error", err)
	}
}
