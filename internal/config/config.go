package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Environment   string
	LogLevel      string
	AWS           AWSConfig
	API           APIConfig
	Upload        UploadConfig
	Worker        WorkerConfig
	Pipeline      PipelineConfig
	Notify        NotifyConfig
	Observability ObservabilityConfig
	CORS          CORSConfig
}

// AWSConfig holds AWS-specific configuration.
type AWSConfig struct {
	Region          string
	EndpointURL     string
	RawBucket       string
	ProcessedBucket string
	SQSQueueURL     string
	DynamoDBTable   string
}

// APIConfig holds API server configuration.
type APIConfig struct {
	Port      string
	JWTSecret string
}

// UploadConfig holds resumable upload limits.
type UploadConfig struct {
	BasePath          string
	MaxSize           int64
	PartSize          int64
	MaxChunkSize      int64
	TTL               time.Duration
	WriterLease       time.Duration
	SweepInterval     time.Duration
	ReconcileInterval time.Duration
	ReconcileAfter    time.Duration
}

// WorkerConfig holds worker-specific configuration.
type WorkerConfig struct {
	MaxConcurrentJobs int
	MetricsPort       int
	WorkDir           string
}

// PipelineConfig holds media pipeline settings.
type PipelineConfig struct {
	JobTimeout           time.Duration
	MaxAttempts          int
	RetryBaseDelay       time.Duration
	RetryMaxDelay        time.Duration
	ThumbnailCount       int
	PreviewSeconds       float64
	PreviewStartFraction float64
	AnalysisSampleRate   int
	FFmpegPath           string
	FFprobePath          string
}

// NotifyConfig selects the job status notifier.
type NotifyConfig struct {
	SNSTopicARN string
	WebhookURL  string
}

// ObservabilityConfig holds observability configuration.
type ObservabilityConfig struct {
	OTLPEndpoint string
	Disabled     bool
}

// CORSConfig holds CORS configuration.
type CORSConfig struct {
	AllowedOrigins []string
}

// Default values
const (
	DefaultPort              = "8080"
	DefaultMetricsPort       = 2112
	DefaultMaxConcurrentJobs = 2
	DefaultOTLPEndpoint      = "localhost:4317"
	DefaultRegion            = "us-west-2"

	MiB = 1 << 20
	GiB = 1 << 30

	// MinPartSize is the smallest non-final part S3 accepts.
	MinPartSize     = 5 * MiB
	MaxParts        = 10000
	DefaultMaxSize  = 10 * GiB
	DefaultPartSize = MinPartSize
	DefaultMaxChunk = 64 * MiB
)

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var errs []string

	cfg := &Config{
		Environment: getEnv("ENV", "dev"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		AWS: AWSConfig{
			Region:          getEnv("AWS_REGION", DefaultRegion),
			EndpointURL:     os.Getenv("AWS_ENDPOINT_URL"),
			RawBucket:       os.Getenv("S3_BUCKET"),
			ProcessedBucket: os.Getenv("PROCESSED_BUCKET"),
			SQSQueueURL:     os.Getenv("SQS_QUEUE_URL"),
			DynamoDBTable:   os.Getenv("DYNAMODB_TABLE"),
		},
		API: APIConfig{
			Port:      getEnv("PORT", DefaultPort),
			JWTSecret: os.Getenv("JWT_SECRET"),
		},
		Upload: UploadConfig{
			BasePath:          getEnv("TUS_BASE_PATH", "/files/"),
			MaxSize:           getEnvInt64("TUS_MAX_SIZE", DefaultMaxSize),
			PartSize:          getEnvInt64("TUS_PART_SIZE", DefaultPartSize),
			MaxChunkSize:      getEnvInt64("TUS_MAX_CHUNK_SIZE", DefaultMaxChunk),
			TTL:               getEnvDuration("UPLOAD_TTL", 24*time.Hour, &errs),
			WriterLease:       getEnvDuration("UPLOAD_WRITER_LEASE", 5*time.Minute, &errs),
			SweepInterval:     getEnvDuration("SWEEP_INTERVAL", 10*time.Minute, &errs),
			ReconcileInterval: getEnvDuration("RECONCILE_INTERVAL", time.Minute, &errs),
			ReconcileAfter:    getEnvDuration("RECONCILE_AFTER", 5*time.Minute, &errs),
		},
		Worker: WorkerConfig{
			MaxConcurrentJobs: getEnvInt("MAX_CONCURRENT_JOBS", DefaultMaxConcurrentJobs),
			MetricsPort:       getEnvInt("METRICS_PORT", DefaultMetricsPort),
			WorkDir:           getEnv("WORK_DIR", os.TempDir()),
		},
		Pipeline: PipelineConfig{
			JobTimeout:           getEnvDuration("JOB_TIMEOUT", time.Hour, &errs),
			MaxAttempts:          getEnvInt("JOB_MAX_ATTEMPTS", 3),
			RetryBaseDelay:       getEnvDuration("JOB_RETRY_BASE_DELAY", 5*time.Second, &errs),
			RetryMaxDelay:        getEnvDuration("JOB_RETRY_MAX_DELAY", 2*time.Minute, &errs),
			ThumbnailCount:       getEnvInt("THUMBNAIL_COUNT", 5),
			PreviewSeconds:       getEnvFloat("PREVIEW_SECONDS", 10, &errs),
			PreviewStartFraction: getEnvFloat("PREVIEW_START_FRACTION", 0.1, &errs),
			AnalysisSampleRate:   getEnvInt("ANALYSIS_SAMPLE_RATE", 22050),
			FFmpegPath:           getEnv("FFMPEG_PATH", "ffmpeg"),
			FFprobePath:          getEnv("FFPROBE_PATH", "ffprobe"),
		},
		Notify: NotifyConfig{
			SNSTopicARN: os.Getenv("NOTIFY_SNS_TOPIC_ARN"),
			WebhookURL:  os.Getenv("NOTIFY_WEBHOOK_URL"),
		},
		Observability: ObservabilityConfig{
			OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", DefaultOTLPEndpoint),
			Disabled:     getEnvBool("OTEL_DISABLED", false),
		},
		CORS: CORSConfig{
			AllowedOrigins: getEnvSlice("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
		},
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return cfg, nil
}

// LoadAPI loads configuration required for the API service.
func LoadAPI() (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	if err := cfg.ValidateAPI(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadWorker loads configuration required for the Worker service.
func LoadWorker() (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	if err := cfg.ValidateWorker(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ValidateAPI validates configuration required for the API service.
func (c *Config) ValidateAPI() error {
	var errs []string

	if c.AWS.RawBucket == "" {
		errs = append(errs, "S3_BUCKET is required")
	}
	if c.AWS.SQSQueueURL == "" {
		errs = append(errs, "SQS_QUEUE_URL is required")
	}
	if c.AWS.DynamoDBTable == "" {
		errs = append(errs, "DYNAMODB_TABLE is required")
	}
	errs = append(errs, c.validateUpload()...)

	if c.IsProduction() && len(c.API.JWTSecret) < 32 {
		errs = append(errs, "JWT_SECRET must be at least 32 characters in production")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

func (c *Config) validateUpload() []string {
	var errs []string
	u := c.Upload
	if u.PartSize < MinPartSize {
		errs = append(errs, fmt.Sprintf("TUS_PART_SIZE must be at least %d bytes", MinPartSize))
	}
	if u.MaxSize <= 0 {
		errs = append(errs, "TUS_MAX_SIZE must be positive")
	}
	if u.PartSize > 0 && u.MaxSize > u.PartSize*MaxParts {
		errs = append(errs, fmt.Sprintf("TUS_MAX_SIZE exceeds %d parts of TUS_PART_SIZE", MaxParts))
	}
	if !strings.HasPrefix(u.BasePath, "/") || !strings.HasSuffix(u.BasePath, "/") {
		errs = append(errs, "TUS_BASE_PATH must start and end with /")
	}
	return errs
}

// ValidateWorker validates configuration required for the Worker service.
func (c *Config) ValidateWorker() error {
	var errs []string

	if c.AWS.RawBucket == "" {
		errs = append(errs, "S3_BUCKET is required")
	}
	if c.AWS.ProcessedBucket == "" {
		errs = append(errs, "PROCESSED_BUCKET is required")
	}
	if c.AWS.SQSQueueURL == "" {
		errs = append(errs, "SQS_QUEUE_URL is required")
	}
	if c.AWS.DynamoDBTable == "" {
		errs = append(errs, "DYNAMODB_TABLE is required")
	}
	if c.Pipeline.PreviewStartFraction < 0 || c.Pipeline.PreviewStartFraction >= 1 {
		errs = append(errs, "PREVIEW_START_FRACTION must be in [0, 1)")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// IsProduction returns true if running in production environment.
func (c *Config) IsProduction() bool {
	env := strings.ToLower(c.Environment)
	return env == "prod" || env == "production"
}

// GetJWTSecret returns the JWT secret used to validate bearer tokens.
func (c *Config) GetJWTSecret() ([]byte, error) {
	secret := c.API.JWTSecret

	if secret == "" {
		return nil, errors.New("JWT_SECRET is required (set it even for development)")
	}

	if len(secret) < 32 && c.IsProduction() {
		return nil, errors.New("JWT_SECRET must be at least 32 characters")
	}

	return []byte(secret), nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil && intVal > 0 {
			return intVal
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil && intVal > 0 {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64, errs *[]string) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s must be a number", key))
		return defaultValue
	}
	return f
}

func getEnvDuration(key string, defaultValue time.Duration, errs *[]string) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s must be a positive duration", key))
		return defaultValue
	}
	return d
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
