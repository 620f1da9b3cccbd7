package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "media"

// Upload metrics
var (
	// UploadsCreated counts upload sessions created.
	UploadsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upload",
			Name:      "sessions_created_total",
			Help:      "Total number of upload sessions created",
		},
	)

	// UploadsFinished counts sessions leaving the receiving state, by outcome.
	UploadsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upload",
			Name:      "sessions_finished_total",
			Help:      "Total number of upload sessions finished by outcome",
		},
		[]string{"outcome"},
	)

	// ChunkBytes counts committed chunk bytes.
	ChunkBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upload",
			Name:      "chunk_bytes_total",
			Help:      "Total number of bytes committed to upload sessions",
		},
	)

	// ChunkRejections counts rejected chunks by reason.
	ChunkRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upload",
			Name:      "chunk_rejections_total",
			Help:      "Total number of rejected chunks by reason",
		},
		[]string{"reason"},
	)

	// PartUploadDuration tracks multipart part upload latency.
	PartUploadDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "upload",
			Name:      "part_upload_duration_seconds",
			Help:      "Time taken to upload one multipart part",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
	)

	// JobsDispatched counts jobs handed to the queue, by source.
	JobsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "jobs_enqueued_total",
			Help:      "Total number of processing jobs enqueued",
		},
		[]string{"source"},
	)
)

// Worker metrics
var (
	// JobsProcessed counts finished jobs by terminal status.
	JobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_processed_total",
			Help:      "Total number of processing jobs finished",
		},
		[]string{"status"},
	)

	// StageDuration tracks the time taken by each pipeline stage.
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Time taken by each pipeline stage",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"stage"},
	)

	// StageFailures counts stage errors that triggered a retry or failure.
	StageFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_failures_total",
			Help:      "Total number of pipeline stage failures",
		},
		[]string{"stage"},
	)

	// PipelineRetries counts whole-pipeline retry attempts.
	PipelineRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_retries_total",
			Help:      "Total number of pipeline retry attempts",
		},
	)

	// ActiveJobs tracks the number of currently processing jobs.
	ActiveJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_jobs",
			Help:      "Number of currently processing jobs",
		},
	)

	// DownloadDuration tracks the time taken to download sources from S3.
	DownloadDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "source_download_duration_seconds",
			Help:      "Time taken to download source media from S3",
			Buckets:   []float64{1, 5, 10, 30, 60, 120},
		},
	)

	// UploadDuration tracks the time taken to upload artifacts to S3.
	UploadDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "artifact_upload_duration_seconds",
			Help:      "Time taken to upload artifacts to S3",
			Buckets:   []float64{0.5, 1, 5, 10, 30, 60},
		},
	)
)

// API metrics
var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks HTTP request duration.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// AuthFailures counts authentication failures by type.
	AuthFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "auth_failures_total",
			Help:      "Total number of authentication failures",
		},
		[]string{"reason"},
	)
)

// RecordJob records a job reaching a terminal status.
func RecordJob(status string) {
	JobsProcessed.WithLabelValues(status).Inc()
}

// RecordRejection records a rejected chunk.
func RecordRejection(reason string) {
	ChunkRejections.WithLabelValues(reason).Inc()
}
