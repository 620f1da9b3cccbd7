package models

// JobStatus represents the processing status of a media job.
type JobStatus string

const (
	JobPending    JobStatus = "PENDING"
	JobProcessing JobStatus = "PROCESSING"
	JobCompleted  JobStatus = "COMPLETED"
	JobFailed     JobStatus = "FAILED"
)

// IsValid returns true if the status is a valid JobStatus.
func (s JobStatus) IsValid() bool {
	switch s {
	case JobPending, JobProcessing, JobCompleted, JobFailed:
		return true
	}
	return false
}

// Terminal reports whether the job will not run again.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// MediaAsset is the durable record of a finalized upload.
type MediaAsset struct {
	PK string `dynamodbav:"pk" json:"-"`
	SK string `dynamodbav:"sk" json:"-"`

	AssetID         string  `dynamodbav:"asset_id" json:"assetId"`
	OwnerID         string  `dynamodbav:"owner_id" json:"ownerId"`
	TargetRef       string  `dynamodbav:"target_ref,omitempty" json:"targetRef,omitempty"`
	Bucket          string  `dynamodbav:"bucket" json:"bucket"`
	StorageKey      string  `dynamodbav:"storage_key" json:"storageKey"`
	Filename        string  `dynamodbav:"filename,omitempty" json:"filename,omitempty"`
	ContentType     string  `dynamodbav:"content_type,omitempty" json:"contentType,omitempty"`
	SizeBytes       int64   `dynamodbav:"size_bytes" json:"sizeBytes"`
	DurationSeconds float64 `dynamodbav:"duration_seconds,omitempty" json:"durationSeconds,omitempty"`
	JobID           string  `dynamodbav:"job_id" json:"jobId"`
	CreatedAt       string  `dynamodbav:"created_at" json:"createdAt"`
}

// ProcessingJob tracks the asynchronous pipeline run for one asset.
type ProcessingJob struct {
	PK     string `dynamodbav:"pk" json:"-"`
	SK     string `dynamodbav:"sk" json:"-"`
	GSI1PK string `dynamodbav:"gsi1pk,omitempty" json:"-"`
	GSI1SK string `dynamodbav:"gsi1sk,omitempty" json:"-"`

	JobID       string           `dynamodbav:"job_id" json:"jobId"`
	AssetID     string           `dynamodbav:"asset_id" json:"assetId"`
	Status      JobStatus        `dynamodbav:"status" json:"status"`
	Progress    float64          `dynamodbav:"progress" json:"progress"`
	Attempts    int              `dynamodbav:"attempts" json:"attempts"`
	LastError   string           `dynamodbav:"last_error,omitempty" json:"lastError,omitempty"`
	Result      ProcessingResult `dynamodbav:"result" json:"result"`
	LeaseUntil  string           `dynamodbav:"lease_until,omitempty" json:"-"`
	EnqueuedAt  string           `dynamodbav:"enqueued_at,omitempty" json:"enqueuedAt,omitempty"`
	CreatedAt   string           `dynamodbav:"created_at" json:"createdAt"`
	StartedAt   string           `dynamodbav:"started_at,omitempty" json:"startedAt,omitempty"`
	CompletedAt string           `dynamodbav:"completed_at,omitempty" json:"completedAt,omitempty"`
}

// TranscodeTask is the queue message handed from the dispatcher to workers.
type TranscodeTask struct {
	AssetID string `json:"assetId"`
	JobID   string `json:"jobId"`
	Bucket  string `json:"bucket"`
	Key     string `json:"key"`
}

// Validate checks if the task has all required fields.
func (t *TranscodeTask) Validate() error {
	if t.AssetID == "" {
		return ErrMissingAssetID
	}
	if t.JobID == "" {
		return ErrMissingJobID
	}
	if t.Bucket == "" {
		return ErrMissingBucket
	}
	if t.Key == "" {
		return ErrMissingKey
	}
	return nil
}
