package models

import "time"

// UploadState is the lifecycle state of an upload session.
type UploadState string

const (
	UploadNew       UploadState = "NEW"
	UploadReceiving UploadState = "RECEIVING"
	UploadCompleted UploadState = "COMPLETED"
	UploadAborted   UploadState = "ABORTED"
	UploadExpired   UploadState = "EXPIRED"
)

// IsValid returns true if the state is a known UploadState.
func (s UploadState) IsValid() bool {
	switch s {
	case UploadNew, UploadReceiving, UploadCompleted, UploadAborted, UploadExpired:
		return true
	}
	return false
}

// Terminal reports whether no further chunks can be accepted in this state.
func (s UploadState) Terminal() bool {
	return s == UploadCompleted || s == UploadAborted || s == UploadExpired
}

// Part is one committed multipart part covering bytes [Start, End).
type Part struct {
	PartNumber int32  `dynamodbav:"part_number" json:"partNumber"`
	Start      int64  `dynamodbav:"start" json:"start"`
	End        int64  `dynamodbav:"end" json:"end"`
	ETag       string `dynamodbav:"etag" json:"etag"`
}

// Size returns the number of bytes the part covers.
func (p Part) Size() int64 { return p.End - p.Start }

// UploadSession is the durable state of one resumable upload.
type UploadSession struct {
	PK     string `dynamodbav:"pk" json:"-"`
	SK     string `dynamodbav:"sk" json:"-"`
	GSI1PK string `dynamodbav:"gsi1pk,omitempty" json:"-"`
	GSI1SK string `dynamodbav:"gsi1sk,omitempty" json:"-"`

	UploadID         string            `dynamodbav:"upload_id" json:"uploadId"`
	OwnerID          string            `dynamodbav:"owner_id" json:"ownerId"`
	TargetRef        string            `dynamodbav:"target_ref,omitempty" json:"targetRef,omitempty"`
	State            UploadState       `dynamodbav:"state" json:"state"`
	TotalSize        int64             `dynamodbav:"total_size" json:"totalSize"`
	Offset           int64             `dynamodbav:"offset" json:"offset"`
	Parts            []Part            `dynamodbav:"parts" json:"parts"`
	StorageKey       string            `dynamodbav:"storage_key" json:"storageKey"`
	ProviderUploadID string            `dynamodbav:"provider_upload_id" json:"providerUploadId"`
	TailKey          string            `dynamodbav:"tail_key,omitempty" json:"tailKey,omitempty"`
	TailSize         int64             `dynamodbav:"tail_size,omitempty" json:"tailSize,omitempty"`
	Metadata         map[string]string `dynamodbav:"metadata,omitempty" json:"metadata,omitempty"`
	WriterToken      string            `dynamodbav:"writer_token,omitempty" json:"-"`
	WriterLeaseUntil string            `dynamodbav:"writer_lease_until,omitempty" json:"-"`
	Version          int64             `dynamodbav:"version" json:"version"`
	CreatedAt        string            `dynamodbav:"created_at" json:"createdAt"`
	ExpiresAt        string            `dynamodbav:"expires_at" json:"expiresAt"`
	CompletedAt      string            `dynamodbav:"completed_at,omitempty" json:"completedAt,omitempty"`
	FinalizedAt      string            `dynamodbav:"finalized_at,omitempty" json:"finalizedAt,omitempty"`
}

// Completed reports whether every byte has been committed.
func (s *UploadSession) Completed() bool { return s.State == UploadCompleted }

// Finalized reports whether the completed object has been handed to the
// pipeline.
func (s *UploadSession) Finalized() bool { return s.FinalizedAt != "" }

// Aborted reports whether the upload was terminated by the client.
func (s *UploadSession) Aborted() bool { return s.State == UploadAborted }

// Expiry parses ExpiresAt. A malformed value is treated as already expired.
func (s *UploadSession) Expiry() time.Time {
	t, err := ParseTime(s.ExpiresAt)
	if err != nil {
		return time.Time{}
	}
	return t
}

// ExpiredAt reports whether the session has passed its absolute expiry at now.
func (s *UploadSession) ExpiredAt(now time.Time) bool {
	return !now.Before(s.Expiry())
}

// Clone returns a deep copy safe to mutate.
func (s *UploadSession) Clone() *UploadSession {
	c := *s
	c.Parts = append([]Part(nil), s.Parts...)
	if s.Metadata != nil {
		c.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}
