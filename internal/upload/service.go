// Package upload implements the resumable upload session state machine.
//
// A session moves NEW -> RECEIVING -> COMPLETED, or to ABORTED/EXPIRED.
// Every change to the committed offset goes through two conditional writes
// on the session store: a claim at the expected offset, then a commit that
// only succeeds while the claim is still held. HTTP replicas keep no state.
package upload

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/amillerrr/tus-media-pipeline/internal/checksum"
	"github.com/amillerrr/tus-media-pipeline/internal/metrics"
	"github.com/amillerrr/tus-media-pipeline/internal/storage"
	"github.com/amillerrr/tus-media-pipeline/pkg/models"
)

var tracer = otel.Tracer("media-upload")

const MaxFilenameLength = 255

// Allowed video extensions and content types
var (
	AllowedExtensions = map[string]bool{
		".mp4":  true,
		".mov":  true,
		".avi":  true,
		".mkv":  true,
		".webm": true,
		".m4v":  true,
	}

	AllowedContentTypes = map[string]bool{
		"video/mp4":        true,
		"video/quicktime":  true,
		"video/x-msvideo":  true,
		"video/x-matroska": true,
		"video/webm":       true,
		"video/x-m4v":      true,
	}
)

// SessionStore persists sessions with conditional writes.
type SessionStore interface {
	Create(ctx context.Context, s *models.UploadSession) error
	Get(ctx context.Context, uploadID string) (*models.UploadSession, error)
	Claim(ctx context.Context, uploadID string, expectedOffset int64, token string, leaseUntil, now time.Time) error
	CommitOffset(ctx context.Context, c storage.Commit) (*models.UploadSession, error)
	Release(ctx context.Context, uploadID, token string) error
	MarkState(ctx context.Context, uploadID string, to models.UploadState, from ...models.UploadState) error
	Delete(ctx context.Context, uploadID string) error
	ListExpired(ctx context.Context, now time.Time, limit int32) ([]models.UploadSession, error)
}

// Storage is the multipart object store behind a session.
type Storage interface {
	Initiate(ctx context.Context, key, contentType string) (string, error)
	UploadPart(ctx context.Context, key, providerUploadID string, partNumber int32, data []byte) (string, error)
	Abort(ctx context.Context, key, providerUploadID string) error
	PutTail(ctx context.Context, key string, data []byte) error
	GetTail(ctx context.Context, key string) ([]byte, error)
	DeleteTail(ctx context.Context, key string) error
	DeleteTails(ctx context.Context, uploadID string) error
}

// Config holds the limits applied to new sessions.
type Config struct {
	MaxSize     int64
	PartSize    int64
	MaxParts    int64
	TTL         time.Duration
	WriterLease time.Duration
}

// Service runs the session state machine.
type Service struct {
	cfg      Config
	sessions SessionStore
	storage  Storage
	log      *slog.Logger
	now      func() time.Time
	newToken func() string

	finalizer Finalizer
}

// NewService creates a Service. now may be nil to use the wall clock.
func NewService(cfg Config, sessions SessionStore, store Storage, log *slog.Logger, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	if cfg.MaxParts == 0 {
		cfg.MaxParts = 10000
	}
	return &Service{
		cfg:      cfg,
		sessions: sessions,
		storage:  store,
		log:      log,
		now:      now,
		newToken: func() string { return uuid.NewString() },
	}
}

// Limits returns the configured limits.
func (s *Service) Limits() Config { return s.cfg }

// CreateRequest describes a new upload.
type CreateRequest struct {
	OwnerID   string
	TotalSize int64
	Metadata  map[string]string
}

// Create validates the declared size and metadata, starts a multipart upload
// and stores a session in RECEIVING at offset zero.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*models.UploadSession, error) {
	const op = "create upload"
	ctx, span := tracer.Start(ctx, "upload.create")
	defer span.End()

	if req.OwnerID == "" {
		return nil, models.E(models.ErrPermission, op, "owner is required")
	}
	if req.TotalSize <= 0 {
		return nil, models.E(models.ErrValidation, op, "upload length must be positive")
	}
	if req.TotalSize > s.cfg.MaxSize {
		return nil, models.E(models.ErrTooLarge, op, "upload length %d exceeds maximum %d", req.TotalSize, s.cfg.MaxSize)
	}
	if parts := (req.TotalSize + s.cfg.PartSize - 1) / s.cfg.PartSize; parts > s.cfg.MaxParts {
		return nil, models.E(models.ErrTooLarge, op, "upload needs %d parts, limit is %d", parts, s.cfg.MaxParts)
	}

	ext, contentType, err := validateMetadata(req.Metadata)
	if err != nil {
		return nil, err
	}

	uploadID := uuid.NewString()
	storageKey := fmt.Sprintf("uploads/%s%s", uploadID, ext)
	span.SetAttributes(attribute.String("upload.id", uploadID), attribute.Int64("upload.length", req.TotalSize))

	providerID, err := s.storage.Initiate(ctx, storageKey, contentType)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	now := s.now()
	session := &models.UploadSession{
		UploadID:         uploadID,
		OwnerID:          req.OwnerID,
		TargetRef:        targetRef(req.Metadata),
		State:            models.UploadReceiving,
		TotalSize:        req.TotalSize,
		Parts:            []models.Part{},
		StorageKey:       storageKey,
		ProviderUploadID: providerID,
		Metadata:         req.Metadata,
		CreatedAt:        models.FormatTime(now),
		ExpiresAt:        models.FormatTime(now.Add(s.cfg.TTL)),
	}

	if err := s.sessions.Create(ctx, session); err != nil {
		if abortErr := s.storage.Abort(ctx, storageKey, providerID); abortErr != nil {
			s.log.WarnContext(ctx, "Failed to abort orphaned multipart upload", "uploadId", uploadID, "error", abortErr)
		}
		return nil, err
	}

	metrics.UploadsCreated.Inc()
	s.log.InfoContext(ctx, "Upload created",
		"uploadId", uploadID,
		"ownerId", req.OwnerID,
		"totalSize", req.TotalSize,
		"storageKey", storageKey,
	)
	return session, nil
}

// AppendRequest is one chunk at ExpectedOffset.
type AppendRequest struct {
	UploadID       string
	OwnerID        string
	ExpectedOffset int64
	Data           []byte
	Checksum       *checksum.Digest
}

// AppendResult reports the committed offset after a chunk.
type AppendResult struct {
	Offset    int64
	Completed bool
	Session   *models.UploadSession
}

// AppendChunk commits data at ExpectedOffset. A rejected chunk leaves the
// session exactly as it was.
func (s *Service) AppendChunk(ctx context.Context, req AppendRequest) (*AppendResult, error) {
	const op = "append chunk"
	ctx, span := tracer.Start(ctx, "upload.append")
	defer span.End()
	span.SetAttributes(
		attribute.String("upload.id", req.UploadID),
		attribute.Int64("upload.offset", req.ExpectedOffset),
		attribute.Int("chunk.size", len(req.Data)),
	)

	sess, err := s.sessions.Get(ctx, req.UploadID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	if err := checkWritable(op, sess, now); err != nil {
		metrics.RecordRejection("gone")
		return nil, err
	}
	if sess.OwnerID != req.OwnerID {
		metrics.RecordRejection("permission")
		return nil, models.E(models.ErrPermission, op, "upload belongs to another owner")
	}
	if req.ExpectedOffset != sess.Offset {
		metrics.RecordRejection("offset")
		return nil, models.E(models.ErrConflict, op, "offset %d does not match committed offset %d", req.ExpectedOffset, sess.Offset)
	}
	size := int64(len(req.Data))
	if req.ExpectedOffset+size > sess.TotalSize {
		metrics.RecordRejection("overflow")
		return nil, models.E(models.ErrValidation, op, "chunk ends at %d beyond upload length %d", req.ExpectedOffset+size, sess.TotalSize)
	}
	if req.Checksum != nil && !checksum.Verify(req.Checksum.Algorithm, req.Data, req.Checksum.Sum) {
		metrics.RecordRejection("checksum")
		return nil, models.E(models.ErrChecksum, op, "%s digest does not match chunk", req.Checksum.Algorithm)
	}
	if size == 0 {
		return &AppendResult{Offset: sess.Offset, Completed: sess.Completed(), Session: sess}, nil
	}

	token := s.newToken()
	if err := s.sessions.Claim(ctx, sess.UploadID, req.ExpectedOffset, token, now.Add(s.cfg.WriterLease), now); err != nil {
		metrics.RecordRejection("claim")
		return nil, err
	}

	commit, err := s.writeParts(ctx, sess, token, req.Data)
	if err != nil {
		span.RecordError(err)
		s.release(ctx, sess.UploadID, token)
		return nil, err
	}

	updated, err := s.sessions.CommitOffset(ctx, *commit)
	if err != nil {
		span.RecordError(err)
		if commit.TailKey != "" {
			s.deleteTail(ctx, commit.TailKey)
		}
		s.release(ctx, sess.UploadID, token)
		return nil, err
	}
	if sess.TailKey != "" {
		s.deleteTail(ctx, sess.TailKey)
	}

	metrics.ChunkBytes.Add(float64(size))
	if commit.Completed {
		metrics.UploadsFinished.WithLabelValues("completed").Inc()
		s.log.InfoContext(ctx, "Upload completed", "uploadId", sess.UploadID, "totalSize", sess.TotalSize, "parts", len(updated.Parts))
	}

	return &AppendResult{Offset: updated.Offset, Completed: commit.Completed, Session: updated}, nil
}

// writeParts merges the staged tail with data, uploads every complete part
// and stages whatever is left. Part numbers derive from byte offsets, so the
// same bytes always land in the same part.
func (s *Service) writeParts(ctx context.Context, sess *models.UploadSession, token string, data []byte) (*storage.Commit, error) {
	buf := data
	if sess.TailKey != "" {
		tail, err := s.storage.GetTail(ctx, sess.TailKey)
		if err != nil {
			return nil, err
		}
		if int64(len(tail)) != sess.TailSize {
			return nil, models.E(models.ErrStorage, "read tail", "staged tail has %d bytes, expected %d", len(tail), sess.TailSize)
		}
		buf = append(tail, data...)
	}

	start := sess.Offset - sess.TailSize
	newOffset := sess.Offset + int64(len(data))
	final := newOffset == sess.TotalSize
	partSize := s.cfg.PartSize

	commit := &storage.Commit{
		UploadID:       sess.UploadID,
		Token:          token,
		ExpectedOffset: sess.Offset,
		NewOffset:      newOffset,
		Completed:      final,
	}
	if final {
		commit.CompletedAt = s.now()
	}

	for int64(len(buf)) >= partSize || (final && len(buf) > 0) {
		n := min(int64(len(buf)), partSize)
		number := storage.PartNumberFor(start, partSize)
		etag, err := s.storage.UploadPart(ctx, sess.StorageKey, sess.ProviderUploadID, number, buf[:n])
		if err != nil {
			return nil, err
		}
		commit.Parts = append(commit.Parts, models.Part{
			PartNumber: number,
			Start:      start,
			End:        start + n,
			ETag:       etag,
		})
		start += n
		buf = buf[n:]
	}

	if len(buf) > 0 {
		commit.TailKey = storage.TailKey(sess.UploadID, token)
		commit.TailSize = int64(len(buf))
		if err := s.storage.PutTail(ctx, commit.TailKey, buf); err != nil {
			return nil, err
		}
	}
	return commit, nil
}

// Status describes a session for HEAD requests.
type Status struct {
	Offset    int64
	TotalSize int64
	Completed bool
	Metadata  map[string]string
	ExpiresAt time.Time
}

// Status reads the committed offset. It never takes the writer claim.
func (s *Service) Status(ctx context.Context, uploadID, ownerID string) (*Status, error) {
	const op = "upload status"
	sess, err := s.sessions.Get(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	if sess.OwnerID != ownerID {
		return nil, models.E(models.ErrPermission, op, "upload belongs to another owner")
	}
	if sess.State == models.UploadAborted || sess.State == models.UploadExpired || (!sess.Completed() && sess.ExpiredAt(s.now())) {
		return nil, models.E(models.ErrGone, op, "upload %s is no longer available", uploadID)
	}
	return &Status{
		Offset:    sess.Offset,
		TotalSize: sess.TotalSize,
		Completed: sess.Completed(),
		Metadata:  sess.Metadata,
		ExpiresAt: sess.Expiry(),
	}, nil
}

// Get returns the raw session after an ownership check.
func (s *Service) Get(ctx context.Context, uploadID, ownerID string) (*models.UploadSession, error) {
	sess, err := s.sessions.Get(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	if ownerID != "" && sess.OwnerID != ownerID {
		return nil, models.E(models.ErrPermission, "get upload", "upload belongs to another owner")
	}
	return sess, nil
}

// Abort terminates an in-progress upload and releases its storage.
func (s *Service) Abort(ctx context.Context, uploadID, ownerID string) error {
	const op = "abort upload"
	ctx, span := tracer.Start(ctx, "upload.abort")
	defer span.End()
	span.SetAttributes(attribute.String("upload.id", uploadID))

	sess, err := s.sessions.Get(ctx, uploadID)
	if err != nil {
		return err
	}
	if sess.OwnerID != ownerID {
		return models.E(models.ErrPermission, op, "upload belongs to another owner")
	}
	if sess.Completed() {
		return models.E(models.ErrConflict, op, "upload %s is already complete", uploadID)
	}
	if sess.State.Terminal() {
		return models.E(models.ErrGone, op, "upload %s is no longer available", uploadID)
	}

	if err := s.sessions.MarkState(ctx, uploadID, models.UploadAborted, models.UploadNew, models.UploadReceiving); err != nil {
		return err
	}
	s.releaseStorage(ctx, sess)
	if err := s.sessions.Delete(ctx, uploadID); err != nil {
		s.log.WarnContext(ctx, "Failed to delete aborted session", "uploadId", uploadID, "error", err)
	}

	metrics.UploadsFinished.WithLabelValues("aborted").Inc()
	s.log.InfoContext(ctx, "Upload aborted", "uploadId", uploadID, "offset", sess.Offset)
	return nil
}

// releaseStorage aborts the multipart upload and deletes every staged tail,
// committed or orphaned. Both are best-effort.
func (s *Service) releaseStorage(ctx context.Context, sess *models.UploadSession) {
	if err := s.storage.Abort(ctx, sess.StorageKey, sess.ProviderUploadID); err != nil {
		s.log.WarnContext(ctx, "Failed to abort multipart upload", "uploadId", sess.UploadID, "error", err)
	}
	s.deleteTails(ctx, sess.UploadID)
}

func (s *Service) release(ctx context.Context, uploadID, token string) {
	if err := s.sessions.Release(ctx, uploadID, token); err != nil {
		s.log.WarnContext(ctx, "Failed to release writer claim", "uploadId", uploadID, "error", err)
	}
}

func (s *Service) deleteTail(ctx context.Context, key string) {
	if err := s.storage.DeleteTail(ctx, key); err != nil {
		s.log.WarnContext(ctx, "Failed to delete staged tail", "key", key, "error", err)
	}
}

func (s *Service) deleteTails(ctx context.Context, uploadID string) {
	if err := s.storage.DeleteTails(ctx, uploadID); err != nil {
		s.log.WarnContext(ctx, "Failed to delete staged tails", "uploadId", uploadID, "error", err)
	}
}

func checkWritable(op string, sess *models.UploadSession, now time.Time) error {
	switch {
	case sess.State.Terminal():
		return models.E(models.ErrGone, op, "upload %s is %s", sess.UploadID, strings.ToLower(string(sess.State)))
	case sess.ExpiredAt(now):
		return models.E(models.ErrGone, op, "upload %s has expired", sess.UploadID)
	}
	return nil
}

// validateMetadata checks the optional filename and filetype pairs and
// returns the storage extension and content type to use.
func validateMetadata(md map[string]string) (ext, contentType string, err error) {
	const op = "validate metadata"
	ext = ".mp4"

	if name, ok := md["filename"]; ok {
		if len(name) > MaxFilenameLength {
			return "", "", models.E(models.ErrValidation, op, "filename longer than %d characters", MaxFilenameLength)
		}
		if e := strings.ToLower(filepath.Ext(name)); e != "" {
			if !AllowedExtensions[e] {
				return "", "", models.E(models.ErrValidation, op, "file extension %q is not allowed", e)
			}
			ext = e
		}
	}

	contentType = md["filetype"]
	if contentType != "" && !AllowedContentTypes[strings.ToLower(contentType)] {
		return "", "", models.E(models.ErrValidation, op, "file type %q is not allowed", contentType)
	}
	return ext, contentType, nil
}

func targetRef(md map[string]string) string {
	for _, k := range []string{"target", "session_id", "practice_session_id"} {
		if v := md[k]; v != "" {
			return v
		}
	}
	return ""
}
