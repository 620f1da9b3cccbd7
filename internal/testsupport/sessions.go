// Package testsupport provides in-memory stand-ins for the DynamoDB, S3 and
// SQS backed components, with the same conditional semantics.
package testsupport

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/amillerrr/tus-media-pipeline/internal/storage"
	"github.com/amillerrr/tus-media-pipeline/pkg/models"
)

// SessionStore is an in-memory upload session store.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]*models.UploadSession

	// BeforeCommit, when set, runs inside CommitOffset before the condition
	// is checked. Tests use it to interleave concurrent writers.
	BeforeCommit func(c storage.Commit)
}

// NewSessionStore returns an empty store.
func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]*models.UploadSession)}
}

func (s *SessionStore) Create(_ context.Context, sess *models.UploadSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.UploadID]; ok {
		return models.E(models.ErrConflict, "create session", "upload %s already exists", sess.UploadID)
	}
	s.sessions[sess.UploadID] = sess.Clone()
	return nil
}

func (s *SessionStore) Get(_ context.Context, uploadID string) (*models.UploadSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[uploadID]
	if !ok {
		return nil, models.E(models.ErrNotFound, "get session", "upload %s not found", uploadID)
	}
	return sess.Clone(), nil
}

func (s *SessionStore) Claim(_ context.Context, uploadID string, expectedOffset int64, token string, leaseUntil, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[uploadID]
	if !ok {
		return models.E(models.ErrConflict, "claim session", "upload %s not found", uploadID)
	}
	held := sess.WriterToken != "" && sess.WriterLeaseUntil >= models.FormatTime(now)
	writable := sess.State == models.UploadNew || sess.State == models.UploadReceiving
	if sess.Offset != expectedOffset || !writable || held || sess.ExpiresAt <= models.FormatTime(now) {
		return models.E(models.ErrConflict, "claim session", "offset %d is not available for writing", expectedOffset)
	}
	sess.WriterToken = token
	sess.WriterLeaseUntil = models.FormatTime(leaseUntil)
	return nil
}

func (s *SessionStore) CommitOffset(_ context.Context, c storage.Commit) (*models.UploadSession, error) {
	if s.BeforeCommit != nil {
		s.BeforeCommit(c)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[c.UploadID]
	if !ok || sess.Offset != c.ExpectedOffset || sess.WriterToken != c.Token {
		return nil, models.E(models.ErrConflict, "commit offset", "lost writer lease at offset %d", c.ExpectedOffset)
	}
	sess.Offset = c.NewOffset
	sess.Parts = append(sess.Parts, c.Parts...)
	sess.TailKey = c.TailKey
	sess.TailSize = c.TailSize
	sess.State = models.UploadReceiving
	if c.Completed {
		sess.State = models.UploadCompleted
		sess.CompletedAt = models.FormatTime(c.CompletedAt)
	}
	sess.WriterToken = ""
	sess.WriterLeaseUntil = ""
	sess.Version++
	return sess.Clone(), nil
}

func (s *SessionStore) Release(_ context.Context, uploadID, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[uploadID]; ok && sess.WriterToken == token {
		sess.WriterToken = ""
		sess.WriterLeaseUntil = ""
	}
	return nil
}

func (s *SessionStore) MarkState(_ context.Context, uploadID string, to models.UploadState, from ...models.UploadState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[uploadID]
	if !ok {
		return models.E(models.ErrConflict, "mark session", "upload %s not found", uploadID)
	}
	if len(from) > 0 {
		allowed := false
		for _, f := range from {
			if sess.State == f {
				allowed = true
			}
		}
		if !allowed {
			return models.E(models.ErrConflict, "mark session", "upload %s cannot move to %s", uploadID, to)
		}
	}
	sess.State = to
	sess.Version++
	return nil
}

func (s *SessionStore) Delete(_ context.Context, uploadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, uploadID)
	return nil
}

func (s *SessionStore) ListExpired(_ context.Context, now time.Time, limit int32) ([]models.UploadSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := models.FormatTime(now)
	var out []models.UploadSession
	for _, sess := range s.sessions {
		if sess.ExpiresAt < cutoff {
			out = append(out, *sess.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt < out[j].ExpiresAt })
	if int32(len(out)) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *SessionStore) ListUnfinalized(_ context.Context, before time.Time, limit int32) ([]models.UploadSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := models.FormatTime(before)
	var out []models.UploadSession
	for _, sess := range s.sessions {
		if sess.Completed() && !sess.Finalized() && sess.CompletedAt != "" && sess.CompletedAt < cutoff {
			out = append(out, *sess.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CompletedAt < out[j].CompletedAt })
	if int32(len(out)) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *SessionStore) MarkFinalized(_ context.Context, sess *models.UploadSession, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.sessions[sess.UploadID]
	if !ok || !stored.Completed() {
		return models.E(models.ErrConflict, "mark finalized", "upload %s is not complete", sess.UploadID)
	}
	stored.FinalizedAt = models.FormatTime(at)
	return nil
}

// Len returns the number of stored sessions.
func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Put overwrites a session directly.
func (s *SessionStore) Put(sess *models.UploadSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.UploadID] = sess.Clone()
}
