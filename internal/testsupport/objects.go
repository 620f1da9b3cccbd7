package testsupport

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/amillerrr/tus-media-pipeline/internal/storage"
	"github.com/amillerrr/tus-media-pipeline/pkg/models"
)

type multipart struct {
	key   string
	parts map[int32][]byte
}

// ObjectStore is an in-memory bucket supporting multipart uploads.
type ObjectStore struct {
	mu      sync.Mutex
	bucket  string
	objects map[string][]byte
	uploads map[string]*multipart

	// FailUploadParts makes the next n UploadPart calls fail.
	FailUploadParts int
	// FailPuts makes the next n Put calls fail.
	FailPuts int
	// FailCompletes makes the next n Complete calls fail.
	FailCompletes int
	// PartCalls counts UploadPart invocations.
	PartCalls int
}

// NewObjectStore returns an empty bucket.
func NewObjectStore(bucket string) *ObjectStore {
	return &ObjectStore{
		bucket:  bucket,
		objects: make(map[string][]byte),
		uploads: make(map[string]*multipart),
	}
}

func (o *ObjectStore) Bucket() string { return o.bucket }

func (o *ObjectStore) Initiate(_ context.Context, key, _ string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	id := uuid.NewString()
	o.uploads[id] = &multipart{key: key, parts: make(map[int32][]byte)}
	return id, nil
}

func (o *ObjectStore) UploadPart(_ context.Context, key, providerUploadID string, partNumber int32, data []byte) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.PartCalls++
	if o.FailUploadParts > 0 {
		o.FailUploadParts--
		return "", models.E(models.ErrStorage, "upload part", "injected failure")
	}
	mp, ok := o.uploads[providerUploadID]
	if !ok || mp.key != key {
		return "", models.E(models.ErrStorage, "upload part", "no such upload")
	}
	mp.parts[partNumber] = append([]byte(nil), data...)
	return etag(data), nil
}

func (o *ObjectStore) Complete(_ context.Context, key, providerUploadID string, parts []models.Part) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.FailCompletes > 0 {
		o.FailCompletes--
		return "", models.E(models.ErrStorage, "complete multipart upload", "injected failure")
	}
	mp, ok := o.uploads[providerUploadID]
	if !ok {
		if _, exists := o.objects[key]; exists {
			return key, nil
		}
		return "", models.E(models.ErrStorage, "complete multipart upload", "no such upload")
	}

	sorted := append([]models.Part(nil), parts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PartNumber < sorted[j].PartNumber })

	var buf bytes.Buffer
	for i, p := range sorted {
		data, ok := mp.parts[p.PartNumber]
		if p.PartNumber != int32(i+1) || !ok || etag(data) != p.ETag || int64(buf.Len()) != p.Start {
			return "", models.E(models.ErrStorage, "complete multipart upload", "invalid part %d", p.PartNumber)
		}
		buf.Write(data)
	}
	o.objects[key] = buf.Bytes()
	delete(o.uploads, providerUploadID)
	return key, nil
}

func (o *ObjectStore) Abort(_ context.Context, _ string, providerUploadID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.uploads, providerUploadID)
	return nil
}

func (o *ObjectStore) PutTail(ctx context.Context, key string, data []byte) error {
	return o.Put(ctx, key, "", bytes.NewReader(data))
}

func (o *ObjectStore) GetTail(ctx context.Context, key string) ([]byte, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	data, ok := o.objects[key]
	if !ok {
		return nil, models.E(models.ErrNotFound, "get tail", "%s not found", key)
	}
	return append([]byte(nil), data...), nil
}

func (o *ObjectStore) DeleteTail(ctx context.Context, key string) error {
	return o.Delete(ctx, key)
}

func (o *ObjectStore) DeleteTails(_ context.Context, uploadID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	prefix := storage.TailPrefix(uploadID)
	for k := range o.objects {
		if strings.HasPrefix(k, prefix) {
			delete(o.objects, k)
		}
	}
	return nil
}

func (o *ObjectStore) Put(_ context.Context, key, _ string, body io.Reader) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.FailPuts > 0 {
		o.FailPuts--
		return models.E(models.ErrStorage, "put object", "injected failure")
	}
	o.objects[key] = data
	return nil
}

func (o *ObjectStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	data, ok := o.objects[key]
	if !ok {
		return nil, models.E(models.ErrNotFound, "get object", "%s not found", key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (o *ObjectStore) Exists(_ context.Context, key string) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.objects[key]
	return ok, nil
}

func (o *ObjectStore) Delete(_ context.Context, key string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.objects, key)
	return nil
}

// Object returns a stored object's bytes.
func (o *ObjectStore) Object(key string) ([]byte, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	data, ok := o.objects[key]
	return data, ok
}

// Keys lists stored object keys in order.
func (o *ObjectStore) Keys() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	keys := make([]string, 0, len(o.objects))
	for k := range o.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// PartCount returns how many parts are staged for an open multipart upload.
func (o *ObjectStore) PartCount(providerUploadID string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	if mp, ok := o.uploads[providerUploadID]; ok {
		return len(mp.parts)
	}
	return 0
}

// OpenUploads returns the number of multipart uploads not completed or aborted.
func (o *ObjectStore) OpenUploads() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.uploads)
}

func etag(data []byte) string {
	sum := md5.Sum(data)
	return fmt.Sprintf("%q", hex.EncodeToString(sum[:]))
}
