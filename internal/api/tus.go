package api

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/amillerrr/tus-media-pipeline/internal/checksum"
	"github.com/amillerrr/tus-media-pipeline/internal/upload"
	"github.com/amillerrr/tus-media-pipeline/pkg/models"
)

// TUS protocol constants
const (
	TusVersion      = "1.0.0"
	TusExtensions   = "creation,creation-with-upload,termination,checksum,expiration"
	OffsetOctetType = "application/offset+octet-stream"
)

// TUS headers
const (
	HeaderTusResumable      = "Tus-Resumable"
	HeaderTusVersion        = "Tus-Version"
	HeaderTusExtension      = "Tus-Extension"
	HeaderTusMaxSize        = "Tus-Max-Size"
	HeaderTusChecksumAlgo   = "Tus-Checksum-Algorithm"
	HeaderUploadOffset      = "Upload-Offset"
	HeaderUploadLength      = "Upload-Length"
	HeaderUploadMetadata    = "Upload-Metadata"
	HeaderUploadExpires     = "Upload-Expires"
	HeaderUploadChecksum    = "Upload-Checksum"
	HeaderUploadDeferLength = "Upload-Defer-Length"
	HeaderMethodOverride    = "X-HTTP-Method-Override"
)

// tusHeaders are exposed to browser clients through CORS.
var tusHeaders = []string{
	HeaderTusResumable, HeaderTusVersion, HeaderTusExtension, HeaderTusMaxSize,
	HeaderTusChecksumAlgo, HeaderUploadOffset, HeaderUploadLength,
	HeaderUploadMetadata, HeaderUploadExpires, "Location",
}

// OptionsHandler advertises the supported protocol version and extensions.
func (h *Handlers) OptionsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set(HeaderTusResumable, TusVersion)
	w.Header().Set(HeaderTusVersion, TusVersion)
	w.Header().Set(HeaderTusExtension, TusExtensions)
	w.Header().Set(HeaderTusMaxSize, strconv.FormatInt(h.uploads.Limits().MaxSize, 10))
	w.Header().Set(HeaderTusChecksumAlgo, strings.Join(checksum.Supported(), ","))
	w.WriteHeader(http.StatusNoContent)
}

// CreateHandler starts a new upload. A body sent with the offset content
// type is appended at offset zero.
func (h *Handlers) CreateHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "tus-create",
		trace.WithAttributes(attribute.String("handler", "tus-create")))
	defer span.End()

	owner, ok := h.owner(w, r)
	if !ok {
		return
	}

	if r.Header.Get(HeaderUploadDeferLength) != "" {
		h.writeError(ctx, w, http.StatusBadRequest, "Upload-Defer-Length is not supported")
		return
	}
	length, err := parseNonNegative(r.Header.Get(HeaderUploadLength))
	if err != nil {
		h.writeError(ctx, w, http.StatusBadRequest, "Upload-Length header is missing or invalid")
		return
	}
	metadata, err := ParseMetadata(r.Header.Get(HeaderUploadMetadata))
	if err != nil {
		h.writeError(ctx, w, http.StatusBadRequest, err.Error())
		return
	}

	sess, err := h.uploads.Create(ctx, upload.CreateRequest{
		OwnerID:   owner,
		TotalSize: length,
		Metadata:  metadata,
	})
	if err != nil {
		span.RecordError(err)
		h.writeServiceError(ctx, w, r, err)
		return
	}
	span.SetAttributes(attribute.String("upload.id", sess.UploadID))

	w.Header().Set("Location", h.location(sess.UploadID))
	w.Header().Set(HeaderUploadExpires, httpTime(sess.Expiry()))

	offset := sess.Offset
	if r.Header.Get("Content-Type") == OffsetOctetType && r.ContentLength != 0 {
		res, err := h.appendBody(ctx, w, r, owner, sess.UploadID, 0)
		if err != nil {
			// The upload exists; the client resumes from the offset it reads back.
			span.RecordError(err)
			h.log.WarnContext(ctx, "Inline upload data rejected", "uploadId", sess.UploadID, "error", err)
		} else {
			offset = res.Offset
		}
	}

	w.Header().Set(HeaderUploadOffset, strconv.FormatInt(offset, 10))
	w.WriteHeader(http.StatusCreated)
}

// HeadHandler reports the committed offset. It never writes to the session.
func (h *Handlers) HeadHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "tus-head")
	defer span.End()

	w.Header().Set("Cache-Control", "no-store")
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}

	id := r.PathValue("id")
	span.SetAttributes(attribute.String("upload.id", id))
	st, err := h.uploads.Status(ctx, id, owner)
	if err != nil {
		w.WriteHeader(models.HTTPStatus(err))
		return
	}

	w.Header().Set(HeaderUploadOffset, strconv.FormatInt(st.Offset, 10))
	w.Header().Set(HeaderUploadLength, strconv.FormatInt(st.TotalSize, 10))
	if len(st.Metadata) > 0 {
		w.Header().Set(HeaderUploadMetadata, EncodeMetadata(st.Metadata))
	}
	if !st.Completed {
		w.Header().Set(HeaderUploadExpires, httpTime(st.ExpiresAt))
	}
	w.WriteHeader(http.StatusOK)
}

// PatchHandler appends one chunk at Upload-Offset. When the chunk completes
// the upload the asset is finalized before responding.
func (h *Handlers) PatchHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "tus-patch")
	defer span.End()

	owner, ok := h.owner(w, r)
	if !ok {
		return
	}
	if r.Header.Get("Content-Type") != OffsetOctetType {
		h.writeError(ctx, w, http.StatusUnsupportedMediaType, "Content-Type must be "+OffsetOctetType)
		return
	}
	offset, err := parseNonNegative(r.Header.Get(HeaderUploadOffset))
	if err != nil {
		h.writeError(ctx, w, http.StatusBadRequest, "Upload-Offset header is missing or invalid")
		return
	}

	id := r.PathValue("id")
	span.SetAttributes(attribute.String("upload.id", id), attribute.Int64("upload.offset", offset))

	res, err := h.appendBody(ctx, w, r, owner, id, offset)
	if err != nil {
		span.RecordError(err)
		h.writeServiceError(ctx, w, r, err)
		return
	}

	if res.Completed {
		if _, err := h.finalizer.Finalize(ctx, id); err != nil {
			span.RecordError(err)
			h.log.ErrorContext(ctx, "Finalize failed, left for reconciler", "uploadId", id, "error", err)
		}
	} else {
		w.Header().Set(HeaderUploadExpires, httpTime(res.Session.Expiry()))
	}

	w.Header().Set(HeaderUploadOffset, strconv.FormatInt(res.Offset, 10))
	w.WriteHeader(http.StatusNoContent)
}

// DeleteHandler terminates an upload.
func (h *Handlers) DeleteHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "tus-delete")
	defer span.End()

	owner, ok := h.owner(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	span.SetAttributes(attribute.String("upload.id", id))

	if err := h.uploads.Abort(ctx, id, owner); err != nil {
		span.RecordError(err)
		h.writeServiceError(ctx, w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// appendBody reads at most MaxChunkSize bytes and hands them to the state
// machine with the optional Upload-Checksum digest.
func (h *Handlers) appendBody(ctx context.Context, w http.ResponseWriter, r *http.Request, owner, id string, offset int64) (*upload.AppendResult, error) {
	const op = "read chunk"
	if r.ContentLength > h.maxChunk {
		return nil, models.E(models.ErrTooLarge, op, "chunk of %d bytes exceeds limit %d", r.ContentLength, h.maxChunk)
	}

	var digest *checksum.Digest
	if v := r.Header.Get(HeaderUploadChecksum); v != "" {
		d, err := checksum.ParseHeader(v)
		if err != nil {
			return nil, err
		}
		digest = d
	}

	body := http.MaxBytesReader(w, r.Body, h.maxChunk)
	data, err := io.ReadAll(body)
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			return nil, models.E(models.ErrTooLarge, op, "chunk exceeds limit %d", h.maxChunk)
		}
		return nil, models.Wrap(models.ErrValidation, op, err)
	}

	return h.uploads.AppendChunk(ctx, upload.AppendRequest{
		UploadID:       id,
		OwnerID:        owner,
		ExpectedOffset: offset,
		Data:           data,
		Checksum:       digest,
	})
}

func (h *Handlers) location(id string) string {
	return strings.TrimSuffix(h.basePath, "/") + "/" + id
}

// ParseMetadata decodes an Upload-Metadata header: comma separated pairs of
// a key and an optional base64 value.
func ParseMetadata(header string) (map[string]string, error) {
	const op = "parse metadata"
	md := make(map[string]string)
	if strings.TrimSpace(header) == "" {
		return md, nil
	}

	for _, pair := range strings.Split(header, ",") {
		fields := strings.Fields(pair)
		switch len(fields) {
		case 1:
			md[fields[0]] = ""
		case 2:
			v, err := base64.StdEncoding.DecodeString(fields[1])
			if err != nil {
				return nil, models.E(models.ErrValidation, op, "metadata value for %q is not valid base64", fields[0])
			}
			md[fields[0]] = string(v)
		default:
			return nil, models.E(models.ErrValidation, op, "malformed metadata pair %q", strings.TrimSpace(pair))
		}
	}
	return md, nil
}

// EncodeMetadata is the inverse of ParseMetadata with keys in sorted order.
func EncodeMetadata(md map[string]string) string {
	keys := make([]string, 0, len(md))
	for k := range md {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		if md[k] == "" {
			pairs = append(pairs, k)
			continue
		}
		pairs = append(pairs, k+" "+base64.StdEncoding.EncodeToString([]byte(md[k])))
	}
	return strings.Join(pairs, ",")
}

func parseNonNegative(v string) (int64, error) {
	if v == "" {
		return 0, errors.New("missing value")
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, errors.New("negative value")
	}
	return n, nil
}
