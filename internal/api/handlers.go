package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/amillerrr/tus-media-pipeline/internal/auth"
	"github.com/amillerrr/tus-media-pipeline/internal/upload"
	"github.com/amillerrr/tus-media-pipeline/pkg/models"
)

var tracer = otel.Tracer("media-api")

// Uploads is the session state machine behind the TUS endpoints.
type Uploads interface {
	Create(ctx context.Context, req upload.CreateRequest) (*models.UploadSession, error)
	AppendChunk(ctx context.Context, req upload.AppendRequest) (*upload.AppendResult, error)
	Status(ctx context.Context, uploadID, ownerID string) (*upload.Status, error)
	Abort(ctx context.Context, uploadID, ownerID string) error
	Limits() upload.Config
}

// Finalizer turns a completed upload into an asset with a queued job.
type Finalizer interface {
	Finalize(ctx context.Context, uploadID string) (*models.MediaAsset, error)
}

// MediaReader loads assets and their processing jobs.
type MediaReader interface {
	GetAsset(ctx context.Context, assetID string) (*models.MediaAsset, error)
	GetJob(ctx context.Context, assetID string) (*models.ProcessingJob, error)
}

// Handlers contains all HTTP handlers for the API.
type Handlers struct {
	log       *slog.Logger
	uploads   Uploads
	finalizer Finalizer
	media     MediaReader
	basePath  string
	maxChunk  int64
}

// HandlersConfig holds dependencies for handlers.
type HandlersConfig struct {
	Logger       *slog.Logger
	Uploads      Uploads
	Finalizer    Finalizer
	Media        MediaReader
	BasePath     string
	MaxChunkSize int64
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(cfg *HandlersConfig) *Handlers {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/files/"
	}
	return &Handlers{
		log:       cfg.Logger,
		uploads:   cfg.Uploads,
		finalizer: cfg.Finalizer,
		media:     cfg.Media,
		basePath:  basePath,
		maxChunk:  cfg.MaxChunkSize,
	}
}

// writeJSON writes a JSON response.
func (h *Handlers) writeJSON(ctx context.Context, w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.ErrorContext(ctx, "Failed to encode JSON response", "error", err)
	}
}

// writeError writes an error response.
func (h *Handlers) writeError(ctx context.Context, w http.ResponseWriter, status int, message string) {
	h.writeJSON(ctx, w, status, map[string]string{"error": message})
}

// writeServiceError maps a domain error to its status code. Internal
// failures are logged and hidden from the client.
func (h *Handlers) writeServiceError(ctx context.Context, w http.ResponseWriter, r *http.Request, err error) {
	status := models.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.log.ErrorContext(ctx, "Request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"error", err,
		)
		if status == http.StatusServiceUnavailable {
			w.Header().Set("Retry-After", "5")
			h.writeError(ctx, w, status, "Storage temporarily unavailable")
			return
		}
		h.writeError(ctx, w, status, "Internal server error")
		return
	}
	h.writeError(ctx, w, status, err.Error())
}

// owner returns the caller identity set by the auth middleware.
func (h *Handlers) owner(w http.ResponseWriter, r *http.Request) (string, bool) {
	claims, ok := auth.GetClaimsFromContext(r.Context())
	if !ok || claims.Owner() == "" {
		h.writeError(r.Context(), w, http.StatusUnauthorized, "Unauthorized")
		return "", false
	}
	return claims.Owner(), true
}

// MediaResponse is the payload for the media status endpoint.
type MediaResponse struct {
	Asset *models.MediaAsset    `json:"asset"`
	Job   *models.ProcessingJob `json:"job,omitempty"`
}

// GetMediaHandler returns an asset with its processing job.
func (h *Handlers) GetMediaHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "get-media")
	defer span.End()

	owner, ok := h.owner(w, r)
	if !ok {
		return
	}

	assetID := r.PathValue("assetID")
	span.SetAttributes(attribute.String("asset.id", assetID))

	asset, err := h.media.GetAsset(ctx, assetID)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			span.RecordError(err)
		}
		h.writeServiceError(ctx, w, r, err)
		return
	}
	if asset.OwnerID != owner {
		h.writeError(ctx, w, http.StatusForbidden, "Asset belongs to another owner")
		return
	}

	resp := MediaResponse{Asset: asset}
	job, err := h.media.GetJob(ctx, assetID)
	switch {
	case err == nil:
		resp.Job = job
	case !errors.Is(err, models.ErrNotFound):
		span.RecordError(err)
		h.writeServiceError(ctx, w, r, err)
		return
	}

	h.writeJSON(ctx, w, http.StatusOK, resp)
}

func httpTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(http.TimeFormat)
}
