// Package api serves the TUS upload protocol and the media status endpoint.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/amillerrr/tus-media-pipeline/internal/auth"
	"github.com/amillerrr/tus-media-pipeline/internal/config"
	"github.com/amillerrr/tus-media-pipeline/internal/health"
)

// Server configuration constants
const (
	ReadTimeout       = 60 * time.Second
	ReadHeaderTimeout = 10 * time.Second
	WriteTimeout      = 300 * time.Second
	IdleTimeout       = 120 * time.Second
	MaxHeaderBytes    = 1 << 20 // 1 MB

	// MinUploadRate is the slowest client link, in bytes per second, that
	// can still deliver a full-size chunk before the read deadline.
	MinUploadRate = 256 << 10
)

// timeoutsFor stretches the read and write deadlines so a maxChunk body can
// arrive at MinUploadRate. The write deadline runs from the end of the
// headers, so it also has to cover the body plus the response.
func timeoutsFor(maxChunk int64) (read, write time.Duration) {
	body := time.Duration(maxChunk/MinUploadRate) * time.Second
	read = max(ReadTimeout, ReadHeaderTimeout+body)
	write = max(WriteTimeout, read+time.Minute)
	return read, write
}

// Server represents the HTTP server for the API.
type Server struct {
	httpServer  *http.Server
	cfg         *config.Config
	log         *slog.Logger
	authLimiter *auth.FailureLimiter
}

// ServerConfig holds dependencies for the server.
type ServerConfig struct {
	Config        *config.Config
	Logger        *slog.Logger
	Uploads       Uploads
	Finalizer     Finalizer
	Media         MediaReader
	JWTService    *auth.JWTService
	AuthLimiter   *auth.FailureLimiter
	HealthChecker *health.Checker
}

// NewServer creates a new API server.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg.JWTService == nil {
		return nil, errors.New("jwt service is required")
	}

	readTimeout, writeTimeout := timeoutsFor(cfg.Config.Upload.MaxChunkSize)
	httpServer := &http.Server{
		Addr:              ":" + cfg.Config.API.Port,
		Handler:           NewRouter(cfg),
		ReadTimeout:       readTimeout,
		ReadHeaderTimeout: ReadHeaderTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       IdleTimeout,
		MaxHeaderBytes:    MaxHeaderBytes,
	}

	return &Server{
		httpServer:  httpServer,
		cfg:         cfg.Config,
		log:         cfg.Logger,
		authLimiter: cfg.AuthLimiter,
	}, nil
}

// NewRouter builds the routed and wrapped handler tree.
func NewRouter(cfg *ServerConfig) http.Handler {
	basePath := cfg.Config.Upload.BasePath
	if basePath == "" {
		basePath = "/files/"
	}
	if !strings.HasSuffix(basePath, "/") {
		basePath += "/"
	}

	handlers := NewHandlers(&HandlersConfig{
		Logger:       cfg.Logger,
		Uploads:      cfg.Uploads,
		Finalizer:    cfg.Finalizer,
		Media:        cfg.Media,
		BasePath:     basePath,
		MaxChunkSize: cfg.Config.Upload.MaxChunkSize,
	})

	mux := http.NewServeMux()

	// Public endpoints
	if cfg.HealthChecker != nil {
		mux.HandleFunc("GET /health", cfg.HealthChecker.Handler())
		mux.HandleFunc("GET /health/deep", cfg.HealthChecker.DeepHandler())
	}
	mux.HandleFunc("OPTIONS "+basePath, handlers.OptionsHandler)

	// Protected endpoints
	authed := cfg.JWTService.Middleware(cfg.AuthLimiter)
	tus := func(h http.HandlerFunc) http.HandlerFunc {
		return TusResumableMiddleware(authed(h))
	}
	mux.HandleFunc("POST "+basePath+"{$}", tus(handlers.CreateHandler))
	mux.HandleFunc("HEAD "+basePath+"{id}", tus(handlers.HeadHandler))
	mux.HandleFunc("PATCH "+basePath+"{id}", tus(handlers.PatchHandler))
	mux.HandleFunc("DELETE "+basePath+"{id}", tus(handlers.DeleteHandler))
	mux.HandleFunc("GET /media/{assetID}", authed(handlers.GetMediaHandler))

	// Metrics endpoint (internal only)
	mux.Handle("GET /metrics", internalOnlyMiddleware(promhttp.Handler()))

	var handler http.Handler = MetricsMiddleware(mux)
	handler = MethodOverrideMiddleware(handler)
	return CORSMiddleware(cfg.Config.CORS.AllowedOrigins)(handler)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.log.Info("Starting API server", "port", s.cfg.API.Port)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Shutting down API server...")

	// Stop rate limiter cleanup goroutine
	if s.authLimiter != nil {
		s.authLimiter.Stop()
	}

	return s.httpServer.Shutdown(ctx)
}

// Private networks for internal-only middleware
var privateNetworks = []net.IPNet{
	{IP: net.ParseIP("10.0.0.0"), Mask: net.CIDRMask(8, 32)},
	{IP: net.ParseIP("172.16.0.0"), Mask: net.CIDRMask(12, 32)},
	{IP: net.ParseIP("192.168.0.0"), Mask: net.CIDRMask(16, 32)},
	{IP: net.ParseIP("127.0.0.0"), Mask: net.CIDRMask(8, 32)},
}

// internalOnlyMiddleware restricts access to internal networks.
func internalOnlyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Deny if X-Forwarded-For is present (came through load balancer)
		if r.Header.Get("X-Forwarded-For") != "" {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		// Verify connection is from internal network
		if isInternalRequest(r.RemoteAddr) {
			next.ServeHTTP(w, r)
			return
		}

		http.Error(w, "Forbidden", http.StatusForbidden)
	})
}

// isInternalRequest checks if the request is from an internal network.
func isInternalRequest(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return false
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}

	for _, network := range privateNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return ip.IsLoopback()
}
