package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/helberjf/video-transcript/internal/cookies"
	"github.com/helberjf/video-transcript/internal/engine"
	"github.com/helberjf/video-transcript/internal/media"
	"github.com/helberjf/video-transcript/internal/model"
	"github.com/helberjf/video-transcript/internal/store"
)

// maxRequestBody is the maximum allowed JSON request body size (1 MB).
const maxRequestBody int64 = 1 << 20

// Resolver turns a post URL into media URLs.
type Resolver interface {
	Resolve(ctx context.Context, postURL string) (media.Resolution, error)
}

// Ingestor turns remote videos and uploads into artifacts.
type Ingestor interface {
	FromURL(ctx context.Context, src engine.URLSource) (model.Artifact, error)
	FromUpload(ctx context.Context, src engine.UploadSource) (model.Artifact, error)
}

// Transcriber runs transcriptions of registered artifacts.
type Transcriber interface {
	Transcribe(ctx context.Context, req engine.TranscribeRequest) (engine.Response, error)
	Backends() []engine.Backend
	Latency() *engine.LatencyRecorder
}

// Opener starts a streaming download for the proxy route.
type Opener interface {
	Open(ctx context.Context, rawURL string) (*http.Response, error)
}

// CookieStore manages the yt-dlp cookie file.
type CookieStore interface {
	Path() string
	Status() cookies.Status
	Update(content string) error
}

// Checker reports whether an external tool is usable.
type Checker interface {
	Available(ctx context.Context) bool
}

// Artifacts is the registry view used by the handlers.
type Artifacts interface {
	store.ArtifactReader
	Evict(ctx context.Context, id string) error
}

// Deps are the collaborators behind the HTTP surface.
type Deps struct {
	Artifacts   Artifacts
	Resolver    Resolver
	Ingestor    Ingestor
	Transcriber Transcriber
	Proxy       Opener
	Cookies     CookieStore
	FFmpeg      Checker
	YtDlp       Checker
}

// Options configures the HTTP layer.
type Options struct {
	CORSOrigin     string
	MaxUploadBytes int64
	TempDir        string
	Version        string
	Logger         *zap.Logger
}

// Server holds the HTTP handlers and dependencies.
type Server struct {
	deps Deps
	opts Options
	log  *zap.Logger
	mux  *http.ServeMux
	now  func() time.Time
}

// New creates a new API server.
func New(deps Deps, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.CORSOrigin == "" {
		opts.CORSOrigin = "*"
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 100 << 20
	}
	srv := &Server{deps: deps, opts: opts, log: opts.Logger, mux: http.NewServeMux(), now: time.Now}
	srv.routes()
	return srv
}

// Handler returns the root http.Handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return s.recoverPanics(s.logRequests(corsMiddleware(s.opts.CORSOrigin,
		limitBody(maxRequestBody, s.opts.MaxUploadBytes, jsonContent(s.mux)))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /api/download", s.handleResolve)
	s.mux.HandleFunc("POST /api/resolve", s.handleResolve)
	s.mux.HandleFunc("POST /api/convert-to-mp3", s.handleConvert)
	s.mux.HandleFunc("POST /api/transcode", s.handleConvert)
	s.mux.HandleFunc("POST /api/upload-file", s.handleUpload)
	s.mux.HandleFunc("GET /api/download-mp3/{id}", s.handleDownloadAudio)
	s.mux.HandleFunc("GET /api/artifacts/{id}", s.handleDownloadAudio)
	s.mux.HandleFunc("POST /api/transcribe/{id}", s.handleTranscribe)
	s.mux.HandleFunc("POST /api/transcribe-direct", s.handleTranscribeDirect)
	s.mux.HandleFunc("GET /api/proxy", s.handleProxy)
	s.mux.HandleFunc("POST /api/cookies", s.handleCookies)
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
}

// ---------------------------------------------------------------------------
// Middleware
// ---------------------------------------------------------------------------

// corsMiddleware sets CORS headers for the configured origin.
func corsMiddleware(origin string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// limitBody caps JSON bodies at jsonMax and multipart uploads at uploadMax.
func limitBody(jsonMax, uploadMax int64, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limit := jsonMax
		if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
			// Room for the multipart envelope and form fields.
			limit = uploadMax + 1<<20
		}
		r.Body = http.MaxBytesReader(w, r.Body, limit)
		next.ServeHTTP(w, r)
	})
}

func jsonContent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(b)
	r.bytes += int64(n)
	return n, err
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		if rec.status == 0 {
			rec.status = http.StatusOK
		}
		s.log.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Int64("bytes", rec.bytes),
			zap.Duration("elapsed", s.now().Sub(start)))
	})
}

func (s *Server) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				if v == http.ErrAbortHandler {
					panic(v)
				}
				s.log.Error("panic in handler", zap.String("path", r.URL.Path), zap.Any("panic", v), zap.Stack("stack"))
				w.Header().Set("Content-Type", "application/json")
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// ---------------------------------------------------------------------------
// Response helpers
// ---------------------------------------------------------------------------

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{"success": false, "error": msg})
}

// statusFor maps an error kind to its HTTP status.
func statusFor(kind model.Kind) int {
	switch kind {
	case model.KindNotFound:
		return http.StatusNotFound
	case model.KindValidation:
		return http.StatusBadRequest
	case model.KindBusy:
		return http.StatusConflict
	case model.KindBackendUnavailable:
		return http.StatusServiceUnavailable
	case model.KindBackendTimeout:
		return http.StatusGatewayTimeout
	case model.KindBackendRejected:
		return http.StatusBadGateway
	case model.KindTranscodeSourceMissing:
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

// writeFailure reports a classified error. Ingest routes answer a missing
// source with 422 since the request itself named it.
func (s *Server) writeFailure(w http.ResponseWriter, err error, ingest bool) {
	kind := model.KindOf(err)
	status := statusFor(kind)
	if ingest && kind == model.KindTranscodeSourceMissing {
		status = http.StatusUnprocessableEntity
	}
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", zap.String("kind", string(kind)), zap.Error(err))
	} else {
		s.log.Debug("request rejected", zap.String("kind", string(kind)), zap.Error(err))
	}
	writeError(w, status, model.Message(err))
}

// artifactJSON is the response body shared by the ingest routes.
func artifactJSON(a model.Artifact) map[string]interface{} {
	return map[string]interface{}{
		"success":        true,
		"mp3_id":         a.ID,
		"file_id":        a.ID,
		"download_url":   "/api/download-mp3/" + a.ID,
		"transcribe_url": "/api/transcribe/" + a.ID,
		"filename":       a.DisplayName,
		"title":          a.Title,
		"size":           fmt.Sprintf("%.2f MB", a.SizeMB()),
		"duration":       a.DurationDisplay(),
		"quality":        a.Quality + " kbps",
	}
}
