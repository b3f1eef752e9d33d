package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/helberjf/video-transcript/internal/engine"
	"github.com/helberjf/video-transcript/internal/media"
	"github.com/helberjf/video-transcript/internal/model"
)

// multipartMemory is the part of a multipart form kept in memory; the rest
// spills to temp files.
const multipartMemory = 32 << 20

// decodeBody reads a JSON body into v. An empty body leaves v untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	var tooBig *http.MaxBytesError
	if errors.As(err, &tooBig) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return false
	}
	writeError(w, http.StatusBadRequest, "invalid JSON body")
	return false
}

// parseUpload parses a multipart form and returns its "file" part.
func parseUpload(w http.ResponseWriter, r *http.Request) (engine.UploadSource, func(), bool) {
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, "file too large")
			return engine.UploadSource{}, nil, false
		}
		writeError(w, http.StatusBadRequest, "multipart form with a file is required")
		return engine.UploadSource{}, nil, false
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		r.MultipartForm.RemoveAll()
		writeError(w, http.StatusBadRequest, "file is required")
		return engine.UploadSource{}, nil, false
	}
	cleanup := func() {
		file.Close()
		r.MultipartForm.RemoveAll()
	}
	return engine.UploadSource{
		Filename: header.Filename,
		Reader:   file,
		Quality:  r.FormValue("quality"),
		Title:    r.FormValue("title"),
	}, cleanup, true
}

// ---------------------------------------------------------------------------
// POST /api/download
// ---------------------------------------------------------------------------

type resolveRequest struct {
	URL string `json:"url"`
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}

	res, err := s.deps.Resolver.Resolve(r.Context(), strings.TrimSpace(req.URL))
	if err != nil {
		s.writeFailure(w, classifyResolve(err), false)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"method":   res.Method,
		"media":    res.Media,
		"metadata": res.Metadata,
	})
}

func classifyResolve(err error) error {
	const op = "resolve"
	switch {
	case errors.Is(err, media.ErrInvalidURL):
		return model.E(model.KindValidation, op, "invalid post URL", err)
	case errors.Is(err, context.DeadlineExceeded):
		return model.E(model.KindBackendTimeout, op, "media extraction timed out", err)
	case errors.Is(err, media.ErrNoMedia):
		return model.E(model.KindNotFound, op, "no media found in this post", err)
	default:
		return model.E(model.KindBackendRejected, op, "could not extract media from this post", err)
	}
}

// ---------------------------------------------------------------------------
// POST /api/convert-to-mp3
// ---------------------------------------------------------------------------

type convertRequest struct {
	SourceURL string `json:"source_url"`
	VideoURL  string `json:"video_url"`
	Quality   string `json:"quality"`
	Title     string `json:"title"`
}

func (s *Server) handleConvert(w http.ResponseWriter, r *http.Request) {
	var req convertRequest
	if !decodeBody(w, r, &req) {
		return
	}
	source := strings.TrimSpace(req.SourceURL)
	if source == "" {
		source = strings.TrimSpace(req.VideoURL)
	}
	if source == "" {
		writeError(w, http.StatusBadRequest, "video_url is required")
		return
	}

	art, err := s.deps.Ingestor.FromURL(r.Context(), engine.URLSource{
		SourceURL: source,
		Quality:   req.Quality,
		Title:     req.Title,
	})
	if err != nil {
		s.writeFailure(w, err, true)
		return
	}
	writeJSON(w, http.StatusOK, artifactJSON(art))
}

// ---------------------------------------------------------------------------
// POST /api/upload-file
// ---------------------------------------------------------------------------

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	src, cleanup, ok := parseUpload(w, r)
	if !ok {
		return
	}
	defer cleanup()

	art, err := s.deps.Ingestor.FromUpload(r.Context(), src)
	if err != nil {
		s.writeFailure(w, err, true)
		return
	}
	writeJSON(w, http.StatusOK, artifactJSON(art))
}

// ---------------------------------------------------------------------------
// GET /api/download-mp3/{id}
// ---------------------------------------------------------------------------

func (s *Server) handleDownloadAudio(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	art, err := s.deps.Artifacts.GetArtifact(r.Context(), id)
	if err != nil {
		s.writeFailure(w, err, false)
		return
	}

	f, err := os.Open(art.Path)
	if errors.Is(err, os.ErrNotExist) {
		if evErr := s.deps.Artifacts.Evict(r.Context(), id); evErr != nil {
			s.log.Warn("evict artifact with missing file", zap.String("artifact_id", id), zap.Error(evErr))
		}
		writeError(w, http.StatusNotFound, "file not found")
		return
	}
	if err != nil {
		s.log.Error("open artifact", zap.String("artifact_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read audio file")
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "audio/mpeg")
	w.Header().Set("Content-Disposition", attachment(art.DisplayName))
	http.ServeContent(w, r, art.DisplayName, art.CreatedAt, f)
}

func attachment(filename string) string {
	if v := mime.FormatMediaType("attachment", map[string]string{"filename": filename}); v != "" {
		return v
	}
	return "attachment"
}

// ---------------------------------------------------------------------------
// POST /api/transcribe/{id}
// ---------------------------------------------------------------------------

type transcribeRequest struct {
	Method   string `json:"method"`
	Language string `json:"language"`
	Prompt   string `json:"prompt"`
}

func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	var req transcribeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	s.transcribe(r.Context(), w, engine.TranscribeRequest{
		ArtifactID: r.PathValue("id"),
		Method:     req.Method,
		Language:   req.Language,
		Prompt:     req.Prompt,
	}, nil)
}

// transcribe runs req and writes the result merged over extra.
func (s *Server) transcribe(ctx context.Context, w http.ResponseWriter, req engine.TranscribeRequest, extra map[string]interface{}) {
	start := s.now()
	resp, err := s.deps.Transcriber.Transcribe(ctx, req)
	body := map[string]interface{}{}
	for k, v := range extra {
		body[k] = v
	}

	res := resp.Result
	if err != nil {
		kind := model.KindOf(err)
		s.log.Info("transcription failed",
			zap.String("artifact_id", req.ArtifactID),
			zap.String("method", req.Method),
			zap.String("method_used", string(res.MethodUsed)),
			zap.String("kind", string(kind)),
			zap.Error(err))
		body["success"] = false
		body["error"] = model.Message(err)
		body["outcome"] = string(kind)
		if res.MethodUsed != "" {
			body["method_used"] = res.MethodUsed
		}
		writeJSON(w, statusFor(kind), body)
		return
	}

	s.log.Info("transcription served",
		zap.String("artifact_id", res.ArtifactID),
		zap.String("method", string(res.MethodRequested)),
		zap.String("method_used", string(res.MethodUsed)),
		zap.Bool("cached", resp.Cached),
		zap.Duration("elapsed", s.now().Sub(start)))
	body["success"] = true
	body["text"] = res.Text
	body["method"] = res.MethodRequested
	body["method_used"] = res.MethodUsed
	body["language"] = res.Language
	body["cached"] = resp.Cached
	writeJSON(w, http.StatusOK, body)
}

// ---------------------------------------------------------------------------
// POST /api/transcribe-direct
// ---------------------------------------------------------------------------

func (s *Server) handleTranscribeDirect(w http.ResponseWriter, r *http.Request) {
	src, cleanup, ok := parseUpload(w, r)
	if !ok {
		return
	}
	defer cleanup()

	if _, err := model.ParseMethod(r.FormValue("method")); err != nil {
		s.writeFailure(w, err, false)
		return
	}
	art, err := s.deps.Ingestor.FromUpload(r.Context(), src)
	if err != nil {
		s.writeFailure(w, err, true)
		return
	}
	s.transcribe(r.Context(), w, engine.TranscribeRequest{
		ArtifactID: art.ID,
		Method:     r.FormValue("method"),
		Language:   r.FormValue("language"),
		Prompt:     r.FormValue("prompt"),
	}, map[string]interface{}{
		"file_id":      art.ID,
		"filename":     art.DisplayName,
		"duration":     art.DurationDisplay(),
		"download_url": "/api/download-mp3/" + art.ID,
	})
}

// ---------------------------------------------------------------------------
// GET /api/proxy
// ---------------------------------------------------------------------------

func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	target := strings.TrimSpace(r.URL.Query().Get("url"))
	if target == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	filename := strings.TrimSpace(r.URL.Query().Get("filename"))
	if filename == "" {
		filename = "download"
	}

	resp, err := s.deps.Proxy.Open(r.Context(), target)
	switch {
	case errors.Is(err, media.ErrInvalidURL):
		writeError(w, http.StatusBadRequest, "invalid url")
		return
	case errors.Is(err, media.ErrSourceGone):
		writeError(w, http.StatusGone, "remote file is no longer available")
		return
	case err != nil:
		s.log.Warn("proxy request failed", zap.String("url", target), zap.Error(err))
		writeError(w, http.StatusBadGateway, "file proxy failed")
		return
	}
	defer resp.Body.Close()

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", attachment(filename))
	if resp.ContentLength > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(resp.ContentLength, 10))
	}
	w.WriteHeader(http.StatusOK)
	if n, err := io.Copy(w, resp.Body); err != nil {
		s.log.Debug("proxy stream interrupted", zap.Int64("bytes", n), zap.Error(err))
	}
}

// ---------------------------------------------------------------------------
// POST /api/cookies
// ---------------------------------------------------------------------------

type cookiesRequest struct {
	Content string `json:"content"`
}

func (s *Server) handleCookies(w http.ResponseWriter, r *http.Request) {
	var req cookiesRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.deps.Cookies.Update(req.Content); err != nil {
		s.writeFailure(w, err, false)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "cookies.txt updated",
		"path":    s.deps.Cookies.Path(),
	})
}

// ---------------------------------------------------------------------------
// GET /api/health
// ---------------------------------------------------------------------------

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	backends := []engine.BackendStatus{}
	latency := map[string]engine.LatencyStats{}
	if t := s.deps.Transcriber; t != nil {
		for _, b := range t.Backends() {
			if b != nil {
				backends = append(backends, b.Status())
			}
		}
		if rec := t.Latency(); rec != nil {
			latency = rec.Snapshot()
		}
	}

	counts, err := s.deps.Artifacts.Counts(ctx)
	if err != nil {
		s.log.Warn("health counts", zap.Error(err))
	}

	body := map[string]interface{}{
		"success":        true,
		"status":         "ok",
		"timestamp":      float64(s.now().UnixMilli()) / 1000,
		"version":        s.opts.Version,
		"ffmpeg":         availability(ctx, s.deps.FFmpeg),
		"yt-dlp":         availability(ctx, s.deps.YtDlp),
		"backends":       backends,
		"temp_files":     countFiles(s.opts.TempDir),
		"stored_mp3s":    counts.Artifacts,
		"transcriptions": counts.Transcriptions,
		"latency":        latency,
	}
	if s.deps.Cookies != nil {
		st := s.deps.Cookies.Status()
		body["cookies_file"] = nullable(st.File)
		body["cookies_file_exists"] = st.FileExists
		body["cookies_from_browser"] = nullable(st.FromBrowser)
	}
	writeJSON(w, http.StatusOK, body)
}

func availability(ctx context.Context, c Checker) string {
	if c != nil && c.Available(ctx) {
		return "available"
	}
	return "not available"
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func countFiles(dir string) int {
	if dir == "" {
		return 0
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	return len(entries)
}
