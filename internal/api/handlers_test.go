package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/helberjf/video-transcript/internal/cookies"
	"github.com/helberjf/video-transcript/internal/engine"
	"github.com/helberjf/video-transcript/internal/media"
	"github.com/helberjf/video-transcript/internal/model"
	"github.com/helberjf/video-transcript/internal/store"
)

type fakeResolver struct {
	res   media.Resolution
	err   error
	panic bool
}

func (f fakeResolver) Resolve(context.Context, string) (media.Resolution, error) {
	if f.panic {
		panic("boom")
	}
	return f.res, f.err
}

type fakeFetcher struct {
	err error
}

func (f fakeFetcher) Fetch(_ context.Context, _ string, dest string) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	return 5, os.WriteFile(dest, []byte("video"), 0o644)
}

type fakeTranscoder struct{}

func (fakeTranscoder) ToMP3(_ context.Context, req media.TranscodeRequest) error {
	return os.WriteFile(req.Output, []byte("mp3-audio-bytes"), 0o644)
}

func (fakeTranscoder) Duration(context.Context, string) (float64, error) { return 75, nil }

type fakeBackend struct {
	name   string
	method model.Method
	text   string
	err    error
	calls  int
}

func (f *fakeBackend) Name() string         { return f.name }
func (f *fakeBackend) Method() model.Method { return f.method }
func (f *fakeBackend) Status() engine.BackendStatus {
	return engine.BackendStatus{Name: f.name, Available: f.err == nil}
}

func (f *fakeBackend) Transcribe(context.Context, engine.BackendRequest) (string, error) {
	f.calls++
	return f.text, f.err
}

type fakeChecker bool

func (c fakeChecker) Available(context.Context) bool { return bool(c) }

type testEnv struct {
	srv     *Server
	h       http.Handler
	reg     *store.Store
	local   *fakeBackend
	cloud   *fakeBackend
	tempDir string
	cookies *cookies.Store
}

func newTestEnv(t *testing.T, resolver Resolver, fetcher engine.SourceFetcher) *testEnv {
	t.Helper()
	db, err := store.OpenSQLite(store.MemoryDSN)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	reg, err := store.New(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	if fetcher == nil {
		fetcher = fakeFetcher{}
	}
	env := &testEnv{
		reg:     reg,
		local:   &fakeBackend{name: "whisper", method: model.MethodLocal, text: "texto local"},
		cloud:   &fakeBackend{name: "gemini", method: model.MethodCloud, text: "texto na nuvem"},
		tempDir: t.TempDir(),
		cookies: cookies.New(filepath.Join(t.TempDir(), "cookies.txt"), "", nil),
	}
	dispatcher := engine.NewDispatcher(reg, env.local, env.cloud, engine.WithLatency(engine.NewLatencyRecorder(10)))
	ingestor := engine.NewIngestor(env.tempDir, fetcher, fakeTranscoder{}, reg, nil, nil)
	env.srv = New(Deps{
		Artifacts:   reg,
		Resolver:    resolver,
		Ingestor:    ingestor,
		Transcriber: dispatcher,
		Proxy:       media.NewFetcher(0, nil),
		Cookies:     env.cookies,
		FFmpeg:      fakeChecker(true),
		YtDlp:       fakeChecker(false),
	}, Options{MaxUploadBytes: 1 << 20, TempDir: env.tempDir, Version: "test"})
	env.h = env.srv.Handler()
	return env
}

func doRequest(t *testing.T, handler http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func doMultipart(t *testing.T, handler http.Handler, path string, fields map[string]string, filename string, content []byte) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatal(err)
		}
	}
	if filename != "" {
		fw, err := mw.CreateFormFile("file", filename)
		if err != nil {
			t.Fatal(err)
		}
		fw.Write(content)
	}
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var result map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode JSON: %v\nbody: %s", err, rr.Body.String())
	}
	return result
}

func convert(t *testing.T, env *testEnv) string {
	t.Helper()
	rr := doRequest(t, env.h, "POST", "/api/convert-to-mp3", `{"video_url":"https://cdn.example/v.mp4","title":"Clip"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("convert status = %d, body: %s", rr.Code, rr.Body.String())
	}
	return decodeJSON(t, rr)["mp3_id"].(string)
}

func TestResolve(t *testing.T) {
	env := newTestEnv(t, fakeResolver{res: media.Resolution{
		Method: "yt-dlp",
		Media:  []media.Item{{Type: "video", URL: "https://cdn.example/v.mp4", Quality: "720p"}},
	}}, nil)

	for _, path := range []string{"/api/download", "/api/resolve"} {
		rr := doRequest(t, env.h, "POST", path, `{"url":"https://www.instagram.com/p/abc/"}`)
		if rr.Code != http.StatusOK {
			t.Fatalf("%s status = %d, body: %s", path, rr.Code, rr.Body.String())
		}
		result := decodeJSON(t, rr)
		if result["success"] != true || result["method"] != "yt-dlp" {
			t.Errorf("%s result = %v", path, result)
		}
		if items := result["media"].([]any); len(items) != 1 {
			t.Errorf("media = %v", items)
		}
	}
}

func TestResolve_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
		err  error
		want int
	}{
		{"missing url", `{}`, nil, http.StatusBadRequest},
		{"bad json", `{`, nil, http.StatusBadRequest},
		{"invalid url", `{"url":"ftp://x"}`, fmt.Errorf("%w: ftp", media.ErrInvalidURL), http.StatusBadRequest},
		{"no media", `{"url":"https://x.example/p"}`, media.ErrNoMedia, http.StatusNotFound},
		{"extraction failed", `{"url":"https://x.example/p"}`, errors.New("yt-dlp: exit 1"), http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, fakeResolver{err: tt.err}, nil)
			rr := doRequest(t, env.h, "POST", "/api/download", tt.body)
			if rr.Code != tt.want {
				t.Errorf("status = %d, want %d, body: %s", rr.Code, tt.want, rr.Body.String())
			}
			if decodeJSON(t, rr)["success"] != false {
				t.Error("success should be false")
			}
		})
	}
}

func TestConvert_NormalizesQuality(t *testing.T) {
	env := newTestEnv(t, fakeResolver{}, nil)

	rr := doRequest(t, env.h, "POST", "/api/convert-to-mp3", `{"video_url":"https://cdn.example/v.mp4","quality":"999","title":"My Clip"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body: %s", rr.Code, rr.Body.String())
	}
	result := decodeJSON(t, rr)
	if result["quality"] != "192 kbps" {
		t.Errorf("quality = %v, want 192 kbps", result["quality"])
	}
	id, _ := result["mp3_id"].(string)
	if id == "" {
		t.Fatal("mp3_id missing")
	}
	if result["download_url"] != "/api/download-mp3/"+id || result["transcribe_url"] != "/api/transcribe/"+id {
		t.Errorf("urls = %v, %v", result["download_url"], result["transcribe_url"])
	}
	if result["duration"] != "1:15" {
		t.Errorf("duration = %v, want 1:15", result["duration"])
	}
	if result["filename"] != "My_Clip.mp3" {
		t.Errorf("filename = %v", result["filename"])
	}
}

func TestConvert_Errors(t *testing.T) {
	env := newTestEnv(t, fakeResolver{}, nil)
	rr := doRequest(t, env.h, "POST", "/api/transcode", `{"quality":"128"}`)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("missing url status = %d", rr.Code)
	}

	env = newTestEnv(t, fakeResolver{}, fakeFetcher{err: fmt.Errorf("%w: 410", media.ErrSourceGone)})
	rr = doRequest(t, env.h, "POST", "/api/convert-to-mp3", `{"source_url":"https://cdn.example/gone.mp4"}`)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Errorf("gone source status = %d, want 422", rr.Code)
	}
	if entries, _ := os.ReadDir(env.tempDir); len(entries) != 0 {
		t.Errorf("temp dir not clean: %d entries", len(entries))
	}
}

func TestDownloadAudio(t *testing.T) {
	env := newTestEnv(t, fakeResolver{}, nil)
	id := convert(t, env)

	for _, path := range []string{"/api/download-mp3/" + id, "/api/artifacts/" + id} {
		rr := doRequest(t, env.h, "GET", path, "")
		if rr.Code != http.StatusOK {
			t.Fatalf("%s status = %d", path, rr.Code)
		}
		if ct := rr.Header().Get("Content-Type"); ct != "audio/mpeg" {
			t.Errorf("content type = %q", ct)
		}
		if cd := rr.Header().Get("Content-Disposition"); !strings.HasPrefix(cd, "attachment") || !strings.Contains(cd, "Clip.mp3") {
			t.Errorf("content disposition = %q", cd)
		}
		if rr.Body.String() != "mp3-audio-bytes" {
			t.Errorf("body = %q", rr.Body.String())
		}
	}
}

func TestDownloadAudio_NotFound(t *testing.T) {
	env := newTestEnv(t, fakeResolver{}, nil)
	rr := doRequest(t, env.h, "GET", "/api/download-mp3/nope", "")
	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rr.Code)
	}
}

func TestDownloadAudio_MissingFileEvicts(t *testing.T) {
	env := newTestEnv(t, fakeResolver{}, nil)
	id := convert(t, env)
	art, err := env.reg.GetArtifact(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	os.Remove(art.Path)

	rr := doRequest(t, env.h, "GET", "/api/download-mp3/"+id, "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
	if _, err := env.reg.GetArtifact(context.Background(), id); !model.Is(err, model.KindNotFound) {
		t.Errorf("artifact should be evicted, err = %v", err)
	}
}

func TestTranscribe_CachedSecondCall(t *testing.T) {
	env := newTestEnv(t, fakeResolver{}, nil)
	id := convert(t, env)

	rr := doRequest(t, env.h, "POST", "/api/transcribe/"+id, `{"method":"whisper","language":"pt"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body: %s", rr.Code, rr.Body.String())
	}
	result := decodeJSON(t, rr)
	if result["text"] != "texto local" || result["method_used"] != "local" || result["cached"] != false {
		t.Errorf("first result = %v", result)
	}

	rr = doRequest(t, env.h, "POST", "/api/transcribe/"+id, "")
	result = decodeJSON(t, rr)
	if result["cached"] != true || result["text"] != "texto local" {
		t.Errorf("second result = %v", result)
	}
	if env.local.calls != 1 || env.cloud.calls != 0 {
		t.Errorf("calls local=%d cloud=%d", env.local.calls, env.cloud.calls)
	}
}

func TestTranscribe_Errors(t *testing.T) {
	env := newTestEnv(t, fakeResolver{}, nil)
	id := convert(t, env)

	rr := doRequest(t, env.h, "POST", "/api/transcribe/"+id, `{"method":"telepathy"}`)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("invalid method status = %d", rr.Code)
	}

	rr = doRequest(t, env.h, "POST", "/api/transcribe/missing", `{"method":"local"}`)
	if rr.Code != http.StatusNotFound {
		t.Errorf("unknown id status = %d", rr.Code)
	}

	env.cloud.err = model.E(model.KindBackendUnavailable, "gemini", "cloud transcription is not configured", nil)
	rr = doRequest(t, env.h, "POST", "/api/transcribe/"+id, `{"method":"cloud"}`)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("unavailable status = %d, body: %s", rr.Code, rr.Body.String())
	}
	result := decodeJSON(t, rr)
	if result["success"] != false || result["outcome"] != string(model.KindBackendUnavailable) {
		t.Errorf("result = %v", result)
	}
}

func TestUploadFile(t *testing.T) {
	env := newTestEnv(t, fakeResolver{}, nil)

	rr := doMultipart(t, env.h, "/api/upload-file", map[string]string{"quality": "320"}, "entrevista.m4a", []byte("audio"))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body: %s", rr.Code, rr.Body.String())
	}
	result := decodeJSON(t, rr)
	if result["file_id"] == "" || result["quality"] != "320 kbps" {
		t.Errorf("result = %v", result)
	}
	if result["filename"] != "entrevista.mp3" {
		t.Errorf("filename = %v", result["filename"])
	}
}

func TestUploadFile_Errors(t *testing.T) {
	env := newTestEnv(t, fakeResolver{}, nil)

	rr := doMultipart(t, env.h, "/api/upload-file", map[string]string{"quality": "320"}, "", nil)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("missing file status = %d", rr.Code)
	}

	rr = doRequest(t, env.h, "POST", "/api/upload-file", `{}`)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("non-multipart status = %d", rr.Code)
	}

	big := bytes.Repeat([]byte("a"), 3<<20)
	rr = doMultipart(t, env.h, "/api/upload-file", nil, "big.mp4", big)
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("oversized status = %d, want 413", rr.Code)
	}
}

func TestTranscribeDirect(t *testing.T) {
	env := newTestEnv(t, fakeResolver{}, nil)

	rr := doMultipart(t, env.h, "/api/transcribe-direct",
		map[string]string{"method": "gemini", "prompt": "Resuma"}, "nota.mp3", []byte("audio"))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body: %s", rr.Code, rr.Body.String())
	}
	result := decodeJSON(t, rr)
	if result["text"] != "texto na nuvem" || result["method_used"] != "cloud" {
		t.Errorf("result = %v", result)
	}
	if id, _ := result["file_id"].(string); id == "" {
		t.Error("file_id missing")
	}

	rr = doMultipart(t, env.h, "/api/transcribe-direct", map[string]string{"method": "nope"}, "nota.mp3", []byte("audio"))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("invalid method status = %d", rr.Code)
	}
}

func TestProxy(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/gone" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		io.WriteString(w, "jpeg-bytes")
	}))
	defer upstream.Close()
	env := newTestEnv(t, fakeResolver{}, nil)

	rr := doRequest(t, env.h, "GET", "/api/proxy?url="+upstream.URL+"/img.jpg&filename=foto.jpg", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body: %s", rr.Code, rr.Body.String())
	}
	if rr.Header().Get("Content-Type") != "image/jpeg" {
		t.Errorf("content type = %q", rr.Header().Get("Content-Type"))
	}
	if cd := rr.Header().Get("Content-Disposition"); cd != `attachment; filename=foto.jpg` {
		t.Errorf("content disposition = %q", cd)
	}
	if rr.Body.String() != "jpeg-bytes" {
		t.Errorf("body = %q", rr.Body.String())
	}

	if rr := doRequest(t, env.h, "GET", "/api/proxy", ""); rr.Code != http.StatusBadRequest {
		t.Errorf("missing url status = %d", rr.Code)
	}
	if rr := doRequest(t, env.h, "GET", "/api/proxy?url="+upstream.URL+"/gone", ""); rr.Code != http.StatusGone {
		t.Errorf("gone status = %d", rr.Code)
	}
}

func TestCookies(t *testing.T) {
	env := newTestEnv(t, fakeResolver{}, nil)

	rr := doRequest(t, env.h, "POST", "/api/cookies", `{"content":"not cookies"}`)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("invalid content status = %d", rr.Code)
	}

	body, _ := json.Marshal(map[string]string{"content": cookies.Header + "\r\n.instagram.com\tTRUE\t/\tTRUE\t0\tsessionid\tabc"})
	rr = doRequest(t, env.h, "POST", "/api/cookies", string(body))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body: %s", rr.Code, rr.Body.String())
	}
	if !env.cookies.Status().FileExists {
		t.Error("cookie file should exist after update")
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, fakeResolver{}, nil)
	convert(t, env)

	rr := doRequest(t, env.h, "GET", "/api/health", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	result := decodeJSON(t, rr)
	if result["status"] != "ok" || result["version"] != "test" {
		t.Errorf("result = %v", result)
	}
	if result["ffmpeg"] != "available" || result["yt-dlp"] != "not available" {
		t.Errorf("tools = %v / %v", result["ffmpeg"], result["yt-dlp"])
	}
	if result["stored_mp3s"] != float64(1) || result["temp_files"] != float64(1) {
		t.Errorf("counts = %v / %v", result["stored_mp3s"], result["temp_files"])
	}
	if backends := result["backends"].([]any); len(backends) != 2 {
		t.Errorf("backends = %v", backends)
	}
	if result["cookies_file_exists"] != false || result["cookies_from_browser"] != nil {
		t.Errorf("cookies = %v / %v", result["cookies_file_exists"], result["cookies_from_browser"])
	}
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, fakeResolver{}, nil)
	rr := doRequest(t, env.h, "OPTIONS", "/api/download", "")
	if rr.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", rr.Code)
	}
	if rr.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("origin = %q", rr.Header().Get("Access-Control-Allow-Origin"))
	}
}

func TestPanicRecovery(t *testing.T) {
	env := newTestEnv(t, fakeResolver{panic: true}, nil)
	rr := doRequest(t, env.h, "POST", "/api/download", `{"url":"https://x.example/p"}`)
	if rr.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rr.Code)
	}
	if decodeJSON(t, rr)["success"] != false {
		t.Error("success should be false")
	}
}
