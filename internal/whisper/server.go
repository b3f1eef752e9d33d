package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrNotInstalled is returned when the whisper-server executable cannot be found.
var ErrNotInstalled = errors.New("whisper-server executable not found")

// ErrUnreachable is returned when the server does not accept the request.
var ErrUnreachable = errors.New("whisper-server unreachable")

// ServerOptions configures a Server.
type ServerOptions struct {
	// BinaryPath is the whisper-server executable, looked up on PATH when bare.
	BinaryPath string
	// URL targets an externally managed server; no process is spawned when set.
	URL          string
	ModelRef     string
	ModelDir     string
	AutoDownload bool
	Threads      int
	StartTimeout time.Duration
	Logger       *zap.Logger
	Client       *http.Client
}

// Server is a lazily started whisper.cpp server. The model is loaded once
// and stays resident for later requests.
type Server struct {
	opts   ServerOptions
	client *http.Client
	log    *zap.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	exited  chan struct{}
	baseURL string
	model   string

	// starting is non-nil while a process is being brought up; it is
	// closed once that attempt finishes.
	starting chan struct{}
	closed   bool
}

// NewServer returns an unstarted Server.
func NewServer(opts ServerOptions) *Server {
	if opts.BinaryPath == "" {
		opts.BinaryPath = "whisper-server"
	}
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = 2 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}
	return &Server{opts: opts, client: client, log: opts.Logger}
}

// Status reports whether local transcription can run and a short detail.
func (s *Server) Status() (bool, string) {
	if s.opts.URL != "" {
		return true, "external server " + s.opts.URL
	}
	if _, err := exec.LookPath(s.opts.BinaryPath); err != nil {
		return false, ErrNotInstalled.Error()
	}
	res, err := Resolve(s.opts.ModelRef, s.opts.ModelDir)
	if err != nil {
		return false, err.Error()
	}
	if res.NeedsDownload && !s.opts.AutoDownload {
		return false, fmt.Sprintf("model %s not downloaded", res.Name)
	}
	s.mu.Lock()
	running, starting := s.running(), s.starting != nil
	s.mu.Unlock()
	if running {
		return true, "model " + res.Name + " loaded"
	}
	if starting {
		return true, "model " + res.Name + " loading"
	}
	return true, "model " + res.Name + " loads on first use"
}

// Transcribe sends the audio file to the server and returns the recognized text.
func (s *Server) Transcribe(ctx context.Context, audioPath, language string) (string, error) {
	base, err := s.ensure(ctx)
	if err != nil {
		return "", err
	}

	body, contentType, err := inferenceForm(audioPath, language)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/inference", body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read whisper-server response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("whisper-server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out struct {
		Text  string `json:"text"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("decode whisper-server response: %w", err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("whisper-server: %s", out.Error)
	}
	return cleanText(out.Text), nil
}

// Close stops a spawned server process. A start still in progress is
// discarded when it completes.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if !s.running() {
		return nil
	}
	s.log.Info("stopping whisper-server", zap.Int("pid", s.cmd.Process.Pid))
	err := s.cmd.Process.Kill()
	<-s.exited
	s.cmd = nil
	return err
}

// running must be called with mu held.
func (s *Server) running() bool {
	if s.cmd == nil {
		return false
	}
	select {
	case <-s.exited:
		return false
	default:
		return true
	}
}

func (s *Server) ensure(ctx context.Context) (string, error) {
	if s.opts.URL != "" {
		return strings.TrimRight(s.opts.URL, "/"), nil
	}

	s.mu.Lock()
	for s.starting != nil {
		// Another request is already bringing the server up.
		wait := s.starting
		s.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return "", ctx.Err()
		}
		s.mu.Lock()
	}
	if s.running() {
		base := s.baseURL
		s.mu.Unlock()
		return base, nil
	}
	if s.closed {
		s.mu.Unlock()
		return "", errors.New("whisper-server closed")
	}
	if s.cmd != nil {
		s.log.Warn("whisper-server exited, restarting")
		s.cmd = nil
	}
	starting := make(chan struct{})
	s.starting = starting
	s.mu.Unlock()

	cmd, exited, base, name, err := s.start(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.starting = nil
	close(starting)
	if err != nil {
		return "", err
	}
	if s.closed {
		_ = cmd.Process.Kill()
		<-exited
		return "", errors.New("whisper-server closed")
	}
	s.cmd, s.exited, s.baseURL, s.model = cmd, exited, base, name
	s.log.Info("whisper-server ready", zap.String("model", name))
	return base, nil
}

// start downloads the model if needed and spawns the process. It runs
// without mu held so Status and Close stay responsive during a slow load.
func (s *Server) start(ctx context.Context) (*exec.Cmd, chan struct{}, string, string, error) {
	bin, err := exec.LookPath(s.opts.BinaryPath)
	if err != nil {
		return nil, nil, "", "", fmt.Errorf("%w: %s", ErrNotInstalled, s.opts.BinaryPath)
	}
	// The model download belongs to the server lifetime, not to the request.
	res, err := Ensure(context.WithoutCancel(ctx), s.opts.ModelRef, s.opts.ModelDir, s.opts.AutoDownload, false, s.log)
	if err != nil {
		return nil, nil, "", "", err
	}
	port, err := freePort()
	if err != nil {
		return nil, nil, "", "", fmt.Errorf("allocate port: %w", err)
	}

	args := []string{
		"-m", res.Path,
		"--host", "127.0.0.1",
		"--port", strconv.Itoa(port),
		"--convert",
	}
	if s.opts.Threads > 0 {
		args = append(args, "-t", strconv.Itoa(s.opts.Threads))
	}
	cmd := exec.Command(bin, args...)
	cmd.Dir = filepath.Dir(res.Path)
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return nil, nil, "", "", fmt.Errorf("start whisper-server: %w", err)
	}
	exited := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(exited)
	}()

	base := "http://127.0.0.1:" + strconv.Itoa(port)
	s.log.Info("starting whisper-server", zap.String("model", res.Name), zap.Int("port", port), zap.Int("pid", cmd.Process.Pid))
	if err := s.waitReady(ctx, base, exited); err != nil {
		_ = cmd.Process.Kill()
		<-exited
		return nil, nil, "", "", err
	}
	return cmd, exited, base, res.Name, nil
}

func (s *Server) waitReady(ctx context.Context, base string, exited <-chan struct{}) error {
	deadline := time.NewTimer(s.opts.StartTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(250 * time.Millisecond)
	defer tick.Stop()

	for {
		req, _ := http.NewRequestWithContext(ctx, http.MethodGet, base+"/", nil)
		if resp, err := s.client.Do(req); err == nil {
			resp.Body.Close()
			if resp.StatusCode < 500 {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-exited:
			return errors.New("whisper-server exited during startup")
		case <-deadline.C:
			return fmt.Errorf("whisper-server not ready after %s", s.opts.StartTimeout)
		case <-tick.C:
		}
	}
}

func inferenceForm(audioPath, language string) (io.Reader, string, error) {
	f, err := os.Open(audioPath)
	if err != nil {
		return nil, "", fmt.Errorf("open audio: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", filepath.Base(audioPath))
	if err != nil {
		return nil, "", err
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, "", fmt.Errorf("read audio: %w", err)
	}
	fields := map[string]string{
		"temperature":     "0.0",
		"response_format": "json",
	}
	if language != "" {
		fields["language"] = language
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// cleanText joins whisper's segment lines into a single paragraph.
func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
