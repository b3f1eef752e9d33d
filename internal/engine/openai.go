package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/helberjf/video-transcript/internal/model"
)

// maxOpenAIAudio is the upload limit of the transcriptions endpoint.
const maxOpenAIAudio = 25 << 20

// OpenAIBackend transcribes audio with the OpenAI audio transcriptions API.
// It also works with any OpenAI-compatible service by setting a custom base URL.
type OpenAIBackend struct {
	apiKey     string
	baseURL    string
	model      string
	timeout    time.Duration
	backoff    time.Duration
	httpClient *http.Client
}

// OpenAIOption configures the OpenAI backend.
type OpenAIOption func(*OpenAIBackend)

// WithModel sets the model name (default: whisper-1).
func WithModel(model string) OpenAIOption {
	return func(b *OpenAIBackend) {
		if model != "" {
			b.model = model
		}
	}
}

// WithBaseURL overrides the API endpoint (default: https://api.openai.com/v1).
func WithBaseURL(url string) OpenAIOption {
	return func(b *OpenAIBackend) {
		if url != "" {
			b.baseURL = strings.TrimRight(url, "/")
		}
	}
}

// WithOpenAITimeout bounds one transcription call.
func WithOpenAITimeout(d time.Duration) OpenAIOption {
	return func(b *OpenAIBackend) { b.timeout = d }
}

// NewOpenAIBackend creates an OpenAI backend. An empty key leaves it unavailable.
func NewOpenAIBackend(apiKey string, opts ...OpenAIOption) *OpenAIBackend {
	b := &OpenAIBackend{
		apiKey:     apiKey,
		baseURL:    "https://api.openai.com/v1",
		model:      "whisper-1",
		timeout:    120 * time.Second,
		backoff:    2 * time.Second,
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *OpenAIBackend) Name() string         { return "openai" }
func (b *OpenAIBackend) Method() model.Method { return model.MethodCloud }

func (b *OpenAIBackend) Status() BackendStatus {
	if b.apiKey == "" {
		return BackendStatus{Name: b.Name(), Detail: "OPENAI_API_KEY not set"}
	}
	return BackendStatus{Name: b.Name(), Available: true, Detail: b.model}
}

type transcriptionResponse struct {
	Text  string `json:"text"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Transcribe uploads the audio file and returns the transcript.
func (b *OpenAIBackend) Transcribe(ctx context.Context, req BackendRequest) (string, error) {
	const op = "openai.Transcribe"
	if b.apiKey == "" {
		return "", model.E(model.KindBackendUnavailable, op, "cloud transcription is not configured", nil)
	}

	audio, err := os.ReadFile(req.AudioPath)
	if err != nil {
		return "", model.E(model.KindStorage, op, "audio file unreadable", err)
	}
	if len(audio) > maxOpenAIAudio {
		return "", model.E(model.KindBackendRejected, op,
			fmt.Sprintf("audio too large for cloud transcription (%d MB, max 25 MB)", len(audio)>>20), nil)
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	text, err := retryOnce(ctx, b.backoff, func() (string, error) {
		body, contentType, err := b.form(filepath.Base(req.AudioPath), audio, req)
		if err != nil {
			return "", err
		}
		return b.doRequest(ctx, body, contentType)
	})
	if err != nil {
		return "", classify(op, "openai", err)
	}
	return text, nil
}

func (b *OpenAIBackend) form(name string, audio []byte, req BackendRequest) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", name)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(audio); err != nil {
		return nil, "", err
	}
	fields := [][2]string{{"model", b.model}, {"response_format", "json"}, {"temperature", "0"}}
	if req.Language != "" {
		fields = append(fields, [2]string{"language", req.Language})
	}
	if req.Prompt != "" {
		fields = append(fields, [2]string{"prompt", req.Prompt})
	}
	for _, f := range fields {
		if err := w.WriteField(f[0], f[1]); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

func (b *OpenAIBackend) doRequest(ctx context.Context, body io.Reader, contentType string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/audio/transcriptions", body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+b.apiKey)

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", &apiError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var tr transcriptionResponse
	if err := json.Unmarshal(respBody, &tr); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}
	if tr.Error != nil {
		return "", model.E(model.KindBackendRejected, "openai.Transcribe", tr.Error.Message, nil)
	}
	return strings.TrimSpace(tr.Text), nil
}
