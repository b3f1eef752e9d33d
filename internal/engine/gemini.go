package engine

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/helberjf/video-transcript/internal/model"
)

// maxInlineAudio is the largest request Gemini accepts with inline data.
const maxInlineAudio = 20 << 20

// GeminiBackend transcribes audio with the Google Generative AI REST API.
type GeminiBackend struct {
	apiKey     string
	model      string
	baseURL    string
	prompt     string
	timeout    time.Duration
	backoff    time.Duration
	httpClient *http.Client
}

// GeminiOption configures the Gemini backend.
type GeminiOption func(*GeminiBackend)

// WithGeminiModel sets the model name.
func WithGeminiModel(model string) GeminiOption {
	return func(b *GeminiBackend) {
		if model != "" {
			b.model = model
		}
	}
}

// WithGeminiBaseURL overrides the API endpoint.
func WithGeminiBaseURL(url string) GeminiOption {
	return func(b *GeminiBackend) { b.baseURL = strings.TrimRight(url, "/") }
}

// WithGeminiTimeout bounds one transcription call.
func WithGeminiTimeout(d time.Duration) GeminiOption {
	return func(b *GeminiBackend) { b.timeout = d }
}

// WithGeminiPrompt sets the default instruction template.
func WithGeminiPrompt(template string) GeminiOption {
	return func(b *GeminiBackend) { b.prompt = template }
}

// NewGeminiBackend creates a Gemini backend. An empty key leaves it unavailable.
func NewGeminiBackend(apiKey string, opts ...GeminiOption) *GeminiBackend {
	b := &GeminiBackend{
		apiKey:     apiKey,
		model:      "gemini-2.0-flash",
		baseURL:    "https://generativelanguage.googleapis.com/v1beta",
		prompt:     DefaultPrompt,
		timeout:    120 * time.Second,
		backoff:    2 * time.Second,
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *GeminiBackend) Name() string         { return "gemini" }
func (b *GeminiBackend) Method() model.Method { return model.MethodCloud }

func (b *GeminiBackend) Status() BackendStatus {
	if b.apiKey == "" {
		return BackendStatus{Name: b.Name(), Detail: "GEMINI_API_KEY not set"}
	}
	return BackendStatus{Name: b.Name(), Available: true, Detail: b.model}
}

type geminiRequest struct {
	Contents         []geminiContent `json:"contents"`
	GenerationConfig geminiGenConfig `json:"generationConfig"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inline_data,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type geminiGenConfig struct {
	Temperature float64 `json:"temperature"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback,omitempty"`
}

// Transcribe sends the audio inline with an instruction prompt.
func (b *GeminiBackend) Transcribe(ctx context.Context, req BackendRequest) (string, error) {
	const op = "gemini.Transcribe"
	if b.apiKey == "" {
		return "", model.E(model.KindBackendUnavailable, op, "cloud transcription is not configured", nil)
	}

	audio, err := os.ReadFile(req.AudioPath)
	if err != nil {
		return "", model.E(model.KindStorage, op, "audio file unreadable", err)
	}
	if len(audio) > maxInlineAudio {
		return "", model.E(model.KindBackendRejected, op,
			fmt.Sprintf("audio too large for cloud transcription (%d MB, max 20 MB)", len(audio)>>20), nil)
	}

	body, err := json.Marshal(geminiRequest{
		Contents: []geminiContent{{Parts: []geminiPart{
			{Text: buildPrompt(b.prompt, req.Prompt, req.Language)},
			{InlineData: &geminiInlineData{MimeType: "audio/mp3", Data: base64.StdEncoding.EncodeToString(audio)}},
		}}},
		GenerationConfig: geminiGenConfig{Temperature: 0},
	})
	if err != nil {
		return "", model.E(model.KindInternal, op, "", fmt.Errorf("marshal request: %w", err))
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	text, err := retryOnce(ctx, b.backoff, func() (string, error) { return b.doRequest(ctx, body) })
	if err != nil {
		return "", classify(op, "gemini", err)
	}
	return text, nil
}

func (b *GeminiBackend) doRequest(ctx context.Context, body []byte) (string, error) {
	url := fmt.Sprintf("%s/models/%s:generateContent", b.baseURL, b.model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", b.apiKey)

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

	var gr geminiResponse
	if err := json.Unmarshal(respBody, &gr); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}
	if gr.PromptFeedback != nil && gr.PromptFeedback.BlockReason != "" {
		return "", model.E(model.KindBackendRejected, "gemini.Transcribe", "request blocked: "+gr.PromptFeedback.BlockReason, nil)
	}

	var sb strings.Builder
	if len(gr.Candidates) > 0 {
		for _, p := range gr.Candidates[0].Content.Parts {
			sb.WriteString(p.Text)
		}
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return "", model.E(model.KindBackendRejected, "gemini.Transcribe", "empty transcription returned", nil)
	}
	return text, nil
}
