package engine

import (
	"context"

	"github.com/helberjf/video-transcript/internal/model"
)

// Backend is a transcription engine. Implementations return *model.Error
// values classified as unavailable, timeout or rejected.
type Backend interface {
	Name() string
	Method() model.Method
	Transcribe(ctx context.Context, req BackendRequest) (string, error)
	Status() BackendStatus
}

// BackendRequest is the input to a single backend call.
type BackendRequest struct {
	AudioPath string
	Language  string
	// Prompt is an instruction for generative backends; others may ignore it.
	Prompt string
}

// BackendStatus is reported by the health endpoint.
type BackendStatus struct {
	Name      string `json:"name"`
	Available bool   `json:"available"`
	Detail    string `json:"detail,omitempty"`
}
