package model

import (
	"fmt"
	"strings"
	"time"
)

// Method selects a transcription execution path.
type Method string

const (
	MethodLocal Method = "local"
	MethodCloud Method = "cloud"
	MethodAuto  Method = "auto"
)

// ParseMethod maps user input to a Method. Empty input selects MethodAuto.
// The names of the concrete engines are accepted as aliases.
func ParseMethod(s string) (Method, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return MethodAuto, nil
	case "local", "whisper":
		return MethodLocal, nil
	case "cloud", "gemini", "openai":
		return MethodCloud, nil
	default:
		return "", E(KindValidation, "parse method", fmt.Sprintf("unknown method %q (use local, cloud or auto)", s), nil)
	}
}

// OutcomeSuccess marks a successful transcription. Failed results carry the
// failure Kind as their outcome.
const OutcomeSuccess = "success"

// TranscriptionResult is one completed or failed transcription of an artifact.
type TranscriptionResult struct {
	ArtifactID      string    `json:"artifact_id"`
	MethodRequested Method    `json:"method_requested"`
	MethodUsed      Method    `json:"method_used,omitempty"`
	Text            string    `json:"text,omitempty"`
	Outcome         string    `json:"outcome"`
	Error           string    `json:"error,omitempty"`
	Language        string    `json:"language,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// Succeeded reports whether the result carries text.
func (r TranscriptionResult) Succeeded() bool {
	return r.Outcome == OutcomeSuccess
}

// NewSuccess builds a successful result.
func NewSuccess(artifactID string, requested, used Method, language, text string) TranscriptionResult {
	return TranscriptionResult{
		ArtifactID:      artifactID,
		MethodRequested: requested,
		MethodUsed:      used,
		Text:            text,
		Outcome:         OutcomeSuccess,
		Language:        language,
		CreatedAt:       time.Now().UTC(),
	}
}

// NewFailure builds a failed result tagged with the error's kind.
func NewFailure(artifactID string, requested, used Method, language string, err error) TranscriptionResult {
	return TranscriptionResult{
		ArtifactID:      artifactID,
		MethodRequested: requested,
		MethodUsed:      used,
		Outcome:         string(KindOf(err)),
		Error:           Message(err),
		Language:        language,
		CreatedAt:       time.Now().UTC(),
	}
}
