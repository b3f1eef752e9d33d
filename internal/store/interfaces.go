package store

import (
	"context"
	"time"

	"github.com/helberjf/video-transcript/internal/model"
)

// Counts holds registry sizes reported by the health endpoint.
type Counts struct {
	Artifacts      int `json:"artifacts"`
	Transcriptions int `json:"transcriptions"`
}

// ArtifactReader provides read access to registered artifacts.
type ArtifactReader interface {
	GetArtifact(ctx context.Context, id string) (model.Artifact, error)
	Counts(ctx context.Context) (Counts, error)
}

// ArtifactWriter registers and evicts artifacts.
type ArtifactWriter interface {
	Register(ctx context.Context, a model.NewArtifact) (model.Artifact, error)
	Evict(ctx context.Context, id string) error
}

// ExpiryLister finds artifacts past their time-to-live.
type ExpiryLister interface {
	ListExpired(ctx context.Context, cutoff time.Time) ([]string, error)
}

// TranscriptionCache memoizes one successful transcription per artifact.
type TranscriptionCache interface {
	CachedTranscription(ctx context.Context, artifactID string) (*model.TranscriptionResult, error)
	SaveTranscription(ctx context.Context, r model.TranscriptionResult) error
	DeleteTranscription(ctx context.Context, artifactID string) error
}

// Registry combines every operation used by the dispatcher and the API layer.
type Registry interface {
	ArtifactReader
	ArtifactWriter
	TranscriptionCache
}
