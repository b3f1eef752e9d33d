package engine

import (
	"context"
	"errors"
	"time"

	"github.com/helberjf/video-transcript/internal/model"
	"github.com/helberjf/video-transcript/internal/whisper"
)

// SpeechEngine is a local speech-to-text engine such as *whisper.Server.
type SpeechEngine interface {
	Transcribe(ctx context.Context, audioPath, language string) (string, error)
	Status() (bool, string)
}

// LocalBackend runs transcriptions on the local whisper engine.
type LocalBackend struct {
	engine  SpeechEngine
	timeout time.Duration
}

// NewLocalBackend wraps engine. A zero timeout leaves the deadline to the caller.
func NewLocalBackend(engine SpeechEngine, timeout time.Duration) *LocalBackend {
	return &LocalBackend{engine: engine, timeout: timeout}
}

func (b *LocalBackend) Name() string         { return "whisper" }
func (b *LocalBackend) Method() model.Method { return model.MethodLocal }

func (b *LocalBackend) Status() BackendStatus {
	ok, detail := b.engine.Status()
	return BackendStatus{Name: b.Name(), Available: ok, Detail: detail}
}

// Transcribe ignores the prompt; whisper takes no instructions.
func (b *LocalBackend) Transcribe(ctx context.Context, req BackendRequest) (string, error) {
	const op = "whisper.Transcribe"
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	text, err := b.engine.Transcribe(ctx, req.AudioPath, req.Language)
	switch {
	case err == nil && text == "":
		return "", model.E(model.KindBackendRejected, op, "no speech recognized", nil)
	case err == nil:
		return text, nil
	case errors.Is(err, context.DeadlineExceeded):
		return "", model.E(model.KindBackendTimeout, op, "local transcription timed out", err)
	case errors.Is(err, whisper.ErrNotInstalled), errors.Is(err, whisper.ErrModelMissing):
		return "", model.E(model.KindBackendUnavailable, op, "local transcription is not installed", err)
	case errors.Is(err, whisper.ErrUnreachable):
		return "", model.E(model.KindBackendUnavailable, op, "local transcription server unreachable", err)
	default:
		return "", model.E(model.KindBackendRejected, op, "local transcription failed", err)
	}
}
