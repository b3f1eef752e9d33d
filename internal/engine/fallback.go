package engine

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/helberjf/video-transcript/internal/model"
)

// Fallback tries backends in order and returns the first success.
type Fallback struct {
	backends []Backend
	latency  *LatencyRecorder
	log      *zap.Logger
}

// NewFallback builds a Fallback. latency and logger may be nil.
func NewFallback(latency *LatencyRecorder, logger *zap.Logger, backends ...Backend) *Fallback {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fallback{backends: backends, latency: latency, log: logger}
}

// Run returns the text and the method of the backend that produced it. When
// every backend fails it returns the last backend's method and error.
func (f *Fallback) Run(ctx context.Context, req BackendRequest) (string, model.Method, error) {
	if len(f.backends) == 0 {
		return "", "", model.E(model.KindBackendUnavailable, "fallback.Run", "no transcription backend configured", nil)
	}

	var (
		used    model.Method
		lastErr error
	)
	for i, b := range f.backends {
		start := time.Now()
		text, err := b.Transcribe(ctx, req)
		elapsed := time.Since(start)
		if f.latency != nil {
			f.latency.Observe(b.Name(), elapsed, err != nil)
		}
		used = b.Method()
		if err == nil {
			f.log.Debug("backend succeeded", zap.String("backend", b.Name()), zap.Duration("elapsed", elapsed))
			return text, used, nil
		}
		lastErr = normalize(err)
		if i < len(f.backends)-1 {
			f.log.Warn("backend failed, falling back",
				zap.String("backend", b.Name()),
				zap.String("next", f.backends[i+1].Name()),
				zap.Duration("elapsed", elapsed),
				zap.Error(err))
		}
	}
	return "", used, lastErr
}

// normalize guarantees a classified error.
func normalize(err error) error {
	var me *model.Error
	if errors.As(err, &me) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return model.E(model.KindBackendTimeout, "transcribe", "transcription timed out", err)
	}
	return model.E(model.KindBackendRejected, "transcribe", "transcription failed", err)
}
