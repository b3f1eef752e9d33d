package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang/groupcache/singleflight"
	"go.uber.org/zap"

	"github.com/helberjf/video-transcript/internal/model"
	"github.com/helberjf/video-transcript/internal/store"
)

// CachePolicy decides when a cached transcription answers a request.
type CachePolicy string

const (
	// CacheAny returns a cached success whatever method is requested.
	CacheAny CachePolicy = "any"
	// CacheMatch reuses a cached success only for the method that produced it.
	CacheMatch CachePolicy = "match"
)

// TranscribeRequest asks for the transcription of a registered artifact.
type TranscribeRequest struct {
	ArtifactID string
	Method     string
	Language   string
	Prompt     string
}

// Response is the dispatcher's answer.
type Response struct {
	Result model.TranscriptionResult
	Cached bool
}

// Dispatcher resolves a method to backends, consults the transcription
// cache and collapses concurrent requests for the same artifact.
type Dispatcher struct {
	reg      store.Registry
	local    Backend
	cloud    Backend
	policy   CachePolicy
	language string
	latency  *LatencyRecorder
	log      *zap.Logger

	flight singleflight.Group
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithCachePolicy sets the cache policy (default CacheAny).
func WithCachePolicy(p CachePolicy) DispatcherOption {
	return func(d *Dispatcher) {
		if p == CacheMatch {
			d.policy = CacheMatch
		}
	}
}

// WithDefaultLanguage sets the language hint used when a request has none.
func WithDefaultLanguage(lang string) DispatcherOption {
	return func(d *Dispatcher) {
		if lang != "" {
			d.language = lang
		}
	}
}

// WithLatency records backend call durations.
func WithLatency(r *LatencyRecorder) DispatcherOption {
	return func(d *Dispatcher) { d.latency = r }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if l != nil {
			d.log = l
		}
	}
}

// NewDispatcher creates a Dispatcher over the local and cloud backends.
func NewDispatcher(reg store.Registry, local, cloud Backend, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		reg:      reg,
		local:    local,
		cloud:    cloud,
		policy:   CacheAny,
		language: "pt",
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Backends returns the configured backends for status reporting.
func (d *Dispatcher) Backends() []Backend {
	return []Backend{d.local, d.cloud}
}

// Latency returns the recorder, or nil when none is configured.
func (d *Dispatcher) Latency() *LatencyRecorder {
	return d.latency
}

type flightResult struct {
	resp Response
	err  error
}

// Transcribe returns the transcription of req.ArtifactID. Failures come back
// as both a failed Result and a classified error. Concurrent callers for the
// same artifact share a single run. When ctx ends first the caller gets a
// BackendTimeout; the run itself only stops at the ctx deadline or a backend
// timeout, and its result is still cached.
func (d *Dispatcher) Transcribe(ctx context.Context, req TranscribeRequest) (Response, error) {
	const op = "dispatcher.Transcribe"

	method, err := model.ParseMethod(req.Method)
	if err != nil {
		return Response{}, err
	}
	art, err := d.reg.GetArtifact(ctx, req.ArtifactID)
	if err != nil {
		return Response{}, err
	}
	if _, err := os.Stat(art.Path); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return Response{}, model.E(model.KindStorage, op, "audio file unreadable", err)
		}
		if evErr := d.reg.Evict(ctx, art.ID); evErr != nil {
			d.log.Warn("evict artifact with missing file", zap.String("artifact_id", art.ID), zap.Error(evErr))
		}
		return Response{}, model.E(model.KindTranscodeSourceMissing, op, "audio file no longer exists", err)
	}

	if hit, err := d.cached(ctx, art.ID, method); err != nil {
		return Response{}, err
	} else if hit != nil {
		return Response{Result: *hit, Cached: true}, nil
	}

	language := req.Language
	if language == "" {
		language = d.language
	}
	for {
		fr, err := d.share(ctx, art, method, language, req.Prompt)
		if err != nil {
			return Response{Result: model.NewFailure(art.ID, method, "", language, err)}, err
		}
		if d.policy != CacheMatch || fr.resp.Result.MethodRequested == method {
			return fr.resp, fr.err
		}
		// Joined a run for another method; wait our turn.
		if hit, err := d.cached(ctx, art.ID, method); err != nil {
			return Response{}, err
		} else if hit != nil {
			return Response{Result: *hit, Cached: true}, nil
		}
	}
}

// share joins or starts the single run for art. The run outlives ctx
// cancellation but keeps its deadline; a caller whose ctx ends first gets a
// timeout while the run goes on and caches its result.
func (d *Dispatcher) share(ctx context.Context, art model.Artifact, method model.Method, language, prompt string) (flightResult, error) {
	ch := make(chan flightResult, 1)
	go func() {
		runCtx := context.WithoutCancel(ctx)
		cancel := func() {}
		if deadline, ok := ctx.Deadline(); ok {
			runCtx, cancel = context.WithDeadline(runCtx, deadline)
		}
		defer cancel()
		v, _ := d.flight.Do(art.ID, func() (interface{}, error) {
			return d.guardedRun(runCtx, art, method, language, prompt), nil
		})
		ch <- v.(flightResult)
	}()

	select {
	case fr := <-ch:
		return fr, nil
	case <-ctx.Done():
		return flightResult{}, model.E(model.KindBackendTimeout, "dispatcher.Transcribe", "transcription did not finish in time", ctx.Err())
	}
}

// guardedRun turns a backend panic into an internal failure so the flight
// for the artifact is released.
func (d *Dispatcher) guardedRun(ctx context.Context, art model.Artifact, method model.Method, language, prompt string) (fr flightResult) {
	defer func() {
		if r := recover(); r != nil {
			err := model.E(model.KindInternal, "dispatcher.run", "transcription failed", fmt.Errorf("panic: %v", r))
			d.log.Error("transcription panicked", zap.String("artifact_id", art.ID), zap.Any("panic", r), zap.Stack("stack"))
			fr = flightResult{resp: Response{Result: model.NewFailure(art.ID, method, "", language, err)}, err: err}
		}
	}()
	return d.run(ctx, art, method, language, prompt)
}

func (d *Dispatcher) run(ctx context.Context, art model.Artifact, method model.Method, language, prompt string) flightResult {
	// A caller that finished just before this flight started may have filled the cache.
	if hit, err := d.cached(ctx, art.ID, method); err == nil && hit != nil {
		return flightResult{resp: Response{Result: *hit, Cached: true}}
	}

	log := d.log.With(zap.String("artifact_id", art.ID), zap.String("method", string(method)))
	start := time.Now()

	text, used, err := d.strategy(method).Run(ctx, BackendRequest{
		AudioPath: art.Path,
		Language:  language,
		Prompt:    prompt,
	})
	if err != nil {
		log.Warn("transcription failed",
			zap.String("method_used", string(used)),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		return flightResult{resp: Response{Result: model.NewFailure(art.ID, method, used, language, err)}, err: err}
	}

	res := model.NewSuccess(art.ID, method, used, language, text)
	if err := d.reg.SaveTranscription(ctx, res); err != nil {
		if model.Is(err, model.KindNotFound) {
			log.Info("artifact evicted during transcription")
			return flightResult{resp: Response{Result: model.NewFailure(art.ID, method, used, language, err)}, err: err}
		}
		log.Warn("cache transcription", zap.Error(err))
	}
	log.Info("transcription complete",
		zap.String("method_used", string(used)),
		zap.Int("chars", len(text)),
		zap.Duration("elapsed", time.Since(start)))
	return flightResult{resp: Response{Result: res}}
}

func (d *Dispatcher) cached(ctx context.Context, id string, method model.Method) (*model.TranscriptionResult, error) {
	hit, err := d.reg.CachedTranscription(ctx, id)
	if err != nil || hit == nil {
		return nil, err
	}
	if d.policy == CacheMatch && hit.MethodRequested != method {
		return nil, nil
	}
	return hit, nil
}

func (d *Dispatcher) strategy(method model.Method) *Fallback {
	switch method {
	case model.MethodLocal:
		return NewFallback(d.latency, d.log, d.local)
	case model.MethodCloud:
		return NewFallback(d.latency, d.log, d.cloud)
	default:
		return NewFallback(d.latency, d.log, d.cloud, d.local)
	}
}
