package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/helberjf/video-transcript/internal/api"
	"github.com/helberjf/video-transcript/internal/config"
	"github.com/helberjf/video-transcript/internal/cookies"
	"github.com/helberjf/video-transcript/internal/engine"
	"github.com/helberjf/video-transcript/internal/media"
	"github.com/helberjf/video-transcript/internal/store"
	"github.com/helberjf/video-transcript/internal/version"
	"github.com/helberjf/video-transcript/internal/whisper"
	"github.com/helberjf/video-transcript/internal/worker"
)

const (
	latencyWindow   = 200
	shutdownTimeout = 15 * time.Second
)

// runtime is the fully wired server.
type runtime struct {
	cfg     config.Config
	log     *zap.Logger
	http    *http.Server
	sweeper *worker.Sweeper
	cookies *cookies.Store
	whisper *whisper.Server
	closers []func() error
}

// serve runs the server until ctx is cancelled or a termination signal arrives.
func serve(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(cfg, logger)
	if err != nil {
		return err
	}
	return rt.run(ctx)
}

func newRuntime(cfg config.Config, logger *zap.Logger) (*runtime, error) {
	if err := os.MkdirAll(cfg.TempDir, 0o755); err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}

	db, err := store.OpenSQLite(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	reg, err := store.New(db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init store: %w", err)
	}

	rt := &runtime{cfg: cfg, log: logger, closers: []func() error{db.Close}}
	rt.sweeper = worker.New(reg, cfg.ArtifactTTL, cfg.SweepInterval, cfg.TempDir, logger.Named("sweeper"))
	rt.cookies = cookies.New(cfg.CookiesFile, cfg.CookiesFromBrowser, logger.Named("cookies"))
	rt.whisper = whisper.NewServer(whisper.ServerOptions{
		BinaryPath:   cfg.WhisperServerPath,
		URL:          cfg.WhisperURL,
		ModelRef:     cfg.WhisperModel,
		ModelDir:     cfg.WhisperModelDir,
		AutoDownload: cfg.WhisperAutoDownload,
		Logger:       logger.Named("whisper"),
	})
	rt.closers = append([]func() error{rt.whisper.Close}, rt.closers...)

	dispatcher := engine.NewDispatcher(reg,
		engine.NewLocalBackend(rt.whisper, cfg.LocalTimeout),
		cloudBackend(cfg),
		engine.WithCachePolicy(engine.CachePolicy(cfg.CachePolicy)),
		engine.WithDefaultLanguage(cfg.DefaultLanguage),
		engine.WithLatency(engine.NewLatencyRecorder(latencyWindow)),
		engine.WithLogger(logger.Named("dispatcher")),
	)

	fetcher := media.NewFetcher(cfg.MaxSourceBytes, logger.Named("fetch"))
	transcoder := media.NewTranscoder(
		media.WithTranscodeTimeout(cfg.TranscodeTimeout),
		media.WithBinaries(cfg.FFmpegPath, cfg.FFprobePath),
	)
	ytdlp := media.NewYtDlp(cfg.YtDlpPath, rt.cookies, logger.Named("yt-dlp"))
	resolver := media.NewChain(logger.Named("resolver"), ytdlp, media.NewPage())
	ingestor := engine.NewIngestor(cfg.TempDir, fetcher, transcoder, reg, rt.sweeper, logger.Named("ingest"))

	srv := api.New(api.Deps{
		Artifacts:   reg,
		Resolver:    resolver,
		Ingestor:    ingestor,
		Transcriber: dispatcher,
		Proxy:       fetcher,
		Cookies:     rt.cookies,
		FFmpeg:      transcoder,
		YtDlp:       ytdlp,
	}, api.Options{
		CORSOrigin:     cfg.CORSOrigin,
		MaxUploadBytes: cfg.MaxUploadBytes,
		TempDir:        cfg.TempDir,
		Version:        version.Resolve(),
		Logger:         logger.Named("http"),
	})

	rt.http = &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return rt, nil
}

// cloudBackend picks the cloud provider. An unset key still yields a backend
// that reports itself unavailable.
func cloudBackend(cfg config.Config) engine.Backend {
	if cfg.CloudProvider == "openai" {
		return engine.NewOpenAIBackend(cfg.OpenAIKey,
			engine.WithModel(cfg.OpenAIModel),
			engine.WithBaseURL(cfg.OpenAIBaseURL),
			engine.WithOpenAITimeout(cfg.CloudTimeout),
		)
	}
	return engine.NewGeminiBackend(cfg.GeminiKey,
		engine.WithGeminiModel(cfg.GeminiModel),
		engine.WithGeminiTimeout(cfg.CloudTimeout),
		engine.WithGeminiPrompt(cfg.CloudDefaultPrompt),
	)
}

func (rt *runtime) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer rt.close()

	go rt.sweeper.Start(ctx)
	go func() {
		if err := rt.cookies.Watch(ctx); err != nil {
			rt.log.Warn("cookie watcher stopped", zap.Error(err))
		}
	}()

	errCh := make(chan error, 1)
	go func() { errCh <- rt.http.ListenAndServe() }()

	rt.log.Info("server listening",
		zap.String("addr", "http://localhost:"+rt.cfg.Port),
		zap.String("temp_dir", rt.cfg.TempDir),
		zap.String("cloud_provider", rt.cfg.CloudProvider),
		zap.Bool("cloud_configured", rt.cfg.CloudConfigured()),
		zap.Duration("artifact_ttl", rt.cfg.ArtifactTTL))

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	rt.log.Info("shutting down")
	shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
	defer done()
	if err := rt.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func (rt *runtime) close() {
	rt.sweeper.Stop()
	for _, c := range rt.closers {
		if err := c(); err != nil {
			rt.log.Warn("close", zap.Error(err))
		}
	}
}
