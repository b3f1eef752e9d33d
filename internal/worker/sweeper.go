// Package worker runs the background retention of transient artifacts.
package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// strayGrace keeps files that may belong to an artifact registered moments
// after its file was written.
const strayGrace = 5 * time.Minute

// strayPrefixes name the files the ingest pipeline writes to the temp
// directory. Anything else there is left alone.
var strayPrefixes = []string{"video_", "upload_", "audio_"}

// Evicter removes artifacts and finds expired ones.
type Evicter interface {
	Evict(ctx context.Context, id string) error
	ListExpired(ctx context.Context, cutoff time.Time) ([]string, error)
}

// Sweeper expires artifacts once their time-to-live has elapsed. Each
// artifact gets a one-shot timer, and a periodic sweep catches anything a
// timer missed along with stray files in the temp directory.
type Sweeper struct {
	reg      Evicter
	ttl      time.Duration
	interval time.Duration
	tempDir  string
	log      *zap.Logger
	now      func() time.Time

	mu      sync.Mutex
	timers  map[string]*time.Timer
	stopped bool
}

// New creates a Sweeper. tempDir may be empty to skip stray file cleanup.
func New(reg Evicter, ttl, interval time.Duration, tempDir string, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		reg:      reg,
		ttl:      ttl,
		interval: interval,
		tempDir:  tempDir,
		log:      logger,
		now:      time.Now,
		timers:   make(map[string]*time.Timer),
	}
}

// Start sweeps immediately and then every interval. It blocks until ctx is
// cancelled and cancels pending timers on the way out.
func (s *Sweeper) Start(ctx context.Context) {
	s.log.Info("sweeper started", zap.Duration("interval", s.interval), zap.Duration("ttl", s.ttl))
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.SweepOnce(ctx)
		select {
		case <-ctx.Done():
			s.Stop()
			s.log.Info("sweeper stopped")
			return
		case <-ticker.C:
		}
	}
}

// SweepOnce evicts expired artifacts and removes stray temp files. Failures
// are logged and the remaining work continues. It returns the number of
// artifacts evicted.
func (s *Sweeper) SweepOnce(ctx context.Context) int {
	cutoff := s.now().Add(-s.ttl)
	ids, err := s.reg.ListExpired(ctx, cutoff)
	if err != nil {
		s.log.Error("list expired artifacts", zap.Error(err))
	}

	evicted := 0
	for _, id := range ids {
		if err := s.reg.Evict(ctx, id); err != nil {
			s.log.Error("evict artifact", zap.String("artifact_id", id), zap.Error(err))
			continue
		}
		s.cancelTimer(id)
		evicted++
	}

	strays := s.removeStrays(cutoff.Add(-strayGrace))
	if evicted > 0 || strays > 0 {
		s.log.Info("sweep complete", zap.Int("evicted", evicted), zap.Int("stray_files", strays))
	}
	return evicted
}

// Schedule arranges eviction of id at createdAt plus the TTL.
func (s *Sweeper) Schedule(id string, createdAt time.Time) {
	delay := createdAt.Add(s.ttl).Sub(s.now())
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if t, ok := s.timers[id]; ok {
		t.Stop()
	}
	s.timers[id] = time.AfterFunc(delay, func() { s.expire(id) })
}

// Pending returns the number of scheduled evictions.
func (s *Sweeper) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop cancels all pending timers. Later Schedule calls are ignored.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

func (s *Sweeper) expire(id string) {
	s.mu.Lock()
	delete(s.timers, id)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.reg.Evict(ctx, id); err != nil {
		s.log.Error("scheduled eviction", zap.String("artifact_id", id), zap.Error(err))
		return
	}
	s.log.Debug("artifact expired", zap.String("artifact_id", id))
}

func (s *Sweeper) cancelTimer(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
}

// removeStrays deletes ingest files in the temp directory last modified before cutoff.
func (s *Sweeper) removeStrays(cutoff time.Time) int {
	if s.tempDir == "" {
		return 0
	}
	entries, err := os.ReadDir(s.tempDir)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.log.Warn("read temp dir", zap.Error(err))
		}
		return 0
	}

	removed := 0
	for _, e := range entries {
		if !e.Type().IsRegular() || !isIngestFile(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		path := filepath.Join(s.tempDir, e.Name())
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.log.Warn("remove stray file", zap.String("path", path), zap.Error(err))
			continue
		}
		removed++
	}
	return removed
}

func isIngestFile(name string) bool {
	for _, p := range strayPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}
