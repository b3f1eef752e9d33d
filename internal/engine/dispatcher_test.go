package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/helberjf/video-transcript/internal/model"
	"github.com/helberjf/video-transcript/internal/store"
)

type fakeBackend struct {
	name   string
	method model.Method
	text   string
	err    error
	gate   chan struct{}
	panics bool
	active *runTracker

	mu      sync.Mutex
	calls   int
	ctxErrs []error
	prompts []string
}

func (f *fakeBackend) Name() string         { return f.name }
func (f *fakeBackend) Method() model.Method { return f.method }
func (f *fakeBackend) Status() BackendStatus {
	return BackendStatus{Name: f.name, Available: f.err == nil}
}

func (f *fakeBackend) Transcribe(ctx context.Context, req BackendRequest) (string, error) {
	f.mu.Lock()
	f.calls++
	f.prompts = append(f.prompts, req.Prompt)
	f.mu.Unlock()
	if f.active != nil {
		f.active.enter()
		defer f.active.leave()
	}
	if f.gate != nil {
		<-f.gate
	}
	if f.panics {
		panic("decoder crashed")
	}
	f.mu.Lock()
	f.ctxErrs = append(f.ctxErrs, ctx.Err())
	f.mu.Unlock()
	return f.text, f.err
}

func (f *fakeBackend) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeBackend) firstCtxErr() (error, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.ctxErrs) == 0 {
		return nil, false
	}
	return f.ctxErrs[0], true
}

// runTracker records the peak number of backend calls in progress at once.
type runTracker struct {
	mu     sync.Mutex
	active int
	peak   int
}

func (r *runTracker) enter() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active++
	if r.active > r.peak {
		r.peak = r.active
	}
}

func (r *runTracker) leave() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active--
}

func (r *runTracker) max() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peak
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func newLocal(text string, err error) *fakeBackend {
	return &fakeBackend{name: "whisper", method: model.MethodLocal, text: text, err: err}
}

func newCloud(text string, err error) *fakeBackend {
	return &fakeBackend{name: "gemini", method: model.MethodCloud, text: text, err: err}
}

func newTestRegistry(t *testing.T) *store.Store {
	t.Helper()
	db, err := store.OpenSQLite(store.MemoryDSN)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	s, err := store.New(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func registerAudio(t *testing.T, reg *store.Store) model.Artifact {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audio.mp3")
	if err := os.WriteFile(path, []byte("ID3audio"), 0o644); err != nil {
		t.Fatal(err)
	}
	a, err := reg.Register(context.Background(), model.NewArtifact{Path: path, DisplayName: "a.mp3", Quality: "192", SizeBytes: 8})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	return a
}

func TestDispatcher_ValidationAndNotFound(t *testing.T) {
	reg := newTestRegistry(t)
	d := NewDispatcher(reg, newLocal("x", nil), newCloud("x", nil))

	if _, err := d.Transcribe(context.Background(), TranscribeRequest{ArtifactID: "nope", Method: "telepathy"}); !model.Is(err, model.KindValidation) {
		t.Errorf("unknown method: got %v, want validation error", err)
	}
	if _, err := d.Transcribe(context.Background(), TranscribeRequest{ArtifactID: "nope", Method: "local"}); !model.Is(err, model.KindNotFound) {
		t.Errorf("unknown id: got %v, want not found", err)
	}
}

func TestDispatcher_LocalSuccessIsCached(t *testing.T) {
	reg := newTestRegistry(t)
	a := registerAudio(t, reg)
	local := newLocal("olá mundo", nil)
	d := NewDispatcher(reg, local, newCloud("", nil))

	resp, err := d.Transcribe(context.Background(), TranscribeRequest{ArtifactID: a.ID, Method: "whisper"})
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if resp.Cached || resp.Result.Text != "olá mundo" || resp.Result.MethodUsed != model.MethodLocal {
		t.Errorf("first response = %+v", resp)
	}
	if resp.Result.Language != "pt" {
		t.Errorf("language = %q, want default pt", resp.Result.Language)
	}

	resp, err = d.Transcribe(context.Background(), TranscribeRequest{ArtifactID: a.ID, Method: "local"})
	if err != nil {
		t.Fatalf("second transcribe: %v", err)
	}
	if !resp.Cached || resp.Result.Text != "olá mundo" {
		t.Errorf("second response should be cached: %+v", resp)
	}
	if local.callCount() != 1 {
		t.Errorf("backend calls = %d, want 1", local.callCount())
	}
}

func TestDispatcher_AutoFallsBackToLocal(t *testing.T) {
	reg := newTestRegistry(t)
	a := registerAudio(t, reg)
	cloud := newCloud("", model.E(model.KindBackendUnavailable, "gemini", "cloud transcription is not configured", nil))
	local := newLocal("from whisper", nil)
	d := NewDispatcher(reg, local, cloud)

	resp, err := d.Transcribe(context.Background(), TranscribeRequest{ArtifactID: a.ID, Method: "auto"})
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if resp.Result.MethodRequested != model.MethodAuto || resp.Result.MethodUsed != model.MethodLocal {
		t.Errorf("methods = %s/%s, want auto/local", resp.Result.MethodRequested, resp.Result.MethodUsed)
	}
	if cloud.callCount() != 1 || local.callCount() != 1 {
		t.Errorf("calls cloud=%d local=%d, want 1/1", cloud.callCount(), local.callCount())
	}
}

func TestDispatcher_AutoPrefersCloud(t *testing.T) {
	reg := newTestRegistry(t)
	a := registerAudio(t, reg)
	local := newLocal("local", nil)
	d := NewDispatcher(reg, local, newCloud("cloud text", nil))

	resp, err := d.Transcribe(context.Background(), TranscribeRequest{ArtifactID: a.ID})
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if resp.Result.MethodUsed != model.MethodCloud || resp.Result.Text != "cloud text" {
		t.Errorf("result = %+v", resp.Result)
	}
	if local.callCount() != 0 {
		t.Error("local should not run when cloud succeeds")
	}
}

func TestDispatcher_BothFailReportsLocalAndDoesNotCache(t *testing.T) {
	reg := newTestRegistry(t)
	a := registerAudio(t, reg)
	cloud := newCloud("", model.E(model.KindBackendRejected, "gemini", "rejected", nil))
	local := newLocal("", errors.New("segfault"))
	d := NewDispatcher(reg, local, cloud)

	resp, err := d.Transcribe(context.Background(), TranscribeRequest{ArtifactID: a.ID, Method: "auto"})
	if !model.Is(err, model.KindBackendRejected) {
		t.Fatalf("err = %v, want backend rejected", err)
	}
	if resp.Result.MethodUsed != model.MethodLocal || resp.Result.Succeeded() {
		t.Errorf("result = %+v, want failed local", resp.Result)
	}
	if resp.Result.Outcome != string(model.KindBackendRejected) || resp.Result.Error == "" {
		t.Errorf("outcome = %q error = %q", resp.Result.Outcome, resp.Result.Error)
	}
	cached, _ := reg.CachedTranscription(context.Background(), a.ID)
	if cached != nil {
		t.Error("failures must not be cached")
	}
}

func TestDispatcher_CachePolicies(t *testing.T) {
	tests := []struct {
		name       string
		policy     CachePolicy
		wantCached bool
		wantLocal  int
	}{
		{name: "any returns cloud result for local request", policy: CacheAny, wantCached: true, wantLocal: 0},
		{name: "match reruns for a different method", policy: CacheMatch, wantCached: false, wantLocal: 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			reg := newTestRegistry(t)
			a := registerAudio(t, reg)
			local := newLocal("local text", nil)
			d := NewDispatcher(reg, local, newCloud("cloud text", nil), WithCachePolicy(tc.policy))

			if _, err := d.Transcribe(context.Background(), TranscribeRequest{ArtifactID: a.ID, Method: "cloud"}); err != nil {
				t.Fatalf("cloud: %v", err)
			}
			resp, err := d.Transcribe(context.Background(), TranscribeRequest{ArtifactID: a.ID, Method: "local"})
			if err != nil {
				t.Fatalf("local: %v", err)
			}
			if resp.Cached != tc.wantCached {
				t.Errorf("cached = %v, want %v", resp.Cached, tc.wantCached)
			}
			if local.callCount() != tc.wantLocal {
				t.Errorf("local calls = %d, want %d", local.callCount(), tc.wantLocal)
			}
		})
	}
}

func TestDispatcher_ConcurrentCallersShareOneRun(t *testing.T) {
	reg := newTestRegistry(t)
	a := registerAudio(t, reg)
	local := newLocal("shared", nil)
	local.gate = make(chan struct{})
	d := NewDispatcher(reg, local, newCloud("", nil))

	const callers = 5
	var wg sync.WaitGroup
	texts := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := d.Transcribe(context.Background(), TranscribeRequest{ArtifactID: a.ID, Method: "local"})
			texts[i], errs[i] = resp.Result.Text, err
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(local.gate)
	wg.Wait()

	for i := range texts {
		if errs[i] != nil || texts[i] != "shared" {
			t.Errorf("caller %d: text=%q err=%v", i, texts[i], errs[i])
		}
	}
	if local.callCount() != 1 {
		t.Errorf("backend calls = %d, want 1", local.callCount())
	}
}

func TestDispatcher_CallerCancelDoesNotAbortRun(t *testing.T) {
	reg := newTestRegistry(t)
	a := registerAudio(t, reg)
	local := newLocal("finished anyway", nil)
	local.gate = make(chan struct{})
	d := NewDispatcher(reg, local, newCloud("", nil))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := d.Transcribe(ctx, TranscribeRequest{ArtifactID: a.ID, Method: "local"})
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	if err := <-done; !model.Is(err, model.KindBackendTimeout) {
		t.Fatalf("err = %v, want backend timeout", err)
	}
	close(local.gate)

	waitUntil(t, func() bool {
		cached, _ := reg.CachedTranscription(context.Background(), a.ID)
		return cached != nil
	})
	cached, _ := reg.CachedTranscription(context.Background(), a.ID)
	if cached.Text != "finished anyway" {
		t.Errorf("cached text = %q", cached.Text)
	}
	if ctxErr, _ := local.firstCtxErr(); ctxErr != nil {
		t.Errorf("backend saw cancelled context: %v", ctxErr)
	}
}

func TestDispatcher_CallerDeadlineEndsWaitAndRun(t *testing.T) {
	reg := newTestRegistry(t)
	a := registerAudio(t, reg)
	local := newLocal("slow", nil)
	local.gate = make(chan struct{})
	d := NewDispatcher(reg, local, newCloud("", nil))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	resp, err := d.Transcribe(ctx, TranscribeRequest{ArtifactID: a.ID, Method: "local"})
	if !model.Is(err, model.KindBackendTimeout) {
		t.Fatalf("err = %v, want backend timeout", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("caller waited %s after its deadline", elapsed)
	}
	if resp.Result.Succeeded() || resp.Result.Outcome != string(model.KindBackendTimeout) {
		t.Errorf("result = %+v, want timeout failure", resp.Result)
	}

	close(local.gate)
	waitUntil(t, func() bool {
		_, ok := local.firstCtxErr()
		return ok
	})
	if ctxErr, _ := local.firstCtxErr(); !errors.Is(ctxErr, context.DeadlineExceeded) {
		t.Errorf("backend ctx err = %v, want deadline exceeded", ctxErr)
	}
}

func TestDispatcher_MatchPolicyRunsOneBackendPerArtifact(t *testing.T) {
	reg := newTestRegistry(t)
	a := registerAudio(t, reg)
	tracker := &runTracker{}
	local := newLocal("local text", nil)
	cloud := newCloud("cloud text", nil)
	local.active, cloud.active = tracker, tracker
	cloud.gate = make(chan struct{})
	d := NewDispatcher(reg, local, cloud, WithCachePolicy(CacheMatch))

	type outcome struct {
		resp Response
		err  error
	}
	cloudDone := make(chan outcome, 1)
	localDone := make(chan outcome, 1)
	go func() {
		resp, err := d.Transcribe(context.Background(), TranscribeRequest{ArtifactID: a.ID, Method: "cloud"})
		cloudDone <- outcome{resp, err}
	}()
	waitUntil(t, func() bool { return cloud.callCount() == 1 })
	go func() {
		resp, err := d.Transcribe(context.Background(), TranscribeRequest{ArtifactID: a.ID, Method: "local"})
		localDone <- outcome{resp, err}
	}()
	time.Sleep(30 * time.Millisecond)
	if n := local.callCount(); n != 0 {
		t.Errorf("local started while cloud was running (%d calls)", n)
	}
	close(cloud.gate)

	c, l := <-cloudDone, <-localDone
	if c.err != nil || c.resp.Result.Text != "cloud text" || c.resp.Result.MethodRequested != model.MethodCloud {
		t.Errorf("cloud caller: %+v err=%v", c.resp.Result, c.err)
	}
	if l.err != nil || l.resp.Result.Text != "local text" || l.resp.Result.MethodRequested != model.MethodLocal {
		t.Errorf("local caller: %+v err=%v", l.resp.Result, l.err)
	}
	if got := tracker.max(); got != 1 {
		t.Errorf("peak concurrent backend calls = %d, want 1", got)
	}
}

func TestDispatcher_BackendPanicReleasesArtifact(t *testing.T) {
	reg := newTestRegistry(t)
	a := registerAudio(t, reg)
	local := newLocal("recovered", nil)
	local.panics = true
	d := NewDispatcher(reg, local, newCloud("", nil))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := d.Transcribe(ctx, TranscribeRequest{ArtifactID: a.ID, Method: "local"})
	if !model.Is(err, model.KindInternal) {
		t.Fatalf("err = %v, want internal", err)
	}
	if resp.Result.Succeeded() {
		t.Errorf("result = %+v, want failure", resp.Result)
	}

	local.panics = false
	resp, err = d.Transcribe(ctx, TranscribeRequest{ArtifactID: a.ID, Method: "local"})
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if resp.Result.Text != "recovered" {
		t.Errorf("text = %q", resp.Result.Text)
	}
}

func TestDispatcher_MissingFileEvicts(t *testing.T) {
	reg := newTestRegistry(t)
	a := registerAudio(t, reg)
	if err := os.Remove(a.Path); err != nil {
		t.Fatal(err)
	}
	d := NewDispatcher(reg, newLocal("x", nil), newCloud("x", nil))

	_, err := d.Transcribe(context.Background(), TranscribeRequest{ArtifactID: a.ID, Method: "local"})
	if !model.Is(err, model.KindTranscodeSourceMissing) {
		t.Fatalf("err = %v, want source missing", err)
	}
	if _, err := reg.GetArtifact(context.Background(), a.ID); !model.Is(err, model.KindNotFound) {
		t.Errorf("artifact should be evicted, got %v", err)
	}
}

func TestDispatcher_EvictionDuringRunIsNotFound(t *testing.T) {
	reg := newTestRegistry(t)
	a := registerAudio(t, reg)
	local := newLocal("too late", nil)
	local.gate = make(chan struct{})
	d := NewDispatcher(reg, local, newCloud("", nil))

	done := make(chan error, 1)
	go func() {
		_, err := d.Transcribe(context.Background(), TranscribeRequest{ArtifactID: a.ID, Method: "local"})
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	if err := reg.Evict(context.Background(), a.ID); err != nil {
		t.Fatal(err)
	}
	close(local.gate)

	if err := <-done; !model.Is(err, model.KindNotFound) {
		t.Errorf("err = %v, want not found", err)
	}
	if c, _ := reg.Counts(context.Background()); c.Transcriptions != 0 {
		t.Errorf("transcriptions = %d, want 0", c.Transcriptions)
	}
}

func TestDispatcher_RecordsLatency(t *testing.T) {
	reg := newTestRegistry(t)
	a := registerAudio(t, reg)
	lat := NewLatencyRecorder(10)
	cloud := newCloud("", model.E(model.KindBackendTimeout, "gemini", "slow", nil))
	d := NewDispatcher(reg, newLocal("ok", nil), cloud, WithLatency(lat))

	if _, err := d.Transcribe(context.Background(), TranscribeRequest{ArtifactID: a.ID, Method: "auto"}); err != nil {
		t.Fatal(err)
	}
	snap := lat.Snapshot()
	if snap["gemini"].Count != 1 || snap["gemini"].Failures != 1 {
		t.Errorf("gemini stats = %+v", snap["gemini"])
	}
	if snap["whisper"].Count != 1 || snap["whisper"].Failures != 0 {
		t.Errorf("whisper stats = %+v", snap["whisper"])
	}
}

func TestLatencyRecorder_Window(t *testing.T) {
	r := NewLatencyRecorder(3)
	for _, ms := range []int{100, 1, 2, 3} {
		r.Observe("b", time.Duration(ms)*time.Millisecond, false)
	}
	s := r.Snapshot()["b"]
	if s.Count != 3 {
		t.Fatalf("count = %d, want 3", s.Count)
	}
	if s.MeanMs != 2 || s.P50Ms != 2 || s.P95Ms != 3 {
		t.Errorf("stats = %+v", s)
	}
}

func TestBuildPrompt(t *testing.T) {
	if got := buildPrompt("", "  Resuma o áudio ", "pt"); got != "Resuma o áudio" {
		t.Errorf("custom prompt = %q", got)
	}
	if got := buildPrompt("Language: %s", "", "pt"); got != "Language: Portuguese" {
		t.Errorf("template = %q", got)
	}
	if got := buildPrompt("Language: %s", "", "sw"); got != "Language: sw" {
		t.Errorf("unknown language = %q", got)
	}
	if got := buildPrompt("Fixed", "", "en"); got != "Fixed" {
		t.Errorf("fixed = %q", got)
	}
}
