package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lexicraft/lexicraft-backend/internal/bus"
	"github.com/lexicraft/lexicraft-backend/internal/clients/llm"
	"github.com/lexicraft/lexicraft-backend/internal/domain"
	"github.com/lexicraft/lexicraft-backend/internal/jobs/executor"
	"github.com/lexicraft/lexicraft-backend/internal/jobs/registry"
	pkgerrors "github.com/lexicraft/lexicraft-backend/internal/pkg/errors"
	"github.com/lexicraft/lexicraft-backend/internal/pkg/logger"
)

// ---- fakes ----

type memStore struct {
	mu   sync.Mutex
	data map[string][]byte
	// snapshots keeps every value ever written under a progress: key, in
	// write order, so tests can inspect intermediate states.
	snapshots [][]byte
}

func newMemStore() *memStore { return &memStore{data: map[string][]byte{}} }

func (m *memStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memStore) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	if strings.HasPrefix(key, "progress:") {
		m.snapshots = append(m.snapshots, value)
	}
	return nil
}

func (m *memStore) SetNX(_ context.Context, key string, value []byte, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[key]; ok {
		return false, nil
	}
	m.data[key] = value
	return true, nil
}

func (m *memStore) Del(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memStore) Keys(_ context.Context, pattern string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := strings.TrimSuffix(pattern, "*")
	var out []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out, nil
}

type recordingBus struct {
	mu       sync.Mutex
	progress []float64
	results  []string
	failures []string
	// order records every publish across all channels in arrival order.
	order []string
}

func (b *recordingBus) PublishProgress(_ string, p float64, _ domain.StageID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.progress = append(b.progress, p)
	b.order = append(b.order, fmt.Sprintf("progress:%.1f", p))
}

func (b *recordingBus) PublishResult(_, url string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.results = append(b.results, url)
	b.order = append(b.order, "result")
}

func (b *recordingBus) PublishFailure(_, msg string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = append(b.failures, msg)
	b.order = append(b.order, "failure")
}

func (b *recordingBus) Close() {}

var _ bus.Publisher = (*recordingBus)(nil)

type fakeArtifacts struct {
	mu      sync.Mutex
	objects map[string][]byte
	jsonErr error
}

func newFakeArtifacts() *fakeArtifacts { return &fakeArtifacts{objects: map[string][]byte{}} }

func (f *fakeArtifacts) PutJSON(_ context.Context, _, key string, data []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.jsonErr != nil {
		return "", f.jsonErr
	}
	f.objects[key] = data
	return "https://blob/" + key, nil
}

func (f *fakeArtifacts) PutObject(_ context.Context, _, key string, data []byte, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = data
	return "https://blob/" + key, nil
}

func (f *fakeArtifacts) ResultKey(jobID string, t time.Time) string {
	return fmt.Sprintf("results/%04d/%02d/%02d/%s.json", t.Year(), t.Month(), t.Day(), jobID)
}

func (f *fakeArtifacts) ThumbnailKey(jobID, format string) string {
	return fmt.Sprintf("thumbnails/%s.%s", jobID, format)
}

type fakeNotifier struct {
	mu        sync.Mutex
	completes []string
	thumbs    []string
	blocks    []string
}

func (f *fakeNotifier) DocumentComplete(_ context.Context, jobID, _ string, _ any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completes = append(f.completes, jobID)
	return nil
}

func (f *fakeNotifier) ThumbnailComplete(_ context.Context, jobID, _, _, _ string, _, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.thumbs = append(f.thumbs, jobID)
	return nil
}

func (f *fakeNotifier) VocabularyBlock(_ string, _ int, _ int, block domain.Block) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blocks = append(f.blocks, block.ID)
}

func (f *fakeNotifier) Drain(time.Duration) {}

type fakeExtractor struct {
	pages []string
	err   error
}

func (f *fakeExtractor) PageCount(string) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	return len(f.pages), nil
}

func (f *fakeExtractor) ExtractPages(context.Context, string) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.pages, nil
}

type fakeThumbs struct {
	data []byte
	ext  string
	err  error
}

func (f *fakeThumbs) ExtractFirstPageImage(context.Context, string) ([]byte, string, error) {
	return f.data, f.ext, f.err
}

type fakeLLM struct {
	mu    sync.Mutex
	calls int
	fn    func(calls int, req llm.CompletionRequest) (string, error)
	block chan struct{} // when set, Complete blocks until ctx is done
}

func (f *fakeLLM) Complete(ctx context.Context, req llm.CompletionRequest) (string, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	if f.block != nil {
		if n == 1 {
			close(f.block)
		}
		<-ctx.Done()
		return "", ctx.Err()
	}
	return f.fn(n, req)
}

type fakeImages struct {
	fail map[string]bool
}

func (f *fakeImages) Generate(_ context.Context, prompt string) ([]byte, error) {
	if f.fail[prompt] {
		return nil, errors.New("render failed")
	}
	return []byte("img"), nil
}

func (f *fakeImages) Format() string { return "jpg" }

// ---- harness ----

type harness struct {
	store     *memStore
	reg       *registry.Registry
	bus       *recordingBus
	notifier  *fakeNotifier
	artifacts *fakeArtifacts
	deps      Deps
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st := newMemStore()
	log := logger.NewNop()
	h := &harness{
		store:     st,
		reg:       registry.New(log, st, time.Hour, time.Hour),
		bus:       &recordingBus{},
		notifier:  &fakeNotifier{},
		artifacts: newFakeArtifacts(),
	}
	h.deps = Deps{
		Log:       log,
		Registry:  h.reg,
		Bus:       h.bus,
		Notifier:  h.notifier,
		Artifacts: h.artifacts,
		Extractor: &fakeExtractor{pages: []string{"Rain falls on the land.", "Rivers carry it to the sea."}},
		Thumbs:    &fakeThumbs{data: []byte("png"), ext: "png"},
		LLM: &fakeLLM{fn: func(int, llm.CompletionRequest) (string, error) {
			return `[{"type":"TEXT","text":"Rain falls."},{"type":"PAGE_IMAGE","description":"rain"}]`, nil
		}},
		Images:     &fakeImages{},
		Policy:     executor.RetryPolicy{MaxRetries: 2, Base: time.Millisecond, Cap: 5 * time.Millisecond},
		DrainGrace: time.Second,
	}
	return h
}

func (h *harness) run(t *testing.T, opts domain.Options) (context.Context, *JobContext) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "in.pdf")
	if err := os.WriteFile(path, []byte("%PDF-1.4"), 0o644); err != nil {
		t.Fatal(err)
	}
	ctx, jc := NewJobContext(context.Background(), "J1", KindDocument, "book.pdf", path, opts)
	if err := h.reg.Reserve(ctx, jc.JobID); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	NewRunner(h.deps).Run(ctx, jc)
	return ctx, jc
}

// ---- scenarios ----

func TestRunHappyPath(t *testing.T) {
	h := newHarness(t)
	h.run(t, domain.Options{EnableImages: true})

	res, err := h.reg.ReadResult(context.Background(), "J1")
	if err != nil {
		t.Fatalf("result: %v", err)
	}
	if !strings.HasPrefix(res.ArtifactURL, "https://blob/results/") || !strings.HasSuffix(res.ArtifactURL, "/J1.json") {
		t.Fatalf("artifact url = %q", res.ArtifactURL)
	}
	if res.Metadata.TotalPages != 1 || res.Metadata.TotalBlocks != 2 {
		t.Fatalf("metadata = %+v", res.Metadata)
	}
	if len(res.Metadata.PartialFailures) != 0 {
		t.Fatalf("unexpected partial failures: %+v", res.Metadata.PartialFailures)
	}

	snap, err := h.reg.ReadProgress(context.Background(), "J1")
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if snap.Status != domain.StatusCompleted || snap.GlobalProgress != 100 {
		t.Fatalf("snapshot = %+v", snap)
	}

	if len(h.bus.results) != 1 || len(h.bus.failures) != 0 {
		t.Fatalf("bus results=%v failures=%v", h.bus.results, h.bus.failures)
	}
	for i := 1; i < len(h.bus.progress); i++ {
		if h.bus.progress[i] < h.bus.progress[i-1] {
			t.Fatalf("published progress regressed: %v", h.bus.progress)
		}
	}
	if len(h.notifier.completes) != 1 {
		t.Fatalf("document-complete callbacks = %v", h.notifier.completes)
	}

	active, err := h.reg.IsActive(context.Background(), "J1")
	if err != nil || active {
		t.Fatalf("liveness marker still present (active=%v err=%v)", active, err)
	}
}

func TestRunResultIsLastBusMessage(t *testing.T) {
	h := newHarness(t)
	h.run(t, domain.Options{})

	h.bus.mu.Lock()
	order := append([]string(nil), h.bus.order...)
	h.bus.mu.Unlock()
	if len(order) == 0 || order[len(order)-1] != "result" {
		t.Fatalf("bus order = %v, want the result last", order)
	}
	for _, msg := range order[:len(order)-1] {
		if msg == "result" || msg == "failure" {
			t.Fatalf("terminal message published before the end: %v", order)
		}
	}

	// Only the terminal snapshot may carry global progress 100.
	h.store.mu.Lock()
	snaps := append([][]byte(nil), h.store.snapshots...)
	h.store.mu.Unlock()
	for _, raw := range snaps {
		var snap domain.JobProgress
		if err := json.Unmarshal(raw, &snap); err != nil {
			t.Fatalf("decode snapshot: %v", err)
		}
		if snap.GlobalProgress >= 100 && !snap.Status.Terminal() {
			t.Fatalf("non-terminal snapshot at 100%%: %+v", snap)
		}
	}
}

func TestRunReleasesJobContextOnExit(t *testing.T) {
	h := newHarness(t)
	ctx, _ := h.run(t, domain.Options{})
	if ctx.Err() == nil {
		t.Fatal("job context still live after a completed run")
	}

	h2 := newHarness(t)
	h2.artifacts.jsonErr = errors.New("bucket unavailable")
	ctx2, _ := h2.run(t, domain.Options{})
	if ctx2.Err() == nil {
		t.Fatal("job context still live after a failed run")
	}
}

func TestRunRecoversFromTransientLLMFailure(t *testing.T) {
	h := newHarness(t)
	h.deps.LLM = &fakeLLM{fn: func(calls int, _ llm.CompletionRequest) (string, error) {
		if calls == 1 {
			return "", &overloadedErr{}
		}
		return `[{"type":"TEXT","text":"ok"}]`, nil
	}}
	h.run(t, domain.Options{})

	if _, err := h.reg.ReadResult(context.Background(), "J1"); err != nil {
		t.Fatalf("transient failure should not fail the job: %v", err)
	}
	if len(h.bus.failures) != 0 {
		t.Fatalf("failures = %v", h.bus.failures)
	}
}

func TestRunRecordsImagePartialFailure(t *testing.T) {
	h := newHarness(t)
	h.deps.LLM = &fakeLLM{fn: func(int, llm.CompletionRequest) (string, error) {
		return `[{"type":"PAGE_IMAGE","description":"good"},{"type":"PAGE_IMAGE","description":"bad"}]`, nil
	}}
	h.deps.Images = &fakeImages{fail: map[string]bool{"bad": true}}
	h.deps.Policy = executor.RetryPolicy{Base: time.Millisecond, Cap: time.Millisecond}
	h.run(t, domain.Options{EnableImages: true})

	res, err := h.reg.ReadResult(context.Background(), "J1")
	if err != nil {
		t.Fatalf("partial image failure must still complete: %v", err)
	}
	var found bool
	for _, pf := range res.Metadata.PartialFailures {
		if pf.Stage == domain.StageImageProcessing && pf.Count == 1 {
			found = true
		}
	}
	if !found {
		t.Fatalf("partial failures = %+v", res.Metadata.PartialFailures)
	}
}

func TestRunStorageFailureIsFatal(t *testing.T) {
	h := newHarness(t)
	h.artifacts.jsonErr = errors.New("bucket unavailable")
	h.run(t, domain.Options{})

	if _, err := h.reg.ReadResult(context.Background(), "J1"); !errors.Is(err, pkgerrors.ErrNotFound) {
		t.Fatalf("result must not exist, got err=%v", err)
	}
	snap, err := h.reg.ReadProgress(context.Background(), "J1")
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if snap.Status != domain.StatusFailed || snap.Error == "" {
		t.Fatalf("snapshot = %+v", snap)
	}
	if len(h.bus.failures) != 1 || len(h.bus.results) != 0 {
		t.Fatalf("bus results=%v failures=%v", h.bus.results, h.bus.failures)
	}
	if active, _ := h.reg.IsActive(context.Background(), "J1"); active {
		t.Fatal("liveness marker leaked after failure")
	}
}

func TestRunCancellationIsSilent(t *testing.T) {
	h := newHarness(t)
	started := make(chan struct{})
	h.deps.LLM = &fakeLLM{block: started}

	path := filepath.Join(t.TempDir(), "in.pdf")
	if err := os.WriteFile(path, []byte("%PDF-1.4"), 0o644); err != nil {
		t.Fatal(err)
	}
	ctx, jc := NewJobContext(context.Background(), "J1", KindDocument, "book.pdf", path, domain.Options{})
	if err := h.reg.Reserve(ctx, jc.JobID); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	done := make(chan struct{})
	go func() {
		NewRunner(h.deps).Run(ctx, jc)
		close(done)
	}()

	<-started
	jc.CancelJob()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("runner did not stop after cancel")
	}

	snap, err := h.reg.ReadProgress(context.Background(), "J1")
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if snap.Status != domain.StatusCancelled {
		t.Fatalf("status = %s", snap.Status)
	}
	if len(h.bus.results) != 0 || len(h.bus.failures) != 0 {
		t.Fatalf("cancelled job must be silent: results=%v failures=%v", h.bus.results, h.bus.failures)
	}
	if _, err := h.reg.ReadResult(context.Background(), "J1"); !errors.Is(err, pkgerrors.ErrNotFound) {
		t.Fatalf("result must not exist, got err=%v", err)
	}
	if active, _ := h.reg.IsActive(context.Background(), "J1"); active {
		t.Fatal("liveness marker leaked after cancel")
	}
}

func TestRunUnreadableInputFailsWithoutRetry(t *testing.T) {
	h := newHarness(t)
	h.deps.Extractor = &fakeExtractor{err: errors.New("bad xref table")}
	h.run(t, domain.Options{})

	snap, _ := h.reg.ReadProgress(context.Background(), "J1")
	if snap == nil || snap.Status != domain.StatusFailed {
		t.Fatalf("snapshot = %+v", snap)
	}
	if !strings.Contains(snap.Error, "input unreadable") {
		t.Fatalf("error = %q", snap.Error)
	}
}

func TestRunSchedulesBlockCallbacks(t *testing.T) {
	h := newHarness(t)
	h.deps.LLM = &fakeLLM{fn: func(_ int, req llm.CompletionRequest) (string, error) {
		if strings.Contains(req.System, "difficult") {
			return `[{"word":"photosynthesis","start_index":0,"end_index":14}]`, nil
		}
		return `[{"type":"TEXT","text":"a"},{"type":"TEXT","text":"b"},{"type":"TEXT","text":"c"}]`, nil
	}}
	h.run(t, domain.Options{EnableBlockCallbacks: true, VocabularyInterval: 3})

	h.notifier.mu.Lock()
	blocks := len(h.notifier.blocks)
	h.notifier.mu.Unlock()
	if blocks != 1 {
		t.Fatalf("block callbacks = %d, want 1 (every 3rd TEXT block)", blocks)
	}
}

func TestRunThumbnail(t *testing.T) {
	h := newHarness(t)
	path := filepath.Join(t.TempDir(), "in.pdf")
	if err := os.WriteFile(path, []byte("%PDF-1.4"), 0o644); err != nil {
		t.Fatal(err)
	}
	ctx, jc := NewJobContext(context.Background(), "T1", KindThumbnail, "book.pdf", path, domain.Options{})
	if err := h.reg.Reserve(ctx, jc.JobID); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	NewRunner(h.deps).RunThumbnail(ctx, jc)

	res, err := h.reg.ReadResult(context.Background(), "T1")
	if err != nil {
		t.Fatalf("result: %v", err)
	}
	if res.ArtifactURL != "https://blob/thumbnails/T1.png" {
		t.Fatalf("url = %q", res.ArtifactURL)
	}
	if len(h.notifier.thumbs) != 1 {
		t.Fatalf("thumbnail callbacks = %v", h.notifier.thumbs)
	}
	snap, _ := h.reg.ReadProgress(context.Background(), "T1")
	if snap == nil || snap.Status != domain.StatusCompleted || snap.GlobalProgress != 100 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if order := h.bus.order; len(order) == 0 || order[len(order)-1] != "result" {
		t.Fatalf("bus order = %v, want the result last", order)
	}
	if ctx.Err() == nil {
		t.Fatal("job context still live after the thumbnail run")
	}
}

type overloadedErr struct{}

func (*overloadedErr) Error() string       { return "overloaded" }
func (*overloadedErr) HTTPStatusCode() int { return 529 }
