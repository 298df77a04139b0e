package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lexicraft/lexicraft-backend/internal/domain"
	pkgerrors "github.com/lexicraft/lexicraft-backend/internal/pkg/errors"
	"github.com/lexicraft/lexicraft-backend/internal/pkg/logger"
)

type memStore struct {
	mu      sync.Mutex
	data    map[string][]byte
	setErrs int // fail this many Set calls before succeeding
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
	if m.setErrs > 0 {
		m.setErrs--
		return errors.New("kv unavailable")
	}
	m.data[key] = value
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
	prefix := pattern[:len(pattern)-1] // trailing *
	var out []string
	for k := range m.data {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			out = append(out, k)
		}
	}
	return out, nil
}

func newTestRegistry(t *testing.T) (*Registry, *memStore) {
	t.Helper()
	store := newMemStore()
	return New(logger.NewNop(), store, time.Hour, time.Hour), store
}

func TestReserveRejectsDuplicate(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	if err := r.Reserve(ctx, "J1"); err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	if err := r.Reserve(ctx, "J1"); !errors.Is(err, pkgerrors.ErrJobActive) {
		t.Fatalf("second reserve: got %v, want ErrJobActive", err)
	}
	r.Release(ctx, "J1")
	if err := r.Reserve(ctx, "J1"); err != nil {
		t.Fatalf("reserve after release: %v", err)
	}
}

func TestProgressRoundTrip(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	snap := domain.JobProgress{
		JobID:          "J1",
		Status:         domain.StatusProcessing,
		CurrentStage:   domain.StageTransformation,
		GlobalProgress: 42.5,
		StartedAt:      time.Now().UTC().Truncate(time.Second),
		UpdatedAt:      time.Now().UTC().Truncate(time.Second),
	}
	if err := r.WriteProgress(ctx, snap); err != nil {
		t.Fatalf("write progress: %v", err)
	}
	got, err := r.ReadProgress(ctx, "J1")
	if err != nil {
		t.Fatalf("read progress: %v", err)
	}
	if got.GlobalProgress != 42.5 || got.CurrentStage != domain.StageTransformation {
		t.Fatalf("snapshot mismatch: %+v", got)
	}
}

func TestProgressWriteRetriesOnce(t *testing.T) {
	r, store := newTestRegistry(t)
	ctx := context.Background()

	store.setErrs = 1
	if err := r.WriteProgress(ctx, domain.JobProgress{JobID: "J1"}); err != nil {
		t.Fatalf("write with one transient failure should succeed: %v", err)
	}

	store.setErrs = 2
	if err := r.WriteProgress(ctx, domain.JobProgress{JobID: "J2"}); err == nil {
		t.Fatal("write with two failures should surface the error")
	}
}

func TestResultWriteOnce(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	res := domain.JobResult{JobID: "J1", Filename: "a.pdf", ArtifactURL: "https://x/y.json"}
	if err := r.WriteResult(ctx, res); err != nil {
		t.Fatalf("first result write: %v", err)
	}
	if err := r.WriteResult(ctx, res); err == nil {
		t.Fatal("second result write should be rejected")
	}
	got, err := r.ReadResult(ctx, "J1")
	if err != nil {
		t.Fatalf("read result: %v", err)
	}
	if got.ArtifactURL != "https://x/y.json" {
		t.Fatalf("result mismatch: %+v", got)
	}
}

func TestReadMissingReturnsNotFound(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	if _, err := r.ReadProgress(ctx, "nope"); !errors.Is(err, pkgerrors.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
	if _, err := r.ReadResult(ctx, "nope"); !errors.Is(err, pkgerrors.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestResultFollowsJobLifecycle(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	if _, err := r.Result(ctx, "J1"); !errors.Is(err, pkgerrors.ErrNotFound) {
		t.Fatalf("unknown job: got %v, want ErrNotFound", err)
	}

	if err := r.Reserve(ctx, "J1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := r.Result(ctx, "J1"); !errors.Is(err, pkgerrors.ErrJobStillRunning) {
		t.Fatalf("live job: got %v, want ErrJobStillRunning", err)
	}

	if err := r.WriteResult(ctx, domain.JobResult{JobID: "J1", ArtifactURL: "https://x/J1.json"}); err != nil {
		t.Fatalf("write result: %v", err)
	}
	r.Release(ctx, "J1")
	got, err := r.Result(ctx, "J1")
	if err != nil {
		t.Fatalf("finished job: %v", err)
	}
	if got.ArtifactURL != "https://x/J1.json" {
		t.Fatalf("result mismatch: %+v", got)
	}
}

func TestListActive(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	for _, id := range []string{"A", "B"} {
		if err := r.Reserve(ctx, id); err != nil {
			t.Fatalf("reserve %s: %v", id, err)
		}
	}
	ids, err := r.ListActive(ctx)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("got %d active jobs, want 2", len(ids))
	}
	active, err := r.IsActive(ctx, "A")
	if err != nil || !active {
		t.Fatalf("IsActive(A) = %v, %v", active, err)
	}
}
