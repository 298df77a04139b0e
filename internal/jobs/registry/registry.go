package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lexicraft/lexicraft-backend/internal/domain"
	pkgerrors "github.com/lexicraft/lexicraft-backend/internal/pkg/errors"
	"github.com/lexicraft/lexicraft-backend/internal/pkg/logger"
)

const (
	progressKeyPrefix = "progress:"
	resultKeyPrefix   = "result:"
	activeKeyPrefix   = "job:active:"
)

// Store is the slice of the KV client the registry depends on.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Del(ctx context.Context, key string) error
	Keys(ctx context.Context, pattern string) ([]string, error)
}

// Registry persists per-job status/progress/result snapshots and enforces the
// single-active-instance-per-ID invariant via a TTL'd liveness marker.
//
// Progress writes are single-writer per job (only the owning pipeline writes),
// so plain overwrites are safe; no CAS is needed.
type Registry struct {
	log         *logger.Logger
	store       Store
	snapshotTTL time.Duration
	activeTTL   time.Duration
}

func New(log *logger.Logger, store Store, snapshotTTL, activeTTL time.Duration) *Registry {
	if snapshotTTL <= 0 {
		snapshotTTL = 24 * time.Hour
	}
	if activeTTL <= 0 {
		activeTTL = 2 * time.Hour
	}
	return &Registry{
		log:         log.With("component", "JobRegistry"),
		store:       store,
		snapshotTTL: snapshotTTL,
		activeTTL:   activeTTL,
	}
}

// Reserve atomically claims job_id. Returns pkgerrors.ErrJobActive when a live
// pipeline already holds the slot.
func (r *Registry) Reserve(ctx context.Context, jobID string) error {
	ok, err := r.store.SetNX(ctx, activeKeyPrefix+jobID, []byte(time.Now().UTC().Format(time.RFC3339)), r.activeTTL)
	if err != nil {
		return fmt.Errorf("reserve %s: %w", jobID, err)
	}
	if !ok {
		return pkgerrors.ErrJobActive
	}
	return nil
}

// Release clears the liveness marker on any terminal transition.
func (r *Registry) Release(ctx context.Context, jobID string) {
	if err := r.store.Del(ctx, activeKeyPrefix+jobID); err != nil {
		r.log.Warn("release failed", "job_id", jobID, "error", err)
	}
}

// WriteProgress stores the snapshot, retrying once on I/O failure. Progress is
// advisory: persistent failure is logged, never fatal to the pipeline.
func (r *Registry) WriteProgress(ctx context.Context, snap domain.JobProgress) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal progress %s: %w", snap.JobID, err)
	}
	key := progressKeyPrefix + snap.JobID
	if err := r.store.Set(ctx, key, raw, r.snapshotTTL); err != nil {
		r.log.Warn("progress write failed, retrying once", "job_id", snap.JobID, "error", err)
		if err2 := r.store.Set(ctx, key, raw, r.snapshotTTL); err2 != nil {
			r.log.Error("progress write failed twice", "job_id", snap.JobID, "error", err2)
			return err2
		}
	}
	return nil
}

func (r *Registry) ReadProgress(ctx context.Context, jobID string) (*domain.JobProgress, error) {
	raw, ok, err := r.store.Get(ctx, progressKeyPrefix+jobID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, pkgerrors.ErrNotFound
	}
	var snap domain.JobProgress
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("decode progress %s: %w", jobID, err)
	}
	return &snap, nil
}

// WriteResult persists the result exactly once. It refuses to overwrite an
// existing result; a failure here is fatal to the pipeline.
func (r *Registry) WriteResult(ctx context.Context, res domain.JobResult) error {
	raw, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal result %s: %w", res.JobID, err)
	}
	ok, err := r.store.SetNX(ctx, resultKeyPrefix+res.JobID, raw, r.snapshotTTL)
	if err != nil {
		return fmt.Errorf("result write %s: %w", res.JobID, err)
	}
	if !ok {
		return fmt.Errorf("result for %s already written", res.JobID)
	}
	return nil
}

func (r *Registry) ReadResult(ctx context.Context, jobID string) (*domain.JobResult, error) {
	raw, ok, err := r.store.Get(ctx, resultKeyPrefix+jobID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, pkgerrors.ErrNotFound
	}
	var res domain.JobResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode result %s: %w", jobID, err)
	}
	return &res, nil
}

// Result resolves a result read against the job lifecycle: the result when
// written, pkgerrors.ErrJobStillRunning while the liveness marker is up, and
// pkgerrors.ErrNotFound otherwise.
func (r *Registry) Result(ctx context.Context, jobID string) (*domain.JobResult, error) {
	res, err := r.ReadResult(ctx, jobID)
	if err == nil {
		return res, nil
	}
	if !errors.Is(err, pkgerrors.ErrNotFound) {
		return nil, err
	}
	active, err := r.IsActive(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if active {
		return nil, pkgerrors.ErrJobStillRunning
	}
	return nil, pkgerrors.ErrNotFound
}

// IsActive reports whether the liveness marker for jobID exists.
func (r *Registry) IsActive(ctx context.Context, jobID string) (bool, error) {
	_, ok, err := r.store.Get(ctx, activeKeyPrefix+jobID)
	return ok, err
}

// ListActive returns the best-effort set of live job IDs.
func (r *Registry) ListActive(ctx context.Context) ([]string, error) {
	keys, err := r.store.Keys(ctx, activeKeyPrefix+"*")
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, strings.TrimPrefix(k, activeKeyPrefix))
	}
	return ids, nil
}
