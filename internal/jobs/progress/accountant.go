package progress

import (
	"context"
	"sync"
	"time"

	"github.com/lexicraft/lexicraft-backend/internal/bus"
	"github.com/lexicraft/lexicraft-backend/internal/domain"
	"github.com/lexicraft/lexicraft-backend/internal/jobs/registry"
	"github.com/lexicraft/lexicraft-backend/internal/jobs/stage"
	"github.com/lexicraft/lexicraft-backend/internal/pkg/logger"
)

// hysteresis suppresses snapshot writes for sub-half-point movements so a
// chatty stage cannot flood the registry and the bus.
const hysteresis = 0.5

// Accountant maps stage-local progress onto the global [0,100] scale and owns
// the job's progress snapshot. Global progress never decreases; updated_at
// strictly increases. One accountant exists per pipeline execution, so no
// locking beyond its own mutex is needed.
type Accountant struct {
	log     *logger.Logger
	reg     *registry.Registry
	pub     bus.Publisher
	weights map[domain.StageID]domain.StageBand

	mu         sync.Mutex
	jobID      string
	status     domain.JobStatus
	current    domain.StageID
	global     float64
	perStage   map[domain.StageID]float64
	startedAt  time.Time
	lastUpdate time.Time
	muted      bool
}

func NewAccountant(log *logger.Logger, reg *registry.Registry, pub bus.Publisher, jobID string, weights map[domain.StageID]domain.StageBand) *Accountant {
	if weights == nil {
		weights = domain.DefaultStageWeights
	}
	now := time.Now().UTC()
	return &Accountant{
		log:       log.With("component", "ProgressAccountant", "job_id", jobID),
		reg:       reg,
		pub:       pub,
		weights:   weights,
		jobID:     jobID,
		status:    domain.StatusPending,
		current:   domain.StageInitialization,
		perStage:  map[domain.StageID]float64{},
		startedAt: now,
	}
}

// StartStage resets stage-local progress for the new stage and flushes a
// snapshot at the stage's band start.
func (a *Accountant) StartStage(ctx context.Context, id domain.StageID) {
	a.mu.Lock()
	a.status = domain.StatusProcessing
	a.current = id
	a.perStage[id] = 0
	band := a.weights[id]
	if band.Start > a.global {
		a.global = band.Start
	}
	snap := a.snapshotLocked("")
	a.mu.Unlock()

	a.flush(ctx, snap, id)
}

// Reporter returns the stage-local report callback handed to the worker.
func (a *Accountant) Reporter(ctx context.Context, id domain.StageID) stage.Report {
	return func(local float64) {
		a.Report(ctx, id, local)
	}
}

// Report maps local progress in [0,100] into the stage band, clamped so the
// global value never moves backwards.
func (a *Accountant) Report(ctx context.Context, id domain.StageID, local float64) {
	if local < 0 {
		local = 0
	}
	if local > 100 {
		local = 100
	}

	a.mu.Lock()
	if a.muted || a.status.Terminal() {
		a.mu.Unlock()
		return
	}
	if local > a.perStage[id] {
		a.perStage[id] = local
	}
	band := a.weights[id]
	global := band.Start + (band.End-band.Start)*local/100
	if global > 100 {
		global = 100
	}
	if global <= a.global {
		a.mu.Unlock()
		return
	}
	significant := global-a.global >= hysteresis || global >= band.End
	a.global = global
	if !significant {
		a.mu.Unlock()
		return
	}
	snap := a.snapshotLocked("")
	a.mu.Unlock()

	a.flush(ctx, snap, id)
}

// Terminal records the final status. COMPLETED pins global progress at 100;
// FAILED and CANCELLED freeze it where it stopped. Further reports are muted.
func (a *Accountant) Terminal(ctx context.Context, status domain.JobStatus, errMsg string) {
	a.mu.Lock()
	a.status = status
	a.muted = true
	if status == domain.StatusCompleted {
		a.global = 100
		for _, id := range domain.Stages {
			a.perStage[id] = 100
		}
	}
	snap := a.snapshotLocked(errMsg)
	a.mu.Unlock()

	if a.reg != nil {
		if err := a.reg.WriteProgress(ctx, snap); err != nil {
			a.log.Warn("terminal snapshot write failed", "error", err)
		}
	}
	// Terminal bus signaling (result/failure) is the pipeline runner's job;
	// only COMPLETED emits the closing 100% progress tick here.
	if a.pub != nil && status == domain.StatusCompleted {
		a.pub.PublishProgress(a.jobID, 100, a.current)
	}
}

// Snapshot returns a copy of the current progress state.
func (a *Accountant) Snapshot() domain.JobProgress {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked("")
}

// Global returns the current global progress value.
func (a *Accountant) Global() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.global
}

func (a *Accountant) snapshotLocked(errMsg string) domain.JobProgress {
	now := time.Now().UTC()
	if !now.After(a.lastUpdate) {
		now = a.lastUpdate.Add(time.Microsecond)
	}
	a.lastUpdate = now

	per := make(map[domain.StageID]float64, len(a.perStage))
	for k, v := range a.perStage {
		per[k] = v
	}
	return domain.JobProgress{
		JobID:            a.jobID,
		Status:           a.status,
		CurrentStage:     a.current,
		GlobalProgress:   a.global,
		PerStageProgress: per,
		StartedAt:        a.startedAt,
		UpdatedAt:        now,
		Error:            errMsg,
	}
}

func (a *Accountant) flush(ctx context.Context, snap domain.JobProgress, id domain.StageID) {
	if a.reg != nil {
		if err := a.reg.WriteProgress(ctx, snap); err != nil {
			a.log.Warn("progress snapshot write failed", "error", err)
		}
	}
	if a.pub != nil {
		a.pub.PublishProgress(snap.JobID, snap.GlobalProgress, id)
	}
}
