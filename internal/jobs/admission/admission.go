package admission

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/lexicraft/lexicraft-backend/internal/domain"
	"github.com/lexicraft/lexicraft-backend/internal/jobs/pipeline"
	"github.com/lexicraft/lexicraft-backend/internal/jobs/registry"
	pkgerrors "github.com/lexicraft/lexicraft-backend/internal/pkg/errors"
	"github.com/lexicraft/lexicraft-backend/internal/pkg/logger"
)

// Submission is an admission request: the uploaded PDF plus processing knobs.
type Submission struct {
	JobID    string
	Filename string
	Data     []byte
	Options  domain.Options
}

// Controller validates submissions, claims the job slot, and detaches the
// pipeline. It tracks running JobContexts so DELETE can cancel them.
type Controller struct {
	log     *logger.Logger
	reg     *registry.Registry
	runner  *pipeline.Runner
	baseCtx context.Context
	tempDir string

	mu     sync.Mutex
	active map[string]*pipeline.JobContext
}

func NewController(baseCtx context.Context, log *logger.Logger, reg *registry.Registry, runner *pipeline.Runner) *Controller {
	tempDir := filepath.Join(os.TempDir(), "lexicraft-jobs")
	_ = os.MkdirAll(tempDir, 0o755)
	return &Controller{
		log:     log.With("service", "AdmissionController"),
		reg:     reg,
		runner:  runner,
		baseCtx: baseCtx,
		tempDir: tempDir,
		active:  map[string]*pipeline.JobContext{},
	}
}

// Submit admits a document job and detaches its pipeline. Returns the job ID
// (minted when absent). A live duplicate ID yields pkgerrors.ErrJobActive.
func (c *Controller) Submit(ctx context.Context, sub Submission) (string, error) {
	return c.admit(ctx, sub, pipeline.KindDocument)
}

// SubmitThumbnail admits a thumbnail job.
func (c *Controller) SubmitThumbnail(ctx context.Context, sub Submission) (string, error) {
	return c.admit(ctx, sub, pipeline.KindThumbnail)
}

func (c *Controller) admit(ctx context.Context, sub Submission, kind pipeline.JobKind) (string, error) {
	if len(sub.Data) == 0 {
		return "", fmt.Errorf("%w: empty file", pkgerrors.ErrInvalidArgument)
	}
	if !strings.EqualFold(filepath.Ext(sub.Filename), ".pdf") {
		return "", fmt.Errorf("%w: only .pdf input is accepted", pkgerrors.ErrInvalidArgument)
	}

	jobID := strings.TrimSpace(sub.JobID)
	if jobID == "" {
		jobID = uuid.NewString()
	}
	if !domain.ValidJobID(jobID) {
		return "", fmt.Errorf("%w: malformed job id", pkgerrors.ErrInvalidArgument)
	}

	if err := c.reg.Reserve(ctx, jobID); err != nil {
		return "", err
	}

	path, err := c.spool(jobID, sub.Data)
	if err != nil {
		c.reg.Release(ctx, jobID)
		return "", err
	}

	// The pipeline outlives the HTTP request: derive from the controller's
	// base context, not the request context.
	jobCtx, jc := pipeline.NewJobContext(c.baseCtx, jobID, kind, sub.Filename, path, sub.Options)

	c.mu.Lock()
	c.active[jobID] = jc
	c.mu.Unlock()

	go func() {
		defer func() {
			c.mu.Lock()
			delete(c.active, jobID)
			c.mu.Unlock()
		}()
		switch kind {
		case pipeline.KindThumbnail:
			c.runner.RunThumbnail(jobCtx, jc)
		default:
			c.runner.Run(jobCtx, jc)
		}
	}()

	c.log.Info("job admitted", "job_id", jobID, "kind", kind, "filename", sub.Filename, "bytes", len(sub.Data))
	return jobID, nil
}

// Cancel aborts a running job owned by this process. Jobs not found here
// (finished, or never admitted) return ErrNotFound.
func (c *Controller) Cancel(jobID string) error {
	c.mu.Lock()
	jc, ok := c.active[jobID]
	c.mu.Unlock()
	if !ok {
		return pkgerrors.ErrNotFound
	}
	jc.CancelJob()
	c.log.Info("job cancel requested", "job_id", jobID)
	return nil
}

// ListActive returns live job IDs from the registry (cluster view), not just
// this process.
func (c *Controller) ListActive(ctx context.Context) ([]string, error) {
	return c.reg.ListActive(ctx)
}

// Running reports whether this process owns a live pipeline for jobID.
func (c *Controller) Running(jobID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.active[jobID]
	return ok
}

func (c *Controller) spool(jobID string, data []byte) (string, error) {
	dir := filepath.Join(c.tempDir, jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("spool dir: %w", err)
	}
	path := filepath.Join(dir, "input.pdf")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("spool input: %w", err)
	}
	return path, nil
}
