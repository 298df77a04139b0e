package pipeline

import (
	"context"

	"github.com/lexicraft/lexicraft-backend/internal/domain"
)

// JobKind selects the pipeline a job runs through.
type JobKind string

const (
	KindDocument  JobKind = "document"
	KindThumbnail JobKind = "thumbnail"
)

// JobContext carries one admitted job through its pipeline. The cancel func
// belongs to the admission controller, which uses it to serve DELETE.
type JobContext struct {
	JobID    string
	Kind     JobKind
	Filename string
	Path     string
	Options  domain.Options

	cancel context.CancelFunc
}

// NewJobContext derives the job's own cancellable context from parent.
func NewJobContext(parent context.Context, jobID string, kind JobKind, filename, path string, opts domain.Options) (context.Context, *JobContext) {
	ctx, cancel := context.WithCancel(parent)
	return ctx, &JobContext{
		JobID:    jobID,
		Kind:     kind,
		Filename: filename,
		Path:     path,
		Options:  opts,
		cancel:   cancel,
	}
}

// CancelJob aborts the running pipeline. Safe to call more than once.
func (jc *JobContext) CancelJob() {
	if jc.cancel != nil {
		jc.cancel()
	}
}
