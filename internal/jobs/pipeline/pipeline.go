package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lexicraft/lexicraft-backend/internal/bus"
	"github.com/lexicraft/lexicraft-backend/internal/domain"
	"github.com/lexicraft/lexicraft-backend/internal/jobs/executor"
	"github.com/lexicraft/lexicraft-backend/internal/jobs/progress"
	"github.com/lexicraft/lexicraft-backend/internal/jobs/registry"
	"github.com/lexicraft/lexicraft-backend/internal/jobs/stage"
	"github.com/lexicraft/lexicraft-backend/internal/pkg/logger"
)

// Notifier is the callback surface the runner needs. Satisfied by
// notify.Notifier.
type Notifier interface {
	DocumentComplete(ctx context.Context, jobID, pdfName string, data any) error
	ThumbnailComplete(ctx context.Context, jobID, pdfName, thumbnailURL, s3Key string, width, height int) error
	VocabularyBlock(jobID string, textbookID int, pageNumber int, block domain.Block)
	Drain(grace time.Duration)
}

// ArtifactStore is the blob upload surface. Satisfied by store.ArtifactClient.
type ArtifactStore interface {
	PutJSON(ctx context.Context, jobID, key string, data []byte) (string, error)
	PutObject(ctx context.Context, jobID, key string, data []byte, contentType string) (string, error)
	ResultKey(jobID string, t time.Time) string
	ThumbnailKey(jobID, format string) string
}

// ThumbnailExtractor yields the first-page image for thumbnail jobs.
// Satisfied by pdfext.Extractor.
type ThumbnailExtractor interface {
	ExtractFirstPageImage(ctx context.Context, path string) ([]byte, string, error)
}

// Deps aggregates everything a pipeline execution touches.
type Deps struct {
	Log       *logger.Logger
	Registry  *registry.Registry
	Bus       bus.Publisher
	Notifier  Notifier
	Artifacts ArtifactStore
	Extractor stage.Extractor
	Thumbs    ThumbnailExtractor
	LLM       stage.Completer
	Images    stage.Generator

	Policy     executor.RetryPolicy
	ChunkLimit int
	DrainGrace time.Duration
}

// Runner executes one job's stages in order and owns its terminal transition.
type Runner struct {
	deps Deps
	log  *logger.Logger
}

func NewRunner(deps Deps) *Runner {
	if deps.DrainGrace <= 0 {
		deps.DrainGrace = 30 * time.Second
	}
	return &Runner{deps: deps, log: deps.Log.With("component", "PipelineRunner")}
}

// Run drives the document pipeline to a terminal state. It never returns an
// error: every outcome is recorded through the registry, the bus, and the
// terminal bookkeeping here.
func (r *Runner) Run(ctx context.Context, jc *JobContext) {
	log := r.log.With("job_id", jc.JobID)
	start := time.Now().UTC()

	acct := progress.NewAccountant(r.deps.Log, r.deps.Registry, r.deps.Bus, jc.JobID, nil)

	// Cancel on exit: detaches the job context from the process base context
	// and stops any straggling block-hook work once the job is terminal.
	defer jc.CancelJob()
	// Release last: the slot must not free up while the job's scratch files
	// still exist, or a same-ID resubmission could race the cleanup.
	defer r.deps.Registry.Release(context.Background(), jc.JobID)
	defer stage.CleanupTemp(log, jc.Path)

	// INITIALIZATION
	acct.StartStage(ctx, domain.StageInitialization)
	if !domain.ValidJobID(jc.JobID) || jc.Filename == "" || jc.Path == "" {
		r.fail(ctx, acct, jc, fmt.Errorf("invalid job context"))
		return
	}
	acct.Report(ctx, domain.StageInitialization, 100)

	// PDF_PREPROCESSING
	acct.StartStage(ctx, domain.StagePDFPreprocessing)
	pre := stage.NewPreprocessor(r.deps.Log, r.deps.Extractor, r.deps.ChunkLimit)
	preRes, err := pre.Run(ctx, jc.Path, jc.Options, acct.Reporter(ctx, domain.StagePDFPreprocessing))
	if err != nil {
		r.fail(ctx, acct, jc, err)
		return
	}

	// Block-level vocabulary callbacks ride alongside transformation.
	hookGroup, hook := r.blockHook(ctx, jc)

	// TRANSFORMATION
	acct.StartStage(ctx, domain.StageTransformation)
	tr := stage.NewTransformer(r.deps.Log, r.deps.LLM, r.deps.Policy)
	trRes, err := tr.Run(ctx, preRes.Chunks, jc.Options, hook, acct.Reporter(ctx, domain.StageTransformation))
	if err != nil {
		r.fail(ctx, acct, jc, err)
		return
	}

	// IMAGE_PROCESSING
	acct.StartStage(ctx, domain.StageImageProcessing)
	iw := stage.NewImageWorker(r.deps.Log, r.deps.Images, r.deps.Artifacts, r.deps.Policy)
	imageFailed, err := iw.Run(ctx, jc.JobID, trRes.ChunkBlocks, jc.Options, acct.Reporter(ctx, domain.StageImageProcessing))
	if err != nil {
		r.fail(ctx, acct, jc, err)
		return
	}

	// ENRICHMENT
	acct.StartStage(ctx, domain.StageEnrichment)
	enr := stage.NewEnricher(r.deps.Log, r.deps.LLM, r.deps.Policy)
	enrichFailed, err := enr.Run(ctx, trRes.ChunkBlocks, jc.Options, acct.Reporter(ctx, domain.StageEnrichment))
	if err != nil {
		r.fail(ctx, acct, jc, err)
		return
	}

	// FINAL_ASSEMBLY
	acct.StartStage(ctx, domain.StageFinalAssembly)
	pages := stage.Assemble(preRes.Chunks, trRes.ChunkBlocks, acct.Reporter(ctx, domain.StageFinalAssembly))

	completedAt := time.Now().UTC()
	doc := domain.Document{
		JobID:          jc.JobID,
		Filename:       jc.Filename,
		Status:         domain.StatusCompleted,
		CreatedAt:      start,
		CompletedAt:    completedAt,
		ProcessingSecs: completedAt.Sub(start).Seconds(),
		Metadata: domain.ResultMetadata{
			TotalChunks: len(preRes.Chunks),
			TotalBlocks: trRes.TotalBlocks,
			TotalPages:  len(pages),
			Model:       jc.Options.ModelName,
			PartialFailures: partialFailures(
				domain.PartialFailure{Stage: domain.StageTransformation, Count: trRes.FailedChunks},
				domain.PartialFailure{Stage: domain.StageImageProcessing, Count: imageFailed},
				domain.PartialFailure{Stage: domain.StageEnrichment, Count: enrichFailed},
			),
		},
		Pages: pages,
	}

	// STORAGE
	acct.StartStage(ctx, domain.StageStorage)
	raw, err := json.Marshal(doc)
	if err != nil {
		r.fail(ctx, acct, jc, stage.Storage(domain.StageStorage, err))
		return
	}
	key := r.deps.Artifacts.ResultKey(jc.JobID, completedAt)
	url, err := r.deps.Artifacts.PutJSON(ctx, jc.JobID, key, raw)
	if err != nil {
		r.fail(ctx, acct, jc, stage.Storage(domain.StageStorage, err))
		return
	}
	acct.Report(ctx, domain.StageStorage, 50)

	result := domain.JobResult{
		JobID:          jc.JobID,
		Filename:       jc.Filename,
		CreatedAt:      start,
		CompletedAt:    completedAt,
		ProcessingSecs: doc.ProcessingSecs,
		ArtifactURL:    url,
		Metadata:       doc.Metadata,
	}
	if err := r.deps.Registry.WriteResult(ctx, result); err != nil {
		r.fail(ctx, acct, jc, stage.Storage(domain.StageStorage, err))
		return
	}
	acct.Report(ctx, domain.StageStorage, 100)

	// NOTIFICATION
	acct.StartStage(ctx, domain.StageNotification)
	if hookGroup != nil {
		_ = hookGroup.Wait()
	}
	if r.deps.Notifier != nil {
		r.deps.Notifier.Drain(r.deps.DrainGrace)
		if err := r.deps.Notifier.DocumentComplete(ctx, jc.JobID, jc.Filename, doc); err != nil {
			log.Warn("document-complete callback undelivered", "error", err)
		}
	}

	// Terminal bookkeeping before the result message: the result must be the
	// last thing this job puts on the bus, and the only snapshot carrying
	// global progress 100 is the terminal one.
	acct.Terminal(context.Background(), domain.StatusCompleted, "")
	r.deps.Bus.PublishResult(jc.JobID, url)
	log.Info("job completed",
		"pages", len(pages), "blocks", trRes.TotalBlocks,
		"processing_s", doc.ProcessingSecs)
}

// fail records the terminal FAILED or CANCELLED state. Cancelled jobs are
// silent on the bus.
func (r *Runner) fail(ctx context.Context, acct *progress.Accountant, jc *JobContext, err error) {
	// Terminal writes use a fresh context: the job context may be the very
	// thing that was cancelled.
	bg := context.Background()

	if errors.Is(err, context.Canceled) || ctx.Err() == context.Canceled {
		acct.Terminal(bg, domain.StatusCancelled, "")
		r.log.Info("job cancelled", "job_id", jc.JobID)
		return
	}

	msg := err.Error()
	acct.Terminal(bg, domain.StatusFailed, msg)
	r.deps.Bus.PublishFailure(jc.JobID, msg)
	r.log.Error("job failed", "job_id", jc.JobID, "error", err)
}

// blockHook builds the per-block callback hook: every Nth TEXT block gets a
// background vocabulary analysis whose result is posted immediately, without
// waiting for the enrichment stage.
func (r *Runner) blockHook(ctx context.Context, jc *JobContext) (*errgroup.Group, stage.BlockHook) {
	if !jc.Options.EnableBlockCallbacks || r.deps.Notifier == nil {
		return nil, nil
	}
	interval := int64(jc.Options.VocabularyInterval)
	if interval < 1 {
		interval = 3
	}
	enr := stage.NewEnricher(r.deps.Log, r.deps.LLM, r.deps.Policy)
	textbookID := int(jc.Options.TextbookID)

	g := &errgroup.Group{}
	g.SetLimit(4)
	var textSeen int64

	hook := func(pageNumber int, block domain.Block) {
		if block.Type != domain.BlockText {
			return
		}
		if atomic.AddInt64(&textSeen, 1)%interval != 0 {
			return
		}
		g.Go(func() error {
			items, err := enr.AnalyzeText(ctx, block.Text, jc.Options)
			if err != nil || len(items) == 0 {
				return nil
			}
			block.VocabularyItems = items
			r.deps.Notifier.VocabularyBlock(jc.JobID, textbookID, pageNumber, block)
			return nil
		})
	}
	return g, hook
}

func partialFailures(candidates ...domain.PartialFailure) []domain.PartialFailure {
	var out []domain.PartialFailure
	for _, pf := range candidates {
		if pf.Count > 0 {
			out = append(out, pf)
		}
	}
	return out
}

// thumbnailWeights maps the short thumbnail pipeline onto the progress scale.
var thumbnailWeights = map[domain.StageID]domain.StageBand{
	domain.StageInitialization:   {0, 5},
	domain.StagePDFPreprocessing: {5, 60},
	domain.StageStorage:          {60, 90},
	domain.StageNotification:     {90, 100},
}

// RunThumbnail drives the two-stage thumbnail pipeline: extract the first
// page image, upload it, notify.
func (r *Runner) RunThumbnail(ctx context.Context, jc *JobContext) {
	log := r.log.With("job_id", jc.JobID)
	start := time.Now().UTC()

	acct := progress.NewAccountant(r.deps.Log, r.deps.Registry, r.deps.Bus, jc.JobID, thumbnailWeights)

	defer jc.CancelJob()
	defer r.deps.Registry.Release(context.Background(), jc.JobID)
	defer stage.CleanupTemp(log, jc.Path)

	acct.StartStage(ctx, domain.StageInitialization)
	acct.Report(ctx, domain.StageInitialization, 100)

	acct.StartStage(ctx, domain.StagePDFPreprocessing)
	data, format, err := r.deps.Thumbs.ExtractFirstPageImage(ctx, jc.Path)
	if err != nil {
		r.fail(ctx, acct, jc, stage.Permanent(domain.StagePDFPreprocessing,
			fmt.Errorf("%w: %v", stage.ErrInputUnreadable, err)))
		return
	}
	width, height := imageDims(data)
	acct.Report(ctx, domain.StagePDFPreprocessing, 100)

	acct.StartStage(ctx, domain.StageStorage)
	key := r.deps.Artifacts.ThumbnailKey(jc.JobID, format)
	contentType := "image/png"
	if format == "jpg" || format == "jpeg" {
		contentType = "image/jpeg"
	}
	url, err := r.deps.Artifacts.PutObject(ctx, jc.JobID, key, data, contentType)
	if err != nil {
		r.fail(ctx, acct, jc, stage.Storage(domain.StageStorage, err))
		return
	}

	completedAt := time.Now().UTC()
	result := domain.JobResult{
		JobID:          jc.JobID,
		Filename:       jc.Filename,
		CreatedAt:      start,
		CompletedAt:    completedAt,
		ProcessingSecs: completedAt.Sub(start).Seconds(),
		ArtifactURL:    url,
	}
	if err := r.deps.Registry.WriteResult(ctx, result); err != nil {
		r.fail(ctx, acct, jc, stage.Storage(domain.StageStorage, err))
		return
	}
	acct.Report(ctx, domain.StageStorage, 100)

	acct.StartStage(ctx, domain.StageNotification)
	if r.deps.Notifier != nil {
		if err := r.deps.Notifier.ThumbnailComplete(ctx, jc.JobID, jc.Filename, url, key, width, height); err != nil {
			log.Warn("thumbnail callback undelivered", "error", err)
		}
	}

	acct.Terminal(context.Background(), domain.StatusCompleted, "")
	r.deps.Bus.PublishResult(jc.JobID, url)
	log.Info("thumbnail job completed", "key", key)
}

func imageDims(data []byte) (int, int) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0
	}
	return cfg.Width, cfg.Height
}
