package stage

import (
	"context"
	"sync/atomic"

	"github.com/lexicraft/lexicraft-backend/internal/domain"
	"github.com/lexicraft/lexicraft-backend/internal/jobs/executor"
	"github.com/lexicraft/lexicraft-backend/internal/pkg/logger"
	"github.com/lexicraft/lexicraft-backend/internal/store"
)

// Generator renders an illustration for a prompt. Satisfied by
// imagegen.Client; tests substitute a fake.
type Generator interface {
	Generate(ctx context.Context, prompt string) ([]byte, error)
	Format() string
}

// ObjectStore uploads binary artifacts. Satisfied by store.ArtifactClient.
type ObjectStore interface {
	PutObject(ctx context.Context, jobID, key string, data []byte, contentType string) (string, error)
}

// ImageWorker fills in PAGE_IMAGE blocks: generate, upload, attach the URL.
// A failed block keeps its description and ships without a URL; only the
// failure count is recorded.
type ImageWorker struct {
	log    *logger.Logger
	gen    Generator
	blobs  ObjectStore
	policy executor.RetryPolicy
}

func NewImageWorker(log *logger.Logger, gen Generator, blobs ObjectStore, policy executor.RetryPolicy) *ImageWorker {
	return &ImageWorker{
		log:    log.With("component", "ImageWorker"),
		gen:    gen,
		blobs:  blobs,
		policy: policy,
	}
}

type imageResult struct {
	url string
	key string
}

func (w *ImageWorker) Run(ctx context.Context, jobID string, chunkBlocks []domain.ChunkBlocks, opts domain.Options, report Report) (int, error) {
	if !opts.EnableImages {
		report(100)
		return 0, nil
	}
	if w.gen == nil {
		w.log.Warn("image generation requested but no generator is configured", "job_id", jobID)
		report(100)
		return 0, nil
	}

	var refs []blockRef
	for ci := range chunkBlocks {
		for bi := range chunkBlocks[ci].Blocks {
			b := chunkBlocks[ci].Blocks[bi]
			if b.Type == domain.BlockPageImage && b.Description != "" && b.URL == "" {
				refs = append(refs, blockRef{chunk: ci, block: bi})
			}
		}
	}
	if len(refs) == 0 {
		report(100)
		return 0, nil
	}

	limit := opts.ImageMaxConcurrent
	if limit < 1 {
		limit = 2
	}

	var completed int64
	total := float64(len(refs))
	tick := func() {
		report(float64(atomic.AddInt64(&completed, 1)) / total * 100)
	}

	format := w.gen.Format()
	contentType := "image/jpeg"
	if format == "png" {
		contentType = "image/png"
	}

	results := executor.Map(ctx, limit, w.policy, refs, func(ctx context.Context, _ int, ref blockRef) (imageResult, error) {
		block := chunkBlocks[ref.chunk].Blocks[ref.block]
		data, err := w.gen.Generate(ctx, block.Description)
		if err != nil {
			return imageResult{}, err
		}
		key := store.BuildImageKey(jobID, block.ID, format)
		url, err := w.blobs.PutObject(ctx, jobID, key, data, contentType)
		if err != nil {
			return imageResult{}, err
		}
		tick()
		return imageResult{url: url, key: key}, nil
	})

	failed := 0
	for i, r := range results {
		if r.Err != nil {
			if err := ctx.Err(); err != nil {
				return failed, err
			}
			tick()
			failed++
			w.log.Warn("image generation failed",
				"block_id", chunkBlocks[refs[i].chunk].Blocks[refs[i].block].ID, "error", r.Err)
			continue
		}
		chunkBlocks[refs[i].chunk].Blocks[refs[i].block].URL = r.Value.url
		chunkBlocks[refs[i].chunk].Blocks[refs[i].block].S3Key = r.Value.key
	}

	w.log.Info("image processing complete", "generated", len(refs)-failed, "failed", failed)
	return failed, nil
}
