package stage

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/lexicraft/lexicraft-backend/internal/clients/llm"
	"github.com/lexicraft/lexicraft-backend/internal/domain"
	"github.com/lexicraft/lexicraft-backend/internal/jobs/executor"
	"github.com/lexicraft/lexicraft-backend/internal/pkg/logger"
)

// Completer is the LLM call surface the transform and enrichment workers
// depend on. Satisfied by llm.Client; tests substitute a fake.
type Completer interface {
	Complete(ctx context.Context, req llm.CompletionRequest) (string, error)
}

// BlockHook observes each block as soon as its chunk is transformed, before
// assembly. Used to schedule per-block vocabulary callbacks.
type BlockHook func(pageNumber int, block domain.Block)

// TransformResult is the TRANSFORMATION stage output.
type TransformResult struct {
	ChunkBlocks  []domain.ChunkBlocks
	TotalBlocks  int
	FailedChunks int
}

// Transformer converts text chunks into typed blocks through the LLM, with
// bounded parallelism and per-chunk retry. Individual chunk failures are
// tolerated and marked; only a fully failed batch fails the stage.
type Transformer struct {
	log    *logger.Logger
	llm    Completer
	policy executor.RetryPolicy
}

func NewTransformer(log *logger.Logger, completer Completer, policy executor.RetryPolicy) *Transformer {
	return &Transformer{
		log:    log.With("component", "Transformer"),
		llm:    completer,
		policy: policy,
	}
}

func (t *Transformer) Run(ctx context.Context, chunks []domain.Chunk, opts domain.Options, hook BlockHook, report Report) (*TransformResult, error) {
	if len(chunks) == 0 {
		return nil, Permanent(domain.StageTransformation, fmt.Errorf("no chunks to transform"))
	}

	limit := opts.MaxConcurrent
	if limit < 1 {
		limit = 3
	}

	var completed int64
	total := float64(len(chunks))
	tick := func() {
		report(float64(atomic.AddInt64(&completed, 1)) / total * 100)
	}

	results := executor.Map(ctx, limit, t.policy, chunks, func(ctx context.Context, _ int, chunk domain.Chunk) ([]domain.Block, error) {
		text, err := t.llm.Complete(ctx, llm.CompletionRequest{
			System:    blockSystemPrompt(opts),
			Prompt:    chunk.Text,
			Model:     opts.ModelName,
			MaxTokens: opts.MaxTokens,
		})
		if err != nil {
			return nil, err
		}
		blocks, err := ParseBlocks(text)
		if err != nil {
			blocks = SalvageBlocks(text)
		}
		if len(blocks) == 0 {
			return nil, fmt.Errorf("chunk %d produced no parseable blocks", chunk.Index)
		}
		tick()
		return blocks, nil
	})

	out := make([]domain.ChunkBlocks, len(chunks))
	totalBlocks := 0
	failed := 0
	for i, r := range results {
		if r.Err != nil {
			// Cancellation check first: a cancelled job must not tick again.
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			tick()
			t.log.Warn("chunk transformation failed", "chunk", chunks[i].Index, "error", r.Err)
			out[i] = domain.ChunkBlocks{ChunkIndex: chunks[i].Index, Failed: true}
			failed++
			continue
		}

		pageNumber := chunks[i].Index + 1
		blocks := r.Value
		for j := range blocks {
			if blocks[j].ID == "" {
				blocks[j].ID = uuid.NewString()
			}
			blocks[j].PageNumber = pageNumber
			if hook != nil {
				hook(pageNumber, blocks[j])
			}
		}
		out[i] = domain.ChunkBlocks{ChunkIndex: chunks[i].Index, Blocks: blocks}
		totalBlocks += len(blocks)
	}

	if failed == len(chunks) {
		return nil, Permanent(domain.StageTransformation, fmt.Errorf("all %d chunks failed", len(chunks)))
	}

	t.log.Info("transformation complete",
		"chunks", len(chunks), "blocks", totalBlocks, "failed_chunks", failed)
	return &TransformResult{ChunkBlocks: out, TotalBlocks: totalBlocks, FailedChunks: failed}, nil
}

// blockSystemPrompt instructs the model to emit the typed block array the
// parser expects.
func blockSystemPrompt(opts domain.Options) string {
	imageInterval := opts.ImageInterval
	if imageInterval < 1 {
		imageInterval = 5
	}
	wordLimit := opts.WordLimit
	if wordLimit < 1 {
		wordLimit = 30
	}

	var sb strings.Builder
	sb.WriteString("You convert textbook passages into a JSON array of blocks for dyslexic readers.\n")
	sb.WriteString("Respond with JSON only, no prose and no code fences.\n\n")
	sb.WriteString("Block shapes:\n")
	sb.WriteString(`- {"type":"TEXT","text":...} short sentences, at most `)
	fmt.Fprintf(&sb, "%d words each\n", wordLimit)
	sb.WriteString(`- {"type":"HEADING","text":...,"level":1|2|3}` + "\n")
	sb.WriteString(`- {"type":"LIST","items":[...]}` + "\n")
	sb.WriteString(`- {"type":"TABLE","rows":[[...],[...]]}` + "\n")
	sb.WriteString(`- {"type":"PAGE_IMAGE","description":...} an illustration prompt for the surrounding passage` + "\n\n")
	fmt.Fprintf(&sb, "Insert one PAGE_IMAGE block after every %d TEXT blocks.\n", imageInterval)
	sb.WriteString("Preserve the source order of ideas. Simplify vocabulary and sentence structure without dropping facts.")
	return sb.String()
}
