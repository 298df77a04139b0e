package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/lexicraft/lexicraft-backend/internal/clients/llm"
	"github.com/lexicraft/lexicraft-backend/internal/domain"
	"github.com/lexicraft/lexicraft-backend/internal/jobs/executor"
	"github.com/lexicraft/lexicraft-backend/internal/pkg/logger"
)

// Enricher adds vocabulary analysis (difficult-word definitions, phoneme
// breakdowns) to TEXT blocks. Per-block failures are tolerated; the block
// simply ships without items.
type Enricher struct {
	log    *logger.Logger
	llm    Completer
	policy executor.RetryPolicy
}

func NewEnricher(log *logger.Logger, completer Completer, policy executor.RetryPolicy) *Enricher {
	return &Enricher{
		log:    log.With("component", "Enricher"),
		llm:    completer,
		policy: policy,
	}
}

// blockRef addresses one block inside the chunk-blocks slice.
type blockRef struct {
	chunk int
	block int
}

// Run enriches every TEXT block in place and returns the count of blocks
// whose analysis failed. A disabled or empty stage reports straight to 100.
func (e *Enricher) Run(ctx context.Context, chunkBlocks []domain.ChunkBlocks, opts domain.Options, report Report) (int, error) {
	if !opts.EnableEnrichment {
		report(100)
		return 0, nil
	}

	interval := opts.VocabularyInterval
	if interval < 1 {
		interval = 3
	}

	var refs []blockRef
	textSeen := 0
	for ci := range chunkBlocks {
		for bi := range chunkBlocks[ci].Blocks {
			if chunkBlocks[ci].Blocks[bi].Type != domain.BlockText {
				continue
			}
			textSeen++
			if textSeen%interval == 0 {
				refs = append(refs, blockRef{chunk: ci, block: bi})
			}
		}
	}
	if len(refs) == 0 {
		report(100)
		return 0, nil
	}

	limit := opts.EnrichMaxConcurrent
	if limit < 1 {
		limit = 2
	}

	var completed int64
	total := float64(len(refs))
	tick := func() {
		report(float64(atomic.AddInt64(&completed, 1)) / total * 100)
	}

	results := executor.Map(ctx, limit, e.policy, refs, func(ctx context.Context, _ int, ref blockRef) ([]domain.VocabularyItem, error) {
		items, err := e.AnalyzeText(ctx, chunkBlocks[ref.chunk].Blocks[ref.block].Text, opts)
		if err != nil {
			return nil, err
		}
		tick()
		return items, nil
	})

	failed := 0
	for i, r := range results {
		if r.Err != nil {
			if err := ctx.Err(); err != nil {
				return failed, err
			}
			tick()
			failed++
			e.log.Warn("vocabulary analysis failed",
				"block_id", chunkBlocks[refs[i].chunk].Blocks[refs[i].block].ID, "error", r.Err)
			continue
		}
		chunkBlocks[refs[i].chunk].Blocks[refs[i].block].VocabularyItems = r.Value
	}

	e.log.Info("enrichment complete", "analyzed", len(refs)-failed, "failed", failed)
	return failed, nil
}

// AnalyzeText runs vocabulary analysis over one sentence or passage. Also
// serves the synchronous vocabulary endpoint and block-level callbacks.
func (e *Enricher) AnalyzeText(ctx context.Context, text string, opts domain.Options) ([]domain.VocabularyItem, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	out, err := e.llm.Complete(ctx, llm.CompletionRequest{
		System:    vocabularySystemPrompt(),
		Prompt:    text,
		Model:     opts.ModelName,
		MaxTokens: opts.MaxTokens,
	})
	if err != nil {
		return nil, err
	}
	items, err := parseVocabularyItems(out)
	if err != nil {
		return nil, fmt.Errorf("parse vocabulary items: %w", err)
	}
	return items, nil
}

func parseVocabularyItems(text string) ([]domain.VocabularyItem, error) {
	cleaned := stripFences(text)
	var items []domain.VocabularyItem
	if err := json.Unmarshal([]byte(cleaned), &items); err == nil {
		return items, nil
	}
	if m := arrayPattern.FindString(cleaned); m != "" {
		if err := json.Unmarshal([]byte(m), &items); err == nil {
			return items, nil
		}
	}
	return nil, fmt.Errorf("response is not a vocabulary item array")
}

func vocabularySystemPrompt() string {
	return strings.TrimSpace(`
You identify words that are difficult for dyslexic readers in the given passage.
Respond with a JSON array only, no prose and no code fences. Each element:
{"word":...,"start_index":...,"end_index":...,"definition":...,
 "simplified_definition":...,"examples":...,"difficulty_level":"easy|medium|hard",
 "grade_level":...,"reason":...,"phoneme_analysis_json":...}
Indexes are byte offsets of the word within the passage. phoneme_analysis_json
is a JSON string with the syllable and phoneme breakdown of the word.
Return [] when no word qualifies.`)
}
