package stage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/lexicraft/lexicraft-backend/internal/domain"
	"github.com/lexicraft/lexicraft-backend/internal/pkg/logger"
)

// Extractor pulls raw text out of a PDF on disk, one string per page.
// Implemented by pdfext.Extractor; tests substitute a fake.
type Extractor interface {
	PageCount(path string) (int, error)
	ExtractPages(ctx context.Context, path string) ([]string, error)
}

// PreprocessResult is the PDF_PREPROCESSING stage output.
type PreprocessResult struct {
	PageCount int
	Chunks    []domain.Chunk
}

// Preprocessor validates the input PDF, extracts its text, and splits it into
// token-budgeted chunks.
type Preprocessor struct {
	log        *logger.Logger
	extractor  Extractor
	chunkLimit int
}

func NewPreprocessor(log *logger.Logger, extractor Extractor, chunkLimit int) *Preprocessor {
	if chunkLimit <= 0 {
		chunkLimit = 120000
	}
	return &Preprocessor{
		log:        log.With("component", "Preprocessor"),
		extractor:  extractor,
		chunkLimit: chunkLimit,
	}
}

// Run executes the stage. Unreadable input and empty extraction are permanent
// failures; the pipeline fails the job without retrying.
func (p *Preprocessor) Run(ctx context.Context, path string, opts domain.Options, report Report) (*PreprocessResult, error) {
	pageCount, err := p.extractor.PageCount(path)
	if err != nil {
		return nil, Permanent(domain.StagePDFPreprocessing, fmt.Errorf("%w: %v", ErrInputUnreadable, err))
	}
	if pageCount < 1 {
		return nil, Permanent(domain.StagePDFPreprocessing, fmt.Errorf("%w: document has no pages", ErrInputUnreadable))
	}
	report(10)

	pages, err := p.extractor.ExtractPages(ctx, path)
	if err != nil {
		return nil, Permanent(domain.StagePDFPreprocessing, fmt.Errorf("%w: %v", ErrInputUnreadable, err))
	}
	if opts.RemoveHeadersFooters {
		pages = StripRepeatedEdges(pages)
	}
	report(60)

	normalized := NormalizeText(strings.Join(pages, "\n\n"))
	paragraphs := SplitParagraphs(normalized)
	if len(paragraphs) == 0 {
		return nil, Permanent(domain.StagePDFPreprocessing, ErrEmptyExtraction)
	}
	report(80)

	chunks := ChunkParagraphs(paragraphs, p.chunkLimit)
	if len(chunks) == 0 {
		return nil, Permanent(domain.StagePDFPreprocessing, ErrEmptyExtraction)
	}
	report(100)

	p.log.Info("preprocessing complete",
		"pages", pageCount, "paragraphs", len(paragraphs), "chunks", len(chunks))
	return &PreprocessResult{PageCount: pageCount, Chunks: chunks}, nil
}

var (
	multiBreak    = regexp.MustCompile(`\n{2,}`)
	sentenceBreak = regexp.MustCompile(`([.!?"])\n([A-Z])`)
	numberBreak   = regexp.MustCompile(`([.!?"])\n(\d+\.)`)
	romanBreak    = regexp.MustCompile(`([.!?"])\n([IVX]+\.)`)
	sectionBreak  = regexp.MustCompile(`(?i)([.!?"])\n(Chapter|Section|Part|Figure|Table)`)
	excessBreaks  = regexp.MustCompile(`\n{3,}`)
)

const paraMarker = "\x00P_BREAK\x00"

// NormalizeText restores paragraph structure lost to PDF line wrapping:
// paragraph boundaries become blank lines, remaining single newlines become
// spaces.
func NormalizeText(text string) string {
	text = multiBreak.ReplaceAllString(text, paraMarker)
	text = sentenceBreak.ReplaceAllString(text, "$1"+paraMarker+"$2")
	text = numberBreak.ReplaceAllString(text, "$1"+paraMarker+"$2")
	text = romanBreak.ReplaceAllString(text, "$1"+paraMarker+"$2")
	text = sectionBreak.ReplaceAllString(text, "$1"+paraMarker+"$2")

	text = strings.ReplaceAll(text, "\n", " ")
	text = strings.ReplaceAll(text, paraMarker, "\n\n")
	text = excessBreaks.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

// StripRepeatedEdges removes running headers and footers: a first or last
// line that repeats verbatim on more than half of the pages is dropped from
// every page carrying it.
func StripRepeatedEdges(pages []string) []string {
	if len(pages) < 3 {
		return pages
	}
	firstCount := map[string]int{}
	lastCount := map[string]int{}
	for _, page := range pages {
		lines := strings.Split(strings.TrimSpace(page), "\n")
		if len(lines) == 0 {
			continue
		}
		firstCount[strings.TrimSpace(lines[0])]++
		lastCount[strings.TrimSpace(lines[len(lines)-1])]++
	}
	threshold := len(pages)/2 + 1

	out := make([]string, len(pages))
	for i, page := range pages {
		lines := strings.Split(strings.TrimSpace(page), "\n")
		if len(lines) > 1 && firstCount[strings.TrimSpace(lines[0])] >= threshold {
			lines = lines[1:]
		}
		if len(lines) > 1 && lastCount[strings.TrimSpace(lines[len(lines)-1])] >= threshold {
			lines = lines[:len(lines)-1]
		}
		out[i] = strings.Join(lines, "\n")
	}
	return out
}

// SplitParagraphs splits normalized text on blank lines, dropping empties.
func SplitParagraphs(text string) []string {
	raw := strings.Split(text, "\n\n")
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// EstimateTokens approximates the token count of s at 4 characters per token.
func EstimateTokens(s string) int {
	n := len(s) / 4
	if n < 1 && len(s) > 0 {
		n = 1
	}
	return n
}

// ChunkParagraphs greedily packs paragraphs into chunks of at most maxTokens.
// A single paragraph over the budget becomes its own oversized chunk rather
// than being split mid-sentence.
func ChunkParagraphs(paragraphs []string, maxTokens int) []domain.Chunk {
	var chunks []domain.Chunk
	var sb strings.Builder
	tokens := 0

	flush := func() {
		if sb.Len() == 0 {
			return
		}
		chunks = append(chunks, domain.Chunk{
			Index:      len(chunks),
			Text:       sb.String(),
			TokenCount: tokens,
		})
		sb.Reset()
		tokens = 0
	}

	for _, para := range paragraphs {
		pt := EstimateTokens(para)
		if sb.Len() > 0 && tokens+pt+10 > maxTokens {
			flush()
		}
		if pt > maxTokens {
			flush()
			chunks = append(chunks, domain.Chunk{
				Index:      len(chunks),
				Text:       para,
				TokenCount: pt,
			})
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
			tokens += 10
		}
		sb.WriteString(para)
		tokens += pt
	}
	flush()
	return chunks
}

// CleanupTemp removes the job's scratch file and directory. Best effort.
func CleanupTemp(log *logger.Logger, path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Warn("temp file cleanup failed", "path", path, "error", err)
	}
	dir := filepath.Dir(path)
	// Remove the per-job directory if it is now empty.
	_ = os.Remove(dir)
}
