package pdfext

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/lexicraft/lexicraft-backend/internal/pkg/logger"
)

// Extractor reads PDFs with pdfcpu. Page text is obtained by extracting
// per-page content into a scratch directory and reading it back, since pdfcpu
// has no direct text API.
type Extractor struct {
	log     *logger.Logger
	tempDir string
	conf    *model.Configuration
}

func NewExtractor(log *logger.Logger) *Extractor {
	tempDir := filepath.Join(os.TempDir(), "lexicraft-pdf")
	_ = os.MkdirAll(tempDir, 0o755)
	return &Extractor{
		log:     log.With("service", "PDFExtractor"),
		tempDir: tempDir,
		conf:    model.NewDefaultConfiguration(),
	}
}

// PageCount opens the document and returns its page count. A document pdfcpu
// cannot parse is unreadable input.
func (e *Extractor) PageCount(path string) (int, error) {
	pdfCtx, err := api.ReadContextFile(path)
	if err != nil {
		return 0, fmt.Errorf("read pdf context: %w", err)
	}
	if pdfCtx.Encrypt != nil {
		return 0, fmt.Errorf("document is encrypted")
	}
	return pdfCtx.PageCount, nil
}

// ExtractPages returns the text content of each page in order. Pages whose
// content cannot be read come back as empty strings rather than failing the
// whole document.
func (e *Extractor) ExtractPages(ctx context.Context, path string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pdfCtx, err := api.ReadContextFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pdf context: %w", err)
	}
	pageCount := pdfCtx.PageCount

	outDir, err := os.MkdirTemp(e.tempDir, "pages_")
	if err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(outDir)

	if err := api.ExtractContentFile(path, outDir, nil, e.conf); err != nil {
		return nil, fmt.Errorf("extract pdf content: %w", err)
	}

	pageTexts := make(map[int]string)
	entries, _ := os.ReadDir(outDir)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(outDir, entry.Name()))
		if err != nil {
			continue
		}
		var pageNum int
		if _, err := fmt.Sscanf(entry.Name(), "Content_page_%d", &pageNum); err != nil {
			if _, err := fmt.Sscanf(entry.Name(), "page_%d", &pageNum); err != nil {
				continue
			}
		}
		pageTexts[pageNum] = string(data)
	}

	pages := make([]string, 0, pageCount)
	for pageNum := 1; pageNum <= pageCount; pageNum++ {
		pages = append(pages, pageTexts[pageNum])
	}
	return pages, nil
}

// ExtractFirstPageImage pulls the first embedded image off page one, for
// thumbnail jobs. Returns the image bytes and its file extension.
func (e *Extractor) ExtractFirstPageImage(ctx context.Context, path string) ([]byte, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	outDir, err := os.MkdirTemp(e.tempDir, "thumb_")
	if err != nil {
		return nil, "", fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(outDir)

	if err := api.ExtractImagesFile(path, outDir, []string{"1"}, e.conf); err != nil {
		return nil, "", fmt.Errorf("extract page images: %w", err)
	}

	entries, err := os.ReadDir(outDir)
	if err != nil {
		return nil, "", err
	}
	var best string
	var bestSize int64
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.Size() > bestSize {
			best = entry.Name()
			bestSize = info.Size()
		}
	}
	if best == "" {
		return nil, "", fmt.Errorf("page 1 has no extractable image")
	}
	data, err := os.ReadFile(filepath.Join(outDir, best))
	if err != nil {
		return nil, "", err
	}
	ext := filepath.Ext(best)
	if ext != "" {
		ext = ext[1:]
	} else {
		ext = "png"
	}
	return data, ext, nil
}
