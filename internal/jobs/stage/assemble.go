package stage

import (
	"github.com/lexicraft/lexicraft-backend/internal/domain"
)

// Assemble builds the output pages: one page per chunk, in chunk order.
// Failed chunks produce an empty page so downstream page numbering stays
// aligned with the source.
func Assemble(chunks []domain.Chunk, chunkBlocks []domain.ChunkBlocks, report Report) []domain.Page {
	pages := make([]domain.Page, 0, len(chunkBlocks))
	for i, cb := range chunkBlocks {
		page := domain.Page{
			PageNumber: cb.ChunkIndex + 1,
			Blocks:     cb.Blocks,
		}
		if cb.ChunkIndex < len(chunks) {
			page.OriginalContent = chunks[cb.ChunkIndex].Text
		}
		if page.Blocks == nil {
			page.Blocks = []domain.Block{}
		}
		pages = append(pages, page)
		report(float64(i+1) / float64(len(chunkBlocks)) * 100)
	}
	return pages
}
