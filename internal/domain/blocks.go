package domain

import "time"

// BlockType classifies a structural element of the output document.
type BlockType string

const (
	BlockText      BlockType = "TEXT"
	BlockHeading   BlockType = "HEADING"
	BlockList      BlockType = "LIST"
	BlockTable     BlockType = "TABLE"
	BlockPageImage BlockType = "PAGE_IMAGE"
)

// Block is one typed element produced by the transformation stage.
// PAGE_IMAGE blocks gain URL/S3Key after image processing; TEXT blocks may
// gain VocabularyItems after enrichment.
type Block struct {
	ID              string           `json:"id,omitempty"`
	Type            BlockType        `json:"type"`
	Text            string           `json:"text,omitempty"`
	Level           int              `json:"level,omitempty"`
	Items           []string         `json:"items,omitempty"`
	Rows            [][]string       `json:"rows,omitempty"`
	Description     string           `json:"description,omitempty"`
	URL             string           `json:"url,omitempty"`
	S3Key           string           `json:"s3_key,omitempty"`
	PageNumber      int              `json:"page_number,omitempty"`
	VocabularyItems []VocabularyItem `json:"vocabulary_items,omitempty"`
}

// VocabularyItem is one difficult word identified in a TEXT block.
type VocabularyItem struct {
	Word                 string `json:"word"`
	StartIndex           int    `json:"start_index"`
	EndIndex             int    `json:"end_index"`
	Definition           string `json:"definition,omitempty"`
	SimplifiedDefinition string `json:"simplified_definition,omitempty"`
	Examples             string `json:"examples,omitempty"`
	DifficultyLevel      string `json:"difficulty_level,omitempty"`
	GradeLevel           int    `json:"grade_level,omitempty"`
	Reason               string `json:"reason,omitempty"`
	PhonemeAnalysisJSON  string `json:"phoneme_analysis_json,omitempty"`
}

// Chunk is a contiguous slice of extracted text sized to a token budget.
// Chunks are the unit of transformation parallelism; their order defines
// page order in the assembled document.
type Chunk struct {
	Index      int    `json:"index"`
	Text       string `json:"text"`
	TokenCount int    `json:"token_count"`
}

// ChunkBlocks pairs a chunk with the typed blocks derived from it.
type ChunkBlocks struct {
	ChunkIndex int     `json:"chunk_index"`
	Blocks     []Block `json:"blocks"`
	Failed     bool    `json:"failed,omitempty"`
}

// Page is one page of the assembled output document.
type Page struct {
	PageNumber      int     `json:"page_number"`
	OriginalContent string  `json:"original_content"`
	Blocks          []Block `json:"blocks"`
}

// Document is the final assembled artifact uploaded to the blob store.
type Document struct {
	JobID          string         `json:"job_id"`
	Filename       string         `json:"filename"`
	Status         JobStatus      `json:"status"`
	CreatedAt      time.Time      `json:"created_at"`
	CompletedAt    time.Time      `json:"completed_at"`
	ProcessingSecs float64        `json:"processing_time_s"`
	Metadata       ResultMetadata `json:"metadata"`
	Pages          []Page         `json:"pages"`
}
