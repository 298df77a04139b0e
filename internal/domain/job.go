package domain

import (
	"fmt"
	"regexp"
	"time"
)

// JobStatus is the externally visible lifecycle state of a job.
type JobStatus string

const (
	StatusPending    JobStatus = "PENDING"
	StatusProcessing JobStatus = "PROCESSING"
	StatusCompleted  JobStatus = "COMPLETED"
	StatusFailed     JobStatus = "FAILED"
	StatusCancelled  JobStatus = "CANCELLED"
)

func (s JobStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// StageID identifies one ordered phase of the document pipeline.
type StageID string

const (
	StageInitialization   StageID = "INITIALIZATION"
	StagePDFPreprocessing StageID = "PDF_PREPROCESSING"
	StageTransformation   StageID = "TRANSFORMATION"
	StageImageProcessing  StageID = "IMAGE_PROCESSING"
	StageEnrichment       StageID = "ENRICHMENT"
	StageFinalAssembly    StageID = "FINAL_ASSEMBLY"
	StageStorage          StageID = "STORAGE"
	StageNotification     StageID = "NOTIFICATION"
)

// Stages lists every stage in execution order.
var Stages = []StageID{
	StageInitialization,
	StagePDFPreprocessing,
	StageTransformation,
	StageImageProcessing,
	StageEnrichment,
	StageFinalAssembly,
	StageStorage,
	StageNotification,
}

// StageBand is the [Start, End] slice of the global progress range owned by a
// stage. Bands are contiguous and together cover [0,100].
type StageBand struct {
	Start float64
	End   float64
}

// DefaultStageWeights maps each stage to its global progress band.
var DefaultStageWeights = map[StageID]StageBand{
	StageInitialization:   {0, 5},
	StagePDFPreprocessing: {5, 25},
	StageTransformation:   {25, 60},
	StageImageProcessing:  {60, 80},
	StageEnrichment:       {80, 90},
	StageFinalAssembly:    {90, 95},
	StageStorage:          {95, 99},
	StageNotification:     {99, 100},
}

// ValidateStageWeights checks contiguity and full coverage of [0,100].
func ValidateStageWeights(w map[StageID]StageBand) error {
	prev := 0.0
	for _, id := range Stages {
		band, ok := w[id]
		if !ok {
			return fmt.Errorf("stage %s has no weight band", id)
		}
		if band.Start != prev {
			return fmt.Errorf("stage %s starts at %.1f, want %.1f", id, band.Start, prev)
		}
		if band.End < band.Start {
			return fmt.Errorf("stage %s band is inverted", id)
		}
		prev = band.End
	}
	if prev != 100 {
		return fmt.Errorf("stage bands cover [0,%.1f], want [0,100]", prev)
	}
	return nil
}

// JobProgress is the persisted progress snapshot for one job.
type JobProgress struct {
	JobID            string              `json:"job_id"`
	Status           JobStatus           `json:"status"`
	CurrentStage     StageID             `json:"current_stage"`
	GlobalProgress   float64             `json:"global_progress"`
	PerStageProgress map[StageID]float64 `json:"per_stage_progress,omitempty"`
	StartedAt        time.Time           `json:"started_at"`
	UpdatedAt        time.Time           `json:"updated_at"`
	Error            string              `json:"error,omitempty"`
}

// JobResult is written exactly once, on the successful terminal transition.
type JobResult struct {
	JobID          string         `json:"job_id"`
	Filename       string         `json:"filename"`
	CreatedAt      time.Time      `json:"created_at"`
	CompletedAt    time.Time      `json:"completed_at"`
	ProcessingSecs float64        `json:"processing_time_s"`
	ArtifactURL    string         `json:"artifact_url"`
	Metadata       ResultMetadata `json:"metadata"`
}

// PartialFailure records tolerated per-stage work-item failures.
type PartialFailure struct {
	Stage StageID `json:"stage"`
	Count int     `json:"count"`
}

type ResultMetadata struct {
	TotalChunks     int              `json:"total_chunks"`
	TotalBlocks     int              `json:"total_blocks"`
	TotalPages      int              `json:"total_pages"`
	Model           string           `json:"model,omitempty"`
	PartialFailures []PartialFailure `json:"partial_failures,omitempty"`
}

// Options are the per-job processing knobs carried in the JobContext.
type Options struct {
	TextbookID           int64  `json:"textbook_id,omitempty"`
	ModelName            string `json:"model_name,omitempty"`
	MaxTokens            int    `json:"max_tokens,omitempty"`
	MaxConcurrent        int    `json:"max_concurrent,omitempty"`
	ImageMaxConcurrent   int    `json:"image_max_concurrent,omitempty"`
	ImageInterval        int    `json:"image_interval,omitempty"`
	WordLimit            int    `json:"word_limit,omitempty"`
	EnableImages         bool   `json:"enable_images,omitempty"`
	EnableEnrichment     bool   `json:"enable_enrichment,omitempty"`
	EnrichMaxConcurrent  int    `json:"enrich_max_concurrent,omitempty"`
	RemoveHeadersFooters bool   `json:"remove_headers_footers,omitempty"`
	EnableBlockCallbacks bool   `json:"enable_block_callbacks,omitempty"`
	VocabularyInterval   int    `json:"vocabulary_interval,omitempty"`
}

var jobIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,127}$`)

// ValidJobID reports whether id is syntactically acceptable as a job ID.
func ValidJobID(id string) bool {
	return jobIDPattern.MatchString(id)
}
