package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/lexicraft/lexicraft-backend/internal/domain"
	"github.com/lexicraft/lexicraft-backend/internal/jobs/admission"
	pkgerrors "github.com/lexicraft/lexicraft-backend/internal/pkg/errors"
	"github.com/lexicraft/lexicraft-backend/internal/pkg/logger"
)

// JobSubmitter is the slice of the admission controller the HTTP layer uses.
type JobSubmitter interface {
	Submit(ctx context.Context, sub admission.Submission) (string, error)
	SubmitThumbnail(ctx context.Context, sub admission.Submission) (string, error)
	Cancel(jobID string) error
	ListActive(ctx context.Context) ([]string, error)
}

// JobReader is the slice of the job registry the HTTP layer reads from.
type JobReader interface {
	ReadProgress(ctx context.Context, jobID string) (*domain.JobProgress, error)
	Result(ctx context.Context, jobID string) (*domain.JobResult, error)
}

type ProcessHandler struct {
	log  *logger.Logger
	jobs JobSubmitter
	reg  JobReader
}

func NewProcessHandler(log *logger.Logger, jobs JobSubmitter, reg JobReader) *ProcessHandler {
	return &ProcessHandler{
		log:  log.With("handler", "ProcessHandler"),
		jobs: jobs,
		reg:  reg,
	}
}

// POST /process/async
// Multipart: file (required), job_id (required), plus optional processing knobs.
func (h *ProcessHandler) ProcessAsync(c *gin.Context) {
	jobID := strings.TrimSpace(c.PostForm("job_id"))
	if jobID == "" {
		RespondError(c, http.StatusBadRequest, "missing_job_id", fmt.Errorf("job_id form field is required"))
		return
	}

	filename, data, err := readUpload(c)
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_file", err)
		return
	}

	id, err := h.jobs.Submit(c.Request.Context(), admission.Submission{
		JobID:    jobID,
		Filename: filename,
		Data:     data,
		Options:  parseOptions(c),
	})
	if err != nil {
		respondSubmitError(c, h.log, jobID, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"success": true,
		"job_id":  id,
		"message": "PDF processing started",
		"status":  string(domain.StatusProcessing),
	})
}

// GET /process/status/:job_id
func (h *ProcessHandler) Status(c *gin.Context) {
	jobID := c.Param("job_id")
	snap, err := h.reg.ReadProgress(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, pkgerrors.ErrNotFound) {
			RespondError(c, http.StatusNotFound, "job_not_found", fmt.Errorf("no job with id %s", jobID))
			return
		}
		RespondError(c, http.StatusInternalServerError, "status_read_failed", err)
		return
	}

	payload := gin.H{
		"job_id":   snap.JobID,
		"status":   string(snap.Status),
		"progress": snap.GlobalProgress,
	}
	if snap.Error != "" {
		payload["error"] = snap.Error
	}
	RespondOK(c, payload)
}

// GET /result/:job_id
// 200 with the result once written; 202 while the job is live; 400 when the
// job reached a failed terminal state; 404 otherwise.
func (h *ProcessHandler) Result(c *gin.Context) {
	ctx := c.Request.Context()
	jobID := c.Param("job_id")

	res, err := h.reg.Result(ctx, jobID)
	switch {
	case err == nil:
		RespondOK(c, res)
		return
	case errors.Is(err, pkgerrors.ErrJobStillRunning):
		c.JSON(http.StatusAccepted, gin.H{
			"job_id":  jobID,
			"status":  string(domain.StatusProcessing),
			"message": "job is still processing",
		})
		return
	case !errors.Is(err, pkgerrors.ErrNotFound):
		RespondError(c, http.StatusInternalServerError, "result_read_failed", err)
		return
	}

	if snap, perr := h.reg.ReadProgress(ctx, jobID); perr == nil {
		switch snap.Status {
		case domain.StatusFailed:
			RespondError(c, http.StatusBadRequest, "job_failed", fmt.Errorf("job %s failed: %s", jobID, snap.Error))
			return
		case domain.StatusCancelled:
			RespondError(c, http.StatusBadRequest, "job_cancelled", fmt.Errorf("job %s was cancelled", jobID))
			return
		}
	}

	RespondError(c, http.StatusNotFound, "job_not_found", fmt.Errorf("no result for job %s", jobID))
}

func respondSubmitError(c *gin.Context, log *logger.Logger, jobID string, err error) {
	switch {
	case errors.Is(err, pkgerrors.ErrJobActive):
		RespondError(c, http.StatusConflict, "job_active", fmt.Errorf("%s is already processing", jobID))
	case errors.Is(err, pkgerrors.ErrInvalidArgument):
		RespondError(c, http.StatusBadRequest, "invalid_input", err)
	default:
		log.Error("submit failed", "job_id", jobID, "error", err)
		RespondError(c, http.StatusInternalServerError, "submit_failed", err)
	}
}

// readUpload pulls the multipart "file" part into memory. Uploads are bounded
// by the router's multipart memory limit.
func readUpload(c *gin.Context) (string, []byte, error) {
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		return "", nil, fmt.Errorf("file form field is required")
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return "", nil, fmt.Errorf("read upload: %w", err)
	}
	return header.Filename, data, nil
}

// parseOptions maps optional form fields onto processing knobs. Absent fields
// keep their zero value so downstream defaults apply.
func parseOptions(c *gin.Context) domain.Options {
	return domain.Options{
		TextbookID:           formInt64(c, "textbook_id"),
		ModelName:            strings.TrimSpace(c.PostForm("model_name")),
		MaxTokens:            formInt(c, "max_tokens"),
		MaxConcurrent:        formInt(c, "max_concurrent"),
		ImageMaxConcurrent:   formInt(c, "image_max_concurrent"),
		ImageInterval:        formInt(c, "image_interval"),
		WordLimit:            formInt(c, "word_limit"),
		EnableImages:         formBool(c, "enable_images"),
		EnableEnrichment:     formBool(c, "enable_enrichment"),
		EnrichMaxConcurrent:  formInt(c, "enrich_max_concurrent"),
		RemoveHeadersFooters: formBool(c, "remove_headers_footers"),
		EnableBlockCallbacks: formBool(c, "enable_block_callbacks"),
		VocabularyInterval:   formInt(c, "vocabulary_interval"),
	}
}

func formInt(c *gin.Context, name string) int {
	v, err := strconv.Atoi(strings.TrimSpace(c.PostForm(name)))
	if err != nil {
		return 0
	}
	return v
}

func formInt64(c *gin.Context, name string) int64 {
	v, err := strconv.ParseInt(strings.TrimSpace(c.PostForm(name)), 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func formBool(c *gin.Context, name string) bool {
	switch strings.ToLower(strings.TrimSpace(c.PostForm(name))) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
