package handlers

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/lexicraft/lexicraft-backend/internal/domain"
	"github.com/lexicraft/lexicraft-backend/internal/jobs/admission"
	"github.com/lexicraft/lexicraft-backend/internal/pkg/logger"
)

type ThumbnailHandler struct {
	log  *logger.Logger
	jobs JobSubmitter
}

func NewThumbnailHandler(log *logger.Logger, jobs JobSubmitter) *ThumbnailHandler {
	return &ThumbnailHandler{
		log:  log.With("handler", "ThumbnailHandler"),
		jobs: jobs,
	}
}

// POST /thumbnail
// Same admission path as document jobs, thumbnail pipeline.
func (h *ThumbnailHandler) GenerateThumbnail(c *gin.Context) {
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

	id, err := h.jobs.SubmitThumbnail(c.Request.Context(), admission.Submission{
		JobID:    jobID,
		Filename: filename,
		Data:     data,
	})
	if err != nil {
		respondSubmitError(c, h.log, jobID, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"success": true,
		"job_id":  id,
		"message": "thumbnail generation started",
		"status":  string(domain.StatusProcessing),
	})
}
