package handlers

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	pkgerrors "github.com/lexicraft/lexicraft-backend/internal/pkg/errors"
	"github.com/lexicraft/lexicraft-backend/internal/pkg/logger"
)

type JobsHandler struct {
	log  *logger.Logger
	jobs JobSubmitter
}

func NewJobsHandler(log *logger.Logger, jobs JobSubmitter) *JobsHandler {
	return &JobsHandler{
		log:  log.With("handler", "JobsHandler"),
		jobs: jobs,
	}
}

// GET /jobs
func (h *JobsHandler) ListJobs(c *gin.Context) {
	ids, err := h.jobs.ListActive(c.Request.Context())
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "list_failed", err)
		return
	}
	RespondOK(c, gin.H{"jobs": ids, "count": len(ids)})
}

// DELETE /jobs/:job_id
func (h *JobsHandler) CancelJob(c *gin.Context) {
	jobID := c.Param("job_id")
	if err := h.jobs.Cancel(jobID); err != nil {
		if errors.Is(err, pkgerrors.ErrNotFound) {
			RespondError(c, http.StatusNotFound, "job_not_found", fmt.Errorf("no running job with id %s", jobID))
			return
		}
		RespondError(c, http.StatusInternalServerError, "cancel_failed", err)
		return
	}
	RespondOK(c, gin.H{
		"success": true,
		"job_id":  jobID,
		"message": "cancellation requested",
	})
}
