package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/WkdSunny/docfleet/internal/api/dto"
	"github.com/WkdSunny/docfleet/internal/queue"
	"github.com/WkdSunny/docfleet/internal/storage"
)

// waitPollInterval is how often WaitJob re-reads the job state
const waitPollInterval = 500 * time.Millisecond

// CreateJob handles POST /api/v1/jobs
// Enqueues a new background job and returns its handle immediately.
func (h *JobHandler) CreateJob(c *gin.Context) {
	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	job := &queue.Job{
		ID:      uuid.New().String(),
		Type:    req.JobType,
		Payload: req.Payload,
	}

	if err := h.queue.Enqueue(c.Request.Context(), job); err != nil {
		h.logger.Error("Failed to enqueue job", slog.String("error", err.Error()))
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "Failed to enqueue job",
		})
		return
	}

	h.logger.Info("Job enqueued",
		slog.String("job_id", job.ID),
		slog.String("job_type", job.Type),
	)

	c.JSON(http.StatusAccepted, dto.JobResponseFrom(job))
}

// GetJob handles GET /api/v1/jobs/:job_id
// Returns the job's current status and, when terminal, its result.
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	job, err := h.queue.Lookup(c.Request.Context(), jobID)
	if err != nil {
		h.renderQueueError(c, jobID, err)
		return
	}

	c.JSON(http.StatusOK, dto.JobResponseFrom(job))
}

// WaitJob handles GET /api/v1/jobs/:job_id/wait
// Polls the job until it reaches a terminal state or the timeout expires.
func (h *JobHandler) WaitJob(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	timeout := h.maxWaitTimeout
	if raw := c.Query("timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "timeout must be a positive duration",
			})
			return
		}
		if d < timeout {
			timeout = d
		}
	}

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(waitPollInterval)
	defer ticker.Stop()

	for {
		job, err := h.queue.Lookup(c.Request.Context(), jobID)
		if err != nil {
			h.renderQueueError(c, jobID, err)
			return
		}

		if queue.IsTerminal(job.Status) {
			c.JSON(http.StatusOK, dto.JobResponseFrom(job))
			return
		}

		if time.Now().After(deadline) {
			c.JSON(http.StatusRequestTimeout, gin.H{
				"error":  "job did not finish within the wait timeout",
				"job_id": jobID,
				"status": job.Status,
			})
			return
		}

		select {
		case <-c.Request.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

// CancelJob handles POST /api/v1/jobs/:job_id/cancel
// Removes a PENDING job from the queue. RUNNING jobs cannot be canceled.
func (h *JobHandler) CancelJob(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	err := h.queue.Cancel(c.Request.Context(), jobID)
	switch {
	case err == nil:
		h.logger.Info("Job canceled", slog.String("job_id", jobID))
		c.JSON(http.StatusOK, gin.H{
			"job_id": jobID,
			"status": queue.StatusCanceled,
		})
	case errors.Is(err, queue.ErrNotCancelable):
		c.JSON(http.StatusConflict, gin.H{
			"error": "only PENDING jobs can be canceled",
		})
	default:
		h.renderQueueError(c, jobID, err)
	}
}

// DeleteJob handles DELETE /api/v1/jobs/:job_id
// Removes a terminal job from the broker and the archive.
func (h *JobHandler) DeleteJob(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	err := h.queue.Delete(c.Request.Context(), jobID)
	switch {
	case err == nil:
	case errors.Is(err, queue.ErrNotTerminal):
		c.JSON(http.StatusConflict, gin.H{
			"error": "only finished jobs can be deleted",
		})
		return
	case errors.Is(err, queue.ErrJobNotFound) && h.archive != nil:
		// Expired from the broker but possibly still archived.
	default:
		h.renderQueueError(c, jobID, err)
		return
	}

	if h.archive != nil {
		if err := h.archive.DeleteJob(c.Request.Context(), jobID); err != nil {
			h.logger.Error("Failed to delete archived job",
				slog.String("job_id", jobID),
				slog.String("error", err.Error()),
			)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to delete job",
			})
			return
		}
	}

	h.logger.Info("Job deleted", slog.String("job_id", jobID))
	c.Status(http.StatusNoContent)
}

// ListJobs handles GET /api/v1/jobs
// Lists archived jobs with filtering and cursor pagination.
func (h *JobHandler) ListJobs(c *gin.Context) {
	if h.archive == nil {
		c.JSON(http.StatusNotImplemented, gin.H{
			"error": "job archive is disabled",
		})
		return
	}

	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = 20
	}
	if req.PageSize > 100 {
		req.PageSize = 100
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		h.logger.Error("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	filter := storage.JobFilter{
		JobType:  req.JobType,
		Status:   req.Status,
		PageSize: req.PageSize,
		Cursor:   cursor,
	}

	jobs, err := h.archive.ListJobs(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to list jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list jobs",
		})
		return
	}

	hasMore := len(jobs) > req.PageSize
	if hasMore {
		jobs = jobs[:req.PageSize]
	}

	jobResponse := make([]dto.JobResponse, len(jobs))
	for i, job := range jobs {
		jobResponse[i] = dto.JobResponse{
			JobID:     job.JobID,
			JobType:   job.JobType,
			Status:    job.Status,
			Result:    job.Result,
			Error:     job.Error,
			CreatedAt: job.CreatedAt.Format(time.RFC3339),
			UpdatedAt: job.UpdatedAt.Format(time.RFC3339),
		}
	}

	var nextCursor string
	if hasMore {
		lastJob := jobs[len(jobs)-1]
		nextCursor, err = EncodeJobCursor(&storage.JobCursor{
			CreatedAt: lastJob.CreatedAt,
			JobID:     lastJob.JobID,
		})
		if err != nil {
			h.logger.Error("Failed to encode next cursor", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to encode next cursor",
			})
			return
		}
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{
		Jobs:       jobResponse,
		NextCursor: nextCursor,
	})
}

// jobID extracts and validates the job_id path parameter
func (h *JobHandler) jobID(c *gin.Context) (string, bool) {
	jobID := c.Param("job_id")
	if jobID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id is required",
		})
		return "", false
	}

	if _, err := uuid.Parse(jobID); err != nil {
		h.logger.Error("Invalid job_id format",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return "", false
	}

	return jobID, true
}

// renderQueueError maps queue errors onto HTTP status codes
func (h *JobHandler) renderQueueError(c *gin.Context, jobID string, err error) {
	if errors.Is(err, queue.ErrJobNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":  "job not found",
			"job_id": jobID,
		})
		return
	}

	h.logger.Error("Queue operation failed",
		slog.String("job_id", jobID),
		slog.String("error", err.Error()),
	)
	c.JSON(http.StatusServiceUnavailable, gin.H{
		"error": "queue unavailable",
	})
}
