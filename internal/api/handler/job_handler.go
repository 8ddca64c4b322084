package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/duropiri/novai-sub001/internal/api/dto"
	"github.com/duropiri/novai-sub001/internal/job"
)

// CreateJob handles POST /api/v1/jobs
// Creates a job and enqueues it for asynchronous processing.
func (h *JobHandler) CreateJob(c *gin.Context) {
	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.Any("error", err))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	jobType, ok := job.ParseType(req.JobType)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "unknown job_type: " + req.JobType,
		})
		return
	}

	created, err := h.jobs.CreateJob(c.Request.Context(), jobType, req.ReferenceID, req.Input)
	if err != nil {
		if errors.Is(err, job.ErrInvalidPayload) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error("Failed to create job", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to create job",
		})
		return
	}

	c.JSON(http.StatusAccepted, toJobDTO(created))
}

// GetJob handles GET /api/v1/jobs/:job_id
// Retrieves detailed information about a specific job
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID := c.Param("job_id")

	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	j, err := h.jobs.GetJob(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, job.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		h.logger.Error("Failed to get job",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get job",
		})
		return
	}

	c.JSON(http.StatusOK, toJobDTO(j))
}

// ListJobs handles GET /api/v1/jobs
// Lists jobs with optional filtering and cursor pagination
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
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

	var jobType job.Type
	if req.JobType != "" {
		t, ok := job.ParseType(req.JobType)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "unknown job_type: " + req.JobType,
			})
			return
		}
		jobType = t
	}

	var statuses []job.Status
	if req.Status != "" {
		for _, s := range strings.Split(req.Status, ",") {
			statuses = append(statuses, job.Status(strings.TrimSpace(s)))
		}
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	// Fetch one extra row to learn whether another page exists.
	jobs, err := h.jobs.ListJobs(c.Request.Context(), job.Filter{
		Type:     jobType,
		Statuses: statuses,
		Limit:    req.PageSize + 1,
		Cursor:   cursor,
	})
	if err != nil {
		h.logger.Error("Failed to list jobs", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list jobs",
		})
		return
	}

	hasMore := len(jobs) > req.PageSize
	if hasMore {
		jobs = jobs[:req.PageSize]
	}

	resp := dto.ListJobsResponse{Jobs: make([]dto.JobDTO, len(jobs))}
	for i := range jobs {
		resp.Jobs[i] = toJobDTO(&jobs[i])
	}

	if hasMore {
		last := jobs[len(jobs)-1]
		resp.NextCursor = EncodeJobCursor(&job.Cursor{
			CreatedAt: last.CreatedAt,
			JobID:     last.ID,
		})
	}

	c.JSON(http.StatusOK, resp)
}

// CancelJob handles POST /api/v1/jobs/:job_id/cancel
// Cancels a job that has not reached a terminal state.
func (h *JobHandler) CancelJob(c *gin.Context) {
	jobID := c.Param("job_id")

	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	j, err := h.jobs.CancelJob(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, job.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}

		var stateErr *job.InvalidStateError
		if errors.As(err, &stateErr) {
			c.JSON(http.StatusConflict, gin.H{
				"error": stateErr.Error(),
			})
			return
		}

		h.logger.Error("Failed to cancel job",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to cancel job",
		})
		return
	}

	h.logger.Info("Job cancelled via API",
		slog.String("job_id", jobID),
	)

	c.JSON(http.StatusOK, toJobDTO(j))
}
