package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/duropiri/novai-sub001/internal/api/dto"
	"github.com/duropiri/novai-sub001/internal/job"
)

// JobService is the slice of the job lifecycle manager the API exposes.
type JobService interface {
	CreateJob(ctx context.Context, t job.Type, referenceID string, input json.RawMessage) (*job.Job, error)
	GetJob(ctx context.Context, id string) (*job.Job, error)
	ListJobs(ctx context.Context, filter job.Filter) ([]job.Job, error)
	CancelJob(ctx context.Context, id string) (*job.Job, error)
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger *slog.Logger
	Jobs   JobService
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger *slog.Logger
	jobs   JobService
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger: deps.Logger,
		jobs:   deps.Jobs,
	}
}

func toJobDTO(j *job.Job) dto.JobDTO {
	out := dto.JobDTO{
		JobID:             j.ID,
		JobType:           string(j.Type),
		ReferenceID:       j.ReferenceID,
		Status:            string(j.Status),
		Progress:          j.Progress,
		Input:             j.InputPayload,
		Output:            j.OutputPayload,
		ErrorMessage:      j.ErrorMessage,
		CostUnits:         j.CostUnits,
		ExternalRequestID: j.ExternalRequestID,
		ExternalStatus:    j.ExternalStatus,
		CreatedAt:         j.CreatedAt.Format(time.RFC3339),
	}

	if j.StartedAt != nil {
		out.StartedAt = j.StartedAt.Format(time.RFC3339)
	}
	if j.CompletedAt != nil {
		out.CompletedAt = j.CompletedAt.Format(time.RFC3339)
	}

	for _, entry := range j.ProgressLog {
		out.ProgressLog = append(out.ProgressLog, dto.LogEntryDTO{
			Time:    entry.Time.Format(time.RFC3339),
			Message: entry.Message,
		})
	}

	return out
}
