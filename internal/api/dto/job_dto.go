package dto

import "encoding/json"

type CreateJobRequest struct {
	JobType     string          `json:"job_type" binding:"required"`
	ReferenceID string          `json:"reference_id" binding:"required"`
	Input       json.RawMessage `json:"input" binding:"required"`
}

type ListJobsRequest struct {
	JobType  string `form:"job_type"`
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type LogEntryDTO struct {
	Time    string `json:"time"`
	Message string `json:"message"`
}

type JobDTO struct {
	JobID             string          `json:"job_id"`
	JobType           string          `json:"job_type"`
	ReferenceID       string          `json:"reference_id"`
	Status            string          `json:"status"`
	Progress          int             `json:"progress"`
	Input             json.RawMessage `json:"input,omitempty"`
	Output            json.RawMessage `json:"output,omitempty"`
	ErrorMessage      string          `json:"error_message,omitempty"`
	CostUnits         float64         `json:"cost_units"`
	ProgressLog       []LogEntryDTO   `json:"progress_log,omitempty"`
	ExternalRequestID string          `json:"external_request_id,omitempty"`
	ExternalStatus    string          `json:"external_status,omitempty"`
	CreatedAt         string          `json:"created_at"`
	StartedAt         string          `json:"started_at,omitempty"`
	CompletedAt       string          `json:"completed_at,omitempty"`
}
