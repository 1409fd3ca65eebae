package dto

import (
	"encoding/json"
	"time"

	"github.com/WkdSunny/docfleet/internal/queue"
)

type CreateJobRequest struct {
	JobType string          `json:"job_type" binding:"required"`
	Payload json.RawMessage `json:"payload" binding:"required"`
}

type JobResponse struct {
	JobID     string          `json:"job_id"`
	JobType   string          `json:"job_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Status    string          `json:"status"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	CreatedAt string          `json:"created_at"`
	UpdatedAt string          `json:"updated_at"`
}

// JobResponseFrom maps a queue job onto the API shape
func JobResponseFrom(job *queue.Job) JobResponse {
	return JobResponse{
		JobID:     job.ID,
		JobType:   job.Type,
		Payload:   job.Payload,
		Status:    job.Status,
		Result:    job.Result,
		Error:     job.Error,
		CreatedAt: job.CreatedAt.Format(time.RFC3339),
		UpdatedAt: job.UpdatedAt.Format(time.RFC3339),
	}
}

type ListJobsRequest struct {
	JobType  string `form:"job_type"`
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobResponse `json:"jobs"`
	NextCursor string        `json:"next_cursor,omitempty"`
}
