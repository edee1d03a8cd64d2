package dto

import (
	"time"

	"github.com/modelforge/capture-be/internal/jobstore"
)

type SubmitJobResponse struct {
	JobID string `json:"job_id"`
	State string `json:"state"`
}

type JobStatusResponse struct {
	JobID         string `json:"job_id"`
	State         string `json:"state"`
	Progress      *int   `json:"progress,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
	CreatedAt     string `json:"created_at"`
	UpdatedAt     string `json:"updated_at"`
}

// NewJobStatusResponse maps a job snapshot to its API representation.
// Progress is only reported for states where it is meaningful.
func NewJobStatusResponse(job jobstore.Job) JobStatusResponse {
	resp := JobStatusResponse{
		JobID:         job.ID.String(),
		State:         string(job.State),
		FailureReason: job.FailureReason,
		CreatedAt:     job.CreatedAt.Format(time.RFC3339),
		UpdatedAt:     job.UpdatedAt.Format(time.RFC3339),
	}

	if job.State == jobstore.StateProcessing || job.State == jobstore.StateComplete {
		progress := job.Progress
		resp.Progress = &progress
	}

	return resp
}
