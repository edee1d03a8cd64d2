package handler

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/modelforge/capture-be/internal/api/dto"
	"github.com/modelforge/capture-be/internal/jobstore"
	"github.com/modelforge/capture-be/internal/notifier"
	"github.com/modelforge/capture-be/internal/orchestrator"
	"github.com/modelforge/capture-be/internal/staging"
)

// SubmitJob handles POST /api/v1/jobs
// Accepts a multipart batch of images and starts an asynchronous
// reconstruction job
func (h *JobHandler) SubmitJob(c *gin.Context) {
	if h.maxUploadBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes)
	}

	form, err := c.MultipartForm()
	if err != nil {
		h.logger.Error("Invalid multipart request", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid multipart request",
		})
		return
	}

	headers := form.File["images"]
	if len(headers) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "At least one image is required in the 'images' field",
		})
		return
	}

	files := make([]staging.File, 0, len(headers))
	for _, header := range headers {
		f, err := header.Open()
		if err != nil {
			h.logger.Error("Failed to open uploaded file",
				slog.String("filename", header.Filename),
				slog.String("error", err.Error()),
			)
			c.JSON(http.StatusBadRequest, gin.H{
				"error": fmt.Sprintf("Failed to read uploaded file %q", header.Filename),
			})
			return
		}
		defer f.Close()
		files = append(files, staging.File{Name: header.Filename, Reader: f})
	}

	jobID, err := h.orchestrator.SubmitJob(c.Request.Context(), files)
	if err != nil {
		switch {
		case errors.Is(err, orchestrator.ErrCapabilityUnavailable):
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error": "Reconstruction is not supported on this host",
			})
		case errors.Is(err, staging.ErrStaging):
			h.logger.Error("Failed to stage job input", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to stage input files",
			})
		default:
			h.logger.Error("Failed to submit job", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to submit job",
			})
		}
		return
	}

	c.JSON(http.StatusAccepted, dto.SubmitJobResponse{
		JobID: jobID.String(),
		State: string(jobstore.StateQueued),
	})
}

// GetJob handles GET /api/v1/jobs/:job_id
// Returns a point-in-time snapshot of the job's state and progress
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID, ok := h.parseJobID(c)
	if !ok {
		return
	}

	job, err := h.orchestrator.GetJob(jobID)
	if err != nil {
		if errors.Is(err, jobstore.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Job not found",
			})
			return
		}
		h.logger.Error("Failed to get job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get job",
		})
		return
	}

	c.JSON(http.StatusOK, dto.NewJobStatusResponse(job))
}

// StreamProgress handles GET /api/v1/jobs/:job_id/progress
// Emits one text line per observed change and closes the stream when the
// job reaches a terminal state or the ID is unknown
func (h *JobHandler) StreamProgress(c *gin.Context) {
	jobID, ok := h.parseJobID(c)
	if !ok {
		return
	}

	updates := h.notifier.Watch(c.Request.Context(), jobID)

	c.Header("Content-Type", "text/plain; charset=utf-8")
	c.Header("Cache-Control", "no-cache")
	c.Status(http.StatusOK)

	c.Stream(func(w io.Writer) bool {
		update, open := <-updates
		if !open {
			return false
		}
		fmt.Fprintln(w, formatUpdate(update))
		return true
	})
}

// DownloadResult handles GET /api/v1/jobs/:job_id/result
// Streams the reconstructed artifact once the job is complete
func (h *JobHandler) DownloadResult(c *gin.Context) {
	jobID, ok := h.parseJobID(c)
	if !ok {
		return
	}

	job, err := h.orchestrator.GetJob(jobID)
	if err != nil {
		if errors.Is(err, jobstore.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Job not found",
			})
			return
		}
		h.logger.Error("Failed to get job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get job",
		})
		return
	}

	switch job.State {
	case jobstore.StateComplete:
		c.FileAttachment(job.OutputPath, filepath.Base(job.OutputPath))

	case jobstore.StateFailed:
		c.JSON(http.StatusGone, gin.H{
			"error":  "Job failed",
			"reason": job.FailureReason,
		})

	default:
		c.JSON(http.StatusConflict, gin.H{
			"error": "Job not ready",
			"state": string(job.State),
		})
	}
}

// DeleteJob handles DELETE /api/v1/jobs/:job_id
// Reclaims a terminal job: record, staged input, and artifact
func (h *JobHandler) DeleteJob(c *gin.Context) {
	jobID, ok := h.parseJobID(c)
	if !ok {
		return
	}

	if err := h.orchestrator.DeleteJob(jobID); err != nil {
		switch {
		case errors.Is(err, jobstore.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Job not found",
			})
		case errors.Is(err, jobstore.ErrInvalidTransition):
			c.JSON(http.StatusConflict, gin.H{
				"error": "Job is still running and cannot be deleted",
			})
		default:
			h.logger.Error("Failed to delete job", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to delete job",
			})
		}
		return
	}

	c.Status(http.StatusNoContent)
}

func (h *JobHandler) parseJobID(c *gin.Context) (uuid.UUID, bool) {
	raw := c.Param("job_id")

	jobID, err := uuid.Parse(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return uuid.Nil, false
	}

	return jobID, true
}

func formatUpdate(update notifier.Update) string {
	switch update.Kind {
	case notifier.UpdateComplete:
		return "Job complete"
	case notifier.UpdateFailed:
		return "Job failed"
	case notifier.UpdateUnknown:
		return "Unknown job"
	default:
		return fmt.Sprintf("%d%%", update.Percent)
	}
}
