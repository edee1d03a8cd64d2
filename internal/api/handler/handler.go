package handler

import (
	"log/slog"

	"github.com/modelforge/capture-be/internal/notifier"
	"github.com/modelforge/capture-be/internal/orchestrator"
)

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger         *slog.Logger
	Orchestrator   *orchestrator.Orchestrator
	Notifier       *notifier.Notifier
	MaxUploadBytes int64
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger         *slog.Logger
	orchestrator   *orchestrator.Orchestrator
	notifier       *notifier.Notifier
	maxUploadBytes int64
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:         deps.Logger,
		orchestrator:   deps.Orchestrator,
		notifier:       deps.Notifier,
		maxUploadBytes: deps.MaxUploadBytes,
	}
}
