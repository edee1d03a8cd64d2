package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/modelforge/capture-be/internal/jobstore"
	"github.com/modelforge/capture-be/shared/rabbitmq"
)

// LifecycleEvent is the wire format published for each job transition.
type LifecycleEvent struct {
	JobID         string    `json:"job_id"`
	State         string    `json:"state"`
	Progress      int       `json:"progress"`
	FailureReason string    `json:"failure_reason,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// Publisher fans job lifecycle transitions out to a RabbitMQ exchange so
// external consumers can follow jobs without polling the HTTP API.
// Publishing is best-effort; a broker outage never affects the job.
type Publisher struct {
	client *rabbitmq.Client
	logger *slog.Logger
}

// NewPublisher creates a publisher over an established broker connection.
func NewPublisher(client *rabbitmq.Client, logger *slog.Logger) *Publisher {
	return &Publisher{client: client, logger: logger}
}

// JobTransitioned implements orchestrator.Sink.
func (p *Publisher) JobTransitioned(ctx context.Context, job jobstore.Job) {
	event := LifecycleEvent{
		JobID:         job.ID.String(),
		State:         string(job.State),
		Progress:      job.Progress,
		FailureReason: job.FailureReason,
		OccurredAt:    job.UpdatedAt,
	}

	body, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("Failed to encode lifecycle event",
			slog.String("job_id", event.JobID),
			slog.Any("error", err),
		)
		return
	}

	if err := p.client.PublishWithRetry(ctx, body, "application/json"); err != nil {
		p.logger.Error("Failed to publish lifecycle event",
			slog.String("job_id", event.JobID),
			slog.String("state", event.State),
			slog.Any("error", err),
		)
	}
}
