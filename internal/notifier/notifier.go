package notifier

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/modelforge/capture-be/internal/jobstore"
)

// UpdateKind discriminates progress notifications.
type UpdateKind int

const (
	// UpdateProgress reports a changed progress percentage.
	UpdateProgress UpdateKind = iota
	// UpdateComplete is the final notification of a successful job.
	UpdateComplete
	// UpdateFailed is the final notification of a failed job.
	UpdateFailed
	// UpdateUnknown terminates a watch on an ID the store does not know.
	UpdateUnknown
)

// Update is one notification delivered to an observer.
type Update struct {
	Kind    UpdateKind
	Percent int
}

// Notifier lets any number of observers follow a job's progress by
// polling the store on their behalf. Only the store is polled, never the
// engine.
type Notifier struct {
	store    *jobstore.Store
	interval time.Duration
	logger   *slog.Logger
}

// New creates a notifier polling at the given interval. Non-positive
// intervals fall back to one second.
func New(store *jobstore.Store, interval time.Duration, logger *slog.Logger) *Notifier {
	if interval <= 0 {
		interval = time.Second
	}
	return &Notifier{store: store, interval: interval, logger: logger}
}

// Watch starts an observation session for one job. The returned channel
// emits an update whenever observable state changed since the last poll
// and is closed exactly once, after the terminal or unknown-job update,
// or when ctx is cancelled. The first poll happens immediately.
func (n *Notifier) Watch(ctx context.Context, id uuid.UUID) <-chan Update {
	updates := make(chan Update)

	go func() {
		defer close(updates)

		ticker := time.NewTicker(n.interval)
		defer ticker.Stop()

		lastPercent := -1
		progressSeen := false

		for {
			job, err := n.store.Get(id)
			if err != nil {
				if !errors.Is(err, jobstore.ErrNotFound) {
					n.logger.Error("Progress poll failed",
						slog.String("job_id", id.String()),
						slog.Any("error", err),
					)
				}
				send(ctx, updates, Update{Kind: UpdateUnknown})
				return
			}

			switch job.State {
			case jobstore.StateComplete:
				send(ctx, updates, Update{Kind: UpdateComplete, Percent: job.Progress})
				return

			case jobstore.StateFailed:
				send(ctx, updates, Update{Kind: UpdateFailed, Percent: job.Progress})
				return

			case jobstore.StateProcessing:
				// Emit only on change; a quiet poll is not news.
				if !progressSeen || job.Progress != lastPercent {
					progressSeen = true
					lastPercent = job.Progress
					if !send(ctx, updates, Update{Kind: UpdateProgress, Percent: job.Progress}) {
						return
					}
				}
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	return updates
}

// send delivers one update unless the observer is gone.
func send(ctx context.Context, ch chan<- Update, u Update) bool {
	select {
	case ch <- u:
		return true
	case <-ctx.Done():
		return false
	}
}
