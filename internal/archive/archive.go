package archive

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"

	"github.com/modelforge/capture-be/internal/jobstore"
)

// Archive records terminal job outcomes in Postgres so they survive a
// process restart. The in-memory store stays the source of truth for
// live jobs; the archive is a write-behind observer used for post-mortem
// diagnostics only.
type Archive struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// New creates an archive over an established database connection.
func New(db *sqlx.DB, logger *slog.Logger) *Archive {
	return &Archive{db: db, logger: logger}
}

// EnsureSchema creates the archive table if it does not exist yet.
func (a *Archive) EnsureSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS job_archive (
			job_id         UUID PRIMARY KEY,
			state          TEXT NOT NULL,
			progress       INT NOT NULL,
			output_path    TEXT NOT NULL DEFAULT '',
			failure_reason TEXT NOT NULL DEFAULT '',
			created_at     TIMESTAMPTZ NOT NULL,
			finished_at    TIMESTAMPTZ NOT NULL
		)
	`

	if _, err := a.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to ensure archive schema: %w", err)
	}
	return nil
}

// JobTransitioned implements orchestrator.Sink. Non-terminal transitions
// are ignored; terminal ones are upserted best-effort.
func (a *Archive) JobTransitioned(ctx context.Context, job jobstore.Job) {
	if !job.State.IsTerminal() {
		return
	}

	query := `
		INSERT INTO job_archive (
			job_id, state, progress, output_path, failure_reason, created_at, finished_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (job_id) DO UPDATE SET
			state          = EXCLUDED.state,
			progress       = EXCLUDED.progress,
			output_path    = EXCLUDED.output_path,
			failure_reason = EXCLUDED.failure_reason,
			finished_at    = EXCLUDED.finished_at
	`

	_, err := a.db.ExecContext(
		ctx,
		query,
		job.ID,
		string(job.State),
		job.Progress,
		job.OutputPath,
		job.FailureReason,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		a.logger.Error("Failed to archive job outcome",
			slog.String("job_id", job.ID.String()),
			slog.String("state", string(job.State)),
			slog.Any("error", err),
		)
		return
	}

	a.logger.Debug("Job outcome archived",
		slog.String("job_id", job.ID.String()),
		slog.String("state", string(job.State)),
	)
}
