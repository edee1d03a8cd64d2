package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/modelforge/capture-be/internal/engine"
	"github.com/modelforge/capture-be/internal/jobstore"
	"github.com/modelforge/capture-be/internal/staging"
)

// ErrCapabilityUnavailable is returned by SubmitJob when the host cannot
// run reconstruction at all. No job is created. Non-retryable until the
// environment changes.
var ErrCapabilityUnavailable = errors.New("reconstruction not supported on this host")

// Sink observes job state transitions. Implementations must be fast or
// buffer internally; they are called from the drive goroutine.
type Sink interface {
	JobTransitioned(ctx context.Context, job jobstore.Job)
}

// Config holds orchestrator dependencies and settings.
type Config struct {
	Logger  *slog.Logger
	Store   *jobstore.Store
	Engine  engine.Engine
	Staging *staging.Area
	Detail  engine.Detail
	Sinks   []Sink
}

// Orchestrator ties the job registry to the reconstruction engine: it
// creates jobs, stages their input, and drives each one to a terminal
// state in its own goroutine.
type Orchestrator struct {
	logger  *slog.Logger
	store   *jobstore.Store
	engine  engine.Engine
	staging *staging.Area
	detail  engine.Detail
	sinks   []Sink

	capMu   sync.Mutex
	capable bool
	probed  bool

	wg sync.WaitGroup
}

// New creates an orchestrator.
func New(cfg *Config) *Orchestrator {
	detail := cfg.Detail
	if detail == "" {
		detail = engine.DetailFull
	}
	return &Orchestrator{
		logger:  cfg.Logger,
		store:   cfg.Store,
		engine:  cfg.Engine,
		staging: cfg.Staging,
		detail:  detail,
		sinks:   cfg.Sinks,
	}
}

// Capable reports the cached capability-check result, probing on first
// use. The environment does not change under a running process, so the
// probe runs once, not per job. A probe that came back negative under an
// already-cancelled ctx proves nothing about the host and is not cached,
// the next caller probes again.
func (o *Orchestrator) Capable(ctx context.Context) bool {
	o.capMu.Lock()
	defer o.capMu.Unlock()

	if o.probed {
		return o.capable
	}

	capable := o.engine.CapabilityCheck(ctx)
	if !capable && ctx.Err() != nil {
		return false
	}

	o.probed = true
	o.capable = capable
	if !capable {
		o.logger.Warn("Reconstruction capability check failed, submissions will be rejected")
	}
	return capable
}

// SubmitJob registers a new job, stages its input, and starts driving it
// asynchronously. It returns as soon as the job is QUEUED; the result is
// observed through the store.
func (o *Orchestrator) SubmitJob(ctx context.Context, files []staging.File) (uuid.UUID, error) {
	if !o.Capable(ctx) {
		return uuid.Nil, ErrCapabilityUnavailable
	}

	id := o.store.Create()

	dir, err := o.staging.Stage(id, files)
	if err != nil {
		// Staging failed before the job ever became visible as QUEUED
		// work; drop the record so no orphan is left behind.
		o.discard(id, err)
		return uuid.Nil, err
	}

	if err := o.store.SetStagingDir(id, dir); err != nil {
		o.staging.Remove(id)
		o.discard(id, err)
		return uuid.Nil, err
	}

	o.logger.Info("Job submitted",
		slog.String("job_id", id.String()),
		slog.Int("files", len(files)),
		slog.String("staging_dir", dir),
	)
	o.notify(ctx, id)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.driveJob(context.WithoutCancel(ctx), id, dir)
	}()

	return id, nil
}

// GetJob returns a point-in-time snapshot of the job.
func (o *Orchestrator) GetJob(id uuid.UUID) (jobstore.Job, error) {
	return o.store.Get(id)
}

// DeleteJob reclaims a terminal job: record, staged input, and artifact.
func (o *Orchestrator) DeleteJob(id uuid.UUID) error {
	job, err := o.store.Get(id)
	if err != nil {
		return err
	}

	if err := o.store.Delete(id); err != nil {
		return err
	}

	if err := o.staging.Remove(id); err != nil {
		o.logger.Warn("Failed to remove staging directory",
			slog.String("job_id", id.String()),
			slog.Any("error", err),
		)
	}
	if job.OutputPath != "" {
		if err := os.Remove(job.OutputPath); err != nil && !os.IsNotExist(err) {
			o.logger.Warn("Failed to remove artifact",
				slog.String("job_id", id.String()),
				slog.String("output_path", job.OutputPath),
				slog.Any("error", err),
			)
		}
	}

	o.logger.Info("Job reclaimed", slog.String("job_id", id.String()))
	return nil
}

// Wait blocks until all drive goroutines have finished. Used during
// shutdown and in tests.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// driveJob runs the full lifecycle of one job. Exactly one instance runs
// per job ID. Every exit path, panics included, leaves the job terminal.
func (o *Orchestrator) driveJob(ctx context.Context, id uuid.UUID, inputDir string) {
	defer func() {
		if r := recover(); r != nil {
			o.fail(ctx, id, fmt.Sprintf("internal error: %v", r))
		}
	}()

	if err := o.store.MarkProcessing(id); err != nil {
		o.logger.Error("Failed to mark job processing",
			slog.String("job_id", id.String()),
			slog.Any("error", err),
		)
		return
	}
	o.notify(ctx, id)

	events, err := o.engine.Submit(ctx, inputDir, o.detail)
	if err != nil {
		o.fail(ctx, id, err.Error())
		return
	}

	for ev := range events {
		switch ev.Kind {
		case engine.EventProgress:
			o.progress(ctx, id, ev.Fraction)

		case engine.EventComplete:
			if err := o.store.MarkComplete(id, ev.OutputPath); err != nil {
				o.logger.Error("Failed to mark job complete",
					slog.String("job_id", id.String()),
					slog.Any("error", err),
				)
				return
			}
			o.logger.Info("Job complete",
				slog.String("job_id", id.String()),
				slog.String("output_path", ev.OutputPath),
			)
			o.notify(ctx, id)
			return

		case engine.EventError:
			o.fail(ctx, id, ev.Reason)
			return
		}
	}

	// The engine closed its stream without a terminal event. Without this
	// guard the job would sit in PROCESSING forever.
	o.fail(ctx, id, "engine produced no result")
}

func (o *Orchestrator) progress(ctx context.Context, id uuid.UUID, fraction float64) {
	percent := int(math.Round(fraction * 100))
	if percent < 0 {
		percent = 0
	}

	before, err := o.store.Get(id)
	if err != nil {
		return
	}
	if percent <= before.Progress {
		return
	}

	if err := o.store.SetProgress(id, percent); err != nil {
		o.logger.Error("Failed to record progress",
			slog.String("job_id", id.String()),
			slog.Int("percent", percent),
			slog.Any("error", err),
		)
		return
	}
	o.notify(ctx, id)
}

func (o *Orchestrator) fail(ctx context.Context, id uuid.UUID, reason string) {
	if reason == "" {
		reason = "unknown engine failure"
	}
	if err := o.store.MarkFailed(id, reason); err != nil {
		o.logger.Error("Failed to mark job failed",
			slog.String("job_id", id.String()),
			slog.Any("error", err),
		)
		return
	}
	o.logger.Warn("Job failed",
		slog.String("job_id", id.String()),
		slog.String("reason", reason),
	)
	o.notify(ctx, id)
}

func (o *Orchestrator) discard(id uuid.UUID, cause error) {
	if err := o.store.MarkFailed(id, cause.Error()); err == nil {
		_ = o.store.Delete(id)
	}
}

// notify fans the job's current snapshot out to all sinks, outside any
// store lock.
func (o *Orchestrator) notify(ctx context.Context, id uuid.UUID) {
	if len(o.sinks) == 0 {
		return
	}
	job, err := o.store.Get(id)
	if err != nil {
		return
	}
	for _, sink := range o.sinks {
		sink.JobTransitioned(ctx, job)
	}
}
