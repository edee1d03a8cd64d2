package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelforge/capture-be/internal/engine"
	"github.com/modelforge/capture-be/internal/jobstore"
	"github.com/modelforge/capture-be/internal/staging"
)

// fakeEngine replays a scripted event sequence for every submission.
type fakeEngine struct {
	capable      bool
	submitErr    error
	events       []engine.Event
	dropTerminal bool // close the stream without a terminal event
	panics       bool

	submittedDirs []string
	capChecks     int
}

func (f *fakeEngine) CapabilityCheck(ctx context.Context) bool {
	f.capChecks++
	if ctx.Err() != nil {
		return false
	}
	return f.capable
}

func (f *fakeEngine) Submit(ctx context.Context, inputDir string, detail engine.Detail) (<-chan engine.Event, error) {
	if f.panics {
		panic("engine exploded")
	}
	if f.submitErr != nil {
		return nil, f.submitErr
	}

	f.submittedDirs = append(f.submittedDirs, inputDir)

	out := make(chan engine.Event)
	go func() {
		defer close(out)
		for _, ev := range f.events {
			if f.dropTerminal && ev.Kind != engine.EventProgress {
				return
			}
			out <- ev
		}
	}()
	return out, nil
}

// recordingSink collects every transition snapshot it sees.
type recordingSink struct {
	jobs []jobstore.Job
}

func (r *recordingSink) JobTransitioned(ctx context.Context, job jobstore.Job) {
	r.jobs = append(r.jobs, job)
}

func newTestOrchestrator(t *testing.T, eng engine.Engine, sinks ...Sink) (*Orchestrator, *jobstore.Store) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	area, err := staging.NewArea(filepath.Join(t.TempDir(), "staging"), logger)
	require.NoError(t, err)

	store := jobstore.NewStore()
	orch := New(&Config{
		Logger:  logger,
		Store:   store,
		Engine:  eng,
		Staging: area,
		Sinks:   sinks,
	})
	return orch, store
}

func inputFiles() []staging.File {
	return []staging.File{
		{Name: "img_001.jpg", Reader: strings.NewReader("jpeg-bytes-1")},
		{Name: "img_002.jpg", Reader: strings.NewReader("jpeg-bytes-2")},
	}
}

func TestSubmitJob_Success(t *testing.T) {
	eng := &fakeEngine{
		capable: true,
		events: []engine.Event{
			{Kind: engine.EventProgress, Fraction: 0.3},
			{Kind: engine.EventProgress, Fraction: 0.7},
			{Kind: engine.EventComplete, OutputPath: "out/path"},
		},
	}
	orch, store := newTestOrchestrator(t, eng)

	id, err := orch.SubmitJob(context.Background(), inputFiles())
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, id)

	orch.Wait()

	job, err := store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, jobstore.StateComplete, job.State)
	assert.Equal(t, 100, job.Progress)
	assert.Equal(t, "out/path", job.OutputPath)
	assert.Empty(t, job.FailureReason)

	// The engine saw the job's own staging directory
	require.Len(t, eng.submittedDirs, 1)
	assert.Contains(t, eng.submittedDirs[0], id.String())
}

func TestSubmitJob_StagesInputIsolated(t *testing.T) {
	eng := &fakeEngine{
		capable: true,
		events:  []engine.Event{{Kind: engine.EventComplete, OutputPath: "out/a"}},
	}
	orch, store := newTestOrchestrator(t, eng)

	a, err := orch.SubmitJob(context.Background(), inputFiles())
	require.NoError(t, err)
	b, err := orch.SubmitJob(context.Background(), inputFiles())
	require.NoError(t, err)
	orch.Wait()

	jobA, err := store.Get(a)
	require.NoError(t, err)
	jobB, err := store.Get(b)
	require.NoError(t, err)

	require.NotEqual(t, jobA.StagingDir, jobB.StagingDir)
	for _, job := range []jobstore.Job{jobA, jobB} {
		data, err := os.ReadFile(filepath.Join(job.StagingDir, "img_001.jpg"))
		require.NoError(t, err)
		assert.Equal(t, "jpeg-bytes-1", string(data))
	}
}

func TestSubmitJob_CapabilityUnavailable(t *testing.T) {
	eng := &fakeEngine{capable: false}
	orch, store := newTestOrchestrator(t, eng)

	_, err := orch.SubmitJob(context.Background(), inputFiles())
	assert.ErrorIs(t, err, ErrCapabilityUnavailable)

	// No job record was created
	assert.Equal(t, 0, store.Len())
	_, err = store.Get(uuid.New())
	assert.ErrorIs(t, err, jobstore.ErrNotFound)
}

func TestCapable_ProbesOnce(t *testing.T) {
	eng := &fakeEngine{capable: true}
	orch, _ := newTestOrchestrator(t, eng)

	assert.True(t, orch.Capable(context.Background()))
	assert.True(t, orch.Capable(context.Background()))
	assert.Equal(t, 1, eng.capChecks)
}

func TestCapable_CancelledCallerDoesNotLatchNegative(t *testing.T) {
	eng := &fakeEngine{
		capable: true,
		events:  []engine.Event{{Kind: engine.EventComplete, OutputPath: "out"}},
	}
	orch, _ := newTestOrchestrator(t, eng)

	// A caller that is already gone when the first probe runs sees a
	// refusal, but must not poison the gate for everyone after it
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, orch.Capable(cancelled))

	assert.True(t, orch.Capable(context.Background()))
	assert.Equal(t, 2, eng.capChecks)

	_, err := orch.SubmitJob(context.Background(), inputFiles())
	assert.NoError(t, err)
	orch.Wait()
}

func TestCapable_IncapableHostStaysCached(t *testing.T) {
	eng := &fakeEngine{capable: false}
	orch, _ := newTestOrchestrator(t, eng)

	assert.False(t, orch.Capable(context.Background()))
	assert.False(t, orch.Capable(context.Background()))
	assert.Equal(t, 1, eng.capChecks)
}

func TestSubmitJob_StagingError(t *testing.T) {
	eng := &fakeEngine{capable: true}
	orch, store := newTestOrchestrator(t, eng)

	_, err := orch.SubmitJob(context.Background(), nil)
	assert.ErrorIs(t, err, staging.ErrStaging)

	// The half-created record was discarded
	assert.Equal(t, 0, store.Len())
}

func TestDriveJob_SubmissionError(t *testing.T) {
	eng := &fakeEngine{
		capable:   true,
		submitErr: fmt.Errorf("%w: unreadable input", engine.ErrSubmission),
	}
	orch, store := newTestOrchestrator(t, eng)

	id, err := orch.SubmitJob(context.Background(), inputFiles())
	require.NoError(t, err)
	orch.Wait()

	job, err := store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, jobstore.StateFailed, job.State)
	assert.Contains(t, job.FailureReason, "unreadable input")
}

func TestDriveJob_EngineError(t *testing.T) {
	eng := &fakeEngine{
		capable: true,
		events: []engine.Event{
			{Kind: engine.EventProgress, Fraction: 0.2},
			{Kind: engine.EventError, Reason: "bad geometry"},
		},
	}
	orch, store := newTestOrchestrator(t, eng)

	id, err := orch.SubmitJob(context.Background(), inputFiles())
	require.NoError(t, err)
	orch.Wait()

	job, err := store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, jobstore.StateFailed, job.State)
	assert.Equal(t, "bad geometry", job.FailureReason)
	assert.Equal(t, 20, job.Progress)
	assert.Empty(t, job.OutputPath)
}

func TestDriveJob_StreamEndsWithoutTerminal(t *testing.T) {
	eng := &fakeEngine{
		capable: true,
		events: []engine.Event{
			{Kind: engine.EventProgress, Fraction: 0.4},
			{Kind: engine.EventComplete, OutputPath: "out"},
		},
		dropTerminal: true,
	}
	orch, store := newTestOrchestrator(t, eng)

	id, err := orch.SubmitJob(context.Background(), inputFiles())
	require.NoError(t, err)
	orch.Wait()

	job, err := store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, jobstore.StateFailed, job.State)
	assert.Equal(t, "engine produced no result", job.FailureReason)
}

func TestDriveJob_PanicBecomesFailure(t *testing.T) {
	eng := &fakeEngine{capable: true, panics: true}
	orch, store := newTestOrchestrator(t, eng)

	id, err := orch.SubmitJob(context.Background(), inputFiles())
	require.NoError(t, err)
	orch.Wait()

	job, err := store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, jobstore.StateFailed, job.State)
	assert.Contains(t, job.FailureReason, "engine exploded")
}

func TestDriveJob_BackwardJitterIgnored(t *testing.T) {
	eng := &fakeEngine{
		capable: true,
		events: []engine.Event{
			{Kind: engine.EventProgress, Fraction: 0.6},
			{Kind: engine.EventProgress, Fraction: 0.5},
			{Kind: engine.EventProgress, Fraction: 0.9},
			{Kind: engine.EventError, Reason: "aborted"},
		},
	}
	orch, store := newTestOrchestrator(t, eng)

	id, err := orch.SubmitJob(context.Background(), inputFiles())
	require.NoError(t, err)
	orch.Wait()

	job, err := store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, 90, job.Progress)
}

func TestConcurrentJobsDoNotInterfere(t *testing.T) {
	failing := &fakeEngine{
		capable: true,
		events:  []engine.Event{{Kind: engine.EventError, Reason: "boom"}},
	}
	orchFail, storeFail := newTestOrchestrator(t, failing)

	succeeding := &fakeEngine{
		capable: true,
		events: []engine.Event{
			{Kind: engine.EventProgress, Fraction: 0.5},
			{Kind: engine.EventComplete, OutputPath: "out/b"},
		},
	}
	orchOK, storeOK := newTestOrchestrator(t, succeeding)

	a, err := orchFail.SubmitJob(context.Background(), inputFiles())
	require.NoError(t, err)
	b, err := orchOK.SubmitJob(context.Background(), inputFiles())
	require.NoError(t, err)

	orchFail.Wait()
	orchOK.Wait()

	jobA, err := storeFail.Get(a)
	require.NoError(t, err)
	assert.Equal(t, jobstore.StateFailed, jobA.State)

	jobB, err := storeOK.Get(b)
	require.NoError(t, err)
	assert.Equal(t, jobstore.StateComplete, jobB.State)
	assert.Equal(t, 100, jobB.Progress)
}

func TestDeleteJob(t *testing.T) {
	eng := &fakeEngine{
		capable: true,
		events:  []engine.Event{{Kind: engine.EventError, Reason: "boom"}},
	}
	orch, store := newTestOrchestrator(t, eng)

	id, err := orch.SubmitJob(context.Background(), inputFiles())
	require.NoError(t, err)

	job, err := store.Get(id)
	require.NoError(t, err)
	stagingDir := job.StagingDir

	orch.Wait()

	require.NoError(t, orch.DeleteJob(id))

	_, err = store.Get(id)
	assert.ErrorIs(t, err, jobstore.ErrNotFound)
	_, err = os.Stat(stagingDir)
	assert.True(t, os.IsNotExist(err))

	assert.ErrorIs(t, orch.DeleteJob(id), jobstore.ErrNotFound)
}

func TestSinksSeeOrderedTransitions(t *testing.T) {
	eng := &fakeEngine{
		capable: true,
		events: []engine.Event{
			{Kind: engine.EventProgress, Fraction: 0.3},
			{Kind: engine.EventComplete, OutputPath: "out/path"},
		},
	}
	sink := &recordingSink{}
	orch, _ := newTestOrchestrator(t, eng, sink)

	_, err := orch.SubmitJob(context.Background(), inputFiles())
	require.NoError(t, err)
	orch.Wait()

	require.NotEmpty(t, sink.jobs)
	assert.Equal(t, jobstore.StateQueued, sink.jobs[0].State)
	assert.Equal(t, jobstore.StateComplete, sink.jobs[len(sink.jobs)-1].State)

	// States never regress across the observed sequence
	rank := map[jobstore.State]int{
		jobstore.StateQueued:     0,
		jobstore.StateProcessing: 1,
		jobstore.StateComplete:   2,
	}
	last := -1
	for _, job := range sink.jobs {
		r, ok := rank[job.State]
		require.True(t, ok)
		assert.GreaterOrEqual(t, r, last)
		last = r
	}
}
