package jobstore

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// entry pairs one job record with its own lock so that a mutation of one
// job never blocks readers or writers of another. The outer map lock is
// only held long enough to find the entry.
type entry struct {
	mu  sync.Mutex
	job Job
}

// Store is the in-process registry of reconstruction jobs. It owns all
// job mutation; every other component sees only snapshots. Safe for
// concurrent use.
type Store struct {
	mu   sync.RWMutex
	jobs map[uuid.UUID]*entry
}

// NewStore creates an empty job registry.
func NewStore() *Store {
	return &Store{
		jobs: make(map[uuid.UUID]*entry),
	}
}

// Create allocates a fresh job ID and inserts a QUEUED record with zero
// progress. IDs are never reused.
func (s *Store) Create() uuid.UUID {
	id := uuid.New()
	now := time.Now()

	s.mu.Lock()
	s.jobs[id] = &entry{
		job: Job{
			ID:        id,
			State:     StateQueued,
			CreatedAt: now,
			UpdatedAt: now,
		},
	}
	s.mu.Unlock()

	return id
}

// Get returns a consistent snapshot of the job, or ErrNotFound. It waits
// at most for one in-flight mutation of the same job, never for the job's
// whole lifetime.
func (s *Store) Get(id uuid.UUID) (Job, error) {
	e, ok := s.lookup(id)
	if !ok {
		return Job{}, ErrNotFound
	}

	e.mu.Lock()
	job := e.job
	e.mu.Unlock()

	return job, nil
}

// Len reports the number of registered jobs, terminal ones included.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

// SetStagingDir records where the job's input images were staged. Only
// valid while the job is still QUEUED.
func (s *Store) SetStagingDir(id uuid.UUID, dir string) error {
	return s.update(id, func(job *Job) error {
		if job.State != StateQueued {
			return ErrInvalidTransition
		}
		job.StagingDir = dir
		return nil
	})
}

// MarkProcessing transitions QUEUED -> PROCESSING.
func (s *Store) MarkProcessing(id uuid.UUID) error {
	return s.update(id, func(job *Job) error {
		if job.State != StateQueued {
			return ErrInvalidTransition
		}
		job.State = StateProcessing
		return nil
	})
}

// SetProgress records reconstruction progress for a PROCESSING job.
// Values are clamped to [0,100]; writes that do not advance the current
// value are ignored, so engine jitter can never move progress backwards.
// Writing after a terminal state is an invalid transition.
func (s *Store) SetProgress(id uuid.UUID, percent int) error {
	return s.update(id, func(job *Job) error {
		if job.State != StateProcessing {
			return ErrInvalidTransition
		}
		if percent > 100 {
			percent = 100
		}
		if percent > job.Progress {
			job.Progress = percent
		}
		return nil
	})
}

// MarkComplete transitions PROCESSING -> COMPLETE and records the artifact
// location. OutputPath must be non-empty.
func (s *Store) MarkComplete(id uuid.UUID, outputPath string) error {
	return s.update(id, func(job *Job) error {
		if job.State != StateProcessing || outputPath == "" {
			return ErrInvalidTransition
		}
		job.State = StateComplete
		job.Progress = 100
		job.OutputPath = outputPath
		return nil
	})
}

// MarkFailed transitions QUEUED|PROCESSING -> FAILED with the engine's
// reason preserved verbatim. Reason must be non-empty.
func (s *Store) MarkFailed(id uuid.UUID, reason string) error {
	return s.update(id, func(job *Job) error {
		if job.State.IsTerminal() || reason == "" {
			return ErrInvalidTransition
		}
		job.State = StateFailed
		job.FailureReason = reason
		return nil
	})
}

// Delete removes a terminal job from the registry. Removing a job that is
// still QUEUED or PROCESSING is an invalid transition; its drive task
// still owns the record.
func (s *Store) Delete(id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}

	e.mu.Lock()
	terminal := e.job.State.IsTerminal()
	e.mu.Unlock()

	if !terminal {
		return ErrInvalidTransition
	}

	delete(s.jobs, id)
	return nil
}

func (s *Store) lookup(id uuid.UUID) (*entry, bool) {
	s.mu.RLock()
	e, ok := s.jobs[id]
	s.mu.RUnlock()
	return e, ok
}

// update applies one mutation atomically under the entry lock, so readers
// never observe a half-written record.
func (s *Store) update(id uuid.UUID, mutate func(*Job) error) error {
	e, ok := s.lookup(id)
	if !ok {
		return ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := mutate(&e.job); err != nil {
		return err
	}
	e.job.UpdatedAt = time.Now()
	return nil
}
