package jobstore

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a reconstruction job.
type State string

const (
	StateQueued     State = "QUEUED"
	StateProcessing State = "PROCESSING"
	StateComplete   State = "COMPLETE"
	StateFailed     State = "FAILED"
)

// IsTerminal reports whether no further transitions can occur.
func (s State) IsTerminal() bool {
	return s == StateComplete || s == StateFailed
}

var (
	// ErrNotFound is returned when a job ID was never created or already reclaimed.
	ErrNotFound = errors.New("job not found")

	// ErrInvalidTransition is returned when a mutation would violate the
	// QUEUED -> PROCESSING -> COMPLETE|FAILED state machine. Reaching it
	// means the single-writer-per-job invariant was broken somewhere.
	ErrInvalidTransition = errors.New("invalid job state transition")
)

// Job is a point-in-time snapshot of one reconstruction job.
//
// OutputPath is non-empty exactly when State is COMPLETE and FailureReason
// is non-empty exactly when State is FAILED. Progress is 0-100 and never
// decreases.
type Job struct {
	ID            uuid.UUID `json:"job_id"`
	State         State     `json:"state"`
	Progress      int       `json:"progress"`
	StagingDir    string    `json:"-"`
	OutputPath    string    `json:"-"`
	FailureReason string    `json:"failure_reason,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}
