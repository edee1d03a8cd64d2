package engine

import (
	"context"
	"errors"
)

// Detail selects the reconstruction quality level requested from the
// engine. Values mirror the levels the underlying engine understands.
type Detail string

const (
	DetailPreview Detail = "preview"
	DetailReduced Detail = "reduced"
	DetailMedium  Detail = "medium"
	DetailFull    Detail = "full"
	DetailRaw     Detail = "raw"
)

// ErrSubmission is returned by Submit when the engine rejects a job up
// front, before any processing starts (malformed input, capability gate).
var ErrSubmission = errors.New("engine rejected submission")

// EventKind discriminates the three shapes an engine event can take.
type EventKind int

const (
	EventProgress EventKind = iota
	EventComplete
	EventError
)

// Event is one item of the engine's output stream. Exactly one terminal
// event (EventComplete or EventError) ends the stream; before it, zero or
// more EventProgress events arrive with non-decreasing Fraction.
type Event struct {
	Kind       EventKind
	Fraction   float64 // valid for EventProgress
	OutputPath string  // valid for EventComplete
	Reason     string  // valid for EventError, engine text preserved verbatim
}

// Engine is the narrow contract the orchestration core depends on. The
// reconstruction itself is a black box behind it.
type Engine interface {
	// CapabilityCheck reports whether this host can run reconstruction
	// at all. The core treats a false result as a precondition failure,
	// not something it can influence.
	CapabilityCheck(ctx context.Context) bool

	// Submit starts processing a staged input directory. The returned
	// channel is closed after the terminal event. The engine gives no
	// delivery-rate or deadline guarantee, only ordering.
	Submit(ctx context.Context, inputDir string, detail Detail) (<-chan Event, error)
}
