package engine

import (
	"fmt"
	"time"
)

// Phase is a step of a reconciliation run.
type Phase int

const (
	PhasePreparing Phase = iota
	PhaseLoading
	PhaseReconciling
	PhasePruning
	PhaseCommitting
	PhaseReverting
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhasePreparing:
		return "preparing"
	case PhaseLoading:
		return "loading"
	case PhaseReconciling:
		return "reconciling"
	case PhasePruning:
		return "pruning"
	case PhaseCommitting:
		return "committing"
	case PhaseReverting:
		return "reverting"
	case PhaseDone:
		return "done"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Event reports progress of a single plugin action.
type Event struct {
	Plugin   string
	Action   string
	Target   string
	Status   string // "started", "completed", "failed"
	Duration time.Duration
	Err      error
}

// EventCallback is called for each event if set. It may be called from
// several goroutines.
type EventCallback func(Event)

// Warning is a non-fatal diagnostic, e.g. an action that cannot be undone.
type Warning struct {
	Plugin  string
	Action  string
	Target  string
	Message string
}

func (w Warning) String() string {
	return fmt.Sprintf("%s %s %s: %s", w.Plugin, w.Action, w.Target, w.Message)
}

// ActionError wraps a failed plugin call with where it happened.
type ActionError struct {
	Plugin string
	Action string
	Target string
	Err    error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("%s %s failed for %s: %v", e.Plugin, e.Action, e.Target, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }
