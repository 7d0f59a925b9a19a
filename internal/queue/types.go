// Package queue implements the durable processing queue: one state-machine
// entry per observation group, the sub-band file index beneath it, and the
// tolerance-based grouping of arrivals into groups.
package queue

import (
	"time"
)

// State is the processing state of a queue entry.
type State string

const (
	// StateCollecting: the group exists but has not reached its expected
	// unit count yet.
	StateCollecting State = "collecting"

	// StatePending: the group is complete and eligible for dispatch.
	StatePending State = "pending"

	// StateInProgress: a dispatcher worker owns the group.
	StateInProgress State = "in_progress"

	// StateCompleted: terminal success.
	StateCompleted State = "completed"

	// StateFailed: terminal failure; leaves only via operator requeue.
	StateFailed State = "failed"
)

// transitions lists the automatic state machine. Operator requeue
// (failed → pending) is deliberately absent: it is an explicit action,
// never part of normal flow.
var transitions = map[State][]State{
	StateCollecting: {StatePending, StateFailed},
	StatePending:    {StateInProgress, StateFailed},
	StateInProgress: {StateCompleted, StatePending, StateFailed},
	StateCompleted:  {},
	StateFailed:     {},
}

// CanTransition reports whether the automatic state machine permits
// from → to.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Entry is one queue row, keyed by group ID.
type Entry struct {
	GroupID       string
	State         State
	ReceivedAt    time.Time
	LastUpdate    time.Time
	ExpectedUnits int
	RetryCount    int
	ErrorMessage  string // empty when unset
	HasMarker     *bool  // nil until known
}

// File is one indexed sub-band arrival. Files are never deleted from the
// index; a reconciliation pass may flip PresentOnDisk to false.
type File struct {
	Path          string
	GroupID       string
	UnitIndex     int
	UnitCode      string
	ObservedAt    time.Time
	ObservedMJD   float64
	SizeBytes     int64
	PresentOnDisk bool
}

// Clock abstracts wall time so sweeps and timeouts are testable.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock.
type SystemClock struct{}

// Now returns the current wall time.
func (SystemClock) Now() time.Time { return time.Now() }
