// Package statemachine implements the pure query-lifecycle transition
// table. It holds no IO: the table says which (state, event) pairs are
// legal and what state they lead to. Durable, shared state lives behind
// internal/coordination; this package is deliberately just the logic.
package statemachine

import "fmt"

// State is one of the seven lifecycle states a query can be in.
type State string

const (
	Known      State = "known"
	Queued     State = "queued"
	Executing  State = "executing"
	Executed   State = "executed"
	Errored    State = "errored"
	Cancelled  State = "cancelled"
	Resetting  State = "resetting"
)

// Event is a request to move a query from one state to another.
type Event string

const (
	EventEnqueue Event = "enqueue"
	EventStart   Event = "start"
	EventFinish  Event = "finish"
	EventFail    Event = "fail"
	EventCancel  Event = "cancel"
	EventReset   Event = "reset"
	EventResetDone Event = "reset_done"
)

// transitions is the closed transition table. A (state, event) pair absent
// from this table is rejected by Trigger.
var transitions = map[State]map[Event]State{
	Known: {
		EventEnqueue: Queued,
	},
	Queued: {
		EventStart:  Executing,
		EventCancel: Cancelled,
	},
	Executing: {
		EventFinish: Executed,
		EventFail:   Errored,
		EventCancel: Cancelled,
	},
	Executed: {
		EventReset: Resetting,
	},
	Errored: {
		EventReset: Resetting,
	},
	Cancelled: {
		EventReset: Resetting,
	},
	Resetting: {
		EventResetDone: Known,
	},
}

// ErrRejected reports that an event is not a legal transition from the
// current state.
type ErrRejected struct {
	From  State
	Event Event
}

func (e *ErrRejected) Error() string {
	return fmt.Sprintf("statemachine: event %q not valid from state %q", e.Event, e.From)
}

// Trigger computes the next state for (from, event), or returns *ErrRejected
// if the transition is not in the table. It does not mutate anything; the
// caller is responsible for durably recording the result (see
// internal/coordination for the CAS-backed implementation).
func Trigger(from State, event Event) (State, error) {
	byEvent, ok := transitions[from]
	if !ok {
		return "", &ErrRejected{From: from, Event: event}
	}
	next, ok := byEvent[event]
	if !ok {
		return "", &ErrRejected{From: from, Event: event}
	}
	return next, nil
}

// IsExecuting reports whether state represents an in-flight execution.
func IsExecuting(s State) bool {
	return s == Executing
}

// IsQueued reports whether state represents a query waiting to execute.
func IsQueued(s State) bool {
	return s == Queued
}

// IsResetting reports whether state represents an in-flight cache reset.
func IsResetting(s State) bool {
	return s == Resetting
}

// IsTerminal reports whether state must be reset back to Known before the
// query can be enqueued and executed again.
func IsTerminal(s State) bool {
	return s == Executed || s == Errored || s == Cancelled
}

// IsInFlight reports whether state is one a caller must wait out: still
// queued, actively executing, or being reset. A qid in any of these states
// has no stable result yet.
func IsInFlight(s State) bool {
	return s == Queued || s == Executing || s == Resetting
}
