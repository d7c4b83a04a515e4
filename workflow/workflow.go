// Package workflow implements the Resource State Machine: immutable
// Workflow definitions, Resource instances that evolve across the
// workflow's states, and the guard expression language that gates
// activity transitions.
package workflow

import (
	"fmt"
	"time"
)

type (
	// Workflow is a directed graph over State nodes connected by Activity
	// edges. Immutable after creation: updates produce a new Workflow with
	// a new ID rather than mutating in place.
	Workflow struct {
		ID           string
		TenantID     string
		Name         string
		States       []string
		InitialState string
		Activities   []Activity
		CreatedAt    time.Time
	}

	// Activity is a named transition edge, executable only from its
	// declared FromStates and only when Guard (if any) evaluates true.
	Activity struct {
		ID         string
		FromStates []string
		ToState    string
		Guard      *Guard
	}

	// ActivityRecord is one immutable entry in a Resource's history.
	ActivityRecord struct {
		FromState   string
		ToState     string
		ActivityID  string
		Timestamp   time.Time
		TriggeredBy string
		LogSequence uint64
		Input       map[string]any
	}

	// Resource is an instance of a Workflow: its current state is always
	// the ToState of the last history entry (or the workflow's
	// InitialState when history is empty).
	Resource struct {
		ID           string
		WorkflowID   string
		TenantID     string
		CurrentState string
		Data         map[string]any
		Metadata     map[string]string
		History      []ActivityRecord
		Revision     uint64
	}
)

// Validate checks the invariants from the data model: exactly one initial
// state, every activity's ToState exists among States, and every
// activity's FromStates is non-empty and drawn from States.
func (w *Workflow) Validate() error {
	if w.InitialState == "" {
		return fmt.Errorf("workflow: initial state is required")
	}
	stateSet := map[string]bool{}
	for _, s := range w.States {
		stateSet[s] = true
	}
	if !stateSet[w.InitialState] {
		return fmt.Errorf("workflow: initial state %q is not among states", w.InitialState)
	}
	seenActivity := map[string]bool{}
	for _, a := range w.Activities {
		if seenActivity[a.ID] {
			return fmt.Errorf("workflow: duplicate activity id %q", a.ID)
		}
		seenActivity[a.ID] = true
		if len(a.FromStates) == 0 {
			return fmt.Errorf("workflow: activity %q has no fromStates", a.ID)
		}
		for _, fs := range a.FromStates {
			if !stateSet[fs] {
				return fmt.Errorf("workflow: activity %q fromState %q is not among states", a.ID, fs)
			}
		}
		if !stateSet[a.ToState] {
			return fmt.Errorf("workflow: activity %q toState %q is not among states", a.ID, a.ToState)
		}
	}
	return nil
}

// ActivityByID returns the activity with the given id, if present.
func (w *Workflow) ActivityByID(id string) (Activity, bool) {
	for _, a := range w.Activities {
		if a.ID == id {
			return a, true
		}
	}
	return Activity{}, false
}

// IsAvailableFrom reports whether the activity can be triggered from
// state, ignoring guards.
func (a Activity) IsAvailableFrom(state string) bool {
	for _, fs := range a.FromStates {
		if fs == state {
			return true
		}
	}
	return false
}
