package models

// State is the lifecycle state of a ceremony.
//
// Allowed transitions:
//
//	PENDING   -> APPROVED, FAILED, EXPIRED
//	APPROVED  -> EXECUTING, EXPIRED
//	EXECUTING -> COMPLETED, FAILED
//
// COMPLETED, FAILED and EXPIRED are terminal and never mutated again.
// The table below is the single source of truth; every transition in the
// subsystem goes through CanTransitionTo so the rule stays mechanically
// checkable instead of scattered across conditionals.
type State string

const (
	StatePending   State = "PENDING"
	StateApproved  State = "APPROVED"
	StateExecuting State = "EXECUTING"
	StateCompleted State = "COMPLETED"
	StateFailed    State = "FAILED"
	StateExpired   State = "EXPIRED"
)

var stateTransitions = map[State]map[State]bool{
	StatePending: {
		StateApproved: true,
		StateFailed:   true,
		StateExpired:  true,
	},
	StateApproved: {
		StateExecuting: true,
		StateExpired:   true,
	},
	StateExecuting: {
		StateCompleted: true,
		StateFailed:    true,
	},
	// Terminal states have no outgoing edges.
	StateCompleted: {},
	StateFailed:    {},
	StateExpired:   {},
}

// validStates is the allowlist for parsing persisted or external values.
var validStates = map[State]bool{
	StatePending:   true,
	StateApproved:  true,
	StateExecuting: true,
	StateCompleted: true,
	StateFailed:    true,
	StateExpired:   true,
}

// CanTransitionTo reports whether the edge s -> target exists in the table.
func (s State) CanTransitionTo(target State) bool {
	return stateTransitions[s][target]
}

// IsTerminal reports whether the state has no outgoing edges.
func (s State) IsTerminal() bool {
	return len(stateTransitions[s]) == 0 && validStates[s]
}

// IsValid checks the state is one of the known lifecycle states.
func (s State) IsValid() bool {
	return validStates[s]
}

func (s State) String() string {
	return string(s)
}

// ActiveStates lists the non-terminal states, in lifecycle order. Stores use
// this for "one active ceremony per keeper" queries and timeout sweeps.
func ActiveStates() []State {
	return []State{StatePending, StateApproved, StateExecuting}
}
