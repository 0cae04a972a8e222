package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestStateTransitionTable exhaustively checks every state pair against the
// allowed edge set. Any edit to the table that opens or closes an edge
// shows up here as a one-line diff.
func TestStateTransitionTable(t *testing.T) {
	allowed := map[State][]State{
		StatePending:   {StateApproved, StateFailed, StateExpired},
		StateApproved:  {StateExecuting, StateExpired},
		StateExecuting: {StateCompleted, StateFailed},
		StateCompleted: {},
		StateFailed:    {},
		StateExpired:   {},
	}

	all := []State{StatePending, StateApproved, StateExecuting, StateCompleted, StateFailed, StateExpired}

	for from, targets := range allowed {
		allowedSet := map[State]bool{}
		for _, to := range targets {
			allowedSet[to] = true
		}
		for _, to := range all {
			got := from.CanTransitionTo(to)
			assert.Equal(t, allowedSet[to], got, "edge %s -> %s", from, to)
		}
	}
}

// TestNoShortcutToExecution pins the two edges the table must not contain:
// PENDING can reach neither EXECUTING nor COMPLETED directly.
func TestNoShortcutToExecution(t *testing.T) {
	assert.False(t, StatePending.CanTransitionTo(StateExecuting))
	assert.False(t, StatePending.CanTransitionTo(StateCompleted))
	assert.False(t, StateApproved.CanTransitionTo(StateCompleted))
}

func TestTerminalStates(t *testing.T) {
	for _, s := range []State{StateCompleted, StateFailed, StateExpired} {
		assert.True(t, s.IsTerminal(), "%s should be terminal", s)
	}
	for _, s := range []State{StatePending, StateApproved, StateExecuting} {
		assert.False(t, s.IsTerminal(), "%s should not be terminal", s)
	}
	assert.False(t, State("BOGUS").IsTerminal(), "unknown states are not terminal")
}

func TestActiveStates(t *testing.T) {
	assert.Equal(t, []State{StatePending, StateApproved, StateExecuting}, ActiveStates())
}
