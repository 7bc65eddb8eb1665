package escrow

import (
	escerrors "escrowchain/core/errors"
)

// transitions is the legal forward graph. Released and Refunded have no
// outgoing edges.
var transitions = map[State][]State{
	StateCreated:          {StateReleaseInitiated, StateDisputed},
	StateReleaseInitiated: {StateDisputed, StateReleased},
	StateDisputed:         {StateReleased, StateRefunded},
}

// CanTransition reports whether from -> to is an edge of the graph.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// StateMachine guards every external call: operations first ask it whether
// they are legal in the account's current state and route all state changes
// back through Transition.
type StateMachine struct{}

// Require fails with an InvalidStateError unless acc is in one of allowed.
func (StateMachine) Require(acc *Account, op string, allowed ...State) error {
	for _, s := range allowed {
		if acc.State == s {
			return nil
		}
	}
	if acc.State.Terminal() {
		return escerrors.InvalidState("terminal", "%s not allowed: escrow already %s", op, acc.State)
	}
	return escerrors.InvalidState("wrong_state", "%s not allowed in state %s", op, acc.State)
}

// Transition moves acc to the next state if the edge exists.
func (StateMachine) Transition(acc *Account, to State) error {
	if !CanTransition(acc.State, to) {
		return escerrors.InvalidState("illegal_transition", "%s -> %s", acc.State, to)
	}
	acc.State = to
	return nil
}
