package client

import (
	"fmt"

	"fauxnetd/internal/operations"
)

// State is the tracker's view of one job family
type State string

const (
	StateIdle         State = "idle"
	StateStarting     State = "starting"
	StateObserving    State = "observing"
	StateReconnecting State = "reconnecting"
	StateCompleted    State = "completed"
	StateErrored      State = "errored"
)

// transitions lists the legal successor states
var transitions = map[State][]State{
	StateIdle:         {StateStarting, StateReconnecting},
	StateStarting:     {StateObserving, StateIdle},
	StateObserving:    {StateCompleted, StateErrored, StateReconnecting, StateIdle},
	StateReconnecting: {StateObserving, StateCompleted, StateErrored, StateIdle},
	StateCompleted:    {StateIdle, StateStarting, StateReconnecting},
	StateErrored:      {StateIdle, StateStarting, StateReconnecting},
}

// CanTransition reports whether from -> to is legal
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func transitionError(from, to State) error {
	return operations.NewInvalidStateError(fmt.Sprintf("illegal client transition %s -> %s", from, to))
}
