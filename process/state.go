package process

import (
	"errors"
	"fmt"
)

// State is the lifecycle state of a tool instance.
type State string

const (
	StateStopped  State = "STOPPED"
	StateStarting State = "STARTING"
	StateRunning  State = "RUNNING"
	StateStopping State = "STOPPING"
	StateError    State = "ERROR"
	// StateFailed is terminal until Reset.
	StateFailed State = "FAILED"
)

// ErrInvalidTransition is returned when a state change is not in the table.
var ErrInvalidTransition = errors.New("invalid instance state transition")

var transitions = map[State][]State{
	StateStopped:  {StateStarting},
	StateStarting: {StateRunning, StateError},
	StateRunning:  {StateStopping, StateError},
	StateStopping: {StateStopped},
	// ERROR -> STOPPED is an operator stop while a recovery is pending.
	StateError:  {StateStarting, StateFailed, StateStopped},
	StateFailed: {StateStopped},
}

// CanTransition reports whether from -> to is a legal transition.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func checkTransition(from, to State) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// Live reports whether the state holds (or is acquiring) an OS process.
func (s State) Live() bool {
	return s == StateStarting || s == StateRunning || s == StateStopping
}
