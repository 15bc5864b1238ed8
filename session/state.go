package session

import (
	"errors"
	"fmt"
	"time"
)

// State is the lifecycle state of a session.
type State string

const (
	StateActive      State = "ACTIVE"
	StateIdle        State = "IDLE"
	StateHibernating State = "HIBERNATING"
	StateTerminated  State = "TERMINATED"
)

// ErrInvalidTransition is returned when a state change is not in the table.
var ErrInvalidTransition = errors.New("invalid session state transition")

var transitions = map[State][]State{
	StateActive:      {StateIdle, StateTerminated},
	StateIdle:        {StateActive, StateHibernating, StateTerminated},
	StateHibernating: {StateActive, StateTerminated},
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

// Clock supplies the time the sweep compares against thresholds.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the wall clock.
var SystemClock Clock = systemClock{}
