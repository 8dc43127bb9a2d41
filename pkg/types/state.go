package types

import (
	"fmt"
	"strings"
)

// State is the lifecycle state of a service replica. The numeric order is
// significant: status reports whose state is exactly one step behind the
// recorded state are treated as stale.
type State int

const (
	StateConfigured State = iota
	StateLaunching
	StateRunning
	StateShuttingDown
	StateShuttingDownNoRestart
	StateInactive
	StateInactiveNoStart
	StateDelete
	StateDeleteInactive
)

var stateNames = [...]string{
	StateConfigured:            "Configured",
	StateLaunching:             "Launching",
	StateRunning:               "Running",
	StateShuttingDown:          "ShuttingDown",
	StateShuttingDownNoRestart: "ShuttingDownNoRestart",
	StateInactive:              "Inactive",
	StateInactiveNoStart:       "InactiveNoStart",
	StateDelete:                "Delete",
	StateDeleteInactive:        "DeleteInactive",
}

// AllStates lists every state in ordinal order
func AllStates() []State {
	states := make([]State, len(stateNames))
	for i := range stateNames {
		states[i] = State(i)
	}
	return states
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// ParseState converts a state name (case-insensitive) back to a State
func ParseState(name string) (State, error) {
	for i, n := range stateNames {
		if strings.EqualFold(n, name) {
			return State(i), nil
		}
	}
	return 0, fmt.Errorf("unknown state %q", name)
}

// MarshalText renders the state by name
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name
func (s *State) UnmarshalText(text []byte) error {
	parsed, err := ParseState(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// IsStale reports whether a reported state is one step behind the current
// one. Network latency can deliver a Launching report after the Running
// report it caused.
func IsStale(current, reported State) bool {
	return current-reported == 1
}

// Launchable reports whether a replica in this state may be picked up by an
// automatic launch pass.
func (s State) Launchable() bool {
	switch s {
	case StateRunning, StateLaunching,
		StateShuttingDown, StateShuttingDownNoRestart,
		StateInactiveNoStart, StateDelete, StateDeleteInactive:
		return false
	}
	return true
}

// ShutdownEndState maps a shutdown request to the state an agent reports once
// the process is gone.
func ShutdownEndState(requested State) State {
	switch requested {
	case StateShuttingDownNoRestart:
		return StateInactiveNoStart
	case StateDelete:
		return StateDeleteInactive
	default:
		return StateInactive
	}
}
