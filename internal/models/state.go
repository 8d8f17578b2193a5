package models

import "fmt"

type State int32

const (
	StateDisconnected State = iota
	StatePreparingConnection
	StateConnecting
	StateConnected
	StateDisconnecting
	StateAborted
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StatePreparingConnection:
		return "preparing"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateAborted:
		return "aborted"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Stable states are the ones the gateway rests in between transitions.
func (s State) Stable() bool {
	return s == StateDisconnected || s == StateConnected || s == StateError
}

type Status struct {
	State  State                    `json:"state"`
	Err    error                    `json:"-"`
	Config *ConnectionConfiguration `json:"config,omitempty"`
}

func (s Status) String() string {
	if s.Err != nil {
		return fmt.Sprintf("%s(%v)", s.State, s.Err)
	}
	return s.State.String()
}
