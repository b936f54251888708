package session

import "slices"

// State is the lifecycle state of a transport session.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
	StateOffline      State = "offline"
	StateClosed       State = "closed"
)

// transitions lists the legal successors of each state. Closed has none.
var transitions = map[State][]State{
	StateDisconnected: {StateConnecting, StateError, StateOffline, StateClosed},
	StateConnecting:   {StateConnected, StateError, StateOffline, StateClosed},
	StateConnected:    {StateConnecting, StateError, StateOffline, StateClosed},
	StateError:        {StateConnecting, StateOffline, StateClosed},
	StateOffline:      {StateConnecting, StateError, StateClosed},
}

// CanTransition reports whether from → to is a legal transition.
func CanTransition(from, to State) bool {
	return slices.Contains(transitions[from], to)
}

// Status is the observable connection status of a session.
type Status struct {
	State State
	// OfflineMode is true while edits are being queued locally. It can be
	// true while a physical connection exists.
	OfflineMode   bool
	NetworkOnline bool
	// Attempt is the number of reconnect delays used in the current cycle.
	Attempt   int
	Err       error
	SessionID string
}
