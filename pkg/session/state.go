package session

import "fmt"

// State is a handshake stage of one connection
type State uint8

// Handshake states
const (
	StateInit State = iota
	StateAwaitingServerPubkey
	StateKeySent
	StateAwaitingAccessChallenge
	StateReady
	StateRejected
)

var stateNames = map[State]string{
	StateInit:                    "INIT",
	StateAwaitingServerPubkey:    "AWAITING_SERVER_PUBKEY",
	StateKeySent:                 "KEY_SENT",
	StateAwaitingAccessChallenge: "AWAITING_ACCESS_CHALLENGE",
	StateReady:                   "READY",
	StateRejected:                "REJECTED",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("STATE(%d)", uint8(s))
}

// transitions lists the forward moves allowed from each state. Any
// non-terminal state may also move to StateRejected.
var transitions = map[State][]State{
	StateInit:                    {StateAwaitingServerPubkey, StateKeySent},
	StateAwaitingServerPubkey:    {StateKeySent},
	StateKeySent:                 {StateAwaitingAccessChallenge, StateReady},
	StateAwaitingAccessChallenge: {StateReady},
}

// Terminal reports whether no further transition is possible
func (s State) Terminal() bool {
	return s == StateReady || s == StateRejected
}

// CanTransition reports whether moving from s to next is legal
func (s State) CanTransition(next State) bool {
	if s.Terminal() {
		return false
	}
	if next == StateRejected {
		return true
	}
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
