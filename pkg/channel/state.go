package channel

import "fmt"

// State is the lifecycle state of an endpoint.
type State int

const (
	StateCreated State = iota
	StateConnecting
	StateReady
	StateShuttingDown
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "Created"
	case StateConnecting:
		return "Connecting"
	case StateReady:
		return "Ready"
	case StateShuttingDown:
		return "ShuttingDown"
	case StateTerminated:
		return "Terminated"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MarshalText renders the state name in JSON introspection output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name produced by MarshalText.
func (s *State) UnmarshalText(text []byte) error {
	for st := StateCreated; st <= StateTerminated; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown endpoint state %q", text)
}

// canTransition reports whether from -> to is an edge of the state machine.
func canTransition(from, to State) bool {
	switch from {
	case StateCreated:
		return to == StateConnecting || to == StateShuttingDown
	case StateConnecting:
		return to == StateReady || to == StateShuttingDown
	case StateReady:
		return to == StateShuttingDown
	case StateShuttingDown:
		return to == StateTerminated
	default:
		return false
	}
}
