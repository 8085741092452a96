package wsmux

// State is the lifecycle state of the client's single socket.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name for JSON status payloads.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }
