package connection

// State represents the lifecycle of the shared duplex connection. It is
// owned exclusively by the Manager and mutated only on socket lifecycle
// transitions; everything else observes it via SubscribeState.
type State int

const (
	// StateDisconnected means no connection exists.
	StateDisconnected State = iota

	// StateConnecting means a dial (or scheduled redial) is in flight.
	StateConnecting

	// StateConnected means the connection is established and ready.
	StateConnected
)

// String returns the string representation of a State.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Stats carries what the liveness exchange learns about the connection.
type Stats struct {
	// PeerCount is the number of clients the server reported in its last
	// pong payload.
	PeerCount int

	// LastError is set when automatic reconnection gives up; empty while
	// the connection is healthy. Cleared on manual disconnect.
	LastError string
}
