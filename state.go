package signupdb

// State is the lifecycle of a Provider's shared pool. Acquire moves
// Unconnected, Failed, or a Connected provider whose pool went unhealthy into
// Connecting; an attempt ends in Connected or Failed. Close returns to
// Unconnected from any state.
type State int32

const (
	StateUnconnected State = iota
	StateConnecting
	StateConnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnconnected:
		return "unconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}
