package orchestrator

// State is the lifecycle phase of a session's upstream provider connection.
type State int

const (
	// StateConnecting is opening the provider socket.
	StateConnecting State = iota

	// StateSetupSent is waiting for the provider to acknowledge setup.
	StateSetupSent

	// StateReady accepts audio; nothing is in flight.
	StateReady

	// StateStreaming has audio flowing upstream.
	StateStreaming

	// StateDraining received audio_end and is waiting for the final turn.
	StateDraining

	// StateReconnecting lost the provider connection and is backing off.
	StateReconnecting

	// StateClosed is terminal.
	StateClosed
)

// String returns the lifecycle phase name.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateSetupSent:
		return "setup_sent"
	case StateReady:
		return "ready"
	case StateStreaming:
		return "streaming"
	case StateDraining:
		return "draining"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
