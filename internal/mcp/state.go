package mcp

// State is the connection negotiation state. Transitions run strictly
// forward through the handshake sequence; Failed is terminal and is
// reachable from any non-terminal state. A client in Failed stays
// there until an explicit new Connect.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateVersionNegotiating
	StateCapabilityDiscovering
	StateFeatureInitializing
	StateReady
	StateDisconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateVersionNegotiating:
		return "version-negotiating"
	case StateCapabilityDiscovering:
		return "capability-discovering"
	case StateFeatureInitializing:
		return "feature-initializing"
	case StateReady:
		return "ready"
	case StateDisconnecting:
		return "disconnecting"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}
