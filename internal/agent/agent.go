// Package agent holds the per-agent session model and the registry indexing
// every agent known to the local session.
package agent

import (
	"github.com/google/uuid"

	"peerlink/internal/metrics"
	"peerlink/internal/transport"
)

// ConnState tracks how far the connection to an agent has progressed.
type ConnState int

const (
	StatePending ConnState = iota // introduced, no path chosen yet
	StateConnecting
	StateConnected
	StateDisconnected
)

func (s ConnState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// SessionAgent is one participant in a session. Exactly one instance exists
// per UUID; the registry additionally indexes it by its endpoint keys so raw
// unconnected datagrams can be attributed to a sender.
type SessionAgent struct {
	ID       uuid.UUID
	Name     string
	Platform string
	VoiceID  string

	PrivateEndpoint   string // host:port behind the agent's NAT
	PublicEndpoint    string // host:port as observed by the facilitator
	ConnectedEndpoint string // the path negotiation settled on

	Relay  bool // traffic goes through the facilitator
	IsHost bool

	State   ConnState
	Latency *metrics.Rolling
	Peer    *transport.Peer
}

// New creates an agent record with an empty latency window.
func New(id uuid.UUID, name string) *SessionAgent {
	return &SessionAgent{
		ID:      id,
		Name:    name,
		Latency: metrics.NewRolling(0),
	}
}
