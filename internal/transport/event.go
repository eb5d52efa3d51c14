package transport

import "net"

// EventKind enumerates transport events surfaced to the session tick.
type EventKind uint8

const (
	EventPeerConnected EventKind = iota + 1
	EventPeerDisconnected
	EventData
	EventUnconnected
	EventLatency
	EventSocketError
)

// UnconnectedKind tags datagrams that arrive outside any peer connection.
type UnconnectedKind uint8

const (
	UnconnectedDefault UnconnectedKind = iota
	UnconnectedDiscovery
	UnconnectedDiscoveryResponse
)

// Event is the only way transport state changes reach the caller. No business
// logic runs inside the transport; the session drains events once per tick.
type Event struct {
	Kind        EventKind
	Peer        *Peer
	Addr        *net.UDPAddr
	Data        []byte
	Unconnected UnconnectedKind
	LatencyMs   float64
	Reason      string
	Err         error
}
