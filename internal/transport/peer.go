package transport

import (
	"net"
	"time"
)

type peerState uint8

const (
	peerConnecting peerState = iota + 1
	peerConnected
)

// Peer is the handle for one connected remote endpoint. All fields are owned
// by the transport and mutated only from Process.
type Peer struct {
	addr  *net.UDPAddr
	key   string
	state peerState

	// Reliable-ordered stream.
	roSendSeq uint16
	roPending map[uint16]*pendingFrame
	roRecvNext uint16
	roHold     map[uint16][]byte

	// Reliable-unordered stream.
	ruSendSeq uint16
	ruPending map[uint16]*pendingFrame
	ruSeen    map[uint16]bool
	ruHighest uint16
	ruPrimed  bool

	// Connect handshake retransmission.
	connectLastSent time.Time
	connectAttempts int

	// Liveness and latency.
	lastRecv    time.Time
	lastPing    time.Time
	pingNonce   uint16
	pingSentAt  time.Time
	pingPending bool
}

type pendingFrame struct {
	data     []byte
	lastSent time.Time
	attempts int
}

func newPeer(addr *net.UDPAddr, state peerState, now time.Time) *Peer {
	return &Peer{
		addr:      addr,
		key:       addr.String(),
		state:     state,
		roPending: make(map[uint16]*pendingFrame),
		roHold:    make(map[uint16][]byte),
		ruPending: make(map[uint16]*pendingFrame),
		ruSeen:    make(map[uint16]bool),
		lastRecv:  now,
	}
}

// Addr returns the remote UDP address.
func (p *Peer) Addr() *net.UDPAddr { return p.addr }

// Key returns the canonical "host:port" endpoint key.
func (p *Peer) Key() string { return p.key }

// Connected reports whether the connect handshake completed.
func (p *Peer) Connected() bool { return p.state == peerConnected }

// seqNewer reports whether a is ahead of b in wrapping 16-bit space.
func seqNewer(a, b uint16) bool {
	return int16(a-b) > 0
}

// markSeen records a reliable-unordered sequence and prunes entries that have
// fallen far enough behind to never be retransmitted.
func (p *Peer) markSeen(seq uint16) {
	p.ruSeen[seq] = true
	if !p.ruPrimed || seqNewer(seq, p.ruHighest) {
		p.ruHighest = seq
		p.ruPrimed = true
	}
	if len(p.ruSeen) > 1024 {
		for s := range p.ruSeen {
			if int16(p.ruHighest-s) > 512 {
				delete(p.ruSeen, s)
			}
		}
	}
}
