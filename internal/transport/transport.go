// Package transport owns the UDP socket and the peer connection lifecycle.
// It frames datagrams, retransmits reliable frames, measures latency, and
// hands everything else to the caller as events. The receive goroutine only
// enqueues raw datagrams under a single lock; all state mutation happens in
// Process, called from the session tick.
package transport

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"peerlink/internal/addrutil"
)

// Frame kinds. Every datagram starts with one kind byte.
const (
	frameData uint8 = iota + 1
	frameAck
	framePing
	framePong
	frameConnect
	frameConnectAck
	frameDisconnect
	frameUnconnected
	frameDiscovery
	frameDiscoveryResponse
)

// Delivery modes for data frames.
const (
	modeReliableOrdered uint8 = iota + 1
	modeReliableUnordered
	modeUnreliable
)

const (
	maxDatagram = 64 * 1024

	DefaultRetryInterval = 250 * time.Millisecond
	DefaultMaxRetries    = 10
	DefaultPingInterval  = 2 * time.Second
	DefaultTimeout       = 10 * time.Second
)

// Config controls socket binding and the reliability sublayer.
type Config struct {
	Port          int // 0 binds an ephemeral port
	RetryInterval time.Duration
	MaxRetries    int
	PingInterval  time.Duration
	Timeout       time.Duration
}

func (c *Config) applyDefaults() {
	if c.RetryInterval <= 0 {
		c.RetryInterval = DefaultRetryInterval
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
}

type packet struct {
	addr *net.UDPAddr
	data []byte
}

// Transport is one bound UDP socket plus its peer table.
type Transport struct {
	cfg  Config
	log  *zap.Logger
	conn *net.UDPConn

	mu      sync.Mutex
	inbox   []packet
	readErr error
	closed  bool

	peers map[string]*Peer

	outwardIP string
}

// Listen binds the socket and starts the receive goroutine.
func Listen(cfg Config, log *zap.Logger) (*Transport, error) {
	cfg.applyDefaults()

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: cfg.Port})
	if err != nil {
		return nil, fmt.Errorf("bind udp :%d: %w", cfg.Port, err)
	}

	t := &Transport{
		cfg:       cfg,
		log:       log,
		conn:      conn,
		peers:     make(map[string]*Peer),
		outwardIP: addrutil.OutwardIPv4(),
	}
	go t.readLoop()

	log.Info("transport listening",
		zap.String("addr", conn.LocalAddr().String()),
		zap.String("outward_ip", t.outwardIP))
	return t, nil
}

// LocalAddr returns the bound socket address.
func (t *Transport) LocalAddr() *net.UDPAddr {
	return t.conn.LocalAddr().(*net.UDPAddr)
}

// OutwardEndpoint returns the endpoint key remote peers on the same network
// would use to reach this socket.
func (t *Transport) OutwardEndpoint() string {
	return addrutil.EndpointKey(t.outwardIP, t.LocalAddr().Port)
}

// Close shuts the socket down; the read goroutine exits on the next read.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return multierr.Combine(t.conn.Close())
}

func (t *Transport) readLoop() {
	buf := make([]byte, maxDatagram)
	for {
		n, addr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			t.mu.Lock()
			if !t.closed {
				t.readErr = err
			}
			t.mu.Unlock()
			return
		}
		if n == 0 {
			continue
		}
		data := append([]byte(nil), buf[:n]...)
		t.mu.Lock()
		t.inbox = append(t.inbox, packet{addr: addr, data: data})
		t.mu.Unlock()
	}
}

// Connect starts the handshake toward an endpoint and returns the handle.
// Peer-connected is emitted from Process once the remote acknowledges.
// Connecting to an already known endpoint returns the existing handle.
func (t *Transport) Connect(endpoint string) (*Peer, error) {
	addr, err := addrutil.ResolveUDP(endpoint)
	if err != nil {
		return nil, err
	}
	key := addr.String()
	if p, ok := t.peers[key]; ok {
		return p, nil
	}
	p := newPeer(addr, peerConnecting, time.Time{})
	t.peers[key] = p
	t.writeFrame(addr, []byte{frameConnect})
	return p, nil
}

// Peer returns the handle for an endpoint key, or nil.
func (t *Transport) Peer(key string) *Peer {
	return t.peers[key]
}

// Disconnect tears a peer down and notifies the remote side. The caller sees
// no event; it initiated the action.
func (t *Transport) Disconnect(p *Peer, reason string) {
	if p == nil {
		return
	}
	if len(reason) > 255 {
		reason = reason[:255]
	}
	frame := append([]byte{frameDisconnect, byte(len(reason))}, reason...)
	t.writeFrame(p.addr, frame)
	delete(t.peers, p.key)
}

// SendReliableOrdered queues b for in-order reliable delivery.
func (t *Transport) SendReliableOrdered(p *Peer, b []byte) error {
	return t.sendReliable(p, modeReliableOrdered, b)
}

// SendReliableUnordered queues b for reliable delivery without ordering.
func (t *Transport) SendReliableUnordered(p *Peer, b []byte) error {
	return t.sendReliable(p, modeReliableUnordered, b)
}

// SendUnreliable fires b at the peer once, best effort.
func (t *Transport) SendUnreliable(p *Peer, b []byte) error {
	if p == nil {
		return fmt.Errorf("nil peer")
	}
	frame := make([]byte, 0, 4+len(b))
	frame = append(frame, frameData, modeUnreliable, 0, 0)
	frame = append(frame, b...)
	return t.writeFrame(p.addr, frame)
}

func (t *Transport) sendReliable(p *Peer, mode uint8, b []byte) error {
	if p == nil {
		return fmt.Errorf("nil peer")
	}
	var seq uint16
	var pending map[uint16]*pendingFrame
	switch mode {
	case modeReliableOrdered:
		seq = p.roSendSeq
		p.roSendSeq++
		pending = p.roPending
	case modeReliableUnordered:
		seq = p.ruSendSeq
		p.ruSendSeq++
		pending = p.ruPending
	}

	frame := make([]byte, 0, 4+len(b))
	frame = append(frame, frameData, mode)
	frame = binary.BigEndian.AppendUint16(frame, seq)
	frame = append(frame, b...)

	pending[seq] = &pendingFrame{data: frame, lastSent: time.Now()}
	return t.writeFrame(p.addr, frame)
}

// SendUnconnected delivers b outside any connection, best effort.
func (t *Transport) SendUnconnected(endpoint string, b []byte) error {
	addr, err := addrutil.ResolveUDP(endpoint)
	if err != nil {
		return err
	}
	return t.writeFrame(addr, append([]byte{frameUnconnected}, b...))
}

// SendDiscoveryResponse answers a discovery datagram.
func (t *Transport) SendDiscoveryResponse(addr *net.UDPAddr, b []byte) error {
	return t.writeFrame(addr, append([]byte{frameDiscoveryResponse}, b...))
}

// BroadcastDiscovery sends a discovery datagram to the local broadcast
// address at the given port.
func (t *Transport) BroadcastDiscovery(b []byte, port int) error {
	addr := &net.UDPAddr{IP: net.IPv4bcast, Port: port}
	_, err := t.conn.WriteToUDP(append([]byte{frameDiscovery}, b...), addr)
	if err != nil {
		return fmt.Errorf("broadcast discovery: %w", err)
	}
	return nil
}

func (t *Transport) writeFrame(addr *net.UDPAddr, frame []byte) error {
	if _, err := t.conn.WriteToUDP(frame, addr); err != nil {
		return fmt.Errorf("write %s: %w", addr, err)
	}
	return nil
}

// Process drains the inbox, runs retransmission, keepalive and timeout
// bookkeeping, and returns the events this tick produced.
func (t *Transport) Process(now time.Time) []Event {
	t.mu.Lock()
	batch := t.inbox
	t.inbox = nil
	readErr := t.readErr
	t.readErr = nil
	t.mu.Unlock()

	var events []Event
	if readErr != nil {
		events = append(events, Event{Kind: EventSocketError, Err: readErr})
	}

	for _, pkt := range batch {
		events = t.handleDatagram(pkt.addr, pkt.data, now, events)
	}
	events = t.tickPeers(now, events)
	return events
}

func (t *Transport) handleDatagram(addr *net.UDPAddr, data []byte, now time.Time, events []Event) []Event {
	kind := data[0]
	body := data[1:]
	key := addr.String()
	p := t.peers[key]
	if p != nil {
		p.lastRecv = now
	}

	switch kind {
	case frameConnect:
		if p == nil {
			p = newPeer(addr, peerConnected, now)
			t.peers[key] = p
			events = append(events, Event{Kind: EventPeerConnected, Peer: p})
		} else if p.state == peerConnecting {
			// Simultaneous connect: both sides dialed each other.
			p.state = peerConnected
			events = append(events, Event{Kind: EventPeerConnected, Peer: p})
		}
		t.writeFrame(addr, []byte{frameConnectAck})

	case frameConnectAck:
		if p != nil && p.state == peerConnecting {
			p.state = peerConnected
			events = append(events, Event{Kind: EventPeerConnected, Peer: p})
		}

	case frameData:
		if p == nil || p.state != peerConnected || len(body) < 3 {
			return events
		}
		mode := body[0]
		seq := binary.BigEndian.Uint16(body[1:3])
		payload := body[3:]
		switch mode {
		case modeUnreliable:
			events = append(events, Event{Kind: EventData, Peer: p, Data: payload})
		case modeReliableUnordered:
			t.writeFrame(addr, []byte{frameAck, mode, body[1], body[2]})
			if p.ruSeen[seq] {
				return events
			}
			p.markSeen(seq)
			events = append(events, Event{Kind: EventData, Peer: p, Data: payload})
		case modeReliableOrdered:
			t.writeFrame(addr, []byte{frameAck, mode, body[1], body[2]})
			if seq == p.roRecvNext {
				events = append(events, Event{Kind: EventData, Peer: p, Data: payload})
				p.roRecvNext++
				for {
					held, ok := p.roHold[p.roRecvNext]
					if !ok {
						break
					}
					delete(p.roHold, p.roRecvNext)
					events = append(events, Event{Kind: EventData, Peer: p, Data: held})
					p.roRecvNext++
				}
			} else if seqNewer(seq, p.roRecvNext) {
				p.roHold[seq] = append([]byte(nil), payload...)
			}
			// Older than expected: duplicate, already acked above.
		}

	case frameAck:
		if p == nil || len(body) < 3 {
			return events
		}
		seq := binary.BigEndian.Uint16(body[1:3])
		switch body[0] {
		case modeReliableOrdered:
			delete(p.roPending, seq)
		case modeReliableUnordered:
			delete(p.ruPending, seq)
		}

	case framePing:
		if len(body) >= 2 {
			t.writeFrame(addr, []byte{framePong, body[0], body[1]})
		}

	case framePong:
		if p == nil || len(body) < 2 || !p.pingPending {
			return events
		}
		if binary.BigEndian.Uint16(body[:2]) == p.pingNonce {
			p.pingPending = false
			ms := float64(now.Sub(p.pingSentAt).Microseconds()) / 1000.0
			events = append(events, Event{Kind: EventLatency, Peer: p, LatencyMs: ms})
		}

	case frameDisconnect:
		if p == nil {
			return events
		}
		reason := "closed by remote"
		if len(body) >= 1 {
			n := int(body[0])
			if len(body) >= 1+n && n > 0 {
				reason = string(body[1 : 1+n])
			}
		}
		delete(t.peers, key)
		events = append(events, Event{Kind: EventPeerDisconnected, Peer: p, Reason: reason})

	case frameUnconnected:
		events = append(events, Event{Kind: EventUnconnected, Addr: addr, Data: body, Unconnected: UnconnectedDefault})

	case frameDiscovery:
		events = append(events, Event{Kind: EventUnconnected, Addr: addr, Data: body, Unconnected: UnconnectedDiscovery})

	case frameDiscoveryResponse:
		events = append(events, Event{Kind: EventUnconnected, Addr: addr, Data: body, Unconnected: UnconnectedDiscoveryResponse})

	default:
		t.log.Debug("unknown frame kind dropped", zap.Uint8("kind", kind), zap.String("from", key))
	}
	return events
}

func (t *Transport) tickPeers(now time.Time, events []Event) []Event {
	for key, p := range t.peers {
		switch p.state {
		case peerConnecting:
			if now.Sub(p.connectLastSent) >= t.cfg.RetryInterval {
				if p.connectAttempts >= t.cfg.MaxRetries {
					delete(t.peers, key)
					events = append(events, Event{Kind: EventPeerDisconnected, Peer: p, Reason: "connect timeout"})
					continue
				}
				t.writeFrame(p.addr, []byte{frameConnect})
				p.connectLastSent = now
				p.connectAttempts++
			}

		case peerConnected:
			if dropped := t.retransmit(p, p.roPending, now); dropped {
				delete(t.peers, key)
				events = append(events, Event{Kind: EventPeerDisconnected, Peer: p, Reason: "retry limit"})
				continue
			}
			if dropped := t.retransmit(p, p.ruPending, now); dropped {
				delete(t.peers, key)
				events = append(events, Event{Kind: EventPeerDisconnected, Peer: p, Reason: "retry limit"})
				continue
			}
			if !p.lastRecv.IsZero() && now.Sub(p.lastRecv) > t.cfg.Timeout {
				delete(t.peers, key)
				events = append(events, Event{Kind: EventPeerDisconnected, Peer: p, Reason: "timeout"})
				continue
			}
			if now.Sub(p.lastPing) >= t.cfg.PingInterval {
				p.pingNonce++
				p.pingPending = true
				p.pingSentAt = now
				p.lastPing = now
				frame := []byte{framePing, 0, 0}
				binary.BigEndian.PutUint16(frame[1:], p.pingNonce)
				t.writeFrame(p.addr, frame)
			}
		}
	}
	return events
}

// retransmit resends overdue frames; true means the retry budget is spent.
func (t *Transport) retransmit(p *Peer, pending map[uint16]*pendingFrame, now time.Time) bool {
	for _, pf := range pending {
		if now.Sub(pf.lastSent) < t.cfg.RetryInterval {
			continue
		}
		if pf.attempts >= t.cfg.MaxRetries {
			return true
		}
		t.writeFrame(p.addr, pf.data)
		pf.lastSent = now
		pf.attempts++
	}
	return false
}
