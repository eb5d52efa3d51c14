// Package session orchestrates one agent's participation in a peer-to-peer
// session: the facilitator client, NAT traversal toward introduced agents,
// message dispatch and the entity synchronizer glue. Everything runs on one
// goroutine via Process; other goroutines hand work in through Enqueue.
package session

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"peerlink/internal/agent"
	"peerlink/internal/config"
	"peerlink/internal/correlate"
	"peerlink/internal/entity"
	"peerlink/internal/facilitator"
	"peerlink/internal/metrics"
	"peerlink/internal/stunutil"
	"peerlink/internal/transport"
	"peerlink/internal/wire"
)

// State is the facilitator-client lifecycle.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateRegistering
	StateRegistered
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateRegistering:
		return "registering"
	case StateRegistered:
		return "registered"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// Events collects the optional callbacks the embedding application can hook.
// All callbacks run on the Process goroutine; nil members are skipped.
type Events struct {
	SessionStarted    func(hosted bool, name string)
	SessionError      func(op, reason string)
	AgentConnected    func(a *agent.SessionAgent)
	AgentDisconnected func(a *agent.SessionAgent)
	AgentsListed      func(agents []facilitator.AgentSummary)

	ValueReceived     func(from uuid.UUID, name string, value float32)
	TransformReceived func(from uuid.UUID, d wire.TransformData)
	VoiceReceived     func(from uuid.UUID, data []byte)
}

// Session is the per-process orchestrator. It owns its transport, correlator,
// registry and entity manager; nothing in the package is a singleton, so two
// sessions can coexist in one process.
type Session struct {
	cfg config.AgentConfig
	log *zap.Logger
	clk clock.Clock

	tr   *transport.Transport
	corr *correlate.Correlator
	reg  *agent.Registry
	ents *entity.Manager

	events Events

	state       State
	facPeer     *transport.Peer
	localID     uuid.UUID
	sessionName string
	hosting     bool
	nat         stunutil.NATType

	attempts map[uuid.UUID]*natAttempt

	handlers map[handlerKey]func(from *agent.SessionAgent, m wire.Message)

	queue chan func()

	lastKeepalive time.Time
}

type handlerKey struct {
	t    wire.MessageType
	name string // empty matches any name of the type
}

// New builds a session and binds its UDP socket. The transport starts
// reading immediately; nothing is delivered until Process runs.
func New(cfg config.AgentConfig, events Events, log *zap.Logger, clk clock.Clock) (*Session, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if clk == nil {
		clk = clock.New()
	}

	tr, err := transport.Listen(transport.Config{
		Port:          cfg.Port,
		RetryInterval: time.Duration(cfg.RetryIntervalMs) * time.Millisecond,
	}, log.Named("transport"))
	if err != nil {
		return nil, err
	}

	s := &Session{
		cfg:      cfg,
		log:      log,
		clk:      clk,
		tr:       tr,
		corr:     correlate.New(log.Named("correlate"), clk),
		reg:      agent.NewRegistry(log.Named("registry")),
		events:   events,
		nat:      stunutil.NATUnknown,
		attempts: make(map[uuid.UUID]*natAttempt),
		queue:    make(chan func(), 256),
	}
	s.ents = entity.NewManager(log.Named("entity"),
		func() uuid.UUID { return s.localID },
		func() bool { return s.hosting })
	s.ents.SetBroadcaster((*broadcaster)(s))
	s.reg.OnRemove(s.agentRemoved)
	s.buildHandlers()
	return s, nil
}

// State reports the facilitator-client state.
func (s *Session) State() State { return s.state }

// ID returns the facilitator-assigned identity, zero before registration.
func (s *Session) ID() uuid.UUID { return s.localID }

// Hosting reports whether this agent currently hosts the session.
func (s *Session) Hosting() bool { return s.hosting }

// Entities exposes the entity synchronizer.
func (s *Session) Entities() *entity.Manager { return s.ents }

// Registry exposes the agent table.
func (s *Session) Registry() *agent.Registry { return s.reg }

// LocalPort returns the bound UDP port.
func (s *Session) LocalPort() int { return s.tr.LocalAddr().Port }

// Enqueue hands a closure to the Process goroutine. The only session API
// safe to call from other goroutines.
func (s *Session) Enqueue(fn func()) {
	select {
	case s.queue <- fn:
	default:
		s.log.Warn("session queue full, dropping enqueued work")
	}
}

// Process runs one cooperative tick: transport events, correlator sweep,
// queued work, punch retries, keepalive and deferred entity attachment.
func (s *Session) Process() {
	now := s.clk.Now()

	for _, ev := range s.tr.Process(now) {
		s.handleTransportEvent(ev)
	}

	s.corr.Sweep(now)

drain:
	for {
		select {
		case fn := <-s.queue:
			fn()
		default:
			break drain
		}
	}

	s.tickNat(now)
	s.tickKeepalive(now)
	s.ents.ProcessPending()
}

// Close leaves the session and releases the socket. Safe to call in any
// state; a registered session notifies its peers first.
func (s *Session) Close() error {
	var errs error
	for _, a := range s.reg.All() {
		if a.State == agent.StateConnected && !a.Relay {
			s.sendToAgent(a, wire.Message{Type: wire.TypeConnection, Name: wire.NameEnd}, sendReliableOrdered)
		}
	}
	errs = multierr.Append(errs, s.tr.Close())
	s.state = StateDisconnected
	return errs
}

func (s *Session) emitError(op, reason string) {
	s.log.Warn("operation failed", zap.String("op", op), zap.String("reason", reason))
	if s.events.SessionError != nil {
		s.events.SessionError(op, reason)
	}
}

// agentRemoved is the registry cascade hook: tear down the leaver's
// entities, surface the event, and elect a new host if the host left.
func (s *Session) agentRemoved(a *agent.SessionAgent) {
	delete(s.attempts, a.ID)
	s.ents.DestroyOwnedBy(a.ID)
	if s.events.AgentDisconnected != nil {
		s.events.AgentDisconnected(a)
	}
	if a.IsHost {
		s.electHost()
	}
}

// electHost promotes the lowest agent id (self included) after the host
// leaves. Deterministic, so every remaining agent picks the same winner.
func (s *Session) electHost() {
	winner := s.localID
	for _, a := range s.reg.All() {
		if a.State != agent.StateConnected {
			continue
		}
		if a.ID.String() < winner.String() {
			winner = a.ID
		}
	}
	if winner == s.localID {
		s.hosting = true
		if self := s.reg.Self(); self != nil {
			self.IsHost = true
		}
		s.ents.PromoteOwned()
		s.log.Info("elected as host", zap.String("session", s.sessionName))
		if s.events.SessionStarted != nil {
			s.events.SessionStarted(true, s.sessionName)
		}
		return
	}
	if a := s.reg.ByID(winner); a != nil {
		a.IsHost = true
		s.log.Info("host elected", zap.String("host", winner.String()))
	}
}

func (s *Session) recordLatency(a *agent.SessionAgent, ms float64) {
	a.Latency.Add(ms)
	if s.cfg.MetricsPath == "" {
		return
	}
	path := "direct"
	if a.Relay {
		path = "relay"
	}
	sample := metrics.Sample{
		Timestamp: s.clk.Now(),
		AgentID:   s.localID.String(),
		PeerID:    a.ID.String(),
		Path:      path,
		RTTMs:     ms,
		JitterMs:  a.Latency.Jitter(),
	}
	if err := metrics.AppendCSV(s.cfg.MetricsPath, []metrics.Sample{sample}); err != nil {
		s.log.Debug("metrics append failed", zap.Error(err))
	}
}
