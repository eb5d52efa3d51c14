package session

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"peerlink/internal/agent"
	"peerlink/internal/config"
	"peerlink/internal/entity"
	"peerlink/internal/facilitator"
	"peerlink/internal/transport"
	"peerlink/internal/wire"
)

type recorder struct {
	started     []string // "host:name" / "join:name"
	errors      []string // "op/reason"
	connected   []uuid.UUID
	gone        []uuid.UUID
	listed      [][]facilitator.AgentSummary
	values      []float32
	valueNames  []string
	transforms  []wire.TransformData
	voiceFrames [][]byte
}

func (r *recorder) events() Events {
	return Events{
		SessionStarted: func(hosted bool, name string) {
			kind := "join"
			if hosted {
				kind = "host"
			}
			r.started = append(r.started, kind+":"+name)
		},
		SessionError: func(op, reason string) { r.errors = append(r.errors, op+"/"+reason) },
		AgentConnected: func(a *agent.SessionAgent) {
			r.connected = append(r.connected, a.ID)
		},
		AgentDisconnected: func(a *agent.SessionAgent) { r.gone = append(r.gone, a.ID) },
		AgentsListed: func(agents []facilitator.AgentSummary) {
			r.listed = append(r.listed, agents)
		},
		ValueReceived: func(_ uuid.UUID, name string, v float32) {
			r.valueNames = append(r.valueNames, name)
			r.values = append(r.values, v)
		},
		TransformReceived: func(_ uuid.UUID, d wire.TransformData) {
			r.transforms = append(r.transforms, d)
		},
		VoiceReceived: func(_ uuid.UUID, data []byte) {
			r.voiceFrames = append(r.voiceFrames, append([]byte(nil), data...))
		},
	}
}

type env struct {
	t           *testing.T
	srv         *facilitator.Server
	facEndpoint string
	sessions    []*Session
}

func newEnv(t *testing.T) *env {
	t.Helper()
	str, err := transport.Listen(transport.Config{}, zap.NewNop())
	if err != nil {
		t.Fatalf("facilitator listen: %v", err)
	}
	t.Cleanup(func() { str.Close() })
	e := &env{t: t, srv: facilitator.New(facilitator.Config{}, str, zap.NewNop(), nil)}
	e.facEndpoint = fmt.Sprintf("127.0.0.1:%d", str.LocalAddr().Port)
	return e
}

func (e *env) session(name string, forceRelay bool) (*Session, *recorder) {
	e.t.Helper()
	rec := &recorder{}
	cfg := config.AgentConfig{
		Name:              name,
		Platform:          "desktop",
		Facilitator:       e.facEndpoint,
		MaxAgents:         9,
		ForceRelay:        forceRelay,
		RequestTimeoutSec: 5,
		RetryIntervalMs:   30,
		NatTimeoutSec:     2,
		KeepaliveSec:      20,
	}
	s, err := New(cfg, rec.events(), zap.NewNop(), nil)
	if err != nil {
		e.t.Fatalf("session %s: %v", name, err)
	}
	e.t.Cleanup(func() { s.Close() })
	e.sessions = append(e.sessions, s)
	return s, rec
}

// pump ticks the facilitator and every session until done reports true.
func (e *env) pump(done func() bool) {
	e.t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		e.srv.Tick(time.Now())
		for _, s := range e.sessions {
			s.Process()
		}
		if done() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	e.t.Fatal("pump deadline exceeded")
}

func (e *env) registered(name string, forceRelay bool) (*Session, *recorder) {
	e.t.Helper()
	s, rec := e.session(name, forceRelay)
	s.Connect()
	e.pump(func() bool { return s.State() == StateRegistered })
	return s, rec
}

// pair registers a host and a guest and connects them through host/join.
func (e *env) pair(forceRelay bool) (*Session, *recorder, *Session, *recorder) {
	e.t.Helper()
	h, hrec := e.registered("host", forceRelay)
	g, grec := e.registered("guest", forceRelay)
	h.HostSession(facilitator.HostRequest{Name: "arena", Max: 4})
	e.pump(func() bool { return h.Hosting() })
	g.JoinSession("arena")
	e.pump(func() bool {
		return connectedTo(h, g.ID()) && connectedTo(g, h.ID())
	})
	return h, hrec, g, grec
}

func connectedTo(s *Session, id uuid.UUID) bool {
	a := s.Registry().ByID(id)
	return a != nil && a.State == agent.StateConnected
}

func TestConnectAndRegister(t *testing.T) {
	e := newEnv(t)
	s, _ := e.registered("alice", false)

	if s.ID() == uuid.Nil {
		t.Fatal("no identity assigned")
	}
	self := s.Registry().Self()
	if self == nil || self.PublicEndpoint == "" {
		t.Fatalf("self not populated: %+v", self)
	}
}

func TestOperations_RequireRegistration(t *testing.T) {
	e := newEnv(t)
	s, rec := e.session("early", false)

	s.HostSession(facilitator.HostRequest{Name: "arena", Max: 4})
	s.JoinSession("arena")
	s.ListAgents()
	if len(rec.errors) != 3 {
		t.Fatalf("errors = %v, want 3 not-registered failures", rec.errors)
	}
}

func TestListAgents(t *testing.T) {
	e := newEnv(t)
	a, arec := e.registered("alice", false)
	b, _ := e.registered("bob", false)

	a.ListAgents()
	e.pump(func() bool { return len(arec.listed) > 0 })
	got := arec.listed[0]
	if len(got) != 1 || got[0].ID != b.ID().String() {
		t.Fatalf("list = %+v", got)
	}

	// Listed agents land in the registry so a later FacilitateConnection by
	// id works without a prior introduction.
	known := a.Registry().ByID(b.ID())
	if known == nil || known.Name != "bob" {
		t.Fatalf("registry after list = %+v", known)
	}
}

func TestHostJoin_DirectConnection(t *testing.T) {
	e := newEnv(t)
	h, hrec, g, grec := e.pair(false)

	if len(hrec.started) == 0 || hrec.started[0] != "host:arena" {
		t.Fatalf("host started = %v", hrec.started)
	}
	if len(grec.started) == 0 || grec.started[0] != "join:arena" {
		t.Fatalf("guest started = %v", grec.started)
	}
	if ha := g.Registry().ByID(h.ID()); !ha.IsHost {
		t.Fatal("guest does not see host flag")
	}
	if ga := h.Registry().ByID(g.ID()); ga.Relay {
		t.Fatal("direct pair fell back to relay")
	}
}

func TestHostJoin_ForceRelay(t *testing.T) {
	e := newEnv(t)
	h, _, g, grec := e.pair(true)

	if a := h.Registry().ByID(g.ID()); !a.Relay {
		t.Fatal("guest not marked relayed on host")
	}

	// Traffic still flows, wrapped through the facilitator.
	h.SendValue("score", 42, true)
	e.pump(func() bool { return len(grec.values) > 0 })
	if grec.values[0] != 42 || grec.valueNames[0] != "score" {
		t.Fatalf("value = %v %v", grec.valueNames, grec.values)
	}
}

func TestValueAndVoice(t *testing.T) {
	e := newEnv(t)
	h, hrec, g, grec := e.pair(false)

	g.SendValue("ready", 1, true)
	e.pump(func() bool { return len(hrec.values) > 0 })
	if hrec.valueNames[0] != "ready" {
		t.Fatalf("host got %v", hrec.valueNames)
	}

	h.SendVoice([]byte{0x10, 0x20})
	e.pump(func() bool { return len(grec.voiceFrames) > 0 })
	if len(grec.voiceFrames[0]) != 2 {
		t.Fatalf("voice frame = %v", grec.voiceFrames)
	}
}

func TestEntity_CreateStateRpcAcrossSessions(t *testing.T) {
	e := newEnv(t)
	h, _, g, _ := e.pair(false)

	typ := entity.Type{Name: "Actor", MaxInstances: 8, Mode: entity.ModeBoth}
	if err := h.Entities().RegisterType(typ); err != nil {
		t.Fatalf("register type: %v", err)
	}
	if err := g.Entities().RegisterType(typ); err != nil {
		t.Fatalf("register type: %v", err)
	}

	inst, err := h.Entities().CreateNetworkInstance("Actor", h.ID(), 7, 0, false, entity.Transform{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !inst.Mine {
		t.Fatal("creator does not own the instance")
	}
	e.pump(func() bool { return g.Entities().ByID(7) != nil })
	remote := g.Entities().ByID(7)
	if remote.Mine || remote.Owner != h.ID() {
		t.Fatalf("remote instance = %+v", remote)
	}

	h.Entities().EnterState(inst, "anim", "wave", false)
	e.pump(func() bool { return g.Entities().ByID(7).State("anim") == "wave" })

	var calls []entity.RpcCall
	g.Entities().BindRpc("Ping", func(c entity.RpcCall) { calls = append(calls, c) })
	h.Entities().CallRpc(h.ID(), "Ping", false, `{"n":1}`, 3, 7)
	e.pump(func() bool { return len(calls) > 0 })
	if calls[0].EntityID != 7 || calls[0].Value != 3 || calls[0].Sender != h.ID() {
		t.Fatalf("rpc call = %+v", calls[0])
	}

	h.Entities().DestroyNetworkInstance(inst, false)
	e.pump(func() bool { return g.Entities().ByID(7) == nil })
}

func TestTransform_PropagatesAndRejectsStale(t *testing.T) {
	e := newEnv(t)
	h, _, g, grec := e.pair(false)

	typ := entity.Type{Name: "Actor", MaxInstances: 8, Mode: entity.ModeBoth}
	h.Entities().RegisterType(typ)
	g.Entities().RegisterType(typ)
	if _, err := h.Entities().CreateNetworkInstance("Actor", h.ID(), 3, 0, false, entity.Transform{}); err != nil {
		t.Fatalf("create: %v", err)
	}
	e.pump(func() bool { return g.Entities().ByID(3) != nil })

	h.SendTransform(wire.TransformData{
		EntityID:  3,
		Has:       wire.HasPosition,
		Position:  wire.Vec3{1, 2, 3},
		Timestamp: 10,
	})
	e.pump(func() bool { return len(grec.transforms) > 0 })

	// An older timestamp must not surface.
	h.SendTransform(wire.TransformData{EntityID: 3, Has: wire.HasPosition, Position: wire.Vec3{9, 9, 9}, Timestamp: 5})
	h.SendValue("fence", 1, true)
	var fenced bool
	grecValues := func() bool {
		for _, n := range grec.valueNames {
			if n == "fence" {
				fenced = true
			}
		}
		return fenced
	}
	e.pump(grecValues)
	if len(grec.transforms) != 1 {
		t.Fatalf("stale transform surfaced: %+v", grec.transforms)
	}
}

func TestUnregister(t *testing.T) {
	e := newEnv(t)
	s, _ := e.registered("alice", false)

	s.Unregister()
	e.pump(func() bool { return s.State() == StateDisconnected })
	e.srv.Tick(time.Now())
	if e.srv.AgentCount() != 0 {
		t.Fatalf("facilitator still tracks %d agents", e.srv.AgentCount())
	}
}

func TestGuestLeave_RemovesAgentAndEntities(t *testing.T) {
	e := newEnv(t)
	h, hrec, g, _ := e.pair(false)

	typ := entity.Type{Name: "Actor", MaxInstances: 8, Mode: entity.ModeBoth}
	h.Entities().RegisterType(typ)
	g.Entities().RegisterType(typ)
	if _, err := g.Entities().CreateNetworkInstance("Actor", g.ID(), 11, 0, false, entity.Transform{}); err != nil {
		t.Fatalf("create: %v", err)
	}
	e.pump(func() bool { return h.Entities().ByID(11) != nil })

	gid := g.ID()
	g.Close()
	e.pump(func() bool {
		return h.Registry().ByID(gid) == nil && h.Entities().ByID(11) == nil
	})
	if len(hrec.gone) == 0 || hrec.gone[0] != gid {
		t.Fatalf("disconnect events = %v", hrec.gone)
	}
}

// rawTransport binds a bare socket the test drives by hand.
func rawTransport(t *testing.T) *transport.Transport {
	t.Helper()
	tr, err := transport.Listen(transport.Config{}, zap.NewNop())
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr
}

// The remote side can complete the transport handshake while our punch
// probes are still in flight. The pending probes must be settled then, not
// left to time out: a stale timeout would downgrade a live direct connection
// to relay and announce the agent twice.
func TestPunch_RemoteHandshakeSettlesPendingProbes(t *testing.T) {
	e := newEnv(t)
	h, hrec := e.registered("alice", false)

	remote := rawTransport(t)
	rport := remote.LocalAddr().Port
	id := uuid.New()

	// Probes start flying toward an endpoint that never answers them.
	h.beginIntroduction(facilitator.ConnectResponse{
		AgentID:     id.String(),
		Name:        "bob",
		PrivateIP:   "127.0.0.1",
		PrivatePort: rport,
		PublicIP:    "127.0.0.1",
		PublicPort:  rport,
	})
	if _, err := remote.Connect(fmt.Sprintf("127.0.0.1:%d", h.LocalPort())); err != nil {
		t.Fatalf("remote connect: %v", err)
	}

	tickAll := func() {
		e.srv.Tick(time.Now())
		h.Process()
		remote.Process(time.Now())
	}
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) && !connectedTo(h, id) {
		tickAll()
		time.Sleep(5 * time.Millisecond)
	}
	if !connectedTo(h, id) {
		t.Fatal("handshake never completed")
	}

	// Outlive the probe timeout; the settled attempt must stay inert.
	quiet := time.Now().Add(3 * time.Second)
	for time.Now().Before(quiet) {
		tickAll()
		time.Sleep(5 * time.Millisecond)
	}

	a := h.Registry().ByID(id)
	if a.State != agent.StateConnected || a.Relay {
		t.Fatalf("agent downgraded: state=%v relay=%v", a.State, a.Relay)
	}
	if a.ConnectedEndpoint == "" {
		t.Fatal("connected endpoint cleared")
	}
	if len(hrec.connected) != 1 {
		t.Fatalf("connect events = %d, want exactly 1", len(hrec.connected))
	}
}

// Dual-path race where only the public endpoint answers: the private
// sub-attempt is cancelled when the public one wins, its probe is never
// resent afterward, and the final connected endpoint is the public one.
func TestPunch_PublicPathWins(t *testing.T) {
	e := newEnv(t)
	h, hrec := e.registered("alice", false)
	g, _ := e.registered("bob", false)

	dead := rawTransport(t)
	pub := fmt.Sprintf("127.0.0.1:%d", g.LocalPort())

	probes := 0
	tickAll := func() {
		e.srv.Tick(time.Now())
		for _, s := range e.sessions {
			s.Process()
		}
		for _, ev := range dead.Process(time.Now()) {
			if ev.Kind == transport.EventUnconnected {
				probes++
			}
		}
	}

	h.beginIntroduction(facilitator.ConnectResponse{
		AgentID:     g.ID().String(),
		Name:        "bob",
		PrivateIP:   "127.0.0.1",
		PrivatePort: dead.LocalAddr().Port,
		PublicIP:    "127.0.0.1",
		PublicPort:  g.LocalPort(),
	})

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) && !connectedTo(h, g.ID()) {
		tickAll()
		time.Sleep(5 * time.Millisecond)
	}
	a := h.Registry().ByID(g.ID())
	if a == nil || a.State != agent.StateConnected {
		t.Fatalf("agent = %+v", a)
	}
	if a.Relay || a.ConnectedEndpoint != pub {
		t.Fatalf("endpoint = %q relay=%v, want direct via %q", a.ConnectedEndpoint, a.Relay, pub)
	}

	// Absorb probes that were already in flight, then confirm the cancelled
	// path goes silent for several retry intervals.
	settle := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(settle) {
		tickAll()
		time.Sleep(5 * time.Millisecond)
	}
	won := probes
	hold := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(hold) {
		tickAll()
		time.Sleep(5 * time.Millisecond)
	}
	if probes > won {
		t.Fatalf("cancelled path resent %d probes after the win", probes-won)
	}
	if len(hrec.connected) != 1 {
		t.Fatalf("connect events = %d, want exactly 1", len(hrec.connected))
	}
}

// Both endpoints unreachable: the attempt resolves once, to relay.
func TestPunch_AllPathsFail_FallsBackToRelay(t *testing.T) {
	e := newEnv(t)
	h, hrec := e.registered("alice", false)

	deadPriv := rawTransport(t)
	deadPub := rawTransport(t)
	id := uuid.New()

	h.beginIntroduction(facilitator.ConnectResponse{
		AgentID:     id.String(),
		Name:        "ghost",
		PrivateIP:   "127.0.0.1",
		PrivatePort: deadPriv.LocalAddr().Port,
		PublicIP:    "127.0.0.1",
		PublicPort:  deadPub.LocalAddr().Port,
	})

	e.pump(func() bool {
		a := h.Registry().ByID(id)
		return a != nil && a.State == agent.StateConnected
	})

	a := h.Registry().ByID(id)
	if !a.Relay || a.ConnectedEndpoint != "" {
		t.Fatalf("agent = %+v, want relay fallback", a)
	}
	if len(hrec.connected) != 1 {
		t.Fatalf("connect events = %d, want exactly 1", len(hrec.connected))
	}
}
