package facilitator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"peerlink/internal/addrutil"
	"peerlink/internal/store"
	"peerlink/internal/transport"
	"peerlink/internal/wire"
)

// Config tunes the rendezvous service.
type Config struct {
	MaxAgents    int
	TTL          time.Duration
	ServiceName  string // advertised in discovery responses
	SnapshotPath string // empty disables persistence
}

func (c *Config) applyDefaults() {
	if c.MaxAgents <= 0 {
		c.MaxAgents = 9
	}
	if c.TTL <= 0 {
		c.TTL = 60 * time.Second
	}
	if c.ServiceName == "" {
		c.ServiceName = "peerlink"
	}
}

type agentEntry struct {
	ID              uuid.UUID
	Name            string
	Platform        string
	VoiceID         string
	PrivateEndpoint string
	Peer            *transport.Peer
	IsHost          bool
	LastSeen        time.Time
}

type hostedSession struct {
	Name   string
	HostID uuid.UUID
	Max    int
	URL    string
	Img    string
	Info   string
	Guests map[uuid.UUID]struct{}
}

// Server is the rendezvous point: it assigns agent identities, introduces
// agents to each other for NAT traversal, tracks named sessions, and relays
// traffic for pairs that cannot reach each other directly. All state is
// owned by the tick; the transport's read goroutine never touches it.
type Server struct {
	cfg Config
	log *zap.Logger
	clk clock.Clock
	tr  *transport.Transport

	agents   map[uuid.UUID]*agentEntry
	byPeer   map[string]uuid.UUID
	sessions map[string]*hostedSession

	handlers  map[string]func(*agentEntry, wire.Message) wire.Message
	lastSweep time.Time

	// Last-seen times from the previous run's snapshot, keyed by agent name.
	// Consumed as agents re-register.
	previous map[string]time.Time
}

// New wires a server around an already-listening transport.
func New(cfg Config, tr *transport.Transport, log *zap.Logger, clk clock.Clock) *Server {
	cfg.applyDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	if clk == nil {
		clk = clock.New()
	}
	s := &Server{
		cfg:      cfg,
		log:      log,
		clk:      clk,
		tr:       tr,
		agents:   make(map[uuid.UUID]*agentEntry),
		byPeer:   make(map[string]uuid.UUID),
		sessions: make(map[string]*hostedSession),
	}
	s.handlers = map[string]func(*agentEntry, wire.Message) wire.Message{
		wire.NameAdd:     s.handleAdd,
		wire.NameRemove:  s.handleRemove,
		wire.NameList:    s.handleList,
		wire.NameConnect: s.handleConnect,
		wire.NameHost:    s.handleHost,
		wire.NameJoin:    s.handleJoin,
	}
	s.previous = make(map[string]time.Time)
	if cfg.SnapshotPath != "" {
		snap, err := store.Load(cfg.SnapshotPath)
		if err != nil {
			log.Warn("snapshot load failed", zap.String("path", cfg.SnapshotPath), zap.Error(err))
		} else if len(snap.Agents) > 0 {
			for _, rec := range snap.Agents {
				s.previous[rec.Name] = rec.LastSeen
			}
			log.Info("previous snapshot loaded", zap.Int("agents", len(snap.Agents)), zap.Time("updated_at", snap.UpdatedAt))
		}
	}
	return s
}

// PreviouslySeen reports the last-seen time a named agent had in the snapshot
// loaded at startup. Cleared once the agent re-registers.
func (s *Server) PreviouslySeen(name string) (time.Time, bool) {
	t, ok := s.previous[name]
	return t, ok
}

// AgentCount reports the number of registered agents.
func (s *Server) AgentCount() int { return len(s.agents) }

// Run ticks the server until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ticker := s.clk.Ticker(50 * time.Millisecond)
	defer ticker.Stop()

	s.log.Info("facilitator running",
		zap.String("endpoint", s.tr.OutwardEndpoint()),
		zap.Int("max_agents", s.cfg.MaxAgents),
		zap.Duration("ttl", s.cfg.TTL))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			s.Tick(now)
		}
	}
}

// Tick drains the transport and runs expiry. Exposed so tests can drive the
// server without wall-clock waits.
func (s *Server) Tick(now time.Time) {
	for _, ev := range s.tr.Process(now) {
		switch ev.Kind {
		case transport.EventPeerConnected:
			s.log.Debug("agent transport connected", zap.String("endpoint", ev.Peer.Key()))
		case transport.EventPeerDisconnected:
			if id, ok := s.byPeer[ev.Peer.Key()]; ok {
				s.log.Info("agent transport lost", zap.String("agent", id.String()), zap.String("reason", ev.Reason))
				s.drop(id)
			}
		case transport.EventData:
			s.handleData(ev.Peer, ev.Data, now)
		case transport.EventUnconnected:
			s.handleUnconnected(ev)
		case transport.EventSocketError:
			s.log.Warn("socket error", zap.Error(ev.Err))
		}
	}
	s.sweep(now)
}

func (s *Server) handleData(p *transport.Peer, data []byte, now time.Time) {
	m, err := wire.Decode(data)
	if err != nil {
		s.log.Debug("dropping undecodable datagram", zap.String("from", p.Key()), zap.Error(err))
		return
	}
	if m.Type != wire.TypeFacilitate {
		s.log.Debug("dropping non-facilitate message", zap.Stringer("type", m.Type), zap.String("from", p.Key()))
		return
	}

	var from *agentEntry
	if id, ok := s.byPeer[p.Key()]; ok {
		from = s.agents[id]
		from.LastSeen = now
	}

	if m.Name == wire.NameRelay && !m.IsRequest() {
		s.relay(from, m, data)
		return
	}
	if !m.IsRequest() {
		return
	}

	h, ok := s.handlers[m.Name]
	if !ok {
		s.log.Debug("unknown facilitate request", zap.String("name", m.Name), zap.String("from", p.Key()))
		return
	}
	if from == nil && m.Name != wire.NameAdd {
		s.respond(p, m.Response(mustJSON(fail("not registered"))))
		return
	}
	if from == nil {
		from = &agentEntry{Peer: p, LastSeen: now}
	}
	s.respond(p, h(from, m))
}

func (s *Server) handleAdd(from *agentEntry, m wire.Message) wire.Message {
	var req AddRequest
	if err := json.Unmarshal(m.Payload, &req); err != nil {
		return m.Response(mustJSON(fail("bad payload")))
	}
	if req.Name == "" {
		return m.Response(mustJSON(fail("name required")))
	}

	// Re-Add is the keepalive: the same agent refreshing its registration
	// keeps its id instead of minting a duplicate.
	entry := s.agents[s.byPeer[from.Peer.Key()]]
	if entry == nil {
		for _, a := range s.agents {
			if a.Name == req.Name {
				entry = a
				delete(s.byPeer, a.Peer.Key())
				break
			}
		}
	}
	if entry == nil {
		if len(s.agents) >= s.cfg.MaxAgents {
			return m.Response(mustJSON(fail("capacity")))
		}
		entry = &agentEntry{ID: uuid.New()}
		s.agents[entry.ID] = entry
		if last, returning := s.previous[req.Name]; returning {
			delete(s.previous, req.Name)
			s.log.Info("agent returned", zap.String("agent", entry.ID.String()), zap.String("name", req.Name), zap.Time("last_seen", last))
		} else {
			s.log.Info("agent registered", zap.String("agent", entry.ID.String()), zap.String("name", req.Name))
		}
	}

	entry.Name = req.Name
	entry.Platform = req.Platform
	entry.VoiceID = req.VoiceID
	entry.PrivateEndpoint = fmt.Sprintf("%s:%d", req.PrivateIP, req.PrivatePort)
	entry.Peer = from.Peer
	entry.LastSeen = from.LastSeen
	s.byPeer[from.Peer.Key()] = entry.ID
	s.persist()

	pub := entry.Peer.Addr()
	return m.Response(mustJSON(AddResponse{
		AgentID:     entry.ID.String(),
		Name:        entry.Name,
		VoiceID:     entry.VoiceID,
		PrivateIP:   req.PrivateIP,
		PrivatePort: req.PrivatePort,
		PublicIP:    pub.IP.String(),
		PublicPort:  pub.Port,
	}))
}

func (s *Server) handleRemove(from *agentEntry, m wire.Message) wire.Message {
	var req RemoveRequest
	if err := json.Unmarshal(m.Payload, &req); err != nil {
		return m.Response(mustJSON(fail("bad payload")))
	}
	id, err := uuid.Parse(req.AgentID)
	if err != nil || id != from.ID {
		return m.Response(mustJSON(fail("unknown agent")))
	}
	s.drop(id)
	return m.Response(mustJSON(ok()))
}

func (s *Server) handleList(from *agentEntry, m wire.Message) wire.Message {
	resp := ListResponse{Agents: make([]AgentSummary, 0, len(s.agents))}
	for _, a := range s.agents {
		if a.ID == from.ID {
			continue
		}
		resp.Agents = append(resp.Agents, AgentSummary{ID: a.ID.String(), Name: a.Name})
	}
	return m.Response(mustJSON(resp))
}

func (s *Server) handleConnect(from *agentEntry, m wire.Message) wire.Message {
	var req ConnectRequest
	if err := json.Unmarshal(m.Payload, &req); err != nil {
		return m.Response(mustJSON(fail("bad payload")))
	}
	id, err := uuid.Parse(req.AgentID)
	if err != nil {
		return m.Response(mustJSON(fail("unknown agent")))
	}
	target, okT := s.agents[id]
	if !okT {
		return m.Response(mustJSON(fail("unknown agent")))
	}
	s.introduce(target, from)
	return m.Response(mustJSON(describe(target)))
}

func (s *Server) handleHost(from *agentEntry, m wire.Message) wire.Message {
	var req HostRequest
	if err := json.Unmarshal(m.Payload, &req); err != nil {
		return m.Response(mustJSON(fail("bad payload")))
	}
	if req.Name == "" {
		return m.Response(mustJSON(fail("name required")))
	}
	if existing, dup := s.sessions[req.Name]; dup && existing.HostID != from.ID {
		return m.Response(mustJSON(fail("session exists")))
	}
	max := req.Max
	if max <= 0 || max > s.cfg.MaxAgents {
		max = s.cfg.MaxAgents
	}
	s.sessions[req.Name] = &hostedSession{
		Name:   req.Name,
		HostID: from.ID,
		Max:    max,
		URL:    req.URL,
		Img:    req.Img,
		Info:   req.Info,
		Guests: make(map[uuid.UUID]struct{}),
	}
	from.IsHost = true
	s.persist()
	s.log.Info("session hosted", zap.String("session", req.Name), zap.String("host", from.ID.String()), zap.Int("max", max))
	return m.Response(mustJSON(ok()))
}

func (s *Server) handleJoin(from *agentEntry, m wire.Message) wire.Message {
	var req JoinRequest
	if err := json.Unmarshal(m.Payload, &req); err != nil {
		return m.Response(mustJSON(fail("bad payload")))
	}
	sess, okS := s.sessions[req.Name]
	if !okS {
		return m.Response(mustJSON(fail("unknown session")))
	}
	host, okH := s.agents[sess.HostID]
	if !okH {
		delete(s.sessions, req.Name)
		return m.Response(mustJSON(fail("unknown session")))
	}
	if _, member := sess.Guests[from.ID]; !member && len(sess.Guests)+1 >= sess.Max {
		return m.Response(mustJSON(fail("session full")))
	}
	// Introduce the joiner to every current member, both directions, so all
	// pairs punch simultaneously and the session stays a full mesh.
	for gid := range sess.Guests {
		if gid == from.ID {
			continue
		}
		if g, okG := s.agents[gid]; okG {
			s.introduce(g, from)
			s.introduce(from, g)
		}
	}
	sess.Guests[from.ID] = struct{}{}
	s.introduce(host, from)
	return m.Response(mustJSON(JoinResponse{
		ConnectResponse: describe(host),
		URL:             sess.URL,
		Img:             sess.Img,
		Info:            sess.Info,
	}))
}

// introduce pushes an unsolicited Connect notification describing `about` to
// `to`, so the receiving side opens its own punch attempt toward `about`.
func (s *Server) introduce(to, about *agentEntry) {
	note := wire.Message{
		Type:    wire.TypeFacilitate,
		Name:    wire.NameConnect,
		Payload: mustJSON(describe(about)),
	}
	s.respond(to.Peer, note)
	s.log.Debug("introduced",
		zap.String("to", to.ID.String()),
		zap.String("about", about.ID.String()))
}

func (s *Server) relay(from *agentEntry, m wire.Message, raw []byte) {
	if from == nil {
		return
	}
	d, err := wire.DecodeRelay(m.Payload)
	if err != nil {
		s.log.Debug("bad relay payload", zap.String("from", from.ID.String()), zap.Error(err))
		return
	}
	id, err := uuid.Parse(d.To)
	if err != nil {
		return
	}
	target, okT := s.agents[id]
	if !okT {
		s.log.Debug("relay target unknown", zap.String("to", d.To))
		return
	}
	// Forward the envelope untouched; the receiver unwraps RelayData itself.
	if err := s.tr.SendReliableOrdered(target.Peer, raw); err != nil {
		s.log.Warn("relay forward failed", zap.String("to", d.To), zap.Error(err))
	}
}

// handleUnconnected answers discovery probes. Probes arrive either as LAN
// broadcast discovery frames or as plain unconnected datagrams carrying a
// Discover message.
func (s *Server) handleUnconnected(ev transport.Event) {
	if ev.Unconnected == transport.UnconnectedDiscoveryResponse {
		return
	}
	if ev.Unconnected == transport.UnconnectedDefault {
		m, err := wire.Decode(ev.Data)
		if err != nil || m.Type != wire.TypeFacilitate || m.Name != wire.NameDiscover {
			return
		}
	}
	b, err := wire.Encode(wire.Message{
		Type:    wire.TypeFacilitate,
		Name:    wire.NameDiscover,
		Payload: mustJSON(DiscoverResponse{Name: s.cfg.ServiceName, Port: s.tr.LocalAddr().Port}),
	})
	if err != nil {
		return
	}
	if err := s.tr.SendDiscoveryResponse(ev.Addr, b); err != nil {
		s.log.Debug("discovery response failed", zap.Error(err))
	}
}

func (s *Server) respond(p *transport.Peer, m wire.Message) {
	b, err := wire.Encode(m)
	if err != nil {
		s.log.Warn("encode response failed", zap.String("name", m.Name), zap.Error(err))
		return
	}
	if err := s.tr.SendReliableOrdered(p, b); err != nil {
		s.log.Warn("send response failed", zap.String("name", m.Name), zap.Error(err))
	}
}

// drop removes an agent, tears down any session it hosted and prunes it from
// guest lists. Idempotent.
func (s *Server) drop(id uuid.UUID) {
	entry, okE := s.agents[id]
	if !okE {
		return
	}
	delete(s.agents, id)
	delete(s.byPeer, entry.Peer.Key())
	for name, sess := range s.sessions {
		if sess.HostID == id {
			delete(s.sessions, name)
			continue
		}
		delete(sess.Guests, id)
	}
	s.persist()
	s.log.Info("agent removed", zap.String("agent", id.String()), zap.String("name", entry.Name))
}

func (s *Server) sweep(now time.Time) {
	if now.Sub(s.lastSweep) < time.Second {
		return
	}
	s.lastSweep = now
	for id, a := range s.agents {
		if now.Sub(a.LastSeen) > s.cfg.TTL {
			s.log.Info("agent expired", zap.String("agent", id.String()), zap.String("name", a.Name))
			s.tr.Disconnect(a.Peer, "expired")
			s.drop(id)
		}
	}
}

func (s *Server) persist() {
	if s.cfg.SnapshotPath == "" {
		return
	}
	snap := &store.Snapshot{Agents: make([]store.AgentRecord, 0, len(s.agents))}
	for _, a := range s.agents {
		snap.Agents = append(snap.Agents, store.AgentRecord{
			ID:              a.ID.String(),
			Name:            a.Name,
			Platform:        a.Platform,
			VoiceID:         a.VoiceID,
			PrivateEndpoint: a.PrivateEndpoint,
			PublicEndpoint:  a.Peer.Key(),
			IsHost:          a.IsHost,
			LastSeen:        a.LastSeen,
		})
	}
	if err := store.Save(s.cfg.SnapshotPath, snap); err != nil {
		s.log.Warn("snapshot save failed", zap.Error(err))
	}
}

func describe(a *agentEntry) ConnectResponse {
	pub := a.Peer.Addr()
	resp := ConnectResponse{
		AgentID:  a.ID.String(),
		Name:     a.Name,
		Platform: a.Platform,
		VoiceID:  a.VoiceID,
		IsHost:   a.IsHost,
		PublicIP: pub.IP.String(),
	}
	resp.PublicPort = pub.Port
	if host, port, err := addrutil.SplitEndpoint(a.PrivateEndpoint); err == nil {
		resp.PrivateIP = host
		resp.PrivatePort = port
	}
	return resp
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err) // all protocol structs are marshalable
	}
	return b
}
