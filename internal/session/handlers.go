package session

import (
	"github.com/google/uuid"
	"go.uber.org/zap"

	"peerlink/internal/agent"
	"peerlink/internal/entity"
	"peerlink/internal/facilitator"
	"peerlink/internal/transport"
	"peerlink/internal/wire"
)

// entityCreateArgs is the JSON body of an Entity/Create request.
type entityCreateArgs struct {
	Type     string    `json:"type"`
	ID       uint64    `json:"id"`
	Parent   uint64    `json:"parent,omitempty"`
	Owner    string    `json:"owner"`
	Position wire.Vec3 `json:"pos"`
	Rotation wire.Vec3 `json:"rot"`
	Scale    wire.Vec3 `json:"scale"`
}

type entityDestroyArgs struct {
	ID uint64 `json:"id"`
}

func (s *Session) handleTransportEvent(ev transport.Event) {
	switch ev.Kind {
	case transport.EventPeerConnected:
		s.peerConnected(ev.Peer)
	case transport.EventPeerDisconnected:
		s.peerDisconnected(ev.Peer, ev.Reason)
	case transport.EventData:
		m, err := wire.Decode(ev.Data)
		if err != nil {
			s.log.Debug("dropping undecodable message", zap.Error(err))
			return
		}
		if ev.Peer == s.facPeer {
			s.dispatchFacilitator(m)
			return
		}
		s.dispatch(s.reg.ByEndpointKey(ev.Peer.Key()), m)
	case transport.EventUnconnected:
		s.handleUnconnected(ev)
	case transport.EventLatency:
		if ev.Peer == s.facPeer {
			return
		}
		if a := s.reg.ByEndpointKey(ev.Peer.Key()); a != nil {
			s.recordLatency(a, ev.LatencyMs)
		}
	case transport.EventSocketError:
		s.log.Warn("socket error", zap.Error(ev.Err))
	}
}

func (s *Session) peerConnected(p *transport.Peer) {
	if p == s.facPeer {
		s.facilitatorUp()
		return
	}
	a := s.reg.ByEndpointKey(p.Key())
	if a == nil {
		// The far side punched through before our introduction landed; the
		// peer stays and is attributed once the Connect notification arrives.
		s.log.Debug("peer connected before introduction", zap.String("endpoint", p.Key()))
		return
	}
	already := a.State == agent.StateConnected
	a.Peer = p
	a.ConnectedEndpoint = p.Key()
	a.State = agent.StateConnected
	s.settleAttempt(a.ID)
	if already {
		// Simultaneous punches can settle on two paths; keep the newest
		// peer, announce only once.
		return
	}
	s.log.Info("agent connected", zap.String("agent", a.ID.String()), zap.String("endpoint", p.Key()))
	if s.events.AgentConnected != nil {
		s.events.AgentConnected(a)
	}
	s.ents.SyncTo(a.ID)
}

func (s *Session) peerDisconnected(p *transport.Peer, reason string) {
	if p == s.facPeer {
		s.log.Warn("facilitator connection lost", zap.String("reason", reason))
		s.facPeer = nil
		s.state = StateDisconnected
		if s.events.SessionError != nil {
			s.events.SessionError("Facilitator", reason)
		}
		return
	}
	if a := s.reg.ByEndpointKey(p.Key()); a != nil {
		s.log.Info("agent disconnected", zap.String("agent", a.ID.String()), zap.String("reason", reason))
		s.reg.Remove(a.ID)
	}
}

// dispatchFacilitator handles traffic on the facilitator link: responses
// resolve pending exchanges, notifications and relayed envelopes dispatch.
func (s *Session) dispatchFacilitator(m wire.Message) {
	if m.IsResponse() {
		s.corr.Resolve(facKey, m)
		return
	}
	if m.Type == wire.TypeFacilitate && m.Name == wire.NameRelay {
		s.handleRelayed(m)
		return
	}
	if m.Type == wire.TypeFacilitate && m.Name == wire.NameConnect {
		var d facilitator.ConnectResponse
		if err := wire.UnmarshalArgs(m.Payload, &d); err != nil {
			s.log.Debug("bad introduction payload", zap.Error(err))
			return
		}
		s.beginIntroduction(d)
		return
	}
	s.log.Debug("unexpected facilitator message", zap.Stringer("type", m.Type), zap.String("name", m.Name))
}

// handleRelayed unwraps a facilitator-forwarded envelope and feeds it back
// through the regular dispatch, attributed to the wrapped sender.
func (s *Session) handleRelayed(m wire.Message) {
	d, err := wire.DecodeRelay(m.Payload)
	if err != nil {
		s.log.Debug("bad relay payload", zap.Error(err))
		return
	}
	id, err := uuid.Parse(d.From)
	if err != nil {
		return
	}
	from := s.reg.ByID(id)
	if from == nil {
		s.log.Debug("relay from unknown agent", zap.String("from", d.From))
		return
	}
	inner, err := wire.Decode(d.Inner)
	if err != nil {
		s.log.Debug("bad relayed envelope", zap.Error(err))
		return
	}
	s.dispatch(from, inner)
}

// dispatch routes one inbound message from a session agent. Unknown agents
// can only deliver punch traffic; everything else needs an attributed sender.
func (s *Session) dispatch(from *agent.SessionAgent, m wire.Message) {
	if m.IsResponse() {
		if from != nil {
			s.corr.Resolve(agentKey(from.ID), m)
		}
		return
	}
	h, ok := s.handlers[handlerKey{m.Type, m.Name}]
	if !ok {
		h, ok = s.handlers[handlerKey{m.Type, ""}]
	}
	if !ok {
		s.log.Debug("unhandled message", zap.Stringer("type", m.Type), zap.String("name", m.Name))
		return
	}
	if from == nil && m.Type != wire.TypeConnection {
		s.log.Debug("message from unknown sender dropped", zap.Stringer("type", m.Type), zap.String("name", m.Name))
		return
	}
	h(from, m)
}

// handleUnconnected deals with punch traffic: probes get an immediate
// answer, probe responses settle the race for their path.
func (s *Session) handleUnconnected(ev transport.Event) {
	if ev.Unconnected != transport.UnconnectedDefault {
		return
	}
	m, err := wire.Decode(ev.Data)
	if err != nil || m.Type != wire.TypeConnection || m.Name != wire.NameNew {
		return
	}

	if m.IsRequest() {
		var hello punchHello
		if err := wire.UnmarshalArgs(m.Payload, &hello); err != nil {
			return
		}
		body, err := wire.MarshalArgs(punchHello{AgentID: s.localID.String(), Name: s.cfg.Name})
		if err != nil {
			return
		}
		resp := m.Response(body)
		b, err := wire.Encode(resp)
		if err != nil {
			return
		}
		if err := s.tr.SendUnconnected(ev.Addr.String(), b); err != nil {
			s.log.Debug("punch answer failed", zap.Error(err))
		}
		s.log.Debug("answered punch probe", zap.String("from", hello.AgentID), zap.String("addr", ev.Addr.String()))
		return
	}

	if m.IsResponse() {
		var hello punchHello
		if err := wire.UnmarshalArgs(m.Payload, &hello); err != nil {
			return
		}
		id, err := uuid.Parse(hello.AgentID)
		if err != nil {
			return
		}
		s.corr.Resolve(agentKey(id), m)
	}
}

func (s *Session) buildHandlers() {
	s.handlers = map[handlerKey]func(*agent.SessionAgent, wire.Message){
		{wire.TypeConnection, wire.NameEnd}: func(from *agent.SessionAgent, _ wire.Message) {
			if from != nil {
				s.reg.Remove(from.ID)
			}
		},

		{wire.TypeEntity, wire.NameCreate}:  s.onEntityCreate,
		{wire.TypeEntity, wire.NameDestroy}: s.onEntityDestroy,

		{wire.TypeState, wire.NameStateEnter}: func(from *agent.SessionAgent, m wire.Message) {
			s.onState(m, true)
		},
		{wire.TypeState, wire.NameStateExit}: func(from *agent.SessionAgent, m wire.Message) {
			s.onState(m, false)
		},

		{wire.TypeTransform, ""}: s.onTransform,
		{wire.TypeRpc, ""}:       s.onRpc,
		{wire.TypeValue, ""}:     s.onValue,
		{wire.TypeVoice, ""}:     s.onVoice,
	}
}

func (s *Session) onEntityCreate(from *agent.SessionAgent, m wire.Message) {
	var args entityCreateArgs
	if err := wire.UnmarshalArgs(m.Payload, &args); err != nil {
		s.log.Debug("bad create payload", zap.Error(err))
		return
	}
	owner, err := uuid.Parse(args.Owner)
	if err != nil {
		return
	}
	tr := entity.Transform{Position: args.Position, Rotation: args.Rotation, Scale: args.Scale}
	if _, err := s.ents.CreateNetworkInstance(args.Type, owner, args.ID, args.Parent, true, tr); err != nil {
		s.log.Warn("remote create rejected", zap.String("type", args.Type), zap.Error(err))
		return
	}
	if m.IsRequest() {
		s.sendToAgent(from, m.Response(nil), sendReliableOrdered)
	}
}

func (s *Session) onEntityDestroy(from *agent.SessionAgent, m wire.Message) {
	var args entityDestroyArgs
	if err := wire.UnmarshalArgs(m.Payload, &args); err != nil {
		return
	}
	inst := s.ents.ByID(args.ID)
	if inst == nil {
		return
	}
	s.ents.DestroyNetworkInstance(inst, true)
}

func (s *Session) onState(m wire.Message, enter bool) {
	d, err := wire.DecodeState(m.Payload)
	if err != nil {
		return
	}
	inst := s.ents.ByID(d.EntityID)
	if inst == nil {
		s.log.Debug("state for unknown entity", zap.Uint64("entity", d.EntityID))
		return
	}
	if enter {
		s.ents.EnterState(inst, d.Machine, d.State, true)
	} else {
		s.ents.ExitState(inst, d.Machine, true)
	}
}

func (s *Session) onTransform(from *agent.SessionAgent, m wire.Message) {
	d, err := wire.DecodeTransform(m.Payload)
	if err != nil {
		return
	}
	if !s.ents.ApplyTransform(d) {
		return
	}
	if s.events.TransformReceived != nil {
		s.events.TransformReceived(from.ID, d)
	}
}

func (s *Session) onRpc(from *agent.SessionAgent, m wire.Message) {
	d, err := wire.DecodeRpc(m.Payload)
	if err != nil {
		return
	}
	s.ents.CallRpc(from.ID, m.Name, true, d.Args, m.Value, d.EntityID)
}

// onValue surfaces the value and, on the host, rebroadcasts it so agents on
// relay paths still converge through the star.
func (s *Session) onValue(from *agent.SessionAgent, m wire.Message) {
	if s.events.ValueReceived != nil {
		s.events.ValueReceived(from.ID, m.Name, m.Value)
	}
	if s.hosting {
		s.forwardExcept(from, m, sendReliableOrdered)
	}
}

func (s *Session) onVoice(from *agent.SessionAgent, m wire.Message) {
	if s.events.VoiceReceived != nil {
		s.events.VoiceReceived(from.ID, m.Payload)
	}
	if s.hosting {
		s.forwardExcept(from, m, sendUnreliable)
	}
}

func (s *Session) forwardExcept(from *agent.SessionAgent, m wire.Message, mode sendMode) {
	for _, a := range s.reg.All() {
		if a.ID == from.ID || a.State != agent.StateConnected {
			continue
		}
		s.sendToAgent(a, m, mode)
	}
}
