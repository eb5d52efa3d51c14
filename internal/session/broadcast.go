package session

import (
	"github.com/google/uuid"
	"go.uber.org/zap"

	"peerlink/internal/agent"
	"peerlink/internal/entity"
	"peerlink/internal/wire"
)

type sendMode int

const (
	sendReliableOrdered sendMode = iota
	sendReliableUnordered
	sendUnreliable
)

// sendToAgent delivers one envelope, wrapping it in RelayData for agents
// reachable only through the facilitator. Relay traffic always rides the
// reliable facilitator link regardless of the requested mode.
func (s *Session) sendToAgent(a *agent.SessionAgent, m wire.Message, mode sendMode) {
	b, err := wire.Encode(m)
	if err != nil {
		s.log.Warn("encode failed", zap.Stringer("type", m.Type), zap.String("name", m.Name), zap.Error(err))
		return
	}

	if a.Relay {
		if s.facPeer == nil {
			s.log.Debug("relay unavailable", zap.String("agent", a.ID.String()))
			return
		}
		wrapped, err := wire.Encode(wire.Message{
			Type:    wire.TypeFacilitate,
			Name:    wire.NameRelay,
			Payload: wire.EncodeRelay(wire.RelayData{From: s.localID.String(), To: a.ID.String(), Inner: b}),
		})
		if err != nil {
			s.log.Warn("relay encode failed", zap.Error(err))
			return
		}
		if err := s.tr.SendReliableOrdered(s.facPeer, wrapped); err != nil {
			s.log.Warn("relay send failed", zap.String("agent", a.ID.String()), zap.Error(err))
		}
		return
	}

	if a.Peer == nil {
		s.log.Debug("no path to agent", zap.String("agent", a.ID.String()))
		return
	}
	switch mode {
	case sendReliableOrdered:
		err = s.tr.SendReliableOrdered(a.Peer, b)
	case sendReliableUnordered:
		err = s.tr.SendReliableUnordered(a.Peer, b)
	default:
		err = s.tr.SendUnreliable(a.Peer, b)
	}
	if err != nil {
		s.log.Warn("send failed", zap.String("agent", a.ID.String()), zap.Error(err))
	}
}

func (s *Session) connectedAgents() []*agent.SessionAgent {
	all := s.reg.All()
	out := all[:0]
	for _, a := range all {
		if a.State == agent.StateConnected {
			out = append(out, a)
		}
	}
	return out
}

// SendValue broadcasts a named float to every connected agent.
func (s *Session) SendValue(name string, value float32, reliable bool) {
	mode := sendUnreliable
	if reliable {
		mode = sendReliableOrdered
	}
	m := wire.Message{Type: wire.TypeValue, Name: name, Value: value}
	for _, a := range s.connectedAgents() {
		s.sendToAgent(a, m, mode)
	}
}

// SendTransform broadcasts an entity transform, unreliable: the next update
// supersedes a lost one, and receivers reject stale timestamps anyway. The
// envelope carries the entity's network name when the entity is known.
func (s *Session) SendTransform(d wire.TransformData) {
	name := "t"
	if inst := s.ents.ByID(d.EntityID); inst != nil {
		name = inst.Type.Name
	}
	m := wire.Message{Type: wire.TypeTransform, Name: name, Payload: wire.EncodeTransform(d)}
	for _, a := range s.connectedAgents() {
		s.sendToAgent(a, m, sendUnreliable)
	}
}

// SendVoice broadcasts opaque voice data, unreliable.
func (s *Session) SendVoice(data []byte) {
	m := wire.Message{Type: wire.TypeVoice, Name: "v", Payload: data}
	for _, a := range s.connectedAgents() {
		s.sendToAgent(a, m, sendUnreliable)
	}
}

// broadcaster adapts Session to the entity manager's sink interface without
// exporting the send internals.
type broadcaster Session

func (b *broadcaster) BroadcastCreate(inst *entity.Instance, onAck func(agentID uuid.UUID)) {
	s := (*Session)(b)
	for _, a := range s.connectedAgents() {
		s.sendCreate(a, inst, onAck)
	}
}

// SendCreateTo replays one instance's Create toward a single agent, used to
// catch a late joiner up on entities that predate its connection.
func (b *broadcaster) SendCreateTo(agentID uuid.UUID, inst *entity.Instance, onAck func(agentID uuid.UUID)) {
	s := (*Session)(b)
	a := s.reg.ByID(agentID)
	if a == nil {
		return
	}
	s.sendCreate(a, inst, onAck)
}

func (s *Session) sendCreate(a *agent.SessionAgent, inst *entity.Instance, onAck func(agentID uuid.UUID)) {
	body, err := wire.MarshalArgs(entityCreateArgs{
		Type:     inst.Type.Name,
		ID:       inst.ID,
		Parent:   inst.ParentID,
		Owner:    inst.Owner.String(),
		Position: inst.Transform.Position,
		Rotation: inst.Transform.Rotation,
		Scale:    inst.Transform.Scale,
	})
	if err != nil {
		s.log.Warn("create marshal failed", zap.Error(err))
		return
	}
	m := wire.Message{Type: wire.TypeEntity, Flags: wire.FlagRequest, Name: wire.NameCreate, Payload: body}
	id := a.ID
	p := s.corr.Track(agentKey(id), &m, s.requestTimeout(),
		func(wire.Message) {
			if onAck != nil {
				onAck(id)
			}
		},
		func() {
			s.log.Debug("create unacknowledged", zap.String("agent", id.String()), zap.Uint64("entity", inst.ID))
		})
	if p == nil {
		return
	}
	s.sendToAgent(a, m, sendReliableOrdered)
}

func (b *broadcaster) BroadcastDestroy(inst *entity.Instance) {
	s := (*Session)(b)
	body, err := wire.MarshalArgs(entityDestroyArgs{ID: inst.ID})
	if err != nil {
		return
	}
	m := wire.Message{Type: wire.TypeEntity, Name: wire.NameDestroy, Payload: body}
	for _, a := range s.connectedAgents() {
		s.sendToAgent(a, m, sendReliableOrdered)
	}
}

func (b *broadcaster) BroadcastState(d wire.StateData, enter bool) {
	s := (*Session)(b)
	name := wire.NameStateEnter
	if !enter {
		name = wire.NameStateExit
	}
	m := wire.Message{Type: wire.TypeState, Name: name, Payload: wire.EncodeState(d)}
	for _, a := range s.connectedAgents() {
		s.sendToAgent(a, m, sendReliableOrdered)
	}
}

func (b *broadcaster) BroadcastRpc(name string, value float32, d wire.RpcData) {
	s := (*Session)(b)
	m := wire.Message{Type: wire.TypeRpc, Name: name, Value: value, Payload: wire.EncodeRpc(d)}
	for _, a := range s.connectedAgents() {
		s.sendToAgent(a, m, sendReliableOrdered)
	}
}

func (b *broadcaster) SendStatesTo(agentID uuid.UUID, states []wire.StateData) {
	s := (*Session)(b)
	a := s.reg.ByID(agentID)
	if a == nil {
		return
	}
	for _, d := range states {
		m := wire.Message{Type: wire.TypeState, Name: wire.NameStateEnter, Payload: wire.EncodeState(d)}
		s.sendToAgent(a, m, sendReliableOrdered)
	}
}
