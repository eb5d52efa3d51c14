package session

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"peerlink/internal/addrutil"
	"peerlink/internal/agent"
	"peerlink/internal/facilitator"
	"peerlink/internal/stunutil"
	"peerlink/internal/wire"
)

// Correlator namespaces. Facilitator exchanges live apart from per-agent
// exchanges so the same 16-bit id can be in flight toward both.
const facKey = "facilitator"

func agentKey(id uuid.UUID) string { return "agent/" + id.String() }

func (s *Session) requestTimeout() time.Duration {
	return time.Duration(s.cfg.RequestTimeoutSec) * time.Second
}

// Connect starts the transport handshake with the facilitator. Completion is
// asynchronous: registration follows automatically, then the session is
// usable once State reaches StateRegistered.
func (s *Session) Connect() {
	if s.state != StateDisconnected {
		s.emitError(wire.NameConnect, "already "+s.state.String())
		return
	}
	peer, err := s.tr.Connect(s.cfg.Facilitator)
	if err != nil {
		s.emitError(wire.NameConnect, err.Error())
		return
	}
	s.facPeer = peer
	s.state = StateConnecting
	s.log.Info("connecting to facilitator", zap.String("endpoint", s.cfg.Facilitator))
}

// facilitatorUp runs when the transport handshake completes. The optional
// STUN probe happens off-thread so the tick never blocks on the network.
func (s *Session) facilitatorUp() {
	s.state = StateConnected
	if len(s.cfg.STUNServers) == 0 {
		s.register()
		return
	}
	servers := s.cfg.STUNServers
	timeout := s.requestTimeout()
	go func() {
		res, err := stunutil.Discover(context.Background(), servers, timeout)
		s.Enqueue(func() {
			if err != nil {
				s.log.Warn("stun probe failed", zap.Error(err))
			} else {
				s.nat = res.NAT
				s.log.Info("stun probe", zap.String("mapped", res.Endpoint), zap.String("nat", string(res.NAT)))
			}
			if s.state == StateConnected {
				s.register()
			}
		})
	}()
}

func (s *Session) register() {
	s.state = StateRegistering

	host, port, err := addrutil.SplitEndpoint(s.tr.OutwardEndpoint())
	if err != nil {
		s.emitError(wire.NameAdd, err.Error())
		s.state = StateConnected
		return
	}
	req := facilitator.AddRequest{
		Name:        s.cfg.Name,
		Platform:    s.cfg.Platform,
		VoiceID:     uuid.NewSHA1(uuid.NameSpaceOID, []byte(s.cfg.Name)).String(),
		PrivateIP:   host,
		PrivatePort: port,
		NATType:     string(s.nat),
	}
	s.sendFacRequest(wire.NameAdd, req, func(resp wire.Message) {
		var add facilitator.AddResponse
		if err := wire.UnmarshalArgs(resp.Payload, &add); err != nil {
			s.emitError(wire.NameAdd, "bad response")
			s.state = StateConnected
			return
		}
		id, err := uuid.Parse(add.AgentID)
		if err != nil {
			s.emitError(wire.NameAdd, "bad agent id")
			s.state = StateConnected
			return
		}
		s.localID = id
		self := agent.New(id, add.Name)
		self.Platform = s.cfg.Platform
		self.VoiceID = add.VoiceID
		self.PrivateEndpoint = addrutil.EndpointKey(add.PrivateIP, add.PrivatePort)
		self.PublicEndpoint = addrutil.EndpointKey(add.PublicIP, add.PublicPort)
		self.State = agent.StateConnected
		s.reg.SetSelf(self)
		s.state = StateRegistered
		s.lastKeepalive = s.clk.Now()
		s.log.Info("registered",
			zap.String("agent", id.String()),
			zap.String("public", self.PublicEndpoint),
			zap.String("private", self.PrivateEndpoint))
	}, func() {
		if s.state == StateRegistering {
			s.state = StateConnected
		}
	})
}

// Unregister leaves the facilitator. The session drops to Disconnected even
// if the facilitator never answers.
func (s *Session) Unregister() {
	if s.state != StateRegistered {
		s.emitError(wire.NameRemove, "not registered")
		return
	}
	s.state = StateDisconnecting
	s.sendFacRequest(wire.NameRemove, facilitator.RemoveRequest{AgentID: s.localID.String()},
		func(wire.Message) { s.finishDisconnect() },
		func() { s.finishDisconnect() })
}

func (s *Session) finishDisconnect() {
	if s.state == StateDisconnected {
		return
	}
	if s.facPeer != nil {
		s.tr.Disconnect(s.facPeer, "done")
		s.facPeer = nil
	}
	s.state = StateDisconnected
	s.log.Info("unregistered")
}

// HostSession announces a named session with this agent as host. URL, Img
// and Info are free-form descriptors echoed to joiners as-is.
func (s *Session) HostSession(req facilitator.HostRequest) {
	if s.state != StateRegistered {
		s.emitError(wire.NameHost, "not registered")
		return
	}
	name := req.Name
	s.sendFacRequest(wire.NameHost, req, func(wire.Message) {
		s.sessionName = name
		s.hosting = true
		if self := s.reg.Self(); self != nil {
			self.IsHost = true
		}
		s.ents.PromoteOwned()
		s.log.Info("hosting session", zap.String("session", name))
		if s.events.SessionStarted != nil {
			s.events.SessionStarted(true, name)
		}
	}, nil)
}

// JoinSession joins a named session; the facilitator answers with the host's
// description and the punch toward the host begins immediately.
func (s *Session) JoinSession(name string) {
	if s.state != StateRegistered {
		s.emitError(wire.NameJoin, "not registered")
		return
	}
	s.sendFacRequest(wire.NameJoin, facilitator.JoinRequest{Name: name}, func(resp wire.Message) {
		var joined facilitator.JoinResponse
		if err := wire.UnmarshalArgs(resp.Payload, &joined); err != nil {
			s.emitError(wire.NameJoin, "bad response")
			return
		}
		s.sessionName = name
		s.log.Info("joined session",
			zap.String("session", name),
			zap.String("host", joined.AgentID),
			zap.String("info", joined.Info))
		if s.events.SessionStarted != nil {
			s.events.SessionStarted(false, name)
		}
		s.beginIntroduction(joined.ConnectResponse)
	}, nil)
}

// ListAgents asks the facilitator for every other registered agent.
func (s *Session) ListAgents() {
	if s.state != StateRegistered {
		s.emitError(wire.NameList, "not registered")
		return
	}
	s.sendFacRequest(wire.NameList, struct{}{}, func(resp wire.Message) {
		var list facilitator.ListResponse
		if err := wire.UnmarshalArgs(resp.Payload, &list); err != nil {
			s.emitError(wire.NameList, "bad response")
			return
		}
		for _, sum := range list.Agents {
			id, err := uuid.Parse(sum.ID)
			if err != nil || id == s.localID {
				continue
			}
			if known := s.reg.ByID(id); known != nil {
				known.Name = sum.Name
				continue
			}
			s.reg.Upsert(agent.New(id, sum.Name))
		}
		if s.events.AgentsListed != nil {
			s.events.AgentsListed(list.Agents)
		}
	}, nil)
}

// FacilitateConnection asks to be introduced to a specific agent.
func (s *Session) FacilitateConnection(id uuid.UUID) {
	if s.state != StateRegistered {
		s.emitError(wire.NameConnect, "not registered")
		return
	}
	s.sendFacRequest(wire.NameConnect, facilitator.ConnectRequest{AgentID: id.String()}, func(resp wire.Message) {
		var target facilitator.ConnectResponse
		if err := wire.UnmarshalArgs(resp.Payload, &target); err != nil {
			s.emitError(wire.NameConnect, "bad response")
			return
		}
		s.beginIntroduction(target)
	}, nil)
}

// sendFacRequest tracks and sends one facilitate exchange. Error statuses
// and timeouts surface through SessionError and run onFail; onOK runs only
// for non-error responses.
func (s *Session) sendFacRequest(op string, payload any, onOK func(wire.Message), onFail func()) {
	body, err := wire.MarshalArgs(payload)
	if err != nil {
		s.emitError(op, err.Error())
		return
	}
	m := wire.Message{Type: wire.TypeFacilitate, Flags: wire.FlagRequest, Name: op, Payload: body}
	p := s.corr.Track(facKey, &m, s.requestTimeout(), func(resp wire.Message) {
		var st facilitator.StatusResponse
		if err := wire.UnmarshalArgs(resp.Payload, &st); err == nil && st.Status == facilitator.StatusError {
			s.emitError(op, st.Reason)
			if onFail != nil {
				onFail()
			}
			return
		}
		if onOK != nil {
			onOK(resp)
		}
	}, func() {
		s.emitError(op, "timeout")
		if onFail != nil {
			onFail()
		}
	})
	if p == nil {
		return
	}
	b, err := wire.Encode(m)
	if err != nil {
		s.corr.Cancel(p.Key)
		s.emitError(op, err.Error())
		return
	}
	if err := s.tr.SendReliableOrdered(s.facPeer, b); err != nil {
		s.corr.Cancel(p.Key)
		s.emitError(op, err.Error())
	}
}

// tickKeepalive refreshes the registration before the facilitator's TTL
// expires it. A re-Add with the same identity is the keepalive.
func (s *Session) tickKeepalive(now time.Time) {
	if s.state != StateRegistered {
		return
	}
	interval := time.Duration(s.cfg.KeepaliveSec) * time.Second
	if now.Sub(s.lastKeepalive) < interval {
		return
	}
	s.lastKeepalive = now
	self := s.reg.Self()
	if self == nil {
		return
	}
	host, port, err := addrutil.SplitEndpoint(self.PrivateEndpoint)
	if err != nil {
		return
	}
	s.sendFacRequest(wire.NameAdd, facilitator.AddRequest{
		Name:        self.Name,
		Platform:    self.Platform,
		VoiceID:     self.VoiceID,
		PrivateIP:   host,
		PrivatePort: port,
		NATType:     string(s.nat),
	}, nil, nil)
}
