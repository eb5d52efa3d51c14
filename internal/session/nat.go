package session

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"peerlink/internal/addrutil"
	"peerlink/internal/agent"
	"peerlink/internal/facilitator"
	"peerlink/internal/wire"
)

// punchHello rides inside Connection/New probes so the far side can
// attribute the unconnected datagram to an agent.
type punchHello struct {
	AgentID string `json:"agent_id"`
	Name    string `json:"name"`
}

// natPath is one candidate route toward a target: the private endpoint (same
// LAN) or the public one (through the NAT mapping the facilitator observed).
type natPath struct {
	label    string // "private" or "public"
	endpoint string
	key      string // correlator key of the probe exchange
	frame    []byte // encoded probe, resent verbatim
	lastSent time.Time
	failed   bool
}

// natAttempt races the candidate paths toward one target. First response
// wins; the loser is cancelled before the winner's connect proceeds, and a
// cancelled path is never resent. Both paths failing falls back to relay.
type natAttempt struct {
	target   *agent.SessionAgent
	paths    []*natPath
	resolved bool
}

// beginIntroduction reacts to a facilitator introduction: record the agent
// and start punching unless a path already exists.
func (s *Session) beginIntroduction(d facilitator.ConnectResponse) {
	id, err := uuid.Parse(d.AgentID)
	if err != nil || id == s.localID {
		return
	}
	a := s.reg.ByID(id)
	if a == nil {
		a = agent.New(id, d.Name)
	}
	a.Name = d.Name
	a.Platform = d.Platform
	a.VoiceID = d.VoiceID
	a.IsHost = d.IsHost
	if d.PrivateIP != "" {
		a.PrivateEndpoint = addrutil.EndpointKey(d.PrivateIP, d.PrivatePort)
	}
	if d.PublicIP != "" {
		a.PublicEndpoint = addrutil.EndpointKey(d.PublicIP, d.PublicPort)
	}
	s.reg.Upsert(a)

	if a.State == agent.StateConnected || a.State == agent.StateConnecting {
		return
	}
	if _, racing := s.attempts[id]; racing {
		return
	}
	if s.cfg.ForceRelay {
		s.connectViaRelay(a)
		return
	}
	s.startPunch(a)
}

func (s *Session) startPunch(a *agent.SessionAgent) {
	att := &natAttempt{target: a}
	a.State = agent.StatePending

	endpoints := []struct{ label, ep string }{
		{"private", a.PrivateEndpoint},
		{"public", a.PublicEndpoint},
	}
	seen := map[string]bool{}
	for _, e := range endpoints {
		if e.ep == "" || seen[e.ep] {
			continue
		}
		seen[e.ep] = true
		if path := s.launchPath(att, e.label, e.ep); path != nil {
			att.paths = append(att.paths, path)
		}
	}
	if len(att.paths) == 0 {
		s.connectViaRelay(a)
		return
	}
	s.attempts[a.ID] = att
	s.log.Info("punching", zap.String("agent", a.ID.String()), zap.Int("paths", len(att.paths)))
}

func (s *Session) launchPath(att *natAttempt, label, endpoint string) *natPath {
	body, err := wire.MarshalArgs(punchHello{AgentID: s.localID.String(), Name: s.cfg.Name})
	if err != nil {
		return nil
	}
	m := wire.Message{Type: wire.TypeConnection, Flags: wire.FlagRequest, Name: wire.NameNew, Payload: body}

	path := &natPath{label: label, endpoint: endpoint}
	timeout := time.Duration(s.cfg.NatTimeoutSec) * time.Second
	p := s.corr.Track(agentKey(att.target.ID), &m, timeout,
		func(resp wire.Message) { s.punchWon(att, path) },
		func() { s.pathFailed(att, path) })
	if p == nil {
		return nil
	}
	path.key = p.Key

	frame, err := wire.Encode(m)
	if err != nil {
		s.corr.Cancel(p.Key)
		return nil
	}
	path.frame = frame
	path.lastSent = s.clk.Now()
	if err := s.tr.SendUnconnected(endpoint, frame); err != nil {
		s.log.Debug("probe send failed", zap.String("endpoint", endpoint), zap.Error(err))
	}
	return path
}

// settleAttempt ends any in-flight punch toward id without a downstream
// transition. Every probe exchange is cancelled in the correlator, so a late
// timeout or response cannot re-resolve an agent that already connected
// through another path.
func (s *Session) settleAttempt(id uuid.UUID) {
	att, ok := s.attempts[id]
	if !ok {
		return
	}
	att.resolved = true
	for _, p := range att.paths {
		p.failed = true
		s.corr.Cancel(p.key)
	}
	delete(s.attempts, id)
}

// punchWon settles the race for att on the responding path. The losing
// path is cancelled in the correlator and marked failed first, so a late
// response or retry on it is inert.
func (s *Session) punchWon(att *natAttempt, winner *natPath) {
	if att.resolved {
		return
	}
	if att.target.State == agent.StateConnected {
		// The remote side completed the handshake before our probe response
		// landed; the connection already exists.
		s.settleAttempt(att.target.ID)
		return
	}
	att.resolved = true
	for _, p := range att.paths {
		if p != winner {
			p.failed = true
			s.corr.Cancel(p.key)
		}
	}
	delete(s.attempts, att.target.ID)

	a := att.target
	a.ConnectedEndpoint = winner.endpoint
	a.State = agent.StateConnecting
	peer, err := s.tr.Connect(winner.endpoint)
	if err != nil {
		s.log.Warn("connect after punch failed", zap.String("agent", a.ID.String()), zap.Error(err))
		s.connectViaRelay(a)
		return
	}
	a.Peer = peer
	s.log.Info("punch settled",
		zap.String("agent", a.ID.String()),
		zap.String("path", winner.label),
		zap.String("endpoint", winner.endpoint))
}

func (s *Session) pathFailed(att *natAttempt, path *natPath) {
	path.failed = true
	for _, p := range att.paths {
		if !p.failed {
			return
		}
	}
	if att.resolved {
		return
	}
	att.resolved = true
	delete(s.attempts, att.target.ID)
	s.log.Info("punch failed on all paths", zap.String("agent", att.target.ID.String()))
	s.connectViaRelay(att.target)
}

// connectViaRelay marks the target reachable only through the facilitator.
// There is no handshake: relayed agents are connected the moment both sides
// give up on direct paths.
func (s *Session) connectViaRelay(a *agent.SessionAgent) {
	if a.State == agent.StateConnected {
		return
	}
	a.Relay = true
	a.ConnectedEndpoint = ""
	a.State = agent.StateConnected
	s.reg.Upsert(a)
	s.log.Info("using relay", zap.String("agent", a.ID.String()))
	if s.events.AgentConnected != nil {
		s.events.AgentConnected(a)
	}
	s.ents.SyncTo(a.ID)
}

// tickNat resends live probes. Cancelled or failed paths are skipped; the
// correlator is the single source of truth for liveness.
func (s *Session) tickNat(now time.Time) {
	retry := time.Duration(s.cfg.RetryIntervalMs) * time.Millisecond
	for _, att := range s.attempts {
		if att.resolved {
			continue
		}
		for _, p := range att.paths {
			if p.failed || !s.corr.IsPending(p.key) {
				continue
			}
			if now.Sub(p.lastSent) < retry {
				continue
			}
			p.lastSent = now
			if err := s.tr.SendUnconnected(p.endpoint, p.frame); err != nil {
				s.log.Debug("probe resend failed", zap.String("endpoint", p.endpoint), zap.Error(err))
			}
		}
	}
}
