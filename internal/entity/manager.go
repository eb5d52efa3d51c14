package entity

import (
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"peerlink/internal/wire"
)

// groupBit keeps synthetic group-root ids out of the instance id space.
const groupBit = uint64(1) << 63

// Broadcaster is the session-side sink for entity messages. A nil
// broadcaster makes every operation local-only, which the tests use.
type Broadcaster interface {
	// BroadcastCreate sends an Entity/Create request to every connected
	// agent; onAck runs once per acknowledging agent.
	BroadcastCreate(inst *Instance, onAck func(agentID uuid.UUID))
	// SendCreateTo targets a single agent, used to catch a late joiner up.
	SendCreateTo(agentID uuid.UUID, inst *Instance, onAck func(agentID uuid.UUID))
	BroadcastDestroy(inst *Instance)
	BroadcastState(d wire.StateData, enter bool)
	BroadcastRpc(name string, value float32, d wire.RpcData)
	// SendStatesTo replays active sub-states to one agent in order.
	SendStatesTo(agentID uuid.UUID, states []wire.StateData)
}

type group struct {
	ID       uint64
	Parent   uint64
	Children []uint64
}

// Manager owns entity types, instances and groups for one session.
type Manager struct {
	log *zap.Logger
	b   Broadcaster

	localID func() uuid.UUID
	isHost  func() bool

	types     map[string]*Type
	instances map[uint64]*Instance // bound by network id
	unbound   []*Instance          // registered, awaiting a network id
	counts    map[string]int

	groups    map[uint64]*group
	nextGroup uint64

	pendingAttach []*Instance

	rpcs map[string]RpcHandler
}

// NewManager builds a manager. localID and isHost are consulted on every
// ownership decision so host election is picked up without re-registration.
func NewManager(log *zap.Logger, localID func() uuid.UUID, isHost func() bool) *Manager {
	return &Manager{
		log:       log,
		localID:   localID,
		isHost:    isHost,
		types:     make(map[string]*Type),
		instances: make(map[uint64]*Instance),
		counts:    make(map[string]int),
		groups:    make(map[uint64]*group),
		rpcs:      make(map[string]RpcHandler),
	}
}

// SetBroadcaster wires the session sink. Must be called before any
// non-local-only operation reaches the manager.
func (m *Manager) SetBroadcaster(b Broadcaster) { m.b = b }

// RegisterType makes a type known. Re-registering an existing name replaces
// it with a warning, keeping live instances attached to the old descriptor.
func (m *Manager) RegisterType(t Type) error {
	if t.Name == "" {
		return fmt.Errorf("entity: type name required")
	}
	if _, exists := m.types[t.Name]; exists {
		m.log.Warn("entity type re-registered, last write wins", zap.String("type", t.Name))
	}
	cp := t
	m.types[t.Name] = &cp
	return nil
}

// UnregisterType forgets a type. Instances of it stay alive until destroyed.
func (m *Manager) UnregisterType(name string) { delete(m.types, name) }

// TypeByName returns a registered type descriptor, nil when unknown.
func (m *Manager) TypeByName(name string) *Type { return m.types[name] }

// RegisterInstance records a pre-existing instance of a known type that has
// no network id yet (a scene object awaiting binding). The pair operation is
// UnregisterInstance.
func (m *Manager) RegisterInstance(typeName string, payload any, owner uuid.UUID) (*Instance, error) {
	typ, ok := m.types[typeName]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, typeName)
	}
	if owner == uuid.Nil {
		return nil, fmt.Errorf("%w: type %q", ErrMissingOwner, typeName)
	}
	if typ.MaxInstances > 0 && m.counts[typ.Name] >= typ.MaxInstances {
		return nil, fmt.Errorf("%w: %q at %d", ErrCapacity, typeName, typ.MaxInstances)
	}

	inst := &Instance{Type: typ, Owner: owner, Payload: payload}
	m.resolveOwnership(inst)
	m.unbound = append(m.unbound, inst)
	m.counts[typ.Name]++
	return inst, nil
}

// UnregisterInstance removes an instance from the books without any network
// traffic. Safe to call twice.
func (m *Manager) UnregisterInstance(inst *Instance) {
	if inst == nil || inst.Destroyed {
		return
	}
	inst.Destroyed = true
	if inst.ID != 0 {
		if cur, ok := m.instances[inst.ID]; ok && cur == inst {
			delete(m.instances, inst.ID)
		}
	} else {
		for n, u := range m.unbound {
			if u == inst {
				m.unbound = append(m.unbound[:n], m.unbound[n+1:]...)
				break
			}
		}
	}
	m.counts[inst.Type.Name]--
	m.detachFromGroup(inst)
}

// resolveOwnership applies the ownership rule: the instance is mine iff the
// owner is the local agent and the type's mode matches the local role.
func (m *Manager) resolveOwnership(inst *Instance) {
	owned := m.localID != nil && inst.Owner == m.localID()
	if owned && m.modeMatches(inst.Type.Mode) {
		inst.Mine = true
		inst.WaitingSync = false
		return
	}
	inst.Mine = false
	inst.WaitingSync = true
}

func (m *Manager) modeMatches(mode Mode) bool {
	switch mode {
	case ModeHostOnly:
		return m.isHost != nil && m.isHost()
	case ModePeerOnly:
		return m.isHost == nil || !m.isHost()
	default:
		return true
	}
}

// CreateNetworkInstance binds a new entity instance. An existing unbound
// not-mine instance of the same type is re-bound before anything is
// instantiated. Unless localOnly, a Create request goes to every connected
// agent and, per acknowledgment, the instance's active sub-states are
// replayed so late joiners catch up.
func (m *Manager) CreateNetworkInstance(typeName string, owner uuid.UUID, id, parentID uint64, localOnly bool, tr Transform) (*Instance, error) {
	typ, ok := m.types[typeName]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, typeName)
	}
	if owner == uuid.Nil {
		return nil, fmt.Errorf("%w: type %q", ErrMissingOwner, typeName)
	}
	if id == 0 || id&groupBit != 0 {
		return nil, fmt.Errorf("%w: type %q id %d", ErrBadID, typeName, id)
	}

	if prev, dup := m.instances[id]; dup {
		// Replayed creates can collide with a live id; the newest write wins.
		m.log.Warn("duplicate instance id, replacing", zap.String("instance", fmtInstance(prev)))
		m.UnregisterInstance(prev)
	}

	inst := m.rebindUnbound(typ)
	if inst == nil {
		if typ.MaxInstances > 0 && m.counts[typ.Name] >= typ.MaxInstances {
			return nil, fmt.Errorf("%w: %q at %d", ErrCapacity, typeName, typ.MaxInstances)
		}
		inst = &Instance{Type: typ}
		if typ.New != nil {
			inst.Payload = typ.New()
		}
		m.counts[typ.Name]++
	}

	inst.ID = id
	inst.Owner = owner
	inst.ParentID = parentID
	inst.Transform = tr
	m.resolveOwnership(inst)
	m.instances[id] = inst

	if parentID != 0 && !m.attach(inst) {
		// Parent not registered yet: retried every tick, never blocks.
		m.pendingAttach = append(m.pendingAttach, inst)
	}

	if !localOnly && m.b != nil {
		m.b.BroadcastCreate(inst, func(agentID uuid.UUID) {
			if states := inst.ActiveStates(); len(states) > 0 {
				m.b.SendStatesTo(agentID, states)
			}
		})
	}

	m.log.Debug("instance created",
		zap.String("instance", fmtInstance(inst)),
		zap.Bool("mine", inst.Mine),
		zap.Bool("waiting_sync", inst.WaitingSync))
	return inst, nil
}

// SyncTo catches one agent up on every instance the local side is authority
// for: a Create request per instance, each acknowledgement followed by an
// ordered replay of the instance's active sub-states.
func (m *Manager) SyncTo(agentID uuid.UUID) {
	if m.b == nil {
		return
	}
	for _, inst := range m.instances {
		if !inst.Mine || inst.Destroyed {
			continue
		}
		inst := inst
		m.b.SendCreateTo(agentID, inst, func(acked uuid.UUID) {
			if states := inst.ActiveStates(); len(states) > 0 {
				m.b.SendStatesTo(acked, states)
			}
		})
	}
}

// rebindUnbound pops a registered, unbound, not-mine instance of typ.
func (m *Manager) rebindUnbound(typ *Type) *Instance {
	for n, u := range m.unbound {
		if u.Type == typ && !u.Mine {
			m.unbound = append(m.unbound[:n], m.unbound[n+1:]...)
			return u
		}
	}
	return nil
}

// DestroyNetworkInstance unregisters the instance and, unless localOnly,
// broadcasts a Destroy request. Destroying the sole grouped child also
// removes the synthetic group root.
func (m *Manager) DestroyNetworkInstance(inst *Instance, localOnly bool) {
	if inst == nil || inst.Destroyed {
		return
	}
	if !localOnly && m.b != nil {
		m.b.BroadcastDestroy(inst)
	}
	m.UnregisterInstance(inst)
	m.log.Debug("instance destroyed", zap.String("instance", fmtInstance(inst)))
}

// ByID resolves a bound instance.
func (m *Manager) ByID(id uint64) *Instance { return m.instances[id] }

// Count returns the live instance count for a type name.
func (m *Manager) Count(typeName string) int { return m.counts[typeName] }

// GroupCount returns the number of live synthetic group roots.
func (m *Manager) GroupCount() int { return len(m.groups) }

// attach places inst under its parent's group, promoting the parent beneath
// a fresh synthetic group root the first time a child arrives.
func (m *Manager) attach(inst *Instance) bool {
	parent, ok := m.instances[inst.ParentID]
	if !ok || parent.Destroyed {
		return false
	}
	if parent.Group == 0 {
		m.nextGroup++
		g := &group{ID: groupBit | m.nextGroup, Parent: parent.ID}
		m.groups[g.ID] = g
		parent.Group = g.ID
	}
	g := m.groups[parent.Group]
	g.Children = append(g.Children, inst.ID)
	inst.Group = parent.Group
	return true
}

func (m *Manager) detachFromGroup(inst *Instance) {
	if inst.Group == 0 {
		return
	}
	g, ok := m.groups[inst.Group]
	inst.Group = 0
	if !ok {
		return
	}

	if g.Parent == inst.ID {
		// The promoted parent is gone; the group root goes with it.
		for _, childID := range g.Children {
			if child := m.instances[childID]; child != nil {
				child.Group = 0
			}
		}
		delete(m.groups, g.ID)
		return
	}

	for n, childID := range g.Children {
		if childID == inst.ID {
			g.Children = append(g.Children[:n], g.Children[n+1:]...)
			break
		}
	}
	if len(g.Children) == 0 {
		delete(m.groups, g.ID)
		if parent := m.instances[g.Parent]; parent != nil {
			parent.Group = 0
		}
	}
}

// ProcessPending retries deferred parent attachments. Called once per tick.
func (m *Manager) ProcessPending() {
	if len(m.pendingAttach) == 0 {
		return
	}
	remaining := m.pendingAttach[:0]
	for _, inst := range m.pendingAttach {
		if inst.Destroyed {
			continue
		}
		if !m.attach(inst) {
			remaining = append(remaining, inst)
		}
	}
	m.pendingAttach = remaining
}

// EnterState activates a sub-state on one of the instance's machines and,
// unless localOnly, broadcasts a StateEnter message.
func (m *Manager) EnterState(inst *Instance, machine, state string, localOnly bool) {
	if inst == nil || inst.Destroyed {
		return
	}
	replaced := false
	for n := range inst.machines {
		if inst.machines[n].Machine == machine {
			inst.machines[n].State = state
			replaced = true
			break
		}
	}
	if !replaced {
		inst.machines = append(inst.machines, machineState{Machine: machine, State: state})
	}
	if !localOnly && m.b != nil {
		m.b.BroadcastState(wire.StateData{EntityID: inst.ID, Machine: machine, State: state}, true)
	}
}

// ExitState deactivates a machine's sub-state.
func (m *Manager) ExitState(inst *Instance, machine string, localOnly bool) {
	if inst == nil {
		return
	}
	for n := range inst.machines {
		if inst.machines[n].Machine == machine {
			state := inst.machines[n].State
			inst.machines = append(inst.machines[:n], inst.machines[n+1:]...)
			if !localOnly && m.b != nil {
				m.b.BroadcastState(wire.StateData{EntityID: inst.ID, Machine: machine, State: state}, false)
			}
			return
		}
	}
}

// ApplyTransform applies a received transform unless it is older than the
// last applied update for the entity.
func (m *Manager) ApplyTransform(d wire.TransformData) bool {
	inst, ok := m.instances[d.EntityID]
	if !ok {
		return false
	}
	if inst.hasStamp && d.Timestamp < inst.lastStamp {
		return false
	}
	inst.lastStamp = d.Timestamp
	inst.hasStamp = true
	if d.Has&wire.HasPosition != 0 {
		inst.Transform.Position = d.Position
	}
	if d.Has&wire.HasRotation != 0 {
		inst.Transform.Rotation = d.Rotation
	}
	if d.Has&wire.HasScale != 0 {
		inst.Transform.Scale = d.Scale
	}
	return true
}

// BindRpc attaches a handler for a procedure name.
func (m *Manager) BindRpc(name string, fn RpcHandler) { m.rpcs[name] = fn }

// UnbindRpc detaches a handler.
func (m *Manager) UnbindRpc(name string) { delete(m.rpcs, name) }

// CallRpc invokes the locally bound handler and, unless localOnly, serializes
// the call for reliable replay on every peer.
func (m *Manager) CallRpc(sender uuid.UUID, name string, localOnly bool, args string, value float32, entityID uint64) {
	if fn, ok := m.rpcs[name]; ok {
		fn(RpcCall{Sender: sender, Name: name, Value: value, Args: args, EntityID: entityID})
	} else {
		m.log.Warn("rpc without handler", zap.String("name", name))
	}
	if !localOnly && m.b != nil {
		m.b.BroadcastRpc(name, value, wire.RpcData{EntityID: entityID, Args: args})
	}
}

// PromoteOwned flips every instance owned by the local agent but not yet mine
// to mine. Runs when the local agent becomes the session host.
func (m *Manager) PromoteOwned() {
	local := m.localID()
	promote := func(inst *Instance) {
		if !inst.Mine && inst.Owner == local {
			inst.Mine = true
			inst.WaitingSync = false
		}
	}
	for _, inst := range m.instances {
		promote(inst)
	}
	for _, inst := range m.unbound {
		promote(inst)
	}
}

// DestroyOwnedBy removes every instance owned by a departed agent. Runs from
// the registry's cascade cleanup; calling it twice is harmless.
func (m *Manager) DestroyOwnedBy(owner uuid.UUID) {
	for _, inst := range m.instances {
		if inst.Owner == owner {
			m.DestroyNetworkInstance(inst, true)
		}
	}
	for _, inst := range append([]*Instance(nil), m.unbound...) {
		if inst.Owner == owner {
			m.UnregisterInstance(inst)
		}
	}
}
