package entity

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"peerlink/internal/wire"
)

type fakeBroadcast struct {
	creates   []*Instance
	destroys  []*Instance
	states    []wire.StateData
	rpcs      []string
	replayed  map[uuid.UUID][]wire.StateData
	ackAgents []uuid.UUID
}

func (f *fakeBroadcast) BroadcastCreate(inst *Instance, onAck func(uuid.UUID)) {
	f.creates = append(f.creates, inst)
	for _, id := range f.ackAgents {
		onAck(id)
	}
}
func (f *fakeBroadcast) SendCreateTo(agentID uuid.UUID, inst *Instance, onAck func(uuid.UUID)) {
	f.creates = append(f.creates, inst)
	onAck(agentID)
}
func (f *fakeBroadcast) BroadcastDestroy(inst *Instance) { f.destroys = append(f.destroys, inst) }
func (f *fakeBroadcast) BroadcastState(d wire.StateData, enter bool) {
	f.states = append(f.states, d)
}
func (f *fakeBroadcast) BroadcastRpc(name string, value float32, d wire.RpcData) {
	f.rpcs = append(f.rpcs, name)
}
func (f *fakeBroadcast) SendStatesTo(agentID uuid.UUID, states []wire.StateData) {
	if f.replayed == nil {
		f.replayed = make(map[uuid.UUID][]wire.StateData)
	}
	f.replayed[agentID] = append(f.replayed[agentID], states...)
}

func newTestManager(local uuid.UUID, host bool) *Manager {
	h := host
	return NewManager(zap.NewNop(), func() uuid.UUID { return local }, func() bool { return h })
}

func TestCreate_CapacityError(t *testing.T) {
	t.Parallel()

	local := uuid.New()
	other := uuid.New()
	m := newTestManager(local, true)
	if err := m.RegisterType(Type{Name: "Cube", MaxInstances: 1}); err != nil {
		t.Fatalf("RegisterType: %v", err)
	}

	inst, err := m.CreateNetworkInstance("Cube", local, 1, 0, true, Transform{})
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	if !inst.Mine || inst.WaitingSync {
		t.Fatalf("mine=%v waiting=%v", inst.Mine, inst.WaitingSync)
	}

	if _, err := m.CreateNetworkInstance("Cube", other, 2, 0, true, Transform{}); !errors.Is(err, ErrCapacity) {
		t.Fatalf("err=%v", err)
	}
	if m.Count("Cube") != 1 {
		t.Fatalf("count=%d, capacity overflow registered something", m.Count("Cube"))
	}
}

func TestCreate_UnknownTypeAndMissingOwner(t *testing.T) {
	t.Parallel()

	m := newTestManager(uuid.New(), false)
	if _, err := m.CreateNetworkInstance("Ghost", uuid.New(), 1, 0, true, Transform{}); !errors.Is(err, ErrUnknownType) {
		t.Fatalf("err=%v", err)
	}
	m.RegisterType(Type{Name: "Cube"})
	if _, err := m.CreateNetworkInstance("Cube", uuid.Nil, 1, 0, true, Transform{}); !errors.Is(err, ErrMissingOwner) {
		t.Fatalf("err=%v", err)
	}
	if _, err := m.CreateNetworkInstance("Cube", uuid.New(), 0, 0, true, Transform{}); !errors.Is(err, ErrBadID) {
		t.Fatalf("err=%v", err)
	}
}

func TestOwnership_ModeGatesMine(t *testing.T) {
	t.Parallel()

	local := uuid.New()
	cases := []struct {
		name     string
		mode     Mode
		host     bool
		owner    uuid.UUID
		wantMine bool
	}{
		{"both as peer", ModeBoth, false, local, true},
		{"host-only as host", ModeHostOnly, true, local, true},
		{"host-only as peer", ModeHostOnly, false, local, false},
		{"peer-only as peer", ModePeerOnly, false, local, true},
		{"peer-only as host", ModePeerOnly, true, local, false},
		{"remote owner", ModeBoth, true, uuid.New(), false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			m := newTestManager(local, tc.host)
			m.RegisterType(Type{Name: "T", Mode: tc.mode})
			inst, err := m.CreateNetworkInstance("T", tc.owner, 1, 0, true, Transform{})
			if err != nil {
				t.Fatalf("create: %v", err)
			}
			if inst.Mine != tc.wantMine {
				t.Fatalf("mine=%v want %v", inst.Mine, tc.wantMine)
			}
			if inst.WaitingSync == tc.wantMine {
				// Not mine must always mean waiting, never silently owned.
				t.Fatalf("waiting=%v mine=%v", inst.WaitingSync, inst.Mine)
			}
		})
	}
}

func TestCreate_RebindsUnboundInstance(t *testing.T) {
	t.Parallel()

	local := uuid.New()
	remote := uuid.New()
	m := newTestManager(local, false)
	m.RegisterType(Type{Name: "Avatar", MaxInstances: 2})

	scene, err := m.RegisterInstance("Avatar", "scene-object", remote)
	if err != nil {
		t.Fatalf("RegisterInstance: %v", err)
	}
	if scene.Mine {
		t.Fatalf("remote-owned registration is mine")
	}

	inst, err := m.CreateNetworkInstance("Avatar", remote, 7, 0, true, Transform{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if inst != scene {
		t.Fatalf("fresh instance allocated instead of rebinding")
	}
	if inst.ID != 7 || inst.Payload != "scene-object" {
		t.Fatalf("rebind incomplete: %+v", inst)
	}
	if m.Count("Avatar") != 1 {
		t.Fatalf("count=%d", m.Count("Avatar"))
	}
}

func TestGroupRoot_Lifecycle(t *testing.T) {
	t.Parallel()

	local := uuid.New()
	m := newTestManager(local, true)
	m.RegisterType(Type{Name: "Node"})

	parent, err := m.CreateNetworkInstance("Node", local, 1, 0, true, Transform{})
	if err != nil {
		t.Fatalf("parent: %v", err)
	}
	if parent.Group != 0 || m.GroupCount() != 0 {
		t.Fatalf("group created without children")
	}

	childA, err := m.CreateNetworkInstance("Node", local, 2, parent.ID, true, Transform{})
	if err != nil {
		t.Fatalf("childA: %v", err)
	}
	if parent.Group == 0 || childA.Group != parent.Group {
		t.Fatalf("first child did not promote parent under a group root")
	}
	if m.GroupCount() != 1 {
		t.Fatalf("groups=%d", m.GroupCount())
	}

	childB, err := m.CreateNetworkInstance("Node", local, 3, parent.ID, true, Transform{})
	if err != nil {
		t.Fatalf("childB: %v", err)
	}

	// Destroying one of several siblings keeps the root.
	m.DestroyNetworkInstance(childA, true)
	if m.GroupCount() != 1 {
		t.Fatalf("group destroyed with a sibling remaining")
	}

	// Destroying the sole remaining child destroys the root too.
	m.DestroyNetworkInstance(childB, true)
	if m.GroupCount() != 0 {
		t.Fatalf("sole-child destroy kept the group root")
	}
	if parent.Group != 0 {
		t.Fatalf("parent still grouped")
	}
}

func TestAttach_DefersUntilParentRegistered(t *testing.T) {
	t.Parallel()

	local := uuid.New()
	m := newTestManager(local, true)
	m.RegisterType(Type{Name: "Node"})

	child, err := m.CreateNetworkInstance("Node", local, 2, 99, true, Transform{})
	if err != nil {
		t.Fatalf("child: %v", err)
	}
	m.ProcessPending()
	if child.Group != 0 {
		t.Fatalf("attached without parent")
	}

	if _, err := m.CreateNetworkInstance("Node", local, 99, 0, true, Transform{}); err != nil {
		t.Fatalf("parent: %v", err)
	}
	m.ProcessPending()
	if child.Group == 0 {
		t.Fatalf("pending attach never completed")
	}
}

func TestCreate_BroadcastsAndReplaysStates(t *testing.T) {
	t.Parallel()

	local := uuid.New()
	peer := uuid.New()
	m := newTestManager(local, true)
	fb := &fakeBroadcast{ackAgents: []uuid.UUID{peer}}
	m.SetBroadcaster(fb)
	m.RegisterType(Type{Name: "Actor"})

	inst, err := m.CreateNetworkInstance("Actor", local, 1, 0, true, Transform{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	m.EnterState(inst, "locomotion", "idle", true)
	m.EnterState(inst, "combat", "aiming", true)
	m.EnterState(inst, "locomotion", "running", true) // replaces, keeps order

	// A second, broadcast create replays the active states per ack.
	inst2, err := m.CreateNetworkInstance("Actor", local, 2, 0, false, Transform{})
	if err != nil {
		t.Fatalf("create2: %v", err)
	}
	m.EnterState(inst2, "door", "open", true)
	if len(fb.creates) != 1 {
		t.Fatalf("creates=%d", len(fb.creates))
	}

	states := inst.ActiveStates()
	if len(states) != 2 || states[0].Machine != "locomotion" || states[0].State != "running" || states[1].Machine != "combat" {
		t.Fatalf("states=%+v", states)
	}
}

func TestCreate_ReplayRunsPerAcknowledgingAgent(t *testing.T) {
	t.Parallel()

	local := uuid.New()
	remote := uuid.New()
	p1, p2 := uuid.New(), uuid.New()
	m := newTestManager(local, true)
	fb := &fakeBroadcast{ackAgents: []uuid.UUID{p1, p2}}
	m.SetBroadcaster(fb)
	m.RegisterType(Type{Name: "Actor"})

	// A scene instance with live sub-states gets bound by a broadcast
	// create: each acknowledging agent receives the replay.
	scene, err := m.RegisterInstance("Actor", nil, remote)
	if err != nil {
		t.Fatalf("RegisterInstance: %v", err)
	}
	m.EnterState(scene, "anim", "wave", true)
	m.EnterState(scene, "door", "open", true)

	inst, err := m.CreateNetworkInstance("Actor", remote, 5, 0, false, Transform{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if inst != scene {
		t.Fatalf("rebind expected")
	}
	for _, p := range []uuid.UUID{p1, p2} {
		replay := fb.replayed[p]
		if len(replay) != 2 || replay[0].Machine != "anim" || replay[1].Machine != "door" {
			t.Fatalf("replay for %s: %+v", p, replay)
		}
		if replay[0].EntityID != 5 {
			t.Fatalf("replay carries unbound id: %+v", replay[0])
		}
	}
}

func TestApplyTransform_RejectsStale(t *testing.T) {
	t.Parallel()

	local := uuid.New()
	m := newTestManager(local, true)
	m.RegisterType(Type{Name: "Cube"})
	inst, _ := m.CreateNetworkInstance("Cube", local, 1, 0, true, Transform{})

	fresh := wire.TransformData{EntityID: 1, Has: wire.HasPosition, Position: wire.Vec3{1, 0, 0}, Timestamp: 10}
	if !m.ApplyTransform(fresh) {
		t.Fatalf("fresh rejected")
	}
	stale := wire.TransformData{EntityID: 1, Has: wire.HasPosition, Position: wire.Vec3{9, 9, 9}, Timestamp: 5}
	if m.ApplyTransform(stale) {
		t.Fatalf("stale applied")
	}
	if inst.Transform.Position != (wire.Vec3{1, 0, 0}) {
		t.Fatalf("position=%v", inst.Transform.Position)
	}
}

func TestRpc_LocalInvokeAndBroadcast(t *testing.T) {
	t.Parallel()

	local := uuid.New()
	m := newTestManager(local, true)
	fb := &fakeBroadcast{}
	m.SetBroadcaster(fb)

	var got RpcCall
	m.BindRpc("fire", func(c RpcCall) { got = c })

	m.CallRpc(local, "fire", false, `[3]`, 1.5, 0)
	if got.Name != "fire" || got.Value != 1.5 || got.Args != `[3]` {
		t.Fatalf("call=%+v", got)
	}
	if len(fb.rpcs) != 1 {
		t.Fatalf("broadcasts=%d", len(fb.rpcs))
	}

	// Local-only stays local.
	m.CallRpc(local, "fire", true, "", 0, 0)
	if len(fb.rpcs) != 1 {
		t.Fatalf("local-only call broadcast")
	}
}

func TestPromoteOwned_OnHostElection(t *testing.T) {
	t.Parallel()

	local := uuid.New()
	remote := uuid.New()
	m := newTestManager(local, false)
	m.RegisterType(Type{Name: "HostThing", Mode: ModeHostOnly})
	m.RegisterType(Type{Name: "Other"})

	mineLater, _ := m.CreateNetworkInstance("HostThing", local, 1, 0, true, Transform{})
	theirs, _ := m.CreateNetworkInstance("Other", remote, 2, 0, true, Transform{})
	if mineLater.Mine {
		t.Fatalf("host-only instance mine while peer")
	}

	m.PromoteOwned()
	if !mineLater.Mine || mineLater.WaitingSync {
		t.Fatalf("owned instance not promoted: %+v", mineLater)
	}
	if theirs.Mine {
		t.Fatalf("remote instance promoted")
	}
}

func TestDestroyOwnedBy_Cascade(t *testing.T) {
	t.Parallel()

	local := uuid.New()
	gone := uuid.New()
	m := newTestManager(local, true)
	m.RegisterType(Type{Name: "T"})
	m.CreateNetworkInstance("T", gone, 1, 0, true, Transform{})
	m.CreateNetworkInstance("T", local, 2, 0, true, Transform{})

	m.DestroyOwnedBy(gone)
	m.DestroyOwnedBy(gone) // idempotent
	if m.ByID(1) != nil {
		t.Fatalf("departed agent's instance survived")
	}
	if m.ByID(2) == nil {
		t.Fatalf("local instance destroyed")
	}
	if m.Count("T") != 1 {
		t.Fatalf("count=%d", m.Count("T"))
	}
}

func TestSyncTo_ReplaysOwnedInstancesOnly(t *testing.T) {
	t.Parallel()

	local := uuid.New()
	other := uuid.New()
	m := newTestManager(local, true)
	fb := &fakeBroadcast{}
	m.SetBroadcaster(fb)
	if err := m.RegisterType(Type{Name: "Door"}); err != nil {
		t.Fatalf("RegisterType: %v", err)
	}

	mine, err := m.CreateNetworkInstance("Door", local, 1, 0, true, Transform{})
	if err != nil {
		t.Fatalf("create mine: %v", err)
	}
	m.EnterState(mine, "latch", "open", true)
	if _, err := m.CreateNetworkInstance("Door", other, 2, 0, true, Transform{}); err != nil {
		t.Fatalf("create theirs: %v", err)
	}

	joiner := uuid.New()
	m.SyncTo(joiner)

	if len(fb.creates) != 1 || fb.creates[0] != mine {
		t.Fatalf("creates=%v, want only the owned instance", fb.creates)
	}
	replay := fb.replayed[joiner]
	if len(replay) != 1 || replay[0].Machine != "latch" || replay[0].State != "open" {
		t.Fatalf("replayed=%v", replay)
	}
}
