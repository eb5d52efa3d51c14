// Package entity tracks the shared network entities of a session: type
// registration, instance ownership, transform and state replication, and the
// RPC surface. All mutation happens on the session tick.
package entity

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"peerlink/internal/wire"
)

var (
	ErrUnknownType  = errors.New("entity: unknown type")
	ErrCapacity     = errors.New("entity: instance cap reached")
	ErrMissingOwner = errors.New("entity: owner required")
	ErrBadID        = errors.New("entity: instance id required")
)

// Mode restricts which session role may own instances of a type.
type Mode int

const (
	ModeBoth Mode = iota
	ModeHostOnly
	ModePeerOnly
)

// Type describes a registered entity type. MaxInstances of zero means
// unlimited. New, when set, produces the consumer payload attached to fresh
// instances (the prefab hook; the session layer never inspects it).
type Type struct {
	Name         string
	MaxInstances int
	Mode         Mode
	New          func() any
}

// Transform is the replicated spatial state of an instance.
type Transform struct {
	Position wire.Vec3
	Rotation wire.Vec3
	Scale    wire.Vec3
}

type machineState struct {
	Machine string
	State   string
}

// Instance is one live network entity. Mine means local authority; an
// instance owned by the local agent's UUID can still be waiting for the
// synchronization handshake, in which case Mine is false and WaitingSync is
// true - it is never silently treated as owned.
type Instance struct {
	ID    uint64 // network id, zero while registered but unbound
	Type  *Type
	Owner uuid.UUID

	Mine        bool
	WaitingSync bool

	ParentID uint64
	Group    uint64 // synthetic group root, zero when ungrouped

	Payload   any
	Transform Transform

	lastStamp float32
	hasStamp  bool
	machines  []machineState

	Destroyed bool
}

// ActiveStates returns the entity's live sub-states in the order they were
// entered, ready for join-in-progress replay.
func (i *Instance) ActiveStates() []wire.StateData {
	out := make([]wire.StateData, 0, len(i.machines))
	for _, ms := range i.machines {
		out = append(out, wire.StateData{EntityID: i.ID, Machine: ms.Machine, State: ms.State})
	}
	return out
}

// State returns the active state of one machine, "" when inactive.
func (i *Instance) State(machine string) string {
	for _, ms := range i.machines {
		if ms.Machine == machine {
			return ms.State
		}
	}
	return ""
}

// RpcCall is a remote procedure invocation delivered to a bound handler.
type RpcCall struct {
	Sender   uuid.UUID
	Name     string
	Value    float32
	Args     string // JSON-encoded argument list, possibly empty
	EntityID uint64 // zero for the global scope
}

// RpcHandler executes a bound procedure.
type RpcHandler func(RpcCall)

func fmtInstance(i *Instance) string {
	return fmt.Sprintf("%s#%d", i.Type.Name, i.ID)
}
