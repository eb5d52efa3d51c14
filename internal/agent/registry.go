package agent

import (
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Registry indexes session agents by id and by endpoint key. The local agent
// itself is stored but excluded from All. Mutation happens only on the
// session tick.
type Registry struct {
	log       *zap.Logger
	self      *SessionAgent
	byID      map[uuid.UUID]*SessionAgent
	byPrivate map[string]*SessionAgent
	byPublic  map[string]*SessionAgent
	onRemove  []func(*SessionAgent)
}

// NewRegistry builds an empty registry.
func NewRegistry(log *zap.Logger) *Registry {
	return &Registry{
		log:       log,
		byID:      make(map[uuid.UUID]*SessionAgent),
		byPrivate: make(map[string]*SessionAgent),
		byPublic:  make(map[string]*SessionAgent),
	}
}

// OnRemove registers a cascade-cleanup hook invoked once per removed agent.
func (r *Registry) OnRemove(fn func(*SessionAgent)) {
	r.onRemove = append(r.onRemove, fn)
}

// SetSelf records the local agent snapshot. It is indexed like any other.
func (r *Registry) SetSelf(a *SessionAgent) {
	r.self = a
	r.Upsert(a)
}

// Self returns the local agent, nil before registration completes.
func (r *Registry) Self() *SessionAgent { return r.self }

// Upsert indexes an agent, replacing stale endpoint index entries when its
// endpoints changed.
func (r *Registry) Upsert(a *SessionAgent) {
	if prev, ok := r.byID[a.ID]; ok && prev != a {
		r.dropEndpoints(prev)
	} else if ok {
		r.dropEndpoints(a)
	}
	r.byID[a.ID] = a
	if a.PrivateEndpoint != "" {
		r.byPrivate[a.PrivateEndpoint] = a
	}
	if a.PublicEndpoint != "" {
		r.byPublic[a.PublicEndpoint] = a
	}
}

func (r *Registry) dropEndpoints(a *SessionAgent) {
	for key, cur := range r.byPrivate {
		if cur.ID == a.ID {
			delete(r.byPrivate, key)
		}
	}
	for key, cur := range r.byPublic {
		if cur.ID == a.ID {
			delete(r.byPublic, key)
		}
	}
}

// ByID looks an agent up by UUID.
func (r *Registry) ByID(id uuid.UUID) *SessionAgent {
	return r.byID[id]
}

// ByEndpointKey resolves a raw sender endpoint: the private index is checked
// first, then the public one.
func (r *Registry) ByEndpointKey(key string) *SessionAgent {
	if a, ok := r.byPrivate[key]; ok {
		return a
	}
	return r.byPublic[key]
}

// All returns every known agent except self.
func (r *Registry) All() []*SessionAgent {
	out := make([]*SessionAgent, 0, len(r.byID))
	for _, a := range r.byID {
		if r.self != nil && a.ID == r.self.ID {
			continue
		}
		out = append(out, a)
	}
	return out
}

// Len counts all agents, self included.
func (r *Registry) Len() int { return len(r.byID) }

// Remove drops an agent from every index and runs the cascade hooks. Calling
// it twice for the same id is safe; hooks run only on the first call.
func (r *Registry) Remove(id uuid.UUID) {
	a, ok := r.byID[id]
	if !ok {
		return
	}
	delete(r.byID, id)
	r.dropEndpoints(a)
	a.State = StateDisconnected
	r.log.Info("agent removed", zap.String("id", id.String()), zap.String("name", a.Name))
	for _, fn := range r.onRemove {
		fn(a)
	}
}
