package agent

import (
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

func TestRegistry_Indices(t *testing.T) {
	t.Parallel()

	r := NewRegistry(zap.NewNop())
	a := New(uuid.New(), "alpha")
	a.PrivateEndpoint = "192.168.1.5:41000"
	a.PublicEndpoint = "203.0.113.9:62000"
	r.Upsert(a)

	if r.ByID(a.ID) != a {
		t.Fatalf("ByID miss")
	}
	if r.ByEndpointKey("192.168.1.5:41000") != a {
		t.Fatalf("private key miss")
	}
	if r.ByEndpointKey("203.0.113.9:62000") != a {
		t.Fatalf("public key miss")
	}
	if r.ByEndpointKey("10.0.0.1:1") != nil {
		t.Fatalf("unknown key hit")
	}
}

func TestRegistry_PrivateBeforePublic(t *testing.T) {
	t.Parallel()

	r := NewRegistry(zap.NewNop())
	a := New(uuid.New(), "a")
	a.PrivateEndpoint = "10.0.0.1:1000"
	b := New(uuid.New(), "b")
	b.PublicEndpoint = "10.0.0.1:1000" // same key observed publicly
	r.Upsert(a)
	r.Upsert(b)

	if got := r.ByEndpointKey("10.0.0.1:1000"); got != a {
		t.Fatalf("got %v, private index must win", got)
	}
}

func TestRegistry_AllExcludesSelf(t *testing.T) {
	t.Parallel()

	r := NewRegistry(zap.NewNop())
	self := New(uuid.New(), "me")
	r.SetSelf(self)
	other := New(uuid.New(), "other")
	r.Upsert(other)

	all := r.All()
	if len(all) != 1 || all[0] != other {
		t.Fatalf("all=%v", all)
	}
	if r.Len() != 2 {
		t.Fatalf("len=%d", r.Len())
	}
}

func TestRegistry_UpsertRefreshesEndpoints(t *testing.T) {
	t.Parallel()

	r := NewRegistry(zap.NewNop())
	a := New(uuid.New(), "a")
	a.PrivateEndpoint = "10.0.0.1:1000"
	r.Upsert(a)

	a.PrivateEndpoint = "10.0.0.1:2000"
	r.Upsert(a)

	if r.ByEndpointKey("10.0.0.1:1000") != nil {
		t.Fatalf("stale endpoint still indexed")
	}
	if r.ByEndpointKey("10.0.0.1:2000") != a {
		t.Fatalf("new endpoint not indexed")
	}
}

func TestRegistry_RemoveCascadesOnce(t *testing.T) {
	t.Parallel()

	r := NewRegistry(zap.NewNop())
	a := New(uuid.New(), "a")
	a.PrivateEndpoint = "10.0.0.1:1000"
	r.Upsert(a)

	calls := 0
	r.OnRemove(func(got *SessionAgent) {
		if got != a {
			t.Fatalf("hook got %v", got)
		}
		calls++
	})

	r.Remove(a.ID)
	r.Remove(a.ID) // idempotent
	if calls != 1 {
		t.Fatalf("calls=%d", calls)
	}
	if r.ByID(a.ID) != nil || r.ByEndpointKey("10.0.0.1:1000") != nil {
		t.Fatalf("agent still indexed")
	}
	if a.State != StateDisconnected {
		t.Fatalf("state=%v", a.State)
	}
}
