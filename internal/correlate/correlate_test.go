package correlate

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"peerlink/internal/wire"
)

func newTestCorrelator() (*Correlator, *clock.Mock) {
	clk := clock.NewMock()
	return New(zap.NewNop(), clk), clk
}

func TestTrack_AssignsSequentialIDs(t *testing.T) {
	t.Parallel()

	c, _ := newTestCorrelator()
	seen := map[uint16]bool{}
	for i := 0; i < 8; i++ {
		msg := wire.Message{Type: wire.TypeFacilitate, Flags: wire.FlagRequest, Name: wire.NameList}
		p := c.Track("10.0.0.1:1000", &msg, 0, nil, nil)
		if p == nil {
			t.Fatalf("entry %d not tracked", i)
		}
		if msg.ID == 0 {
			t.Fatalf("id not assigned")
		}
		if seen[msg.ID] {
			t.Fatalf("id %d reused while pending", msg.ID)
		}
		seen[msg.ID] = true
	}

	// Independent sequence per channel.
	a := wire.Message{Type: wire.TypeRpc, Flags: wire.FlagRequest, Channel: 0, Name: "x"}
	b := wire.Message{Type: wire.TypeRpc, Flags: wire.FlagRequest, Channel: 1, Name: "x"}
	c.Track("10.0.0.2:1000", &a, 0, nil, nil)
	c.Track("10.0.0.2:1000", &b, 0, nil, nil)
	if a.ID != b.ID {
		t.Fatalf("channel sequences not independent: %d vs %d", a.ID, b.ID)
	}
}

func TestResolve_InvokesCompletion(t *testing.T) {
	t.Parallel()

	c, _ := newTestCorrelator()
	msg := wire.Message{Type: wire.TypeConnection, Flags: wire.FlagRequest, Name: wire.NameNew}
	var got *wire.Message
	c.Track("ep", &msg, 0, func(resp wire.Message) { got = &resp }, nil)

	resp := msg.Response([]byte("ok"))
	if !c.Resolve("ep", resp) {
		t.Fatalf("response not matched")
	}
	if got == nil || string(got.Payload) != "ok" {
		t.Fatalf("handler got %+v", got)
	}
	if c.Len() != 0 {
		t.Fatalf("pending=%d", c.Len())
	}

	// Duplicate response: silently ignored.
	if c.Resolve("ep", resp) {
		t.Fatalf("duplicate matched")
	}
}

func TestResolve_WrongEndpointIgnored(t *testing.T) {
	t.Parallel()

	c, _ := newTestCorrelator()
	msg := wire.Message{Type: wire.TypeConnection, Flags: wire.FlagRequest, Name: wire.NameNew}
	c.Track("ep-a", &msg, 0, nil, nil)
	if c.Resolve("ep-b", msg.Response(nil)) {
		t.Fatalf("matched across endpoints")
	}
}

func TestSweep_TimeoutFiresOnce(t *testing.T) {
	t.Parallel()

	c, clk := newTestCorrelator()
	msg := wire.Message{Type: wire.TypeFacilitate, Flags: wire.FlagRequest, Name: wire.NameHost}
	fired := 0
	c.Track("ep", &msg, 100*time.Millisecond, func(wire.Message) { t.Fatal("response handler fired") }, func() { fired++ })

	clk.Add(50 * time.Millisecond)
	c.Sweep(clk.Now())
	if fired != 0 {
		t.Fatalf("fired early")
	}

	clk.Add(100 * time.Millisecond)
	c.Sweep(clk.Now())
	c.Sweep(clk.Now())
	if fired != 1 {
		t.Fatalf("fired=%d", fired)
	}
	if c.Len() != 0 {
		t.Fatalf("pending=%d", c.Len())
	}

	// A response after timeout is a no-op.
	if c.Resolve("ep", msg.Response(nil)) {
		t.Fatalf("late response matched")
	}
}

func TestCancel_SuppressesHandlers(t *testing.T) {
	t.Parallel()

	c, clk := newTestCorrelator()
	msg := wire.Message{Type: wire.TypeConnection, Flags: wire.FlagRequest, Name: wire.NameNew}
	p := c.Track("ep", &msg, time.Second, func(wire.Message) { t.Fatal("response fired") }, func() { t.Fatal("timeout fired") })

	c.Cancel(p.Key)
	if c.IsPending(p.Key) {
		t.Fatalf("cancelled entry still pending")
	}

	// A response racing the sweep must not fire the handler either.
	if c.Resolve("ep", msg.Response(nil)) {
		t.Fatalf("cancelled exchange resolved")
	}

	clk.Add(2 * time.Second)
	c.Sweep(clk.Now())
	if c.Len() != 0 {
		t.Fatalf("pending=%d", c.Len())
	}
}

func TestTrack_DuplicateKeyRejected(t *testing.T) {
	t.Parallel()

	c, _ := newTestCorrelator()
	msg := wire.Message{Type: wire.TypeEntity, Flags: wire.FlagRequest, ID: 9, Name: wire.NameCreate}
	if c.Track("ep", &msg, 0, nil, nil) == nil {
		t.Fatalf("first track rejected")
	}
	dup := msg
	if c.Track("ep", &dup, 0, nil, nil) != nil {
		t.Fatalf("duplicate key tracked")
	}
}

func TestTrack_NonRequestIgnored(t *testing.T) {
	t.Parallel()

	c, _ := newTestCorrelator()
	msg := wire.Message{Type: wire.TypeValue, Name: "score"}
	if c.Track("ep", &msg, 0, nil, nil) != nil {
		t.Fatalf("transient message tracked")
	}
}
