// Package correlate pairs outbound requests with their responses and fires
// timeout handlers for exchanges that never complete. All calls happen on the
// session tick; the package needs no locking of its own.
package correlate

import (
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"peerlink/internal/wire"
)

// DefaultTimeout applies when a request is tracked without an explicit one.
const DefaultTimeout = 5 * time.Second

// completedCacheSize bounds the memory kept for duplicate-response detection.
const completedCacheSize = 512

// Pending is one in-flight exchange.
type Pending struct {
	Key         string
	EndpointKey string
	Msg         wire.Message
	QueuedAt    time.Time
	Timeout     time.Duration
	OnResponse  func(wire.Message)
	OnTimeout   func()
	Cancelled   bool
}

// Correlator owns the pending-request table and per-(endpoint, channel)
// request sequences.
type Correlator struct {
	log       *zap.Logger
	clk       clock.Clock
	pending   map[string]*Pending
	seqs      map[string]uint16
	completed *lru.Cache[string, struct{}]
}

// New builds a correlator around the given clock.
func New(log *zap.Logger, clk clock.Clock) *Correlator {
	completed, _ := lru.New[string, struct{}](completedCacheSize)
	return &Correlator{
		log:       log,
		clk:       clk,
		pending:   make(map[string]*Pending),
		seqs:      make(map[string]uint16),
		completed: completed,
	}
}

// NextID returns the next request id in the (endpoint, channel) sequence.
// Ids are 16-bit and wrap; zero is skipped so an unset id is recognizable.
func (c *Correlator) NextID(endpointKey string, channel uint8) uint16 {
	k := fmt.Sprintf("%s/%d", endpointKey, channel)
	id := c.seqs[k] + 1
	if id == 0 {
		id = 1
	}
	c.seqs[k] = id
	return id
}

// Track registers an outbound request. A zero id is assigned from the
// endpoint+channel sequence. Returns the pending entry, or nil when an
// identical exchange is already in flight (the original stays authoritative).
func (c *Correlator) Track(endpointKey string, msg *wire.Message, timeout time.Duration, onResponse func(wire.Message), onTimeout func()) *Pending {
	if !msg.IsRequest() {
		return nil
	}
	if msg.ID == 0 {
		msg.ID = c.NextID(endpointKey, msg.Channel)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	key := wire.Key(endpointKey, *msg)
	if _, exists := c.pending[key]; exists {
		c.log.Debug("request already pending", zap.String("key", key))
		return nil
	}

	p := &Pending{
		Key:         key,
		EndpointKey: endpointKey,
		Msg:         *msg,
		QueuedAt:    c.clk.Now(),
		Timeout:     timeout,
		OnResponse:  onResponse,
		OnTimeout:   onTimeout,
	}
	c.pending[key] = p
	return p
}

// Resolve matches an inbound response against the table. The pending entry is
// removed and its completion handler invoked. Late and duplicate responses
// are dropped; true means the response completed an exchange.
func (c *Correlator) Resolve(endpointKey string, msg wire.Message) bool {
	if !msg.IsResponse() {
		return false
	}
	key := wire.Key(endpointKey, msg)
	p, ok := c.pending[key]
	if !ok {
		if _, dup := c.completed.Get(key); dup {
			c.log.Debug("duplicate response dropped", zap.String("key", key))
		}
		return false
	}
	delete(c.pending, key)
	c.completed.Add(key, struct{}{})
	if p.Cancelled {
		// The race was decided against this exchange before the response
		// arrived; the handler must not fire.
		return false
	}
	if p.OnResponse != nil {
		p.OnResponse(msg)
	}
	return true
}

// Cancel marks a pending exchange moot. The entry stops retransmitting
// immediately (IsPending turns false) and is dropped on the next sweep
// without invoking any handler.
func (c *Correlator) Cancel(key string) {
	if p, ok := c.pending[key]; ok {
		p.Cancelled = true
	}
}

// IsPending reports whether an exchange is still live: tracked and not
// cancelled. Retransmission loops consult this before resending.
func (c *Correlator) IsPending(key string) bool {
	p, ok := c.pending[key]
	return ok && !p.Cancelled
}

// Len returns the number of tracked exchanges, cancelled ones included.
func (c *Correlator) Len() int { return len(c.pending) }

// Sweep removes expired and cancelled entries. Timeout handlers fire exactly
// once, for expired entries only.
func (c *Correlator) Sweep(now time.Time) {
	for key, p := range c.pending {
		if p.Cancelled {
			delete(c.pending, key)
			continue
		}
		if now.Sub(p.QueuedAt) > p.Timeout {
			delete(c.pending, key)
			if p.OnTimeout != nil {
				p.OnTimeout()
			}
		}
	}
}
