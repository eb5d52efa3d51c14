// Package stunutil discovers an agent's public mapped address before it
// registers with the facilitator. The facilitator's observed endpoint always
// wins for introductions; the STUN result only seeds the NAT classification
// carried in the registration payload.
package stunutil

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pion/stun/v3"
)

// NATType is the coarse NAT classification reported to the facilitator.
type NATType string

const (
	NATUnknown   NATType = "unknown"
	NATSymmetric NATType = "symmetric"
	NATCone      NATType = "cone"
)

// Result is a completed probe.
type Result struct {
	Endpoint string // first mapped host:port
	NAT      NATType
}

// Discover queries each server for a mapped address and classifies the NAT
// from the spread of the answers. At least one server must respond.
//
// The mapping is per-socket: a symmetric NAT will assign the session socket
// a different port, which is why punch-through still probes both endpoints.
func Discover(ctx context.Context, servers []string, timeout time.Duration) (Result, error) {
	if len(servers) == 0 {
		return Result{NAT: NATUnknown}, fmt.Errorf("no STUN servers configured")
	}

	mapped := make([]string, 0, len(servers))
	var lastErr error
	for _, server := range servers {
		addr, err := bindingRequest(ctx, server, timeout)
		if err != nil {
			lastErr = err
			continue
		}
		mapped = append(mapped, addr)
	}
	if len(mapped) == 0 {
		if lastErr == nil {
			lastErr = fmt.Errorf("all STUN probes failed")
		}
		return Result{NAT: NATUnknown}, lastErr
	}
	return Result{Endpoint: mapped[0], NAT: Classify(mapped)}, nil
}

// Classify compares mapped addresses from different servers. Diverging
// mappings mean the NAT mints a fresh binding per destination (symmetric);
// agreeing mappings mean punch-through has a fair chance (cone).
func Classify(mapped []string) NATType {
	if len(mapped) < 2 {
		return NATUnknown
	}
	for _, addr := range mapped[1:] {
		if addr != mapped[0] {
			return NATSymmetric
		}
	}
	return NATCone
}

func bindingRequest(ctx context.Context, server string, timeout time.Duration) (string, error) {
	raw := strings.TrimSpace(server)
	if raw == "" {
		return "", fmt.Errorf("empty STUN server")
	}
	if !strings.HasPrefix(raw, "stun:") {
		raw = "stun:" + raw
	}
	uri, err := stun.ParseURI(raw)
	if err != nil {
		return "", fmt.Errorf("parse %q: %w", server, err)
	}

	client, err := stun.DialURI(uri, &stun.DialConfig{})
	if err != nil {
		return "", fmt.Errorf("dial %q: %w", server, err)
	}
	defer client.Close()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type outcome struct {
		addr string
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		msg := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
		err := client.Do(msg, func(res stun.Event) {
			if res.Error != nil {
				done <- outcome{err: res.Error}
				return
			}
			var addr stun.XORMappedAddress
			if err := addr.GetFrom(res.Message); err != nil {
				done <- outcome{err: err}
				return
			}
			done <- outcome{addr: addr.String()}
		})
		if err != nil {
			done <- outcome{err: err}
		}
	}()

	select {
	case o := <-done:
		return o.addr, o.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
