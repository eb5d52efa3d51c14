// Package addrutil selects the outward-facing local address and normalizes
// the "host:port" endpoint keys used to index agents.
package addrutil

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
)

// EndpointKey joins an IP and port into the canonical index key.
func EndpointKey(ip string, port int) string {
	return net.JoinHostPort(ip, strconv.Itoa(port))
}

// SplitEndpoint parses a "host:port" endpoint key.
func SplitEndpoint(endpoint string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(strings.TrimSpace(endpoint))
	if err != nil {
		return "", 0, fmt.Errorf("endpoint %q: %w", endpoint, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return "", 0, fmt.Errorf("endpoint %q: bad port", endpoint)
	}
	return host, port, nil
}

// ResolveUDP resolves an endpoint key into a UDP address.
func ResolveUDP(endpoint string) (*net.UDPAddr, error) {
	return net.ResolveUDPAddr("udp4", strings.TrimSpace(endpoint))
}

// OutwardIPv4 picks the local IPv4 address a peer would reach us on.
// Interfaces carrying a default route are preferred, which filters out
// loopback and virtual adapters; the first global unicast IPv4 is the
// fallback when no routing information is available.
func OutwardIPv4() string {
	if ip := gatewayInterfaceIPv4("/proc/net/route"); ip != "" {
		return ip
	}
	if ip := dialProbeIPv4(); ip != "" {
		return ip
	}
	if ip := firstUnicastIPv4(); ip != "" {
		return ip
	}
	return "127.0.0.1"
}

// gatewayInterfaceIPv4 reads the kernel route table and returns an IPv4
// address of the first interface holding a default route. Empty on non-Linux
// hosts or when the table cannot be read.
func gatewayInterfaceIPv4(routePath string) string {
	f, err := os.Open(routePath)
	if err != nil {
		return ""
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Scan() // header

	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 {
			continue
		}
		// Destination 00000000 with a non-zero gateway marks a default route.
		if fields[1] != "00000000" || fields[2] == "00000000" {
			continue
		}
		if ip := interfaceIPv4(fields[0]); ip != "" {
			return ip
		}
	}
	return ""
}

func interfaceIPv4(name string) string {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return ""
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return ""
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			return ip4.String()
		}
	}
	return ""
}

// dialProbeIPv4 asks the stack which source address it would use for an
// outbound packet. No traffic is sent.
func dialProbeIPv4() string {
	conn, err := net.Dial("udp4", "8.8.8.8:53")
	if err != nil {
		return ""
	}
	defer conn.Close()
	local, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok || local.IP == nil {
		return ""
	}
	return local.IP.String()
}

func firstUnicastIPv4() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if ip := interfaceIPv4(iface.Name); ip != "" {
			return ip
		}
	}
	return ""
}
