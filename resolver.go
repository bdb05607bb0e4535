package netguard

import (
	"fmt"
	"net"
	"strings"
)

// ============================================================================
// CLIENT IP RESOLUTION
// ============================================================================

// TrustedProxy is one parsed trusted-proxy network. Immutable after load.
type TrustedProxy struct {
	Network   *net.IPNet
	IPVersion int // 4 or 6
}

// ParseTrustedProxies parses the configured trusted-proxy CIDR list. A bare
// address is treated as a host network (/32 or /128). Malformed entries and
// out-of-range prefix lengths fail with a ConfigError at load time, never at
// request time.
func ParseTrustedProxies(cidrs []string) ([]TrustedProxy, error) {
	out := make([]TrustedProxy, 0, len(cidrs))
	for _, raw := range cidrs {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}
		if !strings.Contains(entry, "/") {
			ip := net.ParseIP(entry)
			if ip == nil {
				return nil, &ConfigError{Field: "trusted_proxies", Reason: fmt.Sprintf("not a valid IP or CIDR: %q", entry)}
			}
			if ip.To4() != nil {
				entry = ip.To4().String() + "/32"
			} else {
				entry = ip.String() + "/128"
			}
		}
		if err := ValidateCIDR(entry); err != nil {
			return nil, &ConfigError{Field: "trusted_proxies", Reason: err.Error()}
		}
		_, network, err := net.ParseCIDR(entry)
		if err != nil {
			return nil, &ConfigError{Field: "trusted_proxies", Reason: err.Error()}
		}
		version := 6
		if network.IP.To4() != nil {
			version = 4
		}
		out = append(out, TrustedProxy{Network: network, IPVersion: version})
	}
	return out, nil
}

// ClientIPResolver recovers the genuine client IP from the socket address
// and an optional forwarded-chain header. It is a pure function over its
// configuration and inputs; it performs no I/O.
type ClientIPResolver struct {
	proxies []TrustedProxy
}

// NewClientIPResolver builds a resolver over the given trusted networks.
// With no trusted proxies configured, forwarding headers are never honored.
func NewClientIPResolver(proxies []TrustedProxy) *ClientIPResolver {
	return &ClientIPResolver{proxies: proxies}
}

// Resolve returns the client IP for a request that arrived from socketIP
// carrying forwardedFor (the comma-separated X-Forwarded-For value, possibly
// empty). The scan runs right to left: the first hop that is not itself a
// trusted proxy is the edge of the trusted network, i.e. the real client.
func (r *ClientIPResolver) Resolve(socketIP, forwardedFor string) string {
	socket := NormalizeIP(socketIP)
	if socket == "" {
		socket = "127.0.0.1"
	}
	if len(r.proxies) == 0 {
		return socket
	}
	if !r.isTrusted(socket) {
		// an untrusted party cannot claim to be a proxy
		return socket
	}
	if strings.TrimSpace(forwardedFor) == "" {
		return socket
	}

	chain := make([]string, 0, 4)
	for _, part := range strings.Split(forwardedFor, ",") {
		if ip := NormalizeIP(part); ip != "" {
			chain = append(chain, ip)
		}
	}
	if len(chain) == 0 {
		// dropping malformed hops emptied the chain; fall back safe
		return "127.0.0.1"
	}
	for i := len(chain) - 1; i >= 0; i-- {
		if !r.isTrusted(chain[i]) {
			return chain[i]
		}
	}
	// every hop trusted: configuration or spoofing edge case
	return chain[0]
}

func (r *ClientIPResolver) isTrusted(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	isV4 := parsed.To4() != nil
	for _, p := range r.proxies {
		if (p.IPVersion == 4) != isV4 {
			continue
		}
		if isV4 {
			if p.Network.Contains(parsed.To4()) {
				return true
			}
		} else if p.Network.Contains(parsed) {
			return true
		}
	}
	return false
}
