package netguard

import (
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/oarkflow/netguard/utils"
)

// ============================================================================
// IP PREDICATES
// ============================================================================

// NormalizeIP parses s and returns its canonical textual form, collapsing
// IPv6-mapped IPv4 addresses ("::ffff:10.0.0.5") to dotted form. It returns
// "" when s is not a valid IP.
func NormalizeIP(s string) string {
	ip := net.ParseIP(strings.TrimSpace(s))
	if ip == nil {
		return ""
	}
	if v4 := ip.To4(); v4 != nil {
		return v4.String()
	}
	return ip.String()
}

func isIPv4(s string) bool {
	ip := net.ParseIP(strings.TrimSpace(s))
	return ip != nil && ip.To4() != nil
}

// IPv4ToUint32 converts a dotted IPv4 address to its 32-bit representation.
func IPv4ToUint32(s string) (uint32, error) {
	ip := net.ParseIP(strings.TrimSpace(s))
	if ip == nil {
		return 0, fmt.Errorf("not a valid IP: %q", s)
	}
	v4 := ip.To4()
	if v4 == nil {
		return 0, fmt.Errorf("not an IPv4 address: %q", s)
	}
	return binary.BigEndian.Uint32(v4), nil
}

// ValidateCIDR checks that s parses as <ip>/<prefix> with the prefix inside
// the bounds of its address family (0-32 for v4, 0-128 for v6).
func ValidateCIDR(s string) error {
	base, prefix, ok := strings.Cut(s, "/")
	if !ok {
		return fmt.Errorf("not CIDR notation: %q", s)
	}
	ip := net.ParseIP(strings.TrimSpace(base))
	if ip == nil {
		return fmt.Errorf("not a valid network address: %q", base)
	}
	n, err := strconv.Atoi(strings.TrimSpace(prefix))
	if err != nil {
		return fmt.Errorf("not a valid prefix length: %q", prefix)
	}
	max := 128
	if ip.To4() != nil {
		max = 32
	}
	if n < 0 || n > max {
		return fmt.Errorf("prefix length %d out of range 0-%d", n, max)
	}
	return nil
}

// IPInCIDR reports whether ip falls inside the given CIDR. Address families
// are kept distinct: an IPv4 /24 never matches an IPv6 address, and vice
// versa. IPv6-mapped IPv4 forms are collapsed before comparison, so
// "::ffff:10.0.0.5" matches "10.0.0.0/8".
func IPInCIDR(ipStr, cidr string) bool {
	ip := net.ParseIP(strings.TrimSpace(ipStr))
	if ip == nil {
		return false
	}
	_, network, err := net.ParseCIDR(strings.TrimSpace(cidr))
	if err != nil {
		return false
	}
	ipIsV4 := ip.To4() != nil
	netIsV4 := network.IP.To4() != nil
	if ipIsV4 != netIsV4 {
		return false
	}
	if ipIsV4 {
		return network.Contains(ip.To4())
	}
	return network.Contains(ip)
}

// MatchIP evaluates an IP predicate against a candidate address. The
// candidate is normalized first; a malformed candidate never matches.
func MatchIP(p *IPPredicate, candidate string) bool {
	if p == nil {
		return false
	}
	norm := NormalizeIP(candidate)
	if norm == "" {
		return false
	}
	switch p.Match {
	case MatchSingle:
		return norm == NormalizeIP(p.Address)
	case MatchRange:
		ip, err := IPv4ToUint32(norm)
		if err != nil {
			// 32-bit comparison only; IPv6 candidates never match a range rule
			return false
		}
		start, err1 := IPv4ToUint32(p.Address)
		end, err2 := IPv4ToUint32(p.EndAddress)
		if err1 != nil || err2 != nil {
			return false
		}
		return start <= ip && ip <= end
	case MatchCIDR:
		return IPInCIDR(norm, p.Address)
	case MatchWildcard:
		return utils.MatchWildcard(norm, p.Address)
	}
	return false
}
