package netguard

import "testing"

func TestNormalizeIP(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"192.168.1.1", "192.168.1.1"},
		{" 192.168.1.1 ", "192.168.1.1"},
		{"::ffff:10.0.0.5", "10.0.0.5"},
		{"2001:db8::1", "2001:db8::1"},
		{"not-an-ip", ""},
		{"", ""},
		{"999.1.1.1", ""},
	}
	for _, c := range cases {
		if got := NormalizeIP(c.in); got != c.want {
			t.Errorf("NormalizeIP(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestIPv4ToUint32Ordering(t *testing.T) {
	lo, err := IPv4ToUint32("10.0.0.1")
	if err != nil {
		t.Fatalf("lo: %v", err)
	}
	hi, err := IPv4ToUint32("10.0.0.255")
	if err != nil {
		t.Fatalf("hi: %v", err)
	}
	if lo >= hi {
		t.Fatalf("expected 10.0.0.1 < 10.0.0.255 numerically, got %d >= %d", lo, hi)
	}
	if _, err := IPv4ToUint32("2001:db8::1"); err == nil {
		t.Fatalf("expected error for IPv6 input")
	}
}

func TestValidateCIDR(t *testing.T) {
	valid := []string{"10.0.0.0/8", "192.168.0.0/32", "0.0.0.0/0", "2001:db8::/64", "::1/128"}
	for _, s := range valid {
		if err := ValidateCIDR(s); err != nil {
			t.Errorf("ValidateCIDR(%q) unexpected error: %v", s, err)
		}
	}
	invalid := []string{"10.0.0.0", "10.0.0.0/33", "2001:db8::/129", "banana/8", "10.0.0.0/x"}
	for _, s := range invalid {
		if err := ValidateCIDR(s); err == nil {
			t.Errorf("ValidateCIDR(%q) expected error", s)
		}
	}
}

func TestIPInCIDRFamilySeparation(t *testing.T) {
	if !IPInCIDR("10.1.2.3", "10.0.0.0/8") {
		t.Fatalf("10.1.2.3 should be inside 10.0.0.0/8")
	}
	if IPInCIDR("11.0.0.1", "10.0.0.0/8") {
		t.Fatalf("11.0.0.1 should be outside 10.0.0.0/8")
	}
	// v4 network never matches a v6 candidate and vice versa
	if IPInCIDR("2001:db8::1", "10.0.0.0/8") {
		t.Fatalf("IPv6 candidate must not match IPv4 network")
	}
	if IPInCIDR("10.1.2.3", "2001:db8::/32") {
		t.Fatalf("IPv4 candidate must not match IPv6 network")
	}
	// mapped form collapses to v4 before comparison
	if !IPInCIDR("::ffff:10.0.0.5", "10.0.0.0/8") {
		t.Fatalf("mapped IPv4 should match its v4 network")
	}
}

func TestMatchIPSingle(t *testing.T) {
	p := &IPPredicate{Match: MatchSingle, Address: "192.168.1.10"}
	if !MatchIP(p, "192.168.1.10") {
		t.Fatalf("exact match failed")
	}
	if !MatchIP(p, "::ffff:192.168.1.10") {
		t.Fatalf("mapped form should match after normalization")
	}
	if MatchIP(p, "192.168.1.11") {
		t.Fatalf("different address matched")
	}
	if MatchIP(p, "garbage") {
		t.Fatalf("malformed candidate matched")
	}
}

func TestMatchIPRange(t *testing.T) {
	p := &IPPredicate{Match: MatchRange, Address: "10.0.0.10", EndAddress: "10.0.0.20"}
	if !MatchIP(p, "10.0.0.10") || !MatchIP(p, "10.0.0.15") || !MatchIP(p, "10.0.0.20") {
		t.Fatalf("boundaries and interior should match")
	}
	if MatchIP(p, "10.0.0.9") || MatchIP(p, "10.0.0.21") {
		t.Fatalf("addresses outside the range matched")
	}
	if MatchIP(p, "2001:db8::1") {
		t.Fatalf("IPv6 candidate must not match an IPv4 range")
	}
}

func TestMatchIPWildcard(t *testing.T) {
	p := &IPPredicate{Match: MatchWildcard, Address: "192.168.*.1"}
	if !MatchIP(p, "192.168.0.1") || !MatchIP(p, "192.168.255.1") {
		t.Fatalf("wildcard should match either octet")
	}
	if MatchIP(p, "192.168.0.2") {
		t.Fatalf("wildcard matched wrong suffix")
	}
}

func TestIPPredicateValidate(t *testing.T) {
	ok := []*IPPredicate{
		{Match: MatchSingle, Address: "10.0.0.1"},
		{Match: MatchRange, Address: "10.0.0.1", EndAddress: "10.0.0.9"},
		{Match: MatchCIDR, Address: "10.0.0.0/8"},
		{Match: MatchWildcard, Address: "10.*.*.*"},
	}
	for _, p := range ok {
		if err := p.Validate(); err != nil {
			t.Errorf("Validate(%+v) unexpected error: %v", p, err)
		}
	}
	bad := []*IPPredicate{
		{Match: MatchSingle, Address: ""},
		{Match: MatchSingle, Address: "nope"},
		{Match: MatchRange, Address: "10.0.0.9", EndAddress: "10.0.0.1"},
		{Match: MatchRange, Address: "2001:db8::1", EndAddress: "2001:db8::9"},
		{Match: MatchCIDR, Address: "10.0.0.0/40"},
	}
	for _, p := range bad {
		if err := p.Validate(); err == nil {
			t.Errorf("Validate(%+v) expected error", p)
		}
	}
}
