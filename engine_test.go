package netguard

import (
	"context"
	"strings"
	"testing"
	"time"
)

func newTestEngine(t *testing.T, cfg Config, store RuleStore, opts ...EngineOption) *Engine {
	t.Helper()
	cache, err := NewTieredRuleCache(store, nil, CacheOptions{Timeout: time.Second})
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	t.Cleanup(cache.Close)
	engine, err := NewEngine(cfg, store, cache, opts...)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(engine.Close)
	return engine
}

func enabledConfig() Config {
	return Config{Enabled: true, DefaultPolicy: PolicyDeny}
}

func TestEngineDisabledAllowsEverything(t *testing.T) {
	cfg := enabledConfig()
	cfg.Enabled = false
	engine := newTestEngine(t, cfg, NewMemoryRuleStore())

	dec := engine.Evaluate(context.Background(), AccessRequest{RemoteIP: "203.0.113.1"})
	if !dec.Allowed || dec.Reason != "disabled" {
		t.Fatalf("disabled engine should allow, got %+v", dec)
	}
}

func TestEngineWhitelistAllows(t *testing.T) {
	store := NewMemoryRuleStore()
	seedRule(t, store, cidrRule("office", "", 500))
	engine := newTestEngine(t, enabledConfig(), store)

	dec := engine.Evaluate(context.Background(), AccessRequest{RemoteIP: "10.1.2.3"})
	if !dec.Allowed {
		t.Fatalf("whitelisted IP should be allowed: %+v", dec)
	}
	if dec.RuleID != "office" {
		t.Fatalf("expected rule office, got %q", dec.RuleID)
	}
}

func TestEngineBlacklistOutranksWhitelist(t *testing.T) {
	store := NewMemoryRuleStore()
	seedRule(t, store, cidrRule("allow-net", "", 100))

	block := &AccessRule{
		ID:        "block-host",
		Name:      "block-host",
		Kind:      KindBlacklist,
		Predicate: &IPPredicate{Match: MatchSingle, Address: "10.9.9.9"},
		Status:    StatusActive,
		Active:    true,
		Priority:  900,
	}
	seedRule(t, store, block)

	engine := newTestEngine(t, enabledConfig(), store)
	ctx := context.Background()

	dec := engine.Evaluate(ctx, AccessRequest{RemoteIP: "10.9.9.9"})
	if dec.Allowed {
		t.Fatalf("higher-priority blacklist should win: %+v", dec)
	}
	if dec.RuleID != "block-host" {
		t.Fatalf("expected block-host, got %q", dec.RuleID)
	}

	dec = engine.Evaluate(ctx, AccessRequest{RemoteIP: "10.9.9.8"})
	if !dec.Allowed {
		t.Fatalf("neighbor address should fall through to the whitelist: %+v", dec)
	}
}

func TestEngineBlacklistUnderDefaultAllow(t *testing.T) {
	store := NewMemoryRuleStore()
	block := &AccessRule{
		ID:        "bad-host",
		Name:      "bad-host",
		Kind:      KindBlacklist,
		Predicate: &IPPredicate{Match: MatchCIDR, Address: "10.0.0.5/32"},
		Status:    StatusActive,
		Active:    true,
		Priority:  100,
	}
	seedRule(t, store, block)

	cfg := enabledConfig()
	cfg.DefaultPolicy = PolicyAllow
	engine := newTestEngine(t, cfg, store)
	ctx := context.Background()

	dec := engine.Evaluate(ctx, AccessRequest{RemoteIP: "10.0.0.5"})
	if dec.Allowed {
		t.Fatalf("blacklisted IP must be denied even under default allow: %+v", dec)
	}
	if !strings.Contains(dec.Reason, "bad-host") {
		t.Fatalf("reason should name the rule: %q", dec.Reason)
	}

	if dec := engine.Evaluate(ctx, AccessRequest{RemoteIP: "10.0.0.6"}); !dec.Allowed {
		t.Fatalf("neighbor address should fall through to default allow: %+v", dec)
	}
}

func TestEngineGlobalRuleVisibleToTenant(t *testing.T) {
	store := NewMemoryRuleStore()
	allowAll := &AccessRule{
		ID:        "allow-all",
		Name:      "allow-all",
		Kind:      KindWhitelist,
		Predicate: &IPPredicate{Match: MatchCIDR, Address: "0.0.0.0/0"},
		Status:    StatusActive,
		Active:    true,
		Priority:  1,
	}
	seedRule(t, store, allowAll)

	engine := newTestEngine(t, enabledConfig(), store)
	dec := engine.Evaluate(context.Background(), AccessRequest{RemoteIP: "8.8.8.8", TenantID: "tenant-t"})
	if !dec.Allowed || dec.RuleID != "allow-all" {
		t.Fatalf("global whitelist should apply inside a tenant scope: %+v", dec)
	}
}

func TestEngineDefaultPolicyWhenNoMatch(t *testing.T) {
	store := NewMemoryRuleStore()
	seedRule(t, store, cidrRule("office", "", 500))

	cfg := enabledConfig()
	engine := newTestEngine(t, cfg, store)
	dec := engine.Evaluate(context.Background(), AccessRequest{RemoteIP: "203.0.113.1"})
	if dec.Allowed {
		t.Fatalf("default deny should apply: %+v", dec)
	}
	if dec.RuleID != "" {
		t.Fatalf("default decision should carry no rule id, got %q", dec.RuleID)
	}

	cfg.DefaultPolicy = PolicyAllow
	engine = newTestEngine(t, cfg, store)
	dec = engine.Evaluate(context.Background(), AccessRequest{RemoteIP: "203.0.113.1"})
	if !dec.Allowed {
		t.Fatalf("default allow should apply: %+v", dec)
	}
}

func TestEngineFailSafeOnStoreFailure(t *testing.T) {
	store := NewMemoryRuleStore()
	source := &flakySource{RuleSource: store, failures: 100}
	cache, err := NewTieredRuleCache(source, nil, CacheOptions{Timeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	t.Cleanup(cache.Close)

	engine, err := NewEngine(enabledConfig(), store, cache)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(engine.Close)

	dec := engine.Evaluate(context.Background(), AccessRequest{RemoteIP: "10.0.0.1"})
	if dec.Allowed {
		t.Fatalf("store failure must degrade to default deny, got %+v", dec)
	}
}

func TestEngineTenantIsolation(t *testing.T) {
	store := NewMemoryRuleStore()
	seedRule(t, store, cidrRule("tenant-a-net", "tenant-a", 500))

	engine := newTestEngine(t, enabledConfig(), store)
	ctx := context.Background()

	dec := engine.Evaluate(ctx, AccessRequest{RemoteIP: "10.0.0.1", TenantID: "tenant-a"})
	if !dec.Allowed {
		t.Fatalf("tenant-a should see its own rule: %+v", dec)
	}

	dec = engine.Evaluate(ctx, AccessRequest{RemoteIP: "10.0.0.1", TenantID: "tenant-b"})
	if dec.Allowed {
		t.Fatalf("tenant-b must not see tenant-a rules: %+v", dec)
	}
}

func TestEngineForwardedChainResolution(t *testing.T) {
	store := NewMemoryRuleStore()
	allow := &AccessRule{
		ID:        "client-net",
		Name:      "client-net",
		Kind:      KindWhitelist,
		Predicate: &IPPredicate{Match: MatchCIDR, Address: "203.0.113.0/24"},
		Status:    StatusActive,
		Active:    true,
		Priority:  500,
	}
	seedRule(t, store, allow)

	cfg := enabledConfig()
	cfg.TrustedProxies = []string{"10.0.0.0/8"}
	engine := newTestEngine(t, cfg, store)

	// the proxy chain resolves to 203.0.113.9, which the whitelist covers
	dec := engine.Evaluate(context.Background(), AccessRequest{
		RemoteIP:     "10.0.0.1",
		ForwardedFor: "203.0.113.9, 10.0.0.2, 10.0.0.1",
	})
	if !dec.Allowed {
		t.Fatalf("resolved client should be allowed: %+v", dec)
	}

	// the same header from an untrusted socket is ignored
	dec = engine.Evaluate(context.Background(), AccessRequest{
		RemoteIP:     "198.51.100.5",
		ForwardedFor: "203.0.113.9",
	})
	if dec.Allowed {
		t.Fatalf("untrusted socket must not spoof via header: %+v", dec)
	}
}

func TestEngineEmergencyPass(t *testing.T) {
	store := NewMemoryRuleStore()

	deny := &AccessRule{
		ID:        "block-all",
		Name:      "block-all",
		Kind:      KindBlacklist,
		Predicate: &IPPredicate{Match: MatchCIDR, Address: "0.0.0.0/0"},
		Status:    StatusActive,
		Active:    true,
		Priority:  MaxPriority,
	}
	seedRule(t, store, deny)

	glass := cidrRule("break-glass", "", 0)
	glass.Emergency = true
	glass.EmergencyReason = "incident 42"
	seedRule(t, store, glass)

	cfg := enabledConfig()
	cfg.EmergencyAccess = true
	engine := newTestEngine(t, cfg, store)

	dec := engine.Evaluate(context.Background(), AccessRequest{RemoteIP: "10.0.0.1"})
	if !dec.Allowed {
		t.Fatalf("emergency whitelist must bypass the blacklist: %+v", dec)
	}
	if dec.Metadata["emergency"] != true {
		t.Fatalf("emergency decision should be marked: %+v", dec.Metadata)
	}
	if dec.Reason != `emergency access granted: incident 42` {
		t.Fatalf("unexpected reason: %q", dec.Reason)
	}

	// with the toggle off, the blacklist applies again
	cfg.EmergencyAccess = false
	engine = newTestEngine(t, cfg, store)
	dec = engine.Evaluate(context.Background(), AccessRequest{RemoteIP: "10.0.0.1"})
	if dec.Allowed {
		t.Fatalf("emergency pass must require the config toggle: %+v", dec)
	}
}

func TestEngineGeoRule(t *testing.T) {
	store := NewMemoryRuleStore()
	geoRule := &AccessRule{
		ID:        "us-only",
		Name:      "us-only",
		Kind:      KindGeographic,
		Predicate: &GeoPredicate{Country: "US"},
		Status:    StatusActive,
		Active:    true,
		Priority:  500,
	}
	seedRule(t, store, geoRule)

	locator := NewMemoryGeoLocator()
	locator.SetLocation("203.0.113.1", &GeoLocation{Country: "US", Region: "CA"})
	locator.SetLocation("198.51.100.1", &GeoLocation{Country: "DE"})

	engine := newTestEngine(t, enabledConfig(), store, WithGeoLocator(locator))
	ctx := context.Background()

	if dec := engine.Evaluate(ctx, AccessRequest{RemoteIP: "203.0.113.1"}); !dec.Allowed {
		t.Fatalf("US client should match the geo rule: %+v", dec)
	}
	if dec := engine.Evaluate(ctx, AccessRequest{RemoteIP: "198.51.100.1"}); dec.Allowed {
		t.Fatalf("DE client should fall through to default deny: %+v", dec)
	}
	// unknown geography never satisfies a constrained rule
	if dec := engine.Evaluate(ctx, AccessRequest{RemoteIP: "192.0.2.1"}); dec.Allowed {
		t.Fatalf("unknown geography should fall through: %+v", dec)
	}
}

func TestEngineRecordsHits(t *testing.T) {
	store := NewMemoryRuleStore()
	seedRule(t, store, cidrRule("office", "", 500))
	engine := newTestEngine(t, enabledConfig(), store)

	if dec := engine.Evaluate(context.Background(), AccessRequest{RemoteIP: "10.0.0.1"}); !dec.Allowed {
		t.Fatalf("expected allow: %+v", dec)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		rule, err := store.GetRule(context.Background(), "office")
		if err != nil {
			t.Fatalf("get rule: %v", err)
		}
		if rule.HitCount >= 1 {
			if rule.LastHitAt == nil {
				t.Fatalf("hit recorded without timestamp")
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("hit count never recorded")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestEngineAuditsDecisions(t *testing.T) {
	store := NewMemoryRuleStore()
	seedRule(t, store, cidrRule("office", "", 500))

	sink := NewMemoryAuditSink()
	engine := newTestEngine(t, enabledConfig(), store, WithAuditSink(sink))
	ctx := context.Background()

	engine.Evaluate(ctx, AccessRequest{RemoteIP: "10.0.0.1", UserID: "user-1"})
	engine.Evaluate(ctx, AccessRequest{RemoteIP: "203.0.113.1", UserID: "user-2"})

	deadline := time.Now().Add(2 * time.Second)
	for {
		events := sink.Events()
		if len(events) >= 2 {
			if !events[0].Allowed || events[1].Allowed {
				t.Fatalf("audit verdicts out of order: %+v", events)
			}
			if events[0].UserID != "user-1" {
				t.Fatalf("audit lost the user: %+v", events[0])
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("audit events never arrived, have %d", len(sink.Events()))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestEngineTraceIDFunc(t *testing.T) {
	store := NewMemoryRuleStore()
	seedRule(t, store, cidrRule("office", "", 500))

	sink := NewMemoryAuditSink()
	engine := newTestEngine(t, enabledConfig(), store,
		WithAuditSink(sink),
		WithTraceIDFunc(func() string { return "trace-abc" }),
	)

	engine.Evaluate(context.Background(), AccessRequest{RemoteIP: "10.0.0.1"})

	deadline := time.Now().Add(2 * time.Second)
	for {
		if events := sink.Events(); len(events) >= 1 {
			if events[0].ID != "trace-abc" {
				t.Fatalf("expected trace id on audit event, got %q", events[0].ID)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("audit event never arrived")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestEngineApprovalMetadata(t *testing.T) {
	store := NewMemoryRuleStore()
	rule := cidrRule("pending", "", 500)
	rule.RequiresApproval = true
	rule.ApprovedBy = "admin-1"
	at := time.Now()
	rule.ApprovedAt = &at
	seedRule(t, store, rule)

	engine := newTestEngine(t, enabledConfig(), store)
	dec := engine.Evaluate(context.Background(), AccessRequest{RemoteIP: "10.0.0.1"})
	if !dec.Allowed {
		t.Fatalf("approved rule should apply: %+v", dec)
	}
	if dec.Metadata["requires_approval"] != true {
		t.Fatalf("approval flag missing from metadata: %+v", dec.Metadata)
	}
}

// A disabled engine still resolves the client IP so the audit trail records
// the real address, not the socket peer or an empty string.
func TestEngineDisabledAuditRecordsClientIP(t *testing.T) {
	cfg := enabledConfig()
	cfg.Enabled = false
	cfg.TrustedProxies = []string{"10.0.0.0/8"}

	sink := NewMemoryAuditSink()
	engine := newTestEngine(t, cfg, NewMemoryRuleStore(), WithAuditSink(sink))

	dec := engine.Evaluate(context.Background(), AccessRequest{
		RemoteIP:     "10.0.0.1",
		ForwardedFor: "203.0.113.9, 10.0.0.2",
	})
	if !dec.Allowed || dec.Reason != "disabled" {
		t.Fatalf("disabled engine should allow, got %+v", dec)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if events := sink.Events(); len(events) >= 1 {
			if events[0].IP != "203.0.113.9" {
				t.Fatalf("expected resolved client IP on audit event, got %q", events[0].IP)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("audit event never arrived")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// Equal-priority rules keep creation order, so a blacklist and whitelist
// covering the same IP at the same priority yield the same verdict on every
// evaluation: the rule created first wins.
func TestEngineEqualPriorityStableVerdict(t *testing.T) {
	store := NewMemoryRuleStore()
	block := &AccessRule{
		ID:        "block-first",
		Name:      "block-first",
		Kind:      KindBlacklist,
		Predicate: &IPPredicate{Match: MatchSingle, Address: "10.0.0.1"},
		Status:    StatusActive,
		Active:    true,
		Priority:  500,
	}
	seedRule(t, store, block)
	seedRule(t, store, cidrRule("allow-second", "", 500))

	cfg := enabledConfig()
	cfg.DefaultPolicy = PolicyAllow
	engine := newTestEngine(t, cfg, store)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		dec := engine.Evaluate(ctx, AccessRequest{RemoteIP: "10.0.0.1"})
		if dec.Allowed || dec.RuleID != "block-first" {
			t.Fatalf("evaluation %d: expected deny by block-first, got %+v", i, dec)
		}
	}
}
