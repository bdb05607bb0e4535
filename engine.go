package netguard

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/oarkflow/netguard/logger"
)

// ============================================================================
// EXTERNAL COLLABORATORS
// ============================================================================

// GeoLocator resolves an IP to a location. Best effort: a nil location with
// a nil error means unknown, and errors never reach the decision path.
type GeoLocator interface {
	Lookup(ctx context.Context, ip string) (*GeoLocation, error)
}

// AuditEvent records one access decision for the audit collaborator.
type AuditEvent struct {
	ID        string    `json:"id"`
	IP        string    `json:"ip"`
	UserID    string    `json:"user_id,omitempty"`
	TenantID  string    `json:"tenant_id,omitempty"`
	Allowed   bool      `json:"allowed"`
	Reason    string    `json:"reason"`
	RuleID    string    `json:"rule_id,omitempty"`
	Emergency bool      `json:"emergency"`
	Timestamp time.Time `json:"timestamp"`
}

// AuditSink receives decision events. Fire and forget: failures are logged
// locally and never change a verdict.
type AuditSink interface {
	Log(ctx context.Context, ev *AuditEvent) error
}

// ============================================================================
// DECISIONS
// ============================================================================

// DefaultPolicy is the verdict applied when no rule matches.
type DefaultPolicy string

const (
	PolicyAllow DefaultPolicy = "allow"
	PolicyDeny  DefaultPolicy = "deny"
)

// Decision is the outcome of one evaluation.
type Decision struct {
	Allowed   bool           `json:"allowed"`
	Reason    string         `json:"reason"`
	RuleID    string         `json:"rule_id,omitempty"`
	RuleName  string         `json:"rule_name,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// AccessRequest is one inbound request to decide. RemoteIP is the socket
// peer address; ForwardedFor is the raw X-Forwarded-For value, honored only
// when RemoteIP is a configured trusted proxy.
type AccessRequest struct {
	RemoteIP     string
	ForwardedFor string
	UserID       string
	Roles        []string
	ProjectID    string
	TenantID     string
}

// ============================================================================
// ACCESS DECISION ENGINE
// ============================================================================

// Engine is the decision façade. It holds no per-request state and is safe
// for concurrent use; the only shared mutable state lives in the cache tiers.
type Engine struct {
	cfg      Config
	resolver *ClientIPResolver
	cache    *TieredRuleCache
	store    RuleStore
	matcher  RuleMatcher
	geo      GeoLocator
	audit    AuditSink
	log      logger.Logger
	traceFn  logger.TraceIDFunc
	nowFn    func() time.Time
	hitCh    chan string
	auditCh  chan AuditEvent
	done     chan struct{}
}

// EngineOption configures an Engine at construction.
type EngineOption func(*Engine) error

// WithGeoLocator installs the geography collaborator.
func WithGeoLocator(g GeoLocator) EngineOption {
	return func(e *Engine) error {
		e.geo = g
		return nil
	}
}

// WithAuditSink installs the audit collaborator.
func WithAuditSink(a AuditSink) EngineOption {
	return func(e *Engine) error {
		e.audit = a
		return nil
	}
}

// WithLogger installs a Logger on the engine.
func WithLogger(l logger.Logger) EngineOption {
	return func(e *Engine) error {
		e.log = l
		return nil
	}
}

// WithTraceIDFunc overrides how audit event IDs are generated, e.g. to
// reuse an upstream request trace ID.
func WithTraceIDFunc(fn logger.TraceIDFunc) EngineOption {
	return func(e *Engine) error {
		e.traceFn = fn
		return nil
	}
}

// WithClock overrides the engine's time source. Intended for tests.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) error {
		e.nowFn = now
		return nil
	}
}

// NewEngine wires the façade. The config must already be validated; the
// trusted-proxy list is parsed here and a ConfigError fails construction.
func NewEngine(cfg Config, store RuleStore, cache *TieredRuleCache, opts ...EngineOption) (*Engine, error) {
	proxies, err := ParseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:      cfg,
		resolver: NewClientIPResolver(proxies),
		cache:    cache,
		store:    store,
		log:      logger.NewNullLogger(),
		nowFn:    time.Now,
		hitCh:    make(chan string, cfg.Engine.hitBuffer()),
		auditCh:  make(chan AuditEvent, cfg.Engine.auditBuffer()),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	go e.hitWorker()
	go e.auditWorker()
	return e, nil
}

// Close stops the background workers.
func (e *Engine) Close() {
	close(e.done)
}

// ResolveClientIP exposes the resolver for callers that enforce upstream.
func (e *Engine) ResolveClientIP(remoteIP, forwardedFor string) string {
	return e.resolver.Resolve(remoteIP, forwardedFor)
}

// Evaluate runs the fixed decision sequence: client IP resolution, disabled
// short-circuit, geo resolution, emergency pass, priority-ordered rule pass,
// default policy. The IP is resolved even when the engine is disabled so the
// audit trail always carries the real client address.
// It never returns an error; collaborator failures degrade to the
// configured default policy.
func (e *Engine) Evaluate(ctx context.Context, req AccessRequest) *Decision {
	now := e.nowFn()
	clientIP := e.resolver.Resolve(req.RemoteIP, req.ForwardedFor)

	if !e.cfg.Enabled {
		return e.finish(ctx, req, clientIP, &Decision{Allowed: true, Reason: "disabled", Timestamp: now})
	}

	rctx := &RequestContext{
		IP:        clientIP,
		UserID:    req.UserID,
		Roles:     req.Roles,
		ProjectID: req.ProjectID,
		TenantID:  req.TenantID,
		Now:       now,
	}
	if e.geo != nil {
		if loc, err := e.geo.Lookup(ctx, clientIP); err == nil {
			rctx.Geo = loc
		} else {
			e.log.Debug("geo lookup failed", "ip", clientIP, "error", err.Error())
		}
	}

	if e.cfg.EmergencyAccess {
		if dec := e.emergencyPass(ctx, rctx); dec != nil {
			return e.finish(ctx, req, clientIP, dec)
		}
	}

	rules, err := e.cache.MergedRules(ctx, req.TenantID)
	if err != nil {
		// fail safe to the configured default, never to an ad hoc allow
		e.log.Error("rule load failed, applying default policy", "tenant", req.TenantID, "error", err.Error())
		return e.finish(ctx, req, clientIP, e.defaultDecision(now))
	}

	for _, rule := range rules {
		if !e.matcher.Matches(rule, rctx) {
			continue
		}
		dec := &Decision{
			Allowed:   rule.IsAllow(),
			RuleID:    rule.ID,
			RuleName:  rule.Name,
			Timestamp: now,
			Metadata:  map[string]any{},
		}
		if dec.Allowed {
			dec.Reason = fmt.Sprintf("allowed by rule %q", rule.Name)
		} else {
			dec.Reason = fmt.Sprintf("denied by rule %q", rule.Name)
		}
		if rule.RequiresApproval {
			dec.Metadata["requires_approval"] = true
		}
		if rule.ExpiresAt != nil {
			dec.Metadata["expires_at"] = rule.ExpiresAt.Format(time.RFC3339)
		}
		e.recordHit(rule.ID)
		return e.finish(ctx, req, clientIP, dec)
	}

	return e.finish(ctx, req, clientIP, e.defaultDecision(now))
}

// emergencyPass tests emergency whitelist rules with the IP predicate only,
// in arbitrary order; any match allows immediately.
func (e *Engine) emergencyPass(ctx context.Context, rctx *RequestContext) *Decision {
	rules, err := e.cache.EmergencyRules(ctx, rctx.TenantID)
	if err != nil {
		e.log.Error("emergency rule load failed", "tenant", rctx.TenantID, "error", err.Error())
		return nil
	}
	for _, rule := range rules {
		p, ok := rule.Predicate.(*IPPredicate)
		if !ok || !MatchIP(p, rctx.IP) {
			continue
		}
		e.recordHit(rule.ID)
		return &Decision{
			Allowed:   true,
			Reason:    fmt.Sprintf("emergency access granted: %s", rule.EmergencyReason),
			RuleID:    rule.ID,
			RuleName:  rule.Name,
			Metadata:  map[string]any{"emergency": true},
			Timestamp: rctx.Now,
		}
	}
	return nil
}

func (e *Engine) defaultDecision(now time.Time) *Decision {
	allowed := e.cfg.DefaultPolicy == PolicyAllow
	return &Decision{
		Allowed:   allowed,
		Reason:    fmt.Sprintf("no rule matched, default policy %s applied", e.cfg.DefaultPolicy),
		Timestamp: now,
	}
}

// finish reports the decision to the audit collaborator and returns it.
func (e *Engine) finish(ctx context.Context, req AccessRequest, clientIP string, dec *Decision) *Decision {
	if e.audit != nil {
		emergency := false
		if dec.Metadata != nil {
			emergency, _ = dec.Metadata["emergency"].(bool)
		}
		id := ""
		if e.traceFn != nil {
			id = e.traceFn()
		}
		if id == "" {
			id = uuid.NewString()
		}
		ev := AuditEvent{
			ID:        id,
			IP:        clientIP,
			UserID:    req.UserID,
			TenantID:  req.TenantID,
			Allowed:   dec.Allowed,
			Reason:    dec.Reason,
			RuleID:    dec.RuleID,
			Emergency: emergency,
			Timestamp: dec.Timestamp,
		}
		select {
		case e.auditCh <- ev:
		default:
			e.log.Debug("audit channel full, event dropped", "ip", clientIP)
		}
	}
	return dec
}

// recordHit queues an asynchronous hit-count increment. A full queue drops
// the increment; counters must never affect a verdict.
func (e *Engine) recordHit(ruleID string) {
	select {
	case e.hitCh <- ruleID:
	default:
	}
}

func (e *Engine) hitWorker() {
	for {
		select {
		case ruleID := <-e.hitCh:
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			if err := e.store.IncrementHitCount(ctx, ruleID); err != nil {
				e.log.Debug("hit count update failed", "rule", ruleID, "error", err.Error())
			}
			cancel()
		case <-e.done:
			return
		}
	}
}

func (e *Engine) auditWorker() {
	for {
		select {
		case ev := <-e.auditCh:
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			if err := e.audit.Log(ctx, &ev); err != nil {
				e.log.Error("audit log failed", "event", ev.ID, "error", err.Error())
			}
			cancel()
		case <-e.done:
			return
		}
	}
}
