package netguard

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/dgraph-io/ristretto"
	"golang.org/x/sync/singleflight"

	"github.com/oarkflow/netguard/logger"
)

// ============================================================================
// COLLABORATOR CONTRACTS
// ============================================================================

// RuleSource is the read side of the persistence collaborator.
type RuleSource interface {
	// FindActiveRules returns active rules for one tenant; tenantID == ""
	// selects the global rule set.
	FindActiveRules(ctx context.Context, tenantID string) ([]*AccessRule, error)
	// FindAllRules is the admin view, unfiltered by status or validity;
	// tenantID == "" selects every tenant.
	FindAllRules(ctx context.Context, tenantID string) ([]*AccessRule, error)
}

// RuleTx is the unit-of-work surface available inside a store transaction.
// A rule mutation and its history row commit or roll back together.
type RuleTx interface {
	GetRule(id string) (*AccessRule, error)
	CreateRule(r *AccessRule) error
	UpdateRule(r *AccessRule) error
	DeleteRule(id string) error
	AppendHistory(h *RuleHistory) error
}

// RuleStore is the full persistence collaborator.
type RuleStore interface {
	RuleSource
	GetRule(ctx context.Context, id string) (*AccessRule, error)
	GetHistory(ctx context.Context, ruleID string) ([]*RuleHistory, error)
	IncrementHitCount(ctx context.Context, ruleID string) error
	// ExpireOverdueRules flips rules whose ExpiresAt has passed while still
	// active to expired, returning the affected rules.
	ExpireOverdueRules(ctx context.Context, now time.Time) ([]*AccessRule, error)
	Mutate(ctx context.Context, fn func(tx RuleTx) error) error
}

// DistributedCache is the key/value/tag service backing the second tier.
// Get returns ErrCacheMiss for absent keys.
type DistributedCache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration, tags []string) error
	Delete(ctx context.Context, key string) error
	DeleteByTags(ctx context.Context, tags []string) error
}

// InvalidationEvent is emitted after every committed rule mutation.
// TenantID == "" marks a global-rule mutation, which widens the blast radius
// to every tenant's merged view.
type InvalidationEvent struct {
	RuleID   string        `json:"rule_id"`
	TenantID string        `json:"tenant_id"`
	Action   HistoryAction `json:"action"`
}

// InvalidationBus carries invalidation events between writers and caches.
// At-least-once delivery is acceptable; the local TTL is the backstop.
type InvalidationBus interface {
	Publish(ctx context.Context, ev InvalidationEvent) error
	Subscribe(fn func(ev InvalidationEvent))
}

// ============================================================================
// CACHE KEY SPACE
// ============================================================================

const (
	keyGlobalRules    = "global-rules"
	keyOrgRules       = "org-rules:"
	keyMergedRules    = "merged-rules:"
	keyAllRules       = "all-rules:"
	keyEmergencyRules = "emergency-rules"

	tagAccessControl = "access-control-rules"
	tagGlobalRules   = "global-rules"
)

func tagOrg(tenantID string) string { return "org-" + tenantID }

// ============================================================================
// TIERED RULE CACHE
// ============================================================================

// CacheOptions tunes the two cache tiers.
type CacheOptions struct {
	Namespace      string
	LocalTTL       time.Duration // short; bounds staleness after missed events
	DistributedTTL time.Duration
	Timeout        time.Duration // per distributed/persistence call
	NumCounters    int64
	MaxCost        int64
	BufferItems    int64
	Logger         logger.Logger
	Clock          func() time.Time
}

func (o *CacheOptions) defaults() {
	if o.LocalTTL <= 0 {
		o.LocalTTL = 5 * time.Second
	}
	if o.DistributedTTL <= 0 {
		o.DistributedTTL = 5 * time.Minute
	}
	if o.Timeout <= 0 {
		o.Timeout = 250 * time.Millisecond
	}
	if o.NumCounters <= 0 {
		o.NumCounters = 1 << 14
	}
	if o.MaxCost <= 0 {
		o.MaxCost = 1 << 10
	}
	if o.BufferItems <= 0 {
		o.BufferItems = 64
	}
	if o.Logger == nil {
		o.Logger = logger.NewNullLogger()
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
}

// TieredRuleCache serves tenant rule sets from a bounded in-process cache
// backed by a distributed cache backed by the persistence collaborator.
// It is eventually consistent: invalidation events plus a short local TTL.
type TieredRuleCache struct {
	source  RuleSource
	distrib DistributedCache
	local   *ristretto.Cache
	group   singleflight.Group
	opts    CacheOptions
	log     logger.Logger
}

// NewTieredRuleCache builds the cache over a rule source and an optional
// distributed tier (nil skips straight to the source on local misses).
func NewTieredRuleCache(source RuleSource, distrib DistributedCache, opts CacheOptions) (*TieredRuleCache, error) {
	opts.defaults()
	local, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: opts.NumCounters,
		MaxCost:     opts.MaxCost,
		BufferItems: opts.BufferItems,
	})
	if err != nil {
		return nil, err
	}
	return &TieredRuleCache{
		source:  source,
		distrib: distrib,
		local:   local,
		opts:    opts,
		log:     opts.Logger,
	}, nil
}

// BindBus subscribes the cache to invalidation events.
func (c *TieredRuleCache) BindBus(bus InvalidationBus) {
	bus.Subscribe(c.HandleInvalidation)
}

// Close releases the in-process tier.
func (c *TieredRuleCache) Close() { c.local.Close() }

// GlobalRules returns the currently valid global rule set.
func (c *TieredRuleCache) GlobalRules(ctx context.Context) ([]*AccessRule, error) {
	return c.load(ctx, keyGlobalRules, []string{tagAccessControl, tagGlobalRules}, func(ctx context.Context) ([]*AccessRule, error) {
		rules, err := c.findActive(ctx, "")
		if err != nil {
			return nil, err
		}
		return c.filterValid(rules), nil
	})
}

// TenantRules returns the currently valid rule set owned by one tenant.
func (c *TieredRuleCache) TenantRules(ctx context.Context, tenantID string) ([]*AccessRule, error) {
	return c.load(ctx, keyOrgRules+tenantID, []string{tagAccessControl, tagOrg(tenantID)}, func(ctx context.Context) ([]*AccessRule, error) {
		rules, err := c.findActive(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		return c.filterValid(rules), nil
	})
}

// MergedRules returns global plus tenant rules sorted priority-descending.
// Equal priorities preserve input order (global first, then tenant).
func (c *TieredRuleCache) MergedRules(ctx context.Context, tenantID string) ([]*AccessRule, error) {
	return c.load(ctx, keyMergedRules+tenantID, []string{tagAccessControl, tagGlobalRules, tagOrg(tenantID)}, func(ctx context.Context) ([]*AccessRule, error) {
		global, err := c.findActive(ctx, "")
		if err != nil {
			return nil, err
		}
		tenant := []*AccessRule{}
		if tenantID != "" {
			tenant, err = c.findActive(ctx, tenantID)
			if err != nil {
				return nil, err
			}
		}
		merged := c.filterValid(append(append([]*AccessRule{}, global...), tenant...))
		sort.SliceStable(merged, func(i, j int) bool { return merged[i].Priority > merged[j].Priority })
		return merged, nil
	})
}

// AllRules is the admin view: every rule regardless of status or validity.
// tenantID == "" selects all tenants.
func (c *TieredRuleCache) AllRules(ctx context.Context, tenantID string) ([]*AccessRule, error) {
	scope := tenantID
	tags := []string{tagAccessControl, tagOrg(tenantID)}
	if tenantID == "" {
		scope = "all"
		tags = []string{tagAccessControl, tagGlobalRules}
	}
	return c.load(ctx, keyAllRules+scope, tags, func(ctx context.Context) ([]*AccessRule, error) {
		cctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
		rules, err := c.source.FindAllRules(cctx, tenantID)
		if err != nil {
			// retry once at the tier boundary
			cctx2, cancel2 := context.WithTimeout(ctx, c.opts.Timeout)
			defer cancel2()
			rules, err = c.source.FindAllRules(cctx2, tenantID)
			if err != nil {
				return nil, &TransientError{Op: "find all rules", Err: err}
			}
		}
		return rules, nil
	})
}

// EmergencyRules returns the valid emergency whitelist rules visible to a
// tenant (global plus tenant-owned). They are cached under their own key and
// returned in storage order; emergency matching is deliberately unordered.
func (c *TieredRuleCache) EmergencyRules(ctx context.Context, tenantID string) ([]*AccessRule, error) {
	key := keyEmergencyRules
	tags := []string{tagAccessControl, tagGlobalRules}
	if tenantID != "" {
		key += ":" + tenantID
		tags = append(tags, tagOrg(tenantID))
	}
	return c.load(ctx, key, tags, func(ctx context.Context) ([]*AccessRule, error) {
		global, err := c.findActive(ctx, "")
		if err != nil {
			return nil, err
		}
		all := append([]*AccessRule{}, global...)
		if tenantID != "" {
			tenant, err := c.findActive(ctx, tenantID)
			if err != nil {
				return nil, err
			}
			all = append(all, tenant...)
		}
		out := make([]*AccessRule, 0)
		for _, r := range c.filterValid(all) {
			if r.Emergency && r.Kind == KindWhitelist {
				out = append(out, r)
			}
		}
		return out, nil
	})
}

// HandleInvalidation applies one invalidation event. Global events clear the
// whole local tier since every tenant's merged view embeds global rules;
// tenant events drop only that tenant's keys and tag.
func (c *TieredRuleCache) HandleInvalidation(ev InvalidationEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.Timeout)
	defer cancel()
	if ev.TenantID == "" {
		c.local.Clear()
		if c.distrib != nil {
			if err := c.distrib.DeleteByTags(ctx, []string{tagGlobalRules, tagAccessControl}); err != nil {
				c.log.Error("distributed invalidation failed", "tags", tagGlobalRules, "error", err.Error())
			}
		}
		c.log.Debug("cache invalidated", "scope", "global", "rule", ev.RuleID)
		return
	}
	for _, key := range []string{
		keyOrgRules + ev.TenantID,
		keyMergedRules + ev.TenantID,
		keyAllRules + ev.TenantID,
		keyAllRules + "all",
		keyEmergencyRules,
		keyEmergencyRules + ":" + ev.TenantID,
	} {
		c.local.Del(key)
	}
	if c.distrib != nil {
		if err := c.distrib.DeleteByTags(ctx, []string{tagOrg(ev.TenantID)}); err != nil {
			c.log.Error("distributed invalidation failed", "tags", tagOrg(ev.TenantID), "error", err.Error())
		}
	}
	c.log.Debug("cache invalidated", "scope", ev.TenantID, "rule", ev.RuleID)
}

// ============================================================================
// READ PATH
// ============================================================================

// load walks the tiers: local, distributed, then the loader against the
// persistence collaborator. Concurrent misses on the same key collapse into
// one loader call.
func (c *TieredRuleCache) load(ctx context.Context, key string, tags []string, loader func(context.Context) ([]*AccessRule, error)) ([]*AccessRule, error) {
	if cached, ok := c.local.Get(key); ok {
		if rules, ok := cached.([]*AccessRule); ok {
			return rules, nil
		}
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		if c.distrib != nil {
			if rules, ok := c.distributedGet(ctx, key); ok {
				c.local.SetWithTTL(key, rules, 1, c.opts.LocalTTL)
				return rules, nil
			}
		}
		rules, err := loader(ctx)
		if err != nil {
			return nil, err
		}
		c.local.SetWithTTL(key, rules, 1, c.opts.LocalTTL)
		if c.distrib != nil {
			c.distributedSet(ctx, key, rules, tags)
		}
		return rules, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]*AccessRule), nil
}

// distributedGet reads the second tier, retrying once; any failure is a miss.
func (c *TieredRuleCache) distributedGet(ctx context.Context, key string) ([]*AccessRule, bool) {
	nskey := c.nsKey(key)
	var raw []byte
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		cctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
		raw, err = c.distrib.Get(cctx, nskey)
		cancel()
		if err == nil {
			break
		}
		if err == ErrCacheMiss {
			return nil, false
		}
	}
	if err != nil {
		c.log.Error("distributed cache read failed", "key", nskey, "error", err.Error())
		return nil, false
	}
	var rules []*AccessRule
	if err := json.Unmarshal(raw, &rules); err != nil {
		c.log.Error("distributed cache entry corrupt", "key", nskey, "error", err.Error())
		return nil, false
	}
	return rules, true
}

func (c *TieredRuleCache) distributedSet(ctx context.Context, key string, rules []*AccessRule, tags []string) {
	raw, err := json.Marshal(rules)
	if err != nil {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()
	if err := c.distrib.Set(cctx, c.nsKey(key), raw, c.opts.DistributedTTL, tags); err != nil {
		c.log.Error("distributed cache write failed", "key", key, "error", err.Error())
	}
}

func (c *TieredRuleCache) nsKey(key string) string {
	if c.opts.Namespace == "" {
		return key
	}
	return c.opts.Namespace + ":" + key
}

// findActive queries the source with a timeout and a single retry.
func (c *TieredRuleCache) findActive(ctx context.Context, tenantID string) ([]*AccessRule, error) {
	var rules []*AccessRule
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		cctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
		rules, err = c.source.FindActiveRules(cctx, tenantID)
		cancel()
		if err == nil {
			return rules, nil
		}
	}
	return nil, &TransientError{Op: "find active rules", Err: err}
}

func (c *TieredRuleCache) filterValid(rules []*AccessRule) []*AccessRule {
	now := c.opts.Clock()
	out := make([]*AccessRule, 0, len(rules))
	for _, r := range rules {
		if r.IsCurrentlyValid(now) {
			out = append(out, r)
		}
	}
	return out
}
