package netguard

import (
	"context"
	"sync"
	"time"
)

// ============================================================================
// IN-MEMORY COLLABORATORS
// ============================================================================
//
// Memory implementations of every collaborator contract. They make the
// engine usable with zero infrastructure and back most of the test suite.

// MemoryRuleStore is a mutex-guarded RuleStore. Mutations run on a staged
// copy of the rule map so a failing transaction leaves no trace. Rules are
// returned in creation order so equal-priority rules keep a stable, first-
// created-wins ordering, matching the created_at tiebreak of the SQL store.
type MemoryRuleStore struct {
	mu      sync.RWMutex
	rules   map[string]*AccessRule
	order   []string
	history map[string][]*RuleHistory
}

func NewMemoryRuleStore() *MemoryRuleStore {
	return &MemoryRuleStore{
		rules:   make(map[string]*AccessRule),
		history: make(map[string][]*RuleHistory),
	}
}

func (s *MemoryRuleStore) FindActiveRules(ctx context.Context, tenantID string) ([]*AccessRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*AccessRule, 0)
	for _, id := range s.order {
		r := s.rules[id]
		if r.TenantID != tenantID {
			continue
		}
		if !r.Active || r.Status != StatusActive {
			continue
		}
		out = append(out, r.Clone())
	}
	return out, nil
}

func (s *MemoryRuleStore) FindAllRules(ctx context.Context, tenantID string) ([]*AccessRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*AccessRule, 0)
	for _, id := range s.order {
		r := s.rules[id]
		if tenantID != "" && r.TenantID != tenantID {
			continue
		}
		out = append(out, r.Clone())
	}
	return out, nil
}

func (s *MemoryRuleStore) GetRule(ctx context.Context, id string) (*AccessRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rules[id]
	if !ok {
		return nil, &NotFoundError{RuleID: id}
	}
	return r.Clone(), nil
}

func (s *MemoryRuleStore) GetHistory(ctx context.Context, ruleID string) ([]*RuleHistory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*RuleHistory(nil), s.history[ruleID]...), nil
}

func (s *MemoryRuleStore) IncrementHitCount(ctx context.Context, ruleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[ruleID]
	if !ok {
		return &NotFoundError{RuleID: ruleID}
	}
	now := time.Now()
	r.HitCount++
	r.LastHitAt = &now
	return nil
}

func (s *MemoryRuleStore) ExpireOverdueRules(ctx context.Context, now time.Time) ([]*AccessRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	expired := make([]*AccessRule, 0)
	for _, id := range s.order {
		r := s.rules[id]
		if r.Status != StatusActive || r.ExpiresAt == nil || now.Before(*r.ExpiresAt) {
			continue
		}
		r.Status = StatusExpired
		r.Active = false
		r.UpdatedAt = now
		expired = append(expired, r.Clone())
	}
	return expired, nil
}

func (s *MemoryRuleStore) Mutate(ctx context.Context, fn func(tx RuleTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := &memoryTx{
		rules:   make(map[string]*AccessRule, len(s.rules)),
		order:   append([]string(nil), s.order...),
		history: make([]*RuleHistory, 0, 1),
	}
	for id, r := range s.rules {
		tx.rules[id] = r
	}
	if err := fn(tx); err != nil {
		return err
	}
	s.rules = tx.rules
	s.order = tx.order
	for _, h := range tx.history {
		s.history[h.RuleID] = append(s.history[h.RuleID], h)
	}
	return nil
}

type memoryTx struct {
	rules   map[string]*AccessRule
	order   []string
	history []*RuleHistory
}

func (t *memoryTx) GetRule(id string) (*AccessRule, error) {
	r, ok := t.rules[id]
	if !ok {
		return nil, &NotFoundError{RuleID: id}
	}
	return r.Clone(), nil
}

func (t *memoryTx) CreateRule(r *AccessRule) error {
	if _, exists := t.rules[r.ID]; exists {
		return &ValidationError{Field: "id", Reason: "rule id already exists"}
	}
	t.rules[r.ID] = r.Clone()
	t.order = append(t.order, r.ID)
	return nil
}

func (t *memoryTx) UpdateRule(r *AccessRule) error {
	if _, ok := t.rules[r.ID]; !ok {
		return &NotFoundError{RuleID: r.ID}
	}
	t.rules[r.ID] = r.Clone()
	return nil
}

func (t *memoryTx) DeleteRule(id string) error {
	if _, ok := t.rules[id]; !ok {
		return &NotFoundError{RuleID: id}
	}
	delete(t.rules, id)
	for i, v := range t.order {
		if v == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	return nil
}

func (t *memoryTx) AppendHistory(h *RuleHistory) error {
	t.history = append(t.history, h)
	return nil
}

// MemoryCache is an expiring map with tag sets, mirroring the distributed
// cache contract for tests and single-node deployments.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryCacheEntry
}

type memoryCacheEntry struct {
	value     []byte
	expiresAt time.Time
	tags      []string
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryCacheEntry)}
}

func (c *MemoryCache) Get(ctx context.Context, key string) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, ErrCacheMiss
	}
	return e.value, nil
}

func (c *MemoryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration, tags []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = memoryCacheEntry{
		value:     value,
		expiresAt: time.Now().Add(ttl),
		tags:      append([]string(nil), tags...),
	}
	return nil
}

func (c *MemoryCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

func (c *MemoryCache) DeleteByTags(ctx context.Context, tags []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, e := range c.entries {
		for _, want := range tags {
			if containsString(e.tags, want) {
				delete(c.entries, key)
				break
			}
		}
	}
	return nil
}

// MemoryBus delivers invalidation events synchronously to subscribers in
// the publishing goroutine.
type MemoryBus struct {
	mu       sync.RWMutex
	handlers []func(InvalidationEvent)
}

func NewMemoryBus() *MemoryBus { return &MemoryBus{} }

func (b *MemoryBus) Publish(ctx context.Context, ev InvalidationEvent) error {
	b.mu.RLock()
	handlers := make([]func(InvalidationEvent), len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()
	for _, h := range handlers {
		h(ev)
	}
	return nil
}

func (b *MemoryBus) Subscribe(fn func(InvalidationEvent)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, fn)
}

// MemoryGeoLocator resolves IPs from a fixed table; unknown IPs return nil.
type MemoryGeoLocator struct {
	mu        sync.RWMutex
	locations map[string]*GeoLocation
}

func NewMemoryGeoLocator() *MemoryGeoLocator {
	return &MemoryGeoLocator{locations: make(map[string]*GeoLocation)}
}

func (g *MemoryGeoLocator) SetLocation(ip string, loc *GeoLocation) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.locations[NormalizeIP(ip)] = loc
}

func (g *MemoryGeoLocator) Lookup(ctx context.Context, ip string) (*GeoLocation, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.locations[NormalizeIP(ip)], nil
}

// MemoryAuditSink collects audit events for inspection in tests.
type MemoryAuditSink struct {
	mu     sync.RWMutex
	events []*AuditEvent
}

func NewMemoryAuditSink() *MemoryAuditSink { return &MemoryAuditSink{} }

func (s *MemoryAuditSink) Log(ctx context.Context, ev *AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *MemoryAuditSink) Events() []*AuditEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*AuditEvent(nil), s.events...)
}
