package netguard

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/oarkflow/netguard/logger"
)

// ============================================================================
// RULE LIFECYCLE
// ============================================================================

// Actor identifies who performs a lifecycle operation. Platform actors may
// act on any rule, including global ones; everyone else is confined to
// their own tenant.
type Actor struct {
	ID       string
	TenantID string
	Platform bool
}

// Lifecycle manages transactional rule mutation with an append-only history
// trail. Cache invalidation is event-driven and happens strictly after
// commit: a crash between commit and publish leaves a stale cache that
// heals at TTL expiry, whereas publishing before commit could invalidate
// for a write that rolls back.
type Lifecycle struct {
	store RuleStore
	bus   InvalidationBus
	log   logger.Logger
	nowFn func() time.Time
}

// LifecycleOption configures a Lifecycle at construction.
type LifecycleOption func(*Lifecycle)

// WithLifecycleLogger installs a logger.
func WithLifecycleLogger(l logger.Logger) LifecycleOption {
	return func(m *Lifecycle) { m.log = l }
}

// WithLifecycleClock overrides the time source. Intended for tests.
func WithLifecycleClock(now func() time.Time) LifecycleOption {
	return func(m *Lifecycle) { m.nowFn = now }
}

// NewLifecycle wires the manager. bus may be nil when no cache is attached.
func NewLifecycle(store RuleStore, bus InvalidationBus, opts ...LifecycleOption) *Lifecycle {
	m := &Lifecycle{
		store: store,
		bus:   bus,
		log:   logger.NewNullLogger(),
		nowFn: time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateRule validates and persists a new rule together with its CREATE
// history row in one transaction, then emits the invalidation event.
func (m *Lifecycle) CreateRule(ctx context.Context, actor Actor, rule *AccessRule, reason string) (*AccessRule, error) {
	if err := m.checkScope(actor, rule.TenantID, ""); err != nil {
		return nil, err
	}
	now := m.nowFn()
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	if rule.Status == "" {
		rule.Status = StatusActive
	}
	rule.ClampPriority()
	rule.CreatedBy = actor.ID
	rule.CreatedAt = now
	rule.UpdatedAt = now
	if err := rule.Validate(); err != nil {
		return nil, err
	}

	err := m.store.Mutate(ctx, func(tx RuleTx) error {
		if err := tx.CreateRule(rule); err != nil {
			return err
		}
		return tx.AppendHistory(&RuleHistory{
			ID:        uuid.NewString(),
			RuleID:    rule.ID,
			TenantID:  rule.TenantID,
			Action:    ActionCreate,
			After:     snapshotRule(rule),
			ActorID:   actor.ID,
			Reason:    reason,
			CreatedAt: now,
		})
	})
	if err != nil {
		return nil, err
	}
	m.emit(ctx, InvalidationEvent{RuleID: rule.ID, TenantID: rule.TenantID, Action: ActionCreate})
	m.log.Info("rule created", "rule", rule.ID, "tenant", rule.TenantID, "actor", actor.ID)
	return rule, nil
}

// UpdateRule replaces a rule's mutable fields, recording before/after
// snapshots and the changed-field list in the same transaction.
func (m *Lifecycle) UpdateRule(ctx context.Context, actor Actor, updated *AccessRule, reason string) (*AccessRule, error) {
	now := m.nowFn()
	var result *AccessRule
	err := m.store.Mutate(ctx, func(tx RuleTx) error {
		existing, err := tx.GetRule(updated.ID)
		if err != nil {
			return err
		}
		if err := m.checkScope(actor, existing.TenantID, existing.ID); err != nil {
			return err
		}
		next := updated.Clone()
		next.TenantID = existing.TenantID // scope is immutable
		next.HitCount = existing.HitCount
		next.LastHitAt = existing.LastHitAt
		next.CreatedBy = existing.CreatedBy
		next.CreatedAt = existing.CreatedAt
		next.UpdatedAt = now
		if next.Status == "" {
			next.Status = existing.Status
		}
		next.ClampPriority()
		if err := next.Validate(); err != nil {
			return err
		}
		if err := tx.UpdateRule(next); err != nil {
			return err
		}
		result = next
		return tx.AppendHistory(&RuleHistory{
			ID:            uuid.NewString(),
			RuleID:        next.ID,
			TenantID:      next.TenantID,
			Action:        ActionUpdate,
			Before:        snapshotRule(existing),
			After:         snapshotRule(next),
			ChangedFields: diffRuleFields(existing, next),
			ActorID:       actor.ID,
			Reason:        reason,
			CreatedAt:     now,
		})
	})
	if err != nil {
		return nil, err
	}
	m.emit(ctx, InvalidationEvent{RuleID: result.ID, TenantID: result.TenantID, Action: ActionUpdate})
	m.log.Info("rule updated", "rule", result.ID, "tenant", result.TenantID, "actor", actor.ID)
	return result, nil
}

// DeleteRule removes a rule and records the DELETE snapshot transactionally.
func (m *Lifecycle) DeleteRule(ctx context.Context, actor Actor, ruleID, reason string) error {
	now := m.nowFn()
	var tenantID string
	err := m.store.Mutate(ctx, func(tx RuleTx) error {
		existing, err := tx.GetRule(ruleID)
		if err != nil {
			return err
		}
		if err := m.checkScope(actor, existing.TenantID, existing.ID); err != nil {
			return err
		}
		tenantID = existing.TenantID
		if err := tx.DeleteRule(ruleID); err != nil {
			return err
		}
		return tx.AppendHistory(&RuleHistory{
			ID:        uuid.NewString(),
			RuleID:    ruleID,
			TenantID:  existing.TenantID,
			Action:    ActionDelete,
			Before:    snapshotRule(existing),
			ActorID:   actor.ID,
			Reason:    reason,
			CreatedAt: now,
		})
	})
	if err != nil {
		return err
	}
	m.emit(ctx, InvalidationEvent{RuleID: ruleID, TenantID: tenantID, Action: ActionDelete})
	m.log.Info("rule deleted", "rule", ruleID, "tenant", tenantID, "actor", actor.ID)
	return nil
}

// ApproveRule records the approval that lets a requires-approval rule
// participate in evaluation.
func (m *Lifecycle) ApproveRule(ctx context.Context, actor Actor, ruleID string) (*AccessRule, error) {
	now := m.nowFn()
	var result *AccessRule
	err := m.store.Mutate(ctx, func(tx RuleTx) error {
		existing, err := tx.GetRule(ruleID)
		if err != nil {
			return err
		}
		if err := m.checkScope(actor, existing.TenantID, existing.ID); err != nil {
			return err
		}
		next := existing.Clone()
		next.ApprovedBy = actor.ID
		next.ApprovedAt = &now
		next.UpdatedAt = now
		if err := tx.UpdateRule(next); err != nil {
			return err
		}
		result = next
		return tx.AppendHistory(&RuleHistory{
			ID:            uuid.NewString(),
			RuleID:        next.ID,
			TenantID:      next.TenantID,
			Action:        ActionUpdate,
			Before:        snapshotRule(existing),
			After:         snapshotRule(next),
			ChangedFields: diffRuleFields(existing, next),
			ActorID:       actor.ID,
			Reason:        "approval",
			CreatedAt:     now,
		})
	})
	if err != nil {
		return nil, err
	}
	m.emit(ctx, InvalidationEvent{RuleID: result.ID, TenantID: result.TenantID, Action: ActionUpdate})
	return result, nil
}

// GetActiveRules returns the rules visible to the actor's tenant scope.
// Global rules apply to every tenant, so any actor may read the global set;
// only other tenants' sets are off limits to non-platform actors.
func (m *Lifecycle) GetActiveRules(ctx context.Context, actor Actor, tenantID string) ([]*AccessRule, error) {
	if !actor.Platform && tenantID != "" && tenantID != actor.TenantID {
		return nil, &PermissionError{ActorID: actor.ID, TenantID: actor.TenantID}
	}
	return m.store.FindActiveRules(ctx, tenantID)
}

// GetHistory returns the append-only trail for one rule, oldest first.
func (m *Lifecycle) GetHistory(ctx context.Context, ruleID string) ([]*RuleHistory, error) {
	return m.store.GetHistory(ctx, ruleID)
}

// StartSweeper launches the periodic scan that expires overdue temporary
// rules and emits one invalidation event per affected tenant. It returns
// when ctx is canceled.
func (m *Lifecycle) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SweepExpired(ctx)
		}
	}
}

// SweepExpired runs one expiry pass.
func (m *Lifecycle) SweepExpired(ctx context.Context) {
	expired, err := m.store.ExpireOverdueRules(ctx, m.nowFn())
	if err != nil {
		m.log.Error("expiry sweep failed", "error", err.Error())
		return
	}
	seen := make(map[string]bool)
	for _, r := range expired {
		if seen[r.TenantID] {
			continue
		}
		seen[r.TenantID] = true
		m.emit(ctx, InvalidationEvent{RuleID: r.ID, TenantID: r.TenantID, Action: ActionUpdate})
	}
	if len(expired) > 0 {
		m.log.Info("expired overdue rules", "count", len(expired))
	}
}

// checkScope enforces tenant boundaries: non-platform actors stay inside
// their own tenant and can never touch a global rule.
func (m *Lifecycle) checkScope(actor Actor, tenantID, ruleID string) error {
	if actor.Platform {
		return nil
	}
	if tenantID == "" || tenantID != actor.TenantID {
		return &PermissionError{ActorID: actor.ID, TenantID: actor.TenantID, RuleID: ruleID}
	}
	return nil
}

func (m *Lifecycle) emit(ctx context.Context, ev InvalidationEvent) {
	if m.bus == nil {
		return
	}
	if err := m.bus.Publish(ctx, ev); err != nil {
		// stale caches self-heal at TTL expiry
		m.log.Error("invalidation publish failed", "rule", ev.RuleID, "error", err.Error())
	}
}
