package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/oarkflow/squealx"

	"github.com/oarkflow/netguard"
)

const ruleColumns = `id, tenant_id, name, kind, predicate_json, allowed_projects_json, status, active, valid_from, valid_until, temporary, expires_at, priority, emergency, emergency_reason, requires_approval, approved_by, approved_at, hit_count, last_hit_at, created_by, description, created_at, updated_at`

// SQLRuleStore persists access rules and their history in SQL. Reads go
// through squealx named queries; rule+history mutations run on a plain
// database/sql transaction so both rows commit or roll back together.
type SQLRuleStore struct {
	db  *squealx.DB
	raw *sql.DB
}

// NewSQLRuleStore wraps an open database handle. driverName must match the
// driver sqlDB was opened with (e.g. "sqlite").
func NewSQLRuleStore(sqlDB *sql.DB, driverName string) *SQLRuleStore {
	return &SQLRuleStore{
		db:  squealx.NewDb(sqlDB, driverName, "netguard"),
		raw: sqlDB,
	}
}

// DB exposes the squealx handle, e.g. for running migrations.
func (s *SQLRuleStore) DB() *squealx.DB { return s.db }

func (s *SQLRuleStore) FindActiveRules(ctx context.Context, tenantID string) ([]*netguard.AccessRule, error) {
	q := `SELECT ` + ruleColumns + ` FROM access_rules WHERE tenant_id = :tenant_id AND status = 'active' AND active = 1 ORDER BY priority DESC, created_at ASC`
	return s.queryRules(ctx, q, map[string]any{"tenant_id": tenantID})
}

func (s *SQLRuleStore) FindAllRules(ctx context.Context, tenantID string) ([]*netguard.AccessRule, error) {
	if tenantID == "" {
		q := `SELECT ` + ruleColumns + ` FROM access_rules ORDER BY priority DESC, created_at ASC`
		return s.queryRules(ctx, q, map[string]any{})
	}
	q := `SELECT ` + ruleColumns + ` FROM access_rules WHERE tenant_id = :tenant_id ORDER BY priority DESC, created_at ASC`
	return s.queryRules(ctx, q, map[string]any{"tenant_id": tenantID})
}

func (s *SQLRuleStore) GetRule(ctx context.Context, id string) (*netguard.AccessRule, error) {
	q := `SELECT ` + ruleColumns + ` FROM access_rules WHERE id = :id`
	rules, err := s.queryRules(ctx, q, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	if len(rules) == 0 {
		return nil, &netguard.NotFoundError{RuleID: id}
	}
	return rules[0], nil
}

func (s *SQLRuleStore) queryRules(ctx context.Context, q string, params map[string]any) ([]*netguard.AccessRule, error) {
	r, err := s.db.NamedQueryContext(ctx, q, params)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*netguard.AccessRule, 0)
	for r.Next() {
		rule, err := scanRule(r)
		if err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	return out, nil
}

func (s *SQLRuleStore) GetHistory(ctx context.Context, ruleID string) ([]*netguard.RuleHistory, error) {
	q := `SELECT id, rule_id, tenant_id, action, before_json, after_json, changed_fields_json, actor_id, reason, created_at FROM access_rule_history WHERE rule_id = :rule_id ORDER BY created_at ASC`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"rule_id": ruleID})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*netguard.RuleHistory, 0)
	for r.Next() {
		var id, rid, tenant, action, changedJSON, actor, reason string
		var beforeRaw, afterRaw, createdRaw interface{}
		if err := r.Scan(&id, &rid, &tenant, &action, &beforeRaw, &afterRaw, &changedJSON, &actor, &reason, &createdRaw); err != nil {
			return nil, err
		}
		h := &netguard.RuleHistory{
			ID:       id,
			RuleID:   rid,
			TenantID: tenant,
			Action:   netguard.HistoryAction(action),
			ActorID:  actor,
			Reason:   reason,
		}
		h.Before = rawJSON(beforeRaw)
		h.After = rawJSON(afterRaw)
		_ = json.Unmarshal([]byte(changedJSON), &h.ChangedFields)
		if t, ok := asTime(createdRaw); ok {
			h.CreatedAt = t
		}
		out = append(out, h)
	}
	return out, nil
}

func (s *SQLRuleStore) IncrementHitCount(ctx context.Context, ruleID string) error {
	q := `UPDATE access_rules SET hit_count = hit_count + 1, last_hit_at = :now WHERE id = :id`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{"id": ruleID, "now": time.Now()})
	return err
}

// ExpireOverdueRules flips overdue active rules to expired in one
// transaction and returns the rules as they were before the flip.
func (s *SQLRuleStore) ExpireOverdueRules(ctx context.Context, now time.Time) ([]*netguard.AccessRule, error) {
	tx, err := s.raw.BeginTx(ctx, nil)
	if err != nil {
		return nil, &netguard.TransientError{Op: "begin expiry tx", Err: err}
	}
	rows, err := tx.QueryContext(ctx, `SELECT `+ruleColumns+` FROM access_rules WHERE status = 'active' AND expires_at IS NOT NULL AND expires_at <= ?`, now)
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	expired := make([]*netguard.AccessRule, 0)
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			rows.Close()
			_ = tx.Rollback()
			return nil, err
		}
		expired = append(expired, rule)
	}
	rows.Close()
	if len(expired) == 0 {
		_ = tx.Rollback()
		return nil, nil
	}
	for _, rule := range expired {
		if _, err := tx.ExecContext(ctx, `UPDATE access_rules SET status = 'expired', active = 0, updated_at = ? WHERE id = ?`, now, rule.ID); err != nil {
			_ = tx.Rollback()
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, &netguard.TransientError{Op: "commit expiry tx", Err: err}
	}
	return expired, nil
}

// Mutate runs fn inside one transaction. Any error rolls back the rule and
// history writes together; the cache is never invalidated for a failed write.
func (s *SQLRuleStore) Mutate(ctx context.Context, fn func(tx netguard.RuleTx) error) error {
	rawTx, err := s.raw.BeginTx(ctx, nil)
	if err != nil {
		return &netguard.TransientError{Op: "begin tx", Err: err}
	}
	t := &sqlRuleTx{ctx: ctx, tx: rawTx}
	if err := fn(t); err != nil {
		_ = rawTx.Rollback()
		return err
	}
	if err := rawTx.Commit(); err != nil {
		return &netguard.TransientError{Op: "commit tx", Err: err}
	}
	return nil
}

type sqlRuleTx struct {
	ctx context.Context
	tx  *sql.Tx
}

func (t *sqlRuleTx) GetRule(id string) (*netguard.AccessRule, error) {
	row := t.tx.QueryRowContext(t.ctx, `SELECT `+ruleColumns+` FROM access_rules WHERE id = ?`, id)
	rule, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &netguard.NotFoundError{RuleID: id}
	}
	if err != nil {
		return nil, err
	}
	return rule, nil
}

func (t *sqlRuleTx) CreateRule(r *netguard.AccessRule) error {
	predJSON, projectsJSON, err := encodeRule(r)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(t.ctx,
		`INSERT INTO access_rules(`+ruleColumns+`) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.TenantID, r.Name, string(r.Kind), predJSON, projectsJSON, string(r.Status), boolToInt(r.Active),
		timeOrNil(r.ValidFrom), timeOrNil(r.ValidUntil), boolToInt(r.Temporary), timeOrNil(r.ExpiresAt),
		r.Priority, boolToInt(r.Emergency), r.EmergencyReason, boolToInt(r.RequiresApproval),
		r.ApprovedBy, timeOrNil(r.ApprovedAt), r.HitCount, timeOrNil(r.LastHitAt),
		r.CreatedBy, r.Description, r.CreatedAt, r.UpdatedAt,
	)
	return err
}

func (t *sqlRuleTx) UpdateRule(r *netguard.AccessRule) error {
	predJSON, projectsJSON, err := encodeRule(r)
	if err != nil {
		return err
	}
	res, err := t.tx.ExecContext(t.ctx,
		`UPDATE access_rules SET name = ?, kind = ?, predicate_json = ?, allowed_projects_json = ?, status = ?, active = ?, valid_from = ?, valid_until = ?, temporary = ?, expires_at = ?, priority = ?, emergency = ?, emergency_reason = ?, requires_approval = ?, approved_by = ?, approved_at = ?, created_by = ?, description = ?, updated_at = ? WHERE id = ?`,
		r.Name, string(r.Kind), predJSON, projectsJSON, string(r.Status), boolToInt(r.Active),
		timeOrNil(r.ValidFrom), timeOrNil(r.ValidUntil), boolToInt(r.Temporary), timeOrNil(r.ExpiresAt),
		r.Priority, boolToInt(r.Emergency), r.EmergencyReason, boolToInt(r.RequiresApproval),
		r.ApprovedBy, timeOrNil(r.ApprovedAt), r.CreatedBy, r.Description, r.UpdatedAt, r.ID,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return &netguard.NotFoundError{RuleID: r.ID}
	}
	return nil
}

func (t *sqlRuleTx) DeleteRule(id string) error {
	res, err := t.tx.ExecContext(t.ctx, `DELETE FROM access_rules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return &netguard.NotFoundError{RuleID: id}
	}
	return nil
}

func (t *sqlRuleTx) AppendHistory(h *netguard.RuleHistory) error {
	changed, err := json.Marshal(h.ChangedFields)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(t.ctx,
		`INSERT INTO access_rule_history(id, rule_id, tenant_id, action, before_json, after_json, changed_fields_json, actor_id, reason, created_at) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		h.ID, h.RuleID, h.TenantID, string(h.Action), jsonOrNil(h.Before), jsonOrNil(h.After), string(changed), h.ActorID, h.Reason, h.CreatedAt,
	)
	return err
}

// ============================================================================
// ROW CODEC
// ============================================================================

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(r rowScanner) (*netguard.AccessRule, error) {
	var id, tenant, name, kind, predJSON, projectsJSON, status string
	var emergencyReason, approvedBy, createdBy, description string
	var activeInt, temporaryInt, emergencyInt, approvalInt, priority int
	var hitCount int64
	var validFromRaw, validUntilRaw, expiresRaw, approvedRaw interface{}
	var lastHitRaw, createdRaw, updatedRaw interface{}
	if err := r.Scan(&id, &tenant, &name, &kind, &predJSON, &projectsJSON, &status, &activeInt,
		&validFromRaw, &validUntilRaw, &temporaryInt, &expiresRaw, &priority, &emergencyInt,
		&emergencyReason, &approvalInt, &approvedBy, &approvedRaw, &hitCount, &lastHitRaw,
		&createdBy, &description, &createdRaw, &updatedRaw); err != nil {
		return nil, err
	}
	rule := &netguard.AccessRule{
		ID:               id,
		TenantID:         tenant,
		Name:             name,
		Kind:             netguard.RuleKind(kind),
		Status:           netguard.RuleStatus(status),
		Active:           activeInt != 0,
		Temporary:        temporaryInt != 0,
		Priority:         priority,
		Emergency:        emergencyInt != 0,
		EmergencyReason:  emergencyReason,
		RequiresApproval: approvalInt != 0,
		ApprovedBy:       approvedBy,
		HitCount:         hitCount,
		CreatedBy:        createdBy,
		Description:      description,
	}
	pred, err := netguard.DecodePredicate(rule.Kind, []byte(predJSON))
	if err != nil {
		return nil, err
	}
	rule.Predicate = pred
	_ = json.Unmarshal([]byte(projectsJSON), &rule.AllowedProjects)
	rule.ValidFrom = asTimePtr(validFromRaw)
	rule.ValidUntil = asTimePtr(validUntilRaw)
	rule.ExpiresAt = asTimePtr(expiresRaw)
	rule.ApprovedAt = asTimePtr(approvedRaw)
	rule.LastHitAt = asTimePtr(lastHitRaw)
	if t, ok := asTime(createdRaw); ok {
		rule.CreatedAt = t
	}
	if t, ok := asTime(updatedRaw); ok {
		rule.UpdatedAt = t
	}
	return rule, nil
}

func encodeRule(r *netguard.AccessRule) (string, string, error) {
	predJSON, err := json.Marshal(r.Predicate)
	if err != nil {
		return "", "", err
	}
	projects := r.AllowedProjects
	if projects == nil {
		projects = []string{}
	}
	projectsJSON, err := json.Marshal(projects)
	if err != nil {
		return "", "", err
	}
	return string(predJSON), string(projectsJSON), nil
}

func jsonOrNil(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func rawJSON(v interface{}) json.RawMessage {
	switch s := v.(type) {
	case string:
		if s == "" {
			return nil
		}
		return json.RawMessage(s)
	case []byte:
		if len(s) == 0 {
			return nil
		}
		return json.RawMessage(s)
	}
	return nil
}
