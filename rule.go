package netguard

import (
	"encoding/json"
	"fmt"
	"time"
)

// ============================================================================
// DOMAIN OBJECTS
// ============================================================================

// RuleKind selects which predicate shape a rule carries.
type RuleKind string

const (
	KindWhitelist    RuleKind = "whitelist"
	KindBlacklist    RuleKind = "blacklist"
	KindGeographic   RuleKind = "geographic"
	KindTimeBased    RuleKind = "time_based"
	KindUserSpecific RuleKind = "user_specific"
	KindRoleBased    RuleKind = "role_based"
)

// RuleStatus is the lifecycle state of a rule.
type RuleStatus string

const (
	StatusActive    RuleStatus = "active"
	StatusInactive  RuleStatus = "inactive"
	StatusExpired   RuleStatus = "expired"
	StatusSuspended RuleStatus = "suspended"
)

// IPMatchKind selects how an IP predicate compares addresses.
type IPMatchKind string

const (
	MatchSingle   IPMatchKind = "single"
	MatchRange    IPMatchKind = "range"
	MatchCIDR     IPMatchKind = "cidr"
	MatchWildcard IPMatchKind = "wildcard"
)

const (
	// MinPriority and MaxPriority bound rule priority; values outside the
	// range are clamped at creation.
	MinPriority = 0
	MaxPriority = 1000
)

// Predicate is the per-kind payload of a rule. Exactly one concrete type is
// meaningful for each RuleKind; the pairing is enforced by AccessRule.Validate.
// The predicate itself carries no kind: IPPredicate backs both whitelist and
// blacklist rules, so the owning rule is the only place the kind can live.
type Predicate interface {
	Validate() error
}

// IPPredicate matches a client IP. It backs both whitelist and blacklist
// rules; the rule kind decides the verdict, the predicate only decides the match.
type IPPredicate struct {
	Address    string      `json:"address"`
	Match      IPMatchKind `json:"match"`
	EndAddress string      `json:"end_address,omitempty"` // range only
}

func (p *IPPredicate) Validate() error {
	if p.Address == "" {
		return &ValidationError{Field: "address", Reason: "required"}
	}
	switch p.Match {
	case MatchSingle:
		if NormalizeIP(p.Address) == "" {
			return &ValidationError{Field: "address", Reason: "not a valid IP"}
		}
	case MatchRange:
		// The range comparison is 32-bit; IPv6 ranges are rejected here rather
		// than silently mismatching at evaluation time.
		if p.EndAddress == "" {
			return &ValidationError{Field: "end_address", Reason: "required for range rules"}
		}
		if !isIPv4(p.Address) || !isIPv4(p.EndAddress) {
			return &ValidationError{Field: "address", Reason: "range rules support IPv4 only"}
		}
		start, _ := IPv4ToUint32(p.Address)
		end, _ := IPv4ToUint32(p.EndAddress)
		if start > end {
			return &ValidationError{Field: "end_address", Reason: "range start exceeds end"}
		}
	case MatchCIDR:
		if err := ValidateCIDR(p.Address); err != nil {
			return &ValidationError{Field: "address", Reason: err.Error()}
		}
	case MatchWildcard:
		// any pattern is acceptable; '*' matches a run of characters
	default:
		return &ValidationError{Field: "match", Reason: fmt.Sprintf("unknown match kind %q", p.Match)}
	}
	return nil
}

// GeoPredicate matches request geography. Empty fields are wildcards.
type GeoPredicate struct {
	Country  string `json:"country,omitempty"`
	Region   string `json:"region,omitempty"`
	City     string `json:"city,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

func (p *GeoPredicate) Validate() error {
	if p.Country == "" && p.Region == "" && p.City == "" && p.Timezone == "" {
		return &ValidationError{Field: "geo", Reason: "at least one geography field is required"}
	}
	return nil
}

// TimePredicate matches time-of-day and weekday. Start and End are "HH:MM"
// and the window is inclusive on both ends. Empty Days means every day.
type TimePredicate struct {
	Start string `json:"start"`
	End   string `json:"end"`
	Days  []int  `json:"days,omitempty"` // 0=Sunday .. 6=Saturday
}

func (p *TimePredicate) Validate() error {
	if _, err := minuteOfDay(p.Start); err != nil {
		return &ValidationError{Field: "start", Reason: err.Error()}
	}
	if _, err := minuteOfDay(p.End); err != nil {
		return &ValidationError{Field: "end", Reason: err.Error()}
	}
	for _, d := range p.Days {
		if d < 0 || d > 6 {
			return &ValidationError{Field: "days", Reason: fmt.Sprintf("weekday %d out of range 0-6", d)}
		}
	}
	return nil
}

// minuteOfDay parses a zero-padded "HH:MM" string into minutes since midnight.
func minuteOfDay(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("not a valid HH:MM time: %q", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// UserPredicate matches one authenticated user.
type UserPredicate struct {
	UserID string `json:"user_id"`
}

func (p *UserPredicate) Validate() error {
	if p.UserID == "" {
		return &ValidationError{Field: "user_id", Reason: "required"}
	}
	return nil
}

// RolePredicate matches any of a set of roles.
type RolePredicate struct {
	Roles []string `json:"roles"`
}

func (p *RolePredicate) Validate() error {
	if len(p.Roles) == 0 {
		return &ValidationError{Field: "roles", Reason: "at least one role is required"}
	}
	return nil
}

// AccessRule is the unit of policy. TenantID == "" marks a global rule
// visible to every tenant.
type AccessRule struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	TenantID  string    `json:"tenant_id"`
	Kind      RuleKind  `json:"kind"`
	Predicate Predicate `json:"-"`

	// AllowedProjects is an additional filter applied regardless of kind.
	AllowedProjects []string `json:"allowed_projects,omitempty"`

	Status     RuleStatus `json:"status"`
	Active     bool       `json:"active"`
	ValidFrom  *time.Time `json:"valid_from,omitempty"`
	ValidUntil *time.Time `json:"valid_until,omitempty"`
	Temporary  bool       `json:"temporary"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`

	Priority int `json:"priority"` // 0-1000, higher evaluated first

	Emergency       bool   `json:"emergency"`
	EmergencyReason string `json:"emergency_reason,omitempty"`

	RequiresApproval bool       `json:"requires_approval"`
	ApprovedBy       string     `json:"approved_by,omitempty"`
	ApprovedAt       *time.Time `json:"approved_at,omitempty"`

	HitCount  int64      `json:"hit_count"`
	LastHitAt *time.Time `json:"last_hit_at,omitempty"`

	CreatedBy   string    `json:"created_by,omitempty"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// IsGlobal reports whether the rule applies to every tenant.
func (r *AccessRule) IsGlobal() bool { return r.TenantID == "" }

// ClampPriority forces Priority into the allowed band.
func (r *AccessRule) ClampPriority() {
	if r.Priority < MinPriority {
		r.Priority = MinPriority
	}
	if r.Priority > MaxPriority {
		r.Priority = MaxPriority
	}
}

// Validate checks structural invariants. It is called on every write; rules
// that fail validation never reach evaluation.
func (r *AccessRule) Validate() error {
	if r.Predicate == nil {
		return &ValidationError{Field: "predicate", Reason: "required"}
	}
	switch r.Kind {
	case KindWhitelist, KindBlacklist:
		if _, ok := r.Predicate.(*IPPredicate); !ok {
			return &ValidationError{Field: "predicate", Reason: fmt.Sprintf("kind %s requires an ip predicate", r.Kind)}
		}
	case KindGeographic:
		if _, ok := r.Predicate.(*GeoPredicate); !ok {
			return &ValidationError{Field: "predicate", Reason: "kind geographic requires a geo predicate"}
		}
	case KindTimeBased:
		if _, ok := r.Predicate.(*TimePredicate); !ok {
			return &ValidationError{Field: "predicate", Reason: "kind time_based requires a time predicate"}
		}
	case KindUserSpecific:
		if _, ok := r.Predicate.(*UserPredicate); !ok {
			return &ValidationError{Field: "predicate", Reason: "kind user_specific requires a user predicate"}
		}
	case KindRoleBased:
		if _, ok := r.Predicate.(*RolePredicate); !ok {
			return &ValidationError{Field: "predicate", Reason: "kind role_based requires a role predicate"}
		}
	default:
		return &ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown rule kind %q", r.Kind)}
	}
	if err := r.Predicate.Validate(); err != nil {
		return err
	}
	if r.ValidFrom != nil && r.ValidUntil != nil && r.ValidFrom.After(*r.ValidUntil) {
		return &ValidationError{Field: "valid_from", Reason: "valid_from is after valid_until"}
	}
	if r.Temporary && r.ExpiresAt == nil {
		return &ValidationError{Field: "expires_at", Reason: "required for temporary rules"}
	}
	switch r.Status {
	case StatusActive, StatusInactive, StatusExpired, StatusSuspended:
	case "":
		// zero value normalized by the lifecycle manager
	default:
		return &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", r.Status)}
	}
	if r.Emergency && r.Kind != KindWhitelist {
		return &ValidationError{Field: "emergency", Reason: "only whitelist rules may be emergency rules"}
	}
	return nil
}

// IsCurrentlyValid reports whether the rule should participate in
// evaluation at the given instant. The validity window is inclusive.
func (r *AccessRule) IsCurrentlyValid(now time.Time) bool {
	if !r.Active || r.Status != StatusActive {
		return false
	}
	if r.ValidFrom != nil && now.Before(*r.ValidFrom) {
		return false
	}
	if r.ValidUntil != nil && now.After(*r.ValidUntil) {
		return false
	}
	if r.ExpiresAt != nil && now.After(*r.ExpiresAt) {
		return false
	}
	if r.RequiresApproval && r.ApprovedBy == "" {
		return false
	}
	return true
}

// IsAllow reports whether a match on this rule means allow rather than deny.
func (r *AccessRule) IsAllow() bool {
	return r.Kind == KindWhitelist || r.Kind == KindGeographic
}

// Clone returns a deep copy safe to hand to cache readers.
func (r *AccessRule) Clone() *AccessRule {
	dup := *r
	if r.AllowedProjects != nil {
		dup.AllowedProjects = append([]string(nil), r.AllowedProjects...)
	}
	switch p := r.Predicate.(type) {
	case *IPPredicate:
		cp := *p
		dup.Predicate = &cp
	case *GeoPredicate:
		cp := *p
		dup.Predicate = &cp
	case *TimePredicate:
		cp := *p
		cp.Days = append([]int(nil), p.Days...)
		dup.Predicate = &cp
	case *UserPredicate:
		cp := *p
		dup.Predicate = &cp
	case *RolePredicate:
		cp := *p
		cp.Roles = append([]string(nil), p.Roles...)
		dup.Predicate = &cp
	}
	return &dup
}

// ============================================================================
// JSON (tagged union encoding)
// ============================================================================

type ruleAlias AccessRule

type ruleEnvelope struct {
	*ruleAlias
	PredicateJSON json.RawMessage `json:"predicate,omitempty"`
}

// MarshalJSON encodes the predicate under a "predicate" key whose shape is
// selected by "kind".
func (r *AccessRule) MarshalJSON() ([]byte, error) {
	env := ruleEnvelope{ruleAlias: (*ruleAlias)(r)}
	if r.Predicate != nil {
		b, err := json.Marshal(r.Predicate)
		if err != nil {
			return nil, err
		}
		env.PredicateJSON = b
	}
	return json.Marshal(env)
}

// UnmarshalJSON decodes the predicate variant selected by "kind".
func (r *AccessRule) UnmarshalJSON(data []byte) error {
	env := ruleEnvelope{ruleAlias: (*ruleAlias)(r)}
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	if len(env.PredicateJSON) == 0 || string(env.PredicateJSON) == "null" {
		r.Predicate = nil
		return nil
	}
	p, err := DecodePredicate(r.Kind, env.PredicateJSON)
	if err != nil {
		return err
	}
	r.Predicate = p
	return nil
}

// DecodePredicate decodes the predicate variant selected by kind.
func DecodePredicate(kind RuleKind, data []byte) (Predicate, error) {
	var p Predicate
	switch kind {
	case KindWhitelist, KindBlacklist:
		p = &IPPredicate{}
	case KindGeographic:
		p = &GeoPredicate{}
	case KindTimeBased:
		p = &TimePredicate{}
	case KindUserSpecific:
		p = &UserPredicate{}
	case KindRoleBased:
		p = &RolePredicate{}
	default:
		return nil, fmt.Errorf("cannot decode predicate for kind %q", kind)
	}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, err
	}
	return p, nil
}

// ============================================================================
// HISTORY
// ============================================================================

// HistoryAction is the mutation a history record documents.
type HistoryAction string

const (
	ActionCreate HistoryAction = "CREATE"
	ActionUpdate HistoryAction = "UPDATE"
	ActionDelete HistoryAction = "DELETE"
)

// RuleHistory is one immutable record per rule mutation. It is written in
// the same transaction as the mutation it documents and is never updated
// or deleted afterwards.
type RuleHistory struct {
	ID            string          `json:"id"`
	RuleID        string          `json:"rule_id"`
	TenantID      string          `json:"tenant_id"`
	Action        HistoryAction   `json:"action"`
	Before        json.RawMessage `json:"before,omitempty"` // null on create
	After         json.RawMessage `json:"after,omitempty"`  // null on delete
	ChangedFields []string        `json:"changed_fields,omitempty"`
	ActorID       string          `json:"actor_id,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// snapshotRule serializes the externally visible rule state for history rows.
func snapshotRule(r *AccessRule) json.RawMessage {
	if r == nil {
		return nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return nil
	}
	return b
}

// diffRuleFields returns the JSON field names whose values differ between
// two snapshots, sorted order not guaranteed.
func diffRuleFields(before, after *AccessRule) []string {
	var bm, am map[string]any
	_ = json.Unmarshal(snapshotRule(before), &bm)
	_ = json.Unmarshal(snapshotRule(after), &am)
	changed := make([]string, 0)
	for k, av := range am {
		bv, ok := bm[k]
		if !ok {
			changed = append(changed, k)
			continue
		}
		ab, _ := json.Marshal(av)
		bb, _ := json.Marshal(bv)
		if string(ab) != string(bb) {
			changed = append(changed, k)
		}
	}
	for k := range bm {
		if _, ok := am[k]; !ok {
			changed = append(changed, k)
		}
	}
	return changed
}
