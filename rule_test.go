package netguard

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestRuleJSONRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		kind RuleKind
		pred Predicate
	}{
		{"ip cidr", KindWhitelist, &IPPredicate{Match: MatchCIDR, Address: "10.0.0.0/8"}},
		{"ip range", KindBlacklist, &IPPredicate{Match: MatchRange, Address: "10.0.0.1", EndAddress: "10.0.0.9"}},
		{"geo", KindGeographic, &GeoPredicate{Country: "US", Region: "CA"}},
		{"time", KindTimeBased, &TimePredicate{Start: "09:00", End: "17:00", Days: []int{1, 2, 3}}},
		{"user", KindUserSpecific, &UserPredicate{UserID: "user-1"}},
		{"role", KindRoleBased, &RolePredicate{Roles: []string{"admin"}}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			in := &AccessRule{
				ID:        "r1",
				Name:      c.name,
				Kind:      c.kind,
				Predicate: c.pred,
				Status:    StatusActive,
				Active:    true,
				Priority:  500,
			}
			data, err := json.Marshal(in)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			if !strings.Contains(string(data), `"predicate"`) {
				t.Fatalf("predicate key missing: %s", data)
			}

			var out AccessRule
			if err := json.Unmarshal(data, &out); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if out.Kind != c.kind {
				t.Fatalf("kind lost: %s", out.Kind)
			}
			if out.Predicate == nil {
				t.Fatalf("predicate lost")
			}
			reenc, err := json.Marshal(out.Predicate)
			if err != nil {
				t.Fatalf("re-marshal predicate: %v", err)
			}
			orig, _ := json.Marshal(c.pred)
			if string(reenc) != string(orig) {
				t.Fatalf("predicate changed: %s != %s", reenc, orig)
			}
		})
	}
}

func TestRuleJSONUnknownKind(t *testing.T) {
	var out AccessRule
	err := json.Unmarshal([]byte(`{"id":"r1","kind":"mystery","predicate":{"address":"10.0.0.1"}}`), &out)
	if err == nil {
		t.Fatalf("unknown kind with a predicate should fail to decode")
	}
}

func TestRuleClone(t *testing.T) {
	at := time.Now()
	in := &AccessRule{
		ID:              "r1",
		Kind:            KindRoleBased,
		Predicate:       &RolePredicate{Roles: []string{"admin"}},
		AllowedProjects: []string{"proj-a"},
		ExpiresAt:       &at,
	}
	dup := in.Clone()
	dup.AllowedProjects[0] = "changed"
	dup.Predicate.(*RolePredicate).Roles[0] = "changed"

	if in.AllowedProjects[0] != "proj-a" {
		t.Fatalf("clone shares the projects slice")
	}
	if in.Predicate.(*RolePredicate).Roles[0] != "admin" {
		t.Fatalf("clone shares the predicate")
	}
}

func TestRuleValidateKindPredicatePairing(t *testing.T) {
	rule := &AccessRule{
		ID:        "r1",
		Kind:      KindGeographic,
		Predicate: &IPPredicate{Match: MatchSingle, Address: "10.0.0.1"},
		Status:    StatusActive,
	}
	if err := rule.Validate(); !IsValidation(err) {
		t.Fatalf("mismatched predicate should fail validation, got %v", err)
	}

	rule.Predicate = nil
	if err := rule.Validate(); !IsValidation(err) {
		t.Fatalf("missing predicate should fail validation, got %v", err)
	}
}

func TestRuleValidateEmergencyWhitelistOnly(t *testing.T) {
	rule := &AccessRule{
		ID:        "r1",
		Kind:      KindBlacklist,
		Predicate: &IPPredicate{Match: MatchSingle, Address: "10.0.0.1"},
		Status:    StatusActive,
		Emergency: true,
	}
	if err := rule.Validate(); !IsValidation(err) {
		t.Fatalf("emergency blacklist should fail validation, got %v", err)
	}
	rule.Kind = KindWhitelist
	if err := rule.Validate(); err != nil {
		t.Fatalf("emergency whitelist should validate: %v", err)
	}
}

func TestRuleValidateTemporaryNeedsExpiry(t *testing.T) {
	rule := &AccessRule{
		ID:        "r1",
		Kind:      KindWhitelist,
		Predicate: &IPPredicate{Match: MatchSingle, Address: "10.0.0.1"},
		Status:    StatusActive,
		Temporary: true,
	}
	if err := rule.Validate(); !IsValidation(err) {
		t.Fatalf("temporary rule without expiry should fail, got %v", err)
	}
}

func TestRuleClampPriority(t *testing.T) {
	r := &AccessRule{Priority: 5000}
	r.ClampPriority()
	if r.Priority != MaxPriority {
		t.Fatalf("expected clamp to %d, got %d", MaxPriority, r.Priority)
	}
	r.Priority = -3
	r.ClampPriority()
	if r.Priority != MinPriority {
		t.Fatalf("expected clamp to %d, got %d", MinPriority, r.Priority)
	}
}

func TestRuleIsCurrentlyValid(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	base := func() *AccessRule {
		return &AccessRule{
			ID:        "r1",
			Kind:      KindWhitelist,
			Predicate: &IPPredicate{Match: MatchSingle, Address: "10.0.0.1"},
			Status:    StatusActive,
			Active:    true,
		}
	}

	if !base().IsCurrentlyValid(now) {
		t.Fatalf("plain active rule should be valid")
	}

	r := base()
	r.Active = false
	if r.IsCurrentlyValid(now) {
		t.Fatalf("inactive rule valid")
	}

	r = base()
	r.Status = StatusSuspended
	if r.IsCurrentlyValid(now) {
		t.Fatalf("suspended rule valid")
	}

	r = base()
	r.ValidFrom = &future
	if r.IsCurrentlyValid(now) {
		t.Fatalf("not-yet-valid rule valid")
	}

	r = base()
	r.ValidUntil = &past
	if r.IsCurrentlyValid(now) {
		t.Fatalf("lapsed rule valid")
	}

	r = base()
	r.ExpiresAt = &past
	if r.IsCurrentlyValid(now) {
		t.Fatalf("expired rule valid")
	}

	r = base()
	r.RequiresApproval = true
	if r.IsCurrentlyValid(now) {
		t.Fatalf("unapproved rule valid")
	}
	r.ApprovedBy = "admin-1"
	if !r.IsCurrentlyValid(now) {
		t.Fatalf("approved rule should be valid")
	}

	// boundaries are inclusive
	r = base()
	r.ValidFrom = &now
	r.ValidUntil = &now
	if !r.IsCurrentlyValid(now) {
		t.Fatalf("window boundaries should be inclusive")
	}
}

func TestDiffRuleFields(t *testing.T) {
	before := &AccessRule{
		ID:        "r1",
		Name:      "old",
		Kind:      KindWhitelist,
		Predicate: &IPPredicate{Match: MatchSingle, Address: "10.0.0.1"},
		Priority:  100,
	}
	after := before.Clone()
	after.Name = "new"
	after.Priority = 900

	changed := diffRuleFields(before, after)
	if !containsString(changed, "name") || !containsString(changed, "priority") {
		t.Fatalf("expected name and priority, got %+v", changed)
	}
	if containsString(changed, "id") {
		t.Fatalf("unchanged field reported: %+v", changed)
	}
}
