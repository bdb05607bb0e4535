package netguard

import "time"

// ============================================================================
// RULE MATCHING
// ============================================================================

// GeoLocation is the resolved geography of a client IP.
type GeoLocation struct {
	Country  string `json:"country,omitempty"`
	Region   string `json:"region,omitempty"`
	City     string `json:"city,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

// RequestContext carries everything a single decision needs. Geo is nil when
// lookup failed or was skipped; matching treats that as unknown geography.
type RequestContext struct {
	IP        string
	UserID    string
	Roles     []string
	ProjectID string
	TenantID  string
	Geo       *GeoLocation
	Now       time.Time
}

// RuleMatcher evaluates one candidate rule against a request context. It is
// stateless and safe for concurrent use.
type RuleMatcher struct{}

// Matches reports whether rule applies to ctx. Checks short-circuit in a
// fixed order: identity, roles, project, then the kind-specific predicate.
func (RuleMatcher) Matches(rule *AccessRule, ctx *RequestContext) bool {
	if rule == nil || ctx == nil {
		return false
	}

	if rule.Kind == KindUserSpecific {
		p, ok := rule.Predicate.(*UserPredicate)
		if !ok || ctx.UserID == "" || p.UserID != ctx.UserID {
			return false
		}
	}

	if rule.Kind == KindRoleBased {
		p, ok := rule.Predicate.(*RolePredicate)
		if !ok || !intersects(p.Roles, ctx.Roles) {
			return false
		}
	}

	if len(rule.AllowedProjects) > 0 && ctx.ProjectID != "" {
		if !containsString(rule.AllowedProjects, ctx.ProjectID) {
			return false
		}
	}

	switch rule.Kind {
	case KindWhitelist, KindBlacklist:
		p, ok := rule.Predicate.(*IPPredicate)
		if !ok || !MatchIP(p, ctx.IP) {
			return false
		}
	case KindGeographic:
		p, ok := rule.Predicate.(*GeoPredicate)
		if !ok || !matchGeo(p, ctx.Geo) {
			return false
		}
	case KindTimeBased:
		p, ok := rule.Predicate.(*TimePredicate)
		if !ok || !matchTime(p, ctx.Now) {
			return false
		}
	}

	return true
}

// matchGeo requires every non-empty rule field to equal the corresponding
// request field; empty rule fields are wildcards. Unknown geography never
// satisfies a constrained field.
func matchGeo(p *GeoPredicate, geo *GeoLocation) bool {
	if geo == nil {
		return p.Country == "" && p.Region == "" && p.City == ""
	}
	if p.Country != "" && p.Country != geo.Country {
		return false
	}
	if p.Region != "" && p.Region != geo.Region {
		return false
	}
	if p.City != "" && p.City != geo.City {
		return false
	}
	return true
}

// matchTime checks the inclusive minute-of-day window and, when the rule
// sets them, the allowed weekdays.
func matchTime(p *TimePredicate, now time.Time) bool {
	start, err1 := minuteOfDay(p.Start)
	end, err2 := minuteOfDay(p.End)
	if err1 != nil || err2 != nil {
		return false
	}
	minute := now.Hour()*60 + now.Minute()
	if minute < start || minute > end {
		return false
	}
	if len(p.Days) > 0 {
		day := int(now.Weekday())
		found := false
		for _, d := range p.Days {
			if d == day {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func intersects(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
