package netguard

import (
	"errors"
	"fmt"
)

// ErrCacheMiss is returned by DistributedCache implementations when a key
// is absent. The tiered cache treats it as a normal fall-through, not a failure.
var ErrCacheMiss = errors.New("netguard: cache miss")

// ValidationError reports a malformed rule field. It is raised at write time
// so that invalid rules never reach evaluation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid rule field %q: %s", e.Field, e.Reason)
}

// NotFoundError reports a mutation against a rule that does not exist.
type NotFoundError struct {
	RuleID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("rule not found: %s", e.RuleID)
}

// PermissionError reports a tenant-scope violation: a non-platform actor
// touching a global rule or another tenant's rule.
type PermissionError struct {
	ActorID  string
	TenantID string
	RuleID   string
}

func (e *PermissionError) Error() string {
	if e.RuleID == "" {
		return fmt.Sprintf("actor %s (tenant %s) is not permitted for this scope", e.ActorID, e.TenantID)
	}
	return fmt.Sprintf("actor %s (tenant %s) is not permitted to modify rule %s", e.ActorID, e.TenantID, e.RuleID)
}

// TransientError wraps a cache or persistence failure that the caller may
// retry. The engine retries once at a tier boundary and then degrades; it
// never surfaces a TransientError from the evaluation path.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure during %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// ConfigError reports malformed configuration (bad trusted-proxy CIDR,
// unknown default policy). It is raised at load time, never at request time.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config %q: %s", e.Field, e.Reason)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsPermission reports whether err is a PermissionError.
func IsPermission(err error) bool {
	var pe *PermissionError
	return errors.As(err, &pe)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
