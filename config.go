package netguard

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete engine configuration.
type Config struct {
	// Enabled gates the whole subsystem; when false every request is
	// allowed with reason "disabled".
	Enabled bool `json:"enabled" yaml:"enabled"`
	// DefaultPolicy applies when no rule matches and on degraded failures.
	DefaultPolicy DefaultPolicy `json:"default_policy" yaml:"default_policy"`
	// EmergencyAccess enables the emergency whitelist pass.
	EmergencyAccess bool `json:"emergency_access" yaml:"emergency_access"`
	// TrustedProxies lists CIDRs whose forwarding headers are honored.
	TrustedProxies []string `json:"trusted_proxies" yaml:"trusted_proxies"`
	// Namespace prefixes every distributed cache key for this deployment.
	Namespace string `json:"namespace" yaml:"namespace"`

	Engine EngineConfig `json:"engine" yaml:"engine"`
}

// EngineConfig tunes caching, timeouts and background workers.
type EngineConfig struct {
	LocalCacheTTL       int64 `json:"local_cache_ttl_ms" yaml:"local_cache_ttl_ms"`
	DistributedCacheTTL int64 `json:"distributed_cache_ttl_ms" yaml:"distributed_cache_ttl_ms"`
	CollaboratorTimeout int64 `json:"collaborator_timeout_ms" yaml:"collaborator_timeout_ms"`
	SweepInterval       int64 `json:"sweep_interval_ms" yaml:"sweep_interval_ms"`
	HitBuffer           int   `json:"hit_buffer" yaml:"hit_buffer"`
	AuditBuffer         int   `json:"audit_buffer" yaml:"audit_buffer"`
	RistrettoNumCounter int64 `json:"ristretto_num_counter" yaml:"ristretto_num_counter"`
	RistrettoMaxCost    int64 `json:"ristretto_max_cost" yaml:"ristretto_max_cost"`
	RistrettoBuffer     int64 `json:"ristretto_buffer" yaml:"ristretto_buffer"`
}

func (c EngineConfig) hitBuffer() int {
	if c.HitBuffer > 0 {
		return c.HitBuffer
	}
	return 1024
}

func (c EngineConfig) auditBuffer() int {
	if c.AuditBuffer > 0 {
		return c.AuditBuffer
	}
	return 1024
}

// LocalTTL returns the in-process cache TTL with its default.
func (c EngineConfig) LocalTTL() time.Duration {
	if c.LocalCacheTTL > 0 {
		return time.Duration(c.LocalCacheTTL) * time.Millisecond
	}
	return 5 * time.Second
}

// DistributedTTL returns the distributed cache TTL with its default.
func (c EngineConfig) DistributedTTL() time.Duration {
	if c.DistributedCacheTTL > 0 {
		return time.Duration(c.DistributedCacheTTL) * time.Millisecond
	}
	return 5 * time.Minute
}

// Timeout returns the per-call collaborator timeout with its default.
func (c EngineConfig) Timeout() time.Duration {
	if c.CollaboratorTimeout > 0 {
		return time.Duration(c.CollaboratorTimeout) * time.Millisecond
	}
	return 250 * time.Millisecond
}

// SweepEvery returns the expiry-sweep interval with its default (hourly).
func (c EngineConfig) SweepEvery() time.Duration {
	if c.SweepInterval > 0 {
		return time.Duration(c.SweepInterval) * time.Millisecond
	}
	return time.Hour
}

// CacheOptions derives cache tuning from the config.
func (c Config) CacheOptions() CacheOptions {
	return CacheOptions{
		Namespace:      c.Namespace,
		LocalTTL:       c.Engine.LocalTTL(),
		DistributedTTL: c.Engine.DistributedTTL(),
		Timeout:        c.Engine.Timeout(),
		NumCounters:    c.Engine.RistrettoNumCounter,
		MaxCost:        c.Engine.RistrettoMaxCost,
		BufferItems:    c.Engine.RistrettoBuffer,
	}
}

// Validate fails fast on malformed configuration. It is called at load
// time so that request-time code never sees bad proxy CIDRs or policies.
func (c *Config) Validate() error {
	switch c.DefaultPolicy {
	case PolicyAllow, PolicyDeny:
	case "":
		return &ConfigError{Field: "default_policy", Reason: "required (allow or deny)"}
	default:
		return &ConfigError{Field: "default_policy", Reason: fmt.Sprintf("unknown policy %q", c.DefaultPolicy)}
	}
	if _, err := ParseTrustedProxies(c.TrustedProxies); err != nil {
		return err
	}
	if c.Engine.LocalCacheTTL < 0 || c.Engine.DistributedCacheTTL < 0 || c.Engine.CollaboratorTimeout < 0 {
		return &ConfigError{Field: "engine", Reason: "TTLs and timeouts must not be negative"}
	}
	return nil
}

// ConfigLoader loads configuration from YAML or JSON.
type ConfigLoader struct{}

func NewConfigLoader() *ConfigLoader { return &ConfigLoader{} }

func (l *ConfigLoader) LoadYAML(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, &ConfigError{Field: "yaml", Reason: err.Error()}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (l *ConfigLoader) LoadJSON(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, &ConfigError{Field: "json", Reason: err.Error()}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ToYAML exports the config.
func (c *Config) ToYAML() ([]byte, error) { return yaml.Marshal(c) }

// ToJSON exports the config.
func (c *Config) ToJSON() ([]byte, error) { return json.MarshalIndent(c, "", "  ") }
