// Package config provides configuration loading and validation for the
// traffic controller. Configuration is strictly separated from runtime
// state: bucket levels, circuit states, and credit counters never
// appear here.
package config

import (
	"fmt"
	"time"

	"gatekeeper/pkg/circuit"
	"gatekeeper/pkg/fallback"
	"gatekeeper/pkg/limiter"
	"gatekeeper/pkg/proto"
)

// PolicyMode selects how callers blocked by an open circuit behave.
type PolicyMode string

const (
	// PolicyReject fails blocked callers immediately with a
	// CircuitBreakerOpenError carrying the retry-after.
	PolicyReject PolicyMode = "reject"
	// PolicyWait holds blocked callers until the breaker would admit a
	// trial or normal dispatch, bounded by their own queue timeout.
	PolicyWait PolicyMode = "wait"
)

// Policy is one named fallback policy.
type Policy struct {
	Mode PolicyMode `json:"mode" yaml:"mode"`
}

// FallbackPolicy names the default policy and the set of selectable
// policies.
type FallbackPolicy struct {
	DefaultPolicyID string            `json:"default_policy_id" yaml:"default_policy_id"`
	Policies        map[string]Policy `json:"policies" yaml:"policies"`
}

// CircuitSettings carries circuit breaker tunables in file-friendly
// millisecond units.
type CircuitSettings struct {
	FailureThreshold int `json:"failure_threshold" yaml:"failure_threshold"`
	CooldownMs       int `json:"cooldown_ms" yaml:"cooldown_ms"`
	ProbeIntervalMs  int `json:"probe_interval_ms" yaml:"probe_interval_ms"`
}

// ToCircuitConfig converts the settings to the circuit package config,
// applying defaults for unset fields.
func (cs CircuitSettings) ToCircuitConfig() circuit.Config {
	cfg := circuit.DefaultConfig
	if cs.FailureThreshold > 0 {
		cfg.FailureThreshold = cs.FailureThreshold
	}
	if cs.CooldownMs > 0 {
		cfg.Cooldown = time.Duration(cs.CooldownMs) * time.Millisecond
	}
	if cs.ProbeIntervalMs > 0 {
		cfg.ProbeInterval = time.Duration(cs.ProbeIntervalMs) * time.Millisecond
	}
	return cfg
}

// Config is the constructor input for a traffic controller.
type Config struct {
	// MaxConcurrent bounds global in-flight execute callbacks.
	MaxConcurrent int `json:"max_concurrent" yaml:"max_concurrent"`
	// MaxConcurrentPerTenant bounds a single tenant's in-flight
	// requests independent of the global cap. 0 means unbounded.
	MaxConcurrentPerTenant int `json:"max_concurrent_per_tenant" yaml:"max_concurrent_per_tenant"`
	// PriorityWeights seeds the credit-based weighted scheduler.
	PriorityWeights map[proto.Priority]int `json:"priority_weights" yaml:"priority_weights"`
	// RateLimits configures token buckets, keyed by provider,
	// provider::model, or provider::model::taskType.
	RateLimits map[string]limiter.Limit `json:"rate_limits" yaml:"rate_limits"`
	// FallbackChains maps a primary model (or metadata key) to its
	// ordered fallback targets.
	FallbackChains map[string][]fallback.Target `json:"fallback_chains" yaml:"fallback_chains"`
	// FallbackPolicy selects reject vs wait behavior for circuit-open
	// callers. Nil means reject.
	FallbackPolicy *FallbackPolicy `json:"fallback_policy" yaml:"fallback_policy"`
	// Circuit carries breaker tunables.
	Circuit CircuitSettings `json:"circuit" yaml:"circuit"`
	// EventLogPath enables the JSONL admission audit log when set.
	EventLogPath string `json:"event_log_path,omitempty" yaml:"event_log_path,omitempty"`
}

// PolicyModeFor resolves the mode of the given policy id, falling back
// to the default policy, then to reject.
func (c *Config) PolicyModeFor(policyID string) PolicyMode {
	if c.FallbackPolicy == nil {
		return PolicyReject
	}
	if policyID == "" {
		policyID = c.FallbackPolicy.DefaultPolicyID
	}
	if p, ok := c.FallbackPolicy.Policies[policyID]; ok && p.Mode != "" {
		return p.Mode
	}
	return PolicyReject
}

// Validate rejects configurations the controller cannot run with.
func (c *Config) Validate() error {
	if c.MaxConcurrent <= 0 {
		return fmt.Errorf("max_concurrent must be positive, got %d", c.MaxConcurrent)
	}
	if c.MaxConcurrentPerTenant < 0 {
		return fmt.Errorf("max_concurrent_per_tenant must not be negative, got %d", c.MaxConcurrentPerTenant)
	}
	for p, w := range c.PriorityWeights {
		if !p.Valid() {
			return fmt.Errorf("invalid priority %q in priority_weights", p)
		}
		if w < 0 {
			return fmt.Errorf("priority weight for %s must not be negative, got %d", p, w)
		}
	}
	for key, lim := range c.RateLimits {
		if lim.RequestsPerMinute < 0 || lim.TokensPerMinute < 0 || lim.BurstSize < 0 {
			return fmt.Errorf("rate limit for %q must not carry negative values", key)
		}
	}
	for key, chain := range c.FallbackChains {
		for i, target := range chain {
			if err := target.Validate(); err != nil {
				return fmt.Errorf("fallback chain %q entry %d: %w", key, i, err)
			}
		}
	}
	if c.FallbackPolicy != nil {
		for id, p := range c.FallbackPolicy.Policies {
			if p.Mode != PolicyReject && p.Mode != PolicyWait {
				return fmt.Errorf("fallback policy %q has unknown mode %q", id, p.Mode)
			}
		}
		if c.FallbackPolicy.DefaultPolicyID != "" {
			if _, ok := c.FallbackPolicy.Policies[c.FallbackPolicy.DefaultPolicyID]; !ok {
				return fmt.Errorf("default fallback policy %q is not defined", c.FallbackPolicy.DefaultPolicyID)
			}
		}
	}
	return nil
}
