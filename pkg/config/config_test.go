package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gatekeeper/pkg/fallback"
	"gatekeeper/pkg/limiter"
	"gatekeeper/pkg/proto"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "gatekeeper.yaml", `
max_concurrent: 8
max_concurrent_per_tenant: 2
priority_weights:
  P0: 5
  P1: 1
rate_limits:
  openai::gpt-4o::chat:
    requests_per_minute: 60
    tokens_per_minute: 90000
    burst_size: 10
fallback_chains:
  gpt-4o:
    - gpt-4o-mini
    - kind: short-response
      text: degraded
fallback_policy:
  default_policy_id: default
  policies:
    default:
      mode: wait
circuit:
  failure_threshold: 5
  cooldown_ms: 30000
  probe_interval_ms: 5000
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.MaxConcurrent)
	assert.Equal(t, 2, cfg.MaxConcurrentPerTenant)
	assert.Equal(t, 5, cfg.PriorityWeights[proto.PriorityP0])
	assert.Equal(t, limiter.Limit{RequestsPerMinute: 60, TokensPerMinute: 90000, BurstSize: 10},
		cfg.RateLimits["openai::gpt-4o::chat"])

	chain := cfg.FallbackChains["gpt-4o"]
	require.Len(t, chain, 2)
	assert.Equal(t, fallback.ModelRef("gpt-4o-mini"), chain[0])
	assert.Equal(t, fallback.ShortResponse("degraded"), chain[1])

	assert.Equal(t, PolicyWait, cfg.PolicyModeFor(""))

	cc := cfg.Circuit.ToCircuitConfig()
	assert.Equal(t, 5, cc.FailureThreshold)
	assert.Equal(t, 30*time.Second, cc.Cooldown)
	assert.Equal(t, 5*time.Second, cc.ProbeInterval)
}

func TestLoadJSON(t *testing.T) {
	path := writeConfig(t, "gatekeeper.json", `{
  "max_concurrent": 4,
  "fallback_chains": {"gpt-4o": ["gpt-4o-mini"]}
}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.MaxConcurrent)
	assert.Equal(t, fallback.ModelRef("gpt-4o-mini"), cfg.FallbackChains["gpt-4o"][0])
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	path := writeConfig(t, "bad.yaml", "max_concurrent: 0\n")
	_, err := Load(path)
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() *Config { return &Config{MaxConcurrent: 1} }

	require.NoError(t, base().Validate())

	cfg := base()
	cfg.MaxConcurrentPerTenant = -1
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.PriorityWeights = map[proto.Priority]int{"high": 1}
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.PriorityWeights = map[proto.Priority]int{proto.PriorityP0: -1}
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.RateLimits = map[string]limiter.Limit{"k": {RequestsPerMinute: -1}}
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.FallbackChains = map[string][]fallback.Target{"k": {{Kind: "bogus"}}}
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.FallbackPolicy = &FallbackPolicy{
		DefaultPolicyID: "missing",
		Policies:        map[string]Policy{"other": {Mode: PolicyReject}},
	}
	assert.Error(t, cfg.Validate())
}

func TestPolicyModeFor(t *testing.T) {
	cfg := &Config{MaxConcurrent: 1}
	assert.Equal(t, PolicyReject, cfg.PolicyModeFor("anything"))

	cfg.FallbackPolicy = &FallbackPolicy{
		DefaultPolicyID: "default",
		Policies: map[string]Policy{
			"default":  {Mode: PolicyReject},
			"patient":  {Mode: PolicyWait},
			"modeless": {},
		},
	}
	assert.Equal(t, PolicyReject, cfg.PolicyModeFor(""))
	assert.Equal(t, PolicyWait, cfg.PolicyModeFor("patient"))
	assert.Equal(t, PolicyReject, cfg.PolicyModeFor("modeless"))
	assert.Equal(t, PolicyReject, cfg.PolicyModeFor("unknown"))
}
