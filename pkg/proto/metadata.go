package proto

import (
	"fmt"
	"strings"
)

// Metadata identifies the upstream target of a request. Provider and
// Model name the endpoint; TaskType partitions traffic that shares an
// endpoint but has distinct failure and rate-limit behavior (e.g.
// "chat" vs "embedding").
type Metadata struct {
	Provider string `json:"provider" yaml:"provider"`
	Model    string `json:"model"    yaml:"model"`
	TaskType string `json:"task_type" yaml:"task_type"`
}

// CircuitKey returns the failure-isolation domain for this metadata.
// One breaker exists per circuit key.
func (m Metadata) CircuitKey() string {
	return fmt.Sprintf("%s::%s::taskType=%s", m.Provider, m.Model, m.TaskType)
}

// RateKey returns the token-bucket key for this metadata.
func (m Metadata) RateKey() string {
	return fmt.Sprintf("%s::%s::%s", m.Provider, m.Model, m.TaskType)
}

// LookupKeys returns the config lookup keys for this metadata, most
// specific first. Rate-limit and fallback configuration may be keyed at
// any of these granularities.
func (m Metadata) LookupKeys() []string {
	return []string{
		m.RateKey(),
		fmt.Sprintf("%s::%s", m.Provider, m.Model),
		m.Provider,
	}
}

func (m Metadata) String() string {
	return m.RateKey()
}

// Validate rejects metadata that would produce ambiguous keys.
func (m Metadata) Validate() error {
	for _, f := range []string{m.Provider, m.Model, m.TaskType} {
		if strings.Contains(f, "::") {
			return fmt.Errorf("metadata field %q must not contain %q", f, "::")
		}
	}
	if m.Provider == "" || m.Model == "" {
		return fmt.Errorf("metadata requires provider and model, got %q", m.String())
	}
	return nil
}
