// Package fallback resolves ordered fallback chains for a primary
// dispatch target. A chain entry is either an alternate model or a
// synthetic short-response used for cheap canned degradation.
package fallback

import (
	"fmt"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	"gatekeeper/pkg/proto"
)

// Kind discriminates the fallback target union.
type Kind string

const (
	// KindModel redirects the request to an alternate model.
	KindModel Kind = "model"
	// KindShortResponse resolves the request immediately with a literal
	// text, without invoking any model.
	KindShortResponse Kind = "short-response"
)

// Target is one entry in a fallback chain.
type Target struct {
	Kind  Kind   `json:"kind" yaml:"kind"`
	Model string `json:"model,omitempty" yaml:"model,omitempty"`
	Text  string `json:"text,omitempty" yaml:"text,omitempty"`
}

// ModelRef creates a model fallback target.
func ModelRef(model string) Target {
	return Target{Kind: KindModel, Model: model}
}

// ShortResponse creates a short-response fallback target.
func ShortResponse(text string) Target {
	return Target{Kind: KindShortResponse, Text: text}
}

// Validate checks the target is a well-formed union member.
func (t Target) Validate() error {
	switch t.Kind {
	case KindModel:
		if t.Model == "" {
			return fmt.Errorf("model fallback target requires a model name")
		}
	case KindShortResponse:
		if t.Text == "" {
			return fmt.Errorf("short-response fallback target requires text")
		}
	default:
		return fmt.Errorf("unknown fallback target kind %q", t.Kind)
	}
	return nil
}

func (t Target) String() string {
	if t.Kind == KindShortResponse {
		return "short-response"
	}
	return t.Model
}

// UnmarshalJSON accepts either a bare model name string or a tagged
// object with an explicit kind.
func (t *Target) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*t = ModelRef(s)
		return nil
	}
	type alias Target
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return fmt.Errorf("fallback target must be a model name or tagged object: %w", err)
	}
	if a.Kind == "" && a.Model != "" {
		a.Kind = KindModel
	}
	*t = Target(a)
	return t.Validate()
}

// UnmarshalYAML mirrors the JSON forms for YAML config files.
func (t *Target) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		var s string
		if err := value.Decode(&s); err != nil {
			return fmt.Errorf("decoding fallback target: %w", err)
		}
		*t = ModelRef(s)
		return nil
	}
	type alias Target
	var a alias
	if err := value.Decode(&a); err != nil {
		return fmt.Errorf("decoding fallback target: %w", err)
	}
	if a.Kind == "" && a.Model != "" {
		a.Kind = KindModel
	}
	*t = Target(a)
	return t.Validate()
}

// Resolver maps a primary dispatch key to its ordered fallback chain.
// Chains are read-only after construction.
type Resolver struct {
	chains map[string][]Target
}

// NewResolver creates a resolver over configured chains. Chains may be
// keyed by model name or by any of the metadata lookup keys.
func NewResolver(chains map[string][]Target) *Resolver {
	cp := make(map[string][]Target, len(chains))
	for k, v := range chains {
		targets := make([]Target, len(v))
		copy(targets, v)
		cp[k] = targets
	}
	return &Resolver{chains: cp}
}

// Resolve returns the fallback chain for md, or nil when none is
// configured.
func (r *Resolver) Resolve(md proto.Metadata) []Target {
	if chain, ok := r.chains[md.Model]; ok {
		return chain
	}
	for _, key := range md.LookupKeys() {
		if chain, ok := r.chains[key]; ok {
			return chain
		}
	}
	return nil
}

// Next returns the idx-th target in md's chain, false when the chain is
// exhausted or absent.
func (r *Resolver) Next(md proto.Metadata, idx int) (Target, bool) {
	chain := r.Resolve(md)
	if idx < 0 || idx >= len(chain) {
		return Target{}, false
	}
	return chain[idx], true
}
