package fallback

import (
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"gatekeeper/pkg/proto"
)

func TestUnmarshalBareModelName(t *testing.T) {
	var target Target
	require.NoError(t, json.Unmarshal([]byte(`"gpt-4o-mini"`), &target))
	assert.Equal(t, KindModel, target.Kind)
	assert.Equal(t, "gpt-4o-mini", target.Model)
}

func TestUnmarshalTaggedTargets(t *testing.T) {
	var target Target
	require.NoError(t, json.Unmarshal([]byte(`{"kind":"short-response","text":"hi-from-fallback"}`), &target))
	assert.Equal(t, KindShortResponse, target.Kind)
	assert.Equal(t, "hi-from-fallback", target.Text)

	// Kind is inferred when only a model is present.
	require.NoError(t, json.Unmarshal([]byte(`{"model":"claude-haiku"}`), &target))
	assert.Equal(t, KindModel, target.Kind)
	assert.Equal(t, "claude-haiku", target.Model)
}

func TestUnmarshalRejectsMalformedTargets(t *testing.T) {
	var target Target
	assert.Error(t, json.Unmarshal([]byte(`{"kind":"short-response"}`), &target))
	assert.Error(t, json.Unmarshal([]byte(`{"kind":"teleport","model":"x"}`), &target))
}

func TestUnmarshalYAMLChain(t *testing.T) {
	raw := `
chains:
  gpt-4o:
    - gpt-4o-mini
    - kind: short-response
      text: service degraded
`
	var doc struct {
		Chains map[string][]Target `yaml:"chains"`
	}
	require.NoError(t, yaml.Unmarshal([]byte(raw), &doc))

	chain := doc.Chains["gpt-4o"]
	require.Len(t, chain, 2)
	assert.Equal(t, ModelRef("gpt-4o-mini"), chain[0])
	assert.Equal(t, ShortResponse("service degraded"), chain[1])
}

func TestValidate(t *testing.T) {
	assert.NoError(t, ModelRef("m").Validate())
	assert.NoError(t, ShortResponse("text").Validate())
	assert.Error(t, Target{Kind: KindModel}.Validate())
	assert.Error(t, Target{Kind: KindShortResponse}.Validate())
	assert.Error(t, Target{Kind: "other"}.Validate())
}

func TestResolverLookup(t *testing.T) {
	md := proto.Metadata{Provider: "openai", Model: "gpt-4o", TaskType: "chat"}
	r := NewResolver(map[string][]Target{
		"gpt-4o": {ModelRef("gpt-4o-mini")},
		"openai": {ShortResponse("provider degraded")},
	})

	// The model name wins over broader metadata keys.
	chain := r.Resolve(md)
	require.Len(t, chain, 1)
	assert.Equal(t, "gpt-4o-mini", chain[0].Model)

	other := proto.Metadata{Provider: "openai", Model: "gpt-3.5", TaskType: "chat"}
	chain = r.Resolve(other)
	require.Len(t, chain, 1)
	assert.Equal(t, KindShortResponse, chain[0].Kind)

	assert.Nil(t, r.Resolve(proto.Metadata{Provider: "other", Model: "m", TaskType: "t"}))
}

func TestResolverNext(t *testing.T) {
	md := proto.Metadata{Provider: "openai", Model: "gpt-4o", TaskType: "chat"}
	r := NewResolver(map[string][]Target{
		"gpt-4o": {ModelRef("a"), ModelRef("b")},
	})

	first, ok := r.Next(md, 0)
	require.True(t, ok)
	assert.Equal(t, "a", first.Model)

	second, ok := r.Next(md, 1)
	require.True(t, ok)
	assert.Equal(t, "b", second.Model)

	_, ok = r.Next(md, 2)
	assert.False(t, ok)
}
