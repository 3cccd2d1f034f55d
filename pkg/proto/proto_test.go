package proto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriorityOrdinal(t *testing.T) {
	assert.Equal(t, 0, PriorityP0.Ordinal())
	assert.Equal(t, 3, PriorityP3.Ordinal())
	assert.Equal(t, 7, Priority("P7").Ordinal())
	assert.False(t, Priority("high").Valid())
	assert.False(t, Priority("").Valid())
}

func TestParsePriority(t *testing.T) {
	p, err := ParsePriority(" p1 ")
	require.NoError(t, err)
	assert.Equal(t, PriorityP1, p)

	_, err = ParsePriority("urgent")
	assert.Error(t, err)
}

func TestMetadataKeys(t *testing.T) {
	md := Metadata{Provider: "anthropic", Model: "claude-sonnet", TaskType: "chat"}

	assert.Equal(t, "anthropic::claude-sonnet::taskType=chat", md.CircuitKey())
	assert.Equal(t, "anthropic::claude-sonnet::chat", md.RateKey())
	assert.Equal(t, []string{
		"anthropic::claude-sonnet::chat",
		"anthropic::claude-sonnet",
		"anthropic",
	}, md.LookupKeys())
}

func TestMetadataValidate(t *testing.T) {
	require.NoError(t, Metadata{Provider: "openai", Model: "gpt-4o", TaskType: "chat"}.Validate())

	assert.Error(t, Metadata{Provider: "openai"}.Validate())
	assert.Error(t, Metadata{Provider: "a::b", Model: "m", TaskType: "t"}.Validate())
}
