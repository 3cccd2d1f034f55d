package limiter

import (
	"fmt"

	"github.com/tiktoken-go/tokenizer"
)

// DefaultRequestTokens is charged against a TPM budget when neither the
// request nor an estimator provides a better number.
const DefaultRequestTokens = 100

// TokenEstimator estimates the upstream token cost of a prompt, used to
// charge TPM budgets ahead of dispatch.
type TokenEstimator interface {
	EstimateTokens(text string) int
}

// TiktokenEstimator counts tokens with the GPT-4 encoding. Claude and
// other providers tokenize similarly enough for budget estimation.
type TiktokenEstimator struct {
	codec tokenizer.Codec
}

// NewTiktokenEstimator creates a tiktoken-backed estimator.
func NewTiktokenEstimator() (*TiktokenEstimator, error) {
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokenizer codec: %w", err)
	}
	return &TiktokenEstimator{codec: codec}, nil
}

// EstimateTokens returns the number of tokens in the given text,
// falling back to character-based estimation (4 chars per token) if the
// codec is unavailable.
func (te *TiktokenEstimator) EstimateTokens(text string) int {
	if te == nil || te.codec == nil {
		return len(text) / 4
	}
	count, err := te.codec.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return count
}
