package dispatch

import "time"

// AdaptiveStrategy adjusts the effective global concurrency limit from
// observed settlements. The controller consults it on every admission
// pass; implementations must be safe for that single-goroutine use but
// need no internal locking beyond their own.
type AdaptiveStrategy interface {
	// EffectiveLimit returns the in-flight bound to enforce now, given
	// the configured ceiling. Results are clamped to [1, configured].
	EffectiveLimit(configured int) int
	// ObserveSettlement feeds one settled execute back into the
	// strategy.
	ObserveSettlement(latency time.Duration, err error)
}

// StaticStrategy always enforces the configured limit.
type StaticStrategy struct{}

func (StaticStrategy) EffectiveLimit(configured int) int      { return configured }
func (StaticStrategy) ObserveSettlement(time.Duration, error) {}

// AIMDStrategy is an additive-increase multiplicative-decrease
// concurrency strategy: each successful settlement nudges the limit up
// by one, each failed settlement halves it.
type AIMDStrategy struct {
	limit int
}

// NewAIMDStrategy creates an AIMD strategy starting at the given limit.
func NewAIMDStrategy(initial int) *AIMDStrategy {
	if initial < 1 {
		initial = 1
	}
	return &AIMDStrategy{limit: initial}
}

// EffectiveLimit returns the current adaptive limit.
func (s *AIMDStrategy) EffectiveLimit(configured int) int {
	if s.limit > configured {
		return configured
	}
	if s.limit < 1 {
		return 1
	}
	return s.limit
}

// ObserveSettlement adjusts the limit from one settlement outcome.
func (s *AIMDStrategy) ObserveSettlement(_ time.Duration, err error) {
	if err == nil {
		s.limit++
		return
	}
	s.limit /= 2
	if s.limit < 1 {
		s.limit = 1
	}
}
