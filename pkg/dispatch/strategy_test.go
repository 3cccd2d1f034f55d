package dispatch

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStaticStrategy(t *testing.T) {
	var s AdaptiveStrategy = StaticStrategy{}
	assert.Equal(t, 8, s.EffectiveLimit(8))
	s.ObserveSettlement(time.Second, nil)
	assert.Equal(t, 8, s.EffectiveLimit(8))
}

func TestAIMDStrategy(t *testing.T) {
	s := NewAIMDStrategy(4)
	assert.Equal(t, 4, s.EffectiveLimit(8))

	// Additive increase on success.
	s.ObserveSettlement(time.Second, nil)
	s.ObserveSettlement(time.Second, nil)
	assert.Equal(t, 6, s.EffectiveLimit(8))

	// The configured ceiling still binds.
	for i := 0; i < 10; i++ {
		s.ObserveSettlement(time.Second, nil)
	}
	assert.Equal(t, 8, s.EffectiveLimit(8))

	// Multiplicative decrease on failure, floored at 1.
	s.ObserveSettlement(time.Second, errors.New("boom"))
	assert.Equal(t, 8, s.EffectiveLimit(16))
	for i := 0; i < 10; i++ {
		s.ObserveSettlement(time.Second, errors.New("boom"))
	}
	assert.Equal(t, 1, s.EffectiveLimit(8))
}
