package sched

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gatekeeper/pkg/proto"
)

func items(specs ...Item) []Item {
	return specs
}

func item(id, tenant string, p proto.Priority) Item {
	return Item{ID: id, Tenant: tenant, Priority: p, EnqueuedAt: time.Now()}
}

func TestWeightedSelectionRatio(t *testing.T) {
	s := NewPriorityScheduler(map[proto.Priority]int{
		proto.PriorityP0: 5,
		proto.PriorityP1: 1,
	})

	// Both classes always have pending work; over a full refill cycle
	// the pick ratio matches the weights exactly.
	snapshot := items(
		item("a", "t1", proto.PriorityP0),
		item("b", "t1", proto.PriorityP1),
	)

	counts := map[proto.Priority]int{}
	for i := 0; i < 60; i++ {
		picked, ok := s.Pick(snapshot)
		require.True(t, ok)
		s.Commit(snapshot, picked)
		counts[picked.Priority]++
	}

	assert.Equal(t, 50, counts[proto.PriorityP0])
	assert.Equal(t, 10, counts[proto.PriorityP1])
}

func TestZeroWeightOnlyServedAlone(t *testing.T) {
	s := NewPriorityScheduler(map[proto.Priority]int{
		proto.PriorityP0: 1,
		proto.PriorityP3: 0,
	})

	both := items(
		item("a", "t1", proto.PriorityP0),
		item("b", "t1", proto.PriorityP3),
	)
	for i := 0; i < 10; i++ {
		picked, ok := s.Pick(both)
		require.True(t, ok)
		assert.Equal(t, proto.PriorityP0, picked.Priority,
			"zero-weight class must not be served while positive-weight work is pending")
		s.Commit(both, picked)
	}

	// Alone, the zero-weight class still gets its starvation floor.
	alone := items(item("b", "t1", proto.PriorityP3))
	picked, ok := s.Pick(alone)
	require.True(t, ok)
	assert.Equal(t, proto.PriorityP3, picked.Priority)
}

func TestTenantRoundRobinWithinClass(t *testing.T) {
	s := NewPriorityScheduler(map[proto.Priority]int{proto.PriorityP0: 1})

	base := time.Now()
	snapshot := items(
		Item{ID: "a1", Tenant: "alice", Priority: proto.PriorityP0, EnqueuedAt: base},
		Item{ID: "a2", Tenant: "alice", Priority: proto.PriorityP0, EnqueuedAt: base.Add(time.Millisecond)},
		Item{ID: "b1", Tenant: "bob", Priority: proto.PriorityP0, EnqueuedAt: base.Add(2 * time.Millisecond)},
	)

	first, ok := s.Pick(snapshot)
	require.True(t, ok)
	assert.Equal(t, "a1", first.ID, "oldest item of the lexically first never-served tenant")
	s.Commit(snapshot, first)

	second, ok := s.Pick(snapshot[1:])
	require.True(t, ok)
	assert.Equal(t, "b1", second.ID, "bob was served less recently than alice")
	s.Commit(snapshot[1:], second)

	third, ok := s.Pick(snapshot[1:2])
	require.True(t, ok)
	assert.Equal(t, "a2", third.ID)
}

func TestPickIsSideEffectFree(t *testing.T) {
	s := NewPriorityScheduler(map[proto.Priority]int{
		proto.PriorityP0: 2,
		proto.PriorityP1: 1,
	})
	snapshot := items(
		item("a", "t1", proto.PriorityP0),
		item("b", "t2", proto.PriorityP1),
	)

	first, ok := s.Pick(snapshot)
	require.True(t, ok)
	for i := 0; i < 5; i++ {
		again, ok := s.Pick(snapshot)
		require.True(t, ok)
		assert.Equal(t, first.ID, again.ID, "repeated picks without commit must agree")
	}
}

func TestOrderReportsPreference(t *testing.T) {
	s := NewPriorityScheduler(map[proto.Priority]int{
		proto.PriorityP0: 5,
		proto.PriorityP1: 1,
	})
	snapshot := items(
		item("a", "t1", proto.PriorityP0),
		item("b", "t1", proto.PriorityP1),
	)

	order := s.Order(snapshot)
	require.Equal(t, []proto.Priority{proto.PriorityP0, proto.PriorityP1}, order)

	// Order does not consume credits.
	order = s.Order(snapshot)
	assert.Equal(t, []proto.Priority{proto.PriorityP0, proto.PriorityP1}, order)

	assert.Nil(t, s.Order(nil))
}

func TestEmptySnapshot(t *testing.T) {
	s := NewPriorityScheduler(nil)
	_, ok := s.Pick(nil)
	assert.False(t, ok)
}

func TestResetClearsCredits(t *testing.T) {
	s := NewPriorityScheduler(map[proto.Priority]int{proto.PriorityP0: 3})
	snapshot := items(item("a", "t1", proto.PriorityP0))

	picked, _ := s.Pick(snapshot)
	s.Commit(snapshot, picked)
	require.NotEmpty(t, s.Credits())

	s.Reset()
	assert.Empty(t, s.Credits())
}
