// Package sched provides the admission scheduling primitives for the
// traffic controller: credit-based weighted priority selection with
// per-tenant round robin, and the single coalesced wakeup timer that
// drives the drain loop.
package sched

import (
	"sort"
	"sync"
	"time"

	"gatekeeper/pkg/proto"
)

// Item is the scheduler's view of one queued request.
type Item struct {
	ID         string
	Tenant     string
	Priority   proto.Priority
	EnqueuedAt time.Time
}

// PriorityScheduler selects the next request to consider for dispatch.
// Each priority class holds an integer credit seeded from its weight;
// the class with the most remaining credit wins, and credits refill
// when every class with pending work is exhausted. Within a class the
// oldest request of the least-recently-served tenant is chosen.
//
// Weight 0 means minimum starvation avoidance, not no service: a
// zero-weight class is only selected when no positive-weight class has
// pending work, but then receives one credit per refill cycle. The
// resulting ratios converge statistically, not exactly.
type PriorityScheduler struct {
	mu         sync.Mutex
	weights    map[proto.Priority]int
	credits    map[proto.Priority]int
	seq        int64
	lastServed map[proto.Priority]map[string]int64
}

// NewPriorityScheduler creates a scheduler from configured weights.
// Classes absent from the map default to weight 1.
func NewPriorityScheduler(weights map[proto.Priority]int) *PriorityScheduler {
	w := make(map[proto.Priority]int, len(weights))
	for p, n := range weights {
		if n < 0 {
			n = 0
		}
		w[p] = n
	}
	return &PriorityScheduler{
		weights:    w,
		credits:    make(map[proto.Priority]int),
		lastServed: make(map[proto.Priority]map[string]int64),
	}
}

func (s *PriorityScheduler) weightOf(p proto.Priority) int {
	if w, ok := s.weights[p]; ok {
		return w
	}
	return 1
}

// pool returns the priority classes to choose among: the classes with
// pending work and positive weight, or all pending classes when only
// zero-weight work remains.
func (s *PriorityScheduler) pool(pending map[proto.Priority][]Item) []proto.Priority {
	var positive, all []proto.Priority
	for p := range pending {
		all = append(all, p)
		if s.weightOf(p) > 0 {
			positive = append(positive, p)
		}
	}
	if len(positive) > 0 {
		return positive
	}
	return all
}

// effectiveCredits previews the credit each pool class would hold after
// a refill, without mutating state.
func (s *PriorityScheduler) effectiveCredits(pool []proto.Priority) map[proto.Priority]int {
	exhausted := true
	for _, p := range pool {
		if s.credits[p] > 0 {
			exhausted = false
			break
		}
	}
	eff := make(map[proto.Priority]int, len(pool))
	for _, p := range pool {
		if !exhausted {
			eff[p] = s.credits[p]
			continue
		}
		w := s.weightOf(p)
		if w == 0 {
			w = 1 // starvation floor: the pool is all zero-weight
		}
		eff[p] = w
	}
	return eff
}

// Pick selects the next candidate from snapshot without consuming
// credit; the caller commits the pick once the candidate actually
// dispatches. Returns false when the snapshot is empty.
func (s *PriorityScheduler) Pick(snapshot []Item) (Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending := groupByPriority(snapshot)
	if len(pending) == 0 {
		return Item{}, false
	}
	pool := s.pool(pending)
	eff := s.effectiveCredits(pool)

	chosen := pool[0]
	for _, p := range pool[1:] {
		if eff[p] > eff[chosen] ||
			(eff[p] == eff[chosen] && p.Ordinal() < chosen.Ordinal()) {
			chosen = p
		}
	}
	return s.pickTenant(chosen, pending[chosen]), true
}

// pickTenant chooses the oldest item of the least-recently-served
// tenant within a class. Caller holds s.mu.
func (s *PriorityScheduler) pickTenant(class proto.Priority, items []Item) Item {
	served := s.lastServed[class]
	best := items[0]
	bestSeq := servedSeq(served, best.Tenant)
	for _, it := range items[1:] {
		seq := servedSeq(served, it.Tenant)
		switch {
		case seq < bestSeq:
			best, bestSeq = it, seq
		case seq == bestSeq && it.Tenant == best.Tenant && it.EnqueuedAt.Before(best.EnqueuedAt):
			best = it
		case seq == bestSeq && it.Tenant != best.Tenant && it.Tenant < best.Tenant:
			// Deterministic tie-break between never-served tenants.
			best, bestSeq = it, seq
		}
	}
	return best
}

// Commit consumes the credit for a completed pick. The snapshot must be
// the one the pick was made from, so the refill decision matches.
func (s *PriorityScheduler) Commit(snapshot []Item, picked Item) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending := groupByPriority(snapshot)
	pool := s.pool(pending)

	exhausted := true
	for _, p := range pool {
		if s.credits[p] > 0 {
			exhausted = false
			break
		}
	}
	if exhausted {
		allZero := true
		for _, p := range pool {
			if s.weightOf(p) > 0 {
				allZero = false
				break
			}
		}
		for p := range s.weights {
			s.credits[p] = s.weights[p]
		}
		for _, p := range pool {
			if w := s.weightOf(p); w > 0 {
				s.credits[p] = w
			} else if allZero {
				s.credits[p] = 1
			}
		}
	}

	if s.credits[picked.Priority] > 0 {
		s.credits[picked.Priority]--
	}
	s.seq++
	if s.lastServed[picked.Priority] == nil {
		s.lastServed[picked.Priority] = make(map[string]int64)
	}
	s.lastServed[picked.Priority][picked.Tenant] = s.seq
}

// Order returns the current priority preference order for the given
// snapshot, without side effects. Used by the controller's dispatch
// order introspection.
func (s *PriorityScheduler) Order(snapshot []Item) []proto.Priority {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending := groupByPriority(snapshot)
	if len(pending) == 0 {
		return nil
	}
	pool := s.pool(pending)
	eff := s.effectiveCredits(pool)

	out := make([]proto.Priority, len(pool))
	copy(out, pool)
	sort.Slice(out, func(i, j int) bool {
		if eff[out[i]] != eff[out[j]] {
			return eff[out[i]] > eff[out[j]]
		}
		return out[i].Ordinal() < out[j].Ordinal()
	})
	return out
}

// Credits returns a copy of the current credit counters, for stats.
func (s *PriorityScheduler) Credits() map[proto.Priority]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[proto.Priority]int, len(s.credits))
	for p, c := range s.credits {
		out[p] = c
	}
	return out
}

// Reset clears credit and tenant-serving state, for test isolation.
func (s *PriorityScheduler) Reset() {
	s.mu.Lock()
	s.credits = make(map[proto.Priority]int)
	s.lastServed = make(map[proto.Priority]map[string]int64)
	s.seq = 0
	s.mu.Unlock()
}

func groupByPriority(snapshot []Item) map[proto.Priority][]Item {
	pending := make(map[proto.Priority][]Item)
	for _, it := range snapshot {
		pending[it.Priority] = append(pending[it.Priority], it)
	}
	return pending
}

func servedSeq(served map[string]int64, tenant string) int64 {
	if served == nil {
		return 0
	}
	return served[tenant]
}
