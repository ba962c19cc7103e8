// Package balancer selects one channel from a candidate set under a
// process-wide strategy. Candidates are assumed enabled and eligible;
// the balancer only narrows by model support and applies the strategy.
package balancer

import (
	"cmp"
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"
	"sync/atomic"

	routex "github.com/routexhq/routex/internal"
)

// Strategy names a channel selection policy.
type Strategy string

const (
	StrategyPriority   Strategy = "priority"
	StrategyRoundRobin Strategy = "round_robin"
	StrategyWeighted   Strategy = "weighted"
	StrategyLeastUsed  Strategy = "least_used"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyPriority, StrategyRoundRobin, StrategyWeighted, StrategyLeastUsed:
		return true
	}
	return false
}

// Balancer holds the active strategy and the per-strategy rotation state.
type Balancer struct {
	strategy atomic.Value // Strategy

	rr atomic.Uint64 // round_robin rotation

	mu         sync.Mutex
	priorityRR map[int]uint64 // per-priority rotation for the priority strategy
	rng        *rand.Rand     // nil outside tests; weighted falls back to rand.IntN
}

// New returns a balancer using the given strategy, or priority when s is
// empty or unknown.
func New(s Strategy) *Balancer {
	if !s.Valid() {
		s = StrategyPriority
	}
	b := &Balancer{priorityRR: make(map[int]uint64)}
	b.strategy.Store(s)
	return b
}

// Strategy returns the active strategy.
func (b *Balancer) Strategy() Strategy {
	return b.strategy.Load().(Strategy)
}

// SetStrategy switches the active strategy. Unknown names are rejected.
func (b *Balancer) SetStrategy(s Strategy) error {
	if !s.Valid() {
		return fmt.Errorf("%w: unknown strategy %q", routex.ErrBadRequest, s)
	}
	b.strategy.Store(s)
	return nil
}

// SetRand injects a deterministic source for the weighted strategy.
func (b *Balancer) SetRand(r *rand.Rand) {
	b.mu.Lock()
	b.rng = r
	b.mu.Unlock()
}

// Select picks one channel from candidates that supports the model.
// Returns ErrNoChannel when nothing qualifies.
func (b *Balancer) Select(candidates []*routex.Channel, model string) (*routex.Channel, error) {
	pool := make([]*routex.Channel, 0, len(candidates))
	for _, c := range candidates {
		if c.SupportsModel(model) {
			pool = append(pool, c)
		}
	}
	if len(pool) == 0 {
		return nil, routex.ErrNoChannel
	}
	if len(pool) == 1 {
		return pool[0], nil
	}

	switch b.Strategy() {
	case StrategyRoundRobin:
		return b.roundRobin(pool), nil
	case StrategyWeighted:
		return b.weighted(pool), nil
	case StrategyLeastUsed:
		return leastUsed(pool), nil
	default:
		return b.byPriority(pool), nil
	}
}

func sortByName(pool []*routex.Channel) {
	slices.SortStableFunc(pool, func(a, b *routex.Channel) int {
		return cmp.Compare(a.Name, b.Name)
	})
}

func (b *Balancer) byPriority(pool []*routex.Channel) *routex.Channel {
	top := pool[0].Priority
	for _, c := range pool[1:] {
		if c.Priority > top {
			top = c.Priority
		}
	}
	group := pool[:0:0]
	for _, c := range pool {
		if c.Priority == top {
			group = append(group, c)
		}
	}
	sortByName(group)

	b.mu.Lock()
	n := b.priorityRR[top]
	b.priorityRR[top] = n + 1
	b.mu.Unlock()
	return group[n%uint64(len(group))]
}

func (b *Balancer) roundRobin(pool []*routex.Channel) *routex.Channel {
	sortByName(pool)
	n := b.rr.Add(1) - 1
	return pool[n%uint64(len(pool))]
}

func (b *Balancer) weighted(pool []*routex.Channel) *routex.Channel {
	total := 0
	for _, c := range pool {
		total += max(c.Weight, 1)
	}

	b.mu.Lock()
	var roll int
	if b.rng != nil {
		roll = b.rng.IntN(total)
	} else {
		roll = rand.IntN(total)
	}
	b.mu.Unlock()

	for _, c := range pool {
		roll -= max(c.Weight, 1)
		if roll < 0 {
			return c
		}
	}
	return pool[len(pool)-1]
}

func leastUsed(pool []*routex.Channel) *routex.Channel {
	best := pool[0]
	for _, c := range pool[1:] {
		switch {
		case c.RequestCount < best.RequestCount:
			best = c
		case c.RequestCount == best.RequestCount:
			if c.Priority > best.Priority ||
				(c.Priority == best.Priority && c.Name < best.Name) {
				best = c
			}
		}
	}
	return best
}
