// Package pool bounds how many nodes may execute at once per named pool.
package pool

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/pitabwire/dfrun/model"
)

// DefaultPool is used by nodes that name no pool.
const DefaultPool = "default_pool"

type slot struct {
	size int64
	sem  *semaphore.Weighted

	mu    sync.Mutex
	inUse int64
}

// Pools is a fixed set of named slot pools. It is safe for concurrent use.
type Pools struct {
	pools map[string]*slot
}

// New creates pools from a name to size map. Sizes below one are rejected.
func New(sizes map[string]int) (*Pools, error) {
	p := &Pools{pools: make(map[string]*slot, len(sizes))}
	for name, size := range sizes {
		if size < 1 {
			return nil, model.NewConfigurationError("pool %q must have at least one slot", name)
		}
		p.pools[name] = &slot{size: int64(size), sem: semaphore.NewWeighted(int64(size))}
	}
	return p, nil
}

// Has reports whether a pool with the given name exists.
func (p *Pools) Has(name string) bool {
	_, ok := p.pools[p.resolve(name)]
	return ok
}

// Acquire blocks until a slot of the named pool is free or ctx is done. The
// returned release func must be called exactly once.
func (p *Pools) Acquire(ctx context.Context, name string) (func(), error) {
	s, ok := p.pools[p.resolve(name)]
	if !ok {
		return nil, model.NewConfigurationError("unknown pool %q", name)
	}
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.inUse++
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.inUse--
			s.mu.Unlock()
			s.sem.Release(1)
		})
	}, nil
}

// Stats describes the occupancy of one pool.
type Stats struct {
	Name  string `json:"name"`
	Size  int64  `json:"size"`
	InUse int64  `json:"in_use"`
}

// Stats returns occupancy of every pool, sorted by name.
func (p *Pools) Stats() []Stats {
	out := make([]Stats, 0, len(p.pools))
	for name, s := range p.pools {
		s.mu.Lock()
		out = append(out, Stats{Name: name, Size: s.size, InUse: s.inUse})
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (p *Pools) resolve(name string) string {
	if name == "" {
		return DefaultPool
	}
	return name
}
