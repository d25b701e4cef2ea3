package discovery

import (
	"fmt"
	"hash/fnv"
	"math/rand"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
)

// Strategy names a load-balancing algorithm.
type Strategy string

const (
	RoundRobin         Strategy = "round-robin"
	Random             Strategy = "random"
	LeastConnections   Strategy = "least-connections"
	WeightedRoundRobin Strategy = "weighted-round-robin"
	IPHash             Strategy = "ip-hash"
)

// ParseStrategy validates a strategy name. Empty input means
// round-robin.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case "", RoundRobin:
		return RoundRobin, nil
	case Random, LeastConnections, WeightedRoundRobin, IPHash:
		return Strategy(s), nil
	default:
		return "", fmt.Errorf("discovery: unknown load balancer strategy %q", s)
	}
}

// MetaWeight is the metadata key read by weighted-round-robin.
// Instances without it weigh 1.
const MetaWeight = "weight"

// balancer holds the per-service counters that round-robin style
// strategies advance. Connection counts for least-connections live
// here too, keyed by instance ID.
type balancer struct {
	next  atomic.Uint64
	wnext atomic.Uint64

	mu    sync.Mutex
	conns map[string]*atomic.Int64
}

func newBalancer() *balancer {
	return &balancer{conns: make(map[string]*atomic.Int64)}
}

// Pick selects one instance. The candidate list must be non-empty; key
// feeds the ip-hash strategy and is ignored by the others.
func (b *balancer) Pick(instances []*Instance, strategy Strategy, key string) *Instance {
	switch strategy {
	case Random:
		return instances[rand.Intn(len(instances))]
	case LeastConnections:
		return b.pickLeastConnections(instances)
	case WeightedRoundRobin:
		return b.pickWeighted(instances)
	case IPHash:
		return pickHashed(instances, key)
	default:
		n := b.next.Add(1) - 1
		return instances[n%uint64(len(instances))]
	}
}

func (b *balancer) pickLeastConnections(instances []*Instance) *Instance {
	best := instances[0]
	bestLoad := b.load(best.ID)
	for _, in := range instances[1:] {
		if load := b.load(in.ID); load < bestLoad {
			best = in
			bestLoad = load
		}
	}
	return best
}

// pickWeighted walks the cumulative weight ring. Instances advertise
// weight through metadata; missing or invalid values count as 1.
func (b *balancer) pickWeighted(instances []*Instance) *Instance {
	total := 0
	for _, in := range instances {
		total += instanceWeight(in)
	}
	if total <= 0 {
		n := b.wnext.Add(1) - 1
		return instances[n%uint64(len(instances))]
	}

	slot := int((b.wnext.Add(1) - 1) % uint64(total))
	for _, in := range instances {
		slot -= instanceWeight(in)
		if slot < 0 {
			return in
		}
	}
	return instances[len(instances)-1]
}

func pickHashed(instances []*Instance, key string) *Instance {
	// Sort by ID so the mapping survives registry reorderings.
	sorted := make([]*Instance, len(instances))
	copy(sorted, instances)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	h := fnv.New32a()
	h.Write([]byte(key))
	return sorted[h.Sum32()%uint32(len(sorted))]
}

func instanceWeight(in *Instance) int {
	w, err := strconv.Atoi(in.Metadata[MetaWeight])
	if err != nil || w < 1 {
		return 1
	}
	return w
}

// counter returns the live connection counter for an instance.
func (b *balancer) counter(id string) *atomic.Int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.conns[id]
	if !ok {
		c = &atomic.Int64{}
		b.conns[id] = c
	}
	return c
}

func (b *balancer) load(id string) int64 {
	return b.counter(id).Load()
}
