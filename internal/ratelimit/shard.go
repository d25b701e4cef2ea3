package ratelimit

import (
	"hash/fnv"
	"sync"
)

const shardCount = 32

// keyedState is a concurrent map partitioned into fixed shards so hot
// keys on different shards never contend on one lock.
type keyedState[V any] struct {
	shards [shardCount]struct {
		mu sync.Mutex
		m  map[string]V
	}
}

func newKeyedState[V any]() *keyedState[V] {
	s := &keyedState[V]{}
	for i := range s.shards {
		s.shards[i].m = make(map[string]V)
	}
	return s
}

func (s *keyedState[V]) lock(key string) (map[string]V, *sync.Mutex) {
	h := fnv.New32a()
	h.Write([]byte(key))
	sh := &s.shards[h.Sum32()%shardCount]
	sh.mu.Lock()
	return sh.m, &sh.mu
}

// sweep deletes entries for which fn returns true, one shard at a time.
func (s *keyedState[V]) sweep(fn func(key string, v V) bool) {
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for k, v := range sh.m {
			if fn(k, v) {
				delete(sh.m, k)
			}
		}
		sh.mu.Unlock()
	}
}
