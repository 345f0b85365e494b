package sharded

import "sync"

type mapShard[V any] struct {
	mu    sync.RWMutex
	items map[string]V
}

// Map is a string-keyed map split into independently locked shards.
type Map[V any] struct {
	shards []*mapShard[V]
}

// NewMap creates a map with numShards shards. numShards must be a power of two.
func NewMap[V any](numShards int) *Map[V] {
	if !isPowerOfTwo(numShards) {
		panic("num shards must be a power of 2")
	}
	m := &Map[V]{shards: make([]*mapShard[V], numShards)}
	for i := range numShards {
		m.shards[i] = &mapShard[V]{items: make(map[string]V)}
	}
	return m
}

func (m *Map[V]) shard(key string) *mapShard[V] {
	return m.shards[shardIndex(key, len(m.shards))]
}

func (m *Map[V]) Store(key string, value V) {
	s := m.shard(key)
	s.mu.Lock()
	s.items[key] = value
	s.mu.Unlock()
}

func (m *Map[V]) Load(key string) (V, bool) {
	s := m.shard(key)
	s.mu.RLock()
	v, ok := s.items[key]
	s.mu.RUnlock()
	return v, ok
}

// Compute atomically replaces the value for key with fn(current, present).
// fn runs under the shard lock and must not touch the map.
func (m *Map[V]) Compute(key string, fn func(current V, present bool) V) V {
	s := m.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.items[key]
	next := fn(cur, ok)
	s.items[key] = next
	return next
}

func (m *Map[V]) Delete(key string) {
	s := m.shard(key)
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
}

// Len returns the total number of entries across all shards.
func (m *Map[V]) Len() int {
	n := 0
	for _, s := range m.shards {
		s.mu.RLock()
		n += len(s.items)
		s.mu.RUnlock()
	}
	return n
}

// Range calls f for each entry until f returns false. Each shard is read-locked
// while it is visited, so f must not write to the map.
func (m *Map[V]) Range(f func(key string, value V) bool) {
	for _, s := range m.shards {
		s.mu.RLock()
		for k, v := range s.items {
			if !f(k, v) {
				s.mu.RUnlock()
				return
			}
		}
		s.mu.RUnlock()
	}
}

// Values returns a snapshot of all values in unspecified order.
func (m *Map[V]) Values() []V {
	out := make([]V, 0, m.Len())
	m.Range(func(_ string, v V) bool {
		out = append(out, v)
		return true
	})
	return out
}
