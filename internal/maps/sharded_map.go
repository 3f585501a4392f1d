package maps

import "sync"

// shardCount must be a power of two. Pids and tgids are allocated
// sequentially, so their low bits already spread evenly across shards.
const shardCount = 64

type shard[K Integer, V any] struct {
	sync.RWMutex
	m map[K]V
}

// ShardedMap splits keys over shardCount mutex-protected Go maps. The entry
// count across all shards is bounded by the map's capacity.
type ShardedMap[K Integer, V any] struct {
	shards [shardCount]shard[K, V]
	limit
}

func NewShardedMap[K Integer, V any](capacity int) ConcurrentMap[K, V] {
	m := &ShardedMap[K, V]{limit: newLimit(capacity)}
	for i := range m.shards {
		m.shards[i].m = make(map[K]V)
	}
	return m
}

func (m *ShardedMap[K, V]) shardFor(key K) *shard[K, V] {
	return &m.shards[uint64(key)&(shardCount-1)]
}

func (m *ShardedMap[K, V]) Load(key K) (V, bool) {
	s := m.shardFor(key)
	s.RLock()
	v, ok := s.m[key]
	s.RUnlock()
	return v, ok
}

func (m *ShardedMap[K, V]) Store(key K, value V) error {
	s := m.shardFor(key)
	s.Lock()
	defer s.Unlock()
	if _, ok := s.m[key]; !ok && !m.reserve() {
		return ErrFull
	}
	s.m[key] = value
	return nil
}

func (m *ShardedMap[K, V]) Delete(key K) bool {
	_, ok := m.LoadAndDelete(key)
	return ok
}

func (m *ShardedMap[K, V]) LoadAndDelete(key K) (V, bool) {
	s := m.shardFor(key)
	s.Lock()
	defer s.Unlock()
	v, ok := s.m[key]
	if ok {
		delete(s.m, key)
		m.release()
	}
	return v, ok
}

// LoadOrStore takes the read lock first; only a miss upgrades to the write
// lock, where the key is checked again before valueFactory runs.
func (m *ShardedMap[K, V]) LoadOrStore(key K, valueFactory func() V) (V, bool, error) {
	if v, ok := m.Load(key); ok {
		return v, true, nil
	}

	s := m.shardFor(key)
	s.Lock()
	defer s.Unlock()
	if v, ok := s.m[key]; ok {
		return v, true, nil
	}
	if !m.reserve() {
		var zero V
		return zero, false, ErrFull
	}
	v := valueFactory()
	s.m[key] = v
	return v, false, nil
}

// Update runs updateFunc under the shard's write lock.
func (m *ShardedMap[K, V]) Update(key K, updateFunc func(value V, exists bool) (newValue V, keep bool)) error {
	s := m.shardFor(key)
	s.Lock()
	defer s.Unlock()

	old, exists := s.m[key]
	v, keep := updateFunc(old, exists)
	switch {
	case keep && !exists:
		if !m.reserve() {
			return ErrFull
		}
		s.m[key] = v
	case keep:
		s.m[key] = v
	case exists:
		delete(s.m, key)
		m.release()
	}
	return nil
}

// Range visits a per-shard snapshot, so f may call back into the map.
func (m *ShardedMap[K, V]) Range(f func(key K, value V) bool) {
	type entry struct {
		k K
		v V
	}
	var buf []entry
	for i := range m.shards {
		s := &m.shards[i]
		s.RLock()
		buf = buf[:0]
		for k, v := range s.m {
			buf = append(buf, entry{k, v})
		}
		s.RUnlock()

		for _, e := range buf {
			if !f(e.k, e.v) {
				return
			}
		}
	}
}
