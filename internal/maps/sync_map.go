package maps

import "sync"

// StdSyncMap wraps the standard library's sync.Map to implement the ConcurrentMap interface.
// Values live in cells so overwrites never re-insert a key.
type StdSyncMap[K Integer, V any] struct {
	m sync.Map
	limit
}

// NewStdSyncMap creates a new StdSyncMap.
func NewStdSyncMap[K Integer, V any](capacity int) ConcurrentMap[K, V] {
	return &StdSyncMap[K, V]{limit: newLimit(capacity)}
}

func (m *StdSyncMap[K, V]) Load(key K) (V, bool) {
	c, ok := m.m.Load(key)
	if !ok {
		var zero V
		return zero, false
	}
	return c.(*cell[V]).load(), true
}

func (m *StdSyncMap[K, V]) Store(key K, value V) error {
	for {
		if c, ok := m.m.Load(key); ok {
			c.(*cell[V]).store(value)
			return nil
		}
		if !m.reserve() {
			return ErrFull
		}
		if _, loaded := m.m.LoadOrStore(key, newCell(value)); !loaded {
			return nil
		}
		// Another writer inserted the key first; overwrite its cell.
		m.release()
	}
}

func (m *StdSyncMap[K, V]) Delete(key K) bool {
	_, ok := m.LoadAndDelete(key)
	return ok
}

func (m *StdSyncMap[K, V]) LoadAndDelete(key K) (V, bool) {
	c, loaded := m.m.LoadAndDelete(key)
	if !loaded {
		var zero V
		return zero, false
	}
	m.release()
	return c.(*cell[V]).load(), true
}

func (m *StdSyncMap[K, V]) LoadOrStore(key K, valueFactory func() V) (V, bool, error) {
	if c, ok := m.m.Load(key); ok {
		return c.(*cell[V]).load(), true, nil
	}
	if !m.reserve() {
		var zero V
		return zero, false, ErrFull
	}
	// This may call the factory function unnecessarily if another writer won the race.
	c, loaded := m.m.LoadOrStore(key, newCell(valueFactory()))
	if loaded {
		m.release()
	}
	return c.(*cell[V]).load(), loaded, nil
}

// Update is a non-atomic simulation. It is vulnerable to race conditions.
func (m *StdSyncMap[K, V]) Update(key K, updateFunc func(value V, exists bool) (newValue V, keep bool)) error {
	oldVal, exists := m.Load(key)
	newVal, keep := updateFunc(oldVal, exists)
	switch {
	case keep:
		return m.Store(key, newVal)
	case exists:
		m.Delete(key)
	}
	return nil
}

func (m *StdSyncMap[K, V]) Range(f func(key K, value V) bool) {
	m.m.Range(func(key, c any) bool {
		return f(key.(K), c.(*cell[V]).load())
	})
}
