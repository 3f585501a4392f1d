package maps

import "github.com/cornelk/hashmap"

// CornelkMap wraps the cornelk/hashmap to implement the ConcurrentMap interface.
// Values live in cells so overwrites never re-insert a key.
type CornelkMap[K Integer, V any] struct {
	m *hashmap.Map[K, *cell[V]]
	limit
}

// NewCornelkMap creates a new CornelkMap.
func NewCornelkMap[K Integer, V any](capacity int) ConcurrentMap[K, V] {
	m := hashmap.New[K, *cell[V]]()
	if capacity > 0 {
		m = hashmap.NewSized[K, *cell[V]](uintptr(capacity))
	}
	return &CornelkMap[K, V]{m: m, limit: newLimit(capacity)}
}

func (m *CornelkMap[K, V]) Load(key K) (V, bool) {
	c, ok := m.m.Get(key)
	if !ok {
		var zero V
		return zero, false
	}
	return c.load(), true
}

func (m *CornelkMap[K, V]) Store(key K, value V) error {
	for {
		if c, ok := m.m.Get(key); ok {
			c.store(value)
			return nil
		}
		if !m.reserve() {
			return ErrFull
		}
		if m.m.Insert(key, newCell(value)) {
			return nil
		}
		// Lost the race to another inserter; overwrite its cell.
		m.release()
	}
}

func (m *CornelkMap[K, V]) Delete(key K) bool {
	if m.m.Del(key) {
		m.release()
		return true
	}
	return false
}

// LoadAndDelete is a non-atomic simulation. It is vulnerable to race conditions.
func (m *CornelkMap[K, V]) LoadAndDelete(key K) (V, bool) {
	c, ok := m.m.Get(key)
	if ok && m.m.Del(key) {
		m.release()
		return c.load(), true
	}
	var zero V
	return zero, false
}

func (m *CornelkMap[K, V]) LoadOrStore(key K, valueFactory func() V) (V, bool, error) {
	if c, ok := m.m.Get(key); ok {
		return c.load(), true, nil
	}
	if !m.reserve() {
		var zero V
		return zero, false, ErrFull
	}
	c, loaded := m.m.GetOrInsert(key, newCell(valueFactory()))
	if loaded {
		m.release()
	}
	return c.load(), loaded, nil
}

// Update is a non-atomic simulation. It is vulnerable to race conditions.
func (m *CornelkMap[K, V]) Update(key K, updateFunc func(value V, exists bool) (newValue V, keep bool)) error {
	val, exists := m.Load(key)
	newVal, keep := updateFunc(val, exists)
	switch {
	case keep:
		return m.Store(key, newVal)
	case exists:
		m.Delete(key)
	}
	return nil
}

func (m *CornelkMap[K, V]) Range(f func(key K, value V) bool) {
	m.m.Range(func(key K, c *cell[V]) bool { return f(key, c.load()) })
}
