package maps

import "github.com/puzpuzpuz/xsync/v4"

// XSyncMap is a generic, concurrent map that implements the ConcurrentMap interface
// using the highly optimized puzpuzpuz/xsync/v4 library.
type XSyncMap[K Integer, V any] struct {
	m *xsync.Map[K, V]
	limit
}

// NewXSyncMap creates a new XSyncMap, returning it as a ConcurrentMap.
func NewXSyncMap[K Integer, V any](capacity int) ConcurrentMap[K, V] {
	var opts []func(*xsync.MapConfig)
	if capacity > 0 {
		opts = append(opts, xsync.WithPresize(capacity))
	}
	return &XSyncMap[K, V]{
		m:     xsync.NewMap[K, V](opts...),
		limit: newLimit(capacity),
	}
}

// Load returns the value for a given key.
func (m *XSyncMap[K, V]) Load(key K) (V, bool) {
	return m.m.Load(key)
}

// Store sets the value for a given key. Capacity is reserved inside Compute,
// under the bucket lock, so two writers cannot both claim the last slot.
func (m *XSyncMap[K, V]) Store(key K, value V) error {
	var err error
	m.m.Compute(key, func(oldValue V, loaded bool) (V, xsync.ComputeOp) {
		if !loaded && !m.reserve() {
			err = ErrFull
			return oldValue, xsync.CancelOp
		}
		return value, xsync.UpdateOp
	})
	return err
}

// Delete removes a key from the map.
func (m *XSyncMap[K, V]) Delete(key K) bool {
	_, ok := m.LoadAndDelete(key)
	return ok
}

// LoadAndDelete deletes a key and returns the value it was associated with.
func (m *XSyncMap[K, V]) LoadAndDelete(key K) (V, bool) {
	v, ok := m.m.LoadAndDelete(key)
	if ok {
		m.release()
	}
	return v, ok
}

// LoadOrStore uses LoadOrCompute for a factory-based get-or-create.
func (m *XSyncMap[K, V]) LoadOrStore(key K, valueFactory func() V) (V, bool, error) {
	var err error
	v, loaded := m.m.LoadOrCompute(key, func() (V, bool) {
		if !m.reserve() {
			err = ErrFull
			var zero V
			return zero, true
		}
		return valueFactory(), false
	})
	return v, loaded, err
}

// Update uses the efficient Compute method to atomically update an entry.
func (m *XSyncMap[K, V]) Update(key K, updateFunc func(value V, exists bool) (newValue V, keep bool)) error {
	var err error
	m.m.Compute(key, func(oldValue V, loaded bool) (V, xsync.ComputeOp) {
		newVal, keep := updateFunc(oldValue, loaded)
		switch {
		case keep && !loaded:
			if !m.reserve() {
				err = ErrFull
				return oldValue, xsync.CancelOp
			}
			return newVal, xsync.UpdateOp
		case keep:
			return newVal, xsync.UpdateOp
		case loaded:
			m.release()
			var zero V // Value is ignored on delete.
			return zero, xsync.DeleteOp
		default:
			return oldValue, xsync.CancelOp
		}
	})
	return err
}

// Range iterates over all items in the map.
func (m *XSyncMap[K, V]) Range(f func(key K, value V) bool) {
	m.m.Range(f)
}
