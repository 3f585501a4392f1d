package maps

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// DefaultImplementation is the concurrent map used when none is configured.
const DefaultImplementation = XSync

// Implementation names a ConcurrentMap backend.
type Implementation string

const (
	XSync   Implementation = "xsync"
	Sharded Implementation = "sharded"
	Cornelk Implementation = "cornelk"
	Sync    Implementation = "sync"
)

// ErrFull is returned when inserting a new key into a map that already holds
// its capacity. The map is left unchanged.
var ErrFull = errors.New("map is full")

// Integer is a constraint that permits any integer type.
// All integer types are comparable.
type Integer interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uintptr
}

// ConcurrentMap defines a generic, thread-safe, capacity-bounded map with
// integer keys. Every single-key operation is atomic with respect to other
// operations on the same key; nothing is transactional across keys.
//
// Operations that would add a key beyond capacity fail with ErrFull.
// Overwriting an existing key never fails.
type ConcurrentMap[K Integer, V any] interface {
	Load(key K) (V, bool)
	Store(key K, value V) error
	Delete(key K) bool
	LoadAndDelete(key K) (V, bool)
	// LoadOrStore returns the existing value for key, or stores and returns
	// the value built by valueFactory. loaded reports whether it existed.
	LoadOrStore(key K, valueFactory func() V) (value V, loaded bool, err error)
	// Update atomically reads, modifies and writes the value of key.
	// Returning keep=false deletes the entry.
	Update(key K, updateFunc func(value V, exists bool) (newValue V, keep bool)) error
	Range(f func(key K, value V) bool)
	Len() int
	Cap() int
}

// New returns a map of the given implementation. capacity <= 0 means unbounded.
func New[K Integer, V any](impl Implementation, capacity int) (ConcurrentMap[K, V], error) {
	switch impl {
	case XSync, "":
		return NewXSyncMap[K, V](capacity), nil
	case Sharded:
		return NewShardedMap[K, V](capacity), nil
	case Cornelk:
		return NewCornelkMap[K, V](capacity), nil
	case Sync:
		return NewStdSyncMap[K, V](capacity), nil
	default:
		return nil, fmt.Errorf("unknown map implementation %q", impl)
	}
}

// NewConcurrentMap returns the default implementation with the given capacity.
func NewConcurrentMap[K Integer, V any](capacity int) ConcurrentMap[K, V] {
	m, _ := New[K, V](DefaultImplementation, capacity)
	return m
}

// ValidImplementation reports whether name selects a known backend.
func ValidImplementation(name string) bool {
	switch Implementation(name) {
	case XSync, Sharded, Cornelk, Sync:
		return true
	}
	return false
}

// limit tracks the number of live keys against a capacity.
// Backends reserve a slot while holding the key's lock, before the key becomes visible.
type limit struct {
	capacity int64
	size     atomic.Int64
}

func newLimit(capacity int) limit {
	if capacity < 0 {
		capacity = 0
	}
	return limit{capacity: int64(capacity)}
}

func (l *limit) reserve() bool {
	n := l.size.Add(1)
	if l.capacity > 0 && n > l.capacity {
		l.size.Add(-1)
		return false
	}
	return true
}

func (l *limit) release() {
	l.size.Add(-1)
}

func (l *limit) Len() int { return int(l.size.Load()) }
func (l *limit) Cap() int { return int(l.capacity) }

// cell boxes a value for backends without a locked check-then-set. Overwriting
// an existing key swaps the cell's contents instead of writing the key again,
// so a racing Delete can never be undone by an overwrite that skipped reserve.
type cell[V any] struct {
	v atomic.Pointer[V]
}

func newCell[V any](v V) *cell[V] {
	c := &cell[V]{}
	c.v.Store(&v)
	return c
}

func (c *cell[V]) load() V   { return *c.v.Load() }
func (c *cell[V]) store(v V) { c.v.Store(&v) }
