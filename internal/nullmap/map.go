package nullmap

import (
	"sync"
	"sync/atomic"
)

// Map is a concurrent map whose values may be nil. Every mutation of a key runs under that
// key's own lock, so Compute callbacks for the same key never overlap while different keys
// proceed in parallel. Reads never wait for a running compute.
type Map[K comparable, V any] struct {
	mu    sync.RWMutex
	slots map[K]*slot[V]
	size  atomic.Int64
}

type slot[V any] struct {
	mu    sync.Mutex
	value atomic.Pointer[V]
	// refs counts goroutines holding or waiting for mu; guarded by Map.mu.
	refs int
}

// New returns an empty map.
func New[K comparable, V any]() *Map[K, V] {
	return &Map[K, V]{slots: make(map[K]*slot[V])}
}

func (m *Map[K, V]) peek(key K) *slot[V] {
	m.mu.RLock()
	s := m.slots[key]
	m.mu.RUnlock()
	return s
}

// lock pins the slot for key and takes its lock. The map lock is never held while waiting on a slot.
func (m *Map[K, V]) lock(key K) *slot[V] {
	m.mu.Lock()
	if m.slots == nil {
		m.slots = make(map[K]*slot[V])
	}
	s, ok := m.slots[key]
	if !ok {
		s = new(slot[V])
		m.slots[key] = s
	}
	s.refs++
	m.mu.Unlock()

	s.mu.Lock()
	return s
}

func (m *Map[K, V]) unlock(key K, s *slot[V]) {
	s.mu.Unlock()

	m.mu.Lock()
	s.refs--
	if s.refs == 0 && s.value.Load() == nil && m.slots[key] == s {
		delete(m.slots, key)
	}
	m.mu.Unlock()
}

// store must be called with s.mu held.
func (m *Map[K, V]) store(s *slot[V], next Optional[V]) {
	had := s.value.Load() != nil
	if v, ok := next.Get(); ok {
		s.value.Store(&v)
		if !had {
			m.size.Add(1)
		}
		return
	}
	s.value.Store(nil)
	if had {
		m.size.Add(-1)
	}
}

func load[V any](s *slot[V]) Optional[V] {
	if s == nil {
		return None[V]()
	}
	p := s.value.Load()
	if p == nil {
		return None[V]()
	}
	return Some(*p)
}

// Load returns the current entry for key.
func (m *Map[K, V]) Load(key K) Optional[V] {
	return load(m.peek(key))
}

// Get returns the value for key and whether the key is present.
func (m *Map[K, V]) Get(key K) (V, bool) {
	return m.Load(key).Get()
}

// ContainsKey reports whether key holds a value, nil included.
func (m *Map[K, V]) ContainsKey(key K) bool {
	return m.Load(key).IsPresent()
}

// Put stores v under key and returns the previous entry.
func (m *Map[K, V]) Put(key K, v V) Optional[V] {
	s := m.lock(key)
	defer m.unlock(key, s)
	prev := load(s)
	m.store(s, Some(v))
	return prev
}

// PutIfAbsent stores v only when key is absent. It returns the entry in place after the call
// and whether v was stored.
func (m *Map[K, V]) PutIfAbsent(key K, v V) (Optional[V], bool) {
	s := m.lock(key)
	defer m.unlock(key, s)
	if cur := load(s); cur.IsPresent() {
		return cur, false
	}
	next := Some(v)
	m.store(s, next)
	return next, true
}

// Remove deletes key and returns the previous entry.
func (m *Map[K, V]) Remove(key K) Optional[V] {
	if m.peek(key) == nil {
		return None[V]()
	}
	s := m.lock(key)
	defer m.unlock(key, s)
	prev := load(s)
	m.store(s, None[V]())
	return prev
}

// Compute replaces the entry for key with fn's result while holding the key's lock.
// Returning None removes the key.
func (m *Map[K, V]) Compute(key K, fn func(K, Optional[V]) Optional[V]) Optional[V] {
	s := m.lock(key)
	defer m.unlock(key, s)
	next := fn(key, load(s))
	m.store(s, next)
	return next
}

// ComputeIfAbsent runs fn only when key is absent. A None result leaves the key absent.
func (m *Map[K, V]) ComputeIfAbsent(key K, fn func(K) Optional[V]) Optional[V] {
	if cur := m.Load(key); cur.IsPresent() {
		return cur
	}
	s := m.lock(key)
	defer m.unlock(key, s)
	if cur := load(s); cur.IsPresent() {
		return cur
	}
	next := fn(key)
	m.store(s, next)
	return next
}

// ComputeIfPresent runs fn only when key holds a value. A None result removes the key.
func (m *Map[K, V]) ComputeIfPresent(key K, fn func(K, V) Optional[V]) Optional[V] {
	if !m.ContainsKey(key) {
		return None[V]()
	}
	s := m.lock(key)
	defer m.unlock(key, s)
	cur, ok := load(s).Get()
	if !ok {
		return None[V]()
	}
	next := fn(key, cur)
	m.store(s, next)
	return next
}

// Len returns the number of present keys.
func (m *Map[K, V]) Len() int {
	return int(m.size.Load())
}

// Keys returns a snapshot of the present keys.
func (m *Map[K, V]) Keys() []K {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]K, 0, len(m.slots))
	for k, s := range m.slots {
		if s.value.Load() != nil {
			keys = append(keys, k)
		}
	}
	return keys
}

// Range calls fn for a snapshot of the present entries until fn returns false.
// fn may mutate the map.
func (m *Map[K, V]) Range(fn func(K, V) bool) {
	type entry struct {
		key   K
		value V
	}
	m.mu.RLock()
	entries := make([]entry, 0, len(m.slots))
	for k, s := range m.slots {
		if p := s.value.Load(); p != nil {
			entries = append(entries, entry{key: k, value: *p})
		}
	}
	m.mu.RUnlock()

	for _, e := range entries {
		if !fn(e.key, e.value) {
			return
		}
	}
}

// Clear removes every present key, waiting for any compute running on it.
func (m *Map[K, V]) Clear() {
	for _, k := range m.Keys() {
		m.Remove(k)
	}
}
