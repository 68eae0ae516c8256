// Package syncmap provides a small mutex guarded map with an atomic
// get-or-create operation.
package syncmap

import (
	"sort"
	"sync"
)

// Map is safe for concurrent use. The zero value is ready to use.
type Map[K comparable, V any] struct {
	mu sync.Mutex
	m  map[K]V
}

// GetOrCreate returns the value for key, calling create to build it when
// absent. create runs under the map lock so it must not call back into the map.
// The boolean reports whether the value was created by this call.
func (s *Map[K, V]) GetOrCreate(key K, create func() V) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v, ok := s.m[key]; ok {
		return v, false
	}
	if s.m == nil {
		s.m = make(map[K]V)
	}
	v := create()
	s.m[key] = v
	return v, true
}

// Get returns the value for key.
func (s *Map[K, V]) Get(key K) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[key]
	return v, ok
}

// Store sets the value for key.
func (s *Map[K, V]) Store(key K, v V) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.m == nil {
		s.m = make(map[K]V)
	}
	s.m[key] = v
}

// LoadAndDelete removes key, returning the previous value if there was one.
func (s *Map[K, V]) LoadAndDelete(key K) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[key]
	if ok {
		delete(s.m, key)
	}
	return v, ok
}

// Len returns the number of entries.
func (s *Map[K, V]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}

// Values returns a snapshot of the values in no particular order.
func (s *Map[K, V]) Values() []V {
	s.mu.Lock()
	defer s.mu.Unlock()
	vals := make([]V, 0, len(s.m))
	for _, v := range s.m {
		vals = append(vals, v)
	}
	return vals
}

// SortedKeys returns a snapshot of the keys ordered by less.
func (s *Map[K, V]) SortedKeys(less func(a, b K) bool) []K {
	s.mu.Lock()
	keys := make([]K, 0, len(s.m))
	for k := range s.m {
		keys = append(keys, k)
	}
	s.mu.Unlock()

	sort.Slice(keys, func(i, j int) bool { return less(keys[i], keys[j]) })
	return keys
}
