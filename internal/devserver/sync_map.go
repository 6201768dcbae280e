package devserver

import "sync"

// syncMap is a map that is safe for concurrent usage.
type syncMap[K comparable, V any] struct {
	m  map[K]V
	mu sync.RWMutex
}

func newSyncMap[K comparable, V any]() *syncMap[K, V] {
	return &syncMap[K, V]{
		m: make(map[K]V),
	}
}

func (s *syncMap[K, V]) Load(key K) (value V, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok = s.m[key]
	return
}

// Update applies f to the value of key and stores the result atomically. The
// key is deleted when f reports false.
func (s *syncMap[K, V]) Update(key K, f func(value V, ok bool) (V, bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.m[key]
	next, keep := f(value, ok)
	if !keep {
		delete(s.m, key)
		return
	}
	s.m[key] = next
}

func (s *syncMap[K, V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.m)
}

// View calls f with the value of key while holding the read lock.
func (s *syncMap[K, V]) View(key K, f func(value V, ok bool)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.m[key]
	f(value, ok)
}
