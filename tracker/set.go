package tracker

import "sync"

// Set is the membership set of normalized identifiers. It only grows.
type Set struct {
	mu sync.Mutex
	m  map[string]struct{}
}

// NewSet returns an empty Set.
func NewSet() *Set {
	return &Set{m: make(map[string]struct{})}
}

// Insert adds key and reports whether it was absent before. The check and the
// insertion happen under one lock, so concurrent callers racing on the same
// key see exactly one true.
func (s *Set) Insert(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.m[key]; ok {
		return false
	}
	s.m[key] = struct{}{}
	return true
}

// Contains reports whether key is in the set.
func (s *Set) Contains(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.m[key]
	return ok
}

// Len returns the number of identifiers.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}
