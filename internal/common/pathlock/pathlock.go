// Package pathlock serializes writes to individual files.
//
// Agent metadata and session sidecar files are small JSON documents written
// with read-modify-write cycles; a per-path mutex prevents interleaved writes
// from concurrent requests.
package pathlock

import "sync"

// Set hands out one mutex per key. Mutexes are never released; the set of
// paths is bounded by the number of agents, which is small at desktop scale.
type Set struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates an empty Set.
func New() *Set {
	return &Set{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the mutex for the given path, creating it on first use.
func (s *Set) Lock(path string) {
	s.get(path).Lock()
}

// Unlock releases the mutex for the given path.
func (s *Set) Unlock(path string) {
	s.get(path).Unlock()
}

func (s *Set) get(path string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.locks[path]
	if !ok {
		m = &sync.Mutex{}
		s.locks[path] = m
	}
	return m
}
