package kvstore

import (
	"sync"
)

var _ Transactional = (*Shared)(nil)

// Shared guards a store with a read-write lock: reads run concurrently, writes and
// transactions run exclusively.
type Shared struct {
	mu    sync.RWMutex
	inner Transactional
}

func NewShared(inner Transactional) *Shared {
	return &Shared{inner: inner}
}

func (s *Shared) Get(key []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inner.Get(key)
}

func (s *Shared) Set(key, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.Set(key, value)
}

func (s *Shared) Delete(key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.Delete(key)
}

func (s *Shared) Update(fn func(tx Backend) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.Update(fn)
}

func (s *Shared) Entries() ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inner.Entries()
}
